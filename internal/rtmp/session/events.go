package session

import (
	"strconv"

	"github.com/zsiec/rtmpcam/internal/rtmp/amf"
	"github.com/zsiec/rtmpcam/internal/rtmp/chunk"
)

// Result is one item produced by the session, in the order it must be
// acted on: *OutboundPacket, *RaisedEvent or *UnhandleableMessage.
type Result interface {
	isResult()
}

// OutboundPacket holds bytes that must be written to the peer.
type OutboundPacket struct {
	Bytes []byte
}

// RaisedEvent carries an event for the application.
type RaisedEvent struct {
	Event Event
}

// UnhandleableMessage is a message the session does not understand. It is
// reported for diagnostics and otherwise ignored.
type UnhandleableMessage struct {
	Message *chunk.Message
	Reason  string
}

func (*OutboundPacket) isResult()      {}
func (*RaisedEvent) isResult()         {}
func (*UnhandleableMessage) isResult() {}

// Event is implemented by every event type below.
type Event interface {
	isEvent()
}

// PublishMode is the mode argument of a publish command.
type PublishMode string

const (
	PublishModeLive   PublishMode = "live"
	PublishModeRecord PublishMode = "record"
	PublishModeAppend PublishMode = "append"
)

// ConnectionRequested asks the application to accept or reject a connect
// command.
type ConnectionRequested struct {
	RequestID uint32
	AppName   string
	TCURL     string
}

// ReleaseStreamRequested asks whether a stale publisher on StreamKey may be
// released.
type ReleaseStreamRequested struct {
	RequestID uint32
	AppName   string
	StreamKey string
}

// PublishStreamRequested asks the application to accept or reject a
// publish command.
type PublishStreamRequested struct {
	RequestID uint32
	AppName   string
	StreamKey string
	Mode      PublishMode
	StreamID  uint32
}

// PublishStreamFinished reports that the peer stopped publishing.
type PublishStreamFinished struct {
	AppName   string
	StreamKey string
}

// StreamMetadataChanged carries an onMetaData update.
type StreamMetadataChanged struct {
	AppName   string
	StreamKey string
	Metadata  Metadata
}

// VideoDataReceived carries one video message body (an FLV video tag body).
type VideoDataReceived struct {
	AppName   string
	StreamKey string
	Data      []byte
	Timestamp uint32
}

// AudioDataReceived carries one audio message body.
type AudioDataReceived struct {
	AppName   string
	StreamKey string
	Data      []byte
	Timestamp uint32
}

// ClientChunkSizeChanged reports a SetChunkSize from the peer.
type ClientChunkSizeChanged struct {
	NewSize uint32
}

// AcknowledgementReceived reports an Acknowledgement from the peer.
type AcknowledgementReceived struct {
	BytesReceived uint32
}

// PingResponseReceived reports the answer to a ping request.
type PingResponseReceived struct {
	Timestamp uint32
}

func (ConnectionRequested) isEvent()     {}
func (ReleaseStreamRequested) isEvent()  {}
func (PublishStreamRequested) isEvent()  {}
func (PublishStreamFinished) isEvent()   {}
func (StreamMetadataChanged) isEvent()   {}
func (VideoDataReceived) isEvent()       {}
func (AudioDataReceived) isEvent()       {}
func (ClientChunkSizeChanged) isEvent()  {}
func (AcknowledgementReceived) isEvent() {}
func (PingResponseReceived) isEvent()    {}

// Metadata is the typed view of an onMetaData object. Zero values mean the
// encoder did not send the field.
type Metadata struct {
	Width            uint32  `json:"width,omitempty"`
	Height           uint32  `json:"height,omitempty"`
	VideoCodecID     string  `json:"video_codec_id,omitempty"`
	VideoBitrateKbps uint32  `json:"video_bitrate_kbps,omitempty"`
	FrameRate        float32 `json:"frame_rate,omitempty"`
	AudioCodecID     string  `json:"audio_codec_id,omitempty"`
	AudioBitrateKbps uint32  `json:"audio_bitrate_kbps,omitempty"`
	AudioSampleRate  uint32  `json:"audio_sample_rate,omitempty"`
	AudioChannels    uint32  `json:"audio_channels,omitempty"`
	AudioIsStereo    bool    `json:"audio_is_stereo,omitempty"`
	Encoder          string  `json:"encoder,omitempty"`
}

func parseMetadata(o amf.Object) Metadata {
	num := func(key string) uint32 {
		if f, ok := o.Number(key); ok && f > 0 {
			return uint32(f)
		}
		return 0
	}
	codec := func(key string) string {
		v, _ := o.Get(key)
		switch c := v.(type) {
		case string:
			return c
		case float64:
			return strconv.FormatFloat(c, 'f', -1, 64)
		}
		return ""
	}

	md := Metadata{
		Width:            num("width"),
		Height:           num("height"),
		VideoCodecID:     codec("videocodecid"),
		VideoBitrateKbps: num("videodatarate"),
		AudioCodecID:     codec("audiocodecid"),
		AudioBitrateKbps: num("audiodatarate"),
		AudioSampleRate:  num("audiosamplerate"),
		AudioChannels:    num("audiochannels"),
		Encoder:          o.String("encoder"),
	}
	if f, ok := o.Number("framerate"); ok {
		md.FrameRate = float32(f)
	} else if f, ok := o.Number("fps"); ok {
		md.FrameRate = float32(f)
	}
	if v, ok := o.Get("stereo"); ok {
		md.AudioIsStereo, _ = v.(bool)
	}
	return md
}
