// Package session implements the server side of an RTMP connection after
// the handshake: it consumes raw chunk-stream bytes and produces outbound
// packets, application events and reports of messages it cannot handle.
//
// The session never touches the network. Callers write every
// OutboundPacket in order, act on every RaisedEvent in order, and answer
// request events with AcceptRequest or RejectRequest.
package session

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zsiec/rtmpcam/internal/rtmp/amf"
	"github.com/zsiec/rtmpcam/internal/rtmp/chunk"
)

// ErrUnknownRequest is returned when accepting or rejecting a request id
// that is not pending.
var ErrUnknownRequest = errors.New("session: unknown request id")

// Config controls the values the server announces.
type Config struct {
	// ChunkSize is the outbound chunk size announced at startup.
	ChunkSize uint32
	// WindowAckSize is how many bytes the peer may send before it must
	// expect an acknowledgement from us.
	WindowAckSize uint32
	// PeerBandwidth limits the peer's outbound bandwidth (dynamic).
	PeerBandwidth uint32
	FMSVersion    string
	Capabilities  float64
	// MaxMessageSize caps the length of a single inbound message.
	MaxMessageSize int
	// MaxStreams caps the message streams open at once on the connection.
	MaxStreams int
}

// DefaultConfig returns the values common RTMP servers announce.
func DefaultConfig() Config {
	return Config{
		ChunkSize:     4096,
		WindowAckSize: 2_500_000,
		PeerBandwidth: 2_500_000,
		FMSVersion:    "FMS/3,0,1,123",
		Capabilities:  31,

		MaxMessageSize: chunk.DefaultMaxMessageSize,
		MaxStreams:     8,
	}
}

type requestKind int

const (
	requestConnect requestKind = iota
	requestRelease
	requestPublish
)

type request struct {
	kind          requestKind
	transactionID float64
	streamID      uint32
	streamKey     string
	mode          PublishMode
}

type streamState struct {
	key        string
	publishing bool
}

// ServerSession is the protocol engine for one connection. It is not safe
// for concurrent use.
type ServerSession struct {
	cfg Config
	dec *chunk.Decoder
	enc *chunk.Encoder

	appName        string
	tcURL          string
	connected      bool
	objectEncoding float64

	nextRequestID uint32
	pending       map[uint32]request

	nextStreamID uint32
	streams      map[uint32]*streamState

	bytesReceived uint64
	lastAck       uint64
	peerWindow    uint32
}

// New creates a session and returns the control messages that must be sent
// before anything else: window acknowledgement size, peer bandwidth and the
// outbound chunk size.
func New(cfg Config) (*ServerSession, []Result, error) {
	def := DefaultConfig()
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.WindowAckSize == 0 {
		cfg.WindowAckSize = def.WindowAckSize
	}
	if cfg.PeerBandwidth == 0 {
		cfg.PeerBandwidth = def.PeerBandwidth
	}
	if cfg.FMSVersion == "" {
		cfg.FMSVersion = def.FMSVersion
	}
	if cfg.Capabilities == 0 {
		cfg.Capabilities = def.Capabilities
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.MaxStreams <= 0 {
		cfg.MaxStreams = def.MaxStreams
	}

	s := &ServerSession{
		cfg:          cfg,
		dec:          chunk.NewDecoder(),
		enc:          chunk.NewEncoder(),
		pending:      make(map[uint32]request),
		streams:      make(map[uint32]*streamState),
		nextStreamID: 1,
	}

	s.dec.SetLimits(cfg.MaxMessageSize, max(2*cfg.MaxMessageSize, chunk.DefaultMaxPending))

	var out []Result
	out = append(out, s.control(chunk.TypeWindowAckSize, be32(cfg.WindowAckSize)))
	out = append(out, s.control(chunk.TypeSetPeerBandwidth, append(be32(cfg.PeerBandwidth), 2)))
	out = append(out, s.control(chunk.TypeSetChunkSize, be32(cfg.ChunkSize)))
	if err := s.enc.SetChunkSize(cfg.ChunkSize); err != nil {
		return nil, nil, fmt.Errorf("session: %w", err)
	}
	return s, out, nil
}

// AppName returns the application name from the connect command.
func (s *ServerSession) AppName() string { return s.appName }

// BytesReceived returns the number of chunk-stream bytes consumed so far.
func (s *ServerSession) BytesReceived() uint64 { return s.bytesReceived }

// HandleInput feeds bytes read from the peer and returns the results in the
// order they must be processed. An error is fatal to the connection; the
// results produced before it are still returned.
func (s *ServerSession) HandleInput(data []byte) ([]Result, error) {
	s.bytesReceived += uint64(len(data))

	msgs, decErr := s.dec.Decode(data)
	var out []Result
	for _, m := range msgs {
		res, err := s.handleMessage(m)
		out = append(out, res...)
		if err != nil {
			return out, err
		}
	}
	if decErr != nil {
		return out, fmt.Errorf("session: %w", decErr)
	}

	if s.peerWindow > 0 && s.bytesReceived-s.lastAck >= uint64(s.peerWindow) {
		s.lastAck = s.bytesReceived
		out = append(out, s.control(chunk.TypeAcknowledgement, be32(uint32(s.bytesReceived))))
	}
	return out, nil
}

func (s *ServerSession) handleMessage(m *chunk.Message) ([]Result, error) {
	switch m.TypeID {
	case chunk.TypeSetChunkSize:
		// The decoder has already applied it.
		return event(ClientChunkSizeChanged{NewSize: s.dec.ChunkSize()}), nil
	case chunk.TypeAbort:
		return nil, nil
	case chunk.TypeAcknowledgement:
		if len(m.Payload) < 4 {
			return unhandleable(m, "short acknowledgement"), nil
		}
		return event(AcknowledgementReceived{BytesReceived: binary.BigEndian.Uint32(m.Payload)}), nil
	case chunk.TypeWindowAckSize:
		if len(m.Payload) < 4 {
			return unhandleable(m, "short window acknowledgement size"), nil
		}
		s.peerWindow = binary.BigEndian.Uint32(m.Payload)
		return nil, nil
	case chunk.TypeSetPeerBandwidth:
		return nil, nil
	case chunk.TypeUserControl:
		return s.handleUserControl(m), nil
	case chunk.TypeCommandAMF0:
		return s.handleCommand(m, m.Payload)
	case chunk.TypeCommandAMF3:
		if len(m.Payload) < 1 {
			return unhandleable(m, "empty AMF3 command"), nil
		}
		return s.handleCommand(m, m.Payload[1:])
	case chunk.TypeDataAMF0:
		return s.handleData(m, m.Payload), nil
	case chunk.TypeDataAMF3:
		if len(m.Payload) < 1 {
			return unhandleable(m, "empty AMF3 data"), nil
		}
		return s.handleData(m, m.Payload[1:]), nil
	case chunk.TypeVideo, chunk.TypeAudio:
		return s.handleMedia(m), nil
	default:
		return unhandleable(m, "unsupported message type"), nil
	}
}

// User control event types.
const (
	userControlStreamBegin  = 0
	userControlSetBufferLen = 3
	userControlPingRequest  = 6
	userControlPingResponse = 7
)

func (s *ServerSession) handleUserControl(m *chunk.Message) []Result {
	if len(m.Payload) < 6 {
		return unhandleable(m, "short user control message")
	}
	data := binary.BigEndian.Uint32(m.Payload[2:])
	switch binary.BigEndian.Uint16(m.Payload) {
	case userControlPingRequest:
		return []Result{s.userControl(userControlPingResponse, data)}
	case userControlPingResponse:
		return event(PingResponseReceived{Timestamp: data})
	case userControlSetBufferLen:
		return nil
	default:
		return unhandleable(m, "unsupported user control event")
	}
}

func (s *ServerSession) handleMedia(m *chunk.Message) []Result {
	st, ok := s.streams[m.StreamID]
	if !ok || !st.publishing {
		return unhandleable(m, "media on a stream that is not publishing")
	}
	if m.TypeID == chunk.TypeVideo {
		return event(VideoDataReceived{AppName: s.appName, StreamKey: st.key, Data: m.Payload, Timestamp: m.Timestamp})
	}
	return event(AudioDataReceived{AppName: s.appName, StreamKey: st.key, Data: m.Payload, Timestamp: m.Timestamp})
}

func (s *ServerSession) handleData(m *chunk.Message, body []byte) []Result {
	vals, err := amf.Decode(body)
	if err != nil || len(vals) == 0 {
		return unhandleable(m, "undecodable data message")
	}
	name, _ := vals[0].(string)
	if name == "@setDataFrame" {
		vals = vals[1:]
		if len(vals) == 0 {
			return unhandleable(m, "empty @setDataFrame")
		}
		name, _ = vals[0].(string)
	}
	if name != "onMetaData" || len(vals) < 2 {
		return unhandleable(m, "unsupported data message")
	}
	st, ok := s.streams[m.StreamID]
	if !ok || !st.publishing {
		return unhandleable(m, "metadata on a stream that is not publishing")
	}
	props, ok := amf.Properties(vals[1])
	if !ok {
		return unhandleable(m, "metadata is not an object")
	}
	return event(StreamMetadataChanged{AppName: s.appName, StreamKey: st.key, Metadata: parseMetadata(props)})
}

func event(e Event) []Result {
	return []Result{&RaisedEvent{Event: e}}
}

func unhandleable(m *chunk.Message, reason string) []Result {
	return []Result{&UnhandleableMessage{Message: m, Reason: reason}}
}

func be32(v uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, v)
}

// control encodes a protocol control message on chunk stream 2.
func (s *ServerSession) control(typeID uint8, payload []byte) *OutboundPacket {
	return &OutboundPacket{Bytes: s.enc.Append(nil, &chunk.Message{
		CSID:    chunk.CSIDControl,
		TypeID:  typeID,
		Payload: payload,
	})}
}

func (s *ServerSession) userControl(eventType uint16, data uint32) *OutboundPacket {
	payload := binary.BigEndian.AppendUint16(nil, eventType)
	payload = binary.BigEndian.AppendUint32(payload, data)
	return s.control(chunk.TypeUserControl, payload)
}

// command encodes an AMF0 command on the given message stream.
func (s *ServerSession) command(streamID uint32, vals ...any) (*OutboundPacket, error) {
	body, err := amf.Encode(vals...)
	if err != nil {
		return nil, fmt.Errorf("session: encode %v: %w", vals[0], err)
	}
	return &OutboundPacket{Bytes: s.enc.Append(nil, &chunk.Message{
		CSID:     chunk.CSIDCommand,
		TypeID:   chunk.TypeCommandAMF0,
		StreamID: streamID,
		Payload:  body,
	})}, nil
}
