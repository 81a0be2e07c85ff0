package stream

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/rtmpcam/internal/demux"
)

var _ demux.StatsRecorder = (*Stats)(nil)

// VideoStats holds point-in-time video metrics for a stream.
type VideoStats struct {
	Codec         string  `json:"codec"`
	Width         int     `json:"width"`
	Height        int     `json:"height"`
	TotalFrames   int64   `json:"totalFrames"`
	KeyFrames     int64   `json:"keyFrames"`
	DeltaFrames   int64   `json:"deltaFrames"`
	CurrentGOPLen int     `json:"currentGOPLen"`
	BitrateKbps   float64 `json:"bitrateKbps"`
	FrameRate     float64 `json:"frameRate"`
	TotalBytes    int64   `json:"totalBytes"`
	Timecode      string  `json:"timecode,omitempty"`
}

// CaptionStats tracks closed-caption activity across all channels.
type CaptionStats struct {
	ActiveChannels []int `json:"activeChannels"`
	TotalFrames    int64 `json:"totalFrames"`
}

// DecodeStats counts what happened to access units after the demuxer.
type DecodeStats struct {
	Decoded         int64            `json:"decoded"`
	BadData         int64            `json:"badData"`
	Errors          int64            `json:"errors"`
	Published       int64            `json:"published"`
	Dropped         int64            `json:"dropped"`
	DecoderRestarts int64            `json:"decoderRestarts"`
	SkippedTags     map[string]int64 `json:"skippedTags,omitempty"`
}

// EncoderInfo is what the publisher announced in onMetaData.
type EncoderInfo struct {
	Name      string  `json:"name,omitempty"`
	Width     int     `json:"width,omitempty"`
	Height    int     `json:"height,omitempty"`
	FrameRate float64 `json:"frameRate,omitempty"`
}

// Snapshot is the JSON view of one stream served by the status API.
type Snapshot struct {
	Key       string       `json:"key"`
	ConnID    string       `json:"connId"`
	Protocol  string       `json:"protocol"`
	StartedAt int64        `json:"startedAt"`
	UptimeMs  int64        `json:"uptimeMs"`
	Encoder   EncoderInfo  `json:"encoder"`
	Video     VideoStats   `json:"video"`
	Captions  CaptionStats `json:"captions"`
	Decode    DecodeStats  `json:"decode"`
}

// Stats accumulates stream telemetry from the demuxer and the decode
// pipeline. Counters are atomic; the sliding windows and labels each have
// their own mutex.
type Stats struct {
	videoFrames    atomic.Int64
	videoKeyframes atomic.Int64
	videoDelta     atomic.Int64
	videoBytes     atomic.Int64
	currentGOPLen  atomic.Int32
	videoWidth     atomic.Int32
	videoHeight    atomic.Int32
	captionCount   atomic.Int64

	decoded   atomic.Int64
	badData   atomic.Int64
	decodeErr atomic.Int64
	published atomic.Int64
	dropped   atomic.Int64
	restarts  atomic.Int64

	// mu guards labels, captionChans, skipped and encoder
	mu           sync.RWMutex
	codec        string
	timecode     string
	captionChans map[int]bool
	skipped      map[string]int64
	encoder      EncoderInfo

	// windowMu guards the bitrate/fps sliding window
	windowMu sync.Mutex
	window   []windowEntry
}

type windowEntry struct {
	ts    time.Time
	bytes int64
}

const statsWindow = 2 * time.Second

// NewStats creates an empty Stats.
func NewStats() *Stats {
	return &Stats{
		captionChans: make(map[int]bool),
		skipped:      make(map[string]int64),
	}
}

// RecordVideoFrame records an access unit's size and type and feeds the
// bitrate/frame-rate window.
func (s *Stats) RecordVideoFrame(bytes int64, isKeyframe bool, _ int64) {
	s.videoFrames.Add(1)
	s.videoBytes.Add(bytes)
	if isKeyframe {
		s.videoKeyframes.Add(1)
		s.currentGOPLen.Store(1)
	} else {
		s.videoDelta.Add(1)
		s.currentGOPLen.Add(1)
	}

	now := time.Now()
	s.windowMu.Lock()
	s.window = append(s.window, windowEntry{ts: now, bytes: bytes})
	cutoff := now.Add(-statsWindow)
	i := 0
	for i < len(s.window) && s.window[i].ts.Before(cutoff) {
		i++
	}
	s.window = s.window[i:]
	s.windowMu.Unlock()
}

// RecordSkippedTag counts a video tag the demuxer dropped.
func (s *Stats) RecordSkippedTag(reason string) {
	s.mu.Lock()
	s.skipped[reason]++
	s.mu.Unlock()
}

// RecordCaption records a caption frame on the given channel.
func (s *Stats) RecordCaption(channel int) {
	s.captionCount.Add(1)
	s.mu.Lock()
	s.captionChans[channel] = true
	s.mu.Unlock()
}

// RecordResolution stores the coded resolution from an SPS.
func (s *Stats) RecordResolution(width, height int) {
	s.videoWidth.Store(int32(width))
	s.videoHeight.Store(int32(height))
}

// RecordTimecode stores the latest SMPTE 12M timecode string.
func (s *Stats) RecordTimecode(tc string) {
	s.mu.Lock()
	s.timecode = tc
	s.mu.Unlock()
}

// RecordVideoCodec stores the RFC 6381 codec string.
func (s *Stats) RecordVideoCodec(codec string) {
	s.mu.Lock()
	s.codec = codec
	s.mu.Unlock()
}

// RecordEncoder stores the publisher's onMetaData announcement.
func (s *Stats) RecordEncoder(info EncoderInfo) {
	s.mu.Lock()
	s.encoder = info
	s.mu.Unlock()
}

// RecordDecoded counts a decoded frame.
func (s *Stats) RecordDecoded() { s.decoded.Add(1) }

// RecordDecodeError counts a failed decode. Transient bad data is counted
// separately from hard failures.
func (s *Stats) RecordDecodeError(transient bool) {
	if transient {
		s.badData.Add(1)
		return
	}
	s.decodeErr.Add(1)
}

// RecordDecoderRestart counts a decoder (re)initialisation.
func (s *Stats) RecordDecoderRestart() { s.restarts.Add(1) }

// RecordPublished counts a frame handed to the shared region or ring.
func (s *Stats) RecordPublished() { s.published.Add(1) }

// RecordDropped counts a decoded frame that could not be handed off.
func (s *Stats) RecordDropped() { s.dropped.Add(1) }

func (s *Stats) rates() (kbps, fps float64) {
	s.windowMu.Lock()
	defer s.windowMu.Unlock()
	if len(s.window) < 2 {
		return 0, 0
	}
	dur := s.window[len(s.window)-1].ts.Sub(s.window[0].ts).Seconds()
	if dur <= 0 {
		return 0, 0
	}
	var total int64
	for _, e := range s.window {
		total += e.bytes
	}
	return float64(total) * 8 / dur / 1000, float64(len(s.window)-1) / dur
}

// Snapshot produces a point-in-time view of the counters. Identity fields
// are filled in by Stream.Snapshot.
func (s *Stats) Snapshot() Snapshot {
	kbps, fps := s.rates()

	s.mu.RLock()
	codec := s.codec
	if codec == "" {
		codec = "H.264"
	}
	video := VideoStats{
		Codec:         codec,
		Width:         int(s.videoWidth.Load()),
		Height:        int(s.videoHeight.Load()),
		TotalFrames:   s.videoFrames.Load(),
		KeyFrames:     s.videoKeyframes.Load(),
		DeltaFrames:   s.videoDelta.Load(),
		CurrentGOPLen: int(s.currentGOPLen.Load()),
		BitrateKbps:   kbps,
		FrameRate:     fps,
		TotalBytes:    s.videoBytes.Load(),
		Timecode:      s.timecode,
	}
	chans := make([]int, 0, len(s.captionChans))
	for ch := range s.captionChans {
		chans = append(chans, ch)
	}
	var skipped map[string]int64
	if len(s.skipped) > 0 {
		skipped = make(map[string]int64, len(s.skipped))
		for k, v := range s.skipped {
			skipped[k] = v
		}
	}
	encoder := s.encoder
	s.mu.RUnlock()

	sort.Ints(chans)
	return Snapshot{
		Encoder: encoder,
		Video:   video,
		Captions: CaptionStats{
			ActiveChannels: chans,
			TotalFrames:    s.captionCount.Load(),
		},
		Decode: DecodeStats{
			Decoded:         s.decoded.Load(),
			BadData:         s.badData.Load(),
			Errors:          s.decodeErr.Load(),
			Published:       s.published.Load(),
			Dropped:         s.dropped.Load(),
			DecoderRestarts: s.restarts.Load(),
			SkippedTags:     skipped,
		},
	}
}
