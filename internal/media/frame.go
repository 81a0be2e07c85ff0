// Package media defines the value types that flow from the RTMP session
// through the demuxer and decode capability to the frame hand-off layer.
package media

import "github.com/zsiec/rtmpcam/internal/surface"

// DecoderConfig carries the H.264 parameter sets and the NAL length-prefix
// width announced by an AVCDecoderConfigurationRecord. A new record replaces
// the previous configuration wholesale; configurations are never merged.
type DecoderConfig struct {
	SPS            [][]byte
	PPS            [][]byte
	NALULengthSize int // 1..4
}

// Clone returns a deep copy so the caller may retain the configuration
// independently of the buffer it was parsed from.
func (c DecoderConfig) Clone() DecoderConfig {
	out := DecoderConfig{NALULengthSize: c.NALULengthSize}
	out.SPS = cloneSets(c.SPS)
	out.PPS = cloneSets(c.PPS)
	return out
}

func cloneSets(sets [][]byte) [][]byte {
	if sets == nil {
		return nil
	}
	out := make([][]byte, len(sets))
	for i, s := range sets {
		out[i] = append([]byte(nil), s...)
	}
	return out
}

// Packet is one AVCC-framed access unit: a concatenation of
// [length-prefix][NAL] units whose prefix width is the configuration's
// NALULengthSize. Timestamp is the RTMP message timestamp in milliseconds
// and wraps at 32 bits.
type Packet struct {
	Payload         []byte
	Timestamp       uint32
	CompositionTime int32 // signed PTS-DTS offset in milliseconds
	IsKeyframe      bool
}

// PTS returns the presentation timestamp (DTS plus composition offset),
// wrapping at 32 bits like the RTMP timestamp it derives from.
func (p Packet) PTS() uint32 {
	return p.Timestamp + uint32(p.CompositionTime)
}

// PixelFormat identifies the memory layout of a decoded picture.
type PixelFormat int

// Supported pixel formats. NV12 is the only layout the shared frame region
// carries: a full-resolution Y plane followed by an interleaved half-height
// CbCr plane.
const (
	PixelFormatNV12 PixelFormat = iota
)

// Plane is one image plane. Stride is the distance in bytes between the
// starts of consecutive rows and may exceed the row width when the producer
// pads rows for alignment.
type Plane struct {
	Data   []byte
	Stride int
	Rows   int
}

// VideoFrame is one decoded picture. It carries either CPU-visible planes
// (copied into the shared frame region) or a retained surface handle (pushed
// into the surface ring), never both.
type VideoFrame struct {
	Width     int
	Height    int
	Format    PixelFormat
	Planes    []Plane
	Timestamp uint32

	// Surface owns one reference to the decoded surface. The consumer
	// must Release it once the frame has been handed off.
	Surface *surface.Token
}
