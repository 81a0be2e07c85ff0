// Package decode defines the decode capability the ingest path hands
// access units to, and ships a probe implementation that derives frame
// geometry from the bitstream without decoding pixels.
//
// Real hardware or software decoders plug in through Factory. A Factory is
// asked for a new Decoder every time a stream announces a configuration
// record; the previous Decoder is closed first.
package decode

import (
	"errors"

	"github.com/zsiec/rtmpcam/internal/media"
)

var (
	// ErrBadData reports an access unit the decoder cannot use yet, such as
	// a non-IDR picture before the first IDR. It is expected during stream
	// start and must not end the connection.
	ErrBadData = errors.New("decode: bad data")

	// ErrNoConfig is returned when a decoder is requested without the
	// parameter sets it needs.
	ErrNoConfig = errors.New("decode: missing decoder configuration")
)

// Decoder turns AVCC access units into decoded frames. A nil frame with a
// nil error means the decoder consumed the unit without producing output.
type Decoder interface {
	Decode(pkt media.Packet) (*media.VideoFrame, error)
	Close() error
}

// Factory creates a Decoder for one decoder configuration.
type Factory interface {
	Create(cfg media.DecoderConfig) (Decoder, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(cfg media.DecoderConfig) (Decoder, error)

// Create implements Factory.
func (f FactoryFunc) Create(cfg media.DecoderConfig) (Decoder, error) { return f(cfg) }
