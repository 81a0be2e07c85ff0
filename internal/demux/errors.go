package demux

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedCodec      = errors.New("demux: unsupported video codec")
	ErrUnsupportedPacketType = errors.New("demux: unsupported AVC packet type")
	ErrUnsupportedVersion    = errors.New("demux: unsupported configuration record version")
)

// MalformedError reports a bounds violation while parsing a video tag. All
// offsets are relative to the start of the tag body.
type MalformedError struct {
	Field  string
	Offset int
	Need   int
	Have   int
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("demux: truncated %s at offset %d: need %d bytes, have %d", e.Field, e.Offset, e.Need, e.Have)
}

func truncated(field string, offset, need, have int) error {
	return &MalformedError{Field: field, Offset: offset, Need: need, Have: have}
}
