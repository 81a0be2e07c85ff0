// Package chunk implements the RTMP chunk stream: reassembly of interleaved
// chunks into messages (Decoder) and splitting of messages into chunks
// (Encoder).
package chunk

import (
	"errors"
	"fmt"
)

// Message type ids.
const (
	TypeSetChunkSize     = 1
	TypeAbort            = 2
	TypeAcknowledgement  = 3
	TypeUserControl      = 4
	TypeWindowAckSize    = 5
	TypeSetPeerBandwidth = 6
	TypeAudio            = 8
	TypeVideo            = 9
	TypeDataAMF3         = 15
	TypeSharedObjectAMF3 = 16
	TypeCommandAMF3      = 17
	TypeDataAMF0         = 18
	TypeSharedObjectAMF0 = 19
	TypeCommandAMF0      = 20
	TypeAggregate        = 22
)

// Chunk stream ids used for outbound messages.
const (
	CSIDControl = 2
	CSIDCommand = 3
	CSIDMedia   = 5
)

const (
	// DefaultChunkSize is the chunk size both directions start with.
	DefaultChunkSize = 128
	// MaxChunkSize is the largest chunk size the protocol can express.
	MaxChunkSize = 0x7FFFFFFF

	extendedTimestamp = 0xFFFFFF
)

var ErrInvalidChunkSize = errors.New("chunk: invalid chunk size")

// ProtocolError reports a chunk stream that cannot be parsed any further.
type ProtocolError struct {
	CSID   uint32
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("chunk: csid %d: %s", e.CSID, e.Reason)
}

// Message is one reassembled RTMP message.
type Message struct {
	CSID      uint32
	Timestamp uint32
	TypeID    uint8
	StreamID  uint32
	Payload   []byte
}

func validChunkSize(n uint32) error {
	if n == 0 || n > MaxChunkSize {
		return fmt.Errorf("%w: %d", ErrInvalidChunkSize, n)
	}
	return nil
}
