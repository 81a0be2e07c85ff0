package chunk

import (
	"encoding/binary"
	"fmt"
)

type streamState struct {
	timestamp uint32
	delta     uint32
	length    uint32
	typeID    uint8
	streamID  uint32
	extended  bool
	seen      bool

	payload []byte
}

const (
	// DefaultMaxMessageSize is the largest message a Decoder accepts by
	// default. The wire format allows up to 16 MiB.
	DefaultMaxMessageSize = 8 << 20

	// DefaultMaxPending bounds the bytes held in unfinished messages across
	// all chunk streams of one Decoder.
	DefaultMaxPending = 16 << 20
)

// Decoder reassembles messages from a chunk stream. Input may be split at
// any byte; incomplete chunks are buffered until the rest arrives.
// SetChunkSize and Abort messages take effect on the very next chunk and
// are still returned to the caller. A Decoder is not safe for concurrent
// use.
type Decoder struct {
	buf        []byte
	chunkSize  uint32
	streams    map[uint32]*streamState
	maxMessage uint32
	maxPending int
	pending    int
}

// NewDecoder returns a Decoder using the default chunk size.
func NewDecoder() *Decoder {
	return &Decoder{
		chunkSize:  DefaultChunkSize,
		streams:    make(map[uint32]*streamState),
		maxMessage: DefaultMaxMessageSize,
		maxPending: DefaultMaxPending,
	}
}

// SetLimits changes the largest accepted message length and the cap on
// bytes buffered in unfinished messages. Values <= 0 keep the current limit.
func (d *Decoder) SetLimits(maxMessage, maxPending int) {
	if maxMessage > 0 {
		d.maxMessage = uint32(min(maxMessage, 0xFFFFFF))
	}
	if maxPending > 0 {
		d.maxPending = maxPending
	}
}

// Pending returns the bytes held in unfinished messages.
func (d *Decoder) Pending() int { return d.pending }

// ChunkSize returns the inbound chunk size currently in effect.
func (d *Decoder) ChunkSize() uint32 { return d.chunkSize }

// SetChunkSize changes the inbound chunk size.
func (d *Decoder) SetChunkSize(n uint32) error {
	if err := validChunkSize(n); err != nil {
		return err
	}
	d.chunkSize = n
	return nil
}

// Abort discards the partially received message on csid.
func (d *Decoder) Abort(csid uint32) {
	if s, ok := d.streams[csid]; ok {
		d.pending -= len(s.payload)
		s.payload = nil
	}
}

// Buffered returns the number of bytes waiting for the rest of a chunk.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Decode appends data to the internal buffer and returns every message
// completed by it, in arrival order.
func (d *Decoder) Decode(data []byte) ([]*Message, error) {
	d.buf = append(d.buf, data...)
	var msgs []*Message
	pos := 0
	for {
		n, msg, err := d.next(d.buf[pos:])
		if err != nil {
			d.buf = d.buf[pos:]
			return msgs, err
		}
		if n == 0 {
			break
		}
		pos += n
		if msg == nil {
			continue
		}
		msgs = append(msgs, msg)
		if err := d.control(msg); err != nil {
			d.buf = append([]byte(nil), d.buf[pos:]...)
			return msgs, err
		}
	}
	// Keep only the unconsumed tail so the buffer does not grow without
	// bound across calls.
	d.buf = append(d.buf[:0], d.buf[pos:]...)
	return msgs, nil
}

func (d *Decoder) control(m *Message) error {
	switch m.TypeID {
	case TypeSetChunkSize:
		if len(m.Payload) < 4 {
			return &ProtocolError{CSID: m.CSID, Reason: "short SetChunkSize"}
		}
		return d.SetChunkSize(binary.BigEndian.Uint32(m.Payload) & 0x7FFFFFFF)
	case TypeAbort:
		if len(m.Payload) >= 4 {
			d.Abort(binary.BigEndian.Uint32(m.Payload))
		}
	}
	return nil
}

// next parses one chunk from b. It returns 0 consumed bytes when b does not
// yet hold the whole chunk; no state changes in that case.
func (d *Decoder) next(b []byte) (int, *Message, error) {
	if len(b) < 1 {
		return 0, nil, nil
	}
	format := b[0] >> 6
	csid := uint32(b[0] & 0x3F)
	pos := 1
	switch csid {
	case 0:
		if len(b) < 2 {
			return 0, nil, nil
		}
		csid = 64 + uint32(b[1])
		pos = 2
	case 1:
		if len(b) < 3 {
			return 0, nil, nil
		}
		csid = 64 + uint32(b[1]) + uint32(b[2])<<8
		pos = 3
	}

	prev, known := d.streams[csid]
	if format != 0 && (!known || !prev.seen) {
		return 0, nil, &ProtocolError{CSID: csid, Reason: fmt.Sprintf("format %d chunk without a preceding header", format)}
	}
	hdr := streamState{}
	if known {
		hdr = *prev
	}

	hdrLen := [4]int{11, 7, 3, 0}[format]
	if len(b)-pos < hdrLen {
		return 0, nil, nil
	}
	h := b[pos : pos+hdrLen]
	pos += hdrLen

	var tsField uint32
	if format <= 2 {
		tsField = uint24(h[0:3])
	}
	if format <= 1 {
		hdr.length = uint24(h[3:6])
		hdr.typeID = h[6]
		if hdr.length > d.maxMessage {
			return 0, nil, &ProtocolError{CSID: csid, Reason: fmt.Sprintf("message length %d exceeds %d", hdr.length, d.maxMessage)}
		}
	}
	if format == 0 {
		hdr.streamID = binary.LittleEndian.Uint32(h[7:11])
	}

	extended := hdr.extended
	if format <= 2 {
		extended = tsField == extendedTimestamp
	}
	if extended {
		if len(b)-pos < 4 {
			return 0, nil, nil
		}
		if format <= 2 {
			tsField = binary.BigEndian.Uint32(b[pos:])
		}
		pos += 4
	}

	if format != 3 && len(hdr.payload) > 0 {
		// A new header replaces a message the peer never finished.
		hdr.payload = nil
	}
	starting := len(hdr.payload) == 0
	switch format {
	case 0:
		hdr.timestamp = tsField
		hdr.delta = 0
	case 1, 2:
		hdr.delta = tsField
		hdr.timestamp += tsField
	case 3:
		if starting {
			hdr.timestamp += hdr.delta
		}
	}

	remaining := hdr.length - uint32(len(hdr.payload))
	n := min(remaining, d.chunkSize)
	if uint32(len(b)-pos) < n {
		return 0, nil, nil
	}

	var held int
	if known {
		held = len(prev.payload)
	}
	partial := len(hdr.payload) + int(n)
	complete := uint32(partial) == hdr.length
	if !complete && d.pending-held+partial > d.maxPending {
		return 0, nil, &ProtocolError{CSID: csid, Reason: fmt.Sprintf("unfinished messages exceed %d bytes", d.maxPending)}
	}

	// Commit: the whole chunk is available. The payload grows with the
	// bytes received, never with the declared length.
	hdr.payload = append(hdr.payload, b[pos:pos+int(n)]...)
	d.pending -= held
	if !complete {
		d.pending += partial
	}
	pos += int(n)
	hdr.extended = extended
	hdr.seen = true

	var msg *Message
	if complete {
		msg = &Message{
			CSID:      csid,
			Timestamp: hdr.timestamp,
			TypeID:    hdr.typeID,
			StreamID:  hdr.streamID,
			Payload:   hdr.payload,
		}
		hdr.payload = nil
	}

	if !known {
		prev = &streamState{}
		d.streams[csid] = prev
	}
	*prev = hdr
	return pos, msg, nil
}

func uint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}
