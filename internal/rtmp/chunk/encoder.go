package chunk

import "encoding/binary"

// Encoder splits outbound messages into chunks. Every message starts with a
// format 0 chunk; continuation chunks use format 3.
type Encoder struct {
	chunkSize uint32
}

// NewEncoder returns an Encoder using the default chunk size.
func NewEncoder() *Encoder {
	return &Encoder{chunkSize: DefaultChunkSize}
}

// ChunkSize returns the outbound chunk size.
func (e *Encoder) ChunkSize() uint32 { return e.chunkSize }

// SetChunkSize changes the outbound chunk size. The peer must have been
// told via a SetChunkSize message before any chunk uses the new size.
func (e *Encoder) SetChunkSize(n uint32) error {
	if err := validChunkSize(n); err != nil {
		return err
	}
	e.chunkSize = n
	return nil
}

// Append appends m, split into chunks, to buf.
func (e *Encoder) Append(buf []byte, m *Message) []byte {
	ext := m.Timestamp >= extendedTimestamp
	ts := m.Timestamp
	if ext {
		ts = extendedTimestamp
	}

	buf = appendBasicHeader(buf, 0, m.CSID)
	buf = append(buf, byte(ts>>16), byte(ts>>8), byte(ts))
	n := len(m.Payload)
	buf = append(buf, byte(n>>16), byte(n>>8), byte(n), m.TypeID)
	buf = binary.LittleEndian.AppendUint32(buf, m.StreamID)
	if ext {
		buf = binary.BigEndian.AppendUint32(buf, m.Timestamp)
	}

	payload := m.Payload
	for first := true; first || len(payload) > 0; first = false {
		if !first {
			buf = appendBasicHeader(buf, 3, m.CSID)
			if ext {
				buf = binary.BigEndian.AppendUint32(buf, m.Timestamp)
			}
		}
		k := min(len(payload), int(e.chunkSize))
		buf = append(buf, payload[:k]...)
		payload = payload[k:]
	}
	return buf
}

func appendBasicHeader(buf []byte, format byte, csid uint32) []byte {
	switch {
	case csid >= 2 && csid <= 63:
		return append(buf, format<<6|byte(csid))
	case csid >= 64 && csid <= 319:
		return append(buf, format<<6, byte(csid-64))
	default:
		v := csid - 64
		return append(buf, format<<6|1, byte(v), byte(v>>8))
	}
}
