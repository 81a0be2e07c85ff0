package chunk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"runtime"
	"testing"
)

func payload(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()
	msgs := []*Message{
		{CSID: CSIDControl, TypeID: TypeWindowAckSize, Payload: []byte{0, 0x26, 0x25, 0xA0}},
		{CSID: CSIDCommand, Timestamp: 10, TypeID: TypeCommandAMF0, Payload: payload(300, 1)},
		{CSID: CSIDMedia, Timestamp: 40, TypeID: TypeVideo, StreamID: 1, Payload: payload(1000, 7)},
		{CSID: 70, Timestamp: 0x1000000, TypeID: TypeAudio, StreamID: 1, Payload: payload(260, 3)},
		{CSID: 400, Timestamp: 5, TypeID: TypeDataAMF0, StreamID: 1, Payload: payload(10, 9)},
		{CSID: CSIDMedia, Timestamp: 80, TypeID: TypeVideo, StreamID: 1, Payload: nil},
	}

	for _, size := range []uint32{DefaultChunkSize, 4096, 1} {
		enc := NewEncoder()
		if err := enc.SetChunkSize(size); err != nil {
			t.Fatal(err)
		}
		var wire []byte
		for _, m := range msgs {
			wire = enc.Append(wire, m)
		}

		dec := NewDecoder()
		if err := dec.SetChunkSize(size); err != nil {
			t.Fatal(err)
		}
		var got []*Message
		for i := 0; i < len(wire); i += 7 {
			out, err := dec.Decode(wire[i:min(i+7, len(wire))])
			if err != nil {
				t.Fatalf("size %d: decode: %v", size, err)
			}
			got = append(got, out...)
		}
		if len(got) != len(msgs) {
			t.Fatalf("size %d: got %d messages, want %d", size, len(got), len(msgs))
		}
		for i, m := range msgs {
			g := got[i]
			if g.CSID != m.CSID || g.Timestamp != m.Timestamp || g.TypeID != m.TypeID ||
				g.StreamID != m.StreamID || !bytes.Equal(g.Payload, m.Payload) {
				t.Errorf("size %d msg %d: got %+v", size, i, g)
			}
		}
		if dec.Buffered() != 0 {
			t.Errorf("size %d: %d bytes left buffered", size, dec.Buffered())
		}
	}
}

func TestCompressedHeaders(t *testing.T) {
	t.Parallel()
	var wire []byte
	// fmt 0: csid 4, ts 1000, len 2, video, stream 1
	wire = append(wire, 0x04, 0x00, 0x03, 0xE8, 0x00, 0x00, 0x02, TypeVideo, 1, 0, 0, 0, 0xAA, 0xBB)
	// fmt 1: delta 40, len 3, video
	wire = append(wire, 0x44, 0x00, 0x00, 0x28, 0x00, 0x00, 0x03, TypeVideo, 1, 2, 3)
	// fmt 2: delta 33
	wire = append(wire, 0x84, 0x00, 0x00, 0x21, 4, 5, 6)
	// fmt 3: new message reusing delta 33
	wire = append(wire, 0xC4, 7, 8, 9)

	msgs, err := NewDecoder().Decode(wire)
	if err != nil {
		t.Fatal(err)
	}
	want := []uint32{1000, 1040, 1073, 1106}
	if len(msgs) != len(want) {
		t.Fatalf("got %d messages", len(msgs))
	}
	for i, ts := range want {
		if msgs[i].Timestamp != ts {
			t.Errorf("msg %d: ts %d, want %d", i, msgs[i].Timestamp, ts)
		}
		if msgs[i].StreamID != 1 || msgs[i].TypeID != TypeVideo {
			t.Errorf("msg %d: header not inherited: %+v", i, msgs[i])
		}
	}
	if !bytes.Equal(msgs[3].Payload, []byte{7, 8, 9}) {
		t.Errorf("payload %x", msgs[3].Payload)
	}
}

func TestInlineSetChunkSize(t *testing.T) {
	t.Parallel()
	enc := NewEncoder()
	var wire []byte
	wire = enc.Append(wire, &Message{CSID: CSIDControl, TypeID: TypeSetChunkSize, Payload: binary.BigEndian.AppendUint32(nil, 4096)})
	enc.SetChunkSize(4096)
	wire = enc.Append(wire, &Message{CSID: CSIDMedia, TypeID: TypeVideo, StreamID: 1, Payload: payload(3000, 0)})

	dec := NewDecoder()
	msgs, err := dec.Decode(wire)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || len(msgs[1].Payload) != 3000 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if dec.ChunkSize() != 4096 {
		t.Errorf("chunk size %d", dec.ChunkSize())
	}
}

func TestInlineSetChunkSizeZeroRejected(t *testing.T) {
	t.Parallel()
	wire := NewEncoder().Append(nil, &Message{CSID: CSIDControl, TypeID: TypeSetChunkSize, Payload: []byte{0, 0, 0, 0}})
	_, err := NewDecoder().Decode(wire)
	if !errors.Is(err, ErrInvalidChunkSize) {
		t.Errorf("got %v", err)
	}
}

func TestAbortDiscardsPartialMessage(t *testing.T) {
	t.Parallel()
	enc := NewEncoder()
	video := enc.Append(nil, &Message{CSID: CSIDMedia, TypeID: TypeVideo, StreamID: 1, Payload: payload(200, 0)})
	first := video[:12+DefaultChunkSize]

	wire := append([]byte(nil), first...)
	wire = enc.Append(wire, &Message{CSID: CSIDControl, TypeID: TypeAbort, Payload: []byte{0, 0, 0, CSIDMedia}})
	wire = enc.Append(wire, &Message{CSID: CSIDMedia, Timestamp: 9, TypeID: TypeVideo, StreamID: 1, Payload: []byte{1, 2}})

	d := NewDecoder()
	msgs, err := d.Decode(wire)
	if err != nil {
		t.Fatal(err)
	}
	if d.Pending() != 0 {
		t.Errorf("pending %d after abort", d.Pending())
	}
	if len(msgs) != 2 || msgs[0].TypeID != TypeAbort || !bytes.Equal(msgs[1].Payload, []byte{1, 2}) {
		t.Fatalf("unexpected messages %+v", msgs)
	}
}

func TestExtendedTimestampOnContinuation(t *testing.T) {
	t.Parallel()
	m := &Message{CSID: CSIDMedia, Timestamp: 0x01234567, TypeID: TypeVideo, StreamID: 1, Payload: payload(300, 0)}
	wire := NewEncoder().Append(nil, m)
	// fmt0 header (12) + ext (4) + 128, then twice fmt3 (1) + ext (4) + chunk.
	if want := 12 + 4 + 300 + 2*(1+4); len(wire) != want {
		t.Fatalf("wire length %d, want %d", len(wire), want)
	}
	msgs, err := NewDecoder().Decode(wire)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Timestamp != m.Timestamp || !bytes.Equal(msgs[0].Payload, m.Payload) {
		t.Fatalf("got %+v", msgs)
	}
}

func TestHeaderWithoutPredecessor(t *testing.T) {
	t.Parallel()
	_, err := NewDecoder().Decode([]byte{0xC5})
	var pe *ProtocolError
	if !errors.As(err, &pe) || pe.CSID != 5 {
		t.Errorf("got %v", err)
	}
}

// openMessages returns fmt 0 chunks on csids 64.. that each declare a message
// of length bytes and carry only the first chunk of it.
func openMessages(streams int, length uint32) []byte {
	var wire []byte
	for i := range streams {
		wire = append(wire, 0x00, byte(i), 0, 0, 0,
			byte(length>>16), byte(length>>8), byte(length), TypeVideo, 1, 0, 0, 0)
		wire = append(wire, payload(DefaultChunkSize, byte(i))...)
	}
	return wire
}

func TestDeclaredLengthOverLimit(t *testing.T) {
	t.Parallel()
	d := NewDecoder()
	_, err := d.Decode(openMessages(1, 0xFFFFFF))
	var pe *ProtocolError
	if !errors.As(err, &pe) || pe.CSID != 64 {
		t.Fatalf("got %v, want protocol error on csid 64", err)
	}
	if d.Pending() != 0 {
		t.Errorf("pending %d", d.Pending())
	}
}

func TestPendingBytesBounded(t *testing.T) {
	t.Parallel()
	d := NewDecoder()
	d.SetLimits(4096, 8192)

	// 64 unfinished messages hold exactly 8192 bytes; the 65th is refused.
	msgs, err := d.Decode(openMessages(65, 4096))
	var pe *ProtocolError
	if !errors.As(err, &pe) || pe.CSID != 64+64 {
		t.Fatalf("got %v, want protocol error on csid 128", err)
	}
	if len(msgs) != 0 {
		t.Errorf("got %d messages", len(msgs))
	}
	if d.Pending() != 8192 {
		t.Errorf("pending %d, want 8192", d.Pending())
	}
}

func TestPendingReleasedOnCompletion(t *testing.T) {
	t.Parallel()
	d := NewDecoder()
	m := &Message{CSID: CSIDMedia, TypeID: TypeVideo, StreamID: 1, Payload: payload(1000, 1)}
	wire := NewEncoder().Append(nil, m)

	if _, err := d.Decode(wire[:200]); err != nil {
		t.Fatal(err)
	}
	if d.Pending() != DefaultChunkSize {
		t.Errorf("pending %d mid-message, want %d", d.Pending(), DefaultChunkSize)
	}
	msgs, err := d.Decode(wire[200:])
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || !bytes.Equal(msgs[0].Payload, m.Payload) {
		t.Fatalf("got %+v", msgs)
	}
	if d.Pending() != 0 {
		t.Errorf("pending %d after completion", d.Pending())
	}
}

// A large declared length must not be allocated before its bytes arrive.
func TestDeclaredLengthNotPreallocated(t *testing.T) {
	const streams = 32
	wire := openMessages(streams, DefaultMaxMessageSize)

	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	d := NewDecoder()
	if _, err := d.Decode(wire); err != nil {
		t.Fatal(err)
	}
	runtime.ReadMemStats(&after)

	if d.Pending() != streams*DefaultChunkSize {
		t.Errorf("pending %d, want %d", d.Pending(), streams*DefaultChunkSize)
	}
	if grew := after.TotalAlloc - before.TotalAlloc; grew > 16<<20 {
		t.Errorf("decoding %d bytes allocated %d MiB", len(wire), grew>>20)
	}
}

func TestSetChunkSizeValidation(t *testing.T) {
	t.Parallel()
	if err := NewDecoder().SetChunkSize(0); !errors.Is(err, ErrInvalidChunkSize) {
		t.Errorf("decoder: %v", err)
	}
	if err := NewEncoder().SetChunkSize(0x80000000); !errors.Is(err, ErrInvalidChunkSize) {
		t.Errorf("encoder: %v", err)
	}
}

func FuzzDecode(f *testing.F) {
	f.Add(NewEncoder().Append(nil, &Message{CSID: 3, TypeID: TypeCommandAMF0, Payload: payload(200, 0)}), 5)
	f.Add([]byte{0x04, 0x00, 0x03, 0xE8, 0x00, 0x00, 0x02, TypeVideo, 1, 0, 0, 0, 0xAA, 0xBB, 0xC4}, 1)
	f.Fuzz(func(t *testing.T, data []byte, step int) {
		if step <= 0 {
			step = 1
		}
		d := NewDecoder()
		for i := 0; i < len(data); i += step {
			if _, err := d.Decode(data[i:min(i+step, len(data))]); err != nil {
				return
			}
		}
	})
}
