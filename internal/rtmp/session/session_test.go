package session

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/zsiec/rtmpcam/internal/rtmp/amf"
	"github.com/zsiec/rtmpcam/internal/rtmp/chunk"
)

// client encodes messages the way a publishing encoder would.
type client struct {
	t   *testing.T
	enc *chunk.Encoder
}

func newClient(t *testing.T) *client {
	return &client{t: t, enc: chunk.NewEncoder()}
}

func (c *client) command(streamID uint32, vals ...any) []byte {
	c.t.Helper()
	body, err := amf.Encode(vals...)
	if err != nil {
		c.t.Fatal(err)
	}
	return c.enc.Append(nil, &chunk.Message{CSID: 3, TypeID: chunk.TypeCommandAMF0, StreamID: streamID, Payload: body})
}

func (c *client) data(streamID uint32, vals ...any) []byte {
	c.t.Helper()
	body, err := amf.Encode(vals...)
	if err != nil {
		c.t.Fatal(err)
	}
	return c.enc.Append(nil, &chunk.Message{CSID: 4, TypeID: chunk.TypeDataAMF0, StreamID: streamID, Payload: body})
}

func (c *client) media(typeID uint8, streamID, ts uint32, payload []byte) []byte {
	return c.enc.Append(nil, &chunk.Message{CSID: 6, TypeID: typeID, StreamID: streamID, Timestamp: ts, Payload: payload})
}

func (c *client) control(typeID uint8, payload []byte) []byte {
	return c.enc.Append(nil, &chunk.Message{CSID: 2, TypeID: typeID, Payload: payload})
}

func feed(t *testing.T, s *ServerSession, b []byte) []Result {
	t.Helper()
	res, err := s.HandleInput(b)
	if err != nil {
		t.Fatalf("HandleInput: %v", err)
	}
	return res
}

func events(res []Result) []Event {
	var out []Event
	for _, r := range res {
		if e, ok := r.(*RaisedEvent); ok {
			out = append(out, e.Event)
		}
	}
	return out
}

// decodeOutbound parses the server's packets back into messages.
func decodeOutbound(t *testing.T, dec *chunk.Decoder, res []Result) []*chunk.Message {
	t.Helper()
	var msgs []*chunk.Message
	for _, r := range res {
		if p, ok := r.(*OutboundPacket); ok {
			m, err := dec.Decode(p.Bytes)
			if err != nil {
				t.Fatalf("decode outbound: %v", err)
			}
			msgs = append(msgs, m...)
		}
	}
	return msgs
}

func commandName(t *testing.T, m *chunk.Message) (string, []any) {
	t.Helper()
	vals, err := amf.Decode(m.Payload)
	if err != nil || len(vals) == 0 {
		t.Fatalf("decode command: %v", err)
	}
	name, _ := vals[0].(string)
	return name, vals
}

func TestInitialMessages(t *testing.T) {
	t.Parallel()
	_, res, err := New(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	msgs := decodeOutbound(t, chunk.NewDecoder(), res)
	if len(msgs) != 3 {
		t.Fatalf("got %d initial messages", len(msgs))
	}
	want := []uint8{chunk.TypeWindowAckSize, chunk.TypeSetPeerBandwidth, chunk.TypeSetChunkSize}
	for i, typ := range want {
		if msgs[i].TypeID != typ {
			t.Errorf("message %d: type %d, want %d", i, msgs[i].TypeID, typ)
		}
	}
	if binary.BigEndian.Uint32(msgs[2].Payload) != 4096 {
		t.Errorf("chunk size %d", binary.BigEndian.Uint32(msgs[2].Payload))
	}
	if msgs[1].Payload[4] != 2 {
		t.Errorf("peer bandwidth limit type %d", msgs[1].Payload[4])
	}
}

// publishFlow drives connect → createStream → publish and returns the
// session, the client and the server-side decoder.
func publishFlow(t *testing.T) (*ServerSession, *client, *chunk.Decoder) {
	t.Helper()
	s, initial, err := New(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	dec := chunk.NewDecoder()
	decodeOutbound(t, dec, initial)
	c := newClient(t)

	res := feed(t, s, c.command(0, "connect", 1.0, amf.Object{
		{Key: "app", Value: "live"},
		{Key: "tcUrl", Value: "rtmp://localhost/live"},
	}))
	ev := events(res)
	if len(ev) != 1 {
		t.Fatalf("connect: %d events", len(ev))
	}
	cr, ok := ev[0].(ConnectionRequested)
	if !ok || cr.AppName != "live" || cr.TCURL != "rtmp://localhost/live" {
		t.Fatalf("connect event %#v", ev[0])
	}
	acc, err := s.AcceptRequest(cr.RequestID)
	if err != nil {
		t.Fatal(err)
	}
	msgs := decodeOutbound(t, dec, acc)
	if len(msgs) != 2 || msgs[0].TypeID != chunk.TypeUserControl {
		t.Fatalf("connect accept: %+v", msgs)
	}
	name, vals := commandName(t, msgs[1])
	if name != "_result" || vals[1] != 1.0 {
		t.Fatalf("connect result %v", vals)
	}
	info, _ := amf.Properties(vals[3])
	if info.String("code") != "NetConnection.Connect.Success" {
		t.Errorf("connect code %q", info.String("code"))
	}

	res = feed(t, s, c.command(0, "releaseStream", 2.0, nil, "key"))
	rel, ok := events(res)[0].(ReleaseStreamRequested)
	if !ok || rel.StreamKey != "key" {
		t.Fatalf("release event %#v", events(res))
	}
	acc, err = s.AcceptRequest(rel.RequestID)
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := commandName(t, decodeOutbound(t, dec, acc)[0]); n != "_result" {
		t.Errorf("release answer %q", n)
	}

	res = feed(t, s, c.command(0, "FCPublish", 3.0, nil, "key"))
	if n, _ := commandName(t, decodeOutbound(t, dec, res)[0]); n != "_result" {
		t.Errorf("FCPublish answer %q", n)
	}

	res = feed(t, s, c.command(0, "createStream", 4.0, nil))
	msgs = decodeOutbound(t, dec, res)
	_, vals = commandName(t, msgs[0])
	if vals[1] != 4.0 || vals[3] != 1.0 {
		t.Fatalf("createStream result %v", vals)
	}

	res = feed(t, s, c.command(1, "publish", 5.0, nil, "key?token=abc", "live"))
	pr, ok := events(res)[0].(PublishStreamRequested)
	if !ok || pr.StreamKey != "key" || pr.Mode != PublishModeLive || pr.StreamID != 1 || pr.AppName != "live" {
		t.Fatalf("publish event %#v", events(res))
	}
	acc, err = s.AcceptRequest(pr.RequestID)
	if err != nil {
		t.Fatal(err)
	}
	msgs = decodeOutbound(t, dec, acc)
	if len(msgs) != 2 {
		t.Fatalf("publish accept: %d messages", len(msgs))
	}
	if binary.BigEndian.Uint32(msgs[0].Payload[2:]) != 1 {
		t.Error("StreamBegin for wrong stream")
	}
	name, vals = commandName(t, msgs[1])
	info, _ = amf.Properties(vals[3])
	if name != "onStatus" || info.String("code") != "NetStream.Publish.Start" || msgs[1].StreamID != 1 {
		t.Errorf("publish status %s %v", name, vals)
	}
	return s, c, dec
}

func TestPublishFlow(t *testing.T) {
	t.Parallel()
	s, c, _ := publishFlow(t)

	in := c.data(1, "@setDataFrame", "onMetaData", amf.ECMAArray{
		{Key: "width", Value: 1280.0},
		{Key: "height", Value: 720.0},
		{Key: "videocodecid", Value: 7.0},
		{Key: "framerate", Value: 30.0},
		{Key: "encoder", Value: "obs-output module"},
		{Key: "stereo", Value: true},
	})
	in = append(in, c.media(chunk.TypeVideo, 1, 40, []byte{0x17, 0x01, 0, 0, 0, 1})...)
	in = append(in, c.media(chunk.TypeAudio, 1, 41, []byte{0xAF, 0x01})...)
	in = append(in, c.command(1, "FCUnpublish", 6.0, nil, "key")...)

	ev := events(feed(t, s, in))
	if len(ev) != 4 {
		t.Fatalf("got %d events: %#v", len(ev), ev)
	}
	md, ok := ev[0].(StreamMetadataChanged)
	if !ok || md.Metadata.Width != 1280 || md.Metadata.Height != 720 ||
		md.Metadata.VideoCodecID != "7" || md.Metadata.FrameRate != 30 ||
		md.Metadata.Encoder != "obs-output module" || !md.Metadata.AudioIsStereo {
		t.Errorf("metadata %#v", ev[0])
	}
	v, ok := ev[1].(VideoDataReceived)
	if !ok || v.Timestamp != 40 || v.StreamKey != "key" || len(v.Data) != 6 {
		t.Errorf("video %#v", ev[1])
	}
	if _, ok := ev[2].(AudioDataReceived); !ok {
		t.Errorf("audio %#v", ev[2])
	}
	if f, ok := ev[3].(PublishStreamFinished); !ok || f.StreamKey != "key" {
		t.Errorf("finished %#v", ev[3])
	}

	// Media after unpublish is not delivered.
	res := feed(t, s, c.media(chunk.TypeVideo, 1, 80, []byte{0x27, 0x01}))
	if len(events(res)) != 0 {
		t.Error("video delivered after unpublish")
	}
	if _, ok := res[0].(*UnhandleableMessage); !ok {
		t.Errorf("expected unhandleable, got %T", res[0])
	}
}

func TestDeleteStreamFinishesPublish(t *testing.T) {
	t.Parallel()
	s, c, _ := publishFlow(t)
	ev := events(feed(t, s, c.command(0, "deleteStream", 7.0, nil, 1.0)))
	if len(ev) != 1 {
		t.Fatalf("got %d events", len(ev))
	}
	if _, ok := ev[0].(PublishStreamFinished); !ok {
		t.Errorf("event %#v", ev[0])
	}
}

func TestRejectPublish(t *testing.T) {
	t.Parallel()
	s, initial, _ := New(DefaultConfig())
	dec := chunk.NewDecoder()
	decodeOutbound(t, dec, initial)
	c := newClient(t)

	cr := events(feed(t, s, c.command(0, "connect", 1.0, amf.Object{{Key: "app", Value: "live"}})))[0].(ConnectionRequested)
	if _, err := s.AcceptRequest(cr.RequestID); err != nil {
		t.Fatal(err)
	}
	feed(t, s, c.command(0, "createStream", 2.0, nil))
	pr := events(feed(t, s, c.command(1, "publish", 3.0, nil, "bad", "live")))[0].(PublishStreamRequested)

	res, err := s.RejectRequest(pr.RequestID, "NetStream.Publish.BadName", "stream key rejected")
	if err != nil {
		t.Fatal(err)
	}
	msgs := decodeOutbound(t, dec, res)
	_, vals := commandName(t, msgs[0])
	info, _ := amf.Properties(vals[3])
	if info.String("level") != "error" || info.String("code") != "NetStream.Publish.BadName" {
		t.Errorf("reject status %v", vals)
	}

	if _, err := s.AcceptRequest(pr.RequestID); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("second answer: %v", err)
	}
	res = feed(t, s, c.media(chunk.TypeVideo, 1, 0, []byte{0x17, 0x01}))
	if len(events(res)) != 0 {
		t.Error("video delivered on rejected stream")
	}
}

func TestRejectConnect(t *testing.T) {
	t.Parallel()
	s, _, _ := New(DefaultConfig())
	c := newClient(t)
	cr := events(feed(t, s, c.command(0, "connect", 1.0, amf.Object{{Key: "app", Value: "x"}})))[0].(ConnectionRequested)
	res, err := s.RejectRequest(cr.RequestID, "NetConnection.Connect.Rejected", "no")
	if err != nil {
		t.Fatal(err)
	}
	name, _ := commandName(t, decodeOutbound(t, chunk.NewDecoder(), res)[0])
	if name != "_error" {
		t.Errorf("reject answer %q", name)
	}
	// createStream before a successful connect is ignored.
	res = feed(t, s, c.command(0, "createStream", 2.0, nil))
	if _, ok := res[0].(*UnhandleableMessage); !ok {
		t.Errorf("got %T", res[0])
	}
}

func TestPingRequestAnswered(t *testing.T) {
	t.Parallel()
	s, _, _ := New(DefaultConfig())
	c := newClient(t)
	payload := binary.BigEndian.AppendUint16(nil, 6)
	payload = binary.BigEndian.AppendUint32(payload, 12345)
	res := feed(t, s, c.control(chunk.TypeUserControl, payload))

	dec := chunk.NewDecoder()
	dec.SetChunkSize(4096)
	msgs := decodeOutbound(t, dec, res)
	if len(msgs) != 1 || binary.BigEndian.Uint16(msgs[0].Payload) != 7 || binary.BigEndian.Uint32(msgs[0].Payload[2:]) != 12345 {
		t.Errorf("ping response %+v", msgs)
	}

	payload = binary.BigEndian.AppendUint16(nil, 7)
	payload = binary.BigEndian.AppendUint32(payload, 99)
	ev := events(feed(t, s, c.control(chunk.TypeUserControl, payload)))
	if pr, ok := ev[0].(PingResponseReceived); !ok || pr.Timestamp != 99 {
		t.Errorf("ping response event %#v", ev)
	}
}

func TestWindowAcknowledgement(t *testing.T) {
	t.Parallel()
	s, _, _ := New(DefaultConfig())
	c := newClient(t)

	in := c.control(chunk.TypeWindowAckSize, be32(1000))
	res := feed(t, s, in)
	if len(res) != 0 {
		t.Fatalf("unexpected results %v", res)
	}

	var acks []uint32
	dec := chunk.NewDecoder()
	dec.SetChunkSize(4096)
	for i := 0; i < 10; i++ {
		res := feed(t, s, c.media(chunk.TypeVideo, 9, 0, make([]byte, 300)))
		for _, m := range decodeOutbound(t, dec, res) {
			if m.TypeID == chunk.TypeAcknowledgement {
				acks = append(acks, binary.BigEndian.Uint32(m.Payload))
			}
		}
	}
	if len(acks) < 2 {
		t.Fatalf("got %d acknowledgements", len(acks))
	}
	for i := 1; i < len(acks); i++ {
		if acks[i]-acks[i-1] < 1000 {
			t.Errorf("acks %d and %d closer than the window", acks[i-1], acks[i])
		}
	}
	if uint64(acks[len(acks)-1]) > s.BytesReceived() {
		t.Error("acknowledged more than received")
	}
}

func TestClientChunkSizeChange(t *testing.T) {
	t.Parallel()
	s, _, _ := New(DefaultConfig())
	c := newClient(t)
	in := c.control(chunk.TypeSetChunkSize, be32(8192))
	c.enc.SetChunkSize(8192)
	in = append(in, c.command(0, "connect", 1.0, amf.Object{{Key: "app", Value: "live"}, {Key: "pad", Value: string(make([]byte, 5000))}})...)

	ev := events(feed(t, s, in))
	if len(ev) != 2 {
		t.Fatalf("got %d events", len(ev))
	}
	if cs, ok := ev[0].(ClientChunkSizeChanged); !ok || cs.NewSize != 8192 {
		t.Errorf("chunk size event %#v", ev[0])
	}
	if _, ok := ev[1].(ConnectionRequested); !ok {
		t.Errorf("connect event %#v", ev[1])
	}
}

func TestAMF3CommandAccepted(t *testing.T) {
	t.Parallel()
	s, _, _ := New(DefaultConfig())
	body, _ := amf.Encode("connect", 1.0, amf.Object{{Key: "app", Value: "live"}})
	wire := chunk.NewEncoder().Append(nil, &chunk.Message{CSID: 3, TypeID: chunk.TypeCommandAMF3, Payload: append([]byte{0}, body...)})
	ev := events(feed(t, s, wire))
	if len(ev) != 1 {
		t.Fatalf("got %d events", len(ev))
	}
}

func TestUnknownCommandIsUnhandleable(t *testing.T) {
	t.Parallel()
	s, _, _ := New(DefaultConfig())
	c := newClient(t)
	res := feed(t, s, c.command(0, "getStreamLength", 9.0, nil, "x"))
	u, ok := res[0].(*UnhandleableMessage)
	if !ok || u.Message.TypeID != chunk.TypeCommandAMF0 {
		t.Errorf("got %#v", res[0])
	}
}

func TestCreateStreamLimit(t *testing.T) {
	t.Parallel()
	s, c, dec := publishFlow(t)
	limit := DefaultConfig().MaxStreams

	for i := 1; i < limit; i++ {
		res := feed(t, s, c.command(0, "createStream", float64(10+i), nil))
		if _, ok := res[0].(*OutboundPacket); !ok {
			t.Fatalf("createStream %d: %#v", i+1, res[0])
		}
		decodeOutbound(t, dec, res)
	}
	res := feed(t, s, c.command(0, "createStream", 99.0, nil))
	if u, ok := res[0].(*UnhandleableMessage); !ok || u.Message.TypeID != chunk.TypeCommandAMF0 {
		t.Fatalf("createStream past the limit: %#v", res[0])
	}

	// Deleting a stream frees its place.
	feed(t, s, c.command(0, "deleteStream", 100.0, nil, 2.0))
	res = feed(t, s, c.command(0, "createStream", 101.0, nil))
	msgs := decodeOutbound(t, dec, res)
	if len(msgs) != 1 {
		t.Fatalf("createStream after delete: %d messages", len(msgs))
	}
	if name, _ := commandName(t, msgs[0]); name != "_result" {
		t.Errorf("createStream after delete answered %q", name)
	}
}

func TestOversizedMessageIsFatal(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.MaxMessageSize = 1024
	s, _, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	wire := newClient(t).media(chunk.TypeVideo, 1, 0, make([]byte, 2048))
	_, err = s.HandleInput(wire)
	var pe *chunk.ProtocolError
	if !errors.As(err, &pe) {
		t.Errorf("got %v, want chunk protocol error", err)
	}
}

func TestMalformedChunkStreamIsFatal(t *testing.T) {
	t.Parallel()
	s, _, _ := New(DefaultConfig())
	if _, err := s.HandleInput([]byte{0xC7}); err == nil {
		t.Error("expected error for fmt 3 chunk without header")
	}
}

func FuzzHandleInput(f *testing.F) {
	connect, _ := amf.Encode("connect", 1.0, amf.Object{{Key: "app", Value: "live"}})
	f.Add(chunk.NewEncoder().Append(nil, &chunk.Message{CSID: 3, TypeID: chunk.TypeCommandAMF0, Payload: connect}))
	f.Add([]byte{0x02, 0, 0, 0, 0, 0, 6, 4, 0, 0, 0, 0, 0, 6, 0, 0, 0, 1})
	f.Fuzz(func(t *testing.T, data []byte) {
		s, _, err := New(DefaultConfig())
		if err != nil {
			t.Fatal(err)
		}
		res, _ := s.HandleInput(data)
		for _, r := range res {
			if e, ok := r.(*RaisedEvent); ok {
				switch ev := e.Event.(type) {
				case ConnectionRequested:
					s.AcceptRequest(ev.RequestID)
				case PublishStreamRequested:
					s.AcceptRequest(ev.RequestID)
				}
			}
		}
	})
}
