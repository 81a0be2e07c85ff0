package main

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/zsiec/rtmpcam/internal/demux"
	"github.com/zsiec/rtmpcam/internal/media"
	"github.com/zsiec/rtmpcam/internal/rtmp/amf"
	"github.com/zsiec/rtmpcam/internal/rtmp/chunk"
	"github.com/zsiec/rtmpcam/internal/rtmp/handshake"
)

var (
	sps = []byte{
		0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
		0x05, 0xbb, 0x01, 0x6a, 0x04, 0x04, 0x0a, 0x80,
		0x00, 0x00, 0x03, 0x00, 0x80, 0x00, 0x00, 0x1e,
		0x30, 0x20, 0x00, 0x16, 0xe3, 0x60, 0x00, 0x2d,
		0xc6, 0xd2, 0x49, 0x80, 0x7c, 0x60, 0xc6, 0x58,
	}
	pps = []byte{0x68, 0xEB, 0xE3, 0xCB}
)

const lengthSize = 4

var errRejected = errors.New("publish rejected")

type publisher struct {
	conn net.Conn
	enc  *chunk.Encoder
	dec  *chunk.Decoder
	buf  []byte
}

func newPublisher(conn net.Conn) *publisher {
	return &publisher{conn: conn, enc: chunk.NewEncoder(), dec: chunk.NewDecoder(), buf: make([]byte, 16*1024)}
}

// run publishes key and returns the number of frames sent. A nil error
// means the frame budget was reached.
func (p *publisher) run(key string, fps float64, gop, frames int) (int, error) {
	if err := p.handshake(); err != nil {
		return 0, err
	}
	streamID, err := p.publish(key)
	if err != nil {
		return 0, err
	}
	fmt.Printf("[%s] publishing on stream %d\n", key, streamID)

	header, err := sequenceHeader()
	if err != nil {
		return 0, err
	}
	if err := p.send(chunk.TypeVideo, 6, streamID, 0, header); err != nil {
		return 0, err
	}

	start := time.Now()
	interval := time.Duration(float64(time.Second) / fps)
	lastLog := start
	for n := 0; frames == 0 || n < frames; n++ {
		ts := uint32(time.Duration(n) * interval / time.Millisecond)
		if err := p.send(chunk.TypeVideo, 6, streamID, ts, videoFrame(n, gop)); err != nil {
			return n, err
		}

		// Pace against the start time so drift does not accumulate.
		if wait := time.Until(start.Add(time.Duration(n+1) * interval)); wait > 0 {
			time.Sleep(wait)
		}
		if time.Since(lastLog) >= 10*time.Second {
			fmt.Printf("[%s] frames=%d elapsed=%s\n", key, n+1, time.Since(start).Truncate(time.Second))
			lastLog = time.Now()
		}
	}

	if err := p.command(streamID, "FCUnpublish", 0, nil, key); err != nil {
		return frames, err
	}
	return frames, p.command(0, "deleteStream", 0, nil, float64(streamID))
}

func (p *publisher) handshake() error {
	c1 := make([]byte, handshake.PacketSize)
	if _, err := rand.Read(c1[8:]); err != nil {
		return err
	}
	if _, err := p.conn.Write(append([]byte{handshake.Version}, c1...)); err != nil {
		return err
	}
	resp := make([]byte, 1+2*handshake.PacketSize)
	p.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if _, err := io.ReadFull(p.conn, resp); err != nil {
		return fmt.Errorf("read S0S1S2: %w", err)
	}
	if resp[0] != handshake.Version {
		return fmt.Errorf("server version %d", resp[0])
	}
	_, err := p.conn.Write(resp[1 : 1+handshake.PacketSize])
	return err
}

// publish runs connect, createStream and publish and returns the message
// stream id.
func (p *publisher) publish(key string) (uint32, error) {
	app := "live"
	if err := p.command(0, "connect", 1, amf.Object{
		{Key: "app", Value: app},
		{Key: "type", Value: "nonprivate"},
		{Key: "flashVer", Value: "FMLE/3.0 (compatible; rtmp-push)"},
		{Key: "tcUrl", Value: "rtmp://" + p.conn.RemoteAddr().String() + "/" + app},
	}); err != nil {
		return 0, err
	}
	if _, err := p.await("_result"); err != nil {
		return 0, err
	}

	if err := p.command(0, "createStream", 2, nil); err != nil {
		return 0, err
	}
	res, err := p.await("_result")
	if err != nil {
		return 0, err
	}
	id, _ := res[3].(float64)

	if err := p.command(uint32(id), "publish", 3, nil, key, "live"); err != nil {
		return 0, err
	}
	status, err := p.await("onStatus")
	if err != nil {
		return 0, err
	}
	info, _ := amf.Properties(status[3])
	if code := info.String("code"); code != "NetStream.Publish.Start" {
		return 0, fmt.Errorf("%w: %s (%s)", errRejected, code, info.String("description"))
	}
	return uint32(id), nil
}

func (p *publisher) command(streamID uint32, name string, txID float64, args ...any) error {
	body, err := amf.Encode(append([]any{name, txID}, args...)...)
	if err != nil {
		return err
	}
	return p.send(chunk.TypeCommandAMF0, 3, streamID, 0, body)
}

func (p *publisher) send(typeID uint8, csid, streamID, ts uint32, payload []byte) error {
	out := p.enc.Append(nil, &chunk.Message{CSID: csid, TypeID: typeID, StreamID: streamID, Timestamp: ts, Payload: payload})
	_, err := p.conn.Write(out)
	return err
}

// await reads server messages until a command named name arrives and
// returns its values. An _error reply fails immediately.
func (p *publisher) await(name string) ([]any, error) {
	p.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer p.conn.SetReadDeadline(time.Time{})
	var pending []*chunk.Message
	for {
		for len(pending) > 0 {
			m := pending[0]
			pending = pending[1:]
			if m.TypeID != chunk.TypeCommandAMF0 {
				continue
			}
			vals, err := amf.Decode(m.Payload)
			if err != nil || len(vals) == 0 {
				continue
			}
			switch got, _ := vals[0].(string); got {
			case name:
				if len(vals) < 4 {
					return nil, fmt.Errorf("short %s reply", name)
				}
				return vals, nil
			case "_error":
				return nil, fmt.Errorf("%w: %v", errRejected, vals[3:])
			}
		}
		n, err := p.conn.Read(p.buf)
		if n > 0 {
			msgs, derr := p.dec.Decode(p.buf[:n])
			if derr != nil {
				return nil, derr
			}
			pending = append(pending, msgs...)
		}
		if err != nil {
			return nil, err
		}
	}
}

// sequenceHeader builds the AVC sequence-header tag body.
func sequenceHeader() ([]byte, error) {
	rec, err := demux.BuildConfigRecord(media.DecoderConfig{
		SPS:            [][]byte{sps},
		PPS:            [][]byte{pps},
		NALULengthSize: lengthSize,
	})
	if err != nil {
		return nil, err
	}
	return append([]byte{0x17, 0x00, 0x00, 0x00, 0x00}, rec...), nil
}

// videoFrame builds the tag body of frame n: an IDR slice at every GOP
// boundary, a non-IDR slice otherwise.
func videoFrame(n, gop int) []byte {
	if n%gop == 0 {
		body := []byte{0x17, 0x01, 0x00, 0x00, 0x00}
		return demux.AppendAVCC(body, []byte{0x65, 0x88, 0x84, byte(n)}, lengthSize)
	}
	body := []byte{0x27, 0x01, 0x00, 0x00, 0x00}
	return demux.AppendAVCC(body, []byte{0x41, 0x9A, byte(n)}, lengthSize)
}
