package rtmp

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/zsiec/rtmpcam/internal/ingest"
	"github.com/zsiec/rtmpcam/internal/rtmp/handshake"
	"github.com/zsiec/rtmpcam/internal/rtmp/session"
	"github.com/zsiec/rtmpcam/internal/stream"
)

// errSession marks failures of the protocol engine, which are fatal to the
// connection.
var errSession = errors.New("rtmp session")

// connection is the session manager of one RTMP connection. All methods run
// on the connection's goroutine.
type connection struct {
	srv *Server
	nc  net.Conn
	ic  *ingest.Conn
	log *slog.Logger

	sess *session.ServerSession
	out  []byte
	// fatal is returned after the pending output has been flushed.
	fatal error

	stream    *stream.Stream
	sink      VideoHandler
	audioSeen bool
}

func newConnection(srv *Server, nc net.Conn, ic *ingest.Conn, log *slog.Logger) *connection {
	return &connection{srv: srv, nc: nc, ic: ic, log: log}
}

func (c *connection) read(buf []byte) (int, error) {
	n, err := c.nc.Read(buf)
	if n > 0 {
		c.ic.RecordRead(n)
		c.srv.cfg.Metrics.RecordBytes(n)
	}
	return n, err
}

func (c *connection) run() error {
	buf := make([]byte, c.srv.cfg.ReadBufferSize)

	leftover, err := c.handshake(buf)
	if err != nil {
		return err
	}

	sess, initial, err := session.New(c.srv.cfg.Session)
	if err != nil {
		return fmt.Errorf("%w: %w", errSession, err)
	}
	c.sess = sess
	if err := c.process(initial); err != nil {
		return err
	}
	if len(leftover) > 0 {
		if err := c.handleInput(leftover); err != nil {
			return err
		}
	}

	for {
		n, err := c.read(buf)
		if n > 0 {
			if herr := c.handleInput(buf[:n]); herr != nil {
				return herr
			}
		}
		if err != nil {
			return err
		}
	}
}

// handshake drives the exchange to completion and returns the chunk-stream
// bytes that arrived with C2.
func (c *connection) handshake(buf []byte) ([]byte, error) {
	hs := handshake.New()
	for {
		n, err := c.read(buf)
		if n > 0 {
			res, herr := hs.Process(buf[:n])
			if len(res.Response) > 0 {
				if _, werr := c.nc.Write(res.Response); werr != nil {
					return nil, fmt.Errorf("write handshake: %w", werr)
				}
			}
			if herr != nil {
				return nil, herr
			}
			if res.Done {
				c.log.Debug("handshake complete", "digest", hs.Digest(), "leftover", len(res.Leftover))
				return res.Leftover, nil
			}
		}
		if err != nil {
			return nil, err
		}
	}
}

// handleInput feeds data to the engine, acts on its results in order and
// flushes all generated output with a single write.
func (c *connection) handleInput(data []byte) error {
	results, err := c.sess.HandleInput(data)
	perr := c.process(results)
	if err != nil {
		return fmt.Errorf("%w: %w", errSession, err)
	}
	return perr
}

func (c *connection) process(results []session.Result) error {
	for _, r := range results {
		switch r := r.(type) {
		case *session.OutboundPacket:
			c.out = append(c.out, r.Bytes...)
		case *session.RaisedEvent:
			c.dispatch(r.Event)
		case *session.UnhandleableMessage:
			c.log.Debug("ignoring message", "type", r.Message.TypeID,
				"stream_id", r.Message.StreamID, "size", len(r.Message.Payload), "reason", r.Reason)
		}
	}
	return c.flush()
}

func (c *connection) flush() error {
	if len(c.out) > 0 {
		_, err := c.nc.Write(c.out)
		c.out = c.out[:0]
		if err != nil {
			return fmt.Errorf("write: %w", err)
		}
	}
	return c.fatal
}

func (c *connection) queue(results []session.Result) {
	for _, r := range results {
		if p, ok := r.(*session.OutboundPacket); ok {
			c.out = append(c.out, p.Bytes...)
		}
	}
}

func (c *connection) accept(id uint32) bool {
	res, err := c.sess.AcceptRequest(id)
	if err != nil {
		c.log.Warn("accept request failed", "request", id, "error", err)
		return false
	}
	c.queue(res)
	return true
}

func (c *connection) reject(id uint32, code, description string) {
	res, err := c.sess.RejectRequest(id, code, description)
	if err != nil {
		c.log.Warn("reject request failed", "request", id, "error", err)
		return
	}
	c.queue(res)
}

func (c *connection) dispatch(ev session.Event) {
	switch ev := ev.(type) {
	case session.ConnectionRequested:
		c.ic.SetApp(ev.AppName)
		c.log.Info("connect", "app", ev.AppName, "tc_url", ev.TCURL)
		c.accept(ev.RequestID)

	case session.ReleaseStreamRequested:
		c.accept(ev.RequestID)

	case session.PublishStreamRequested:
		c.onPublish(ev)

	case session.VideoDataReceived:
		if c.sink != nil {
			c.sink.HandleVideo(ev.Data, ev.Timestamp)
		}

	case session.AudioDataReceived:
		if !c.audioSeen {
			c.audioSeen = true
			c.log.Debug("audio present, not processed")
		}

	case session.StreamMetadataChanged:
		md := ev.Metadata
		c.log.Info("stream metadata",
			"width", md.Width, "height", md.Height, "video_codec", md.VideoCodecID,
			"framerate", md.FrameRate, "video_kbps", md.VideoBitrateKbps, "encoder", md.Encoder)
		if c.stream != nil {
			c.stream.Stats.RecordEncoder(stream.EncoderInfo{
				Name:      md.Encoder,
				Width:     int(md.Width),
				Height:    int(md.Height),
				FrameRate: float64(md.FrameRate),
			})
		}

	case session.PublishStreamFinished:
		c.endStream("publisher finished")

	case session.ClientChunkSizeChanged:
		c.log.Debug("peer chunk size", "size", ev.NewSize)

	case session.AcknowledgementReceived:
		c.log.Debug("peer acknowledgement", "bytes", ev.BytesReceived)

	case session.PingResponseReceived:
		c.log.Debug("ping response", "timestamp", ev.Timestamp)
	}
}

func (c *connection) onPublish(ev session.PublishStreamRequested) {
	key := extractStreamKey(ev.StreamKey)
	if c.stream != nil {
		c.reject(ev.RequestID, "NetStream.Publish.BadConnection", "connection is already publishing")
		return
	}

	req := ingest.PublishRequest{
		ConnID:     c.ic.ID,
		RemoteAddr: c.nc.RemoteAddr().String(),
		App:        ev.AppName,
		StreamKey:  key,
	}

	c.srv.publishMu.Lock()
	st, err := c.admit(req)
	c.srv.publishMu.Unlock()

	if err != nil {
		c.log.Warn("publish refused", "stream_key", key, "error", err)
		c.reject(ev.RequestID, "NetStream.Publish.BadName", err.Error())
		c.fatal = err
		return
	}
	if !c.accept(ev.RequestID) {
		c.srv.cfg.Streams.Remove(st)
		return
	}

	c.stream = st
	c.ic.SetStreamKey(key)
	c.log = c.log.With("stream_key", key)
	if c.srv.cfg.NewSink != nil {
		c.sink = c.srv.cfg.NewSink(st)
	}
	c.srv.cfg.Metrics.RecordPublishRequest("accepted")
	c.srv.cfg.Metrics.RecordStreamStarted()
	c.log.Info("publish started", "mode", ev.Mode, "stream_id", ev.StreamID)
}

// admit applies the publish policy and claims the stream key.
func (c *connection) admit(req ingest.PublishRequest) (*stream.Stream, error) {
	if err := c.srv.cfg.Policy.AllowPublish(req); err != nil {
		c.srv.cfg.Metrics.RecordPublishRequest("denied")
		return nil, err
	}
	st, ok := c.srv.cfg.Streams.Create(req.StreamKey, req.ConnID)
	if !ok {
		c.srv.cfg.Metrics.RecordPublishRequest("duplicate")
		return nil, fmt.Errorf("%w: stream %q is already publishing", ingest.ErrPublishDenied, req.StreamKey)
	}
	return st, nil
}

func (c *connection) endStream(reason string) {
	if c.stream == nil {
		return
	}
	if c.sink != nil {
		c.sink.Close()
		c.sink = nil
	}
	st := c.stream
	c.stream = nil
	c.srv.cfg.Streams.Remove(st)
	c.ic.SetStreamKey("")

	snap := st.Snapshot()
	c.srv.cfg.Metrics.RecordStreamEnded(time.Since(st.StartedAt).Seconds())
	c.log.Info("publish ended", "reason", reason,
		"frames", snap.Video.TotalFrames, "published", snap.Decode.Published,
		"dropped", snap.Decode.Dropped, "uptime_ms", snap.UptimeMs)
}
