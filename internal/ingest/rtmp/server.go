// Package rtmp accepts RTMP publish connections. Each connection runs the
// handshake, then a session manager that feeds socket bytes to the protocol
// engine, answers its requests, hands video tags to a per-stream sink and
// flushes the engine's output once per read.
package rtmp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/zsiec/rtmpcam/internal/ingest"
	"github.com/zsiec/rtmpcam/internal/metrics"
	"github.com/zsiec/rtmpcam/internal/rtmp/handshake"
	"github.com/zsiec/rtmpcam/internal/rtmp/session"
	"github.com/zsiec/rtmpcam/internal/stream"
)

// defaultReadBufferSize is the socket read size. Larger reads mean fewer
// engine calls and fewer flushes per video frame.
const defaultReadBufferSize = 64 * 1024

// VideoHandler consumes the video tag bodies of one publish session.
// *pipeline.VideoSink implements it.
type VideoHandler interface {
	HandleVideo(body []byte, timestamp uint32)
	Close()
}

// SinkFactory creates the video handler for a stream that started
// publishing.
type SinkFactory func(st *stream.Stream) VideoHandler

// ServerConfig wires the server to its collaborators. Zero values select
// defaults: a nil Policy admits every publisher, nil registries are created
// here and a nil NewSink discards video.
type ServerConfig struct {
	Addr           string
	ReadBufferSize int
	Session        session.Config
	Policy         ingest.PublishPolicy
	Conns          *ingest.Registry
	Streams        *stream.Manager
	NewSink        SinkFactory
	Metrics        *metrics.Metrics
}

// Server accepts incoming RTMP publish connections.
type Server struct {
	log *slog.Logger
	cfg ServerConfig

	// publishMu makes the policy check and stream creation one step.
	publishMu sync.Mutex
	wg        sync.WaitGroup
}

// NewServer creates an RTMP server. If log is nil, slog.Default() is used.
func NewServer(cfg ServerConfig, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = defaultReadBufferSize
	}
	if cfg.Policy == nil {
		cfg.Policy = ingest.AllowAll{}
	}
	if cfg.Conns == nil {
		cfg.Conns = ingest.NewRegistry()
	}
	if cfg.Streams == nil {
		cfg.Streams = stream.NewManager(log)
	}
	return &Server{
		log: log.With("component", "rtmp-server"),
		cfg: cfg,
	}
}

// Conns returns the connection registry.
func (s *Server) Conns() *ingest.Registry { return s.cfg.Conns }

// Streams returns the stream manager.
func (s *Server) Streams() *stream.Manager { return s.cfg.Streams }

// Start listens on the configured address and serves until the context is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("RTMP listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until the context is cancelled, then
// closes every open connection and waits for their goroutines.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("listening", "addr", ln.Addr().String())

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer s.wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("RTMP accept: %w", err)
			}
			s.log.Warn("accept error", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

func (s *Server) handleConnection(ctx context.Context, nc net.Conn) {
	defer nc.Close()
	stop := context.AfterFunc(ctx, func() { nc.Close() })
	defer stop()

	remote := nc.RemoteAddr().String()
	ic := s.cfg.Conns.Register("RTMP", remote)
	defer s.cfg.Conns.Unregister(ic.ID)
	s.cfg.Metrics.RecordConnectionOpened()
	defer s.cfg.Metrics.RecordConnectionClosed()

	log := s.log.With("conn", ic.ID, "remote", remote)
	log.Info("connection accepted")

	c := newConnection(s, nc, ic, log)
	err := c.run()
	c.endStream("connection closed")

	stats := ic.IngestStats()
	attrs := []any{"bytes", stats.BytesReceived, "reads", stats.ReadCount, "uptime_ms", stats.UptimeMs}

	var hsErr *handshake.Error
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		log.Info("connection closed", attrs...)
	case errors.As(err, &hsErr):
		s.cfg.Metrics.RecordHandshakeFailure()
		log.Warn("handshake failed", append(attrs, "error", err)...)
	case errors.Is(err, ingest.ErrPublishDenied):
		log.Info("connection closed after publish refusal", append(attrs, "error", err)...)
	case errors.Is(err, errSession):
		s.cfg.Metrics.RecordProtocolError()
		log.Error("protocol error, closing connection", append(attrs, "error", err)...)
	default:
		log.Info("connection closed", append(attrs, "error", err)...)
	}
}

// extractStreamKey normalises the publish name into a stream key.
func extractStreamKey(name string) string {
	name = strings.TrimPrefix(name, "/")
	name = strings.TrimPrefix(name, "live/")
	if name == "" {
		return "default"
	}
	return name
}
