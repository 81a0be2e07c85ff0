// Package api serves the read-only status API: live streams, ingest
// connections, frame output state, the certificate fingerprint and
// Prometheus metrics. It listens with HTTPS over TCP and, optionally, HTTP/3
// over QUIC on the same port, advertised to TCP clients through Alt-Svc.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/rtmpcam/internal/certs"
	"github.com/zsiec/rtmpcam/internal/ingest"
	"github.com/zsiec/rtmpcam/internal/metrics"
	"github.com/zsiec/rtmpcam/internal/shm"
	"github.com/zsiec/rtmpcam/internal/stream"
	"github.com/zsiec/rtmpcam/internal/surface"
)

const shutdownTimeout = 5 * time.Second

// FrameOutput reports the state of the shared frame region.
// *shm.Publisher implements it.
type FrameOutput interface {
	Region() *shm.Region
	Published() int64
	Dropped() int64
}

// ServerConfig holds the listen address, certificate and the components
// the API reports on. Frames or Ring may be nil, depending on the output
// mode; their endpoints then answer 404.
type ServerConfig struct {
	Addr     string
	HTTP3    bool
	Cert     *certs.CertInfo
	Streams  *stream.Manager
	Conns    *ingest.Registry
	Frames   FrameOutput
	Ring     *surface.Ring
	Surfaces *surface.Registry
	Metrics  *metrics.Metrics
}

// Server is the status API server.
type Server struct {
	log    *slog.Logger
	config ServerConfig
	h3     *http3.Server
}

// NewServer creates an API server. It returns an error if required fields
// are missing. If log is nil, slog.Default() is used.
func NewServer(config ServerConfig, log *slog.Logger) (*Server, error) {
	if config.Cert == nil {
		return nil, errors.New("api: Cert is required")
	}
	if config.Addr == "" {
		return nil, errors.New("api: Addr is required")
	}
	if config.Streams == nil || config.Conns == nil {
		return nil, errors.New("api: Streams and Conns are required")
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		log:    log.With("component", "api"),
		config: config,
	}
	if config.HTTP3 {
		s.h3 = &http3.Server{
			Addr:      config.Addr,
			TLSConfig: config.Cert.TLSConfig(),
			QUICConfig: &quic.Config{
				MaxIdleTimeout: 30 * time.Second,
				Allow0RTT:      true,
			},
		}
	}
	return s, nil
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/streams", s.handleListStreams)
	mux.HandleFunc("GET /api/streams/{key}", s.handleGetStream)
	mux.HandleFunc("GET /api/connections", s.handleConnections)
	mux.HandleFunc("GET /api/frames", s.handleFrames)
	mux.HandleFunc("GET /api/surfaces", s.handleSurfaces)
	mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.config.Metrics != nil {
		mux.Handle("GET /metrics", s.config.Metrics.Handler())
	}
}

// Handler returns the API handler without Alt-Svc advertisement.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

// altSvcMiddleware tells TCP clients that HTTP/3 is available.
func (s *Server) altSvcMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.h3.SetQUICHeaders(w.Header()); err != nil {
			s.log.Debug("set Alt-Svc header", "error", err)
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Start serves HTTPS (and HTTP/3 when enabled) until the context is
// cancelled, then shuts both down.
func (s *Server) Start(ctx context.Context) error {
	handler := s.Handler()
	if s.h3 != nil {
		s.h3.Handler = handler
		handler = s.altSvcMiddleware(handler)
	}
	tcp := &http.Server{
		Addr:              s.config.Addr,
		Handler:           handler,
		TLSConfig:         s.config.Cert.TLSConfig(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("HTTPS API listening", "addr", s.config.Addr)
		if err := tcp.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTPS API: %w", err)
		}
		return nil
	})
	if s.h3 != nil {
		g.Go(func() error {
			s.log.Info("HTTP/3 API listening", "addr", s.config.Addr)
			if err := s.h3.ListenAndServe(); err != nil && gctx.Err() == nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP/3 API: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		if s.h3 != nil {
			errs = append(errs, s.h3.Close())
		}
		errs = append(errs, tcp.Shutdown(shutdownCtx))
		return errors.Join(errs...)
	})
	return g.Wait()
}
