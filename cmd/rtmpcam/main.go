package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/rtmpcam/internal/api"
	"github.com/zsiec/rtmpcam/internal/certs"
	"github.com/zsiec/rtmpcam/internal/config"
	"github.com/zsiec/rtmpcam/internal/decode"
	"github.com/zsiec/rtmpcam/internal/ingest"
	"github.com/zsiec/rtmpcam/internal/ingest/rtmp"
	"github.com/zsiec/rtmpcam/internal/metrics"
	"github.com/zsiec/rtmpcam/internal/pipeline"
	"github.com/zsiec/rtmpcam/internal/rtmp/session"
	"github.com/zsiec/rtmpcam/internal/stream"
)

var version = "dev"

func main() {
	configPath := flag.String("config", envOr("RTMPCAM_CONFIG", ""), "path to a YAML config file")
	port := flag.Int("port", 0, "RTMP listen port (overrides the config file)")
	verbose := flag.Bool("v", false, "debug logging")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("rtmpcam", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "rtmpcam:", err)
		os.Exit(2)
	}
	if *port != 0 {
		host, _, _ := net.SplitHostPort(cfg.RTMP.Addr)
		cfg.RTMP.Addr = net.JoinHostPort(host, strconv.Itoa(*port))
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}
	slog.SetDefault(newLogger(cfg.Logging, os.Stderr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	m := metrics.New()
	streams := stream.NewManager(nil)
	conns := ingest.NewRegistry()

	out, err := openOutput(cfg.Output, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := out.Close(); err != nil {
			slog.Warn("closing frame output", "error", err)
		}
	}()

	factory := decode.NewProbeFactory(decode.ProbeConfig{
		Surfaces:    out.surfaces,
		StrideAlign: cfg.Output.StrideAlign,
	})

	sessCfg := session.DefaultConfig()
	sessCfg.ChunkSize = cfg.RTMP.ChunkSize
	sessCfg.WindowAckSize = cfg.RTMP.WindowAckSize
	sessCfg.PeerBandwidth = cfg.RTMP.PeerBandwidth

	rtmpSrv := rtmp.NewServer(rtmp.ServerConfig{
		Addr:           cfg.RTMP.Addr,
		ReadBufferSize: cfg.RTMP.ReadBuffer,
		Session:        sessCfg,
		Policy:         publishPolicy(cfg.Auth, streams),
		Conns:          conns,
		Streams:        streams,
		Metrics:        m,
		NewSink: func(st *stream.Stream) rtmp.VideoHandler {
			return pipeline.NewVideoSink(out.sinkConfig(pipeline.Config{
				StreamKey: st.Key,
				Factory:   factory,
				Stats:     st.Stats,
				Metrics:   m,
			}))
		},
	}, nil)

	slog.Info("rtmpcam starting",
		"version", version,
		"rtmp", cfg.RTMP.Addr,
		"output", cfg.Output.Mode,
		"max_resolution", fmt.Sprintf("%dx%d", cfg.Output.MaxWidth, cfg.Output.MaxHeight),
	)

	var apiSrv *api.Server
	if cfg.API.Enabled {
		if apiSrv, err = newAPIServer(cfg.API, streams, conns, out, m); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return rtmpSrv.Start(ctx)
	})

	if apiSrv != nil {
		g.Go(func() error {
			return apiSrv.Start(ctx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		slog.Info("stopping",
			"streams", streams.Count(),
			"connections", conns.Len(),
		)
		return nil
	})

	return g.Wait()
}

func newAPIServer(cfg config.APIConfig, streams *stream.Manager, conns *ingest.Registry, out *output, m *metrics.Metrics) (*api.Server, error) {
	cert, err := certs.Generate(certs.MaxValidity, cfg.Hosts...)
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)
	return api.NewServer(out.apiConfig(api.ServerConfig{
		Addr:    cfg.Addr,
		HTTP3:   cfg.HTTP3,
		Cert:    cert,
		Streams: streams,
		Conns:   conns,
		Metrics: m,
	}), nil)
}

// publishPolicy builds the policy chain; an empty chain admits everyone.
func publishPolicy(cfg config.AuthConfig, streams *stream.Manager) ingest.PublishPolicy {
	var ps ingest.Policies
	if cfg.StreamKey != "" {
		ps = append(ps, ingest.StreamKeyPolicy{Key: cfg.StreamKey})
	}
	if cfg.SinglePublisher {
		ps = append(ps, ingest.SinglePublisherPolicy{Streams: streams})
	}
	return ps
}

func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
