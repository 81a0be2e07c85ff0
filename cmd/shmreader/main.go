// Command shmreader maps an rtmpcam frame region and reports the frames it
// reads, optionally saving the latest one as raw NV12. It is the reference
// consumer of the region layout.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zsiec/rtmpcam/internal/shm"
)

func main() {
	path := flag.String("path", envOr("SHM_PATH", "/dev/shm/rtmpcam"), "frame region file")
	interval := flag.Duration("interval", 10*time.Millisecond, "poll interval")
	dump := flag.String("dump", "", "write the last frame read to this file on exit")
	verbose := flag.Bool("v", false, "log every frame")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose || os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *path, *interval, *dump); err != nil {
		slog.Error("reader error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, path string, interval time.Duration, dump string) error {
	f, err := shm.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := f.Region().Header()
	slog.Info("region mapped", "path", path, "max_width", h.MaxWidth, "max_height", h.MaxHeight, "write_index", h.WriteIndex)

	p := newPoller(shm.NewReader(f.Region()), slog.Default())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	report := time.NewTicker(5 * time.Second)
	defer report.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("stopped", "frames", p.frames, "skipped", p.skipped, "torn", p.torn)
			if dump != "" && p.last.Index > 0 {
				if err := os.WriteFile(dump, p.last.Data, 0o644); err != nil {
					return fmt.Errorf("write %s: %w", dump, err)
				}
				slog.Info("frame saved", "path", dump, "width", p.last.Width, "height", p.last.Height, "format", "nv12")
			}
			return nil
		case <-report.C:
			slog.Info("reading", "frames", p.frames, "skipped", p.skipped, "torn", p.torn,
				"width", p.last.Width, "height", p.last.Height)
		case <-ticker.C:
			if err := p.poll(); err != nil {
				return err
			}
		}
	}
}

// poller tracks what a polling reader has seen.
type poller struct {
	log     *slog.Logger
	rd      *shm.Reader
	buf     []byte
	last    shm.Frame
	frames  int64
	skipped uint64
	torn    int64
}

func newPoller(rd *shm.Reader, log *slog.Logger) *poller {
	return &poller{rd: rd, log: log}
}

// poll reads the latest frame if a new one was published. Layout errors are
// fatal; a torn read is retried on the next tick.
func (p *poller) poll() error {
	fr, err := p.rd.Latest(p.buf)
	switch {
	case errors.Is(err, shm.ErrNoFrame):
		return nil
	case errors.Is(err, shm.ErrTornRead):
		p.torn++
		return nil
	case err != nil:
		return err
	}
	if fr.Index == p.last.Index {
		p.buf = fr.Data
		return nil
	}
	if p.last.Index > 0 && fr.Index > p.last.Index+1 {
		p.skipped += fr.Index - p.last.Index - 1
	}
	if fr.Width != p.last.Width || fr.Height != p.last.Height {
		p.log.Info("resolution", "width", fr.Width, "height", fr.Height)
	}
	// last keeps its own buffer so a later torn read cannot clobber it.
	p.buf = p.last.Data
	p.last = fr
	p.frames++
	p.log.Debug("frame", "index", fr.Index, "width", fr.Width, "height", fr.Height, "luma0", fr.Data[0])
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
