package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/zsiec/rtmpcam/internal/api"
	"github.com/zsiec/rtmpcam/internal/config"
	"github.com/zsiec/rtmpcam/internal/pipeline"
	"github.com/zsiec/rtmpcam/internal/shm"
	"github.com/zsiec/rtmpcam/internal/surface"
)

// output is the process-lifetime frame hand-off: a mapped frame region in
// shm mode, or a surface registry and ring in surface mode.
type output struct {
	file      *shm.File
	publisher *shm.Publisher
	surfaces  *surface.Registry
	ring      *surface.Ring
}

func openOutput(cfg config.OutputConfig, log *slog.Logger) (*output, error) {
	if log == nil {
		log = slog.Default()
	}
	switch cfg.Mode {
	case config.OutputSHM:
		f, err := shm.Create(cfg.ShmPath, cfg.MaxWidth, cfg.MaxHeight, log)
		if err != nil {
			return nil, fmt.Errorf("create frame region: %w", err)
		}
		log.Info("frame region ready",
			"path", f.Path(),
			"max_width", cfg.MaxWidth,
			"max_height", cfg.MaxHeight,
			"size", shm.RegionSize(cfg.MaxWidth, cfg.MaxHeight),
		)
		return &output{file: f, publisher: shm.NewPublisher(f.Region(), log)}, nil
	case config.OutputSurface:
		log.Info("surface ring ready", "size", cfg.RingSize)
		return &output{
			surfaces: surface.NewRegistry(log),
			ring:     surface.NewRing(cfg.RingSize),
		}, nil
	}
	return nil, fmt.Errorf("unknown output mode %q", cfg.Mode)
}

// sinkConfig fills in whichever destination is active. Unset destinations
// stay nil interfaces.
func (o *output) sinkConfig(c pipeline.Config) pipeline.Config {
	if o.publisher != nil {
		c.Frames = o.publisher
	}
	if o.ring != nil {
		c.Surfaces = o.ring
	}
	return c
}

func (o *output) apiConfig(c api.ServerConfig) api.ServerConfig {
	if o.publisher != nil {
		c.Frames = o.publisher
	}
	c.Ring = o.ring
	c.Surfaces = o.surfaces
	return c
}

// Close releases every retained surface and unmaps the region.
func (o *output) Close() error {
	var errs []error
	if o.ring != nil {
		o.ring.Close()
	}
	if o.file != nil {
		errs = append(errs, o.file.Close())
	}
	return errors.Join(errs...)
}
