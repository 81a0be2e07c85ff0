package shm

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/rtmpcam/internal/media"
)

// Publisher is the single writer of a Region. Publish calls from several
// goroutines are serialized; readers are never waited on.
type Publisher struct {
	log    *slog.Logger
	region *Region

	mu sync.Mutex

	published atomic.Int64
	dropped   atomic.Int64
}

// NewPublisher returns a Publisher writing into region. If log is nil,
// slog.Default() is used.
func NewPublisher(region *Region, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{
		log:    log.With("component", "shm-publisher"),
		region: region,
	}
}

// Region returns the region the publisher writes into.
func (p *Publisher) Region() *Region { return p.region }

// Published returns the number of frames made visible to readers.
func (p *Publisher) Published() int64 { return p.published.Load() }

// Dropped returns the number of frames rejected before any byte was copied.
func (p *Publisher) Dropped() int64 { return p.dropped.Load() }

// Publish copies an NV12 frame into the slot readers are not looking at,
// records its dimensions and finally advances write_index. Frames larger
// than the region maximum are dropped with a warning and never copied.
func (p *Publisher) Publish(f *media.VideoFrame) error {
	if err := p.validate(f); err != nil {
		p.dropped.Add(1)
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	r := p.region
	idx := r.WriteIndex()
	slot := int(idx % 2)
	dst := r.slot(slot)

	w, h := f.Width, f.Height
	ySize := w * h
	copyPlane(dst[:ySize], f.Planes[0], w, h)
	copyPlane(dst[ySize:FrameSize(w, h)], f.Planes[1], w, (h+1)/2)

	dims := packDims(w, h)
	r.slotDims(slot).Store(dims)
	r.u64(offDims).Store(dims)
	r.u64(offWriteIndex).Add(1)

	p.published.Add(1)
	return nil
}

func (p *Publisher) validate(f *media.VideoFrame) error {
	if f == nil {
		return fmt.Errorf("shm: nil frame")
	}
	if f.Width > p.region.maxWidth || f.Height > p.region.maxHeight {
		p.log.Warn("frame exceeds region maximum, dropping",
			"width", f.Width, "height", f.Height,
			"max_width", p.region.maxWidth, "max_height", p.region.maxHeight)
		return fmt.Errorf("%w: %dx%d > %dx%d", ErrFrameTooLarge, f.Width, f.Height, p.region.maxWidth, p.region.maxHeight)
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("shm: invalid frame dimensions %dx%d", f.Width, f.Height)
	}
	if f.Format != media.PixelFormatNV12 || len(f.Planes) != 2 {
		return fmt.Errorf("shm: unsupported frame layout (format %d, %d planes)", f.Format, len(f.Planes))
	}
	rows := [2]int{f.Height, (f.Height + 1) / 2}
	for i, pl := range f.Planes[:2] {
		if pl.Stride < f.Width {
			return fmt.Errorf("shm: plane %d stride %d shorter than width %d", i, pl.Stride, f.Width)
		}
		if need := (rows[i]-1)*pl.Stride + f.Width; len(pl.Data) < need {
			return fmt.Errorf("shm: plane %d has %d bytes, need %d", i, len(pl.Data), need)
		}
	}
	return nil
}

// copyPlane writes rows of width bytes into dst, tightly packed. A plane
// whose stride already equals the width is copied in one go; otherwise the
// stride padding is stripped row by row.
func copyPlane(dst []byte, src media.Plane, width, rows int) {
	if src.Stride == width {
		copy(dst, src.Data[:width*rows])
		return
	}
	for y := 0; y < rows; y++ {
		copy(dst[y*width:(y+1)*width], src.Data[y*src.Stride:y*src.Stride+width])
	}
}
