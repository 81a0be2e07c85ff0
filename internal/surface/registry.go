package surface

import (
	"fmt"
	"log/slog"
	"sync"
)

// Registry is an in-process stand-in for a platform surface registry. It
// allocates NV12 surfaces, assigns process-unique IDs and resolves IDs back
// to live surfaces until their last reference is released.
type Registry struct {
	log *slog.Logger

	mu     sync.Mutex
	nextID uint32
	live   map[uint32]*Buffer
}

// NewRegistry creates an empty Registry. If log is nil, slog.Default() is used.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:  log.With("component", "surface-registry"),
		live: make(map[uint32]*Buffer),
	}
}

// Buffer is a registry-owned NV12 surface.
type Buffer struct {
	reg    *Registry
	id     uint32
	refs   int
	Width  int
	Height int
	Stride int
	Data   []byte // Y plane followed by the interleaved CbCr plane
}

// ID implements Surface.
func (b *Buffer) ID() uint32 { return b.id }

// Retain implements Surface.
func (b *Buffer) Retain() {
	b.reg.mu.Lock()
	b.refs++
	b.reg.mu.Unlock()
}

// Release implements Surface. The buffer leaves the registry when its last
// reference is dropped.
func (b *Buffer) Release() {
	r := b.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	if b.refs <= 0 {
		r.log.Error("surface over-released", "id", b.id)
		return
	}
	b.refs--
	if b.refs == 0 {
		delete(r.live, b.id)
	}
}

// Allocate creates a width x height NV12 surface with one reference owned
// by the returned token.
func (r *Registry) Allocate(width, height int) (*Buffer, *Token, error) {
	if width <= 0 || height <= 0 {
		return nil, nil, fmt.Errorf("surface: invalid dimensions %dx%d", width, height)
	}
	uvRows := (height + 1) / 2
	b := &Buffer{
		reg:    r,
		refs:   1,
		Width:  width,
		Height: height,
		Stride: width,
		Data:   make([]byte, width*height+width*uvRows),
	}

	r.mu.Lock()
	r.nextID++
	if r.nextID == 0 {
		r.nextID = 1
	}
	b.id = r.nextID
	r.live[b.id] = b
	r.mu.Unlock()

	return b, Adopt(b), nil
}

// Acquire resolves id to a live surface and retains it on behalf of the
// caller. It fails once the surface's last reference has been released.
func (r *Registry) Acquire(id uint32) (*Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.live[id]
	if !ok {
		return nil, false
	}
	b.refs++
	return Adopt(b), true
}

// RefCount returns the current reference count of id, or 0 if unknown.
func (r *Registry) RefCount(id uint32) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.live[id]; ok {
		return b.refs
	}
	return 0
}

// Live returns the number of surfaces that still hold references.
func (r *Registry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}
