package shm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Header offsets. All multi-byte fields are little-endian.
const (
	offWriteIndex = 0  // u64, atomic
	offDims       = 8  // u32 width + u32 height, one atomic u64
	offMagic      = 16 // u32
	offVersion    = 20 // u32
	offMaxWidth   = 24 // u32
	offMaxHeight  = 28 // u32
	offSlot0Dims  = 32 // u64, atomic
	offSlot1Dims  = 40 // u64, atomic

	// HeaderSize is the size of the region header; slot 0 starts here.
	HeaderSize = 64
)

const (
	// Magic identifies a frame region ("VCAM").
	Magic uint32 = 0x4D414356
	// LayoutVersion is the header layout this package reads and writes.
	LayoutVersion uint32 = 1
)

var (
	ErrLayout        = errors.New("shm: invalid region layout")
	ErrFrameTooLarge = errors.New("shm: frame exceeds region maximum")
	ErrTornRead      = errors.New("shm: writer lapped reader")
	ErrNoFrame       = errors.New("shm: no frame published yet")
	ErrWriterActive  = errors.New("shm: region already has an active writer")
)

// FrameSize returns the NV12 byte size of a tightly packed width x height
// frame: a full Y plane plus a CbCr plane of ceil(height/2) rows.
func FrameSize(width, height int) int {
	return width*height + width*((height+1)/2)
}

// RegionSize returns the total size of a region for the given maximum
// resolution.
func RegionSize(maxWidth, maxHeight int) int {
	return HeaderSize + 2*FrameSize(maxWidth, maxHeight)
}

func packDims(w, h int) uint64 {
	return uint64(uint32(w)) | uint64(uint32(h))<<32
}

func unpackDims(v uint64) (w, h int) {
	return int(uint32(v)), int(uint32(v >> 32))
}

// Region is a bounds-checked view over a frame region's bytes. The zero
// value is not usable; build one with NewRegion or AttachRegion.
type Region struct {
	buf       []byte
	maxWidth  int
	maxHeight int
	slotSize  int
}

// NewRegion formats buf as an empty region for the given maximum
// resolution. buf must be 8-byte aligned and at least RegionSize bytes.
func NewRegion(buf []byte, maxWidth, maxHeight int) (*Region, error) {
	if maxWidth <= 0 || maxHeight <= 0 {
		return nil, fmt.Errorf("%w: maximum %dx%d", ErrLayout, maxWidth, maxHeight)
	}
	r := &Region{
		buf:       buf,
		maxWidth:  maxWidth,
		maxHeight: maxHeight,
		slotSize:  FrameSize(maxWidth, maxHeight),
	}
	if err := r.check(); err != nil {
		return nil, err
	}

	binary.LittleEndian.PutUint32(buf[offMagic:], Magic)
	binary.LittleEndian.PutUint32(buf[offVersion:], LayoutVersion)
	binary.LittleEndian.PutUint32(buf[offMaxWidth:], uint32(maxWidth))
	binary.LittleEndian.PutUint32(buf[offMaxHeight:], uint32(maxHeight))
	r.u64(offDims).Store(0)
	r.u64(offSlot0Dims).Store(0)
	r.u64(offSlot1Dims).Store(0)
	r.u64(offWriteIndex).Store(0)
	return r, nil
}

// AttachRegion validates the header already present in buf and returns a
// view over it.
func AttachRegion(buf []byte) (*Region, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is smaller than the header", ErrLayout, len(buf))
	}
	if m := binary.LittleEndian.Uint32(buf[offMagic:]); m != Magic {
		return nil, fmt.Errorf("%w: magic 0x%08x", ErrLayout, m)
	}
	if v := binary.LittleEndian.Uint32(buf[offVersion:]); v != LayoutVersion {
		return nil, fmt.Errorf("%w: version %d", ErrLayout, v)
	}
	maxW := int(binary.LittleEndian.Uint32(buf[offMaxWidth:]))
	maxH := int(binary.LittleEndian.Uint32(buf[offMaxHeight:]))
	if maxW == 0 || maxH == 0 {
		return nil, fmt.Errorf("%w: maximum %dx%d", ErrLayout, maxW, maxH)
	}
	r := &Region{
		buf:       buf,
		maxWidth:  maxW,
		maxHeight: maxH,
		slotSize:  FrameSize(maxW, maxH),
	}
	if err := r.check(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Region) check() error {
	need := HeaderSize + 2*r.slotSize
	if len(r.buf) < need {
		return fmt.Errorf("%w: have %d bytes, need %d for %dx%d", ErrLayout, len(r.buf), need, r.maxWidth, r.maxHeight)
	}
	if uintptr(unsafe.Pointer(&r.buf[0]))%8 != 0 {
		return fmt.Errorf("%w: buffer is not 8-byte aligned", ErrLayout)
	}
	return nil
}

// u64 returns the atomic word at a fixed header offset. Only the header
// constants above are ever passed in, all of which are 8-byte aligned
// within an 8-byte aligned buffer.
func (r *Region) u64(off int) *atomic.Uint64 {
	_ = r.buf[off+7]
	return (*atomic.Uint64)(unsafe.Pointer(&r.buf[off]))
}

func (r *Region) slotDims(slot int) *atomic.Uint64 {
	if slot == 0 {
		return r.u64(offSlot0Dims)
	}
	return r.u64(offSlot1Dims)
}

// slot returns the bytes of slot 0 or 1.
func (r *Region) slot(i int) []byte {
	start := HeaderSize + (i&1)*r.slotSize
	return r.buf[start : start+r.slotSize : start+r.slotSize]
}

// MaxWidth returns the largest frame width the region accepts.
func (r *Region) MaxWidth() int { return r.maxWidth }

// MaxHeight returns the largest frame height the region accepts.
func (r *Region) MaxHeight() int { return r.maxHeight }

// SlotSize returns the size in bytes of one frame slot.
func (r *Region) SlotSize() int { return r.slotSize }

// WriteIndex returns the number of frames published so far.
func (r *Region) WriteIndex() uint64 { return r.u64(offWriteIndex).Load() }

// Dimensions returns the width and height of the most recent frame. Both
// values come from a single atomic load and always belong to the same frame.
func (r *Region) Dimensions() (width, height int) {
	return unpackDims(r.u64(offDims).Load())
}

// HeaderInfo is a point-in-time view of the region header.
type HeaderInfo struct {
	WriteIndex uint64 `json:"write_index"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	MaxWidth   int    `json:"max_width"`
	MaxHeight  int    `json:"max_height"`
	SlotSize   int    `json:"slot_size"`
}

// Header returns the current header values.
func (r *Region) Header() HeaderInfo {
	w, h := r.Dimensions()
	return HeaderInfo{
		WriteIndex: r.WriteIndex(),
		Width:      w,
		Height:     h,
		MaxWidth:   r.maxWidth,
		MaxHeight:  r.maxHeight,
		SlotSize:   r.slotSize,
	}
}

// Allocate formats a region in process-private heap memory. It serves
// in-process consumers and tests that have no file to map.
func Allocate(maxWidth, maxHeight int) (*Region, error) {
	if maxWidth <= 0 || maxHeight <= 0 {
		return nil, fmt.Errorf("%w: maximum %dx%d", ErrLayout, maxWidth, maxHeight)
	}
	n := RegionSize(maxWidth, maxHeight)
	words := make([]uint64, (n+7)/8)
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), n)
	return NewRegion(buf, maxWidth, maxHeight)
}
