package shm

import (
	"fmt"
	"sync/atomic"
)

// DefaultReadRetries bounds how often Reader.Latest retries after being
// lapped by the writer.
const DefaultReadRetries = 4

// Frame is one frame copied out of a region.
type Frame struct {
	Index  uint64 // write_index observed when the frame was read
	Width  int
	Height int
	Data   []byte // NV12, tightly packed: Y plane then CbCr plane
}

// Reader copies frames out of a region. Readers never write to the region
// and need no coordination with each other.
type Reader struct {
	region  *Region
	retries int
	fence   atomic.Uint64

	afterCopy func() // test hook
}

// NewReader returns a Reader for region.
func NewReader(region *Region) *Reader {
	return &Reader{region: region, retries: DefaultReadRetries}
}

// Latest copies the most recently published frame into dst, growing it if
// needed, and returns the frame with Data aliasing dst. Dimensions are
// re-read on every call. ErrNoFrame is returned before the first publish and
// ErrTornRead when the writer kept overtaking the copy.
func (rd *Reader) Latest(dst []byte) (Frame, error) {
	r := rd.region
	for attempt := 0; attempt <= rd.retries; attempt++ {
		w1 := r.WriteIndex()
		if w1 == 0 {
			return Frame{}, ErrNoFrame
		}
		slot := int((w1 - 1) % 2)
		dims := r.slotDims(slot).Load()
		w, h := unpackDims(dims)
		if w <= 0 || h <= 0 || w > r.maxWidth || h > r.maxHeight {
			return Frame{}, fmt.Errorf("%w: slot %d holds %dx%d", ErrLayout, slot, w, h)
		}

		n := FrameSize(w, h)
		if cap(dst) < n {
			dst = make([]byte, n)
		}
		dst = dst[:n]
		copy(dst, r.slot(slot)[:n])
		if rd.afterCopy != nil {
			rd.afterCopy()
		}

		// Only the publish after the next one writes this slot, and it
		// starts after the next one has advanced write_index. An unchanged
		// index and dims word therefore mean the copy is intact.
		//
		// The plain loads of the copy must complete before the index is
		// re-read. An atomic acquire load alone does not order earlier plain
		// loads on arm64; the read-modify-write below is a full barrier on
		// amd64 and arm64.
		rd.fence.Add(1)
		if r.slotDims(slot).Load() == dims && r.WriteIndex() == w1 {
			return Frame{Index: w1, Width: w, Height: h, Data: dst}, nil
		}
	}
	return Frame{}, ErrTornRead
}
