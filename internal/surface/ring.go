package surface

import (
	"errors"
	"sync"
	"sync/atomic"
)

// DefaultRingSize is the ring capacity used when none is configured.
const DefaultRingSize = 8

// ErrRingClosed is returned by Push after Close.
var ErrRingClosed = errors.New("surface: ring closed")

// Entry is one published surface.
type Entry struct {
	ID        uint32
	Surface   Surface
	Timestamp uint32
	Slot      int
	Index     uint64 // write counter value the entry was published under
}

type slot struct {
	entry *Entry
	token *Token
}

// Ring is a fixed-capacity ring of retained surfaces. Pushes are serialized
// by a short critical section; Latest is lock-free. A surface returned by
// Latest stays retained for at least Size() subsequent pushes.
type Ring struct {
	mu     sync.Mutex
	slots  []slot
	latest []atomic.Pointer[Entry]
	writes atomic.Uint64
	closed bool
}

// NewRing creates a ring with capacity n. A non-positive n selects
// DefaultRingSize.
func NewRing(n int) *Ring {
	if n <= 0 {
		n = DefaultRingSize
	}
	return &Ring{
		slots:  make([]slot, n),
		latest: make([]atomic.Pointer[Entry], n),
	}
}

// Size returns the ring capacity.
func (r *Ring) Size() int { return len(r.slots) }

// Push retains s, installs it in the next slot, then releases whatever
// surface the slot held before. The write counter is advanced last.
func (r *Ring) Push(s Surface, timestamp uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRingClosed
	}

	idx := r.writes.Load()
	n := uint64(len(r.slots))
	i := int(idx % n)

	tok := Acquire(s)
	e := &Entry{
		ID:        s.ID(),
		Surface:   s,
		Timestamp: timestamp,
		Slot:      i,
		Index:     idx,
	}

	old := r.slots[i].token
	r.slots[i] = slot{entry: e, token: tok}
	r.latest[i].Store(e)
	old.Release()

	r.writes.Store(idx + 1)
	return nil
}

// Latest returns the most recently pushed entry, or false if nothing has
// been pushed.
func (r *Ring) Latest() (Entry, bool) {
	w := r.writes.Load()
	if w == 0 {
		return Entry{}, false
	}
	i := (w - 1) % uint64(len(r.latest))
	e := r.latest[i].Load()
	if e == nil {
		return Entry{}, false
	}
	return *e, true
}

// WriteCount returns the number of pushes so far.
func (r *Ring) WriteCount() uint64 { return r.writes.Load() }

// Retained returns the number of slots currently holding a reference.
func (r *Ring) Retained() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	for _, s := range r.slots {
		if s.token != nil && !s.token.Released() {
			n++
		}
	}
	return n
}

// Close releases every retained surface exactly once. Further pushes fail
// with ErrRingClosed; Latest keeps returning the last entry's metadata.
func (r *Ring) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for i := range r.slots {
		r.slots[i].token.Release()
		r.slots[i].token = nil
	}
}
