package surface

import "sync/atomic"

// Surface is an opaque image whose lifetime is governed by a reference
// count that other processes can observe. ID is stable for the lifetime of
// the surface and is what a reader process resolves through its platform
// registry.
type Surface interface {
	ID() uint32
	Retain()
	Release()
}

// Token represents exactly one reference to a Surface. The zero value and
// the nil Token are inert.
type Token struct {
	s        Surface
	released atomic.Bool
}

// Acquire retains s and returns the token that owns the new reference.
func Acquire(s Surface) *Token {
	s.Retain()
	return &Token{s: s}
}

// Adopt wraps a reference the caller already holds (for example the initial
// reference of a freshly allocated surface) without retaining again.
func Adopt(s Surface) *Token {
	return &Token{s: s}
}

// Surface returns the surface the token refers to.
func (t *Token) Surface() Surface {
	if t == nil {
		return nil
	}
	return t.s
}

// ID returns the surface ID, or 0 for a nil token.
func (t *Token) ID() uint32 {
	if t == nil || t.s == nil {
		return 0
	}
	return t.s.ID()
}

// Release drops the token's reference. Only the first call has an effect.
func (t *Token) Release() {
	if t == nil || t.s == nil {
		return
	}
	if t.released.CompareAndSwap(false, true) {
		t.s.Release()
	}
}

// Released reports whether Release has run.
func (t *Token) Released() bool {
	return t == nil || t.released.Load()
}
