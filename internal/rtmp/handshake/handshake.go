// Package handshake implements the server side of the RTMP handshake.
//
// The client sends C0 (version byte) and C1 (1536 bytes), the server answers
// with S0, S1 and S2, and the exchange completes once C2 arrives. Clients
// that advertise a Flash Player version in C1 get the digest ("complex")
// variant: C1 must carry a valid HMAC-SHA256 digest and S1/S2 are signed
// with the server key. Clients with zero version bytes get the plain echo
// variant.
package handshake

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// Version is the only protocol version accepted in C0.
	Version = 3
	// PacketSize is the size of C1, C2, S1 and S2.
	PacketSize = 1536

	digestLen = 32
)

// ErrAlreadyCompleted is returned by Process once the exchange is done.
var ErrAlreadyCompleted = errors.New("handshake: already completed")

// Error is a fatal handshake failure. The connection must be closed.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return "handshake: " + e.Reason }

var (
	fpKey = []byte("Genuine Adobe Flash Player 001")

	fmsKey = append([]byte("Genuine Adobe Flash Media Server 001"),
		0xF0, 0xEE, 0xC2, 0x4A, 0x80, 0x68, 0xBE, 0xE8, 0x2E, 0x00, 0xD0, 0xD1,
		0x02, 0x9E, 0x7E, 0x57, 0x6E, 0xEC, 0x5D, 0x2D, 0x29, 0x80, 0x6F, 0xAB,
		0x93, 0xB8, 0xE6, 0x36, 0xCF, 0xEB, 0x31, 0xAE)

	// serverVersion is advertised in S1 bytes 4..8 of the digest variant.
	serverVersion = [4]byte{0x04, 0x05, 0x00, 0x01}
)

type state int

const (
	awaitingC0C1 state = iota
	awaitingC2
	completed
)

// Result is the outcome of one Process call.
type Result struct {
	// Response must be written to the peer before any later output.
	Response []byte
	// Leftover holds bytes that followed C2 in the same read. They are the
	// first bytes of the chunk stream and must be fed to the session.
	Leftover []byte
	// Done reports that this call completed the exchange.
	Done bool
}

// Handshake is the server-side handshake state machine for one connection.
// It buffers fragmented input across Process calls.
type Handshake struct {
	state  state
	buf    []byte
	rand   io.Reader
	digest bool
}

// New returns a Handshake awaiting C0 and C1.
func New() *Handshake {
	return &Handshake{rand: rand.Reader}
}

// Digest reports whether the peer negotiated the digest variant. It is only
// meaningful after S1 has been produced.
func (h *Handshake) Digest() bool { return h.digest }

// Completed reports whether the exchange is done.
func (h *Handshake) Completed() bool { return h.state == completed }

// Process consumes bytes read from the peer.
func (h *Handshake) Process(data []byte) (Result, error) {
	if h.state == completed {
		return Result{}, ErrAlreadyCompleted
	}
	h.buf = append(h.buf, data...)

	var res Result
	if h.state == awaitingC0C1 {
		if len(h.buf) >= 1 && h.buf[0] != Version {
			return Result{}, &Error{Reason: fmt.Sprintf("unsupported version %d", h.buf[0])}
		}
		if len(h.buf) < 1+PacketSize {
			return res, nil
		}
		resp, err := h.respond(h.buf[1 : 1+PacketSize])
		if err != nil {
			return Result{}, err
		}
		res.Response = resp
		h.buf = h.buf[1+PacketSize:]
		h.state = awaitingC2
	}

	if len(h.buf) < PacketSize {
		return res, nil
	}
	// C2 is not verified: common encoders echo S1 verbatim rather than
	// signing it, and nothing after the handshake depends on its content.
	if rest := h.buf[PacketSize:]; len(rest) > 0 {
		res.Leftover = append([]byte(nil), rest...)
	}
	h.buf = nil
	h.state = completed
	res.Done = true
	return res, nil
}

// respond builds S0+S1+S2 for the given C1.
func (h *Handshake) respond(c1 []byte) ([]byte, error) {
	out := make([]byte, 1+2*PacketSize)
	out[0] = Version
	s1 := out[1 : 1+PacketSize]
	s2 := out[1+PacketSize:]

	if _, err := io.ReadFull(h.rand, s1[8:]); err != nil {
		return nil, fmt.Errorf("handshake: random S1: %w", err)
	}

	if binary.BigEndian.Uint32(c1[4:8]) == 0 {
		// Echo variant: S1 carries zero time and version, S2 echoes C1.
		copy(s2, c1)
		return out, nil
	}

	clientDigest, scheme, ok := findDigest(c1)
	if !ok {
		return nil, &Error{Reason: "C1 digest verification failed"}
	}
	h.digest = true

	copy(s1[4:8], serverVersion[:])
	off := digestOffset(s1, scheme)
	copy(s1[off:], hmacParts(fmsKey[:36], s1[:off], s1[off+digestLen:]))

	if _, err := io.ReadFull(h.rand, s2[:PacketSize-digestLen]); err != nil {
		return nil, fmt.Errorf("handshake: random S2: %w", err)
	}
	key := hmacParts(fmsKey, clientDigest)
	copy(s2[PacketSize-digestLen:], hmacParts(key, s2[:PacketSize-digestLen]))
	return out, nil
}

// digestOffset returns where the 32-byte digest sits in a C1/S1 packet for
// scheme 0 (digest block after the key block) or scheme 1.
func digestOffset(p []byte, scheme int) int {
	base := 8
	if scheme == 1 {
		base = 772
	}
	sum := int(p[base]) + int(p[base+1]) + int(p[base+2]) + int(p[base+3])
	return sum%728 + base + 4
}

// findDigest validates the C1 digest under either scheme and returns it.
func findDigest(c1 []byte) ([]byte, int, bool) {
	for _, scheme := range []int{0, 1} {
		off := digestOffset(c1, scheme)
		want := hmacParts(fpKey, c1[:off], c1[off+digestLen:])
		if hmac.Equal(want, c1[off:off+digestLen]) {
			return c1[off : off+digestLen], scheme, true
		}
	}
	return nil, 0, false
}

func hmacParts(key []byte, parts ...[]byte) []byte {
	m := hmac.New(sha256.New, key)
	for _, p := range parts {
		m.Write(p)
	}
	return m.Sum(nil)
}
