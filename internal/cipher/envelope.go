// Package cipher implements the client-to-client authenticated encryption
// envelope described in spec §4.2: a pluggable AEAD over the overlay
// payload, with the 12-byte header (TTL zeroed) as associated data and an
// optional separate fingerprint tag for cheap relay-side tamper detection.
package cipher

import (
	"errors"

	"github.com/vnt-go/vnt/internal/wire"
)

// Errors surfaced to callers; per spec §7 these cause the packet to be
// dropped without refreshing the route.
var (
	ErrKey        = errors.New("cipher: key error")
	ErrFormat     = errors.New("cipher: format error")
	ErrUnauthenticated = errors.New("cipher: unauthenticated")
)

// Envelope seals and opens overlay payloads. Implementations must not grow
// a sealed payload by more than Reserve() bytes.
type Envelope interface {
	// Seal encrypts plaintext for header h, returning the ciphertext (which
	// may alias plaintext's backing array if it was allocated with Reserve()
	// spare capacity).
	Seal(h wire.Header, plaintext []byte) ([]byte, error)

	// Open authenticates and decrypts sealed for header h. Malformed or short
	// input is reported as ErrFormat and a failed tag check as
	// ErrUnauthenticated; callers drop the packet silently on any error
	// (§4.2, §7).
	Open(h wire.Header, sealed []byte) ([]byte, error)

	// Reserve returns ENCRYPTION_RESERVED: the maximum number of bytes Seal
	// ever appends beyond len(plaintext).
	Reserve() int
}

// aad returns the associated data covering h: the 12-byte header with the
// TTL byte zeroed, so that TTL decrements made by relays in flight don't
// invalidate the tag (spec §4.2).
func aad(h wire.Header) []byte {
	enc := h.Encode()
	enc = wire.WithTTLZeroed(enc)
	out := make([]byte, wire.HeaderLen)
	copy(out, enc[:])
	return out
}
