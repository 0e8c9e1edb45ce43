package cipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"github.com/vnt-go/vnt/internal/wire"
)

const (
	gcmNonceSize = 12
	gcmTagSize   = 16
)

// AESGCM is an AEAD envelope backed by AES-GCM. The on-wire layout is
// nonce(12) || ciphertext || tag(16), generalizing the fixed in-place
// nonce/tag framing used by the teacher's Titanfall packet crypto
// (pkg/nspkt/r2crypto.go) to a caller-supplied key and variable-length AAD.
type AESGCM struct {
	aead cipher.AEAD
}

// NewAESGCM constructs an AESGCM envelope from a 16, 24, or 32 byte key.
func NewAESGCM(key []byte) (*AESGCM, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrKey
	}
	aead, err := cipher.NewGCMWithTagSize(block, gcmTagSize)
	if err != nil {
		return nil, ErrKey
	}
	return &AESGCM{aead: aead}, nil
}

func (e *AESGCM) Reserve() int {
	return gcmNonceSize + gcmTagSize
}

func (e *AESGCM) Seal(h wire.Header, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, ErrFormat
	}
	out := append([]byte(nil), nonce...)
	out = e.aead.Seal(out, nonce, plaintext, aad(h))
	return out, nil
}

func (e *AESGCM) Open(h wire.Header, sealed []byte) ([]byte, error) {
	if len(sealed) < gcmNonceSize+gcmTagSize {
		return nil, ErrFormat
	}
	nonce, ct := sealed[:gcmNonceSize], sealed[gcmNonceSize:]
	pt, err := e.aead.Open(ct[:0], nonce, ct, aad(h))
	if err != nil {
		return nil, ErrUnauthenticated
	}
	return pt, nil
}
