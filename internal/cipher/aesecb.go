package cipher

import (
	"crypto/aes"

	"github.com/vnt-go/vnt/internal/wire"
)

// AESECB is the legacy, unauthenticated block cipher mode kept only for
// wire compatibility with older peers; it provides no tamper detection.
type AESECB struct {
	block cipher128
}

type cipher128 interface {
	BlockSize() int
	Encrypt(dst, src []byte)
	Decrypt(dst, src []byte)
}

// NewAESECB constructs a legacy AES-ECB envelope from a 16, 24, or 32 byte key.
func NewAESECB(key []byte) (*AESECB, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrKey
	}
	return &AESECB{block: block}, nil
}

func (e *AESECB) Reserve() int {
	return aes.BlockSize
}

func (e *AESECB) Seal(_ wire.Header, plaintext []byte) ([]byte, error) {
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	bs := e.block.BlockSize()
	for i := 0; i < len(padded); i += bs {
		e.block.Encrypt(out[i:i+bs], padded[i:i+bs])
	}
	return out, nil
}

func (e *AESECB) Open(_ wire.Header, sealed []byte) ([]byte, error) {
	bs := e.block.BlockSize()
	if len(sealed) == 0 || len(sealed)%bs != 0 {
		return nil, ErrFormat
	}
	out := make([]byte, len(sealed))
	for i := 0; i < len(sealed); i += bs {
		e.block.Decrypt(out[i:i+bs], sealed[i:i+bs])
	}
	return pkcs7Unpad(out)
}
