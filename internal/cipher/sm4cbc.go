package cipher

import (
	stdcipher "crypto/cipher"
	"crypto/rand"

	"github.com/emmansun/gmsm/sm4"
	"github.com/vnt-go/vnt/internal/wire"
)

// SM4CBC is an AEAD-less SM4-CBC envelope, for interop with peers that
// negotiated the SM4-CBC cipher suite named in spec §4.2. The sealed form is
// iv||ciphertext only: it carries no tag, does not cover the header, and
// Open detects tampering only when it breaks the PKCS#7 padding. Keyed via github.com/emmansun/gmsm, the standard Go
// implementation of China's SM-series cryptographic algorithms.
type SM4CBC struct {
	key []byte
}

// NewSM4CBC constructs an SM4-CBC envelope from a 16-byte key.
func NewSM4CBC(key []byte) (*SM4CBC, error) {
	if len(key) != sm4.BlockSize {
		return nil, ErrKey
	}
	if _, err := sm4.NewCipher(key); err != nil {
		return nil, ErrKey
	}
	return &SM4CBC{key: key}, nil
}

func (e *SM4CBC) Reserve() int {
	return sm4.BlockSize + sm4.BlockSize // iv + up to one pad block
}

func (e *SM4CBC) Seal(h wire.Header, plaintext []byte) ([]byte, error) {
	block, err := sm4.NewCipher(e.key)
	if err != nil {
		return nil, ErrKey
	}
	iv := make([]byte, sm4.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, ErrFormat
	}
	padded := pkcs7Pad(plaintext, sm4.BlockSize)
	ct := make([]byte, len(padded))
	stdcipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	out := make([]byte, 0, len(iv)+len(ct))
	out = append(out, iv...)
	out = append(out, ct...)
	return out, nil
}

func (e *SM4CBC) Open(h wire.Header, sealed []byte) ([]byte, error) {
	if len(sealed) < sm4.BlockSize || (len(sealed)-sm4.BlockSize)%sm4.BlockSize != 0 {
		return nil, ErrFormat
	}
	block, err := sm4.NewCipher(e.key)
	if err != nil {
		return nil, ErrKey
	}
	iv := sealed[:sm4.BlockSize]
	ct := sealed[sm4.BlockSize:]
	if len(ct) == 0 {
		return nil, nil
	}
	padded := make([]byte, len(ct))
	stdcipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ct)
	return pkcs7Unpad(padded)
}
