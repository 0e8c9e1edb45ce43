package cipher

import (
	"crypto/aes"
	cryptocipher "crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"

	"github.com/vnt-go/vnt/internal/wire"
)

const (
	cbcIVSize  = aes.BlockSize
	cbcMACSize = sha256.Size
)

// AESCBCMAC pairs AES-CBC encryption with an HMAC-SHA256 authentication
// tag covering the IV, ciphertext and AAD, grounded on the teacher's
// HMAC-over-payload pattern used to sign Atlas requests
// (nspkt.Listener.SendAtlasSigreq1Raw).
type AESCBCMAC struct {
	encKey []byte
	macKey []byte
}

// NewAESCBCMAC derives independent encryption and MAC keys from key via
// HMAC-SHA256, so a single shared secret can drive both primitives safely.
func NewAESCBCMAC(key []byte) (*AESCBCMAC, error) {
	if len(key) == 0 {
		return nil, ErrKey
	}
	h := hmac.New(sha256.New, key)
	h.Write([]byte("vnt-cbc-enc"))
	encKey := h.Sum(nil)[:16]

	h = hmac.New(sha256.New, key)
	h.Write([]byte("vnt-cbc-mac"))
	macKey := h.Sum(nil)

	return &AESCBCMAC{encKey: encKey, macKey: macKey}, nil
}

func (e *AESCBCMAC) Reserve() int {
	// iv + mac + up to one pad block
	return cbcIVSize + cbcMACSize + aes.BlockSize
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 || len(b)%aes.BlockSize != 0 {
		return nil, ErrFormat
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, ErrFormat
	}
	return b[:len(b)-n], nil
}

func (e *AESCBCMAC) Seal(h wire.Header, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(e.encKey)
	if err != nil {
		return nil, ErrKey
	}
	iv := make([]byte, cbcIVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, ErrFormat
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ct := make([]byte, len(padded))
	cryptocipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	mac := hmac.New(sha256.New, e.macKey)
	mac.Write(aad(h))
	mac.Write(iv)
	mac.Write(ct)
	tag := mac.Sum(nil)

	out := make([]byte, 0, cbcIVSize+len(ct)+cbcMACSize)
	out = append(out, iv...)
	out = append(out, ct...)
	out = append(out, tag...)
	return out, nil
}

func (e *AESCBCMAC) Open(h wire.Header, sealed []byte) ([]byte, error) {
	if len(sealed) < cbcIVSize+cbcMACSize || (len(sealed)-cbcIVSize-cbcMACSize)%aes.BlockSize != 0 {
		return nil, ErrFormat
	}
	iv := sealed[:cbcIVSize]
	ct := sealed[cbcIVSize : len(sealed)-cbcMACSize]
	tag := sealed[len(sealed)-cbcMACSize:]

	mac := hmac.New(sha256.New, e.macKey)
	mac.Write(aad(h))
	mac.Write(iv)
	mac.Write(ct)
	if !hmac.Equal(mac.Sum(nil), tag) {
		return nil, ErrUnauthenticated
	}

	block, err := aes.NewCipher(e.encKey)
	if err != nil {
		return nil, ErrKey
	}
	if len(ct) == 0 {
		return nil, nil
	}
	padded := make([]byte, len(ct))
	cryptocipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ct)
	return pkcs7Unpad(padded)
}
