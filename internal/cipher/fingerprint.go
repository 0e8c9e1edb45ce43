package cipher

import (
	"crypto/hmac"
	"crypto/sha256"

	"github.com/vnt-go/vnt/internal/wire"
)

// fingerprintSize is the length of the optional keyed tag appended after
// ciphertext for cheap tamper detection at relays that don't hold the full
// client secret (spec glossary: "Fingerprint").
const fingerprintSize = 4

// Fingerprinted wraps an Envelope, appending/validating a short keyed tag
// after the inner envelope's own output. Relays that only know the
// fingerprint key can reject obviously-tampered packets without being able
// to decrypt them.
type Fingerprinted struct {
	Inner Envelope
	Key   []byte
}

func (f Fingerprinted) Reserve() int {
	return f.Inner.Reserve() + fingerprintSize
}

func (f Fingerprinted) Seal(h wire.Header, plaintext []byte) ([]byte, error) {
	sealed, err := f.Inner.Seal(h, plaintext)
	if err != nil {
		return nil, err
	}
	tag := fingerprintTag(f.Key, h, sealed)
	return append(sealed, tag...), nil
}

func (f Fingerprinted) Open(h wire.Header, sealed []byte) ([]byte, error) {
	if len(sealed) < fingerprintSize {
		return nil, ErrFormat
	}
	body, tag := sealed[:len(sealed)-fingerprintSize], sealed[len(sealed)-fingerprintSize:]
	want := fingerprintTag(f.Key, h, body)
	if !hmac.Equal(want, tag) {
		return nil, ErrUnauthenticated
	}
	return f.Inner.Open(h, body)
}

func fingerprintTag(key []byte, h wire.Header, body []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(aad(h))
	mac.Write(body)
	return mac.Sum(nil)[:fingerprintSize]
}
