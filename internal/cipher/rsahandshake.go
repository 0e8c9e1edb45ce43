package cipher

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
)

// SymmetricKeySize is the size of the freshly generated AES-256 key wrapped
// for the server during the first handshake (spec §4.2).
const SymmetricKeySize = 32

// WrapHandshakeKey generates a fresh symmetric key and wraps it (along with
// an opaque token, typically a join secret) under the server's RSA public
// key using OAEP. The response to this request is expected to be readable
// with the returned key by the caller.
func WrapHandshakeKey(pub *rsa.PublicKey, token []byte) (wrapped []byte, key []byte, err error) {
	key = make([]byte, SymmetricKeySize)
	if _, err = rand.Read(key); err != nil {
		return nil, nil, ErrFormat
	}
	plaintext := make([]byte, 0, len(key)+len(token))
	plaintext = append(plaintext, key...)
	plaintext = append(plaintext, token...)
	wrapped, err = rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
	if err != nil {
		return nil, nil, ErrKey
	}
	return wrapped, key, nil
}

// UnwrapHandshakeKey is the server-side counterpart: it recovers the
// symmetric key and token from a wrapped blob using the RSA private key.
func UnwrapHandshakeKey(priv *rsa.PrivateKey, wrapped []byte) (key []byte, token []byte, err error) {
	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, nil, ErrKey
	}
	if len(plaintext) < SymmetricKeySize {
		return nil, nil, ErrFormat
	}
	return plaintext[:SymmetricKeySize], plaintext[SymmetricKeySize:], nil
}
