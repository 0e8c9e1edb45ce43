package cipher

import "github.com/vnt-go/vnt/internal/wire"

// NoOp passes payloads through unmodified; selected when encryption is
// disabled entirely.
type NoOp struct{}

func (NoOp) Reserve() int { return 0 }

func (NoOp) Seal(_ wire.Header, plaintext []byte) ([]byte, error) {
	return plaintext, nil
}

func (NoOp) Open(_ wire.Header, sealed []byte) ([]byte, error) {
	return sealed, nil
}
