package cipher

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/vnt-go/vnt/internal/wire"
)

func testHeader() wire.Header {
	return wire.Header{
		Protocol:          wire.ProtocolIPTurn,
		TransportProtocol: uint8(wire.IPTurnIPv4),
		TTL:               10,
		SourceTTL:         15,
		Source:            netip.MustParseAddr("10.26.0.2"),
		Destination:       netip.MustParseAddr("10.26.0.3"),
	}
}

func TestEnvelopesRoundTrip(t *testing.T) {
	key32 := bytes.Repeat([]byte{0x42}, 32)
	key16 := bytes.Repeat([]byte{0x24}, 16)
	msg := []byte("hello overlay, this is a test datagram payload")

	suites := []struct {
		name string
		env  Envelope
	}{
		{"aesgcm", must(NewAESGCM(key32))},
		{"aescbcmac", must(NewAESCBCMAC(key32))},
		{"aesecb", must(NewAESECB(key16))},
		{"sm4cbc", must(NewSM4CBC(key16))},
		{"noop", NoOp{}},
		{"fingerprinted-gcm", Fingerprinted{Inner: must(NewAESGCM(key32)), Key: key16}},
	}

	for _, s := range suites {
		t.Run(s.name, func(t *testing.T) {
			h := testHeader()
			sealed, err := s.env.Seal(h, msg)
			if err != nil {
				t.Fatalf("seal: %v", err)
			}
			if len(sealed) > len(msg)+s.env.Reserve() {
				t.Fatalf("sealed length %d exceeds reserve budget %d", len(sealed), len(msg)+s.env.Reserve())
			}
			opened, err := s.env.Open(h, sealed)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			if !bytes.Equal(opened, msg) {
				t.Fatalf("round trip mismatch: got %q want %q", opened, msg)
			}
		})
	}
}

func TestEnvelopeRejectsTamperedCiphertext(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 32)
	env := must(NewAESGCM(key))
	h := testHeader()
	sealed, err := env.Seal(h, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	sealed[len(sealed)-1] ^= 0xFF
	if _, err := env.Open(h, sealed); err != ErrUnauthenticated {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestEnvelopeRejectsHeaderSubstitution(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 32)
	env := must(NewAESGCM(key))
	h := testHeader()
	sealed, err := env.Seal(h, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	h2 := h
	h2.Destination = netip.MustParseAddr("10.26.0.99")
	if _, err := env.Open(h2, sealed); err != ErrUnauthenticated {
		t.Fatalf("expected ErrUnauthenticated for header substitution, got %v", err)
	}
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
