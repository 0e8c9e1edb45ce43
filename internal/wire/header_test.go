package wire

import (
	"net/netip"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	cases := []Header{
		{Flags: 0, Protocol: ProtocolControl, TransportProtocol: uint8(ControlPing), TTL: MaxTTL, SourceTTL: MaxTTL, Source: netip.MustParseAddr("10.26.0.2"), Destination: netip.MustParseAddr("10.26.0.3")},
		{Flags: FlagGateway, Protocol: ProtocolIPTurn, TransportProtocol: uint8(IPTurnIPv4), TTL: 3, SourceTTL: 15, Source: netip.MustParseAddr("0.0.0.0"), Destination: netip.MustParseAddr("255.255.255.255")},
		{Flags: 0, Protocol: ProtocolOtherTurn, TransportProtocol: uint8(OtherTurnPunch), TTL: 0, SourceTTL: 0, Source: netip.MustParseAddr("192.168.1.1"), Destination: netip.MustParseAddr("192.168.1.2")},
	}
	for _, h := range cases {
		enc := h.Encode()
		got, err := Decode(enc[:])
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got != h {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
		}
	}
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	if _, err := Decode(make([]byte, HeaderLen-1)); err != ErrMalformed {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestDecodeRejectsBadVersion(t *testing.T) {
	h := Header{Protocol: ProtocolControl, Source: netip.MustParseAddr("1.1.1.1"), Destination: netip.MustParseAddr("2.2.2.2")}
	enc := h.Encode()
	enc[0] = (2 << 4) | byte(enc[0]&0xF)
	if _, err := Decode(enc[:]); err != ErrUnsupported {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestDecodeRejectsReservedBit(t *testing.T) {
	h := Header{Protocol: ProtocolControl, Source: netip.MustParseAddr("1.1.1.1"), Destination: netip.MustParseAddr("2.2.2.2")}
	enc := h.Encode()
	enc[0] |= 0b0010 // set a reserved flag bit
	if _, err := Decode(enc[:]); err != ErrReservedBit {
		t.Fatalf("expected ErrReservedBit, got %v", err)
	}
}

func TestPongRTT(t *testing.T) {
	now := Now16(100_500)
	sent := Now16(100_000)
	rtt := PongRTTMillis(now, sent)
	if rtt != 500 {
		t.Fatalf("expected rtt 500, got %d", rtt)
	}
}

func TestMetric(t *testing.T) {
	if m := Metric(15, 14); m != 2 {
		t.Fatalf("expected metric 2, got %d", m)
	}
	if m := Metric(15, 15); m != 1 {
		t.Fatalf("expected metric 1 (direct), got %d", m)
	}
}
