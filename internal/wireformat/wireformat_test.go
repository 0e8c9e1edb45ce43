package wireformat

import (
	"net/netip"
	"testing"
)

func TestHandshakeRequestRoundTrip(t *testing.T) {
	in := HandshakeRequest{Secret: true, Version: "1.4.0"}
	out, err := DecodeHandshakeRequest(in.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestSecretHandshakeRequestRoundTrip(t *testing.T) {
	in := SecretHandshakeRequest{Token: "tok", Key: []byte{1, 2, 3, 4}}
	out, err := DecodeSecretHandshakeRequest(in.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if out.Token != in.Token || string(out.Key) != string(in.Key) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestPunchInfoRoundTrip(t *testing.T) {
	in := PunchInfo{
		Reply:           true,
		PublicIPList:    []netip.Addr{netip.MustParseAddr("1.2.3.4")},
		PublicPorts:     []uint16{40000, 40001},
		PublicPortRange: 5,
		LocalIP:         netip.MustParseAddr("192.168.1.10"),
		TCPPort:         12345,
		UDPPorts:        []uint16{30000},
		NATType:         1,
	}
	out, err := DecodePunchInfo(in.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if out.Reply != in.Reply || len(out.PublicIPList) != 1 || out.PublicIPList[0] != in.PublicIPList[0] {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
	if len(out.PublicPorts) != 2 || out.PublicPorts[0] != 40000 || out.PublicPorts[1] != 40001 {
		t.Fatalf("public ports mismatch: %v", out.PublicPorts)
	}
	if out.LocalIP != in.LocalIP || out.TCPPort != in.TCPPort || out.NATType != in.NATType {
		t.Fatalf("scalar field mismatch: %+v", out)
	}
}

func TestPunchInfoLegacyBackfillIsCallerResponsibility(t *testing.T) {
	in := PunchInfo{PublicPort: 55555, LocalPort: 22222}
	out, err := DecodePunchInfo(in.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if out.PublicPort != 55555 || out.LocalPort != 22222 {
		t.Fatalf("expected legacy singleton fields preserved verbatim, got %+v", out)
	}
	if len(out.PublicPorts) != 0 || len(out.UDPPorts) != 0 {
		t.Fatal("expected decode to leave list fields empty for backfill to fill in")
	}
}
