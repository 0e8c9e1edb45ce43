package peerstore

import (
	"net/netip"
	"testing"
)

func TestNATProfileNormalizeFiltersNonGlobal(t *testing.T) {
	p := NATProfile{
		PublicIPs: []netip.Addr{
			netip.MustParseAddr("192.168.1.5"),
			netip.MustParseAddr("10.0.0.1"),
			netip.MustParseAddr("127.0.0.1"),
			netip.MustParseAddr("0.0.0.0"),
			netip.MustParseAddr("224.0.0.1"),
			netip.MustParseAddr("255.255.255.255"),
			netip.MustParseAddr("1.1.1.1"),
		},
	}
	p.Normalize()
	if len(p.PublicIPs) != 1 || p.PublicIPs[0].String() != "1.1.1.1" {
		t.Fatalf("expected only 1.1.1.1 to survive, got %v", p.PublicIPs)
	}
	if p.Type != NATCone {
		t.Fatalf("single public ip should not force symmetric, got %v", p.Type)
	}
}

func TestNATProfileNormalizeForcesSymmetricOnMultipleIPs(t *testing.T) {
	p := NATProfile{
		PublicIPs: []netip.Addr{
			netip.MustParseAddr("1.1.1.1"),
			netip.MustParseAddr("2.2.2.2"),
		},
	}
	p.Normalize()
	if len(p.PublicIPs) != 2 {
		t.Fatalf("expected both global ips kept, got %v", p.PublicIPs)
	}
	if p.Type != NATSymmetric {
		t.Fatalf("expected symmetric, got %v", p.Type)
	}
}

func TestBackfillLegacyPrefersExistingList(t *testing.T) {
	p := NATProfile{PublicPorts: []uint16{4000, 4001}}
	p.BackfillLegacy(9999, 0)
	if len(p.PublicPorts) != 2 || p.PublicPorts[0] != 4000 {
		t.Fatalf("non-empty list must not be overwritten by legacy field, got %v", p.PublicPorts)
	}

	p2 := NATProfile{}
	p2.BackfillLegacy(5000, 6000)
	if len(p2.PublicPorts) != 1 || p2.PublicPorts[0] != 5000 {
		t.Fatalf("expected backfill from legacy public port, got %v", p2.PublicPorts)
	}
	if len(p2.UDPPorts) != 1 || p2.UDPPorts[0] != 6000 {
		t.Fatalf("expected backfill from legacy local port, got %v", p2.UDPPorts)
	}
}
