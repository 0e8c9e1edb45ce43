package peerstore

import (
	"net/netip"
	"testing"
)

func TestApplySnapshotIgnoresStaleEpoch(t *testing.T) {
	s := New()
	a := netip.MustParseAddr("10.26.0.2")
	if !s.ApplySnapshot(2, []Peer{{VirtualIP: a, Online: true}}) {
		t.Fatal("expected first snapshot to apply")
	}
	if s.ApplySnapshot(1, []Peer{{VirtualIP: a, Online: false}}) {
		t.Fatal("expected stale epoch snapshot to be rejected")
	}
	p, ok := s.Get(a)
	if !ok || !p.Online {
		t.Fatalf("expected online peer to survive stale snapshot, got %+v ok=%v", p, ok)
	}
}

func TestGreaterThanOnlineOrdering(t *testing.T) {
	s := New()
	self := netip.MustParseAddr("10.26.0.2")
	s.ApplySnapshot(1, []Peer{
		{VirtualIP: netip.MustParseAddr("10.26.0.1"), Online: true},
		{VirtualIP: netip.MustParseAddr("10.26.0.3"), Online: true},
		{VirtualIP: netip.MustParseAddr("10.26.0.4"), Online: false},
	})
	got := s.GreaterThanOnline(self)
	if len(got) != 1 || got[0].VirtualIP.String() != "10.26.0.3" {
		t.Fatalf("expected only 10.26.0.3, got %+v", got)
	}
}

func TestNATProfileCache(t *testing.T) {
	s := New()
	ip := netip.MustParseAddr("10.26.0.3")
	if _, ok := s.NATProfile(ip); ok {
		t.Fatal("expected no profile initially")
	}
	s.SetNATProfile(ip, NATProfile{Type: NATSymmetric})
	p, ok := s.NATProfile(ip)
	if !ok || p.Type != NATSymmetric {
		t.Fatalf("expected cached symmetric profile, got %+v ok=%v", p, ok)
	}
}
