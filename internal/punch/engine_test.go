package punch

import (
	"math/rand"
	"net/netip"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/vnt-go/vnt/internal/peerstore"
)

type fakeSender struct {
	mu     sync.Mutex
	sends  []netip.AddrPort
	allAll []netip.AddrPort
	n      int
}

func (f *fakeSender) SendMainUDP(index int, buf []byte, addr netip.AddrPort) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, addr)
	return nil
}

func (f *fakeSender) TrySendAll(buf []byte, addr netip.AddrPort) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allAll = append(f.allAll, addr)
}

func (f *fakeSender) ChannelNum() int { return f.n }

func TestPunchGateSkipsWhenNoPunchNeeded(t *testing.T) {
	s := &fakeSender{n: 2}
	e := New(zerolog.Nop(), s, ModelAll, false, nil, nil, rand.New(rand.NewSource(1)))
	err := e.Punch(netip.MustParseAddr("10.26.0.3"), false, LocalInfo{}, Endpoints{}, []byte("x"), nil)
	if err != nil {
		t.Fatalf("expected nil error on gated punch, got %v", err)
	}
	if len(s.sends) != 0 || len(s.allAll) != 0 {
		t.Fatal("expected zero sends when need_punch is false")
	}
}

func TestPunchConeToConeSendsOncePerChannel(t *testing.T) {
	s := &fakeSender{n: 2}
	e := New(zerolog.Nop(), s, ModelAll, false, nil, nil, rand.New(rand.NewSource(1)))
	peer := Endpoints{
		PublicIPs:   []netip.Addr{netip.MustParseAddr("2.2.2.2")},
		PublicPorts: []uint16{50000, 50001},
		NAT:         peerstore.NATCone,
	}
	local := LocalInfo{NAT: peerstore.NATCone}
	err := e.Punch(netip.MustParseAddr("10.26.0.3"), true, local, peer, []byte("x"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(s.sends) != 2 {
		t.Fatalf("expected 2 cone-to-cone sends, got %d: %v", len(s.sends), s.sends)
	}
}

func TestPunchSymmetricLocalUsesTrySendAllAndBreaksAfterFirstPort(t *testing.T) {
	s := &fakeSender{n: 2}
	e := New(zerolog.Nop(), s, ModelAll, false, nil, nil, rand.New(rand.NewSource(1)))
	peer := Endpoints{
		PublicIPs:   []netip.Addr{netip.MustParseAddr("2.2.2.2")},
		PublicPorts: []uint16{50000, 50001},
		NAT:         peerstore.NATCone,
	}
	local := LocalInfo{NAT: peerstore.NATSymmetric}
	err := e.Punch(netip.MustParseAddr("10.26.0.3"), true, local, peer, []byte("x"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(s.allAll) != 1 {
		t.Fatalf("expected exactly one try_send_all, got %d", len(s.allAll))
	}
}

func TestPunchSymmetricPeerFineRangePhase(t *testing.T) {
	s := &fakeSender{n: 2}
	vec := NewPortVector(rand.New(rand.NewSource(2)))
	sched := NewScheduleState()
	e := New(zerolog.Nop(), s, ModelAll, false, vec, sched, rand.New(rand.NewSource(3)))
	peer := Endpoints{
		PublicIPs:       []netip.Addr{netip.MustParseAddr("3.3.3.3")},
		PublicPorts:     []uint16{40000},
		PublicPortRange: 10, // well under fineRangeThreshold, triggers fine-range phase
		NAT:             peerstore.NATSymmetric,
	}
	err := e.Punch(netip.MustParseAddr("10.26.0.4"), true, LocalInfo{NAT: peerstore.NATCone}, peer, []byte("x"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// fine-range (every port of [39990, 40010], 21 < fineRangeK1) +
	// broad-phase (600-800) sends expected.
	fineSends := 2*int(peer.PublicPortRange) + 1
	if len(s.sends) < fineSends+broadPhaseMin {
		t.Fatalf("expected at least %d sends, got %d", fineSends+broadPhaseMin, len(s.sends))
	}
}

func TestNoRouteWhenNoEndpointsKnown(t *testing.T) {
	s := &fakeSender{n: 2}
	e := New(zerolog.Nop(), s, ModelAll, false, nil, nil, rand.New(rand.NewSource(1)))
	err := e.Punch(netip.MustParseAddr("10.26.0.3"), true, LocalInfo{}, Endpoints{}, []byte("x"), nil)
	if err == nil {
		t.Fatal("expected ErrNoRoute when no endpoints are known")
	}
}
