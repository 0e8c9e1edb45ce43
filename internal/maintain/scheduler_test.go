package maintain

import (
	"context"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vnt-go/vnt/internal/deviceinfo"
	"github.com/vnt-go/vnt/internal/peerstore"
	"github.com/vnt-go/vnt/internal/punch"
	"github.com/vnt-go/vnt/internal/routetable"
)

func TestHandshakeClockRateLimits(t *testing.T) {
	c := NewHandshakeClock(3 * time.Second)
	now := time.Now()
	if !c.TryFire(now) {
		t.Fatal("expected first fire to succeed")
	}
	if c.TryFire(now.Add(time.Second)) {
		t.Fatal("expected second fire within interval to be rejected")
	}
	if !c.TryFire(now.Add(4 * time.Second)) {
		t.Fatal("expected fire to succeed after interval elapses")
	}
}

func TestPunchQueueReplacesStaleJobOnOverflow(t *testing.T) {
	q := newPunchQueues()
	job1 := PunchJob{PeerIP: netip.MustParseAddr("10.0.0.2"), Peer: punch.Endpoints{NAT: peerstore.NATCone}}
	job2 := PunchJob{PeerIP: netip.MustParseAddr("10.0.0.3"), Peer: punch.Endpoints{NAT: peerstore.NATCone}}
	q.Enqueue(InitiatorSelf, peerstore.NATCone, job1)
	q.Enqueue(InitiatorSelf, peerstore.NATCone, job2)

	ch := q.channels()[queueKey{InitiatorSelf, peerstore.NATCone}]
	select {
	case got := <-ch:
		if got.PeerIP != job2.PeerIP {
			t.Fatalf("expected the fresher job to survive overflow, got %v", got.PeerIP)
		}
	default:
		t.Fatal("expected a queued job")
	}
}

func TestGatewayWatchdogSendsHandshakeOnlyWhenOffline(t *testing.T) {
	device := deviceinfo.NewCell(deviceinfo.Snapshot{Status: deviceinfo.StatusConnected})
	routes := routetable.New(time.Minute, time.Second, time.Millisecond)
	peers := peerstore.New()

	var handshakeCalls atomic.Int32
	cb := Callbacks{
		SendHandshake: func(netip.AddrPort) error {
			handshakeCalls.Add(1)
			return nil
		},
	}
	s := New(zerolog.Nop(), device, routes, peers, netip.MustParseAddr("10.0.0.1"), cb)

	s.gatewayTick(context.Background())
	if handshakeCalls.Load() != 0 {
		t.Fatal("expected no handshake while connected")
	}

	device.Store(deviceinfo.Snapshot{Status: deviceinfo.StatusOffline})
	s.gatewayTick(context.Background())
	if handshakeCalls.Load() != 1 {
		t.Fatalf("expected exactly one handshake while offline, got %d", handshakeCalls.Load())
	}
}

func TestPunchRequesterOnlyTargetsHigherVirtualIPAndNeedingPunch(t *testing.T) {
	device := deviceinfo.NewCell(deviceinfo.Snapshot{Status: deviceinfo.StatusConnected})
	routes := routetable.New(time.Minute, time.Second, time.Millisecond)
	peers := peerstore.New()
	local := netip.MustParseAddr("10.0.0.5")

	lower := netip.MustParseAddr("10.0.0.2")
	higherWithRoute := netip.MustParseAddr("10.0.0.9")
	higherNeedsPunch := netip.MustParseAddr("10.0.0.10")
	routes.AddRoute(higherWithRoute, routetable.Entry{Key: routetable.Key{SocketIndex: 0}, Metric: 1})

	var sent []netip.Addr
	cb := Callbacks{
		OnlinePeers: func() []netip.Addr { return []netip.Addr{lower, higherWithRoute, higherNeedsPunch} },
		SendPunchInfo: func(peer netip.Addr) error {
			sent = append(sent, peer)
			return nil
		},
	}
	s := New(zerolog.Nop(), device, routes, peers, local, cb)
	s.punchRequesterTick()

	if len(sent) != 1 || sent[0] != higherNeedsPunch {
		t.Fatalf("expected only %v to be targeted, got %v", higherNeedsPunch, sent)
	}
}
