// Package maintain implements the periodic handshake/maintenance scheduler
// of spec §4.7: a gateway watchdog, route-table idle sweep, punch
// requester, and four bounded punch-executor workers. Grounded on the
// teacher's `reload []func()` re-arm pattern in `pkg/atlas/server.go` (a
// list of callbacks re-run on SIGHUP), generalized here from "re-run on
// SIGHUP" to "re-run on a ticker" — each periodic task is a goroutine with
// its own `time.Timer` that re-arms itself instead of a fixed `time.Ticker`,
// so a slow tick cannot pile up.
package maintain

import (
	"context"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vnt-go/vnt/internal/deviceinfo"
	"github.com/vnt-go/vnt/internal/peerstore"
	"github.com/vnt-go/vnt/internal/routetable"
)

// sleepTable is the punch requester's cadence table (spec §4.7).
var sleepTable = [9]time.Duration{
	3 * time.Second, 5 * time.Second, 7 * time.Second, 11 * time.Second,
	13 * time.Second, 17 * time.Second, 19 * time.Second, 23 * time.Second,
	29 * time.Second,
}

const (
	gatewayWatchdogInterval = 5 * time.Second
	idleSweepDefault        = 3 * time.Second
	handshakeMinInterval    = 3 * time.Second
	tcpHandshakeTimeout     = 5 * time.Second
)

// Callbacks wires the scheduler to the rest of the node without importing
// pkg/overlaynet, avoiding a dependency cycle (the facade type owns the
// scheduler, not the other way around).
type Callbacks struct {
	// ResolveServer re-resolves the configured server name to an address.
	ResolveServer func(ctx context.Context) (netip.AddrPort, error)
	// OnConnectAttempt is invoked with an incrementing attempt counter
	// every time the watchdog decides to reconnect.
	OnConnectAttempt func(attempt int)
	// SendHandshake sends a HandshakeRequest over UDP to the current
	// connect server.
	SendHandshake func(server netip.AddrPort) error
	// DialTCPHandshake opens a fresh TCP connection to server with the
	// handshake as the first frame; nil, or a no-op, if the node has no TCP
	// transport.
	DialTCPHandshake func(ctx context.Context, server netip.AddrPort) error
	// OnlinePeers returns the virtual IPs of currently online peers.
	OnlinePeers func() []netip.Addr
	// SendPunchInfo sends a PunchInfo(reply=false) to peer via the server
	// relay, per the punch requester task.
	SendPunchInfo func(peer netip.Addr) error
	// RunPunch executes one punch attempt; wraps punch.Engine.Punch with
	// the caller's lookup of the peer's current NAT profile/endpoints.
	RunPunch func(job PunchJob) error
}

// Scheduler owns every periodic maintenance task for one node.
type Scheduler struct {
	log    zerolog.Logger
	device *deviceinfo.Cell
	routes *routetable.Table
	peers  *peerstore.Store
	cb     Callbacks
	clock  *HandshakeClock
	queues *punchQueues

	localIP netip.Addr
	rand    *rand.Rand

	attempt int
}

// New constructs a Scheduler. localIP is this node's own virtual address,
// used by the punch requester's `peer > local` tie-breaking predicate.
func New(log zerolog.Logger, device *deviceinfo.Cell, routes *routetable.Table, peers *peerstore.Store, localIP netip.Addr, cb Callbacks) *Scheduler {
	return &Scheduler{
		log:     log.With().Str("component", "maintain").Logger(),
		device:  device,
		routes:  routes,
		peers:   peers,
		cb:      cb,
		clock:   NewHandshakeClock(handshakeMinInterval),
		queues:  newPunchQueues(),
		localIP: localIP,
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// EnqueuePunch submits a punch job to the appropriate bounded queue,
// replacing any stale queued job of the same (role, peer NAT type) kind.
func (s *Scheduler) EnqueuePunch(role InitiatorRole, job PunchJob) {
	s.queues.Enqueue(role, job.Peer.NAT, job)
}

// Run starts every periodic task and the four punch-executor workers; it
// blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	spawn := func(f func()) {
		wg.Add(1)
		go func() { defer wg.Done(); f() }()
	}
	spawn(func() { s.runGatewayWatchdog(ctx) })
	spawn(func() { s.runIdleSweep(ctx) })
	spawn(func() { s.runPunchRequester(ctx) })
	for key, ch := range s.queues.channels() {
		key, ch := key, ch
		spawn(func() { s.runPunchWorker(ctx, key, ch) })
	}
	wg.Wait()
}

func (s *Scheduler) runGatewayWatchdog(ctx context.Context) {
	t := time.NewTimer(gatewayWatchdogInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.gatewayTick(ctx)
			t.Reset(gatewayWatchdogInterval)
		}
	}
}

func (s *Scheduler) gatewayTick(ctx context.Context) {
	snap := s.device.Load()
	if snap.Status != deviceinfo.StatusOffline {
		return
	}
	if s.cb.ResolveServer != nil {
		if addr, err := s.cb.ResolveServer(ctx); err == nil && addr.IsValid() {
			s.device.SetConnectServer(addr)
		} else if err != nil {
			s.log.Debug().Err(err).Msg("gateway watchdog: resolve server failed")
		}
	}
	s.attempt++
	if s.cb.OnConnectAttempt != nil {
		s.cb.OnConnectAttempt(s.attempt)
	}
	if s.clock.TryFire(time.Now()) && s.cb.SendHandshake != nil {
		server := s.device.Load().ConnectServer
		if err := s.cb.SendHandshake(server); err != nil {
			s.log.Debug().Err(err).Msg("gateway watchdog: handshake send failed")
		}
		if s.cb.DialTCPHandshake != nil {
			tctx, cancel := context.WithTimeout(ctx, tcpHandshakeTimeout)
			if err := s.cb.DialTCPHandshake(tctx, server); err != nil {
				s.log.Debug().Err(err).Msg("gateway watchdog: tcp handshake failed")
			}
			cancel()
		}
	}
}

func (s *Scheduler) runIdleSweep(ctx context.Context) {
	next := idleSweepDefault
	t := time.NewTimer(next)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			evicted, nextTick := s.routes.Sweep()
			for _, ev := range evicted {
				s.log.Debug().Stringer("dst", ev.Dst).Msg("route evicted by idle sweep")
			}
			t.Reset(nextTick)
		}
	}
}

func (s *Scheduler) runPunchRequester(ctx context.Context) {
	count := 0
	for {
		d := sleepTable[count%len(sleepTable)]
		count++
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if s.device.Load().Status != deviceinfo.StatusConnected {
			continue
		}
		s.punchRequesterTick()
	}
}

func (s *Scheduler) punchRequesterTick() {
	if s.cb.OnlinePeers == nil || s.cb.SendPunchInfo == nil {
		return
	}
	candidates := make([]netip.Addr, 0)
	for _, peer := range s.cb.OnlinePeers() {
		if peer.Compare(s.localIP) > 0 && s.routes.NeedPunch(peer) {
			candidates = append(candidates, peer)
		}
	}
	if len(candidates) == 0 {
		return
	}
	s.rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if len(candidates) > 2 {
		candidates = candidates[:2]
	}
	for _, peer := range candidates {
		if err := s.cb.SendPunchInfo(peer); err != nil {
			s.log.Debug().Stringer("peer", peer).Err(err).Msg("punch requester: send failed")
		}
	}
}

func (s *Scheduler) runPunchWorker(ctx context.Context, key queueKey, ch chan PunchJob) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-ch:
			if s.cb.RunPunch == nil {
				continue
			}
			if err := s.cb.RunPunch(job); err != nil {
				s.log.Debug().Str("role", roleString(key.role)).Str("peer_nat", key.nat.String()).Err(err).Msg("punch worker: attempt failed")
			}
		}
	}
}

func roleString(r InitiatorRole) string {
	if r == InitiatorPeer {
		return "peer"
	}
	return "self"
}
