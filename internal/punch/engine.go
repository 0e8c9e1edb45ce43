// Package punch implements the NAT hole-punching engine (spec §4.6): given
// a peer's NAT profile, it produces and executes a send plan over UDP and,
// where available, a blocking TCP connect path. Grounded on the teacher's
// general socket-handling style (`pkg/nspkt/listener.go`) generalized from
// "read one fixed socket" to "try many candidate endpoints under a
// deadline", since the teacher itself has no hole-punching code of its own.
package punch

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"time"

	"github.com/rs/zerolog"

	"github.com/vnt-go/vnt/internal/peerstore"
)

// interSendPause separates successive sends to avoid kernel drop under
// burst (spec §4.6).
const interSendPause = 2 * time.Millisecond

// tcpDialTimeout bounds each blocking TCP connect attempt (spec §4.6).
const tcpDialTimeout = 3 * time.Second

const (
	fineRangeK1        = 60
	fineRangeThreshold = 3 * fineRangeK1
	broadPhaseMin      = 600
	broadPhaseMax      = 800
)

// Model restricts which address families the punch engine will attempt,
// mirroring the CLI's punch_model surface (spec §6).
type Model uint8

const (
	ModelAll Model = iota
	ModelIPv4
	ModelIPv6
)

// Sender is the subset of channel.Context the punch engine needs: raw UDP
// sends addressed by main-socket index, and the fan-out primitive used
// against Symmetric local NATs.
type Sender interface {
	SendMainUDP(index int, buf []byte, addr netip.AddrPort) error
	TrySendAll(buf []byte, addr netip.AddrPort)
	ChannelNum() int
}

// LocalInfo describes this node's own reachability, used to decide the
// Cone-vs-Symmetric fan-out strategy and whether a TCP path is offered.
type LocalInfo struct {
	NAT     peerstore.NATType
	TCPPort uint16
}

// Endpoints describes the remote peer's known reachable addresses, derived
// from its cached NATProfile plus its advertised local addresses.
type Endpoints struct {
	LocalUDPv4 []netip.AddrPort // indexed by the peer's own channel index
	LocalUDPv6 []netip.AddrPort

	LocalTCPv4 netip.AddrPort
	LocalTCPv6 netip.AddrPort
	TCPPort    uint16

	PublicIPs       []netip.Addr
	PublicPorts     []uint16
	PublicPortRange uint16
	NAT             peerstore.NATType
}

// publicTCPv4 returns the peer's public TCP endpoint, only offered when the
// peer is Cone with exactly one public IP (spec §4.6).
func (e Endpoints) publicTCPv4() (netip.AddrPort, bool) {
	if e.NAT != peerstore.NATCone || len(e.PublicIPs) != 1 || e.TCPPort == 0 {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(e.PublicIPs[0], e.TCPPort), true
}

// Engine executes punch plans against peers, on behalf of a single node.
type Engine struct {
	log     zerolog.Logger
	send    Sender
	model   Model
	relay   bool // true when channel type is relay-only: Punch sends nothing on either path
	vector  *PortVector
	sched   *ScheduleState
	rand    *rand.Rand
}

// New constructs an Engine. vector and sched are shared across all peers;
// rnd drives the fine-range phase's sampling and the broad phase's k2 draw.
func New(log zerolog.Logger, send Sender, model Model, relayOnly bool, vector *PortVector, sched *ScheduleState, rnd *rand.Rand) *Engine {
	return &Engine{
		log:    log.With().Str("component", "punch").Logger(),
		send:   send,
		model:  model,
		relay:  relayOnly,
		vector: vector,
		sched:  sched,
		rand:   rnd,
	}
}

// ErrNoRoute is returned when neither the TCP nor UDP path could be
// attempted at all (e.g. no addresses known for the peer).
var ErrNoRoute = errors.New("punch: no reachable endpoint for peer")

// Punch attempts to establish a direct route to peerIP. needPunch is the
// caller's already-evaluated routetable.Table.NeedPunch(peerIP) result
// (spec §4.6's Gate); when false, Punch is a no-op. onTCP, if the TCP path
// succeeds, receives the established connection so the caller can hand it
// to channel.Context as a TCPTransport; Punch itself writes payload as the
// connection's first frame before invoking onTCP.
func (e *Engine) Punch(peerIP netip.Addr, needPunch bool, local LocalInfo, peer Endpoints, payload []byte, onTCP func(net.Conn)) error {
	if !needPunch || e.relay {
		return nil
	}

	if local.TCPPort != 0 && peer.TCPPort != 0 {
		if conn, ok := e.tryTCP(peer); ok {
			if err := writeFramed(conn, payload); err != nil {
				conn.Close()
			} else if onTCP != nil {
				onTCP(conn)
			}
			return nil
		}
	}

	return e.punchUDP(peerIP, local, peer, payload)
}

func (e *Engine) tryTCP(peer Endpoints) (net.Conn, bool) {
	candidates := make([]netip.AddrPort, 0, 3)
	if peer.LocalTCPv6.IsValid() {
		candidates = append(candidates, peer.LocalTCPv6)
	}
	if peer.LocalTCPv4.IsValid() {
		candidates = append(candidates, peer.LocalTCPv4)
	}
	if pub, ok := peer.publicTCPv4(); ok {
		candidates = append(candidates, pub)
	}
	for _, c := range candidates {
		conn, err := net.DialTimeout("tcp", c.String(), tcpDialTimeout)
		if err != nil {
			e.log.Debug().Stringer("addr", c).Err(err).Msg("tcp punch attempt failed")
			continue
		}
		return conn, true
	}
	return nil, false
}

func writeFramed(conn net.Conn, payload []byte) error {
	var prefix [4]byte
	n := uint32(len(payload))
	prefix[0] = byte(n >> 24)
	prefix[1] = byte(n >> 16)
	prefix[2] = byte(n >> 8)
	prefix[3] = byte(n)
	if _, err := conn.Write(prefix[:]); err != nil {
		return err
	}
	_, err := conn.Write(payload)
	return err
}

func (e *Engine) punchUDP(peerIP netip.Addr, local LocalInfo, peer Endpoints, payload []byte) error {
	attempted := false
	n := e.send.ChannelNum()

	for i := 0; i < n && i < len(peer.LocalUDPv4); i++ {
		if !peer.LocalUDPv4[i].IsValid() {
			continue
		}
		attempted = true
		e.sendPaced(i, payload, peer.LocalUDPv4[i])
	}

	if e.model != ModelIPv4 {
		v6Sent := false
		for i := 0; i < n && i < len(peer.LocalUDPv6); i++ {
			if !peer.LocalUDPv6[i].IsValid() {
				continue
			}
			attempted = true
			v6Sent = true
			e.sendPaced(i, payload, peer.LocalUDPv6[i])
		}
		if e.model == ModelIPv6 && v6Sent {
			return nil
		}
	}

	switch peer.NAT {
	case peerstore.NATCone:
		attempted = e.punchCone(local, peer, payload, n) || attempted
	case peerstore.NATSymmetric:
		attempted = e.punchSymmetric(peerIP, peer, payload, n) || attempted
	}

	if !attempted {
		return fmt.Errorf("%w: %s", ErrNoRoute, peerIP)
	}
	return nil
}

// punchCone implements the Cone dispatch branch of §4.6 step 3: pair each
// known public port with a channel index up to the shared minimum, sending
// from exactly that channel when the local node is also Cone, or
// broadcasting from every channel (once) when the local node is Symmetric.
func (e *Engine) punchCone(local LocalInfo, peer Endpoints, payload []byte, channelNum int) bool {
	if len(peer.PublicIPs) == 0 || len(peer.PublicPorts) == 0 {
		return false
	}
	ip := peer.PublicIPs[0]
	limit := len(peer.PublicPorts)
	if channelNum < limit {
		limit = channelNum
	}
	sent := false
	for i := 0; i < limit; i++ {
		addr := netip.AddrPortFrom(ip, peer.PublicPorts[i])
		if local.NAT == peerstore.NATCone {
			e.sendPaced(i, payload, addr)
		} else {
			e.send.TrySendAll(payload, addr)
			time.Sleep(interSendPause)
		}
		sent = true
		if local.NAT != peerstore.NATCone {
			break
		}
	}
	return sent
}

// punchSymmetric implements the two-phase probabilistic port guessing of
// §4.6 step 3's Symmetric branch.
func (e *Engine) punchSymmetric(peerIP netip.Addr, peer Endpoints, payload []byte, channelNum int) bool {
	if len(peer.PublicIPs) == 0 || len(peer.PublicPorts) == 0 {
		return false
	}
	ip := peer.PublicIPs[0]
	publicPort := peer.PublicPorts[0]
	sent := false

	if int(peer.PublicPortRange) < fineRangeThreshold {
		lo := clampPort(int(publicPort) - int(peer.PublicPortRange))
		hi := clampPort(int(publicPort) + int(peer.PublicPortRange))
		ports := fineRangePorts(e.rand, lo, hi, fineRangeK1)
		for i, p := range ports {
			e.sendPaced(i%channelNum, payload, netip.AddrPortFrom(ip, p))
			sent = true
		}
	}

	if e.vector != nil && e.sched != nil {
		k2 := broadPhaseMin + e.rand.Intn(broadPhaseMax-broadPhaseMin+1)
		start := e.sched.Advance(peerIP, k2, e.vector.Len())
		ports, _ := e.vector.Slice(start, k2)
		for i, p := range ports {
			e.sendPaced(i%channelNum, payload, netip.AddrPortFrom(ip, p))
			sent = true
		}
	}
	return sent
}

func (e *Engine) sendPaced(channelIdx int, payload []byte, addr netip.AddrPort) {
	if err := e.send.SendMainUDP(channelIdx, payload, addr); err != nil {
		e.log.Debug().Stringer("addr", addr).Err(err).Msg("punch send failed")
	}
	time.Sleep(interSendPause)
}

func clampPort(p int) uint16 {
	if p < 1 {
		return 1
	}
	if p > 65535 {
		return 65535
	}
	return uint16(p)
}

// fineRangePorts draws k random, non-repeating ports from [lo, hi] (clamped)
// and returns them in shuffled order.
func fineRangePorts(r *rand.Rand, lo, hi uint16, k int) []uint16 {
	span := int(hi) - int(lo) + 1
	if span <= 0 {
		return nil
	}
	if span < k {
		k = span
	}
	all := make([]uint16, span)
	for i := range all {
		all[i] = lo + uint16(i)
	}
	r.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	return all[:k]
}
