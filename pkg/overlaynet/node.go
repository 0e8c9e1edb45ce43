// Package overlaynet provides Node, the top-level type that owns and wires
// every core component (C1-C9) plus the ambient collaborators (A1-A4),
// mirroring how pkg/atlas.Server is the single owner of the teacher's
// components: one struct holding every subsystem, a New constructor that
// validates config and builds them in dependency order, and a Run(ctx)
// that starts their background loops and blocks until ctx is cancelled.
package overlaynet

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/rand"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vnt-go/vnt/internal/channel"
	"github.com/vnt-go/vnt/internal/cipher"
	"github.com/vnt-go/vnt/internal/config"
	"github.com/vnt-go/vnt/internal/deviceinfo"
	"github.com/vnt-go/vnt/internal/handler"
	"github.com/vnt-go/vnt/internal/ipproxy"
	"github.com/vnt-go/vnt/internal/maintain"
	"github.com/vnt-go/vnt/internal/metricsx"
	"github.com/vnt-go/vnt/internal/natprobe"
	"github.com/vnt-go/vnt/internal/peerstore"
	"github.com/vnt-go/vnt/internal/punch"
	"github.com/vnt-go/vnt/internal/routetable"
	"github.com/vnt-go/vnt/internal/tundev"
	"github.com/vnt-go/vnt/internal/wire"
	"github.com/vnt-go/vnt/internal/wireformat"
)

const (
	routeIdleTimeout     = 30 * time.Second
	routeIdleSleep       = 3 * time.Second
	routeIdleTimeoutTick = 100 * time.Millisecond
)

// Node is the fully wired overlay client.
type Node struct {
	log     zerolog.Logger
	cfg     config.Config
	metrics *metricsx.Metrics

	device  *deviceinfo.Cell
	peers   *peerstore.Store
	routes  *routetable.Table
	ch      *channel.Context
	env     cipher.Envelope
	handler *handler.Handler
	sched   *maintain.Scheduler
	proxy   *ipproxy.Proxy
	tun     tundev.Device
	punch   *punch.Engine

	serverPubKey *rsa.PublicKey
	handshakeKey []byte

	localIP netip.Addr
	rand    *rand.Rand

	closeOnce sync.Once
}

// New validates cfg and constructs every subsystem, in the dependency
// order each one needs. tun may be nil, in which case tunneled IPv4
// payloads are decrypted and dispatched but never delivered locally
// (useful for tests and for relay-only deployments).
func New(log zerolog.Logger, cfg config.Config, tun tundev.Device) (*Node, error) {
	if cfg.Server == "" {
		return nil, fmt.Errorf("overlaynet: no server configured")
	}

	localIP := cfg.AssignIP
	n := &Node{
		log:     log.With().Str("component", "overlaynet").Logger(),
		cfg:     cfg,
		metrics: metricsx.New(),
		device: deviceinfo.NewCell(deviceinfo.Snapshot{
			VirtualIP: localIP,
			Status:    deviceinfo.StatusConnecting,
		}),
		peers:   peerstore.New(),
		routes:  routetable.New(routeIdleTimeout, routeIdleSleep, routeIdleTimeoutTick),
		localIP: localIP,
		tun:     tun,
		rand:    rand.New(rand.NewSource(seedFromIP(localIP))),
	}

	env, err := buildEnvelope(cfg)
	if err != nil {
		return nil, fmt.Errorf("overlaynet: build envelope: %w", err)
	}
	n.env = env

	if cfg.ServerPublicKeyPEM != "" {
		pub, err := parseRSAPublicKeyPEM(cfg.ServerPublicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("overlaynet: parse server public key: %w", err)
		}
		n.serverPubKey = pub
	}

	channelType := channelTypeFor(cfg.ChannelType)
	addrs := socketAddrs(cfg)
	ch, err := channel.New(log, addrs, true, channelType)
	if err != nil {
		return nil, fmt.Errorf("overlaynet: bind channel sockets: %w", err)
	}
	n.ch = ch

	allow := &ipproxy.AllowList{Allow: cfg.OutIPs}
	proxy, err := ipproxy.New(log, allow, udpSendBack{n}, false)
	if err != nil {
		return nil, fmt.Errorf("overlaynet: init ip proxy: %w", err)
	}
	n.proxy = proxy

	n.handler = handler.New(handler.Config{
		Log:      log,
		Envelope: env,
		Routes:   n.routes,
		Peers:    n.peers,
		Sender:   n.ch,
		Proxy:    n.proxy,
		Tun:      tun,
		PunchQ:   &punchReplyAdapter{node: n},
		Local: func() peerstore.NATProfile {
			p, _ := n.peers.NATProfile(localIP)
			return p
		},
		LocalIP:   localIP,
		Broadcast: n.device.Load().Broadcast,
		RelayOnly: channelType == channel.ChannelRelayOnly,
	})

	relayOnly := channelType == channel.ChannelRelayOnly
	n.punch = punchEngineFor(log, ch, punchModelFor(cfg.PunchModel), relayOnly, n.rand)

	n.sched = maintain.New(log, n.device, n.routes, n.peers, localIP, n.schedulerCallbacks())

	return n, nil
}

// Run starts the channel inbound loop, the maintenance scheduler, and the
// IP proxy's TCP accept loop, blocking until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		n.proxy.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		n.sched.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		n.serveInbound(ctx)
	}()

	if n.tun != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.serveTun(ctx)
		}()
	}

	<-ctx.Done()
	n.Close()
	wg.Wait()
	return nil
}

// Close releases every socket the node holds. Safe to call more than once.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		n.ch.Close()
	})
	return nil
}

func (n *Node) serveInbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-n.ch.Inbound():
			if !ok {
				return
			}
			n.metrics.ChannelRecv()
			if err := n.handler.Handle(in.Key, in.Data); err != nil {
				n.log.Debug().Err(err).Msg("dropped inbound packet")
			}
		}
	}
}

// serveTun reads IPv4 packets written locally, routes them by inner
// destination, and seals+sends them over the channel to whatever route the
// route table currently prefers for that destination.
func (n *Node) serveTun(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		packet, err := n.tun.ReadIPv4()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			n.log.Warn().Err(err).Msg("tun read error")
			continue
		}
		dst, ok := innerIPv4Dest(packet)
		if !ok {
			continue
		}
		entry, ok := n.routes.Route(dst)
		if !ok {
			continue
		}
		hd := wire.Header{
			Protocol:          wire.ProtocolIPTurn,
			TransportProtocol: uint8(wire.IPTurnIPv4),
			TTL:               wire.MaxTTL,
			SourceTTL:         wire.MaxTTL,
			Source:            n.localIP,
			Destination:       dst,
		}
		buf := wire.Build(hd, packet, n.env.Reserve())
		sealed, err := n.env.Seal(hd, buf[wire.HeaderLen:])
		if err != nil {
			n.log.Debug().Err(err).Msg("seal outbound tun packet")
			continue
		}
		out := append(buf[:wire.HeaderLen:wire.HeaderLen], sealed...)
		if err := n.ch.SendByKey(out, entry.Key); err != nil {
			n.metrics.ChannelSendError()
			continue
		}
		n.metrics.ChannelSent()
	}
}

func innerIPv4Dest(packet []byte) (netip.Addr, bool) {
	if len(packet) < 20 || packet[0]>>4 != 4 {
		return netip.Addr{}, false
	}
	return netip.AddrFrom4([4]byte(packet[16:20])), true
}

func buildEnvelope(cfg config.Config) (cipher.Envelope, error) {
	var suite cipher.Suite
	switch cfg.Cipher {
	case config.CipherAESGCM:
		suite = cipher.SuiteAESGCM
	case config.CipherAESCBCMAC:
		suite = cipher.SuiteAESCBC
	case config.CipherAESECB:
		suite = cipher.SuiteAESECB
	case config.CipherSM4CBC:
		suite = cipher.SuiteSM4CBC
	default:
		suite = cipher.SuiteNone
	}
	var fp []byte
	if cfg.Fingerprint {
		fp = []byte(cfg.Secret)
	}
	return cipher.New(suite, []byte(cfg.Secret), fp)
}

func channelTypeFor(ct config.ChannelType) channel.ChannelType {
	switch ct {
	case config.ChannelP2P:
		return channel.ChannelP2POnly
	case config.ChannelRelay:
		return channel.ChannelRelayOnly
	default:
		return channel.ChannelAll
	}
}

func socketAddrs(cfg config.Config) []netip.AddrPort {
	ports := cfg.Ports
	if len(ports) == 0 {
		ports = []int{0}
	}
	addrs := make([]netip.AddrPort, len(ports))
	for i, p := range ports {
		addrs[i] = netip.AddrPortFrom(netip.IPv4Unspecified(), uint16(p))
	}
	return addrs
}

func seedFromIP(ip netip.Addr) int64 {
	if !ip.IsValid() {
		return time.Now().UnixNano()
	}
	b := ip.As4()
	return int64(b[0])<<24 | int64(b[1])<<16 | int64(b[2])<<8 | int64(b[3]) | time.Now().UnixNano()
}

// udpSendBack adapts Node to ipproxy.SendBack, wrapping a reply IP packet
// back into an overlay IpTurn/Ipv4 datagram addressed to the original
// overlay source before handing it to the channel.
type udpSendBack struct{ n *Node }

func (s udpSendBack) SendReply(key channel.RouteKey, packet []byte) error {
	dst, ok := innerIPv4Dest(packet)
	if !ok {
		return fmt.Errorf("overlaynet: reply packet has no IPv4 header")
	}
	hd := wire.Header{
		Protocol:          wire.ProtocolIPTurn,
		TransportProtocol: uint8(wire.IPTurnIPv4),
		TTL:               wire.MaxTTL,
		SourceTTL:         wire.MaxTTL,
		Source:            s.n.localIP,
		Destination:       dst,
	}
	buf := wire.Build(hd, packet, s.n.env.Reserve())
	sealed, err := s.n.env.Seal(hd, buf[wire.HeaderLen:])
	if err != nil {
		return err
	}
	out := append(buf[:wire.HeaderLen:wire.HeaderLen], sealed...)
	return s.n.ch.SendByKey(out, key)
}

// ProbeNAT runs a one-shot STUN probe against servers and caches the
// result as this node's own NATProfile, used both to seed PunchInfo
// replies (via schedulerCallbacks) and to decide the local Cone/Symmetric
// punch strategy in punch.LocalInfo. Safe to call again later to
// re-classify after a network change.
func (n *Node) ProbeNAT(servers []string) error {
	profile, err := natprobe.Probe(n.log, servers, nil)
	if err != nil {
		return err
	}
	n.peers.SetNATProfile(n.localIP, profile)
	return nil
}

// MetricsHandler exposes the node's VictoriaMetrics counters in the
// Prometheus text exposition format, mirroring how the teacher wires
// nspkt.DebugMonitorHandler onto its own debug mux in cmd/atlas/main.go.
func (n *Node) MetricsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.metrics.WritePrometheus(w)
	})
}

// punchEngineFor builds a punch.Engine sharing a single PortVector and
// ScheduleState across every peer, per spec §4.6's "shared shuffled port
// vector" design.
func punchEngineFor(log zerolog.Logger, ch *channel.Context, model punch.Model, relayOnly bool, rnd *rand.Rand) *punch.Engine {
	vector := punch.NewPortVector(rnd)
	sched := punch.NewScheduleState()
	return punch.New(log, ch, model, relayOnly, vector, sched, rnd)
}

func punchModelFor(m config.PunchModel) punch.Model {
	switch m {
	case config.PunchModelIPv4:
		return punch.ModelIPv4
	case config.PunchModelIPv6:
		return punch.ModelIPv6
	default:
		return punch.ModelAll
	}
}

func parseRSAPublicKeyPEM(s string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return rsaPub, nil
}

func wireformatHandshake(cfg config.Config) []byte {
	req := wireformat.HandshakeRequest{
		Secret:  cfg.Secret != "",
		Version: "1",
	}
	return req.Encode()
}
