package overlaynet

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/vnt-go/vnt/internal/channel"
	"github.com/vnt-go/vnt/internal/cipher"
	"github.com/vnt-go/vnt/internal/deviceinfo"
	"github.com/vnt-go/vnt/internal/handler"
	"github.com/vnt-go/vnt/internal/maintain"
	"github.com/vnt-go/vnt/internal/peerstore"
	"github.com/vnt-go/vnt/internal/punch"
	"github.com/vnt-go/vnt/internal/wire"
	"github.com/vnt-go/vnt/internal/wireformat"
)

// schedulerCallbacks binds maintain.Scheduler to this node's sockets,
// peer store, and punch engine without the scheduler package importing
// any of them directly (see maintain.Callbacks' doc comment).
func (n *Node) schedulerCallbacks() maintain.Callbacks {
	return maintain.Callbacks{
		ResolveServer: n.resolveServer,
		OnConnectAttempt: func(attempt int) {
			n.log.Info().Int("attempt", attempt).Msg("connecting to server")
		},
		SendHandshake:    n.sendHandshake,
		DialTCPHandshake: n.dialTCPHandshake,
		OnlinePeers: func() []netip.Addr {
			peers := n.peers.GreaterThanOnline(n.localIP)
			ips := make([]netip.Addr, len(peers))
			for i, p := range peers {
				ips[i] = p.VirtualIP
			}
			return ips
		},
		SendPunchInfo: n.sendPunchInfoToServer,
		RunPunch:      n.runPunch,
	}
}

func (n *Node) resolveServer(ctx context.Context) (netip.AddrPort, error) {
	host, port, err := net.SplitHostPort(n.cfg.Server)
	if err != nil {
		return netip.AddrPort{}, err
	}
	var r net.Resolver
	ips, err := r.LookupIP(ctx, "ip4", host)
	if err != nil || len(ips) == 0 {
		return netip.AddrPort{}, err
	}
	addr, ok := netip.AddrFromSlice(ips[0].To4())
	if !ok {
		return netip.AddrPort{}, err
	}
	p, err := netip.ParseAddrPort(addr.String() + ":" + port)
	if err != nil {
		return netip.AddrPort{}, err
	}
	n.device.SetConnectServer(p)
	return p, nil
}

func (n *Node) sendHandshake(server netip.AddrPort) error {
	hd := wire.Header{
		Protocol:    wire.ProtocolService,
		Flags:       wire.FlagGateway,
		TTL:         wire.MaxTTL,
		SourceTTL:   wire.MaxTTL,
		Source:      n.localIP,
		Destination: deviceinfo.GatewayIP,
	}
	payload, err := n.buildHandshakePayload()
	if err != nil {
		return err
	}
	buf := wire.Build(hd, payload, n.env.Reserve())
	sealed, err := n.env.Seal(hd, buf[wire.HeaderLen:])
	if err != nil {
		return err
	}
	out := append(buf[:wire.HeaderLen:wire.HeaderLen], sealed...)
	n.metrics.HandshakeSent()
	return n.ch.SendMainUDP(0, out, server)
}

func (n *Node) dialTCPHandshake(ctx context.Context, server netip.AddrPort) error {
	if !n.ch.IsMainTCP() {
		return nil
	}
	dialer := net.Dialer{}
	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, err := dialer.DialContext(dctx, "tcp", server.String())
	if err != nil {
		return err
	}
	defer conn.Close()

	hd := wire.Header{
		Protocol:    wire.ProtocolService,
		Flags:       wire.FlagGateway,
		TTL:         wire.MaxTTL,
		SourceTTL:   wire.MaxTTL,
		Source:      n.localIP,
		Destination: deviceinfo.GatewayIP,
	}
	payload, err := n.buildHandshakePayload()
	if err != nil {
		return err
	}
	buf := wire.Build(hd, payload, n.env.Reserve())
	sealed, err := n.env.Seal(hd, buf[wire.HeaderLen:])
	if err != nil {
		return err
	}
	out := append(buf[:wire.HeaderLen:wire.HeaderLen], sealed...)
	return writeFramed(conn, out)
}

// buildHandshakePayload chooses between a plain HandshakeRequest and the
// RSA-wrapped SecretHandshakeRequest of spec §4.2, depending on whether both
// a server public key and a client secret are configured. The wrapped symmetric key is cached so
// a future response can be opened with it (the response itself is out of
// this core's scope to parse further, since the rendezvous server's wire
// contract beyond the request is external per spec §1).
func (n *Node) buildHandshakePayload() ([]byte, error) {
	if n.serverPubKey == nil || n.cfg.Secret == "" {
		return wireformatHandshake(n.cfg), nil
	}
	wrapped, key, err := cipher.WrapHandshakeKey(n.serverPubKey, []byte(n.cfg.Token))
	if err != nil {
		return nil, fmt.Errorf("overlaynet: wrap handshake key: %w", err)
	}
	n.handshakeKey = key
	req := wireformat.SecretHandshakeRequest{Token: n.cfg.Token, Key: wrapped}
	return req.Encode(), nil
}

func writeFramed(conn net.Conn, payload []byte) error {
	var lenPrefix [4]byte
	lenPrefix[0] = byte(len(payload) >> 24)
	lenPrefix[1] = byte(len(payload) >> 16)
	lenPrefix[2] = byte(len(payload) >> 8)
	lenPrefix[3] = byte(len(payload))
	if _, err := conn.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := conn.Write(payload)
	return err
}

// sendPunchInfoToServer relays this node's PunchInfo(reply=false) to peer
// through the server, per the punch requester task of spec §4.7.
func (n *Node) sendPunchInfoToServer(peer netip.Addr) error {
	profile, _ := n.peers.NATProfile(n.localIP)
	info := handler.ProfileToPunchInfo(profile, false)
	payload := info.Encode()

	hd := wire.Header{
		Protocol:          wire.ProtocolOtherTurn,
		TransportProtocol: uint8(wire.OtherTurnPunch),
		TTL:               wire.MaxTTL,
		SourceTTL:         wire.MaxTTL,
		Source:            n.localIP,
		Destination:       peer,
	}
	buf := wire.Build(hd, payload, n.env.Reserve())
	sealed, err := n.env.Seal(hd, buf[wire.HeaderLen:])
	if err != nil {
		return err
	}
	out := append(buf[:wire.HeaderLen:wire.HeaderLen], sealed...)

	server := n.device.Load().ConnectServer
	return n.ch.SendMainUDP(0, out, server)
}

// runPunch executes one punch job via the shared punch.Engine.
func (n *Node) runPunch(job maintain.PunchJob) error {
	local := punch.LocalInfo{TCPPort: job.Local.TCPPort, NAT: job.Local.NAT}
	n.metrics.PunchAttempt(natPathLabel(job.Peer.NAT))
	err := n.punch.Punch(job.PeerIP, job.NeedPunch, local, job.Peer, job.Payload, job.OnTCP)
	if err == nil {
		n.metrics.PunchSuccess()
	}
	return err
}

func natPathLabel(t peerstore.NATType) string {
	if t == peerstore.NATSymmetric {
		return "symmetric_peer"
	}
	return "cone_to_cone"
}

// punchReplyAdapter satisfies handler.PunchReplyQueue by translating a
// decoded PunchInfo reply into a PunchJob and handing it to the
// scheduler's bounded punch-executor queues.
type punchReplyAdapter struct {
	node *Node
}

func (a *punchReplyAdapter) TryEnqueue(peer netip.Addr, nat peerstore.NATType, reply wireformat.PunchInfo, key channel.RouteKey) bool {
	profile := handler.PunchInfoToProfile(reply)
	endpoints := punch.Endpoints{
		PublicIPs:       profile.PublicIPs,
		PublicPorts:     profile.PublicPorts,
		PublicPortRange: profile.PublicPortRange,
		TCPPort:         profile.TCPPort,
		NAT:             profile.Type,
	}
	if profile.LocalIPv4.IsValid() {
		for _, port := range profile.UDPPorts {
			endpoints.LocalUDPv4 = append(endpoints.LocalUDPv4, netip.AddrPortFrom(profile.LocalIPv4, port))
		}
		if profile.TCPPort != 0 {
			endpoints.LocalTCPv4 = netip.AddrPortFrom(profile.LocalIPv4, profile.TCPPort)
		}
	}

	localProfile, _ := a.node.peers.NATProfile(a.node.localIP)
	job := maintain.PunchJob{
		PeerIP:    peer,
		NeedPunch: a.node.routes.NeedPunch(peer),
		Local:     punch.LocalInfo{NAT: localProfile.Type, TCPPort: localProfile.TCPPort},
		Peer:      endpoints,
		Payload:   wireformatHandshake(a.node.cfg),
	}
	a.node.sched.EnqueuePunch(maintain.InitiatorPeer, job)
	return true
}
