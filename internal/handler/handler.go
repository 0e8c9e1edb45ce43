// Package handler implements the client packet dispatch table of spec
// §4.8: once a datagram is authenticated and decrypted, it is routed by
// (protocol, transport-protocol) to one of a fixed set of plain function
// values — no interface-based dynamic dispatch, per §9's redesign note
// favoring a flat switch over a virtual-call table, which also matches the
// teacher's own preference for concrete handler functions over registered
// interfaces (`pkg/atlas/server.go`'s route handlers are plain methods, not
// a plugin registry).
package handler

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/rs/zerolog"

	"github.com/vnt-go/vnt/internal/channel"
	"github.com/vnt-go/vnt/internal/cipher"
	"github.com/vnt-go/vnt/internal/peerstore"
	"github.com/vnt-go/vnt/internal/routetable"
	"github.com/vnt-go/vnt/internal/wire"
	"github.com/vnt-go/vnt/internal/wireformat"
)

// Sender is the subset of channel.Context used to emit replies.
type Sender interface {
	SendByKey(buf []byte, key channel.RouteKey) error
}

// ProxyGate consults the in-ip/out-ip allow-list and, if allowed, hands an
// inner IPv4 packet to the transparent IP proxy (C9). It reports whether
// the packet was consumed (true) or should fall through to the tun device
// (false), mirroring §4.9's `recv_handle` return convention.
type ProxyGate interface {
	Allowed(dst netip.Addr) bool
	HandleIPv4(key channel.RouteKey, packet []byte) (consumed bool, err error)
}

// TunWriter is the collaborator interface the core depends on for local
// delivery of tunneled IP payloads (spec §1/§6 Non-goal: tun I/O itself is
// out of scope here).
type TunWriter interface {
	WriteIPv4(packet []byte) error
}

// PunchReplyQueue offers a reply PunchInfo to the punch-executor's bounded
// queues (§4.7); it reports whether the dispatch was accepted.
type PunchReplyQueue interface {
	TryEnqueue(peer netip.Addr, nat peerstore.NATType, reply wireformat.PunchInfo, key channel.RouteKey) bool
}

// LocalProfile supplies this node's own NAT profile for PunchInfo replies.
type LocalProfile func() peerstore.NATProfile

// Handler dispatches authenticated, decrypted overlay packets.
type Handler struct {
	log       zerolog.Logger
	env       cipher.Envelope
	routes    *routetable.Table
	peers     *peerstore.Store
	send      Sender
	proxy     ProxyGate
	tun       TunWriter
	punchQ    PunchReplyQueue
	local     LocalProfile
	localIP   netip.Addr
	broadcast netip.Addr
	relayOnly bool
	now       func() time.Time
}

// Config bundles Handler's dependencies.
type Config struct {
	Log       zerolog.Logger
	Envelope  cipher.Envelope
	Routes    *routetable.Table
	Peers     *peerstore.Store
	Sender    Sender
	Proxy     ProxyGate
	Tun       TunWriter
	PunchQ    PunchReplyQueue
	Local     LocalProfile
	LocalIP   netip.Addr
	Broadcast netip.Addr
	RelayOnly bool
}

// New constructs a Handler.
func New(cfg Config) *Handler {
	return &Handler{
		log:       cfg.Log.With().Str("component", "handler").Logger(),
		env:       cfg.Envelope,
		routes:    cfg.Routes,
		peers:     cfg.Peers,
		send:      cfg.Sender,
		proxy:     cfg.Proxy,
		tun:       cfg.Tun,
		punchQ:    cfg.PunchQ,
		local:     cfg.Local,
		localIP:   cfg.LocalIP,
		broadcast: cfg.Broadcast,
		relayOnly: cfg.RelayOnly,
		now:       time.Now,
	}
}

// Handle authenticates, decrypts, and dispatches one inbound datagram.
// Every error path is a silent drop per §7; Handle never returns an error
// to a caller that would otherwise react to malformed or unauthenticated
// input, matching the spec's "drop silently" policy — the returned error
// exists only so callers can log/count it, not branch on it.
func (h *Handler) Handle(key channel.RouteKey, raw []byte) error {
	pkt, err := wire.Parse(raw)
	if err != nil {
		return fmt.Errorf("handler: %w", err)
	}
	plaintext, err := h.env.Open(pkt.Header, pkt.Payload)
	if err != nil {
		return fmt.Errorf("handler: %w", err)
	}

	switch pkt.Header.Protocol {
	case wire.ProtocolControl:
		return h.dispatchControl(key, pkt.Header, plaintext)
	case wire.ProtocolIPTurn:
		return h.dispatchIPTurn(key, pkt.Header, plaintext)
	case wire.ProtocolOtherTurn:
		return h.dispatchOtherTurn(key, pkt.Header, plaintext)
	default:
		return nil
	}
}

func (h *Handler) dispatchControl(key channel.RouteKey, hd wire.Header, payload []byte) error {
	switch wire.ControlType(hd.TransportProtocol) {
	case wire.ControlPing:
		return h.handlePing(key, hd)
	case wire.ControlPong:
		return h.handlePong(key, hd, payload)
	case wire.ControlPunchRequest:
		return h.handlePunchRequest(key, hd)
	case wire.ControlPunchResponse:
		return h.handlePunchResponse(key, hd)
	case wire.ControlAddrRequest:
		return h.handleAddrRequest(key, hd)
	default:
		return nil
	}
}

func (h *Handler) reply(key channel.RouteKey, hd wire.Header, ttl, sourceTTL uint8, transport uint8, payload []byte) error {
	out := wire.Header{
		Flags:             hd.Flags,
		Protocol:          hd.Protocol,
		TransportProtocol: transport,
		TTL:               ttl,
		SourceTTL:         sourceTTL,
		Source:            hd.Destination,
		Destination:       hd.Source,
	}
	buf := wire.Build(out, payload, h.env.Reserve())
	sealed, err := h.env.Seal(out, buf[wire.HeaderLen:])
	if err != nil {
		return err
	}
	full := append(buf[:wire.HeaderLen:wire.HeaderLen], sealed...)
	return h.send.SendByKey(full, key)
}

func (h *Handler) handlePing(key channel.RouteKey, hd wire.Header) error {
	metric := wire.Metric(hd.SourceTTL, hd.TTL)
	h.routes.AddRouteIfAbsent(hd.Source, routetable.Entry{Key: key, Metric: metric, RTTMicros: -1})
	payload := wire.EncodePong(wire.PongPayload{Time16: wire.Now16(h.now().UnixMilli())})
	return h.reply(key, hd, wire.MaxTTL, wire.MaxTTL, uint8(wire.ControlPong), payload)
}

func (h *Handler) handlePong(key channel.RouteKey, hd wire.Header, payload []byte) error {
	pong, err := wire.DecodePong(payload)
	if err != nil {
		return err
	}
	now16 := wire.Now16(h.now().UnixMilli())
	rtt := wire.PongRTTMillis(now16, pong.Time16)
	if rtt < 0 {
		return nil
	}
	h.routes.UpdateRTT(hd.Source, key, int64(rtt)*1000)
	return nil
}

func (h *Handler) handlePunchRequest(key channel.RouteKey, hd wire.Header) error {
	if h.relayOnly {
		return nil
	}
	h.routes.AddRouteIfAbsent(hd.Source, routetable.Entry{Key: key, Metric: 1, RTTMicros: -1})
	return h.reply(key, hd, 1, 1, uint8(wire.ControlPunchResponse), nil)
}

func (h *Handler) handlePunchResponse(key channel.RouteKey, hd wire.Header) error {
	if h.relayOnly {
		return nil
	}
	h.routes.AddRouteIfAbsent(hd.Source, routetable.Entry{Key: key, Metric: 1, RTTMicros: -1})
	return nil
}

func (h *Handler) handleAddrRequest(key channel.RouteKey, hd wire.Header) error {
	if !key.Remote.Addr().Is4() {
		return nil
	}
	a := key.Remote.Addr().As4()
	payload := make([]byte, 6)
	copy(payload[:4], a[:])
	payload[4] = byte(key.Remote.Port() >> 8)
	payload[5] = byte(key.Remote.Port())
	return h.reply(key, hd, wire.MaxTTL, wire.MaxTTL, uint8(wire.ControlAddrResponse), payload)
}

func (h *Handler) dispatchOtherTurn(key channel.RouteKey, hd wire.Header, payload []byte) error {
	if h.relayOnly {
		return nil
	}
	if wire.OtherTurnType(hd.TransportProtocol) != wire.OtherTurnPunch {
		return nil
	}
	info, err := wireformat.DecodePunchInfo(payload)
	if err != nil {
		return err
	}
	profile := PunchInfoToProfile(info)
	h.peers.SetNATProfile(hd.Source, profile)
	if info.Reply || h.punchQ == nil || h.local == nil {
		return nil
	}
	replyInfo := ProfileToPunchInfo(h.local(), true)
	h.punchQ.TryEnqueue(hd.Source, profile.Type, replyInfo, key)
	return nil
}

// PunchInfoToProfile reconstructs a peer NAT profile from a decoded
// PunchInfo, back-filling legacy singleton fields per spec §4.8's
// "OtherTurn/Punch" handling. Exported so pkg/overlaynet's punch-queue
// adapter can reuse the same conversion when building a punch job from the
// PunchInfo it is handed, instead of re-deriving the field mapping.
func PunchInfoToProfile(info wireformat.PunchInfo) peerstore.NATProfile {
	p := peerstore.NATProfile{
		PublicIPs:       info.PublicIPList,
		PublicPorts:     info.PublicPorts,
		PublicPortRange: info.PublicPortRange,
		LocalIPv4:       info.LocalIP,
		GlobalIPv6:      info.IPv6,
		UDPPorts:        info.UDPPorts,
		TCPPort:         info.TCPPort,
		Type:            peerstore.NATType(info.NATType),
	}
	p.BackfillLegacy(info.PublicPort, info.LocalPort)
	p.Normalize()
	return p
}

// ProfileToPunchInfo is the inverse of PunchInfoToProfile, used both for
// punch-reply generation here and for the scheduler's outbound
// PunchInfo(reply=false) in pkg/overlaynet.
func ProfileToPunchInfo(p peerstore.NATProfile, reply bool) wireformat.PunchInfo {
	return wireformat.PunchInfo{
		Reply:           reply,
		PublicIPList:    p.PublicIPs,
		PublicPorts:     p.PublicPorts,
		PublicPortRange: p.PublicPortRange,
		LocalIP:         p.LocalIPv4,
		TCPPort:         p.TCPPort,
		UDPPorts:        p.UDPPorts,
		IPv6:            p.GlobalIPv6,
		NATType:         uint8(p.Type),
	}
}
