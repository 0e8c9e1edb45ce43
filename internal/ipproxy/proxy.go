package ipproxy

import (
	"context"
	"net/netip"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/rs/zerolog"

	"github.com/vnt-go/vnt/internal/channel"
)

// defaultUDPIdleExpiry bounds how long a UDP flow's reverse socket is kept
// open with no activity before it is torn down (spec §4.9).
const defaultUDPIdleExpiry = 2 * time.Minute

// Proxy is the transparent IP proxy gate wired into the handler package:
// it dispatches each inner IPv4 packet to the TCP or UDP sub-proxy by
// protocol number, satisfying handler.ProxyGate as a single collaborator.
type Proxy struct {
	tcp *TCPProxy
	udp *UDPProxy
}

// New constructs a Proxy with its own ephemeral TCP listener and a UDP
// sub-proxy that sends replies back through send.
func New(log zerolog.Logger, allow *AllowList, send SendBack, bindSourcePort bool) (*Proxy, error) {
	tcp, err := NewTCPProxy(log, allow, bindSourcePort)
	if err != nil {
		return nil, err
	}
	udp := NewUDPProxy(log, allow, send, defaultUDPIdleExpiry)
	return &Proxy{tcp: tcp, udp: udp}, nil
}

// Run starts the TCP listener's accept loop until ctx is cancelled.
func (p *Proxy) Run(ctx context.Context) { p.tcp.Run(ctx) }

// Allowed delegates to the TCP sub-proxy's allow-list (shared with UDP).
func (p *Proxy) Allowed(dst netip.Addr) bool { return p.tcp.Allowed(dst) }

// HandleIPv4 routes the packet to whichever sub-proxy understands its
// protocol, falling through (consumed=false) for anything else.
func (p *Proxy) HandleIPv4(key channel.RouteKey, packet []byte) (bool, error) {
	ipHdr, err := ipv4.ParseHeader(packet)
	if err != nil {
		return false, err
	}
	switch ipHdr.Protocol {
	case tcpProtocolNumber:
		return p.tcp.HandleIPv4(key, packet)
	case udpProtocolNumber:
		return p.udp.HandleIPv4(key, packet)
	default:
		return false, nil
	}
}
