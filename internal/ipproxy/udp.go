package ipproxy

import (
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/rs/zerolog"

	"github.com/vnt-go/vnt/internal/channel"
)

const udpProtocolNumber = 17

// udpFlow is one NATed UDP flow: a dedicated socket dialed to the flow's
// real destination, with a read-back loop that retargets replies to the
// original source via the proxy's SendBack.
type udpFlow struct {
	conn *net.UDPConn
}

// UDPProxy is the UDP analogue of TCPProxy. Because UDP has no
// handshake/close signal, flows expire on inactivity rather than on
// half-close (spec §4.9's "mapping-expiry" rule for UDP).
type UDPProxy struct {
	log   zerolog.Logger
	nat   *NATTable
	allow *AllowList

	mu    sync.Mutex
	flows map[FlowKey]*udpFlow

	send SendBack
	idle time.Duration
}

// SendBack delivers a reply datagram, rewritten back to look like it came
// from the original destination, to the overlay peer that owns key.
type SendBack interface {
	SendReply(key channel.RouteKey, packet []byte) error
}

// NewUDPProxy constructs a proxy with the given inactivity expiry.
func NewUDPProxy(log zerolog.Logger, allow *AllowList, send SendBack, idleExpiry time.Duration) *UDPProxy {
	return &UDPProxy{
		log:   log.With().Str("component", "ipproxy-udp").Logger(),
		nat:   NewNATTable(),
		allow: allow,
		flows: make(map[FlowKey]*udpFlow),
		send:  send,
		idle:  idleExpiry,
	}
}

// Allowed delegates to the configured allow-list.
func (p *UDPProxy) Allowed(dst netip.Addr) bool { return p.allow.Allowed(dst) }

// HandleIPv4 opens (or reuses) a per-flow UDP socket to the packet's real
// destination, records the original tuple, forwards the payload, and
// reports consumed=true: unlike TCP, UDP has no local-stack handshake to
// complete against a listener, so the caller does not also deliver this
// packet to tun.
func (p *UDPProxy) HandleIPv4(key channel.RouteKey, packet []byte) (bool, error) {
	ipHdr, err := ipv4.ParseHeader(packet)
	if err != nil {
		return false, err
	}
	if ipHdr.Protocol != udpProtocolNumber {
		return false, nil
	}
	udp := packet[ipHdr.Len:]
	if len(udp) < 8 {
		return false, nil
	}

	srcIP, _ := netip.AddrFromSlice(ipHdr.Src.To4())
	dstIP, _ := netip.AddrFromSlice(ipHdr.Dst.To4())
	srcPort := uint16(udp[0])<<8 | uint16(udp[1])
	dstPort := uint16(udp[2])<<8 | uint16(udp[3])
	payload := udp[8:]

	flowKey := FlowKey{SrcIP: srcIP, SrcPort: srcPort}
	p.nat.Insert(flowKey, FlowMapping{DstIP: dstIP, DstPort: dstPort})

	flow, err := p.flowFor(flowKey, dstIP, dstPort, key)
	if err != nil {
		return true, err
	}
	_, err = flow.conn.Write(payload)
	return true, err
}

func (p *UDPProxy) flowFor(flowKey FlowKey, dstIP netip.Addr, dstPort uint16, routeKey channel.RouteKey) (*udpFlow, error) {
	p.mu.Lock()
	f, ok := p.flows[flowKey]
	p.mu.Unlock()
	if ok {
		return f, nil
	}

	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(netip.AddrPortFrom(dstIP, dstPort)))
	if err != nil {
		return nil, err
	}
	f = &udpFlow{conn: conn}
	p.mu.Lock()
	p.flows[flowKey] = f
	p.mu.Unlock()

	go p.readBack(flowKey, dstIP, dstPort, conn, routeKey)
	return f, nil
}

// readBack copies reply datagrams from the real destination back toward
// the original overlay peer, reconstructing the IPv4+UDP header so the
// payload still looks like it came from (dstIP, dstPort).
func (p *UDPProxy) readBack(flowKey FlowKey, dstIP netip.Addr, dstPort uint16, conn *net.UDPConn, routeKey channel.RouteKey) {
	defer func() {
		conn.Close()
		p.mu.Lock()
		delete(p.flows, flowKey)
		p.mu.Unlock()
		p.nat.Remove(flowKey)
	}()
	conn.SetReadDeadline(time.Now().Add(p.idle))
	buf := make([]byte, 65535)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(p.idle))
		packet := buildUDPReply(dstIP, dstPort, flowKey.SrcIP, flowKey.SrcPort, buf[:n])
		if err := p.send.SendReply(routeKey, packet); err != nil {
			return
		}
	}
}

func buildUDPReply(srcIP netip.Addr, srcPort uint16, dstIP netip.Addr, dstPort uint16, payload []byte) []byte {
	udpLen := 8 + len(payload)
	packet := make([]byte, 20+udpLen)

	packet[0] = 0x45
	packet[2] = byte(len(packet) >> 8)
	packet[3] = byte(len(packet))
	packet[8] = 64
	packet[9] = udpProtocolNumber
	s, d := srcIP.As4(), dstIP.As4()
	copy(packet[12:16], s[:])
	copy(packet[16:20], d[:])
	ipSum := checksum(packet[:20])
	packet[10], packet[11] = byte(ipSum>>8), byte(ipSum)

	udp := packet[20:]
	udp[0], udp[1] = byte(srcPort>>8), byte(srcPort)
	udp[2], udp[3] = byte(dstPort>>8), byte(dstPort)
	udp[4], udp[5] = byte(udpLen>>8), byte(udpLen)
	copy(udp[8:], payload)

	return packet
}
