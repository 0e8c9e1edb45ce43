package handler

import (
	"net"
	"net/netip"

	"golang.org/x/net/ipv4"

	"github.com/vnt-go/vnt/internal/channel"
	"github.com/vnt-go/vnt/internal/wire"
)

const (
	icmpProtocolNumber  = 1
	icmpTypeEchoRequest = 8
	icmpTypeEchoReply   = 0
)

func (h *Handler) dispatchIPTurn(key channel.RouteKey, hd wire.Header, payload []byte) error {
	switch wire.IPTurnType(hd.TransportProtocol) {
	case wire.IPTurnIPv4:
		return h.handleIPv4(key, hd, payload)
	case wire.IPTurnIPv4Broadcast:
		if h.tun != nil {
			return h.tun.WriteIPv4(payload)
		}
		return nil
	default:
		return nil
	}
}

func (h *Handler) handleIPv4(key channel.RouteKey, hd wire.Header, payload []byte) error {
	ipHdr, err := ipv4.ParseHeader(payload)
	if err != nil || len(payload) < ipHdr.Len {
		if h.tun != nil {
			return h.tun.WriteIPv4(payload)
		}
		return err
	}

	innerDst, ok := netAddrToAddr(ipHdr.Dst)
	if ok && ipHdr.Protocol == icmpProtocolNumber && innerDst == hd.Destination {
		icmp := payload[ipHdr.Len:]
		if len(icmp) >= 8 && icmp[0] == icmpTypeEchoRequest {
			return h.reflectICMPEcho(key, hd, payload, ipHdr.Len)
		}
	}

	if !ok || isOverlayBroadcastLike(innerDst) || innerDst == h.broadcast {
		if h.tun != nil {
			return h.tun.WriteIPv4(payload)
		}
		return nil
	}

	if innerDst != hd.Destination {
		if h.proxy == nil || !h.proxy.Allowed(innerDst) {
			return nil
		}
		consumed, err := h.proxy.HandleIPv4(key, payload)
		if err != nil || consumed {
			return err
		}
	}

	if h.tun != nil {
		return h.tun.WriteIPv4(payload)
	}
	return nil
}

// reflectICMPEcho synthesizes an EchoReply in place: swaps the ICMP type
// and recomputes both checksums, then swaps the overlay header's
// source/destination and re-seals, returning the reply on the same
// route-key — a latency optimization for ping-to-self (spec §4.8).
func (h *Handler) reflectICMPEcho(key channel.RouteKey, hd wire.Header, payload []byte, ipHdrLen int) error {
	buf := append([]byte(nil), payload...)
	icmp := buf[ipHdrLen:]
	icmp[0] = icmpTypeEchoReply
	icmp[2], icmp[3] = 0, 0
	sum := checksum(icmp)
	icmp[2] = byte(sum >> 8)
	icmp[3] = byte(sum)

	ipHeader := buf[:ipHdrLen]
	srcOff, dstOff := 12, 16
	for i := 0; i < 4; i++ {
		ipHeader[srcOff+i], ipHeader[dstOff+i] = ipHeader[dstOff+i], ipHeader[srcOff+i]
	}
	ipHeader[10], ipHeader[11] = 0, 0
	ipSum := checksum(ipHeader)
	ipHeader[10] = byte(ipSum >> 8)
	ipHeader[11] = byte(ipSum)

	return h.reply(key, hd, wire.MaxTTL, wire.MaxTTL, uint8(wire.IPTurnIPv4), buf)
}

// checksum computes the Internet checksum (RFC 1071) ones-complement sum.
// golang.org/x/net has no exported ICMP/IP checksum helper, so this is the
// one place the corpus offers no ready-made function; the arithmetic is
// the standard textbook fold-carry algorithm.
func checksum(b []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

// isOverlayBroadcastLike reports whether dst should bypass the IP proxy
// entirely and go straight to the tun device: broadcasts, multicasts, and
// the unspecified address (spec §4.8).
func isOverlayBroadcastLike(dst netip.Addr) bool {
	return dst.IsUnspecified() || dst.IsMulticast() || dst == netip.AddrFrom4([4]byte{255, 255, 255, 255})
}

func netAddrToAddr(ip net.IP) (netip.Addr, bool) {
	v4 := ip.To4()
	if v4 == nil {
		return netip.Addr{}, false
	}
	addr, ok := netip.AddrFromSlice(v4)
	return addr, ok
}
