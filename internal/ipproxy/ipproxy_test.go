package ipproxy

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vnt-go/vnt/internal/channel"
)

func buildTCPPacket(t *testing.T, src, dst netip.Addr, srcPort, dstPort uint16) []byte {
	t.Helper()
	packet := make([]byte, 20+20)
	packet[0] = 0x45
	packet[2] = byte(len(packet) >> 8)
	packet[3] = byte(len(packet))
	packet[8] = 64
	packet[9] = tcpProtocolNumber
	s, d := src.As4(), dst.As4()
	copy(packet[12:16], s[:])
	copy(packet[16:20], d[:])
	tcp := packet[20:]
	tcp[0], tcp[1] = byte(srcPort>>8), byte(srcPort)
	tcp[2], tcp[3] = byte(dstPort>>8), byte(dstPort)
	return packet
}

func TestAllowListEmptyAllowsEverything(t *testing.T) {
	var a *AllowList
	if !a.Allowed(netip.MustParseAddr("8.8.8.8")) {
		t.Fatal("nil allow-list should allow everything")
	}
	a = &AllowList{}
	if !a.Allowed(netip.MustParseAddr("8.8.8.8")) {
		t.Fatal("empty allow-list should allow everything")
	}
}

func TestAllowListRejectsOutsidePrefixes(t *testing.T) {
	a := &AllowList{Allow: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}}
	if a.Allowed(netip.MustParseAddr("8.8.8.8")) {
		t.Fatal("expected 8.8.8.8 to be rejected")
	}
	if !a.Allowed(netip.MustParseAddr("10.1.2.3")) {
		t.Fatal("expected 10.1.2.3 to be allowed")
	}
}

func TestTCPHandleIPv4RewritesDestinationPortAndRecordsFlow(t *testing.T) {
	p, err := NewTCPProxy(zerolog.Nop(), nil, false)
	if err != nil {
		t.Fatalf("NewTCPProxy: %v", err)
	}
	src := netip.MustParseAddr("10.0.0.2")
	dst := netip.MustParseAddr("93.184.216.34")
	packet := buildTCPPacket(t, src, dst, 54321, 443)

	consumed, err := p.HandleIPv4(channel.RouteKey{}, packet)
	if err != nil {
		t.Fatalf("HandleIPv4: %v", err)
	}
	if consumed {
		t.Fatal("TCP HandleIPv4 must report consumed=false so tun still sees the handshake")
	}

	gotPort := uint16(packet[20+2])<<8 | uint16(packet[20+3])
	if gotPort != p.Port() {
		t.Fatalf("expected rewritten dst port %d, got %d", p.Port(), gotPort)
	}

	mapping, ok := p.nat.Lookup(FlowKey{SrcIP: src, SrcPort: 54321})
	if !ok || mapping.DstIP != dst || mapping.DstPort != 443 {
		t.Fatalf("expected NAT entry for original destination, got %+v ok=%v", mapping, ok)
	}
}

func TestTCPHandleIPv4IgnoresNonTCPProtocol(t *testing.T) {
	p, _ := NewTCPProxy(zerolog.Nop(), nil, false)
	packet := make([]byte, 20)
	packet[0] = 0x45
	packet[9] = udpProtocolNumber
	packet[2], packet[3] = 0, 20
	consumed, err := p.HandleIPv4(channel.RouteKey{}, packet)
	if err != nil || consumed {
		t.Fatalf("expected pass-through for non-TCP packet, got consumed=%v err=%v", consumed, err)
	}
}

type fakeSendBack struct {
	sent []byte
	key  channel.RouteKey
}

func (f *fakeSendBack) SendReply(key channel.RouteKey, packet []byte) error {
	f.sent = append(f.sent, packet...)
	f.key = key
	return nil
}

func TestUDPHandleIPv4ForwardsAndRepliesAreNATedBack(t *testing.T) {
	echo, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen echo server: %v", err)
	}
	defer echo.Close()
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 1500)
		n, addr, err := echo.ReadFromUDP(buf)
		if err != nil {
			return
		}
		echo.WriteToUDP(buf[:n], addr)
	}()

	sb := &fakeSendBack{}
	p := NewUDPProxy(zerolog.Nop(), nil, sb, time.Second)

	echoAddr := echo.LocalAddr().(*net.UDPAddr)
	dstIP, _ := netip.AddrFromSlice(echoAddr.IP.To4())
	src := netip.MustParseAddr("10.0.0.2")

	packet := make([]byte, 20+8+5)
	packet[0] = 0x45
	packet[2], packet[3] = byte(len(packet)>>8), byte(len(packet))
	packet[8] = 64
	packet[9] = udpProtocolNumber
	s, d := src.As4(), dstIP.As4()
	copy(packet[12:16], s[:])
	copy(packet[16:20], d[:])
	udp := packet[20:]
	udp[0], udp[1] = 0x13, 0x88 // 5000
	udp[2], udp[3] = byte(echoAddr.Port>>8), byte(echoAddr.Port)
	udp[4], udp[5] = 0, byte(8+5)
	copy(udp[8:], "hello")

	consumed, err := p.HandleIPv4(channel.RouteKey{SocketIndex: 1}, packet)
	if err != nil {
		t.Fatalf("HandleIPv4: %v", err)
	}
	if !consumed {
		t.Fatal("UDP HandleIPv4 must report consumed=true")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("echo server never received datagram")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(sb.sent) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if len(sb.sent) == 0 {
		t.Fatal("expected a reply to be sent back through SendBack")
	}
	if sb.key.SocketIndex != 1 {
		t.Fatalf("expected reply routed on original key, got %+v", sb.key)
	}
}
