package ipproxy

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"golang.org/x/net/ipv4"

	"github.com/rs/zerolog"

	"github.com/vnt-go/vnt/internal/channel"
	"github.com/vnt-go/vnt/internal/ringbuf"
)

const (
	tcpProtocolNumber = 6
	ringBufCapacity    = 64 * 1024
)

// AllowList consults the CIDR in-ip/out-ip allow-lists named in spec §6's
// CLI surface. A nil AllowList allows everything.
type AllowList struct {
	Allow []netip.Prefix
}

// Allowed reports whether dst may be proxied; an empty allow-list permits
// every destination (the CLI default, per spec §6).
func (a *AllowList) Allowed(dst netip.Addr) bool {
	if a == nil || len(a.Allow) == 0 {
		return true
	}
	for _, p := range a.Allow {
		if p.Contains(dst) {
			return true
		}
	}
	return false
}

// TCPProxy binds an ephemeral TCP listener and ferries bytes between
// clients of that listener and each flow's real destination, per spec
// §4.9.
type TCPProxy struct {
	log      zerolog.Logger
	listener *net.TCPListener
	nat      *NATTable
	allow    *AllowList
	port     uint16
	dialer   net.Dialer
	bindSrc  bool

	closing atomic.Bool
	wg      sync.WaitGroup
}

// NewTCPProxy binds an ephemeral TCP listener on 0.0.0.0:0. bindSourcePort,
// if true, dials the real destination from the same source port the
// original client used, for NAT-symmetry-sensitive destinations.
func NewTCPProxy(log zerolog.Logger, allow *AllowList, bindSourcePort bool) (*TCPProxy, error) {
	l, err := net.ListenTCP("tcp", &net.TCPAddr{})
	if err != nil {
		return nil, err
	}
	p := &TCPProxy{
		log:      log.With().Str("component", "ipproxy").Logger(),
		listener: l,
		nat:      NewNATTable(),
		allow:    allow,
		port:     uint16(l.Addr().(*net.TCPAddr).Port),
		bindSrc:  bindSourcePort,
	}
	return p, nil
}

// Port returns the local port the proxy listens on.
func (p *TCPProxy) Port() uint16 { return p.port }

// Allowed delegates to the configured allow-list.
func (p *TCPProxy) Allowed(dst netip.Addr) bool { return p.allow.Allowed(dst) }

// HandleIPv4 rewrites packet's inner TCP destination port to the proxy's
// listening port, records the original (src, dst) tuple in the NAT table,
// and recomputes both checksums in place. It always reports consumed=false
// per spec §4.9: the caller still delivers the (now rewritten) packet to
// the tun device so the local TCP stack completes the handshake against
// the proxy listener.
func (p *TCPProxy) HandleIPv4(_ channel.RouteKey, packet []byte) (bool, error) {
	ipHdr, err := ipv4.ParseHeader(packet)
	if err != nil {
		return false, err
	}
	if ipHdr.Protocol != tcpProtocolNumber {
		return false, nil
	}
	tcp := packet[ipHdr.Len:]
	if len(tcp) < 20 {
		return false, nil
	}

	srcIP, _ := netip.AddrFromSlice(ipHdr.Src.To4())
	dstIP, _ := netip.AddrFromSlice(ipHdr.Dst.To4())
	srcPort := uint16(tcp[0])<<8 | uint16(tcp[1])
	dstPort := uint16(tcp[2])<<8 | uint16(tcp[3])

	p.nat.Insert(FlowKey{SrcIP: srcIP, SrcPort: srcPort}, FlowMapping{DstIP: dstIP, DstPort: dstPort})

	tcp[2] = byte(p.port >> 8)
	tcp[3] = byte(p.port)

	ipHeader := packet[:ipHdr.Len]
	ipHeader[10], ipHeader[11] = 0, 0
	ipSum := checksum(ipHeader)
	ipHeader[10], ipHeader[11] = byte(ipSum>>8), byte(ipSum)

	tcp[16], tcp[17] = 0, 0
	pseudo := tcpPseudoHeader(srcIP, dstIP, len(tcp))
	tcpSum := checksum(pseudo, tcp)
	tcp[16], tcp[17] = byte(tcpSum>>8), byte(tcpSum)

	return false, nil
}

func tcpPseudoHeader(src, dst netip.Addr, tcpLen int) []byte {
	b := make([]byte, 12)
	s, d := src.As4(), dst.As4()
	copy(b[0:4], s[:])
	copy(b[4:8], d[:])
	b[9] = tcpProtocolNumber
	b[10] = byte(tcpLen >> 8)
	b[11] = byte(tcpLen)
	return b
}

// Run accepts connections until ctx is cancelled, pairing each with the
// real destination recorded in the NAT table for its remote address.
func (p *TCPProxy) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		p.closing.Store(true)
		p.listener.Close()
	}()
	for {
		conn, err := p.listener.AcceptTCP()
		if err != nil {
			if p.closing.Load() {
				return
			}
			p.log.Warn().Err(err).Msg("tcp proxy accept error")
			return
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.serve(conn)
		}()
	}
}

// Wait blocks until every in-flight pair has finished (used by tests and
// graceful shutdown).
func (p *TCPProxy) Wait() { p.wg.Wait() }

func (p *TCPProxy) serve(client *net.TCPConn) {
	defer client.Close()
	remote := client.RemoteAddr().(*net.TCPAddr)
	addr, ok := netip.AddrFromSlice(remote.IP.To4())
	if !ok {
		return
	}
	key := FlowKey{SrcIP: addr, SrcPort: uint16(remote.Port)}
	mapping, ok := p.nat.Lookup(key)
	if !ok {
		return
	}
	defer p.nat.Remove(key)

	dialer := p.dialer
	if p.bindSrc {
		dialer.LocalAddr = &net.TCPAddr{Port: remote.Port}
	}
	real, err := dialer.DialContext(context.Background(), "tcp",
		netip.AddrPortFrom(mapping.DstIP, mapping.DstPort).String())
	if err != nil {
		p.log.Debug().Err(err).Msg("tcp proxy: dial real destination failed")
		return
	}
	defer real.Close()

	pairAndPump(client, real)
}

// pairAndPump ferries bytes in both directions through two ring buffers
// with half-close tracking, per spec §4.9: a read error/EOF on one side
// closes the other side's write half once that direction's buffer drains;
// once both
// directions are fully closed and drained the pair is torn down.
func pairAndPump(a, b *net.TCPConn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); pump(a, b, ringbuf.New(ringBufCapacity)) }()
	go func() { defer wg.Done(); pump(b, a, ringbuf.New(ringBufCapacity)) }()
	wg.Wait()
}

// pump reads from src into buf and drains buf into dst until src is
// read-closed and buf is empty, at which point dst's write half is
// shut down (half-close propagation).
func pump(src, dst *net.TCPConn, buf *ringbuf.Buffer) {
	readBuf := make([]byte, 4096)
	readClosed := false
	for {
		if !readClosed {
			n, err := src.Read(readBuf)
			if n > 0 {
				buf.Write(readBuf[:n])
			}
			if err != nil {
				readClosed = true
			}
		}
		for buf.Len() > 0 {
			out := make([]byte, buf.Len())
			n := buf.Read(out)
			if _, err := dst.Write(out[:n]); err != nil {
				dst.CloseWrite()
				return
			}
		}
		if readClosed {
			dst.CloseWrite()
			return
		}
	}
}
