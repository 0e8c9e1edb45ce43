// Package channel implements the multiplexed socket context described in
// spec §4.3: a fixed number of "main" UDP sockets plus dynamically
// registered secondary sockets and an optional TCP transport, all
// addressable through a single routetable.Key. It is grounded directly on
// the teacher's connectionless UDP listener (pkg/nspkt/listener.go):
// single-flight bind under a mutex, one goroutine serving reads per socket,
// and a nested atomic-counter metrics block, generalized from one fixed
// socket to N.
package channel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/vnt-go/vnt/internal/routetable"
)

// RouteKey is an alias so channel code reads naturally while sharing the
// exact type the route table keys its entries with.
type RouteKey = routetable.Key

var (
	ErrClosed       = errors.New("channel: closed")
	ErrUnknownRoute = errors.New("channel: unknown route key")
)

// Inbound is a received datagram paired with the route key it arrived on.
type Inbound struct {
	Data []byte
	Key  RouteKey
}

// Context owns every socket this node communicates through.
type Context struct {
	log zerolog.Logger

	mainMu   sync.RWMutex
	main     []*net.UDPConn // index == channel/socket index
	isCone   bool
	channelType ChannelType

	secMu sync.RWMutex
	sec   map[RouteKey]*net.UDPConn

	tcp   *TCPTransport // nil if no TCP transport configured

	inbound chan Inbound
	closing atomic.Bool
	wg      sync.WaitGroup

	metrics metrics
}

type metrics struct {
	rxPackets, rxBytes atomic.Uint64
	txPackets, txBytes atomic.Uint64
	txErrors           atomic.Uint64
}

// ChannelType restricts which transports the node is willing to use for
// direct peer traffic (spec §4.6's "channel-type is not relay-only" gate).
type ChannelType uint8

const (
	ChannelAll ChannelType = iota
	ChannelP2POnly
	ChannelRelayOnly
)

// New binds channelNum main UDP sockets. addrs must have length channelNum;
// a zero port in addrs[i] binds an ephemeral port.
func New(log zerolog.Logger, addrs []netip.AddrPort, isCone bool, ct ChannelType) (*Context, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("channel: channel_num must be >= 1")
	}
	c := &Context{
		log:         log.With().Str("component", "channel").Logger(),
		sec:         make(map[RouteKey]*net.UDPConn),
		inbound:     make(chan Inbound, 256),
		isCone:      isCone,
		channelType: ct,
	}
	for i, a := range addrs {
		conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(a))
		if err != nil {
			c.closeMain()
			return nil, fmt.Errorf("channel: bind main socket %d: %w", i, err)
		}
		c.main = append(c.main, conn)
	}
	for i, conn := range c.main {
		c.wg.Add(1)
		go c.serveMain(i, conn)
	}
	return c, nil
}

func (c *Context) closeMain() {
	for _, conn := range c.main {
		conn.Close()
	}
}

// Inbound returns the channel of received datagrams.
func (c *Context) Inbound() <-chan Inbound {
	return c.inbound
}

// ChannelNum returns the number of main UDP sockets.
func (c *Context) ChannelNum() int {
	c.mainMu.RLock()
	defer c.mainMu.RUnlock()
	return len(c.main)
}

// IsCone reports whether the local node's own NAT is Cone (affects punch
// fan-out policy in §4.6).
func (c *Context) IsCone() bool { return c.isCone }

// UseChannelType reports the configured channel type restriction.
func (c *Context) UseChannelType() ChannelType { return c.channelType }

// IsMainTCP reports whether a TCP transport is registered.
func (c *Context) IsMainTCP() bool {
	return c.tcp != nil
}

// SetTCPTransport installs the optional TCP transport and starts serving it.
func (c *Context) SetTCPTransport(t *TCPTransport) {
	c.tcp = t
	t.onInbound = c.deliverInbound
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t.serve()
	}()
}

func (c *Context) serveMain(index int, conn *net.UDPConn) {
	defer c.wg.Done()
	buf := make([]byte, 65535)
	for {
		n, addr, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if c.closing.Load() {
				return
			}
			c.log.Warn().Err(err).Int("socket", index).Msg("udp read error")
			return
		}
		c.metrics.rxPackets.Add(1)
		c.metrics.rxBytes.Add(uint64(n))
		cp := make([]byte, n)
		copy(cp, buf[:n])
		c.deliverInbound(Inbound{Data: cp, Key: RouteKey{SocketIndex: index, Remote: addr.Unmap(), IsTCP: false}})
	}
}

func (c *Context) deliverInbound(in Inbound) {
	select {
	case c.inbound <- in:
	default:
		c.log.Warn().Msg("inbound queue full, dropping packet")
	}
}

// SendMainUDP writes buf on main socket index to addr.
func (c *Context) SendMainUDP(index int, buf []byte, addr netip.AddrPort) error {
	c.mainMu.RLock()
	defer c.mainMu.RUnlock()
	if index < 0 || index >= len(c.main) {
		return fmt.Errorf("channel: socket index %d out of range", index)
	}
	_, err := c.main[index].WriteToUDPAddrPort(buf, addr)
	if err != nil {
		c.metrics.txErrors.Add(1)
		return err
	}
	c.metrics.txPackets.Add(1)
	c.metrics.txBytes.Add(uint64(len(buf)))
	return nil
}

// SendDefault sends on main socket index 0, used for server traffic.
func (c *Context) SendDefault(buf []byte, addr netip.AddrPort) error {
	return c.SendMainUDP(0, buf, addr)
}

// TrySendAll broadcasts buf to every main socket, used by symmetric peers to
// exhaust the peer's bound ports (§4.6).
func (c *Context) TrySendAll(buf []byte, addr netip.AddrPort) {
	c.mainMu.RLock()
	n := len(c.main)
	c.mainMu.RUnlock()
	for i := 0; i < n; i++ {
		if err := c.SendMainUDP(i, buf, addr); err != nil {
			c.log.Debug().Err(err).Int("socket", i).Msg("try_send_all: send failed")
		}
	}
}

// RegisterSecondary adds a dynamically-created UDP socket under key.
func (c *Context) RegisterSecondary(key RouteKey, conn *net.UDPConn) {
	c.secMu.Lock()
	c.sec[key] = conn
	c.secMu.Unlock()
	c.wg.Add(1)
	go c.serveSecondary(key, conn)
}

func (c *Context) serveSecondary(key RouteKey, conn *net.UDPConn) {
	defer c.wg.Done()
	buf := make([]byte, 65535)
	for {
		n, _, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if c.closing.Load() {
				return
			}
			return
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		c.metrics.rxPackets.Add(1)
		c.metrics.rxBytes.Add(uint64(n))
		c.deliverInbound(Inbound{Data: cp, Key: key})
	}
}

// SendByKey resolves key to a concrete socket and sends buf, framing with a
// 4-byte big-endian length prefix if key.IsTCP (spec §6 TCP framing).
func (c *Context) SendByKey(buf []byte, key RouteKey) error {
	if key.IsTCP {
		if c.tcp == nil {
			return ErrUnknownRoute
		}
		return c.tcp.SendFramed(key, buf)
	}
	if key.SocketIndex >= 0 {
		c.mainMu.RLock()
		inRange := key.SocketIndex < len(c.main)
		c.mainMu.RUnlock()
		if inRange {
			return c.SendMainUDP(key.SocketIndex, buf, key.Remote)
		}
	}
	c.secMu.RLock()
	conn, ok := c.sec[key]
	c.secMu.RUnlock()
	if !ok {
		return ErrUnknownRoute
	}
	_, err := conn.WriteToUDPAddrPort(buf, key.Remote)
	if err != nil {
		c.metrics.txErrors.Add(1)
		return err
	}
	c.metrics.txPackets.Add(1)
	c.metrics.txBytes.Add(uint64(len(buf)))
	return nil
}

// Close shuts down every socket and worker goroutine.
func (c *Context) Close() error {
	c.closing.Store(true)
	c.mainMu.Lock()
	for _, conn := range c.main {
		conn.Close()
	}
	c.mainMu.Unlock()
	c.secMu.Lock()
	for _, conn := range c.sec {
		conn.Close()
	}
	c.secMu.Unlock()
	if c.tcp != nil {
		c.tcp.Close()
	}
	c.wg.Wait()
	close(c.inbound)
	return nil
}

// lengthPrefix encodes the 4-byte big-endian frame length used by the TCP
// transport (spec §6).
func lengthPrefix(n int) [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(n))
	return b
}
