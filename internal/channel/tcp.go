package channel

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
)

// maxFrameSize bounds a single TCP-framed overlay datagram to guard against
// a peer sending a bogus huge length prefix.
const maxFrameSize = 1 << 16

// TCPTransport multiplexes a single TCP connection (to the server, or to a
// peer reached via the punch engine's TCP path) over the same RouteKey
// routing table as the UDP sockets, using the 4-byte big-endian length
// prefix framing from spec §6.
type TCPTransport struct {
	key  RouteKey
	conn net.Conn

	wmu sync.Mutex

	onInbound func(Inbound)
	closeOnce sync.Once
}

// NewTCPTransport wraps an already-connected net.Conn as a TCP transport
// keyed by key (its route key, typically {SocketIndex: -1, IsTCP: true}).
func NewTCPTransport(conn net.Conn, key RouteKey) *TCPTransport {
	key.IsTCP = true
	return &TCPTransport{key: key, conn: conn}
}

func (t *TCPTransport) serve() {
	r := bufio.NewReaderSize(t.conn, 64*1024)
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n == 0 || n > maxFrameSize {
			return
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return
		}
		if t.onInbound != nil {
			t.onInbound(Inbound{Data: buf, Key: t.key})
		}
	}
}

// SendFramed writes buf prefixed by its 4-byte big-endian length. key is not
// inspected: every frame goes to this transport's one connection (a single
// TCPTransport instance serves exactly one remote).
func (t *TCPTransport) SendFramed(key RouteKey, buf []byte) error {
	if len(buf) > maxFrameSize {
		return fmt.Errorf("channel: frame too large: %d bytes", len(buf))
	}
	prefix := lengthPrefix(len(buf))
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if _, err := t.conn.Write(prefix[:]); err != nil {
		return err
	}
	_, err := t.conn.Write(buf)
	return err
}

// RemoteAddr returns the remote endpoint this transport is connected to.
func (t *TCPTransport) RemoteAddr() netip.AddrPort {
	if a, ok := t.conn.RemoteAddr().(*net.TCPAddr); ok {
		return a.AddrPort()
	}
	return netip.AddrPort{}
}

// Close closes the underlying connection.
func (t *TCPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() { err = t.conn.Close() })
	return err
}
