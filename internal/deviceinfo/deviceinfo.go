// Package deviceinfo holds the node's own virtual-device identity in a
// snapshot-atomic cell, mirroring the compare-and-swap atomic caching
// pattern the teacher uses for its server-list JSON cache
// (api0.ServerList's atomic.Pointer[[]byte] fields in
// pkg/api/api0/serverlist.go), generalized from "cached bytes" to "cached
// connection state".
package deviceinfo

import (
	"net/netip"
	"sync/atomic"
)

// SelfIP and GatewayIP are the reserved overlay addresses of spec §6:
// SelfIP is the source address used when a node addresses itself, and
// GatewayIP is the destination address used when addressing the
// rendezvous server, distinct from any assignable virtual IP.
var (
	SelfIP    = netip.AddrFrom4([4]byte{0, 0, 0, 0})
	GatewayIP = netip.AddrFrom4([4]byte{0, 0, 0, 1})
)

// Status is the node's connection state relative to its rendezvous server.
type Status uint8

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusOffline
)

func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusOffline:
		return "offline"
	default:
		return "connecting"
	}
}

// Snapshot is an immutable view of the node's virtual device identity.
// Callers must treat a *Snapshot obtained from a Cell as read-only.
type Snapshot struct {
	VirtualIP     netip.Addr
	VirtualMask   netip.Addr
	Gateway       netip.Addr
	Broadcast     netip.Addr
	ConnectServer netip.AddrPort
	Status        Status
}

// Cell holds the current Snapshot behind an atomic pointer so readers never
// observe a torn mix of old/new fields.
type Cell struct {
	p atomic.Pointer[Snapshot]
}

// NewCell creates a Cell initialized to initial.
func NewCell(initial Snapshot) *Cell {
	c := &Cell{}
	c.p.Store(&initial)
	return c
}

// Load returns the current snapshot.
func (c *Cell) Load() Snapshot {
	return *c.p.Load()
}

// Store unconditionally replaces the snapshot.
func (c *Cell) Store(s Snapshot) {
	c.p.Store(&s)
}

// TransitionStatus compare-and-swaps the status field from `from` to `to`,
// leaving the rest of the snapshot untouched. It reports whether the swap
// succeeded. A CAS lost to a concurrent writer is retried for as long as the
// status still equals from; once another writer has moved the status away
// from from, it gives up and returns false.
func (c *Cell) TransitionStatus(from, to Status) bool {
	for {
		cur := c.p.Load()
		if cur.Status != from {
			return false
		}
		next := *cur
		next.Status = to
		if c.p.CompareAndSwap(cur, &next) {
			return true
		}
	}
}

// SetConnectServer compare-and-swaps only the connect-server address,
// tolerating a lost race the same way TransitionStatus does.
func (c *Cell) SetConnectServer(addr netip.AddrPort) {
	for {
		cur := c.p.Load()
		if cur.ConnectServer == addr {
			return
		}
		next := *cur
		next.ConnectServer = addr
		if c.p.CompareAndSwap(cur, &next) {
			return
		}
	}
}
