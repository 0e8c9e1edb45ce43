// Package ipproxy implements the transparent TCP/UDP IP-proxy of spec §4.9:
// egress to non-virtual destinations is NATed to this host's real network
// stack via an ephemeral local listener, a NAT table recording the
// original (src, dst) tuple, and per-pair ring buffers with half-close
// tracking. Grounded structurally on `pkg/nspkt/listener.go`'s
// accept/serve loop shape, generalized from "one fixed UDP socket" to
// "one listener plus dynamically paired sockets"; goroutines-per-pair
// replace the spec's single-threaded fd-keyed reactor, the natural Go
// rendering of the same design (see §9's explicit license to unify the
// reactor model as long as the half-close/ring-buffer invariants hold).
package ipproxy

import (
	"net/netip"
	"sync"
)

// FlowKey identifies one proxied flow by its original source endpoint.
type FlowKey struct {
	SrcIP   netip.Addr
	SrcPort uint16
}

// FlowMapping is the original destination a flow was rewritten away from.
type FlowMapping struct {
	DstIP   netip.Addr
	DstPort uint16
}

// NATTable records the (src) -> (original dst) mapping for in-flight
// proxied flows, guarded by a short-critical-section mutex per spec §4.9.
type NATTable struct {
	mu sync.Mutex
	m  map[FlowKey]FlowMapping
}

// NewNATTable returns an empty table.
func NewNATTable() *NATTable {
	return &NATTable{m: make(map[FlowKey]FlowMapping)}
}

// Insert records or refreshes a flow's original destination.
func (t *NATTable) Insert(key FlowKey, mapping FlowMapping) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[key] = mapping
}

// Lookup returns the original destination for key, if known.
func (t *NATTable) Lookup(key FlowKey) (FlowMapping, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.m[key]
	return m, ok
}

// Remove deletes key's mapping once its flow has fully closed.
func (t *NATTable) Remove(key FlowKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, key)
}
