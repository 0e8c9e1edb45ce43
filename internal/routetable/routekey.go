// Package routetable implements the per-destination route list described
// in spec §4.4: selection by (metric, rtt) or (rtt, metric), freshness
// tracking, and idle eviction.
package routetable

import "net/netip"

// Key identifies the transport-level identity of a route: which socket it
// was seen on (or will be sent from) and the remote endpoint, per spec's
// glossary entry for "Route key".
type Key struct {
	SocketIndex int
	Remote      netip.AddrPort
	IsTCP       bool
}
