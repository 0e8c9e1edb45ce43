package peerstore

import (
	"net/netip"
	"sort"
	"sync"
)

// Peer is a known node's directory record (spec §3 "Peer record").
type Peer struct {
	VirtualIP netip.Addr
	Name      string
	Online    bool
	Encrypted bool // whether client-level encryption is in use with this peer
}

// Store holds the ordered, epoch-versioned peer directory published by the
// rendezvous server, the same shape as the teacher's ServerList: a
// sync.RWMutex guarding an ordered slice plus a lookup map, with a
// monotonic version counter so readers can detect staleness cheaply.
//
// It additionally caches the last known NATProfile per peer
// (peer_nat_info_map in spec §4.8), guarded by its own RWMutex since it is
// updated far more often (every punch negotiation) than the directory
// itself (only on server snapshots).
type Store struct {
	mu    sync.RWMutex
	epoch uint64
	order []netip.Addr
	byIP  map[netip.Addr]*Peer

	natMu sync.RWMutex
	natIP map[netip.Addr]NATProfile
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		byIP:  make(map[netip.Addr]*Peer),
		natIP: make(map[netip.Addr]NATProfile),
	}
}

// ApplySnapshot replaces the entire peer directory with a freshly received
// server snapshot, recording its epoch. Snapshots with a non-zero epoch not
// newer than the current one are ignored (the server may resend the same
// snapshot on reconnect); a snapshot with epoch 0 is always applied and
// resets the recorded epoch to 0.
func (s *Store) ApplySnapshot(epoch uint64, peers []Peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != 0 && epoch <= s.epoch {
		return false
	}
	order := make([]netip.Addr, 0, len(peers))
	byIP := make(map[netip.Addr]*Peer, len(peers))
	for i := range peers {
		p := peers[i]
		order = append(order, p.VirtualIP)
		byIP[p.VirtualIP] = &p
	}
	sort.Slice(order, func(i, j int) bool { return order[i].Less(order[j]) })
	s.epoch = epoch
	s.order = order
	s.byIP = byIP
	return true
}

// Epoch returns the current snapshot epoch.
func (s *Store) Epoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

// Get returns the peer record for ip, if known.
func (s *Store) Get(ip netip.Addr) (Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byIP[ip]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// SetOnline updates a single peer's online status in place without waiting
// for a full snapshot (used when the handler observes direct traffic from a
// peer the last snapshot marked offline).
func (s *Store) SetOnline(ip netip.Addr, online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.byIP[ip]; ok {
		p.Online = online
	}
}

// Range calls fn for every known peer in virtual-IP order, stopping early if
// fn returns false.
func (s *Store) Range(fn func(Peer) bool) {
	s.mu.RLock()
	order := append([]netip.Addr(nil), s.order...)
	byIP := s.byIP
	s.mu.RUnlock()
	for _, ip := range order {
		p, ok := byIP[ip]
		if !ok {
			continue
		}
		if !fn(*p) {
			return
		}
	}
}

// GreaterThanOnline returns the online peers with virtual IP strictly
// greater than self, used by the punch requester (§4.7) to pick an
// initiating side without both ends racing.
func (s *Store) GreaterThanOnline(self netip.Addr) []Peer {
	var out []Peer
	s.Range(func(p Peer) bool {
		if p.Online && self.Less(p.VirtualIP) {
			out = append(out, p)
		}
		return true
	})
	return out
}

// NATProfile returns the cached NAT profile for ip, if any.
func (s *Store) NATProfile(ip netip.Addr) (NATProfile, bool) {
	s.natMu.RLock()
	defer s.natMu.RUnlock()
	p, ok := s.natIP[ip]
	return p, ok
}

// SetNATProfile caches the NAT profile learned for ip from a PunchInfo
// exchange.
func (s *Store) SetNATProfile(ip netip.Addr, p NATProfile) {
	s.natMu.Lock()
	defer s.natMu.Unlock()
	s.natIP[ip] = p
}
