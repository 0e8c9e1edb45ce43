package routetable

import (
	"net/netip"
	"sync"
	"time"
)

// Entry is a single route to a destination: its transport Key, hop Metric
// (1 = direct p2p, >1 = relayed) and signed RTT (negative = not yet
// measured).
type Entry struct {
	Key      Key
	Metric   int
	RTTMicros int64 // negative: not yet measured
}

type destEntry struct {
	entry    Entry
	lastRead time.Time
}

// Table maps a destination virtual IP to its known routes.
type Table struct {
	mu sync.RWMutex
	m  map[netip.Addr]map[Key]*destEntry

	// FirstLatency swaps the default (metric, rtt) selection order to
	// (rtt, metric), per spec §4.4's configurable flag.
	FirstLatency bool

	// IdleTimeout and IdleSleep bound the aging sweep described in §4.4:
	// a route with no read within IdleTimeout is evicted; otherwise the
	// sweep reports Sleep(IdleSleep) as its next recommended tick, or the
	// shorter IdleTimeoutTick once any timeout fires.
	IdleTimeout     time.Duration
	IdleSleep       time.Duration
	IdleTimeoutTick time.Duration

	// clock is overridable for tests.
	clock func() time.Time
}

// New creates an empty route table with the given idle parameters.
func New(idleTimeout, idleSleep, idleTimeoutTick time.Duration) *Table {
	return &Table{
		m:               make(map[netip.Addr]map[Key]*destEntry),
		IdleTimeout:     idleTimeout,
		IdleSleep:       idleSleep,
		IdleTimeoutTick: idleTimeoutTick,
		clock:           time.Now,
	}
}

func (t *Table) now() time.Time {
	if t.clock != nil {
		return t.clock()
	}
	return time.Now()
}

// AddRoute inserts a new route or updates metric/RTT for an existing one
// with the same Key.
func (t *Table) AddRoute(dst netip.Addr, e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addRouteLocked(dst, e, false)
}

// AddRouteIfAbsent inserts e only if no route with the same Key already
// exists for dst.
func (t *Table) AddRouteIfAbsent(dst netip.Addr, e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addRouteLocked(dst, e, true)
}

func (t *Table) addRouteLocked(dst netip.Addr, e Entry, ifAbsent bool) {
	byKey, ok := t.m[dst]
	if !ok {
		byKey = make(map[Key]*destEntry)
		t.m[dst] = byKey
	}
	if existing, ok := byKey[e.Key]; ok {
		if ifAbsent {
			return
		}
		existing.entry.Metric = e.Metric
		existing.entry.RTTMicros = e.RTTMicros
		return
	}
	byKey[e.Key] = &destEntry{entry: e, lastRead: t.now()}
}

// RemoveRoute removes exactly the route with Key key for dst, deleting the
// destination entirely if it becomes empty.
func (t *Table) RemoveRoute(dst netip.Addr, key Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	byKey, ok := t.m[dst]
	if !ok {
		return
	}
	delete(byKey, key)
	if len(byKey) == 0 {
		delete(t.m, dst)
	}
}

// UpdateReadTime stamps freshness on (dst, key), called on every inbound
// authenticated decode per spec §4.4.
func (t *Table) UpdateReadTime(dst netip.Addr, key Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if byKey, ok := t.m[dst]; ok {
		if de, ok := byKey[key]; ok {
			de.lastRead = t.now()
		}
	}
}

// UpdateRTT stamps a freshly measured RTT on (dst, key) without disturbing
// its metric, called from Pong handling (§4.8) where only RTT is known.
func (t *Table) UpdateRTT(dst netip.Addr, key Key, rttMicros int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if byKey, ok := t.m[dst]; ok {
		if de, ok := byKey[key]; ok {
			de.entry.RTTMicros = rttMicros
			de.lastRead = t.now()
		}
	}
}

// NeedPunch reports whether dst has no fresh direct (metric == 1) route, so
// the punch engine should attempt NAT traversal.
func (t *Table) NeedPunch(dst netip.Addr) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	byKey, ok := t.m[dst]
	if !ok {
		return true
	}
	now := t.now()
	for _, de := range byKey {
		if de.entry.Metric == 1 && now.Sub(de.lastRead) < t.IdleTimeout {
			return false
		}
	}
	return true
}

// less implements the selection comparator: (metric, rtt) by default, or
// (rtt, metric) under FirstLatency, with ties broken by most-recent read.
func (t *Table) less(a, b *destEntry) bool {
	if t.FirstLatency {
		if a.entry.RTTMicros != b.entry.RTTMicros {
			return rttRank(a.entry.RTTMicros) < rttRank(b.entry.RTTMicros)
		}
		if a.entry.Metric != b.entry.Metric {
			return a.entry.Metric < b.entry.Metric
		}
	} else {
		if a.entry.Metric != b.entry.Metric {
			return a.entry.Metric < b.entry.Metric
		}
		if a.entry.RTTMicros != b.entry.RTTMicros {
			return rttRank(a.entry.RTTMicros) < rttRank(b.entry.RTTMicros)
		}
	}
	return a.lastRead.After(b.lastRead)
}

// rttRank sorts unmeasured (negative) RTTs after all measured ones.
func rttRank(rtt int64) int64 {
	if rtt < 0 {
		return 1<<62 + rtt
	}
	return rtt
}

// Route returns the best route to dst per the selection policy, or false if
// none exist.
func (t *Table) Route(dst netip.Addr) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	byKey, ok := t.m[dst]
	if !ok || len(byKey) == 0 {
		return Entry{}, false
	}
	var best *destEntry
	for _, de := range byKey {
		if best == nil || t.less(de, best) {
			best = de
		}
	}
	return best.entry, true
}

// RouteOneP2P returns the best direct (metric == 1) route to dst, if any.
func (t *Table) RouteOneP2P(dst netip.Addr) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	byKey, ok := t.m[dst]
	if !ok {
		return Entry{}, false
	}
	var best *destEntry
	for _, de := range byKey {
		if de.entry.Metric != 1 {
			continue
		}
		if best == nil || t.less(de, best) {
			best = de
		}
	}
	if best == nil {
		return Entry{}, false
	}
	return best.entry, true
}

// RouteTable returns a snapshot copy of all routes for dst.
func (t *Table) RouteTable(dst netip.Addr) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	byKey, ok := t.m[dst]
	if !ok {
		return nil
	}
	out := make([]Entry, 0, len(byKey))
	for _, de := range byKey {
		out = append(out, de.entry)
	}
	return out
}

// AgeResult is the outcome of an idle classification for one (dst, key).
type AgeResult uint8

const (
	AgeNone AgeResult = iota
	AgeSleep
	AgeTimeout
)

// Evicted describes one route removed by Sweep, for the caller to react to
// (e.g. flip gateway status if the removed route was the gateway's).
type Evicted struct {
	Dst netip.Addr
	Key Key
}

// Sweep classifies every route's idle state against now and removes timed
// out ones, returning the evicted routes and the recommended next tick
// delay (IdleTimeoutTick if any route timed out, IdleSleep otherwise).
func (t *Table) Sweep() (evicted []Evicted, nextTick time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	anyTimeout := false
	for dst, byKey := range t.m {
		for key, de := range byKey {
			switch t.classify(now, de.lastRead) {
			case AgeTimeout:
				delete(byKey, key)
				evicted = append(evicted, Evicted{Dst: dst, Key: key})
				anyTimeout = true
			}
		}
		if len(byKey) == 0 {
			delete(t.m, dst)
		}
	}
	if anyTimeout {
		return evicted, t.IdleTimeoutTick
	}
	return evicted, t.IdleSleep
}

func (t *Table) classify(now, lastRead time.Time) AgeResult {
	age := now.Sub(lastRead)
	if age >= t.IdleTimeout {
		return AgeTimeout
	}
	return AgeSleep
}
