package routetable

import (
	"net/netip"
	"testing"
	"time"
)

func addr(s string) netip.Addr { return netip.MustParseAddr(s) }

func key(i int) Key {
	return Key{SocketIndex: i, Remote: netip.MustParseAddrPort("1.2.3.4:5000")}
}

func TestRouteSelectionMonotonicityByMetric(t *testing.T) {
	tbl := New(time.Minute, time.Second, time.Millisecond)
	dst := addr("10.26.0.3")
	tbl.AddRoute(dst, Entry{Key: key(0), Metric: 2, RTTMicros: 1000})
	tbl.AddRoute(dst, Entry{Key: key(1), Metric: 1, RTTMicros: 5000})

	got, ok := tbl.Route(dst)
	if !ok || got.Metric != 1 {
		t.Fatalf("expected metric-1 route to win, got %+v ok=%v", got, ok)
	}
}

func TestRouteSelectionMonotonicityByRTTUnderFirstLatency(t *testing.T) {
	tbl := New(time.Minute, time.Second, time.Millisecond)
	tbl.FirstLatency = true
	dst := addr("10.26.0.3")
	tbl.AddRoute(dst, Entry{Key: key(0), Metric: 1, RTTMicros: 9000})
	tbl.AddRoute(dst, Entry{Key: key(1), Metric: 2, RTTMicros: 100})

	got, ok := tbl.Route(dst)
	if !ok || got.RTTMicros != 100 {
		t.Fatalf("expected lower-rtt route to win under first-latency, got %+v ok=%v", got, ok)
	}
}

func TestNeedPunchFalseWhenDirectRouteFresh(t *testing.T) {
	tbl := New(time.Minute, time.Second, time.Millisecond)
	dst := addr("10.26.0.3")
	if !tbl.NeedPunch(dst) {
		t.Fatal("expected NeedPunch true with no routes")
	}
	tbl.AddRoute(dst, Entry{Key: key(0), Metric: 1, RTTMicros: -1})
	if tbl.NeedPunch(dst) {
		t.Fatal("expected NeedPunch false once a direct route exists")
	}
}

func TestAddRouteIfAbsentDoesNotOverwrite(t *testing.T) {
	tbl := New(time.Minute, time.Second, time.Millisecond)
	dst := addr("10.26.0.3")
	tbl.AddRoute(dst, Entry{Key: key(0), Metric: 1, RTTMicros: 500})
	tbl.AddRouteIfAbsent(dst, Entry{Key: key(0), Metric: 5, RTTMicros: 999})
	got, _ := tbl.Route(dst)
	if got.Metric != 1 {
		t.Fatalf("expected AddRouteIfAbsent to not overwrite, got %+v", got)
	}
}

func TestRemoveRouteDeletesEmptyDestination(t *testing.T) {
	tbl := New(time.Minute, time.Second, time.Millisecond)
	dst := addr("10.26.0.3")
	tbl.AddRoute(dst, Entry{Key: key(0), Metric: 1})
	tbl.RemoveRoute(dst, key(0))
	if _, ok := tbl.Route(dst); ok {
		t.Fatal("expected destination to be gone after removing its only route")
	}
}

func TestSweepEvictsIdleRoutes(t *testing.T) {
	tbl := New(10*time.Millisecond, time.Second, time.Millisecond)
	now := time.Now()
	tbl.clock = func() time.Time { return now }
	dst := addr("10.26.0.3")
	tbl.AddRoute(dst, Entry{Key: key(0), Metric: 1})

	now = now.Add(20 * time.Millisecond)
	evicted, next := tbl.Sweep()
	if len(evicted) != 1 || evicted[0].Dst != dst {
		t.Fatalf("expected one eviction, got %+v", evicted)
	}
	if next != tbl.IdleTimeoutTick {
		t.Fatalf("expected fast re-tick after timeout, got %v", next)
	}
	if _, ok := tbl.Route(dst); ok {
		t.Fatal("expected route removed after sweep")
	}
}
