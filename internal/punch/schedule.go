package punch

import (
	"net/netip"
	"sync"
)

// ScheduleState tracks each peer's rolling index into the shared PortVector
// so the Symmetric broad-guessing phase resumes where it left off on the
// next punch round, per spec §3's "Punch scheduler state".
type ScheduleState struct {
	mu  sync.Mutex
	idx map[netip.Addr]int
}

// NewScheduleState returns an empty schedule state.
func NewScheduleState() *ScheduleState {
	return &ScheduleState{idx: make(map[netip.Addr]int)}
}

// Advance returns peer's current port index and atomically advances it by n
// modulo length.
func (s *ScheduleState) Advance(peer netip.Addr, n, length int) int {
	if length == 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.idx[peer]
	s.idx[peer] = (cur + n) % length
	return cur
}
