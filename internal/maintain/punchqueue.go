package maintain

import (
	"net"
	"net/netip"

	"github.com/vnt-go/vnt/internal/peerstore"
	"github.com/vnt-go/vnt/internal/punch"
)

// InitiatorRole distinguishes a punch job this node originated from one
// triggered by an inbound PunchRequest/PunchInfo from the peer, per the
// four-queue split in spec §4.7.
type InitiatorRole uint8

const (
	InitiatorSelf InitiatorRole = iota
	InitiatorPeer
)

// PunchJob is one unit of work for a punch-executor worker: enough to call
// punch.Engine.Punch without the worker touching the route table itself.
type PunchJob struct {
	PeerIP    netip.Addr
	NeedPunch bool
	Local     punch.LocalInfo
	Peer      punch.Endpoints
	Payload   []byte
	OnTCP     func(conn net.Conn)
}

// queueKey selects one of the four bounded punch-executor queues.
type queueKey struct {
	role InitiatorRole
	nat  peerstore.NATType
}

// punchQueues holds the four single-consumer, capacity-1 queues described
// in spec §4.7. A full queue discards the job already queued and keeps the
// incoming, fresher one, matching "overflow drops messages (preferring fresh
// info)" — implemented as replace-on-full rather than drop-on-full, since a
// fresher job is strictly more useful to a worker that hasn't drained yet.
type punchQueues struct {
	m map[queueKey]chan PunchJob
}

func newPunchQueues() *punchQueues {
	q := &punchQueues{m: make(map[queueKey]chan PunchJob)}
	for _, role := range []InitiatorRole{InitiatorSelf, InitiatorPeer} {
		for _, nat := range []peerstore.NATType{peerstore.NATCone, peerstore.NATSymmetric} {
			q.m[queueKey{role, nat}] = make(chan PunchJob, 1)
		}
	}
	return q
}

// Enqueue submits job, replacing any stale queued job of the same kind.
func (q *punchQueues) Enqueue(role InitiatorRole, nat peerstore.NATType, job PunchJob) {
	ch := q.m[queueKey{role, nat}]
	for {
		select {
		case ch <- job:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// channels returns all four queues paired with their key, for the scheduler
// to spawn one worker goroutine per queue.
func (q *punchQueues) channels() map[queueKey]chan PunchJob {
	return q.m
}
