package virtiofs

import (
	"sync"

	"github.com/tinyrange/vtfs/internal/virtq"
	"go.uber.org/atomic"
)

// Each request is one device-readable and one device-writable descriptor.
const descriptorsPerRequest = 2

// queue is one virtqueue as seen by the engine. mu serializes the ring
// cursor and the token map between submission and completion.
type queue struct {
	index    int
	class    QueueClass
	label    string
	ring     Ring
	capacity int // requests

	mu       sync.Mutex
	inflight map[virtq.Token]SlotID

	// Written under mu, read without it by the router and Stats.
	inFlight atomic.Int32
	seq      atomic.Uint64
}

func newQueue(index int, class QueueClass, ring Ring, depth int) *queue {
	capacity := ring.Capacity() / descriptorsPerRequest
	if depth > 0 && depth < capacity {
		capacity = depth
	}
	return &queue{
		index:    index,
		class:    class,
		label:    queueLabel(index),
		ring:     ring,
		capacity: capacity,
		inflight: make(map[virtq.Token]SlotID, capacity),
	}
}

// full reports whether the queue is at capacity. Callers hold mu.
func (q *queue) full() bool {
	return int(q.inFlight.Load()) >= q.capacity || !q.ring.HasSpace(descriptorsPerRequest)
}

// QueueStats is a point-in-time view of one queue.
type QueueStats struct {
	Index     int
	Class     QueueClass
	Capacity  int
	InFlight  int
	Submitted uint64
}

func (q *queue) stats() QueueStats {
	return QueueStats{
		Index:     q.index,
		Class:     q.class,
		Capacity:  q.capacity,
		InFlight:  int(q.inFlight.Load()),
		Submitted: q.seq.Load(),
	}
}
