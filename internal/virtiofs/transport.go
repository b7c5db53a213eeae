package virtiofs

import (
	"iter"

	"github.com/tinyrange/vtfs/internal/dma"
	"github.com/tinyrange/vtfs/internal/virtq"
)

// QueueClass distinguishes the virtio-fs queue kinds.
type QueueClass int

const (
	HighPriorityQueue QueueClass = iota
	RequestQueue
)

func (c QueueClass) String() string {
	switch c {
	case HighPriorityQueue:
		return "hiprio"
	case RequestQueue:
		return "request"
	default:
		return "unknown"
	}
}

// Queue index 0 is the high-priority queue; request queues follow.
const (
	hiprioQueueIndex = 0
	requestQueueBase = 1
)

// Ring is a descriptor ring. *virtq.SplitRing implements it.
type Ring interface {
	// Submit publishes a chain without notifying the device. It returns
	// virtq.ErrQueueFull when the ring lacks descriptors.
	Submit(chain []virtq.Segment) (virtq.Token, error)
	// PollCompleted yields finished chains and the bytes the device wrote.
	PollCompleted() iter.Seq2[virtq.Token, uint32]
	// Notify rings the doorbell for everything submitted since the last call.
	Notify() error
	HasSpace(n int) bool
	// Capacity is the ring size in descriptors.
	Capacity() int
}

// Allocator hands out device-visible buffers.
type Allocator interface {
	Alloc(size, align int) (dma.Buffer, error)
	Free(dma.Buffer) error
}

// Transport is what the engine needs from the bus layer.
type Transport interface {
	DeviceFeatures() uint64
	SetDriverFeatures(features uint64) error
	// ReadConfig reads the device-specific configuration space.
	ReadConfig(offset int, p []byte) error
	Memory() Allocator
	AllocQueue(index int, class QueueClass) (Ring, error)
	// RegisterInterrupt installs the completion handler for a queue. The
	// handler runs in the transport's notification context.
	RegisterInterrupt(index int, handler func()) error
	// Reset stops the device. Once it returns the device no longer reads or
	// writes any ring or buffer and raises no further interrupts.
	Reset() error
	FreeQueue(index int) error
}
