// Package virtq implements the virtio 1.x split virtqueue layout.
//
// SplitRing is the driver side: it owns the descriptor table and the
// available ring, and consumes the used ring. DeviceQueue is the device
// side: it walks available chains and publishes used elements. Both sides
// share ring memory through a GuestMemory.
package virtq

import (
	"errors"
	"io"

	"github.com/tinyrange/vtfs/internal/dma"
)

const (
	descFNext     = 1
	descFWrite    = 2
	descFIndirect = 4

	availFNoInterrupt = 1
	usedFNoNotify     = 1

	descSize      = 16
	usedElemSize  = 8
	ringHeaderLen = 4
)

// ErrQueueFull is returned by Submit when the ring lacks free descriptors.
// It is a backpressure condition, not a failure.
var ErrQueueFull = errors.New("virtq: queue full")

// GuestMemory provides access to ring and buffer memory by physical address.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

// Memory is GuestMemory that can also allocate ring storage.
type Memory interface {
	GuestMemory
	Alloc(size, align int) (dma.Buffer, error)
	Free(dma.Buffer) error
}

// Segment is one buffer of a descriptor chain.
type Segment struct {
	Addr     uint64
	Length   uint32
	Writable bool // device-writable
}

// Token identifies a submitted chain. It is the chain's head descriptor
// index, echoed back by the device in the used ring.
type Token uint32

// Layout describes where a ring lives so the device can be told about it.
type Layout struct {
	Size      uint16
	DescAddr  uint64
	AvailAddr uint64
	UsedAddr  uint64
}

func descTableSize(n uint16) int { return descSize * int(n) }
func availRingSize(n uint16) int { return ringHeaderLen + 2*int(n) + 2 }
func usedRingSize(n uint16) int  { return ringHeaderLen + usedElemSize*int(n) + 2 }
