package virtq

import (
	"encoding/binary"
	"fmt"
)

// Descriptor is one raw entry of the descriptor table.
type Descriptor struct {
	Addr   uint64
	Length uint32
	Flags  uint16
	Next   uint16
}

// DeviceQueue is the device side of a split virtqueue.
type DeviceQueue struct {
	DescTableAddr uint64
	AvailRingAddr uint64
	UsedRingAddr  uint64
	Size          uint16
	MaxSize       uint16
	Ready         bool

	lastAvailIdx uint16
	usedIdx      uint16

	mem GuestMemory
}

// NewDeviceQueue creates a queue that accepts rings of up to maxSize entries.
func NewDeviceQueue(mem GuestMemory, maxSize uint16) *DeviceQueue {
	return &DeviceQueue{MaxSize: maxSize, mem: mem}
}

// Configure applies a driver-provided layout and marks the queue ready.
func (q *DeviceQueue) Configure(l Layout) error {
	if err := q.SetSize(l.Size); err != nil {
		return err
	}
	q.SetAddresses(l.DescAddr, l.AvailAddr, l.UsedAddr)
	q.Ready = true
	return nil
}

// Reset clears the queue state.
func (q *DeviceQueue) Reset() {
	q.Size = 0
	q.Ready = false
	q.DescTableAddr = 0
	q.AvailRingAddr = 0
	q.UsedRingAddr = 0
	q.lastAvailIdx = 0
	q.usedIdx = 0
}

// SetAddresses configures the ring addresses.
func (q *DeviceQueue) SetAddresses(descAddr, availAddr, usedAddr uint64) {
	q.DescTableAddr = descAddr
	q.AvailRingAddr = availAddr
	q.UsedRingAddr = usedAddr
}

// SetSize sets the number of descriptors.
func (q *DeviceQueue) SetSize(size uint16) error {
	if size > q.MaxSize {
		return fmt.Errorf("virtq: queue size %d exceeds max size %d", size, q.MaxSize)
	}
	if size == 0 {
		return fmt.Errorf("virtq: queue size cannot be zero")
	}
	q.Size = size
	return nil
}

// ReadDescriptor reads one entry of the descriptor table.
func (q *DeviceQueue) ReadDescriptor(idx uint16) (Descriptor, error) {
	if err := q.ensureReady(); err != nil {
		return Descriptor{}, err
	}
	if idx >= q.Size {
		return Descriptor{}, fmt.Errorf("virtq: descriptor index %d out of bounds (size %d)", idx, q.Size)
	}
	var buf [descSize]byte
	if _, err := q.mem.ReadAt(buf[:], int64(q.DescTableAddr+uint64(idx)*descSize)); err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Addr:   binary.LittleEndian.Uint64(buf[0:8]),
		Length: binary.LittleEndian.Uint32(buf[8:12]),
		Flags:  binary.LittleEndian.Uint16(buf[12:14]),
		Next:   binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// NextAvailable pops the next chain head from the available ring.
func (q *DeviceQueue) NextAvailable() (head uint16, ok bool, err error) {
	if err := q.ensureReady(); err != nil {
		return 0, false, err
	}
	availIdx, err := q.readU16(q.AvailRingAddr + 2)
	if err != nil {
		return 0, false, err
	}
	if q.lastAvailIdx == availIdx {
		return 0, false, nil
	}
	ringIndex := q.lastAvailIdx % q.Size
	head, err = q.readU16(q.AvailRingAddr + ringHeaderLen + uint64(ringIndex)*2)
	if err != nil {
		return 0, false, err
	}
	q.lastAvailIdx++
	return head, true, nil
}

// ReadChain walks the chain starting at head. Device-readable segments must
// precede device-writable ones.
func (q *DeviceQueue) ReadChain(head uint16) ([]Segment, error) {
	if err := q.ensureReady(); err != nil {
		return nil, err
	}
	var segs []Segment
	index := head
	// A well-formed chain is never longer than the table.
	for i := uint16(0); i < q.Size; i++ {
		desc, err := q.ReadDescriptor(index)
		if err != nil {
			return segs, err
		}
		if desc.Flags&descFIndirect != 0 {
			return segs, fmt.Errorf("virtq: indirect descriptors not negotiated")
		}
		writable := desc.Flags&descFWrite != 0
		if !writable && len(segs) > 0 && segs[len(segs)-1].Writable {
			return segs, fmt.Errorf("virtq: readable descriptor %d after writable descriptor", index)
		}
		segs = append(segs, Segment{Addr: desc.Addr, Length: desc.Length, Writable: writable})
		if desc.Flags&descFNext == 0 {
			return segs, nil
		}
		index = desc.Next
	}
	return segs, fmt.Errorf("virtq: descriptor chain at %d does not terminate", head)
}

// PutUsed publishes head as consumed with written bytes in its writable
// segments.
func (q *DeviceQueue) PutUsed(head uint16, written uint32) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	base := q.UsedRingAddr + ringHeaderLen + uint64(q.usedIdx%q.Size)*usedElemSize
	var elem [usedElemSize]byte
	binary.LittleEndian.PutUint32(elem[0:4], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:8], written)
	if _, err := q.mem.WriteAt(elem[:], int64(base)); err != nil {
		return err
	}
	q.usedIdx++
	return q.writeU16(q.UsedRingAddr+2, q.usedIdx)
}

// InterruptSuppressed reports whether the driver set VIRTQ_AVAIL_F_NO_INTERRUPT.
func (q *DeviceQueue) InterruptSuppressed() bool {
	flags, err := q.readU16(q.AvailRingAddr)
	if err != nil {
		return false
	}
	return flags&availFNoInterrupt != 0
}

// SetNotifySuppressed sets or clears VIRTQ_USED_F_NO_NOTIFY.
func (q *DeviceQueue) SetNotifySuppressed(suppress bool) error {
	flags, err := q.readU16(q.UsedRingAddr)
	if err != nil {
		return err
	}
	if suppress {
		flags |= usedFNoNotify
	} else {
		flags &^= usedFNoNotify
	}
	return q.writeU16(q.UsedRingAddr, flags)
}

// ReadSegment copies a device-readable segment out of guest memory.
func (q *DeviceQueue) ReadSegment(s Segment) ([]byte, error) {
	if s.Length == 0 {
		return nil, nil
	}
	buf := make([]byte, s.Length)
	n, err := q.mem.ReadAt(buf, int64(s.Addr))
	if err != nil {
		return nil, err
	}
	if n != len(buf) {
		return nil, fmt.Errorf("virtq: short guest memory read (want %d, got %d)", len(buf), n)
	}
	return buf, nil
}

// WriteSegment copies data into a device-writable segment.
func (q *DeviceQueue) WriteSegment(s Segment, data []byte) error {
	if !s.Writable {
		return fmt.Errorf("virtq: write to device-readable segment at 0x%x", s.Addr)
	}
	if len(data) > int(s.Length) {
		return fmt.Errorf("virtq: %d bytes do not fit segment of %d", len(data), s.Length)
	}
	if len(data) == 0 {
		return nil
	}
	n, err := q.mem.WriteAt(data, int64(s.Addr))
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("virtq: short guest memory write (want %d, got %d)", len(data), n)
	}
	return nil
}

func (q *DeviceQueue) ensureReady() error {
	if !q.Ready || q.Size == 0 {
		return fmt.Errorf("virtq: queue not ready")
	}
	if q.mem == nil {
		return fmt.Errorf("virtq: guest memory accessor is nil")
	}
	return nil
}

func (q *DeviceQueue) readU16(addr uint64) (uint16, error) {
	var buf [2]byte
	if _, err := q.mem.ReadAt(buf[:], int64(addr)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (q *DeviceQueue) writeU16(addr uint64, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	_, err := q.mem.WriteAt(buf[:], int64(addr))
	return err
}
