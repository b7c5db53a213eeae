package virtq

import (
	"encoding/binary"
	"fmt"
	"iter"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/tinyrange/vtfs/internal/dma"
)

// SplitRing is the driver side of a split virtqueue. All methods are safe
// for concurrent use; submission and completion serialize on the ring lock.
type SplitRing struct {
	mem      Memory
	size     uint16
	doorbell func() error

	desc  dma.Buffer
	avail dma.Buffer
	used  dma.Buffer

	mu       sync.Mutex
	next     []uint16 // free-list links, driver private
	chainLen []uint16 // descriptors held by the chain headed at i, 0 if idle
	freeHead uint16
	numFree  uint16
	availIdx uint16
	lastUsed uint16
	kicked   uint16 // availIdx at the last doorbell
	seq      uint64
}

// NewSplitRing allocates a ring of size descriptors from mem. size must be a
// power of two. doorbell is called by Notify.
func NewSplitRing(mem Memory, size uint16, doorbell func() error) (*SplitRing, error) {
	if size == 0 || size&(size-1) != 0 {
		return nil, fmt.Errorf("virtq: ring size %d is not a power of two", size)
	}
	r := &SplitRing{
		mem:      mem,
		size:     size,
		doorbell: doorbell,
		next:     make([]uint16, size),
		chainLen: make([]uint16, size),
	}

	var err error
	if r.desc, err = mem.Alloc(descTableSize(size), 16); err != nil {
		return nil, fmt.Errorf("virtq: allocate descriptor table: %w", err)
	}
	if r.avail, err = mem.Alloc(availRingSize(size), 2); err != nil {
		r.Close()
		return nil, fmt.Errorf("virtq: allocate available ring: %w", err)
	}
	if r.used, err = mem.Alloc(usedRingSize(size), 4); err != nil {
		r.Close()
		return nil, fmt.Errorf("virtq: allocate used ring: %w", err)
	}
	r.resetLocked()
	return r, nil
}

// Layout returns the ring addresses.
func (r *SplitRing) Layout() Layout {
	return Layout{
		Size:      r.size,
		DescAddr:  r.desc.Addr,
		AvailAddr: r.avail.Addr,
		UsedAddr:  r.used.Addr,
	}
}

// Capacity returns the number of descriptors in the ring.
func (r *SplitRing) Capacity() int { return int(r.size) }

// HasSpace reports whether a chain of n descriptors fits right now.
func (r *SplitRing) HasSpace(n int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return n > 0 && n <= int(r.numFree)
}

// InFlight returns the number of descriptors owned by the device.
func (r *SplitRing) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.size - r.numFree)
}

// Seq returns the number of chains submitted since the ring was created.
func (r *SplitRing) Seq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// Submit writes chain into the descriptor table and publishes it on the
// available ring. It does not notify the device.
func (r *SplitRing) Submit(chain []Segment) (Token, error) {
	if len(chain) == 0 {
		return 0, fmt.Errorf("virtq: empty descriptor chain")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(chain) > int(r.numFree) {
		return 0, ErrQueueFull
	}

	head := r.freeHead
	idx := head
	for i, seg := range chain {
		var flags uint16
		if seg.Writable {
			flags |= descFWrite
		}
		link := r.next[idx]
		var next uint16
		if i < len(chain)-1 {
			flags |= descFNext
			next = link
		}
		if err := r.writeDesc(idx, seg, flags, next); err != nil {
			return 0, err
		}
		idx = link
	}
	r.freeHead = idx
	r.numFree -= uint16(len(chain))
	r.chainLen[head] = uint16(len(chain))

	slot := r.availIdx % r.size
	if err := r.putU16(r.avail.Addr+ringHeaderLen+2*uint64(slot), head); err != nil {
		return 0, err
	}
	r.availIdx++
	if err := r.putU16(r.avail.Addr+2, r.availIdx); err != nil {
		return 0, err
	}
	r.seq++
	return Token(head), nil
}

// PollCompleted returns the chains the device has finished with since the
// last call. The sequence covers the used ring up to the index observed when
// iteration starts; stopping early leaves the rest for the next call.
// Descriptors of a yielded chain are back on the free list before the yield.
//
// A used element naming a descriptor that is not the head of an in-flight
// chain is still yielded so the caller can account for it.
func (r *SplitRing) PollCompleted() iter.Seq2[Token, uint32] {
	return func(yield func(Token, uint32) bool) {
		r.mu.Lock()
		end, err := r.getU16(r.used.Addr + 2)
		r.mu.Unlock()
		if err != nil {
			return
		}
		for {
			r.mu.Lock()
			if r.lastUsed == end {
				r.mu.Unlock()
				return
			}
			base := r.used.Addr + ringHeaderLen + usedElemSize*uint64(r.lastUsed%r.size)
			var elem [usedElemSize]byte
			if _, err := r.mem.ReadAt(elem[:], int64(base)); err != nil {
				r.mu.Unlock()
				return
			}
			id := binary.LittleEndian.Uint32(elem[0:4])
			written := binary.LittleEndian.Uint32(elem[4:8])
			r.lastUsed++
			r.releaseChainLocked(id)
			r.mu.Unlock()

			if !yield(Token(id), written) {
				return
			}
		}
	}
}

// Notify rings the doorbell if chains were published since the last
// notification and the device has not suppressed notifications.
func (r *SplitRing) Notify() error {
	r.mu.Lock()
	if r.kicked == r.availIdx {
		r.mu.Unlock()
		return nil
	}
	r.kicked = r.availIdx
	flags, err := r.getU16(r.used.Addr)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if flags&usedFNoNotify != 0 || r.doorbell == nil {
		return nil
	}
	return r.doorbell()
}

// Reset returns every descriptor to the free list and clears the rings. The
// caller must ensure the device no longer accesses the ring.
func (r *SplitRing) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
}

// Close frees the ring memory.
func (r *SplitRing) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs *multierror.Error
	for _, b := range []*dma.Buffer{&r.desc, &r.avail, &r.used} {
		if b.IsZero() {
			continue
		}
		if err := r.mem.Free(*b); err != nil {
			errs = multierror.Append(errs, err)
		}
		*b = dma.Buffer{}
	}
	return errs.ErrorOrNil()
}

func (r *SplitRing) resetLocked() {
	for i := range r.next {
		r.next[i] = uint16(i + 1)
		r.chainLen[i] = 0
	}
	r.freeHead = 0
	r.numFree = r.size
	r.availIdx = 0
	r.lastUsed = 0
	r.kicked = 0
	for _, b := range []dma.Buffer{r.desc, r.avail, r.used} {
		if !b.IsZero() {
			_, _ = r.mem.WriteAt(make([]byte, b.Len()), int64(b.Addr))
		}
	}
}

func (r *SplitRing) releaseChainLocked(id uint32) {
	if id >= uint32(r.size) {
		return
	}
	head := uint16(id)
	n := r.chainLen[head]
	if n == 0 {
		return
	}
	// Walk to the tail of the chain through the private links, then splice
	// the whole chain onto the front of the free list.
	tail := head
	for i := uint16(1); i < n; i++ {
		tail = r.next[tail]
	}
	r.next[tail] = r.freeHead
	r.freeHead = head
	r.numFree += n
	r.chainLen[head] = 0
}

func (r *SplitRing) writeDesc(idx uint16, seg Segment, flags, next uint16) error {
	var buf [descSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], seg.Addr)
	binary.LittleEndian.PutUint32(buf[8:12], seg.Length)
	binary.LittleEndian.PutUint16(buf[12:14], flags)
	binary.LittleEndian.PutUint16(buf[14:16], next)
	_, err := r.mem.WriteAt(buf[:], int64(r.desc.Addr+uint64(idx)*descSize))
	return err
}

func (r *SplitRing) putU16(addr uint64, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	_, err := r.mem.WriteAt(buf[:], int64(addr))
	return err
}

func (r *SplitRing) getU16(addr uint64) (uint16, error) {
	var buf [2]byte
	if _, err := r.mem.ReadAt(buf[:], int64(addr)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}
