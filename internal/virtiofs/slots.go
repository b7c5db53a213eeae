package virtiofs

import (
	"fmt"
	"sync"

	"github.com/tinyrange/vtfs/internal/dma"
	"github.com/tinyrange/vtfs/internal/fuseproto"
	"github.com/tinyrange/vtfs/internal/virtq"
)

// SlotID indexes the request slot table.
type SlotID uint32

// SlotState is the disposition of one request slot.
//
//	Free -> Submitted -> Completed -> Free
//	Submitted -> Cancelled -> Free     (released once the device completes it)
//	Submitted -> Orphaned -> Free      (released once the rings were reset)
type SlotState int

const (
	SlotFree SlotState = iota
	SlotSubmitted
	SlotCompleted
	SlotCancelled
	SlotOrphaned
	numSlotStates
)

func (s SlotState) String() string {
	switch s {
	case SlotFree:
		return "free"
	case SlotSubmitted:
		return "submitted"
	case SlotCompleted:
		return "completed"
	case SlotCancelled:
		return "cancelled"
	case SlotOrphaned:
		return "orphaned"
	default:
		return fmt.Sprintf("SlotState(%d)", int(s))
	}
}

// Slot is a snapshot of one table entry.
type Slot struct {
	ID       SlotID
	State    SlotState
	Gen      uint32
	Queue    int
	Token    virtq.Token
	Unique   uint64
	Opcode   fuseproto.Opcode
	Request  dma.Buffer // device-readable
	Response dma.Buffer // device-writable
}

type slotEntry struct {
	state  SlotState
	gen    uint32
	queue  int
	token  virtq.Token
	unique uint64
	opcode fuseproto.Opcode
	req    dma.Buffer
	resp   dma.Buffer
	handle *Handle
}

// SlotTable tracks every in-flight request. Slot ids are global across all
// queues and are reused only after the slot returned to SlotFree.
type SlotTable struct {
	mu     sync.Mutex
	slots  []slotEntry
	free   []SlotID // FIFO, so a released id is the last to be reused
	counts [numSlotStates]int

	// settled counts device completions of submitted requests.
	settled uint64

	// changed is poked whenever a slot leaves Submitted or Cancelled.
	changed chan struct{}
}

// NewSlotTable creates a table of n free slots.
func NewSlotTable(n int) *SlotTable {
	t := &SlotTable{
		slots:   make([]slotEntry, n),
		free:    make([]SlotID, n),
		changed: make(chan struct{}, 1),
	}
	for i := range t.slots {
		t.slots[i].gen = 1
		t.free[i] = SlotID(i)
	}
	t.counts[SlotFree] = n
	return t
}

// Len returns the table capacity.
func (t *SlotTable) Len() int { return len(t.slots) }

// Acquire reserves a free slot for the given buffers and moves it to
// SlotSubmitted.
func (t *SlotTable) Acquire(req, resp dma.Buffer) (SlotID, error) {
	id, _, err := t.acquire(req, resp, nil)
	return id, err
}

// Release returns a finished slot to SlotFree. Slots in SlotSubmitted or
// SlotCancelled are refused: the device may still write their buffers.
func (t *SlotTable) Release(id SlotID) error {
	_, err := t.release(id, false)
	return err
}

// Lookup returns a snapshot of slot id.
func (t *SlotTable) Lookup(id SlotID) (Slot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(id) >= len(t.slots) {
		return Slot{}, false
	}
	return t.snapshotLocked(id), true
}

// Count returns the number of slots in state s.
func (t *SlotTable) Count(s SlotState) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[s]
}

func (t *SlotTable) acquire(req, resp dma.Buffer, h *Handle) (SlotID, uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.free) == 0 {
		return 0, 0, ErrTableFull
	}
	id := t.free[0]
	t.free = t.free[1:]
	e := &t.slots[id]
	e.req = req
	e.resp = resp
	e.handle = h
	t.setStateLocked(e, SlotSubmitted)
	return id, e.gen, nil
}

// bind records where a slot's chain was placed.
func (t *SlotTable) bind(id SlotID, queue int, token virtq.Token, unique uint64, op fuseproto.Opcode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := &t.slots[id]
	e.queue = queue
	e.token = token
	e.unique = unique
	e.opcode = op
}

// abort frees a slot whose chain never reached the ring.
func (t *SlotTable) abort(id SlotID) (Slot, error) {
	return t.release(id, true)
}

// release frees id. Unless force is set, slots the device may still own are
// refused.
func (t *SlotTable) release(id SlotID, force bool) (Slot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(id) >= len(t.slots) {
		return Slot{}, fmt.Errorf("virtio-fs: release of unknown slot %d", id)
	}
	e := &t.slots[id]
	switch e.state {
	case SlotFree:
		return Slot{}, fmt.Errorf("virtio-fs: slot %d released twice", id)
	case SlotSubmitted, SlotCancelled:
		if !force {
			return Slot{}, fmt.Errorf("virtio-fs: slot %d is still owned by the device", id)
		}
	}
	snap := t.snapshotLocked(id)
	t.setStateLocked(e, SlotFree)
	e.gen++
	if e.gen == 0 {
		e.gen = 1
	}
	e.queue = 0
	e.token = 0
	e.unique = 0
	e.opcode = 0
	e.req = dma.Buffer{}
	e.resp = dma.Buffer{}
	e.handle = nil
	t.free = append(t.free, id)
	return snap, nil
}

// settle records the device's completion of id. It returns the snapshot and
// the state the slot was in: SlotSubmitted slots move to SlotCompleted and
// their handle is returned for delivery; SlotCancelled slots stay put for the
// caller to release.
func (t *SlotTable) settle(id SlotID) (Slot, SlotState, *Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(id) >= len(t.slots) {
		return Slot{}, SlotFree, nil
	}
	e := &t.slots[id]
	prior := e.state
	var h *Handle
	if prior == SlotSubmitted {
		t.setStateLocked(e, SlotCompleted)
		t.settled++
		h = e.handle
	}
	return t.snapshotLocked(id), prior, h
}

// cancel moves a submitted slot of generation gen to SlotCancelled.
func (t *SlotTable) cancel(id SlotID, gen uint32) (*Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(id) >= len(t.slots) {
		return nil, false
	}
	e := &t.slots[id]
	if e.state != SlotSubmitted || e.gen != gen {
		return nil, false
	}
	t.setStateLocked(e, SlotCancelled)
	return e.handle, true
}

// orphanSubmitted moves every submitted slot to SlotOrphaned and returns
// their handles.
func (t *SlotTable) orphanSubmitted() []*Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	var hs []*Handle
	for i := range t.slots {
		e := &t.slots[i]
		if e.state != SlotSubmitted {
			continue
		}
		t.setStateLocked(e, SlotOrphaned)
		if e.handle != nil {
			hs = append(hs, e.handle)
		}
	}
	return hs
}

// inState returns the ids of all slots in state s.
func (t *SlotTable) inState(s SlotState) []SlotID {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []SlotID
	for i := range t.slots {
		if t.slots[i].state == s {
			ids = append(ids, SlotID(i))
		}
	}
	return ids
}

// pending counts slots whose buffers the device may still target.
func (t *SlotTable) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[SlotSubmitted] + t.counts[SlotCancelled]
}

func (t *SlotTable) settledCount() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.settled
}

func (t *SlotTable) setStateLocked(e *slotEntry, s SlotState) {
	old := e.state
	t.counts[old]--
	t.counts[s]++
	e.state = s
	if old == SlotSubmitted || old == SlotCancelled {
		select {
		case t.changed <- struct{}{}:
		default:
		}
	}
}

func (t *SlotTable) snapshotLocked(id SlotID) Slot {
	e := &t.slots[id]
	return Slot{
		ID:       id,
		State:    e.state,
		Gen:      e.gen,
		Queue:    e.queue,
		Token:    e.token,
		Unique:   e.unique,
		Opcode:   e.opcode,
		Request:  e.req,
		Response: e.resp,
	}
}
