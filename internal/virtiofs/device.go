// Package virtiofs is the request/response engine of a virtio-fs driver.
//
// A Device sits between a filesystem client, which speaks FUSE, and a
// Transport, which owns the virtqueues. Requests are framed with the FUSE
// header pair, placed on the high-priority queue or one of the request
// queues as descriptor chains, and completed from the transport's interrupt
// context.
package virtiofs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/tinyrange/vtfs/internal/dma"
	"github.com/tinyrange/vtfs/internal/fuseproto"
	"github.com/tinyrange/vtfs/internal/virtq"
	"go.uber.org/atomic"
)

// State is the lifecycle state of a Device.
type State int32

const (
	StateUninitialized State = iota
	StateNegotiating
	StateAllocating
	StateReady
	StateQuiescing
	StateDrained
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateNegotiating:
		return "negotiating"
	case StateAllocating:
		return "allocating"
	case StateReady:
		return "ready"
	case StateQuiescing:
		return "quiescing"
	case StateDrained:
		return "drained"
	case StateTornDown:
		return "torn-down"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// DetachReport summarizes a teardown.
type DetachReport struct {
	State State
	// Completed counts requests the device finished while draining.
	Completed int
	// Orphaned counts requests failed with ErrOrphaned.
	Orphaned int
	// Cancelled counts cancelled slots reclaimed by the ring reset.
	Cancelled int
}

// Option configures a Device.
type Option func(*Device)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Device) { d.log = l }
}

// WithMetrics sets the Prometheus collectors. The default is an
// unregistered set.
func WithMetrics(m *Metrics) Option {
	return func(d *Device) { d.metrics = m }
}

// Device is an attached virtio-fs device.
type Device struct {
	t       Transport
	mem     Allocator
	cfg     Config
	log     *slog.Logger
	metrics *Metrics

	state atomic.Int32
	// gate is held shared by submitters and exclusively to stop admission.
	gate sync.RWMutex

	features uint64
	devCfg   DeviceConfig

	queues []*queue // by queue index
	router router
	slots  *SlotTable
	disp   dispatcher

	removed     chan struct{}
	removeOnce  sync.Once
	teardownMu  sync.Mutex
	report      *DetachReport
	teardownErr error
}

// Attach negotiates with the device behind t, allocates its queues and
// returns a Device ready to accept requests. On failure every queue that was
// allocated is released again.
func Attach(t Transport, cfg Config, opts ...Option) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Device{
		t:       t,
		mem:     t.Memory(),
		cfg:     cfg,
		log:     slog.Default(),
		removed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = NewMetrics(nil)
	}
	d.disp.dev = d

	d.setState(StateNegotiating)
	if err := d.negotiate(); err != nil {
		d.rollback()
		return nil, err
	}

	d.setState(StateAllocating)
	if err := d.allocate(); err != nil {
		d.rollback()
		return nil, err
	}

	d.setState(StateReady)
	d.log.Info("virtio-fs: device ready",
		"tag", d.devCfg.Tag,
		"request_queues", len(d.router.reqs),
		"slots", d.slots.Len(),
		"features", FeatureNames(d.features))
	return d, nil
}

func (d *Device) negotiate() error {
	offered := d.t.DeviceFeatures()
	accepted := Negotiate(offered)
	if err := d.t.SetDriverFeatures(accepted); err != nil {
		return fmt.Errorf("%w: set driver features 0x%x: %w", ErrNegotiationFailure, accepted, err)
	}
	d.features = accepted
	d.log.Debug("virtio-fs: negotiated features", "offered", FeatureNames(offered), "accepted", FeatureNames(accepted))

	devCfg, err := ReadDeviceConfig(d.t)
	if err != nil {
		return err
	}
	d.devCfg = devCfg
	return nil
}

func (d *Device) allocate() error {
	nreq := requestQueueCount(d.devCfg, d.cfg)
	total := 0
	for i := 0; i < requestQueueBase+nreq; i++ {
		class := RequestQueue
		if i == hiprioQueueIndex {
			class = HighPriorityQueue
		}
		ring, err := d.t.AllocQueue(i, class)
		if err != nil {
			return fmt.Errorf("%w: %s queue %d: %w", ErrAllocationFailure, class, i, err)
		}
		q := newQueue(i, class, ring, d.cfg.QueueDepth)
		d.queues = append(d.queues, q)
		if q.capacity == 0 {
			return fmt.Errorf("%w: %s queue %d has %d descriptors", ErrAllocationFailure, class, i, ring.Capacity())
		}
		total += q.capacity
	}
	d.router = router{
		hiprio: d.queues[hiprioQueueIndex],
		reqs:   d.queues[requestQueueBase:],
		policy: d.cfg.RoutePolicy,
	}
	d.slots = NewSlotTable(total)

	for _, q := range d.queues {
		if err := d.t.RegisterInterrupt(q.index, d.HandleInterrupt); err != nil {
			return fmt.Errorf("%w: register interrupt for queue %d: %w", ErrAllocationFailure, q.index, err)
		}
	}
	return nil
}

// rollback undoes a partial attach.
func (d *Device) rollback() {
	var errs *multierror.Error
	if err := d.t.Reset(); err != nil {
		errs = multierror.Append(errs, err)
	}
	for _, q := range d.queues {
		if err := d.t.FreeQueue(q.index); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	d.queues = nil
	d.setState(StateTornDown)
	if err := errs.ErrorOrNil(); err != nil {
		d.log.Error("virtio-fs: attach rollback", "err", err)
	}
}

// State returns the lifecycle state.
func (d *Device) State() State { return State(d.state.Load()) }

func (d *Device) setState(s State) {
	old := State(d.state.Swap(int32(s)))
	d.log.Debug("virtio-fs: state change", "from", old, "to", s)
}

// Features returns the negotiated feature bits.
func (d *Device) Features() uint64 { return d.features }

// Config returns the device configuration read at attach.
func (d *Device) Config() DeviceConfig { return d.devCfg }

// Slots exposes the request slot table.
func (d *Device) Slots() *SlotTable { return d.slots }

// HandleInterrupt drains completed chains from every queue. Transports
// call it from their notification context; it is also safe to call when
// polling.
func (d *Device) HandleInterrupt() {
	d.disp.drainAll()
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	State              State
	Queues             []QueueStats
	SlotsInUse         int
	ProtocolViolations uint64
}

// Stats returns current counters.
func (d *Device) Stats() Stats {
	s := Stats{
		State:              d.State(),
		ProtocolViolations: d.disp.violations.Load(),
	}
	for _, q := range d.queues {
		s.Queues = append(s.Queues, q.stats())
	}
	if d.slots != nil {
		s.SlotsInUse = d.slots.Len() - d.slots.Count(SlotFree)
	}
	return s
}

// Submit routes req to a queue and hands it to the device.
func (d *Device) Submit(req Request) (*Handle, error) {
	d.gate.RLock()
	defer d.gate.RUnlock()
	if err := d.admit(); err != nil {
		return nil, err
	}
	q := d.router.route(&req)
	h, err := d.enqueue(q, &req)
	if err != nil {
		return nil, err
	}
	d.notify(q)
	return h, nil
}

// SubmitOn places req on request queue n, counting from zero. Callers use
// it to retry elsewhere after backpressure.
func (d *Device) SubmitOn(n int, req Request) (*Handle, error) {
	d.gate.RLock()
	defer d.gate.RUnlock()
	if err := d.admit(); err != nil {
		return nil, err
	}
	if n < 0 || n >= len(d.router.reqs) {
		return nil, fmt.Errorf("virtio-fs: no request queue %d", n)
	}
	q := d.router.reqs[n]
	h, err := d.enqueue(q, &req)
	if err != nil {
		return nil, err
	}
	d.notify(q)
	return h, nil
}

// SubmitBatch submits reqs and rings each touched queue's doorbell once.
// On error it returns the handles of the requests already submitted.
func (d *Device) SubmitBatch(reqs []Request) ([]*Handle, error) {
	d.gate.RLock()
	defer d.gate.RUnlock()
	if err := d.admit(); err != nil {
		return nil, err
	}
	handles := make([]*Handle, 0, len(reqs))
	touched := make(map[*queue]struct{})
	var err error
	for i := range reqs {
		q := d.router.route(&reqs[i])
		var h *Handle
		if h, err = d.enqueue(q, &reqs[i]); err != nil {
			break
		}
		handles = append(handles, h)
		touched[q] = struct{}{}
	}
	for _, q := range d.queues {
		if _, ok := touched[q]; ok {
			d.notify(q)
		}
	}
	return handles, err
}

// Do submits req and waits for its response.
func (d *Device) Do(ctx context.Context, req Request) (*Response, error) {
	h, err := d.Submit(req)
	if err != nil {
		return nil, err
	}
	return h.Wait(ctx)
}

func (d *Device) admit() error {
	if s := d.State(); s != StateReady {
		return fmt.Errorf("%w (state %s)", ErrShuttingDown, s)
	}
	return nil
}

func (d *Device) enqueue(q *queue, req *Request) (*Handle, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if int(q.inFlight.Load()) >= q.capacity {
		return nil, d.backpressure(q, ErrQueueFull)
	}

	reqSize := fuseproto.InHeaderSize + len(req.Payload)
	respSize := fuseproto.OutHeaderSize + req.ResponseSize
	if sz, ok := d.mem.(interface{ Size() int }); ok && reqSize+respSize > sz.Size() {
		return nil, fmt.Errorf("%w: %d bytes of buffers, memory holds %d", ErrRequestTooLarge, reqSize+respSize, sz.Size())
	}

	reqBuf, err := d.mem.Alloc(reqSize, 8)
	if err != nil {
		return nil, d.allocFailure(q, reqSize, err)
	}
	respBuf, err := d.mem.Alloc(respSize, 8)
	if err != nil {
		freeBuffers(d.mem, reqBuf)
		return nil, d.allocFailure(q, respSize, err)
	}

	h := &Handle{dev: d, opcode: req.Opcode, queue: q.index, done: make(chan struct{})}
	id, gen, err := d.slots.acquire(reqBuf, respBuf, h)
	if err != nil {
		freeBuffers(d.mem, reqBuf, respBuf)
		return nil, d.backpressure(q, err)
	}
	h.id, h.gen = id, gen
	h.unique = req.Unique
	if h.unique == 0 {
		h.unique = slotUnique(id, gen)
	}

	hdr := req.header(h.unique)
	if err := fuseproto.PutInHeader(reqBuf.Data, &hdr); err != nil {
		d.abortSlot(id)
		return nil, err
	}
	copy(reqBuf.Data[fuseproto.InHeaderSize:], req.Payload)

	chain := []virtq.Segment{
		{Addr: reqBuf.Addr, Length: uint32(reqBuf.Len())},
		{Addr: respBuf.Addr, Length: uint32(respBuf.Len()), Writable: true},
	}

	q.mu.Lock()
	if q.full() {
		q.mu.Unlock()
		d.abortSlot(id)
		return nil, d.backpressure(q, ErrQueueFull)
	}
	tok, err := q.ring.Submit(chain)
	if err != nil {
		q.mu.Unlock()
		d.abortSlot(id)
		if IsTransient(err) {
			return nil, d.backpressure(q, err)
		}
		return nil, fmt.Errorf("virtio-fs: submit to queue %d: %w", q.index, err)
	}
	d.slots.bind(id, q.index, tok, h.unique, req.Opcode)
	q.inflight[tok] = id
	q.inFlight.Inc()
	q.seq.Inc()
	d.metrics.InFlight.WithLabelValues(q.label).Set(float64(q.inFlight.Load()))
	q.mu.Unlock()

	d.metrics.Submitted.WithLabelValues(q.label).Inc()
	return h, nil
}

func (d *Device) notify(q *queue) {
	if err := q.ring.Notify(); err != nil {
		d.log.Error("virtio-fs: notify device", "queue", q.index, "err", err)
	}
}

// allocFailure classifies a failed buffer allocation. Running out of memory
// is only backpressure while submitted requests can still give some back.
func (d *Device) allocFailure(q *queue, size int, err error) error {
	if errors.Is(err, dma.ErrOutOfMemory) && d.slots.pending() > 0 {
		return d.backpressure(q, err)
	}
	if errors.Is(err, dma.ErrOutOfMemory) {
		return fmt.Errorf("%w: %d byte buffer with nothing in flight: %w", ErrRequestTooLarge, size, err)
	}
	return fmt.Errorf("virtio-fs: allocate %d byte buffer: %w", size, err)
}

func (d *Device) backpressure(q *queue, cause error) error {
	d.metrics.Backpressure.WithLabelValues(q.label).Inc()
	return fmt.Errorf("%w: queue %d: %w", ErrBackpressure, q.index, cause)
}

func (d *Device) abortSlot(id SlotID) {
	slot, err := d.slots.abort(id)
	if err != nil {
		d.log.Error("virtio-fs: abort slot", "slot", id, "err", err)
		return
	}
	if err := freeBuffers(d.mem, slot.Request, slot.Response); err != nil {
		d.log.Error("virtio-fs: free request buffers", "slot", id, "err", err)
	}
}

// releaseSlot frees a slot the device is known to be done with.
func (d *Device) releaseSlot(id SlotID) {
	slot, err := d.slots.release(id, true)
	if err != nil {
		d.log.Error("virtio-fs: release slot", "slot", id, "err", err)
		return
	}
	if err := freeBuffers(d.mem, slot.Request, slot.Response); err != nil {
		d.log.Error("virtio-fs: free request buffers", "slot", id, "err", err)
	}
}

func (d *Device) cancel(h *Handle) bool {
	if _, ok := d.slots.cancel(h.id, h.gen); !ok {
		return false
	}
	d.metrics.Cancelled.Inc()
	d.log.Debug("virtio-fs: request cancelled", "slot", h.id, "unique", h.unique, "opcode", h.opcode)
	h.finish(nil, ErrCancelled)
	return true
}

// slotUnique derives a non-zero FUSE unique id from a slot and its
// generation, so an echoed id maps straight back to its slot.
func slotUnique(id SlotID, gen uint32) uint64 {
	return uint64(gen)<<32 | uint64(id)
}

// Detach stops admission, waits up to the drain timeout for in-flight
// requests, orphans whatever is left, resets the device and frees every
// queue. Calling it again returns the first call's result.
func (d *Device) Detach(ctx context.Context) (DetachReport, error) {
	return d.teardown(ctx, d.cfg.DrainTimeout)
}

// Remove handles surprise removal: every in-flight request is orphaned
// without waiting for the device. It may be called from any goroutine,
// including while Detach is draining.
func (d *Device) Remove() (DetachReport, error) {
	d.removeOnce.Do(func() { close(d.removed) })
	return d.teardown(context.Background(), 0)
}

func (d *Device) teardown(ctx context.Context, drainTimeout time.Duration) (DetachReport, error) {
	d.teardownMu.Lock()
	defer d.teardownMu.Unlock()
	if d.report != nil {
		return *d.report, d.teardownErr
	}

	d.gate.Lock()
	d.setState(StateQuiescing)
	d.gate.Unlock()

	settledBefore := d.slots.settledCount()
	d.drain(ctx, drainTimeout)

	var errs *multierror.Error
	resetOK := true
	if err := d.t.Reset(); err != nil {
		resetOK = false
		errs = multierror.Append(errs, fmt.Errorf("virtio-fs: reset device: %w", err))
	}
	// Anything the device finished before the reset still counts.
	d.disp.drainAll()

	report := DetachReport{Completed: int(d.slots.settledCount() - settledBefore)}
	orphans := d.slots.orphanSubmitted()
	report.Orphaned = len(orphans)
	for _, h := range orphans {
		h.finish(nil, ErrOrphaned)
	}
	d.metrics.Orphaned.Add(float64(len(orphans)))
	if len(orphans) > 0 {
		d.log.Warn("virtio-fs: orphaned in-flight requests", "count", len(orphans))
	}

	if resetOK {
		d.setState(StateDrained)
		for _, id := range d.slots.inState(SlotOrphaned) {
			d.releaseSlot(id)
		}
		cancelled := d.slots.inState(SlotCancelled)
		report.Cancelled = len(cancelled)
		for _, id := range cancelled {
			d.releaseSlot(id)
		}
		for _, q := range d.queues {
			q.mu.Lock()
			clear(q.inflight)
			q.inFlight.Store(0)
			d.metrics.InFlight.WithLabelValues(q.label).Set(0)
			q.mu.Unlock()
			if err := d.t.FreeQueue(q.index); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("virtio-fs: free queue %d: %w", q.index, err))
			}
		}
		d.setState(StateTornDown)
	} else {
		// The device may still write orphaned buffers; keep them.
		d.log.Error("virtio-fs: device reset failed, leaking request buffers", "slots", d.slots.Len()-d.slots.Count(SlotFree))
	}

	report.State = d.State()
	d.report = &report
	d.teardownErr = errs.ErrorOrNil()
	d.log.Info("virtio-fs: detached",
		"tag", d.devCfg.Tag,
		"completed", report.Completed,
		"orphaned", report.Orphaned,
		"cancelled", report.Cancelled)
	return report, d.teardownErr
}

// drain waits for the device to return every chain it owns, for at most
// timeout.
func (d *Device) drain(ctx context.Context, timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		d.disp.drainAll()
		if d.slots.pending() == 0 {
			return
		}
		select {
		case <-d.slots.changed:
		case <-timer.C:
			d.log.Warn("virtio-fs: drain timed out", "pending", d.slots.pending(), "timeout", timeout)
			return
		case <-ctx.Done():
			return
		case <-d.removed:
			return
		}
	}
}

var _ Allocator = (*dma.Arena)(nil)
