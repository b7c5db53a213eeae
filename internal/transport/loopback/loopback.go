// Package loopback is an in-process virtio-fs device. It serves the driver
// side of internal/virtiofs over split virtqueues in a shared DMA arena,
// one goroutine per queue, and raises completion interrupts by calling the
// registered handler from that goroutine.
package loopback

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/tinyrange/vtfs/internal/dma"
	"github.com/tinyrange/vtfs/internal/virtiofs"
	"github.com/tinyrange/vtfs/internal/virtq"
)

const (
	defaultQueueSize  = 128
	defaultMemorySize = 4 << 20

	cfgTagSize    = 36
	cfgNumQOffset = cfgTagSize
	cfgTotalSize  = cfgNumQOffset + 4
)

// ErrNoReply makes the device keep a chain without ever completing it.
var ErrNoReply = errors.New("loopback: request held without reply")

// Handler serves one FUSE request. req holds the device-readable bytes, resp
// is the device-writable capacity. It returns the number of bytes written to
// resp. ctx ends when the device is reset.
type Handler interface {
	ServeFUSE(ctx context.Context, req, resp []byte) (uint32, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req, resp []byte) (uint32, error)

func (f HandlerFunc) ServeFUSE(ctx context.Context, req, resp []byte) (uint32, error) {
	return f(ctx, req, resp)
}

// Options configures a loopback device.
type Options struct {
	Tag              string
	NumRequestQueues uint32
	// QueueSize is the ring size in descriptors.
	QueueSize uint16
	// Features are offered to the driver.
	Features   uint64
	MemorySize int
	Handler    Handler
	Logger     *slog.Logger
	// AllocHook may fail the allocation of a queue.
	AllocHook func(index int) error
}

type queue struct {
	index    int
	class    virtiofs.QueueClass
	ring     *virtq.SplitRing
	dev      *virtq.DeviceQueue
	doorbell chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu   sync.Mutex
	irq  func()
	held int
}

// Device is a loopback virtio-fs device. It implements virtiofs.Transport.
type Device struct {
	opts  Options
	log   *slog.Logger
	arena *dma.Arena
	cfg   [cfgTotalSize]byte

	mu             sync.Mutex
	ctx            context.Context
	cancel         context.CancelFunc
	driverFeatures uint64
	queues         map[int]*queue
}

// New creates a device with its own DMA arena.
func New(opts Options) (*Device, error) {
	if opts.NumRequestQueues == 0 {
		opts.NumRequestQueues = 1
	}
	if opts.QueueSize == 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.MemorySize == 0 {
		opts.MemorySize = defaultMemorySize
	}
	if opts.Handler == nil {
		opts.Handler = NewMemServer()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	arena, err := dma.NewArena(opts.MemorySize)
	if err != nil {
		return nil, fmt.Errorf("loopback: %w", err)
	}
	d := &Device{
		opts:   opts,
		log:    opts.Logger,
		arena:  arena,
		queues: make(map[int]*queue),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())

	tag := opts.Tag
	if len(tag) > cfgTagSize {
		tag = tag[:cfgTagSize]
	}
	copy(d.cfg[:cfgTagSize], tag)
	binary.LittleEndian.PutUint32(d.cfg[cfgNumQOffset:], opts.NumRequestQueues)
	return d, nil
}

// Arena returns the device's DMA memory.
func (d *Device) Arena() *dma.Arena { return d.arena }

// DeviceFeatures implements virtiofs.Transport.
func (d *Device) DeviceFeatures() uint64 { return d.opts.Features }

// SetDriverFeatures implements virtiofs.Transport.
func (d *Device) SetDriverFeatures(features uint64) error {
	if extra := features &^ d.opts.Features; extra != 0 {
		return fmt.Errorf("loopback: driver accepted features 0x%x that were not offered", extra)
	}
	d.mu.Lock()
	d.driverFeatures = features
	d.mu.Unlock()
	return nil
}

// DriverFeatures returns what the driver accepted.
func (d *Device) DriverFeatures() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.driverFeatures
}

// ReadConfig implements virtiofs.Transport.
func (d *Device) ReadConfig(offset int, p []byte) error {
	if offset < 0 || offset+len(p) > len(d.cfg) {
		return fmt.Errorf("loopback: config read [%d, +%d) outside %d byte config space", offset, len(p), len(d.cfg))
	}
	copy(p, d.cfg[offset:])
	return nil
}

// Memory implements virtiofs.Transport.
func (d *Device) Memory() virtiofs.Allocator { return d.arena }

// AllocQueue implements virtiofs.Transport.
func (d *Device) AllocQueue(index int, class virtiofs.QueueClass) (virtiofs.Ring, error) {
	if index < 0 || index > int(d.opts.NumRequestQueues) {
		return nil, fmt.Errorf("loopback: no queue %d", index)
	}
	if d.opts.AllocHook != nil {
		if err := d.opts.AllocHook(index); err != nil {
			return nil, err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.queues[index]; ok {
		return nil, fmt.Errorf("loopback: queue %d already allocated", index)
	}

	q := &queue{
		index:    index,
		class:    class,
		doorbell: make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	ring, err := virtq.NewSplitRing(d.arena, d.opts.QueueSize, func() error {
		select {
		case q.doorbell <- struct{}{}:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loopback: queue %d: %w", index, err)
	}
	q.ring = ring
	q.dev = virtq.NewDeviceQueue(d.arena, d.opts.QueueSize)
	if err := q.dev.Configure(ring.Layout()); err != nil {
		ring.Close()
		return nil, fmt.Errorf("loopback: queue %d: %w", index, err)
	}
	d.queues[index] = q

	go d.serve(d.ctx, q)
	return ring, nil
}

// RegisterInterrupt implements virtiofs.Transport.
func (d *Device) RegisterInterrupt(index int, handler func()) error {
	d.mu.Lock()
	q, ok := d.queues[index]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("loopback: no queue %d", index)
	}
	q.mu.Lock()
	q.irq = handler
	q.mu.Unlock()
	return nil
}

// Reset implements virtiofs.Transport. It stops every queue goroutine and
// waits for them, so no ring access or interrupt happens afterwards.
func (d *Device) Reset() error {
	d.mu.Lock()
	d.cancel()
	queues := make([]*queue, 0, len(d.queues))
	for _, q := range d.queues {
		queues = append(queues, q)
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.driverFeatures = 0
	d.mu.Unlock()

	for _, q := range queues {
		q.halt()
		q.dev.Reset()
	}
	return nil
}

// FreeQueue implements virtiofs.Transport.
func (d *Device) FreeQueue(index int) error {
	d.mu.Lock()
	q, ok := d.queues[index]
	delete(d.queues, index)
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("loopback: no queue %d", index)
	}
	q.halt()
	return q.ring.Close()
}

// Held returns the number of chains kept without reply.
func (d *Device) Held() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, q := range d.queues {
		q.mu.Lock()
		n += q.held
		q.mu.Unlock()
	}
	return n
}

// Close stops the device and releases its memory.
func (d *Device) Close() error {
	var errs *multierror.Error
	if err := d.Reset(); err != nil {
		errs = multierror.Append(errs, err)
	}
	d.mu.Lock()
	indexes := make([]int, 0, len(d.queues))
	for i := range d.queues {
		indexes = append(indexes, i)
	}
	d.mu.Unlock()
	for _, i := range indexes {
		if err := d.FreeQueue(i); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := d.arena.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

func (q *queue) halt() {
	q.stopOnce.Do(func() { close(q.stop) })
	<-q.done
}

func (d *Device) serve(ctx context.Context, q *queue) {
	defer close(q.done)
	for {
		select {
		case <-q.stop:
			return
		case <-q.doorbell:
		}
		processed, err := d.processQueue(ctx, q)
		if err != nil {
			d.log.Error("loopback: process queue", "queue", q.index, "err", err)
		}
		if processed && !q.dev.InterruptSuppressed() {
			q.mu.Lock()
			irq := q.irq
			q.mu.Unlock()
			if irq != nil {
				irq()
			}
		}
	}
}

func (d *Device) processQueue(ctx context.Context, q *queue) (bool, error) {
	var processed bool
	for {
		select {
		case <-q.stop:
			return processed, nil
		default:
		}
		head, ok, err := q.dev.NextAvailable()
		if err != nil || !ok {
			return processed, err
		}
		written, err := d.handleChain(ctx, q, head)
		if errors.Is(err, ErrNoReply) {
			q.mu.Lock()
			q.held++
			q.mu.Unlock()
			continue
		}
		if err != nil {
			d.log.Warn("loopback: bad request", "queue", q.index, "head", head, "err", err)
			written = 0
		}
		if err := q.dev.PutUsed(head, written); err != nil {
			return processed, err
		}
		processed = true
	}
}

func (d *Device) handleChain(ctx context.Context, q *queue, head uint16) (uint32, error) {
	segs, err := q.dev.ReadChain(head)
	if err != nil {
		return 0, err
	}

	var req []byte
	var respSegs []virtq.Segment
	respCap := 0
	for _, s := range segs {
		if s.Writable {
			respSegs = append(respSegs, s)
			respCap += int(s.Length)
			continue
		}
		chunk, err := q.dev.ReadSegment(s)
		if err != nil {
			return 0, err
		}
		req = append(req, chunk...)
	}
	if len(req) == 0 {
		return 0, errors.New("loopback: empty request payload")
	}

	resp := make([]byte, respCap)
	written, err := d.opts.Handler.ServeFUSE(ctx, req, resp)
	if err != nil {
		return 0, err
	}
	if int(written) > respCap {
		return 0, fmt.Errorf("loopback: response too large (need %d, have %d)", written, respCap)
	}

	remaining := resp[:written]
	for _, s := range respSegs {
		if len(remaining) == 0 {
			break
		}
		n := min(int(s.Length), len(remaining))
		if err := q.dev.WriteSegment(s, remaining[:n]); err != nil {
			return 0, err
		}
		remaining = remaining[n:]
	}
	return written, nil
}

var _ virtiofs.Transport = (*Device)(nil)
