package virtiofs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/tinyrange/vtfs/internal/dma"
	"github.com/tinyrange/vtfs/internal/fuseproto"
	"github.com/tinyrange/vtfs/internal/virtq"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeTransport is a transport whose device side is driven by the test.
// Nothing completes until the test calls serve or complete.
type fakeTransport struct {
	arena    *dma.Arena
	offered  uint64
	config   [configSize]byte
	ringSize uint16

	failAlloc int // queue index whose allocation fails, -1 for none
	resetErr  error

	mu       sync.Mutex
	accepted uint64
	rings    map[int]*virtq.SplitRing
	devs     map[int]*virtq.DeviceQueue
	irqs     map[int]func()
	kicks    map[int]int
	resets   int
	freed    []int
}

func newFakeTransport(t *testing.T, tag string, numQueues uint32, ringSize uint16) *fakeTransport {
	t.Helper()
	arena, err := dma.NewArena(1 << 20)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	t.Cleanup(func() { arena.Close() })
	ft := &fakeTransport{
		arena:     arena,
		ringSize:  ringSize,
		failAlloc: -1,
		rings:     make(map[int]*virtq.SplitRing),
		devs:      make(map[int]*virtq.DeviceQueue),
		irqs:      make(map[int]func()),
		kicks:     make(map[int]int),
	}
	copy(ft.config[:configTagSize], tag)
	binary.LittleEndian.PutUint32(ft.config[configNumQOffset:], numQueues)
	return ft
}

func (f *fakeTransport) DeviceFeatures() uint64 { return f.offered }

func (f *fakeTransport) SetDriverFeatures(features uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted = features
	return nil
}

func (f *fakeTransport) ReadConfig(offset int, p []byte) error {
	if offset+len(p) > len(f.config) {
		return fmt.Errorf("config read out of range")
	}
	copy(p, f.config[offset:])
	return nil
}

func (f *fakeTransport) Memory() Allocator { return f.arena }

func (f *fakeTransport) AllocQueue(index int, class QueueClass) (Ring, error) {
	if index == f.failAlloc {
		return nil, errors.New("injected allocation failure")
	}
	ring, err := virtq.NewSplitRing(f.arena, f.ringSize, func() error {
		f.mu.Lock()
		f.kicks[index]++
		f.mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	dq := virtq.NewDeviceQueue(f.arena, f.ringSize)
	if err := dq.Configure(ring.Layout()); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.rings[index] = ring
	f.devs[index] = dq
	f.mu.Unlock()
	return ring, nil
}

func (f *fakeTransport) RegisterInterrupt(index int, handler func()) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.irqs[index] = handler
	return nil
}

func (f *fakeTransport) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return f.resetErr
}

func (f *fakeTransport) FreeQueue(index int) error {
	f.mu.Lock()
	ring, ok := f.rings[index]
	delete(f.rings, index)
	delete(f.devs, index)
	f.freed = append(f.freed, index)
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("no queue %d", index)
	}
	return ring.Close()
}

func (f *fakeTransport) kickCount(index int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kicks[index]
}

func (f *fakeTransport) device(index int) *virtq.DeviceQueue {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.devs[index]
}

// deviceRequest is one chain as the device sees it.
type deviceRequest struct {
	head   uint16
	header fuse.InHeader
	body   []byte
	resp   []virtq.Segment
}

func (r *deviceRequest) capacity() int {
	n := 0
	for _, s := range r.resp {
		n += int(s.Length)
	}
	return n
}

// take pops every available chain from queue index.
func (f *fakeTransport) take(t *testing.T, index int) []*deviceRequest {
	t.Helper()
	reqs, err := f.pop(index)
	if err != nil {
		t.Fatal(err)
	}
	return reqs
}

func (f *fakeTransport) pop(index int) ([]*deviceRequest, error) {
	dq := f.device(index)
	var out []*deviceRequest
	for {
		head, ok, err := dq.NextAvailable()
		if err != nil {
			return out, fmt.Errorf("NextAvailable: %w", err)
		}
		if !ok {
			return out, nil
		}
		segs, err := dq.ReadChain(head)
		if err != nil {
			return out, fmt.Errorf("ReadChain: %w", err)
		}
		r := &deviceRequest{head: head}
		var raw []byte
		for _, s := range segs {
			if s.Writable {
				r.resp = append(r.resp, s)
				continue
			}
			chunk, err := dq.ReadSegment(s)
			if err != nil {
				return out, fmt.Errorf("ReadSegment: %w", err)
			}
			raw = append(raw, chunk...)
		}
		if r.header, err = fuseproto.ParseInHeader(raw); err != nil {
			return out, fmt.Errorf("ParseInHeader: %w", err)
		}
		r.body = raw[fuseproto.InHeaderSize:]
		out = append(out, r)
	}
}

// complete writes reply into r's response segments and returns the chain
// with written bytes. It does not raise the interrupt.
func (f *fakeTransport) complete(t *testing.T, index int, r *deviceRequest, reply []byte, written uint32) {
	t.Helper()
	if err := f.put(index, r, reply, written); err != nil {
		t.Fatal(err)
	}
}

func (f *fakeTransport) put(index int, r *deviceRequest, reply []byte, written uint32) error {
	dq := f.device(index)
	rest := reply
	for _, s := range r.resp {
		if len(rest) == 0 {
			break
		}
		n := min(int(s.Length), len(rest))
		if err := dq.WriteSegment(s, rest[:n]); err != nil {
			return fmt.Errorf("WriteSegment: %w", err)
		}
		rest = rest[n:]
	}
	if err := dq.PutUsed(r.head, written); err != nil {
		return fmt.Errorf("PutUsed: %w", err)
	}
	return nil
}

// reply answers r with a well-formed out header followed by body.
func (f *fakeTransport) reply(t *testing.T, index int, r *deviceRequest, status fuse.Status, body []byte) {
	t.Helper()
	out := outMessage(r.header.Unique, status, body)
	f.complete(t, index, r, out, uint32(len(out)))
}

func (f *fakeTransport) interrupt(index int) {
	f.mu.Lock()
	irq := f.irqs[index]
	f.mu.Unlock()
	if irq != nil {
		irq()
	}
}

// serve answers every available request on queue index with an echo of its
// body and raises the interrupt.
func (f *fakeTransport) serve(t *testing.T, index int) int {
	t.Helper()
	n, err := f.serveQueue(index)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

// serveQueue is serve for goroutines other than the test's own.
func (f *fakeTransport) serveQueue(index int) (int, error) {
	reqs, err := f.pop(index)
	if err != nil {
		return 0, err
	}
	for _, r := range reqs {
		if fuseproto.Opcode(r.header.Opcode).NoReply() {
			err = f.put(index, r, nil, 0)
		} else {
			out := outMessage(r.header.Unique, fuse.OK, r.body)
			err = f.put(index, r, out, uint32(len(out)))
		}
		if err != nil {
			return 0, err
		}
	}
	if len(reqs) > 0 {
		f.interrupt(index)
	}
	return len(reqs), nil
}

func outMessage(unique uint64, status fuse.Status, body []byte) []byte {
	out := make([]byte, fuseproto.OutHeaderSize+len(body))
	h := fuse.OutHeader{Length: uint32(len(out)), Status: -int32(status), Unique: unique}
	if err := fuseproto.PutOutHeader(out, &h); err != nil {
		panic(err)
	}
	copy(out[fuseproto.OutHeaderSize:], body)
	return out
}

func attachFake(t *testing.T, ft *fakeTransport, cfg Config) *Device {
	t.Helper()
	d, err := Attach(ft, cfg, WithLogger(quietLogger))
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return d
}

var _ Transport = (*fakeTransport)(nil)
