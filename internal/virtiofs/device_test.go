package virtiofs

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/tinyrange/vtfs/internal/dma"
	"github.com/tinyrange/vtfs/internal/fuseproto"
)

func getattr() Request {
	return NewRequest(fuseproto.OpGetAttr, 1, []byte("attr"), 64)
}

func TestAttach(t *testing.T) {
	ft := newFakeTransport(t, "shared", 2, 8)
	d := attachFake(t, ft, DefaultConfig())

	if d.State() != StateReady {
		t.Fatalf("state = %s, want ready", d.State())
	}
	if got := d.Config(); got.Tag != "shared" || got.NumRequestQueues != 2 {
		t.Fatalf("config = %+v", got)
	}
	stats := d.Stats()
	if len(stats.Queues) != 3 {
		t.Fatalf("queues = %d, want 3", len(stats.Queues))
	}
	if stats.Queues[0].Class != HighPriorityQueue || stats.Queues[1].Class != RequestQueue {
		t.Fatalf("queue classes = %s, %s", stats.Queues[0].Class, stats.Queues[1].Class)
	}
	for _, q := range stats.Queues {
		if q.Capacity != 4 {
			t.Fatalf("queue %d capacity = %d, want 4", q.Index, q.Capacity)
		}
	}
	if d.Slots().Len() != 12 {
		t.Fatalf("slot table size = %d, want 12", d.Slots().Len())
	}
	if len(ft.irqs) != 3 {
		t.Fatalf("interrupts registered for %d queues", len(ft.irqs))
	}
}

func TestAttachLimits(t *testing.T) {
	ft := newFakeTransport(t, "shared", 4, 16)
	cfg := DefaultConfig()
	cfg.MaxRequestQueues = 2
	cfg.QueueDepth = 3
	d := attachFake(t, ft, cfg)

	stats := d.Stats()
	if len(stats.Queues) != 3 {
		t.Fatalf("queues = %d, want 3", len(stats.Queues))
	}
	if stats.Queues[1].Capacity != 3 {
		t.Fatalf("capacity = %d, want 3", stats.Queues[1].Capacity)
	}
}

func TestAttachNegotiationFailure(t *testing.T) {
	ft := newFakeTransport(t, "", 1, 8)
	_, err := Attach(ft, DefaultConfig(), WithLogger(quietLogger))
	if !errors.Is(err, ErrNegotiationFailure) {
		t.Fatalf("err = %v, want ErrNegotiationFailure", err)
	}
	if ft.resets != 1 {
		t.Fatalf("resets = %d, want 1", ft.resets)
	}
	if len(ft.rings) != 0 {
		t.Fatalf("%d queues allocated", len(ft.rings))
	}
}

func TestAttachAllocationFailure(t *testing.T) {
	ft := newFakeTransport(t, "shared", 2, 8)
	ft.failAlloc = 2
	_, err := Attach(ft, DefaultConfig(), WithLogger(quietLogger))
	if !errors.Is(err, ErrAllocationFailure) {
		t.Fatalf("err = %v, want ErrAllocationFailure", err)
	}
	if len(ft.freed) != 2 || len(ft.rings) != 0 {
		t.Fatalf("freed %v, still allocated %d", ft.freed, len(ft.rings))
	}
	if n := ft.arena.InUse(); n != 0 {
		t.Fatalf("%d bytes leaked", n)
	}
}

func TestAttachRejectsBadConfig(t *testing.T) {
	ft := newFakeTransport(t, "shared", 1, 8)
	cfg := DefaultConfig()
	cfg.RoutePolicy = "random"
	if _, err := Attach(ft, cfg, WithLogger(quietLogger)); err == nil {
		t.Fatal("Attach accepted an unknown route policy")
	}
}

func TestRoundTrip(t *testing.T) {
	ft := newFakeTransport(t, "shared", 1, 8)
	d := attachFake(t, ft, DefaultConfig())

	h, err := d.Submit(getattr())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if h.Queue() != 1 {
		t.Fatalf("queue = %d, want 1", h.Queue())
	}
	if ft.kickCount(1) != 1 {
		t.Fatalf("kicks = %d, want 1", ft.kickCount(1))
	}

	reqs := ft.take(t, 1)
	if len(reqs) != 1 {
		t.Fatalf("device saw %d requests", len(reqs))
	}
	r := reqs[0]
	if fuseproto.Opcode(r.header.Opcode) != fuseproto.OpGetAttr || r.header.Unique != h.Unique() {
		t.Fatalf("in header = %+v", r.header)
	}
	if r.header.Length != uint32(fuseproto.InHeaderSize+len("attr")) || string(r.body) != "attr" {
		t.Fatalf("request length %d body %q", r.header.Length, r.body)
	}
	if r.capacity() != fuseproto.OutHeaderSize+64 {
		t.Fatalf("response capacity = %d", r.capacity())
	}

	payload := bytes.Repeat([]byte{0xab}, 40)
	ft.reply(t, 1, r, fuse.OK, payload)
	ft.interrupt(1)

	select {
	case <-h.Done():
	default:
		t.Fatal("request not completed after interrupt")
	}
	resp, err := h.Result()
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if !bytes.Equal(resp.Payload, payload) {
		t.Fatalf("payload = %x", resp.Payload)
	}
	if resp.Header.Length != uint32(fuseproto.OutHeaderSize+len(payload)) {
		t.Fatalf("declared length = %d", resp.Header.Length)
	}
	if d.Slots().Count(SlotFree) != d.Slots().Len() {
		t.Fatal("slot not released after completion")
	}
}

func TestStatusReply(t *testing.T) {
	ft := newFakeTransport(t, "shared", 1, 8)
	d := attachFake(t, ft, DefaultConfig())

	h, err := d.Submit(NewRequest(fuseproto.OpLookup, 1, []byte("missing\x00"), 128))
	if err != nil {
		t.Fatal(err)
	}
	r := ft.take(t, 1)[0]
	ft.reply(t, 1, r, fuse.ENOENT, nil)
	ft.interrupt(1)

	resp, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if resp.Status() != fuse.ENOENT {
		t.Fatalf("status = %v", resp.Status())
	}
	var serr *StatusError
	if !errors.As(resp.Err(), &serr) || serr.Opcode != fuseproto.OpLookup {
		t.Fatalf("Err() = %v", resp.Err())
	}
}

func TestBackpressure(t *testing.T) {
	ft := newFakeTransport(t, "shared", 1, 8)
	d := attachFake(t, ft, DefaultConfig())

	first := NewRequest(fuseproto.OpLookup, 1, []byte("name\x00"), 128)
	first.Unique = 1
	h, err := d.Submit(first)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if h.Unique() != 1 || d.Stats().Queues[1].InFlight != 1 {
		t.Fatalf("unique %d, in flight %d", h.Unique(), d.Stats().Queues[1].InFlight)
	}
	for i := 0; i < 3; i++ {
		if _, err := d.Submit(getattr()); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	_, err = d.Submit(getattr())
	if !errors.Is(err, ErrBackpressure) || !errors.Is(err, ErrQueueFull) {
		t.Fatalf("fifth submit err = %v, want backpressure wrapping queue full", err)
	}
	if !IsTransient(err) {
		t.Fatal("backpressure not reported as transient")
	}
	if d.Stats().Queues[1].InFlight != 4 {
		t.Fatalf("in flight = %d", d.Stats().Queues[1].InFlight)
	}

	// Backpressure never consumed a slot.
	if free := d.Slots().Count(SlotFree); free != d.Slots().Len()-4 {
		t.Fatalf("free slots = %d", free)
	}

	r := ft.take(t, 1)
	ft.reply(t, 1, r[0], fuse.OK, nil)
	ft.interrupt(1)

	if _, err := d.Submit(getattr()); err != nil {
		t.Fatalf("submit after completion: %v", err)
	}
}

func TestRequestTooLarge(t *testing.T) {
	ft := newFakeTransport(t, "shared", 1, 8)
	d := attachFake(t, ft, DefaultConfig())

	for i := 0; i < 3; i++ {
		_, err := d.Submit(NewRequest(fuseproto.OpRead, 2, nil, 4<<20))
		if !errors.Is(err, ErrRequestTooLarge) {
			t.Fatalf("attempt %d: err = %v, want ErrRequestTooLarge", i, err)
		}
		if IsTransient(err) || errors.Is(err, ErrBackpressure) {
			t.Fatalf("attempt %d: oversized request reported as transient: %v", i, err)
		}
	}
	if _, err := d.Submit(NewRequest(fuseproto.OpRead, 2, nil, -1)); err == nil || IsTransient(err) {
		t.Fatalf("negative response size err = %v", err)
	}
	if d.Slots().Count(SlotFree) != d.Slots().Len() {
		t.Fatal("rejected request held a slot")
	}
	if _, err := d.Submit(getattr()); err != nil {
		t.Fatalf("submit after rejection: %v", err)
	}
}

func TestMemoryBackpressure(t *testing.T) {
	ft := newFakeTransport(t, "shared", 1, 8)
	d := attachFake(t, ft, DefaultConfig())

	big := NewRequest(fuseproto.OpRead, 2, nil, 600<<10)
	if _, err := d.Submit(big); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := d.Submit(big)
	if !errors.Is(err, ErrBackpressure) || !errors.Is(err, dma.ErrOutOfMemory) || !IsTransient(err) {
		t.Fatalf("second submit err = %v, want transient backpressure", err)
	}

	r := ft.take(t, 1)
	ft.reply(t, 1, r[0], fuse.OK, nil)
	ft.interrupt(1)

	if _, err := d.Submit(big); err != nil {
		t.Fatalf("submit after memory was returned: %v", err)
	}
}

func TestInterruptDrainsEveryQueue(t *testing.T) {
	ft := newFakeTransport(t, "shared", 2, 8)
	d := attachFake(t, ft, DefaultConfig())

	urgent := getattr()
	urgent.HighPriority = true
	hi, err := d.Submit(urgent)
	if err != nil {
		t.Fatal(err)
	}
	other, err := d.SubmitOn(1, getattr())
	if err != nil {
		t.Fatal(err)
	}
	if hi.Queue() != 0 || other.Queue() != 2 {
		t.Fatalf("queues = %d, %d", hi.Queue(), other.Queue())
	}

	for _, idx := range []int{0, 2} {
		reqs := ft.take(t, idx)
		if len(reqs) != 1 {
			t.Fatalf("queue %d carried %d requests", idx, len(reqs))
		}
		ft.reply(t, idx, reqs[0], fuse.OK, nil)
	}
	// Only the idle queue signals.
	ft.interrupt(1)

	for _, h := range []*Handle{hi, other} {
		select {
		case <-h.Done():
		default:
			t.Fatalf("request on queue %d not completed", h.Queue())
		}
		if _, err := h.Result(); err != nil {
			t.Fatalf("queue %d: %v", h.Queue(), err)
		}
	}
	for _, q := range d.Stats().Queues {
		if q.InFlight != 0 {
			t.Fatalf("queue %d in flight = %d", q.Index, q.InFlight)
		}
	}
	for _, q := range d.queues {
		if got := testutil.ToFloat64(d.metrics.InFlight.WithLabelValues(q.label)); got != 0 {
			t.Fatalf("queue %d in-flight gauge = %v", q.index, got)
		}
	}
	if d.Slots().Count(SlotFree) != d.Slots().Len() {
		t.Fatal("slots still held")
	}
}

func TestSubmitOn(t *testing.T) {
	ft := newFakeTransport(t, "shared", 2, 8)
	d := attachFake(t, ft, DefaultConfig())

	h, err := d.SubmitOn(1, getattr())
	if err != nil {
		t.Fatal(err)
	}
	if h.Queue() != 2 {
		t.Fatalf("queue = %d, want 2", h.Queue())
	}
	if _, err := d.SubmitOn(2, getattr()); err == nil {
		t.Fatal("SubmitOn accepted a missing queue")
	}
}

func TestSubmitBatch(t *testing.T) {
	ft := newFakeTransport(t, "shared", 2, 8)
	d := attachFake(t, ft, DefaultConfig())

	reqs := []Request{getattr(), getattr(), getattr(), NewRequest(fuseproto.OpForget, 5, make([]byte, 8), 0)}
	hs, err := d.SubmitBatch(reqs)
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	if len(hs) != 4 {
		t.Fatalf("handles = %d", len(hs))
	}
	for i, want := range map[int]int{0: 1, 1: 1, 2: 1} {
		if got := ft.kickCount(i); got != want {
			t.Fatalf("queue %d kicks = %d, want %d", i, got, want)
		}
	}
	if hs[3].Queue() != 0 {
		t.Fatalf("forget went to queue %d", hs[3].Queue())
	}

	total := ft.serve(t, 0) + ft.serve(t, 1) + ft.serve(t, 2)
	if total != 4 {
		t.Fatalf("device served %d requests", total)
	}
	for i, h := range hs {
		if _, err := h.Result(); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
}

func TestNoReplyRequest(t *testing.T) {
	ft := newFakeTransport(t, "shared", 1, 8)
	d := attachFake(t, ft, DefaultConfig())

	h, err := d.Submit(NewRequest(fuseproto.OpBatchForget, 0, make([]byte, 24), 0))
	if err != nil {
		t.Fatal(err)
	}
	if h.Queue() != 0 {
		t.Fatalf("batch forget on queue %d, want high priority", h.Queue())
	}
	ft.serve(t, 0)
	resp, err := h.Result()
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if len(resp.Payload) != 0 || resp.Err() != nil {
		t.Fatalf("response = %+v", resp)
	}
}

func TestUniqueIDs(t *testing.T) {
	ft := newFakeTransport(t, "shared", 1, 8)
	d := attachFake(t, ft, DefaultConfig())

	req := getattr()
	req.Unique = 0xfeed
	h1, err := d.Submit(req)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := d.Submit(getattr())
	if err != nil {
		t.Fatal(err)
	}
	h3, err := d.Submit(getattr())
	if err != nil {
		t.Fatal(err)
	}
	if h1.Unique() != 0xfeed {
		t.Fatalf("client unique replaced with %d", h1.Unique())
	}
	if h2.Unique() == 0 || h2.Unique() == h3.Unique() {
		t.Fatalf("derived uniques %d, %d", h2.Unique(), h3.Unique())
	}
	for _, r := range ft.take(t, 1) {
		if r.header.Unique == 0 {
			t.Fatal("device saw unique 0")
		}
	}
}

func TestEchoMismatchIsIsolated(t *testing.T) {
	ft := newFakeTransport(t, "shared", 1, 8)
	d := attachFake(t, ft, DefaultConfig())

	bad, err := d.Submit(getattr())
	if err != nil {
		t.Fatal(err)
	}
	good, err := d.Submit(getattr())
	if err != nil {
		t.Fatal(err)
	}
	reqs := ft.take(t, 1)
	out := outMessage(reqs[0].header.Unique+1000, fuse.OK, nil)
	ft.complete(t, 1, reqs[0], out, uint32(len(out)))
	ft.reply(t, 1, reqs[1], fuse.OK, []byte("fine"))
	ft.interrupt(1)

	_, err = bad.Result()
	var perr *ProtocolError
	if !errors.As(err, &perr) || !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("bad request err = %v", err)
	}
	if perr.Expected != bad.Unique() || perr.Echoed != bad.Unique()+1000 {
		t.Fatalf("protocol error = %+v", perr)
	}
	resp, err := good.Result()
	if err != nil || string(resp.Payload) != "fine" {
		t.Fatalf("good request = %v, %v", resp, err)
	}
	if d.Stats().ProtocolViolations != 1 {
		t.Fatalf("violations = %d", d.Stats().ProtocolViolations)
	}
	if d.Slots().Count(SlotFree) != d.Slots().Len() {
		t.Fatal("slots not released")
	}
}

func TestCompletionForUnknownChain(t *testing.T) {
	ft := newFakeTransport(t, "shared", 1, 8)
	d := attachFake(t, ft, DefaultConfig())

	h, err := d.Submit(getattr())
	if err != nil {
		t.Fatal(err)
	}
	if err := ft.device(1).PutUsed(6, 0); err != nil {
		t.Fatal(err)
	}
	ft.interrupt(1)

	if d.Stats().ProtocolViolations != 1 {
		t.Fatalf("violations = %d, want 1", d.Stats().ProtocolViolations)
	}
	select {
	case <-h.Done():
		t.Fatal("unrelated request completed")
	default:
	}
	ft.serve(t, 1)
	if _, err := h.Result(); err != nil {
		t.Fatalf("Result: %v", err)
	}
}

func TestMalformedReplies(t *testing.T) {
	tests := []struct {
		name    string
		build   func(r *deviceRequest) ([]byte, uint32)
		wantErr error
	}{
		{
			name: "shorter than out header",
			build: func(r *deviceRequest) ([]byte, uint32) {
				return make([]byte, 8), 8
			},
			wantErr: ErrProtocolViolation,
		},
		{
			name: "declared length below header",
			build: func(r *deviceRequest) ([]byte, uint32) {
				out := outMessage(r.header.Unique, fuse.OK, nil)
				out[0] = 4
				return out, uint32(len(out))
			},
			wantErr: ErrProtocolViolation,
		},
		{
			name: "declared length beyond bytes written",
			build: func(r *deviceRequest) ([]byte, uint32) {
				out := outMessage(r.header.Unique, fuse.OK, make([]byte, 32))
				return out, fuseproto.OutHeaderSize + 8
			},
			wantErr: ErrProtocolViolation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := newFakeTransport(t, "shared", 1, 8)
			d := attachFake(t, ft, DefaultConfig())
			h, err := d.Submit(getattr())
			if err != nil {
				t.Fatal(err)
			}
			r := ft.take(t, 1)[0]
			out, written := tt.build(r)
			ft.complete(t, 1, r, out, written)
			ft.interrupt(1)
			if _, err := h.Result(); !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestTruncatedResponse(t *testing.T) {
	ft := newFakeTransport(t, "shared", 1, 8)
	d := attachFake(t, ft, DefaultConfig())

	h, err := d.Submit(NewRequest(fuseproto.OpRead, 2, make([]byte, 40), 16))
	if err != nil {
		t.Fatal(err)
	}
	r := ft.take(t, 1)[0]
	capacity := r.capacity()
	full := outMessage(r.header.Unique, fuse.OK, bytes.Repeat([]byte("x"), 100))
	ft.complete(t, 1, r, full[:capacity], uint32(capacity))
	ft.interrupt(1)

	resp, err := h.Result()
	var terr *TruncationError
	if !errors.As(err, &terr) || !errors.Is(err, ErrDataTruncation) {
		t.Fatalf("err = %v, want truncation", err)
	}
	if terr.Declared != len(full) || terr.Capacity != capacity {
		t.Fatalf("truncation = %+v", terr)
	}
	if resp == nil || len(resp.Payload) != 16 {
		t.Fatalf("truncated payload = %v", resp)
	}
}

func TestCancel(t *testing.T) {
	ft := newFakeTransport(t, "shared", 1, 8)
	d := attachFake(t, ft, DefaultConfig())

	h, err := d.Submit(getattr())
	if err != nil {
		t.Fatal(err)
	}
	if !h.Cancel() {
		t.Fatal("Cancel had no effect")
	}
	if h.Cancel() {
		t.Fatal("second Cancel took effect")
	}
	if _, err := h.Result(); !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	slot, _ := d.Slots().Lookup(h.Slot())
	if slot.State != SlotCancelled {
		t.Fatalf("slot state = %s, want cancelled", slot.State)
	}
	if err := d.Slots().Release(h.Slot()); err == nil {
		t.Fatal("released a cancelled slot the device still owns")
	}

	ft.serve(t, 1)
	if d.Slots().Count(SlotFree) != d.Slots().Len() {
		t.Fatal("cancelled slot not recycled after completion")
	}
}

func TestWaitContext(t *testing.T) {
	ft := newFakeTransport(t, "shared", 1, 8)
	d := attachFake(t, ft, DefaultConfig())

	h, err := d.Submit(getattr())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = h.Wait(ctx)
	if !errors.Is(err, ErrCancelled) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

func TestDetachDrains(t *testing.T) {
	ft := newFakeTransport(t, "shared", 1, 8)
	d := attachFake(t, ft, DefaultConfig())

	var hs []*Handle
	for i := 0; i < 3; i++ {
		h, err := d.Submit(getattr())
		if err != nil {
			t.Fatal(err)
		}
		hs = append(hs, h)
	}

	served := make(chan error, 1)
	go func() {
		for d.State() != StateQuiescing {
			time.Sleep(time.Millisecond)
		}
		_, err := ft.serveQueue(1)
		served <- err
	}()

	report, err := d.Detach(context.Background())
	if err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if err := <-served; err != nil {
		t.Fatal(err)
	}
	if report.Completed != 3 || report.Orphaned != 0 || report.State != StateTornDown {
		t.Fatalf("report = %+v", report)
	}
	for i, h := range hs {
		if _, err := h.Result(); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if ft.resets != 1 || len(ft.freed) != 2 {
		t.Fatalf("resets %d, freed %v", ft.resets, ft.freed)
	}
	if d.Slots().Count(SlotFree) != d.Slots().Len() {
		t.Fatal("slots still held after detach")
	}
}

func TestDetachOrphansAfterTimeout(t *testing.T) {
	ft := newFakeTransport(t, "shared", 1, 8)
	cfg := DefaultConfig()
	cfg.DrainTimeout = 100 * time.Millisecond
	d := attachFake(t, ft, cfg)

	done, err := d.Submit(getattr())
	if err != nil {
		t.Fatal(err)
	}
	stuck, err := d.Submit(getattr())
	if err != nil {
		t.Fatal(err)
	}
	reqs := ft.take(t, 1)

	replied := make(chan error, 1)
	go func() {
		for d.State() != StateQuiescing {
			time.Sleep(time.Millisecond)
		}
		out := outMessage(reqs[0].header.Unique, fuse.OK, nil)
		err := ft.put(1, reqs[0], out, uint32(len(out)))
		if err == nil {
			ft.interrupt(1)
		}
		replied <- err
	}()

	report, err := d.Detach(context.Background())
	if err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if err := <-replied; err != nil {
		t.Fatal(err)
	}
	if report.Orphaned != 1 || report.Completed != 1 {
		t.Fatalf("report = %+v", report)
	}
	if _, err := done.Result(); err != nil {
		t.Fatalf("completed request: %v", err)
	}
	if _, err := stuck.Result(); !errors.Is(err, ErrOrphaned) {
		t.Fatalf("stuck err = %v, want ErrOrphaned", err)
	}
	if d.Slots().Count(SlotFree) != d.Slots().Len() {
		t.Fatal("orphaned slot not released after reset")
	}
}

func TestDetachReclaimsCancelled(t *testing.T) {
	ft := newFakeTransport(t, "shared", 1, 8)
	cfg := DefaultConfig()
	cfg.DrainTimeout = 10 * time.Millisecond
	d := attachFake(t, ft, cfg)

	h, err := d.Submit(getattr())
	if err != nil {
		t.Fatal(err)
	}
	h.Cancel()

	report, err := d.Detach(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Cancelled != 1 || report.Orphaned != 0 {
		t.Fatalf("report = %+v", report)
	}
}

func TestDetachIsIdempotent(t *testing.T) {
	ft := newFakeTransport(t, "shared", 1, 8)
	d := attachFake(t, ft, DefaultConfig())

	first, err := d.Detach(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	second, err := d.Detach(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("reports differ: %+v vs %+v", first, second)
	}
	if ft.resets != 1 {
		t.Fatalf("resets = %d, want 1", ft.resets)
	}
	if _, err := d.Submit(getattr()); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("submit after detach err = %v", err)
	}
}

func TestDetachResetFailureKeepsBuffers(t *testing.T) {
	ft := newFakeTransport(t, "shared", 1, 8)
	ft.resetErr = errors.New("device wedged")
	cfg := DefaultConfig()
	cfg.DrainTimeout = 0
	d := attachFake(t, ft, cfg)

	if _, err := d.Submit(getattr()); err != nil {
		t.Fatal(err)
	}
	report, err := d.Detach(context.Background())
	if err == nil {
		t.Fatal("Detach hid the reset failure")
	}
	if report.State != StateQuiescing || report.Orphaned != 1 {
		t.Fatalf("report = %+v", report)
	}
	if d.Slots().Count(SlotOrphaned) != 1 {
		t.Fatal("orphaned slot released without a reset")
	}
	if len(ft.freed) != 0 {
		t.Fatalf("queues freed without a reset: %v", ft.freed)
	}
}

func TestRemove(t *testing.T) {
	ft := newFakeTransport(t, "shared", 2, 8)
	d := attachFake(t, ft, DefaultConfig())

	var hs []*Handle
	for i := 0; i < 3; i++ {
		h, err := d.Submit(getattr())
		if err != nil {
			t.Fatal(err)
		}
		hs = append(hs, h)
	}
	report, err := d.Remove()
	if err != nil {
		t.Fatal(err)
	}
	if report.Orphaned != 3 || report.State != StateTornDown {
		t.Fatalf("report = %+v", report)
	}
	for _, h := range hs {
		if _, err := h.Result(); !errors.Is(err, ErrOrphaned) {
			t.Fatalf("err = %v", err)
		}
	}
}

func TestRemoveDuringDetach(t *testing.T) {
	ft := newFakeTransport(t, "shared", 1, 8)
	cfg := DefaultConfig()
	cfg.DrainTimeout = time.Hour
	d := attachFake(t, ft, cfg)

	if _, err := d.Submit(getattr()); err != nil {
		t.Fatal(err)
	}
	result := make(chan DetachReport, 1)
	go func() {
		report, _ := d.Detach(context.Background())
		result <- report
	}()
	for d.State() != StateQuiescing {
		time.Sleep(time.Millisecond)
	}
	removed, err := d.Remove()
	if err != nil {
		t.Fatal(err)
	}
	detached := <-result
	if removed != detached || detached.Orphaned != 1 {
		t.Fatalf("remove %+v, detach %+v", removed, detached)
	}
}
