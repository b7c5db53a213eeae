package virtiofs

import (
	"bytes"
	"log/slog"

	"github.com/tinyrange/vtfs/internal/dma"
	"github.com/tinyrange/vtfs/internal/fuseproto"
	"github.com/tinyrange/vtfs/internal/virtq"
	"go.uber.org/atomic"
)

// dispatcher turns used-ring entries into request completions. It runs in
// the transport's interrupt context; separate queues may drain in parallel.
type dispatcher struct {
	dev        *Device
	violations atomic.Uint64
}

type usedChain struct {
	id      SlotID
	written uint32
}

// drainAll drains every queue once and returns the number of chains seen.
// Draining all queues on any interrupt avoids losing a notification that
// raced with an earlier drain.
func (d *dispatcher) drainAll() int {
	n := 0
	for _, q := range d.dev.queues {
		n += d.drain(q)
	}
	return n
}

func (d *dispatcher) drain(q *queue) int {
	var batch []usedChain
	n := 0

	q.mu.Lock()
	for tok, written := range q.ring.PollCompleted() {
		n++
		id, ok := q.inflight[tok]
		if !ok {
			d.violation(&ProtocolError{Queue: q.index, Token: tok, Reason: "completion for unknown chain"})
			continue
		}
		delete(q.inflight, tok)
		q.inFlight.Dec()
		batch = append(batch, usedChain{id: id, written: written})
	}
	if n > 0 {
		d.dev.metrics.InFlight.WithLabelValues(q.label).Set(float64(q.inFlight.Load()))
	}
	q.mu.Unlock()

	for _, c := range batch {
		d.complete(q, c)
	}
	return n
}

func (d *dispatcher) complete(q *queue, c usedChain) {
	dev := d.dev
	slot, prior, h := dev.slots.settle(c.id)
	switch prior {
	case SlotSubmitted:
	case SlotCancelled:
		// The caller already gave up; the reply is dropped.
		dev.releaseSlot(c.id)
		return
	default:
		d.violation(&ProtocolError{Queue: q.index, Slot: c.id, Token: slot.Token,
			Reason: "completion for slot in state " + prior.String()})
		return
	}

	resp, err := d.decode(q, slot, c.written)
	dev.releaseSlot(c.id)
	dev.metrics.Completed.WithLabelValues(q.label).Inc()
	if h != nil {
		h.finish(resp, err)
	}
}

// decode validates the out header and copies the reply out of the DMA
// buffer.
func (d *dispatcher) decode(q *queue, slot Slot, written uint32) (*Response, error) {
	if written == 0 && slot.Opcode.NoReply() {
		return &Response{Opcode: slot.Opcode}, nil
	}
	if written < fuseproto.OutHeaderSize {
		return nil, d.violation(&ProtocolError{Queue: q.index, Slot: slot.ID, Token: slot.Token,
			Reason: "reply shorter than out header"})
	}
	hdr, err := fuseproto.ParseOutHeader(slot.Response.Data)
	if err != nil {
		return nil, d.violation(&ProtocolError{Queue: q.index, Slot: slot.ID, Token: slot.Token, Reason: err.Error()})
	}
	if hdr.Unique != slot.Unique {
		return nil, d.violation(&ProtocolError{Queue: q.index, Slot: slot.ID, Token: slot.Token,
			Expected: slot.Unique, Echoed: hdr.Unique, Reason: "echoed unique id mismatch"})
	}
	if hdr.Length < fuseproto.OutHeaderSize {
		return nil, d.violation(&ProtocolError{Queue: q.index, Slot: slot.ID, Token: slot.Token,
			Reason: "declared length shorter than out header"})
	}

	capacity := slot.Response.Len()
	n := int(hdr.Length)
	var truncErr error
	if n > capacity {
		truncErr = &TruncationError{Declared: n, Capacity: capacity}
		n = capacity
		d.dev.metrics.Truncations.Inc()
		d.dev.log.Warn("virtio-fs: response truncated",
			"queue", q.index, "slot", slot.ID, "opcode", slot.Opcode,
			"declared", hdr.Length, "capacity", capacity)
	}
	if uint32(n) > written {
		return nil, d.violation(&ProtocolError{Queue: q.index, Slot: slot.ID, Token: slot.Token,
			Reason: "declared length exceeds bytes written"})
	}

	return &Response{
		Opcode:  slot.Opcode,
		Header:  hdr,
		Payload: bytes.Clone(slot.Response.Data[fuseproto.OutHeaderSize:n]),
	}, truncErr
}

func (d *dispatcher) violation(perr *ProtocolError) error {
	d.violations.Inc()
	d.dev.metrics.ProtocolViolations.Inc()
	d.dev.log.Warn("virtio-fs: protocol violation",
		slog.Int("queue", perr.Queue),
		slog.Any("slot", perr.Slot),
		slog.Any("token", perr.Token),
		slog.String("reason", perr.Reason),
		slog.Uint64("unique", perr.Expected),
		slog.Uint64("echoed", perr.Echoed))
	return perr
}

// freeBuffers is shared by every path that retires a slot.
func freeBuffers(mem Allocator, bufs ...dma.Buffer) error {
	var first error
	for _, b := range bufs {
		if b.IsZero() {
			continue
		}
		if err := mem.Free(b); err != nil && first == nil {
			first = err
		}
	}
	return first
}

var _ Ring = (*virtq.SplitRing)(nil)
