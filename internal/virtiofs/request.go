package virtiofs

import (
	"context"
	"fmt"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/tinyrange/vtfs/internal/fuseproto"
)

// Request is one FUSE operation as handed over by the filesystem client.
// The engine frames it with the in header; Payload is the operation-specific
// body that follows.
type Request struct {
	Opcode fuseproto.Opcode
	// Unique is echoed back by the device. Zero asks the engine to derive
	// one from the slot.
	Unique  uint64
	NodeID  uint64
	UID     uint32
	GID     uint32
	PID     uint32
	Payload []byte
	// ResponseSize is the capacity for the reply body, excluding the out
	// header.
	ResponseSize int
	// HighPriority routes the request to the high-priority queue.
	HighPriority bool
}

// NewRequest builds a request. Forget, batch-forget and interrupt requests
// are flagged high priority.
func NewRequest(op fuseproto.Opcode, nodeID uint64, payload []byte, responseSize int) Request {
	return Request{
		Opcode:       op,
		NodeID:       nodeID,
		Payload:      payload,
		ResponseSize: responseSize,
		HighPriority: op.Urgent(),
	}
}

func (r *Request) validate() error {
	if r.ResponseSize < 0 {
		return fmt.Errorf("virtio-fs: negative response size %d", r.ResponseSize)
	}
	if uint64(fuseproto.InHeaderSize+len(r.Payload)) > 1<<32-1 {
		return fmt.Errorf("%w: payload of %d bytes", ErrRequestTooLarge, len(r.Payload))
	}
	if uint64(fuseproto.OutHeaderSize+r.ResponseSize) > 1<<32-1 {
		return fmt.Errorf("%w: response size %d", ErrRequestTooLarge, r.ResponseSize)
	}
	return nil
}

func (r *Request) header(unique uint64) fuse.InHeader {
	return fuse.InHeader{
		Length: uint32(fuseproto.InHeaderSize + len(r.Payload)),
		Opcode: uint32(r.Opcode),
		Unique: unique,
		NodeId: r.NodeID,
		Caller: fuse.Caller{
			Owner: fuse.Owner{Uid: r.UID, Gid: r.GID},
			Pid:   r.PID,
		},
	}
}

// Response is a decoded device reply.
type Response struct {
	Opcode  fuseproto.Opcode
	Header  fuse.OutHeader
	Payload []byte
}

// Status returns the FUSE result code as a positive errno.
func (r *Response) Status() fuse.Status {
	return fuse.Status(-r.Header.Status)
}

// Err converts a non-zero result code into a *StatusError.
func (r *Response) Err() error {
	if st := r.Status(); !st.Ok() {
		return &StatusError{Opcode: r.Opcode, Status: st}
	}
	return nil
}

// Handle tracks one submitted request.
type Handle struct {
	dev    *Device
	id     SlotID
	gen    uint32
	unique uint64
	opcode fuseproto.Opcode
	queue  int

	done chan struct{}
	resp *Response
	err  error
}

// Unique returns the FUSE unique id sent to the device.
func (h *Handle) Unique() uint64 { return h.unique }

// Queue returns the index of the queue carrying the request.
func (h *Handle) Queue() int { return h.queue }

// Slot returns the slot id backing the request.
func (h *Handle) Slot() SlotID { return h.id }

// Done is closed once the request reached a terminal outcome.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the outcome. It must only be called after Done is closed.
//
// A truncated response comes back together with a *TruncationError.
func (h *Handle) Result() (*Response, error) {
	return h.resp, h.err
}

// Wait blocks until the request finishes or ctx ends. When ctx ends first
// the request is cancelled; the device may still carry it out.
func (h *Handle) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-h.done:
		return h.resp, h.err
	case <-ctx.Done():
	}
	if h.Cancel() {
		return nil, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
	<-h.done
	return h.resp, h.err
}

// Cancel abandons a request that has not completed yet. It only changes the
// engine's bookkeeping; the chain stays with the device and the slot is
// recycled once the device returns it. Cancel reports whether it took effect.
func (h *Handle) Cancel() bool {
	if h.dev == nil {
		return false
	}
	return h.dev.cancel(h)
}

func (h *Handle) finish(resp *Response, err error) {
	h.resp = resp
	h.err = err
	close(h.done)
}
