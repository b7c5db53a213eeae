package virtiofs

import (
	"errors"
	"fmt"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/tinyrange/vtfs/internal/fuseproto"
	"github.com/tinyrange/vtfs/internal/virtq"
)

var (
	// ErrQueueFull means a ring had no room for another chain.
	ErrQueueFull = virtq.ErrQueueFull
	// ErrTableFull means every request slot is in use.
	ErrTableFull = errors.New("virtio-fs: request slot table full")
	// ErrBackpressure is returned instead of blocking when a submission
	// cannot be accepted right now. It wraps ErrQueueFull or ErrTableFull.
	ErrBackpressure = errors.New("virtio-fs: backpressure")
	// ErrRequestTooLarge rejects a request whose buffers can never be
	// allocated. Retrying does not help.
	ErrRequestTooLarge = errors.New("virtio-fs: request too large")
	// ErrProtocolViolation marks a completion the device got wrong.
	ErrProtocolViolation = errors.New("virtio-fs: protocol violation")
	// ErrDataTruncation means the response did not fit the response buffer.
	// The response is still delivered up to the buffer capacity.
	ErrDataTruncation = errors.New("virtio-fs: response truncated")
	// ErrNegotiationFailure aborts attach.
	ErrNegotiationFailure = errors.New("virtio-fs: negotiation failed")
	// ErrAllocationFailure aborts attach.
	ErrAllocationFailure = errors.New("virtio-fs: allocation failed")
	// ErrShuttingDown rejects submissions once the device is quiescing.
	ErrShuttingDown = errors.New("virtio-fs: device shutting down")
	// ErrOrphaned is delivered to requests that were still in flight when the
	// device was torn down. Whether the operation took effect is unknown.
	ErrOrphaned = errors.New("virtio-fs: request orphaned by teardown")
	// ErrCancelled is delivered to a request cancelled by its caller.
	ErrCancelled = errors.New("virtio-fs: request cancelled")
)

// IsTransient reports whether err is a retryable admission error.
func IsTransient(err error) bool {
	return errors.Is(err, ErrBackpressure) || errors.Is(err, ErrQueueFull) || errors.Is(err, ErrTableFull)
}

// ProtocolError describes one bad completion. It only ever affects the slot
// it names.
type ProtocolError struct {
	Queue    int
	Slot     SlotID
	Token    virtq.Token
	Expected uint64
	Echoed   uint64
	Reason   string
}

func (e *ProtocolError) Error() string {
	if e.Expected != e.Echoed {
		return fmt.Sprintf("virtio-fs: protocol violation on queue %d slot %d: %s (unique %d, echoed %d)",
			e.Queue, e.Slot, e.Reason, e.Expected, e.Echoed)
	}
	return fmt.Sprintf("virtio-fs: protocol violation on queue %d token %d: %s", e.Queue, e.Token, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return ErrProtocolViolation }

// TruncationError reports a response longer than its buffer.
type TruncationError struct {
	Declared int
	Capacity int
}

func (e *TruncationError) Error() string {
	return fmt.Sprintf("virtio-fs: response truncated: device declared %d bytes, buffer holds %d", e.Declared, e.Capacity)
}

func (e *TruncationError) Unwrap() error { return ErrDataTruncation }

// StatusError carries a non-zero FUSE result code.
type StatusError struct {
	Opcode fuseproto.Opcode
	Status fuse.Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("virtio-fs: %s: %v", e.Opcode, e.Status)
}
