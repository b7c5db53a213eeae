package fuseproto

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/abi/linux"
)

// Opcode is a FUSE operation code.
type Opcode uint32

const (
	OpLookup      = Opcode(linux.FUSE_LOOKUP)
	OpForget      = Opcode(linux.FUSE_FORGET)
	OpGetAttr     = Opcode(linux.FUSE_GETATTR)
	OpOpen        = Opcode(linux.FUSE_OPEN)
	OpRead        = Opcode(linux.FUSE_READ)
	OpWrite       = Opcode(linux.FUSE_WRITE)
	OpRelease     = Opcode(linux.FUSE_RELEASE)
	OpInit        = Opcode(linux.FUSE_INIT)
	OpInterrupt   = Opcode(linux.FUSE_INTERRUPT)
	OpDestroy     = Opcode(linux.FUSE_DESTROY)
	OpBatchForget = Opcode(linux.FUSE_BATCH_FORGET)
)

var opcodeNames = map[Opcode]string{
	OpLookup:      "LOOKUP",
	OpForget:      "FORGET",
	OpGetAttr:     "GETATTR",
	OpOpen:        "OPEN",
	OpRead:        "READ",
	OpWrite:       "WRITE",
	OpRelease:     "RELEASE",
	OpInit:        "INIT",
	OpInterrupt:   "INTERRUPT",
	OpDestroy:     "DESTROY",
	OpBatchForget: "BATCH_FORGET",
}

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("OPCODE(%d)", uint32(op))
}

// NoReply reports whether the device never writes a response for op.
func (op Opcode) NoReply() bool {
	return op == OpForget || op == OpBatchForget
}

// Urgent reports whether op belongs on the high-priority queue when the
// caller has not said otherwise.
func (op Opcode) Urgent() bool {
	return op == OpForget || op == OpBatchForget || op == OpInterrupt
}
