package loopback

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"path"
	"sync"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/tinyrange/vtfs/internal/fuseproto"
	"go.uber.org/atomic"
)

// RootNodeID is the FUSE node id of the root directory.
const RootNodeID = 1

const (
	attrSize     = 88
	attrOutSize  = 16 + attrSize
	entryOutSize = 40 + attrSize
	initOutSize  = 64
	openOutSize  = 16

	defaultMaxWrite = 128 * 1024
)

// Attr is struct fuse_attr.
type Attr struct {
	Ino       uint64
	Size      uint64
	Blocks    uint64
	ATimeSec  uint64
	MTimeSec  uint64
	CTimeSec  uint64
	ATimeNsec uint32
	MTimeNsec uint32
	CTimeNsec uint32
	Mode      uint32
	NLink     uint32
	UID       uint32
	GID       uint32
	RDev      uint32
	BlkSize   uint32
	Flags     uint32
}

func encodeAttr(dst []byte, attr Attr) {
	if len(dst) < attrSize {
		return
	}
	putU64 := func(off int, val uint64) { binary.LittleEndian.PutUint64(dst[off:off+8], val) }
	putU32 := func(off int, val uint32) { binary.LittleEndian.PutUint32(dst[off:off+4], val) }
	putU64(0, attr.Ino)
	putU64(8, attr.Size)
	putU64(16, attr.Blocks)
	putU64(24, attr.ATimeSec)
	putU64(32, attr.MTimeSec)
	putU64(40, attr.CTimeSec)
	putU32(48, attr.ATimeNsec)
	putU32(52, attr.MTimeNsec)
	putU32(56, attr.CTimeNsec)
	putU32(60, attr.Mode)
	putU32(64, attr.NLink)
	putU32(68, attr.UID)
	putU32(72, attr.GID)
	putU32(76, attr.RDev)
	putU32(80, attr.BlkSize)
	putU32(84, attr.Flags)
}

// DecodeAttr reads a struct fuse_attr.
func DecodeAttr(src []byte) (Attr, error) {
	if len(src) < attrSize {
		return Attr{}, fmt.Errorf("loopback: short fuse_attr (%d bytes)", len(src))
	}
	u64 := func(off int) uint64 { return binary.LittleEndian.Uint64(src[off : off+8]) }
	u32 := func(off int) uint32 { return binary.LittleEndian.Uint32(src[off : off+4]) }
	return Attr{
		Ino:       u64(0),
		Size:      u64(8),
		Blocks:    u64(16),
		ATimeSec:  u64(24),
		MTimeSec:  u64(32),
		CTimeSec:  u64(40),
		ATimeNsec: u32(48),
		MTimeNsec: u32(52),
		CTimeNsec: u32(56),
		Mode:      u32(60),
		NLink:     u32(64),
		UID:       u32(68),
		GID:       u32(72),
		RDev:      u32(76),
		BlkSize:   u32(80),
		Flags:     u32(84),
	}, nil
}

type memFile struct {
	name string
	data []byte
}

// MemServer is a flat read-only filesystem held in memory. Files live
// directly under the root.
type MemServer struct {
	mu     sync.RWMutex
	nodes  map[uint64]*memFile
	byName map[string]uint64
	nextID uint64

	forgets    atomic.Uint64
	interrupts atomic.Uint64
}

// NewMemServer returns an empty filesystem.
func NewMemServer() *MemServer {
	return &MemServer{
		nodes:  make(map[uint64]*memFile),
		byName: make(map[string]uint64),
		nextID: RootNodeID + 1,
	}
}

// AddFile creates or replaces a file and returns its node id.
func (s *MemServer) AddFile(name string, data []byte) uint64 {
	name = path.Clean(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byName[name]; ok {
		s.nodes[id].data = bytes.Clone(data)
		return id
	}
	id := s.nextID
	s.nextID++
	s.nodes[id] = &memFile{name: name, data: bytes.Clone(data)}
	s.byName[name] = id
	return id
}

// Forgets returns how many FORGET and BATCH_FORGET requests arrived.
func (s *MemServer) Forgets() uint64 { return s.forgets.Load() }

// Interrupts returns how many INTERRUPT requests arrived.
func (s *MemServer) Interrupts() uint64 { return s.interrupts.Load() }

func (s *MemServer) attr(id uint64) (Attr, fuse.Status) {
	if id == RootNodeID {
		return Attr{Ino: RootNodeID, Mode: 0o040755, NLink: 2, BlkSize: 4096}, fuse.OK
	}
	s.mu.RLock()
	f, ok := s.nodes[id]
	s.mu.RUnlock()
	if !ok {
		return Attr{}, fuse.ENOENT
	}
	size := uint64(len(f.data))
	return Attr{
		Ino:     id,
		Size:    size,
		Blocks:  (size + 511) / 512,
		Mode:    0o100444,
		NLink:   1,
		BlkSize: 4096,
	}, fuse.OK
}

// ServeFUSE implements Handler.
func (s *MemServer) ServeFUSE(_ context.Context, req, resp []byte) (uint32, error) {
	in, err := fuseproto.ParseInHeader(req)
	if err != nil {
		return 0, err
	}
	op := fuseproto.Opcode(in.Opcode)
	if op.NoReply() {
		s.forgets.Inc()
		return 0, nil
	}
	if len(resp) < fuseproto.OutHeaderSize {
		return 0, fmt.Errorf("loopback: %s response capacity %d below out header", op, len(resp))
	}
	body := req[fuseproto.InHeaderSize:]

	reply := func(extra []byte) (uint32, error) {
		n := fuseproto.OutHeaderSize + len(extra)
		if n > len(resp) {
			return fail(resp, in.Unique, fuse.ERANGE)
		}
		copy(resp[fuseproto.OutHeaderSize:], extra)
		return uint32(n), fuseproto.PutOutHeader(resp, &fuse.OutHeader{Length: uint32(n), Unique: in.Unique})
	}

	status := fuse.ENOSYS
	switch op {
	case fuseproto.OpInit:
		if len(body) < 16 {
			return 0, fmt.Errorf("loopback: INIT too short")
		}
		extra := make([]byte, initOutSize)
		binary.LittleEndian.PutUint32(extra[0:4], 7)
		binary.LittleEndian.PutUint32(extra[4:8], 31)
		binary.LittleEndian.PutUint32(extra[8:12], 128*1024)
		binary.LittleEndian.PutUint16(extra[16:18], 16)
		binary.LittleEndian.PutUint16(extra[18:20], 32)
		binary.LittleEndian.PutUint32(extra[20:24], defaultMaxWrite)
		binary.LittleEndian.PutUint32(extra[24:28], 1)
		return reply(extra)

	case fuseproto.OpGetAttr:
		var attr Attr
		if attr, status = s.attr(in.NodeId); status.Ok() {
			extra := make([]byte, attrOutSize)
			binary.LittleEndian.PutUint64(extra[0:8], 1)
			encodeAttr(extra[16:], attr)
			return reply(extra)
		}

	case fuseproto.OpLookup:
		name := body
		if i := bytes.IndexByte(name, 0); i >= 0 {
			name = name[:i]
		}
		status = fuse.ENOENT
		if in.NodeId == RootNodeID {
			s.mu.RLock()
			id, ok := s.byName[path.Clean(string(name))]
			s.mu.RUnlock()
			if ok {
				var attr Attr
				if attr, status = s.attr(id); status.Ok() {
					extra := make([]byte, entryOutSize)
					binary.LittleEndian.PutUint64(extra[0:8], id)
					binary.LittleEndian.PutUint64(extra[16:24], 1)
					binary.LittleEndian.PutUint64(extra[24:32], 1)
					encodeAttr(extra[40:], attr)
					return reply(extra)
				}
			}
		}

	case fuseproto.OpOpen:
		if _, status = s.attr(in.NodeId); status.Ok() {
			extra := make([]byte, openOutSize)
			binary.LittleEndian.PutUint64(extra[0:8], in.NodeId)
			return reply(extra)
		}

	case fuseproto.OpRelease:
		return reply(nil)

	case fuseproto.OpRead:
		if len(body) < 24 {
			return 0, fmt.Errorf("loopback: READ too short")
		}
		off := binary.LittleEndian.Uint64(body[8:16])
		size := binary.LittleEndian.Uint32(body[16:20])
		s.mu.RLock()
		f, ok := s.nodes[in.NodeId]
		var data []byte
		if ok && off < uint64(len(f.data)) {
			data = f.data[off:min(off+uint64(size), uint64(len(f.data)))]
		}
		s.mu.RUnlock()
		if !ok {
			status = fuse.ENOENT
			break
		}
		if room := len(resp) - fuseproto.OutHeaderSize; len(data) > room {
			data = data[:room]
		}
		return reply(data)

	case fuseproto.OpInterrupt:
		s.interrupts.Inc()
		return reply(nil)
	}

	return fail(resp, in.Unique, status)
}

func fail(resp []byte, unique uint64, status fuse.Status) (uint32, error) {
	h := fuse.OutHeader{Length: fuseproto.OutHeaderSize, Status: -int32(status), Unique: unique}
	return fuseproto.OutHeaderSize, fuseproto.PutOutHeader(resp, &h)
}
