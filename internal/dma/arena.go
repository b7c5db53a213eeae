// Package dma provides device-visible memory for virtqueue rings and
// request buffers.
//
// An Arena hands out Buffers addressed by a pseudo-physical address. The
// device side of a transport only ever touches arena memory through ReadAt
// and WriteAt; the driver side may write a Buffer's Data directly before
// publishing it on a ring, and read it directly after the device has
// returned it. The ring index hand-off, which always goes through the arena
// lock, orders those accesses.
package dma

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// DefaultBase is the address of the first byte of an arena. Address zero is
// never handed out so a zero Addr always means "no buffer".
const DefaultBase = 0x100000

var (
	ErrOutOfMemory = errors.New("dma: arena exhausted")
	ErrBadFree     = errors.New("dma: free of unallocated buffer")
	ErrClosed      = errors.New("dma: arena closed")
)

// Buffer is one allocation. Data aliases arena memory.
type Buffer struct {
	Addr uint64
	Data []byte
}

// Len returns the buffer length in bytes.
func (b Buffer) Len() int { return len(b.Data) }

// IsZero reports whether b is the zero Buffer.
func (b Buffer) IsZero() bool { return b.Addr == 0 }

type extent struct {
	off  int
	size int
}

// Arena is a fixed-size region of device-visible memory with a first-fit
// allocator. It is safe for concurrent use.
type Arena struct {
	base uint64

	// memMu guards the bytes of mem for ReadAt/WriteAt.
	memMu sync.RWMutex
	mem   []byte

	mu      sync.Mutex
	free    []extent // sorted by offset, never adjacent
	used    map[int]int
	inUse   int
	release func([]byte) error
}

// NewArena maps size bytes of shared memory.
func NewArena(size int) (*Arena, error) {
	if size <= 0 {
		return nil, fmt.Errorf("dma: invalid arena size %d", size)
	}
	mem, release, err := mapMemory(size)
	if err != nil {
		return nil, err
	}
	return &Arena{
		base:    DefaultBase,
		mem:     mem,
		free:    []extent{{off: 0, size: len(mem)}},
		used:    make(map[int]int),
		release: release,
	}, nil
}

// Size returns the arena size in bytes.
func (a *Arena) Size() int { return len(a.mem) }

// InUse returns the number of bytes currently allocated.
func (a *Arena) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}

// Alloc returns a zeroed buffer of size bytes whose address is a multiple of
// align. align must be a power of two; zero means byte alignment.
func (a *Arena) Alloc(size, align int) (Buffer, error) {
	if size <= 0 {
		return Buffer{}, fmt.Errorf("dma: invalid allocation size %d", size)
	}
	if align <= 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		return Buffer{}, fmt.Errorf("dma: alignment %d is not a power of two", align)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mem == nil {
		return Buffer{}, ErrClosed
	}

	for i, e := range a.free {
		start := alignUp(e.off, align)
		pad := start - e.off
		if pad+size > e.size {
			continue
		}
		var repl []extent
		if pad > 0 {
			repl = append(repl, extent{off: e.off, size: pad})
		}
		if rest := e.size - pad - size; rest > 0 {
			repl = append(repl, extent{off: start + size, size: rest})
		}
		a.free = slices.Replace(a.free, i, i+1, repl...)
		a.used[start] = size
		a.inUse += size
		return Buffer{
			Addr: a.base + uint64(start),
			Data: a.mem[start : start+size : start+size],
		}, nil
	}
	return Buffer{}, fmt.Errorf("%w (want %d bytes, %d in use)", ErrOutOfMemory, size, a.inUse)
}

// Free returns b to the arena and zeroes its memory.
func (a *Arena) Free(b Buffer) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mem == nil {
		return ErrClosed
	}
	if b.Addr < a.base {
		return fmt.Errorf("%w: address 0x%x", ErrBadFree, b.Addr)
	}
	off := int(b.Addr - a.base)
	size, ok := a.used[off]
	if !ok {
		return fmt.Errorf("%w: address 0x%x", ErrBadFree, b.Addr)
	}
	delete(a.used, off)
	a.inUse -= size

	a.memMu.Lock()
	clear(a.mem[off : off+size])
	a.memMu.Unlock()

	idx, _ := slices.BinarySearchFunc(a.free, off, func(e extent, target int) int {
		return e.off - target
	})
	a.free = slices.Insert(a.free, idx, extent{off: off, size: size})
	// Coalesce with the right neighbour, then the left one.
	if idx+1 < len(a.free) && a.free[idx].off+a.free[idx].size == a.free[idx+1].off {
		a.free[idx].size += a.free[idx+1].size
		a.free = slices.Delete(a.free, idx+1, idx+2)
	}
	if idx > 0 && a.free[idx-1].off+a.free[idx-1].size == a.free[idx].off {
		a.free[idx-1].size += a.free[idx].size
		a.free = slices.Delete(a.free, idx, idx+1)
	}
	return nil
}

// ReadAt implements io.ReaderAt. off is a physical address.
func (a *Arena) ReadAt(p []byte, off int64) (int, error) {
	a.memMu.RLock()
	defer a.memMu.RUnlock()
	start, err := a.span(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, a.mem[start:start+len(p)]), nil
}

// WriteAt implements io.WriterAt. off is a physical address.
func (a *Arena) WriteAt(p []byte, off int64) (int, error) {
	a.memMu.Lock()
	defer a.memMu.Unlock()
	start, err := a.span(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(a.mem[start:start+len(p)], p), nil
}

func (a *Arena) span(addr int64, n int) (int, error) {
	if a.mem == nil {
		return 0, ErrClosed
	}
	if addr < 0 || uint64(addr) < a.base {
		return 0, fmt.Errorf("dma: address 0x%x below arena base 0x%x", addr, a.base)
	}
	start := uint64(addr) - a.base
	if start+uint64(n) > uint64(len(a.mem)) {
		return 0, fmt.Errorf("dma: access [0x%x, +%d) outside arena of %d bytes", addr, n, len(a.mem))
	}
	return int(start), nil
}

// Close unmaps the arena. Outstanding Buffers must not be used afterwards.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.memMu.Lock()
	defer a.memMu.Unlock()
	if a.mem == nil {
		return nil
	}
	mem := a.mem
	a.mem = nil
	a.free = nil
	a.used = nil
	a.inUse = 0
	if a.release != nil {
		return a.release(mem)
	}
	return nil
}

func alignUp(v, align int) int {
	return (v + align - 1) &^ (align - 1)
}
