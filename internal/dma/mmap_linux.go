//go:build linux

package dma

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func mapMemory(size int) ([]byte, func([]byte) error, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_SHARED)
	if err != nil {
		return nil, nil, fmt.Errorf("dma: mmap %d bytes: %w", size, err)
	}
	return mem, unix.Munmap, nil
}
