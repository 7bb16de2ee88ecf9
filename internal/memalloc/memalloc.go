// Package memalloc is the stage-2 page-frame allocator: a bump allocator
// over the heap window set aside for this boot stage. Frames feed the
// page-table writer and the communication block; nothing is freed before
// control transfers away.
package memalloc

import (
	"fmt"
	"sync"

	"github.com/tinyrange/snpboot/internal/hv"
	"github.com/tinyrange/snpboot/internal/platform"
)

// Bump allocates zeroed 4 KiB frames from a fixed physical window.
type Bump struct {
	mu sync.Mutex

	mem   hv.GuestMemory
	start uint64
	end   uint64
	next  uint64
}

// New creates an allocator over the physical window [start, end). Bounds are
// snapped inward to page boundaries.
func New(mem hv.GuestMemory, start, end uint64) (*Bump, error) {
	start = (start + platform.PageSize - 1) &^ (platform.PageSize - 1)
	end &^= uint64(platform.PageSize - 1)
	if end <= start {
		return nil, fmt.Errorf("memalloc: empty heap window [%#x, %#x)", start, end)
	}
	return &Bump{mem: mem, start: start, end: end, next: start}, nil
}

// AllocPage returns the physical address of a zeroed 4 KiB frame.
func (b *Bump) AllocPage() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.next >= b.end {
		return 0, fmt.Errorf("memalloc: heap window [%#x, %#x) exhausted", b.start, b.end)
	}
	page := b.next
	b.next += platform.PageSize

	var zero [platform.PageSize]byte
	if _, err := b.mem.WriteAt(zero[:], int64(page)); err != nil {
		return 0, fmt.Errorf("memalloc: zero frame %#x: %w", page, err)
	}
	return page, nil
}

// Stats reports total and free frames in the window.
func (b *Bump) Stats() (total, free uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	total = (b.end - b.start) / platform.PageSize
	free = (b.end - b.next) / platform.PageSize
	return total, free
}

var _ platform.PageAllocator = (*Bump)(nil)
