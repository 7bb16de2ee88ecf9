// Package hv models the guest physical address space the loader operates on.
package hv

import (
	"encoding/binary"
	"fmt"
	"io"
)

// GuestMemory is a window of guest physical memory. Offsets passed to ReadAt
// and WriteAt are guest physical addresses, not offsets into the window.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt

	MemoryBase() uint64
	MemorySize() uint64
}

// Device is anything that needs a handle on guest memory before the machine
// starts.
type Device interface {
	Init(mem GuestMemory) error
}

// RAM is a flat, host-backed guest RAM window.
type RAM struct {
	base uint64
	data []byte
}

// NewRAM allocates a zeroed guest RAM window of size bytes at base.
func NewRAM(base, size uint64) *RAM {
	return &RAM{base: base, data: make([]byte, size)}
}

func (r *RAM) MemoryBase() uint64 { return r.base }
func (r *RAM) MemorySize() uint64 { return uint64(len(r.data)) }

// ReadAt implements GuestMemory.
func (r *RAM) ReadAt(p []byte, off int64) (int, error) {
	rel := off - int64(r.base)
	if rel < 0 || rel >= int64(len(r.data)) {
		return 0, fmt.Errorf("read at %#x outside guest RAM [%#x, %#x)", off, r.base, r.base+uint64(len(r.data)))
	}
	n := copy(p, r.data[rel:])
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

// WriteAt implements GuestMemory.
func (r *RAM) WriteAt(p []byte, off int64) (int, error) {
	rel := off - int64(r.base)
	if rel < 0 || rel >= int64(len(r.data)) {
		return 0, fmt.Errorf("write at %#x outside guest RAM [%#x, %#x)", off, r.base, r.base+uint64(len(r.data)))
	}
	n := copy(r.data[rel:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// Contains reports whether [addr, addr+size) lies inside the RAM window.
func (r *RAM) Contains(addr, size uint64) bool {
	end := addr + size
	if end < addr {
		return false
	}
	return addr >= r.base && end <= r.base+uint64(len(r.data))
}

// ReadUint64 reads a little-endian 64-bit value at a guest physical address.
func ReadUint64(mem GuestMemory, addr uint64) (uint64, error) {
	var buf [8]byte
	if _, err := mem.ReadAt(buf[:], int64(addr)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteUint64 writes a little-endian 64-bit value at a guest physical address.
func WriteUint64(mem GuestMemory, addr, value uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	_, err := mem.WriteAt(buf[:], int64(addr))
	return err
}

// CopyWithin copies size bytes between two guest physical addresses. The
// ranges must not overlap.
func CopyWithin(mem GuestMemory, dst, src, size uint64) error {
	buf := make([]byte, size)
	if _, err := mem.ReadAt(buf, int64(src)); err != nil {
		return fmt.Errorf("copy source [%#x, %#x): %w", src, src+size, err)
	}
	if _, err := mem.WriteAt(buf, int64(dst)); err != nil {
		return fmt.Errorf("copy destination [%#x, %#x): %w", dst, dst+size, err)
	}
	return nil
}
