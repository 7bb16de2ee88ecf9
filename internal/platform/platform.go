// Package platform defines the contracts between the stage-2 loader pipeline
// and the machine it runs on. The loader itself only ever talks to these
// interfaces; the simulated machine (internal/machine) and the Linux
// /dev/port backend (internal/ioport) provide the implementations.
package platform

import (
	"encoding/binary"
	"errors"
)

// PageSize is the only mapping granularity the loader uses.
const PageSize = 0x1000

// IOPort is ordered, synchronous x86 port I/O. There is no error path: a
// port access either completes or the machine is broken beyond reporting.
type IOPort interface {
	Outb(port uint16, value uint8)
	Outw(port uint16, value uint16)
	Inb(port uint16) uint8
	Inw(port uint16) uint16
}

// PageFlags are x86-64 page-table entry flags.
type PageFlags uint64

const (
	PagePresent  PageFlags = 1 << 0
	PageWritable PageFlags = 1 << 1
	PageUser     PageFlags = 1 << 2
	PageAccessed PageFlags = 1 << 5
	PageDirty    PageFlags = 1 << 6
)

// PageMapper installs 4 KiB translations one page at a time.
type PageMapper interface {
	// Map4K maps a single 4 KiB page. A failure leaves previously installed
	// entries in place; the caller decides whether that is fatal.
	Map4K(virt, phys uint64, flags PageFlags) error

	// Translate resolves a virtual address through the installed tables.
	Translate(virt uint64) (uint64, error)
}

// PageAllocator hands out zeroed 4 KiB page frames for the lifetime of the
// boot stage. Nothing is ever freed before the handoff.
type PageAllocator interface {
	AllocPage() (uint64, error)
	Stats() (total, free uint64)
}

// PageValidator is the two-phase SEV-SNP page validation contract.
// RequestPrivate is the hypervisor-facing half and operates on physical
// addresses; Validate is the guest-side PVALIDATE half and operates on
// virtual addresses. RequestPrivate must complete for a page before Validate
// is issued for it.
type PageValidator interface {
	RequestPrivate(phys uint64) error
	Validate(virt uint64) error
}

// CommBlock is the per-CPU guest/hypervisor communication block (GHCB). It
// must be shut down before control transfers to code that does not expect
// it registered.
type CommBlock interface {
	Setup() error
	Shutdown() error
	Address() uint64
}

// LaunchInfo is the handoff ABI passed to the next stage. Field order and
// widths must match the next stage bit for bit.
type LaunchInfo struct {
	KernelStart uint64
	KernelEnd   uint64
	VirtBase    uint64
	CPUIDPage   uint64
	SecretsPage uint64
	CommBlock   uint64
}

// LaunchInfoSize is the encoded size of LaunchInfo.
const LaunchInfoSize = 48

// MarshalBinary encodes the handoff structure in its wire layout.
func (l *LaunchInfo) MarshalBinary() ([]byte, error) {
	buf := make([]byte, LaunchInfoSize)
	binary.LittleEndian.PutUint64(buf[0:8], l.KernelStart)
	binary.LittleEndian.PutUint64(buf[8:16], l.KernelEnd)
	binary.LittleEndian.PutUint64(buf[16:24], l.VirtBase)
	binary.LittleEndian.PutUint64(buf[24:32], l.CPUIDPage)
	binary.LittleEndian.PutUint64(buf[32:40], l.SecretsPage)
	binary.LittleEndian.PutUint64(buf[40:48], l.CommBlock)
	return buf, nil
}

// UnmarshalBinary decodes the handoff structure from its wire layout.
func (l *LaunchInfo) UnmarshalBinary(buf []byte) error {
	if len(buf) < LaunchInfoSize {
		return errors.New("launch info buffer too short")
	}
	l.KernelStart = binary.LittleEndian.Uint64(buf[0:8])
	l.KernelEnd = binary.LittleEndian.Uint64(buf[8:16])
	l.VirtBase = binary.LittleEndian.Uint64(buf[16:24])
	l.CPUIDPage = binary.LittleEndian.Uint64(buf[24:32])
	l.SecretsPage = binary.LittleEndian.Uint64(buf[32:40])
	l.CommBlock = binary.LittleEndian.Uint64(buf[40:48])
	return nil
}

// Launcher is the single terminal operation of the boot stage: copy the
// kernel image to its mapped location and transfer control to entry with the
// handoff structure made available to the next stage. On real hardware this
// never returns. Implementations that simulate the transfer must still not
// return control to the caller; the caller treats any return as an
// unrecoverable invariant violation.
type Launcher interface {
	Launch(imageStart, imageEnd, virtBase, entry uint64, info *LaunchInfo) error
}

// Halter stops the current execution context permanently. Used by the fatal
// path once diagnostics have been written.
type Halter interface {
	Halt()
}
