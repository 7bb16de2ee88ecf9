// Package stage2 sequences the second-stage loader: discover the kernel
// window from firmware, map it, validate it as private memory, then copy the
// kernel image into place and transfer control. Every stage failure is
// terminal; there is no degraded mode for a loader that cannot trust its own
// memory.
package stage2

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/snpboot/internal/console"
	"github.com/tinyrange/snpboot/internal/fwcfg"
	"github.com/tinyrange/snpboot/internal/hv"
	"github.com/tinyrange/snpboot/internal/platform"
	"github.com/tinyrange/snpboot/internal/snp"
)

// KernelVirtAddr is the fixed high virtual base the kernel region is mapped
// at.
const KernelVirtAddr = 0xffff_ff80_0000_0000

// KernelHeaderSize is the packed header at the very start of the raw kernel
// image: {virt_addr u64, entry u64}, native byte order, no padding.
const KernelHeaderSize = 16

// KernelHeader is the image's self-description, read exactly once.
type KernelHeader struct {
	VirtAddr uint64
	Entry    uint64
}

// Platform is the set of collaborators the loader is handed at entry. They
// are obtained once by the platform bootstrap and threaded through
// explicitly; the loader holds no ambient globals.
type Platform struct {
	Mem       hv.GuestMemory
	Port      platform.IOPort
	Mapper    platform.PageMapper
	Validator platform.PageValidator
	Alloc     platform.PageAllocator
	Comm      platform.CommBlock
	Launcher  platform.Launcher
	Halter    platform.Halter
	Console   *console.Console
	Status    snp.Status
}

// Loader is the boot orchestrator.
type Loader struct {
	p *Platform
}

// NewLoader wraps a bootstrapped platform.
func NewLoader(p *Platform) *Loader {
	return &Loader{p: p}
}

// fatalf logs a diagnostic and halts. This is the panic path of the boot
// stage: there is no caller to return an error to.
func (l *Loader) fatalf(format string, args ...any) {
	l.p.Console.Printf("panic: "+format, args...)
	l.p.Halter.Halt()
	// Halt transfers away permanently; reaching this point means the
	// platform broke its own contract.
	panic("halt returned")
}

// setupEnv brings up the environment the rest of the pipeline assumes: the
// communication block, and the confidential-computing execution mode check.
// A missing execution mode is a startup precondition failure, not a
// recoverable condition.
func (l *Loader) setupEnv() {
	if err := l.p.Comm.Setup(); err != nil {
		l.fatalf("failed to set up per-cpu data: %v", err)
	}
	if !l.p.Status.Active() {
		l.fatalf("SEV-ES not available")
	}
}

// MapKernelRegion maps [region.Start, region.End) one 4 KiB page at a time
// into the fixed high virtual base, in increasing address order. A failed
// page aborts the whole operation; partial mappings are not rolled back.
func (l *Loader) MapKernelRegion(region fwcfg.KernelRegion) error {
	flags := platform.PagePresent | platform.PageWritable | platform.PageAccessed | platform.PageDirty

	vaddr := uint64(KernelVirtAddr)
	for paddr := region.Start; paddr < region.End; paddr += platform.PageSize {
		if err := l.p.Mapper.Map4K(vaddr, paddr, flags); err != nil {
			return fmt.Errorf("map page %#x -> %#x: %w", vaddr, paddr, err)
		}
		vaddr += platform.PageSize
	}
	return nil
}

// ValidateKernelRegion transitions the same range to guest-private memory.
// For each page the hypervisor-facing request is issued against the physical
// address before the guest-side validate against the virtual address; the
// guest side requires the host to have already transitioned ownership, so
// the order is load-bearing. The first failure aborts immediately.
func (l *Loader) ValidateKernelRegion(region fwcfg.KernelRegion) error {
	vaddr := uint64(KernelVirtAddr)
	for paddr := region.Start; paddr < region.End; paddr += platform.PageSize {
		if err := l.p.Validator.RequestPrivate(paddr); err != nil {
			l.p.Console.Printf("error: validating page failed for physical address %#018x", paddr)
			return fmt.Errorf("validate page %#x: %w", paddr, err)
		}
		if err := l.p.Validator.Validate(vaddr); err != nil {
			l.p.Console.Printf("error: PVALIDATE failed for virtual address %#018x", vaddr)
			return fmt.Errorf("pvalidate page %#x: %w", vaddr, err)
		}
		vaddr += platform.PageSize
	}
	return nil
}

// ReadKernelHeader interprets the first 16 bytes of the raw image as the
// packed kernel header. No alignment is assumed and nothing beyond presence
// is validated; the image is opaque until this read.
func (l *Loader) ReadKernelHeader(imageStart uint64) (KernelHeader, error) {
	var buf [KernelHeaderSize]byte
	if _, err := l.p.Mem.ReadAt(buf[:], int64(imageStart)); err != nil {
		return KernelHeader{}, fmt.Errorf("read kernel header at %#x: %w", imageStart, err)
	}
	return KernelHeader{
		VirtAddr: binary.LittleEndian.Uint64(buf[0:8]),
		Entry:    binary.LittleEndian.Uint64(buf[8:16]),
	}, nil
}

// kernelInfo gathers everything the terminal copy needs.
type kernelInfo struct {
	imageStart uint64
	imageEnd   uint64
	physBase   uint64
	physEnd    uint64
	virtBase   uint64
	entry      uint64
}

// copyAndLaunch builds the handoff structure, tears down the communication
// block, and performs the terminal copy-and-jump. It never returns.
func (l *Loader) copyAndLaunch(ki kernelInfo) {
	info := platform.LaunchInfo{
		KernelStart: ki.physBase,
		KernelEnd:   ki.physEnd,
		VirtBase:    ki.virtBase,
		CPUIDPage:   snp.CPUIDPageAddr,
		SecretsPage: snp.SecretsPageAddr,
		CommBlock:   0,
	}

	l.p.Console.Printf("  kernel_physical_start = %#018x", info.KernelStart)
	l.p.Console.Printf("  kernel_physical_end   = %#018x", info.KernelEnd)
	l.p.Console.Printf("  kernel_virtual_base   = %#018x", info.VirtBase)
	l.p.Console.Printf("  cpuid_page            = %#018x", info.CPUIDPage)
	l.p.Console.Printf("  secrets_page          = %#018x", info.SecretsPage)
	l.p.Console.Printf("launching kernel...")

	// The block's backing memory is not valid to access once the copy below
	// begins; it has to go first.
	if err := l.p.Comm.Shutdown(); err != nil {
		l.fatalf("failed to shut down communication block: %v", err)
	}

	err := l.p.Launcher.Launch(ki.imageStart, ki.imageEnd, ki.virtBase, ki.entry, &info)
	l.fatalf("launch returned: %v", err)
}

// Main is the stage-2 entry point, handed the physical bounds of the raw
// kernel image by the boot firmware. It does not return: control either
// transfers to the kernel or the stage halts.
func (l *Loader) Main(kernelStart, kernelEnd uint64) {
	l.setupEnv()

	client := fwcfg.NewClient(l.p.Port, l.p.Console)
	region, err := client.FindKernelRegion()
	if err != nil {
		l.fatalf("failed to find kernel region: %v", err)
	}

	l.p.Console.Printf("Secure Virtual Machine Service Module (SVSM) Stage 2 Loader")

	if err := l.MapKernelRegion(region); err != nil {
		l.fatalf("error mapping kernel region: %v", err)
	}
	if err := l.ValidateKernelRegion(region); err != nil {
		l.fatalf("validating kernel region failed: %v", err)
	}

	header, err := l.ReadKernelHeader(kernelStart)
	if err != nil {
		l.fatalf("error reading kernel header: %v", err)
	}

	total, free := l.p.Alloc.Stats()
	l.p.Console.Printf("memory info: %d pages total, %d pages free", total, free)

	l.copyAndLaunch(kernelInfo{
		imageStart: kernelStart,
		imageEnd:   kernelEnd,
		physBase:   region.Start,
		physEnd:    region.End,
		virtBase:   header.VirtAddr,
		entry:      header.Entry,
	})
}
