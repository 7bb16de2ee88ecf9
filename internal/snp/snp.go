// Package snp models the SEV-SNP page-ownership machinery the loader has to
// drive: the hypervisor-facing page-state change request (the MSR protocol)
// and the guest-facing PVALIDATE instruction. The model keeps a reverse-map
// style table of per-page states so that ordering violations surface as
// errors instead of silent corruption.
package snp

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/snpboot/internal/hv"
	"github.com/tinyrange/snpboot/internal/platform"
)

// Well-known fixed guest physical pages under the SNP launch layout.
const (
	CPUIDPageAddr   = 0x9f000
	SecretsPageAddr = 0x9e000
)

// Status describes the confidential-computing execution mode of the guest.
type Status struct {
	SEVEnabled bool
	ESEnabled  bool
	SNPEnabled bool
}

// Active reports whether the execution mode the rest of the pipeline
// requires is present.
func (s Status) Active() bool {
	return s.SEVEnabled && s.ESEnabled
}

// pageState tracks one 4 KiB frame through the two validation phases.
type pageState int

const (
	pageShared pageState = iota
	pagePrivate
	pageValidated
)

var (
	// ErrNotPrivate is returned by the guest-side validate when the host-side
	// request has not been issued for the page. The real instruction's
	// behavior here is undefined with respect to the security model, so the
	// model makes it a hard error.
	ErrNotPrivate = errors.New("snp: page not transitioned to private before validate")
)

// PageTable is the combined validator: host half keyed by physical address,
// guest half keyed by virtual address resolved through the mapper (PVALIDATE
// operates on virtual addresses).
type PageTable struct {
	mu sync.Mutex

	mem    hv.GuestMemory
	mapper platform.PageMapper
	states map[uint64]pageState

	// Induced failure hook; disabled until FailAt is called.
	failRequestAt uint64
	failSet       bool
}

// NewPageTable creates an all-shared page-state model over guest RAM.
func NewPageTable(mem hv.GuestMemory, mapper platform.PageMapper) *PageTable {
	return &PageTable{
		mem:    mem,
		mapper: mapper,
		states: make(map[uint64]pageState),
	}
}

// FailAt arranges for the host-side request on phys to fail, simulating a
// hypervisor that refuses a page-state change.
func (p *PageTable) FailAt(phys uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failRequestAt = phys &^ uint64(platform.PageSize-1)
	p.failSet = true
}

// RequestPrivate implements the hypervisor-facing half: transition the frame
// at phys to guest-private. Must precede Validate for the same frame.
func (p *PageTable) RequestPrivate(phys uint64) error {
	page := phys &^ uint64(platform.PageSize-1)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failSet && page == p.failRequestAt {
		return fmt.Errorf("snp: page-state change request refused for %#x", page)
	}
	if page < p.mem.MemoryBase() || page >= p.mem.MemoryBase()+p.mem.MemorySize() {
		return fmt.Errorf("snp: page-state change request outside guest RAM: %#x", page)
	}
	p.states[page] = pagePrivate
	return nil
}

// Validate implements the guest-facing half: PVALIDATE the page backing
// virt. The frame must already be private, which is exactly the ordering the
// orchestrator is required to maintain.
func (p *PageTable) Validate(virt uint64) error {
	phys, err := p.mapper.Translate(virt)
	if err != nil {
		return fmt.Errorf("snp: pvalidate %#x: %w", virt, err)
	}
	page := phys &^ uint64(platform.PageSize-1)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.states[page] != pagePrivate && p.states[page] != pageValidated {
		return fmt.Errorf("snp: pvalidate %#x (phys %#x): %w", virt, page, ErrNotPrivate)
	}
	p.states[page] = pageValidated
	return nil
}

// Validated reports whether the frame at phys has completed both phases.
func (p *PageTable) Validated(phys uint64) bool {
	page := phys &^ uint64(platform.PageSize-1)

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.states[page] == pageValidated
}

// ValidatedCount returns the number of fully validated frames.
func (p *PageTable) ValidatedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	count := 0
	for _, st := range p.states {
		if st == pageValidated {
			count++
		}
	}
	return count
}

var _ platform.PageValidator = (*PageTable)(nil)
