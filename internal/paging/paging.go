// Package paging writes x86-64 4-level page tables directly into guest
// memory, one 4 KiB translation at a time.
package paging

import (
	"fmt"

	"github.com/tinyrange/snpboot/internal/hv"
	"github.com/tinyrange/snpboot/internal/platform"
)

const (
	entriesPerTable = 512
	entrySize       = 8

	levels = 4

	// Physical-address field of an entry, before the encryption mask is
	// stripped.
	addrMask = 0x000ffffffffff000
)

// Table is a 4-level page-table hierarchy rooted at a single PML4 frame.
// Intermediate tables are allocated on demand. The encryption mask (the
// C-bit under SEV) is applied to every entry written.
type Table struct {
	mem     hv.GuestMemory
	alloc   platform.PageAllocator
	root    uint64
	encMask uint64
}

// New allocates an empty root table. encMask is OR-ed into every entry; pass
// zero for a machine without memory encryption.
func New(mem hv.GuestMemory, alloc platform.PageAllocator, encMask uint64) (*Table, error) {
	root, err := alloc.AllocPage()
	if err != nil {
		return nil, fmt.Errorf("paging: allocate root table: %w", err)
	}
	return &Table{mem: mem, alloc: alloc, root: root, encMask: encMask}, nil
}

// Root returns the physical address of the PML4 frame (the CR3 value,
// without the encryption mask).
func (t *Table) Root() uint64 { return t.root }

func tableIndex(virt uint64, level int) uint64 {
	// level 3 = PML4, level 0 = PT
	shift := 12 + 9*level
	return (virt >> shift) & (entriesPerTable - 1)
}

func (t *Table) readEntry(table uint64, index uint64) (uint64, error) {
	return hv.ReadUint64(t.mem, table+index*entrySize)
}

func (t *Table) writeEntry(table uint64, index uint64, entry uint64) error {
	return hv.WriteUint64(t.mem, table+index*entrySize, entry)
}

// nextTable walks one level down from the entry at (table, index),
// allocating and hooking up a fresh table frame when the entry is not
// present.
func (t *Table) nextTable(table uint64, index uint64) (uint64, error) {
	entry, err := t.readEntry(table, index)
	if err != nil {
		return 0, err
	}

	if entry&uint64(platform.PagePresent) != 0 {
		return entry & addrMask &^ t.encMask, nil
	}

	frame, err := t.alloc.AllocPage()
	if err != nil {
		return 0, fmt.Errorf("paging: allocate table frame: %w", err)
	}
	entry = (frame | t.encMask) | uint64(platform.PagePresent|platform.PageWritable|platform.PageUser|platform.PageAccessed)
	if err := t.writeEntry(table, index, entry); err != nil {
		return 0, err
	}
	return frame, nil
}

// Map4K implements platform.PageMapper. virt and phys must be page-aligned.
func (t *Table) Map4K(virt, phys uint64, flags platform.PageFlags) error {
	if virt&(platform.PageSize-1) != 0 || phys&(platform.PageSize-1) != 0 {
		return fmt.Errorf("paging: unaligned mapping %#x -> %#x", virt, phys)
	}

	table := t.root
	for level := levels - 1; level > 0; level-- {
		next, err := t.nextTable(table, tableIndex(virt, level))
		if err != nil {
			return fmt.Errorf("paging: map %#x level %d: %w", virt, level, err)
		}
		table = next
	}

	entry := (phys | t.encMask) | uint64(flags)
	if err := t.writeEntry(table, tableIndex(virt, 0), entry); err != nil {
		return fmt.Errorf("paging: map %#x leaf entry: %w", virt, err)
	}
	return nil
}

// Translate implements platform.PageMapper. It resolves virt through the
// installed tables without modifying them.
func (t *Table) Translate(virt uint64) (uint64, error) {
	table := t.root
	for level := levels - 1; level >= 0; level-- {
		entry, err := t.readEntry(table, tableIndex(virt, level))
		if err != nil {
			return 0, err
		}
		if entry&uint64(platform.PagePresent) == 0 {
			return 0, fmt.Errorf("paging: %#x not mapped (level %d)", virt, level)
		}
		table = entry & addrMask &^ t.encMask
	}
	return table | (virt & (platform.PageSize - 1)), nil
}

var _ platform.PageMapper = (*Table)(nil)
