package snp

import (
	"errors"
	"fmt"

	"github.com/tinyrange/snpboot/internal/platform"
)

// GHCB is the per-CPU guest/hypervisor communication block. The loader sets
// it up once during environment init and must tear it down immediately
// before the terminal copy, because the frame backing it stops being valid
// to access once control transfers away.
type GHCB struct {
	alloc platform.PageAllocator
	addr  uint64
	up    bool
}

// NewGHCB returns an unregistered communication block drawing its backing
// frame from alloc.
func NewGHCB(alloc platform.PageAllocator) *GHCB {
	return &GHCB{alloc: alloc}
}

// Setup implements platform.CommBlock.
func (g *GHCB) Setup() error {
	if g.up {
		return errors.New("snp: communication block already registered")
	}
	addr, err := g.alloc.AllocPage()
	if err != nil {
		return fmt.Errorf("snp: allocate communication block: %w", err)
	}
	g.addr = addr
	g.up = true
	return nil
}

// Shutdown implements platform.CommBlock.
func (g *GHCB) Shutdown() error {
	if !g.up {
		return errors.New("snp: communication block not registered")
	}
	g.addr = 0
	g.up = false
	return nil
}

// Address implements platform.CommBlock. It returns zero once the block has
// been shut down.
func (g *GHCB) Address() uint64 {
	return g.addr
}

var _ platform.CommBlock = (*GHCB)(nil)
