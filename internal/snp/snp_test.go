package snp

import (
	"errors"
	"fmt"
	"testing"

	"github.com/tinyrange/snpboot/internal/hv"
	"github.com/tinyrange/snpboot/internal/platform"
)

// identityMapper pretends virt == phys, which is all the model needs here.
type identityMapper struct{}

func (identityMapper) Map4K(virt, phys uint64, flags platform.PageFlags) error { return nil }
func (identityMapper) Translate(virt uint64) (uint64, error)                   { return virt, nil }

func TestTwoPhaseOrdering(t *testing.T) {
	mem := hv.NewRAM(0, 0x100000)
	pt := NewPageTable(mem, identityMapper{})

	// Guest-side validate before the host-side request is an ordering
	// violation.
	if err := pt.Validate(0x2000); !errors.Is(err, ErrNotPrivate) {
		t.Fatalf("got %v, want ErrNotPrivate", err)
	}

	if err := pt.RequestPrivate(0x2000); err != nil {
		t.Fatalf("RequestPrivate: %v", err)
	}
	if err := pt.Validate(0x2000); err != nil {
		t.Fatalf("Validate after RequestPrivate: %v", err)
	}
	if !pt.Validated(0x2000) {
		t.Error("page not recorded as validated")
	}
	if pt.Validated(0x3000) {
		t.Error("untouched page recorded as validated")
	}
}

func TestRequestOutsideRAM(t *testing.T) {
	mem := hv.NewRAM(0, 0x100000)
	pt := NewPageTable(mem, identityMapper{})

	if err := pt.RequestPrivate(0x200000); err == nil {
		t.Error("expected error for page outside guest RAM")
	}
}

func TestInducedRequestFailure(t *testing.T) {
	mem := hv.NewRAM(0, 0x100000)
	pt := NewPageTable(mem, identityMapper{})
	pt.FailAt(0x4000)

	if err := pt.RequestPrivate(0x3000); err != nil {
		t.Fatalf("unrelated page failed: %v", err)
	}
	if err := pt.RequestPrivate(0x4000); err == nil {
		t.Fatal("expected induced failure")
	}
	// Sub-page addresses hit the same frame.
	if err := pt.RequestPrivate(0x4800); err == nil {
		t.Fatal("expected induced failure for same frame")
	}
}

type brokenMapper struct{}

func (brokenMapper) Map4K(virt, phys uint64, flags platform.PageFlags) error { return nil }
func (brokenMapper) Translate(virt uint64) (uint64, error) {
	return 0, fmt.Errorf("no translation for %#x", virt)
}

func TestValidateUnmapped(t *testing.T) {
	mem := hv.NewRAM(0, 0x100000)
	pt := NewPageTable(mem, brokenMapper{})

	if err := pt.Validate(0x5000); err == nil {
		t.Error("expected translation failure to surface")
	}
}

func TestStatusActive(t *testing.T) {
	cases := []struct {
		status Status
		want   bool
	}{
		{Status{}, false},
		{Status{SEVEnabled: true}, false},
		{Status{SEVEnabled: true, ESEnabled: true}, true},
		{Status{SEVEnabled: true, ESEnabled: true, SNPEnabled: true}, true},
	}
	for _, tc := range cases {
		if got := tc.status.Active(); got != tc.want {
			t.Errorf("%+v: Active() = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestGHCBLifecycle(t *testing.T) {
	mem := hv.NewRAM(0, 0x100000)
	alloc := &stubAlloc{mem: mem, next: 0x10000}
	g := NewGHCB(alloc)

	if g.Address() != 0 {
		t.Error("address before setup")
	}
	if err := g.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if g.Address() == 0 {
		t.Error("no address after setup")
	}
	if err := g.Setup(); err == nil {
		t.Error("double setup must fail")
	}
	if err := g.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if g.Address() != 0 {
		t.Error("address survives shutdown")
	}
	if err := g.Shutdown(); err == nil {
		t.Error("double shutdown must fail")
	}
}

type stubAlloc struct {
	mem  hv.GuestMemory
	next uint64
}

func (s *stubAlloc) AllocPage() (uint64, error) {
	page := s.next
	s.next += platform.PageSize
	return page, nil
}

func (s *stubAlloc) Stats() (uint64, uint64) { return 0, 0 }
