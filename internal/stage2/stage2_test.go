package stage2

import (
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/tinyrange/snpboot/internal/console"
	"github.com/tinyrange/snpboot/internal/fwcfg"
	"github.com/tinyrange/snpboot/internal/hv"
	"github.com/tinyrange/snpboot/internal/platform"
)

// recordingMapper logs every mapped page and can fail at a chosen index.
type recordingMapper struct {
	virts  []uint64
	physs  []uint64
	failAt int // -1 disables
}

func (m *recordingMapper) Map4K(virt, phys uint64, flags platform.PageFlags) error {
	if m.failAt >= 0 && len(m.virts) == m.failAt {
		return fmt.Errorf("induced mapping failure at page %d", m.failAt)
	}
	if flags != platform.PagePresent|platform.PageWritable|platform.PageAccessed|platform.PageDirty {
		return fmt.Errorf("unexpected flags %#x", flags)
	}
	m.virts = append(m.virts, virt)
	m.physs = append(m.physs, phys)
	return nil
}

func (m *recordingMapper) Translate(virt uint64) (uint64, error) { return 0, errors.New("no walk") }

// recordingValidator logs the interleaving of the two phases and can fail
// either phase at a chosen page index.
type recordingValidator struct {
	events         []string
	requests       int
	validates      int
	failRequestAt  int // -1 disables
	failValidateAt int // -1 disables
}

func (v *recordingValidator) RequestPrivate(phys uint64) error {
	if v.failRequestAt >= 0 && v.requests == v.failRequestAt {
		return fmt.Errorf("induced request failure at page %d", v.requests)
	}
	v.requests++
	v.events = append(v.events, fmt.Sprintf("request %#x", phys))
	return nil
}

func (v *recordingValidator) Validate(virt uint64) error {
	if v.failValidateAt >= 0 && v.validates == v.failValidateAt {
		return fmt.Errorf("induced validate failure at page %d", v.validates)
	}
	v.validates++
	v.events = append(v.events, fmt.Sprintf("validate %#x", virt))
	return nil
}

func testLoader(mapper *recordingMapper, validator *recordingValidator) *Loader {
	return NewLoader(&Platform{
		Mapper:    mapper,
		Validator: validator,
		Console:   console.New(nil, ""),
	})
}

func TestMapKernelRegionWalk(t *testing.T) {
	mapper := &recordingMapper{failAt: -1}
	loader := testLoader(mapper, nil)

	region := fwcfg.KernelRegion{Start: 0x1F000000, End: 0x1F004000}
	if err := loader.MapKernelRegion(region); err != nil {
		t.Fatalf("MapKernelRegion: %v", err)
	}

	if len(mapper.virts) != 4 {
		t.Fatalf("mapped %d pages, want 4", len(mapper.virts))
	}
	for i := range mapper.virts {
		wantVirt := uint64(KernelVirtAddr) + uint64(i)*platform.PageSize
		wantPhys := region.Start + uint64(i)*platform.PageSize
		if mapper.virts[i] != wantVirt || mapper.physs[i] != wantPhys {
			t.Errorf("page %d: %#x -> %#x, want %#x -> %#x", i, mapper.virts[i], mapper.physs[i], wantVirt, wantPhys)
		}
		if i > 0 && mapper.virts[i] <= mapper.virts[i-1] {
			t.Errorf("page %d not in strictly increasing order", i)
		}
	}
}

func TestMapKernelRegionFailFast(t *testing.T) {
	mapper := &recordingMapper{failAt: 2}
	loader := testLoader(mapper, nil)

	err := loader.MapKernelRegion(fwcfg.KernelRegion{Start: 0x1F000000, End: 0x1F008000})
	if err == nil {
		t.Fatal("expected mapping failure")
	}
	// No rollback: the two successful mappings stay recorded.
	if len(mapper.virts) != 2 {
		t.Errorf("%d pages mapped before abort, want 2", len(mapper.virts))
	}
}

func TestValidateKernelRegionOrdering(t *testing.T) {
	validator := &recordingValidator{failRequestAt: -1, failValidateAt: -1}
	loader := testLoader(&recordingMapper{failAt: -1}, validator)

	region := fwcfg.KernelRegion{Start: 0x1F000000, End: 0x1F003000}
	if err := loader.ValidateKernelRegion(region); err != nil {
		t.Fatalf("ValidateKernelRegion: %v", err)
	}

	want := []string{
		"request 0x1f000000",
		fmt.Sprintf("validate %#x", uint64(KernelVirtAddr)),
		"request 0x1f001000",
		fmt.Sprintf("validate %#x", uint64(KernelVirtAddr)+0x1000),
		"request 0x1f002000",
		fmt.Sprintf("validate %#x", uint64(KernelVirtAddr)+0x2000),
	}
	if len(validator.events) != len(want) {
		t.Fatalf("%d events, want %d", len(validator.events), len(want))
	}
	for i := range want {
		if validator.events[i] != want[i] {
			t.Errorf("event %d = %q, want %q (host side must precede guest side)", i, validator.events[i], want[i])
		}
	}
}

func TestValidateKernelRegionStopsAtFirstFailure(t *testing.T) {
	const failIndex = 3
	validator := &recordingValidator{failRequestAt: -1, failValidateAt: failIndex}
	loader := testLoader(&recordingMapper{failAt: -1}, validator)

	err := loader.ValidateKernelRegion(fwcfg.KernelRegion{Start: 0x1F000000, End: 0x1F008000})
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if validator.validates != failIndex {
		t.Errorf("%d pages fully validated before the stop, want %d", validator.validates, failIndex)
	}
	// The host-side request for the failing page was already issued; none
	// for pages past it.
	if validator.requests != failIndex+1 {
		t.Errorf("%d host requests, want %d", validator.requests, failIndex+1)
	}
}

func TestReadKernelHeader(t *testing.T) {
	mem := hv.NewRAM(0, 0x1000000)
	var header [KernelHeaderSize]byte
	binary.LittleEndian.PutUint64(header[0:8], 0xffff_ff80_0000_0000)
	binary.LittleEndian.PutUint64(header[8:16], 0xffff_ff80_0000_1234)
	// Deliberately unaligned image start: the header is packed.
	const imageStart = 0x800004
	if _, err := mem.WriteAt(header[:], imageStart); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(&Platform{Mem: mem, Console: console.New(nil, "")})
	got, err := loader.ReadKernelHeader(imageStart)
	if err != nil {
		t.Fatalf("ReadKernelHeader: %v", err)
	}
	if got.VirtAddr != 0xffff_ff80_0000_0000 || got.Entry != 0xffff_ff80_0000_1234 {
		t.Errorf("header %+v", got)
	}
}

func TestLaunchInfoRoundTrip(t *testing.T) {
	info := platform.LaunchInfo{
		KernelStart: 0x1F000000,
		KernelEnd:   0x20000000,
		VirtBase:    0xffff_ff80_0000_0000,
		CPUIDPage:   0x9f000,
		SecretsPage: 0x9e000,
		CommBlock:   0,
	}
	encoded, err := info.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if len(encoded) != platform.LaunchInfoSize {
		t.Fatalf("encoded %d bytes", len(encoded))
	}

	var decoded platform.LaunchInfo
	if err := decoded.UnmarshalBinary(encoded); err != nil {
		t.Fatal(err)
	}
	if decoded != info {
		t.Errorf("round trip mismatch: %+v", decoded)
	}
}
