// Package machine assembles a simulated confidential VM around the stage-2
// loader: guest RAM, the port-I/O chipset with fw_cfg and serial devices,
// page tables, the SNP page-state model, and the terminal launch primitive.
// It is the platform bootstrap the loader's design asks for.
package machine

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"

	"github.com/tinyrange/snpboot/internal/chipset"
	"github.com/tinyrange/snpboot/internal/console"
	fwcfgdev "github.com/tinyrange/snpboot/internal/devices/fwcfg"
	serialdev "github.com/tinyrange/snpboot/internal/devices/serial"
	"github.com/tinyrange/snpboot/internal/hv"
	"github.com/tinyrange/snpboot/internal/ioport"
	"github.com/tinyrange/snpboot/internal/memalloc"
	"github.com/tinyrange/snpboot/internal/paging"
	"github.com/tinyrange/snpboot/internal/platform"
	"github.com/tinyrange/snpboot/internal/snp"
	"github.com/tinyrange/snpboot/internal/stage2"
)

// LaunchResult is what the simulated jump hands back to the host: the
// decoded handoff structure, where it lives in guest memory, and the entry
// point control was transferred to.
type LaunchResult struct {
	Info        platform.LaunchInfo
	HandoffAddr uint64
	Entry       uint64
}

// ErrHalted is returned by Boot when the loader hit its fatal path instead
// of launching. The diagnostic went to the serial console.
var ErrHalted = errors.New("machine: boot stage halted")

type bootOutcome struct {
	result *LaunchResult
	err    error
}

// Machine is a fully assembled simulated guest.
type Machine struct {
	cfg Config

	mem    *hv.RAM
	cs     *chipset.Chipset
	port   *ioport.ChipsetPort
	fw     *fwcfgdev.FwCfg
	alloc  *memalloc.Bump
	pt     *paging.Table
	rmp    *snp.PageTable
	ghcb   *snp.GHCB
	cons   *console.Console
	status snp.Status

	imageStart uint64
	imageEnd   uint64

	outcome chan bootOutcome

	// OnValidatePage, when set before Boot, observes every successfully
	// validated page.
	OnValidatePage func(virt uint64)
}

// New builds a machine from cfg. Serial output from the guest console is
// written to serialOut.
func New(cfg Config, serialOut io.Writer) (*Machine, error) {
	cfg.normalize()

	ramSize := cfg.MemoryMB << 20
	mem := hv.NewRAM(0, ramSize)

	fw := fwcfgdev.New()
	fw.SetMemoryMap(cfg.MemoryMap)

	builder := chipset.NewBuilder()
	if err := builder.RegisterDevice("fwcfg", fw); err != nil {
		return nil, err
	}
	if err := builder.RegisterDevice("serial", serialdev.NewDefault(serialOut)); err != nil {
		return nil, err
	}
	cs, err := builder.Build(mem)
	if err != nil {
		return nil, err
	}
	if err := cs.Start(); err != nil {
		return nil, err
	}

	port := ioport.NewChipsetPort(cs)

	alloc, err := memalloc.New(mem, cfg.HeapBase, cfg.HeapBase+cfg.HeapSize)
	if err != nil {
		return nil, err
	}

	var encMask uint64
	if !cfg.DisableSNP {
		encMask = 1 << cfg.EncBit
	}
	pt, err := paging.New(mem, alloc, encMask)
	if err != nil {
		return nil, err
	}

	m := &Machine{
		cfg:     cfg,
		mem:     mem,
		cs:      cs,
		port:    port,
		fw:      fw,
		alloc:   alloc,
		pt:      pt,
		rmp:     snp.NewPageTable(mem, pt),
		ghcb:    snp.NewGHCB(alloc),
		outcome: make(chan bootOutcome, 1),
	}
	m.cons = console.New(console.NewSerialWriter(port, serialdev.DefaultBase), "[stage2] ")

	if !cfg.DisableSNP {
		m.status = snp.Status{SEVEnabled: true, ESEnabled: true, SNPEnabled: true}
	}

	return m, nil
}

// Memory exposes guest RAM, mostly for tests and diagnostics.
func (m *Machine) Memory() hv.GuestMemory { return m.mem }

// PageStates exposes the SNP page-state model.
func (m *Machine) PageStates() *snp.PageTable { return m.rmp }

// PageTable exposes the guest page tables.
func (m *Machine) PageTable() *paging.Table { return m.pt }

// LoadImage places the raw kernel image into guest RAM at the configured
// load address, as the boot firmware would have.
func (m *Machine) LoadImage(image []byte) error {
	if len(image) < stage2.KernelHeaderSize {
		return fmt.Errorf("machine: kernel image too short (%d bytes)", len(image))
	}
	if !m.mem.Contains(m.cfg.ImageLoadAddr, uint64(len(image))) {
		return fmt.Errorf("machine: kernel image does not fit at %#x", m.cfg.ImageLoadAddr)
	}
	if _, err := m.mem.WriteAt(image, int64(m.cfg.ImageLoadAddr)); err != nil {
		return fmt.Errorf("machine: load kernel image: %w", err)
	}
	m.imageStart = m.cfg.ImageLoadAddr
	m.imageEnd = m.cfg.ImageLoadAddr + uint64(len(image))
	slog.Debug("kernel image loaded", "start", fmt.Sprintf("%#x", m.imageStart), "end", fmt.Sprintf("%#x", m.imageEnd))
	return nil
}

// Boot runs the stage-2 loader against this machine and waits for it to
// either launch or halt. The loader runs on its own goroutine standing in
// for the single boot CPU; the terminal operations leave that goroutine
// permanently, as the real instructions leave the loader's code.
func (m *Machine) Boot() (*LaunchResult, error) {
	if m.imageStart == 0 && m.imageEnd == 0 {
		return nil, errors.New("machine: no kernel image loaded")
	}

	p := &stage2.Platform{
		Mem:       m.mem,
		Port:      m.port,
		Mapper:    m.pt,
		Validator: &observedValidator{m: m},
		Alloc:     m.alloc,
		Comm:      m.ghcb,
		Launcher:  &launcher{m: m},
		Halter:    &halter{m: m},
		Console:   m.cons,
		Status:    m.status,
	}
	loader := stage2.NewLoader(p)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				m.outcome <- bootOutcome{err: fmt.Errorf("machine: loader panic: %v", r)}
			}
		}()
		loader.Main(m.imageStart, m.imageEnd)
		m.outcome <- bootOutcome{err: errors.New("machine: loader returned without launching")}
	}()

	out := <-m.outcome
	return out.result, out.err
}

// launcher is the terminal copy-and-jump primitive. It copies the image to
// the physical frames backing the mapped virtual base, writes the handoff
// structure into guest memory, reports the result to the host, and leaves
// the boot goroutine for good.
type launcher struct {
	m *Machine
}

func (l *launcher) Launch(imageStart, imageEnd, virtBase, entry uint64, info *platform.LaunchInfo) error {
	m := l.m

	physBase, err := m.pt.Translate(virtBase)
	if err != nil {
		return fmt.Errorf("machine: launch target not mapped: %w", err)
	}
	if err := hv.CopyWithin(m.mem, physBase, imageStart, imageEnd-imageStart); err != nil {
		return fmt.Errorf("machine: copy kernel image: %w", err)
	}

	handoffAddr, err := m.alloc.AllocPage()
	if err != nil {
		return fmt.Errorf("machine: allocate handoff frame: %w", err)
	}
	encoded, err := info.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := m.mem.WriteAt(encoded, int64(handoffAddr)); err != nil {
		return fmt.Errorf("machine: write handoff structure: %w", err)
	}

	slog.Debug("control transferred", "entry", fmt.Sprintf("%#x", entry), "handoff", fmt.Sprintf("%#x", handoffAddr))

	m.outcome <- bootOutcome{result: &LaunchResult{
		Info:        *info,
		HandoffAddr: handoffAddr,
		Entry:       entry,
	}}
	runtime.Goexit()
	return nil
}

// halter implements the fatal stop: report the halt and leave the boot
// goroutine.
type halter struct {
	m *Machine
}

func (h *halter) Halt() {
	h.m.outcome <- bootOutcome{err: ErrHalted}
	runtime.Goexit()
}

// observedValidator forwards to the SNP model and feeds OnValidatePage.
type observedValidator struct {
	m *Machine
}

func (v *observedValidator) RequestPrivate(phys uint64) error {
	return v.m.rmp.RequestPrivate(phys)
}

func (v *observedValidator) Validate(virt uint64) error {
	if err := v.m.rmp.Validate(virt); err != nil {
		return err
	}
	if v.m.OnValidatePage != nil {
		v.m.OnValidatePage(virt)
	}
	return nil
}

var (
	_ platform.Launcher      = (*launcher)(nil)
	_ platform.Halter        = (*halter)(nil)
	_ platform.PageValidator = (*observedValidator)(nil)
)
