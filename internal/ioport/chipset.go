// Package ioport provides implementations of the byte-stream I/O port
// contract: one backed by the simulated chipset, one backed by the Linux
// /dev/port device for talking to a real fw_cfg.
package ioport

import (
	"encoding/binary"
	"log/slog"

	"github.com/tinyrange/snpboot/internal/chipset"
	"github.com/tinyrange/snpboot/internal/platform"
)

// ChipsetPort routes port accesses through the simulated chipset dispatch
// table. Port I/O has no error path, so dispatch failures (an access to an
// unclaimed port) are logged and reads return all-ones, matching what a
// floating ISA bus returns on real hardware.
type ChipsetPort struct {
	cs *chipset.Chipset
}

// NewChipsetPort wraps a built chipset as an IOPort.
func NewChipsetPort(cs *chipset.Chipset) *ChipsetPort {
	return &ChipsetPort{cs: cs}
}

func (p *ChipsetPort) Outb(port uint16, value uint8) {
	if err := p.cs.HandlePIO(port, []byte{value}, true); err != nil {
		slog.Debug("outb to unclaimed port", "port", port, "err", err)
	}
}

func (p *ChipsetPort) Outw(port uint16, value uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	if err := p.cs.HandlePIO(port, buf[:], true); err != nil {
		slog.Debug("outw to unclaimed port", "port", port, "err", err)
	}
}

func (p *ChipsetPort) Inb(port uint16) uint8 {
	var buf [1]byte
	if err := p.cs.HandlePIO(port, buf[:], false); err != nil {
		slog.Debug("inb from unclaimed port", "port", port, "err", err)
		return 0xff
	}
	return buf[0]
}

func (p *ChipsetPort) Inw(port uint16) uint16 {
	var buf [2]byte
	if err := p.cs.HandlePIO(port, buf[:], false); err != nil {
		slog.Debug("inw from unclaimed port", "port", port, "err", err)
		return 0xffff
	}
	return binary.LittleEndian.Uint16(buf[:])
}

var _ platform.IOPort = (*ChipsetPort)(nil)
