package ioport

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/snpboot/internal/platform"
)

// DevPort performs real x86 port I/O through the Linux /dev/port device.
// Requires CAP_SYS_RAWIO; useful for poking a live QEMU fw_cfg from a guest.
type DevPort struct {
	fd int
}

// OpenDevPort opens /dev/port for read/write access.
func OpenDevPort() (platform.IOPort, error) {
	fd, err := unix.Open("/dev/port", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/port: %w", err)
	}
	return &DevPort{fd: fd}, nil
}

// Close releases the port device.
func (p *DevPort) Close() error {
	return unix.Close(p.fd)
}

func (p *DevPort) Outb(port uint16, value uint8) {
	if _, err := unix.Pwrite(p.fd, []byte{value}, int64(port)); err != nil {
		slog.Error("outb via /dev/port failed", "port", port, "err", err)
	}
}

func (p *DevPort) Outw(port uint16, value uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	if _, err := unix.Pwrite(p.fd, buf[:], int64(port)); err != nil {
		slog.Error("outw via /dev/port failed", "port", port, "err", err)
	}
}

func (p *DevPort) Inb(port uint16) uint8 {
	var buf [1]byte
	if _, err := unix.Pread(p.fd, buf[:], int64(port)); err != nil {
		slog.Error("inb via /dev/port failed", "port", port, "err", err)
		return 0xff
	}
	return buf[0]
}

func (p *DevPort) Inw(port uint16) uint16 {
	var buf [2]byte
	if _, err := unix.Pread(p.fd, buf[:], int64(port)); err != nil {
		slog.Error("inw via /dev/port failed", "port", port, "err", err)
		return 0xffff
	}
	return binary.LittleEndian.Uint16(buf[:])
}

var _ platform.IOPort = (*DevPort)(nil)
