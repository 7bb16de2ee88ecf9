package chipset

import "github.com/tinyrange/snpboot/internal/hv"

// PortIOHandler handles reads and writes to individual I/O ports.
type PortIOHandler interface {
	ReadIOPort(port uint16, data []byte) error
	WriteIOPort(port uint16, data []byte) error
}

// PortIOIntercept describes the ports a device wants to serve and the
// handler for them.
type PortIOIntercept struct {
	Ports   []uint16
	Handler PortIOHandler
}

// ChangeDeviceState exposes lifecycle hooks for chipset devices.
type ChangeDeviceState interface {
	Start() error
	Stop() error
	Reset() error
}

// ChipsetDevice is the unified interface all chipset devices must implement.
// This machine model is port-I/O only; there is no MMIO transport.
type ChipsetDevice interface {
	hv.Device
	ChangeDeviceState

	SupportsPortIO() *PortIOIntercept
}
