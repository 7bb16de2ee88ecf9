// Package serial implements a transmit-only 16550-style UART on the legacy
// COM1 I/O ports. It exists to give the boot stage a console sink; there is
// no receive path, no FIFOs and no interrupt wiring.
package serial

import (
	"fmt"
	"io"
	"sync"

	"github.com/tinyrange/snpboot/internal/chipset"
	"github.com/tinyrange/snpboot/internal/hv"
)

// DefaultBase is the COM1 port base.
const DefaultBase = 0x3f8

const (
	regTHR = 0 // Transmit holding (write)
	regIER = 1 // Interrupt enable
	regFCR = 2 // FIFO control (write)
	regLCR = 3 // Line control
	regMCR = 4 // Modem control
	regLSR = 5 // Line status (read)
	regMSR = 6 // Modem status (read)
	regSCR = 7 // Scratch

	registerCount = 8

	lcrDLAB = 1 << 7

	lsrTHRE = 1 << 5
	lsrTEMT = 1 << 6
)

// Serial is a transmit-only UART. Bytes written by the guest to the transmit
// register are forwarded to Out.
type Serial struct {
	mu sync.Mutex

	base uint16
	out  io.Writer

	dll byte
	dlm byte
	ier byte
	lcr byte
	mcr byte
	scr byte
}

// New creates a UART at the given port base writing transmitted bytes to out.
func New(base uint16, out io.Writer) *Serial {
	return &Serial{base: base, out: out}
}

// NewDefault creates a UART on COM1.
func NewDefault(out io.Writer) *Serial {
	return New(DefaultBase, out)
}

// Init implements hv.Device.
func (s *Serial) Init(mem hv.GuestMemory) error { return nil }

// Start implements chipset.ChangeDeviceState.
func (s *Serial) Start() error { return nil }

// Stop implements chipset.ChangeDeviceState.
func (s *Serial) Stop() error { return nil }

// Reset implements chipset.ChangeDeviceState.
func (s *Serial) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dll, s.dlm, s.ier, s.lcr, s.mcr, s.scr = 0, 0, 0, 0, 0, 0
	return nil
}

// SupportsPortIO implements chipset.ChipsetDevice.
func (s *Serial) SupportsPortIO() *chipset.PortIOIntercept {
	ports := make([]uint16, registerCount)
	for i := range ports {
		ports[i] = s.base + uint16(i)
	}
	return &chipset.PortIOIntercept{Ports: ports, Handler: s}
}

// ReadIOPort implements chipset.PortIOHandler.
func (s *Serial) ReadIOPort(port uint16, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var value byte
	switch port - s.base {
	case regTHR:
		if s.lcr&lcrDLAB != 0 {
			value = s.dll
		}
	case regIER:
		if s.lcr&lcrDLAB != 0 {
			value = s.dlm
		} else {
			value = s.ier
		}
	case regLCR:
		value = s.lcr
	case regMCR:
		value = s.mcr
	case regLSR:
		// Transmitter is always idle: no FIFO, writes complete synchronously.
		value = lsrTHRE | lsrTEMT
	case regMSR:
		value = 0
	case regSCR:
		value = s.scr
	}

	data[0] = value
	for i := 1; i < len(data); i++ {
		data[i] = 0
	}
	return nil
}

// WriteIOPort implements chipset.PortIOHandler.
func (s *Serial) WriteIOPort(port uint16, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	value := data[0]

	s.mu.Lock()
	defer s.mu.Unlock()

	switch port - s.base {
	case regTHR:
		if s.lcr&lcrDLAB != 0 {
			s.dll = value
			return nil
		}
		if s.out != nil {
			if _, err := s.out.Write([]byte{value}); err != nil {
				return fmt.Errorf("serial: transmit: %w", err)
			}
		}
	case regIER:
		if s.lcr&lcrDLAB != 0 {
			s.dlm = value
		} else {
			s.ier = value
		}
	case regFCR:
		// FIFO control ignored, transmit is synchronous.
	case regLCR:
		s.lcr = value
	case regMCR:
		s.mcr = value
	case regSCR:
		s.scr = value
	}
	return nil
}

var (
	_ chipset.ChipsetDevice = (*Serial)(nil)
	_ chipset.PortIOHandler = (*Serial)(nil)
)
