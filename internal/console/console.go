// Package console is the boot stage's diagnostic output sink: a UART driven
// over raw port I/O, fronted by a lock so lines from the normal flow and the
// fatal path cannot interleave.
package console

import (
	"fmt"
	"io"
	"sync"

	"github.com/tinyrange/snpboot/internal/platform"
)

const (
	uartTHR = 0 // Transmit holding register
	uartLSR = 5 // Line status register

	uartLSRTHRE = 1 << 5
)

// SerialWriter drives a 16550-compatible UART through an IOPort.
type SerialWriter struct {
	port platform.IOPort
	base uint16
}

// NewSerialWriter returns a writer transmitting through the UART at base.
func NewSerialWriter(port platform.IOPort, base uint16) *SerialWriter {
	return &SerialWriter{port: port, base: base}
}

// Write implements io.Writer. Each byte waits for the transmitter to drain
// before being pushed into the holding register.
func (w *SerialWriter) Write(p []byte) (int, error) {
	for _, b := range p {
		for w.port.Inb(w.base+uartLSR)&uartLSRTHRE == 0 {
		}
		w.port.Outb(w.base+uartTHR, b)
	}
	return len(p), nil
}

var _ io.Writer = (*SerialWriter)(nil)

// Console serializes formatted diagnostic writes to a sink. The lock is held
// for a single formatted line at a time.
type Console struct {
	mu     sync.Mutex
	out    io.Writer
	prefix string
}

// New returns a console writing to out, prefixing every line with prefix.
func New(out io.Writer, prefix string) *Console {
	return &Console{out: out, prefix: prefix}
}

// Printf writes one formatted line to the console. A trailing newline is
// appended; callers do not include one.
func (c *Console) Printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.out == nil {
		return
	}
	fmt.Fprintf(c.out, c.prefix+format+"\n", args...)
}
