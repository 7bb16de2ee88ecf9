//go:build !linux

package ioport

import (
	"errors"

	"github.com/tinyrange/snpboot/internal/platform"
)

// OpenDevPort is unsupported on this platform.
func OpenDevPort() (platform.IOPort, error) {
	return nil, errors.New("ioport: /dev/port is only available on linux")
}
