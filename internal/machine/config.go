package machine

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/snpboot/internal/devices/fwcfg"
)

// Config describes a simulated machine. Zero values are filled in by
// normalize; the defaults give a 512 MiB guest with a single usable RAM
// range, which is enough to exercise the whole loader pipeline.
type Config struct {
	MemoryMB uint64 `yaml:"memoryMB,omitempty"`

	// MemoryMap is published to the guest verbatim, in this order. When
	// empty, a single usable range covering all of RAM is generated.
	MemoryMap []fwcfg.E820Entry `yaml:"memoryMap,omitempty"`

	// ImageLoadAddr is where the raw kernel image is placed before the
	// loader runs, standing in for the boot firmware having put it there.
	ImageLoadAddr uint64 `yaml:"imageLoadAddr,omitempty"`

	// Heap window backing the stage-2 page allocator.
	HeapBase uint64 `yaml:"heapBase,omitempty"`
	HeapSize uint64 `yaml:"heapSize,omitempty"`

	// DisableSNP boots the machine without the confidential-computing
	// execution mode, which the loader treats as fatal. Useful for testing
	// the startup precondition.
	DisableSNP bool `yaml:"disableSNP,omitempty"`

	// EncBit is the position of the encryption bit applied to page-table
	// entries.
	EncBit int `yaml:"encBit,omitempty"`
}

const (
	defaultMemoryMB      = 512
	defaultImageLoadAddr = 0x800000
	defaultHeapBase      = 0x100000
	defaultHeapSize      = 0x100000
	defaultEncBit        = 51
)

func (c *Config) normalize() {
	if c.MemoryMB == 0 {
		c.MemoryMB = defaultMemoryMB
	}
	if len(c.MemoryMap) == 0 {
		c.MemoryMap = []fwcfg.E820Entry{
			{Start: 0, Size: c.MemoryMB << 20, Type: fwcfg.E820TypeRAM},
		}
	}
	if c.ImageLoadAddr == 0 {
		c.ImageLoadAddr = defaultImageLoadAddr
	}
	if c.HeapBase == 0 {
		c.HeapBase = defaultHeapBase
	}
	if c.HeapSize == 0 {
		c.HeapSize = defaultHeapSize
	}
	if c.EncBit == 0 {
		c.EncBit = defaultEncBit
	}
}

// LoadConfig reads a machine config from a YAML file.
func LoadConfig(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read machine config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse machine config %s: %w", path, err)
	}
	return cfg, nil
}
