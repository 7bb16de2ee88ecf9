// Package fwcfg implements the QEMU fw_cfg device over its x86 I/O port
// transport for firmware configuration.
package fwcfg

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tinyrange/snpboot/internal/chipset"
	"github.com/tinyrange/snpboot/internal/hv"
)

// fw_cfg I/O ports (x86 transport)
const (
	PortSelector = 0x510 // Selector register (16-bit write)
	PortData     = 0x511 // Data register (8-bit sequential read)
)

// fw_cfg selectors
const (
	FW_CFG_SIGNATURE  = 0x0000
	FW_CFG_ID         = 0x0001
	FW_CFG_UUID       = 0x0002
	FW_CFG_RAM_SIZE   = 0x0003
	FW_CFG_NB_CPUS    = 0x0005
	FW_CFG_FILE_DIR   = 0x0019
	FW_CFG_FILE_FIRST = 0x0020
)

// fw_cfg ID bits
const (
	FW_CFG_VERSION     = 1 << 0
	FW_CFG_VERSION_DMA = 1 << 1
)

// File directory entry layout
const (
	fileDirEntrySize = 64
	fileNameSize     = 56
)

// E820Entry is one guest physical memory range as reported to firmware.
type E820Entry struct {
	Start uint64 `yaml:"start"`
	Size  uint64 `yaml:"size"`
	Type  uint32 `yaml:"type"`
}

// E820TypeRAM marks an entry as usable RAM.
const E820TypeRAM = 1

// E820FileName is the well-known fw_cfg file carrying the memory map.
const E820FileName = "etc/e820"

// e820EntrySize is the on-wire size of one E820 record.
const e820EntrySize = 20

// fwCfgFile represents a file in the fw_cfg directory.
type fwCfgFile struct {
	name     string
	selector uint16
	data     []byte
}

// FwCfg implements the QEMU fw_cfg device on the port transport.
type FwCfg struct {
	mu sync.Mutex

	// Current state
	selector   uint16
	dataOffset uint32

	// Files indexed by selector
	files          map[uint16]*fwCfgFile
	filesByName    map[string]*fwCfgFile
	nextFileSelect uint16

	// Pre-computed file directory
	fileDir []byte
}

// New creates a new fw_cfg device with an empty file directory.
func New() *FwCfg {
	f := &FwCfg{
		files:          make(map[uint16]*fwCfgFile),
		filesByName:    make(map[string]*fwCfgFile),
		nextFileSelect: FW_CFG_FILE_FIRST,
	}
	f.rebuildFileDir()
	return f
}

// AddFile registers a file with the fw_cfg device.
// The file can be read by the guest using the assigned selector.
func (f *FwCfg) AddFile(name string, data []byte) uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()

	if existing, ok := f.filesByName[name]; ok {
		existing.data = data
		f.rebuildFileDir()
		return existing.selector
	}

	selector := f.nextFileSelect
	f.nextFileSelect++

	file := &fwCfgFile{
		name:     name,
		selector: selector,
		data:     data,
	}
	f.files[selector] = file
	f.filesByName[name] = file

	f.rebuildFileDir()
	return selector
}

// SetMemoryMap publishes the guest memory map as the etc/e820 file, in the
// order given. Entries are 20-byte little-endian {start, size, type} records.
func (f *FwCfg) SetMemoryMap(entries []E820Entry) uint16 {
	data := make([]byte, len(entries)*e820EntrySize)
	offset := 0
	for _, e := range entries {
		binary.LittleEndian.PutUint64(data[offset:offset+8], e.Start)
		binary.LittleEndian.PutUint64(data[offset+8:offset+16], e.Size)
		binary.LittleEndian.PutUint32(data[offset+16:offset+20], e.Type)
		offset += e820EntrySize
	}
	return f.AddFile(E820FileName, data)
}

// rebuildFileDir rebuilds the file directory data structure.
// Must be called with lock held.
func (f *FwCfg) rebuildFileDir() {
	// File directory format:
	// uint32_be count
	// For each file:
	//   uint32_be size
	//   uint16_be selector
	//   uint16_be reserved
	//   char name[56]

	count := len(f.files)
	f.fileDir = make([]byte, 4+count*fileDirEntrySize)

	binary.BigEndian.PutUint32(f.fileDir[0:4], uint32(count))

	// Sort files by selector for consistent ordering
	var selectors []uint16
	for sel := range f.files {
		selectors = append(selectors, sel)
	}
	sort.Slice(selectors, func(i, j int) bool { return selectors[i] < selectors[j] })

	offset := 4
	for _, sel := range selectors {
		file := f.files[sel]
		binary.BigEndian.PutUint32(f.fileDir[offset:offset+4], uint32(len(file.data)))
		binary.BigEndian.PutUint16(f.fileDir[offset+4:offset+6], file.selector)
		binary.BigEndian.PutUint16(f.fileDir[offset+6:offset+8], 0) // reserved
		// Copy name, truncate to 55 chars + null terminator
		nameBytes := []byte(file.name)
		if len(nameBytes) > fileNameSize-1 {
			nameBytes = nameBytes[:fileNameSize-1]
		}
		copy(f.fileDir[offset+8:offset+fileDirEntrySize], nameBytes)
		offset += fileDirEntrySize
	}
}

// Init implements hv.Device.
func (f *FwCfg) Init(mem hv.GuestMemory) error {
	return nil
}

// Start implements chipset.ChangeDeviceState.
func (f *FwCfg) Start() error {
	return nil
}

// Stop implements chipset.ChangeDeviceState.
func (f *FwCfg) Stop() error {
	return nil
}

// Reset implements chipset.ChangeDeviceState.
func (f *FwCfg) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.selector = 0
	f.dataOffset = 0
	return nil
}

// SupportsPortIO implements chipset.ChipsetDevice.
func (f *FwCfg) SupportsPortIO() *chipset.PortIOIntercept {
	return &chipset.PortIOIntercept{
		Ports:   []uint16{PortSelector, PortData},
		Handler: f,
	}
}

// ReadIOPort implements chipset.PortIOHandler.
func (f *FwCfg) ReadIOPort(port uint16, data []byte) error {
	switch port {
	case PortSelector:
		f.mu.Lock()
		sel := f.selector
		f.mu.Unlock()
		if len(data) >= 2 {
			binary.LittleEndian.PutUint16(data, sel)
		} else if len(data) == 1 {
			data[0] = byte(sel)
		}
		return nil

	case PortData:
		return f.readData(data)

	default:
		return fmt.Errorf("fwcfg: unexpected read of port 0x%04x", port)
	}
}

// WriteIOPort implements chipset.PortIOHandler.
func (f *FwCfg) WriteIOPort(port uint16, data []byte) error {
	switch port {
	case PortSelector:
		if len(data) < 2 {
			// Single-byte selector writes are ignored, matching QEMU.
			return nil
		}
		f.mu.Lock()
		f.selector = binary.LittleEndian.Uint16(data)
		f.dataOffset = 0
		f.mu.Unlock()
		slog.Debug("fwcfg selector set", "selector", fmt.Sprintf("0x%x", binary.LittleEndian.Uint16(data)))
		return nil

	case PortData:
		// The port transport has no write support.
		return nil

	default:
		return fmt.Errorf("fwcfg: unexpected write of port 0x%04x", port)
	}
}

// readData reads data from the currently selected item.
func (f *FwCfg) readData(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	itemData := f.getSelectedData()
	for i := range data {
		if f.dataOffset < uint32(len(itemData)) {
			data[i] = itemData[f.dataOffset]
			f.dataOffset++
		} else {
			data[i] = 0
		}
	}
	return nil
}

// getSelectedData returns the data for the currently selected item.
// Must be called with lock held.
func (f *FwCfg) getSelectedData() []byte {
	switch f.selector {
	case FW_CFG_SIGNATURE:
		return []byte("QEMU")

	case FW_CFG_ID:
		// Port transport only, no DMA
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], FW_CFG_VERSION)
		return buf[:]

	case FW_CFG_FILE_DIR:
		return f.fileDir

	default:
		// Check for file
		if file, ok := f.files[f.selector]; ok {
			return file.data
		}
		return nil
	}
}

var (
	_ hv.Device                 = (*FwCfg)(nil)
	_ chipset.ChipsetDevice     = (*FwCfg)(nil)
	_ chipset.PortIOHandler     = (*FwCfg)(nil)
	_ chipset.ChangeDeviceState = (*FwCfg)(nil)
)
