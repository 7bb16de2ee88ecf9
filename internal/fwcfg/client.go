// Package fwcfg is the guest-side client for the QEMU fw_cfg device on the
// x86 I/O port transport. It decodes the file directory, locates the
// firmware-provided memory map and derives the physical window the kernel
// image will be loaded into.
//
// The data port is strictly sequential: after a selector write, every field
// of an item must be consumed in the exact order it appears on the wire.
// There is no seek, and a skipped or reordered read is not detectable — the
// decode is just silently wrong.
package fwcfg

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/tinyrange/snpboot/internal/console"
	"github.com/tinyrange/snpboot/internal/platform"
)

// fw_cfg I/O ports and item selectors.
const (
	portCtl  = 0x510
	portData = 0x511

	itemID      = 0x01
	itemFileDir = 0x19
)

// File directory wire layout: big-endian count, then count records of
// {size u32, selector u16, reserved u16, name [56]byte}.
const fileNameLen = 56

// e820 wire layout: little-endian {start u64, size u64, type u32}.
const e820EntryLen = 20

// e820TypeRAM marks an entry as usable RAM.
const e820TypeRAM = 1

// KernelRegionSize is the fixed size of the kernel window. Must be a
// power of two.
const KernelRegionSize = 16 * 1024 * 1024

const kernelRegionSizeMask = ^uint64(KernelRegionSize - 1)

var (
	// ErrNotFound is returned when the named file is not in the directory.
	ErrNotFound = errors.New("fwcfg: file not found")

	// ErrRegionTooSmall is returned when the usable RAM window reported by
	// the firmware cannot hold an aligned kernel region.
	ErrRegionTooSmall = errors.New("fwcfg: usable RAM region too small for kernel")
)

// FileEntry is one directory record: a named blob and the selector that
// streams it.
type FileEntry struct {
	Size     uint32
	Selector uint16
	Name     [fileNameLen]byte
}

// NameString returns the entry name with trailing padding stripped.
func (f *FileEntry) NameString() string {
	return string(bytes.TrimRight(f.Name[:], "\x00"))
}

// KernelRegion is the physical window chosen for the kernel image. Start is
// KernelRegionSize-aligned and at least KernelRegionSize below End.
type KernelRegion struct {
	Start uint64
	End   uint64
}

// Client decodes fw_cfg items over an IOPort. It borrows the port for the
// duration of each call; the device itself is stateful and single-threaded.
type Client struct {
	port platform.IOPort
	cons *console.Console
}

// NewClient returns a client driving the fw_cfg device through port,
// reporting progress on cons.
func NewClient(port platform.IOPort, cons *console.Console) *Client {
	return &Client{port: port, cons: cons}
}

// selectItem latches an item; subsequent data reads stream its bytes from
// offset zero.
func (c *Client) selectItem(item uint16) {
	c.port.Outw(portCtl, item)
}

func (c *Client) readLE(width int) uint64 {
	var val uint64
	for i := 0; i < width; i++ {
		val |= uint64(c.port.Inb(portData)) << (8 * i)
	}
	return val
}

func (c *Client) readBE(width int) uint64 {
	var val uint64
	for i := 0; i < width; i++ {
		val = val<<8 | uint64(c.port.Inb(portData))
	}
	return val
}

// readName consumes exactly fileNameLen bytes. Names are stored padded, not
// NUL-delimited.
func (c *Client) readName() (name [fileNameLen]byte) {
	for i := range name {
		name[i] = c.port.Inb(portData)
	}
	return name
}

// LocateFile scans the file directory for the first entry whose name equals
// name, padding ignored. The directory is not assumed sorted or unique;
// the first hit wins and the scan stops there.
func (c *Client) LocateFile(name string) (FileEntry, error) {
	c.selectItem(itemID)
	version := uint32(c.readLE(4))
	c.cons.Printf("fw_cfg version: %#08x", version)

	c.selectItem(itemFileDir)
	count := uint32(c.readBE(4))
	c.cons.Printf("fw_cfg files: %d", count)

	for ; count != 0; count-- {
		// Directory header fields are big-endian.
		entry := FileEntry{
			Size:     uint32(c.readBE(4)),
			Selector: uint16(c.readBE(2)),
		}
		_ = uint16(c.readBE(2)) // reserved
		entry.Name = c.readName()

		if entry.NameString() == name {
			return entry, nil
		}
	}
	return FileEntry{}, fmt.Errorf("%w: %q", ErrNotFound, name)
}

// FindKernelRegion reads the firmware memory map and derives the kernel
// window: the scan keeps replacing the running region with each usable
// entry whose start is not below the running start, then aligns the window
// end downward by KernelRegionSize.
//
// Under an unsorted map the surviving region is whichever qualifying entry
// is seen last, which is not necessarily the topmost or largest usable
// range. That is the wire-order semantics the next stage was built against;
// do not "fix" it by sorting or merging.
func (c *Client) FindKernelRegion() (KernelRegion, error) {
	var region KernelRegion

	file, err := c.LocateFile("etc/e820")
	if err != nil {
		return region, fmt.Errorf("no memory map: %w", err)
	}

	c.selectItem(file.Selector)
	entries := file.Size / e820EntryLen

	for i := uint32(0); i < entries; i++ {
		// Memory map fields are little-endian.
		start := c.readLE(8)
		size := c.readLE(8)
		typ := uint32(c.readLE(4))

		c.cons.Printf("e820: start %#010x size %#010x type %d", start, size, typ)

		if typ == e820TypeRAM && start >= region.Start {
			region.Start = start
			region.End = start + size
		}
	}

	if region.End < KernelRegionSize {
		return region, ErrRegionTooSmall
	}
	alignedStart := (region.End - KernelRegionSize) & kernelRegionSizeMask
	if alignedStart < region.Start {
		return region, ErrRegionTooSmall
	}
	region.Start = alignedStart

	c.cons.Printf("kernel region: [%#x, %#x)", region.Start, region.End)
	return region, nil
}
