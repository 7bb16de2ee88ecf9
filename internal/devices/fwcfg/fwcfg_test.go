package fwcfg

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func (f *FwCfg) selectItem(t *testing.T, sel uint16) {
	t.Helper()
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], sel)
	if err := f.WriteIOPort(PortSelector, buf[:]); err != nil {
		t.Fatalf("select %#x: %v", sel, err)
	}
}

func (f *FwCfg) readBytes(t *testing.T, n int) []byte {
	t.Helper()
	out := make([]byte, n)
	for i := range out {
		var b [1]byte
		if err := f.ReadIOPort(PortData, b[:]); err != nil {
			t.Fatalf("data read: %v", err)
		}
		out[i] = b[0]
	}
	return out
}

func TestSignatureAndID(t *testing.T) {
	f := New()

	f.selectItem(t, FW_CFG_SIGNATURE)
	if got := f.readBytes(t, 4); !bytes.Equal(got, []byte("QEMU")) {
		t.Errorf("signature %q", got)
	}

	f.selectItem(t, FW_CFG_ID)
	id := binary.LittleEndian.Uint32(f.readBytes(t, 4))
	if id&FW_CFG_VERSION == 0 {
		t.Errorf("ID %#x missing version bit", id)
	}
	if id&FW_CFG_VERSION_DMA != 0 {
		t.Errorf("ID %#x advertises DMA on the port transport", id)
	}
}

func TestFileDirectoryLayout(t *testing.T) {
	f := New()
	selA := f.AddFile("etc/e820", make([]byte, 40))
	selB := f.AddFile("opt/org.tinyrange/config", []byte{1, 2, 3})

	f.selectItem(t, FW_CFG_FILE_DIR)

	count := binary.BigEndian.Uint32(f.readBytes(t, 4))
	if count != 2 {
		t.Fatalf("count %d, want 2", count)
	}

	// Entries come back sorted by selector.
	wantFiles := []struct {
		size uint32
		sel  uint16
		name string
	}{
		{40, selA, "etc/e820"},
		{3, selB, "opt/org.tinyrange/config"},
	}

	for _, want := range wantFiles {
		record := f.readBytes(t, fileDirEntrySize)
		size := binary.BigEndian.Uint32(record[0:4])
		sel := binary.BigEndian.Uint16(record[4:6])
		reserved := binary.BigEndian.Uint16(record[6:8])
		name := string(bytes.TrimRight(record[8:], "\x00"))

		if size != want.size || sel != want.sel || name != want.name {
			t.Errorf("entry {%d, %#x, %q}, want {%d, %#x, %q}", size, sel, name, want.size, want.sel, want.name)
		}
		if reserved != 0 {
			t.Errorf("reserved field %#x", reserved)
		}
	}
}

func TestReplaceFileKeepsSelector(t *testing.T) {
	f := New()
	sel := f.AddFile("etc/e820", []byte{1})
	again := f.AddFile("etc/e820", []byte{2, 3})
	if sel != again {
		t.Errorf("replacing a file changed selector %#x -> %#x", sel, again)
	}

	f.selectItem(t, sel)
	if got := f.readBytes(t, 2); !bytes.Equal(got, []byte{2, 3}) {
		t.Errorf("data %v after replace", got)
	}
}

func TestMemoryMapWireFormat(t *testing.T) {
	f := New()
	sel := f.SetMemoryMap([]E820Entry{
		{Start: 0x1234, Size: 0x5678, Type: 1},
		{Start: 0x100000, Size: 0x200000, Type: 2},
	})

	f.selectItem(t, sel)
	data := f.readBytes(t, 40)

	if got := binary.LittleEndian.Uint64(data[0:8]); got != 0x1234 {
		t.Errorf("entry 0 start %#x", got)
	}
	if got := binary.LittleEndian.Uint64(data[8:16]); got != 0x5678 {
		t.Errorf("entry 0 size %#x", got)
	}
	if got := binary.LittleEndian.Uint32(data[16:20]); got != 1 {
		t.Errorf("entry 0 type %d", got)
	}
	if got := binary.LittleEndian.Uint64(data[20:28]); got != 0x100000 {
		t.Errorf("entry 1 start %#x", got)
	}
}

func TestSelectResetsStreamOffset(t *testing.T) {
	f := New()
	sel := f.AddFile("etc/blob", []byte{9, 8, 7, 6})

	f.selectItem(t, sel)
	_ = f.readBytes(t, 2)
	f.selectItem(t, sel)
	if got := f.readBytes(t, 1)[0]; got != 9 {
		t.Errorf("stream did not restart at offset 0, got %d", got)
	}

	// Reads past the end return zeros.
	f.selectItem(t, sel)
	_ = f.readBytes(t, 4)
	if got := f.readBytes(t, 1)[0]; got != 0 {
		t.Errorf("read past end returned %d, want 0", got)
	}
}
