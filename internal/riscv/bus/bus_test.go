package bus

import "testing"

func TestRAMReadWriteRoundTrip(t *testing.T) {
	b := New(0x8000_0000, 0x1000)

	if err := b.Write32(0x8000_0004, 0xdeadbeef); err != nil {
		t.Fatalf("write32: %v", err)
	}
	v, err := b.Read32(0x8000_0004)
	if err != nil {
		t.Fatalf("read32: %v", err)
	}
	if v != 0xdeadbeef {
		t.Fatalf("read32 = %#x, want 0xdeadbeef", v)
	}
}

type fakeDevice struct {
	reads, writes int
	lastOffset    uint64
}

func (d *fakeDevice) Read(offset uint64, size int) (uint64, error) {
	d.reads++
	d.lastOffset = offset
	return 0x42, nil
}
func (d *fakeDevice) Write(offset uint64, size int, value uint64) error {
	d.writes++
	d.lastOffset = offset
	return nil
}
func (d *fakeDevice) Size() uint64 { return 0x1000 }

func TestDeviceRoutingByBaseAddress(t *testing.T) {
	b := New(0x8000_0000, 0x1000)
	dev := &fakeDevice{}
	b.AddDevice(0x1000_0000, dev)

	v, err := b.Read32(0x1000_0010)
	if err != nil {
		t.Fatalf("read32: %v", err)
	}
	if v != 0x42 {
		t.Fatalf("read32 = %#x, want 0x42", v)
	}
	if dev.lastOffset != 0x10 {
		t.Fatalf("device saw offset 0x%x, want 0x10", dev.lastOffset)
	}

	if err := b.Write8(0x1000_0020, 7); err != nil {
		t.Fatalf("write8: %v", err)
	}
	if dev.writes != 1 || dev.lastOffset != 0x20 {
		t.Fatalf("device writes=%d offset=0x%x, want 1/0x20", dev.writes, dev.lastOffset)
	}
}

func TestReadUnmappedAddressErrors(t *testing.T) {
	b := New(0x8000_0000, 0x1000)
	if _, err := b.Read32(0x9000_0000); err == nil {
		t.Fatalf("expected error reading unmapped address")
	}
}

func TestFetchDetectsCompressedInstruction(t *testing.T) {
	b := New(0x8000_0000, 0x1000)

	// Low two bits != 0b11 marks a 16-bit compressed instruction.
	if err := b.Write16(0x8000_0000, 0x0001); err != nil {
		t.Fatalf("write16: %v", err)
	}
	insn, err := b.Fetch(0x8000_0000)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if insn != 0x0001 {
		t.Fatalf("fetch = %#x, want 0x0001 (16-bit insn, no upper half read)", insn)
	}

	// Low two bits == 0b11 marks a 32-bit instruction: both halves combine.
	if err := b.Write32(0x8000_0010, 0x0040_0013); err != nil { // addi x0, x0, 4 (0b...0010011)
		t.Fatalf("write32: %v", err)
	}
	insn, err = b.Fetch(0x8000_0010)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if insn != 0x0040_0013 {
		t.Fatalf("fetch = %#x, want 0x00400013", insn)
	}
}

func TestLoadBytesCopiesIntoRAM(t *testing.T) {
	b := New(0x8000_0000, 0x1000)
	payload := []byte{1, 2, 3, 4}
	if err := b.LoadBytes(0x8000_0100, payload); err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	for i, want := range payload {
		got := b.RAM.Data[0x100+i]
		if got != want {
			t.Fatalf("RAM[0x%x] = %d, want %d", 0x100+i, got, want)
		}
	}
}

func TestDirtyPageTrackingRoundTrip(t *testing.T) {
	region := NewMemoryRegion(PageSize * 3)
	if len(region.DirtyPages()) != 0 {
		t.Fatalf("expected no dirty pages on a fresh region")
	}
	if err := region.Write(PageSize*1+10, 1, 0xff); err != nil {
		t.Fatalf("write: %v", err)
	}
	pages := region.DirtyPages()
	if len(pages) != 1 || pages[0] != 1 {
		t.Fatalf("DirtyPages() = %v, want [1]", pages)
	}
	region.ClearDirty()
	if len(region.DirtyPages()) != 0 {
		t.Fatalf("expected dirty pages cleared")
	}
}
