// Package bus implements the flat physical address space shared by both
// XLEN pipelines: address-decoded 8/16/32/64-bit reads and writes routed to
// RAM or to a memory-mapped device, first-match-wins.
package bus

import (
	"encoding/binary"
	"fmt"
	"io"
)

var Endian = binary.LittleEndian

// PageSize is the granularity at which RAM writes are tracked dirty for
// snapshotting. It intentionally matches the MMU's 4KiB leaf page size so a
// snapshot's dirty-page list lines up with what the guest itself would call
// a page.
const PageSize = 4096

// Device is a memory-mapped peripheral: UART, CLINT, PLIC, VirtIO-MMIO.
type Device interface {
	Read(offset uint64, size int) (uint64, error)
	Write(offset uint64, size int, value uint64) error
	Size() uint64
}

// MemoryRegion is a contiguous, byte-addressable RAM region. It tracks
// which 4KiB pages have been written since the last ClearDirty so System's
// snapshot path can serialize only dirty pages.
type MemoryRegion struct {
	Data  []byte
	dirty []bool
}

// NewMemoryRegion allocates a zeroed RAM region of the given size.
func NewMemoryRegion(size uint64) *MemoryRegion {
	return &MemoryRegion{
		Data:  make([]byte, size),
		dirty: make([]bool, (size+PageSize-1)/PageSize),
	}
}

func (m *MemoryRegion) markDirty(offset uint64, size int) {
	first := offset / PageSize
	last := (offset + uint64(size) - 1) / PageSize
	for p := first; p <= last && int(p) < len(m.dirty); p++ {
		m.dirty[p] = true
	}
}

// DirtyPages returns the indices of pages written since the last
// ClearDirty call.
func (m *MemoryRegion) DirtyPages() []int {
	var pages []int
	for i, d := range m.dirty {
		if d {
			pages = append(pages, i)
		}
	}
	return pages
}

// ClearDirty resets the dirty-page tracking, typically called right after
// a snapshot has been captured.
func (m *MemoryRegion) ClearDirty() {
	for i := range m.dirty {
		m.dirty[i] = false
	}
}

// Read implements Device.
func (m *MemoryRegion) Read(offset uint64, size int) (uint64, error) {
	if offset+uint64(size) > uint64(len(m.Data)) {
		return 0, fmt.Errorf("bus: memory read out of bounds: offset=0x%x size=%d len=%d", offset, size, len(m.Data))
	}
	switch size {
	case 1:
		return uint64(m.Data[offset]), nil
	case 2:
		return uint64(Endian.Uint16(m.Data[offset:])), nil
	case 4:
		return uint64(Endian.Uint32(m.Data[offset:])), nil
	case 8:
		return Endian.Uint64(m.Data[offset:]), nil
	default:
		return 0, fmt.Errorf("bus: invalid read size: %d", size)
	}
}

// Write implements Device.
func (m *MemoryRegion) Write(offset uint64, size int, value uint64) error {
	if offset+uint64(size) > uint64(len(m.Data)) {
		return fmt.Errorf("bus: memory write out of bounds: offset=0x%x size=%d len=%d", offset, size, len(m.Data))
	}
	switch size {
	case 1:
		m.Data[offset] = byte(value)
	case 2:
		Endian.PutUint16(m.Data[offset:], uint16(value))
	case 4:
		Endian.PutUint32(m.Data[offset:], uint32(value))
	case 8:
		Endian.PutUint64(m.Data[offset:], value)
	default:
		return fmt.Errorf("bus: invalid write size: %d", size)
	}
	m.markDirty(offset, size)
	return nil
}

// Size implements Device.
func (m *MemoryRegion) Size() uint64 { return uint64(len(m.Data)) }

// ReadAt implements io.ReaderAt, used for loading kernel/initrd/dtb images.
func (m *MemoryRegion) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.Data)) {
		return 0, io.EOF
	}
	return copy(p, m.Data[off:]), nil
}

// WriteAt implements io.WriterAt.
func (m *MemoryRegion) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(m.Data)) {
		return 0, fmt.Errorf("bus: write offset out of bounds")
	}
	n := copy(m.Data[off:], p)
	m.markDirty(uint64(off), n)
	return n, nil
}

// Slice returns a direct view into the region, or nil if out of bounds.
func (m *MemoryRegion) Slice(offset, length uint64) []byte {
	if offset+length > uint64(len(m.Data)) {
		return nil
	}
	return m.Data[offset : offset+length]
}

// Mapping associates a Device with its base address and size on the bus.
type Mapping struct {
	Base   uint64
	Size   uint64
	Device Device
}

// Bus is the flat physical address space: RAM plus an ordered list of
// memory-mapped device regions. Overlapping mappings resolve first-match,
// matching spec's routing rule.
type Bus struct {
	RAM     *MemoryRegion
	RAMBase uint64
	Devices []Mapping
}

// New creates a bus with RAM of the given size mapped at ramBase.
func New(ramBase, ramSize uint64) *Bus {
	return &Bus{
		RAM:     NewMemoryRegion(ramSize),
		RAMBase: ramBase,
	}
}

// AddDevice maps dev at base, sized by dev.Size().
func (b *Bus) AddDevice(base uint64, dev Device) {
	b.Devices = append(b.Devices, Mapping{Base: base, Size: dev.Size(), Device: dev})
}

func (b *Bus) findDevice(addr uint64) (Device, uint64, error) {
	if addr >= b.RAMBase && addr < b.RAMBase+b.RAM.Size() {
		return b.RAM, addr - b.RAMBase, nil
	}
	for _, m := range b.Devices {
		if addr >= m.Base && addr < m.Base+m.Size {
			return m.Device, addr - m.Base, nil
		}
	}
	return nil, 0, fmt.Errorf("bus: no device at address 0x%x", addr)
}

// Read dispatches a size-byte read to whichever device owns addr.
func (b *Bus) Read(addr uint64, size int) (uint64, error) {
	dev, offset, err := b.findDevice(addr)
	if err != nil {
		return 0, err
	}
	return dev.Read(offset, size)
}

// Write dispatches a size-byte write to whichever device owns addr.
func (b *Bus) Write(addr uint64, size int, value uint64) error {
	dev, offset, err := b.findDevice(addr)
	if err != nil {
		return err
	}
	return dev.Write(offset, size, value)
}

func (b *Bus) Read8(addr uint64) (uint8, error) {
	v, err := b.Read(addr, 1)
	return uint8(v), err
}
func (b *Bus) Read16(addr uint64) (uint16, error) {
	v, err := b.Read(addr, 2)
	return uint16(v), err
}
func (b *Bus) Read32(addr uint64) (uint32, error) {
	v, err := b.Read(addr, 4)
	return uint32(v), err
}
func (b *Bus) Read64(addr uint64) (uint64, error) { return b.Read(addr, 8) }

func (b *Bus) Write8(addr uint64, v uint8) error   { return b.Write(addr, 1, uint64(v)) }
func (b *Bus) Write16(addr uint64, v uint16) error { return b.Write(addr, 2, uint64(v)) }
func (b *Bus) Write32(addr uint64, v uint32) error { return b.Write(addr, 4, uint64(v)) }
func (b *Bus) Write64(addr uint64, v uint64) error { return b.Write(addr, 8, v) }

// LoadBytes copies data into RAM (or, slow path, through devices) starting
// at addr. Used for installing the kernel image, initrd, and DTB.
func (b *Bus) LoadBytes(addr uint64, data []byte) error {
	if addr >= b.RAMBase && addr+uint64(len(data)) <= b.RAMBase+b.RAM.Size() {
		off := addr - b.RAMBase
		copy(b.RAM.Data[off:], data)
		b.RAM.markDirty(off, len(data))
		return nil
	}
	for i, v := range data {
		if err := b.Write8(addr+uint64(i), v); err != nil {
			return err
		}
	}
	return nil
}

// Fetch reads one instruction word: 2 bytes first to detect a compressed
// (low two bits != 0b11) instruction, then the upper half only if needed.
func (b *Bus) Fetch(addr uint64) (uint32, error) {
	lo, err := b.Read16(addr)
	if err != nil {
		return 0, err
	}
	if lo&0x3 != 0x3 {
		return uint32(lo), nil
	}
	hi, err := b.Read16(addr + 2)
	if err != nil {
		return 0, err
	}
	return uint32(lo) | (uint32(hi) << 16), nil
}
