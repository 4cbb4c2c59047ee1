// Package dtb builds a flattened device tree (FDT) blob describing the
// SoC a System assembles, so Linux can discover RAM, the CLINT, the
// PLIC, the UART, and the VirtIO-MMIO transport without hardcoded
// probing. Byte-exact fidelity to any real bootloader's DTB is out of
// scope (spec's external-collaborator boundary); what matters is that
// the node shape and reg/address-cells values agree with the System's
// actual memory map, which the caller supplies rather than this
// package assuming fixed RV64 addresses.
package dtb

import (
	"bytes"
	"encoding/binary"
)

const (
	magic       = 0xd00dfeed
	beginNode   = 0x00000001
	endNode     = 0x00000002
	prop        = 0x00000003
	fdtEnd      = 0x00000009
	version     = 17
	lastCompVer = 16
)

// Builder assembles an FDT's structure and string blocks incrementally;
// call Build once every node has been closed.
type Builder struct {
	structure bytes.Buffer
	strings   bytes.Buffer
	stringMap map[string]uint32
}

func NewBuilder() *Builder {
	return &Builder{stringMap: make(map[string]uint32)}
}

func (b *Builder) putU32(v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	b.structure.Write(buf[:])
}

func (b *Builder) addString(s string) uint32 {
	if off, ok := b.stringMap[s]; ok {
		return off
	}
	off := uint32(b.strings.Len())
	b.strings.WriteString(s)
	b.strings.WriteByte(0)
	b.stringMap[s] = off
	return off
}

func (b *Builder) BeginNode(name string) {
	b.putU32(beginNode)
	b.structure.WriteString(name)
	b.structure.WriteByte(0)
	for b.structure.Len()%4 != 0 {
		b.structure.WriteByte(0)
	}
}

func (b *Builder) EndNode() {
	b.putU32(endNode)
}

func (b *Builder) PropertyString(name, value string) {
	b.putU32(prop)
	b.putU32(uint32(len(value) + 1))
	b.putU32(b.addString(name))
	b.structure.WriteString(value)
	b.structure.WriteByte(0)
	for b.structure.Len()%4 != 0 {
		b.structure.WriteByte(0)
	}
}

func (b *Builder) PropertyStringList(name string, values []string) {
	var buf bytes.Buffer
	for _, v := range values {
		buf.WriteString(v)
		buf.WriteByte(0)
	}
	b.putU32(prop)
	b.putU32(uint32(buf.Len()))
	b.putU32(b.addString(name))
	b.structure.Write(buf.Bytes())
	for b.structure.Len()%4 != 0 {
		b.structure.WriteByte(0)
	}
}

func (b *Builder) PropertyU32(name string, value uint32) {
	b.putU32(prop)
	b.putU32(4)
	b.putU32(b.addString(name))
	b.putU32(value)
}

func (b *Builder) PropertyU32Array(name string, values []uint32) {
	b.putU32(prop)
	b.putU32(uint32(len(values) * 4))
	b.putU32(b.addString(name))
	for _, v := range values {
		b.putU32(v)
	}
}

func (b *Builder) PropertyEmpty(name string) {
	b.putU32(prop)
	b.putU32(0)
	b.putU32(b.addString(name))
}

// Build finalizes the header/mem-reservation-map/structure/strings
// blocks into one blob.
func (b *Builder) Build() []byte {
	b.putU32(fdtEnd)

	for b.strings.Len()%4 != 0 {
		b.strings.WriteByte(0)
	}

	headerSize := uint32(40)
	memRsvmapOff := headerSize
	memRsvmapSize := uint32(16)
	structOff := memRsvmapOff + memRsvmapSize
	structSize := uint32(b.structure.Len())
	stringsOff := structOff + structSize
	stringsSize := uint32(b.strings.Len())
	totalSize := stringsOff + stringsSize

	var header bytes.Buffer
	hdr := func(v uint32) {
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], v)
		header.Write(buf[:])
	}
	hdr(magic)
	hdr(totalSize)
	hdr(structOff)
	hdr(stringsOff)
	hdr(memRsvmapOff)
	hdr(version)
	hdr(lastCompVer)
	hdr(0) // boot_cpuid_phys
	hdr(stringsSize)
	hdr(structSize)

	var memRsvmap [16]byte

	result := make([]byte, totalSize)
	copy(result[0:], header.Bytes())
	copy(result[memRsvmapOff:], memRsvmap[:])
	copy(result[structOff:], b.structure.Bytes())
	copy(result[stringsOff:], b.strings.Bytes())
	return result
}

// MemoryMap names the addresses/sizes/interrupt lines a System wires
// its devices at, so the DTB this package emits always agrees with
// what the Bus actually has mapped.
type MemoryMap struct {
	XLen int // 32 or 64

	RAMBase uint64
	RAMSize uint64

	CLINTBase uint64
	CLINTSize uint64

	PLICBase    uint64
	PLICSize    uint64
	PLICNumDevs uint32

	UARTBase uint64
	UARTSize uint64
	UARTIRQ  uint32

	VirtIOBase uint64
	VirtIOSize uint64
	VirtIOIRQ  uint32

	// MMUType is the riscv,mmu-type string: "riscv,sv32" for the RV32
	// pipeline, or the configured Sv39/Sv48/Sv57 depth for RV64.
	MMUType string
	// ISAString is the riscv,isa string, e.g. "rv32imafd_zicsr_zifencei"
	// or "rv64imafdc_zicsr_zifencei".
	ISAString string
}

func reg64(base, size uint64) []uint32 {
	return []uint32{uint32(base >> 32), uint32(base), uint32(size >> 32), uint32(size)}
}

func reg32(base, size uint64) []uint32 {
	return []uint32{uint32(base), uint32(size)}
}

// Generate builds a complete FDT for the given memory map and kernel
// command line, in the same node shape as the teacher's single-hart
// riscv-virtio tree: root/chosen/cpus/memory/soc{clint,plic,uart,
// virtio}.
func Generate(m MemoryMap, cmdline string) []byte {
	addrCells := uint32(2)
	sizeCells := uint32(2)
	reg := reg64
	if m.XLen == 32 {
		addrCells = 1
		sizeCells = 1
		reg = reg32
	}

	f := NewBuilder()

	f.BeginNode("")
	f.PropertyU32("#address-cells", addrCells)
	f.PropertyU32("#size-cells", sizeCells)
	f.PropertyString("compatible", "riscv-virtio")
	f.PropertyString("model", "riscv-vm,virt")

	f.BeginNode("chosen")
	f.PropertyString("bootargs", cmdline)
	f.PropertyString("stdout-path", "/soc/serial")
	f.EndNode()

	f.BeginNode("cpus")
	f.PropertyU32("#address-cells", 1)
	f.PropertyU32("#size-cells", 0)
	f.PropertyU32("timebase-frequency", 10000000)

	f.BeginNode("cpu@0")
	f.PropertyString("device_type", "cpu")
	f.PropertyU32("reg", 0)
	f.PropertyString("status", "okay")
	f.PropertyString("compatible", "riscv")
	f.PropertyString("riscv,isa", m.ISAString)
	f.PropertyString("mmu-type", m.MMUType)

	f.BeginNode("interrupt-controller")
	f.PropertyU32("#interrupt-cells", 1)
	f.PropertyEmpty("interrupt-controller")
	f.PropertyString("compatible", "riscv,cpu-intc")
	f.PropertyU32("phandle", 1)
	f.EndNode()

	f.EndNode() // cpu@0
	f.EndNode() // cpus

	f.BeginNode("memory@80000000")
	f.PropertyString("device_type", "memory")
	f.PropertyU32Array("reg", reg(m.RAMBase, m.RAMSize))
	f.EndNode()

	f.BeginNode("soc")
	f.PropertyU32("#address-cells", addrCells)
	f.PropertyU32("#size-cells", sizeCells)
	f.PropertyStringList("compatible", []string{"simple-bus"})
	f.PropertyEmpty("ranges")

	f.BeginNode("clint")
	f.PropertyStringList("compatible", []string{"sifive,clint0", "riscv,clint0"})
	f.PropertyU32Array("reg", reg(m.CLINTBase, m.CLINTSize))
	f.PropertyU32Array("interrupts-extended", []uint32{1, 3, 1, 7})
	f.EndNode()

	f.BeginNode("plic")
	f.PropertyString("compatible", "sifive,plic-1.0.0")
	f.PropertyU32("#interrupt-cells", 1)
	f.PropertyEmpty("interrupt-controller")
	f.PropertyU32Array("reg", reg(m.PLICBase, m.PLICSize))
	f.PropertyU32Array("interrupts-extended", []uint32{1, 9, 1, 11})
	f.PropertyU32("riscv,ndev", m.PLICNumDevs)
	f.PropertyU32("phandle", 2)
	f.EndNode()

	f.BeginNode("serial")
	f.PropertyString("compatible", "ns16550a")
	f.PropertyU32Array("reg", reg(m.UARTBase, m.UARTSize))
	f.PropertyU32("clock-frequency", 3686400)
	f.PropertyU32("interrupts", m.UARTIRQ)
	f.PropertyU32("interrupt-parent", 2)
	f.EndNode()

	f.BeginNode("virtio_mmio")
	f.PropertyString("compatible", "virtio,mmio")
	f.PropertyU32Array("reg", reg(m.VirtIOBase, m.VirtIOSize))
	f.PropertyU32("interrupts", m.VirtIOIRQ)
	f.PropertyU32("interrupt-parent", 2)
	f.EndNode()

	f.EndNode() // soc
	f.EndNode() // root

	return f.Build()
}
