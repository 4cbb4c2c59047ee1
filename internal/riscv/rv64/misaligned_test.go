package rv64

import (
	"testing"

	"github.com/tinyrange/riscv-vm/internal/riscv/csr"
	"github.com/tinyrange/riscv-vm/internal/riscv/isa"
	"github.com/tinyrange/riscv-vm/internal/riscv/mmu"
)

// TestExecMisalignedWordLoadCrossesPageBoundaryAndRetranslates builds a
// two-page Sv39 mapping where the two pages underlying a misaligned word
// are NOT physically contiguous, so a loadBytesWise implementation that
// assumed paddr0+i for every byte would silently read the wrong page for
// the bytes past the boundary.
func TestExecMisalignedWordLoadCrossesPageBoundaryAndRetranslates(t *testing.T) {
	cpu := newTestCPU(0x10000)
	cpu.CSR.Priv = csr.PrivSupervisor

	const (
		l2Table = RAMBase + 0x0000
		l1Table = RAMBase + 0x1000
		l0Table = RAMBase + 0x2000
		page1   = RAMBase + 0x3000
		page2   = RAMBase + 0x4000
	)
	const (
		pteV = 1 << 0
		pteR = 1 << 1
		pteW = 1 << 2
	)
	sv39PTE := func(ppnTarget, flags uint64) uint64 { return (ppnTarget << 10) | flags }

	if err := cpu.Bus.Write64(l2Table+0*8, sv39PTE(l1Table>>mmu.PageShift, pteV)); err != nil {
		t.Fatalf("l2: %v", err)
	}
	if err := cpu.Bus.Write64(l1Table+2*8, sv39PTE(l0Table>>mmu.PageShift, pteV)); err != nil {
		t.Fatalf("l1: %v", err)
	}
	if err := cpu.Bus.Write64(l0Table+0*8, sv39PTE(page1>>mmu.PageShift, pteV|pteR|pteW)); err != nil {
		t.Fatalf("l0[0]: %v", err)
	}
	if err := cpu.Bus.Write64(l0Table+1*8, sv39PTE(page2>>mmu.PageShift, pteV|pteR|pteW)); err != nil {
		t.Fatalf("l0[1]: %v", err)
	}
	cpu.CSR.Satp = (uint64(mmu.SatpModeSv39) << 60) | (l2Table >> mmu.PageShift)

	const vaddr = 0x0040_0ffe // two bytes before the page1/page2 boundary

	if err := cpu.Bus.Write8(page1+0xffe, 0xef); err != nil {
		t.Fatalf("seed page1[0xffe]: %v", err)
	}
	if err := cpu.Bus.Write8(page1+0xfff, 0xbe); err != nil {
		t.Fatalf("seed page1[0xfff]: %v", err)
	}
	if err := cpu.Bus.Write8(page2+0, 0xcd); err != nil {
		t.Fatalf("seed page2[0]: %v", err)
	}
	if err := cpu.Bus.Write8(page2+1, 0xab); err != nil {
		t.Fatalf("seed page2[1]: %v", err)
	}

	cpu.X[1] = vaddr
	load := (uint32(0) << 20) | (1 << 15) | (0b010 << 12) | (2 << 7) | isa.OpLoad
	if err := cpu.Execute(load); err != nil {
		t.Fatalf("load: %v", err)
	}

	raw := uint32(0xabcdbeef)
	want := uint64(int32(raw))
	if cpu.X[2] != want {
		t.Fatalf("x2 = %#x, want %#x (bytes spanning the page boundary must come from page2, not page1+offset)", cpu.X[2], want)
	}
}
