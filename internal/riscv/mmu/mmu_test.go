package mmu

import (
	"testing"

	"github.com/tinyrange/riscv-vm/internal/riscv/bus"
	"github.com/tinyrange/riscv-vm/internal/riscv/csr"
)

// sv39PTE builds a page-table entry pointing at ppnTarget (either a child
// table's PPN for a non-leaf, or the mapped page's PPN for a leaf) with
// the given flag bits.
func sv39PTE(ppnTarget uint64, flags uint64) uint64 {
	return (ppnTarget << 10) | flags
}

func TestSv39WalkResolvesThreeLevelMapping(t *testing.T) {
	const ramBase = 0x8000_0000
	b := bus.New(ramBase, 0x10000)
	csrFile := csr.New(64)
	csrFile.Priv = csr.PrivSupervisor
	m := New(csrFile, b)

	l2Table := uint64(ramBase + 0x0000)
	l1Table := uint64(ramBase + 0x1000)
	l0Table := uint64(ramBase + 0x2000)
	targetPage := uint64(ramBase + 0x3000)

	const vaddr = 0x0040_0000 // vpn2=0, vpn1=2, vpn0=0

	if err := b.Write64(l2Table+0*8, sv39PTE(l1Table>>PageShift, PteV)); err != nil {
		t.Fatalf("write l2 pte: %v", err)
	}
	if err := b.Write64(l1Table+2*8, sv39PTE(l0Table>>PageShift, PteV)); err != nil {
		t.Fatalf("write l1 pte: %v", err)
	}
	if err := b.Write64(l0Table+0*8, sv39PTE(targetPage>>PageShift, PteV|PteR|PteW)); err != nil {
		t.Fatalf("write l0 pte: %v", err)
	}

	csrFile.Satp = (uint64(SatpModeSv39) << 60) | (l2Table >> PageShift)

	paddr, err := m.TranslateRead(vaddr)
	if err != nil {
		t.Fatalf("TranslateRead: %v", err)
	}
	if paddr != targetPage {
		t.Fatalf("paddr = 0x%x, want 0x%x", paddr, targetPage)
	}
}

func TestSv39TranslateCachesInTLBAcrossCalls(t *testing.T) {
	const ramBase = 0x8000_0000
	b := bus.New(ramBase, 0x10000)
	csrFile := csr.New(64)
	csrFile.Priv = csr.PrivSupervisor
	m := New(csrFile, b)

	l2Table := uint64(ramBase + 0x0000)
	l1Table := uint64(ramBase + 0x1000)
	l0Table := uint64(ramBase + 0x2000)
	targetPage := uint64(ramBase + 0x3000)
	const vaddr = 0x0040_0000

	b.Write64(l2Table+0*8, sv39PTE(l1Table>>PageShift, PteV))
	b.Write64(l1Table+2*8, sv39PTE(l0Table>>PageShift, PteV))
	b.Write64(l0Table+0*8, sv39PTE(targetPage>>PageShift, PteV|PteR|PteW))
	csrFile.Satp = (uint64(SatpModeSv39) << 60) | (l2Table >> PageShift)

	first, err := m.TranslateRead(vaddr)
	if err != nil {
		t.Fatalf("first TranslateRead: %v", err)
	}

	// Corrupt the page tables directly: if the second call still resolves
	// correctly, it came from the TLB rather than re-walking memory.
	b.Write64(l0Table+0*8, 0)

	second, err := m.TranslateRead(vaddr)
	if err != nil {
		t.Fatalf("second TranslateRead (expected TLB hit): %v", err)
	}
	if second != first {
		t.Fatalf("second translation = 0x%x, want 0x%x (cached)", second, first)
	}
}

func TestSv39MissingValidBitPageFaults(t *testing.T) {
	const ramBase = 0x8000_0000
	b := bus.New(ramBase, 0x10000)
	csrFile := csr.New(64)
	csrFile.Priv = csr.PrivSupervisor
	m := New(csrFile, b)

	l2Table := uint64(ramBase)
	csrFile.Satp = (uint64(SatpModeSv39) << 60) | (l2Table >> PageShift)
	// l2Table left entirely zeroed: PTE.V = 0 at every index.

	_, err := m.TranslateRead(0x0040_0000)
	if err == nil {
		t.Fatalf("expected a page fault for an invalid PTE")
	}
	exc, ok := err.(csr.Exception)
	if !ok {
		t.Fatalf("err = %T, want csr.Exception", err)
	}
	if exc.Cause != csr.CauseLoadPageFault {
		t.Fatalf("Cause = %d, want CauseLoadPageFault", exc.Cause)
	}
}

func TestSatpModeOffBypassesTranslation(t *testing.T) {
	b := bus.New(0x8000_0000, 0x10000)
	csrFile := csr.New(64)
	csrFile.Priv = csr.PrivSupervisor
	m := New(csrFile, b)
	// Satp left zero: mode is SatpModeOff.

	paddr, err := m.TranslateRead(0x1234)
	if err != nil {
		t.Fatalf("TranslateRead: %v", err)
	}
	if paddr != 0x1234 {
		t.Fatalf("paddr = 0x%x, want identity-mapped 0x1234", paddr)
	}
}

func TestMachinePrivilegeBypassesTranslation(t *testing.T) {
	b := bus.New(0x8000_0000, 0x10000)
	csrFile := csr.New(64)
	csrFile.Priv = csr.PrivMachine
	csrFile.Satp = uint64(SatpModeSv39) << 60
	m := New(csrFile, b)

	paddr, err := m.TranslateRead(0x1234)
	if err != nil {
		t.Fatalf("TranslateRead: %v", err)
	}
	if paddr != 0x1234 {
		t.Fatalf("paddr = 0x%x, want identity-mapped 0x1234 (M-mode bypasses paging)", paddr)
	}
}
