// Package mmu implements the Sv32/Sv39/Sv48/Sv57 page table walker, the
// permission checks that go with it, and a generation-tagged TLB. One MMU
// type serves both XLEN pipelines: Sv32 only ever appears under XLEN=32,
// the other three only under XLEN=64, so the mode read out of satp already
// disambiguates which walker shape to use.
package mmu

import (
	"github.com/tinyrange/riscv-vm/internal/riscv/bus"
	"github.com/tinyrange/riscv-vm/internal/riscv/csr"
)

// Access identifies which kind of memory access is being translated,
// matching spec's {Instruction, Load, Store} classification. Numeric
// values are chosen so they also index pageFaultCause.
type Access int

const (
	AccessLoad Access = iota
	AccessStore
	AccessInstruction
)

// SATP MODE field encodings. Sv32's field is 1 bit wide; the other three
// share the 4-bit Sv64-style field. Both are handled by reading however
// many bits the XLEN implies.
const (
	SatpModeOff  = 0
	SatpModeSv32 = 1
	SatpModeSv39 = 8
	SatpModeSv48 = 9
	SatpModeSv57 = 10
)

// Page table entry flag bits, identical across all four modes.
const (
	PteV = 1 << 0
	PteR = 1 << 1
	PteW = 1 << 2
	PteX = 1 << 3
	PteU = 1 << 4
	PteG = 1 << 5
	PteA = 1 << 6
	PteD = 1 << 7
)

const (
	PageSize  = 4096
	PageShift = 12
)

type levelShape struct {
	levels  int
	vpnBits int
	ppnBits int
	pteSize int // bytes
}

func shapeFor(mode uint64) (levelShape, bool) {
	switch mode {
	case SatpModeSv32:
		return levelShape{levels: 2, vpnBits: 10, ppnBits: 22, pteSize: 4}, true
	case SatpModeSv39:
		return levelShape{levels: 3, vpnBits: 9, ppnBits: 44, pteSize: 8}, true
	case SatpModeSv48:
		return levelShape{levels: 4, vpnBits: 9, ppnBits: 44, pteSize: 8}, true
	case SatpModeSv57:
		return levelShape{levels: 5, vpnBits: 9, ppnBits: 44, pteSize: 8}, true
	default:
		return levelShape{}, false
	}
}

// tlbEntry is generation-tagged rather than valid-flagged: it is live iff
// gen equals the MMU's current generation counter. Invalidation (satp
// write, sfence.vma, snapshot restore) is then a single counter bump
// instead of a sweep over every entry.
type tlbEntry struct {
	gen      uint64
	vpn      uint64
	ppn      uint64
	flags    uint64
	pageSize uint64
	asid     uint16
}

// setSize entries per page-size class, direct-mapped by VPN.
const setSize = 256

// MMU translates virtual to physical addresses for one hart. It holds one
// small direct-mapped TLB set per page-size class (4KiB, 2MiB/4MiB,
// 1GiB, ...) so a megapage entry and a 4KiB entry that alias the same VA
// coexist instead of evicting each other.
type MMU struct {
	CSR *csr.File
	Bus *bus.Bus

	generation uint64
	sets       [5][setSize]tlbEntry // indexed by page-table level (0 = leaf 4KiB)
}

// New builds an MMU bound to the given CSR file and bus.
func New(csrFile *csr.File, b *bus.Bus) *MMU {
	// generation starts at 1 so the zero-valued entries of a fresh TLB
	// (gen 0) are never live.
	m := &MMU{CSR: csrFile, Bus: b, generation: 1}
	csrFile.InvalidateTLB = m.Invalidate
	return m
}

// Invalidate bumps the TLB generation, lazily invalidating every entry.
func (m *MMU) Invalidate() {
	m.generation++
}

func satpMode(satp uint64, xlen int) uint64 {
	if xlen == 32 {
		return (satp >> 31) & 0x1
	}
	return (satp >> 60) & 0xf
}

func satpASID(satp uint64, xlen int) uint16 {
	if xlen == 32 {
		return uint16((satp >> 22) & 0x1ff)
	}
	return uint16((satp >> 44) & 0xffff)
}

func satpPPN(satp uint64, xlen int) uint64 {
	if xlen == 32 {
		return satp & 0x3fffff
	}
	return satp & ((1 << 44) - 1)
}

func tlbSetIndex(level int, vaddr uint64, vpnBits int) uint64 {
	shift := PageShift + level*vpnBits
	return (vaddr >> shift) & (setSize - 1)
}

// Translate resolves vaddr to a physical address for the given access
// kind, walking the page table on a TLB miss and applying MPRV effective-
// privilege substitution for data accesses made from machine mode.
func (m *MMU) Translate(vaddr uint64, access Access) (uint64, error) {
	mode := satpMode(m.CSR.Satp, m.CSR.XLEN)
	if mode == SatpModeOff {
		return vaddr, nil
	}

	priv := m.CSR.Priv
	if m.CSR.Priv == csr.PrivMachine && access != AccessInstruction && m.CSR.Mstatus&csr.MstatusMPRV != 0 {
		priv = uint8((m.CSR.Mstatus & csr.MstatusMPP) >> csr.MstatusMPPShift)
	}
	if priv == csr.PrivMachine {
		return vaddr, nil
	}

	shape, ok := shapeFor(mode)
	if !ok {
		return vaddr, nil
	}

	asid := satpASID(m.CSR.Satp, m.CSR.XLEN)

	// Probe every legal page-size class, finest first.
	for level := 0; level < shape.levels; level++ {
		idx := tlbSetIndex(level, vaddr, shape.vpnBits)
		entry := &m.sets[level][idx]
		if entry.gen != m.generation {
			continue
		}
		pageShift := PageShift + level*shape.vpnBits
		vpn := vaddr >> pageShift
		if entry.vpn != vpn || (entry.asid != asid && entry.flags&PteG == 0) {
			continue
		}
		if err := m.checkPermissions(entry.flags, access, priv); err != nil {
			return 0, err
		}
		if entry.flags&PteA == 0 || (access == AccessStore && entry.flags&PteD == 0) {
			// Stale A/D state: force a re-walk, which will write back and
			// refill this same slot with up-to-date flags.
			break
		}
		pageOffset := vaddr & (entry.pageSize - 1)
		return (entry.ppn << PageShift) | pageOffset, nil
	}

	paddr, flags, pageSize, level, err := m.walkPageTable(vaddr, access, priv, shape, satpPPN(m.CSR.Satp, m.CSR.XLEN))
	if err != nil {
		return 0, err
	}

	pageShift := PageShift + level*shape.vpnBits
	idx := tlbSetIndex(level, vaddr, shape.vpnBits)
	m.sets[level][idx] = tlbEntry{
		gen:      m.generation,
		vpn:      vaddr >> pageShift,
		ppn:      paddr >> PageShift,
		flags:    flags,
		pageSize: pageSize,
		asid:     asid,
	}
	return paddr, nil
}

func canonicalCheck(vaddr uint64, mode uint64) bool {
	switch mode {
	case SatpModeSv39:
		return vaddr < (1<<38) || vaddr >= (^uint64(0)-(1<<38)+1)
	case SatpModeSv48:
		return vaddr < (1<<47) || vaddr >= (^uint64(0)-(1<<47)+1)
	case SatpModeSv57:
		return vaddr < (1<<56) || vaddr >= (^uint64(0)-(1<<56)+1)
	default:
		return true // Sv32: full 32-bit range is canonical by construction
	}
}

func (m *MMU) readPTE(addr uint64, pteSize int) (uint64, error) {
	if pteSize == 4 {
		v, err := m.Bus.Read32(addr)
		return uint64(v), err
	}
	return m.Bus.Read64(addr)
}

func (m *MMU) writePTE(addr uint64, pteSize int, val uint64) error {
	if pteSize == 4 {
		return m.Bus.Write32(addr, uint32(val))
	}
	return m.Bus.Write64(addr, val)
}

// walkPageTable walks the radix tree rooted at satp, returning the
// translated physical address, the leaf PTE's flag bits, the page size in
// bytes, and the tree level the leaf was found at (0 = 4KiB leaf).
func (m *MMU) walkPageTable(vaddr uint64, access Access, priv uint8, shape levelShape, rootPPN uint64) (uint64, uint64, uint64, int, error) {
	mode := satpMode(m.CSR.Satp, m.CSR.XLEN)
	if !canonicalCheck(vaddr, mode) {
		return 0, 0, 0, 0, m.pageFault(access, vaddr)
	}

	vpnMask := uint64(1<<uint(shape.vpnBits)) - 1
	ppnMask := uint64(1<<uint(shape.ppnBits)) - 1

	tableAddr := rootPPN << PageShift

	for level := shape.levels - 1; level >= 0; level-- {
		vpnShift := PageShift + level*shape.vpnBits
		vpn := (vaddr >> vpnShift) & vpnMask

		pteAddr := tableAddr + vpn*uint64(shape.pteSize)
		pte, err := m.readPTE(pteAddr, shape.pteSize)
		if err != nil {
			return 0, 0, 0, 0, m.pageFault(access, vaddr)
		}

		if pte&PteV == 0 {
			return 0, 0, 0, 0, m.pageFault(access, vaddr)
		}
		if pte&PteR == 0 && pte&PteW != 0 {
			return 0, 0, 0, 0, m.pageFault(access, vaddr)
		}

		if pte&(PteR|PteX) != 0 {
			// Leaf.
			pageSize := uint64(PageSize)
			if level > 0 {
				mask := uint64(1<<uint(level*shape.vpnBits)) - 1
				if ((pte >> 10) & mask) != 0 {
					return 0, 0, 0, 0, m.pageFault(access, vaddr)
				}
				pageSize = 1 << uint(PageShift+level*shape.vpnBits)
			}

			if err := m.checkPermissions(pte, access, priv); err != nil {
				return 0, 0, 0, 0, err
			}

			if pte&PteA == 0 || (access == AccessStore && pte&PteD == 0) {
				newPTE := pte | PteA
				if access == AccessStore {
					newPTE |= PteD
				}
				if err := m.writePTE(pteAddr, shape.pteSize, newPTE); err != nil {
					return 0, 0, 0, 0, m.pageFault(access, vaddr)
				}
				pte = newPTE
			}

			ppn := (pte >> 10) & ppnMask
			pageOffset := vaddr & (pageSize - 1)
			if level > 0 {
				mask := uint64(1<<uint(level*shape.vpnBits)) - 1
				superVPN := (vaddr >> PageShift) & mask
				ppn = (ppn &^ mask) | superVPN
			}
			paddr := (ppn << PageShift) | pageOffset
			return paddr, pte, pageSize, level, nil
		}

		// Non-leaf: descend.
		tableAddr = ((pte >> 10) & ppnMask) << PageShift
	}

	return 0, 0, 0, 0, m.pageFault(access, vaddr)
}

func (m *MMU) checkPermissions(pte uint64, access Access, priv uint8) error {
	if priv == csr.PrivUser {
		if pte&PteU == 0 {
			return m.pageFault(access, 0)
		}
	} else if pte&PteU != 0 && m.CSR.Mstatus&csr.MstatusSUM == 0 {
		return m.pageFault(access, 0)
	}

	switch access {
	case AccessLoad:
		if pte&PteR == 0 {
			if m.CSR.Mstatus&csr.MstatusMXR != 0 && pte&PteX != 0 {
				return nil
			}
			return m.pageFault(access, 0)
		}
	case AccessStore:
		if pte&PteW == 0 {
			return m.pageFault(access, 0)
		}
	case AccessInstruction:
		if pte&PteX == 0 {
			return m.pageFault(access, 0)
		}
	}
	return nil
}

func (m *MMU) pageFault(access Access, vaddr uint64) error {
	switch access {
	case AccessLoad:
		return csr.NewException(csr.CauseLoadPageFault, vaddr)
	case AccessStore:
		return csr.NewException(csr.CauseStorePageFault, vaddr)
	case AccessInstruction:
		return csr.NewException(csr.CauseInsnPageFault, vaddr)
	}
	return csr.NewException(csr.CauseLoadPageFault, vaddr)
}

func (m *MMU) TranslateRead(vaddr uint64) (uint64, error)  { return m.Translate(vaddr, AccessLoad) }
func (m *MMU) TranslateWrite(vaddr uint64) (uint64, error) { return m.Translate(vaddr, AccessStore) }
func (m *MMU) TranslateFetch(vaddr uint64) (uint64, error) {
	return m.Translate(vaddr, AccessInstruction)
}
