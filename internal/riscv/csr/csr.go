// Package csr implements the machine- and supervisor-mode control and
// status register file shared by the RV32 and RV64 interpreters. It is one
// file, not one package per XLEN, because CSR semantics barely vary with
// register width: only misa's MXL field and mstatus/sstatus's UXL/SXL
// windows move. Everything else (delegation, WARL masks, trap dispatch) is
// identical between the two pipelines, so duplicating it per width would
// just be two copies of the same bugs.
package csr

import "fmt"

// Privilege levels.
const (
	PrivUser       uint8 = 0
	PrivSupervisor uint8 = 1
	PrivMachine    uint8 = 3
)

// ISA extension bits for misa, bits [25:0]. Shared between RV32 and RV64;
// only the MXL window's position changes with XLEN.
const (
	MisaA uint64 = 1 << 0
	MisaC uint64 = 1 << 2
	MisaD uint64 = 1 << 3
	MisaF uint64 = 1 << 5
	MisaI uint64 = 1 << 8
	MisaM uint64 = 1 << 12
	MisaS uint64 = 1 << 18
	MisaU uint64 = 1 << 20
)

// MXL encodings.
const (
	MXL32 uint64 = 1
	MXL64 uint64 = 2
)

// mstatus bits, low 32 bits shared by both widths. FS/XS/SD and the
// supervisor bits live here; UXL/SXL are added only for XLEN=64 in
// MstatusValue.
const (
	MstatusSIE  uint64 = 1 << 1
	MstatusMIE  uint64 = 1 << 3
	MstatusSPIE uint64 = 1 << 5
	MstatusMPIE uint64 = 1 << 7
	MstatusSPP  uint64 = 1 << 8
	MstatusMPP  uint64 = 3 << 11
	MstatusFS   uint64 = 3 << 13
	MstatusXS   uint64 = 3 << 15
	MstatusMPRV uint64 = 1 << 17
	MstatusSUM  uint64 = 1 << 18
	MstatusMXR  uint64 = 1 << 19
	MstatusTVM  uint64 = 1 << 20
	MstatusTW   uint64 = 1 << 21
	MstatusTSR  uint64 = 1 << 22

	MstatusSPPShift = 8
	MstatusMPPShift = 11
	MstatusFSShift  = 13

	mstatusUXLShift = 32
	mstatusSXLShift = 34
)

// FS/XS field states.
const (
	FSOff     uint64 = 0
	FSInitial uint64 = 1
	FSClean   uint64 = 2
	FSDirty   uint64 = 3
)

// mip/mie bits.
const (
	MipSSIP uint64 = 1 << 1
	MipMSIP uint64 = 1 << 3
	MipSTIP uint64 = 1 << 5
	MipMTIP uint64 = 1 << 7
	MipSEIP uint64 = 1 << 9
	MipMEIP uint64 = 1 << 11
)

// Exception causes.
const (
	CauseInsnAddrMisaligned  uint64 = 0
	CauseInsnAccessFault     uint64 = 1
	CauseIllegalInsn         uint64 = 2
	CauseBreakpoint          uint64 = 3
	CauseLoadAddrMisaligned  uint64 = 4
	CauseLoadAccessFault     uint64 = 5
	CauseStoreAddrMisaligned uint64 = 6
	CauseStoreAccessFault    uint64 = 7
	CauseEcallFromU          uint64 = 8
	CauseEcallFromS          uint64 = 9
	CauseEcallFromM          uint64 = 11
	CauseInsnPageFault       uint64 = 12
	CauseLoadPageFault       uint64 = 13
	CauseStorePageFault      uint64 = 15
)

// Interrupt causes, bit 63 set.
const (
	CauseSSoftwareInt uint64 = (1 << 63) | 1
	CauseMSoftwareInt uint64 = (1 << 63) | 3
	CauseSTimerInt    uint64 = (1 << 63) | 5
	CauseMTimerInt    uint64 = (1 << 63) | 7
	CauseSExternalInt uint64 = (1 << 63) | 9
	CauseMExternalInt uint64 = (1 << 63) | 11
)

// CSR addresses.
const (
	Fflags     uint16 = 0x001
	Frm        uint16 = 0x002
	Fcsr       uint16 = 0x003
	Cycle      uint16 = 0xC00
	Time       uint16 = 0xC01
	Instret    uint16 = 0xC02
	Sstatus    uint16 = 0x100
	Sie        uint16 = 0x104
	Stvec      uint16 = 0x105
	Scounteren uint16 = 0x106
	Sscratch   uint16 = 0x140
	Sepc       uint16 = 0x141
	Scause     uint16 = 0x142
	Stval      uint16 = 0x143
	Sip        uint16 = 0x144
	Satp       uint16 = 0x180
	Mstatus    uint16 = 0x300
	Misa       uint16 = 0x301
	Medeleg    uint16 = 0x302
	Mideleg    uint16 = 0x303
	Mie        uint16 = 0x304
	Mtvec      uint16 = 0x305
	Mcounteren uint16 = 0x306
	Mscratch   uint16 = 0x340
	Mepc       uint16 = 0x341
	Mcause     uint16 = 0x342
	Mtval      uint16 = 0x343
	Mip        uint16 = 0x344
	Mhartid    uint16 = 0xF14
)

// Exception is an architectural RISC-V trap: a cause and the associated
// trap value. It is the only error type the interpreter packages raise for
// anything the ISA defines as a trap.
type Exception struct {
	Cause uint64
	Tval  uint64
}

func (e Exception) Error() string {
	return fmt.Sprintf("exception: cause=%d tval=0x%x", e.Cause, e.Tval)
}

// NewException builds an Exception for the given cause/tval pair.
func NewException(cause, tval uint64) error {
	return Exception{Cause: cause, Tval: tval}
}

// File holds the machine- and supervisor-mode CSR state for one hart. Its
// fields are the XLEN-independent "logical" values; Read/Write apply the
// WARL masks and window the XLEN-dependent fields (misa.MXL, mstatus's
// UXL/SXL) to whatever width the owning interpreter was built for.
type File struct {
	XLEN int // 32 or 64

	Priv uint8

	Mstatus    uint64
	MisaExt    uint64 // extension bits only, bits[25:0]; MXL added on read
	Medeleg    uint64
	Mideleg    uint64
	Mie        uint64
	Mtvec      uint64
	Mcounteren uint64
	Mscratch   uint64
	Mepc       uint64
	Mcause     uint64
	Mtval      uint64
	Mip        uint64
	Mhartid    uint64

	Stvec      uint64
	Scounteren uint64
	Sscratch   uint64
	Sepc       uint64
	Scause     uint64
	Stval      uint64
	Satp       uint64

	Fflags uint8
	Frm    uint8

	// InvalidateTLB is called whenever SATP is written or SFENCE.VMA is
	// executed, so the MMU can bump its TLB generation. Left nil-safe so
	// csr.File can be constructed standalone in tests.
	InvalidateTLB func()
}

// New builds a CSR file for the given XLEN (32 or 64) with the standard
// IMAFDC + S + U extension set and starts the hart in machine mode.
func New(xlen int) *File {
	return &File{
		XLEN:    xlen,
		Priv:    PrivMachine,
		MisaExt: MisaI | MisaM | MisaA | MisaF | MisaD | MisaC | MisaS | MisaU,
	}
}

func addrPriv(addr uint16) uint8   { return uint8((addr >> 8) & 3) }
func addrReadOnly(addr uint16) bool { return (addr>>10)&3 == 3 }

// misaValue renders MisaExt with the MXL field positioned for the file's
// XLEN: bits[31:30] for 32-bit, bits[63:62] for 64-bit.
func (f *File) misaValue() uint64 {
	if f.XLEN == 32 {
		return (MXL32 << 30) | (f.MisaExt & 0x3ffffff)
	}
	return (MXL64 << 62) | (f.MisaExt & 0x3ffffff)
}

// mstatusMask is the set of bits mstatus exposes, independent of XLEN.
const mstatusMask = MstatusSIE | MstatusMIE | MstatusSPIE | MstatusMPIE |
	MstatusSPP | MstatusMPP | MstatusFS | MstatusXS | MstatusMPRV |
	MstatusSUM | MstatusMXR | MstatusTVM | MstatusTW | MstatusTSR

func (f *File) sdBit() uint64 {
	fs := (f.Mstatus & MstatusFS) >> MstatusFSShift
	xs := (f.Mstatus & MstatusXS) >> 15
	if fs == FSDirty || xs == FSDirty {
		if f.XLEN == 32 {
			return 1 << 31
		}
		return 1 << 63
	}
	return 0
}

func (f *File) mstatusValue() uint64 {
	v := (f.Mstatus & mstatusMask) | f.sdBit()
	if f.XLEN == 64 {
		v |= uint64(MXL64) << mstatusUXLShift
		v |= uint64(MXL64) << mstatusSXLShift
	}
	return v
}

const sstatusMask = MstatusSIE | MstatusSPIE | MstatusSPP | MstatusFS |
	MstatusXS | MstatusSUM | MstatusMXR

func (f *File) sstatusValue() uint64 {
	v := (f.Mstatus & sstatusMask) | f.sdBit()
	if f.XLEN == 64 {
		v |= uint64(MXL64) << mstatusUXLShift
	}
	return v
}

func (f *File) writeMstatus(val uint64) {
	f.Mstatus = (f.Mstatus &^ mstatusMask) | (val & mstatusMask)
}

func (f *File) writeSstatus(val uint64) {
	f.Mstatus = (f.Mstatus &^ sstatusMask) | (val & sstatusMask)
}

// SetFSDirty marks mstatus.FS as Dirty; called by the interpreter on every
// FPU register write so mstatus.SD reflects pending dirty float state, and
// by the CSR path whenever fflags/frm/fcsr are written.
func (f *File) SetFSDirty() {
	f.Mstatus = (f.Mstatus &^ MstatusFS) | (FSDirty << MstatusFSShift)
}

func (f *File) sieValue() uint64 { return f.Mie & f.Mideleg }
func (f *File) sipValue() uint64 { return f.Mip & f.Mideleg }

// Read performs a privilege-gated CSR read. Unknown CSR
// numbers read as zero rather than faulting, matching the teacher's
// tolerant-unknown-CSR convention; privilege violations raise
// IllegalInstruction.
func (f *File) Read(addr uint16) (uint64, error) {
	if addrPriv(addr) > f.Priv {
		return 0, NewException(CauseIllegalInsn, uint64(addr))
	}
	switch addr {
	case Fflags:
		return uint64(f.Fflags), nil
	case Frm:
		return uint64(f.Frm), nil
	case Fcsr:
		return uint64(f.Frm)<<5 | uint64(f.Fflags), nil
	case Cycle, Instret, Time:
		return 0, nil // rv32/rv64 readCSR intercept these before calling Read
	case Sstatus:
		return f.sstatusValue(), nil
	case Sie:
		return f.sieValue(), nil
	case Stvec:
		return f.Stvec, nil
	case Scounteren:
		return f.Scounteren, nil
	case Sscratch:
		return f.Sscratch, nil
	case Sepc:
		return f.Sepc, nil
	case Scause:
		return f.Scause, nil
	case Stval:
		return f.Stval, nil
	case Sip:
		return f.sipValue(), nil
	case Satp:
		return f.Satp, nil
	case Mstatus:
		return f.mstatusValue(), nil
	case Misa:
		return f.misaValue(), nil
	case Medeleg:
		return f.Medeleg, nil
	case Mideleg:
		return f.Mideleg, nil
	case Mie:
		return f.Mie, nil
	case Mtvec:
		return f.Mtvec, nil
	case Mcounteren:
		return f.Mcounteren, nil
	case Mscratch:
		return f.Mscratch, nil
	case Mepc:
		return f.Mepc, nil
	case Mcause:
		return f.Mcause, nil
	case Mtval:
		return f.Mtval, nil
	case Mip:
		return f.Mip, nil
	case Mhartid:
		return f.Mhartid, nil
	default:
		return 0, nil
	}
}

// Write performs a privilege- and read-only-gated CSR write, applying each
// register's WARL mask.
func (f *File) Write(addr uint16, val uint64) error {
	if addrPriv(addr) > f.Priv || addrReadOnly(addr) {
		return NewException(CauseIllegalInsn, uint64(addr))
	}
	switch addr {
	case Fflags:
		f.Fflags = uint8(val) & 0x1f
		f.SetFSDirty()
	case Frm:
		f.Frm = uint8(val) & 0x7
		f.SetFSDirty()
	case Fcsr:
		f.Fflags = uint8(val) & 0x1f
		f.Frm = uint8(val>>5) & 0x7
		f.SetFSDirty()
	case Cycle, Instret, Time:
		// Read-only views of hart-driven counters; owning engine handles
		// any writable-counter extension separately.
	case Sstatus:
		f.writeSstatus(val)
	case Sie:
		f.Mie = (f.Mie &^ f.Mideleg) | (val & f.Mideleg)
	case Stvec:
		f.Stvec = val
	case Scounteren:
		f.Scounteren = val & 0x7
	case Sscratch:
		f.Sscratch = val
	case Sepc:
		f.Sepc = val &^ 1
	case Scause:
		f.Scause = val
	case Stval:
		f.Stval = val
	case Sip:
		f.Mip = (f.Mip &^ MipSSIP) | (val & MipSSIP)
	case Satp:
		f.Satp = val
		f.invalidateTLB()
	case Mstatus:
		f.writeMstatus(val)
	case Misa:
		// WARL: writes accepted, extension set never actually changes.
	case Medeleg:
		f.Medeleg = val & 0xb3ff
	case Mideleg:
		f.Mideleg = val & (MipSSIP | MipSTIP | MipSEIP)
	case Mie:
		f.Mie = val & (MipSSIP | MipMSIP | MipSTIP | MipMTIP | MipSEIP | MipMEIP)
	case Mtvec:
		f.Mtvec = val
	case Mcounteren:
		f.Mcounteren = val & 0x7
	case Mscratch:
		f.Mscratch = val
	case Mepc:
		f.Mepc = val &^ 1
	case Mcause:
		f.Mcause = val
	case Mtval:
		f.Mtval = val
	case Mip:
		f.Mip = (f.Mip &^ (MipSSIP | MipSTIP | MipSEIP)) | (val & (MipSSIP | MipSTIP | MipSEIP))
	case Mhartid:
		// read-only
	default:
		// unknown CSR: silently accepted, matching tolerant reads
	}
	return nil
}

func (f *File) invalidateTLB() {
	if f.InvalidateTLB != nil {
		f.InvalidateTLB()
	}
}

// SFENCEVMA is called by the interpreter on every sfence.vma; it always
// invalidates (rs1/rs2 selectivity is not modeled, matching spec's
// decision to treat any SFENCE.VMA as a full flush).
func (f *File) SFENCEVMA() {
	f.invalidateTLB()
}

// CheckInterrupt reports whether an interrupt is currently deliverable and,
// if so, its cause. Priority: machine interrupts before supervisor ones;
// within a privilege level, external > software > timer.
func (f *File) CheckInterrupt() (bool, uint64) {
	pending := f.Mip & f.Mie

	mEnabled := f.Priv < PrivMachine || (f.Priv == PrivMachine && f.Mstatus&MstatusMIE != 0)
	if mEnabled {
		mPending := pending &^ f.Mideleg
		switch {
		case mPending&MipMEIP != 0:
			return true, CauseMExternalInt
		case mPending&MipMSIP != 0:
			return true, CauseMSoftwareInt
		case mPending&MipMTIP != 0:
			return true, CauseMTimerInt
		}
	}

	sEnabled := f.Priv < PrivSupervisor || (f.Priv == PrivSupervisor && f.Mstatus&MstatusSIE != 0)
	if sEnabled {
		sPending := pending & f.Mideleg
		switch {
		case sPending&MipSEIP != 0:
			return true, CauseSExternalInt
		case sPending&MipSSIP != 0:
			return true, CauseSSoftwareInt
		case sPending&MipSTIP != 0:
			return true, CauseSTimerInt
		}
	}
	return false, 0
}

// HandleTrap performs trap delegation and dispatch: it updates
// sepc/scause/stval or mepc/mcause/mtval, flips the privilege-stack bits,
// and sets PC to the resulting target. PC is returned rather than mutated
// directly so callers own their own program-counter field.
func (f *File) HandleTrap(pc, cause, tval uint64) uint64 {
	isInterrupt := cause&(1<<63) != 0
	code := cause &^ (1 << 63)

	delegate := f.Priv <= PrivSupervisor
	if delegate {
		if isInterrupt {
			delegate = f.Mideleg&(1<<code) != 0
		} else {
			delegate = f.Medeleg&(1<<code) != 0
		}
	}

	if delegate {
		f.Sepc = pc
		f.Scause = cause
		f.Stval = tval
		if f.Mstatus&MstatusSIE != 0 {
			f.Mstatus |= MstatusSPIE
		} else {
			f.Mstatus &^= MstatusSPIE
		}
		f.Mstatus &^= MstatusSIE
		if f.Priv == PrivUser {
			f.Mstatus &^= MstatusSPP
		} else {
			f.Mstatus |= MstatusSPP
		}
		f.Priv = PrivSupervisor
		if f.Stvec&1 != 0 && isInterrupt {
			return (f.Stvec &^ 3) + code*4
		}
		return f.Stvec &^ 3
	}

	f.Mepc = pc
	f.Mcause = cause
	f.Mtval = tval
	if f.Mstatus&MstatusMIE != 0 {
		f.Mstatus |= MstatusMPIE
	} else {
		f.Mstatus &^= MstatusMPIE
	}
	f.Mstatus &^= MstatusMIE
	f.Mstatus = (f.Mstatus &^ MstatusMPP) | (uint64(f.Priv) << MstatusMPPShift)
	f.Priv = PrivMachine
	if f.Mtvec&1 != 0 && isInterrupt {
		return (f.Mtvec &^ 3) + code*4
	}
	return f.Mtvec &^ 3
}

// HandleMRET restores machine-mode trap state and returns the resume PC.
func (f *File) HandleMRET() uint64 {
	mpp := (f.Mstatus & MstatusMPP) >> MstatusMPPShift
	if f.Mstatus&MstatusMPIE != 0 {
		f.Mstatus |= MstatusMIE
	} else {
		f.Mstatus &^= MstatusMIE
	}
	f.Mstatus |= MstatusMPIE
	f.Mstatus &^= MstatusMPP
	f.Priv = uint8(mpp)
	return f.Mepc
}

// HandleSRET restores supervisor-mode trap state and returns the resume PC.
func (f *File) HandleSRET() uint64 {
	spp := (f.Mstatus & MstatusSPP) >> MstatusSPPShift
	if f.Mstatus&MstatusSPIE != 0 {
		f.Mstatus |= MstatusSIE
	} else {
		f.Mstatus &^= MstatusSIE
	}
	f.Mstatus |= MstatusSPIE
	f.Mstatus &^= MstatusSPP
	f.Priv = uint8(spp)
	return f.Sepc
}
