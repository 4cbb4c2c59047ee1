// Package rv64 implements the RV64IMAFDC interpreter: fetch, decode,
// execute, and the integer/FP register files. CSR storage, the MMU, and
// the bus are shared packages (internal/riscv/csr, mmu, bus) rather than
// duplicated here — see internal/riscv/csr's package doc for why.
package rv64

import (
	"github.com/tinyrange/riscv-vm/internal/riscv/bus"
	"github.com/tinyrange/riscv-vm/internal/riscv/csr"
	"github.com/tinyrange/riscv-vm/internal/riscv/mmu"
)

// RAMBase is the physical address Linux's boot protocol expects RAM at;
// the SoC loop parks PC here on reset.
const RAMBase uint64 = 0x8000_0000

// CPU is one RV64IMAFDC hart: 32 integer registers, 32 FP registers
// (NaN-boxed per the F/D extension), PC, LR/SC reservation, and WFI
// state. Privilege and all CSR state live in the bound CSR file.
type CPU struct {
	X [32]uint64
	F [32]uint64

	PC uint64

	CSR *csr.File
	Bus *bus.Bus
	MMU *mmu.MMU

	Reservation      uint64
	ReservationValid bool

	WFI bool

	// Instret counts retired instructions, backing the instret/cycle CSRs
	// (the CSR file itself stubs these to 0 since it has no notion of
	// retirement or wall-clock time).
	Instret uint64

	// TimeSource returns the mtime value backing the time CSR; wired by
	// internal/riscv/system to the CLINT's clock. Nil reads as 0.
	TimeSource func() uint64

	// SBIHandler intercepts an ECALL from S-mode before it becomes an
	// architectural trap, implementing the SBI shim. Set by
	// internal/riscv/system; nil means ecalls from S-mode trap normally.
	SBIHandler func(cpu *CPU) error
}

// Time returns the current mtime value as seen by the time CSR.
func (cpu *CPU) Time() uint64 {
	if cpu.TimeSource == nil {
		return 0
	}
	return cpu.TimeSource()
}

// New creates an RV64 hart bound to the given CSR file, bus, and MMU.
// The caller (internal/riscv/system) owns construction order since the
// CSR file and MMU are shared with other harts in a future multi-hart
// world — today there is exactly one.
func New(csrFile *csr.File, b *bus.Bus, m *mmu.MMU) *CPU {
	return &CPU{CSR: csrFile, Bus: b, MMU: m, PC: RAMBase}
}

func (cpu *CPU) ReadReg(reg uint32) uint64 {
	if reg == 0 {
		return 0
	}
	return cpu.X[reg]
}

func (cpu *CPU) WriteReg(reg uint32, val uint64) {
	if reg != 0 {
		cpu.X[reg] = val
	}
}

// SetPC parks the hart at the given address; used by the SoC loop for
// boot hand-off and SBI-driven PC advancement.
func (cpu *CPU) SetPC(pc uint64) { cpu.PC = pc }

// Reset clears all architectural state and parks PC at RAMBase.
func (cpu *CPU) Reset() {
	for i := range cpu.X {
		cpu.X[i] = 0
	}
	for i := range cpu.F {
		cpu.F[i] = 0
	}
	cpu.PC = RAMBase
	cpu.WFI = false
	cpu.ReservationValid = false
}

// Step executes one instruction (or services an interrupt / WFI wakeup).
// Mirrors the teacher's Machine.Step, folded onto CPU since fetch/decode/
// execute/trap-dispatch is squarely the interpreter's job (component E);
// the surrounding timer/IRQ-composition loop lives in internal/riscv/system.
func (cpu *CPU) Step() error {
	if !cpu.WFI {
		if pending, cause := cpu.CSR.CheckInterrupt(); pending {
			cpu.PC = cpu.CSR.HandleTrap(cpu.PC, cause, 0)
			return nil
		}
	} else {
		if pending, _ := cpu.CSR.CheckInterrupt(); pending {
			cpu.WFI = false
		} else {
			return nil
		}
	}

	pc := cpu.PC
	paddr, err := cpu.MMU.TranslateFetch(pc)
	if err != nil {
		if exc, ok := err.(csr.Exception); ok {
			cpu.PC = cpu.CSR.HandleTrap(pc, exc.Cause, pc)
			return nil
		}
		return err
	}

	insn, err := cpu.Bus.Fetch(paddr)
	if err != nil {
		cpu.PC = cpu.CSR.HandleTrap(pc, csr.CauseInsnAccessFault, pc)
		return nil
	}

	isCompressed := insn&0x3 != 0x3
	if isCompressed {
		expanded, err := cpu.ExpandCompressed(uint16(insn))
		if err != nil {
			if exc, ok := err.(csr.Exception); ok {
				cpu.PC = cpu.CSR.HandleTrap(pc, exc.Cause, exc.Tval)
				return nil
			}
			return err
		}
		insn = expanded
	}

	oldPC := cpu.PC
	if err := cpu.Execute(insn); err != nil {
		exc, ok := err.(csr.Exception)
		if !ok {
			return err
		}
		cpu.PC = oldPC
		if exc.Cause == csr.CauseEcallFromS && cpu.SBIHandler != nil {
			if err := cpu.SBIHandler(cpu); err != nil {
				return err
			}
			cpu.PC += 4
			return nil
		}
		cpu.PC = cpu.CSR.HandleTrap(oldPC, exc.Cause, exc.Tval)
		return nil
	}

	if cpu.PC == oldPC {
		if isCompressed {
			cpu.PC += 2
		} else {
			cpu.PC += 4
		}
	}
	cpu.Instret++
	return nil
}
