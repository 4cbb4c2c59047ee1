// Package rv32 implements the RV32IMAFD interpreter: fetch, decode,
// execute, and the integer/FP register files for the 32-bit variant.
// It mirrors internal/riscv/rv64's structure (shared csr/mmu/bus, same
// Step/Execute shape) but drops the W-suffixed 64-bit instruction forms,
// and it has no C extension: there is no compressed-instruction expansion.
package rv32

import (
	"github.com/tinyrange/riscv-vm/internal/riscv/bus"
	"github.com/tinyrange/riscv-vm/internal/riscv/csr"
	"github.com/tinyrange/riscv-vm/internal/riscv/mmu"
)

// RAMBase is the physical address Linux's 32-bit boot protocol expects
// RAM at.
const RAMBase uint64 = 0x8000_0000

// CPU is one RV32IMAFD hart.
type CPU struct {
	X [32]uint32
	F [32]uint64 // still NaN-boxed to 64 bits: D is optional on RV32 but the F register file width is fixed by the D extension when present

	PC uint32

	CSR *csr.File
	Bus *bus.Bus
	MMU *mmu.MMU

	Reservation      uint32
	ReservationValid bool

	WFI bool

	Instret uint64

	TimeSource func() uint64

	// SBIHandler intercepts an ECALL from S-mode, same role as rv64's.
	SBIHandler func(cpu *CPU) error
}

func (cpu *CPU) Time() uint64 {
	if cpu.TimeSource == nil {
		return 0
	}
	return cpu.TimeSource()
}

func New(csrFile *csr.File, b *bus.Bus, m *mmu.MMU) *CPU {
	return &CPU{CSR: csrFile, Bus: b, MMU: m, PC: uint32(RAMBase)}
}

func (cpu *CPU) ReadReg(reg uint32) uint32 {
	if reg == 0 {
		return 0
	}
	return cpu.X[reg]
}

func (cpu *CPU) WriteReg(reg uint32, val uint32) {
	if reg != 0 {
		cpu.X[reg] = val
	}
}

func (cpu *CPU) SetPC(pc uint32) { cpu.PC = pc }

func (cpu *CPU) Reset() {
	for i := range cpu.X {
		cpu.X[i] = 0
	}
	for i := range cpu.F {
		cpu.F[i] = 0
	}
	cpu.PC = uint32(RAMBase)
	cpu.WFI = false
	cpu.ReservationValid = false
}

// Step mirrors rv64.CPU.Step exactly in shape; only register/PC widths
// differ, since CSR/MMU/trap handling is already XLEN-agnostic.
func (cpu *CPU) Step() error {
	if !cpu.WFI {
		if pending, cause := cpu.CSR.CheckInterrupt(); pending {
			cpu.PC = uint32(cpu.CSR.HandleTrap(uint64(cpu.PC), cause, 0))
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
	paddr, err := cpu.MMU.TranslateFetch(uint64(pc))
	if err != nil {
		if exc, ok := err.(csr.Exception); ok {
			cpu.PC = uint32(cpu.CSR.HandleTrap(uint64(pc), exc.Cause, uint64(pc)))
			return nil
		}
		return err
	}

	// RV32IMAFD has no C extension (that's RV64-only in this system, per
	// the dual-pipeline split), so every fetched word is a full 32-bit
	// instruction; no compressed-expansion step.
	insn, err := cpu.Bus.Fetch(paddr)
	if err != nil {
		cpu.PC = uint32(cpu.CSR.HandleTrap(uint64(pc), csr.CauseInsnAccessFault, uint64(pc)))
		return nil
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
		cpu.PC = uint32(cpu.CSR.HandleTrap(uint64(oldPC), exc.Cause, exc.Tval))
		return nil
	}

	if cpu.PC == oldPC {
		cpu.PC += 4
	}
	cpu.Instret++
	return nil
}
