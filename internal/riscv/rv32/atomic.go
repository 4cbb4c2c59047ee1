package rv32

import (
	"github.com/tinyrange/riscv-vm/internal/riscv/csr"
	"github.com/tinyrange/riscv-vm/internal/riscv/isa"
)

// execAMO dispatches the word-width AMO/LR/SC family; RV32A has no
// doubleword forms.
func (cpu *CPU) execAMO(insn uint32) error {
	if isa.Funct3(insn)&0x3 != 0b010 {
		return exc(csr.CauseIllegalInsn, uint64(insn))
	}

	vaddr := cpu.ReadReg(isa.Rs1(insn))
	if vaddr&3 != 0 {
		return exc(csr.CauseStoreAddrMisaligned, uint64(vaddr))
	}
	funct5 := isa.Funct7(insn) >> 2

	switch funct5 {
	case 0b00010: // LR.W
		paddr, err := cpu.MMU.TranslateRead(uint64(vaddr))
		if err != nil {
			return retag(err, vaddr)
		}
		v, err := cpu.Bus.Read32(paddr)
		if err != nil {
			return exc(csr.CauseLoadAccessFault, uint64(vaddr))
		}
		cpu.Reservation = vaddr
		cpu.ReservationValid = true
		cpu.WriteReg(isa.Rd(insn), v)
		return nil
	case 0b00011: // SC.W
		if !cpu.ReservationValid || cpu.Reservation != vaddr {
			cpu.WriteReg(isa.Rd(insn), 1)
			return nil
		}
		paddr, err := cpu.MMU.TranslateWrite(uint64(vaddr))
		if err != nil {
			return retag(err, vaddr)
		}
		if err := cpu.Bus.Write32(paddr, cpu.ReadReg(isa.Rs2(insn))); err != nil {
			return exc(csr.CauseStoreAccessFault, uint64(vaddr))
		}
		cpu.ReservationValid = false
		cpu.WriteReg(isa.Rd(insn), 0)
		return nil
	}

	paddr, err := cpu.MMU.TranslateWrite(uint64(vaddr))
	if err != nil {
		return retag(err, vaddr)
	}
	old, err := cpu.Bus.Read32(paddr)
	if err != nil {
		return exc(csr.CauseLoadAccessFault, uint64(vaddr))
	}
	rhs := cpu.ReadReg(isa.Rs2(insn))
	result, perr := amo32Op(funct5, old, rhs)
	if perr != nil {
		return perr
	}
	if err := cpu.Bus.Write32(paddr, result); err != nil {
		return exc(csr.CauseStoreAccessFault, uint64(vaddr))
	}
	cpu.WriteReg(isa.Rd(insn), old)
	return nil
}

func amo32Op(funct5 uint32, old, rhs uint32) (uint32, error) {
	switch funct5 {
	case 0b00001:
		return rhs, nil
	case 0b00000:
		return old + rhs, nil
	case 0b00100:
		return old ^ rhs, nil
	case 0b01100:
		return old & rhs, nil
	case 0b01000:
		return old | rhs, nil
	case 0b10000:
		if int32(old) < int32(rhs) {
			return old, nil
		}
		return rhs, nil
	case 0b10100:
		if int32(old) > int32(rhs) {
			return old, nil
		}
		return rhs, nil
	case 0b11000:
		if old < rhs {
			return old, nil
		}
		return rhs, nil
	case 0b11100:
		if old > rhs {
			return old, nil
		}
		return rhs, nil
	default:
		return 0, exc(csr.CauseIllegalInsn, 0)
	}
}
