package rv64

import (
	"github.com/tinyrange/riscv-vm/internal/riscv/csr"
	"github.com/tinyrange/riscv-vm/internal/riscv/isa"
)

// execAMO dispatches AMO.W/D (including LR/SC), keying the LR/SC
// reservation by virtual address — matching the teacher, which reads
// rs1 before MMU translation for exactly this reason.
func (cpu *CPU) execAMO(insn uint32) error {
	width := isa.Funct3(insn) & 0x3
	vaddr := cpu.ReadReg(isa.Rs1(insn))
	switch width {
	case 0b010:
		if vaddr&3 != 0 {
			return exc(csr.CauseStoreAddrMisaligned, vaddr)
		}
		return cpu.execAMO32(insn)
	case 0b011:
		if vaddr&7 != 0 {
			return exc(csr.CauseStoreAddrMisaligned, vaddr)
		}
		return cpu.execAMO64(insn)
	default:
		return exc(csr.CauseIllegalInsn, uint64(insn))
	}
}

func (cpu *CPU) execAMO32(insn uint32) error {
	vaddr := cpu.ReadReg(isa.Rs1(insn))
	funct5 := isa.Funct7(insn) >> 2

	switch funct5 {
	case 0b00010: // LR.W
		paddr, err := cpu.MMU.TranslateRead(vaddr)
		if err != nil {
			return retag(err, vaddr)
		}
		v, err := cpu.Bus.Read32(paddr)
		if err != nil {
			return exc(csr.CauseLoadAccessFault, vaddr)
		}
		cpu.Reservation = vaddr
		cpu.ReservationValid = true
		cpu.WriteReg(isa.Rd(insn), uint64(int32(v)))
		return nil
	case 0b00011: // SC.W
		if !cpu.ReservationValid || cpu.Reservation != vaddr {
			cpu.WriteReg(isa.Rd(insn), 1)
			return nil
		}
		paddr, err := cpu.MMU.TranslateWrite(vaddr)
		if err != nil {
			return retag(err, vaddr)
		}
		if err := cpu.Bus.Write32(paddr, uint32(cpu.ReadReg(isa.Rs2(insn)))); err != nil {
			return exc(csr.CauseStoreAccessFault, vaddr)
		}
		cpu.ReservationValid = false
		cpu.WriteReg(isa.Rd(insn), 0)
		return nil
	}

	paddr, err := cpu.MMU.TranslateWrite(vaddr)
	if err != nil {
		return retag(err, vaddr)
	}
	old, err := cpu.Bus.Read32(paddr)
	if err != nil {
		return exc(csr.CauseLoadAccessFault, vaddr)
	}
	rhs := uint32(cpu.ReadReg(isa.Rs2(insn)))
	result, perr := amo32Op(funct5, old, rhs)
	if perr != nil {
		return perr
	}
	if err := cpu.Bus.Write32(paddr, result); err != nil {
		return exc(csr.CauseStoreAccessFault, vaddr)
	}
	cpu.WriteReg(isa.Rd(insn), uint64(int32(old)))
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

func (cpu *CPU) execAMO64(insn uint32) error {
	vaddr := cpu.ReadReg(isa.Rs1(insn))
	funct5 := isa.Funct7(insn) >> 2

	switch funct5 {
	case 0b00010: // LR.D
		paddr, err := cpu.MMU.TranslateRead(vaddr)
		if err != nil {
			return retag(err, vaddr)
		}
		v, err := cpu.Bus.Read64(paddr)
		if err != nil {
			return exc(csr.CauseLoadAccessFault, vaddr)
		}
		cpu.Reservation = vaddr
		cpu.ReservationValid = true
		cpu.WriteReg(isa.Rd(insn), v)
		return nil
	case 0b00011: // SC.D
		if !cpu.ReservationValid || cpu.Reservation != vaddr {
			cpu.WriteReg(isa.Rd(insn), 1)
			return nil
		}
		paddr, err := cpu.MMU.TranslateWrite(vaddr)
		if err != nil {
			return retag(err, vaddr)
		}
		if err := cpu.Bus.Write64(paddr, cpu.ReadReg(isa.Rs2(insn))); err != nil {
			return exc(csr.CauseStoreAccessFault, vaddr)
		}
		cpu.ReservationValid = false
		cpu.WriteReg(isa.Rd(insn), 0)
		return nil
	}

	paddr, err := cpu.MMU.TranslateWrite(vaddr)
	if err != nil {
		return retag(err, vaddr)
	}
	old, err := cpu.Bus.Read64(paddr)
	if err != nil {
		return exc(csr.CauseLoadAccessFault, vaddr)
	}
	rhs := cpu.ReadReg(isa.Rs2(insn))
	result, perr := amo64Op(funct5, old, rhs)
	if perr != nil {
		return perr
	}
	if err := cpu.Bus.Write64(paddr, result); err != nil {
		return exc(csr.CauseStoreAccessFault, vaddr)
	}
	cpu.WriteReg(isa.Rd(insn), old)
	return nil
}

func amo64Op(funct5 uint32, old, rhs uint64) (uint64, error) {
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
		if int64(old) < int64(rhs) {
			return old, nil
		}
		return rhs, nil
	case 0b10100:
		if int64(old) > int64(rhs) {
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
