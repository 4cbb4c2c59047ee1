package rv64

import (
	"github.com/tinyrange/riscv-vm/internal/riscv/csr"
	"github.com/tinyrange/riscv-vm/internal/riscv/isa"
)

// ExpandCompressed synthesizes the 32-bit encoding equivalent to a 16-bit
// C-extension instruction, so the rest of the pipeline only ever executes
// full-width instructions.
func (cpu *CPU) ExpandCompressed(insn uint16) (uint32, error) {
	if insn == 0 {
		return 0, exc(csr.CauseIllegalInsn, 0)
	}
	switch isa.COp(insn) {
	case 0:
		return expandQ0(insn)
	case 1:
		return expandQ1(insn)
	case 2:
		return expandQ2(insn)
	default:
		return 0, exc(csr.CauseIllegalInsn, uint64(insn))
	}
}

func rType(funct7 uint32, rs2, rs1, funct3, rd, opcode uint32) uint32 {
	return funct7<<25 | rs2<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func iType(imm int64, rs1, funct3, rd, opcode uint32) uint32 {
	return uint32(imm&0xfff)<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func sType(imm int64, rs2, rs1, funct3, opcode uint32) uint32 {
	u := uint32(imm)
	return (u>>5&0x7f)<<25 | rs2<<20 | rs1<<15 | funct3<<12 | (u&0x1f)<<7 | opcode
}

func bType(imm int64, rs2, rs1, funct3, opcode uint32) uint32 {
	u := uint32(imm)
	return (u>>12&1)<<31 | (u>>5&0x3f)<<25 | rs2<<20 | rs1<<15 | funct3<<12 | (u>>11&1)<<7 | (u>>1&0xf)<<8 | opcode
}

func uType(imm int64, rd, opcode uint32) uint32 {
	return uint32(imm&^0xfff) | rd<<7 | opcode
}

func jType(imm int64, rd, opcode uint32) uint32 {
	u := uint32(imm)
	return (u>>20&1)<<31 | (u>>1&0x3ff)<<21 | (u>>11&1)<<20 | (u>>12&0xff)<<12 | rd<<7 | opcode
}

func expandQ0(insn uint16) (uint32, error) {
	f3 := isa.CFunct3(insn)
	rdp := isa.CRdp(insn)
	rs1p := isa.CRs1p(insn)

	switch f3 {
	case 0b000: // C.ADDI4SPN
		nzuimm := ((uint32(insn)>>11&0x3)<<4 | (uint32(insn)>>7&0xf)<<6 | (uint32(insn)>>6&0x1)<<2 | (uint32(insn)>>5&0x1)<<3)
		if nzuimm == 0 {
			return 0, exc(csr.CauseIllegalInsn, uint64(insn))
		}
		return iType(int64(nzuimm), 2, 0, rdp, isa.OpOpImm), nil
	case 0b001: // C.FLD
		off := (uint32(insn)>>10&0x7)<<3 | (uint32(insn)>>5&0x3)<<6
		return iType(int64(off), rs1p, 0b011, rdp, isa.OpLoadFP), nil
	case 0b010: // C.LW
		off := (uint32(insn)>>10&0x7)<<3 | (uint32(insn)>>6&0x1)<<2 | (uint32(insn)>>5&0x1)<<6
		return iType(int64(off), rs1p, 0b010, rdp, isa.OpLoad), nil
	case 0b011: // C.LD
		off := (uint32(insn)>>10&0x7)<<3 | (uint32(insn)>>5&0x3)<<6
		return iType(int64(off), rs1p, 0b011, rdp, isa.OpLoad), nil
	case 0b101: // C.FSD
		rs2p := isa.CRs2p(insn)
		off := (uint32(insn)>>10&0x7)<<3 | (uint32(insn)>>5&0x3)<<6
		return sType(int64(off), rs2p, rs1p, 0b011, isa.OpStoreFP), nil
	case 0b110: // C.SW
		rs2p := isa.CRs2p(insn)
		off := (uint32(insn)>>10&0x7)<<3 | (uint32(insn)>>6&0x1)<<2 | (uint32(insn)>>5&0x1)<<6
		return sType(int64(off), rs2p, rs1p, 0b010, isa.OpStore), nil
	case 0b111: // C.SD
		rs2p := isa.CRs2p(insn)
		off := (uint32(insn)>>10&0x7)<<3 | (uint32(insn)>>5&0x3)<<6
		return sType(int64(off), rs2p, rs1p, 0b011, isa.OpStore), nil
	default:
		return 0, exc(csr.CauseIllegalInsn, uint64(insn))
	}
}

func expandQ1(insn uint16) (uint32, error) {
	f3 := isa.CFunct3(insn)

	switch f3 {
	case 0b000: // C.NOP / C.ADDI
		rd := isa.CRd(insn)
		imm := isa.SignExtend(uint64((uint32(insn)>>12&1)<<5|(uint32(insn)>>2&0x1f)), 6)
		return iType(imm, rd, 0, rd, isa.OpOpImm), nil
	case 0b001: // C.ADDIW
		rd := isa.CRd(insn)
		imm := isa.SignExtend(uint64((uint32(insn)>>12&1)<<5|(uint32(insn)>>2&0x1f)), 6)
		return iType(imm, rd, 0, rd, isa.OpOpImm32), nil
	case 0b010: // C.LI
		rd := isa.CRd(insn)
		imm := isa.SignExtend(uint64((uint32(insn)>>12&1)<<5|(uint32(insn)>>2&0x1f)), 6)
		return iType(imm, 0, 0, rd, isa.OpOpImm), nil
	case 0b011:
		rd := isa.CRd(insn)
		if rd == 2 { // C.ADDI16SP
			u := uint32(insn)
			nzimm := (u>>12&1)<<9 | (u>>3&3)<<7 | (u>>5&1)<<6 | (u>>2&1)<<5 | (u>>6&1)<<4
			imm := isa.SignExtend(uint64(nzimm), 10)
			if imm == 0 {
				return 0, exc(csr.CauseIllegalInsn, uint64(insn))
			}
			return iType(imm, 2, 0, 2, isa.OpOpImm), nil
		}
		// C.LUI
		u := uint32(insn)
		nzimm := (u>>12&1)<<17 | (u>>2&0x1f)<<12
		imm := isa.SignExtend(uint64(nzimm), 18)
		if imm == 0 {
			return 0, exc(csr.CauseIllegalInsn, uint64(insn))
		}
		return uType(imm, rd, isa.OpLui), nil
	case 0b100:
		rdp := isa.CRdp(insn)
		funct2 := uint32(insn) >> 10 & 0x3
		switch funct2 {
		case 0b00, 0b01: // C.SRLI, C.SRAI
			shamt := (uint32(insn)>>12&1)<<5 | (uint32(insn)>>2&0x1f)
			arith := uint32(0)
			if funct2 == 0b01 {
				arith = 0b0100000
			}
			return rType(arith, shamt, rdp, 0b101, rdp, isa.OpOpImm), nil
		case 0b10: // C.ANDI
			imm := isa.SignExtend(uint64((uint32(insn)>>12&1)<<5|(uint32(insn)>>2&0x1f)), 6)
			return iType(imm, rdp, 0b111, rdp, isa.OpOpImm), nil
		default: // 0b11: register-register reduced forms
			rs2p := isa.CRs2p(insn)
			funct1 := uint32(insn) >> 12 & 1
			funct2b := uint32(insn) >> 5 & 0x3
			if funct1 == 0 {
				switch funct2b {
				case 0b00: // C.SUB
					return rType(0b0100000, rs2p, rdp, 0b000, rdp, isa.OpOp), nil
				case 0b01: // C.XOR
					return rType(0, rs2p, rdp, 0b100, rdp, isa.OpOp), nil
				case 0b10: // C.OR
					return rType(0, rs2p, rdp, 0b110, rdp, isa.OpOp), nil
				default: // C.AND
					return rType(0, rs2p, rdp, 0b111, rdp, isa.OpOp), nil
				}
			}
			switch funct2b {
			case 0b00: // C.SUBW
				return rType(0b0100000, rs2p, rdp, 0b000, rdp, isa.OpOp32), nil
			case 0b01: // C.ADDW
				return rType(0, rs2p, rdp, 0b000, rdp, isa.OpOp32), nil
			default:
				return 0, exc(csr.CauseIllegalInsn, uint64(insn))
			}
		}
	case 0b101: // C.J
		u := uint32(insn)
		off := (u>>12&1)<<11 | (u>>11&1)<<4 | (u>>9&3)<<8 | (u>>8&1)<<10 | (u>>7&1)<<6 | (u>>6&1)<<7 | (u>>3&7)<<1 | (u>>2&1)<<5
		imm := isa.SignExtend(uint64(off), 12)
		return jType(imm, 0, isa.OpJal), nil
	case 0b110, 0b111: // C.BEQZ, C.BNEZ
		rs1p := isa.CRs1p(insn)
		u := uint32(insn)
		off := (u>>12&1)<<8 | (u>>10&3)<<3 | (u>>5&3)<<6 | (u>>3&3)<<1 | (u>>2&1)<<5
		imm := isa.SignExtend(uint64(off), 9)
		funct3 := uint32(0b000)
		if f3 == 0b111 {
			funct3 = 0b001
		}
		return bType(imm, 0, rs1p, funct3, isa.OpBranch), nil
	default:
		return 0, exc(csr.CauseIllegalInsn, uint64(insn))
	}
}

func expandQ2(insn uint16) (uint32, error) {
	f3 := isa.CFunct3(insn)

	switch f3 {
	case 0b000: // C.SLLI
		rd := isa.CRd(insn)
		shamt := (uint32(insn)>>12&1)<<5 | (uint32(insn)>>2&0x1f)
		return rType(0, shamt, rd, 0b001, rd, isa.OpOpImm), nil
	case 0b001: // C.FLDSP
		rd := isa.CRd(insn)
		u := uint32(insn)
		off := (u>>12&1)<<5 | (u>>5&3)<<3 | (u>>2&7)<<6
		return iType(int64(off), 2, 0b011, rd, isa.OpLoadFP), nil
	case 0b010: // C.LWSP
		rd := isa.CRd(insn)
		u := uint32(insn)
		off := (u>>12&1)<<5 | (u>>4&7)<<2 | (u>>2&3)<<6
		return iType(int64(off), 2, 0b010, rd, isa.OpLoad), nil
	case 0b011: // C.LDSP
		rd := isa.CRd(insn)
		u := uint32(insn)
		off := (u>>12&1)<<5 | (u>>5&3)<<3 | (u>>2&7)<<6
		return iType(int64(off), 2, 0b011, rd, isa.OpLoad), nil
	case 0b100:
		rd := isa.CRd(insn)
		rs2 := isa.CRs2(insn)
		funct1 := uint32(insn) >> 12 & 1
		if funct1 == 0 {
			if rs2 == 0 { // C.JR
				if rd == 0 {
					return 0, exc(csr.CauseIllegalInsn, uint64(insn))
				}
				return iType(0, rd, 0, 0, isa.OpJalr), nil
			}
			// C.MV
			return rType(0, rs2, 0, 0, rd, isa.OpOp), nil
		}
		if rs2 == 0 {
			if rd == 0 { // C.EBREAK
				return 0x00100073, nil
			}
			// C.JALR
			return iType(0, rd, 0, 1, isa.OpJalr), nil
		}
		// C.ADD
		return rType(0, rs2, rd, 0, rd, isa.OpOp), nil
	case 0b101: // C.FSDSP
		rs2 := isa.CRs2(insn)
		u := uint32(insn)
		off := (u>>10&7)<<3 | (u>>7&7)<<6
		return sType(int64(off), rs2, 2, 0b011, isa.OpStoreFP), nil
	case 0b110: // C.SWSP
		rs2 := isa.CRs2(insn)
		u := uint32(insn)
		off := (u>>9&0xf)<<2 | (u>>7&3)<<6
		return sType(int64(off), rs2, 2, 0b010, isa.OpStore), nil
	case 0b111: // C.SDSP
		rs2 := isa.CRs2(insn)
		u := uint32(insn)
		off := (u>>10&7)<<3 | (u>>7&7)<<6
		return sType(int64(off), rs2, 2, 0b011, isa.OpStore), nil
	default:
		return 0, exc(csr.CauseIllegalInsn, uint64(insn))
	}
}
