package rv64

import (
	"math"

	"github.com/tinyrange/riscv-vm/internal/riscv/csr"
	"github.com/tinyrange/riscv-vm/internal/riscv/isa"
)

// canonicalNaN32Bits is the canonical single-precision NaN, used whenever
// an improperly NaN-boxed F register is read as a float32 — the teacher
// instead returned Go's default NaN pattern for this case, which is not
// the architecturally-defined canonical NaN.
const canonicalNaN32Bits = 0x7fc0_0000

func f32FromBits(bits uint32) float32 { return math.Float32frombits(bits) }
func f32ToBits(f float32) uint32      { return math.Float32bits(f) }

// unboxF32 extracts a float32 from a NaN-boxed 64-bit F register, per the
// F/D extension rule: a non-canonically-boxed value reads as the
// canonical quiet NaN rather than the raw low bits.
func unboxF32(v uint64) float32 {
	if v>>32 != 0xffffffff {
		return f32FromBits(canonicalNaN32Bits)
	}
	return f32FromBits(uint32(v))
}

func boxF32(f float32) uint64 {
	return 0xffffffff_00000000 | uint64(f32ToBits(f))
}

func f64FromBits(bits uint64) float64 { return math.Float64frombits(bits) }
func f64ToBits(f float64) uint64      { return math.Float64bits(f) }

// Rounding mode / exception flag constants (fcsr layout).
const (
	feInvalid   = 1 << 4
	feDivByZero = 1 << 3
	feOverflow  = 1 << 2
	feUnderflow = 1 << 1
	feInexact   = 1 << 0
)

func (cpu *CPU) setFCC(flags uint8) {
	if flags != 0 {
		cpu.CSR.Fflags |= flags & 0x1f
	}
}

func (cpu *CPU) readF32(reg uint32) float32 { return unboxF32(cpu.F[reg]) }
func (cpu *CPU) writeF32(reg uint32, f float32) {
	cpu.F[reg] = boxF32(f)
	cpu.CSR.SetFSDirty()
}

func (cpu *CPU) readF64(reg uint32) float64 { return f64FromBits(cpu.F[reg]) }
func (cpu *CPU) writeF64(reg uint32, f float64) {
	cpu.F[reg] = f64ToBits(f)
	cpu.CSR.SetFSDirty()
}

func (cpu *CPU) execLoadFP(insn uint32) error {
	vaddr := uint64(int64(cpu.ReadReg(isa.Rs1(insn))) + isa.ImmI(insn))
	paddr, err := cpu.MMU.TranslateRead(vaddr)
	if err != nil {
		return retag(err, vaddr)
	}
	rd := isa.Rd(insn)
	switch isa.Funct3(insn) {
	case 0b010: // FLW
		var v uint32
		if vaddr&3 != 0 {
			raw, e := cpu.loadBytesWise(vaddr, paddr, 4)
			if e != nil {
				return e
			}
			v = uint32(raw)
		} else {
			var e error
			v, e = cpu.Bus.Read32(paddr)
			if e != nil {
				return exc(csr.CauseLoadAccessFault, vaddr)
			}
		}
		cpu.F[rd] = boxF32(f32FromBits(v))
	case 0b011: // FLD
		var v uint64
		if vaddr&7 != 0 {
			raw, e := cpu.loadBytesWise(vaddr, paddr, 8)
			if e != nil {
				return e
			}
			v = raw
		} else {
			var e error
			v, e = cpu.Bus.Read64(paddr)
			if e != nil {
				return exc(csr.CauseLoadAccessFault, vaddr)
			}
		}
		cpu.F[rd] = v
	default:
		return exc(csr.CauseIllegalInsn, uint64(insn))
	}
	cpu.CSR.SetFSDirty()
	return nil
}

func (cpu *CPU) execStoreFP(insn uint32) error {
	vaddr := uint64(int64(cpu.ReadReg(isa.Rs1(insn))) + isa.ImmS(insn))
	paddr, err := cpu.MMU.TranslateWrite(vaddr)
	if err != nil {
		return retag(err, vaddr)
	}
	rs2 := isa.Rs2(insn)
	switch isa.Funct3(insn) {
	case 0b010: // FSW
		if vaddr&3 != 0 {
			return cpu.storeBytesWise(vaddr, paddr, uint64(f32ToBits(cpu.readF32(rs2))), 4)
		}
		if err := cpu.Bus.Write32(paddr, f32ToBits(cpu.readF32(rs2))); err != nil {
			return exc(csr.CauseStoreAccessFault, vaddr)
		}
	case 0b011: // FSD
		if vaddr&7 != 0 {
			return cpu.storeBytesWise(vaddr, paddr, cpu.F[rs2], 8)
		}
		if err := cpu.Bus.Write64(paddr, cpu.F[rs2]); err != nil {
			return exc(csr.CauseStoreAccessFault, vaddr)
		}
	default:
		return exc(csr.CauseIllegalInsn, uint64(insn))
	}
	return nil
}

func (cpu *CPU) execOpFP(insn uint32) error {
	f7 := isa.Funct7(insn)
	rd := isa.Rd(insn)
	rs1 := isa.Rs1(insn)
	rs2 := isa.Rs2(insn)
	f3 := isa.Funct3(insn)

	isDouble := f7&1 == 1

	switch f7 >> 2 {
	case 0b00000: // FADD
		if isDouble {
			cpu.writeF64(rd, cpu.readF64(rs1)+cpu.readF64(rs2))
		} else {
			cpu.writeF32(rd, cpu.readF32(rs1)+cpu.readF32(rs2))
		}
		return nil
	case 0b00001: // FSUB
		if isDouble {
			cpu.writeF64(rd, cpu.readF64(rs1)-cpu.readF64(rs2))
		} else {
			cpu.writeF32(rd, cpu.readF32(rs1)-cpu.readF32(rs2))
		}
		return nil
	case 0b00010: // FMUL
		if isDouble {
			cpu.writeF64(rd, cpu.readF64(rs1)*cpu.readF64(rs2))
		} else {
			cpu.writeF32(rd, cpu.readF32(rs1)*cpu.readF32(rs2))
		}
		return nil
	case 0b00011: // FDIV
		if isDouble {
			b := cpu.readF64(rs2)
			if b == 0 {
				cpu.setFCC(feDivByZero)
			}
			cpu.writeF64(rd, cpu.readF64(rs1)/b)
		} else {
			b := cpu.readF32(rs2)
			if b == 0 {
				cpu.setFCC(feDivByZero)
			}
			cpu.writeF32(rd, cpu.readF32(rs1)/b)
		}
		return nil
	case 0b01011: // FSQRT
		if isDouble {
			cpu.writeF64(rd, math.Sqrt(cpu.readF64(rs1)))
		} else {
			cpu.writeF32(rd, float32(math.Sqrt(float64(cpu.readF32(rs1)))))
		}
		return nil
	case 0b00100: // FSGNJ family
		return cpu.execFSGNJ(insn, isDouble, rd, rs1, rs2, f3)
	case 0b00101: // FMIN/FMAX
		return cpu.execFMinMax(isDouble, rd, rs1, rs2, f3)
	case 0b10100: // FEQ/FLT/FLE
		return cpu.execFCompare(isDouble, rd, rs1, rs2, f3)
	case 0b11000: // FCVT.W/WU/L/LU.S|D
		return cpu.execFCvtToInt(isDouble, rd, rs1, isa.Rs2(insn))
	case 0b11010: // FCVT.S|D.W/WU/L/LU
		return cpu.execFCvtFromInt(isDouble, rd, rs1, isa.Rs2(insn))
	case 0b11100: // FMV.X.W/D, FCLASS
		return cpu.execFMoveToInt(isDouble, rd, rs1, f3)
	case 0b11110: // FMV.W/D.X
		if isDouble {
			cpu.F[rd] = cpu.ReadReg(rs1)
		} else {
			cpu.F[rd] = boxF32(f32FromBits(uint32(cpu.ReadReg(rs1))))
		}
		cpu.CSR.SetFSDirty()
		return nil
	case 0b01000: // FCVT.S.D / FCVT.D.S
		if rs2 == 1 {
			cpu.writeF32(rd, float32(cpu.readF64(rs1)))
		} else {
			cpu.writeF64(rd, float64(cpu.readF32(rs1)))
		}
		return nil
	default:
		return exc(csr.CauseIllegalInsn, uint64(insn))
	}
}

func (cpu *CPU) execFSGNJ(insn uint32, isDouble bool, rd, rs1, rs2, f3 uint32) error {
	if isDouble {
		a := f64ToBits(cpu.readF64(rs1))
		b := f64ToBits(cpu.readF64(rs2))
		var out uint64
		switch f3 {
		case 0:
			out = (a &^ (1 << 63)) | (b & (1 << 63))
		case 1:
			out = (a &^ (1 << 63)) | (^b & (1 << 63))
		case 2:
			out = (a &^ (1 << 63)) | ((a ^ b) & (1 << 63))
		default:
			return exc(csr.CauseIllegalInsn, uint64(insn))
		}
		cpu.writeF64(rd, f64FromBits(out))
		return nil
	}
	a := f32ToBits(cpu.readF32(rs1))
	b := f32ToBits(cpu.readF32(rs2))
	var out uint32
	switch f3 {
	case 0:
		out = (a &^ (1 << 31)) | (b & (1 << 31))
	case 1:
		out = (a &^ (1 << 31)) | (^b & (1 << 31))
	case 2:
		out = (a &^ (1 << 31)) | ((a ^ b) & (1 << 31))
	default:
		return exc(csr.CauseIllegalInsn, uint64(insn))
	}
	cpu.writeF32(rd, f32FromBits(out))
	return nil
}

func (cpu *CPU) execFMinMax(isDouble bool, rd, rs1, rs2, f3 uint32) error {
	if isDouble {
		a, b := cpu.readF64(rs1), cpu.readF64(rs2)
		if f3 == 0 {
			cpu.writeF64(rd, fMin(a, b))
		} else {
			cpu.writeF64(rd, fMax(a, b))
		}
		return nil
	}
	a, b := float64(cpu.readF32(rs1)), float64(cpu.readF32(rs2))
	if f3 == 0 {
		cpu.writeF32(rd, float32(fMin(a, b)))
	} else {
		cpu.writeF32(rd, float32(fMax(a, b)))
	}
	return nil
}

func fMin(a, b float64) float64 {
	if math.IsNaN(a) && math.IsNaN(b) {
		return math.NaN()
	}
	if math.IsNaN(a) {
		return b
	}
	if math.IsNaN(b) {
		return a
	}
	return math.Min(a, b)
}

func fMax(a, b float64) float64 {
	if math.IsNaN(a) && math.IsNaN(b) {
		return math.NaN()
	}
	if math.IsNaN(a) {
		return b
	}
	if math.IsNaN(b) {
		return a
	}
	return math.Max(a, b)
}

func (cpu *CPU) execFCompare(isDouble bool, rd, rs1, rs2, f3 uint32) error {
	var result bool
	if isDouble {
		a, b := cpu.readF64(rs1), cpu.readF64(rs2)
		switch f3 {
		case 0b010:
			result = a == b
		case 0b001:
			result = a < b
		case 0b000:
			result = a <= b
		}
	} else {
		a, b := cpu.readF32(rs1), cpu.readF32(rs2)
		switch f3 {
		case 0b010:
			result = a == b
		case 0b001:
			result = a < b
		case 0b000:
			result = a <= b
		}
	}
	if result {
		cpu.WriteReg(rd, 1)
	} else {
		cpu.WriteReg(rd, 0)
	}
	return nil
}

func (cpu *CPU) execFCvtToInt(isDouble bool, rd, rs1, variant uint32) error {
	var val float64
	if isDouble {
		val = cpu.readF64(rs1)
	} else {
		val = float64(cpu.readF32(rs1))
	}

	switch variant {
	case 0: // W
		cpu.WriteReg(rd, uint64(int64(int32(val))))
	case 1: // WU
		cpu.WriteReg(rd, uint64(int32(uint32(int64(val)))))
	case 2: // L
		cpu.WriteReg(rd, uint64(int64(val)))
	case 3: // LU
		cpu.WriteReg(rd, uint64(val))
	default:
		return exc(csr.CauseIllegalInsn, 0)
	}
	return nil
}

func (cpu *CPU) execFCvtFromInt(isDouble bool, rd, rs1, variant uint32) error {
	r1 := cpu.ReadReg(rs1)
	var val float64
	switch variant {
	case 0: // W
		val = float64(int32(r1))
	case 1: // WU
		val = float64(uint32(r1))
	case 2: // L
		val = float64(int64(r1))
	case 3: // LU
		val = float64(r1)
	default:
		return exc(csr.CauseIllegalInsn, 0)
	}
	if isDouble {
		cpu.writeF64(rd, val)
	} else {
		cpu.writeF32(rd, float32(val))
	}
	return nil
}

func (cpu *CPU) execFMoveToInt(isDouble bool, rd, rs1, f3 uint32) error {
	if f3 == 0b001 { // FCLASS
		if isDouble {
			cpu.WriteReg(rd, classifyF64(cpu.readF64(rs1)))
		} else {
			cpu.WriteReg(rd, classifyF32(cpu.readF32(rs1)))
		}
		return nil
	}
	// FMV.X.W / FMV.X.D
	if isDouble {
		cpu.WriteReg(rd, cpu.F[rs1])
	} else {
		cpu.WriteReg(rd, uint64(int64(int32(f32ToBits(cpu.readF32(rs1))))))
	}
	return nil
}

func classifyF32(f float32) uint64 {
	bits := f32ToBits(f)
	sign := bits>>31 == 1
	switch {
	case math.IsInf(float64(f), -1):
		return 1 << 0
	case math.IsInf(float64(f), 1):
		return 1 << 7
	case sign && bits&0x7fffffff == 0:
		return 1 << 3
	case !sign && bits&0x7fffffff == 0:
		return 1 << 4
	case math.IsNaN(float64(f)):
		if bits&(1<<22) != 0 {
			return 1 << 9
		}
		return 1 << 8
	case sign && bits&0x7f800000 == 0:
		return 1 << 2
	case !sign && bits&0x7f800000 == 0:
		return 1 << 5
	case sign:
		return 1 << 1
	default:
		return 1 << 6
	}
}

func classifyF64(f float64) uint64 {
	bits := f64ToBits(f)
	sign := bits>>63 == 1
	switch {
	case math.IsInf(f, -1):
		return 1 << 0
	case math.IsInf(f, 1):
		return 1 << 7
	case sign && bits&0x7fffffffffffffff == 0:
		return 1 << 3
	case !sign && bits&0x7fffffffffffffff == 0:
		return 1 << 4
	case math.IsNaN(f):
		if bits&(1<<51) != 0 {
			return 1 << 9
		}
		return 1 << 8
	case sign && bits&0x7ff0000000000000 == 0:
		return 1 << 2
	case !sign && bits&0x7ff0000000000000 == 0:
		return 1 << 5
	case sign:
		return 1 << 1
	default:
		return 1 << 6
	}
}

// execFMA handles the fused multiply-add family: FMADD/FMSUB/FNMSUB/FNMADD.
func (cpu *CPU) execFMA(insn uint32, opcode uint32) error {
	rd := isa.Rd(insn)
	rs1 := isa.Rs1(insn)
	rs2 := isa.Rs2(insn)
	rs3 := isa.Rs3(insn)
	isDouble := isa.Funct2(insn) == 1

	if isDouble {
		a, b, c := cpu.readF64(rs1), cpu.readF64(rs2), cpu.readF64(rs3)
		switch opcode {
		case isa.OpMadd:
			cpu.writeF64(rd, a*b+c)
		case isa.OpMsub:
			cpu.writeF64(rd, a*b-c)
		case isa.OpNmsub:
			cpu.writeF64(rd, -(a*b)+c)
		case isa.OpNmadd:
			cpu.writeF64(rd, -(a*b)-c)
		}
		return nil
	}

	a, b, c := cpu.readF32(rs1), cpu.readF32(rs2), cpu.readF32(rs3)
	switch opcode {
	case isa.OpMadd:
		cpu.writeF32(rd, a*b+c)
	case isa.OpMsub:
		cpu.writeF32(rd, a*b-c)
	case isa.OpNmsub:
		cpu.writeF32(rd, -(a*b)+c)
	case isa.OpNmadd:
		cpu.writeF32(rd, -(a*b)-c)
	}
	return nil
}
