package rv64

import "testing"

func TestWriteF32NaNBoxesUpperWord(t *testing.T) {
	cpu := newTestCPU(0x1000)
	cpu.writeF32(1, 1.5)
	if cpu.F[1]>>32 != 0xffffffff {
		t.Fatalf("F[1] upper word = %#x, want NaN-boxing 0xffffffff", cpu.F[1]>>32)
	}
	if got := cpu.readF32(1); got != 1.5 {
		t.Fatalf("readF32 = %v, want 1.5", got)
	}
}

func TestReadF32RejectsImproperlyBoxedValue(t *testing.T) {
	cpu := newTestCPU(0x1000)
	// A raw 64-bit value with a clear upper word is not a valid NaN box;
	// reading it as float32 must yield the canonical quiet NaN rather
	// than the unboxed low bits.
	cpu.F[1] = 0x0000_0000_3fc0_0000
	got := cpu.readF32(1)
	if got == got { // NaN is the only float that is not equal to itself
		t.Fatalf("readF32 = %v, want NaN for an improperly NaN-boxed register", got)
	}
}

func TestWriteF32SetsFSDirty(t *testing.T) {
	cpu := newTestCPU(0x1000)
	cpu.writeF32(1, 2.0)
	fs := (cpu.CSR.Mstatus >> 13) & 3
	if fs != 3 {
		t.Fatalf("mstatus.FS = %d, want Dirty (3)", fs)
	}
}

func TestFADDSingleAndDouble(t *testing.T) {
	cpu := newTestCPU(0x1000)
	cpu.writeF32(1, 1.5)
	cpu.writeF32(2, 2.5)
	// fadd.s f3, f1, f2 : funct7 = 0000000, rs2=2, rs1=1, rd=3
	insn := uint32(0b0000000)<<25 | 2<<20 | 1<<15 | 3<<7 | 0b1010011
	if err := cpu.execOpFP(insn); err != nil {
		t.Fatalf("execOpFP: %v", err)
	}
	if got := cpu.readF32(3); got != 4.0 {
		t.Fatalf("f3 = %v, want 4.0", got)
	}
}

func TestFDivByZeroSetsDivByZeroFlag(t *testing.T) {
	cpu := newTestCPU(0x1000)
	cpu.writeF64(1, 1.0)
	cpu.writeF64(2, 0.0)
	// fdiv.d f3, f1, f2 : funct7 = 0001101 (FDIV, double)
	insn := uint32(0b0001101)<<25 | 2<<20 | 1<<15 | 3<<7 | 0b1010011
	if err := cpu.execOpFP(insn); err != nil {
		t.Fatalf("execOpFP: %v", err)
	}
	if cpu.CSR.Fflags&feDivByZero == 0 {
		t.Fatalf("fflags = %#x, want DZ bit set", cpu.CSR.Fflags)
	}
}

func TestFMinFMaxPreferNonNaNOperand(t *testing.T) {
	cpu := newTestCPU(0x1000)
	cpu.writeF64(1, 3.0)
	nan := f64FromBits(0x7ff8000000000000)
	cpu.writeF64(2, nan)
	// fmin.d f3, f1, f2 : funct7 = 0010101, f3 = 0
	insn := uint32(0b0010101)<<25 | 2<<20 | 1<<15 | 0<<12 | 3<<7 | 0b1010011
	if err := cpu.execOpFP(insn); err != nil {
		t.Fatalf("execOpFP: %v", err)
	}
	if got := cpu.readF64(3); got != 3.0 {
		t.Fatalf("fmin.d result = %v, want 3.0 (NaN operand ignored)", got)
	}
}

func TestFCvtWFromDoubleTruncates(t *testing.T) {
	cpu := newTestCPU(0x1000)
	cpu.writeF64(1, 3.9)
	if err := cpu.execFCvtToInt(true, 2, 1, 0); err != nil {
		t.Fatalf("execFCvtToInt: %v", err)
	}
	if int32(cpu.X[2]) != 3 {
		t.Fatalf("x2 = %d, want 3 (truncated)", int32(cpu.X[2]))
	}
}

func TestFClassIdentifiesNegativeZero(t *testing.T) {
	cpu := newTestCPU(0x1000)
	cpu.writeF64(1, 0)
	cpu.F[1] = f64ToBits(0)
	cpu.F[1] |= 1 << 63 // negative zero
	got := classifyF64(cpu.readF64(1))
	if got != 1<<3 {
		t.Fatalf("FCLASS = %#x, want bit3 (negative zero)", got)
	}
}
