package isa

import "testing"

func TestFieldExtractionAddiX1X0_1000(t *testing.T) {
	// addi x1, x0, 1000
	const insn uint32 = 0x3e800093

	if got := Opcode(insn); got != OpOpImm {
		t.Fatalf("Opcode = %#x, want OpOpImm", got)
	}
	if got := Rd(insn); got != 1 {
		t.Fatalf("Rd = %d, want 1", got)
	}
	if got := Rs1(insn); got != 0 {
		t.Fatalf("Rs1 = %d, want 0", got)
	}
	if got := Funct3(insn); got != 0 {
		t.Fatalf("Funct3 = %d, want 0", got)
	}
	if got := ImmI(insn); got != 1000 {
		t.Fatalf("ImmI = %d, want 1000", got)
	}
}

func TestImmINegativeSignExtends(t *testing.T) {
	// addi x1, x0, -1: imm[11:0] = 0xfff
	insn := uint32(0xfff<<20) | (0 << 15) | (0 << 12) | (1 << 7) | OpOpImm
	if got := ImmI(insn); got != -1 {
		t.Fatalf("ImmI = %d, want -1", got)
	}
}

func TestImmSReassemblesSplitField(t *testing.T) {
	// sw x2, -20(x1): imm split across insn[31:25] and insn[11:7].
	imm := int64(-20)
	lo := uint32(imm) & 0x1f
	hi := (uint32(imm) >> 5) & 0x7f
	built := (hi << 25) | (0 << 20) | (0 << 15) | (0 << 12) | (lo << 7) | OpStore
	if got := ImmS(built); got != -20 {
		t.Fatalf("ImmS = %d, want -20", got)
	}
}

func TestImmBBranchOffsetBitOrder(t *testing.T) {
	// beq x0, x0, +16: imm[12:1] = 16 -> bit4 set only.
	imm := int64(16)
	b11 := (uint32(imm) >> 11) & 0x1
	b12 := (uint32(imm) >> 12) & 0x1
	b4_1 := (uint32(imm) >> 1) & 0xf
	b10_5 := (uint32(imm) >> 5) & 0x3f
	built := (b12 << 31) | (b10_5 << 25) | (0 << 20) | (0 << 15) | (0 << 12) | (b4_1 << 8) | (b11 << 7) | OpBranch
	if got := ImmB(built); got != 16 {
		t.Fatalf("ImmB = %d, want 16", got)
	}
}

func TestImmUKeepsUpperBitsOnly(t *testing.T) {
	// lui x1, 0x12345
	const insn uint32 = 0x12345<<12 | (1 << 7) | OpLui
	if got := ImmU(insn); got != 0x12345000 {
		t.Fatalf("ImmU = %#x, want %#x", got, 0x12345000)
	}
}

func TestImmJJumpOffsetBitOrder(t *testing.T) {
	// jal x1, +4096 -> imm[20:1] = 4096 -> bit11 set within the encoded field
	imm := int64(4096)
	b19_12 := (uint32(imm) >> 12) & 0xff
	b11 := (uint32(imm) >> 11) & 0x1
	b10_1 := (uint32(imm) >> 1) & 0x3ff
	b20 := (uint32(imm) >> 20) & 0x1
	built := (b20 << 31) | (b10_1 << 21) | (b11 << 20) | (b19_12 << 12) | (1 << 7) | OpJal
	if got := ImmJ(built); got != 4096 {
		t.Fatalf("ImmJ = %d, want 4096", got)
	}
}

func TestSignExtendBoundaryWidths(t *testing.T) {
	cases := []struct {
		val  uint64
		bits int
		want int64
	}{
		{0x7ff, 12, 0x7ff},
		{0x800, 12, -2048},
		{0xfff, 12, -1},
		{1, 1, -1},
		{0, 1, 0},
	}
	for _, c := range cases {
		if got := SignExtend(c.val, c.bits); got != c.want {
			t.Fatalf("SignExtend(%#x, %d) = %d, want %d", c.val, c.bits, got, c.want)
		}
	}
}

func TestCompressedRegisterFieldsMapToX8Through15(t *testing.T) {
	// c.add-style 3-bit field value 0b111 -> x15
	const insn uint16 = 0b111 << 2
	if got := CRdp(insn); got != 15 {
		t.Fatalf("CRdp = %d, want 15", got)
	}
	const insn2 uint16 = 0b111 << 7
	if got := CRs1p(insn2); got != 15 {
		t.Fatalf("CRs1p = %d, want 15", got)
	}
}

func TestShamtWidths(t *testing.T) {
	// shamt = 0x3f in bits [26:20] exercises the full 6-bit RV64 field;
	// Shamt32 on the same word should mask it down to 5 bits.
	const insn uint32 = 0x3f << 20
	if got := Shamt(insn); got != 0x3f {
		t.Fatalf("Shamt = %#x, want 0x3f", got)
	}
	if got := Shamt32(insn); got != 0x1f {
		t.Fatalf("Shamt32 = %#x, want 0x1f", got)
	}
}
