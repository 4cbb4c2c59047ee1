package rv64

import "testing"

func TestExpandCAddiMatchesFullWidthAddi(t *testing.T) {
	cpu := newTestCPU(0x1000)
	// c.addi x1, 1 (rd/rs1 = x1, imm = 1)
	const cInsn uint16 = 0x0085

	expanded, err := cpu.ExpandCompressed(cInsn)
	if err != nil {
		t.Fatalf("ExpandCompressed: %v", err)
	}
	cpu.X[1] = 10
	if err := cpu.Execute(expanded); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if cpu.X[1] != 11 {
		t.Fatalf("x1 = %d, want 11 (10 + 1)", cpu.X[1])
	}
}

func TestExpandCLiLoadsImmediateFromZero(t *testing.T) {
	cpu := newTestCPU(0x1000)
	// c.li x2, 5
	const cInsn uint16 = 0x4115

	expanded, err := cpu.ExpandCompressed(cInsn)
	if err != nil {
		t.Fatalf("ExpandCompressed: %v", err)
	}
	if err := cpu.Execute(expanded); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if cpu.X[2] != 5 {
		t.Fatalf("x2 = %d, want 5", cpu.X[2])
	}
}

func TestExpandCJrJumpsToRegisterValue(t *testing.T) {
	cpu := newTestCPU(0x1000)
	// c.jr x1
	const cInsn uint16 = 0x8082
	cpu.X[1] = RAMBase + 0x100

	expanded, err := cpu.ExpandCompressed(cInsn)
	if err != nil {
		t.Fatalf("ExpandCompressed: %v", err)
	}
	if err := cpu.Execute(expanded); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if cpu.PC != RAMBase+0x100 {
		t.Fatalf("PC = %#x, want %#x", cpu.PC, RAMBase+0x100)
	}
}

func TestExpandZeroInstructionIsIllegal(t *testing.T) {
	cpu := newTestCPU(0x1000)
	if _, err := cpu.ExpandCompressed(0); err == nil {
		t.Fatalf("expected an all-zero compressed word to be illegal")
	}
}

func TestStepFetchesCompressedInstructionAsTwoBytes(t *testing.T) {
	cpu := newTestCPU(0x1000)
	// c.li x2, 5 written little-endian at RAMBase, with a following
	// 32-bit-looking word that Step must NOT fetch as part of this step.
	if err := cpu.Bus.Write16(RAMBase, 0x4115); err != nil {
		t.Fatalf("seed: %v", err)
	}
	startPC := cpu.PC
	if err := cpu.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if cpu.X[2] != 5 {
		t.Fatalf("x2 = %d, want 5", cpu.X[2])
	}
	if cpu.PC != startPC+2 {
		t.Fatalf("PC = %#x, want %#x (2-byte advance for compressed insn)", cpu.PC, startPC+2)
	}
}
