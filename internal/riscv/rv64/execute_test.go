package rv64

import (
	"testing"

	"github.com/tinyrange/riscv-vm/internal/riscv/csr"
	"github.com/tinyrange/riscv-vm/internal/riscv/isa"
)

func TestExecAddiAddsSignExtendedImmediate(t *testing.T) {
	cpu := newTestCPU(0x1000)
	// addi x1, x0, 1000
	if err := cpu.Execute(0x3e800093); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if cpu.X[1] != 1000 {
		t.Fatalf("x1 = %d, want 1000", cpu.X[1])
	}
}

func TestExecLuiSetsUpperBitsOnly(t *testing.T) {
	cpu := newTestCPU(0x1000)
	insn := (uint32(0x12345) << 12) | (1 << 7) | isa.OpLui
	if err := cpu.Execute(insn); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if cpu.X[1] != 0x12345000 {
		t.Fatalf("x1 = %#x, want %#x", cpu.X[1], 0x12345000)
	}
}

func TestExecJalWritesLinkAndJumps(t *testing.T) {
	cpu := newTestCPU(0x1000)
	cpu.PC = RAMBase
	// jal x1, +16
	imm := int64(16)
	b20 := uint32(imm>>20) & 1
	b10_1 := uint32(imm>>1) & 0x3ff
	b11 := uint32(imm>>11) & 1
	b19_12 := uint32(imm>>12) & 0xff
	insn := (b20 << 31) | (b10_1 << 21) | (b11 << 20) | (b19_12 << 12) | (1 << 7) | isa.OpJal
	if err := cpu.Execute(insn); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if cpu.X[1] != RAMBase+4 {
		t.Fatalf("link reg = %#x, want %#x", cpu.X[1], RAMBase+4)
	}
	if cpu.PC != RAMBase+16 {
		t.Fatalf("PC = %#x, want %#x", cpu.PC, RAMBase+16)
	}
}

func TestExecBranchBeqTakenAndNotTaken(t *testing.T) {
	cpu := newTestCPU(0x1000)
	cpu.PC = RAMBase
	cpu.X[1] = 5
	cpu.X[2] = 5
	// beq x1, x2, +8
	imm := int64(8)
	b11 := uint32(imm>>11) & 1
	b12 := uint32(imm>>12) & 1
	b4_1 := uint32(imm>>1) & 0xf
	b10_5 := uint32(imm>>5) & 0x3f
	built := (b12 << 31) | (b10_5 << 25) | (2 << 20) | (1 << 15) | (0 << 12) | (b4_1 << 8) | (b11 << 7) | isa.OpBranch

	if err := cpu.Execute(built); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if cpu.PC != RAMBase+8 {
		t.Fatalf("PC = %#x, want %#x (branch taken)", cpu.PC, RAMBase+8)
	}

	cpu.PC = RAMBase
	cpu.X[2] = 6
	if err := cpu.Execute(built); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if cpu.PC != RAMBase {
		t.Fatalf("PC = %#x, want unchanged %#x (branch not taken)", cpu.PC, RAMBase)
	}
}

func TestExecStoreThenLoadRoundTrip(t *testing.T) {
	cpu := newTestCPU(0x1000)
	cpu.X[1] = RAMBase // base address
	cpu.X[2] = 0xdeadbeef

	// sw x2, 0(x1)
	store := (uint32(0) << 25) | (2 << 20) | (1 << 15) | (0b010 << 12) | (0 << 7) | isa.OpStore
	if err := cpu.Execute(store); err != nil {
		t.Fatalf("store: %v", err)
	}

	// lw x3, 0(x1)
	load := (uint32(0) << 20) | (1 << 15) | (0b010 << 12) | (3 << 7) | isa.OpLoad
	if err := cpu.Execute(load); err != nil {
		t.Fatalf("load: %v", err)
	}
	// lw sign-extends the loaded word on RV64.
	if cpu.X[3] != 0xffff_ffff_dead_beef {
		t.Fatalf("x3 = %#x, want 0xffffffffdeadbeef", cpu.X[3])
	}
}

func TestExecLoadByteSignExtends(t *testing.T) {
	cpu := newTestCPU(0x1000)
	if err := cpu.Bus.Write8(RAMBase, 0xff); err != nil {
		t.Fatalf("seed byte: %v", err)
	}
	cpu.X[1] = RAMBase
	// lb x2, 0(x1)
	load := (uint32(0) << 20) | (1 << 15) | (0b000 << 12) | (2 << 7) | isa.OpLoad
	if err := cpu.Execute(load); err != nil {
		t.Fatalf("load: %v", err)
	}
	if cpu.X[2] != 0xffff_ffff_ffff_ffff {
		t.Fatalf("x2 = %#x, want sign-extended -1", cpu.X[2])
	}
}

func TestExecMisalignedWordLoadStoreRoundTrip(t *testing.T) {
	cpu := newTestCPU(0x1000)
	cpu.X[1] = RAMBase + 1 // not 4-byte aligned
	cpu.X[2] = 0xdeadbeef

	store := (uint32(0) << 25) | (2 << 20) | (1 << 15) | (0b010 << 12) | (0 << 7) | isa.OpStore
	if err := cpu.Execute(store); err != nil {
		t.Fatalf("store: %v", err)
	}
	for i, want := range []byte{0xef, 0xbe, 0xad, 0xde} {
		got, err := cpu.Bus.Read8(RAMBase + 1 + uint64(i))
		if err != nil {
			t.Fatalf("Read8(%d): %v", i, err)
		}
		if got != want {
			t.Fatalf("byte %d = %#x, want %#x", i, got, want)
		}
	}

	load := (uint32(0) << 20) | (1 << 15) | (0b010 << 12) | (3 << 7) | isa.OpLoad
	if err := cpu.Execute(load); err != nil {
		t.Fatalf("load: %v", err)
	}
	if cpu.X[3] != 0xffff_ffff_dead_beef {
		t.Fatalf("x3 = %#x, want 0xffffffffdeadbeef (misaligned load must reassemble the stored bytes, sign-extended)", cpu.X[3])
	}
}

func TestExecMulDivByZero(t *testing.T) {
	cpu := newTestCPU(0x1000)
	cpu.X[1] = 42
	cpu.X[2] = 0
	// div x3, x1, x2
	insn := (uint32(0b0000001) << 25) | (2 << 20) | (1 << 15) | (0b100 << 12) | (3 << 7) | isa.OpOp
	if err := cpu.Execute(insn); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if cpu.X[3] != ^uint64(0) {
		t.Fatalf("x3 = %#x, want all-ones (div-by-zero per RISC-V semantics)", cpu.X[3])
	}
}

func TestExecIllegalOpcodeReturnsException(t *testing.T) {
	cpu := newTestCPU(0x1000)
	err := cpu.Execute(0x7f) // opcode bits all set to an undefined major opcode
	if err == nil {
		t.Fatalf("expected an illegal-instruction exception")
	}
	exc, ok := err.(csr.Exception)
	if !ok {
		t.Fatalf("err = %T, want csr.Exception", err)
	}
	if exc.Cause != csr.CauseIllegalInsn {
		t.Fatalf("Cause = %d, want CauseIllegalInsn", exc.Cause)
	}
}

func TestExecSystemCSRRWRoundTrip(t *testing.T) {
	cpu := newTestCPU(0x1000)
	cpu.CSR.Priv = csr.PrivMachine
	cpu.X[1] = 0x5

	// csrrw x2, mscratch, x1
	insn := (uint32(csr.Mscratch) << 20) | (1 << 15) | (0b001 << 12) | (2 << 7) | isa.OpSystem
	if err := cpu.Execute(insn); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if cpu.CSR.Mscratch != 0x5 {
		t.Fatalf("Mscratch = %#x, want 0x5", cpu.CSR.Mscratch)
	}
}
