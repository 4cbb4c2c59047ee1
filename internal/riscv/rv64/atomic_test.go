package rv64

import (
	"testing"

	"github.com/tinyrange/riscv-vm/internal/riscv/csr"
	"github.com/tinyrange/riscv-vm/internal/riscv/isa"
)

func amoInsn(funct5, rs2, rs1, width, rd uint32) uint32 {
	funct7 := funct5 << 2
	return funct7<<25 | rs2<<20 | rs1<<15 | width<<12 | rd<<7 | isa.OpAMO
}

func TestLRSCSucceedsWithoutIntervor(t *testing.T) {
	cpu := newTestCPU(0x1000)
	cpu.X[1] = RAMBase
	cpu.X[2] = 0x42

	if err := cpu.Execute(amoInsn(0b00010, 0, 1, 0b010, 3)); err != nil { // lr.w x3, (x1)
		t.Fatalf("lr.w: %v", err)
	}
	if !cpu.ReservationValid || cpu.Reservation != RAMBase {
		t.Fatalf("expected a valid reservation at RAMBase after LR.W")
	}

	if err := cpu.Execute(amoInsn(0b00011, 2, 1, 0b010, 4)); err != nil { // sc.w x4, x2, (x1)
		t.Fatalf("sc.w: %v", err)
	}
	if cpu.X[4] != 0 {
		t.Fatalf("sc.w result = %d, want 0 (success)", cpu.X[4])
	}
	v, err := cpu.Bus.Read32(RAMBase)
	if err != nil {
		t.Fatalf("Read32: %v", err)
	}
	if v != 0x42 {
		t.Fatalf("RAM[RAMBase] = %#x, want 0x42", v)
	}
}

func TestSCFailsWithoutPriorLR(t *testing.T) {
	cpu := newTestCPU(0x1000)
	cpu.X[1] = RAMBase
	cpu.X[2] = 0x99

	if err := cpu.Execute(amoInsn(0b00011, 2, 1, 0b010, 4)); err != nil {
		t.Fatalf("sc.w: %v", err)
	}
	if cpu.X[4] != 1 {
		t.Fatalf("sc.w result = %d, want 1 (failure, no reservation)", cpu.X[4])
	}
}

func TestSCFailsAfterReservationAddressMismatch(t *testing.T) {
	cpu := newTestCPU(0x1000)
	cpu.X[1] = RAMBase
	if err := cpu.Execute(amoInsn(0b00010, 0, 1, 0b010, 3)); err != nil { // lr.w at RAMBase
		t.Fatalf("lr.w: %v", err)
	}
	cpu.X[1] = RAMBase + 8 // a different address
	if err := cpu.Execute(amoInsn(0b00011, 2, 1, 0b010, 4)); err != nil {
		t.Fatalf("sc.w: %v", err)
	}
	if cpu.X[4] != 1 {
		t.Fatalf("sc.w result = %d, want 1 (failure, address mismatch)", cpu.X[4])
	}
}

func TestAmoswapReturnsOldValue(t *testing.T) {
	cpu := newTestCPU(0x1000)
	cpu.X[1] = RAMBase
	cpu.X[2] = 0x7
	if err := cpu.Bus.Write64(RAMBase, 0x1234); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := cpu.Execute(amoInsn(0b00001, 2, 1, 0b011, 3)); err != nil { // amoswap.d x3, x2, (x1)
		t.Fatalf("amoswap.d: %v", err)
	}
	if cpu.X[3] != 0x1234 {
		t.Fatalf("x3 = %#x, want old value 0x1234", cpu.X[3])
	}
	v, _ := cpu.Bus.Read64(RAMBase)
	if v != 0x7 {
		t.Fatalf("RAM[RAMBase] = %#x, want 0x7", v)
	}
}

func TestAmoaddAccumulates(t *testing.T) {
	cpu := newTestCPU(0x1000)
	cpu.X[1] = RAMBase
	cpu.X[2] = 5
	if err := cpu.Bus.Write32(RAMBase, 10); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := cpu.Execute(amoInsn(0b00000, 2, 1, 0b010, 3)); err != nil { // amoadd.w x3, x2, (x1)
		t.Fatalf("amoadd.w: %v", err)
	}
	if cpu.X[3] != 10 {
		t.Fatalf("x3 = %d, want 10 (old value)", cpu.X[3])
	}
	v, _ := cpu.Bus.Read32(RAMBase)
	if v != 15 {
		t.Fatalf("RAM[RAMBase] = %d, want 15", v)
	}
}

func TestAmoWordMisalignedRaisesStoreAddrMisaligned(t *testing.T) {
	cpu := newTestCPU(0x1000)
	cpu.X[1] = RAMBase + 1
	cpu.X[2] = 0x42

	err := cpu.Execute(amoInsn(0b00000, 2, 1, 0b010, 3)) // amoadd.w at a non-4-aligned address
	if err == nil {
		t.Fatalf("expected a misaligned-address exception for a word AMO at addr&3!=0")
	}
	exc, ok := err.(csr.Exception)
	if !ok || exc.Cause != csr.CauseStoreAddrMisaligned {
		t.Fatalf("err = %v, want CauseStoreAddrMisaligned", err)
	}
}

func TestAmoDoublewordMisalignedRaisesStoreAddrMisaligned(t *testing.T) {
	cpu := newTestCPU(0x1000)
	cpu.X[1] = RAMBase + 4
	cpu.X[2] = 0x42

	err := cpu.Execute(amoInsn(0b00000, 2, 1, 0b011, 3)) // amoadd.d at a non-8-aligned address
	if err == nil {
		t.Fatalf("expected a misaligned-address exception for a doubleword AMO at addr&7!=0")
	}
	exc, ok := err.(csr.Exception)
	if !ok || exc.Cause != csr.CauseStoreAddrMisaligned {
		t.Fatalf("err = %v, want CauseStoreAddrMisaligned", err)
	}
}
