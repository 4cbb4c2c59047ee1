package rv32

import (
	"github.com/tinyrange/riscv-vm/internal/riscv/bus"
	"github.com/tinyrange/riscv-vm/internal/riscv/csr"
	"github.com/tinyrange/riscv-vm/internal/riscv/mmu"
)

func newTestCPU(ramSize uint64) *CPU {
	b := bus.New(RAMBase, ramSize)
	csrFile := csr.New(32)
	m := mmu.New(csrFile, b)
	return New(csrFile, b, m)
}
