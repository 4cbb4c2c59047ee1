package rv64

import (
	"github.com/tinyrange/riscv-vm/internal/riscv/bus"
	"github.com/tinyrange/riscv-vm/internal/riscv/csr"
	"github.com/tinyrange/riscv-vm/internal/riscv/mmu"
)

// newTestCPU builds a bare CPU with flat RAM and paging disabled (Satp
// left at its SatpModeOff default), so execute-level tests exercise the
// interpreter without needing a full system.System.
func newTestCPU(ramSize uint64) *CPU {
	b := bus.New(RAMBase, ramSize)
	csrFile := csr.New(64)
	m := mmu.New(csrFile, b)
	return New(csrFile, b, m)
}
