package system

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/riscv-vm/internal/dtb"
	"github.com/tinyrange/riscv-vm/internal/ninep"
	"github.com/tinyrange/riscv-vm/internal/riscv/bus"
	"github.com/tinyrange/riscv-vm/internal/riscv/csr"
	"github.com/tinyrange/riscv-vm/internal/riscv/device/clint"
	"github.com/tinyrange/riscv-vm/internal/riscv/device/plic"
	"github.com/tinyrange/riscv-vm/internal/riscv/device/uart"
	"github.com/tinyrange/riscv-vm/internal/riscv/device/virtio"
	"github.com/tinyrange/riscv-vm/internal/riscv/mmu"
	"github.com/tinyrange/riscv-vm/internal/riscv/rv64"
	"github.com/tinyrange/riscv-vm/internal/vmlog"
)

// RV64 memory map, per spec.md's EXTERNAL INTERFACES table.
const (
	RV64CLINTBase  uint64 = 0x0200_0000
	RV64UARTBase   uint64 = 0x1000_0000
	RV64PLICBase   uint64 = 0x0C00_0000
	RV64VirtIOBase uint64 = 0x1000_1000
	RV64DRAMBase   uint64 = 0x8000_0000

	rv64UARTIRQ   uint32 = 10
	rv64VirtIOIRQ uint32 = 1
)

// System64 is a single-hart RV64IMAFDC/Sv39-48-57 SoC.
type System64 struct {
	CSR    *csr.File
	Bus    *bus.Bus
	MMU    *mmu.MMU
	CPU    *rv64.CPU
	CLINT  *clint.CLINT
	PLIC   *plic.PLIC
	UART   *uart.UART
	VirtIO *virtio.MMIO

	// Log receives boot milestones, SBI legacy-console fallback traces,
	// and trap/exception tracing at Debug level. Never the guest UART's
	// own byte stream, which always flows to UART.Output directly — see
	// DESIGN.md for why this replaces the teacher's fmt.Fprintf(DebugOutput, ...).
	Log *slog.Logger
}

// NewSystem64 builds a complete RV64 SoC with ramSize bytes of RAM at
// RV64DRAMBase, consoled over uartOut/uartIn, and a 9P transport backed
// by fs (ninep.NotImplementedServer{} if no filesystem is attached).
func NewSystem64(ramSize uint64, uartOut io.Writer, uartIn io.Reader, mountTag string, fs ninep.FileServer) *System64 {
	csrFile := csr.New(64)
	b := bus.New(RV64DRAMBase, ramSize)
	m := mmu.New(csrFile, b)
	cpu := rv64.New(csrFile, b, m)

	c := clint.New(csrFile)
	p := plic.New(csrFile)
	u := uart.New(uartOut, uartIn)
	v := virtio.New(b, p, rv64VirtIOIRQ, mountTag, fs)

	u.OnInterrupt = func(pending bool) { p.SetPending(rv64UARTIRQ, pending) }
	cpu.TimeSource = c.Mtime

	b.AddDevice(RV64CLINTBase, c)
	b.AddDevice(RV64PLICBase, p)
	b.AddDevice(RV64UARTBase, u)
	b.AddDevice(RV64VirtIOBase, v)

	sys := &System64{CSR: csrFile, Bus: b, MMU: m, CPU: cpu, CLINT: c, PLIC: p, UART: u, VirtIO: v, Log: vmlog.Discard()}
	cpu.SBIHandler = sys.handleSBI
	return sys
}

// BootLinux parks the hart in Supervisor mode at kernelEntry with a0/a1
// set to hartid/dtbAddr per the SBI boot convention, delegating the
// exceptions and interrupts Linux expects the SBI firmware to hand off.
// This is the boot-ROM stub's effect without a literal ROM image: the
// spec's hand-off contract (a0=hartid, a1=dtb, mret to S-mode at
// DRAM_BASE) is established directly on CPU state instead of being
// fetched and executed as guest code, since the stub has no architectural
// behavior beyond this.
func (s *System64) BootLinux(hartid, dtbAddr, kernelEntry uint64) {
	s.CPU.X[10] = hartid
	s.CPU.X[11] = dtbAddr
	s.CPU.PC = kernelEntry
	s.CSR.Priv = csr.PrivSupervisor
	s.CSR.Mstatus = csr.MstatusSPIE | csr.MstatusSPP | (1 << csr.MstatusFSShift)

	s.CSR.Medeleg = (1 << csr.CauseEcallFromU) |
		(1 << csr.CauseInsnAccessFault) |
		(1 << csr.CauseLoadAccessFault) |
		(1 << csr.CauseStoreAccessFault) |
		(1 << csr.CauseInsnPageFault) |
		(1 << csr.CauseLoadPageFault) |
		(1 << csr.CauseStorePageFault) |
		(1 << csr.CauseBreakpoint) |
		(1 << csr.CauseIllegalInsn)

	s.CSR.Mideleg = csr.MipSSIP | csr.MipSTIP | csr.MipSEIP
	s.CSR.Mcounteren = 0x7

	s.Log.Info("boot", "hartid", hartid, "dtb", fmt.Sprintf("0x%x", dtbAddr), "entry", fmt.Sprintf("0x%x", kernelEntry))
}

// DTB builds the device tree Linux expects to find at dtbAddr, describing
// this exact System's memory map. Sv57 is the widest mode this pipeline
// supports; satp.MODE narrows it down per-boot, same as on real hardware
// where the DTB advertises the hart's maximum, not its current mode.
func (s *System64) DTB(cmdline string) []byte {
	return dtb.Generate(dtb.MemoryMap{
		XLen:        64,
		RAMBase:     RV64DRAMBase,
		RAMSize:     uint64(len(s.Bus.RAM.Data)),
		CLINTBase:   RV64CLINTBase,
		CLINTSize:   s.CLINT.Size(),
		PLICBase:    RV64PLICBase,
		PLICSize:    s.PLIC.Size(),
		PLICNumDevs: plic.MaxSources,
		UARTBase:    RV64UARTBase,
		UARTSize:    s.UART.Size(),
		UARTIRQ:     rv64UARTIRQ,
		VirtIOBase:  RV64VirtIOBase,
		VirtIOSize:  s.VirtIO.Size(),
		VirtIOIRQ:   rv64VirtIOIRQ,
		MMUType:     "riscv,sv57",
		ISAString:   "rv64imafdc_zicsr_zifencei",
	}, cmdline)
}

// Run executes up to maxInstructions retired instructions (or fewer, if
// the hart idles past a WFI with nothing to fast-forward to, or an SRST
// SBI call halts it). Implements spec.md §4.F's outer loop: batch the
// CLINT tick advance every TimerBatch instructions; step; let the SBI
// shim intercept ecalls from S before they become traps.
func (s *System64) Run(maxInstructions uint64) error {
	var sinceTick uint64
	for i := uint64(0); i < maxInstructions; i++ {
		if s.CPU.WFI {
			// Nothing else drives wake-up in this model besides the timer
			// and external IRQs, both of which CLINT/PLIC already raise
			// into CSR.Mip directly; fast-forward straight to the next
			// tick boundary instead of spinning.
			s.CLINT.AdvanceTicks(TimerBatch)
			sinceTick = 0
			if err := s.CPU.Step(); err != nil {
				if err == ErrHalt {
					s.Log.Info("halt", "reason", "sbi srst", "instructions", i)
					return nil
				}
				return err
			}
			continue
		}

		if err := s.CPU.Step(); err != nil {
			if err == ErrHalt {
				s.Log.Info("halt", "reason", "sbi srst", "instructions", i)
				return nil
			}
			return fmt.Errorf("system: step at pc=0x%x: %w", s.CPU.PC, err)
		}

		sinceTick++
		if sinceTick >= TimerBatch {
			s.CLINT.AdvanceTicks(TimerBatch)
			sinceTick = 0
		}
	}
	return nil
}

// handleSBI implements the SBI shim: intercepted before Trap::EnvironmentCallFromS
// becomes an architectural trap. a7=EID, a6=FID, a0-a5=args; returns go
// straight back into a0 (error)/a1 (value).
func (s *System64) handleSBI(cpu *rv64.CPU) error {
	ext := cpu.X[17]
	fid := cpu.X[16]

	var errCode int64 = SBISuccess
	var val uint64

	switch ext {
	case SBIExtLegacySetTimer:
		s.CLINT.SetTimecmp(cpu.X[10])
		s.CSR.Mip &^= csr.MipSTIP
	case SBIExtLegacyPutchar:
		s.UART.Write(0, 1, cpu.X[10]&0xff)
	case SBIExtLegacyGetchar:
		val = 0xffffffffffffffff
	case SBIExtBase:
		errCode, val = s.handleSBIBase(fid, cpu.X[10])
	case SBIExtTimer:
		if fid == SBITimerSetTimer {
			s.CLINT.SetTimecmp(cpu.X[10])
			s.CSR.Mip &^= csr.MipSTIP
		} else {
			errCode = SBIErrNotSupported
		}
	case SBIExtIPI, SBIExtRFence:
		// single hart: nothing to propagate to.
	case SBIExtHSM:
		errCode, val = handleSBIHSM(fid, cpu.X[10])
	case SBIExtSRST:
		return ErrHalt
	default:
		s.Log.Debug("sbi: unsupported extension", "ext", fmt.Sprintf("0x%x", ext), "fid", fid)
		errCode = SBIErrNotSupported
	}

	cpu.X[10] = uint64(errCode)
	cpu.X[11] = val
	return nil
}

func (s *System64) handleSBIBase(fid, a0 uint64) (int64, uint64) {
	switch fid {
	case SBIBaseGetSpecVersion:
		return SBISuccess, sbiSpecVersion
	case SBIBaseGetImplID:
		return SBISuccess, 0
	case SBIBaseGetImplVersion:
		return SBISuccess, 1
	case SBIBaseProbeExtension:
		switch a0 {
		case SBIExtBase, SBIExtTimer, SBIExtIPI, SBIExtRFence, SBIExtHSM,
			SBIExtLegacySetTimer, SBIExtLegacyPutchar, SBIExtLegacyGetchar:
			return SBISuccess, 1
		default:
			return SBISuccess, 0
		}
	case SBIBaseGetMvendorID, SBIBaseGetMarchID, SBIBaseGetMimplID:
		return SBISuccess, 0
	default:
		return SBIErrNotSupported, 0
	}
}

func handleSBIHSM(fid, hartid uint64) (int64, uint64) {
	switch fid {
	case SBIHSMHartStatus:
		if hartid == 0 {
			return SBISuccess, 0
		}
		return SBIErrNotSupported, 0
	default:
		return SBISuccess, 0
	}
}
