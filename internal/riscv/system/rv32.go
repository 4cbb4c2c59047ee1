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
	"github.com/tinyrange/riscv-vm/internal/riscv/rv32"
	"github.com/tinyrange/riscv-vm/internal/vmlog"
)

// RV32 memory map, per spec.md's EXTERNAL INTERFACES table (the RV32
// variant column).
const (
	RV32CLINTBase  uint64 = 0x0200_0000
	RV32UARTBase   uint64 = 0x0300_0000
	RV32PLICBase   uint64 = 0x0400_0000
	RV32VirtIOBase uint64 = 0x2000_0000
	RV32DRAMBase   uint64 = 0x8000_0000

	rv32UARTIRQ   uint32 = 10
	rv32VirtIOIRQ uint32 = 1
)

// System32 is a single-hart RV32IMAFD/Sv32 SoC.
type System32 struct {
	CSR    *csr.File
	Bus    *bus.Bus
	MMU    *mmu.MMU
	CPU    *rv32.CPU
	CLINT  *clint.CLINT
	PLIC   *plic.PLIC
	UART   *uart.UART
	VirtIO *virtio.MMIO

	// Log receives boot milestones, SBI tracing, and trap/exception
	// tracing at Debug level; see System64.Log's doc comment.
	Log *slog.Logger
}

func NewSystem32(ramSize uint64, uartOut io.Writer, uartIn io.Reader, mountTag string, fs ninep.FileServer) *System32 {
	csrFile := csr.New(32)
	b := bus.New(RV32DRAMBase, ramSize)
	m := mmu.New(csrFile, b)
	cpu := rv32.New(csrFile, b, m)

	c := clint.New(csrFile)
	p := plic.New(csrFile)
	u := uart.New(uartOut, uartIn)
	v := virtio.New(b, p, rv32VirtIOIRQ, mountTag, fs)

	u.OnInterrupt = func(pending bool) { p.SetPending(rv32UARTIRQ, pending) }
	cpu.TimeSource = c.Mtime

	b.AddDevice(RV32CLINTBase, c)
	b.AddDevice(RV32PLICBase, p)
	b.AddDevice(RV32UARTBase, u)
	b.AddDevice(RV32VirtIOBase, v)

	sys := &System32{CSR: csrFile, Bus: b, MMU: m, CPU: cpu, CLINT: c, PLIC: p, UART: u, VirtIO: v, Log: vmlog.Discard()}
	cpu.SBIHandler = sys.handleSBI
	return sys
}

// BootLinux mirrors System64.BootLinux, narrowed to 32-bit registers/PC.
func (s *System32) BootLinux(hartid, dtbAddr, kernelEntry uint32) {
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

// DTB builds the device tree Linux expects at dtbAddr for this System,
// with the 32-bit #address-cells/#size-cells and riscv,sv32 mmu-type
// SPEC_FULL.md's RV32 pipeline calls for.
func (s *System32) DTB(cmdline string) []byte {
	return dtb.Generate(dtb.MemoryMap{
		XLen:        32,
		RAMBase:     RV32DRAMBase,
		RAMSize:     uint64(len(s.Bus.RAM.Data)),
		CLINTBase:   RV32CLINTBase,
		CLINTSize:   s.CLINT.Size(),
		PLICBase:    RV32PLICBase,
		PLICSize:    s.PLIC.Size(),
		PLICNumDevs: plic.MaxSources,
		UARTBase:    RV32UARTBase,
		UARTSize:    s.UART.Size(),
		UARTIRQ:     rv32UARTIRQ,
		VirtIOBase:  RV32VirtIOBase,
		VirtIOSize:  s.VirtIO.Size(),
		VirtIOIRQ:   rv32VirtIOIRQ,
		MMUType:     "riscv,sv32",
		ISAString:   "rv32imafd_zicsr_zifencei",
	}, cmdline)
}

func (s *System32) Run(maxInstructions uint64) error {
	var sinceTick uint64
	for i := uint64(0); i < maxInstructions; i++ {
		if s.CPU.WFI {
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

func (s *System32) handleSBI(cpu *rv32.CPU) error {
	ext := uint64(cpu.X[17])
	fid := uint64(cpu.X[16])

	var errCode int64 = SBISuccess
	var val uint64

	switch ext {
	case SBIExtLegacySetTimer:
		s.CLINT.SetTimecmp(uint64(cpu.X[10]))
		s.CSR.Mip &^= csr.MipSTIP
	case SBIExtLegacyPutchar:
		s.UART.Write(0, 1, uint64(cpu.X[10])&0xff)
	case SBIExtLegacyGetchar:
		val = 0xffffffff
	case SBIExtBase:
		errCode, val = s.handleSBIBase(fid, uint64(cpu.X[10]))
	case SBIExtTimer:
		if fid == SBITimerSetTimer {
			s.CLINT.SetTimecmp(uint64(cpu.X[10]))
			s.CSR.Mip &^= csr.MipSTIP
		} else {
			errCode = SBIErrNotSupported
		}
	case SBIExtIPI, SBIExtRFence:
	case SBIExtHSM:
		errCode, val = handleSBIHSM(fid, uint64(cpu.X[10]))
	case SBIExtSRST:
		return ErrHalt
	default:
		s.Log.Debug("sbi: unsupported extension", "ext", fmt.Sprintf("0x%x", ext), "fid", fid)
		errCode = SBIErrNotSupported
	}

	cpu.X[10] = uint32(errCode)
	cpu.X[11] = uint32(val)
	return nil
}

func (s *System32) handleSBIBase(fid, a0 uint64) (int64, uint64) {
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
