package rv64

import (
	"github.com/tinyrange/riscv-vm/internal/riscv/csr"
	"github.com/tinyrange/riscv-vm/internal/riscv/isa"
	"github.com/tinyrange/riscv-vm/internal/riscv/mmu"
)

func exc(cause, tval uint64) error { return csr.NewException(cause, tval) }

// Execute decodes and runs a single 32-bit (already-expanded, if it
// originated compressed) instruction.
func (cpu *CPU) Execute(insn uint32) error {
	switch isa.Opcode(insn) {
	case isa.OpLui:
		return cpu.execLui(insn)
	case isa.OpAuipc:
		return cpu.execAuipc(insn)
	case isa.OpJal:
		return cpu.execJal(insn)
	case isa.OpJalr:
		return cpu.execJalr(insn)
	case isa.OpBranch:
		return cpu.execBranch(insn)
	case isa.OpLoad:
		return cpu.execLoad(insn)
	case isa.OpStore:
		return cpu.execStore(insn)
	case isa.OpOpImm:
		return cpu.execOpImm(insn)
	case isa.OpOpImm32:
		return cpu.execOpImm32(insn)
	case isa.OpOp:
		return cpu.execOp(insn)
	case isa.OpOp32:
		return cpu.execOp32(insn)
	case isa.OpMiscMem:
		return cpu.execMiscMem(insn)
	case isa.OpSystem:
		return cpu.execSystem(insn)
	case isa.OpAMO:
		return cpu.execAMO(insn)
	case isa.OpLoadFP:
		return cpu.execLoadFP(insn)
	case isa.OpStoreFP:
		return cpu.execStoreFP(insn)
	case isa.OpOpFP:
		return cpu.execOpFP(insn)
	case isa.OpMadd, isa.OpMsub, isa.OpNmsub, isa.OpNmadd:
		return cpu.execFMA(insn, isa.Opcode(insn))
	default:
		return exc(csr.CauseIllegalInsn, uint64(insn))
	}
}

func (cpu *CPU) execLui(insn uint32) error {
	cpu.WriteReg(isa.Rd(insn), uint64(isa.ImmU(insn)))
	return nil
}

func (cpu *CPU) execAuipc(insn uint32) error {
	cpu.WriteReg(isa.Rd(insn), uint64(int64(cpu.PC)+isa.ImmU(insn)))
	return nil
}

func (cpu *CPU) execJal(insn uint32) error {
	target := uint64(int64(cpu.PC) + isa.ImmJ(insn))
	cpu.WriteReg(isa.Rd(insn), cpu.PC+4)
	cpu.PC = target
	return nil
}

func (cpu *CPU) execJalr(insn uint32) error {
	target := uint64(int64(cpu.ReadReg(isa.Rs1(insn)))+isa.ImmI(insn)) &^ 1
	cpu.WriteReg(isa.Rd(insn), cpu.PC+4)
	cpu.PC = target
	return nil
}

func (cpu *CPU) execBranch(insn uint32) error {
	r1 := cpu.ReadReg(isa.Rs1(insn))
	r2 := cpu.ReadReg(isa.Rs2(insn))

	var taken bool
	switch isa.Funct3(insn) {
	case 0b000:
		taken = r1 == r2
	case 0b001:
		taken = r1 != r2
	case 0b100:
		taken = int64(r1) < int64(r2)
	case 0b101:
		taken = int64(r1) >= int64(r2)
	case 0b110:
		taken = r1 < r2
	case 0b111:
		taken = r1 >= r2
	default:
		return exc(csr.CauseIllegalInsn, uint64(insn))
	}

	if taken {
		cpu.PC = uint64(int64(cpu.PC) + isa.ImmB(insn))
	}
	return nil
}

// execLoad translates through the MMU and performs a sized load.
// Misaligned H/W/D loads fall back to a byte-wise read (loadBytesWise)
// rather than a bulk Bus call, per the boot protocol's tolerance for
// unaligned accesses.
func (cpu *CPU) execLoad(insn uint32) error {
	vaddr := uint64(int64(cpu.ReadReg(isa.Rs1(insn))) + isa.ImmI(insn))
	paddr, err := cpu.MMU.TranslateRead(vaddr)
	if err != nil {
		return retag(err, vaddr)
	}

	var val uint64
	switch isa.Funct3(insn) {
	case 0b000:
		v, e := cpu.Bus.Read8(paddr)
		val = uint64(int8(v))
		err = e
	case 0b001:
		if vaddr&1 != 0 {
			raw, e := cpu.loadBytesWise(vaddr, paddr, 2)
			if e != nil {
				return e
			}
			val, err = uint64(int16(raw)), nil
		} else {
			v, e := cpu.Bus.Read16(paddr)
			val, err = uint64(int16(v)), e
		}
	case 0b010:
		if vaddr&3 != 0 {
			raw, e := cpu.loadBytesWise(vaddr, paddr, 4)
			if e != nil {
				return e
			}
			val, err = uint64(int32(raw)), nil
		} else {
			v, e := cpu.Bus.Read32(paddr)
			val, err = uint64(int32(v)), e
		}
	case 0b011:
		if vaddr&7 != 0 {
			raw, e := cpu.loadBytesWise(vaddr, paddr, 8)
			if e != nil {
				return e
			}
			val, err = raw, nil
		} else {
			val, err = cpu.Bus.Read64(paddr)
		}
	case 0b100:
		v, e := cpu.Bus.Read8(paddr)
		val = uint64(v)
		err = e
	case 0b101:
		if vaddr&1 != 0 {
			raw, e := cpu.loadBytesWise(vaddr, paddr, 2)
			if e != nil {
				return e
			}
			val, err = raw, nil
		} else {
			v, e := cpu.Bus.Read16(paddr)
			val, err = uint64(v), e
		}
	case 0b110:
		if vaddr&3 != 0 {
			raw, e := cpu.loadBytesWise(vaddr, paddr, 4)
			if e != nil {
				return e
			}
			val, err = raw, nil
		} else {
			v, e := cpu.Bus.Read32(paddr)
			val, err = uint64(v), e
		}
	default:
		return exc(csr.CauseIllegalInsn, uint64(insn))
	}
	if err != nil {
		return exc(csr.CauseLoadAccessFault, vaddr)
	}

	cpu.WriteReg(isa.Rd(insn), val)
	return nil
}

func (cpu *CPU) execStore(insn uint32) error {
	vaddr := uint64(int64(cpu.ReadReg(isa.Rs1(insn))) + isa.ImmS(insn))
	paddr, err := cpu.MMU.TranslateWrite(vaddr)
	if err != nil {
		return retag(err, vaddr)
	}

	val := cpu.ReadReg(isa.Rs2(insn))
	switch isa.Funct3(insn) {
	case 0b000:
		err = cpu.Bus.Write8(paddr, uint8(val))
	case 0b001:
		if vaddr&1 != 0 {
			return cpu.storeBytesWise(vaddr, paddr, val, 2)
		}
		err = cpu.Bus.Write16(paddr, uint16(val))
	case 0b010:
		if vaddr&3 != 0 {
			return cpu.storeBytesWise(vaddr, paddr, val, 4)
		}
		err = cpu.Bus.Write32(paddr, uint32(val))
	case 0b011:
		if vaddr&7 != 0 {
			return cpu.storeBytesWise(vaddr, paddr, val, 8)
		}
		err = cpu.Bus.Write64(paddr, val)
	default:
		return exc(csr.CauseIllegalInsn, uint64(insn))
	}
	if err != nil {
		return exc(csr.CauseStoreAccessFault, vaddr)
	}
	return nil
}

// loadBytesWise emulates a misaligned multi-byte load one byte at a
// time. paddr0 is vaddr's already-translated physical address; a byte
// whose address crosses onto a different page than vaddr is
// re-translated individually rather than assumed contiguous with
// paddr0, since the two pages need not be physically adjacent.
func (cpu *CPU) loadBytesWise(vaddr, paddr0 uint64, size int) (uint64, error) {
	var v uint64
	for i := 0; i < size; i++ {
		cur := vaddr + uint64(i)
		paddr := paddr0 + uint64(i)
		if cur>>mmu.PageShift != vaddr>>mmu.PageShift {
			p, err := cpu.MMU.TranslateRead(cur)
			if err != nil {
				return 0, retag(err, cur)
			}
			paddr = p
		}
		b, err := cpu.Bus.Read8(paddr)
		if err != nil {
			return 0, exc(csr.CauseLoadAccessFault, cur)
		}
		v |= uint64(b) << (8 * uint(i))
	}
	return v, nil
}

// storeBytesWise is loadBytesWise's write-side counterpart.
func (cpu *CPU) storeBytesWise(vaddr, paddr0, val uint64, size int) error {
	for i := 0; i < size; i++ {
		cur := vaddr + uint64(i)
		paddr := paddr0 + uint64(i)
		if cur>>mmu.PageShift != vaddr>>mmu.PageShift {
			p, err := cpu.MMU.TranslateWrite(cur)
			if err != nil {
				return retag(err, cur)
			}
			paddr = p
		}
		if err := cpu.Bus.Write8(paddr, uint8(val>>(8*uint(i)))); err != nil {
			return exc(csr.CauseStoreAccessFault, cur)
		}
	}
	return nil
}

// retag rewrites a page-fault Exception's tval to the faulting vaddr,
// since the MMU doesn't know which instruction/displacement produced it.
func retag(err error, vaddr uint64) error {
	if e, ok := err.(csr.Exception); ok {
		e.Tval = vaddr
		return e
	}
	return err
}

func (cpu *CPU) execOpImm(insn uint32) error {
	r1 := cpu.ReadReg(isa.Rs1(insn))
	imm := isa.ImmI(insn)
	sh := isa.Shamt(insn)

	var val uint64
	switch isa.Funct3(insn) {
	case 0b000:
		val = uint64(int64(r1) + imm)
	case 0b001:
		val = r1 << sh
	case 0b010:
		if int64(r1) < imm {
			val = 1
		}
	case 0b011:
		if r1 < uint64(imm) {
			val = 1
		}
	case 0b100:
		val = r1 ^ uint64(imm)
	case 0b101:
		if (insn>>30)&1 == 1 {
			val = uint64(int64(r1) >> sh)
		} else {
			val = r1 >> sh
		}
	case 0b110:
		val = r1 | uint64(imm)
	case 0b111:
		val = r1 & uint64(imm)
	default:
		return exc(csr.CauseIllegalInsn, uint64(insn))
	}
	cpu.WriteReg(isa.Rd(insn), val)
	return nil
}

func (cpu *CPU) execOpImm32(insn uint32) error {
	r1 := uint32(cpu.ReadReg(isa.Rs1(insn)))
	imm := int32(isa.ImmI(insn))
	sh := isa.Shamt32(insn)

	var val int32
	switch isa.Funct3(insn) {
	case 0b000:
		val = int32(r1) + imm
	case 0b001:
		val = int32(r1 << sh)
	case 0b101:
		if (insn>>30)&1 == 1 {
			val = int32(r1) >> sh
		} else {
			val = int32(r1 >> sh)
		}
	default:
		return exc(csr.CauseIllegalInsn, uint64(insn))
	}
	cpu.WriteReg(isa.Rd(insn), uint64(val))
	return nil
}

func (cpu *CPU) execOp(insn uint32) error {
	r1 := cpu.ReadReg(isa.Rs1(insn))
	r2 := cpu.ReadReg(isa.Rs2(insn))
	f3 := isa.Funct3(insn)
	f7 := isa.Funct7(insn)

	if f7 == 0b0000001 {
		return cpu.execOpM(insn, r1, r2, f3)
	}

	var val uint64
	switch f3 {
	case 0b000:
		if f7 == 0b0100000 {
			val = uint64(int64(r1) - int64(r2))
		} else {
			val = uint64(int64(r1) + int64(r2))
		}
	case 0b001:
		val = r1 << (r2 & 0x3f)
	case 0b010:
		if int64(r1) < int64(r2) {
			val = 1
		}
	case 0b011:
		if r1 < r2 {
			val = 1
		}
	case 0b100:
		val = r1 ^ r2
	case 0b101:
		if f7 == 0b0100000 {
			val = uint64(int64(r1) >> (r2 & 0x3f))
		} else {
			val = r1 >> (r2 & 0x3f)
		}
	case 0b110:
		val = r1 | r2
	case 0b111:
		val = r1 & r2
	default:
		return exc(csr.CauseIllegalInsn, uint64(insn))
	}
	cpu.WriteReg(isa.Rd(insn), val)
	return nil
}

func (cpu *CPU) execOpM(insn uint32, r1, r2 uint64, f3 uint32) error {
	var val uint64
	switch f3 {
	case 0b000:
		val = uint64(int64(r1) * int64(r2))
	case 0b001:
		hi, _ := mulh64(int64(r1), int64(r2))
		val = uint64(hi)
	case 0b010:
		hi, _ := mulhsu64(int64(r1), r2)
		val = uint64(hi)
	case 0b011:
		hi, _ := mulhu64(r1, r2)
		val = hi
	case 0b100:
		if r2 == 0 {
			val = ^uint64(0)
		} else if r1 == uint64(1<<63) && r2 == ^uint64(0) {
			val = r1
		} else {
			val = uint64(int64(r1) / int64(r2))
		}
	case 0b101:
		if r2 == 0 {
			val = ^uint64(0)
		} else {
			val = r1 / r2
		}
	case 0b110:
		if r2 == 0 {
			val = r1
		} else if r1 == uint64(1<<63) && r2 == ^uint64(0) {
			val = 0
		} else {
			val = uint64(int64(r1) % int64(r2))
		}
	case 0b111:
		if r2 == 0 {
			val = r1
		} else {
			val = r1 % r2
		}
	default:
		return exc(csr.CauseIllegalInsn, uint64(insn))
	}
	cpu.WriteReg(isa.Rd(insn), val)
	return nil
}

func (cpu *CPU) execOp32(insn uint32) error {
	r1 := uint32(cpu.ReadReg(isa.Rs1(insn)))
	r2 := uint32(cpu.ReadReg(isa.Rs2(insn)))
	f3 := isa.Funct3(insn)
	f7 := isa.Funct7(insn)

	if f7 == 0b0000001 {
		return cpu.execOp32M(insn, r1, r2, f3)
	}

	var val int32
	switch f3 {
	case 0b000:
		if f7 == 0b0100000 {
			val = int32(r1) - int32(r2)
		} else {
			val = int32(r1) + int32(r2)
		}
	case 0b001:
		val = int32(r1 << (r2 & 0x1f))
	case 0b101:
		if f7 == 0b0100000 {
			val = int32(r1) >> (r2 & 0x1f)
		} else {
			val = int32(r1 >> (r2 & 0x1f))
		}
	default:
		return exc(csr.CauseIllegalInsn, uint64(insn))
	}
	cpu.WriteReg(isa.Rd(insn), uint64(val))
	return nil
}

func (cpu *CPU) execOp32M(insn uint32, r1, r2 uint32, f3 uint32) error {
	var val int32
	switch f3 {
	case 0b000:
		val = int32(r1) * int32(r2)
	case 0b100:
		if r2 == 0 {
			val = -1
		} else if r1 == uint32(1<<31) && r2 == ^uint32(0) {
			val = int32(r1)
		} else {
			val = int32(r1) / int32(r2)
		}
	case 0b101:
		if r2 == 0 {
			val = -1
		} else {
			val = int32(r1 / r2)
		}
	case 0b110:
		if r2 == 0 {
			val = int32(r1)
		} else if r1 == uint32(1<<31) && r2 == ^uint32(0) {
			val = 0
		} else {
			val = int32(r1) % int32(r2)
		}
	case 0b111:
		if r2 == 0 {
			val = int32(r1)
		} else {
			val = int32(r1 % r2)
		}
	default:
		return exc(csr.CauseIllegalInsn, uint64(insn))
	}
	cpu.WriteReg(isa.Rd(insn), uint64(val))
	return nil
}

func (cpu *CPU) execMiscMem(insn uint32) error {
	switch isa.Funct3(insn) {
	case 0b000, 0b001: // FENCE, FENCE.I: no-op in a single-hart emulator
	default:
		return exc(csr.CauseIllegalInsn, uint64(insn))
	}
	return nil
}

func mulhu64(a, b uint64) (uint64, uint64) {
	const mask32 = 0xFFFFFFFF
	a0, a1 := a&mask32, a>>32
	b0, b1 := b&mask32, b>>32

	p0 := a0 * b0
	p1 := a0 * b1
	p2 := a1 * b0
	p3 := a1 * b1

	carry := ((p0 >> 32) + (p1 & mask32) + (p2 & mask32)) >> 32
	hi := p3 + (p1 >> 32) + (p2 >> 32) + carry
	lo := a * b
	return hi, lo
}

func mulh64(a, b int64) (int64, uint64) {
	neg := (a < 0) != (b < 0)
	ua, ub := uint64(a), uint64(b)
	if a < 0 {
		ua = uint64(-a)
	}
	if b < 0 {
		ub = uint64(-b)
	}
	hi, lo := mulhu64(ua, ub)
	if neg {
		lo = ^lo + 1
		hi = ^hi
		if lo == 0 {
			hi++
		}
	}
	return int64(hi), lo
}

func mulhsu64(a int64, b uint64) (int64, uint64) {
	neg := a < 0
	ua := uint64(a)
	if a < 0 {
		ua = uint64(-a)
	}
	hi, lo := mulhu64(ua, b)
	if neg {
		lo = ^lo + 1
		hi = ^hi
		if lo == 0 {
			hi++
		}
	}
	return int64(hi), lo
}

// execSystem handles ECALL/EBREAK/MRET/SRET/WFI/SFENCE.VMA and the CSR
// instruction family. Cycle/Instret/Time are intercepted here, ahead of
// csr.File.Read, since those three counters are driven by the owning
// engine (retired-instruction count, CLINT.Mtime) rather than by the CSR
// file itself.
func (cpu *CPU) execSystem(insn uint32) error {
	f3 := isa.Funct3(insn)
	csrAddr := uint16(insn >> 20)
	rdReg := isa.Rd(insn)
	rs1Reg := isa.Rs1(insn)

	if f3 == 0 {
		switch insn {
		case 0x00000073: // ECALL
			switch cpu.CSR.Priv {
			case csr.PrivUser:
				return exc(csr.CauseEcallFromU, 0)
			case csr.PrivSupervisor:
				return exc(csr.CauseEcallFromS, 0)
			default:
				return exc(csr.CauseEcallFromM, 0)
			}
		case 0x00100073: // EBREAK
			return exc(csr.CauseBreakpoint, cpu.PC)
		case 0x30200073: // MRET
			if cpu.CSR.Priv != csr.PrivMachine {
				return exc(csr.CauseIllegalInsn, uint64(insn))
			}
			cpu.PC = cpu.CSR.HandleMRET()
			return nil
		case 0x10200073: // SRET
			if cpu.CSR.Priv < csr.PrivSupervisor {
				return exc(csr.CauseIllegalInsn, uint64(insn))
			}
			cpu.PC = cpu.CSR.HandleSRET()
			return nil
		case 0x10500073: // WFI
			cpu.WFI = true
			return nil
		default:
			if insn>>25 == 0b0001001 { // SFENCE.VMA
				cpu.CSR.SFENCEVMA()
				return nil
			}
			return exc(csr.CauseIllegalInsn, uint64(insn))
		}
	}

	rs1Val := cpu.ReadReg(rs1Reg)
	if f3 >= 5 {
		rs1Val = uint64(rs1Reg)
	}

	csrVal, err := cpu.readCSR(csrAddr)
	if err != nil {
		return err
	}

	var writeVal uint64
	var doWrite bool
	switch f3 & 3 {
	case 1: // CSRRW(I)
		writeVal, doWrite = rs1Val, true
	case 2: // CSRRS(I)
		writeVal, doWrite = csrVal|rs1Val, rs1Reg != 0
	case 3: // CSRRC(I)
		writeVal, doWrite = csrVal&^rs1Val, rs1Reg != 0
	default:
		return exc(csr.CauseIllegalInsn, uint64(insn))
	}

	if doWrite {
		if err := cpu.writeCSR(csrAddr, writeVal); err != nil {
			return err
		}
	}
	cpu.WriteReg(rdReg, csrVal)
	return nil
}

func (cpu *CPU) readCSR(addr uint16) (uint64, error) {
	switch addr {
	case csr.Cycle, csr.Instret:
		return cpu.Instret, nil
	case csr.Time:
		return cpu.Time(), nil
	default:
		return cpu.CSR.Read(addr)
	}
}

func (cpu *CPU) writeCSR(addr uint16, val uint64) error {
	switch addr {
	case csr.Cycle, csr.Instret, csr.Time:
		return nil // read-only counters, matching the teacher's tolerant writes
	default:
		return cpu.CSR.Write(addr, val)
	}
}
