package rv32

import (
	"github.com/tinyrange/riscv-vm/internal/riscv/csr"
	"github.com/tinyrange/riscv-vm/internal/riscv/isa"
	"github.com/tinyrange/riscv-vm/internal/riscv/mmu"
)

func exc(cause, tval uint64) error { return csr.NewException(cause, tval) }

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
	case isa.OpOp:
		return cpu.execOp(insn)
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
	cpu.WriteReg(isa.Rd(insn), uint32(isa.ImmU(insn)))
	return nil
}

func (cpu *CPU) execAuipc(insn uint32) error {
	cpu.WriteReg(isa.Rd(insn), uint32(int32(cpu.PC)+int32(isa.ImmU(insn))))
	return nil
}

func (cpu *CPU) execJal(insn uint32) error {
	target := uint32(int32(cpu.PC) + int32(isa.ImmJ(insn)))
	cpu.WriteReg(isa.Rd(insn), cpu.PC+4)
	cpu.PC = target
	return nil
}

func (cpu *CPU) execJalr(insn uint32) error {
	target := uint32(int32(cpu.ReadReg(isa.Rs1(insn)))+int32(isa.ImmI(insn))) &^ 1
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
		taken = int32(r1) < int32(r2)
	case 0b101:
		taken = int32(r1) >= int32(r2)
	case 0b110:
		taken = r1 < r2
	case 0b111:
		taken = r1 >= r2
	default:
		return exc(csr.CauseIllegalInsn, uint64(insn))
	}

	if taken {
		cpu.PC = uint32(int32(cpu.PC) + int32(isa.ImmB(insn)))
	}
	return nil
}

// execLoad translates through the MMU and performs a sized load.
// Misaligned H/W loads fall back to a byte-wise read (loadBytesWise)
// rather than a bulk Bus call.
func (cpu *CPU) execLoad(insn uint32) error {
	vaddr := uint32(int32(cpu.ReadReg(isa.Rs1(insn))) + int32(isa.ImmI(insn)))
	paddr, err := cpu.MMU.TranslateRead(uint64(vaddr))
	if err != nil {
		return retag(err, vaddr)
	}

	var val uint32
	switch isa.Funct3(insn) {
	case 0b000:
		v, e := cpu.Bus.Read8(paddr)
		val = uint32(int8(v))
		err = e
	case 0b001:
		if vaddr&1 != 0 {
			raw, e := cpu.loadBytesWise(vaddr, paddr, 2)
			if e != nil {
				return e
			}
			val, err = uint32(int16(raw)), nil
		} else {
			v, e := cpu.Bus.Read16(paddr)
			val, err = uint32(int16(v)), e
		}
	case 0b010:
		if vaddr&3 != 0 {
			raw, e := cpu.loadBytesWise(vaddr, paddr, 4)
			if e != nil {
				return e
			}
			val, err = raw, nil
		} else {
			val, err = cpu.Bus.Read32(paddr)
		}
	case 0b100:
		v, e := cpu.Bus.Read8(paddr)
		val = uint32(v)
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
			val, err = uint32(v), e
		}
	default:
		return exc(csr.CauseIllegalInsn, uint64(insn))
	}
	if err != nil {
		return exc(csr.CauseLoadAccessFault, uint64(vaddr))
	}

	cpu.WriteReg(isa.Rd(insn), val)
	return nil
}

func (cpu *CPU) execStore(insn uint32) error {
	vaddr := uint32(int32(cpu.ReadReg(isa.Rs1(insn))) + int32(isa.ImmS(insn)))
	paddr, err := cpu.MMU.TranslateWrite(uint64(vaddr))
	if err != nil {
		return retag(err, vaddr)
	}

	val := cpu.ReadReg(isa.Rs2(insn))
	switch isa.Funct3(insn) {
	case 0b000:
		err = cpu.Bus.Write8(paddr, uint8(val))
	case 0b001:
		if vaddr&1 != 0 {
			return cpu.storeBytesWise(vaddr, paddr, uint32(val), 2)
		}
		err = cpu.Bus.Write16(paddr, uint16(val))
	case 0b010:
		if vaddr&3 != 0 {
			return cpu.storeBytesWise(vaddr, paddr, val, 4)
		}
		err = cpu.Bus.Write32(paddr, val)
	default:
		return exc(csr.CauseIllegalInsn, uint64(insn))
	}
	if err != nil {
		return exc(csr.CauseStoreAccessFault, uint64(vaddr))
	}
	return nil
}

// loadBytesWise emulates a misaligned multi-byte load one byte at a
// time. paddr0 is vaddr's already-translated physical address; a byte
// whose address crosses onto a different page than vaddr is
// re-translated individually rather than assumed contiguous with
// paddr0, since the two pages need not be physically adjacent.
func (cpu *CPU) loadBytesWise(vaddr uint32, paddr0 uint64, size int) (uint32, error) {
	var v uint32
	for i := 0; i < size; i++ {
		cur := vaddr + uint32(i)
		paddr := paddr0 + uint64(i)
		if cur>>mmu.PageShift != vaddr>>mmu.PageShift {
			p, err := cpu.MMU.TranslateRead(uint64(cur))
			if err != nil {
				return 0, retag(err, cur)
			}
			paddr = p
		}
		b, err := cpu.Bus.Read8(paddr)
		if err != nil {
			return 0, exc(csr.CauseLoadAccessFault, uint64(cur))
		}
		v |= uint32(b) << (8 * uint(i))
	}
	return v, nil
}

// storeBytesWise is loadBytesWise's write-side counterpart.
func (cpu *CPU) storeBytesWise(vaddr uint32, paddr0 uint64, val uint32, size int) error {
	for i := 0; i < size; i++ {
		cur := vaddr + uint32(i)
		paddr := paddr0 + uint64(i)
		if cur>>mmu.PageShift != vaddr>>mmu.PageShift {
			p, err := cpu.MMU.TranslateWrite(uint64(cur))
			if err != nil {
				return retag(err, cur)
			}
			paddr = p
		}
		if err := cpu.Bus.Write8(paddr, uint8(val>>(8*uint(i)))); err != nil {
			return exc(csr.CauseStoreAccessFault, uint64(cur))
		}
	}
	return nil
}

// loadBytesWiseWide is loadBytesWise widened to a uint64 accumulator,
// for RV32D's FLD (an 8-byte access from a 32-bit-register machine).
func (cpu *CPU) loadBytesWiseWide(vaddr uint32, paddr0 uint64, size int) (uint64, error) {
	var v uint64
	for i := 0; i < size; i++ {
		cur := vaddr + uint32(i)
		paddr := paddr0 + uint64(i)
		if cur>>mmu.PageShift != vaddr>>mmu.PageShift {
			p, err := cpu.MMU.TranslateRead(uint64(cur))
			if err != nil {
				return 0, retag(err, cur)
			}
			paddr = p
		}
		b, err := cpu.Bus.Read8(paddr)
		if err != nil {
			return 0, exc(csr.CauseLoadAccessFault, uint64(cur))
		}
		v |= uint64(b) << (8 * uint(i))
	}
	return v, nil
}

// storeBytesWiseWide is loadBytesWiseWide's write-side counterpart, for FSD.
func (cpu *CPU) storeBytesWiseWide(vaddr uint32, paddr0 uint64, val uint64, size int) error {
	for i := 0; i < size; i++ {
		cur := vaddr + uint32(i)
		paddr := paddr0 + uint64(i)
		if cur>>mmu.PageShift != vaddr>>mmu.PageShift {
			p, err := cpu.MMU.TranslateWrite(uint64(cur))
			if err != nil {
				return retag(err, cur)
			}
			paddr = p
		}
		if err := cpu.Bus.Write8(paddr, uint8(val>>(8*uint(i)))); err != nil {
			return exc(csr.CauseStoreAccessFault, uint64(cur))
		}
	}
	return nil
}

func retag(err error, vaddr uint32) error {
	if e, ok := err.(csr.Exception); ok {
		e.Tval = uint64(vaddr)
		return e
	}
	return err
}

func (cpu *CPU) execOpImm(insn uint32) error {
	r1 := cpu.ReadReg(isa.Rs1(insn))
	imm := int32(isa.ImmI(insn))
	sh := isa.Shamt32(insn)

	var val uint32
	switch isa.Funct3(insn) {
	case 0b000:
		val = uint32(int32(r1) + imm)
	case 0b001:
		val = r1 << sh
	case 0b010:
		if int32(r1) < imm {
			val = 1
		}
	case 0b011:
		if r1 < uint32(imm) {
			val = 1
		}
	case 0b100:
		val = r1 ^ uint32(imm)
	case 0b101:
		if (insn>>30)&1 == 1 {
			val = uint32(int32(r1) >> sh)
		} else {
			val = r1 >> sh
		}
	case 0b110:
		val = r1 | uint32(imm)
	case 0b111:
		val = r1 & uint32(imm)
	default:
		return exc(csr.CauseIllegalInsn, uint64(insn))
	}
	cpu.WriteReg(isa.Rd(insn), val)
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

	var val uint32
	switch f3 {
	case 0b000:
		if f7 == 0b0100000 {
			val = uint32(int32(r1) - int32(r2))
		} else {
			val = uint32(int32(r1) + int32(r2))
		}
	case 0b001:
		val = r1 << (r2 & 0x1f)
	case 0b010:
		if int32(r1) < int32(r2) {
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
			val = uint32(int32(r1) >> (r2 & 0x1f))
		} else {
			val = r1 >> (r2 & 0x1f)
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

func (cpu *CPU) execOpM(insn uint32, r1, r2 uint32, f3 uint32) error {
	var val uint32
	switch f3 {
	case 0b000:
		val = uint32(int32(r1) * int32(r2))
	case 0b001:
		hi, _ := mulh32(int32(r1), int32(r2))
		val = uint32(hi)
	case 0b010:
		hi, _ := mulhsu32(int32(r1), r2)
		val = uint32(hi)
	case 0b011:
		hi, _ := mulhu32(r1, r2)
		val = hi
	case 0b100:
		if r2 == 0 {
			val = ^uint32(0)
		} else if r1 == uint32(1<<31) && r2 == ^uint32(0) {
			val = r1
		} else {
			val = uint32(int32(r1) / int32(r2))
		}
	case 0b101:
		if r2 == 0 {
			val = ^uint32(0)
		} else {
			val = r1 / r2
		}
	case 0b110:
		if r2 == 0 {
			val = r1
		} else if r1 == uint32(1<<31) && r2 == ^uint32(0) {
			val = 0
		} else {
			val = uint32(int32(r1) % int32(r2))
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

func mulhu32(a, b uint32) (uint32, uint32) {
	p := uint64(a) * uint64(b)
	return uint32(p >> 32), uint32(p)
}

func mulh32(a, b int32) (int32, uint32) {
	p := int64(a) * int64(b)
	return int32(p >> 32), uint32(p)
}

func mulhsu32(a int32, b uint32) (int32, uint32) {
	p := int64(a) * int64(b)
	return int32(p >> 32), uint32(p)
}

func (cpu *CPU) execMiscMem(insn uint32) error {
	switch isa.Funct3(insn) {
	case 0b000, 0b001:
	default:
		return exc(csr.CauseIllegalInsn, uint64(insn))
	}
	return nil
}

// execSystem mirrors rv64's, adapted for the 32-bit register file;
// Cycle/Instret/Time interception works identically.
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
			return exc(csr.CauseBreakpoint, uint64(cpu.PC))
		case 0x30200073: // MRET
			if cpu.CSR.Priv != csr.PrivMachine {
				return exc(csr.CauseIllegalInsn, uint64(insn))
			}
			cpu.PC = uint32(cpu.CSR.HandleMRET())
			return nil
		case 0x10200073: // SRET
			if cpu.CSR.Priv < csr.PrivSupervisor {
				return exc(csr.CauseIllegalInsn, uint64(insn))
			}
			cpu.PC = uint32(cpu.CSR.HandleSRET())
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

	rs1Val := uint64(cpu.ReadReg(rs1Reg))
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
	case 1:
		writeVal, doWrite = rs1Val, true
	case 2:
		writeVal, doWrite = csrVal|rs1Val, rs1Reg != 0
	case 3:
		writeVal, doWrite = csrVal&^rs1Val, rs1Reg != 0
	default:
		return exc(csr.CauseIllegalInsn, uint64(insn))
	}

	if doWrite {
		if err := cpu.writeCSR(csrAddr, writeVal); err != nil {
			return err
		}
	}
	cpu.WriteReg(rdReg, uint32(csrVal))
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
		return nil
	default:
		return cpu.CSR.Write(addr, val)
	}
}
