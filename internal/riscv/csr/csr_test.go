package csr

import "testing"

func TestHandleTrapDelegatesToSWhenMedelegSet(t *testing.T) {
	f := New(64)
	f.Priv = PrivUser
	f.Medeleg = 1 << CauseEcallFromU
	f.Mstatus |= MstatusSIE

	target := f.HandleTrap(0x1000, CauseEcallFromU, 0)

	if f.Priv != PrivSupervisor {
		t.Fatalf("Priv = %d, want PrivSupervisor", f.Priv)
	}
	if f.Sepc != 0x1000 {
		t.Fatalf("Sepc = 0x%x, want 0x1000", f.Sepc)
	}
	if f.Scause != CauseEcallFromU {
		t.Fatalf("Scause = %d, want %d", f.Scause, CauseEcallFromU)
	}
	if f.Mstatus&MstatusSPIE == 0 {
		t.Fatalf("expected SPIE set from previous SIE")
	}
	if f.Mstatus&MstatusSIE != 0 {
		t.Fatalf("expected SIE cleared")
	}
	if target != f.Stvec {
		t.Fatalf("target = 0x%x, want stvec 0x%x", target, f.Stvec)
	}
}

func TestHandleTrapFallsBackToMWhenNotDelegated(t *testing.T) {
	f := New(64)
	f.Priv = PrivUser
	// Medeleg left zero: no delegation.

	f.HandleTrap(0x2000, CauseIllegalInsn, 0xdead)

	if f.Priv != PrivMachine {
		t.Fatalf("Priv = %d, want PrivMachine", f.Priv)
	}
	if f.Mepc != 0x2000 {
		t.Fatalf("Mepc = 0x%x, want 0x2000", f.Mepc)
	}
	if f.Mcause != CauseIllegalInsn {
		t.Fatalf("Mcause = %d, want %d", f.Mcause, CauseIllegalInsn)
	}
	if f.Mtval != 0xdead {
		t.Fatalf("Mtval = 0x%x, want 0xdead", f.Mtval)
	}
	gotMPP := (f.Mstatus & MstatusMPP) >> MstatusMPPShift
	if gotMPP != uint64(PrivUser) {
		t.Fatalf("MPP = %d, want PrivUser", gotMPP)
	}
}

func TestMRETRestoresPrivAndMIE(t *testing.T) {
	f := New(64)
	f.Priv = PrivMachine
	f.Mepc = 0x4000
	f.Mstatus = (f.Mstatus &^ MstatusMPP) | (uint64(PrivSupervisor) << MstatusMPPShift)
	f.Mstatus |= MstatusMPIE

	pc := f.HandleMRET()

	if pc != 0x4000 {
		t.Fatalf("resume pc = 0x%x, want 0x4000", pc)
	}
	if f.Priv != PrivSupervisor {
		t.Fatalf("Priv = %d, want PrivSupervisor", f.Priv)
	}
	if f.Mstatus&MstatusMIE == 0 {
		t.Fatalf("expected MIE restored from MPIE")
	}
}

func TestCheckInterruptPrefersHigherPrivAndMEIPOverMSIP(t *testing.T) {
	f := New(64)
	f.Priv = PrivMachine
	f.Mstatus |= MstatusMIE
	f.Mie = MipMEIP | MipMSIP | MipMTIP
	f.Mip = MipMEIP | MipMSIP

	pending, cause := f.CheckInterrupt()
	if !pending {
		t.Fatalf("expected an interrupt pending")
	}
	if cause != CauseMExternalInt {
		t.Fatalf("cause = %d, want CauseMExternalInt", cause)
	}
}

func TestCheckInterruptRespectsMIEGate(t *testing.T) {
	f := New(64)
	f.Priv = PrivMachine
	f.Mie = MipMEIP
	f.Mip = MipMEIP
	// Mstatus.MIE left clear.

	pending, _ := f.CheckInterrupt()
	if pending {
		t.Fatalf("expected no interrupt while M-mode MIE is clear")
	}
}

func TestFCSRReadWriteRoundTrip(t *testing.T) {
	f := New(64)
	f.Priv = PrivMachine

	if err := f.Write(Fcsr, 0b00100_11111); err != nil {
		t.Fatalf("write fcsr: %v", err)
	}
	v, err := f.Read(Fcsr)
	if err != nil {
		t.Fatalf("read fcsr: %v", err)
	}
	if v != 0b00100_11111 {
		t.Fatalf("fcsr = %#b, want %#b", v, 0b00100_11111)
	}
	if f.Frm != 0b00100 {
		t.Fatalf("Frm = %#b, want %#b", f.Frm, 0b00100)
	}
	if f.Fflags != 0b11111 {
		t.Fatalf("Fflags = %#b, want %#b", f.Fflags, 0b11111)
	}
}

func TestReadPrivilegeViolationRaisesIllegalInsn(t *testing.T) {
	f := New(64)
	f.Priv = PrivUser

	_, err := f.Read(Mstatus)
	if err == nil {
		t.Fatalf("expected illegal-instruction exception reading an M-mode CSR from U-mode")
	}
	exc, ok := err.(Exception)
	if !ok {
		t.Fatalf("err = %T, want csr.Exception", err)
	}
	if exc.Cause != CauseIllegalInsn {
		t.Fatalf("Cause = %d, want CauseIllegalInsn", exc.Cause)
	}
}

func TestMisaValueEncodesMXLPerXLEN(t *testing.T) {
	f32 := New(32)
	if got := f32.misaValue() >> 30 & 3; got != MXL32 {
		t.Fatalf("RV32 misa MXL = %d, want %d", got, MXL32)
	}
	f64 := New(64)
	if got := f64.misaValue() >> 62 & 3; got != MXL64 {
		t.Fatalf("RV64 misa MXL = %d, want %d", got, MXL64)
	}
}

func TestWriteSipClearingSSIPPreservesSTIP(t *testing.T) {
	f := New(64)
	f.Priv = PrivSupervisor
	f.Mideleg = MipSSIP | MipSTIP
	f.Mip = MipSSIP | MipSTIP

	if err := f.Write(Sip, 0); err != nil {
		t.Fatalf("Write(Sip, 0): %v", err)
	}

	if f.Mip&MipSSIP != 0 {
		t.Fatalf("expected SSIP cleared by writing sip=0")
	}
	if f.Mip&MipSTIP == 0 {
		t.Fatalf("STIP must survive a write to sip that only clears SSIP")
	}
}
