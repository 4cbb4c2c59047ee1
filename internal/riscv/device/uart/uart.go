// Package uart implements a 16550-compatible serial port: the subset of
// registers Linux's 8250 driver probes for an early console.
package uart

import "io"

const Size uint64 = 0x1000

// Register offsets.
const (
	RegRBR = 0 // Receive Buffer Register (read)
	RegTHR = 0 // Transmit Holding Register (write)
	RegIER = 1
	RegIIR = 2 // read
	RegFCR = 2 // write
	RegLCR = 3
	RegMCR = 4
	RegLSR = 5
	RegMSR = 6
	RegSCR = 7
)

// LSR bits.
const (
	LSRDataReady      = 1 << 0
	LSROverrunError   = 1 << 1
	LSRParityError    = 1 << 2
	LSRFramingError   = 1 << 3
	LSRBreakInterrupt = 1 << 4
	LSRTHREmpty       = 1 << 5
	LSRTxEmpty        = 1 << 6
	LSRFIFOError      = 1 << 7
)

const IIRNoInterrupt = 1 << 0

// UART is a 16550-subset serial port. Output flows straight to the host
// writer on every THR write; Input is pulled non-blockingly: a host-side
// driver pushes bytes via EnqueueInput between System.Step calls.
type UART struct {
	Output io.Writer
	Input  io.Reader

	RBR, IER, IIR, FCR, LCR, MCR, LSR, MSR, SCR uint8
	DLL, DLH                                    uint8

	inputBuffer []byte
	inputPos    int

	InterruptPending bool
	OnInterrupt      func(pending bool)
}

// New creates a UART wired to the given host output/input streams. Input
// may be nil if the guest console is output-only.
func New(output io.Writer, input io.Reader) *UART {
	return &UART{
		Output: output,
		Input:  input,
		LSR:    LSRTHREmpty | LSRTxEmpty,
		IIR:    IIRNoInterrupt,
	}
}

func (u *UART) Size() uint64 { return Size }

func (u *UART) Read(offset uint64, size int) (uint64, error) {
	if size != 1 {
		return 0, nil
	}
	dlab := u.LCR&0x80 != 0
	switch offset {
	case RegRBR:
		if dlab {
			return uint64(u.DLL), nil
		}
		data := u.RBR
		if u.inputPos < len(u.inputBuffer) {
			data = u.inputBuffer[u.inputPos]
			u.inputPos++
			if u.inputPos >= len(u.inputBuffer) {
				u.inputBuffer = nil
				u.inputPos = 0
			}
		}
		u.updateLSR()
		u.updateInterrupt()
		return uint64(data), nil
	case RegIER:
		if dlab {
			return uint64(u.DLH), nil
		}
		return uint64(u.IER), nil
	case RegIIR:
		return uint64(u.IIR), nil
	case RegLCR:
		return uint64(u.LCR), nil
	case RegMCR:
		return uint64(u.MCR), nil
	case RegLSR:
		u.updateLSR()
		return uint64(u.LSR), nil
	case RegMSR:
		return uint64(u.MSR), nil
	case RegSCR:
		return uint64(u.SCR), nil
	}
	return 0, nil
}

func (u *UART) Write(offset uint64, size int, value uint64) error {
	if size != 1 {
		return nil
	}
	data := uint8(value)
	dlab := u.LCR&0x80 != 0
	switch offset {
	case RegTHR:
		if dlab {
			u.DLL = data
			return nil
		}
		if u.Output != nil {
			u.Output.Write([]byte{data})
		}
		// THR is treated as completing immediately, so it re-asserts the
		// THRE interrupt right away rather than waiting for the next IER
		// write to notice.
		u.updateInterrupt()
	case RegIER:
		if dlab {
			u.DLH = data
			return nil
		}
		u.IER = data
		u.updateInterrupt()
	case RegFCR:
		u.FCR = data
		if data&0x01 != 0 && data&0x02 != 0 {
			u.inputBuffer = nil
			u.inputPos = 0
		}
	case RegLCR:
		u.LCR = data
	case RegMCR:
		u.MCR = data
	case RegSCR:
		u.SCR = data
	}
	return nil
}

func (u *UART) updateLSR() {
	u.LSR = LSRTHREmpty | LSRTxEmpty
	if u.inputPos < len(u.inputBuffer) {
		u.LSR |= LSRDataReady
	}
}

// updateInterrupt recomputes IIR. Priority order: receive-data-available
// outranks transmit-holding-register-empty.
func (u *UART) updateInterrupt() {
	pending := false
	switch {
	case u.IER&0x01 != 0 && u.inputPos < len(u.inputBuffer):
		pending = true
		u.IIR = 0x04
	case u.IER&0x02 != 0:
		pending = true
		u.IIR = 0x02
	default:
		u.IIR = IIRNoInterrupt
	}
	if pending != u.InterruptPending {
		u.InterruptPending = pending
		if u.OnInterrupt != nil {
			u.OnInterrupt(pending)
		}
	}
}

// EnqueueInput appends host-provided bytes to the guest's receive buffer.
// Called by whatever drives the host side of the console (stdin reader,
// test harness, ...) between System.Step calls.
func (u *UART) EnqueueInput(data []byte) {
	u.inputBuffer = append(u.inputBuffer, data...)
	u.updateLSR()
	u.updateInterrupt()
}

// State is UART's serializable state, for snapshot capture/restore. The
// pending input buffer is not carried: it is host-side console input in
// flight, not guest-visible architectural state, and is safe to drop
// across a snapshot boundary.
type State struct {
	RBR, IER, IIR, FCR, LCR, MCR, LSR, MSR, SCR uint8
	DLL, DLH                                    uint8
	InterruptPending                            bool
}

func (u *UART) Snapshot() State {
	return State{
		RBR: u.RBR, IER: u.IER, IIR: u.IIR, FCR: u.FCR, LCR: u.LCR,
		MCR: u.MCR, LSR: u.LSR, MSR: u.MSR, SCR: u.SCR,
		DLL: u.DLL, DLH: u.DLH,
		InterruptPending: u.InterruptPending,
	}
}

func (u *UART) Restore(s State) {
	u.RBR, u.IER, u.IIR, u.FCR, u.LCR = s.RBR, s.IER, s.IIR, s.FCR, s.LCR
	u.MCR, u.LSR, u.MSR, u.SCR = s.MCR, s.LSR, s.MSR, s.SCR
	u.DLL, u.DLH = s.DLL, s.DLH
	u.InterruptPending = s.InterruptPending
}
