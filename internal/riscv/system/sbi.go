// Package system assembles the CSR file, bus, MMU, CLINT, PLIC, UART, and
// VirtIO-MMIO-9P transport into a runnable SoC around one hart, and owns
// the outer run loop: timer-batch advancement, interrupt reflection,
// WFI idling, the SBI shim, and trap dispatch. Two hart widths (rv32,
// rv64) get their own System type in the same package, the same way the
// interpreters themselves stay split per spec's XLEN-parallel design —
// the outer loop's shape is identical, only the hart type underneath
// differs, so duplicating the wiring is cheaper than forcing a shared
// abstraction across two 8-byte-vs-4-byte register files.
package system

// SBI extension IDs.
const (
	SBIExtLegacySetTimer     = 0x00
	SBIExtLegacyPutchar      = 0x01
	SBIExtLegacyGetchar      = 0x02
	SBIExtBase               = 0x10
	SBIExtTimer              = 0x54494D45 // "TIME"
	SBIExtIPI                = 0x735049   // "sPI"
	SBIExtRFence             = 0x52464E43 // "RFNC"
	SBIExtHSM                = 0x48534D   // "HSM"
	SBIExtSRST               = 0x53525354 // "SRST"
)

// SBI Base extension function IDs.
const (
	SBIBaseGetSpecVersion = 0
	SBIBaseGetImplID      = 1
	SBIBaseGetImplVersion = 2
	SBIBaseProbeExtension = 3
	SBIBaseGetMvendorID   = 4
	SBIBaseGetMarchID     = 5
	SBIBaseGetMimplID     = 6
)

const SBITimerSetTimer = 0
const SBIHSMHartStatus = 2

// SBI error codes.
const (
	SBISuccess         = 0
	SBIErrNotSupported = -2
)

// sbiSpecVersion is 0.2 per spec.md's SBI shim section — NOT the 1.0 the
// teacher's rv64/sbi.go reports; spec is explicit about this version.
const sbiSpecVersion = 0x00000002

// TimerBatch is the number of retired instructions between CLINT
// mtime-advance/interrupt-reflection passes.
const TimerBatch = 64

// ErrHalt signals an SRST-driven host halt to the caller of Run.
var ErrHalt = haltError{}

type haltError struct{}

func (haltError) Error() string { return "system: guest requested shutdown (SBI SRST)" }
