// Package plic implements a two-context (machine, supervisor)
// Platform-Level Interrupt Controller: per-source priority, a pending
// bitmap, per-context enable bitmaps, and threshold/claim/complete.
package plic

import (
	"sync"

	"github.com/tinyrange/riscv-vm/internal/riscv/csr"
)

const Size uint64 = 0x0400_0000

const (
	PriorityBase  = 0x000000
	PendingBase   = 0x001000
	EnableBase    = 0x002000
	ThresholdBase = 0x200000
	ContextStride = 0x1000
	enableStride  = 0x80
)

const MaxSources = 1024

const (
	ContextMachine    = 0
	ContextSupervisor = 1
)

// PLIC is bound to a CSR file and reflects its M/S external-interrupt
// lines (mip.MEIP/SEIP) on every state change.
type PLIC struct {
	CSR *csr.File
	mu  sync.Mutex

	priority  [MaxSources]uint32
	pending   [MaxSources / 32]uint32
	enable    [2][MaxSources / 32]uint32
	threshold [2]uint32
	claimed   [2]uint32
}

func New(csrFile *csr.File) *PLIC {
	return &PLIC{CSR: csrFile}
}

func (p *PLIC) Size() uint64 { return Size }

func (p *PLIC) Read(offset uint64, size int) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset < PendingBase:
		if source := offset / 4; source < MaxSources {
			return uint64(p.priority[source]), nil
		}
	case offset >= PendingBase && offset < EnableBase:
		if word := (offset - PendingBase) / 4; word < uint64(len(p.pending)) {
			return uint64(p.pending[word]), nil
		}
	case offset >= EnableBase && offset < ThresholdBase:
		rel := offset - EnableBase
		ctx, word := rel/enableStride, (rel%enableStride)/4
		if ctx < 2 && word < uint64(len(p.enable[0])) {
			return uint64(p.enable[ctx][word]), nil
		}
	case offset >= ThresholdBase:
		rel := offset - ThresholdBase
		ctx, reg := rel/ContextStride, rel%ContextStride
		if ctx < 2 {
			switch reg {
			case 0:
				return uint64(p.threshold[ctx]), nil
			case 4:
				return uint64(p.claim(int(ctx))), nil
			}
		}
	}
	return 0, nil
}

func (p *PLIC) Write(offset uint64, size int, value uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset < PendingBase:
		if source := offset / 4; source < MaxSources && source > 0 {
			p.priority[source] = uint32(value) & 7
		}
	case offset >= EnableBase && offset < ThresholdBase:
		rel := offset - EnableBase
		ctx, word := rel/enableStride, (rel%enableStride)/4
		if ctx < 2 && word < uint64(len(p.enable[0])) {
			p.enable[ctx][word] = uint32(value)
		}
	case offset >= ThresholdBase:
		rel := offset - ThresholdBase
		ctx, reg := rel/ContextStride, rel%ContextStride
		if ctx < 2 {
			switch reg {
			case 0:
				p.threshold[ctx] = uint32(value) & 7
			case 4:
				p.complete(int(ctx), uint32(value))
			}
		}
	}
	p.updateInterrupt()
	return nil
}

// SetPending is the device-facing entry point for asserting or clearing an
// external interrupt line (UART, VirtIO, ...).
func (p *PLIC) SetPending(source uint32, pending bool) {
	if source == 0 || source >= MaxSources {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	word, bit := source/32, source%32
	if pending {
		p.pending[word] |= 1 << bit
	} else {
		p.pending[word] &^= 1 << bit
	}
	p.updateInterrupt()
}

func (p *PLIC) claim(context int) uint32 {
	if context >= 2 {
		return 0
	}
	var bestSource, bestPriority uint32
	for source := uint32(1); source < MaxSources; source++ {
		word, bit := source/32, source%32
		if p.pending[word]&(1<<bit) == 0 || p.enable[context][word]&(1<<bit) == 0 {
			continue
		}
		priority := p.priority[source]
		if priority <= p.threshold[context] || priority <= bestPriority {
			continue
		}
		bestPriority, bestSource = priority, source
	}
	if bestSource != 0 {
		word, bit := bestSource/32, bestSource%32
		p.pending[word] &^= 1 << bit
		p.claimed[context] = bestSource
	}
	p.updateInterrupt()
	return bestSource
}

func (p *PLIC) complete(context int, source uint32) {
	if context >= 2 || source == 0 || source >= MaxSources {
		return
	}
	if p.claimed[context] == source {
		p.claimed[context] = 0
	}
	p.updateInterrupt()
}

func (p *PLIC) updateInterrupt() {
	if p.hasPendingInterrupt(ContextMachine) {
		p.CSR.Mip |= csr.MipMEIP
	} else {
		p.CSR.Mip &^= csr.MipMEIP
	}
	if p.hasPendingInterrupt(ContextSupervisor) {
		p.CSR.Mip |= csr.MipSEIP
	} else {
		p.CSR.Mip &^= csr.MipSEIP
	}
}

// State is PLIC's serializable state, for snapshot capture/restore.
type State struct {
	Priority  [MaxSources]uint32
	Pending   [MaxSources / 32]uint32
	Enable    [2][MaxSources / 32]uint32
	Threshold [2]uint32
	Claimed   [2]uint32
}

func (p *PLIC) Snapshot() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return State{
		Priority:  p.priority,
		Pending:   p.pending,
		Enable:    p.enable,
		Threshold: p.threshold,
		Claimed:   p.claimed,
	}
}

func (p *PLIC) Restore(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.priority = s.Priority
	p.pending = s.Pending
	p.enable = s.Enable
	p.threshold = s.Threshold
	p.claimed = s.Claimed
	p.updateInterrupt()
}

func (p *PLIC) hasPendingInterrupt(context int) bool {
	if context >= 2 {
		return false
	}
	for source := uint32(1); source < MaxSources; source++ {
		word, bit := source/32, source%32
		if p.pending[word]&(1<<bit) == 0 || p.enable[context][word]&(1<<bit) == 0 {
			continue
		}
		if p.priority[source] > p.threshold[context] {
			return true
		}
	}
	return false
}
