// Package plic implements a simplified platform-level interrupt controller: priority, pending,
// per-context enable/threshold and claim/complete, for up to 32 external interrupt sources and
// one M-mode/S-mode context pair per hart. It is grounded on
// original_source/riscv-vm/src/plic.rs.
package plic

import (
	"sync"

	"github.com/trust0/riscvvm/internal/clint"
)

const (
	Base = 0x0c00_0000
	Size = 0x400_0000

	UARTIRQ    = 10
	Virtio0IRQ = 1

	numSources  = 32
	numContexts = 2 * clint.MaxHarts
)

// MContext and SContext return the M-mode and S-mode context IDs for a hart, matching the
// original's m_context/s_context helpers (context 2*hart is M-mode, 2*hart+1 is S-mode).
func MContext(hart int) int { return hart * 2 }
func SContext(hart int) int { return hart*2 + 1 }

// Plic is the platform-level interrupt controller. All state mutation goes through the methods
// below, which hold an internal lock; there is deliberately no exported mutex, matching the
// teacher's convention of hiding synchronization behind a device's own API.
type Plic struct {
	priority  [numSources]uint32
	pending   uint32
	enable    [numContexts]uint32
	threshold [numContexts]uint32
	active    [numContexts]uint32

	mu sync.Mutex
}

func New() *Plic {
	return &Plic{}
}

// SetSourceLevel sets or clears the level-triggered pending bit for an interrupt source. The
// system bus calls this once per poll for every wired device line (spec §4.5).
func (p *Plic) SetSourceLevel(source uint32, level bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if source >= numSources {
		return
	}

	if level {
		p.pending |= 1 << source
	} else {
		p.pending &^= 1 << source
	}
}

func (p *Plic) eligible(source, ctx int) bool {
	pending := (p.pending>>source)&1 == 1
	enabled := (p.enable[ctx]>>source)&1 == 1
	overThreshold := p.priority[source] > p.threshold[ctx]
	notActive := (p.active[ctx]>>source)&1 == 0

	return pending && enabled && overThreshold && notActive
}

func (p *Plic) claimLocked(ctx int) uint32 {
	var maxPrio, maxID uint32

	for i := 1; i < numSources; i++ {
		if p.eligible(i, ctx) && p.priority[i] > maxPrio {
			maxPrio = p.priority[i]
			maxID = uint32(i)
		}
	}

	if maxID != 0 {
		p.active[ctx] |= 1 << maxID
	}

	return maxID
}

// ClaimInterrupt returns the highest-priority pending, enabled, over-threshold, not-already-
// active source for ctx, marking it active (in-flight) until Complete is called for it.
func (p *Plic) ClaimInterrupt(ctx int) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ctx >= numContexts {
		return 0
	}

	return p.claimLocked(ctx)
}

// IsInterruptPending reports whether ctx has any eligible source, without claiming it. Used by
// the bus's per-hart MIP aggregation (spec §4.6).
func (p *Plic) IsInterruptPending(ctx int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ctx >= numContexts {
		return false
	}

	for i := 1; i < numSources; i++ {
		if p.eligible(i, ctx) {
			return true
		}
	}

	return false
}

// Register offsets within the PLIC's MMIO window.
const (
	priorityBase = 0x000000
	pendingReg   = 0x001000
	enableBase   = 0x002000
	enableStride = 0x80
	ctxBase      = 0x200000
	ctxStride    = 0x1000
)

// Load reads the PLIC register space. Only 4-byte accesses are architecturally meaningful;
// anything else reads as zero.
func (p *Plic) Load(offset uint64, size int) uint64 {
	if size != 4 {
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset < enableBase:
		idx := offset >> 2
		if idx < numSources {
			return uint64(p.priority[idx])
		}

	case offset == pendingReg:
		return uint64(p.pending)

	case offset >= enableBase && offset < enableBase+enableStride*numContexts:
		ctx := (offset - enableBase) / enableStride
		inner := (offset - enableBase) % enableStride
		if ctx < numContexts && inner == 0 {
			return uint64(p.enable[ctx])
		}

	case offset >= ctxBase:
		ctx := (offset - ctxBase) / ctxStride
		if ctx < numContexts {
			base := ctxBase + ctxStride*ctx
			switch offset {
			case base:
				return uint64(p.threshold[ctx])
			case base + 4:
				return uint64(p.claimLocked(int(ctx)))
			}
		}
	}

	return 0
}

// Store writes the PLIC register space.
func (p *Plic) Store(offset uint64, size int, value uint64) {
	if size != 4 {
		return
	}

	val := uint32(value)

	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset < enableBase:
		idx := offset >> 2
		if idx < numSources {
			p.priority[idx] = val
		}

	case offset == pendingReg:
		// Pending is read-only to software; only SetSourceLevel changes it.

	case offset >= enableBase && offset < enableBase+enableStride*numContexts:
		ctx := (offset - enableBase) / enableStride
		inner := (offset - enableBase) % enableStride
		if ctx < numContexts && inner == 0 {
			p.enable[ctx] = val
		}

	case offset >= ctxBase:
		ctx := (offset - ctxBase) / ctxStride
		if ctx >= numContexts {
			return
		}

		base := ctxBase + ctxStride*ctx
		switch offset {
		case base:
			p.threshold[ctx] = val
		case base + 4:
			id := val & 0xffff
			if id > 0 && id < numSources {
				p.active[ctx] &^= 1 << id
			}
		}
	}
}

// Snapshot accessors, used by the snapshot format (spec §6).
func (p *Plic) PrioritySnapshot() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint32, numSources)
	copy(out, p.priority[:])
	return out
}

func (p *Plic) PendingSnapshot() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

func (p *Plic) EnableSnapshot() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint32, numContexts)
	copy(out, p.enable[:])
	return out
}

func (p *Plic) ThresholdSnapshot() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint32, numContexts)
	copy(out, p.threshold[:])
	return out
}

func (p *Plic) ActiveSnapshot() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint32, numContexts)
	copy(out, p.active[:])
	return out
}

func (p *Plic) RestorePriority(v []uint32) { p.restoreInto(p.priority[:], v) }
func (p *Plic) RestoreEnable(v []uint32)   { p.restoreInto(p.enable[:], v) }
func (p *Plic) RestoreThreshold(v []uint32) { p.restoreInto(p.threshold[:], v) }
func (p *Plic) RestoreActive(v []uint32)   { p.restoreInto(p.active[:], v) }

func (p *Plic) RestorePending(v uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = v
}

func (p *Plic) restoreInto(dst []uint32, src []uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(src)
	if n > len(dst) {
		n = len(dst)
	}

	copy(dst[:n], src[:n])
}
