// Package cpu implements a single RV64IMAC hart: its register file, CSR map, privilege mode,
// TLB and block cache, the superblock compiler, the block executor, and trap/interrupt
// delivery. It is grounded on original_source/riscv-vm/src/engine/block.rs (compilation),
// spec.md §4.7 (instruction and trap semantics — the executor and trap delivery have no
// surviving Rust source of their own; decoder.rs and the top-level CPU/executor module were
// both filtered out of the retrieval, the same way device.rs was for internal/virtio) and
// engine/microop.rs (the MicroOp shapes the executor switches on).
//
// The staged Fetch/Decode/Execute shape follows the teacher's internal/vm/exec.go, adapted
// from one-instruction-at-a-time dispatch to compiled blocks: CompileBlock plays the role of
// Fetch+Decode for a whole run of instructions, Step plays Execute.
package cpu

import (
	"log/slog"

	"github.com/trust0/riscvvm/internal/bus"
	"github.com/trust0/riscvvm/internal/engine"
	"github.com/trust0/riscvvm/internal/log"
	"github.com/trust0/riscvvm/internal/mmu"
	"github.com/trust0/riscvvm/internal/riscv"
)

// reservation is the LR/SC load-reservation register (§4.7): valid iff the last LR on this
// hart has not since been invalidated by a trap, interrupt, SFENCE, or AMO.
type reservation struct {
	valid  bool
	addr   uint64
	isWord bool
}

// CPU is one hart: architectural state (registers, CSRs, mode, PC) plus the hart-local
// structures that never need locking because no other hart ever touches them (§5): the TLB and
// the block cache.
type CPU struct {
	HartID int

	Regs riscv.RegisterFile
	CSR  *riscv.CSRFile
	Mode riscv.Mode
	PC   uint64

	Tlb   *mmu.Tlb
	Cache *engine.BlockCache

	bus *bus.Bus
	log *slog.Logger

	reserve reservation

	// Retired counts total instructions this hart has executed, used for batch accounting by
	// internal/hart and reported as part of a snapshot.
	Retired uint64
}

// New returns a hart reset to machine mode at pc (the boot entry point), with an empty TLB and
// block cache.
func New(hartID int, b *bus.Bus, pc uint64, logger *slog.Logger) *CPU {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	return &CPU{
		HartID: hartID,
		CSR:    riscv.NewCSRFile(),
		Mode:   riscv.Machine,
		PC:     pc,
		Tlb:    mmu.NewTlb(),
		Cache:  engine.NewBlockCache(),
		bus:    b,
		log:    log.WithHart(logger, hartID),
	}
}

// clearReservation drops the LR/SC reservation (§4.7: any trap, interrupt, SFENCE, or AMO
// clears it).
func (c *CPU) clearReservation() {
	c.reserve = reservation{}
}

// Step runs one compiled block to completion: a cache hit skips recompilation entirely: a miss
// compiles the block (discovering a fetch/decode trap delivers it immediately), executes every
// micro-op in order, and leaves PC at whatever address comes next — the terminator's target, or
// the block's recorded fallthrough. It returns the number of guest instructions retired.
//
// Step never returns a *riscv.Trap: architectural traps are delivered internally (mode switch,
// mepc/mcause/mtval, PC redirected to the trap vector) before Step returns, exactly as real
// hardware never exposes a trap to anything outside the hart. The one error Step can return is
// *riscv.RequestedHalt, the guest's write to the test-finisher region, which is not
// architectural and must propagate to the hart's caller untouched.
func (c *CPU) Step() (int, error) {
	block := c.Cache.GetAndTouch(c.PC)
	if block == nil {
		compiled, trap := c.compileBlock(c.PC)
		if trap != nil {
			c.deliverTrap(trap)
			return 0, nil
		}

		block = compiled
		c.Cache.Insert(block)
	}

	retired, err := c.executeBlock(block)
	c.Retired += uint64(retired)

	return retired, err
}

// PollInterrupts re-reads this hart's pending interrupts from the bus and, if one is both
// enabled and not masked by the current privilege mode, delivers the highest-priority one
// (§4.7). Called by internal/hart before every Step; CSR ops end their block, so a CSR write that
// changes MIE/MIDELEG/MIP is seen by the next call.
func (c *CPU) PollInterrupts() {
	const hwMask = riscv.MIPMSIP | riscv.MIPMTIP | riscv.MIPSEIP | riscv.MIPMEIP

	mip := c.bus.CheckInterrupts(c.HartID)
	c.CSR.Mip = (c.CSR.Mip &^ hwMask) | (mip & hwMask)

	cause, ok := c.pendingInterrupt()
	if !ok {
		return
	}

	c.clearReservation()
	c.takeTrap(riscv.InterruptTrap(cause))
}

// Snapshot is the portion of a hart's state internal/snapshot captures (spec §3's "hart state",
// restricted to the fields the round-trip law of spec §8 actually quantifies over: PC, mode,
// registers, CSRs, retired count). The TLB and block cache are deliberately excluded — they are
// pure caches of the page tables and code already present in the captured DRAM, so Restore
// leaves them empty rather than serializing them, exactly as a flush would.
type Snapshot struct {
	PC      uint64
	Mode    riscv.Mode
	Regs    riscv.RegisterFile
	CSR     riscv.CSRSnapshot
	Retired uint64
}

// Export captures this hart's architectural state.
func (c *CPU) Export() Snapshot {
	return Snapshot{
		PC:      c.PC,
		Mode:    c.Mode,
		Regs:    c.Regs,
		CSR:     c.CSR.Export(),
		Retired: c.Retired,
	}
}

// Import restores architectural state previously captured by Export. The TLB and block cache
// are flushed rather than restored (see Snapshot's doc comment); the load reservation is
// cleared, matching the "any discontinuity clears LR/SC" rule of spec §4.7.
func (c *CPU) Import(s Snapshot) {
	c.PC = s.PC
	c.Mode = s.Mode
	c.Regs = s.Regs
	c.CSR.Import(s.CSR)
	c.Retired = s.Retired

	c.clearReservation()
	c.Tlb.Flush()
	c.Cache.Flush()
}
