package cpu

import (
	"github.com/trust0/riscvvm/internal/log"
	"github.com/trust0/riscvvm/internal/riscv"
)

// interruptPriority lists every interrupt cause this machine can raise, highest priority first:
// machine-level before supervisor-level, external before software before timer within each
// level. Cause numbers double as their mip/mie/mideleg bit position (§4.7's MIP layout assigns
// bit N to cause N), which takeTrap and pendingInterrupt both rely on.
var interruptPriority = []uint64{
	riscv.CauseMachineExternalInterrupt,
	riscv.CauseMachineSoftwareInterrupt,
	riscv.CauseMachineTimerInterrupt,
	riscv.CauseSupervisorExternalInterrupt,
	riscv.CauseSupervisorSoftwareInterrupt,
	riscv.CauseSupervisorTimerInterrupt,
}

// pendingInterrupt selects the highest-priority interrupt that is both pending and enabled for
// the hart's current mode, applying mideleg to decide whether "enabled" means mstatus.MIE (an
// M-destined interrupt) or mstatus.SIE (one delegated to S) — §4.7.
func (c *CPU) pendingInterrupt() (uint64, bool) {
	pending := c.CSR.Mip & c.CSR.Mie
	if pending == 0 {
		return 0, false
	}

	for _, cause := range interruptPriority {
		bit := uint64(1) << cause
		if pending&bit == 0 {
			continue
		}

		delegated := c.CSR.Mideleg&bit != 0
		if c.interruptEnabled(delegated) {
			return cause, true
		}
	}

	return 0, false
}

// interruptEnabled reports whether an interrupt destined for M-mode (delegated=false) or
// S-mode (delegated=true) can be taken from the hart's current mode: a trap can only raise
// privilege, so an interrupt whose destination is at or below the current mode is masked unless
// the current mode's own global interrupt-enable bit is set; one whose destination is above the
// current mode is always taken.
func (c *CPU) interruptEnabled(delegated bool) bool {
	if !delegated {
		if c.Mode == riscv.Machine {
			return c.CSR.Mstatus&riscv.MstatusMIE != 0
		}
		return true
	}

	switch c.Mode {
	case riscv.Machine:
		return false
	case riscv.Supervisor:
		return c.CSR.Mstatus&riscv.MstatusSIE != 0
	default:
		return true
	}
}

// trapVector computes the PC a trap redirects to: mtvec/stvec's low 2 bits select direct mode
// (always base) or vectored mode (base + 4*cause, interrupts only).
func trapVector(tvec uint64, isInterrupt bool, cause uint64) uint64 {
	base := tvec &^ 0x3
	mode := tvec & 0x3

	if isInterrupt && mode == 1 {
		return base + 4*cause
	}

	return base
}

// takeTrap is the single trap-delivery routine shared by synchronous exceptions and interrupts:
// it chooses M or S mode as the destination via medeleg/mideleg (never delegating below the
// hart's current mode — a trap never lowers privilege, §4.7), saves the faulting PC and cause/
// tval, updates the xIE/xPIE/xPP bookkeeping, switches mode, and redirects PC to the chosen trap
// vector. Grounded on spec.md §4.7; no surviving Rust trap-delivery source exists to ground this
// against directly (the original's cpu.rs/traps.rs were both filtered out of retrieval).
func (c *CPU) takeTrap(trap *riscv.Trap) {
	c.log.Debug("trap",
		"interrupt", trap.Interrupt,
		log.Hex64("cause", trap.Code),
		log.Hex64("pc", c.PC),
		log.Hex64("tval", trap.Value),
	)

	c.clearReservation()

	bit := uint64(1) << trap.Code

	delegated := false
	if trap.Interrupt {
		delegated = c.CSR.Mideleg&bit != 0
	} else {
		delegated = c.CSR.Medeleg&bit != 0
	}

	toSupervisor := delegated && c.Mode != riscv.Machine

	cause := trap.Code
	if trap.Interrupt {
		cause |= 1 << 63
	}

	if toSupervisor {
		c.CSR.Sepc = c.PC
		c.CSR.Scause = cause
		c.CSR.Stval = trap.Value

		if c.CSR.Mstatus&riscv.MstatusSIE != 0 {
			c.CSR.Mstatus |= riscv.MstatusSPIE
		} else {
			c.CSR.Mstatus &^= riscv.MstatusSPIE
		}
		c.CSR.Mstatus &^= riscv.MstatusSIE

		if c.Mode == riscv.Supervisor {
			c.CSR.Mstatus |= riscv.MstatusSPP
		} else {
			c.CSR.Mstatus &^= riscv.MstatusSPP
		}

		c.Mode = riscv.Supervisor
		c.PC = trapVector(c.CSR.Stvec, trap.Interrupt, trap.Code)

		return
	}

	c.CSR.Mepc = c.PC
	c.CSR.Mcause = cause
	c.CSR.Mtval = trap.Value

	if c.CSR.Mstatus&riscv.MstatusMIE != 0 {
		c.CSR.Mstatus |= riscv.MstatusMPIE
	} else {
		c.CSR.Mstatus &^= riscv.MstatusMPIE
	}
	c.CSR.Mstatus &^= riscv.MstatusMIE

	c.CSR.Mstatus = (c.CSR.Mstatus &^ riscv.MstatusMPPMask) | (uint64(c.Mode) << riscv.MstatusMPPShift)

	c.Mode = riscv.Machine
	c.PC = trapVector(c.CSR.Mtvec, trap.Interrupt, trap.Code)
}

// deliverTrap is takeTrap under the name Step uses for the fetch/decode trap a failed
// compileBlock reports and executeBlock uses for a trap raised by a micro-op: the same delivery
// path, just named for where it's called from.
func (c *CPU) deliverTrap(trap *riscv.Trap) {
	c.takeTrap(trap)
}
