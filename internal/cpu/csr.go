package cpu

import (
	"github.com/trust0/riscvvm/internal/engine"
	"github.com/trust0/riscvvm/internal/riscv"
)

// csrPrivilege reports the minimum privilege mode a CSR address requires, encoded in its own
// bits 9:8 by the architecture's numbering convention.
func csrPrivilege(addr uint64) riscv.Mode {
	switch (addr >> 8) & 0x3 {
	case 0:
		return riscv.User
	case 1:
		return riscv.Supervisor
	default:
		return riscv.Machine
	}
}

// csrReadOnly reports whether a CSR address is in the read-only range (bits 11:10 == 11).
func csrReadOnly(addr uint64) bool {
	return (addr>>10)&0x3 == 0x3
}

// executeCsr implements the six CSR read-modify-write forms (§4.7): CSRRW always writes;
// CSRRS/CSRRC/CSRRSI/CSRRCI skip the write entirely when their operand is zero, so a CSR with
// write side effects isn't disturbed by a pure read. A privilege violation or an attempted write
// to a read-only CSR is an illegal instruction.
func (c *CPU) executeCsr(op engine.MicroOp) *riscv.Trap {
	addr := uint64(op.Csr)

	if csrPrivilege(addr) > c.Mode {
		return riscv.Exception(riscv.CauseIllegalInstruction, 0)
	}

	write, newVal := csrOperand(c, op)

	if write && csrReadOnly(addr) {
		return riscv.Exception(riscv.CauseIllegalInstruction, 0)
	}

	old := c.CSR.Read(addr, uint64(c.HartID))
	c.Regs.Set(op.Rd, old)

	if !write {
		return nil
	}

	if c.CSR.Write(addr, newVal) {
		c.Tlb.Flush()
		c.Cache.Flush()
		c.clearReservation()
	}

	return nil
}

// csrOperand computes the value a CSR op would write and whether it should write at all. It
// needs the CSR's current value for the read-modify-write forms, so it reads it itself; the
// caller (executeCsr) reads it again for rd — one extra CSRFile.Read, traded for keeping this
// helper free of side effects.
func csrOperand(c *CPU, op engine.MicroOp) (write bool, val uint64) {
	old := c.CSR.Read(uint64(op.Csr), uint64(c.HartID))

	switch op.Kind {
	case engine.Csrrw:
		return true, c.Regs.Get(op.Rs1)
	case engine.Csrrs:
		return op.Rs1 != 0, old | c.Regs.Get(op.Rs1)
	case engine.Csrrc:
		return op.Rs1 != 0, old &^ c.Regs.Get(op.Rs1)
	case engine.Csrrwi:
		return true, uint64(op.Zimm)
	case engine.Csrrsi:
		return op.Zimm != 0, old | uint64(op.Zimm)
	case engine.Csrrci:
		return op.Zimm != 0, old &^ uint64(op.Zimm)
	}

	return false, 0
}

// execMret restores the privilege mode and PC saved by the most recent machine-mode trap entry
// (§4.7): mode <- mstatus.MPP, mstatus.MIE <- MPIE, MPIE <- 1, MPP reset to U (this machine
// never runs anything below U, so there is no lower mode to preserve across a nested trap).
func (c *CPU) execMret() uint64 {
	mpp := riscv.Mode((c.CSR.Mstatus & riscv.MstatusMPPMask) >> riscv.MstatusMPPShift)

	if c.CSR.Mstatus&riscv.MstatusMPIE != 0 {
		c.CSR.Mstatus |= riscv.MstatusMIE
	} else {
		c.CSR.Mstatus &^= riscv.MstatusMIE
	}

	c.CSR.Mstatus |= riscv.MstatusMPIE
	c.CSR.Mstatus &^= riscv.MstatusMPPMask

	c.Mode = mpp
	c.clearReservation()

	return c.CSR.Mepc
}

// execSret is execMret's supervisor-mode counterpart: mode <- mstatus.SPP, SIE <- SPIE, SPIE <-
// 1, SPP reset to U.
func (c *CPU) execSret() uint64 {
	spp := riscv.User
	if c.CSR.Mstatus&riscv.MstatusSPP != 0 {
		spp = riscv.Supervisor
	}

	if c.CSR.Mstatus&riscv.MstatusSPIE != 0 {
		c.CSR.Mstatus |= riscv.MstatusSIE
	} else {
		c.CSR.Mstatus &^= riscv.MstatusSIE
	}

	c.CSR.Mstatus |= riscv.MstatusSPIE
	c.CSR.Mstatus &^= riscv.MstatusSPP

	c.Mode = spp
	c.clearReservation()

	return c.CSR.Sepc
}

// execSfenceVma invalidates this hart's TLB and block cache to reflect a page-table change
// (§4.6): rs1==x0 flushes every virtual address, rs2==x0 (encoded back out of the instruction's
// immediate field by transcodeSystem) flushes every ASID. A full flush of both structures is
// always correct, if coarser than a real implementation's per-page invalidation would be; §4.7
// only requires that stale translations stop being used, not that unrelated ones survive.
func (c *CPU) execSfenceVma(op engine.MicroOp) {
	c.Tlb.Flush()
	c.Cache.Flush()
	c.clearReservation()
	_ = op
}
