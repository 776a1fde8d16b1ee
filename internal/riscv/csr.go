package riscv

// CSR addresses used by this implementation. Only the subset required to run an RV64IMAC
// guest under M/S/U privilege with Sv39/Sv48 paging is mapped; everything else reads as zero
// and discards writes, matching the WARL handling described in spec §4.7.
const (
	CSRSstatus    = 0x100
	CSRSie        = 0x104
	CSRStvec      = 0x105
	CSRScounteren = 0x106
	CSRSscratch   = 0x140
	CSRSepc       = 0x141
	CSRScause     = 0x142
	CSRStval      = 0x143
	CSRSip        = 0x144
	CSRSatp       = 0x180

	CSRMstatus    = 0x300
	CSRMisa       = 0x301
	CSRMedeleg    = 0x302
	CSRMideleg    = 0x303
	CSRMie        = 0x304
	CSRMtvec      = 0x305
	CSRMcounteren = 0x306
	CSRMscratch   = 0x340
	CSRMepc       = 0x341
	CSRMcause     = 0x342
	CSRMtval      = 0x343
	CSRMip        = 0x344

	CSRPmpcfg0   = 0x3a0
	CSRPmpaddr0  = 0x3b0
	CSRMvendorid = 0xf11
	CSRMarchid   = 0xf12
	CSRMimpid    = 0xf13
	CSRMhartid   = 0xf14

	CSRCycle   = 0xc00
	CSRTime    = 0xc01
	CSRInstret = 0xc02
)

// Mstatus bit positions used by the interpreter and MMU.
const (
	MstatusSIE  = 1 << 1
	MstatusMIE  = 1 << 3
	MstatusSPIE = 1 << 5
	MstatusMPIE = 1 << 7
	MstatusSPP  = 1 << 8
	MstatusMPPShift = 11
	MstatusMPPMask  = 0b11 << MstatusMPPShift
	MstatusSUM  = 1 << 18
	MstatusMXR  = 1 << 19
)

// CSRFile is a hart's control and status register map. Hot CSRs (mstatus, satp, the trap
// registers) are dense struct fields so the interpreter touches them without a map lookup;
// everything else lives in a sparse map, matching the data model in spec §3 ("dense for hot
// CSRs, sparse for the rest").
type CSRFile struct {
	Mstatus uint64
	Satp    uint64
	Mtvec   uint64
	Stvec   uint64
	Mepc    uint64
	Sepc    uint64
	Mcause  uint64
	Scause  uint64
	Mtval   uint64
	Stval   uint64
	Medeleg uint64
	Mideleg uint64
	Mie     uint64
	Mip     uint64
	Mscratch uint64
	Sscratch uint64

	sparse map[uint64]uint64
}

// NewCSRFile returns a CSR file reset to the power-on values a machine-mode firmware stub
// expects: misa reporting RV64IMAC, vendor/arch/impl ids zeroed, hartid set by the caller.
func NewCSRFile() *CSRFile {
	return &CSRFile{
		sparse: make(map[uint64]uint64),
	}
}

// misaRV64IMAC is the MISA value advertised by this machine: RV64 base with I, M, A, C
// extensions (bits 8,12,0,2 plus the MXL field), matching the DTB's isa-string in spec §6.
const misaRV64IMAC = (2 << 62) | (1 << 8) | (1 << 12) | (1 << 0) | (1 << 2)

// CSRSnapshot is every CSR value this file tracks, dense fields and sparse map alike, captured
// by internal/snapshot (spec §6's cpu_state.csrs).
type CSRSnapshot struct {
	Mstatus, Satp, Mtvec, Stvec                 uint64
	Mepc, Sepc, Mcause, Scause, Mtval, Stval     uint64
	Medeleg, Mideleg, Mie, Mip, Mscratch, Sscratch uint64
	Sparse map[uint64]uint64
}

// Export captures the full CSR file for a snapshot.
func (c *CSRFile) Export() CSRSnapshot {
	sparse := make(map[uint64]uint64, len(c.sparse))
	for k, v := range c.sparse {
		sparse[k] = v
	}

	return CSRSnapshot{
		Mstatus: c.Mstatus, Satp: c.Satp, Mtvec: c.Mtvec, Stvec: c.Stvec,
		Mepc: c.Mepc, Sepc: c.Sepc, Mcause: c.Mcause, Scause: c.Scause,
		Mtval: c.Mtval, Stval: c.Stval, Medeleg: c.Medeleg, Mideleg: c.Mideleg,
		Mie: c.Mie, Mip: c.Mip, Mscratch: c.Mscratch, Sscratch: c.Sscratch,
		Sparse: sparse,
	}
}

// Import restores a CSR file previously captured by Export.
func (c *CSRFile) Import(s CSRSnapshot) {
	c.Mstatus, c.Satp, c.Mtvec, c.Stvec = s.Mstatus, s.Satp, s.Mtvec, s.Stvec
	c.Mepc, c.Sepc, c.Mcause, c.Scause = s.Mepc, s.Sepc, s.Mcause, s.Scause
	c.Mtval, c.Stval, c.Medeleg, c.Mideleg = s.Mtval, s.Stval, s.Medeleg, s.Mideleg
	c.Mie, c.Mip, c.Mscratch, c.Sscratch = s.Mie, s.Mip, s.Mscratch, s.Sscratch

	c.sparse = make(map[uint64]uint64, len(s.Sparse))
	for k, v := range s.Sparse {
		c.sparse[k] = v
	}
}

// Read returns the CSR value, applying read-only semantics for the registers that are wired
// to fixed or derived values.
func (c *CSRFile) Read(addr uint64, hartID uint64) uint64 {
	switch addr {
	case CSRMstatus:
		return c.Mstatus
	case CSRSstatus:
		return c.Mstatus & sstatusMask
	case CSRSatp:
		return c.Satp
	case CSRMtvec:
		return c.Mtvec
	case CSRStvec:
		return c.Stvec
	case CSRMepc:
		return c.Mepc
	case CSRSepc:
		return c.Sepc
	case CSRMcause:
		return c.Mcause
	case CSRScause:
		return c.Scause
	case CSRMtval:
		return c.Mtval
	case CSRStval:
		return c.Stval
	case CSRMedeleg:
		return c.Medeleg
	case CSRMideleg:
		return c.Mideleg
	case CSRMie:
		return c.Mie
	case CSRSie:
		return c.Mie & sieMask
	case CSRMip:
		return c.Mip
	case CSRSip:
		return c.Mip & sieMask
	case CSRMscratch:
		return c.Mscratch
	case CSRSscratch:
		return c.Sscratch
	case CSRMisa:
		return misaRV64IMAC
	case CSRMvendorid, CSRMarchid, CSRMimpid:
		return 0
	case CSRMhartid:
		return hartID
	default:
		return c.sparse[addr]
	}
}

// sstatusMask/sieMask select the subset of mstatus/mie bits that are also visible through the
// supervisor-mode aliases sstatus/sie/sip.
const sstatusMask = MstatusSIE | MstatusSPIE | MstatusSPP | MstatusSUM | MstatusMXR
const sieMask = riscvSSIP | riscvSTIP | riscvSEIP

const (
	riscvSSIP = 1 << 1
	riscvSTIP = 1 << 5
	riscvSEIP = 1 << 9
)

// Write installs a new CSR value, discarding writes to bits the architecture defines as
// read-only (WARL). It reports whether the write may have changed address translation (SATP,
// or MSTATUS.{SUM,MXR}), which callers use to invalidate the cached translation short-circuit
// and, for SATP, the block cache generation (§4.7).
func (c *CSRFile) Write(addr uint64, val uint64) (translationChanged bool) {
	switch addr {
	case CSRMstatus:
		c.Mstatus = val
		return true
	case CSRSstatus:
		c.Mstatus = (c.Mstatus &^ sstatusMask) | (val & sstatusMask)
		return true
	case CSRSatp:
		c.Satp = val
		return true
	case CSRMtvec:
		c.Mtvec = val
	case CSRStvec:
		c.Stvec = val
	case CSRMepc:
		c.Mepc = val &^ 1
	case CSRSepc:
		c.Sepc = val &^ 1
	case CSRMcause:
		c.Mcause = val
	case CSRScause:
		c.Scause = val
	case CSRMtval:
		c.Mtval = val
	case CSRStval:
		c.Stval = val
	case CSRMedeleg:
		c.Medeleg = val
	case CSRMideleg:
		c.Mideleg = val
	case CSRMie:
		c.Mie = val
	case CSRSie:
		c.Mie = (c.Mie &^ sieMask) | (val & sieMask)
	case CSRMip:
		// Only the software-settable bits (SSIP via delegation) are writable; hardware
		// sources (timer, external) always win on the aggregation path in internal/bus.
		c.Mip = (c.Mip &^ riscvSSIP) | (val & riscvSSIP)
	case CSRSip:
		c.Mip = (c.Mip &^ riscvSSIP) | (val & riscvSSIP)
	case CSRMscratch:
		c.Mscratch = val
	case CSRSscratch:
		c.Sscratch = val
	case CSRMisa, CSRMvendorid, CSRMarchid, CSRMimpid, CSRMhartid:
		// Read-only.
	default:
		c.sparse[addr] = val
	}

	return false
}
