// Package mmu implements Sv39/Sv48 virtual address translation: a direct-mapped TLB and the
// page-table walk (with A/D bit maintenance) that fills it on a miss. It is grounded on
// original_source/riscv-vm/src/mmu.rs.
package mmu

import "github.com/trust0/riscvvm/internal/riscv"

// PTEBus is the narrow interface translate needs against system memory: 8-byte loads and
// stores for walking and updating page table entries. internal/bus.Bus satisfies it.
type PTEBus interface {
	LoadPTE(addr uint64) (uint64, bool)
	StorePTE(addr uint64, val uint64) bool
}

// Permission bits packed into a TLB entry, matching the original's PERM_* constants.
const (
	PermR uint8 = 1 << 0
	PermW uint8 = 1 << 1
	PermX uint8 = 1 << 2
	PermU uint8 = 1 << 3
	PermA uint8 = 1 << 4
	PermD uint8 = 1 << 5
	PermG uint8 = 1 << 6
)

const (
	pageSize = 4096
	pteSize  = 8
	maxLevels = 4

	tlbSize = 64
	tlbMask = tlbSize - 1
)

// Entry is one cached translation.
type Entry struct {
	VPN, PPN uint64
	ASID     uint16
	Perm     uint8
	Level    uint8
	Valid    bool
}

func (e *Entry) R() bool      { return e.Perm&PermR != 0 }
func (e *Entry) W() bool      { return e.Perm&PermW != 0 }
func (e *Entry) X() bool      { return e.Perm&PermX != 0 }
func (e *Entry) U() bool      { return e.Perm&PermU != 0 }
func (e *Entry) A() bool      { return e.Perm&PermA != 0 }
func (e *Entry) D() bool      { return e.Perm&PermD != 0 }
func (e *Entry) Global() bool { return e.Perm&PermG != 0 }

// Tlb is a direct-mapped, 64-entry translation cache. Index is the low 6 bits of the virtual
// page number, so every lookup/insert is a single array access with no hashing.
type Tlb struct {
	entries [tlbSize]Entry
}

func NewTlb() *Tlb { return &Tlb{} }

// Flush invalidates every entry (SFENCE.VMA rs1=x0, rs2=x0).
func (t *Tlb) Flush() {
	for i := range t.entries {
		t.entries[i].Valid = false
	}
}

// FlushASID invalidates entries belonging to asid, leaving global mappings untouched
// (SFENCE.VMA rs1=x0, rs2!=x0).
func (t *Tlb) FlushASID(asid uint64) {
	asid16 := uint16(asid)
	for i := range t.entries {
		if !t.entries[i].Global() && t.entries[i].ASID == asid16 {
			t.entries[i].Valid = false
		}
	}
}

// FlushVA invalidates the entry for a specific virtual address, if present
// (SFENCE.VMA rs1!=x0, rs2=x0).
func (t *Tlb) FlushVA(va uint64) {
	vpn := va >> 12
	idx := vpn & tlbMask
	if t.entries[idx].VPN == vpn {
		t.entries[idx].Valid = false
	}
}

// FlushPage invalidates the entry for vpn if its ASID matches (or it is global)
// (SFENCE.VMA rs1!=x0, rs2!=x0).
func (t *Tlb) FlushPage(vpn, asid uint64) {
	idx := vpn & tlbMask
	e := &t.entries[idx]
	if e.Valid && e.VPN == vpn && (e.Global() || e.ASID == uint16(asid)) {
		e.Valid = false
	}
}

// Lookup returns the cached entry for vpn/asid, or ok=false on a miss.
func (t *Tlb) Lookup(vpn, asid uint64) (Entry, bool) {
	idx := vpn & tlbMask
	e := t.entries[idx]

	if e.Valid && e.VPN == vpn && (e.Global() || e.ASID == uint16(asid)) {
		return e, true
	}

	return Entry{}, false
}

// Insert overwrites whatever entry currently occupies e.VPN's slot.
func (t *Tlb) Insert(e Entry) {
	idx := e.VPN & tlbMask
	t.entries[idx] = e
}

// Translate converts a virtual address to a physical one under the given mode/SATP/MSTATUS,
// consulting and filling tlb as needed. Machine mode and SATP mode "Bare" both translate as the
// identity function. Sv39 and Sv48 (satp.MODE 8 and 9) perform the full multi-level walk,
// updating the A and (on stores) D bits in the backing page table as the walk proceeds.
func Translate(bus PTEBus, tlb *Tlb, mode riscv.Mode, satp, mstatus, addr uint64, access riscv.AccessType) (uint64, *riscv.Trap) {
	if mode == riscv.Machine {
		return addr, nil
	}

	satpMode := (satp >> 60) & 0xf
	asid := (satp >> 44) & 0xffff

	var levels int
	var vaBits uint64

	switch satpMode {
	case 0:
		return addr, nil
	case 8:
		levels, vaBits = 3, 39
	case 9:
		levels, vaBits = 4, 48
	default:
		return addr, nil
	}

	vpnFullMask := (uint64(1) << (9 * uint(levels))) - 1

	signBit := vaBits - 1
	upperMask := ^((uint64(1) << vaBits) - 1)
	sign := (addr >> signBit) & 1

	var expectedUpper uint64
	if sign == 1 {
		expectedUpper = upperMask
	}

	if addr&upperMask != expectedUpper {
		return 0, riscv.PageFault(access, addr)
	}

	vpnFull := (addr >> 12) & vpnFullMask

	// A TLB hit only short-circuits the walk if the cached entry already carries the dirty bit a
	// store needs: a store hitting a clean (D=0) entry falls through to the full walk below,
	// which sets D in the backing PTE and re-inserts the refreshed entry, exactly as a genuine
	// miss would. Skipping that here would let the fast path return an address whose PTE's D bit
	// never gets set for as long as the entry stays cached.
	if entry, ok := tlb.Lookup(vpnFull, asid); ok && (access != riscv.AccessStore || entry.D()) {
		if !checkPermission(mode, mstatus, entry, access) {
			return 0, riscv.PageFault(access, addr)
		}

		offset := addr & 0xfff
		return (entry.PPN << 12) | offset, nil
	}

	var vpn [maxLevels]uint64
	for level := 0; level < levels; level++ {
		vpn[level] = (addr >> (12 + 9*uint64(level))) & 0x1ff
	}

	rootPPN := satp & ((1 << 44) - 1)
	a := rootPPN * pageSize

	for i := levels - 1; i >= 0; i-- {
		pteAddr := a + vpn[i]*pteSize

		pte, ok := bus.LoadPTE(pteAddr)
		if !ok {
			return 0, riscv.AccessFault(access, addr)
		}

		v := pte & 1
		r := (pte >> 1) & 1
		w := (pte >> 2) & 1
		x := (pte >> 3) & 1

		if v == 0 || (r == 0 && w == 1) {
			return 0, riscv.PageFault(access, addr)
		}

		if r == 0 && x == 0 {
			if i == 0 {
				return 0, riscv.PageFault(access, addr)
			}

			ppn := (pte >> 10) & 0xfff_ffff_ffff
			a = ppn * pageSize

			continue
		}

		var perm uint8
		if r != 0 {
			perm |= PermR
		}
		if w != 0 {
			perm |= PermW
		}
		if x != 0 {
			perm |= PermX
		}
		if (pte>>4)&1 != 0 {
			perm |= PermU
		}
		if (pte>>5)&1 != 0 {
			perm |= PermG
		}
		if (pte>>6)&1 != 0 {
			perm |= PermA
		}
		if (pte>>7)&1 != 0 {
			perm |= PermD
		}

		entry := Entry{
			VPN:   vpnFull,
			PPN:   (pte >> 10) & 0xfff_ffff_ffff,
			ASID:  uint16(asid),
			Perm:  perm,
			Level: uint8(i),
			Valid: true,
		}

		if !checkPermission(mode, mstatus, entry, access) {
			return 0, riscv.PageFault(access, addr)
		}

		if i > 0 {
			ppnMask := (uint64(1) << (9 * uint(i))) - 1
			ppn := (pte >> 10) & 0xfff_ffff_ffff
			if ppn&ppnMask != 0 {
				return 0, riscv.PageFault(access, addr)
			}
		}

		newPTE := pte
		update := false

		if !entry.A() {
			newPTE |= 1 << 6
			entry.Perm |= PermA
			update = true
		}

		if access == riscv.AccessStore && !entry.D() {
			newPTE |= 1 << 7
			entry.Perm |= PermD
			update = true
		}

		if update {
			if !bus.StorePTE(pteAddr, newPTE) {
				return 0, riscv.AccessFault(access, addr)
			}
		}

		offsetInPage := addr & 0xfff
		ppn := (pte >> 10) & 0xfff_ffff_ffff
		vpnMask := (uint64(1) << (9 * uint(i))) - 1
		resultPPN := (ppn &^ vpnMask) | ((addr >> 12) & vpnMask)

		entry.PPN = resultPPN
		tlb.Insert(entry)

		return (resultPPN << 12) | offsetInPage, nil
	}

	return 0, riscv.PageFault(access, addr)
}

func checkPermission(mode riscv.Mode, mstatus uint64, entry Entry, access riscv.AccessType) bool {
	mxr := (mstatus >> 19) & 1
	sum := (mstatus >> 18) & 1

	switch mode {
	case riscv.Supervisor:
		if entry.U() {
			if access == riscv.AccessInstruction {
				return false
			}
			if sum == 0 {
				return false
			}
		}
	case riscv.User:
		if !entry.U() {
			return false
		}
	case riscv.Machine:
	}

	switch access {
	case riscv.AccessInstruction:
		return entry.X()
	case riscv.AccessStore:
		return entry.W()
	default: // AccessLoad
		if entry.R() {
			return true
		}
		return mxr == 1 && entry.X()
	}
}
