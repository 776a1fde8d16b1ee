// Package bus implements the system bus: the single address space a hart's loads, stores and
// instruction fetches see, decoding an address into DRAM or one of the memory-mapped devices
// (CLINT, PLIC, UART, VirtIO, the test-finisher region) and aggregating their interrupt lines
// into a hart's MIP bits. It is grounded on original_source/riscv-vm/src/bus.rs.
package bus

import (
	"log/slog"
	"sync"

	"github.com/trust0/riscvvm/internal/clint"
	"github.com/trust0/riscvvm/internal/dram"
	"github.com/trust0/riscvvm/internal/log"
	"github.com/trust0/riscvvm/internal/plic"
	"github.com/trust0/riscvvm/internal/platform"
	"github.com/trust0/riscvvm/internal/riscv"
	"github.com/trust0/riscvvm/internal/uart"
)

// Memory map constants (spec §4.5).
const (
	DramBase = 0x8000_0000

	TestFinisherBase = 0x0010_0000
	TestFinisherSize = 0x1000

	VirtioBase   = 0x1000_1000
	VirtioStride = 0x1000
	virtioSlots  = 8
)

// VirtioDevice is the narrow interface the bus needs from any VirtIO MMIO device: a 32-bit
// register read/write pair and a poll hook for host-driven I/O completion. internal/virtio's
// device types implement it.
type VirtioDevice interface {
	IsInterrupting() bool
	ReadReg(offset uint64) (uint32, error)
	WriteReg(offset uint64, val uint32, mem *dram.Dram) error
	Poll(mem *dram.Dram) error
}

// CodeCache is the narrow view the bus needs of a hart's compiled-block cache, so a DRAM store
// can drop any block compiled from the bytes it just overwrote (self-modifying code, a kernel
// patching a loaded module). internal/engine.BlockCache satisfies it.
type CodeCache interface {
	InvalidateRange(startPA, endPA uint64)
}

// Bus is the concrete system bus wired to one DRAM region and the fixed platform devices.
// Every method is safe for concurrent use by multiple harts: Dram's natural-width accessors are
// themselves atomic (internal/dram backs the region with atomic.Uint64 words rather than a plain
// byte slice, precisely because Load/Store's DRAM fast path below is reached directly by every
// hart goroutine with no bus-level lock), amoMu serializes only the AMO read-modify-write path,
// and every device type guards its own register state with its own mutex.
type Bus struct {
	Dram  *dram.Dram
	Clint *clint.Clint
	Plic  *plic.Plic
	Uart  *uart.Uart

	Virtio []VirtioDevice

	// Platform carries the optional D1-SoC stub regions (spec §3/§6); nil unless the host
	// enabled them (see cmd/riscvvm's flags).
	Platform *platform.Platform

	log *slog.Logger

	amoMu sync.Mutex

	// codeCaches lists every hart's block cache, so a DRAM store can invalidate across all of
	// them: self-modifying code written by one hart must not leave another hart executing a
	// block compiled from the old bytes (§4.8, §9's "one atomic array for DRAM" note extends to
	// the caches built on top of it).
	codeCaches []CodeCache
}

// RegisterCodeCache adds a hart's block cache to the set Store invalidates against on every
// DRAM write. Called once per hart at machine construction (internal/vm.New).
func (b *Bus) RegisterCodeCache(c CodeCache) {
	b.codeCaches = append(b.codeCaches, c)
}

func (b *Bus) invalidateCode(addr uint64, size int) {
	end := addr + uint64(size)
	for _, c := range b.codeCaches {
		c.InvalidateRange(addr, end)
	}
}

// New builds a bus with DRAM based at DramBase sized dramSize, and the platform's fixed CLINT/
// PLIC/UART devices, configured for numHarts.
func New(dramSize int, numHarts int, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	return &Bus{
		Dram:  dram.New(DramBase, dramSize),
		Clint: clint.New(numHarts),
		Plic:  plic.New(),
		Uart:  uart.New(logger),
		log:   logger,
	}
}

// AttachVirtio appends a VirtIO device at the next free MMIO slot (base VirtioBase + stride*n).
// Returns false if all slots are occupied.
func (b *Bus) AttachVirtio(dev VirtioDevice) bool {
	if len(b.Virtio) >= virtioSlots {
		return false
	}

	b.Virtio = append(b.Virtio, dev)

	return true
}

// CheckInterrupts computes the MIP bits visible to hartID: MSIP/MTIP from the CLINT, SEIP/MEIP
// from the PLIC (fed by the UART and VirtIO device interrupt lines). Hart 0 also advances the
// CLINT's free-running timer, so it must be polled regardless of which hart is stepping.
func (b *Bus) CheckInterrupts(hartID int) uint64 {
	if hartID == 0 {
		b.Clint.Tick()
	}

	b.Plic.SetSourceLevel(plic.UARTIRQ, b.Uart.IsInterrupting())

	for i, dev := range b.Virtio {
		irq := uint32(plic.Virtio0IRQ + i)
		if irq < 32 {
			b.Plic.SetSourceLevel(irq, dev.IsInterrupting())
		}
	}

	var mip uint64

	msip, timer := b.Clint.CheckInterrupts(hartID)
	if msip {
		mip |= riscv.MIPMSIP
	}
	if timer {
		mip |= riscv.MIPMTIP
	}

	if b.Plic.IsInterruptPending(plic.SContext(hartID)) {
		mip |= riscv.MIPSEIP
	}
	if b.Plic.IsInterruptPending(plic.MContext(hartID)) {
		mip |= riscv.MIPMEIP
	}

	return mip
}

// PollVirtio lets every attached VirtIO device process queued work (spec §4.4): incoming
// network packets, completed block I/O. Called once per poll interval by the hart loop.
func (b *Bus) PollVirtio() {
	for _, dev := range b.Virtio {
		if err := dev.Poll(b.Dram); err != nil {
			b.log.Warn("virtio poll error", "error", err)
		}
	}
}

func (b *Bus) virtioSlot(addr uint64) (idx int, offset uint64, ok bool) {
	if addr < VirtioBase || addr >= VirtioBase+VirtioStride*virtioSlots {
		return 0, 0, false
	}

	off := addr - VirtioBase
	idx = int(off / VirtioStride)
	offset = off % VirtioStride

	return idx, offset, true
}

// Load dispatches an aligned size-byte load to DRAM or the slow MMIO path. size must be
// 1, 2, 4 or 8. The only error a load can produce is *riscv.Trap (a load access/address fault);
// the test-finisher region and VirtIO are both harmless to read.
func (b *Bus) Load(addr uint64, size int) (uint64, error) {
	if off, ok := b.Dram.Offset(addr); ok {
		switch size {
		case 1:
			return uint64(b.Dram.Load8(off)), nil
		case 2:
			return uint64(b.Dram.Load16(off)), nil
		case 4:
			return uint64(b.Dram.Load32(off)), nil
		case 8:
			return b.Dram.Load64(off), nil
		}
	}

	return b.loadSlow(addr, size)
}

func (b *Bus) loadSlow(addr uint64, size int) (uint64, error) {
	switch {
	case addr >= TestFinisherBase && addr < TestFinisherBase+TestFinisherSize:
		return 0, nil

	case addr >= clint.Base && addr < clint.Base+clint.Size:
		return b.Clint.Load(addr-clint.Base, size), nil

	case addr >= plic.Base && addr < plic.Base+plic.Size:
		return b.Plic.Load(addr-plic.Base, size), nil

	case addr >= uart.Base && addr < uart.Base+uart.Size:
		return b.Uart.Load(addr-uart.Base, size), nil
	}

	if r, ok := b.Platform.Find(addr); ok {
		return r.Load(addr-r.Base(), size), nil
	}

	if idx, offset, ok := b.virtioSlot(addr); ok {
		if idx < len(b.Virtio) {
			aligned := offset &^ 3
			word, err := b.Virtio[idx].ReadReg(aligned)
			if err != nil {
				return 0, riscv.AccessFault(riscv.AccessLoad, addr)
			}

			if size == 8 {
				hi, err := b.Virtio[idx].ReadReg(aligned + 4)
				if err != nil {
					return 0, riscv.AccessFault(riscv.AccessLoad, addr+4)
				}
				return uint64(word) | uint64(hi)<<32, nil
			}

			shift := uint((offset & 3) * 8)
			mask := uint64(1)<<(uint(size)*8) - 1

			return (uint64(word) >> shift) & mask, nil
		}

		return 0, nil
	}

	return 0, riscv.AccessFault(riscv.AccessLoad, addr)
}

// Store dispatches an aligned size-byte store to DRAM or the slow MMIO path. A write anywhere
// in the test-finisher region returns *riscv.RequestedHalt rather than a *riscv.Trap: it is the
// guest's way of telling the host "stop, here is the exit code", not an architectural fault
// (spec §6). Callers distinguish the two with errors.As.
func (b *Bus) Store(addr uint64, size int, value uint64) error {
	if off, ok := b.Dram.Offset(addr); ok {
		switch size {
		case 1:
			b.Dram.Store8(off, byte(value))
		case 2:
			b.Dram.Store16(off, uint16(value))
		case 4:
			b.Dram.Store32(off, uint32(value))
		case 8:
			b.Dram.Store64(off, value)
		}

		if len(b.codeCaches) > 0 {
			b.invalidateCode(addr, size)
		}

		return nil
	}

	return b.storeSlow(addr, size, value)
}

func (b *Bus) storeSlow(addr uint64, size int, value uint64) error {
	switch {
	case addr >= TestFinisherBase && addr < TestFinisherBase+TestFinisherSize:
		return &riscv.RequestedHalt{Code: value}

	case addr >= clint.Base && addr < clint.Base+clint.Size:
		b.Clint.Store(addr-clint.Base, size, value)
		return nil

	case addr >= plic.Base && addr < plic.Base+plic.Size:
		b.Plic.Store(addr-plic.Base, size, value)
		return nil

	case addr >= uart.Base && addr < uart.Base+uart.Size:
		b.Uart.Store(addr-uart.Base, size, value)
		return nil
	}

	if r, ok := b.Platform.Find(addr); ok {
		r.Store(addr-r.Base(), size, value)
		return nil
	}

	if idx, offset, ok := b.virtioSlot(addr); ok {
		if idx < len(b.Virtio) && size == 4 {
			if err := b.Virtio[idx].WriteReg(offset, uint32(value), b.Dram); err != nil {
				return riscv.AccessFault(riscv.AccessStore, addr)
			}
		}

		return nil
	}

	return riscv.AccessFault(riscv.AccessStore, addr)
}

// FetchU32 fetches a 32-bit instruction word, remapping the data-access faults a generic Load
// would produce into their instruction-fetch equivalents.
func (b *Bus) FetchU32(addr uint64) (uint32, *riscv.Trap) {
	if addr%4 != 0 {
		return 0, riscv.AddressMisaligned(riscv.AccessInstruction, addr)
	}

	val, err := b.Load(addr, 4)
	if err != nil {
		return 0, riscv.AccessFault(riscv.AccessInstruction, addr)
	}

	return uint32(val), nil
}

// LockAMO and UnlockAMO serialize one hart's atomic memory operation read-modify-write against
// every other hart's, satisfying §4.7's "AMOs are atomic with respect to other harts on the
// same memory location" by covering the whole DRAM region with a single lock rather than
// per-cache-line ones: AMO traffic is bursty and short, so the coarser lock costs nothing
// observable and keeps the implementation simple (§5, §9's per-device-mutex convention).
func (b *Bus) LockAMO()   { b.amoMu.Lock() }
func (b *Bus) UnlockAMO() { b.amoMu.Unlock() }

// LoadPTE and StorePTE satisfy internal/mmu.PTEBus: an 8-byte-only view used exclusively for
// page table walks.
func (b *Bus) LoadPTE(addr uint64) (uint64, bool) {
	val, err := b.Load(addr, 8)
	return val, err == nil
}

func (b *Bus) StorePTE(addr uint64, val uint64) bool {
	return b.Store(addr, 8, val) == nil
}
