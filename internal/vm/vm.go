// Package vm wires every other package in this module into one runnable machine: it owns the
// bus and every hart, writes the boot image and device tree into DRAM, and exposes the host
// pumps spec.md §6 calls for (UART push/drain, GPU frame take, key event push, halt
// request/read). It is grounded on original_source/riscv-vm/src/emulator.rs's Emulator
// (construction, load_elf, push_key/drain_uart_output) and src/hart.rs's multi-hart spawn,
// adapted from the teacher's internal/vm.LC3 functional-options constructor (internal/vm/vm.go)
// into a plain Config struct, since this machine's configuration surface (hart count, DRAM
// size, optional devices) is data, not the LC3's mostly-boolean feature toggles.
package vm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/trust0/riscvvm/internal/boot"
	"github.com/trust0/riscvvm/internal/bus"
	"github.com/trust0/riscvvm/internal/cpu"
	"github.com/trust0/riscvvm/internal/dtb"
	"github.com/trust0/riscvvm/internal/hart"
	"github.com/trust0/riscvvm/internal/log"
	"github.com/trust0/riscvvm/internal/netbackend"
	"github.com/trust0/riscvvm/internal/platform"
	"github.com/trust0/riscvvm/internal/riscv"
	"github.com/trust0/riscvvm/internal/virtio"
)

// Register indices for the boot protocol (spec §6): a0 is the hart id, a1 is the DTB address.
const (
	regA0 = 10
	regA1 = 11
)

// Config is everything New needs to build a runnable machine. Zero-value fields disable the
// corresponding optional device, matching the CLI surface of spec §6: NumHarts <= 0 means "one
// hart", Disk == nil means "no virtio-blk device", etc.
type Config struct {
	NumHarts int
	DRAMSize int

	Kernel []byte // Raw kernel bytes: ELF or flat image (spec §6).
	Disk   []byte // Backing bytes for virtio-blk, usually the whole SD-card image.

	EnableRNG   bool
	EnableGPU   bool
	GPUWidth    uint32
	GPUHeight   uint32
	EnableInput bool
	NetBackend  netbackend.Backend // nil disables the virtio-net device entirely.

	Platform platform.Platform // zero value: every optional D1 region disabled.

	Logger *slog.Logger
}

// Machine is one fully wired RV64 VM: the bus, every hart context, and the shared halt state
// the orchestration loop in internal/hart uses to stop every hart together.
type Machine struct {
	Bus   *bus.Bus
	CPUs  []*cpu.CPU
	Halt  *hart.HaltState

	gpu   *virtio.GPU
	input *virtio.Input

	mgr *hart.Manager
	log *slog.Logger
}

// New builds a machine per cfg: constructs the bus and its devices, loads the kernel image
// (ELF or flat, per internal/boot), writes the generated device tree, and resets every hart to
// the boot protocol's entry conditions (spec §6: hart 0 gets a0=0, secondary harts get their
// hart id; every hart gets a1 = the DTB address).
func New(cfg Config) (*Machine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.DefaultLogger()
	}

	numHarts := cfg.NumHarts
	if numHarts <= 0 {
		numHarts = 1
	}

	dramSize := cfg.DRAMSize
	if dramSize <= 0 {
		dramSize = 256 * 1024 * 1024
	}

	b := bus.New(dramSize, numHarts, logger)

	plat := cfg.Platform
	b.Platform = &plat

	if cfg.Disk != nil {
		b.AttachVirtio(virtio.NewBlock(cfg.Disk))
	}

	if cfg.EnableRNG {
		b.AttachVirtio(virtio.NewRNG())
	}

	var gpuDev *virtio.GPU
	if cfg.EnableGPU {
		if cfg.GPUWidth > 0 && cfg.GPUHeight > 0 {
			gpuDev = virtio.NewGPUWithSize(cfg.GPUWidth, cfg.GPUHeight)
		} else {
			gpuDev = virtio.NewGPU()
		}

		b.AttachVirtio(gpuDev)
	}

	var inputDev *virtio.Input
	if cfg.EnableInput {
		inputDev = virtio.NewInput()
		b.AttachVirtio(inputDev)
	}

	if cfg.NetBackend != nil {
		if err := cfg.NetBackend.Init(); err != nil {
			return nil, fmt.Errorf("vm: network backend init: %w", err)
		}

		b.AttachVirtio(virtio.NewNetwork(cfg.NetBackend))
	}

	entry, err := boot.Load(b.Dram, cfg.Kernel)
	if err != nil {
		return nil, fmt.Errorf("vm: loading kernel: %w", err)
	}

	platCfg := dtb.PlatformConfig{
		HasDisplay: plat.Display != nil,
		HasMMC:     plat.MMC != nil,
		HasEMAC:    plat.EMAC != nil,
		HasTouch:   plat.Touch != nil,
	}

	blob := dtb.Generate(numHarts, uint64(dramSize), platCfg)
	if len(blob) > dtb.MaxSize {
		return nil, riscv.FatalTrap("vm: generated DTB of %d bytes exceeds MaxSize %d", len(blob), dtb.MaxSize)
	}

	dtbOff, ok := b.Dram.Offset(dtb.Address)
	if !ok {
		return nil, riscv.FatalTrap("vm: DTB address %#x outside DRAM", dtb.Address)
	}

	if err := b.Dram.WriteBytes(dtbOff, blob); err != nil {
		return nil, fmt.Errorf("vm: writing DTB: %w", err)
	}

	halt := &hart.HaltState{}
	cpus := make([]*cpu.CPU, numHarts)
	contexts := make([]*hart.Context, numHarts)

	m := &Machine{Bus: b, CPUs: cpus, Halt: halt, gpu: gpuDev, input: inputDev, log: logger}

	for h := 0; h < numHarts; h++ {
		c := cpu.New(h, b, entry, logger)
		c.Regs.Set(regA0, uint64(h))
		c.Regs.Set(regA1, dtb.Address)
		cpus[h] = c

		b.RegisterCodeCache(c.Cache)

		role := hart.Processor
		var pumps hart.PumpFunc

		if h == 0 {
			if numHarts == 1 {
				role = hart.Combined
			} else {
				role = hart.Orchestrator
			}

			pumps = m.pump
		}

		contexts[h] = hart.NewContext(c, role, b, halt, pumps, logger)
	}

	m.mgr = hart.NewManager(contexts, halt)

	return m, nil
}

// pump is the Orchestrator hart's coarse-cadence host-facing bookkeeping (spec §4.8): let
// every VirtIO device drain completed host-side I/O (incoming network packets and the like).
// UART output and GPU frames are pulled by the host on its own schedule via DrainUART/
// TakeGPUFrame, not pushed here.
func (m *Machine) pump() {
	m.Bus.PollVirtio()
}

// Run starts every hart and blocks until the machine halts or ctx is cancelled, returning the
// published halt code (spec §6: 0x5555 is the conventional clean-shutdown value).
func (m *Machine) Run(ctx context.Context) uint64 {
	return m.mgr.Run(ctx)
}

// PushUARTInput delivers one byte from the host console into the UART's RX FIFO (spec §6 host
// pump: "push a byte into the UART RX FIFO").
func (m *Machine) PushUARTInput(b byte) {
	m.Bus.Uart.PushInput(b)
}

// DrainUARTOutput returns and clears every byte the guest has written to the UART's TX FIFO
// since the last call (spec §6 host pump: "drain all pending UART TX bytes").
func (m *Machine) DrainUARTOutput() []byte {
	return m.Bus.Uart.DrainOutput()
}

// TakeGPUFrame returns the most recently flushed GPU frame, if any, and marks it taken so it is
// never returned twice (spec §4.4's GPU device invariant). ok is false if no GPU device is
// attached or no frame is pending.
func (m *Machine) TakeGPUFrame() (width, height uint32, pixels []byte, ok bool) {
	if m.gpu == nil {
		return 0, 0, nil, false
	}

	return m.gpu.TakePendingFrame()
}

// PushKeyEvent delivers one Linux keycode press/release to the virtio-input device, if attached
// (spec §6 host pump: "push a key event").
func (m *Machine) PushKeyEvent(code uint16, pressed bool) {
	if m.input != nil {
		m.input.PushKeyEvent(code, pressed)
	}
}

// RequestHalt asks every hart to stop at its next batch boundary (spec §6 host pump: "request
// halt"), as if the guest itself had written to the test-finisher region.
func (m *Machine) RequestHalt(code uint64) {
	m.Halt.Request(code)
}

// HaltCode returns the published exit code (spec §6 host pump: "read halt code"). Valid only
// once the machine has actually halted (check Halt.Requested first, or inspect Run's result).
func (m *Machine) HaltCode() uint64 {
	return m.Halt.Code()
}
