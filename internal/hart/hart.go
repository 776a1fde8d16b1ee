// Package hart implements the orchestration loop that spawns one host scheduling unit per
// simulated hart and drives it through batches of compiled blocks, exactly as spec.md §4.8
// describes. It is grounded on original_source/riscv-vm/src/hart.rs (the HartContext/
// HartManager split, the Role enum, the per-batch halt check) adapted from the teacher's
// internal/vm's single goroutine-per-machine Run loop (vm.go's Run method, which this package's
// per-hart Run mirrors) into one goroutine per hart sharing a single Bus.
package hart

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/trust0/riscvvm/internal/bus"
	"github.com/trust0/riscvvm/internal/cpu"
	"github.com/trust0/riscvvm/internal/log"
	"github.com/trust0/riscvvm/internal/riscv"
)

// Role distinguishes the hart that drives the host-facing pumps (wall-clock tick, UART drain,
// VirtIO poll) from the harts that only execute guest code. Hart 0 is always Orchestrator;
// every other hart is Processor. A single-hart machine uses Combined, which is simply both
// roles on the one goroutine.
type Role int

const (
	Processor Role = iota
	Orchestrator
	Combined
)

// BatchSize is how many CPU.Step calls (each one compiled block) a hart runs between halt-flag
// checks (spec §4.8): the CPU inner loop itself never suspends, so this is the only safe
// preemption granularity.
const BatchSize = 256

// PumpEvery is how many batches the Orchestrator hart runs before calling the host pumps
// (UART drain, VirtIO poll), giving pumps a coarser cadence than the halt check (spec §4.8:
// "every 16 or 64 batches").
const PumpEvery = 16

// HaltState is the shared, lock-free "requested | halted" pair every hart observes (spec §3,
// §9's "inter-hart halt propagation via a single atomic flags byte"). A write to the
// test-finisher region from any hart publishes the code and sets the flag; every other hart
// notices at its next batch boundary and returns.
type HaltState struct {
	requested atomic.Bool
	code      atomic.Uint64
}

// Request publishes code and marks the machine halted. Only the first call's code sticks;
// later calls (e.g. a second hart also hitting the test finisher) are no-ops.
func (h *HaltState) Request(code uint64) {
	if h.requested.CompareAndSwap(false, true) {
		h.code.Store(code)
	}
}

// Requested reports whether any hart has asked the machine to stop.
func (h *HaltState) Requested() bool { return h.requested.Load() }

// Code returns the published exit code. Valid only once Requested is true.
func (h *HaltState) Code() uint64 { return h.code.Load() }

// PumpFunc is called by the Orchestrator hart every PumpEvery batches: draining the UART TX
// FIFO to a console, polling VirtIO devices for completed host-side I/O, and similar
// host-facing bookkeeping that has no guest-visible effect of its own (spec §4.8, §6's host
// pumps).
type PumpFunc func()

// Context is one hart's runnable unit: its CPU plus the role-specific behavior (whether it
// drives pumps) layered over the shared bus and halt state. Grounded on hart.rs's HartContext.
type Context struct {
	CPU  *cpu.CPU
	Role Role

	bus   *bus.Bus
	halt  *HaltState
	pumps PumpFunc
	log   *slog.Logger
}

// NewContext wraps a CPU as a runnable hart. pumps is ignored for Processor roles.
func NewContext(c *cpu.CPU, role Role, b *bus.Bus, halt *HaltState, pumps PumpFunc, logger *slog.Logger) *Context {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	return &Context{CPU: c, Role: role, bus: b, halt: halt, pumps: pumps, log: log.WithHart(logger, c.HartID)}
}

// Run executes batches of BatchSize blocks until the context is cancelled or any hart
// requests a halt, observed at the next batch boundary (spec §5: batch boundaries are the only
// safe preemption points). It never returns an error for architectural traps — those are
// delivered to the guest inside CPU.Step — only for cancellation or halt.
func (hc *Context) Run(ctx context.Context) {
	for batch := 0; ; batch++ {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if hc.halt.Requested() {
			return
		}

		for i := 0; i < BatchSize; i++ {
			hc.CPU.PollInterrupts()

			if _, err := hc.CPU.Step(); err != nil {
				var requested *riscv.RequestedHalt
				if errors.As(err, &requested) {
					hc.log.Info("halt requested", log.Hex64("code", requested.Code))
					hc.halt.Request(requested.Code)

					return
				}

				hc.log.Warn("unexpected hart error", "error", err)

				return
			}
		}

		if (hc.Role == Orchestrator || hc.Role == Combined) && hc.pumps != nil && batch%PumpEvery == 0 {
			hc.pumps()
		}
	}
}

// Manager owns every hart context in a machine and runs them concurrently, one goroutine each,
// sharing the bus and halt state (spec §4.8: "the VM hosts one scheduling unit per hart").
// Grounded on hart.rs's HartManager::run_all, adapted from the teacher's internal/vm.LC3.Run
// single-goroutine loop.
type Manager struct {
	Contexts []*Context
	Halt     *HaltState
}

// NewManager builds a Manager for the given hart contexts, which must already share one
// HaltState and one Bus.
func NewManager(contexts []*Context, halt *HaltState) *Manager {
	return &Manager{Contexts: contexts, Halt: halt}
}

// Run starts every hart and blocks until all have returned, either because the context was
// cancelled or because a hart requested a halt (propagated to every other hart via HaltState).
// It returns the published halt code, or 0 if the machine stopped for any other reason.
func (m *Manager) Run(ctx context.Context) uint64 {
	var wg sync.WaitGroup

	wg.Add(len(m.Contexts))

	for _, hc := range m.Contexts {
		hc := hc

		go func() {
			defer wg.Done()
			hc.Run(ctx)
		}()
	}

	wg.Wait()

	return m.Halt.Code()
}
