// Package uart implements a 16550-compatible serial port: an 8-byte register window over an
// input and an output FIFO, with the THRE/RDA interrupt priority logic real 16550 drivers probe
// for. It is grounded on original_source/riscv-vm/src/uart.rs, using the teacher's slog-based
// internal/log package in place of the original's log::trace! calls.
package uart

import (
	"sync"

	"github.com/trust0/riscvvm/internal/log"
)

const (
	Base = 0x1000_0000
	Size = 0x100
)

// Register offsets. RBR/THR, IER/(divisor latch MSB), and IIR/FCR alias the same offset
// depending on direction and the divisor-latch-access bit in LCR.
const (
	regRBR = 0x00
	regTHR = 0x00
	regIER = 0x01
	regIIR = 0x02
	regFCR = 0x02
	regLCR = 0x03
	regMCR = 0x04
	regLSR = 0x05
	regMSR = 0x06
	regSCR = 0x07
)

const (
	lsrDataReady      = 0x01
	lsrTHRE           = 0x20
	lsrTransmitterIdle = 0x40
	lcrDivisorLatch   = 0x80
)

// Uart is a single serial port. All fields are guarded by mu; the zero value is not ready for
// use, call New.
type Uart struct {
	mu sync.Mutex

	input, output []byte

	ier, iir, fcr, lcr, mcr, lsr, msr, scr byte
	dll, dlm                               byte

	interrupting bool
	thrEmptyIP   bool

	log *log.Logger
}

// New returns a UART with a freshly reset register set: no interrupt pending, transmitter
// empty and idle.
func New(logger *log.Logger) *Uart {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	return &Uart{
		iir:        0x01,
		lsr:        lsrTHRE | lsrTransmitterIdle,
		thrEmptyIP: true,
		log:        logger,
	}
}

// updateInterrupts recomputes IIR and the interrupting flag from the current register state.
// Must be called with mu held.
func (u *Uart) updateInterrupts() {
	u.interrupting = false
	u.iir = 0x01

	switch {
	case u.lsr&lsrDataReady != 0 && u.ier&0x01 != 0:
		u.interrupting = true
		u.iir = 0x04 // Received Data Available
	case u.thrEmptyIP && u.ier&0x02 != 0:
		u.interrupting = true
		u.iir = 0x02 // Transmitter Holding Register Empty
	}
}

// IsInterrupting reports whether the UART currently asserts its interrupt line.
func (u *Uart) IsInterrupting() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.interrupting
}

// Load reads a UART register. Only byte-sized accesses are architecturally meaningful.
func (u *Uart) Load(offset uint64, size int) uint64 {
	if size != 1 {
		return 0
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	switch offset {
	case regRBR:
		if u.lcr&lcrDivisorLatch != 0 {
			return uint64(u.dll)
		}

		var b byte
		if len(u.input) > 0 {
			b = u.input[0]
			u.input = u.input[1:]
		}

		if len(u.input) == 0 {
			u.lsr &^= lsrDataReady
		} else {
			u.lsr |= lsrDataReady
		}

		u.updateInterrupts()

		return uint64(b)

	case regIER:
		if u.lcr&lcrDivisorLatch != 0 {
			return uint64(u.dlm)
		}
		return uint64(u.ier)

	case regIIR:
		val := u.iir
		if val&0x0f == 0x02 {
			u.thrEmptyIP = false
			u.updateInterrupts()
			u.log.Debug("uart: IIR read cleared THRE interrupt pending")
		}
		return uint64(val)

	case regLCR:
		return uint64(u.lcr)
	case regMCR:
		return uint64(u.mcr)
	case regLSR:
		return uint64(u.lsr)
	case regMSR:
		return uint64(u.msr)
	case regSCR:
		return uint64(u.scr)
	default:
		return 0
	}
}

// Store writes a UART register.
func (u *Uart) Store(offset uint64, size int, value uint64) {
	if size != 1 {
		return
	}

	val := byte(value)

	u.mu.Lock()
	defer u.mu.Unlock()

	switch offset {
	case regTHR:
		if u.lcr&lcrDivisorLatch != 0 {
			u.dll = val
			return
		}

		u.output = append(u.output, val)
		u.lsr |= lsrTHRE
		u.thrEmptyIP = true
		u.updateInterrupts()

	case regIER:
		if u.lcr&lcrDivisorLatch != 0 {
			u.dlm = val
			return
		}

		u.ier = val
		u.updateInterrupts()

	case regFCR:
		u.fcr = val
		if u.fcr&0x02 != 0 {
			u.input = u.input[:0]
			u.lsr &^= lsrDataReady
		}
		if u.fcr&0x04 != 0 {
			u.output = u.output[:0]
			u.lsr |= lsrTHRE | lsrTransmitterIdle
		}
		u.updateInterrupts()

	case regLCR:
		u.lcr = val
	case regMCR:
		u.mcr = val
	case regLSR:
		// Read-only to software.
	case regMSR:
		// Read-only to software.
	case regSCR:
		u.scr = val
	}
}

// PushInput enqueues a byte from the host (a keystroke, a piped file) for the guest to read.
func (u *Uart) PushInput(b byte) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.input = append(u.input, b)
	u.lsr |= lsrDataReady
	u.updateInterrupts()
}

// PopOutput returns and removes the next transmitted byte, if any.
func (u *Uart) PopOutput() (byte, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if len(u.output) == 0 {
		return 0, false
	}

	b := u.output[0]
	u.output = u.output[1:]

	return b, true
}

// HasOutput reports whether any transmitted bytes are waiting to be drained.
func (u *Uart) HasOutput() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.output) > 0
}

// DrainOutput returns and clears all pending transmitted bytes in one lock acquisition; the
// host display pump calls this instead of looping PopOutput.
func (u *Uart) DrainOutput() []byte {
	u.mu.Lock()
	defer u.mu.Unlock()

	out := u.output
	u.output = nil

	return out
}

// PushOutputString injects a string directly into the output stream, bypassing THR, so VM-
// generated banners and status lines interleave with guest UART output in the same stream.
func (u *Uart) PushOutputString(s string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.output = append(u.output, s...)
}

// InputSnapshot, OutputSnapshot and RegisterSnapshot support the snapshot format (spec §6).
func (u *Uart) InputSnapshot() []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]byte, len(u.input))
	copy(out, u.input)
	return out
}

func (u *Uart) OutputSnapshot() []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]byte, len(u.output))
	copy(out, u.output)
	return out
}

type RegisterSnapshot struct {
	IER, IIR, FCR, LCR, MCR, LSR, MSR, SCR, DLL, DLM byte
}

func (u *Uart) RegisterSnapshot() RegisterSnapshot {
	u.mu.Lock()
	defer u.mu.Unlock()

	return RegisterSnapshot{
		IER: u.ier, IIR: u.iir, FCR: u.fcr, LCR: u.lcr, MCR: u.mcr,
		LSR: u.lsr, MSR: u.msr, SCR: u.scr, DLL: u.dll, DLM: u.dlm,
	}
}

func (u *Uart) RestoreInput(b []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.input = append(u.input[:0], b...)
	if len(u.input) > 0 {
		u.lsr |= lsrDataReady
	} else {
		u.lsr &^= lsrDataReady
	}
}

func (u *Uart) RestoreOutput(b []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.output = append(u.output[:0], b...)
}

func (u *Uart) RestoreRegisters(r RegisterSnapshot) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.ier, u.iir, u.fcr, u.lcr, u.mcr = r.IER, r.IIR, r.FCR, r.LCR, r.MCR
	u.lsr, u.msr, u.scr, u.dll, u.dlm = r.LSR, r.MSR, r.SCR, r.DLL, r.DLM
	u.updateInterrupts()
}
