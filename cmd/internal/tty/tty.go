// Package tty provides terminal emulation: raw-mode stdin/stdout wired to the guest UART, adapted
// from the teacher's Console (terminal I/O for an LC-3 keyboard/display pair) onto the RISC-V
// UART's byte-oriented push/drain host pumps instead.
package tty

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// ErrNoTTY is returned if standard input is not a terminal.
var ErrNoTTY error = errors.New("tty: not a TTY")

// Term is a raw-mode terminal bound to stdin/stdout, pumping bytes between the console and a
// guest UART. Grounded on the teacher's Console (cmd/internal/tty/tty.go): same fd/state/raw-mode
// setup, replacing its keyCh-to-vm.Keyboard wiring with plain byte callbacks since the UART is a
// byte stream, not a scan-code keyboard.
type Term struct {
	in    *os.File
	out   *os.File
	fd    int
	state *term.State
}

// NewRaw puts sin into raw mode and returns a Term bound to sin/sout. If sin is not a terminal
// (e.g. input is piped from a file), ErrNoTTY is returned and the caller should fall back to a
// non-interactive run.
func NewRaw(sin, sout *os.File) (*Term, error) {
	fd := int(sin.Fd())

	if !term.IsTerminal(fd) {
		return nil, ErrNoTTY
	}

	saved, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoTTY, err)
	}

	t := &Term{fd: fd, in: sin, out: sout, state: saved}

	if err := t.setTerminalParams(1, 0); err != nil {
		_ = term.Restore(fd, saved)
		return nil, err
	}

	return t, nil
}

// Restore returns the terminal to its initial state and unblocks any in-progress read.
func (t *Term) Restore() {
	_ = t.in.SetReadDeadline(time.Now())
	_ = term.Restore(t.fd, t.state)
}

func (t *Term) setTerminalParams(vmin, vtime byte) error {
	_ = syscall.SetNonblock(t.fd, true)

	termIO, err := unix.IoctlGetTermios(t.fd, getTermiosIoctl)
	if err != nil {
		return err
	}

	termIO.Cc[unix.VMIN] = vmin
	termIO.Cc[unix.VTIME] = vtime

	if err := unix.IoctlSetTermios(t.fd, setTermiosIoctl, termIO); err != nil {
		return err
	}

	_ = t.in.SetReadDeadline(time.Time{})

	return nil
}

// PumpInput reads bytes from the terminal and delivers each one to push (typically
// vm.Machine.PushUARTInput), until ctx is cancelled or the input stream errors out.
func (t *Term) PumpInput(ctx context.Context, push func(byte)) {
	buf := bufio.NewReader(t.in)

	_ = syscall.SetNonblock(t.fd, false)

	for {
		select {
		case <-ctx.Done():
			return
		default:
			b, err := buf.ReadByte()
			if err != nil {
				return
			}

			push(b)
		}
	}
}

// PumpOutput polls drain (typically vm.Machine.DrainUARTOutput) on a short interval and writes
// whatever bytes it returns to the terminal, until ctx is cancelled.
func (t *Term) PumpOutput(ctx context.Context, drain func() []byte) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if out := drain(); len(out) > 0 {
				_, _ = t.out.Write(out)
			}
		}
	}
}
