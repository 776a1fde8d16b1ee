// Package netbackend implements the host-side packet transports a virtio-net device can be
// wired to: a no-op sink for headless runs, and an asynchronous wrapper that moves blocking I/O
// off the hart goroutines. Grounded on original_source/riscv-vm/src/net/{mod.rs,async_backend.rs}.
package netbackend

import "time"

// Backend is the host side of a virtio-net device: something that can hand the VM Ethernet
// frames and accept Ethernet frames from it. Mirrors the Rust NetworkBackend trait
// (init/recv/send/mac_address/get_assigned_ip/receive_timeout).
type Backend interface {
	Init() error
	// Recv returns the next queued frame without blocking, or (nil, nil) if none is ready.
	Recv() ([]byte, error)
	Send(frame []byte) error
	MACAddress() [6]byte
	// AssignedIP reports the IP a relay-style backend has handed the VM, if any.
	AssignedIP() (addr [4]byte, ok bool)
	// RecvTimeout blocks up to timeout for a frame.
	RecvTimeout(timeout time.Duration) ([]byte, error)
}

// Dummy is a Backend that never produces or accepts traffic: a valid virtio-net link with
// nothing on the other end, used when no networking is configured.
type Dummy struct {
	mac [6]byte
}

// NewDummy builds a Dummy backend with a locally-administered MAC address (bit 0x02 of the
// first octet set, matching the Rust DummyBackend's convention so the same guest-side leases
// see the same address class).
func NewDummy() *Dummy {
	return &Dummy{mac: [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}}
}

func (d *Dummy) Init() error                 { return nil }
func (d *Dummy) Recv() ([]byte, error)       { return nil, nil }
func (d *Dummy) Send(frame []byte) error     { return nil }
func (d *Dummy) MACAddress() [6]byte         { return d.mac }
func (d *Dummy) AssignedIP() ([4]byte, bool) { return [4]byte{}, false }

func (d *Dummy) RecvTimeout(time.Duration) ([]byte, error) {
	return nil, nil
}
