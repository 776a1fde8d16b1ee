// Package virtio implements the MMIO transport (legacy/v1 register layout) shared by every
// VirtIO device this machine exposes, and the per-device state machines themselves: block,
// network, rng, gpu and input. Grounded on original_source/riscv-vm/src/devices/virtio/*.rs.
//
// device.rs, the module those four files share their register offsets and queue-layout
// constants through, was filtered out of the retrieved sources (the same way decoder.rs was).
// Its contents are reconstructed here from two places: the VirtIO MMIO transport's public,
// versioned register layout (spec.md §4.4), and the call sites in block.rs, gpu.rs, input.rs and
// rng.rs, which between them name every constant this file defines.
package virtio

import "github.com/trust0/riscvvm/internal/dram"

// MMIO register byte offsets, legacy (version 1) VirtIO-MMIO transport — the layout block.rs's
// QUEUE_PFN_OFFSET read/write implies, rather than the version-2 QueueDescLow/High split. Both
// the legacy PFN register and the split 64-bit descriptor/driver/device-area registers are
// wired here, so a device can be driven by either a legacy or a modern driver.
const (
	MagicValueOffset        = 0x000
	VersionOffset           = 0x004
	DeviceIDOffset          = 0x008
	VendorIDOffset          = 0x00c
	DeviceFeaturesOffset    = 0x010
	DeviceFeaturesSelOffset = 0x014
	DriverFeaturesOffset    = 0x020
	DriverFeaturesSelOffset = 0x024
	GuestPageSizeOffset     = 0x028
	QueueSelOffset          = 0x030
	QueueNumMaxOffset       = 0x034
	QueueNumOffset          = 0x038
	QueueAlignOffset        = 0x03c
	QueuePFNOffset          = 0x040
	QueueReadyOffset        = 0x044
	QueueNotifyOffset       = 0x050
	InterruptStatusOffset   = 0x060
	InterruptAckOffset      = 0x064
	StatusOffset            = 0x070
	QueueDescLowOffset      = 0x080
	QueueDescHighOffset     = 0x084
	QueueDriverLowOffset    = 0x090
	QueueDriverHighOffset   = 0x094
	QueueDeviceLowOffset    = 0x0a0
	QueueDeviceHighOffset   = 0x0a4
	ConfigGenerationOffset  = 0x0fc
	ConfigOffset            = 0x100

	MagicValue = 0x74726976 // "virt"
	Version    = 1
	VendorID   = 0x554d4551 // "QEMU" reversed, matching the rest of the pack's QEMU-alike device IDs

	QueueSize = 256

	VringDescFNext  = 1
	VringDescFWrite = 2
)

// VirtIO device IDs (§4.4 of spec.md).
const (
	DeviceIDNetwork = 1
	DeviceIDBlock   = 2
	DeviceIDRNG     = 4
	DeviceIDGPU     = 16
	DeviceIDInput   = 18
)

// VirtioBlkFFlush is the device-specific feature bit virtio-blk advertises (virtio-net's own
// bits are in network.go).
const VirtioBlkFFlush = 9

// physToOffset converts a guest physical address into a DRAM-relative byte offset, failing
// closed (ok=false) for anything outside the DRAM window — block.rs's phys_to_offset.
func physToOffset(mem *dram.Dram, addr uint64) (uint64, bool) {
	return mem.Offset(addr)
}

// queueLayout is the queue geometry a device derives once either the legacy QueuePFN register
// or the modern split desc/driver/device registers are written: the descriptor table, available
// ring and used ring base addresses.
type queueLayout struct {
	desc, avail, used uint64
}

// layoutFromPFN reproduces block.rs's (and rng.rs's) QUEUE_PFN_OFFSET handler: given the guest's
// page frame number and the negotiated page size/queue depth, lay out desc/avail/used
// contiguously with the used ring page-aligned after the available ring.
func layoutFromPFN(pfn uint64, pageSize, queueNum uint32) queueLayout {
	desc := pfn * uint64(pageSize)
	avail := desc + 16*uint64(queueNum)
	availSize := 6 + 2*uint64(queueNum)
	used := (avail + availSize + uint64(pageSize) - 1) &^ (uint64(pageSize) - 1)

	return queueLayout{desc: desc, avail: avail, used: used}
}

// setLow32/setHigh32 patch one half of a 64-bit queue address, the way the modern split
// QueueDescLow/High (and Driver/Device) register pairs are written one 32-bit word at a time.
func setLow32(addr uint64, val uint32) uint64 {
	return addr&0xffffffff00000000 | uint64(val)
}

func setHigh32(addr uint64, val uint32) uint64 {
	return addr&0x00000000ffffffff | uint64(val)<<32
}

// descriptor is one entry of the legacy vring descriptor table.
type descriptor struct {
	addr  uint64
	len   uint32
	flags uint16
	next  uint16
}

func readDescriptor(mem *dram.Dram, descTableAddr uint64, idx uint16) (descriptor, bool) {
	off, ok := physToOffset(mem, descTableAddr+uint64(idx)*16)
	if !ok {
		return descriptor{}, false
	}

	bytes, err := mem.ReadBytes(off, 16)
	if err != nil {
		return descriptor{}, false
	}

	return descriptor{
		addr:  leUint64(bytes[0:8]),
		len:   leUint32(bytes[8:12]),
		flags: leUint16(bytes[12:14]),
		next:  leUint16(bytes[14:16]),
	}, true
}

func leUint16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func leUint64(b []byte) uint64 {
	return uint64(leUint32(b[0:4])) | uint64(leUint32(b[4:8]))<<32
}

// availIdx and availRingEntry read the driver-owned available ring: idx at +2, ring entries
// starting at +4, each 2 bytes.
func availIdx(mem *dram.Dram, availAddr uint64) (uint16, bool) {
	off, ok := physToOffset(mem, availAddr+2)
	if !ok {
		return 0, false
	}

	return uint16(mem.Load16(off)), true
}

func availRingEntry(mem *dram.Dram, availAddr uint64, slot uint32) (uint16, bool) {
	off, ok := physToOffset(mem, availAddr+4+uint64(slot)*2)
	if !ok {
		return 0, false
	}

	return uint16(mem.Load16(off)), true
}

// pushUsed appends (descIdx, len) to the device-owned used ring and bumps its idx, mirroring
// the used-ring update at the end of block.rs's process_queue.
func pushUsed(mem *dram.Dram, usedAddr uint64, queueNum uint32, descIdx uint16, length uint32) bool {
	idxOff, ok := physToOffset(mem, usedAddr+2)
	if !ok {
		return false
	}

	usedIdx := uint16(mem.Load16(idxOff))

	slot := uint64(usedIdx) % uint64(queueNum)
	elemOff, ok := physToOffset(mem, usedAddr+4+slot*8)
	if !ok {
		return false
	}

	mem.Store32(elemOff, uint32(descIdx))
	mem.Store32(elemOff+4, length)
	mem.Store16(idxOff, usedIdx+1)

	return true
}
