// Package dtb builds the Flattened Device Tree blob handed to the guest kernel at boot (spec
// §6): a minimal FDT describing the CPUs, memory, CLINT, PLIC, UART and any optional platform
// devices this machine was configured with. Grounded on
// original_source/riscv-vm/src/dtb.rs's DtbBuilder/generate_dtb, translated from a struct of
// three growable Vec<u8> buffers into the equivalent bytes.Buffer-backed builder.
package dtb

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Address is where this machine writes the DTB in DRAM (spec §6): 32 MiB into the region
// (DRAM base 0x8000_0000), leaving 30 MiB above the flat-load kernel entry at 0x8020_0000.
const Address = 0x8200_0000

// MaxSize bounds the generated blob; callers should treat a bigger result as a fatal
// configuration error (see internal/riscv.FatalTrap).
const MaxSize = 64 * 1024

const (
	fdtMagic            = 0xd00dfeed
	fdtVersion          = 17
	fdtLastCompVersion  = 16
	fdtBeginNode uint32 = 1
	fdtEndNode   uint32 = 2
	fdtProp      uint32 = 3
	fdtEnd       uint32 = 9
)

// PlatformConfig selects the optional D1 SoC nodes described in spec §6's "Optional platform
// nodes" clause: only emitted when the corresponding external collaborator (internal/platform)
// is attached to the running machine.
type PlatformConfig struct {
	HasDisplay bool
	HasMMC     bool
	HasEMAC    bool
	HasTouch   bool
}

// Generate builds the complete DTB for a machine with numHarts harts and memSize bytes of
// DRAM starting at 0x8000_0000, optionally describing platform devices.
func Generate(numHarts int, memSize uint64, platform PlatformConfig) []byte {
	b := newBuilder()

	b.beginNode("")
	b.propU32("#address-cells", 2)
	b.propU32("#size-cells", 2)
	b.propString("compatible", "allwinner,sun20i-d1")
	b.propString("model", "riscv-vm-d1")

	b.beginNode("chosen")
	b.propString("bootargs", "earlycon=sbi console=ttyS0")
	b.propString("stdout-path", "/soc/serial@10000000")
	b.endNode()

	b.beginNode("cpus")
	b.propU32("#address-cells", 1)
	b.propU32("#size-cells", 0)
	b.propU32("timebase-frequency", 10_000_000)

	for hart := 0; hart < numHarts; hart++ {
		b.beginNodef("cpu@%d", hart)
		b.propString("device_type", "cpu")
		b.propU32("reg", uint32(hart))
		b.propString("status", "okay")
		b.propString("compatible", "riscv")
		b.propString("riscv,isa", "rv64imac_zicsr_zifencei")
		b.propString("mmu-type", "riscv,sv39")

		b.beginNode("interrupt-controller")
		b.propU32("#interrupt-cells", 1)
		b.propEmpty("interrupt-controller")
		b.propString("compatible", "riscv,cpu-intc")
		b.propU32("phandle", uint32(hart+1))
		b.endNode()

		b.endNode()
	}
	b.endNode() // /cpus

	b.beginNode("memory@80000000")
	b.propString("device_type", "memory")
	b.propReg64(0x8000_0000, memSize)
	b.endNode()

	b.beginNode("soc")
	b.propU32("#address-cells", 2)
	b.propU32("#size-cells", 2)
	b.propString("compatible", "simple-bus")
	b.propEmpty("ranges")

	b.beginNode("clint@2000000")
	b.propString("compatible", "riscv,clint0")
	b.propReg64(0x0200_0000, 0x10000)

	clintInts := make([]uint32, 0, numHarts*4)
	for hart := 0; hart < numHarts; hart++ {
		clintInts = append(clintInts, uint32(hart+1), 3, uint32(hart+1), 7)
	}
	b.propU32Array("interrupts-extended", clintInts)
	b.endNode()

	b.beginNode("interrupt-controller@c000000")
	b.propString("compatible", "riscv,plic0")
	b.propU32("#interrupt-cells", 1)
	b.propEmpty("interrupt-controller")
	b.propReg64(0x0C00_0000, 0x600000)
	b.propU32("riscv,ndev", 127)
	b.propU32("phandle", 100)

	plicInts := make([]uint32, 0, numHarts*4)
	for hart := 0; hart < numHarts; hart++ {
		plicInts = append(plicInts, uint32(hart+1), 9, uint32(hart+1), 11)
	}
	b.propU32Array("interrupts-extended", plicInts)
	b.endNode()

	b.beginNode("serial@10000000")
	b.propString("compatible", "ns16550a")
	b.propReg64(0x1000_0000, 0x100)
	b.propU32("clock-frequency", 3_686_400)
	b.propU32("interrupts", 10)
	b.propU32("interrupt-parent", 100)
	b.endNode()

	if platform.HasDisplay {
		b.beginNode("display-engine@5100000")
		b.propString("compatible", "allwinner,sun20i-d1-de2")
		b.propReg64(0x0510_0000, 0x10000)
		b.propU32("interrupts", 42)
		b.propU32("interrupt-parent", 100)
		b.propString("status", "okay")
		b.endNode()

		b.beginNode("lcd-controller@5461000")
		b.propString("compatible", "allwinner,sun20i-d1-tcon-lcd")
		b.propReg64(0x0546_1000, 0x1000)
		b.propU32("interrupts", 106)
		b.propU32("interrupt-parent", 100)
		b.propString("status", "okay")
		b.endNode()
	}

	if platform.HasMMC {
		b.beginNode("mmc@4020000")
		b.propString("compatible", "allwinner,sun20i-d1-mmc")
		b.propReg64(0x0402_0000, 0x1000)
		b.propU32("interrupts", 56)
		b.propU32("interrupt-parent", 100)
		b.propString("status", "okay")
		b.endNode()
	}

	if platform.HasEMAC {
		b.beginNode("ethernet@4500000")
		b.propString("compatible", "allwinner,sun20i-d1-emac")
		b.propReg64(0x0450_0000, 0x1000)
		b.propU32("interrupts", 62)
		b.propU32("interrupt-parent", 100)
		b.propString("status", "okay")
		b.endNode()
	}

	if platform.HasTouch {
		b.beginNode("i2c@2502000")
		b.propString("compatible", "allwinner,sun20i-d1-i2c")
		b.propReg64(0x0250_2000, 0x400)
		b.propU32("#address-cells", 1)
		b.propU32("#size-cells", 0)
		b.propU32("interrupts", 25)
		b.propU32("interrupt-parent", 100)
		b.propString("status", "okay")

		b.beginNode("touchscreen@14")
		b.propString("compatible", "goodix,gt911")
		b.propU32("reg", 0x14)
		b.propU32("interrupts", 35)
		b.propU32("interrupt-parent", 100)
		b.propString("status", "okay")
		b.endNode()

		b.endNode()
	}

	b.endNode() // /soc
	b.endNode() // /

	return b.finish()
}

// builder assembles the three FDT sections (struct, strings, memory reservation) the way
// dtb.rs's DtbBuilder does, deduplicating repeated property names into a single strings-block
// entry.
type builder struct {
	structBlock  bytes.Buffer
	stringsBlock bytes.Buffer
	stringOffset map[string]uint32
}

func newBuilder() *builder {
	return &builder{stringOffset: make(map[string]uint32)}
}

func (b *builder) writeU32(v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	b.structBlock.Write(buf[:])
}

func (b *builder) align4() {
	for b.structBlock.Len()%4 != 0 {
		b.structBlock.WriteByte(0)
	}
}

func (b *builder) beginNodef(format string, args ...any) {
	b.beginNode(fmt.Sprintf(format, args...))
}

func (b *builder) beginNode(name string) {
	b.writeU32(fdtBeginNode)
	b.structBlock.WriteString(name)
	b.structBlock.WriteByte(0)
	b.align4()
}

func (b *builder) endNode() {
	b.writeU32(fdtEndNode)
}

func (b *builder) stringOffsetFor(name string) uint32 {
	if off, ok := b.stringOffset[name]; ok {
		return off
	}

	off := uint32(b.stringsBlock.Len())
	b.stringsBlock.WriteString(name)
	b.stringsBlock.WriteByte(0)
	b.stringOffset[name] = off

	return off
}

func (b *builder) propString(name, value string) {
	off := b.stringOffsetFor(name)

	b.writeU32(fdtProp)
	b.writeU32(uint32(len(value) + 1))
	b.writeU32(off)
	b.structBlock.WriteString(value)
	b.structBlock.WriteByte(0)
	b.align4()
}

func (b *builder) propU32(name string, value uint32) {
	off := b.stringOffsetFor(name)

	b.writeU32(fdtProp)
	b.writeU32(4)
	b.writeU32(off)
	b.writeU32(value)
}

func (b *builder) propU32Array(name string, values []uint32) {
	off := b.stringOffsetFor(name)

	b.writeU32(fdtProp)
	b.writeU32(uint32(len(values) * 4))
	b.writeU32(off)

	for _, v := range values {
		b.writeU32(v)
	}
}

func (b *builder) propReg64(addr, size uint64) {
	off := b.stringOffsetFor("reg")

	b.writeU32(fdtProp)
	b.writeU32(16)
	b.writeU32(off)
	b.writeU32(uint32(addr >> 32))
	b.writeU32(uint32(addr))
	b.writeU32(uint32(size >> 32))
	b.writeU32(uint32(size))
}

func (b *builder) propEmpty(name string) {
	off := b.stringOffsetFor(name)

	b.writeU32(fdtProp)
	b.writeU32(0)
	b.writeU32(off)
}

// finish assembles the header, empty memory-reservation block, structure block and strings
// block into the final FDT image (spec §6's binary format).
func (b *builder) finish() []byte {
	b.writeU32(fdtEnd)

	const headerSize = 40

	structBytes := b.structBlock.Bytes()
	stringsBytes := b.stringsBlock.Bytes()

	memRsvmapOff := uint32(headerSize)
	structOff := memRsvmapOff + 16
	stringsOff := structOff + uint32(len(structBytes))
	totalSize := stringsOff + uint32(len(stringsBytes))

	out := make([]byte, 0, totalSize)
	var hdr [4]byte

	putU32 := func(v uint32) {
		binary.BigEndian.PutUint32(hdr[:], v)
		out = append(out, hdr[:]...)
	}

	putU32(fdtMagic)
	putU32(totalSize)
	putU32(structOff)
	putU32(stringsOff)
	putU32(memRsvmapOff)
	putU32(fdtVersion)
	putU32(fdtLastCompVersion)
	putU32(0) // boot_cpuid_phys
	putU32(uint32(len(stringsBytes)))
	putU32(uint32(len(structBytes)))

	out = append(out, make([]byte, 16)...) // empty memory reservation block
	out = append(out, structBytes...)
	out = append(out, stringsBytes...)

	return out
}
