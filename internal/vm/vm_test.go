package vm

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/trust0/riscvvm/internal/bus"
	"github.com/trust0/riscvvm/internal/netbackend"
	"github.com/trust0/riscvvm/internal/platform"
	"github.com/trust0/riscvvm/internal/uart"
)

func encodeU(imm20 uint32, rd, opcode uint32) uint32 {
	return imm20<<12 | rd<<7 | opcode
}

func encodeI(imm uint32, rs1, funct3, rd, opcode uint32) uint32 {
	return imm<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func encodeS(imm uint32, rs2, rs1, funct3, opcode uint32) uint32 {
	return (imm>>5)<<25 | rs2<<20 | rs1<<15 | funct3<<12 | (imm&0x1f)<<7 | opcode
}

// buildFlatImage assembles a tiny program: write 'A' to the UART THR, then write 0x5555 to the
// test finisher, matching the boot-to-halt shape of spec.md §8 scenario 1 at a scale a unit test
// can run in microseconds instead of booting a real kernel image.
func buildFlatImage() []byte {
	const (
		opLUI   = 0b0110111
		opADDI  = 0b0010011
		opStore = 0b0100011

		a3 = 13
		a4 = 14
		a5 = 15
	)

	insns := []uint32{
		encodeU(uart.Base>>12, a4, opLUI),      // lui a4, %hi(UART_BASE)
		encodeI('A', 0, 0, a3, opADDI),         // addi a3, x0, 'A'
		encodeS(0, a3, a4, 0b000, opStore),     // sb a3, 0(a4)
		encodeU(5, a5, opLUI),                  // lui a5, 5
		encodeI(0x555, a5, 0, a5, opADDI),      // addi a5, a5, 0x555  -> a5 = 0x5555
		encodeU(bus.TestFinisherBase>>12, a4, opLUI), // lui a4, %hi(TEST_FINISHER)
		encodeS(0, a5, a4, 0b010, opStore),     // sw a5, 0(a4)
	}

	buf := make([]byte, 4*len(insns))
	for i, insn := range insns {
		binary.LittleEndian.PutUint32(buf[i*4:], insn)
	}

	return buf
}

func TestMachineBootsAndHalts(t *testing.T) {
	m, err := New(Config{
		NumHarts: 1,
		DRAMSize: 64 * 1024 * 1024,
		Kernel:   buildFlatImage(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	code := m.Run(ctx)
	if code != 0x5555 {
		t.Fatalf("halt code = %#x, want 0x5555", code)
	}

	out := m.DrainUARTOutput()
	if len(out) != 1 || out[0] != 'A' {
		t.Fatalf("uart output = %v, want [%q]", out, "A")
	}
}

func TestMachineMultiHartAllObserveHalt(t *testing.T) {
	m, err := New(Config{
		NumHarts: 2,
		DRAMSize: 64 * 1024 * 1024,
		Kernel:   buildFlatImage(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if len(m.CPUs) != 2 {
		t.Fatalf("len(CPUs) = %d, want 2", len(m.CPUs))
	}

	if m.CPUs[0].Regs.Get(regA0) != 0 {
		t.Fatalf("hart 0 a0 = %d, want 0", m.CPUs[0].Regs.Get(regA0))
	}
	if m.CPUs[1].Regs.Get(regA0) != 1 {
		t.Fatalf("hart 1 a0 = %d, want 1", m.CPUs[1].Regs.Get(regA0))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	code := m.Run(ctx)
	if code != 0x5555 {
		t.Fatalf("halt code = %#x, want 0x5555", code)
	}
}

func TestMachineWithGPUAndInputAttached(t *testing.T) {
	m, err := New(Config{
		NumHarts:    1,
		DRAMSize:    64 * 1024 * 1024,
		Kernel:      buildFlatImage(),
		EnableGPU:   true,
		GPUWidth:    64,
		GPUHeight:   48,
		EnableInput: true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, _, _, ok := m.TakeGPUFrame(); ok {
		t.Fatal("TakeGPUFrame: want no pending frame before any flush command")
	}

	m.PushKeyEvent(30, true) // should not panic with an attached input device

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if code := m.Run(ctx); code != 0x5555 {
		t.Fatalf("halt code = %#x, want 0x5555", code)
	}
}

func TestMachineWithoutGPUOrInputIsSafeToQuery(t *testing.T) {
	m, err := New(Config{
		NumHarts: 1,
		DRAMSize: 64 * 1024 * 1024,
		Kernel:   buildFlatImage(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, _, _, ok := m.TakeGPUFrame(); ok {
		t.Fatal("TakeGPUFrame: want ok=false with no GPU attached")
	}

	m.PushKeyEvent(30, true) // no input device attached; must be a no-op, not a panic
}

func TestMachineWithNetBackendAttached(t *testing.T) {
	backend := netbackend.NewAsync(netbackend.NewDummy())

	m, err := New(Config{
		NumHarts:   1,
		DRAMSize:   64 * 1024 * 1024,
		Kernel:     buildFlatImage(),
		NetBackend: backend,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if code := m.Run(ctx); code != 0x5555 {
		t.Fatalf("halt code = %#x, want 0x5555", code)
	}
}

func TestMachineWithPlatformRegionsAttached(t *testing.T) {
	m, err := New(Config{
		NumHarts: 1,
		DRAMSize: 64 * 1024 * 1024,
		Kernel:   buildFlatImage(),
		Platform: *platform.New(true, true, true, true),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if code := m.Run(ctx); code != 0x5555 {
		t.Fatalf("halt code = %#x, want 0x5555", code)
	}
}
