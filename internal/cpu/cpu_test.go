package cpu

import (
	"testing"

	"github.com/trust0/riscvvm/internal/bus"
	"github.com/trust0/riscvvm/internal/engine"
	"github.com/trust0/riscvvm/internal/riscv"
)

func encodeR(funct7, rs2, rs1, funct3, rd, opcode uint32) uint32 {
	return funct7<<25 | rs2<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func encodeI(imm int64, rs1, funct3, rd, opcode uint32) uint32 {
	return uint32(imm)<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func encodeS(imm int64, rs2, rs1, funct3, opcode uint32) uint32 {
	u := uint32(imm)
	return (u>>5)<<25 | rs2<<20 | rs1<<15 | funct3<<12 | (u&0x1f)<<7 | opcode
}

func encodeSystem(funct12 uint32, rs1, funct3, rd, opcode uint32) uint32 {
	return funct12<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

const (
	opOpImm  = 0b0010011
	opOp     = 0b0110011
	opLoad   = 0b0000011
	opStore  = 0b0100011
	opSystem = 0b1110011
)

func newTestCPU(t *testing.T) *CPU {
	t.Helper()
	b := bus.New(1<<20, 1, nil)
	return New(0, b, bus.DramBase, nil)
}

func TestExecAluArithmetic(t *testing.T) {
	tests := []struct {
		name string
		kind engine.Kind
		rs1  uint64
		rs2  uint64
		imm  int64
		want uint64
	}{
		{"add", engine.Add, 3, 4, 0, 7},
		{"sub", engine.Sub, 10, 3, 0, 7},
		{"and", engine.And, 0xff, 0x0f, 0, 0x0f},
		{"or", engine.Or, 0xf0, 0x0f, 0, 0xff},
		{"xor", engine.Xor, 0xff, 0x0f, 0, 0xf0},
		{"slt true", engine.Slt, ^uint64(0), 1, 0, 1}, // -1 < 1 signed
		{"sltu false", engine.Sltu, ^uint64(0), 1, 0, 0},
		{"addi", engine.Addi, 5, 0, 10, 15},
		{"addiw sign-extends", engine.Addiw, 0x00000000ffffffff, 0, 0, 0xffffffffffffffff},
		{"mul", engine.Mul, 6, 7, 0, 42},
		{"div by zero is all-ones", engine.Div, 5, 0, 0, ^uint64(0)},
		{"divu by zero is all-ones", engine.Divu, 5, 0, 0, ^uint64(0)},
		{"rem by zero returns dividend", engine.Rem, 5, 0, 0, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCPU(t)
			c.Regs.Set(1, tt.rs1)
			c.Regs.Set(2, tt.rs2)

			op := engine.MicroOp{Kind: tt.kind, Rd: 3, Rs1: 1, Rs2: 2, Imm: tt.imm}
			c.execAlu(op)

			if got := c.Regs.Get(3); got != tt.want {
				t.Errorf("%s: got %#x, want %#x", tt.name, got, tt.want)
			}
		})
	}
}

func TestExecuteLoadStoreRoundTrip(t *testing.T) {
	c := newTestCPU(t)

	c.Regs.Set(1, bus.DramBase+0x100) // base address
	c.Regs.Set(2, 0x1122334455667788) // value to store

	store := engine.MicroOp{Kind: engine.Sd, Rs1: 1, Rs2: 2, Imm: 0}
	if err := c.execStore(store); err != nil {
		t.Fatalf("store: %v", err)
	}

	load := engine.MicroOp{Kind: engine.Ld, Rd: 3, Rs1: 1, Imm: 0}
	if trap := c.execLoad(load); trap != nil {
		t.Fatalf("load: %v", trap)
	}

	if got := c.Regs.Get(3); got != 0x1122334455667788 {
		t.Errorf("got %#x, want %#x", got, 0x1122334455667788)
	}
}

func TestExecuteLoadSignExtends(t *testing.T) {
	c := newTestCPU(t)

	c.Regs.Set(1, bus.DramBase+0x200)
	c.Regs.Set(2, 0xff) // byte value 0xff, sign bit set

	if err := c.execStore(engine.MicroOp{Kind: engine.Sb, Rs1: 1, Rs2: 2}); err != nil {
		t.Fatalf("store: %v", err)
	}

	if trap := c.execLoad(engine.MicroOp{Kind: engine.Lb, Rd: 3, Rs1: 1}); trap != nil {
		t.Fatalf("load: %v", trap)
	}

	if got := int64(c.Regs.Get(3)); got != -1 {
		t.Errorf("Lb of 0xff: got %d, want -1", got)
	}

	if trap := c.execLoad(engine.MicroOp{Kind: engine.Lbu, Rd: 4, Rs1: 1}); trap != nil {
		t.Fatalf("load: %v", trap)
	}

	if got := c.Regs.Get(4); got != 0xff {
		t.Errorf("Lbu of 0xff: got %#x, want 0xff", got)
	}
}

func TestExecuteCsrReadModifyWrite(t *testing.T) {
	c := newTestCPU(t)
	c.Mode = riscv.Machine

	// csrrwi mscratch, 0x42 -- always writes, rd gets the prior (zero) value.
	trap := c.executeCsr(engine.MicroOp{Kind: engine.Csrrwi, Rd: 1, Csr: riscv.CSRMscratch, Zimm: 0x42})
	if trap != nil {
		t.Fatalf("csrrwi: %v", trap)
	}
	if c.CSR.Mscratch != 0x42 {
		t.Fatalf("mscratch = %#x, want 0x42", c.CSR.Mscratch)
	}

	// csrrs mscratch, x0 -- rs1=x0 means don't write, just read.
	trap = c.executeCsr(engine.MicroOp{Kind: engine.Csrrs, Rd: 2, Rs1: 0, Csr: riscv.CSRMscratch})
	if trap != nil {
		t.Fatalf("csrrs: %v", trap)
	}
	if c.Regs.Get(2) != 0x42 {
		t.Fatalf("csrrs read %#x, want 0x42", c.Regs.Get(2))
	}
	if c.CSR.Mscratch != 0x42 {
		t.Fatalf("csrrs with rs1=x0 must not write, got %#x", c.CSR.Mscratch)
	}
}

func TestExecuteCsrPrivilegeViolation(t *testing.T) {
	c := newTestCPU(t)
	c.Mode = riscv.User

	trap := c.executeCsr(engine.MicroOp{Kind: engine.Csrrw, Rd: 1, Rs1: 0, Csr: riscv.CSRMscratch})
	if trap == nil {
		t.Fatal("expected illegal instruction trap accessing an M-mode CSR from U-mode")
	}
	if trap.Code != riscv.CauseIllegalInstruction {
		t.Errorf("got cause %d, want CauseIllegalInstruction", trap.Code)
	}
}

func TestTakeTrapDeliversToMachineMode(t *testing.T) {
	c := newTestCPU(t)
	c.Mode = riscv.Supervisor
	c.PC = 0x8000_1000
	c.CSR.Mtvec = 0x8000_2000

	c.takeTrap(riscv.Exception(riscv.CauseIllegalInstruction, 0xdeadbeef))

	if c.Mode != riscv.Machine {
		t.Errorf("mode = %s, want M", c.Mode)
	}
	if c.CSR.Mepc != 0x8000_1000 {
		t.Errorf("mepc = %#x, want 0x80001000", c.CSR.Mepc)
	}
	if c.CSR.Mcause != riscv.CauseIllegalInstruction {
		t.Errorf("mcause = %d, want %d", c.CSR.Mcause, riscv.CauseIllegalInstruction)
	}
	if c.CSR.Mtval != 0xdeadbeef {
		t.Errorf("mtval = %#x, want 0xdeadbeef", c.CSR.Mtval)
	}
	if c.PC != 0x8000_2000 {
		t.Errorf("pc = %#x, want mtvec 0x80002000", c.PC)
	}
}

func TestTakeTrapDelegatesToSupervisor(t *testing.T) {
	c := newTestCPU(t)
	c.Mode = riscv.User
	c.PC = 0x8000_1000
	c.CSR.Stvec = 0x8000_3000
	c.CSR.Medeleg = 1 << riscv.CauseBreakpoint

	c.takeTrap(riscv.Exception(riscv.CauseBreakpoint, 0))

	if c.Mode != riscv.Supervisor {
		t.Errorf("mode = %s, want S (delegated)", c.Mode)
	}
	if c.CSR.Sepc != 0x8000_1000 {
		t.Errorf("sepc = %#x, want 0x80001000", c.CSR.Sepc)
	}
	if c.PC != 0x8000_3000 {
		t.Errorf("pc = %#x, want stvec 0x80003000", c.PC)
	}
}

func TestMretRestoresSavedMode(t *testing.T) {
	c := newTestCPU(t)
	c.Mode = riscv.Machine
	c.CSR.Mepc = 0x8000_5000
	// Simulates returning from a trap that had found mstatus.MIE set and saved it into MPIE;
	// mret must restore MIE from MPIE, not leave whatever MIE happened to hold.
	c.CSR.Mstatus = riscv.MstatusMPIE | (uint64(riscv.Supervisor) << riscv.MstatusMPPShift)

	pc := c.execMret()

	if pc != 0x8000_5000 {
		t.Errorf("mret target = %#x, want mepc", pc)
	}
	if c.Mode != riscv.Supervisor {
		t.Errorf("mode after mret = %s, want S (restored from MPP)", c.Mode)
	}
	if c.CSR.Mstatus&riscv.MstatusMIE == 0 {
		t.Error("mstatus.MIE should be restored from MPIE")
	}
	if c.CSR.Mstatus&riscv.MstatusMPPMask != 0 {
		t.Error("mstatus.MPP should be reset to U (0) after mret")
	}
}

func TestPendingInterruptPriority(t *testing.T) {
	c := newTestCPU(t)
	c.Mode = riscv.Machine
	c.CSR.Mstatus |= riscv.MstatusMIE
	c.CSR.Mie = riscv.MIPMEIP | riscv.MIPMTIP
	c.CSR.Mip = riscv.MIPMTIP | riscv.MIPMEIP

	cause, ok := c.pendingInterrupt()
	if !ok {
		t.Fatal("expected a pending interrupt")
	}
	if cause != riscv.CauseMachineExternalInterrupt {
		t.Errorf("cause = %d, want MEI (external beats timer)", cause)
	}
}

func TestPendingInterruptMaskedWhenDisabled(t *testing.T) {
	c := newTestCPU(t)
	c.Mode = riscv.Machine
	c.CSR.Mstatus &^= riscv.MstatusMIE
	c.CSR.Mie = riscv.MIPMTIP
	c.CSR.Mip = riscv.MIPMTIP

	if _, ok := c.pendingInterrupt(); ok {
		t.Fatal("machine-mode interrupt must be masked when mstatus.MIE is clear and mode is M")
	}
}

// TestStepRunsACompiledProgram assembles a tiny straight-line program directly into guest DRAM
// (addi x1,x0,5; addi x2,x0,7; add x3,x1,x2; ecall) and runs it through the public Step API,
// exercising compile+execute+trap together the way internal/hart will.
func TestStepRunsACompiledProgram(t *testing.T) {
	b := bus.New(1<<20, 1, nil)
	c := New(0, b, bus.DramBase, nil)

	prog := []uint32{
		encodeI(5, 0, 0, 1, opOpImm),   // addi x1, x0, 5
		encodeI(7, 0, 0, 2, opOpImm),   // addi x2, x0, 7
		encodeR(0, 2, 1, 0, 3, opOp),   // add x3, x1, x2
		encodeSystem(0x000, 0, 0, 0, opSystem), // ecall
	}

	for i, word := range prog {
		if err := b.Store(bus.DramBase+uint64(i*4), 4, uint64(word)); err != nil {
			t.Fatalf("store instruction %d: %v", i, err)
		}
	}

	retired, err := c.Step()
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if retired != 4 {
		t.Fatalf("retired = %d, want 4 (block ends at ecall)", retired)
	}

	if got := c.Regs.Get(3); got != 12 {
		t.Errorf("x3 = %d, want 12", got)
	}

	if c.Mode != riscv.Machine {
		t.Errorf("mode after ecall = %s, want M", c.Mode)
	}
	if c.CSR.Mcause != riscv.CauseEnvironmentCallFromM {
		t.Errorf("mcause = %d, want CauseEnvironmentCallFromM", c.CSR.Mcause)
	}
}

func TestStepHitsBlockCacheOnSecondPass(t *testing.T) {
	b := bus.New(1<<20, 1, nil)
	c := New(0, b, bus.DramBase, nil)

	word := encodeI(1, 0, 0, 1, opOpImm) // addi x1, x0, 1
	if err := b.Store(bus.DramBase, 4, uint64(word)); err != nil {
		t.Fatal(err)
	}
	// The block compiler ends a block at a terminator, so an ecall right after the addi bounds
	// this block at exactly two ops.
	ecall := encodeSystem(0x000, 0, 0, 0, opSystem)
	if err := b.Store(bus.DramBase+4, 4, uint64(ecall)); err != nil {
		t.Fatal(err)
	}

	c.PC = bus.DramBase
	if _, err := c.Step(); err != nil {
		t.Fatalf("first step: %v", err)
	}

	_, misses, _, _ := c.Cache.Stats()
	if misses != 1 {
		t.Fatalf("misses after first compile = %d, want 1", misses)
	}

	// Go back to the same PC (the ecall trapped to mtvec) and run it again; this time it must hit cache.
	c.PC = bus.DramBase
	if _, err := c.Step(); err != nil {
		t.Fatalf("second step: %v", err)
	}

	hits, _, _, _ := c.Cache.Stats()
	if hits == 0 {
		t.Error("expected a cache hit on the second pass over the same block")
	}
}
