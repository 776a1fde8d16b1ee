package engine

import "testing"

func TestIsTerminator(t *testing.T) {
	cases := []struct {
		name string
		op   MicroOp
		want bool
	}{
		{"jal", MicroOp{Kind: Jal, Rd: 0, Imm: 0, InsnLen: 4}, true},
		{"beq", MicroOp{Kind: Beq, Rs1: 0, Rs2: 0, Imm: 0, InsnLen: 4}, true},
		{"ecall", MicroOp{Kind: Ecall}, true},
		{"addi", MicroOp{Kind: Addi, Rd: 1, Rs1: 0, Imm: 0}, false},
		{"add", MicroOp{Kind: Add, Rd: 1, Rs1: 0, Rs2: 0}, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.op.IsTerminator(); got != c.want {
				t.Errorf("IsTerminator() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestMayTrap(t *testing.T) {
	cases := []struct {
		name string
		op   MicroOp
		want bool
	}{
		{"ld", MicroOp{Kind: Ld, Rd: 1, Rs1: 0, Imm: 0}, true},
		{"sd", MicroOp{Kind: Sd, Rs1: 0, Rs2: 0, Imm: 0}, true},
		{"ecall", MicroOp{Kind: Ecall}, true},
		{"add", MicroOp{Kind: Add, Rd: 1, Rs1: 0, Rs2: 0}, false},
		{"lui", MicroOp{Kind: Lui, Rd: 1, Imm: 0}, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.op.MayTrap(); got != c.want {
				t.Errorf("MayTrap() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestPCOffsetOf(t *testing.T) {
	op := MicroOp{Kind: Ld, Rd: 1, Rs1: 2, Imm: 8, PCOffset: 12}
	off, ok := op.PCOffsetOf()
	if !ok || off != 12 {
		t.Errorf("PCOffsetOf() = (%d, %v), want (12, true)", off, ok)
	}

	leaf := MicroOp{Kind: Add, Rd: 1, Rs1: 2, Rs2: 3}
	if _, ok := leaf.PCOffsetOf(); ok {
		t.Error("PCOffsetOf() on Add should report ok=false")
	}
}
