package decode

import "testing"

// c builds a 16-bit compressed word from its quadrant and bit fields for readability.
func c(bits16 uint16) uint16 { return bits16 }

func TestExpandCAddiNop(t *testing.T) {
	// C.NOP = C.ADDI x0, 0: all fields zero except the quadrant-1 low bits (01).
	half := c(0b000_0_00000_00000_01)
	raw, trap := ExpandCompressed(half)
	if trap != nil {
		t.Fatalf("unexpected trap: %v", trap)
	}
	insn, trap := Decode(raw)
	if trap != nil {
		t.Fatalf("unexpected trap decoding expansion: %v", trap)
	}
	if insn.Kind != KindOpImm || insn.Rd != 0 || insn.Rs1 != 0 || insn.Imm != 0 {
		t.Errorf("decoded %+v, want addi x0, x0, 0", insn)
	}
}

func TestExpandCLi(t *testing.T) {
	// C.LI x5, 3: funct3=010, rd=5, imm[4:0]=3 (bit12=0).
	half := uint16(0b010)<<13 | uint16(0)<<12 | uint16(5)<<7 | uint16(3)<<2 | 0b01
	raw, trap := ExpandCompressed(half)
	if trap != nil {
		t.Fatalf("unexpected trap: %v", trap)
	}
	insn, _ := Decode(raw)
	if insn.Kind != KindOpImm || insn.Rd != 5 || insn.Imm != 3 {
		t.Errorf("decoded %+v, want addi x5, x0, 3", insn)
	}
}

func TestExpandCMv(t *testing.T) {
	// C.MV x8, x9: quadrant 10, funct3=100, bit12=0, rd=8, rs2=9.
	half := uint16(0b100)<<13 | uint16(0)<<12 | uint16(8)<<7 | uint16(9)<<2 | 0b10
	raw, trap := ExpandCompressed(half)
	if trap != nil {
		t.Fatalf("unexpected trap: %v", trap)
	}
	insn, _ := Decode(raw)
	if insn.Kind != KindOp || insn.Rd != 8 || insn.Rs1 != 0 || insn.Rs2 != 9 {
		t.Errorf("decoded %+v, want add x8, x0, x9", insn)
	}
}

func TestExpandCJ(t *testing.T) {
	// C.J +0: every offset bit zero, quadrant 01 funct3=101.
	half := uint16(0b101)<<13 | 0b01
	raw, trap := ExpandCompressed(half)
	if trap != nil {
		t.Fatalf("unexpected trap: %v", trap)
	}
	insn, _ := Decode(raw)
	if insn.Kind != KindJal || insn.Rd != 0 || insn.Imm != 0 {
		t.Errorf("decoded %+v, want jal x0, +0", insn)
	}
}

func TestExpandCAddi4spn(t *testing.T) {
	// C.ADDI4SPN x8 (rd'=0 -> x8), nzuimm=4: inst[6]=1 sets nzuimm[2]=4.
	half := uint16(0)<<13 | uint16(1)<<6 | uint16(0)<<2 | 0b00
	raw, trap := ExpandCompressed(half)
	if trap != nil {
		t.Fatalf("unexpected trap: %v", trap)
	}
	insn, _ := Decode(raw)
	if insn.Kind != KindOpImm || insn.Rd != 8 || insn.Rs1 != 2 || insn.Imm != 4 {
		t.Errorf("decoded %+v, want addi x8, x2, 4", insn)
	}
}

func TestExpandZeroHalfIsIllegal(t *testing.T) {
	if _, trap := ExpandCompressed(0); trap == nil {
		t.Fatal("expected an illegal-instruction trap for an all-zero halfword")
	}
}

func TestExpandCEbreak(t *testing.T) {
	half := uint16(0b100)<<13 | uint16(1)<<12 | 0b10
	raw, trap := ExpandCompressed(half)
	if trap != nil {
		t.Fatalf("unexpected trap: %v", trap)
	}
	if raw != 0x00100073 {
		t.Errorf("raw = %#x, want 0x00100073 (ebreak)", raw)
	}
}
