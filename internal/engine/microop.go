// Package engine holds the pre-decoded micro-operation IR the superblock compiler produces and
// the cache that keeps compiled blocks around across executions. It is grounded on
// original_source/riscv-vm/src/engine/microop.rs, engine/block.rs and engine/cache.rs.
//
// The Rust source represents a MicroOp as a #[repr(u8)] enum: a tag plus a payload whose shape
// varies per variant. A direct Go port would need either an interface (one allocating type per
// variant, wrong for a hot per-instruction array) or a sum-of-structs-via-unsafe trick the
// language doesn't offer. Instead MicroOp here is a single flat struct with a Kind discriminant
// and the union of every variant's fields; each Kind's doc comment says which fields it reads.
package engine

// Kind discriminates a MicroOp the way the Rust enum's tag does.
type Kind uint8

const (
	Addi Kind = iota
	Xori
	Ori
	Andi
	Slti
	Sltiu
	Slli
	Srli
	Srai

	Add
	Sub
	Xor
	Or
	And
	Sll
	Srl
	Sra
	Slt
	Sltu

	Addiw
	Slliw
	Srliw
	Sraiw
	Addw
	Subw
	Sllw
	Srlw
	Sraw

	Mul
	Mulh
	Mulhsu
	Mulhu
	Div
	Divu
	Rem
	Remu
	Mulw
	Divw
	Divuw
	Remw
	Remuw

	Lui
	Auipc

	Lb
	Lbu
	Lh
	Lhu
	Lw
	Lwu
	Ld

	Sb
	Sh
	Sw
	Sd

	Jal
	Jalr
	Beq
	Bne
	Blt
	Bge
	Bltu
	Bgeu

	Ecall
	Ebreak
	Csrrw
	Csrrs
	Csrrc
	Csrrwi
	Csrrsi
	Csrrci
	Mret
	Sret
	Wfi
	SfenceVma
	Fence

	LrW
	LrD
	ScW
	ScD
	AmoSwap
	AmoAdd
	AmoXor
	AmoAnd
	AmoOr
	AmoMin
	AmoMax
	AmoMinu
	AmoMaxu
)

// MicroOp is one compiled instruction. Field usage by Kind:
//
//   - Rd, Rs1, Imm: Addi/Xori/.../Sltiu, Addiw, Lui ({Rd,Imm}), Jalr ({Rd,Rs1,Imm}), loads,
//     CSR-immediate ops read Zimm instead of Rs1.
//   - Rd, Rs1, Shamt: Slli/Srli/Srai, Slliw/Srliw/Sraiw.
//   - Rd, Rs1, Rs2: Add/Sub/.../Remu, *W register-register forms, AMOs (Rs1 is the address
//     register, Rs2 the operand/compare register, Rd the destination).
//   - Rs1, Rs2, Imm: stores, branches.
//   - Csr: any CSRxx variant, alongside Rd and (Rs1 or Zimm).
//   - IsWord: AMO/LR/SC word-vs-doubleword selector (true = 32-bit).
//   - InsnLen: Jal/Jalr/branches, used to compute the link value (pc + InsnLen).
//   - PCOffset: set on every op that may need to report its own address on trap or block exit
//     (loads, stores, branches, jumps, system ops, AMOs) — see PCOffset below.
type MicroOp struct {
	Kind Kind

	Rd, Rs1, Rs2 uint8
	Imm          int64
	Shamt        uint8
	Csr          uint16
	Zimm         uint8
	IsWord       bool
	InsnLen      uint8
	PCOffset     uint16
}

// IsTerminator reports whether this op ends its basic block, mirroring MicroOp::is_terminator.
func (op MicroOp) IsTerminator() bool {
	switch op.Kind {
	case Jal, Jalr, Beq, Bne, Blt, Bge, Bltu, Bgeu,
		Ecall, Ebreak, Mret, Sret, SfenceVma,
		LrW, LrD, ScW, ScD,
		AmoSwap, AmoAdd, AmoXor, AmoAnd, AmoOr, AmoMin, AmoMax, AmoMinu, AmoMaxu,
		Csrrw, Csrrs, Csrrc, Csrrwi, Csrrsi, Csrrci:
		return true
	default:
		return false
	}
}

// MayTrap reports whether executing this op can raise a synchronous trap, mirroring
// MicroOp::may_trap.
func (op MicroOp) MayTrap() bool {
	switch op.Kind {
	case Lb, Lbu, Lh, Lhu, Lw, Lwu, Ld, Sb, Sh, Sw, Sd,
		Ecall, Ebreak,
		Csrrw, Csrrs, Csrrc, Csrrwi, Csrrsi, Csrrci:
		return true
	default:
		return false
	}
}

// PCOffsetOf returns the op's pc_offset and true if this Kind carries one, mirroring
// MicroOp::pc_offset. A handful of leaves (ALU register/immediate ops, Lui, Fence) never need
// to report their own address and return ok=false.
func (op MicroOp) PCOffsetOf() (uint16, bool) {
	switch op.Kind {
	case Auipc,
		Lb, Lbu, Lh, Lhu, Lw, Lwu, Ld, Sb, Sh, Sw, Sd,
		Jal, Jalr, Beq, Bne, Blt, Bge, Bltu, Bgeu,
		Ecall, Ebreak,
		Csrrw, Csrrs, Csrrc, Csrrwi, Csrrsi, Csrrci,
		Mret, Sret, Wfi, SfenceVma,
		LrW, LrD, ScW, ScD,
		AmoSwap, AmoAdd, AmoXor, AmoAnd, AmoOr, AmoMin, AmoMax, AmoMinu, AmoMaxu:
		return op.PCOffset, true
	default:
		return 0, false
	}
}
