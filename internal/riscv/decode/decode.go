// Package decode turns a 32-bit RISC-V instruction word into an Instruction descriptor, and
// expands a 16-bit compressed (RVC) instruction into its 32-bit equivalent first. The decoder
// itself (decoder.rs in the original) was filtered out of the retrieved sources; its shape is
// reconstructed here directly from the RV32/64GC base encoding the rest of the original
// consistently assumes (the field names block.rs's transcode switches on — Lui/Auipc/Jal/Jalr/
// Branch/Load/Store/OpImm/Op/OpImm32/Op32/System/Amo/Fence — are exactly preserved as Kind
// values here so internal/cpu's transcode step can switch on them the same way).
package decode

import "github.com/trust0/riscvvm/internal/riscv"

// Kind names a RISC-V major opcode group, one per line in transcode's match.
type Kind uint8

const (
	KindLui Kind = iota
	KindAuipc
	KindJal
	KindJalr
	KindBranch
	KindLoad
	KindStore
	KindOpImm
	KindOp
	KindOpImm32
	KindOp32
	KindSystem
	KindAmo
	KindFence
)

// Instruction is the decoded form of one instruction word, independent of compressed or
// uncompressed origin.
type Instruction struct {
	Kind Kind

	Rd, Rs1, Rs2 uint8
	Imm          int64
	Funct3       uint8
	Funct7       uint8
	Funct5       uint8
	Aq, Rl       bool
}

const (
	opLui      = 0b0110111
	opAuipc    = 0b0010111
	opJal      = 0b1101111
	opJalr     = 0b1100111
	opBranch   = 0b1100011
	opLoad     = 0b0000011
	opStore    = 0b0100011
	opOpImm    = 0b0010011
	opOp       = 0b0110011
	opMiscMem  = 0b0001111
	opSystem   = 0b1110011
	opOpImm32  = 0b0011011
	opOp32     = 0b0111011
	opAmo      = 0b0101111
)

func bits(raw uint32, hi, lo uint) uint32 {
	return (raw >> lo) & ((1 << (hi - lo + 1)) - 1)
}

func signExtend(val uint64, bitWidth uint) int64 {
	shift := 64 - bitWidth
	return int64(val<<shift) >> shift
}

// Decode expands raw's major opcode and fields into an Instruction, or reports an illegal
// instruction trap for opcodes this guest's RV64IMAC_Zicsr_Zifencei profile doesn't implement.
func Decode(raw uint32) (Instruction, *riscv.Trap) {
	opcode := raw & 0x7f
	rd := uint8(bits(raw, 11, 7))
	funct3 := uint8(bits(raw, 14, 12))
	rs1 := uint8(bits(raw, 19, 15))
	rs2 := uint8(bits(raw, 24, 20))
	funct7 := uint8(bits(raw, 31, 25))

	switch opcode {
	case opLui:
		return Instruction{Kind: KindLui, Rd: rd, Imm: int64(int32(raw & 0xfffff000))}, nil

	case opAuipc:
		return Instruction{Kind: KindAuipc, Rd: rd, Imm: int64(int32(raw & 0xfffff000))}, nil

	case opJal:
		imm := bits(raw, 31, 31)<<20 | bits(raw, 19, 12)<<12 | bits(raw, 20, 20)<<11 | bits(raw, 30, 21)<<1
		return Instruction{Kind: KindJal, Rd: rd, Imm: signExtend(uint64(imm), 21)}, nil

	case opJalr:
		if funct3 != 0 {
			return Instruction{}, riscv.Exception(riscv.CauseIllegalInstruction, uint64(raw))
		}
		imm := signExtend(uint64(bits(raw, 31, 20)), 12)
		return Instruction{Kind: KindJalr, Rd: rd, Rs1: rs1, Imm: imm}, nil

	case opBranch:
		imm := bits(raw, 31, 31)<<12 | bits(raw, 7, 7)<<11 | bits(raw, 30, 25)<<5 | bits(raw, 11, 8)<<1
		return Instruction{Kind: KindBranch, Rs1: rs1, Rs2: rs2, Imm: signExtend(uint64(imm), 13), Funct3: funct3}, nil

	case opLoad:
		imm := signExtend(uint64(bits(raw, 31, 20)), 12)
		return Instruction{Kind: KindLoad, Rd: rd, Rs1: rs1, Imm: imm, Funct3: funct3}, nil

	case opStore:
		imm := bits(raw, 31, 25)<<5 | bits(raw, 11, 7)
		return Instruction{Kind: KindStore, Rs1: rs1, Rs2: rs2, Imm: signExtend(uint64(imm), 12), Funct3: funct3}, nil

	case opOpImm:
		imm := signExtend(uint64(bits(raw, 31, 20)), 12)
		return Instruction{Kind: KindOpImm, Rd: rd, Rs1: rs1, Imm: imm, Funct3: funct3, Funct7: funct7}, nil

	case opOp:
		return Instruction{Kind: KindOp, Rd: rd, Rs1: rs1, Rs2: rs2, Funct3: funct3, Funct7: funct7}, nil

	case opOpImm32:
		imm := signExtend(uint64(bits(raw, 31, 20)), 12)
		return Instruction{Kind: KindOpImm32, Rd: rd, Rs1: rs1, Imm: imm, Funct3: funct3, Funct7: funct7}, nil

	case opOp32:
		return Instruction{Kind: KindOp32, Rd: rd, Rs1: rs1, Rs2: rs2, Funct3: funct3, Funct7: funct7}, nil

	case opMiscMem:
		return Instruction{Kind: KindFence, Funct3: funct3}, nil

	case opSystem:
		imm := bits(raw, 31, 20)
		return Instruction{Kind: KindSystem, Rd: rd, Rs1: rs1, Imm: int64(imm), Funct3: funct3}, nil

	case opAmo:
		return Instruction{
			Kind:   KindAmo,
			Rd:     rd,
			Rs1:    rs1,
			Rs2:    rs2,
			Funct3: funct3,
			Funct5: uint8(bits(raw, 31, 27)),
			Aq:     bits(raw, 26, 26) != 0,
			Rl:     bits(raw, 25, 25) != 0,
		}, nil

	default:
		return Instruction{}, riscv.Exception(riscv.CauseIllegalInstruction, uint64(raw))
	}
}
