package cpu

import (
	"github.com/trust0/riscvvm/internal/engine"
	"github.com/trust0/riscvvm/internal/riscv/decode"
)

// transcode turns one decoded instruction, at pc and insnLen bytes long, into its MicroOp.
// Grounded on original_source/riscv-vm/src/engine/block.rs's BlockCompiler::transcode: the
// match table below preserves its funct3/funct7/funct5 dispatch exactly, adapted to the Go
// decode.Kind/engine.Kind vocabularies.
func transcode(insn decode.Instruction, pc uint64, insnLen uint8) engine.MicroOp {
	op := engine.MicroOp{
		Rd:      insn.Rd,
		Rs1:     insn.Rs1,
		Rs2:     insn.Rs2,
		Imm:     insn.Imm,
		InsnLen: insnLen,
	}

	switch insn.Kind {
	case decode.KindLui:
		op.Kind = engine.Lui

	case decode.KindAuipc:
		op.Kind = engine.Auipc
		op.PCOffset = uint16(pc & 0xfff)

	case decode.KindJal:
		op.Kind = engine.Jal
		op.PCOffset = uint16(pc & 0xfff)

	case decode.KindJalr:
		op.Kind = engine.Jalr
		op.PCOffset = uint16(pc & 0xfff)

	case decode.KindBranch:
		op.PCOffset = uint16(pc & 0xfff)
		switch insn.Funct3 {
		case 0b000:
			op.Kind = engine.Beq
		case 0b001:
			op.Kind = engine.Bne
		case 0b100:
			op.Kind = engine.Blt
		case 0b101:
			op.Kind = engine.Bge
		case 0b110:
			op.Kind = engine.Bltu
		case 0b111:
			op.Kind = engine.Bgeu
		}

	case decode.KindLoad:
		op.PCOffset = uint16(pc & 0xfff)
		switch insn.Funct3 {
		case 0b000:
			op.Kind = engine.Lb
		case 0b001:
			op.Kind = engine.Lh
		case 0b010:
			op.Kind = engine.Lw
		case 0b011:
			op.Kind = engine.Ld
		case 0b100:
			op.Kind = engine.Lbu
		case 0b101:
			op.Kind = engine.Lhu
		case 0b110:
			op.Kind = engine.Lwu
		}

	case decode.KindStore:
		op.PCOffset = uint16(pc & 0xfff)
		switch insn.Funct3 {
		case 0b000:
			op.Kind = engine.Sb
		case 0b001:
			op.Kind = engine.Sh
		case 0b010:
			op.Kind = engine.Sw
		case 0b011:
			op.Kind = engine.Sd
		}

	case decode.KindOpImm:
		switch insn.Funct3 {
		case 0b000:
			op.Kind = engine.Addi
		case 0b100:
			op.Kind = engine.Xori
		case 0b110:
			op.Kind = engine.Ori
		case 0b111:
			op.Kind = engine.Andi
		case 0b010:
			op.Kind = engine.Slti
		case 0b011:
			op.Kind = engine.Sltiu
		case 0b001:
			op.Kind = engine.Slli
			op.Shamt = uint8(insn.Imm & 0x3f)
		case 0b101:
			op.Shamt = uint8(insn.Imm & 0x3f)
			if insn.Funct7&0x20 != 0 {
				op.Kind = engine.Srai
			} else {
				op.Kind = engine.Srli
			}
		}

	case decode.KindOp:
		op.Kind = opRegReg(insn.Funct3, insn.Funct7)

	case decode.KindOpImm32:
		op.IsWord = true
		switch insn.Funct3 {
		case 0b000:
			op.Kind = engine.Addiw
		case 0b001:
			op.Kind = engine.Slliw
			op.Shamt = uint8(insn.Imm & 0x1f)
		case 0b101:
			op.Shamt = uint8(insn.Imm & 0x1f)
			if insn.Funct7&0x20 != 0 {
				op.Kind = engine.Sraiw
			} else {
				op.Kind = engine.Srliw
			}
		}

	case decode.KindOp32:
		op.IsWord = true
		op.Kind = opRegReg32(insn.Funct3, insn.Funct7)

	case decode.KindSystem:
		op.PCOffset = uint16(pc & 0xfff)
		transcodeSystem(&op, insn)

	case decode.KindAmo:
		op.PCOffset = uint16(pc & 0xfff)
		op.IsWord = insn.Funct3 == 0b010
		transcodeAmo(&op, insn)

	case decode.KindFence:
		op.Kind = engine.Fence
	}

	return op
}

// opRegReg picks the register-register ALU op (OP major opcode) from funct3/funct7, including
// the M-extension's multiply/divide variants (funct7 == 0b0000001).
func opRegReg(funct3, funct7 uint8) engine.Kind {
	if funct7 == 0b0000001 {
		switch funct3 {
		case 0b000:
			return engine.Mul
		case 0b001:
			return engine.Mulh
		case 0b010:
			return engine.Mulhsu
		case 0b011:
			return engine.Mulhu
		case 0b100:
			return engine.Div
		case 0b101:
			return engine.Divu
		case 0b110:
			return engine.Rem
		case 0b111:
			return engine.Remu
		}
	}

	switch funct3 {
	case 0b000:
		if funct7&0x20 != 0 {
			return engine.Sub
		}
		return engine.Add
	case 0b001:
		return engine.Sll
	case 0b010:
		return engine.Slt
	case 0b011:
		return engine.Sltu
	case 0b100:
		return engine.Xor
	case 0b101:
		if funct7&0x20 != 0 {
			return engine.Sra
		}
		return engine.Srl
	case 0b110:
		return engine.Or
	case 0b111:
		return engine.And
	}

	return engine.Add
}

// opRegReg32 is opRegReg's OP-32 (word) counterpart.
func opRegReg32(funct3, funct7 uint8) engine.Kind {
	if funct7 == 0b0000001 {
		switch funct3 {
		case 0b000:
			return engine.Mulw
		case 0b100:
			return engine.Divw
		case 0b101:
			return engine.Divuw
		case 0b110:
			return engine.Remw
		case 0b111:
			return engine.Remuw
		}
	}

	switch funct3 {
	case 0b000:
		if funct7&0x20 != 0 {
			return engine.Subw
		}
		return engine.Addw
	case 0b001:
		return engine.Sllw
	case 0b101:
		if funct7&0x20 != 0 {
			return engine.Sraw
		}
		return engine.Srlw
	}

	return engine.Addw
}

// transcodeSystem handles the SYSTEM major opcode: Ecall/Ebreak (funct3==0, distinguished by
// the 12-bit immediate), Mret/Sret/Wfi/SfenceVma (same funct3==0, higher immediate values), and
// the six CSR ops (funct3 1-3, 5-7), mirroring block.rs's treatment of Funct12/funct3.
func transcodeSystem(op *engine.MicroOp, insn decode.Instruction) {
	if insn.Funct3 == 0 {
		imm := uint64(insn.Imm) & 0xfff
		switch {
		case imm == 0x000:
			op.Kind = engine.Ecall
		case imm == 0x001:
			op.Kind = engine.Ebreak
		case imm == 0x302:
			op.Kind = engine.Mret
		case imm == 0x102:
			op.Kind = engine.Sret
		case imm == 0x105:
			op.Kind = engine.Wfi
		case imm>>5 == 0x09:
			op.Kind = engine.SfenceVma
		default:
			op.Kind = engine.Fence
		}
		return
	}

	op.Csr = uint16(uint64(insn.Imm) & 0xfff)

	switch insn.Funct3 {
	case 0b001:
		op.Kind = engine.Csrrw
	case 0b010:
		op.Kind = engine.Csrrs
	case 0b011:
		op.Kind = engine.Csrrc
	case 0b101:
		op.Kind = engine.Csrrwi
		op.Zimm = insn.Rs1
	case 0b110:
		op.Kind = engine.Csrrsi
		op.Zimm = insn.Rs1
	case 0b111:
		op.Kind = engine.Csrrci
		op.Zimm = insn.Rs1
	}
}

// transcodeAmo handles the AMO major opcode: funct5 selects LR/SC/the eight RMW flavours,
// funct3 (already captured as op.IsWord) selects word vs doubleword, mirroring block.rs's amo
// arm.
func transcodeAmo(op *engine.MicroOp, insn decode.Instruction) {
	switch insn.Funct5 {
	case 0b00010:
		if op.IsWord {
			op.Kind = engine.LrW
		} else {
			op.Kind = engine.LrD
		}
	case 0b00011:
		if op.IsWord {
			op.Kind = engine.ScW
		} else {
			op.Kind = engine.ScD
		}
	case 0b00001:
		op.Kind = engine.AmoSwap
	case 0b00000:
		op.Kind = engine.AmoAdd
	case 0b00100:
		op.Kind = engine.AmoXor
	case 0b01100:
		op.Kind = engine.AmoAnd
	case 0b01000:
		op.Kind = engine.AmoOr
	case 0b10000:
		op.Kind = engine.AmoMin
	case 0b10100:
		op.Kind = engine.AmoMax
	case 0b11000:
		op.Kind = engine.AmoMinu
	case 0b11100:
		op.Kind = engine.AmoMaxu
	}
}
