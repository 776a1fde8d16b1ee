package decode

import "github.com/trust0/riscvvm/internal/riscv"

// ExpandCompressed turns a 16-bit RVC instruction into its 32-bit equivalent, the way
// block.rs's fetch_insn calls decoder::expand_compressed on every halfword whose low two bits
// aren't 0b11. A half value of 0 or all-ones (an erased or unprogrammed word) is illegal.
func ExpandCompressed(half uint16) (uint32, *riscv.Trap) {
	if half == 0 {
		return 0, riscv.Exception(riscv.CauseIllegalInstruction, uint64(half))
	}

	quadrant := half & 0x3
	funct3 := (half >> 13) & 0x7

	switch quadrant {
	case 0b00:
		return expandQuadrant0(half, funct3)
	case 0b01:
		return expandQuadrant1(half, funct3)
	case 0b10:
		return expandQuadrant2(half, funct3)
	default:
		return 0, riscv.Exception(riscv.CauseIllegalInstruction, uint64(half))
	}
}

func illegalC(half uint16) (uint32, *riscv.Trap) {
	return 0, riscv.Exception(riscv.CauseIllegalInstruction, uint64(half))
}

// rvcReg maps a compressed 3-bit register field to the real x8..x15 register it names.
func rvcReg(field uint16) uint8 {
	return uint8(field&0x7) + 8
}

func encodeR(funct7 uint32, rs2, rs1, funct3, rd, opcode uint32) uint32 {
	return funct7<<25 | rs2<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func encodeI(imm int64, rs1, funct3, rd, opcode uint32) uint32 {
	return uint32(imm)<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func encodeS(imm int64, rs2, rs1, funct3, opcode uint32) uint32 {
	u := uint32(imm)
	return (u&0xfe0)<<20 | rs2<<20 | rs1<<15 | funct3<<12 | (u&0x1f)<<7 | opcode
}

func encodeU(imm int64, rd, opcode uint32) uint32 {
	return uint32(imm)&0xfffff000 | rd<<7 | opcode
}

func encodeB(imm int64, rs2, rs1, funct3, opcode uint32) uint32 {
	u := uint32(imm)
	return (u>>12&1)<<31 | (u>>5&0x3f)<<25 | rs2<<20 | rs1<<15 | funct3<<12 | (u>>1&0xf)<<8 | (u>>11&1)<<7 | opcode
}

func encodeJ(imm int64, rd, opcode uint32) uint32 {
	u := uint32(imm)
	return (u>>20&1)<<31 | (u>>1&0x3ff)<<21 | (u>>11&1)<<20 | (u>>12&0xff)<<12 | rd<<7 | opcode
}

func expandQuadrant0(half uint16, funct3 uint16) (uint32, *riscv.Trap) {
	rdp := rvcReg(half >> 2)
	rs1p := rvcReg(half >> 7)

	switch funct3 {
	case 0b000: // C.ADDI4SPN
		nzuimm := (half>>7&0xf)<<6 | (half>>11&0x3)<<4 | (half>>5&0x1)<<3 | (half>>6&0x1)<<2
		if nzuimm == 0 {
			return illegalC(half)
		}
		return encodeI(int64(nzuimm), 2, 0, uint32(rdp), opOpImm), nil

	case 0b010: // C.LW
		imm := (half>>10&0x7)<<3 | (half>>6&0x1)<<2 | (half>>5&0x1)<<6
		return encodeI(int64(imm), uint32(rs1p), 0b010, uint32(rdp), opLoad), nil

	case 0b011: // C.LD
		imm := (half>>10&0x7)<<3 | (half>>5&0x3)<<6
		return encodeI(int64(imm), uint32(rs1p), 0b011, uint32(rdp), opLoad), nil

	case 0b110: // C.SW
		imm := (half>>10&0x7)<<3 | (half>>6&0x1)<<2 | (half>>5&0x1)<<6
		rs2p := rvcReg(half >> 2)
		return encodeS(int64(imm), uint32(rs2p), uint32(rs1p), 0b010, opStore), nil

	case 0b111: // C.SD
		imm := ((half>>10&0x7)<<3)&0x38 | (half>>5&0x3)<<6
		rs2p := rvcReg(half >> 2)
		return encodeS(int64(imm), uint32(rs2p), uint32(rs1p), 0b011, opStore), nil

	default:
		return illegalC(half)
	}
}

func expandQuadrant1(half uint16, funct3 uint16) (uint32, *riscv.Trap) {
	rd := uint8(half >> 7 & 0x1f)

	switch funct3 {
	case 0b000: // C.ADDI (rd==0 is C.NOP)
		imm := signExtend(uint64(half>>12&1)<<5|uint64(half>>2&0x1f), 6)
		return encodeI(imm, uint32(rd), 0, uint32(rd), opOpImm), nil

	case 0b001: // C.ADDIW
		if rd == 0 {
			return illegalC(half)
		}
		imm := signExtend(uint64(half>>12&1)<<5|uint64(half>>2&0x1f), 6)
		return encodeI(imm, uint32(rd), 0, uint32(rd), opOpImm32), nil

	case 0b010: // C.LI
		imm := signExtend(uint64(half>>12&1)<<5|uint64(half>>2&0x1f), 6)
		return encodeI(imm, 0, 0, uint32(rd), opOpImm), nil

	case 0b011:
		if rd == 2 { // C.ADDI16SP
			u := uint64(half>>12&1)<<9 | uint64(half>>3&0x3)<<7 | uint64(half>>5&0x1)<<6 |
				uint64(half>>2&0x1)<<5 | uint64(half>>6&0x1)<<4
			imm := signExtend(u, 10)
			if imm == 0 {
				return illegalC(half)
			}
			return encodeI(imm, 2, 0, 2, opOpImm), nil
		}

		// C.LUI
		u := uint64(half>>12&1)<<17 | uint64(half>>2&0x1f)<<12
		imm := signExtend(u, 18)
		if imm == 0 || rd == 0 {
			return illegalC(half)
		}
		return encodeU(imm, uint32(rd), opLui), nil

	case 0b100:
		rdp := rvcReg(half >> 7)
		funct2 := half >> 10 & 0x3

		switch funct2 {
		case 0b00: // C.SRLI
			shamt := (half>>12&1)<<5 | (half >> 2 & 0x1f)
			return encodeI(int64(shamt), uint32(rdp), 0b101, uint32(rdp), opOpImm), nil

		case 0b01: // C.SRAI
			shamt := (half>>12&1)<<5 | (half >> 2 & 0x1f)
			return encodeI(int64(shamt)|0x400, uint32(rdp), 0b101, uint32(rdp), opOpImm), nil

		case 0b10: // C.ANDI
			imm := signExtend(uint64(half>>12&1)<<5|uint64(half>>2&0x1f), 6)
			return encodeI(imm, uint32(rdp), 0b111, uint32(rdp), opOpImm), nil

		default: // 0b11: register-register reduced set
			rs2p := rvcReg(half >> 2)
			bit12 := half >> 12 & 1
			funct2b := half >> 5 & 0x3

			if bit12 == 0 {
				switch funct2b {
				case 0b00:
					return encodeR(0x20, uint32(rs2p), uint32(rdp), 0, uint32(rdp), opOp), nil // C.SUB
				case 0b01:
					return encodeR(0, uint32(rs2p), uint32(rdp), 0b100, uint32(rdp), opOp), nil // C.XOR
				case 0b10:
					return encodeR(0, uint32(rs2p), uint32(rdp), 0b110, uint32(rdp), opOp), nil // C.OR
				default:
					return encodeR(0, uint32(rs2p), uint32(rdp), 0b111, uint32(rdp), opOp), nil // C.AND
				}
			}

			switch funct2b {
			case 0b00:
				return encodeR(0x20, uint32(rs2p), uint32(rdp), 0, uint32(rdp), opOp32), nil // C.SUBW
			case 0b01:
				return encodeR(0, uint32(rs2p), uint32(rdp), 0, uint32(rdp), opOp32), nil // C.ADDW
			default:
				return illegalC(half)
			}
		}

	case 0b101: // C.J
		u := uint64(half>>12&1)<<11 | uint64(half>>8&1)<<10 | uint64(half>>9&0x3)<<8 |
			uint64(half>>6&1)<<7 | uint64(half>>7&1)<<6 | uint64(half>>2&1)<<5 |
			uint64(half>>11&1)<<4 | uint64(half>>3&0x7)<<1
		imm := signExtend(u, 12)
		return encodeJ(imm, 0, opJal), nil

	case 0b110, 0b111: // C.BEQZ / C.BNEZ
		rs1p := rvcReg(half >> 7)
		u := uint64(half>>12&1)<<8 | uint64(half>>5&0x3)<<6 | uint64(half>>2&1)<<5 |
			uint64(half>>10&0x3)<<3 | uint64(half>>3&0x3)<<1
		imm := signExtend(u, 9)

		bfunct3 := uint32(0) // BEQ
		if funct3 == 0b111 {
			bfunct3 = 1 // BNE
		}

		return encodeB(imm, 0, uint32(rs1p), bfunct3, opBranch), nil

	default:
		return illegalC(half)
	}
}

func expandQuadrant2(half uint16, funct3 uint16) (uint32, *riscv.Trap) {
	rd := uint8(half >> 7 & 0x1f)

	switch funct3 {
	case 0b000: // C.SLLI
		if rd == 0 {
			return illegalC(half)
		}
		shamt := (half>>12&1)<<5 | (half >> 2 & 0x1f)
		return encodeI(int64(shamt), uint32(rd), 0b001, uint32(rd), opOpImm), nil

	case 0b010: // C.LWSP
		if rd == 0 {
			return illegalC(half)
		}
		off := uint32(half>>4&0x7)<<2 | uint32(half>>12&1)<<5 | uint32(half>>2&0x3)<<6
		return encodeI(int64(off), 2, 0b010, uint32(rd), opLoad), nil

	case 0b011: // C.LDSP
		if rd == 0 {
			return illegalC(half)
		}
		off := uint32(half>>5&0x3)<<3 | uint32(half>>12&1)<<5 | uint32(half>>2&0x7)<<6
		return encodeI(int64(off), 2, 0b011, uint32(rd), opLoad), nil

	case 0b100:
		rs2 := uint8(half >> 2 & 0x1f)
		bit12 := half >> 12 & 1

		if bit12 == 0 {
			if rs2 == 0 { // C.JR
				if rd == 0 {
					return illegalC(half)
				}
				return encodeI(0, uint32(rd), 0, 0, opJalr), nil
			}
			// C.MV
			return encodeR(0, uint32(rs2), 0, 0, uint32(rd), opOp), nil
		}

		if rd == 0 && rs2 == 0 { // C.EBREAK
			return 0x00100073, nil
		}
		if rs2 == 0 { // C.JALR
			return encodeI(0, uint32(rd), 0, 1, opJalr), nil
		}
		// C.ADD
		return encodeR(0, uint32(rs2), uint32(rd), 0, uint32(rd), opOp), nil

	case 0b110: // C.SWSP
		rs2 := uint8(half >> 2 & 0x1f)
		off := uint32(half>>9&0xf)<<2 | uint32(half>>7&0x3)<<6
		return encodeS(int64(off), uint32(rs2), 2, 0b010, opStore), nil

	case 0b111: // C.SDSP
		rs2 := uint8(half >> 2 & 0x1f)
		off := uint32(half>>10&0x7)<<3 | uint32(half>>7&0x7)<<6
		return encodeS(int64(off), uint32(rs2), 2, 0b011, opStore), nil

	default:
		return illegalC(half)
	}
}
