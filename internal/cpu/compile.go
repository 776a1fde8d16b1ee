package cpu

import (
	"github.com/trust0/riscvvm/internal/engine"
	"github.com/trust0/riscvvm/internal/mmu"
	"github.com/trust0/riscvvm/internal/riscv"
	"github.com/trust0/riscvvm/internal/riscv/decode"
)

// compileBlock translates startPC, then fetches, decodes and transcodes instructions into a
// fresh engine.Block until one ends the run: a terminator micro-op, the block filling up, or
// the next instruction crossing a 4KiB page boundary (so a single block never spans two
// translations). Grounded on original_source/riscv-vm/src/engine/block.rs's
// BlockCompiler::compile.
//
// A fetch or decode trap on the very first instruction of the block is returned to the caller,
// which delivers it through the normal trap path; a trap partway through a block never happens,
// because compileBlock only ever transcodes instructions it has already fetched and decoded
// successfully.
func (c *CPU) compileBlock(startPC uint64) (*engine.Block, *riscv.Trap) {
	startPA, trap := mmu.Translate(c.bus, c.Tlb, c.Mode, c.CSR.Satp, c.CSR.Mstatus, startPC, riscv.AccessInstruction)
	if trap != nil {
		return nil, trap
	}

	block := engine.NewBlock(startPC, startPA, c.Cache.Generation)

	pc := startPC
	pageEnd := (startPC &^ 0xfff) + 0x1000

	for {
		raw, insnLen, ftrap := c.fetchInsn(pc)
		if ftrap != nil {
			if block.Len() == 0 {
				return nil, ftrap
			}
			break
		}

		insn, dtrap := decode.Decode(raw)
		if dtrap != nil {
			if block.Len() == 0 {
				return nil, dtrap
			}
			break
		}

		op := transcode(insn, pc, insnLen)

		if !block.Push(op, insnLen) {
			next := pc
			block.NextBlockPC = &next
			break
		}

		if op.IsTerminator() {
			if op.Kind == engine.Jal && insn.Rd == 0 {
				target := uint64(int64(pc) + insn.Imm)
				block.NextBlockPC = &target
			}
			break
		}

		pc += uint64(insnLen)

		if pc >= pageEnd || block.IsFull() {
			next := pc
			block.NextBlockPC = &next
			break
		}
	}

	return block, nil
}

// fetchInsn reads one instruction at pc, returning the 32-bit (possibly expanded-from-16-bit)
// word and its length in bytes (2 for compressed, 4 otherwise). It translates pc itself rather
// than reusing compileBlock's translation of the block's start address, since later
// instructions in a block can cross into a second page even though the block itself stops
// there (the page-boundary check in compileBlock prevents that from ever being observed, but
// fetchInsn is written to be correct regardless).
func (c *CPU) fetchInsn(pc uint64) (uint32, uint8, *riscv.Trap) {
	pa, trap := mmu.Translate(c.bus, c.Tlb, c.Mode, c.CSR.Satp, c.CSR.Mstatus, pc, riscv.AccessInstruction)
	if trap != nil {
		return 0, 0, trap
	}

	if pa%4 == 0 {
		word, ferr := c.bus.Load(pa, 4)
		if ferr == nil {
			if word&0x3 != 0x3 {
				expanded, ctrap := decode.ExpandCompressed(uint16(word))
				if ctrap != nil {
					return 0, 0, ctrap
				}
				return expanded, 2, nil
			}
			return uint32(word), 4, nil
		}
		return 0, 0, riscv.AccessFault(riscv.AccessInstruction, pc)
	}

	lo, lerr := c.bus.Load(pa, 2)
	if lerr != nil {
		return 0, 0, riscv.AccessFault(riscv.AccessInstruction, pc)
	}

	if lo&0x3 != 0x3 {
		expanded, ctrap := decode.ExpandCompressed(uint16(lo))
		if ctrap != nil {
			return 0, 0, ctrap
		}
		return expanded, 2, nil
	}

	hiPA, htrap := mmu.Translate(c.bus, c.Tlb, c.Mode, c.CSR.Satp, c.CSR.Mstatus, pc+2, riscv.AccessInstruction)
	if htrap != nil {
		return 0, 0, htrap
	}

	hi, herr := c.bus.Load(hiPA, 2)
	if herr != nil {
		return 0, 0, riscv.AccessFault(riscv.AccessInstruction, pc+2)
	}

	return uint32(lo) | uint32(hi)<<16, 4, nil
}
