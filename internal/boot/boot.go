// Package boot implements the core's side of image loading (spec §1, §6): given kernel bytes
// already extracted from an SD-card image by an external collaborator, place them in DRAM and
// return the PC a hart should reset to. It is grounded on
// original_source/riscv-vm/src/emulator.rs's load_elf/load_elf_into_dram and
// original_source/riscv-vm/src/sdboot.rs's SdBootInfo (kernel_load_addr = 0x8020_0000), the
// flat-load convention real RISC-V "virt" firmware uses for a bare Image.
package boot

import (
	"bytes"
	"debug/elf"
	"fmt"

	"github.com/trust0/riscvvm/internal/dram"
)

// FlatLoadAddress is where a non-ELF ("flat Image") kernel is written and where the hart
// resets to, matching sdboot.rs's kernel_load_addr and leaving the low 2MiB of DRAM free the
// way a real firmware reservation would (spec §6's boot protocol paragraph independently quotes
// the DRAM base itself, 0x8000_0000, for the flat case; this implementation follows the more
// specific sdboot.rs constant since it is the one live call site pinning an exact address).
const FlatLoadAddress = 0x8020_0000

// SDCardBootInfo is the output contract of the external SD-card loader (spec §1, §6): the core
// never parses MBR/FAT32 itself, it only consumes these two fields.
type SDCardBootInfo struct {
	KernelData        []byte
	FSPartitionStart  uint32
}

// SDCardParser is the external collaborator's interface (spec §1: "SD-card image discovery ...
// spec §6 only fixes its output contract"). A real implementation walks an MBR partition table
// and a FAT32 filesystem to find kernel.bin; this module only depends on the narrow interface so
// host callers can swap implementations without internal/boot knowing about disk formats at
// all.
type SDCardParser interface {
	Parse(image []byte) (SDCardBootInfo, error)
}

// LoadELF maps every PT_LOAD segment of an ELF64 image into mem and returns the entry point.
// Grounded on emulator.rs's load_elf_into_dram (goblin::elf::Elf + PT_LOAD iteration); this
// port uses the standard library's debug/elf instead, since no ELF-parsing third-party package
// appears anywhere in the retrieved example pack (DESIGN.md records this as the one stdlib
// exception for the loader).
func LoadELF(mem *dram.Dram, image []byte) (entry uint64, err error) {
	f, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return 0, fmt.Errorf("boot: not an ELF image: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_RISCV {
		return 0, fmt.Errorf("boot: not an RV64 ELF image (class=%v machine=%v)", f.Class, f.Machine)
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Filesz == 0 {
			continue
		}

		off, ok := mem.Offset(prog.Vaddr)
		if !ok || !withinDram(mem, prog.Vaddr, prog.Memsz) {
			return 0, fmt.Errorf("boot: PT_LOAD segment at %#x (size %#x) outside DRAM", prog.Vaddr, prog.Memsz)
		}

		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil {
			return 0, fmt.Errorf("boot: reading PT_LOAD segment: %w", err)
		}

		if err := mem.WriteBytes(off, data); err != nil {
			return 0, fmt.Errorf("boot: writing PT_LOAD segment: %w", err)
		}

		if prog.Memsz > prog.Filesz {
			if err := mem.Zero(off+prog.Filesz, prog.Memsz-prog.Filesz); err != nil {
				return 0, fmt.Errorf("boot: zeroing bss tail: %w", err)
			}
		}
	}

	return f.Entry, nil
}

// LoadFlat writes image verbatim at FlatLoadAddress and returns that address as the entry point
// — the "loading them flat at 0x8020_0000" path of spec §6, used when the kernel bytes are not
// an ELF image (e.g. a bare Linux Image).
func LoadFlat(mem *dram.Dram, image []byte) (entry uint64, err error) {
	off, ok := mem.Offset(FlatLoadAddress)
	if !ok || !withinDram(mem, FlatLoadAddress, uint64(len(image))) {
		return 0, fmt.Errorf("boot: flat image of %d bytes does not fit in DRAM at %#x", len(image), FlatLoadAddress)
	}

	if err := mem.WriteBytes(off, image); err != nil {
		return 0, fmt.Errorf("boot: writing flat image: %w", err)
	}

	return FlatLoadAddress, nil
}

// Load picks LoadELF or LoadFlat by sniffing the ELF magic, matching emulator.rs's dispatch
// ("treat kernel bytes as ELF if they parse as one, otherwise load flat").
func Load(mem *dram.Dram, kernel []byte) (entry uint64, err error) {
	if len(kernel) >= 4 && bytes.Equal(kernel[:4], []byte(elf.ELFMAG)) {
		return LoadELF(mem, kernel)
	}

	return LoadFlat(mem, kernel)
}

func withinDram(mem *dram.Dram, addr, size uint64) bool {
	base := mem.Base()
	end := base + uint64(mem.Size())

	return addr >= base && addr+size <= end
}
