package elf

import (
	"debug/elf"
	"fmt"
	"io"

	"github.com/transistorfet/ruxpin-sub000/internal/abi"
	"golang.org/x/arch/arm64/arm64asm"
)

// DisassembledInstruction is one decoded AArch64 instruction, used for
// sanity-checking a loaded binary's executable segments rather than
// for any actual code generation or emulation this kernel core
// performs.
type DisassembledInstruction struct {
	Offset int
	Inst   arm64asm.Inst
}

// Disassemble decodes code as a sequence of 4-byte AArch64
// instructions. Trailing bytes that don't fill a whole instruction are
// silently dropped, since a PT_LOAD segment's tail commonly carries
// non-code padding or rodata merged into the same segment.
func Disassemble(code []byte) ([]DisassembledInstruction, error) {
	n := len(code) - len(code)%4
	out := make([]DisassembledInstruction, 0, n/4)
	for off := 0; off < n; off += 4 {
		inst, err := arm64asm.Decode(code[off : off+4])
		if err != nil {
			return nil, fmt.Errorf("elf: disassemble offset %#x: %w", off, err)
		}
		out = append(out, DisassembledInstruction{Offset: off, Inst: inst})
	}
	return out, nil
}

// VerifyExecutableSegments opens r as an ELF64 AArch64 executable image
// and disassembles the file contents of every executable PT_LOAD
// segment, returning the total instruction count decoded or the first
// error encountered. It applies the same class/machine/type checks
// Load does, so a file that Load itself would reject as
// abi.ErrNotExecutable is rejected here the same way, letting a caller
// (e.g. cmd/mkfs -verify) tell "not a binary this kernel can exec" apart
// from "a binary this kernel would load, but its text doesn't
// disassemble as valid AArch64."
func VerifyExecutableSegments(r io.ReaderAt) (int, error) {
	file, err := elf.NewFile(r)
	if err != nil {
		return 0, abi.ErrNotExecutable
	}
	if file.Class != elf.ELFCLASS64 || file.Machine != elf.EM_AARCH64 || file.Type != elf.ET_EXEC {
		return 0, abi.ErrNotExecutable
	}

	total := 0
	for _, p := range file.Progs {
		if p.Type != elf.PT_LOAD || p.Flags&elf.PF_X == 0 {
			continue
		}
		data := make([]byte, p.Filesz)
		if _, err := r.ReadAt(data, int64(p.Off)); err != nil && err != io.EOF {
			return total, fmt.Errorf("elf: read segment at offset %#x: %w", p.Off, err)
		}
		insts, err := Disassemble(data)
		if err != nil {
			return total, err
		}
		total += len(insts)
	}
	return total, nil
}
