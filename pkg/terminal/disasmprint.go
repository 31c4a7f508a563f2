package terminal

import (
	"bufio"
	"fmt"
	"io"
	"text/tabwriter"

	"golang.org/x/arch/x86/x86asm"
)

// assemblyFlavour is the assembly syntax to display.
type assemblyFlavour int

const (
	flavorIntel = assemblyFlavour(iota)
	flavorGNU
)

// maxInstructionLen is the length of the longest x86 instruction.
const maxInstructionLen = 15

type asmInstruction struct {
	pc    uint64
	bytes []byte
	atPC  bool
	inst  *x86asm.Inst
}

func (inst *asmInstruction) text(flavour assemblyFlavour) string {
	if inst.inst == nil {
		return "?"
	}
	switch flavour {
	case flavorGNU:
		return x86asm.GNUSyntax(*inst.inst, inst.pc, nil)
	default:
		return x86asm.IntelSyntax(*inst.inst, inst.pc, nil)
	}
}

// decodeInstructions decodes up to count 64 bit instructions from mem,
// which was read at start. Undecodable bytes are returned as one byte
// instructions.
func decodeInstructions(mem []byte, start, pc uint64, count int) []asmInstruction {
	r := make([]asmInstruction, 0, count)
	for len(r) < count && len(mem) > 0 {
		ai := asmInstruction{pc: start, atPC: start == pc}
		inst, err := x86asm.Decode(mem, 64)
		size := 1
		if err == nil {
			patchPCRelX86(start, &inst)
			ai.inst = &inst
			size = inst.Len
		}
		ai.bytes = mem[:size]
		r = append(r, ai)
		mem = mem[size:]
		start += uint64(size)
	}
	return r
}

// converts PC relative arguments to absolute addresses
func patchPCRelX86(pc uint64, inst *x86asm.Inst) {
	for i := range inst.Args {
		rel, isrel := inst.Args[i].(x86asm.Rel)
		if isrel {
			inst.Args[i] = x86asm.Imm(int64(pc) + int64(rel) + int64(inst.Len))
		}
	}
}

func disasmPrint(dv []asmInstruction, flavour assemblyFlavour, out io.Writer) {
	bw := bufio.NewWriter(out)
	defer bw.Flush()
	tw := tabwriter.NewWriter(bw, 1, 8, 1, '\t', 0)
	defer tw.Flush()
	for _, inst := range dv {
		atpc := ""
		if inst.atPC {
			atpc = "=>"
		}
		fmt.Fprintf(tw, "%s\t%#x\t%x\t%s\n", atpc, inst.pc, inst.bytes, inst.text(flavour))
	}
}

// disassemble prints count instructions starting at start, marking the
// one at pc.
func disassemble(t *Term, start, pc uint64, count int, flavour assemblyFlavour) error {
	if t.debugger == nil {
		return errNoDebugger
	}
	mem, err := t.debugger.ReadMemory(start, count*maxInstructionLen)
	if err != nil {
		return err
	}
	disasmPrint(decodeInstructions(mem, start, pc, count), flavour, t.stdout)
	return nil
}
