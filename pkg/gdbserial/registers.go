package gdbserial

import (
	"encoding/binary"
	"fmt"
)

// Register is one register of a 'g' reply.
type Register struct {
	Name  string
	Size  int // in bytes
	Value uint64
}

// Registers is the register file of an x86_64 vCPU as reported by the
// QEMU gdb stub.
type Registers struct {
	regs []Register
}

type regLayout struct {
	name string
	size int
}

// amd64CoreRegs is the part of the QEMU x86_64 'g' reply every stub
// sends.
var amd64CoreRegs = []regLayout{
	{"rax", 8}, {"rbx", 8}, {"rcx", 8}, {"rdx", 8},
	{"rsi", 8}, {"rdi", 8}, {"rbp", 8}, {"rsp", 8},
	{"r8", 8}, {"r9", 8}, {"r10", 8}, {"r11", 8},
	{"r12", 8}, {"r13", 8}, {"r14", 8}, {"r15", 8},
	{"rip", 8}, {"eflags", 4},
	{"cs", 4}, {"ss", 4}, {"ds", 4}, {"es", 4}, {"fs", 4}, {"gs", 4},
}

// amd64SystemRegs follow the core registers when QEMU runs in system
// mode.
var amd64SystemRegs = []regLayout{
	{"fs_base", 8}, {"gs_base", 8}, {"k_gs_base", 8},
	{"cr0", 8}, {"cr2", 8}, {"cr3", 8}, {"cr4", 8}, {"cr8", 8}, {"efer", 8},
}

func layoutSize(layout []regLayout) int {
	n := 0
	for _, r := range layout {
		n += r.size
	}
	return n
}

// decodeAMD64 decodes the raw (already hex decoded) contents of a 'g'
// reply. Registers past the system registers (x87, SSE) are ignored.
func decodeAMD64(data []byte) (*Registers, error) {
	if want := layoutSize(amd64CoreRegs); len(data) < want {
		return nil, fmt.Errorf("register packet too short: %d bytes, want at least %d", len(data), want)
	}
	regs := &Registers{}
	off := 0
	decode := func(layout []regLayout) {
		for _, l := range layout {
			var v uint64
			switch l.size {
			case 4:
				v = uint64(binary.LittleEndian.Uint32(data[off:]))
			case 8:
				v = binary.LittleEndian.Uint64(data[off:])
			}
			regs.regs = append(regs.regs, Register{Name: l.name, Size: l.size, Value: v})
			off += l.size
		}
	}
	decode(amd64CoreRegs)
	if len(data)-off >= layoutSize(amd64SystemRegs) {
		decode(amd64SystemRegs)
	}
	return regs, nil
}

// Get returns the value of the register called name.
func (r *Registers) Get(name string) (uint64, bool) {
	for _, reg := range r.regs {
		if reg.Name == name {
			return reg.Value, true
		}
	}
	return 0, false
}

// PC returns the instruction pointer.
func (r *Registers) PC() uint64 {
	pc, _ := r.Get("rip")
	return pc
}

// SP returns the stack pointer.
func (r *Registers) SP() uint64 {
	sp, _ := r.Get("rsp")
	return sp
}

// Slice returns every decoded register in stub order.
func (r *Registers) Slice() []Register {
	return r.regs
}
