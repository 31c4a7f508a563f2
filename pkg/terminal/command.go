// Package terminal implements functions for responding to user
// input and dispatching to the QEMU and gdb backends.
package terminal

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/oro-os/dbgutil/pkg/config"
)

type cmdfunc func(t *Term, args string) error

type command struct {
	aliases        []string
	builtinAliases []string
	group          commandGroup
	helpMsg        string
	cmdFn          cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands of the oro-dbg terminal.
type Commands struct {
	cmds []command
}

// DebugCommands returns a Commands struct with default commands defined.
func DebugCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"monitor", "mon"}, group: qemuCmds, cmdFn: monitor, helpMsg: `Sends a "human" monitor command to QEMU.

	monitor <command>

This is the same as running a command in the QEMU monitor, for example:

	monitor info registers
	monitor xp /4gx 0x1000`},
		{aliases: []string{"status"}, group: qemuCmds, cmdFn: status, helpMsg: `Prints the run state of the virtual machine.

While the virtual machine is stopped and a debugger is attached the reason
reported by the gdb stub is printed as well.`},
		{aliases: []string{"stop", "halt"}, group: runCmds, cmdFn: stop, helpMsg: `Stops every virtual CPU.`},
		{aliases: []string{"continue", "c"}, group: runCmds, cmdFn: cont, helpMsg: `Resumes every virtual CPU.`},
		{aliases: []string{"step-instruction", "si", "step"}, group: runCmds, cmdFn: stepInstruction, helpMsg: `Single step a single cpu instruction.`},
		{aliases: []string{"regs"}, group: dataCmds, cmdFn: regs, helpMsg: `Print contents of CPU registers.

	regs`},
		{aliases: []string{"reg"}, group: dataCmds, cmdFn: reg, helpMsg: `Decodes the fields of a control register.

	reg <register> [value]

Supported registers are cr0, eflags and tcr_el1. Without a value the
current content of the register is decoded, tcr_el1 always needs a value.`},
		{aliases: []string{"examinemem", "x"}, group: dataCmds, cmdFn: examineMemoryCmd, helpMsg: `Examine raw memory at the given address.

Examine memory:

	examinemem [-fmt <format>] [-count|-len <count>] [-size <size>] <address>

Format represents the data format and the value is one of this list (default hex): bin(binary), oct(octal), dec(decimal), hex(hexadecimal).
Length is the number of items (default 1) and must be a positive integer.
Size is the size of each item in bytes (default 1, maximum 8).

Every row starts with the guest virtual address of its first byte and ends
with the bytes of the row as ASCII, non printable bytes are shown as '.'.

The address is a number or a register name, for example:

	x -count 4 -size 8 rsp
	x -fmt bin 0xffff800000001000`},
		{aliases: []string{"disassemble", "disass"}, group: dataCmds, cmdFn: disassCommand, helpMsg: `Disassembler.

	disassemble [-count <n>] [-flavor intel|gnu] [address]

Without an address disassembly starts at the current instruction.`},
		{aliases: []string{"config"}, cmdFn: configureCmd, helpMsg: `Changes configuration parameters.

	config -list

Show all configuration parameters.

	config -save

Saves the configuration file to disk, overwriting the current configuration file.

	config <parameter> <value>

Changes the value of a configuration parameter. The parameters are:

	qemu            QEMU binary to run
	qemu-args       arguments passed to QEMU, quoted like a shell command line
	socket-timeout  seconds to wait for the QEMU sockets, greater than zero
	start-halted    true or false, start QEMU with -S

Changes take effect the next time QEMU is launched.

	config alias <command> <alias>
	config alias <alias>

Defines <alias> as an alias to <command> or removes an alias.`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: `Exit the debugger.

	exit

QEMU is killed on exit.`},
	}

	return c
}

// lookup returns the command with the given name or alias.
func (c *Commands) lookup(cmdstr string) *command {
	for i := range c.cmds {
		if c.cmds[i].match(cmdstr) {
			return &c.cmds[i]
		}
	}
	return nil
}

// Find will look up the command function for the given command input.
// If it cannot find the command it will default to noCmdAvailable().
// If the command is an empty string it does nothing.
func (c *Commands) Find(cmdstr string) cmdfunc {
	if cmdstr == "" {
		return nullCommand
	}
	if cmd := c.lookup(cmdstr); cmd != nil {
		return cmd.cmdFn
	}
	return noCmdAvailable
}

// Call takes a command to execute.
func (c *Commands) Call(cmdstr string, t *Term) error {
	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	cmdname := vals[0]
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	return c.Find(cmdname)(t, args)
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
}

var noCmdError = errors.New("command not available")

var errNoDebugger = errors.New("no debugger attached")

func noCmdAvailable(t *Term, args string) error {
	return noCmdError
}

func nullCommand(t *Term, args string) error {
	return nil
}

func (c *Commands) help(t *Term, args string) error {
	if args != "" {
		for _, cmd := range c.cmds {
			for _, alias := range cmd.aliases {
				if alias == args {
					fmt.Fprintln(t.stdout, cmd.helpMsg)
					return nil
				}
			}
		}
		return noCmdError
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")

	for _, cgd := range commandGroupDescriptions {
		fmt.Fprintf(t.stdout, "\n%s:\n", cgd.description)
		w := new(tabwriter.Writer)
		w.Init(t.stdout, 0, 8, 0, '-', 0)
		for _, cmd := range c.cmds {
			if cmd.group != cgd.group {
				continue
			}
			h := cmd.helpMsg
			if idx := strings.Index(h, "\n"); idx >= 0 {
				h = h[:idx]
			}
			if len(cmd.aliases) > 1 {
				fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
			} else {
				fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(t.stdout)
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

func monitor(t *Term, args string) error {
	ctx, cancel := t.requestContext()
	defer cancel()
	lines, err := t.target.MonitorCommand(ctx, args)
	if err != nil {
		return err
	}
	for _, line := range lines {
		t.Println("qemu: ", ansiCyan, line)
	}
	return nil
}

func status(t *Term, args string) error {
	ctx, cancel := t.requestContext()
	defer cancel()
	st, err := t.target.QueryStatus(ctx)
	if err != nil {
		return err
	}
	color := ansiYellow
	if st.Running {
		color = ansiGreen
	}
	t.Println("status: ", color, fmt.Sprintf("%s (running: %v)", st.Status, st.Running))
	if st.Running || t.debugger == nil {
		return nil
	}
	sp, err := t.debugger.StopReason()
	if err != nil {
		return err
	}
	t.Println("status: ", color, fmt.Sprintf("stopped by signal %d on thread %s", sp.Signal, sp.ThreadID))
	return nil
}

func stop(t *Term, args string) error {
	ctx, cancel := t.requestContext()
	defer cancel()
	return t.target.Stop(ctx)
}

func cont(t *Term, args string) error {
	ctx, cancel := t.requestContext()
	defer cancel()
	return t.target.Cont(ctx)
}

func stepInstruction(t *Term, args string) error {
	if t.debugger == nil {
		return errNoDebugger
	}
	sp, err := t.debugger.Step()
	if err != nil {
		return err
	}
	r, err := t.debugger.Registers()
	if err != nil {
		return err
	}
	pc := r.PC()
	t.Println("> ", ansiBlue, fmt.Sprintf("stopped at %#x (signal %d, thread %s)", pc, sp.Signal, sp.ThreadID))
	return disassemble(t, pc, pc, 1, flavorIntel)
}

func regs(t *Term, args string) error {
	if t.debugger == nil {
		return errNoDebugger
	}
	r, err := t.debugger.Registers()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(t.stdout, 0, 8, 1, ' ', 0)
	for _, reg := range r.Slice() {
		fmt.Fprintf(w, "%s\t= 0x%0*x\n", reg.Name, reg.Size*2, reg.Value)
	}
	return w.Flush()
}

func reg(t *Term, args string) error {
	v, err := config.SplitArgs(args)
	if err != nil {
		return err
	}
	if len(v) < 1 || len(v) > 2 {
		return fmt.Errorf("wrong number of arguments to \"reg\"")
	}
	name := strings.ToLower(v[0])
	decode, ok := registerDecoders[name]
	if !ok {
		return fmt.Errorf("register %q not supported", name)
	}

	var value uint64
	if len(v) == 2 {
		value, err = strconv.ParseUint(v[1], 0, 64)
		if err != nil {
			return fmt.Errorf("invalid value %q: %v", v[1], err)
		}
	} else {
		if t.debugger == nil {
			return errNoDebugger
		}
		r, err := t.debugger.Registers()
		if err != nil {
			return err
		}
		if value, ok = r.Get(name); !ok {
			return fmt.Errorf("register %s not available", name)
		}
	}
	decode(t, value)
	return nil
}

// parseAddress parses a number or a register name, optionally preceded
// by $.
func parseAddress(t *Term, s string) (uint64, error) {
	if address, err := strconv.ParseUint(s, 0, 64); err == nil {
		return address, nil
	}
	name := strings.ToLower(strings.TrimPrefix(s, "$"))
	if t.debugger == nil {
		return 0, errNoDebugger
	}
	r, err := t.debugger.Registers()
	if err != nil {
		return 0, err
	}
	v, ok := r.Get(name)
	if !ok {
		return 0, fmt.Errorf("%q is neither an address nor a register", s)
	}
	return v, nil
}

func examineMemoryCmd(t *Term, args string) error {
	v := strings.Fields(args)

	var (
		address uint64
		ok      bool
		err     error
	)

	// Default value
	priFmt := byte('x')
	count := 1
	size := 1
	haveAddress := false

	for i := 0; i < len(v); i++ {
		switch v[i] {
		case "-fmt":
			i++
			if i >= len(v) {
				return fmt.Errorf("expected argument after -fmt")
			}
			fmtMapToPriFmt := map[string]byte{
				"oct":         'o',
				"octal":       'o',
				"hex":         'x',
				"hexadecimal": 'x',
				"dec":         'd',
				"decimal":     'd',
				"bin":         'b',
				"binary":      'b',
			}
			priFmt, ok = fmtMapToPriFmt[v[i]]
			if !ok {
				return fmt.Errorf("%q is not a valid format", v[i])
			}
		case "-count", "-len":
			i++
			if i >= len(v) {
				return fmt.Errorf("expected argument after -count/-len")
			}
			count, err = strconv.Atoi(v[i])
			if err != nil || count <= 0 {
				return fmt.Errorf("count/len must be a positive integer")
			}
		case "-size":
			i++
			if i >= len(v) {
				return fmt.Errorf("expected argument after -size")
			}
			size, err = strconv.Atoi(v[i])
			if err != nil || size <= 0 || size > 8 {
				return fmt.Errorf("size must be a positive integer (<=8)")
			}
		default:
			if i != len(v)-1 {
				return fmt.Errorf("unknown option %q", v[i])
			}
			address, err = parseAddress(t, v[i])
			if err != nil {
				return err
			}
			haveAddress = true
		}
	}

	if count*size > 1000 {
		return fmt.Errorf("read memory range (count*size) must be less than or equal to 1000 bytes")
	}

	if !haveAddress {
		return fmt.Errorf("no address specified")
	}
	if t.debugger == nil {
		return errNoDebugger
	}

	memArea, err := t.debugger.ReadMemory(address, count*size)
	if err != nil {
		return err
	}
	fmt.Fprint(t.stdout, prettyExamineMemory(address, memArea, priFmt, size))
	return nil
}

func disassCommand(t *Term, args string) error {
	v := strings.Fields(args)
	var err error

	count := 10
	flavor := flavorIntel
	var address string
	for i := 0; i < len(v); i++ {
		switch v[i] {
		case "-count":
			i++
			if i >= len(v) {
				return fmt.Errorf("expected argument after -count")
			}
			count, err = strconv.Atoi(v[i])
			if err != nil || count <= 0 || count > 100 {
				return fmt.Errorf("count must be a positive integer (<=100)")
			}
		case "-flavor":
			i++
			if i >= len(v) {
				return fmt.Errorf("expected argument after -flavor")
			}
			switch v[i] {
			case "intel":
				flavor = flavorIntel
			case "gnu", "att":
				flavor = flavorGNU
			default:
				return fmt.Errorf("unknown flavor %q", v[i])
			}
		default:
			if i != len(v)-1 {
				return fmt.Errorf("unknown option %q", v[i])
			}
			address = v[i]
		}
	}

	if t.debugger == nil {
		return errNoDebugger
	}
	r, err := t.debugger.Registers()
	if err != nil {
		return err
	}
	pc := r.PC()
	start := pc
	if address != "" {
		if start, err = parseAddress(t, address); err != nil {
			return err
		}
	}
	return disassemble(t, start, pc, count, flavor)
}

// ExitRequestError is returned when the user
// exits oro-dbg.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func exitCommand(t *Term, args string) error {
	return ExitRequestError{}
}
