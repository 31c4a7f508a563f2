package terminal

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oro-os/dbgutil/pkg/config"
	"github.com/oro-os/dbgutil/pkg/gdbserial"
	"github.com/oro-os/dbgutil/pkg/gdbserial/gdbtest"
	"github.com/oro-os/dbgutil/pkg/qemu"
)

const (
	testMemBase = 0x1000
	testPC      = 0x1000
)

// testMemory starts with "mov rbp, rsp; ret" followed by nops.
func testMemory() []byte {
	mem := make([]byte, 256)
	for i := range mem {
		mem[i] = 0x90
	}
	copy(mem, []byte{0x48, 0x89, 0xe5, 0xc3})
	return mem
}

type fakeTarget struct {
	running  bool
	monitor  []string
	commands []string
}

func (f *fakeTarget) MonitorCommand(ctx context.Context, cmdline string) ([]string, error) {
	cmdline = strings.TrimSpace(cmdline)
	if cmdline == "" {
		return nil, qemu.ErrNoCommand
	}
	f.commands = append(f.commands, cmdline)
	return f.monitor, nil
}

func (f *fakeTarget) QueryStatus(ctx context.Context) (*qemu.Status, error) {
	st := &qemu.Status{Running: f.running, Status: "paused"}
	if f.running {
		st.Status = "running"
	}
	return st, nil
}

func (f *fakeTarget) Stop(ctx context.Context) error {
	f.running = false
	return nil
}

func (f *fakeTarget) Cont(ctx context.Context) error {
	f.running = true
	return nil
}

type FakeTerminal struct {
	*Term
	t      testing.TB
	out    *bytes.Buffer
	target *fakeTarget
	stub   *gdbtest.Stub
}

func newFakeTerminal(t *testing.T) *FakeTerminal {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gdbsrv.sock")
	stub, err := gdbtest.Listen(path, testPC, testMemBase, testMemory())
	require.NoError(t, err)
	t.Cleanup(func() { stub.Close() })

	dbg := gdbserial.NewClient()
	require.NoError(t, dbg.Attach(path))
	t.Cleanup(func() { dbg.Detach() })

	target := new(fakeTarget)
	term := newTerm(target, dbg, &config.Config{})
	out := new(bytes.Buffer)
	term.stdout = out
	return &FakeTerminal{Term: term, t: t, out: out, target: target, stub: stub}
}

func (ft *FakeTerminal) Exec(cmdstr string) (string, error) {
	ft.out.Reset()
	err := ft.cmds.Call(cmdstr, ft.Term)
	return ft.out.String(), err
}

func (ft *FakeTerminal) MustExec(cmdstr string) string {
	outstr, err := ft.Exec(cmdstr)
	if err != nil {
		ft.t.Fatalf("Error executing <%s>: %v", cmdstr, err)
	}
	return outstr
}

func TestCommandDefault(t *testing.T) {
	var (
		cmds = Commands{}
		cmd  = cmds.Find("non-existent-command")
	)

	err := cmd(nil, "")
	require.Error(t, err)
	assert.Equal(t, "command not available", err.Error())
}

func TestCommandEmptyAndUnknown(t *testing.T) {
	cmds := DebugCommands()
	assert.NoError(t, cmds.Call("", nil))
	assert.Equal(t, noCmdError, cmds.Call("bogus arg", nil))
}

func TestHelp(t *testing.T) {
	ft := newFakeTerminal(t)
	out := ft.MustExec("help")
	for _, cgd := range commandGroupDescriptions {
		assert.Contains(t, out, cgd.description+":")
	}
	assert.Contains(t, out, "monitor (alias: mon)")
	assert.Contains(t, out, "step-instruction (alias: si | step)")

	out = ft.MustExec("help x")
	assert.True(t, strings.HasPrefix(out, "Examine raw memory"), out)

	_, err := ft.Exec("help nosuchcommand")
	assert.Equal(t, noCmdError, err)
}

func TestMonitor(t *testing.T) {
	ft := newFakeTerminal(t)
	ft.target.monitor = []string{"RAX=0000000000000000", "RIP=0000000000001000"}
	out := ft.MustExec("mon info registers")
	assert.Equal(t, "qemu: RAX=0000000000000000\nqemu: RIP=0000000000001000\n", out)
	assert.Equal(t, []string{"info registers"}, ft.target.commands)

	_, err := ft.Exec("monitor")
	assert.ErrorIs(t, err, qemu.ErrNoCommand)
}

func TestStatusStopCont(t *testing.T) {
	ft := newFakeTerminal(t)
	assert.Equal(t, "status: paused (running: false)\nstatus: stopped by signal 5 on thread 01\n", ft.MustExec("status"))
	ft.MustExec("c")
	assert.Equal(t, "status: running (running: true)\n", ft.MustExec("status"))
	ft.MustExec("halt")
	assert.False(t, ft.target.running)

	term := newTerm(new(fakeTarget), nil, &config.Config{})
	out := new(bytes.Buffer)
	term.stdout = out
	require.NoError(t, term.cmds.Call("status", term))
	assert.Equal(t, "status: paused (running: false)\n", out.String())
}

func TestMergeAliases(t *testing.T) {
	cmds := DebugCommands()
	cmds.Merge(map[string][]string{"status": {"st"}})
	ft := newFakeTerminal(t)
	ft.cmds = cmds
	assert.Contains(t, ft.MustExec("st"), "status:")

	// merging again starts from the builtin aliases
	cmds.Merge(map[string][]string{})
	_, err := ft.Exec("st")
	assert.Equal(t, noCmdError, err)
}

func TestRegs(t *testing.T) {
	ft := newFakeTerminal(t)
	ft.stub.SetRegister(0, 0xdeadbeef)
	out := ft.MustExec("regs")
	// 64 bit registers have 16 digits, 32 bit ones 8
	assert.Regexp(t, `(?m)^rax\s+= 0x00000000deadbeef$`, out)
	assert.Regexp(t, `(?m)^rip\s+= 0x0000000000001000$`, out)
	assert.Regexp(t, `(?m)^eflags\s+= 0x00000000$`, out)
	assert.Contains(t, out, "cr3")
}

func TestRegDecode(t *testing.T) {
	ft := newFakeTerminal(t)

	out := ft.MustExec("reg cr0 0x80000011")
	assert.Regexp(t, `(?m)^reg: CR0\s+= 0x0000000080000011$`, out)
	assert.Regexp(t, `\.PE\s+= 1 \(protected mode\)`, out)
	assert.Regexp(t, `\.ET\s+= 1 \(external math processor is 80387\)`, out)
	assert.Regexp(t, `\.PG\s+= 1 \(paging enabled\)`, out)
	assert.Regexp(t, `\.WP\s+= 0 \(supervisor can write to RO user pages\)`, out)
	assert.Contains(t, out, "CR0.CD is shared")
	assert.NotContains(t, out, "CR0.AM")

	out = ft.MustExec("reg EFLAGS 0x202")
	assert.Regexp(t, `(?m)^reg: EFLAGS\s+= 0x0000000000000202$`, out)
	assert.Regexp(t, `\.IF\s+= 1 \(interrupts enabled\)`, out)
	assert.Regexp(t, `\.IOPL\s+= 0 \(ring 0\)`, out)
	assert.NotContains(t, out, "reserved")

	out = ft.MustExec("reg eflags 0x3008")
	assert.Regexp(t, `\.IOPL\s+= 3 \(ring 3\)`, out)
	assert.Contains(t, out, "EFLAGS[1] is reserved and should be 1")
	assert.Contains(t, out, "EFLAGS[3] is reserved and should be 0")

	// read from the vCPU, which the stub starts with every flag clear
	out = ft.MustExec("reg cr0")
	assert.Regexp(t, `\.PE\s+= 0 \(real mode\)`, out)

	_, err := ft.Exec("reg cr4")
	assert.EqualError(t, err, `register "cr4" not supported`)
	_, err = ft.Exec("reg")
	assert.Error(t, err)
	_, err = ft.Exec("reg cr0 nope")
	assert.Error(t, err)
}

func TestRegDecodeTCREL1(t *testing.T) {
	ft := newFakeTerminal(t)

	// 4KB granules, 48 bit regions, 48 bit IPS, hardware access and dirty
	// flags
	out := ft.MustExec("reg tcr_el1 0x195b5103510")
	assert.Regexp(t, `(?m)^reg: TCR_EL1\s+= 0x00000195b5103510$`, out)
	assert.Regexp(t, `\.T1SZ\s+= 16 \(TT1 region size is 48 bits\)`, out)
	assert.Contains(t, out, "0xffff000000000000 - 0xffffffffffffffff")
	assert.Regexp(t, `\.T0SZ\s+= 16 \(TT0 region size is 48 bits\)`, out)
	assert.Contains(t, out, "0x0000000000000000 - 0x0000ffffffffffff")
	assert.Regexp(t, `\.TG1\s+= 2 \(TT1 granule size is 4KB\)`, out)
	assert.Regexp(t, `\.TG0\s+= 0 \(TT0 granule size is 4KB\)`, out)
	assert.Regexp(t, `\.IPS\s+= 5 \(48 bits, 256TB\)`, out)
	assert.Regexp(t, `\.SH1\s+= 3 \(TT1 is inner shareable\)`, out)
	assert.Regexp(t, `\.ORGN1\s+= 1 \(TT1 outer cacheability is normal memory, outer write-back read-allocate write-allocate cacheable\)`, out)
	assert.Regexp(t, `\.IRGN0\s+= 1 \(TT0 inner cacheability is normal memory, inner write-back read-allocate write-allocate cacheable\)`, out)
	assert.Regexp(t, `\.HD\s+= 1 \(dirty state is enabled \(HA=1\)\)`, out)
	assert.Regexp(t, `\.HA\s+= 1 \(access flag is enabled\)`, out)
	assert.Regexp(t, `\.AS\s+= 1 \(ASID size is 16 bits\)`, out)
	assert.Regexp(t, `\.A1\s+= 0 \(TTBR0_EL1.ASID defines the ASID\)`, out)
	assert.Regexp(t, `(?m)\.DS\s+= 0$`, out)
	assert.NotContains(t, out, "reserved value")

	out = ft.MustExec("reg tcr_el1 0")
	assert.Contains(t, out, "TCR_EL1.TG1 has a reserved value")
	assert.Regexp(t, `\.HD\s+= 0 \(dirty state is disabled\)`, out)
	assert.Regexp(t, `\.T1SZ\s+= 0 \(TT1 region size is 64 bits\)`, out)
	assert.Equal(t, 2, strings.Count(out, "0x0000000000000000 - 0xffffffffffffffff"))

	out = ft.MustExec("reg tcr_el1 0x70000c000")
	assert.Contains(t, out, "TCR_EL1.TG0 has a reserved value")
	assert.Contains(t, out, "TCR_EL1.IPS might have a reserved value")

	out = ft.MustExec("reg tcr_el1 0x10000000000")
	assert.Regexp(t, `\.HD\s+= 1 \(dirty state is disabled \(HA=0\)\)`, out)

	// the vCPU is x86-64
	_, err := ft.Exec("reg tcr_el1")
	assert.EqualError(t, err, "register tcr_el1 not available")
}

func TestExamineMemory(t *testing.T) {
	ft := newFakeTerminal(t)

	out := ft.MustExec("x -count 4 0x1000")
	assert.True(t, strings.HasPrefix(out, "0x0000000000001000:  48 89 e5 c3 "), out)
	assert.True(t, strings.HasSuffix(out, "  |H...|\n"), out)

	out = ft.MustExec("examinemem -size 4 -len 2 0x1000")
	assert.Contains(t, out, " c3e58948 90909090 ")

	ft.stub.SetRegister(7, 0x1002)
	out = ft.MustExec("x -fmt bin -size 2 rsp")
	assert.Contains(t, out, "0x0000000000001002:")
	assert.Contains(t, out, "1100001111100101")
	out = ft.MustExec("x -fmt dec $rsp")
	assert.Contains(t, out, "229")

	for _, cmd := range []string{
		"x",
		"x -size 9 0x1000",
		"x -count 0 0x1000",
		"x -count 200 -size 8 0x1000",
		"x -fmt nope 0x1000",
		"x -size",
		"x nosuchreg",
		"x 0x1000 0x2000",
	} {
		_, err := ft.Exec(cmd)
		assert.Error(t, err, cmd)
	}

	// outside of the memory served by the stub
	_, err := ft.Exec("x 0x10")
	var perr *gdbserial.ProtocolError
	assert.ErrorAs(t, err, &perr)
}

func TestPrettyExamineMemory(t *testing.T) {
	assert.Equal(t,
		"0xffff800000001000:  4f 72 6f 00"+strings.Repeat(" ", 36)+"  |Oro.|\n",
		prettyExamineMemory(0xffff800000001000, []byte("Oro\x00"), 'x', 1))

	mem := []byte("oro kernel\x00\x01\x02\x7f\xff!boot")
	out := prettyExamineMemory(0xfff8, mem, 'x', 1)
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "0x000000000000fff8:  6f 72 6f 20"), lines[0])
	assert.True(t, strings.HasSuffix(lines[0], "|oro kernel.....!|"), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "0x0000000000010008:  62 6f 6f 74"), lines[1])
	assert.True(t, strings.HasSuffix(lines[1], "|boot|"), lines[1])
	// the ASCII column lines up on short rows
	assert.Equal(t, strings.Index(lines[0], "|"), strings.Index(lines[1], "|"))

	out = prettyExamineMemory(0, []byte{1, 0, 0, 0, 0, 0, 0, 0}, 'd', 8)
	assert.Contains(t, out, ":                     1  ")
	assert.Contains(t, prettyExamineMemory(0, []byte{8, 0}, 'o', 2), " 000010 ")
	out = prettyExamineMemory(0, mem, 'b', 1)
	assert.Equal(t, 3, strings.Count(out, "\n"), out)
	assert.Contains(t, out, " 01101111 ")
	// rows hold whole items
	out = prettyExamineMemory(0, mem[:18], 'x', 3)
	lines = strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[1], "0x000000000000000f:  "), lines[1])
	assert.True(t, strings.HasSuffix(lines[1], "|!bo|"), lines[1])

	assert.Equal(t, "not supported format \"z\"\n", prettyExamineMemory(0, mem, 'z', 1))
}

func TestDisassemble(t *testing.T) {
	ft := newFakeTerminal(t)

	out := ft.MustExec("disass -count 3")
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "=>"), lines[0])
	assert.Contains(t, lines[0], "0x1000")
	assert.Contains(t, lines[0], "4889e5")
	assert.Contains(t, lines[0], "mov rbp, rsp")
	assert.Contains(t, lines[1], "ret")
	assert.False(t, strings.HasPrefix(lines[1], "=>"), lines[1])
	assert.Contains(t, lines[2], "nop")

	out = ft.MustExec("disassemble -count 1 -flavor gnu")
	assert.Contains(t, out, "mov %rsp,%rbp")

	out = ft.MustExec("disassemble -count 1 0x1003")
	assert.Contains(t, out, "0x1003")
	assert.NotContains(t, out, "=>")

	_, err := ft.Exec("disassemble -flavor go")
	assert.Error(t, err)
	_, err = ft.Exec("disassemble -count 1000")
	assert.Error(t, err)
}

func TestStepInstruction(t *testing.T) {
	ft := newFakeTerminal(t)
	out := ft.MustExec("si")
	assert.Contains(t, out, "> stopped at 0x1001")
	assert.Contains(t, out, "=>")
	assert.Equal(t, 1, ft.stub.Steps())
}

func TestNoDebugger(t *testing.T) {
	term := newTerm(new(fakeTarget), nil, &config.Config{})
	term.stdout = new(bytes.Buffer)
	for _, cmd := range []string{"regs", "si", "disass", "x 0x1000", "x rsp", "reg cr0"} {
		assert.Equal(t, errNoDebugger, term.cmds.Call(cmd, term), cmd)
	}
	// decoding an explicit value needs no debugger
	assert.NoError(t, term.cmds.Call("reg cr0 0", term))
}

func TestConfig(t *testing.T) {
	ft := newFakeTerminal(t)

	ft.MustExec("config socket-timeout 3")
	ft.MustExec("config start-halted false")
	ft.MustExec("config qemu /opt/qemu/bin/qemu-system-x86_64")
	require.NotNil(t, ft.conf.SocketTimeout)
	assert.Equal(t, 3, *ft.conf.SocketTimeout)
	assert.False(t, ft.conf.Halted())
	assert.Equal(t, "/opt/qemu/bin/qemu-system-x86_64", ft.conf.QEMUBinary())

	out := ft.MustExec("config -list")
	assert.Regexp(t, `(?m)^qemu\s+/opt/qemu/bin/qemu-system-x86_64\s*$`, out)
	assert.Regexp(t, `(?m)^socket-timeout\s+3\s*$`, out)
	assert.Regexp(t, `(?m)^start-halted\s+false\s*$`, out)
	assert.Regexp(t, `(?m)^qemu-args\s+\(default\)$`, out)

	for _, cmd := range []string{
		"config",
		"config nosuchparameter 1",
		"config socket-timeout soon",
		"config socket-timeout -1",
		"config socket-timeout 0",
		"config start-halted maybe",
		"config qemu",
		"config qemu-args -m 1G | cat",
		"config aliases x",
		"config alias",
		"config alias nosuchcommand n",
		"config alias regs status",
		"config alias nosuchalias",
	} {
		_, err := ft.Exec(cmd)
		assert.Error(t, err, cmd)
	}
	// rejected values leave the configuration alone
	assert.Equal(t, 3, *ft.conf.SocketTimeout)
	assert.Equal(t, "/opt/qemu/bin/qemu-system-x86_64", ft.conf.QEMUBinary())

	ft.MustExec(`config qemu-args -m 512M -append "console=ttyS0 quiet"`)
	args, err := ft.conf.BaseArgs()
	require.NoError(t, err)
	assert.Equal(t, []string{"/opt/qemu/bin/qemu-system-x86_64", "-m", "512M", "-append", "console=ttyS0 quiet"}, args)

	ft.MustExec("config alias regs r")
	assert.Equal(t, []string{"r"}, ft.conf.Aliases["regs"])
	assert.Contains(t, ft.MustExec("r"), "rip")
	assert.Regexp(t, `(?m)^alias r\s+regs`, ft.MustExec("config -list"))

	// aliases of aliases are stored under the command name
	ft.MustExec("config alias x mem")
	assert.Equal(t, []string{"mem"}, ft.conf.Aliases["examinemem"])

	ft.MustExec("config alias r")
	assert.Empty(t, ft.conf.Aliases["regs"])
	_, err = ft.Exec("r")
	assert.Equal(t, noCmdError, err)
}

func TestConfigListDefaults(t *testing.T) {
	term := newTerm(new(fakeTarget), nil, &config.Config{})
	out := new(bytes.Buffer)
	term.stdout = out
	require.NoError(t, term.cmds.Call("config -list", term))
	assert.Regexp(t, `(?m)^qemu\s+qemu-system-x86_64\s+\(default\)$`, out.String())
	assert.Regexp(t, `(?m)^socket-timeout\s+5\s+\(default\)$`, out.String())
	assert.Regexp(t, `(?m)^start-halted\s+true\s+\(default\)$`, out.String())
}

func TestPrintError(t *testing.T) {
	term := newTerm(new(fakeTarget), nil, &config.Config{})
	errOut := new(bytes.Buffer)
	term.stderr = errOut

	term.printError("Command failed: ", errNoDebugger)
	assert.Equal(t, "Command failed: no debugger attached\n", errOut.String())

	errOut.Reset()
	term.dumb = false
	term.printError("Command failed: ", errNoDebugger)
	assert.Equal(t, "\033[31mCommand failed: \033[0mno debugger attached\n", errOut.String())
}

func TestExit(t *testing.T) {
	ft := newFakeTerminal(t)
	for _, cmd := range []string{"exit", "quit", "q"} {
		_, err := ft.Exec(cmd)
		assert.IsType(t, ExitRequestError{}, err)
	}
}

func TestCompleter(t *testing.T) {
	term := newTerm(new(fakeTarget), nil, &config.Config{})
	complete := term.completer()
	assert.Equal(t, []string{"status", "step", "step-instruction", "stop"}, complete("st"))
	assert.Equal(t, []string{"disass", "disassemble"}, complete("DIS"))
	assert.Empty(t, complete("zzz"))
}
