package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/derekparker/trie"
	"github.com/go-delve/liner"

	"github.com/oro-os/dbgutil/pkg/config"
	"github.com/oro-os/dbgutil/pkg/gdbserial"
	"github.com/oro-os/dbgutil/pkg/qemu"
)

const (
	historyFile                 string = ".oro_history"
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"

	// requestTimeout bounds every QMP request issued by a command.
	requestTimeout = 10 * time.Second
)

const (
	ansiRed    = 31
	ansiGreen  = 32
	ansiYellow = 33
	ansiBlue   = 34
	ansiCyan   = 36
)

// Target is the QEMU instance controlled by the terminal.
// *qemu.Process implements it.
type Target interface {
	MonitorCommand(ctx context.Context, cmdline string) ([]string, error)
	QueryStatus(ctx context.Context) (*qemu.Status, error)
	Stop(ctx context.Context) error
	Cont(ctx context.Context) error
}

// Debugger inspects the guest through the gdb stub.
// *gdbserial.Client implements it.
type Debugger interface {
	StopReason() (gdbserial.StopPacket, error)
	Registers() (*gdbserial.Registers, error)
	ReadMemory(addr uint64, n int) ([]byte, error)
	Step() (gdbserial.StopPacket, error)
}

// Term represents the terminal running oro-dbg.
type Term struct {
	target   Target
	debugger Debugger
	conf     *config.Config
	prompt   string
	line     *liner.State
	cmds     *Commands
	dumb     bool
	stdout   io.Writer
	stderr   io.Writer
}

// New returns a new Term. debugger may be nil, in which case the
// commands that need it fail.
func New(target Target, debugger Debugger, conf *config.Config) *Term {
	if conf == nil {
		conf = &config.Config{}
	}

	t := newTerm(target, debugger, conf)
	t.dumb = isDumbTerminal()
	if t.dumb {
		t.stdout = os.Stdout
	} else {
		t.stdout = getColorableWriter()
	}
	t.line = liner.NewLiner()
	return t
}

func newTerm(target Target, debugger Debugger, conf *config.Config) *Term {
	cmds := DebugCommands()
	if conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}
	return &Term{
		target:   target,
		debugger: debugger,
		conf:     conf,
		prompt:   "(oro) ",
		cmds:     cmds,
		dumb:     true,
		stdout:   os.Stdout,
		stderr:   os.Stderr,
	}
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	t.line.Close()
}

func (t *Term) sigintGuard(ch <-chan os.Signal) {
	for range ch {
		fmt.Fprintf(t.stdout, "received SIGINT, stopping virtual machine\n")
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		if err := t.target.Stop(ctx); err != nil {
			fmt.Fprintf(t.stderr, "%v\n", err)
		}
		cancel()
	}
}

// completer returns the command aliases starting with line.
func (t *Term) completer() liner.Completer {
	tr := trie.New()
	for _, cmd := range t.cmds.cmds {
		for _, alias := range cmd.aliases {
			tr.Add(alias, nil)
		}
	}
	return func(line string) []string {
		c := tr.PrefixSearch(strings.ToLower(line))
		sort.Strings(c)
		return c
	}
}

// Run reads commands until exit is requested or input ends.
func (t *Term) Run() (int, error) {
	defer t.Close()

	// Stop the virtual machine on SIGINT
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	defer signal.Stop(ch)
	go t.sigintGuard(ch)

	t.line.SetCompleter(t.completer())

	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Printf("Unable to load history file: %v.", err)
	}

	f, err := os.Open(fullHistoryFile)
	if err != nil {
		f, err = os.Create(fullHistoryFile)
		if err != nil {
			fmt.Printf("Unable to open history file: %v. History will not be saved for this session.", err)
		}
	}

	t.line.ReadHistory(f)
	f.Close()
	fmt.Fprintln(t.stdout, "Type 'help' for list of commands.")

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == io.EOF {
				fmt.Fprintln(t.stdout, "exit")
				return t.handleExit()
			}
			return 1, fmt.Errorf("prompt for input failed: %w", err)
		}

		if err := t.cmds.Call(cmdstr, t); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			if errors.Is(err, qemu.ErrBridgeClosed) {
				fmt.Fprintf(t.stderr, "QEMU is gone: %v\n", err)
				return t.handleExit()
			}
			t.printError("Command failed: ", err)
		}
	}
}

// Println prints a line to the terminal, prefix is highlighted with
// color unless the terminal is dumb.
func (t *Term) Println(prefix string, color int, str string) {
	fmt.Fprintf(t.stdout, "%s%s\n", t.highlight(prefix, color), str)
}

// printError prints err to the error stream with a red prefix.
func (t *Term) printError(prefix string, err error) {
	fmt.Fprintf(t.stderr, "%s%v\n", t.highlight(prefix, ansiRed), err)
}

func (t *Term) highlight(s string, color int) string {
	if t.dumb {
		return s
	}
	return fmt.Sprintf(terminalHighlightEscapeCode, color) + s + terminalResetEscapeCode
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}

	return l, nil
}

func (t *Term) handleExit() (int, error) {
	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Fprintln(t.stdout, "Error saving history file:", err)
	} else {
		if f, err := os.OpenFile(fullHistoryFile, os.O_RDWR, 0666); err == nil {
			_, err = t.line.WriteHistory(f)
			if err != nil {
				fmt.Fprintln(t.stdout, "readline history error:", err)
			}
			f.Close()
		}
	}
	return 0, nil
}

func (t *Term) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}
