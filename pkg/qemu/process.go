// Package qemu launches QEMU for debugging and keeps a control channel to
// it.
//
// A Process owns a QEMU child started with its QMP monitor and gdb stub
// listening on unix sockets in a private temporary directory. The QMP
// socket is driven by a Bridge, which lets any goroutine issue control
// commands while the debugger stays synchronous. The gdb socket is handed
// to a Debugger by ConnectDebugger.
package qemu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oro-os/dbgutil/pkg/logflags"
	"github.com/oro-os/dbgutil/pkg/qmp"
)

const (
	// DefaultSocketTimeout is how long Launch and ConnectDebugger wait for
	// QEMU to create its sockets.
	DefaultSocketTimeout = 5 * time.Second

	qmpSocketName    = "qmp.sock"
	gdbsrvSocketName = "gdbsrv.sock"
)

var (
	// ErrProcessTerminated is returned when operating on a process that
	// has been shut down.
	ErrProcessTerminated = errors.New("qemu process terminated")
	// ErrNoDebugger is returned by ConnectDebugger when the process was
	// launched without WithDebugger.
	ErrNoDebugger = errors.New("no debugger configured")
)

// ErrProcessExited is returned when QEMU exits while we are waiting for
// one of its sockets.
type ErrProcessExited struct {
	State *os.ProcessState
}

func (err *ErrProcessExited) Error() string {
	return fmt.Sprintf("qemu exited prematurely: %v", err.State)
}

// ProcessState is the lifecycle state of a Process.
type ProcessState int

const (
	ProcessCreated ProcessState = iota
	ProcessSpawned
	ProcessBridgeActive
	ProcessDebuggerAttached
	ProcessShuttingDown
	ProcessTerminated
)

func (s ProcessState) String() string {
	switch s {
	case ProcessCreated:
		return "created"
	case ProcessSpawned:
		return "spawned"
	case ProcessBridgeActive:
		return "bridge active"
	case ProcessDebuggerAttached:
		return "debugger attached"
	case ProcessShuttingDown:
		return "shutting down"
	case ProcessTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

type launchConfig struct {
	startHalted   bool
	socketTimeout time.Duration
	debugger      Debugger
	conn          ControlConn
	stdout        io.Writer
	stderr        io.Writer
}

// Option configures Launch.
type Option func(*launchConfig)

// WithStartHalted controls whether QEMU is started with -S, that is with
// the CPUs stopped until a cont command. The default is true.
func WithStartHalted(halted bool) Option {
	return func(c *launchConfig) { c.startHalted = halted }
}

// WithSocketTimeout sets how long to wait for QEMU to create each socket.
func WithSocketTimeout(d time.Duration) Option {
	return func(c *launchConfig) { c.socketTimeout = d }
}

// WithDebugger sets the debugger attached by ConnectDebugger. Without one
// the gdb server is started with wait=off so that QEMU does not wait for a
// client before running.
func WithDebugger(d Debugger) Option {
	return func(c *launchConfig) { c.debugger = d }
}

// WithControlConn replaces the QMP client the bridge drives.
func WithControlConn(conn ControlConn) Option {
	return func(c *launchConfig) { c.conn = conn }
}

// WithOutput redirects the standard output and error of QEMU. Nil
// discards the stream, which is the default.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(c *launchConfig) {
		c.stdout = stdout
		c.stderr = stderr
	}
}

// Process is a running QEMU instance.
type Process struct {
	tmpdir     string
	qmpPath    string
	gdbsrvPath string

	cmd      *exec.Cmd
	bridge   *Bridge
	debugger Debugger
	timeout  time.Duration
	log      *logrus.Entry

	mu    sync.Mutex
	state ProcessState

	exited    chan struct{} // closed once cmd.Wait has returned
	procState *os.ProcessState

	shutdownOnce sync.Once
}

// Launch starts QEMU. args[0] is the QEMU binary, the rest are its
// arguments; the QMP and gdb server arguments are appended. Launch returns
// once the QMP socket exists and the bridge has been started. On failure
// nothing is left behind: the child is killed and the temporary directory
// removed.
func Launch(args []string, opts ...Option) (*Process, error) {
	if len(args) == 0 {
		return nil, errors.New("no qemu command specified")
	}

	cfg := launchConfig{
		startHalted:   true,
		socketTimeout: DefaultSocketTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.conn == nil {
		cfg.conn = qmp.NewClient("qemu")
	}

	tmpdir, err := os.MkdirTemp("", "oro-qemu-*")
	if err != nil {
		return nil, fmt.Errorf("creating socket directory: %w", err)
	}

	p := &Process{
		tmpdir:     tmpdir,
		qmpPath:    filepath.Join(tmpdir, qmpSocketName),
		gdbsrvPath: filepath.Join(tmpdir, gdbsrvSocketName),
		debugger:   cfg.debugger,
		timeout:    cfg.socketTimeout,
		log:        logflags.QEMULogger(),
		exited:     make(chan struct{}),
	}

	gdbArg := "unix:" + p.gdbsrvPath + ",server"
	if cfg.debugger == nil {
		// QEMU blocks at startup until a client connects to a listening
		// chardev and no client is coming.
		gdbArg += ",wait=off"
	}
	argv := make([]string, 0, len(args)+5)
	argv = append(argv, args...)
	argv = append(argv,
		"-qmp", "unix:"+p.qmpPath+",server",
		"-gdb", gdbArg)
	if cfg.startHalted {
		argv = append(argv, "-S")
	}

	p.cmd = exec.Command(argv[0], argv[1:]...)
	// nil Stdin reads from the null device
	p.cmd.Stdout = cfg.stdout
	p.cmd.Stderr = cfg.stderr
	p.cmd.SysProcAttr = sysProcAttr()

	p.log.Debugf("launching %q", argv)
	if err := p.cmd.Start(); err != nil {
		os.RemoveAll(tmpdir)
		return nil, fmt.Errorf("launching %s: %w", argv[0], err)
	}
	p.state = ProcessSpawned
	p.log = p.log.WithField("pid", p.cmd.Process.Pid)
	go p.wait()

	if err := p.waitForSocket(p.qmpPath); err != nil {
		p.Shutdown()
		return nil, err
	}

	p.bridge = NewBridge(cfg.conn, p.qmpPath)
	p.bridge.Start()
	p.setState(ProcessBridgeActive)
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.procState = p.cmd.ProcessState
	p.log.Debugf("exited: %v (%v)", p.procState, err)
	close(p.exited)
}

// waitForSocket waits for path to be created, giving up early if QEMU
// exits.
func (p *Process) waitForSocket(path string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-p.exited:
			cancel()
		case <-ctx.Done():
		}
	}()
	err := waitForFile(ctx, path, p.timeout)
	if err != nil && errors.Is(err, context.Canceled) {
		<-p.exited
		return &ErrProcessExited{State: p.procState}
	}
	return err
}

// transition moves the process from state from to state to. It returns
// false, leaving the state alone, if the process is not in state from.
func (p *Process) transition(from, to ProcessState) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != from {
		return false
	}
	p.log.Debugf("state %v -> %v", from, to)
	p.state = to
	return true
}

func (p *Process) setState(s ProcessState) {
	p.mu.Lock()
	p.log.Debugf("state %v -> %v", p.state, s)
	p.state = s
	p.mu.Unlock()
}

// State returns the lifecycle state of the process.
func (p *Process) State() ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Bridge returns the control bridge connected to the QMP socket.
func (p *Process) Bridge() *Bridge {
	return p.bridge
}

// QMPPath returns the path of the QMP socket.
func (p *Process) QMPPath() string {
	return p.qmpPath
}

// GDBServerPath returns the path of the gdb server socket.
func (p *Process) GDBServerPath() string {
	return p.gdbsrvPath
}

// Poll returns the exit state of QEMU, or nil if it is still running.
func (p *Process) Poll() *os.ProcessState {
	select {
	case <-p.exited:
		return p.procState
	default:
		return nil
	}
}

// Pid returns the process id of QEMU. The second return value is false
// once the process has been shut down.
func (p *Process) Pid() (int, bool) {
	if p.State() == ProcessTerminated {
		return 0, false
	}
	return p.cmd.Process.Pid, true
}

// ConnectDebugger waits for the gdb server socket and attaches the
// debugger to it. If the process is shut down before the attach completes
// the debugger is detached again and ErrProcessTerminated is returned.
func (p *Process) ConnectDebugger() error {
	switch p.State() {
	case ProcessShuttingDown, ProcessTerminated:
		return ErrProcessTerminated
	}
	if p.debugger == nil {
		return ErrNoDebugger
	}
	if err := p.waitForSocket(p.gdbsrvPath); err != nil {
		return err
	}
	if err := p.debugger.Attach(p.gdbsrvPath); err != nil {
		return fmt.Errorf("attaching to %s: %w", p.gdbsrvPath, err)
	}
	if !p.transition(ProcessBridgeActive, ProcessDebuggerAttached) {
		// Shutdown started while we were attaching and may already have
		// looked for an attached debugger.
		if err := p.debugger.Detach(); err != nil {
			p.log.Warnf("detaching debugger: %v", err)
		}
		return ErrProcessTerminated
	}
	return nil
}

// Shutdown tears the process down: the debugger is detached if it is
// attached to this QEMU, the bridge is stopped, QEMU is killed if still
// alive and the socket directory is removed. Errors along the way are
// logged and otherwise ignored. Shutdown is safe to call more than once
// and from a deferred call.
func (p *Process) Shutdown() {
	p.shutdownOnce.Do(func() {
		p.setState(ProcessShuttingDown)

		if p.debugger != nil && p.debugger.IsConnectedTo(p.gdbsrvPath) {
			if err := p.debugger.Detach(); err != nil {
				p.log.Warnf("detaching debugger: %v", err)
			}
		}

		if p.bridge != nil {
			p.bridge.Shutdown()
		}

		if p.Poll() == nil {
			if err := killProcessGroup(p.cmd); err != nil {
				p.log.Warnf("killing qemu: %v", err)
			}
			<-p.exited
		}

		if err := os.RemoveAll(p.tmpdir); err != nil {
			p.log.Debugf("removing %s: %v", p.tmpdir, err)
		}
		p.setState(ProcessTerminated)
	})
}
