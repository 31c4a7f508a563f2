package qemu_test

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/oro-os/dbgutil/pkg/qemu"
	"github.com/oro-os/dbgutil/pkg/qmp"
	"github.com/oro-os/dbgutil/pkg/qmp/qmptest"
)

// The test binary doubles as a fake QEMU: when stubModeEnv is set it
// behaves like QEMU started with -qmp and -gdb instead of running tests.
const (
	stubModeEnv    = "ORO_QEMU_STUB"
	stubPidFileEnv = "ORO_QEMU_STUB_PIDFILE"
)

func TestMain(m *testing.M) {
	if mode := os.Getenv(stubModeEnv); mode != "" {
		os.Exit(qemuStub(mode, os.Args[1:]))
	}
	os.Exit(m.Run())
}

// qemuStub creates the QMP socket after 50ms and the gdb socket after
// 150ms, then runs until killed. Mode "nosocket" never creates anything
// and mode "exit" exits right away. Mode "gdbwait" behaves like QEMU with
// a listening gdb chardev: unless it was given wait=off no QMP command is
// answered before a client connects to the gdb socket.
func qemuStub(mode string, args []string) int {
	if f := os.Getenv(stubPidFileEnv); f != "" {
		os.WriteFile(f, []byte(strconv.Itoa(os.Getpid())), 0o600)
	}

	var qmpPath, gdbPath string
	gdbWait := true
	for i := 0; i+1 < len(args); i++ {
		switch args[i] {
		case "-qmp":
			qmpPath = socketPath(args[i+1])
		case "-gdb":
			gdbPath = socketPath(args[i+1])
			gdbWait = !strings.Contains(args[i+1], ",wait=off")
		}
	}

	gdbConnected := make(chan struct{})
	var connectOnce sync.Once
	if mode != "gdbwait" || !gdbWait {
		close(gdbConnected)
	}

	switch mode {
	case "exit":
		return 3
	case "nosocket":
		time.Sleep(time.Hour)
		return 0
	}

	time.Sleep(50 * time.Millisecond)
	running := false
	var mu sync.Mutex
	_, err := qmptest.Listen(qmpPath, func(req *qmp.Request) *qmp.Response {
		<-gdbConnected
		mu.Lock()
		defer mu.Unlock()
		switch req.Execute {
		case "query-status":
			status := "prelaunch"
			if running {
				status = "running"
			}
			return qmptest.Return(map[string]interface{}{"running": running, "singlestep": false, "status": status})
		case "stop":
			running = false
			return qmptest.Return(struct{}{})
		case "cont":
			running = true
			return qmptest.Return(struct{}{})
		case "human-monitor-command":
			return qmptest.Return(strings.Join(args, " ") + "\r\n")
		}
		return qmptest.Fail("CommandNotFound", "The command "+req.Execute+" has not been found")
	})
	if err != nil {
		return 1
	}

	time.Sleep(100 * time.Millisecond)
	l, err := net.Listen("unix", gdbPath)
	if err != nil {
		return 1
	}
	go func() {
		for {
			if _, err := l.Accept(); err != nil {
				return
			}
			connectOnce.Do(func() { close(gdbConnected) })
		}
	}()

	time.Sleep(time.Hour)
	return 0
}

// socketPath extracts the path from "unix:<path>,server[,options]".
func socketPath(arg string) string {
	path, _, _ := strings.Cut(strings.TrimPrefix(arg, "unix:"), ",")
	return path
}

func launchStub(t *testing.T, mode string, opts ...qemu.Option) (*qemu.Process, error) {
	t.Helper()
	t.Setenv(stubModeEnv, mode)
	p, err := qemu.Launch([]string{os.Args[0]}, opts...)
	if p != nil {
		t.Cleanup(p.Shutdown)
	}
	return p, err
}

type fakeDebugger struct {
	mu       sync.Mutex
	path     string
	attaches int
	detaches int

	dial    bool          // connect to the socket instead of only checking it exists
	blocked chan struct{} // if set, closed when Attach starts waiting on release
	release chan struct{} // if set, Attach waits for it before attaching
	nc      net.Conn
}

func (d *fakeDebugger) IsConnectedTo(path string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.path != "" && d.path == path
}

func (d *fakeDebugger) Attach(path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	var nc net.Conn
	if d.dial {
		var err error
		if nc, err = net.Dial("unix", path); err != nil {
			return err
		}
	}
	if d.release != nil {
		close(d.blocked)
		<-d.release
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.path = path
	d.nc = nc
	d.attaches++
	return nil
}

func (d *fakeDebugger) Detach() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.nc != nil {
		d.nc.Close()
		d.nc = nil
	}
	d.path = ""
	d.detaches++
	return nil
}

func TestLaunch(t *testing.T) {
	p, err := launchStub(t, "normal")
	require.NoError(t, err)

	assert.Equal(t, qemu.ProcessBridgeActive, p.State())
	assert.Nil(t, p.Poll())
	pid, ok := p.Pid()
	assert.True(t, ok)
	assert.Greater(t, pid, 0)
	assert.Equal(t, "qmp.sock", filepath.Base(p.QMPPath()))
	assert.Equal(t, "gdbsrv.sock", filepath.Base(p.GDBServerPath()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lines, err := p.MonitorCommand(ctx, "info args")
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "-qmp unix:"+p.QMPPath()+",server")
	assert.Contains(t, lines[0], "-gdb unix:"+p.GDBServerPath()+",server")
	assert.True(t, strings.HasSuffix(lines[0], " -S"))

	st, err := p.QueryStatus(ctx)
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.Equal(t, "prelaunch", st.Status)

	require.NoError(t, p.Cont(ctx))
	st, err = p.QueryStatus(ctx)
	require.NoError(t, err)
	assert.True(t, st.Running)
	require.NoError(t, p.Stop(ctx))

	tmpdir := filepath.Dir(p.QMPPath())
	p.Shutdown()
	p.Shutdown()

	assert.Equal(t, qemu.ProcessTerminated, p.State())
	assert.NotNil(t, p.Poll())
	_, ok = p.Pid()
	assert.False(t, ok)
	_, err = os.Stat(tmpdir)
	assert.True(t, os.IsNotExist(err), "socket directory left behind: %v", err)
	assert.Equal(t, qemu.BridgeStopped, p.Bridge().State())
}

func TestLaunchRunning(t *testing.T) {
	p, err := launchStub(t, "normal", qemu.WithStartHalted(false))
	require.NoError(t, err)

	lines, err := p.MonitorCommand(context.Background(), "info args")
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.NotContains(t, strings.Fields(lines[0]), "-S")
}

func TestMonitorCommandEmpty(t *testing.T) {
	p, err := launchStub(t, "normal")
	require.NoError(t, err)
	_, err = p.MonitorCommand(context.Background(), "  ")
	assert.ErrorIs(t, err, qemu.ErrNoCommand)
}

func TestLaunchNoArgs(t *testing.T) {
	_, err := qemu.Launch(nil)
	assert.Error(t, err)
}

func TestLaunchMissingBinary(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)
	_, err := qemu.Launch([]string{filepath.Join(tmp, "no-such-qemu")})
	require.Error(t, err)

	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLaunchSocketTimeout(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)
	pidfile := filepath.Join(t.TempDir(), "pid")
	t.Setenv(stubPidFileEnv, pidfile)

	start := time.Now()
	p, err := launchStub(t, "nosocket", qemu.WithSocketTimeout(500*time.Millisecond))
	require.Nil(t, p)
	var terr *qemu.ErrTimedOut
	require.True(t, errors.As(err, &terr), "expected *ErrTimedOut, got %v", err)
	assert.Less(t, time.Since(start), 5*time.Second)

	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, entries, "socket directory left behind")

	buf, err := os.ReadFile(pidfile)
	require.NoError(t, err)
	pid, err := strconv.Atoi(string(buf))
	require.NoError(t, err)
	assert.ErrorIs(t, unix.Kill(pid, 0), unix.ESRCH, "qemu stub %d still alive", pid)
}

func TestLaunchExitsEarly(t *testing.T) {
	start := time.Now()
	p, err := launchStub(t, "exit")
	require.Nil(t, p)
	var eerr *qemu.ErrProcessExited
	require.True(t, errors.As(err, &eerr), "expected *ErrProcessExited, got %v", err)
	assert.Equal(t, 3, eerr.State.ExitCode())
	assert.Less(t, time.Since(start), qemu.DefaultSocketTimeout)
}

func TestPollAfterKill(t *testing.T) {
	p, err := launchStub(t, "normal")
	require.NoError(t, err)

	pid, ok := p.Pid()
	require.True(t, ok)
	require.NoError(t, unix.Kill(pid, unix.SIGKILL))

	require.Eventually(t, func() bool { return p.Poll() != nil }, 5*time.Second, 10*time.Millisecond)
	assert.False(t, p.Poll().Success())

	// the QMP socket went away with the process, so did the bridge
	select {
	case <-p.Bridge().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("bridge still running after qemu died")
	}
	_, err = p.QueryStatus(context.Background())
	assert.ErrorIs(t, err, qemu.ErrBridgeClosed)

	p.Shutdown()
	assert.Equal(t, qemu.ProcessTerminated, p.State())
}

func TestConnectDebugger(t *testing.T) {
	d := new(fakeDebugger)
	p, err := launchStub(t, "normal", qemu.WithDebugger(d))
	require.NoError(t, err)

	require.NoError(t, p.ConnectDebugger())
	assert.True(t, d.IsConnectedTo(p.GDBServerPath()))
	assert.Equal(t, qemu.ProcessDebuggerAttached, p.State())

	p.Shutdown()
	assert.Equal(t, 1, d.attaches)
	assert.Equal(t, 1, d.detaches)
	assert.False(t, d.IsConnectedTo(p.GDBServerPath()))

	assert.ErrorIs(t, p.ConnectDebugger(), qemu.ErrProcessTerminated)
}

func TestConnectDebuggerNotConfigured(t *testing.T) {
	p, err := launchStub(t, "normal")
	require.NoError(t, err)
	assert.ErrorIs(t, p.ConnectDebugger(), qemu.ErrNoDebugger)
}

func TestLaunchWithoutDebuggerDoesNotBlockQEMU(t *testing.T) {
	p, err := launchStub(t, "gdbwait")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := p.QueryStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "prelaunch", st.Status)

	lines, err := p.MonitorCommand(ctx, "info args")
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "-gdb unix:"+p.GDBServerPath()+",server,wait=off")
}

func TestLaunchWithDebuggerWaitsForGDBClient(t *testing.T) {
	d := &fakeDebugger{dial: true}
	p, err := launchStub(t, "gdbwait", qemu.WithDebugger(d))
	require.NoError(t, err)

	// QEMU is still waiting for the gdb client
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	_, err = p.QueryStatus(ctx)
	cancel()
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, p.ConnectDebugger())
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := p.QueryStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "prelaunch", st.Status)
}

func TestConnectDebuggerRacingShutdown(t *testing.T) {
	d := &fakeDebugger{blocked: make(chan struct{}), release: make(chan struct{})}
	p, err := launchStub(t, "normal", qemu.WithDebugger(d))
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() { errs <- p.ConnectDebugger() }()
	select {
	case <-d.blocked:
	case <-time.After(5 * time.Second):
		t.Fatal("ConnectDebugger never reached Attach")
	}

	// Shutdown finds no attached debugger and completes, then the attach
	// finishes
	p.Shutdown()
	require.Equal(t, qemu.ProcessTerminated, p.State())
	close(d.release)

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, qemu.ErrProcessTerminated)
	case <-time.After(5 * time.Second):
		t.Fatal("ConnectDebugger did not return")
	}
	assert.Equal(t, qemu.ProcessTerminated, p.State())
	assert.False(t, d.IsConnectedTo(p.GDBServerPath()))
	assert.Equal(t, 1, d.attaches)
	assert.Equal(t, 1, d.detaches)
}
