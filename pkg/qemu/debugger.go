package qemu

// Debugger is the debugger that attaches to the gdb stub of a QEMU
// process. *gdbserial.Client implements it.
type Debugger interface {
	// IsConnectedTo reports whether the debugger is currently attached to
	// the gdb stub listening at path.
	IsConnectedTo(path string) bool
	// Attach connects to the gdb stub listening at path.
	Attach(path string) error
	// Detach disconnects from the current gdb stub.
	Detach() error
}
