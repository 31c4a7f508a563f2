package qemu

import (
	"context"
	"errors"
	"strings"
)

// ErrNoCommand is returned by MonitorCommand for an empty command line.
var ErrNoCommand = errors.New("no command specified")

// Status is the reply to query-status.
type Status struct {
	Running    bool   `json:"running"`
	Singlestep bool   `json:"singlestep"`
	Status     string `json:"status"`
}

// QueryStatus returns the run state of the virtual machine.
func (p *Process) QueryStatus(ctx context.Context) (*Status, error) {
	st := new(Status)
	if err := p.bridge.Execute(ctx, "query-status", nil, st); err != nil {
		return nil, err
	}
	return st, nil
}

// Stop pauses every virtual CPU.
func (p *Process) Stop(ctx context.Context) error {
	return p.bridge.Execute(ctx, "stop", nil, nil)
}

// Cont resumes every virtual CPU.
func (p *Process) Cont(ctx context.Context) error {
	return p.bridge.Execute(ctx, "cont", nil, nil)
}

// MonitorCommand runs cmdline on the human monitor and returns its output
// split into lines. Trailing empty lines are dropped.
func (p *Process) MonitorCommand(ctx context.Context, cmdline string) ([]string, error) {
	cmdline = strings.TrimSpace(cmdline)
	if cmdline == "" {
		return nil, ErrNoCommand
	}
	var out string
	args := map[string]string{"command-line": cmdline}
	if err := p.bridge.Execute(ctx, "human-monitor-command", args, &out); err != nil {
		return nil, err
	}
	lines := strings.Split(out, "\r\n")
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines, nil
}
