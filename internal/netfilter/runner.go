package netfilter

import (
	"context"
	"os/exec"
)

// CommandRunner abstracts external command execution so the adapter can
// be unit-tested with a fake executor. The context carries the deadline;
// callers never invoke system binaries directly.
type CommandRunner interface {
	// CombinedOutput runs a command and returns its combined
	// stdout/stderr.
	CombinedOutput(ctx context.Context, name string, args ...string) ([]byte, error)

	// Output runs a command and returns stdout only. Used where the
	// output is data rather than diagnostics (rule snapshots).
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner invokes real system binaries via os/exec.
type ExecRunner struct{}

// CombinedOutput runs a command and captures stdout and stderr together.
func (r *ExecRunner) CombinedOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Output runs a command and captures stdout.
func (r *ExecRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}
