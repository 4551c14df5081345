//go:build !windows

package core

import (
	"context"
	"fmt"
	"os/exec"

	"golang.org/x/sys/unix"
)

// IsElevated reports whether the current process is running as root,
// grounded on the teacher's privilege-check note in internal/ipc/pipe.go
// (the IPC channel trusts the elevated service side).
func IsElevated() bool {
	return unix.Geteuid() == 0
}

// SudoRunner runs a command through `sudo -n` (non-interactive; fails
// immediately rather than prompting), the fallback elevation path for
// vpnctl/sysdns operations that need root (spec.md §9 Privileged
// operations).
type SudoRunner struct{}

// RunPrivileged shells the command through sudo -n.
func (SudoRunner) RunPrivileged(ctx context.Context, name string, args ...string) ([]byte, error) {
	full := append([]string{"-n", name}, args...)
	out, err := exec.CommandContext(ctx, "sudo", full...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("sudo -n %s: %w", name, err)
	}
	return out, nil
}

// SudoRunnerNoContext adapts SudoRunner to the context-free
// RunPrivileged(name, args...) shape some packages (internal/sysdns)
// declare their capability interface with.
type SudoRunnerNoContext struct{}

// RunPrivileged shells the command through sudo -n with a background context.
func (SudoRunnerNoContext) RunPrivileged(name string, args ...string) ([]byte, error) {
	return SudoRunner{}.RunPrivileged(context.Background(), name, args...)
}
