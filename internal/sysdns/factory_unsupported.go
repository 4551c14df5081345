//go:build !darwin && !linux

package sysdns

import (
	"fmt"
	"runtime"

	"splittun/internal/core"
)

// NewBackend fails on every OS splittun does not carry a resolver backend
// for (spec.md §4.F "unsupported OS" error path).
func NewBackend(runner PrivilegedRunner) (Backend, error) {
	return nil, fmt.Errorf("sysdns: %q: %w", runtime.GOOS, core.ErrUnsupportedOS)
}
