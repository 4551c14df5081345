package core

import "errors"

// Sentinel errors wrapped with fmt.Errorf("...: %w", ErrX) throughout the
// engine, mirroring the teacher's "[Tag] message: %w" convention.
var (
	ErrNoMatch        = errors.New("no matching rule")
	ErrConflict       = errors.New("domain conflict detected")
	ErrUpstreamFailed = errors.New("upstream query failed")
	ErrNotRunning     = errors.New("component not running")
	ErrAlreadyRunning = errors.New("component already running")
	ErrUnsupportedOS  = errors.New("unsupported operating system")
	ErrNotPrivileged  = errors.New("operation requires elevated privileges")
)
