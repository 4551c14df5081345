// Package sysdns performs OS-level DNS redirection: point the system
// resolver at loopback, redirect port 53 to the DNS proxy's listen port,
// and flush the OS resolver cache (spec.md §4.F). Grounded on the teacher's
// internal/platform/platform.go (a Platform struct aggregating per-OS
// constructor fields, selected by a factory) and
// internal/platform/darwin/{factory,dns,route_manager}.go for the
// shell-out-and-tolerate-known-errors idiom this package generalizes from
// routing-table entries to resolver configuration.
package sysdns

import (
	"fmt"

	"splittun/internal/core"
)

// Backup is the opaque, OS-specific resolver configuration captured before
// redirection is applied (spec.md §3 "DNS backup"). Persisted via
// internal/config so crash recovery can restore it on the next start.
type Backup = map[string]any

// PrivilegedRunner runs a command with elevated privileges; the backends
// retry pfctl and iptables through it on a permission failure (spec.md §9).
type PrivilegedRunner interface {
	RunPrivileged(name string, args ...string) ([]byte, error)
}

// Backend is implemented once per supported OS.
type Backend interface {
	// Backup captures the current resolver configuration.
	Backup() (Backup, error)
	// Apply points the resolver at 127.0.0.1 and installs the port-53
	// redirect to proxyPort (UDP and TCP).
	Apply(proxyPort int) error
	// Restore undoes Apply using a previously captured Backup.
	Restore(b Backup) error
	// FlushCache flushes the OS resolver cache.
	FlushCache() error
	// PointsAtLoopback reports whether the live resolver config currently
	// points at 127.0.0.1 (used for crash recovery).
	PointsAtLoopback() (bool, error)
}

// Adapter orchestrates Configure/Restore/crash-recovery over a Backend
// (spec.md component F).
type Adapter struct {
	backend Backend
	proxyPort int

	configured bool
	backup     Backup
}

// New builds an Adapter around the given backend and proxy listen port.
func New(backend Backend, proxyPort int) *Adapter {
	return &Adapter{backend: backend, proxyPort: proxyPort}
}

// Configure captures a backup, applies redirection, and flushes the cache.
// On any failure it attempts Restore before surfacing the original error.
func (a *Adapter) Configure() error {
	backup, err := a.backend.Backup()
	if err != nil {
		return fmt.Errorf("capture dns backup: %w", err)
	}
	a.backup = backup

	if err := a.backend.Apply(a.proxyPort); err != nil {
		a.rollback()
		return fmt.Errorf("apply dns redirect: %w", err)
	}

	if err := a.backend.FlushCache(); err != nil {
		a.rollback()
		return fmt.Errorf("flush dns cache: %w", err)
	}

	a.configured = true
	core.Log.Infof("SysDNS", "configured (proxy_port=%d)", a.proxyPort)
	return nil
}

func (a *Adapter) rollback() {
	if restoreErr := a.backend.Restore(a.backup); restoreErr != nil {
		core.Log.Errorf("SysDNS", "rollback after configure failure also failed: %v", restoreErr)
	}
}

// Restore undoes redirection and restores the original resolver
// configuration, flushing the cache on success.
func (a *Adapter) Restore() error {
	if err := a.backend.Restore(a.backup); err != nil {
		return fmt.Errorf("restore dns config: %w", err)
	}
	a.configured = false
	if err := a.backend.FlushCache(); err != nil {
		return fmt.Errorf("flush dns cache after restore: %w", err)
	}
	core.Log.Infof("SysDNS", "restored")
	return nil
}

// CheckForStaleConfig restores a stale prior-run redirection: if a persisted
// backup from a previous run is given (non-nil) and the live resolver config
// still points at 127.0.0.1, restore before starting anew.
func (a *Adapter) CheckForStaleConfig(persistedBackup Backup) error {
	if persistedBackup == nil {
		return nil
	}
	live, err := a.backend.PointsAtLoopback()
	if err != nil {
		return fmt.Errorf("check live dns config: %w", err)
	}
	if !live {
		return nil
	}
	core.Log.Warnf("SysDNS", "detected stale loopback redirect from a prior run, restoring")
	return a.backend.Restore(persistedBackup)
}

// CurrentBackup returns the most recently captured backup, for persistence.
func (a *Adapter) CurrentBackup() Backup { return a.backup }
