//go:build linux

package sysdns

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

const (
	resolvConfPath   = "/etc/resolv.conf"
	resolvConfBackup = "/etc/resolv.conf.splittun.bak"
)

// linuxBackend redirects DNS on Linux by rewriting /etc/resolv.conf to
// point at loopback and installing iptables NAT redirects for port 53
// (spec.md §4.F, §6). Grounded on internal/platform/darwin/route_manager.go's
// shell-and-tolerate idiom, generalized from `route` to `iptables`/resolv.conf.
type linuxBackend struct {
	proxyPort int
	runner    PrivilegedRunner
}

// newLinuxBackend builds the Linux DNS redirection backend.
func newLinuxBackend() Backend {
	return &linuxBackend{}
}

func (b *linuxBackend) Backup() (Backup, error) {
	data, err := os.ReadFile(resolvConfPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", resolvConfPath, err)
	}
	return Backup{"resolv_conf": string(data)}, nil
}

func (b *linuxBackend) Apply(proxyPort int) error {
	if err := os.WriteFile(resolvConfPath, []byte("nameserver 127.0.0.1\n"), 0644); err != nil {
		return fmt.Errorf("write %s: %w", resolvConfPath, err)
	}

	for _, proto := range []string{"udp", "tcp"} {
		if err := b.iptables("-t", "nat", "-A", "OUTPUT", "-p", proto,
			"--dport", "53", "-j", "REDIRECT", "--to-port", fmt.Sprintf("%d", proxyPort)); err != nil {
			return err
		}
	}
	b.proxyPort = proxyPort
	return nil
}

func (b *linuxBackend) Restore(backup Backup) error {
	if b.proxyPort != 0 {
		for _, proto := range []string{"udp", "tcp"} {
			_ = b.iptables("-t", "nat", "-D", "OUTPUT", "-p", proto, "--dport", "53",
				"-j", "REDIRECT", "--to-port", fmt.Sprintf("%d", b.proxyPort))
		}
	}

	if backup == nil {
		return nil
	}
	raw, ok := backup["resolv_conf"]
	if !ok {
		return nil
	}
	contents, ok := raw.(string)
	if !ok {
		return nil
	}
	if err := os.WriteFile(resolvConfPath, []byte(contents), 0644); err != nil {
		return fmt.Errorf("restore %s: %w", resolvConfPath, err)
	}
	return nil
}

func (b *linuxBackend) FlushCache() error {
	if _, err := exec.LookPath("resolvectl"); err == nil {
		return exec.Command("resolvectl", "flush-caches").Run()
	}
	if _, err := exec.LookPath("systemd-resolve"); err == nil {
		return exec.Command("systemd-resolve", "--flush-caches").Run()
	}
	return nil // no system resolver cache daemon present; nothing to flush
}

func (b *linuxBackend) PointsAtLoopback() (bool, error) {
	data, err := os.ReadFile(resolvConfPath)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", resolvConfPath, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "nameserver") && strings.Contains(line, "127.0.0.1") {
			return true, nil
		}
	}
	return false, nil
}

// iptables runs iptables, tolerates "Bad rule"/"No chain" style errors when
// a rule being removed is already gone, and retries through the configured
// PrivilegedRunner on a permission failure (spec.md §9 Privileged operations).
func (b *linuxBackend) iptables(args ...string) error {
	out, err := exec.Command("iptables", args...).CombinedOutput()
	if err == nil {
		return nil
	}
	s := strings.TrimSpace(string(out))
	if strings.Contains(s, "Bad rule") || strings.Contains(s, "No chain") {
		return nil
	}
	if strings.Contains(strings.ToLower(s), "permission denied") && b.runner != nil {
		if _, rerr := b.runner.RunPrivileged("iptables", args...); rerr == nil {
			return nil
		}
	}
	return fmt.Errorf("iptables %s: %s", strings.Join(args, " "), s)
}
