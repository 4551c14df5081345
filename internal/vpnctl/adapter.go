// Package vpnctl is the narrow wrapper over the external "wg" command-line
// tool (spec.md §4.G, §6): listing interfaces/peers by parsing
// `wg show all dump`, and mutating a peer's allowed-ips via
// `wg set <iface> peer <pub> allowed-ips <csv>`. Grounded on the teacher's
// shell-out-and-classify-stderr idiom in
// internal/platform/darwin/route_manager.go (routeExec) and
// internal/service/conflicting_services.go (parse CLI output, tolerate
// known error substrings).
package vpnctl

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"splittun/internal/core"
)

// sentinelCIDR is substituted when removing the last tracked allowed-ip
// would leave the peer with an empty set, which the wg tool rejects
// (spec.md §4.D).
const sentinelCIDR = "0.0.0.0/32"

// Peer is one WireGuard peer entry from a dump line.
type Peer struct {
	PublicKey       string
	Endpoint        string
	AllowedIPs      []string
	LatestHandshake time.Time
	RxBytes         int64
	TxBytes         int64
}

// Interface is one WireGuard interface with its peers.
type Interface struct {
	Name       string
	PublicKey  string
	ListenPort int
	Peers      []Peer
}

// TunnelStatus summarizes detectTunnels' advisory probe result.
type TunnelStatus string

const (
	StatusNativeAvailable  TunnelStatus = "native_available"
	StatusThirdPartyFound  TunnelStatus = "third_party_detected"
	StatusNoTunnel         TunnelStatus = "no_tunnel"
	StatusUnknown          TunnelStatus = "unknown"
)

// PrivilegedRunner runs a command with elevated privileges, for operations
// that fail for the current user (spec.md §9 Privileged operations).
type PrivilegedRunner interface {
	RunPrivileged(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Adapter is the VPN control-tool wrapper (spec.md component G).
type Adapter struct {
	binary   string // name or path of the "wg" binary, from Config.Binary
	runner   PrivilegedRunner
	iface    string
	peerPub  string
}

// Config configures an Adapter.
type Config struct {
	Binary  string // defaults to "wg"
	Runner  PrivilegedRunner
}

// New builds an Adapter.
func New(cfg Config) *Adapter {
	bin := cfg.Binary
	if bin == "" {
		bin = "wg"
	}
	return &Adapter{binary: bin, runner: cfg.Runner}
}

// SetConfig names the interface and peer all allowed-ips mutations target.
func (a *Adapter) SetConfig(iface, peerPublicKey string) {
	a.iface = iface
	a.peerPub = peerPublicKey
}

// IsAvailable probes for the wg binary with a which-style check.
func (a *Adapter) IsAvailable() bool {
	_, err := exec.LookPath(a.binary)
	return err == nil
}

// IsActive reports whether the configured interface currently has the
// configured peer present.
func (a *Adapter) IsActive() bool {
	if a.iface == "" || a.peerPub == "" {
		return false
	}
	iface, err := a.GetInterface(a.iface)
	if err != nil {
		return false
	}
	for _, p := range iface.Peers {
		if p.PublicKey == a.peerPub {
			return true
		}
	}
	return false
}

// ListInterfaces shells out to `wg show all dump` and parses every
// interface and its peers (spec.md §4.G Listing).
func (a *Adapter) ListInterfaces() ([]Interface, error) {
	out, err := exec.Command(a.binary, "show", "all", "dump").CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("wg show all dump: %w: %s", core.ErrUpstreamFailed, strings.TrimSpace(string(out)))
	}
	return parseDump(string(out)), nil
}

// GetInterface returns a single named interface from ListInterfaces.
func (a *Adapter) GetInterface(name string) (Interface, error) {
	ifaces, err := a.ListInterfaces()
	if err != nil {
		return Interface{}, err
	}
	for _, i := range ifaces {
		if i.Name == name {
			return i, nil
		}
	}
	return Interface{}, fmt.Errorf("interface %q not found", name)
}

// GetAllowedIPs returns the configured peer's current allowed-ips CSV,
// split into individual CIDRs.
func (a *Adapter) GetAllowedIPs() ([]string, error) {
	return a.getAllowedIPsFor(a.iface, a.peerPub)
}

func (a *Adapter) getAllowedIPsFor(iface, peerPub string) ([]string, error) {
	i, err := a.GetInterface(iface)
	if err != nil {
		return nil, err
	}
	for _, p := range i.Peers {
		if p.PublicKey == peerPub {
			return p.AllowedIPs, nil
		}
	}
	return nil, fmt.Errorf("peer %q not found on %q", peerPub, iface)
}

// AddAllowedIps adds cidrs to the configured peer's allowed-ips, rewriting
// the full CSV (spec.md §4.G Mutation).
func (a *Adapter) AddAllowedIps(ips []string) error {
	return a.addAllowedIPsFor(a.iface, a.peerPub, ips)
}

func (a *Adapter) addAllowedIPsFor(iface, peerPub string, ips []string) error {
	current, err := a.getAllowedIPsFor(iface, peerPub)
	if err != nil {
		return err
	}
	merged := mergeUnique(current, ips)
	return a.setAllowedIPs(iface, peerPub, merged)
}

// RemoveAllowedIps removes cidrs from the configured peer's allowed-ips. If
// the remaining set would be empty, substitutes the sentinel 0.0.0.0/32
// (spec.md §4.D semantics note).
func (a *Adapter) RemoveAllowedIps(ips []string) error {
	return a.removeAllowedIPsFor(a.iface, a.peerPub, ips)
}

func (a *Adapter) removeAllowedIPsFor(iface, peerPub string, ips []string) error {
	current, err := a.getAllowedIPsFor(iface, peerPub)
	if err != nil {
		return err
	}
	remove := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		remove[ip] = struct{}{}
	}
	var next []string
	for _, c := range current {
		if _, drop := remove[c]; !drop {
			next = append(next, c)
		}
	}
	if len(next) == 0 {
		next = []string{sentinelCIDR}
	}
	return a.setAllowedIPs(iface, peerPub, next)
}


func (a *Adapter) setAllowedIPs(iface, peerPub string, cidrs []string) error {
	csv := strings.Join(cidrs, ",")
	args := []string{"set", iface, "peer", peerPub, "allowed-ips", csv}

	out, err := exec.Command(a.binary, args...).CombinedOutput()
	if err == nil {
		return nil
	}

	if isPermissionError(out, err) && a.runner != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, rerr := a.runner.RunPrivileged(ctx, a.binary, args...); rerr == nil {
			return nil
		} else {
			return fmt.Errorf("wg set (privileged) %s: %w", iface, rerr)
		}
	}

	return fmt.Errorf("wg set %s: %w: %s", iface, core.ErrNotPrivileged, strings.TrimSpace(string(out)))
}

func isPermissionError(out []byte, err error) bool {
	s := strings.ToLower(string(out) + err.Error())
	return strings.Contains(s, "permission denied") || strings.Contains(s, "operation not permitted")
}

// DetectTunnels runs advisory probes for native and third-party tunnels
// (spec.md §4.G Tunnel detection). Routing proceeds only if SetConfig has
// been called; this is informational only.
func (a *Adapter) DetectTunnels(thirdPartyBinaries []string) TunnelStatus {
	if a.IsAvailable() {
		if ifaces, err := a.ListInterfaces(); err == nil && len(ifaces) > 0 {
			return StatusNativeAvailable
		}
	}
	for _, bin := range thirdPartyBinaries {
		if _, err := exec.LookPath(bin); err == nil {
			return StatusThirdPartyFound
		}
	}
	if a.IsAvailable() {
		return StatusNoTunnel
	}
	return StatusUnknown
}

// parseDump parses `wg show all dump` output: a 5-field line is an
// interface line whose public key is in the third column; lines with 8 or
// more fields for the same interface are peers.
func parseDump(output string) []Interface {
	var ifaces []Interface
	var cur *Interface

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) < 2 {
			continue
		}
		name := fields[0]

		if cur == nil || cur.Name != name {
			if cur != nil {
				ifaces = append(ifaces, *cur)
			}
			cur = &Interface{Name: name}
		}

		// Interface line: name, private-key, public-key, listen-port, fwmark (5 fields).
		// Peer line: name, public-key, preshared-key, endpoint, allowed-ips, latest-handshake, rx, tx, keepalive (9 fields).
		if len(fields) == 5 {
			cur.PublicKey = fields[2]
			if port, err := strconv.Atoi(fields[3]); err == nil {
				cur.ListenPort = port
			}
			continue
		}

		if len(fields) >= 8 {
			peer := Peer{
				PublicKey: fields[1],
				Endpoint:  fields[3],
			}
			if fields[4] != "(none)" && fields[4] != "" {
				peer.AllowedIPs = strings.Split(fields[4], ",")
			}
			if hs, err := strconv.ParseInt(fields[5], 10, 64); err == nil && hs > 0 {
				peer.LatestHandshake = time.Unix(hs, 0)
			}
			if rx, err := strconv.ParseInt(fields[6], 10, 64); err == nil {
				peer.RxBytes = rx
			}
			if tx, err := strconv.ParseInt(fields[7], 10, 64); err == nil {
				peer.TxBytes = tx
			}
			cur.Peers = append(cur.Peers, peer)
		}
	}
	if cur != nil {
		ifaces = append(ifaces, *cur)
	}
	return ifaces
}

// mergeUnique returns current with every cidr in add that isn't already
// present, appended in order.
func mergeUnique(current, add []string) []string {
	seen := make(map[string]struct{}, len(current))
	out := make([]string, len(current))
	copy(out, current)
	for _, c := range current {
		seen[c] = struct{}{}
	}
	for _, c := range add {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
