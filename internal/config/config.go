// Package config persists the engine's externally-owned state: rules, VPN
// target, upstream resolvers, listen ports, and the DNS backup blob used for
// crash recovery. Modeled on the teacher's internal/core/config.go
// ConfigManager (mutex-guarded struct, YAML on disk, reload fans out on the
// ambient event bus).
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"splittun/internal/core"
)

// Endpoint is a host:port upstream resolver target.
type Endpoint struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// VPNTarget names the WireGuard interface and peer the route manager and
// VPN adapter mutate.
type VPNTarget struct {
	Interface string `yaml:"interface"`
	PeerKey   string `yaml:"peer_public_key"`
}

// ConflictEntry is a persisted snapshot of one conflict.Conflict, written by
// the engine so splittunctl can report live detector state without an IPC
// channel to the running daemon.
type ConflictEntry struct {
	IP            string    `yaml:"ip"`
	TunnelDomains []string  `yaml:"tunnel_domains"`
	DirectDomains []string  `yaml:"direct_domains"`
	DetectedAt    time.Time `yaml:"detected_at"`
}

// RouteEntry is a persisted snapshot of one routemgr.Route.
type RouteEntry struct {
	CIDR       string    `yaml:"cidr"`
	Domain     string    `yaml:"domain"`
	InjectedAt time.Time `yaml:"injected_at"`
	ExpiresAt  time.Time `yaml:"expires_at"`
}

// Config is the top-level persisted application state (spec.md §6).
type Config struct {
	Rules          []core.Rule     `yaml:"rules"`
	VPN            VPNTarget       `yaml:"vpn"`
	TunnelUpstream Endpoint        `yaml:"tunnel_upstream"`
	DirectUpstream Endpoint        `yaml:"direct_upstream"`
	ProxyPort      int             `yaml:"proxy_port"`
	SOCKSPort      int             `yaml:"socks_port"`
	DNSBackup      map[string]any  `yaml:"dns_backup,omitempty"`
	LastActive     time.Time       `yaml:"last_active,omitempty"`
	Log            core.LogConfig  `yaml:"log,omitempty"`
	Conflicts      []ConflictEntry `yaml:"conflicts,omitempty"`
	ActiveRoutes   []RouteEntry    `yaml:"active_routes,omitempty"`
}

// Defaults per spec.md §6: tunnel upstream 8.8.8.8:53, direct upstream
// 1.1.1.1:53, proxy port 5353, SOCKS port 1080.
func defaultConfig() Config {
	return Config{
		TunnelUpstream: Endpoint{Host: "8.8.8.8", Port: 53},
		DirectUpstream: Endpoint{Host: "1.1.1.1", Port: 53},
		ProxyPort:      5353,
		SOCKSPort:      1080,
	}
}

// Manager handles loading, saving, and hot-reloading the config file.
type Manager struct {
	mu       sync.RWMutex
	config   Config
	filePath string
	bus      *core.EventBus
}

// NewManager creates a config manager backed by filePath. bus may be nil.
func NewManager(filePath string, bus *core.EventBus) *Manager {
	return &Manager{filePath: filePath, bus: bus}
}

// Load reads and parses the config file, creating one with defaults if it
// does not yet exist.
func (m *Manager) Load() error {
	data, err := os.ReadFile(m.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			m.mu.Lock()
			m.config = defaultConfig()
			m.mu.Unlock()
			if saveErr := m.Save(); saveErr != nil {
				return fmt.Errorf("create default config: %w", saveErr)
			}
			return nil
		}
		return fmt.Errorf("read config %s: %w", m.filePath, err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(core.Event{Type: core.EventConfigReloaded})
	}
	return nil
}

// Save writes the current config to disk.
func (m *Manager) Save() error {
	m.mu.RLock()
	data, err := yaml.Marshal(&m.config)
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(m.filePath, data, 0600); err != nil {
		return fmt.Errorf("write config %s: %w", m.filePath, err)
	}
	return nil
}

// Get returns a copy of the current config.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetRules returns the persisted rule list.
func (m *Manager) GetRules() []core.Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.Rule, len(m.config.Rules))
	copy(out, m.config.Rules)
	return out
}

// SetRules replaces the rule list and publishes EventConfigReloaded.
func (m *Manager) SetRules(rules []core.Rule) {
	m.mu.Lock()
	m.config.Rules = rules
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(core.Event{Type: core.EventConfigReloaded})
	}
}

// AddRule inserts or replaces a rule by pattern and publishes
// EventRuleAdded (or EventRuleUpdated when a rule with that pattern already
// existed) so any subscriber — the engine, wiring its live matcher — picks
// up the change without a full config reload.
func (m *Manager) AddRule(r core.Rule) {
	m.mu.Lock()
	replaced := false
	for i, existing := range m.config.Rules {
		if existing.Pattern == r.Pattern {
			m.config.Rules[i] = r
			replaced = true
			break
		}
	}
	if !replaced {
		m.config.Rules = append(m.config.Rules, r)
	}
	m.mu.Unlock()

	if m.bus == nil {
		return
	}
	evType := core.EventRuleAdded
	if replaced {
		evType = core.EventRuleUpdated
	}
	m.bus.PublishAsync(core.Event{Type: evType, Payload: core.RulePayload{Rule: r}})
}

// RemoveRule deletes a rule by pattern, reporting whether one was present,
// and publishes EventRuleRemoved on removal.
func (m *Manager) RemoveRule(pattern string) bool {
	m.mu.Lock()
	var removed bool
	var dropped core.Rule
	out := m.config.Rules[:0]
	for _, r := range m.config.Rules {
		if r.Pattern == pattern {
			removed = true
			dropped = r
			continue
		}
		out = append(out, r)
	}
	m.config.Rules = out
	m.mu.Unlock()

	if removed && m.bus != nil {
		m.bus.PublishAsync(core.Event{Type: core.EventRuleRemoved, Payload: core.RulePayload{Rule: dropped}})
	}
	return removed
}

// SetDNSBackup stores the opaque OS-specific resolver backup blob, used by
// the system DNS adapter for crash recovery.
func (m *Manager) SetDNSBackup(backup map[string]any) {
	m.mu.Lock()
	m.config.DNSBackup = backup
	m.mu.Unlock()
}

// SetConflicts persists a diagnostics snapshot of the conflict detector's
// current state, read back by splittunctl's "conflicts" command.
func (m *Manager) SetConflicts(entries []ConflictEntry) {
	m.mu.Lock()
	m.config.Conflicts = entries
	m.mu.Unlock()
}

// GetConflicts returns the last persisted conflict snapshot.
func (m *Manager) GetConflicts() []ConflictEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ConflictEntry, len(m.config.Conflicts))
	copy(out, m.config.Conflicts)
	return out
}

// SetActiveRoutes persists a diagnostics snapshot of the route manager's
// currently tracked routes, read back by splittunctl's "routes" command.
func (m *Manager) SetActiveRoutes(entries []RouteEntry) {
	m.mu.Lock()
	m.config.ActiveRoutes = entries
	m.mu.Unlock()
}

// GetActiveRoutes returns the last persisted route snapshot.
func (m *Manager) GetActiveRoutes() []RouteEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RouteEntry, len(m.config.ActiveRoutes))
	copy(out, m.config.ActiveRoutes)
	return out
}

// TouchLastActive stamps the last-active timestamp. Callers provide "now"
// since the package avoids time.Now() in code paths exercised by tests that
// need deterministic timestamps; production callers pass time.Now().
func (m *Manager) TouchLastActive(now time.Time) {
	m.mu.Lock()
	m.config.LastActive = now
	m.mu.Unlock()
}
