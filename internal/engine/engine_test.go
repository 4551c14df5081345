package engine

import (
	"path/filepath"
	"testing"
	"time"

	"splittun/internal/config"
	"splittun/internal/core"
)

func newTestConfigManager(t *testing.T) *config.Manager {
	t.Helper()
	return newTestConfigManagerWithBus(t, nil)
}

func newTestConfigManagerWithBus(t *testing.T, bus *core.EventBus) *config.Manager {
	t.Helper()
	dir := t.TempDir()
	m := config.NewManager(filepath.Join(dir, "config.yaml"), bus)
	if err := m.Load(); err != nil {
		t.Fatalf("load config: %v", err)
	}
	m.SetRules([]core.Rule{{Pattern: "example.com", Mode: core.ModeTunnel}})
	return m
}

func TestNewWiresAllComponents(t *testing.T) {
	cfgMgr := newTestConfigManager(t)
	e, err := New(Deps{
		Config:          cfgMgr,
		DNSListenAddr:   "127.0.0.1:0",
		SOCKSListenAddr: "127.0.0.1:0",
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer e.Detector.Stop()

	res := e.Matcher.Match("example.com")
	if !res.Matched || !res.Tunnel {
		t.Fatalf("expected loaded rule to classify example.com as tunnel, got %+v", res)
	}

	if e.Detector == nil || e.RouteMgr == nil || e.VPN == nil || e.SysDNS == nil || e.DNS == nil || e.SNI == nil {
		t.Fatal("expected every component to be constructed")
	}
}

func TestStopBeforeStartErrors(t *testing.T) {
	cfgMgr := newTestConfigManager(t)
	e, err := New(Deps{Config: cfgMgr})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer e.Detector.Stop()
	if err := e.Stop(); err != core.ErrNotRunning {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

// TestAddRuleWithoutBusUpdatesMatcherDirectly covers the no-bus path: the
// matcher is updated synchronously inside AddRule/RemoveRule.
func TestAddRuleWithoutBusUpdatesMatcherDirectly(t *testing.T) {
	cfgMgr := newTestConfigManager(t)
	e, err := New(Deps{Config: cfgMgr})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer e.Detector.Stop()

	if err := e.AddRule("live.test", true); err != nil {
		t.Fatalf("add rule: %v", err)
	}
	if res := e.Matcher.Match("live.test"); !res.Matched || !res.Tunnel {
		t.Fatalf("expected live.test to classify as tunnel immediately, got %+v", res)
	}
	if rules := cfgMgr.GetRules(); len(rules) != 2 {
		t.Fatalf("expected the new rule persisted alongside the original, got %+v", rules)
	}

	if err := e.RemoveRule("live.test"); err != nil {
		t.Fatalf("remove rule: %v", err)
	}
	if res := e.Matcher.Match("live.test"); res.Matched {
		t.Fatal("expected live.test no longer matched after removal")
	}
}

// TestAddRuleWithBusUpdatesMatcherAsync covers the bus-fanned path: the
// matcher update happens via the EventBus subscription wired in New, not a
// direct call inside AddRule, proving the bus is not decorative.
func TestAddRuleWithBusUpdatesMatcherAsync(t *testing.T) {
	bus := core.NewEventBus()
	cfgMgr := newTestConfigManagerWithBus(t, bus)
	e, err := New(Deps{Config: cfgMgr, Bus: bus})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer e.Detector.Stop()

	if err := e.AddRule("bus.test", false); err != nil {
		t.Fatalf("add rule: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if res := e.Matcher.Match("bus.test"); res.Matched {
			if res.Tunnel {
				t.Fatal("expected bus.test classified as direct, not tunnel")
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("expected bus-fanned EventRuleAdded to update the live matcher within 1s")
}
