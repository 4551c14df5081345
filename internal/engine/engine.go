// Package engine is the routing engine's composition root: it wires the
// domain matcher, conflict detector, route manager, DNS proxy, SNI proxy,
// system DNS adapter, and VPN adapter into one process-owned value
// (spec.md §9 "Singletons -> explicit composition"). Grounded on the
// teacher's internal/service/tunnel_controller.go ControllerDeps pattern,
// generalized from one struct to Deps below.
package engine

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"splittun/internal/config"
	"splittun/internal/conflict"
	"splittun/internal/core"
	"splittun/internal/dnsproxy"
	"splittun/internal/matcher"
	"splittun/internal/routemgr"
	"splittun/internal/sniproxy"
	"splittun/internal/sysdns"
	"splittun/internal/vpnctl"
)

// snapshotInterval is how often the engine persists a conflicts/routes
// diagnostics snapshot to config while dirty (spec.md §6 diagnostics surface
// for splittunctl, since there is no IPC channel to the running daemon).
const snapshotInterval = 5 * time.Second

// Deps is the explicit set of constructed dependencies the Engine wires
// together. Only Config is required: Bus, VPNRunner and SysDNSRunner may be
// nil, TunnelSOCKS may be empty, and empty listen addresses fall back to
// 127.0.0.1 with the configured proxy/SOCKS port.
type Deps struct {
	Config *config.Manager

	// Bus, if set, fans ambient rule/config-change signals out to the
	// engine's live matcher (spec.md §9) and lets other in-process
	// components subscribe without referencing the engine directly.
	Bus *core.EventBus

	VPNRunner    vpnctl.PrivilegedRunner
	SysDNSRunner sysdns.PrivilegedRunner

	// DNSListenAddr is the DNS proxy's UDP listen address, e.g. "127.0.0.1:5353".
	DNSListenAddr string
	// SOCKSListenAddr is the SNI proxy's TCP listen address, e.g. "127.0.0.1:1080".
	SOCKSListenAddr string
	// TunnelSOCKS is the optional VPN-side SOCKS5 dialer address the SNI
	// proxy routes tunnel-classified connections through.
	TunnelSOCKS string
}

// Engine owns one instance of every routing-engine component (spec.md §2).
type Engine struct {
	cfg *config.Manager
	bus *core.EventBus

	Matcher  *matcher.Matcher
	Detector *conflict.Detector
	RouteMgr *routemgr.Manager
	VPN      *vpnctl.Adapter
	SysDNS   *sysdns.Adapter
	DNS      *dnsproxy.Proxy
	SNI      *sniproxy.Proxy

	started bool

	stopDrain chan struct{}
	drainWG   sync.WaitGroup
	dirty     atomic.Bool
}

// New constructs every component and wires their dependencies, but starts
// nothing (spec.md §9: explicit composition, no hidden singletons).
func New(deps Deps) (*Engine, error) {
	cfg := deps.Config.Get()

	m := matcher.New()
	if err := m.Load(cfg.Rules); err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}

	detector := conflict.New(conflict.Config{})

	vpn := vpnctl.New(vpnctl.Config{Runner: deps.VPNRunner})
	vpn.SetConfig(cfg.VPN.Interface, cfg.VPN.PeerKey)

	routeMgr := routemgr.New(routemgr.Config{
		Interface:     cfg.VPN.Interface,
		PeerPublicKey: cfg.VPN.PeerKey,
	}, detector, vpn)

	backend, err := sysdns.NewBackend(deps.SysDNSRunner)
	if err != nil {
		return nil, fmt.Errorf("select system dns backend: %w", err)
	}
	sysDNS := sysdns.New(backend, cfg.ProxyPort)

	dnsListen := deps.DNSListenAddr
	if dnsListen == "" {
		dnsListen = fmt.Sprintf("127.0.0.1:%d", cfg.ProxyPort)
	}
	dnsProxy := dnsproxy.New(dnsproxy.Config{
		ListenAddr:     dnsListen,
		TunnelUpstream: cfg.TunnelUpstream.String(),
		DirectUpstream: cfg.DirectUpstream.String(),
	}, m, detector, routeMgr)

	socksListen := deps.SOCKSListenAddr
	if socksListen == "" {
		socksListen = fmt.Sprintf("127.0.0.1:%d", cfg.SOCKSPort)
	}
	sniProxy := sniproxy.New(sniproxy.Config{
		ListenAddr:  socksListen,
		TunnelSOCKS: deps.TunnelSOCKS,
	}, m)

	e := &Engine{
		cfg:      deps.Config,
		bus:      deps.Bus,
		Matcher:  m,
		Detector: detector,
		RouteMgr: routeMgr,
		VPN:      vpn,
		SysDNS:   sysDNS,
		DNS:      dnsProxy,
		SNI:      sniProxy,
	}

	if deps.Bus != nil {
		e.subscribeBus(deps.Bus)
	}

	return e, nil
}

// subscribeBus wires the ambient rule/config events onto the live matcher,
// so a config-level mutation (e.g. via Manager.AddRule) takes effect without
// a restart (spec.md §9).
func (e *Engine) subscribeBus(bus *core.EventBus) {
	applyRule := func(ev core.Event) {
		p, ok := ev.Payload.(core.RulePayload)
		if !ok {
			return
		}
		if err := e.Matcher.Add(p.Rule.Pattern, p.Rule.Mode == core.ModeTunnel); err != nil {
			core.Log.Warnf("Engine", "live rule update %q rejected: %v", p.Rule.Pattern, err)
		}
	}
	bus.Subscribe(core.EventRuleAdded, applyRule)
	bus.Subscribe(core.EventRuleUpdated, applyRule)
	bus.Subscribe(core.EventRuleRemoved, func(ev core.Event) {
		if p, ok := ev.Payload.(core.RulePayload); ok {
			e.Matcher.Remove(p.Rule.Pattern)
		}
	})
	bus.Subscribe(core.EventConfigReloaded, func(core.Event) {
		if err := e.Matcher.Load(e.cfg.GetRules()); err != nil {
			core.Log.Warnf("Engine", "rule reload had invalid entries: %v", err)
		}
	})
}

// AddRule inserts or replaces a rule, persists it, and live-updates the
// matcher — through the event bus when one is configured, or directly
// otherwise (spec.md §4.A rule mutation).
func (e *Engine) AddRule(pattern string, tunnel bool) error {
	if ok, err := matcher.IsValid(pattern); !ok {
		return err
	}
	mode := core.ModeDirect
	if tunnel {
		mode = core.ModeTunnel
	}
	e.cfg.AddRule(core.Rule{Pattern: pattern, Mode: mode})
	if e.bus == nil {
		if err := e.Matcher.Add(pattern, tunnel); err != nil {
			return err
		}
	}
	return e.cfg.Save()
}

// RemoveRule deletes a rule by pattern, persists the removal, and
// live-updates the matcher the same way AddRule does.
func (e *Engine) RemoveRule(pattern string) error {
	e.cfg.RemoveRule(pattern)
	if e.bus == nil {
		e.Matcher.Remove(pattern)
	}
	return e.cfg.Save()
}

// Start brings every component up in dependency order: route manager first
// (captures the original allowed-ips snapshot), then system DNS redirection,
// then the two listeners. On any failure it tears down what already started.
func (e *Engine) Start() error {
	if e.started {
		return core.ErrAlreadyRunning
	}

	if err := e.checkStaleDNSConfig(); err != nil {
		core.Log.Warnf("Engine", "stale dns config check failed: %v", err)
	}

	if err := e.RouteMgr.Start(); err != nil {
		return fmt.Errorf("start route manager: %w", err)
	}

	if err := e.SysDNS.Configure(); err != nil {
		_ = e.RouteMgr.Stop()
		return fmt.Errorf("configure system dns: %w", err)
	}
	e.cfg.SetDNSBackup(e.SysDNS.CurrentBackup())
	_ = e.cfg.Save()

	if err := e.DNS.Start(); err != nil {
		_ = e.SysDNS.Restore()
		_ = e.RouteMgr.Stop()
		return fmt.Errorf("start dns proxy: %w", err)
	}

	if err := e.SNI.Start(); err != nil {
		e.DNS.Stop()
		_ = e.SysDNS.Restore()
		_ = e.RouteMgr.Stop()
		return fmt.Errorf("start sni proxy: %w", err)
	}

	e.started = true
	e.cfg.TouchLastActive(time.Now())
	_ = e.cfg.Save()

	e.stopDrain = make(chan struct{})
	e.drainWG.Add(2)
	go e.drainEvents()
	go e.persistSnapshotLoop()

	core.Log.Infof("Engine", "started")
	return nil
}

// Stop tears every component down in reverse order, surfacing the first
// error encountered but always attempting every step (spec.md §5
// cancellation semantics per component).
func (e *Engine) Stop() error {
	if !e.started {
		return core.ErrNotRunning
	}
	e.started = false

	close(e.stopDrain)
	e.drainWG.Wait()
	e.persistSnapshot() // capture final state before components tear down

	var firstErr error
	note := func(stage string, err error) {
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", stage, err)
		}
	}

	e.SNI.Stop()
	e.DNS.Stop()
	note("restore system dns", e.SysDNS.Restore())
	note("stop route manager", e.RouteMgr.Stop())

	core.Log.Infof("Engine", "stopped")
	return firstErr
}

func (e *Engine) checkStaleDNSConfig() error {
	backup := e.cfg.Get().DNSBackup
	if backup == nil {
		return nil
	}
	return e.SysDNS.CheckForStaleConfig(backup)
}

// drainEvents fans every component's typed event channel into the structured
// logger, and flags the diagnostics snapshot dirty whenever conflict or
// route state changes (spec.md §7 "observability", §9 "Engine as
// subscriber"). Without this loop each component's buffered channel fills
// within the first burst of traffic and silently drops every event after.
func (e *Engine) drainEvents() {
	defer e.drainWG.Done()
	for {
		select {
		case <-e.stopDrain:
			return
		case ev := <-e.Detector.Events():
			e.logEvent("Conflict", ev)
			e.dirty.Store(true)
		case ev := <-e.RouteMgr.Events():
			e.logEvent("Route", ev)
			e.dirty.Store(true)
		case ev := <-e.DNS.Events():
			e.logEvent("DNS", ev)
		case ev := <-e.SNI.Events():
			e.logEvent("SNI", ev)
		}
	}
}

// logEvent routes one typed event to the appropriate log level: DNS proxy
// errors are warnings; SNI connection failures and everything else are
// debug-level lines.
func (e *Engine) logEvent(tag string, ev any) {
	switch v := ev.(type) {
	case dnsproxy.ProxyError:
		core.Log.Warnf(tag, "%s: %v", v.Stage, v.Err)
	case sniproxy.ConnectionFailed:
		core.Log.Debugf(tag, "connection failed at %s: %v", v.Stage, v.Err)
	default:
		core.Log.Debugf(tag, "%+v", v)
	}
}

// persistSnapshotLoop periodically writes the conflicts/routes diagnostics
// snapshot to config while dirty, so splittunctl's "conflicts"/"routes"
// commands reflect recent state without a live IPC channel to this process.
func (e *Engine) persistSnapshotLoop() {
	defer e.drainWG.Done()
	t := time.NewTicker(snapshotInterval)
	defer t.Stop()
	for {
		select {
		case <-e.stopDrain:
			return
		case <-t.C:
			if e.dirty.CompareAndSwap(true, false) {
				e.persistSnapshot()
			}
		}
	}
}

func (e *Engine) persistSnapshot() {
	conflicts := e.Detector.GetConflicts()
	conflictEntries := make([]config.ConflictEntry, 0, len(conflicts))
	for _, c := range conflicts {
		conflictEntries = append(conflictEntries, config.ConflictEntry{
			IP:            c.IP,
			TunnelDomains: c.TunnelDomains,
			DirectDomains: c.DirectDomains,
			DetectedAt:    c.TDetected,
		})
	}
	e.cfg.SetConflicts(conflictEntries)

	routes := e.RouteMgr.GetRoutes()
	routeEntries := make([]config.RouteEntry, 0, len(routes))
	for _, r := range routes {
		routeEntries = append(routeEntries, config.RouteEntry{
			CIDR:       r.CIDR,
			Domain:     r.Domain,
			InjectedAt: r.TInjected,
			ExpiresAt:  r.TExpires,
		})
	}
	e.cfg.SetActiveRoutes(routeEntries)

	if err := e.cfg.Save(); err != nil {
		core.Log.Warnf("Engine", "persist diagnostics snapshot: %v", err)
	}
}
