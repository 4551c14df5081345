// Command splittund runs the split-tunnel routing engine daemon: domain
// matcher, conflict detector, route manager, DNS proxy, SNI proxy, and the
// system DNS/VPN adapters, composed via internal/engine. Grounded on the
// teacher's cmd/awg-split-tunnel/main.go flag/signal/lifecycle shape.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"splittun/internal/config"
	"splittun/internal/core"
	"splittun/internal/engine"
)

// Build info — injected via ldflags at compile time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "splittund.yaml", "path to configuration file")
	dnsListen := flag.String("dns-listen", "", "DNS proxy UDP listen address (overrides config-derived default)")
	socksListen := flag.String("socks-listen", "", "SNI/SOCKS5 proxy TCP listen address (overrides config-derived default)")
	tunnelSOCKS := flag.String("tunnel-socks", "", "VPN-side SOCKS5 address for tunnel-classified connections")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("splittund %s (commit=%s)\n", version, commit)
		os.Exit(0)
	}

	core.Log = core.NewLogger(core.LogConfig{Level: *logLevel})

	if err := run(*configPath, *dnsListen, *socksListen, *tunnelSOCKS); err != nil {
		core.Log.Fatalf("Main", "%v", err)
	}
}

func run(configPath, dnsListen, socksListen, tunnelSOCKS string) error {
	bus := core.NewEventBus()
	cfgMgr := config.NewManager(configPath, bus)
	if err := cfgMgr.Load(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// pfctl/iptables/resolv.conf and `wg set` all require elevated privileges;
	// only wire the sudo-retry runners when we don't already have them, so an
	// already-privileged process doesn't shell out to sudo for no reason.
	var vpnRunner core.SudoRunner
	var sysdnsRunner core.SudoRunnerNoContext
	elevated := core.IsElevated()
	core.Log.Infof("Main", "running elevated=%v", elevated)

	deps := engine.Deps{
		Config:          cfgMgr,
		Bus:             bus,
		DNSListenAddr:   dnsListen,
		SOCKSListenAddr: socksListen,
		TunnelSOCKS:     tunnelSOCKS,
	}
	if !elevated {
		deps.VPNRunner = vpnRunner
		deps.SysDNSRunner = sysdnsRunner
	}

	e, err := engine.New(deps)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	if err := e.Start(); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	core.Log.Infof("Main", "splittund %s running", version)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	core.Log.Infof("Main", "shutting down")
	return e.Stop()
}
