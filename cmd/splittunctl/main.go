// Command splittunctl is a diagnostics CLI for an already-running splittund
// daemon's persisted state: rule list, conflict table, and tracked routes,
// plus an offline `match` check against the current rule set. Grounded on
// the teacher's cmd/awg-diag/main.go bare switch-on-os.Args dispatch.
package main

import (
	"fmt"
	"os"

	"splittun/internal/config"
	"splittun/internal/core"
	"splittun/internal/matcher"
)

var configPath = "splittund.yaml"

const timeFormat = "2006-01-02T15:04:05Z07:00"

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if args[0] == "--config" {
		if len(args) < 2 {
			fatal("usage: splittunctl --config <path> <command>")
		}
		configPath = args[1]
		args = args[2:]
	}

	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "rules":
		runRules()
	case "conflicts":
		runConflicts()
	case "routes":
		runRoutes()
	case "add-rule":
		if len(args) < 3 {
			fatal("usage: splittunctl add-rule <pattern> <tunnel|direct>")
		}
		runAddRule(args[1], args[2])
	case "remove-rule":
		if len(args) < 2 {
			fatal("usage: splittunctl remove-rule <pattern>")
		}
		runRemoveRule(args[1])
	case "match":
		if len(args) < 2 {
			fatal("usage: splittunctl match <name>")
		}
		runMatch(args[1])
	case "version":
		fmt.Println("splittunctl dev")
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: splittunctl [--config <path>] <command> [args]

commands:
  rules                       list persisted rules
  conflicts                   list the last-observed IP conflicts (diagnostics snapshot)
  routes                      list currently tracked injected routes (diagnostics snapshot)
  add-rule <pattern> <mode>   add or replace a rule (mode: tunnel|direct)
  remove-rule <pattern>       remove a rule by pattern
  match <name>                classify a name against the persisted rule set
  version                     print version`)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func loadConfig() *config.Manager {
	m := config.NewManager(configPath, nil)
	if err := m.Load(); err != nil {
		fatal("load config %s: %v", configPath, err)
	}
	return m
}

func runRules() {
	m := loadConfig()
	for _, r := range m.GetRules() {
		fmt.Printf("%s\t%s\n", r.Pattern, r.Mode)
	}
}

// runConflicts prints the most recent conflicts snapshot the running daemon
// persisted to config — there is no IPC channel to query the live detector
// directly, so this trails the daemon's persistSnapshotLoop interval.
func runConflicts() {
	m := loadConfig()
	for _, c := range m.GetConflicts() {
		fmt.Printf("%s\ttunnel=%v\tdirect=%v\tdetected=%s\n",
			c.IP, c.TunnelDomains, c.DirectDomains, c.DetectedAt.Format(timeFormat))
	}
}

// runRoutes prints the most recent tracked-routes snapshot, same caveat as
// runConflicts.
func runRoutes() {
	m := loadConfig()
	for _, r := range m.GetActiveRoutes() {
		fmt.Printf("%s\t%s\tinjected=%s\texpires=%s\n",
			r.CIDR, r.Domain, r.InjectedAt.Format(timeFormat), r.ExpiresAt.Format(timeFormat))
	}
}

func runAddRule(pattern, mode string) {
	tunnel := mode == "tunnel"
	if !tunnel && mode != "direct" {
		fatal("mode must be 'tunnel' or 'direct', got %q", mode)
	}
	if ok, err := matcher.IsValid(pattern); !ok {
		fatal("invalid pattern %q: %v", pattern, err)
	}

	rmode := core.ModeDirect
	if tunnel {
		rmode = core.ModeTunnel
	}

	m := loadConfig()
	m.AddRule(core.Rule{Pattern: pattern, Mode: rmode})
	if err := m.Save(); err != nil {
		fatal("save config: %v", err)
	}
	fmt.Printf("ok: %s -> %s\n", pattern, rmode)
}

func runRemoveRule(pattern string) {
	m := loadConfig()
	if !m.RemoveRule(pattern) {
		fatal("no rule with pattern %q", pattern)
	}
	if err := m.Save(); err != nil {
		fatal("save config: %v", err)
	}
	fmt.Printf("removed: %s\n", pattern)
}

func runMatch(name string) {
	m := loadConfig()
	mt := matcher.New()
	if err := mt.Load(m.GetRules()); err != nil {
		fatal("load rules into matcher: %v", err)
	}
	res := mt.Match(name)
	if !res.Matched {
		fmt.Printf("%s -> direct (%v, default policy)\n", name, core.ErrNoMatch)
		return
	}
	mode := "direct"
	if res.Tunnel {
		mode = "tunnel"
	}
	fmt.Printf("%s -> %s (rule: %s)\n", name, mode, res.MatchedRule)
}
