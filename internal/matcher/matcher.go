// Package matcher classifies a DNS name as tunnel or direct against a
// compiled rule set. Grounded on the teacher's
// internal/gateway/domain_matcher.go: an immutable, atomically-swapped
// structure built once per rule-set load and read concurrently by the DNS
// proxy and the SNI proxy. The teacher's trie handles four pattern kinds
// (full:/domain:/keyword:/geosite:); this spec's pattern language is only
// literal-FQDN or a leading "*.suffix" wildcard, so the trie collapses to a
// flat map plus left-to-right label-suffix probing (spec.md §4.A).
package matcher

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"splittun/internal/core"
)

var labelRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// Result is the outcome of a Match lookup.
type Result struct {
	Matched     bool
	Tunnel      bool
	MatchedRule string // the stored pattern key that matched, empty if unmatched
}

// ruleSet is the immutable compiled form swapped in atomically by Load.
type ruleSet struct {
	literal  map[string]core.Rule // exact FQDN -> rule
	wildcard map[string]core.Rule // suffix (without "*.") -> rule
}

// Matcher classifies domain names against a rule set built from Rule
// entries. Safe for concurrent use: reads never block writers and vice
// versa, via an atomically-swapped immutable snapshot.
type Matcher struct {
	set atomic.Pointer[ruleSet]
}

// New returns an empty matcher.
func New() *Matcher {
	m := &Matcher{}
	m.set.Store(&ruleSet{literal: map[string]core.Rule{}, wildcard: map[string]core.Rule{}})
	return m
}

// IsValid reports whether pattern is an acceptable rule pattern: non-empty,
// at most one leading "*.", and every label matches the DNS label grammar.
func IsValid(pattern string) (bool, error) {
	p := strings.ToLower(strings.TrimSpace(pattern))
	if p == "" {
		return false, fmt.Errorf("empty pattern")
	}
	if strings.Count(p, "*") > 1 {
		return false, fmt.Errorf("multiple wildcards in pattern %q", pattern)
	}
	if strings.Contains(p, "*") {
		if !strings.HasPrefix(p, "*.") {
			return false, fmt.Errorf("wildcard must be the leading label in %q", pattern)
		}
		p = strings.TrimPrefix(p, "*.")
		if p == "" {
			return false, fmt.Errorf("wildcard pattern %q has no suffix", pattern)
		}
	}
	for _, label := range strings.Split(p, ".") {
		if !labelRe.MatchString(label) {
			return false, fmt.Errorf("malformed label %q in pattern %q", label, pattern)
		}
	}
	return true, nil
}

// normalize lowercases and trims a pattern or name.
func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Load replaces the entire rule set. Invalid patterns are rejected and
// excluded from the built set; the first returned error (if any) corresponds
// to the first invalid pattern encountered, but loading continues for the
// rest (mirrors "validation rejects ... at add", applied per-entry here).
func (m *Matcher) Load(rules []core.Rule) error {
	next := &ruleSet{literal: make(map[string]core.Rule, len(rules)), wildcard: make(map[string]core.Rule)}
	var firstErr error
	for _, r := range rules {
		if err := next.add(r); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.set.Store(next)
	return firstErr
}

// Add inserts or replaces a single rule. Insertions with an existing pattern
// key replace the prior entry.
func (m *Matcher) Add(pattern string, tunnel bool) error {
	cur := m.set.Load()
	next := cur.clone()
	if err := next.add(core.Rule{Pattern: pattern, Mode: modeFor(tunnel)}); err != nil {
		return err
	}
	m.set.Store(next)
	return nil
}

// Remove deletes a rule by pattern, reporting whether it was present.
func (m *Matcher) Remove(pattern string) bool {
	p := normalize(pattern)
	cur := m.set.Load()
	next := cur.clone()
	var removed bool
	if strings.HasPrefix(p, "*.") {
		suffix := strings.TrimPrefix(p, "*.")
		if _, ok := next.wildcard[suffix]; ok {
			delete(next.wildcard, suffix)
			removed = true
		}
	} else {
		if _, ok := next.literal[p]; ok {
			delete(next.literal, p)
			removed = true
		}
	}
	if removed {
		m.set.Store(next)
	}
	return removed
}

// GetRules returns the current rule set, for round-tripping through config.
func (m *Matcher) GetRules() []core.Rule {
	cur := m.set.Load()
	out := make([]core.Rule, 0, len(cur.literal)+len(cur.wildcard))
	for _, r := range cur.literal {
		out = append(out, r)
	}
	for _, r := range cur.wildcard {
		out = append(out, r)
	}
	return out
}

// Match classifies name: exact literal wins over any wildcard; among
// wildcards the longest matching suffix wins because labels are probed
// left-to-right, most-specific first. A wildcard rule "*.example.com" never
// matches its own base "example.com".
func (m *Matcher) Match(name string) Result {
	n := strings.TrimSuffix(normalize(name), ".")
	if n == "" {
		return Result{}
	}
	cur := m.set.Load()

	if r, ok := cur.literal[n]; ok {
		return Result{Matched: true, Tunnel: r.Mode == core.ModeTunnel, MatchedRule: r.Pattern}
	}

	labels := strings.Split(n, ".")
	for i := 1; i < len(labels); i++ {
		suffix := strings.Join(labels[i:], ".")
		if r, ok := cur.wildcard[suffix]; ok {
			return Result{Matched: true, Tunnel: r.Mode == core.ModeTunnel, MatchedRule: r.Pattern}
		}
	}

	return Result{}
}

func (rs *ruleSet) add(r core.Rule) error {
	if ok, err := IsValid(r.Pattern); !ok {
		return err
	}
	p := normalize(r.Pattern)
	r.Pattern = p
	if strings.HasPrefix(p, "*.") {
		rs.wildcard[strings.TrimPrefix(p, "*.")] = r
	} else {
		rs.literal[p] = r
	}
	return nil
}

func (rs *ruleSet) clone() *ruleSet {
	next := &ruleSet{
		literal:  make(map[string]core.Rule, len(rs.literal)),
		wildcard: make(map[string]core.Rule, len(rs.wildcard)),
	}
	for k, v := range rs.literal {
		next.literal[k] = v
	}
	for k, v := range rs.wildcard {
		next.wildcard[k] = v
	}
	return next
}

func modeFor(tunnel bool) core.RuleMode {
	if tunnel {
		return core.ModeTunnel
	}
	return core.ModeDirect
}
