package matcher

import "testing"

import "splittun/internal/core"

func TestIsValid(t *testing.T) {
	cases := []struct {
		pattern string
		valid   bool
	}{
		{"example.com", true},
		{"*.example.com", true},
		{"", false},
		{"*.*.example.com", false},
		{"sub.*.example.com", false},
		{"*.", false},
		{"exa_mple.com", false},
		{"-example.com", false},
		{"example-.com", false},
	}
	for _, c := range cases {
		ok, _ := IsValid(c.pattern)
		if ok != c.valid {
			t.Errorf("IsValid(%q) = %v, want %v", c.pattern, ok, c.valid)
		}
	}
}

func TestMatchExactLiteralWinsOverWildcard(t *testing.T) {
	m := New()
	if err := m.Load([]core.Rule{
		{Pattern: "api.example.com", Mode: core.ModeDirect},
		{Pattern: "*.example.com", Mode: core.ModeTunnel},
	}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	r := m.Match("api.example.com")
	if !r.Matched || r.Tunnel {
		t.Fatalf("expected exact literal (direct) to win, got %+v", r)
	}
}

func TestWildcardDoesNotMatchBase(t *testing.T) {
	m := New()
	if err := m.Load([]core.Rule{{Pattern: "*.example.com", Mode: core.ModeTunnel}}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	r := m.Match("example.com")
	if r.Matched {
		t.Fatalf("wildcard must not match its own base, got %+v", r)
	}
	r = m.Match("api.example.com")
	if !r.Matched || !r.Tunnel {
		t.Fatalf("expected api.example.com to tunnel, got %+v", r)
	}
}

func TestLongestWildcardSuffixWins(t *testing.T) {
	m := New()
	if err := m.Load([]core.Rule{
		{Pattern: "*.example.com", Mode: core.ModeDirect},
		{Pattern: "*.api.example.com", Mode: core.ModeTunnel},
	}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	r := m.Match("svc.api.example.com")
	if !r.Matched || !r.Tunnel {
		t.Fatalf("expected longest suffix (*.api.example.com) to win, got %+v", r)
	}
}

func TestMatchIsCaseInsensitive(t *testing.T) {
	m := New()
	if err := m.Load([]core.Rule{{Pattern: "Example.COM", Mode: core.ModeTunnel}}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	a := m.Match("EXAMPLE.com")
	b := m.Match("example.com")
	if a != b {
		t.Fatalf("match should be case-insensitive: %+v != %+v", a, b)
	}
}

func TestNoMatchIsDefaultDirect(t *testing.T) {
	m := New()
	r := m.Match("unknown.test")
	if r.Matched || r.Tunnel {
		t.Fatalf("expected unmatched, got %+v", r)
	}
}

func TestLoadThenGetRulesRoundTrips(t *testing.T) {
	m := New()
	rules := []core.Rule{
		{Pattern: "example.com", Mode: core.ModeTunnel},
		{Pattern: "*.example.org", Mode: core.ModeDirect},
	}
	if err := m.Load(rules); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := m.GetRules()
	if len(got) != len(rules) {
		t.Fatalf("got %d rules, want %d", len(got), len(rules))
	}
}

func TestAddReplacesExistingKey(t *testing.T) {
	m := New()
	if err := m.Add("example.com", true); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := m.Add("example.com", false); err != nil {
		t.Fatalf("Add: %v", err)
	}
	r := m.Match("example.com")
	if r.Tunnel {
		t.Fatalf("expected second Add to replace first, got tunnel=%v", r.Tunnel)
	}
}

func TestRemove(t *testing.T) {
	m := New()
	_ = m.Add("example.com", true)
	if !m.Remove("example.com") {
		t.Fatal("expected Remove to report removed")
	}
	if m.Remove("example.com") {
		t.Fatal("expected second Remove to report not-removed")
	}
	if m.Match("example.com").Matched {
		t.Fatal("expected no match after removal")
	}
}
