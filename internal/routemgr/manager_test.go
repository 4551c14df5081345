package routemgr

import (
	"testing"
	"time"
)

type fakeConflict struct{ conflicted map[string]bool }

func (f *fakeConflict) HasConflict(ip string) bool { return f.conflicted[ip] }

type fakeVPN struct {
	allowed map[string]struct{}
	addCalls    int
	removeCalls int
	failAdd     bool
}

func newFakeVPN(initial ...string) *fakeVPN {
	v := &fakeVPN{allowed: map[string]struct{}{}}
	for _, c := range initial {
		v.allowed[c] = struct{}{}
	}
	return v
}

func (v *fakeVPN) GetAllowedIPs() ([]string, error) {
	out := make([]string, 0, len(v.allowed))
	for c := range v.allowed {
		out = append(out, c)
	}
	return out, nil
}

func (v *fakeVPN) AddAllowedIps(cidrs []string) error {
	v.addCalls++
	if v.failAdd {
		return errFake
	}
	for _, c := range cidrs {
		v.allowed[c] = struct{}{}
	}
	return nil
}

func (v *fakeVPN) RemoveAllowedIps(cidrs []string) error {
	v.removeCalls++
	for _, c := range cidrs {
		delete(v.allowed, c)
	}
	return nil
}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

var errFake = fakeErr("fake add failure")

func TestInjectIdempotent(t *testing.T) {
	vpn := newFakeVPN()
	m := New(Config{Interface: "wg0", PeerPublicKey: "pub", CleanupInterval: time.Hour}, &fakeConflict{conflicted: map[string]bool{}}, vpn)
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	if err := m.Inject("example.com", []string{"93.184.216.34"}, time.Minute); err != nil {
		t.Fatalf("inject: %v", err)
	}
	if err := m.Inject("example.com", []string{"93.184.216.34"}, time.Minute); err != nil {
		t.Fatalf("inject 2: %v", err)
	}

	routes := m.GetRoutes()
	if len(routes) != 1 {
		t.Fatalf("expected 1 tracked route, got %d", len(routes))
	}
	if vpn.addCalls != 1 {
		t.Fatalf("expected exactly 1 VPN add call, got %d", vpn.addCalls)
	}
}

func TestInjectSkippedOnConflict(t *testing.T) {
	vpn := newFakeVPN()
	conflict := &fakeConflict{conflicted: map[string]bool{"198.51.100.7": true}}
	m := New(Config{Interface: "wg0", PeerPublicKey: "pub", CleanupInterval: time.Hour}, conflict, vpn)
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	if err := m.Inject("a.test", []string{"198.51.100.7"}, time.Minute); err != nil {
		t.Fatalf("inject: %v", err)
	}
	if len(m.GetRoutes()) != 0 {
		t.Fatal("expected conflicting ip to be skipped")
	}
	if vpn.addCalls != 0 {
		t.Fatal("expected no VPN call for skipped injection")
	}
}

func TestInjectExcludesOriginalAllowedIPs(t *testing.T) {
	vpn := newFakeVPN("10.0.0.1/32")
	m := New(Config{Interface: "wg0", PeerPublicKey: "pub", CleanupInterval: time.Hour}, &fakeConflict{conflicted: map[string]bool{}}, vpn)
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	if err := m.Inject("existing.test", []string{"10.0.0.1"}, time.Minute); err != nil {
		t.Fatalf("inject: %v", err)
	}
	if len(m.GetRoutes()) != 0 {
		t.Fatal("expected ip present in original allowed-ips to never be tracked")
	}
}

func TestTTLExpiry(t *testing.T) {
	vpn := newFakeVPN()
	m := New(Config{Interface: "wg0", PeerPublicKey: "pub", CleanupInterval: time.Hour}, &fakeConflict{conflicted: map[string]bool{}}, vpn)
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	if err := m.Inject("expiring.test", []string{"10.0.0.2"}, 10*time.Millisecond); err != nil {
		t.Fatalf("inject: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	m.CleanupExpired()

	if len(m.GetRoutes()) != 0 {
		t.Fatal("expected route removed after TTL expiry")
	}
	if _, ok := vpn.allowed["10.0.0.2/32"]; ok {
		t.Fatal("expected VPN allowed-ips to no longer contain expired route")
	}
}

func TestCleanupRemovesRouteThatBecameConflicting(t *testing.T) {
	vpn := newFakeVPN()
	conflict := &fakeConflict{conflicted: map[string]bool{}}
	m := New(Config{Interface: "wg0", PeerPublicKey: "pub", CleanupInterval: time.Hour}, conflict, vpn)
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	if err := m.Inject("a.test", []string{"198.51.100.7"}, time.Hour); err != nil {
		t.Fatalf("inject: %v", err)
	}
	if len(m.GetRoutes()) != 1 {
		t.Fatal("expected route injected before conflict was observed")
	}

	// b.test later resolves to the same ip directly, so the detector now
	// reports a conflict for it, well before the route's TTL would expire.
	conflict.conflicted["198.51.100.7"] = true
	m.CleanupExpired()

	if len(m.GetRoutes()) != 0 {
		t.Fatal("expected route removed on cleanup once its ip became conflicting")
	}
	if _, ok := vpn.allowed["198.51.100.7/32"]; ok {
		t.Fatal("expected VPN allowed-ips to no longer contain the conflicting route")
	}
}

func TestInjectRollsBackOnAdapterFailure(t *testing.T) {
	vpn := newFakeVPN()
	vpn.failAdd = true
	m := New(Config{Interface: "wg0", PeerPublicKey: "pub", CleanupInterval: time.Hour}, &fakeConflict{conflicted: map[string]bool{}}, vpn)
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	if err := m.Inject("fails.test", []string{"10.0.0.3"}, time.Minute); err == nil {
		t.Fatal("expected inject to surface adapter error")
	}
	if len(m.GetRoutes()) != 0 {
		t.Fatal("expected provisional insert rolled back on failure")
	}
}
