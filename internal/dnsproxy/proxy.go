// Package dnsproxy is the UDP DNS server that classifies each query through
// the domain matcher, forwards it to the matching upstream, and on response
// feeds resolved addresses to the conflict detector and route manager
// (spec.md §4.C). Grounded on the teacher's
// internal/gateway/dns_resolver.go for the listener/per-query-goroutine/
// SERVFAIL-synthesis shape, but replaces its hand-rolled byte-level DNS
// parsing (extractDNSName, makeServFail) with github.com/miekg/dns, the
// DNS library used throughout the wider example pack.
package dnsproxy

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/miekg/dns"

	"splittun/internal/core"
	"splittun/internal/matcher"
)

// state is the proxy's lifecycle state machine (spec.md §4.C).
type state int

const (
	stateStopped state = iota
	stateStarting
	stateRunning
)

// Detector is the subset of conflict.Detector the proxy depends on.
type Detector interface {
	RecordBatch(domain string, ips []string, tunnel bool)
	HasConflict(ip string) bool
}

// RouteInjector is the subset of routemgr.Manager the proxy depends on.
type RouteInjector interface {
	Inject(domain string, ips []string, ttl time.Duration) error
}

// Event is the sealed variant of events the proxy emits (spec.md §9).
type Event interface{ isProxyEvent() }

// Query fires once per accepted question.
type Query struct {
	Name   string
	QType  uint16
	Tunnel bool
}

// Response fires once the upstream answer (or synthesized SERVFAIL) is ready.
type Response struct {
	Name     string
	IPs      []string
	MinTTL   uint32
	SERVFAIL bool
}

// RouteInjection fires after the conflict detector has recorded the answer.
type RouteInjection struct {
	Domain   string
	IPs      []string
	Tunnel   bool
	Conflict bool
}

// ProxyError fires for decode failures and upstream errors.
type ProxyError struct {
	Stage string
	Err   error
}

func (Query) isProxyEvent()          {}
func (Response) isProxyEvent()       {}
func (RouteInjection) isProxyEvent() {}
func (ProxyError) isProxyEvent()     {}

// Config configures a Proxy.
type Config struct {
	ListenAddr     string // e.g. "127.0.0.1:5353"
	TunnelUpstream string // host:port
	DirectUpstream string // host:port
	Timeout        time.Duration
	InjectTTL      time.Duration // fixed route TTL (spec.md §9 open question: fixed default, not answer TTL)
}

// Proxy is the local DNS forwarder (spec.md component C).
type Proxy struct {
	cfg      Config
	matcher  *matcher.Matcher
	detector Detector
	routes   RouteInjector

	mu    sync.Mutex
	state state
	conn  *net.UDPConn

	events chan Event
	wg     sync.WaitGroup
}

// New builds a Proxy. m, d, r must be non-nil.
func New(cfg Config, m *matcher.Matcher, d Detector, r RouteInjector) *Proxy {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.InjectTTL <= 0 {
		cfg.InjectTTL = 300 * time.Second
	}
	return &Proxy{
		cfg:      cfg,
		matcher:  m,
		detector: d,
		routes:   r,
		events:   make(chan Event, 256),
	}
}

// Events returns the channel query/response/error/route-injection events are
// published on.
func (p *Proxy) Events() <-chan Event { return p.events }

// Start binds the UDP listener and begins serving. A second Start while
// running is an error.
func (p *Proxy) Start() error {
	p.mu.Lock()
	if p.state != stateStopped {
		p.mu.Unlock()
		return fmt.Errorf("start dns proxy: %w", core.ErrAlreadyRunning)
	}
	p.state = stateStarting
	p.mu.Unlock()

	addr, err := net.ResolveUDPAddr("udp4", p.cfg.ListenAddr)
	if err != nil {
		p.setState(stateStopped)
		return fmt.Errorf("resolve listen addr %s: %w", p.cfg.ListenAddr, err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		p.setState(stateStopped)
		return fmt.Errorf("listen udp %s: %w", p.cfg.ListenAddr, err)
	}

	p.mu.Lock()
	p.conn = conn
	p.state = stateRunning
	p.mu.Unlock()

	core.Log.Infof("DNS", "listening on %s (tunnel=%s direct=%s)", p.cfg.ListenAddr, p.cfg.TunnelUpstream, p.cfg.DirectUpstream)

	p.wg.Add(1)
	go p.serveLoop(conn)
	return nil
}

// Stop closes the socket and drops pending queries without waiting for
// in-flight upstream responses (spec.md §5 cancellation).
func (p *Proxy) Stop() {
	p.mu.Lock()
	if p.state == stateStopped {
		p.mu.Unlock()
		return
	}
	conn := p.conn
	p.state = stateStopped
	p.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	p.wg.Wait()
	core.Log.Infof("DNS", "stopped")
}

func (p *Proxy) serveLoop(conn *net.UDPConn) {
	defer p.wg.Done()
	buf := make([]byte, 4096)
	for {
		n, clientAddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return // socket closed by Stop, or fatal read error
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		go p.handleQuery(conn, datagram, clientAddr)
	}
}

func (p *Proxy) handleQuery(conn *net.UDPConn, datagram []byte, clientAddr *net.UDPAddr) {
	msg := new(dns.Msg)
	if err := msg.Unpack(datagram); err != nil {
		p.publish(ProxyError{Stage: "decode", Err: err})
		return
	}
	if len(msg.Question) == 0 {
		return
	}
	q := msg.Question[0]
	qname := trimTrailingDot(q.Name)
	corrID := uuid.NewString()

	result := p.matcher.Match(qname)
	p.publish(Query{Name: qname, QType: q.Qtype, Tunnel: result.Tunnel})
	core.Log.Debugf("DNS", "[%s] query %s tunnel=%v", corrID, qname, result.Tunnel)

	upstream := p.cfg.DirectUpstream
	if result.Tunnel {
		upstream = p.cfg.TunnelUpstream
	}

	respBytes, err := p.forward(upstream, datagram)
	if err != nil {
		core.Log.Warnf("DNS", "[%s] upstream error for %s: %v", corrID, qname, err)
		p.publish(ProxyError{Stage: "upstream", Err: err})
		sf := servFail(msg)
		if sfBytes, packErr := sf.Pack(); packErr == nil {
			conn.WriteToUDP(sfBytes, clientAddr)
		}
		p.publish(Response{Name: qname, SERVFAIL: true})
		return
	}

	resp := new(dns.Msg)
	ips, minTTL := extractAnswers(resp, respBytes)
	p.publish(Response{Name: qname, IPs: ips, MinTTL: minTTL})

	if len(ips) > 0 {
		p.detector.RecordBatch(qname, ips, result.Tunnel)

		var conflict bool
		if result.Tunnel {
			for _, ip := range ips {
				if p.detector.HasConflict(ip) {
					conflict = true
					break
				}
			}
			// Inject unconditionally: routemgr.Inject already skips per-ip on
			// conflict (spec.md §4.D), so a single conflicting ip in the batch
			// must not block injection of the other, clean ips.
			if err := p.routes.Inject(qname, ips, p.cfg.InjectTTL); err != nil {
				p.publish(ProxyError{Stage: "inject", Err: err})
			}
		}
		p.publish(RouteInjection{Domain: qname, IPs: ips, Tunnel: result.Tunnel, Conflict: conflict})
	}

	conn.WriteToUDP(respBytes, clientAddr)
}

// forward sends the original datagram verbatim to upstream and returns the
// raw response bytes, preserving id/flags/ECS/EDNS.
func (p *Proxy) forward(upstream string, datagram []byte) ([]byte, error) {
	conn, err := net.DialTimeout("udp", upstream, p.cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("dial upstream %s: %w", upstream, core.ErrUpstreamFailed)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(p.cfg.Timeout))
	if _, err := conn.Write(datagram); err != nil {
		return nil, fmt.Errorf("write upstream %s: %w", upstream, core.ErrUpstreamFailed)
	}

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read upstream %s: %w", upstream, core.ErrUpstreamFailed)
	}
	return buf[:n], nil
}

func (p *Proxy) publish(e Event) {
	select {
	case p.events <- e:
	default:
	}
}

func (p *Proxy) setState(s state) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// extractAnswers decodes respBytes into resp and returns every A-record
// address plus the minimum TTL across answers (default 3600 if none carry
// a TTL, per spec.md §4.C step 5).
func extractAnswers(resp *dns.Msg, respBytes []byte) ([]string, uint32) {
	if err := resp.Unpack(respBytes); err != nil {
		return nil, 3600
	}
	var ips []string
	minTTL := uint32(0)
	haveTTL := false
	for _, rr := range resp.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		ips = append(ips, a.A.String())
		hdr := a.Header()
		if !haveTTL || hdr.Ttl < minTTL {
			minTTL = hdr.Ttl
			haveTTL = true
		}
	}
	if !haveTTL {
		minTTL = 3600
	}
	return ips, minTTL
}

// servFail synthesizes a SERVFAIL response copying the request id and
// questions with zero answers.
func servFail(query *dns.Msg) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetRcode(query, dns.RcodeServerFailure)
	return resp
}

func trimTrailingDot(s string) string {
	if len(s) > 0 && s[len(s)-1] == '.' {
		return s[:len(s)-1]
	}
	return s
}
