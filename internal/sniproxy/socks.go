// Package sniproxy is the loopback SOCKS5 server that classifies each
// CONNECT target host through the domain matcher and dials it directly or
// through a VPN-side SOCKS (spec.md §4.E). The dialing decision uses the
// requested target host only; ExtractSNI (sni.go) is a standalone helper
// that this server does not call. The teacher only ships a SOCKS5 *client*
// (internal/provider/socks5/{provider,udp}.go); this server is written
// fresh in the same RFC 1928 constant vocabulary and no-auth/CONNECT-only
// subset those files already use.
package sniproxy

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/proxy"

	"splittun/internal/core"
	"splittun/internal/matcher"
)

const (
	socks5Version = 0x05
	authNone      = 0x00

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	repSucceeded      = 0x00
	repGeneralFailure = 0x01
)

const handshakeTimeout = 10 * time.Second
const dialTimeout = 10 * time.Second

// Event is the sealed variant of events the SNI proxy emits.
type Event interface{ isSNIEvent() }

type ConnectionOpened struct{ Target string }
type ConnectionClosed struct{ Target string }
type ConnectionFailed struct {
	Stage string
	Err   error
}

func (ConnectionOpened) isSNIEvent() {}
func (ConnectionClosed) isSNIEvent() {}
func (ConnectionFailed) isSNIEvent() {}

// Config configures a Proxy.
type Config struct {
	ListenAddr string // e.g. "127.0.0.1:1080"
	// TunnelSOCKS, if non-empty, is a VPN-side SOCKS5 proxy address dialed
	// for connections classified as tunnel.
	TunnelSOCKS string
}

// Proxy is the SNI-aware SOCKS5 server (spec.md component E).
type Proxy struct {
	cfg     Config
	matcher *matcher.Matcher

	mu       sync.Mutex
	ln       net.Listener
	conns    map[net.Conn]struct{}
	tunnelFn proxy.Dialer

	events chan Event
	wg     sync.WaitGroup
}

// New builds a Proxy.
func New(cfg Config, m *matcher.Matcher) *Proxy {
	p := &Proxy{
		cfg:     cfg,
		matcher: m,
		conns:   make(map[net.Conn]struct{}),
		events:  make(chan Event, 256),
	}
	if cfg.TunnelSOCKS != "" {
		if d, err := proxy.SOCKS5("tcp", cfg.TunnelSOCKS, nil, proxy.Direct); err == nil {
			p.tunnelFn = d
		}
	}
	return p
}

// Events returns the channel connection lifecycle events are published on.
func (p *Proxy) Events() <-chan Event { return p.events }

// Start binds the listener and begins accepting connections.
func (p *Proxy) Start() error {
	ln, err := net.Listen("tcp4", p.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen sni proxy %s: %w", p.cfg.ListenAddr, err)
	}
	p.mu.Lock()
	p.ln = ln
	p.mu.Unlock()

	p.wg.Add(1)
	go p.acceptLoop(ln)
	core.Log.Infof("SNI", "listening on %s", p.cfg.ListenAddr)
	return nil
}

// Stop destroys every active connection and closes the listener.
func (p *Proxy) Stop() {
	p.mu.Lock()
	ln := p.ln
	conns := make([]net.Conn, 0, len(p.conns))
	for c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	p.wg.Wait()
	core.Log.Infof("SNI", "stopped")
}

func (p *Proxy) acceptLoop(ln net.Listener) {
	defer p.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		p.mu.Lock()
		p.conns[conn] = struct{}{}
		p.mu.Unlock()

		p.wg.Add(1)
		go p.handleConn(conn)
	}
}

func (p *Proxy) handleConn(conn net.Conn) {
	defer p.wg.Done()
	corrID := uuid.NewString()
	defer func() {
		p.mu.Lock()
		delete(p.conns, conn)
		p.mu.Unlock()
		conn.Close()
	}()

	conn.SetDeadline(time.Now().Add(handshakeTimeout))

	if err := p.readGreeting(conn); err != nil {
		core.Log.Debugf("SNI", "[%s] greeting failed: %v", corrID, err)
		p.publish(ConnectionFailed{Stage: "greeting", Err: err})
		return
	}

	target, err := p.readRequest(conn)
	if err != nil {
		core.Log.Debugf("SNI", "[%s] request failed: %v", corrID, err)
		p.publish(ConnectionFailed{Stage: "request", Err: err})
		return
	}

	upstream, err := p.dial(target)
	if err != nil {
		core.Log.Warnf("SNI", "[%s] dial %s failed: %v", corrID, target, err)
		writeReply(conn, repGeneralFailure)
		p.publish(ConnectionFailed{Stage: "dial", Err: err})
		return
	}
	defer upstream.Close()

	if err := writeReply(conn, repSucceeded); err != nil {
		return
	}
	conn.SetDeadline(time.Time{})

	core.Log.Debugf("SNI", "[%s] relaying to %s", corrID, target)
	p.publish(ConnectionOpened{Target: target})
	relay(conn, upstream)
	p.publish(ConnectionClosed{Target: target})
}

// readGreeting reads {VER, NMETHODS, METHODS[]} and replies no-auth.
func (p *Proxy) readGreeting(conn net.Conn) error {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return err
	}
	if hdr[0] != socks5Version {
		return fmt.Errorf("unsupported socks version %d", hdr[0])
	}
	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return err
	}
	_, err := conn.Write([]byte{socks5Version, authNone})
	return err
}

// readRequest reads {VER, CMD, RSV, ATYP} plus the address, returning
// "host:port". Requires CMD=CONNECT.
func (p *Proxy) readRequest(conn net.Conn) (string, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return "", err
	}
	if hdr[0] != socks5Version {
		return "", fmt.Errorf("unsupported socks version %d", hdr[0])
	}
	if hdr[1] != cmdConnect {
		writeReply(conn, repGeneralFailure)
		return "", fmt.Errorf("unsupported command %d", hdr[1])
	}

	var host string
	switch hdr[3] {
	case atypIPv4:
		addr := make([]byte, 4)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return "", err
		}
		host = net.IP(addr).String()
	case atypDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return "", err
		}
		name := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(conn, name); err != nil {
			return "", err
		}
		host = string(name)
	case atypIPv6:
		addr := make([]byte, 16)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return "", err
		}
		host = net.IP(addr).String()
	default:
		return "", fmt.Errorf("unsupported address type %d", hdr[3])
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return "", err
	}
	port := int(portBuf[0])<<8 | int(portBuf[1])

	return net.JoinHostPort(host, fmt.Sprintf("%d", port)), nil
}

// dial classifies host through the matcher and dials through the VPN-side
// SOCKS when tunnel-classified and configured, else directly.
func (p *Proxy) dial(target string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(target)
	if err != nil {
		host = target
	}

	result := p.matcher.Match(host)
	if result.Tunnel && p.tunnelFn != nil {
		return p.tunnelFn.Dial("tcp", target)
	}
	return net.DialTimeout("tcp", target, dialTimeout)
}

func writeReply(conn net.Conn, rep byte) error {
	reply := []byte{socks5Version, rep, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0}
	_, err := conn.Write(reply)
	return err
}

// relay splices bytes in both directions until either side closes.
func relay(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(a, b)
		if c, ok := a.(interface{ CloseWrite() error }); ok {
			c.CloseWrite()
		}
	}()
	go func() {
		defer wg.Done()
		io.Copy(b, a)
		if c, ok := b.(interface{ CloseWrite() error }); ok {
			c.CloseWrite()
		}
	}()
	wg.Wait()
}
