// Package egress builds the HTTP client used for subscriber deliveries.
//
// Every connection is made to an address the client resolved and vetted itself,
// so a hostname that resolves, or later re-resolves, to an internal address is
// never reached.
package egress

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"time"
)

// ErrAllAddressesFailed is returned when every vetted address refused a connection.
var ErrAllAddressesFailed = errors.New("all resolved addresses failed")

// NotPublicIPError means the host resolved only to addresses that may not be dialed.
// Retrying will not help.
type NotPublicIPError struct {
	Host string
}

func (e *NotPublicIPError) Error() string {
	return fmt.Sprintf("address %s does not have a public ip", e.Host)
}

// IsNotPublicIP reports whether err, or anything it wraps, is a NotPublicIPError.
func IsNotPublicIP(err error) bool {
	var target *NotPublicIPError
	return errors.As(err, &target)
}

// IsUnresolvable reports whether err carries an authoritative "no such host"
// answer. Temporary resolver failures do not count.
func IsUnresolvable(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}

// Resolver is satisfied by *net.Resolver.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

type Config struct {
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration
	KeepAlive           time.Duration
	ConnectTimeout      time.Duration // per candidate address
	TLSHandshakeTimeout time.Duration // per candidate address
	RequestTimeout      time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxConnsPerHost:     100,
		IdleConnTimeout:     10 * time.Second,
		KeepAlive:           60 * time.Second,
		ConnectTimeout:      10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		RequestTimeout:      30 * time.Second,
	}
}

type Option func(*dialer)

func WithResolver(r Resolver) Option {
	return func(d *dialer) {
		d.resolver = r
	}
}

// WithAddressFilter replaces IsPublic as the test for dialable addresses.
func WithAddressFilter(allow func(netip.Addr) bool) Option {
	return func(d *dialer) {
		d.allow = allow
	}
}

// WithTLSConfig sets the base TLS configuration. ServerName and NextProtos are
// always overridden per connection.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(d *dialer) {
		d.tlsConfig = cfg
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(d *dialer) {
		d.logger = l
	}
}

// New returns a client that only connects to vetted addresses. It speaks
// HTTP/1.1 only and does not follow redirects.
func New(cfg Config, opts ...Option) *http.Client {
	d := newDialer(cfg, opts...)

	transport := &http.Transport{
		Proxy:               nil,
		DialContext:         d.DialContext,
		DialTLSContext:      d.DialTLSContext,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		MaxIdleConnsPerHost: cfg.MaxConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		ForceAttemptHTTP2:   false,
		// A non-nil empty map disables HTTP/2.
		TLSNextProto: map[string]func(string, *tls.Conn) http.RoundTripper{},
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.RequestTimeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

type dialer struct {
	resolver         Resolver
	allow            func(netip.Addr) bool
	tlsConfig        *tls.Config
	net              *net.Dialer
	handshakeTimeout time.Duration
	logger           *slog.Logger
}

func newDialer(cfg Config, opts ...Option) *dialer {
	d := &dialer{
		resolver:         net.DefaultResolver,
		allow:            IsPublic,
		tlsConfig:        &tls.Config{MinVersion: tls.VersionTLS12},
		handshakeTimeout: cfg.TLSHandshakeTimeout,
		logger:           slog.Default(),
		net: &net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: cfg.KeepAlive,
		},
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// DialContext connects without TLS, to the first vetted address that answers.
func (d *dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return d.dialEach(ctx, addr, func(ctx context.Context, target netip.AddrPort, host string) (net.Conn, error) {
		return d.net.DialContext(ctx, network, target.String())
	})
}

// DialTLSContext connects and completes a TLS handshake with SNI set to the
// original host, trying vetted addresses in resolver order.
func (d *dialer) DialTLSContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return d.dialEach(ctx, addr, func(ctx context.Context, target netip.AddrPort, host string) (net.Conn, error) {
		raw, err := d.net.DialContext(ctx, network, target.String())
		if err != nil {
			return nil, err
		}

		cfg := d.tlsConfig.Clone()
		cfg.ServerName = host
		cfg.NextProtos = []string{"http/1.1"}

		conn := tls.Client(raw, cfg)

		hsCtx := ctx
		if d.handshakeTimeout > 0 {
			var cancel context.CancelFunc
			hsCtx, cancel = context.WithTimeout(ctx, d.handshakeTimeout)
			defer cancel()
		}

		if err := conn.HandshakeContext(hsCtx); err != nil {
			_ = raw.Close()
			return nil, err
		}
		return conn, nil
	})
}

type connectFunc func(ctx context.Context, target netip.AddrPort, host string) (net.Conn, error)

func (d *dialer) dialEach(ctx context.Context, addr string, connect connectFunc) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("split %q: %w", addr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid port in %q: %w", addr, err)
	}

	candidates, err := d.resolve(ctx, host)
	if err != nil {
		return nil, err
	}

	var errs []error
	for _, ip := range candidates {
		target := netip.AddrPortFrom(ip, uint16(port))

		conn, err := connect(ctx, target, host)
		if err == nil {
			return conn, nil
		}

		d.logger.Debug("egress candidate failed", "host", host, "address", target.String(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", target, err))

		if ctx.Err() != nil {
			break
		}
	}

	return nil, fmt.Errorf("%w for %s: %w", ErrAllAddressesFailed, host, errors.Join(errs...))
}

// resolve returns the vetted, de-duplicated addresses for host.
func (d *dialer) resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	var addrs []netip.Addr
	if ip, err := netip.ParseAddr(host); err == nil {
		addrs = []netip.Addr{ip}
	} else {
		addrs, err = d.resolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", host, err)
		}
	}

	seen := make(map[netip.Addr]struct{}, len(addrs))
	candidates := make([]netip.Addr, 0, len(addrs))
	for _, ip := range addrs {
		ip = ip.Unmap()
		if _, dup := seen[ip]; dup {
			continue
		}
		seen[ip] = struct{}{}
		if d.allow(ip) {
			candidates = append(candidates, ip)
		}
	}

	if len(candidates) == 0 {
		return nil, &NotPublicIPError{Host: host}
	}
	return candidates, nil
}
