// Package tor provides SOCKS5 proxy dialing for SecureChat clients, so the
// relay connection can be routed through a local Tor daemon.
package tor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

const (
	// DefaultConnectionTimeout is the timeout for establishing connections
	DefaultConnectionTimeout = 90 * time.Second

	// DefaultKeepAlive is the keep-alive interval for connections
	DefaultKeepAlive = 30 * time.Second

	// ProxyTestTimeout is the timeout for testing proxy availability
	ProxyTestTimeout = 2 * time.Second
)

var (
	// DefaultProxyAddresses are the default Tor SOCKS5 proxy addresses to try
	DefaultProxyAddresses = []string{
		"socks5://127.0.0.1:9050", // Standard Tor daemon
		"socks5://127.0.0.1:9150", // Tor Browser
	}

	// OnionRegex validates v3 .onion addresses
	OnionRegex = regexp.MustCompile(`^[a-z2-7]{56}\.onion(:[0-9]{1,5})?$`)
)

// ValidateOnionAddress validates that an address is a proper v3 .onion address.
func ValidateOnionAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if !strings.Contains(addr, ".onion") {
		return fmt.Errorf("onion-only mode: %s is not a .onion address", addr)
	}

	if !OnionRegex.MatchString(addr) {
		return fmt.Errorf("invalid .onion address format (must be v3: 56 chars + .onion:port)")
	}

	if _, port, err := net.SplitHostPort(addr); err == nil {
		if p, err := strconv.Atoi(port); err != nil || p < 1 || p > 65535 {
			return fmt.Errorf("invalid port in %s", addr)
		}
	}

	return nil
}

// ProxyURL turns a bare host:port into a socks5:// URL. Values that already
// carry a scheme are returned unchanged.
func ProxyURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" || strings.Contains(addr, "://") {
		return addr
	}
	return "socks5://" + addr
}

// ProbeProxy tests if a SOCKS5 proxy is listening at proxyAddr.
func ProbeProxy(proxyAddr string) error {
	u, err := url.Parse(proxyAddr)
	if err != nil {
		return fmt.Errorf("invalid proxy URL: %w", err)
	}

	host := u.Host
	if host == "" {
		host = "127.0.0.1:9050"
	}

	conn, err := net.DialTimeout("tcp", host, ProxyTestTimeout)
	if err != nil {
		return fmt.Errorf("proxy not responding: %w", err)
	}
	conn.Close()

	return nil
}

// Dialer routes connections through the first SOCKS5 proxy that accepts them.
type Dialer struct {
	ProxyAddresses []string
	Timeout        time.Duration
	KeepAlive      time.Duration

	// OnionOnly refuses any destination that is not a v3 .onion address.
	OnionOnly bool
}

// NewDialer creates a dialer for the given proxies, or the Tor defaults.
func NewDialer(proxyAddresses ...string) *Dialer {
	if len(proxyAddresses) == 0 {
		proxyAddresses = DefaultProxyAddresses
	}
	return &Dialer{
		ProxyAddresses: proxyAddresses,
		Timeout:        DefaultConnectionTimeout,
		KeepAlive:      DefaultKeepAlive,
	}
}

// DialContext connects to addr through the configured proxies. It matches
// the signature of websocket.Dialer.NetDialContext.
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if d.OnionOnly {
		if err := ValidateOnionAddress(addr); err != nil {
			return nil, err
		}
	}

	var lastErr error
	for _, proxyURL := range d.ProxyAddresses {
		u, err := url.Parse(proxyURL)
		if err != nil {
			lastErr = err
			continue
		}

		baseDialer := &net.Dialer{
			Timeout:   d.Timeout,
			KeepAlive: d.KeepAlive,
		}

		dialer, err := proxy.FromURL(u, baseDialer)
		if err != nil {
			lastErr = err
			continue
		}

		var conn net.Conn
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			conn, err = cd.DialContext(ctx, network, addr)
		} else {
			conn, err = dialer.Dial(network, addr)
		}
		if err != nil {
			lastErr = fmt.Errorf("connection via %s failed: %w", proxyURL, err)
			continue
		}

		return conn, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("all proxy attempts failed: %w", lastErr)
	}

	return nil, fmt.Errorf("no proxy addresses configured")
}

// IsAvailable checks if at least one proxy is listening.
func (d *Dialer) IsAvailable() bool {
	for _, addr := range d.ProxyAddresses {
		if err := ProbeProxy(addr); err == nil {
			return true
		}
	}
	return false
}
