package corehttp

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"golang.org/x/net/proxy"
)

// SOCKSProxyOptions configures a SOCKS5 proxy pool.
type SOCKSProxyOptions struct {
	PoolOptions
	// ProxyURL locates the proxy, e.g. "socks5://127.0.0.1:1080".
	ProxyURL string
	// ProxyAuth selects username/password authentication; nil means
	// no authentication.
	ProxyAuth *ProxyAuth
}

// NewSOCKSProxy returns a pool that reaches origins through a SOCKS5
// proxy: method negotiation, optional username/password, then a
// CONNECT command for the destination, then TLS and HTTP as normal.
func NewSOCKSProxy(opts SOCKSProxyOptions) (*ConnectionPool, error) {
	proxyOrigin, err := parseSOCKSURL(opts.ProxyURL)
	if err != nil {
		return nil, err
	}
	var auth *proxy.Auth
	if opts.ProxyAuth != nil {
		auth = &proxy.Auth{User: opts.ProxyAuth.Username, Password: opts.ProxyAuth.Password}
	}

	p := NewConnectionPool(opts.PoolOptions)
	p.newConn = func(origin Origin) conn {
		return newSOCKSConnection(origin, proxyOrigin, auth, p.cfg)
	}
	return p, nil
}

func parseSOCKSURL(raw string) (Origin, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return Origin{}, fmt.Errorf("%w: invalid proxy URL: %v", ErrProxy, err)
	}
	if parsed.Scheme != "socks5" {
		return Origin{}, fmt.Errorf("%w: unsupported proxy scheme %q", ErrProxy, parsed.Scheme)
	}
	port := 1080
	if p := parsed.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return Origin{}, fmt.Errorf("%w: invalid proxy port %q", ErrProxy, p)
		}
		port = n
	}
	return Origin{Scheme: "socks5", Host: parsed.Hostname(), Port: port}, nil
}

// newSOCKSConnection builds a connection whose transport is
// established through SOCKS5 negotiation on the proxy stream.
func newSOCKSConnection(origin, proxyOrigin Origin, auth *proxy.Auth, cfg connConfig) conn {
	c := newHTTPConnection(origin, cfg)
	c.establish = func(ctx context.Context, req *Request) (NetworkStream, string, error) {
		stream, err := dialOrigin(ctx, cfg, proxyOrigin, req.Options.Trace)
		if err != nil {
			return nil, "", err
		}
		if err := negotiateSOCKS5(ctx, stream, proxyOrigin, origin, auth); err != nil {
			_ = stream.Close()
			return nil, "", err
		}
		if origin.Scheme != "https" {
			return stream, "", nil
		}
		return startTLS(ctx, stream, cfg, origin.Host, req.Options)
	}
	return c
}

// negotiateSOCKS5 runs the SOCKS5 handshake for the destination over
// an already-open proxy stream.
func negotiateSOCKS5(ctx context.Context, stream NetworkStream, proxyOrigin, origin Origin, auth *proxy.Auth) error {
	d, err := proxy.SOCKS5("tcp", proxyOrigin.Addr(), auth, preopenedDialer{stream: stream})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProxy, err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return fmt.Errorf("%w: SOCKS5 dialer does not support context", ErrProxy)
	}
	if _, err := cd.DialContext(ctx, "tcp", origin.Addr()); err != nil {
		return fmt.Errorf("%w: %v", ErrProxy, err)
	}
	return nil
}

// preopenedDialer hands an already-established stream to the SOCKS5
// negotiator instead of dialing anew.
type preopenedDialer struct {
	stream NetworkStream
}

func (d preopenedDialer) Dial(network, addr string) (net.Conn, error) {
	return d.stream, nil
}
