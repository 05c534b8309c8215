package corehttp

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
)

// ProxyMode selects how requests are routed through an HTTP proxy.
type ProxyMode int

const (
	// ProxyModeDefault forwards http requests and tunnels https.
	ProxyModeDefault ProxyMode = iota
	ProxyModeForwardOnly
	ProxyModeTunnelOnly
)

// ProxyAuth is a username/password pair emitted as
// Proxy-Authorization: Basic.
type ProxyAuth struct {
	Username string
	Password string
}

func (a ProxyAuth) header() Header {
	token := base64.StdEncoding.EncodeToString([]byte(a.Username + ":" + a.Password))
	return Header{Name: "Proxy-Authorization", Value: "Basic " + token}
}

// HTTPProxyOptions configures an HTTP proxy pool.
type HTTPProxyOptions struct {
	PoolOptions
	// ProxyURL locates the proxy, e.g. "http://127.0.0.1:8080".
	ProxyURL string
	// ProxyAuth, when set, adds Proxy-Authorization to forwarded
	// requests and CONNECT requests.
	ProxyAuth *ProxyAuth
	// ProxyHeaders are sent verbatim on every forwarded request and
	// on each CONNECT.
	ProxyHeaders []Header
	// Mode overrides the default forward/tunnel selection.
	Mode ProxyMode
}

// NewHTTPProxy returns a pool that routes requests via an HTTP proxy:
// absolute-form forwarding for plain http, CONNECT tunneling for
// https (subject to Mode).
func NewHTTPProxy(opts HTTPProxyOptions) (*ConnectionPool, error) {
	proxyURL, err := ParseURL(opts.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid proxy URL: %v", ErrProxy, err)
	}
	proxyOrigin := proxyURL.Origin()

	headers := append([]Header(nil), opts.ProxyHeaders...)
	if opts.ProxyAuth != nil {
		headers = append(headers, opts.ProxyAuth.header())
	}

	p := NewConnectionPool(opts.PoolOptions)
	forward := func(r *Request) bool {
		switch opts.Mode {
		case ProxyModeForwardOnly:
			return true
		case ProxyModeTunnelOnly:
			return false
		default:
			return r.URL.Scheme == "http"
		}
	}
	p.originFor = func(r *Request) Origin {
		if forward(r) {
			// Forwarded requests share connections to the proxy
			// across target origins.
			return proxyOrigin
		}
		return r.URL.Origin()
	}
	p.prepare = func(r *Request) *Request {
		if !forward(r) || len(headers) == 0 {
			return r
		}
		r2 := *r
		r2.Headers = append(append([]Header(nil), headers...), r.Headers...)
		return &r2
	}
	p.newConn = func(origin Origin) conn {
		if origin.Equal(proxyOrigin) {
			return newForwardConnection(proxyOrigin, p.cfg)
		}
		return newTunnelConnection(origin, proxyOrigin, headers, p.cfg)
	}
	return p, nil
}

// newForwardConnection builds a connection to the proxy itself whose
// engine emits absolute-form request lines. Forwarding is HTTP/1.1
// only.
func newForwardConnection(proxyOrigin Origin, cfg connConfig) conn {
	cfg.http1 = true
	cfg.http2 = false
	c := newHTTPConnection(proxyOrigin, cfg)
	c.forwardMode = true
	return c
}

// newTunnelConnection builds a connection to a target origin that
// first establishes a CONNECT tunnel through the proxy.
func newTunnelConnection(origin, proxyOrigin Origin, proxyHeaders []Header, cfg connConfig) conn {
	c := newHTTPConnection(origin, cfg)
	c.establish = func(ctx context.Context, req *Request) (NetworkStream, string, error) {
		stream, err := connectProxyStream(ctx, cfg, proxyOrigin, req)
		if err != nil {
			return nil, "", err
		}
		tunnel, err := connectTunnel(stream, origin, proxyHeaders, req)
		if err != nil {
			_ = stream.Close()
			return nil, "", err
		}
		if origin.Scheme != "https" {
			return tunnel, "", nil
		}
		return startTLS(ctx, tunnel, cfg, origin.Host, req.Options)
	}
	return c
}

// connectProxyStream opens the raw stream to the proxy, upgrading to
// TLS first when the proxy itself is an https origin.
func connectProxyStream(ctx context.Context, cfg connConfig, proxyOrigin Origin, req *Request) (NetworkStream, error) {
	stream, err := dialOrigin(ctx, cfg, proxyOrigin, req.Options.Trace)
	if err != nil {
		return nil, err
	}
	if proxyOrigin.Scheme != "https" {
		return stream, nil
	}
	// Speak HTTP/1.1 to the proxy regardless of the target protocol.
	proxyCfg := cfg
	proxyCfg.http1 = true
	proxyCfg.http2 = false
	opts := req.Options
	opts.SNIHostname = ""
	tlsStream, _, err := startTLS(ctx, stream, proxyCfg, proxyOrigin.Host, opts)
	if err != nil {
		_ = stream.Close()
		return nil, err
	}
	return tlsStream, nil
}

// connectTunnel issues the CONNECT request on an established proxy
// stream and returns the tunnelled stream on a 2xx response.
func connectTunnel(stream NetworkStream, origin Origin, proxyHeaders []Header, req *Request) (NetworkStream, error) {
	authority := origin.Host + ":" + strconv.Itoa(origin.Port)
	headers := append([]Header{{Name: "Host", Value: authority}}, proxyHeaders...)

	eng := newHTTP11Engine(origin, stream, 0, false)
	connectReq := &Request{
		Method: "CONNECT",
		URL: URL{
			Scheme: origin.Scheme,
			Host:   origin.Host,
			Port:   origin.Port,
			Target: authority,
		},
		Headers: headers,
		Options: req.Options,
		ctx:     req.Context(),
	}
	resp, err := eng.roundTrip(connectReq)
	if err != nil {
		return nil, fmt.Errorf("%w: CONNECT failed: %v", ErrProxy, err)
	}
	if resp.Status < 200 || resp.Status > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		reason := resp.Extensions.ReasonPhrase
		return nil, fmt.Errorf("%w: CONNECT %s returned %d %s", ErrProxy, authority, resp.Status, reason)
	}
	// A 2xx CONNECT surrenders the raw stream.
	tunnel := resp.Extensions.NetworkStream
	if tunnel == nil {
		return nil, fmt.Errorf("%w: CONNECT response missing tunnel stream", ErrProxy)
	}
	return tunnel, nil
}
