package corehttp

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"dqx0.com/go/corehttp/internal/obs"
)

// engine is the protocol driver operating on one network stream.
type engine interface {
	roundTrip(*Request) (*Response, error)
	httpVersion() string
	isAvailable() bool
	isIdle() bool
	isClosed() bool
	hasExpired() bool
	inFlight() int
	idleAt() time.Time
	close() error
}

// conn is what the pool schedules over: a Connection or one of the
// proxy-decorated variants.
type conn interface {
	roundTrip(*Request) (*Response, error)
	canHandle(Origin) bool
	isAvailable() bool
	isIdle() bool
	isClosed() bool
	hasExpired() bool
	inFlight() int
	idleAt() time.Time
	close() error
	info() ConnectionInfo
}

// ConnectionInfo is a diagnostic snapshot of one pooled connection.
type ConnectionInfo struct {
	Origin      Origin
	HTTPVersion string // empty until connected
	State       string // "CONNECTING", "ACTIVE", "IDLE" or "CLOSED"
	InFlight    int
}

func (ci ConnectionInfo) String() string {
	version := ci.HTTPVersion
	if version == "" {
		version = "UNKNOWN"
	}
	return fmt.Sprintf("%s, %s, %s, In Flight: %d", ci.Origin, version, ci.State, ci.InFlight)
}

// establishFunc opens the transport for a connection and reports the
// negotiated ALPN protocol ("h2", "http/1.1", or "" when no ALPN took
// place). Proxy connection variants substitute their own.
type establishFunc func(ctx context.Context, req *Request) (NetworkStream, string, error)

// connConfig is the per-connection slice of the pool configuration.
type connConfig struct {
	backend         NetworkBackend
	tlsConfig       *tls.Config
	http1           bool
	http2           bool
	keepaliveExpiry time.Duration
	retries         int
	localAddress    string
	uds             string
	socketOptions   []SocketOption
	logger          obs.Logger
	meter           obs.Meter
}

func (cfg connConfig) log(level obs.Level, format string, args ...any) {
	lg := cfg.logger
	if lg == nil {
		lg = obs.NopLogger{}
	}
	lg.Logf(level, format, args...)
}

func (cfg connConfig) count(name string, labels ...obs.Label) {
	m := cfg.meter
	if m == nil {
		m = obs.NopMeter{}
	}
	m.Counter(name, 1, labels...)
}

// httpConnection pairs an origin with a lazily created protocol
// engine. The engine is chosen at connect time by ALPN (or by prior
// knowledge for plain-text HTTP/2).
type httpConnection struct {
	origin      Origin
	cfg         connConfig
	forwardMode bool          // engine emits absolute-form request lines
	establish   establishFunc // nil means direct connect

	// connectMu serialises connection establishment; mu guards only
	// quick state reads so scheduling passes never wait on I/O.
	connectMu     sync.Mutex
	mu            sync.Mutex
	eng           engine
	connectFailed bool
	explicitClose bool
}

func newHTTPConnection(origin Origin, cfg connConfig) *httpConnection {
	return &httpConnection{origin: origin, cfg: cfg}
}

func (c *httpConnection) canHandle(origin Origin) bool {
	return c.origin.Equal(origin) && !c.isClosed()
}

func (c *httpConnection) isAvailable() bool {
	c.mu.Lock()
	eng := c.eng
	failed := c.connectFailed
	closed := c.explicitClose
	c.mu.Unlock()
	if eng != nil {
		return eng.isAvailable()
	}
	if failed || closed {
		return false
	}
	// An unconnected connection can be shared by several requests
	// only when it may negotiate HTTP/2.
	return c.cfg.http2 && (c.origin.Scheme == "https" || !c.cfg.http1)
}

func (c *httpConnection) isIdle() bool {
	c.mu.Lock()
	eng := c.eng
	c.mu.Unlock()
	return eng != nil && eng.isIdle()
}

func (c *httpConnection) isClosed() bool {
	c.mu.Lock()
	eng := c.eng
	failed := c.connectFailed
	closed := c.explicitClose
	c.mu.Unlock()
	if eng != nil {
		return eng.isClosed()
	}
	return failed || closed
}

func (c *httpConnection) hasExpired() bool {
	c.mu.Lock()
	eng := c.eng
	c.mu.Unlock()
	return eng != nil && eng.hasExpired()
}

func (c *httpConnection) inFlight() int {
	c.mu.Lock()
	eng := c.eng
	c.mu.Unlock()
	if eng == nil {
		return 0
	}
	return eng.inFlight()
}

func (c *httpConnection) idleAt() time.Time {
	c.mu.Lock()
	eng := c.eng
	c.mu.Unlock()
	if eng == nil {
		return time.Time{}
	}
	return eng.idleAt()
}

func (c *httpConnection) close() error {
	c.mu.Lock()
	eng := c.eng
	c.explicitClose = true
	c.mu.Unlock()
	if eng == nil {
		return nil
	}
	return eng.close()
}

func (c *httpConnection) info() ConnectionInfo {
	c.mu.Lock()
	eng := c.eng
	failed := c.connectFailed
	closed := c.explicitClose
	c.mu.Unlock()
	ci := ConnectionInfo{Origin: c.origin}
	switch {
	case eng == nil && (failed || closed):
		ci.State = "CLOSED"
	case eng == nil:
		ci.State = "CONNECTING"
	case eng.isClosed():
		ci.HTTPVersion = eng.httpVersion()
		ci.State = "CLOSED"
	case eng.isIdle():
		ci.HTTPVersion = eng.httpVersion()
		ci.State = "IDLE"
	default:
		ci.HTTPVersion = eng.httpVersion()
		ci.State = "ACTIVE"
		ci.InFlight = eng.inFlight()
	}
	return ci
}

func (c *httpConnection) roundTrip(req *Request) (*Response, error) {
	if !req.URL.Origin().Equal(c.origin) && !c.forwardMode {
		return nil, fmt.Errorf("%w: connection to %s cannot handle %s",
			ErrLocalProtocol, c.origin, req.URL.Origin())
	}
	eng, err := c.engineFor(req)
	if err != nil {
		return nil, err
	}
	// Caller cancellation propagates as a synchronous close so no
	// half-written request state survives on the wire.
	if done := req.Context().Done(); done != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-done:
				_ = eng.close()
			case <-stop:
			}
		}()
	}
	return eng.roundTrip(req)
}

// engineFor connects lazily on the first request. Concurrent requests
// assigned to an unconnected HTTP/2-capable connection serialise here
// and share the engine that the first one establishes.
func (c *httpConnection) engineFor(req *Request) (engine, error) {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	if c.explicitClose || c.connectFailed {
		c.mu.Unlock()
		return nil, errConnectionNotAvailable
	}
	if c.eng != nil {
		eng := c.eng
		c.mu.Unlock()
		return eng, nil
	}
	c.mu.Unlock()

	eng, err := c.connect(req)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.connectFailed = true
		return nil, err
	}
	if c.explicitClose {
		_ = eng.close()
		return nil, errConnectionNotAvailable
	}
	c.eng = eng
	return eng, nil
}

// connect establishes the transport, retrying retriable failures up to
// cfg.retries times with exponential backoff.
func (c *httpConnection) connect(req *Request) (engine, error) {
	retriesLeft := c.cfg.retries
	var delay time.Duration
	for {
		stream, negotiated, err := c.establishStream(req)
		if err == nil {
			return c.buildEngine(stream, negotiated), nil
		}
		if retriesLeft <= 0 || !isRetriableConnectError(err) {
			return nil, err
		}
		retriesLeft--
		c.cfg.log(obs.Warn, "connect %s failed, retrying: %v", c.origin, err)
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-req.Context().Done():
				return nil, fmt.Errorf("%w: %v", ErrConnectTimeout, req.Context().Err())
			}
			delay *= 2
		} else {
			// First retry is immediate, then exponential backoff.
			delay = 500 * time.Millisecond
		}
	}
}

func (c *httpConnection) establishStream(req *Request) (NetworkStream, string, error) {
	ctx := req.Context()
	timeout := req.Options.Timeout.Connect
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	establish := c.establish
	if establish == nil {
		establish = c.directEstablish
	}
	stream, negotiated, err := establish(ctx, req)
	if err != nil {
		c.cfg.count("corehttp_conn_dial_errors_total")
		return nil, "", err
	}
	c.cfg.count("corehttp_conn_dial_total")
	return stream, negotiated, nil
}

// directEstablish opens TCP (or a Unix socket) to the origin and
// performs the TLS handshake for https origins.
func (c *httpConnection) directEstablish(ctx context.Context, req *Request) (NetworkStream, string, error) {
	stream, err := dialOrigin(ctx, c.cfg, c.origin, req.Options.Trace)
	if err != nil {
		return nil, "", err
	}
	if c.origin.Scheme != "https" {
		return stream, "", nil
	}
	return startTLS(ctx, stream, c.cfg, c.origin.Host, req.Options)
}

// dialOrigin opens the raw transport stream for an origin.
func dialOrigin(ctx context.Context, cfg connConfig, origin Origin, trace TraceFunc) (NetworkStream, error) {
	if cfg.uds != "" {
		done := trace.span("connection.connect_unix_socket", map[string]any{"path": cfg.uds})
		stream, err := cfg.backend.ConnectUnix(ctx, cfg.uds)
		done(stream, err)
		return stream, err
	}
	done := trace.span("connection.connect_tcp", map[string]any{
		"host": origin.Host, "port": origin.Port,
	})
	stream, err := cfg.backend.ConnectTCP(ctx, origin.Host, origin.Port, ConnectOptions{
		LocalAddress:  cfg.localAddress,
		SocketOptions: cfg.socketOptions,
	})
	done(stream, err)
	return stream, err
}

// startTLS upgrades a stream, applying the ALPN offer rules: both
// protocols enabled offers both, http2-only offers just h2, http1-only
// offers no ALPN.
func startTLS(ctx context.Context, stream NetworkStream, cfg connConfig, host string, opts RequestOptions) (NetworkStream, string, error) {
	tlsConfig := cfg.tlsConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{}
	}
	tlsConfig = tlsConfig.Clone()
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = host
	}
	if opts.SNIHostname != "" {
		tlsConfig.ServerName = opts.SNIHostname
	}
	if len(tlsConfig.NextProtos) == 0 {
		switch {
		case cfg.http1 && cfg.http2:
			tlsConfig.NextProtos = []string{"http/1.1", "h2"}
		case cfg.http2:
			tlsConfig.NextProtos = []string{"h2"}
		}
	}

	done := opts.Trace.span("connection.start_tls", map[string]any{"server_hostname": tlsConfig.ServerName})
	tlsStream, err := stream.StartTLS(ctx, tlsConfig)
	done(tlsStream, err)
	if err != nil {
		return nil, "", err
	}
	negotiated := ""
	if state, ok := tlsStream.ExtraInfo("ssl_object").(*tls.ConnectionState); ok && state != nil {
		negotiated = state.NegotiatedProtocol
	}
	return tlsStream, negotiated, nil
}

// buildEngine selects the protocol engine from the ALPN result, or
// from prior knowledge on plain-text origins.
func (c *httpConnection) buildEngine(stream NetworkStream, negotiated string) engine {
	useHTTP2 := negotiated == "h2"
	if negotiated == "" && c.origin.Scheme != "https" {
		// Plain text: HTTP/2 only with prior knowledge.
		useHTTP2 = c.cfg.http2 && !c.cfg.http1
	}
	if useHTTP2 {
		c.cfg.log(obs.Debug, "connection to %s using HTTP/2", c.origin)
		return newHTTP2Engine(c.origin, stream, c.cfg.keepaliveExpiry)
	}
	c.cfg.log(obs.Debug, "connection to %s using HTTP/1.1", c.origin)
	return newHTTP11Engine(c.origin, stream, c.cfg.keepaliveExpiry, c.forwardMode)
}
