package corehttp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"dqx0.com/go/corehttp/internal/obs"
)

// Transport sends one request and returns the response with a lazily
// streamed body.
type Transport interface {
	RoundTrip(*Request) (*Response, error)
}

// PoolOptions configures a ConnectionPool. The zero value of a field
// selects its default.
type PoolOptions struct {
	// TLSConfig verifies https connections; nil uses an empty
	// tls.Config (system roots, server name from the origin). No
	// default is taken from the NetworkBackend.
	TLSConfig *tls.Config
	// MaxConnections caps concurrent connections; default 10.
	MaxConnections int
	// MaxKeepaliveConnections caps idle kept-alive connections;
	// default 10, never above MaxConnections.
	MaxKeepaliveConnections int
	// KeepaliveExpiry closes idle connections after this duration;
	// default 5s.
	KeepaliveExpiry time.Duration
	// HTTP1 and HTTP2 select the offered protocols. Both false means
	// HTTP/1.1 only (the default).
	HTTP1 bool
	HTTP2 bool
	// Retries is how many times connection establishment is retried
	// on retriable (network) errors.
	Retries int
	// LocalAddress pins the local address for outgoing connections.
	LocalAddress string
	// UDS connects through a Unix domain socket instead of TCP.
	UDS string
	// SocketOptions are applied to each new TCP socket.
	SocketOptions []SocketOption
	// NetworkBackend performs the raw network I/O; nil uses the
	// net/crypto-tls default.
	NetworkBackend NetworkBackend

	Logger obs.Logger
	Meter  obs.Meter
}

func (o PoolOptions) withDefaults() PoolOptions {
	if o.MaxConnections <= 0 {
		o.MaxConnections = 10
	}
	if o.MaxKeepaliveConnections <= 0 {
		o.MaxKeepaliveConnections = 10
	}
	if o.MaxKeepaliveConnections > o.MaxConnections {
		o.MaxKeepaliveConnections = o.MaxConnections
	}
	if o.KeepaliveExpiry == 0 {
		o.KeepaliveExpiry = 5 * time.Second
	}
	if !o.HTTP1 && !o.HTTP2 {
		o.HTTP1 = true
	}
	if o.NetworkBackend == nil {
		o.NetworkBackend = DefaultBackend()
	}
	return o
}

// poolTicket is one queued request awaiting a connection.
type poolTicket struct {
	origin   Origin
	assigned conn
	ready    chan struct{}
}

// ConnectionPool dispatches requests onto pooled connections, creating
// and reusing them under the capacity and keep-alive constraints.
//
// All scheduling state is guarded by a single mutex; no I/O happens
// while it is held.
type ConnectionPool struct {
	opts PoolOptions
	cfg  connConfig

	// newConn builds a connection for an origin; proxy pools swap
	// this for their decorated variants.
	newConn func(Origin) conn
	// originFor maps a request to its pooling key; forward proxies
	// pool on the proxy's origin rather than the target's.
	originFor func(*Request) Origin
	// prepare lets proxy pools rewrite a request (extra headers)
	// before dispatch.
	prepare func(*Request) *Request

	mu     sync.Mutex
	conns  []conn
	queue  []*poolTicket
	closed bool
}

// NewConnectionPool returns a pool that connects directly to request
// origins.
func NewConnectionPool(opts PoolOptions) *ConnectionPool {
	opts = opts.withDefaults()
	p := &ConnectionPool{
		opts: opts,
		cfg: connConfig{
			backend:         opts.NetworkBackend,
			tlsConfig:       opts.TLSConfig,
			http1:           opts.HTTP1,
			http2:           opts.HTTP2,
			keepaliveExpiry: opts.KeepaliveExpiry,
			retries:         opts.Retries,
			localAddress:    opts.LocalAddress,
			uds:             opts.UDS,
			socketOptions:   opts.SocketOptions,
			logger:          opts.Logger,
			meter:           opts.Meter,
		},
	}
	p.newConn = func(origin Origin) conn {
		return newHTTPConnection(origin, p.cfg)
	}
	p.originFor = func(r *Request) Origin { return r.URL.Origin() }
	return p
}

// RoundTrip blocks until pool capacity admits the request, dispatches
// it, and returns once response headers are available. The caller owns
// the response body; closing it (or reading to EOF) releases the
// connection.
func (p *ConnectionPool) RoundTrip(req *Request) (*Response, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", ErrLocalProtocol)
	}
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedProtocol, req.URL.Scheme)
	}
	if req.URL.Host == "" {
		return nil, fmt.Errorf("%w: no host", ErrUnsupportedProtocol)
	}
	if p.prepare != nil {
		req = p.prepare(req)
	}

	start := time.Now()
	ticket := &poolTicket{origin: p.originFor(req), ready: make(chan struct{})}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.queue = append(p.queue, ticket)
	toClose := p.scheduleLocked()
	p.mu.Unlock()
	closeAll(toClose)

	for {
		c, err := p.waitAssigned(req, ticket)
		if err != nil {
			p.dropTicket(ticket)
			return nil, err
		}

		resp, err := c.roundTrip(req)
		if err == errConnectionNotAvailable {
			// The connection became unusable before any request
			// bytes hit the wire (e.g. the server dropped a
			// kept-alive connection as we reused it). Requeue.
			p.cfg.count("corehttp_conn_requeue_total")
			p.requeue(ticket)
			continue
		}
		if err != nil {
			_ = c.close()
			p.releasePass()
			p.cfg.count("corehttp_requests_error_total")
			return nil, err
		}

		p.cfg.count("corehttp_requests_total", obs.Label{Key: "method", Value: req.Method})
		p.histogram("corehttp_roundtrip_duration_ms", float64(time.Since(start).Milliseconds()))
		resp.Body = &poolBody{inner: resp.Body, pool: p}
		return resp, nil
	}
}

// waitAssigned blocks until the scheduler assigns a connection,
// honoring the pool timeout for the queue-wait phase.
func (p *ConnectionPool) waitAssigned(req *Request, ticket *poolTicket) (conn, error) {
	var timeoutCh <-chan time.Time
	if t := req.Options.Timeout.Pool; t > 0 {
		timer := time.NewTimer(t)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	select {
	case <-ticket.ready:
		p.mu.Lock()
		c := ticket.assigned
		closed := p.closed
		p.mu.Unlock()
		if closed || c == nil {
			return nil, ErrPoolClosed
		}
		return c, nil
	case <-req.Context().Done():
		err := req.Context().Err()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrPoolTimeout, err)
		}
		return nil, err
	case <-timeoutCh:
		return nil, ErrPoolTimeout
	}
}

// requeue returns a ticket to the queue after its assigned connection
// proved unusable.
func (p *ConnectionPool) requeue(ticket *poolTicket) {
	p.mu.Lock()
	ticket.assigned = nil
	ticket.ready = make(chan struct{})
	if p.closed {
		close(ticket.ready)
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, ticket)
	toClose := p.scheduleLocked()
	p.mu.Unlock()
	closeAll(toClose)
}

// dropTicket removes a ticket that gave up waiting.
func (p *ConnectionPool) dropTicket(ticket *poolTicket) {
	p.mu.Lock()
	for i, t := range p.queue {
		if t == ticket {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			break
		}
	}
	toClose := p.scheduleLocked()
	p.mu.Unlock()
	closeAll(toClose)
}

// releasePass runs a scheduling pass after a connection slot freed up.
func (p *ConnectionPool) releasePass() {
	p.mu.Lock()
	toClose := p.scheduleLocked()
	p.mu.Unlock()
	closeAll(toClose)
}

// scheduleLocked is the scheduling algorithm. It runs under the pool
// mutex and performs no I/O: connections to close are returned for the
// caller to close after unlocking.
func (p *ConnectionPool) scheduleLocked() []conn {
	var toClose []conn

	// Expire keep-alive connections and drop closed ones.
	kept := p.conns[:0]
	for _, c := range p.conns {
		switch {
		case c.isClosed():
			// Already terminal; just forget it.
		case c.hasExpired():
			toClose = append(toClose, c)
		default:
			kept = append(kept, c)
		}
	}
	p.conns = kept

	// Assign queued tickets in FIFO order.
	remaining := p.queue[:0]
	for _, ticket := range p.queue {
		c := p.findAvailable(ticket.origin)
		if c == nil && len(p.conns) < p.opts.MaxConnections {
			c = p.newConn(ticket.origin)
			p.conns = append(p.conns, c)
		}
		if c == nil {
			if evict := p.findEvictable(ticket.origin); evict != nil {
				toClose = append(toClose, evict)
				p.removeConn(evict)
				c = p.newConn(ticket.origin)
				p.conns = append(p.conns, c)
			}
		}
		if c == nil {
			remaining = append(remaining, ticket)
			continue
		}
		ticket.assigned = c
		close(ticket.ready)
	}
	p.queue = remaining

	// Enforce the keep-alive cap on idle connections, oldest first.
	idle := 0
	for _, c := range p.conns {
		if c.isIdle() {
			idle++
		}
	}
	for idle > p.opts.MaxKeepaliveConnections {
		lru := p.lruIdle(Origin{}, false)
		if lru == nil {
			break
		}
		toClose = append(toClose, lru)
		p.removeConn(lru)
		idle--
	}

	return toClose
}

// findAvailable picks an available connection for the origin,
// preferring the one with the most requests in flight so that load
// concentrates and other connections stay closable.
func (p *ConnectionPool) findAvailable(origin Origin) conn {
	var best conn
	bestInFlight := -1
	for _, c := range p.conns {
		if !c.canHandle(origin) || !c.isAvailable() {
			continue
		}
		if n := c.inFlight(); n > bestInFlight {
			best = c
			bestInFlight = n
		}
	}
	if best != nil {
		p.cfg.count("corehttp_conn_reuse_total")
	}
	return best
}

// findEvictable picks the least-recently-used idle connection on a
// different origin whose closure would free capacity.
func (p *ConnectionPool) findEvictable(origin Origin) conn {
	return p.lruIdle(origin, true)
}

// lruIdle returns the idle connection with the oldest idle timestamp.
// When excludeOrigin is set, connections matching origin are skipped.
func (p *ConnectionPool) lruIdle(origin Origin, excludeOrigin bool) conn {
	var lru conn
	var lruAt time.Time
	for _, c := range p.conns {
		if !c.isIdle() {
			continue
		}
		if excludeOrigin && c.canHandle(origin) {
			continue
		}
		at := c.idleAt()
		if lru == nil || at.Before(lruAt) {
			lru = c
			lruAt = at
		}
	}
	return lru
}

func (p *ConnectionPool) removeConn(target conn) {
	for i, c := range p.conns {
		if c == target {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			return
		}
	}
}

// Connections returns a diagnostic snapshot of the pooled connections.
func (p *ConnectionPool) Connections() []ConnectionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	infos := make([]ConnectionInfo, len(p.conns))
	for i, c := range p.conns {
		infos[i] = c.info()
	}
	return infos
}

// Close closes every connection and fails queued requests. In-flight
// requests are not waited for: their reads surface errors. Closing
// twice is a no-op.
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := p.conns
	queue := p.queue
	p.conns = nil
	p.queue = nil
	p.mu.Unlock()

	for _, t := range queue {
		if t.assigned == nil {
			close(t.ready)
		}
	}
	closeAll(conns)
	p.cfg.log(obs.Info, "pool closed, %d connections dropped", len(conns))
	return nil
}

func (p *ConnectionPool) histogram(name string, value float64, labels ...obs.Label) {
	m := p.cfg.meter
	if m == nil {
		m = obs.NopMeter{}
	}
	m.Histogram(name, value, labels...)
}

func closeAll(conns []conn) {
	for _, c := range conns {
		_ = c.close()
	}
}

// poolBody wraps a response body so that consuming or closing it
// triggers a scheduling pass, waking queued requests.
type poolBody struct {
	inner io.ReadCloser
	pool  *ConnectionPool

	mu       sync.Mutex
	released bool
}

func (b *poolBody) Read(p []byte) (int, error) {
	n, err := b.inner.Read(p)
	if err != nil {
		b.release()
	}
	return n, err
}

// Close is idempotent; the second call is a no-op.
func (b *poolBody) Close() error {
	err := b.inner.Close()
	b.release()
	return err
}

func (b *poolBody) release() {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return
	}
	b.released = true
	b.mu.Unlock()
	b.pool.releasePass()
}
