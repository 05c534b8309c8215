package corehttp

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"sync"
	"time"
)

// MockBackend is a NetworkBackend for tests. Every connect returns a
// fresh MockStream serving the scripted read chunks in order and
// recording everything written to it.
//
// With KeepOpen set, an exhausted script blocks readers (as an open
// but quiet connection would) instead of reporting EOF; further data
// arrives via MockStream.Feed.
type MockBackend struct {
	// KeepOpen keeps streams open once the script runs out.
	KeepOpen bool
	// ExposeSocket makes streams report a raw socket via
	// ExtraInfo("socket"), enabling the idle liveness probe; an
	// exhausted script then reads as a peer close.
	ExposeSocket bool

	mu       sync.Mutex
	chunks   [][]byte
	protocol string // ALPN result reported after StartTLS

	connects int
	streams  []*MockStream
}

// NewMockBackend returns a backend whose streams replay chunks on
// read. protocol is the ALPN protocol reported once TLS is
// established ("http/1.1" or "h2"); empty means no ALPN result.
func NewMockBackend(chunks [][]byte, protocol string) *MockBackend {
	return &MockBackend{chunks: chunks, protocol: protocol}
}

func (b *MockBackend) ConnectTCP(ctx context.Context, host string, port int, opts ConnectOptions) (NetworkStream, error) {
	return b.connect()
}

func (b *MockBackend) ConnectUnix(ctx context.Context, path string) (NetworkStream, error) {
	return b.connect()
}

func (b *MockBackend) connect() (NetworkStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	script := make([][]byte, len(b.chunks))
	for i, c := range b.chunks {
		script[i] = append([]byte(nil), c...)
	}
	s := &MockStream{
		script:       script,
		protocol:     b.protocol,
		keepOpen:     b.KeepOpen,
		exposeSocket: b.ExposeSocket,
	}
	s.cond = sync.NewCond(&s.mu)
	b.connects++
	b.streams = append(b.streams, s)
	return s, nil
}

// ConnectCount reports how many streams have been opened.
func (b *MockBackend) ConnectCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

// Streams returns every stream opened so far, in connect order.
func (b *MockBackend) Streams() []*MockStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*MockStream(nil), b.streams...)
}

// TLSCount reports how many TLS handshakes have been performed across
// all streams.
func (b *MockBackend) TLSCount() int {
	n := 0
	for _, s := range b.Streams() {
		if s.TLSStarted() {
			n++
		}
	}
	return n
}

// MockStream replays scripted chunks on Read and records writes.
type MockStream struct {
	mu       sync.Mutex
	cond     *sync.Cond
	script   [][]byte
	written  []byte
	protocol     string
	keepOpen     bool
	exposeSocket bool
	tls          bool
	closed       bool
}

func (s *MockStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.closed {
			return 0, io.EOF
		}
		for len(s.script) > 0 && len(s.script[0]) == 0 {
			s.script = s.script[1:]
		}
		if len(s.script) > 0 {
			n := copy(p, s.script[0])
			s.script[0] = s.script[0][n:]
			return n, nil
		}
		if !s.keepOpen {
			return 0, io.EOF
		}
		s.cond.Wait()
	}
}

func (s *MockStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, net.ErrClosed
	}
	s.written = append(s.written, p...)
	return len(p), nil
}

func (s *MockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.cond != nil {
		s.cond.Broadcast()
	}
	return nil
}

// Written returns everything written so far.
func (s *MockStream) Written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.written...)
}

// Feed appends further scripted chunks, waking blocked readers.
func (s *MockStream) Feed(chunks ...[]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		s.script = append(s.script, append([]byte(nil), c...))
	}
	if s.cond != nil {
		s.cond.Broadcast()
	}
}

// TLSStarted reports whether StartTLS was called on this stream.
func (s *MockStream) TLSStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tls
}

func (s *MockStream) StartTLS(ctx context.Context, cfg *tls.Config) (NetworkStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tls = true
	return s, nil
}

func (s *MockStream) ExtraInfo(key string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch key {
	case "ssl_object":
		if s.tls {
			return &tls.ConnectionState{NegotiatedProtocol: s.protocol}
		}
		return nil
	case "client_addr", "server_addr":
		return s.addr()
	case "socket":
		if s.exposeSocket {
			return net.Conn(s)
		}
		return nil
	}
	return nil
}

func (s *MockStream) addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
}

func (s *MockStream) LocalAddr() net.Addr                { return s.addr() }
func (s *MockStream) RemoteAddr() net.Addr               { return s.addr() }
func (s *MockStream) SetDeadline(t time.Time) error      { return nil }
func (s *MockStream) SetReadDeadline(t time.Time) error  { return nil }
func (s *MockStream) SetWriteDeadline(t time.Time) error { return nil }
