package corehttp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"syscall"
	"time"
)

// NetworkStream is one open byte stream to a peer. It extends net.Conn
// with an in-place TLS upgrade and extra-info queries.
//
// StartTLS returns a new stream wrapping the TLS session; the old
// stream must not be used afterwards.
//
// ExtraInfo recognises the keys "client_addr", "server_addr",
// "ssl_object" (a *tls.ConnectionState once TLS is established) and
// "socket" (the underlying net.Conn).
type NetworkStream interface {
	net.Conn
	StartTLS(ctx context.Context, cfg *tls.Config) (NetworkStream, error)
	ExtraInfo(key string) any
}

// SocketOption is a raw setsockopt triple applied at connect time.
type SocketOption struct {
	Level int
	Name  int
	Value int
}

// ConnectOptions tunes connection establishment.
type ConnectOptions struct {
	LocalAddress  string
	SocketOptions []SocketOption
}

// NetworkBackend opens streams. The pool performs all protocol work
// above this boundary, so tests substitute a scripted implementation.
type NetworkBackend interface {
	ConnectTCP(ctx context.Context, host string, port int, opts ConnectOptions) (NetworkStream, error)
	ConnectUnix(ctx context.Context, path string) (NetworkStream, error)
}

// netBackend is the default backend on net and crypto/tls.
type netBackend struct{}

// DefaultBackend returns the standard TCP/Unix-socket backend.
func DefaultBackend() NetworkBackend { return netBackend{} }

func (netBackend) ConnectTCP(ctx context.Context, host string, port int, opts ConnectOptions) (NetworkStream, error) {
	d := net.Dialer{}
	if opts.LocalAddress != "" {
		d.LocalAddr = &net.TCPAddr{IP: net.ParseIP(opts.LocalAddress)}
	}
	if len(opts.SocketOptions) > 0 {
		sockopts := opts.SocketOptions
		d.Control = func(network, address string, c syscall.RawConn) error {
			var soErr error
			err := c.Control(func(fd uintptr) {
				for _, o := range sockopts {
					if err := syscall.SetsockoptInt(int(fd), o.Level, o.Name, o.Value); err != nil {
						soErr = err
						return
					}
				}
			})
			if err != nil {
				return err
			}
			return soErr
		}
	}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, wrapConnectError(err)
	}
	return &tcpStream{Conn: conn}, nil
}

func (netBackend) ConnectUnix(ctx context.Context, path string) (NetworkStream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, wrapConnectError(err)
	}
	return &tcpStream{Conn: conn}, nil
}

// tcpStream adapts a plain net.Conn to NetworkStream.
type tcpStream struct {
	net.Conn
	tlsConn *tls.Conn
}

func (s *tcpStream) StartTLS(ctx context.Context, cfg *tls.Config) (NetworkStream, error) {
	tc := tls.Client(s.Conn, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = s.Conn.Close()
		return nil, wrapConnectError(err)
	}
	return &tcpStream{Conn: tc, tlsConn: tc}, nil
}

func (s *tcpStream) ExtraInfo(key string) any {
	switch key {
	case "client_addr":
		return s.LocalAddr()
	case "server_addr":
		return s.RemoteAddr()
	case "ssl_object":
		if s.tlsConn != nil {
			state := s.tlsConn.ConnectionState()
			return &state
		}
		return nil
	case "socket":
		return s.Conn
	}
	return nil
}

// Deadline helpers. Each I/O operation honors the smaller of the
// per-operation timeout and the request context deadline.

func readDeadline(ctx context.Context, timeout time.Duration) time.Time {
	var d time.Time
	if timeout > 0 {
		d = time.Now().Add(timeout)
	}
	if dl, ok := ctx.Deadline(); ok {
		if d.IsZero() || dl.Before(d) {
			d = dl
		}
	}
	return d
}

func setReadDeadline(s NetworkStream, ctx context.Context, timeout time.Duration) {
	_ = s.SetReadDeadline(readDeadline(ctx, timeout))
}

func setWriteDeadline(s NetworkStream, ctx context.Context, timeout time.Duration) {
	_ = s.SetWriteDeadline(readDeadline(ctx, timeout))
}

// Error classification for the §6 taxonomy.

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return os.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded)
}

func wrapConnectError(err error) error {
	if err == nil {
		return nil
	}
	if isTimeout(err) {
		return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrConnect, err)
}

func wrapReadError(err error) error {
	if err == nil {
		return nil
	}
	if isTimeout(err) {
		return fmt.Errorf("%w: %v", ErrReadTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrRead, err)
}

func wrapWriteError(err error) error {
	if err == nil {
		return nil
	}
	if isTimeout(err) {
		return fmt.Errorf("%w: %v", ErrWriteTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrWrite, err)
}
