package corehttp

import "errors"

// Category sentinels. Concrete errors below unwrap to one of these, so
// errors.Is(err, ErrTimeout) matches any timeout kind.
var (
	ErrTimeout  = errors.New("corehttp: timeout")
	ErrNetwork  = errors.New("corehttp: network error")
	ErrProtocol = errors.New("corehttp: protocol error")
)

type kindError struct {
	msg      string
	category error
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.category }

var (
	// Timeouts, one per request phase.
	ErrPoolTimeout    = &kindError{"corehttp: pool timeout", ErrTimeout}
	ErrConnectTimeout = &kindError{"corehttp: connect timeout", ErrTimeout}
	ErrReadTimeout    = &kindError{"corehttp: read timeout", ErrTimeout}
	ErrWriteTimeout   = &kindError{"corehttp: write timeout", ErrTimeout}

	// Network failures.
	ErrConnect = &kindError{"corehttp: connect error", ErrNetwork}
	ErrRead    = &kindError{"corehttp: read error", ErrNetwork}
	ErrWrite   = &kindError{"corehttp: write error", ErrNetwork}

	// Protocol violations: local is ours, remote is the peer's.
	ErrLocalProtocol  = &kindError{"corehttp: local protocol error", ErrProtocol}
	ErrRemoteProtocol = &kindError{"corehttp: remote protocol error", ErrProtocol}

	// ErrProxy covers any proxy-layer failure (non-2xx CONNECT,
	// SOCKS negotiation failure).
	ErrProxy = errors.New("corehttp: proxy error")

	// ErrUnsupportedProtocol is returned for schemes other than
	// http/https and for URLs without a usable host or port. The
	// HTTP/2 engine is always built in, so it is never returned for h2.
	ErrUnsupportedProtocol = errors.New("corehttp: unsupported protocol")

	// ErrPoolClosed is returned for requests issued after Close.
	ErrPoolClosed = errors.New("corehttp: pool closed")

	// errConnectionNotAvailable is internal: the scheduler picked a
	// connection that became unusable before the request was sent.
	// The pool reacquires transparently.
	errConnectionNotAvailable = errors.New("corehttp: connection not available")
)

// isRetriableConnectError reports whether a connection-establishment
// failure may be retried. Network errors are, protocol errors are not.
func isRetriableConnectError(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrConnectTimeout)
}
