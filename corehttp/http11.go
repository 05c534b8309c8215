package corehttp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"dqx0.com/go/corehttp/corehttp/internal/http1"
)

const (
	maxHeaderLine  = 8 << 10
	maxHeaderBytes = 64 << 10
)

// http11State tracks the engine through one request/response cycle.
type http11State int

const (
	h11Idle http11State = iota
	h11SendHeaders
	h11SendBody
	h11RecvHeaders
	h11RecvBody
	h11Done
	h11Closed
)

// http11Engine drives HTTP/1.1 on one network stream. At most one
// request is in flight at a time; the engine returns to idle once the
// response body has been fully consumed or closed.
type http11Engine struct {
	origin Origin
	stream NetworkStream
	br     *bufio.Reader
	bw     *bufio.Writer

	keepaliveExpiry time.Duration
	forwardMode     bool // emit absolute-form request lines

	mu           sync.Mutex
	state        http11State
	requestCount int
	expireAt     time.Time
	idleSince    time.Time
	closeOnDone  bool
	surrendered  bool // stream handed to the caller via upgrade/CONNECT
}

func newHTTP11Engine(origin Origin, stream NetworkStream, keepaliveExpiry time.Duration, forwardMode bool) *http11Engine {
	return &http11Engine{
		origin:          origin,
		stream:          stream,
		br:              bufio.NewReader(stream),
		bw:              bufio.NewWriter(stream),
		keepaliveExpiry: keepaliveExpiry,
		forwardMode:     forwardMode,
		idleSince:       time.Now(),
	}
}

func (e *http11Engine) httpVersion() string { return "HTTP/1.1" }

func (e *http11Engine) isAvailable() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == h11Idle
}

func (e *http11Engine) isIdle() bool { return e.isAvailable() }

func (e *http11Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == h11Closed
}

func (e *http11Engine) inFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == h11Idle || e.state == h11Closed {
		return 0
	}
	return 1
}

func (e *http11Engine) idleAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.idleSince
}

// hasExpired is called under the pool lock, so it is pure time
// arithmetic; a dropped connection is caught by the pre-write liveness
// check on reuse instead.
func (e *http11Engine) hasExpired() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == h11Idle && !e.expireAt.IsZero() && time.Now().After(e.expireAt)
}

func (e *http11Engine) close() error {
	e.mu.Lock()
	if e.state == h11Closed {
		e.mu.Unlock()
		return nil
	}
	surrendered := e.surrendered
	e.state = h11Closed
	e.mu.Unlock()
	if surrendered {
		return nil
	}
	return e.stream.Close()
}

// roundTrip sends one request and returns the response with a lazily
// streamed body. The caller owns the body and must close it.
func (e *http11Engine) roundTrip(req *Request) (*Response, error) {
	e.mu.Lock()
	if e.state != h11Idle {
		e.mu.Unlock()
		return nil, errConnectionNotAvailable
	}
	reused := e.requestCount > 0
	e.state = h11SendHeaders
	e.requestCount++
	e.expireAt = time.Time{}
	e.mu.Unlock()

	// A kept-alive connection the server closed in the meantime is
	// readable before we write anything. Bail out here so the pool
	// can transparently pick a fresh connection.
	if reused && streamReadable(e.stream, e.br) {
		_ = e.close()
		return nil, errConnectionNotAvailable
	}

	ctx := req.Context()
	timeouts := req.Options.Timeout
	trace := req.Options.Trace

	if err := e.sendRequestHeaders(req); err != nil {
		if reused {
			_ = e.close()
			return nil, errConnectionNotAvailable
		}
		e.failed()
		return nil, err
	}
	if err := e.sendRequestBody(req); err != nil {
		e.failed()
		return nil, err
	}

	e.setState(h11RecvHeaders)
	done := trace.span("http11.receive_response_headers", map[string]any{"request": req.Method})
	sl, fields, err := e.receiveResponseHead(ctx, timeouts)
	done(sl.Status, err)
	if err != nil {
		e.failed()
		return nil, err
	}

	headers := make([]Header, len(fields))
	for i, f := range fields {
		headers[i] = Header{Name: f.Name, Value: f.Value}
	}

	e.mu.Lock()
	if sl.Proto == "HTTP/1.0" {
		e.closeOnDone = true
		if headerContainsToken(headers, "Connection", "keep-alive") {
			e.closeOnDone = false
		}
	}
	if headerContainsToken(headers, "Connection", "close") {
		e.closeOnDone = true
	}
	e.state = h11RecvBody
	e.mu.Unlock()

	resp := &Response{
		Status:  sl.Status,
		Headers: headers,
		Extensions: ResponseExtensions{
			HTTPVersion:  sl.Proto,
			ReasonPhrase: sl.Reason,
		},
	}

	// Upgrade and CONNECT surrender the raw stream to the caller.
	if (req.Method == "CONNECT" && sl.Status >= 200 && sl.Status <= 299) || sl.Status == 101 {
		e.mu.Lock()
		e.surrendered = true
		e.closeOnDone = true
		e.mu.Unlock()
		upgraded := &upgradedStream{NetworkStream: e.stream, br: e.br, engine: e}
		resp.Body = upgraded
		resp.Extensions.NetworkStream = upgraded
		return resp, nil
	}

	body, reusable, err := e.responseBodyReader(req.Method, sl.Status, fields)
	if err != nil {
		e.failed()
		return nil, err
	}
	if !reusable {
		e.mu.Lock()
		e.closeOnDone = true
		e.mu.Unlock()
	}
	resp.Body = &http11Body{
		engine:   e,
		inner:    body,
		ctx:      ctx,
		timeouts: timeouts,
		trace:    trace,
	}
	return resp, nil
}

func (e *http11Engine) sendRequestHeaders(req *Request) error {
	ctx := req.Context()
	timeouts := req.Options.Timeout
	done := req.Options.Trace.span("http11.send_request_headers", map[string]any{
		"method": req.Method, "target": req.URL.Target,
	})

	err := e.writeRequestHead(req)
	if err == nil {
		setWriteDeadline(e.stream, ctx, timeouts.Write)
		err = e.bw.Flush()
		if err != nil {
			err = wrapWriteError(err)
		}
	}
	done(nil, err)
	return err
}

func (e *http11Engine) writeRequestHead(req *Request) error {
	target := req.URL.Target
	if target == "" {
		target = "/"
	}
	if e.forwardMode {
		target = req.URL.absoluteForm()
	}
	if req.Method == "" {
		return fmt.Errorf("%w: empty method", ErrLocalProtocol)
	}
	if err := http1.WriteRequestLine(e.bw, req.Method, target); err != nil {
		return wrapWriteError(err)
	}

	haveHost := false
	haveLength := false
	for _, h := range req.Headers {
		if http1.ValidHeaderName(h.Name) == "" || !http1.ValidHeaderValue(h.Value) {
			return fmt.Errorf("%w: invalid header %q", ErrLocalProtocol, h.Name)
		}
		if strings.EqualFold(h.Name, "Host") {
			haveHost = true
		}
		if strings.EqualFold(h.Name, "Content-Length") || strings.EqualFold(h.Name, "Transfer-Encoding") {
			haveLength = true
		}
	}
	if !haveHost {
		host := req.URL.hostHeader()
		if !http1.ValidHeaderValue(host) {
			return fmt.Errorf("%w: invalid host %q", ErrLocalProtocol, host)
		}
		if err := http1.WriteHeader(e.bw, "Host", host); err != nil {
			return wrapWriteError(err)
		}
	}
	for _, h := range req.Headers {
		if err := http1.WriteHeader(e.bw, h.Name, h.Value); err != nil {
			return wrapWriteError(err)
		}
	}
	// Automatic framing, unless the caller supplied explicit values.
	if !haveLength && req.Body != nil {
		if req.ContentLength >= 0 {
			if err := http1.WriteHeader(e.bw, "Content-Length", strconv.FormatInt(req.ContentLength, 10)); err != nil {
				return wrapWriteError(err)
			}
		} else {
			if err := http1.WriteHeader(e.bw, "Transfer-Encoding", "chunked"); err != nil {
				return wrapWriteError(err)
			}
		}
	}
	if err := http1.EndHeaders(e.bw); err != nil {
		return wrapWriteError(err)
	}
	return nil
}

func (e *http11Engine) sendRequestBody(req *Request) error {
	e.setState(h11SendBody)
	done := req.Options.Trace.span("http11.send_request_body", nil)
	if req.Body == nil {
		done(nil, nil)
		return nil
	}
	err := e.writeRequestBody(req.Context(), req.Options.Timeout, req)
	done(nil, err)
	return err
}

func (e *http11Engine) writeRequestBody(ctx context.Context, timeouts Timeouts, req *Request) error {
	chunked := req.ContentLength < 0 && !hasExplicitFraming(req.Headers)
	buf := make([]byte, 32<<10)
	var written int64
	for {
		n, rerr := req.Body.Read(buf)
		if n > 0 {
			setWriteDeadline(e.stream, ctx, timeouts.Write)
			if chunked {
				if _, werr := http1.WriteChunk(e.bw, buf[:n]); werr != nil {
					return wrapWriteError(werr)
				}
			} else {
				if _, werr := e.bw.Write(buf[:n]); werr != nil {
					return wrapWriteError(werr)
				}
			}
			written += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			// The caller's body failed mid-send; the connection
			// is unusable.
			return fmt.Errorf("%w: request body: %v", ErrLocalProtocol, rerr)
		}
	}
	if chunked {
		if err := http1.EndChunked(e.bw); err != nil {
			return wrapWriteError(err)
		}
	} else if req.ContentLength >= 0 && written != req.ContentLength {
		return fmt.Errorf("%w: body length %d does not match Content-Length %d",
			ErrLocalProtocol, written, req.ContentLength)
	}
	setWriteDeadline(e.stream, ctx, timeouts.Write)
	if err := e.bw.Flush(); err != nil {
		return wrapWriteError(err)
	}
	return nil
}

func hasExplicitFraming(headers []Header) bool {
	_, cl := headerValue(headers, "Content-Length")
	_, te := headerValue(headers, "Transfer-Encoding")
	return cl || te
}

// receiveResponseHead reads status line and headers, skipping interim
// 1xx responses other than 101.
func (e *http11Engine) receiveResponseHead(ctx context.Context, timeouts Timeouts) (http1.StatusLine, []http1.Field, error) {
	for {
		setReadDeadline(e.stream, ctx, timeouts.Read)
		sl, err := http1.ReadStatusLine(e.br, maxHeaderLine)
		if err != nil {
			return http1.StatusLine{}, nil, e.mapReadError(err)
		}
		fields, err := http1.ReadHeaders(e.br, maxHeaderLine, maxHeaderBytes)
		if err != nil {
			return http1.StatusLine{}, nil, e.mapReadError(err)
		}
		if sl.Status >= 100 && sl.Status < 200 && sl.Status != 101 {
			continue
		}
		return sl, fields, nil
	}
}

func (e *http11Engine) mapReadError(err error) error {
	switch {
	case err == io.EOF || err == io.ErrUnexpectedEOF:
		return fmt.Errorf("%w: server disconnected without a complete response", ErrRemoteProtocol)
	case errors.Is(err, http1.ErrMalformed) || errors.Is(err, http1.ErrHeaderTooLarge):
		return fmt.Errorf("%w: %v", ErrRemoteProtocol, err)
	default:
		return wrapReadError(err)
	}
}

// responseBodyReader picks the framing per RFC 7230 §3.3.3. The bool
// result reports whether the connection can be reused afterwards.
func (e *http11Engine) responseBodyReader(method string, status int, fields []http1.Field) (io.ReadCloser, bool, error) {
	if method == "HEAD" || status == 204 || status == 304 || (status >= 100 && status < 200) {
		return io.NopCloser(strings.NewReader("")), true, nil
	}
	if http1.HasChunkedTE(fields) {
		return http1.NewChunkedBody(e.br, maxHeaderLine), true, nil
	}
	length, err := http1.ContentLength(fields)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrRemoteProtocol, err)
	}
	if length >= 0 {
		if length == 0 {
			return io.NopCloser(strings.NewReader("")), true, nil
		}
		return http1.NewLimitedBody(e.br, length), true, nil
	}
	// Close-delimited: read to connection close, no reuse.
	return io.NopCloser(e.br), false, nil
}

func (e *http11Engine) setState(s http11State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *http11Engine) failed() {
	_ = e.close()
}

// responseClosed is called once the body has been fully consumed or
// closed; the engine returns to idle or closes per keep-alive rules.
func (e *http11Engine) responseClosed(clean bool) {
	e.mu.Lock()
	if e.state == h11Closed {
		e.mu.Unlock()
		return
	}
	if !clean || e.closeOnDone {
		e.mu.Unlock()
		_ = e.close()
		return
	}
	e.state = h11Idle
	e.idleSince = time.Now()
	if e.keepaliveExpiry > 0 {
		e.expireAt = time.Now().Add(e.keepaliveExpiry)
	}
	e.mu.Unlock()
}

// http11Body streams the response body off the connection, returning
// the engine to idle at EOF or Close.
type http11Body struct {
	engine   *http11Engine
	inner    io.ReadCloser
	ctx      context.Context
	timeouts Timeouts
	trace    TraceFunc

	mu        sync.Mutex
	closed    bool
	finished  bool
	bodySpan  func(ret any, err error)
}

func (b *http11Body) Read(p []byte) (int, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, io.EOF
	}
	if b.bodySpan == nil {
		b.bodySpan = b.trace.span("http11.receive_response_body", nil)
	}
	b.mu.Unlock()

	setReadDeadline(b.engine.stream, b.ctx, b.timeouts.Read)
	n, err := b.inner.Read(p)
	if err == io.EOF {
		b.mu.Lock()
		b.finished = true
		span := b.bodySpan
		b.mu.Unlock()
		if span != nil {
			span(nil, nil)
		}
		b.release(true)
		return n, io.EOF
	}
	if err != nil {
		mapped := b.engine.mapReadError(err)
		b.mu.Lock()
		span := b.bodySpan
		b.mu.Unlock()
		if span != nil {
			span(nil, mapped)
		}
		b.release(false)
		return n, mapped
	}
	return n, nil
}

// Close drains the remainder of the body so the connection can be
// reused, then releases it. Closing twice is a no-op.
func (b *http11Body) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	finished := b.finished
	b.mu.Unlock()

	if finished {
		return nil
	}
	setReadDeadline(b.engine.stream, b.ctx, b.timeouts.Read)
	err := b.inner.Close()
	b.release(err == nil)
	return nil
}

func (b *http11Body) release(clean bool) {
	b.mu.Lock()
	if b.closed && b.finished {
		// Already released via the Read path.
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	done := b.trace.span("http11.response_closed", nil)
	b.engine.responseClosed(clean)
	done(nil, nil)
}

// upgradedStream is the stream surrendered to the caller after a 101
// or CONNECT response. Reads go through the engine's buffer first so
// no bytes are lost.
type upgradedStream struct {
	NetworkStream
	br     *bufio.Reader
	engine *http11Engine

	mu     sync.Mutex
	closed bool
}

func (u *upgradedStream) Read(p []byte) (int, error) {
	return u.br.Read(p)
}

func (u *upgradedStream) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	u.mu.Unlock()
	err := u.NetworkStream.Close()
	u.engine.responseClosed(false)
	return err
}

// streamReadable reports whether data or EOF is already available on
// an idle connection, without blocking. Scripted test streams that
// expose no socket are treated as quiet.
func streamReadable(s NetworkStream, br *bufio.Reader) bool {
	if br.Buffered() > 0 {
		return true
	}
	if s.ExtraInfo("socket") == nil {
		return false
	}
	_ = s.SetReadDeadline(time.Now().Add(time.Millisecond))
	defer func() { _ = s.SetReadDeadline(time.Time{}) }()
	_, err := br.Peek(1)
	return !isTimeout(err)
}
