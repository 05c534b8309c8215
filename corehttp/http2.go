package corehttp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

const (
	h2DefaultMaxStreams  = 100
	h2DefaultWindowSize  = 65535
	h2DefaultMaxFrameLen = 16384
)

// http2Engine multiplexes requests over one connection as numbered
// streams. Frame writes are serialised by writeMu; a single reader
// goroutine demultiplexes incoming frames into per-stream inboxes.
type http2Engine struct {
	origin Origin
	stream NetworkStream
	framer *http2.Framer

	writeMu sync.Mutex // frames out, hpack encoder state
	henc    *hpack.Encoder
	hbuf    bytes.Buffer

	initOnce sync.Once
	initErr  error

	mu           sync.Mutex
	streams      map[uint32]*h2Stream
	nextStreamID uint32
	requestCount int
	closed       bool
	goaway       bool
	readErr      error

	maxStreams    uint32
	maxFrameLen   uint32
	peerWindow    int64 // connection-level send window
	initialWindow int64 // per-stream send window for new streams
	flowCh        chan struct{}

	keepaliveExpiry time.Duration
	expireAt        time.Time
	idleSince       time.Time
}

func newHTTP2Engine(origin Origin, stream NetworkStream, keepaliveExpiry time.Duration) *http2Engine {
	e := &http2Engine{
		origin:          origin,
		stream:          stream,
		streams:         make(map[uint32]*h2Stream),
		nextStreamID:    1,
		maxStreams:      h2DefaultMaxStreams,
		maxFrameLen:     h2DefaultMaxFrameLen,
		peerWindow:      h2DefaultWindowSize,
		initialWindow:   h2DefaultWindowSize,
		flowCh:          make(chan struct{}),
		keepaliveExpiry: keepaliveExpiry,
		idleSince:       time.Now(),
	}
	e.framer = http2.NewFramer(stream, stream)
	e.framer.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	e.henc = hpack.NewEncoder(&e.hbuf)
	return e
}

func (e *http2Engine) httpVersion() string { return "HTTP/2" }

// sendConnectionInit writes the client preface and initial SETTINGS,
// then starts the frame demultiplexer. Runs once, on the first request.
func (e *http2Engine) sendConnectionInit(trace TraceFunc) error {
	e.initOnce.Do(func() {
		done := trace.span("http2.send_connection_init", nil)
		err := func() error {
			e.writeMu.Lock()
			defer e.writeMu.Unlock()
			if _, err := e.stream.Write([]byte(http2.ClientPreface)); err != nil {
				return wrapWriteError(err)
			}
			err := e.framer.WriteSettings(
				http2.Setting{ID: http2.SettingEnablePush, Val: 0},
				http2.Setting{ID: http2.SettingInitialWindowSize, Val: h2DefaultWindowSize},
			)
			if err != nil {
				return wrapWriteError(err)
			}
			return nil
		}()
		done(nil, err)
		e.initErr = err
		if err == nil {
			go e.readLoop()
		}
	})
	return e.initErr
}

func (e *http2Engine) isAvailable() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closed && !e.goaway && e.readErr == nil &&
		uint32(len(e.streams)) < e.maxStreams
}

func (e *http2Engine) isIdle() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closed && len(e.streams) == 0
}

func (e *http2Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *http2Engine) inFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.streams)
}

func (e *http2Engine) idleAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.idleSince
}

func (e *http2Engine) hasExpired() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.streams) == 0 && !e.expireAt.IsZero() && time.Now().After(e.expireAt)
}

func (e *http2Engine) close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	streams := make([]*h2Stream, 0, len(e.streams))
	for _, s := range e.streams {
		streams = append(streams, s)
	}
	e.notifyFlow()
	e.mu.Unlock()
	for _, s := range streams {
		s.fail(fmt.Errorf("%w: connection closed", ErrRead))
	}
	return e.stream.Close()
}

// roundTrip opens one stream and performs a request on it. The stream
// is registered before the demultiplexer can observe any frame for it.
func (e *http2Engine) roundTrip(req *Request) (*Response, error) {
	e.mu.Lock()
	if e.closed || e.goaway || e.readErr != nil || uint32(len(e.streams)) >= e.maxStreams {
		e.mu.Unlock()
		return nil, errConnectionNotAvailable
	}
	id := e.nextStreamID
	e.nextStreamID += 2
	s := &h2Stream{
		id:         id,
		e:          e,
		notify:     make(chan struct{}, 1),
		sendWindow: e.initialWindow,
		state:      h2StreamOpen,
	}
	e.streams[id] = s
	e.requestCount++
	e.expireAt = time.Time{}
	e.mu.Unlock()

	if err := e.sendConnectionInit(req.Options.Trace); err != nil {
		e.releaseStream(s, false)
		_ = e.close()
		return nil, err
	}

	resp, err := e.performRequest(s, req)
	if err != nil {
		e.releaseStream(s, true)
		return nil, err
	}
	return resp, nil
}

func (e *http2Engine) performRequest(s *h2Stream, req *Request) (*Response, error) {
	ctx := req.Context()
	timeouts := req.Options.Timeout
	trace := req.Options.Trace

	done := trace.span("http2.send_request_headers", map[string]any{
		"method": req.Method, "target": req.URL.Target, "stream_id": s.id,
	})
	err := e.writeRequestHeaders(ctx, timeouts, s, req)
	done(nil, err)
	if err != nil {
		return nil, err
	}

	if req.Body != nil {
		done = trace.span("http2.send_request_body", map[string]any{"stream_id": s.id})
		err = e.writeRequestBody(ctx, timeouts, s, req)
		done(nil, err)
		if err != nil {
			return nil, err
		}
	}

	done = trace.span("http2.receive_response_headers", map[string]any{"stream_id": s.id})
	status, headers, err := s.waitResponseHead(ctx, timeouts.Read)
	done(status, err)
	if err != nil {
		return nil, err
	}

	return &Response{
		Status:  status,
		Headers: headers,
		Body: &h2Body{
			s:        s,
			ctx:      ctx,
			timeouts: timeouts,
			trace:    trace,
		},
		Extensions: ResponseExtensions{
			HTTPVersion: "HTTP/2",
			StreamID:    s.id,
		},
	}, nil
}

// writeRequestHeaders maps the HTTP/1.1-style header list onto h2
// pseudo-headers and emits HEADERS for the stream.
func (e *http2Engine) writeRequestHeaders(ctx context.Context, timeouts Timeouts, s *h2Stream, req *Request) error {
	if req.Method == "" {
		return fmt.Errorf("%w: empty method", ErrLocalProtocol)
	}
	authority := req.URL.hostHeader()
	if host, ok := headerValue(req.Headers, "Host"); ok {
		authority = host
	}
	target := req.URL.Target
	if target == "" {
		target = "/"
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.hbuf.Reset()
	writeField := func(name, value string) {
		_ = e.henc.WriteField(hpack.HeaderField{Name: name, Value: value})
	}
	writeField(":method", req.Method)
	if req.Method != "CONNECT" {
		writeField(":scheme", req.URL.Scheme)
		writeField(":path", target)
	}
	writeField(":authority", authority)
	for _, h := range req.Headers {
		name := strings.ToLower(h.Name)
		switch name {
		case "host", "connection", "proxy-connection", "keep-alive",
			"transfer-encoding", "upgrade", "te":
			continue
		}
		writeField(name, h.Value)
	}

	endStream := req.Body == nil
	setWriteDeadline(e.stream, ctx, timeouts.Write)
	block := e.hbuf.Bytes()
	err := e.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      s.id,
		BlockFragment: block,
		EndHeaders:    true,
		EndStream:     endStream,
	})
	if err != nil {
		return wrapWriteError(err)
	}
	if endStream {
		s.halfCloseLocal()
	}
	return nil
}

// writeRequestBody streams DATA frames, waiting on both the stream
// and connection flow-control windows.
func (e *http2Engine) writeRequestBody(ctx context.Context, timeouts Timeouts, s *h2Stream, req *Request) error {
	buf := make([]byte, h2DefaultMaxFrameLen)
	for {
		n, rerr := req.Body.Read(buf)
		sent := 0
		for sent < n {
			chunk, err := e.acquireSendWindow(ctx, timeouts.Write, s, n-sent)
			if err != nil {
				return err
			}
			setWriteDeadline(e.stream, ctx, timeouts.Write)
			e.writeMu.Lock()
			werr := e.framer.WriteData(s.id, false, buf[sent:sent+chunk])
			e.writeMu.Unlock()
			if werr != nil {
				return wrapWriteError(werr)
			}
			sent += chunk
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("%w: request body: %v", ErrLocalProtocol, rerr)
		}
	}
	setWriteDeadline(e.stream, ctx, timeouts.Write)
	e.writeMu.Lock()
	err := e.framer.WriteData(s.id, true, nil)
	e.writeMu.Unlock()
	if err != nil {
		return wrapWriteError(err)
	}
	s.halfCloseLocal()
	return nil
}

// acquireSendWindow blocks until some window is available on both the
// connection and the stream, then claims up to want bytes, capped at
// the peer's maximum frame size.
func (e *http2Engine) acquireSendWindow(ctx context.Context, timeout time.Duration, s *h2Stream, want int) (int, error) {
	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	for {
		e.mu.Lock()
		if e.readErr != nil {
			err := e.readErr
			e.mu.Unlock()
			return 0, err
		}
		if e.closed {
			e.mu.Unlock()
			return 0, fmt.Errorf("%w: connection closed", ErrWrite)
		}
		if serr := s.takeErr(); serr != nil {
			e.mu.Unlock()
			return 0, serr
		}
		n := int64(want)
		if n > e.peerWindow {
			n = e.peerWindow
		}
		s.mu.Lock()
		if n > s.sendWindow {
			n = s.sendWindow
		}
		s.mu.Unlock()
		if n > int64(e.maxFrameLen) {
			n = int64(e.maxFrameLen)
		}
		if n > 0 {
			e.peerWindow -= n
			s.mu.Lock()
			s.sendWindow -= n
			s.mu.Unlock()
			e.mu.Unlock()
			return int(n), nil
		}
		ch := e.flowCh
		e.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return 0, fmt.Errorf("%w: %v", ErrWriteTimeout, ctx.Err())
		case <-timeoutCh:
			return 0, fmt.Errorf("%w: waiting for flow control window", ErrWriteTimeout)
		}
	}
}

// notifyFlow wakes every sender waiting for window. Callers hold e.mu.
func (e *http2Engine) notifyFlow() {
	close(e.flowCh)
	e.flowCh = make(chan struct{})
}

// readLoop owns the read side of the framer, dispatching frames to
// stream inboxes and handling connection-level frames.
func (e *http2Engine) readLoop() {
	for {
		frame, err := e.framer.ReadFrame()
		if err != nil {
			e.failAll(err)
			return
		}
		switch f := frame.(type) {
		case *http2.MetaHeadersFrame:
			e.onHeaders(f)
		case *http2.DataFrame:
			e.onData(f)
		case *http2.SettingsFrame:
			e.onSettings(f)
		case *http2.WindowUpdateFrame:
			e.onWindowUpdate(f)
		case *http2.PingFrame:
			if !f.IsAck() {
				e.writeMu.Lock()
				_ = e.framer.WritePing(true, f.Data)
				e.writeMu.Unlock()
			}
		case *http2.GoAwayFrame:
			e.onGoAway(f)
		case *http2.RSTStreamFrame:
			if s := e.lookup(f.StreamID); s != nil {
				s.fail(fmt.Errorf("%w: stream reset by server (%v)", ErrRemoteProtocol, f.ErrCode))
			}
		case *http2.PushPromiseFrame:
			// Server push is not supported; refuse the promised
			// stream.
			e.writeMu.Lock()
			_ = e.framer.WriteRSTStream(f.PromiseID, http2.ErrCodeRefusedStream)
			e.writeMu.Unlock()
		}
	}
}

func (e *http2Engine) lookup(id uint32) *h2Stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.streams[id]
}

func (e *http2Engine) onHeaders(f *http2.MetaHeadersFrame) {
	s := e.lookup(f.StreamID)
	if s == nil {
		return
	}
	status := 0
	var headers []Header
	for _, hf := range f.Fields {
		if hf.Name == ":status" {
			status, _ = strconv.Atoi(hf.Value)
			continue
		}
		if strings.HasPrefix(hf.Name, ":") {
			continue
		}
		headers = append(headers, Header{Name: hf.Name, Value: hf.Value})
	}
	s.onHeaders(status, headers, f.StreamEnded())
}

func (e *http2Engine) onData(f *http2.DataFrame) {
	s := e.lookup(f.StreamID)
	if s == nil {
		// Data for an unknown stream still consumed connection
		// window; hand it straight back.
		if n := int(f.Length); n > 0 {
			e.writeMu.Lock()
			_ = e.framer.WriteWindowUpdate(0, uint32(n))
			e.writeMu.Unlock()
		}
		return
	}
	s.onData(f.Data(), f.StreamEnded())
}

func (e *http2Engine) onSettings(f *http2.SettingsFrame) {
	if f.IsAck() {
		return
	}
	e.mu.Lock()
	_ = f.ForeachSetting(func(set http2.Setting) error {
		switch set.ID {
		case http2.SettingMaxConcurrentStreams:
			e.maxStreams = set.Val
		case http2.SettingInitialWindowSize:
			delta := int64(set.Val) - e.initialWindow
			e.initialWindow = int64(set.Val)
			for _, s := range e.streams {
				s.mu.Lock()
				s.sendWindow += delta
				s.mu.Unlock()
			}
		case http2.SettingMaxFrameSize:
			e.maxFrameLen = set.Val
		}
		return nil
	})
	e.notifyFlow()
	e.mu.Unlock()

	e.writeMu.Lock()
	_ = e.framer.WriteSettingsAck()
	e.writeMu.Unlock()
}

func (e *http2Engine) onWindowUpdate(f *http2.WindowUpdateFrame) {
	if f.StreamID == 0 {
		e.mu.Lock()
		e.peerWindow += int64(f.Increment)
		e.notifyFlow()
		e.mu.Unlock()
		return
	}
	if s := e.lookup(f.StreamID); s != nil {
		s.mu.Lock()
		s.sendWindow += int64(f.Increment)
		s.mu.Unlock()
		e.mu.Lock()
		e.notifyFlow()
		e.mu.Unlock()
	}
}

func (e *http2Engine) onGoAway(f *http2.GoAwayFrame) {
	e.mu.Lock()
	e.goaway = true
	var orphans []*h2Stream
	for id, s := range e.streams {
		if id > f.LastStreamID {
			orphans = append(orphans, s)
		}
	}
	e.mu.Unlock()
	for _, s := range orphans {
		s.fail(fmt.Errorf("%w: GOAWAY received (%v)", ErrRemoteProtocol, f.ErrCode))
	}
}

func (e *http2Engine) failAll(err error) {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		err = fmt.Errorf("%w: server closed connection", ErrRemoteProtocol)
	} else if !isWrapped(err) {
		err = wrapReadError(err)
	}
	e.mu.Lock()
	e.readErr = err
	streams := make([]*h2Stream, 0, len(e.streams))
	for _, s := range e.streams {
		streams = append(streams, s)
	}
	e.notifyFlow()
	e.mu.Unlock()
	for _, s := range streams {
		s.fail(err)
	}
}

func isWrapped(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrNetwork) || errors.Is(err, ErrProtocol)
}

// releaseStream removes a stream from the engine; reset asks the
// server to abort it.
func (e *http2Engine) releaseStream(s *h2Stream, reset bool) {
	e.mu.Lock()
	if _, ok := e.streams[s.id]; !ok {
		e.mu.Unlock()
		return
	}
	delete(e.streams, s.id)
	idle := len(e.streams) == 0
	if idle {
		e.idleSince = time.Now()
		if e.keepaliveExpiry > 0 {
			e.expireAt = time.Now().Add(e.keepaliveExpiry)
		}
	}
	closed := e.closed
	e.mu.Unlock()
	if reset && !closed {
		e.writeMu.Lock()
		_ = e.framer.WriteRSTStream(s.id, http2.ErrCodeCancel)
		e.writeMu.Unlock()
	}
}

// h2StreamState follows the RFC 7540 stream lifecycle.
type h2StreamState int

const (
	h2StreamOpen h2StreamState = iota
	h2StreamHalfClosedLocal
	h2StreamHalfClosedRemote
	h2StreamClosed
)

type h2Stream struct {
	id uint32
	e  *http2Engine

	notify chan struct{}

	mu         sync.Mutex
	state      h2StreamState
	sendWindow int64
	buf        bytes.Buffer
	status     int
	headers    []Header
	headersOK  bool
	recvEnded  bool
	err        error
}

func (s *h2Stream) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *h2Stream) halfCloseLocal() {
	s.mu.Lock()
	switch s.state {
	case h2StreamOpen:
		s.state = h2StreamHalfClosedLocal
	case h2StreamHalfClosedRemote:
		s.state = h2StreamClosed
	}
	s.mu.Unlock()
}

func (s *h2Stream) halfCloseRemote() {
	switch s.state {
	case h2StreamOpen:
		s.state = h2StreamHalfClosedRemote
	case h2StreamHalfClosedLocal:
		s.state = h2StreamClosed
	}
}

func (s *h2Stream) onHeaders(status int, headers []Header, ended bool) {
	s.mu.Lock()
	if !s.headersOK {
		s.status = status
		s.headers = headers
		s.headersOK = true
	}
	if ended {
		s.recvEnded = true
		s.halfCloseRemote()
	}
	s.mu.Unlock()
	s.signal()
}

func (s *h2Stream) onData(data []byte, ended bool) {
	s.mu.Lock()
	s.buf.Write(data)
	if ended {
		s.recvEnded = true
		s.halfCloseRemote()
	}
	s.mu.Unlock()
	s.signal()
}

func (s *h2Stream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.state = h2StreamClosed
	s.mu.Unlock()
	s.signal()
}

func (s *h2Stream) takeErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// waitResponseHead blocks until response headers (or an error) arrive.
func (s *h2Stream) waitResponseHead(ctx context.Context, timeout time.Duration) (int, []Header, error) {
	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	for {
		s.mu.Lock()
		if s.headersOK {
			status, headers := s.status, s.headers
			s.mu.Unlock()
			if status < 100 || status > 599 {
				return 0, nil, fmt.Errorf("%w: invalid :status %d", ErrRemoteProtocol, status)
			}
			return status, headers, nil
		}
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return 0, nil, err
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return 0, nil, fmt.Errorf("%w: %v", ErrReadTimeout, ctx.Err())
		case <-timeoutCh:
			return 0, nil, fmt.Errorf("%w: waiting for response headers", ErrReadTimeout)
		}
	}
}

// h2Body streams one response body off its stream, returning flow
// control window to the peer as the caller consumes bytes.
type h2Body struct {
	s        *h2Stream
	ctx      context.Context
	timeouts Timeouts
	trace    TraceFunc

	mu       sync.Mutex
	closed   bool
	bodySpan func(ret any, err error)
}

func (b *h2Body) Read(p []byte) (int, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, io.EOF
	}
	if b.bodySpan == nil {
		b.bodySpan = b.trace.span("http2.receive_response_body", map[string]any{"stream_id": b.s.id})
	}
	b.mu.Unlock()

	s := b.s
	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if b.timeouts.Read > 0 {
		timer = time.NewTimer(b.timeouts.Read)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	for {
		s.mu.Lock()
		if s.buf.Len() > 0 {
			n, _ := s.buf.Read(p)
			s.mu.Unlock()
			b.returnWindow(n)
			return n, nil
		}
		if s.recvEnded {
			s.mu.Unlock()
			b.finishSpan(nil)
			b.release(true)
			return 0, io.EOF
		}
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			b.finishSpan(err)
			b.release(false)
			return 0, err
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-b.ctx.Done():
			err := fmt.Errorf("%w: %v", ErrReadTimeout, b.ctx.Err())
			b.release(false)
			return 0, err
		case <-timeoutCh:
			err := fmt.Errorf("%w: reading response body", ErrReadTimeout)
			b.release(false)
			return 0, err
		}
	}
}

// returnWindow grants the consumed bytes back on both the stream and
// the connection.
func (b *h2Body) returnWindow(n int) {
	if n <= 0 {
		return
	}
	e := b.s.e
	e.writeMu.Lock()
	_ = e.framer.WriteWindowUpdate(b.s.id, uint32(n))
	_ = e.framer.WriteWindowUpdate(0, uint32(n))
	e.writeMu.Unlock()
}

// finishSpan completes the receive_response_body span, if started.
func (b *h2Body) finishSpan(err error) {
	b.mu.Lock()
	span := b.bodySpan
	b.bodySpan = nil
	b.mu.Unlock()
	if span != nil {
		span(nil, err)
	}
}

// Close releases the stream; if the server has not finished sending,
// the stream is reset. Closing twice is a no-op.
func (b *h2Body) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	done := b.trace.span("http2.response_closed", map[string]any{"stream_id": b.s.id})
	b.s.mu.Lock()
	finished := b.s.recvEnded && b.s.buf.Len() == 0
	b.s.mu.Unlock()
	b.s.e.releaseStream(b.s, !finished)
	done(nil, nil)
	return nil
}

func (b *h2Body) release(clean bool) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	done := b.trace.span("http2.response_closed", map[string]any{"stream_id": b.s.id})
	b.s.e.releaseStream(b.s, !clean)
	done(nil, nil)
}
