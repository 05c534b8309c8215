package corehttp

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func testOrigin() Origin {
	return Origin{Scheme: "http", Host: "example.com", Port: 80}
}

func testURL(target string) URL {
	return URL{Scheme: "http", Host: "example.com", Target: target}
}

func newTestEngine(t *testing.T, chunks ...string) (*http11Engine, *MockStream) {
	t.Helper()
	raw := make([][]byte, len(chunks))
	for i, c := range chunks {
		raw[i] = []byte(c)
	}
	backend := NewMockBackend(raw, "")
	stream, err := backend.ConnectTCP(context.Background(), "example.com", 80, ConnectOptions{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	return newHTTP11Engine(testOrigin(), stream, 0, false), stream.(*MockStream)
}

func TestHTTP11_GetRoundTrip(t *testing.T) {
	eng, stream := newTestEngine(t, "HTTP/1.1 200 OK\r\nContent-Length: 13\r\n\r\nHello, world!")
	req := &Request{
		Method:  "GET",
		URL:     testURL("/path?q=1"),
		Headers: []Header{{"X-A", "1"}, {"X-B", "2"}},
	}
	resp, err := eng.roundTrip(req)
	if err != nil {
		t.Fatalf("roundTrip: %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("status=%d", resp.Status)
	}
	if resp.Extensions.HTTPVersion != "HTTP/1.1" || resp.Extensions.ReasonPhrase != "OK" {
		t.Fatalf("extensions=%+v", resp.Extensions)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil || string(b) != "Hello, world!" {
		t.Fatalf("body=%q err=%v", string(b), err)
	}
	resp.Body.Close()

	want := "GET /path?q=1 HTTP/1.1\r\nHost: example.com\r\nX-A: 1\r\nX-B: 2\r\n\r\n"
	if got := string(stream.Written()); got != want {
		t.Fatalf("wire=%q, want %q", got, want)
	}
	if !eng.isIdle() {
		t.Fatal("engine not idle after body consumed")
	}
}

func TestHTTP11_HostNotDuplicated(t *testing.T) {
	eng, stream := newTestEngine(t, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	req := &Request{
		Method:  "GET",
		URL:     testURL("/"),
		Headers: []Header{{"Host", "override.example"}},
	}
	resp, err := eng.roundTrip(req)
	if err != nil {
		t.Fatalf("roundTrip: %v", err)
	}
	resp.Body.Close()
	got := string(stream.Written())
	if strings.Count(got, "Host:") != 1 {
		t.Fatalf("wire=%q, want exactly one Host header", got)
	}
	if !strings.Contains(got, "Host: override.example\r\n") {
		t.Fatalf("wire=%q, caller Host not preserved", got)
	}
}

// chunkReader yields one fixed chunk per Read call.
type chunkReader struct {
	chunks []string
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks = r.chunks[1:]
	return n, nil
}

func TestHTTP11_ChunkedRequestBody(t *testing.T) {
	eng, stream := newTestEngine(t, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	req := &Request{
		Method:        "POST",
		URL:           testURL("/upload"),
		Body:          &chunkReader{chunks: []string{"hello", "world"}},
		ContentLength: -1,
	}
	resp, err := eng.roundTrip(req)
	if err != nil {
		t.Fatalf("roundTrip: %v", err)
	}
	resp.Body.Close()
	got := string(stream.Written())
	if !strings.Contains(got, "Transfer-Encoding: chunked\r\n") {
		t.Fatalf("wire=%q, missing chunked framing header", got)
	}
	if !strings.Contains(got, "\r\n\r\n5\r\nhello\r\n5\r\nworld\r\n0\r\n\r\n") {
		t.Fatalf("wire=%q, chunk framing wrong", got)
	}
}

func TestHTTP11_ContentLengthRequestBody(t *testing.T) {
	eng, stream := newTestEngine(t, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	req := &Request{
		Method:        "POST",
		URL:           testURL("/upload"),
		Body:          strings.NewReader("payload"),
		ContentLength: 7,
	}
	resp, err := eng.roundTrip(req)
	if err != nil {
		t.Fatalf("roundTrip: %v", err)
	}
	resp.Body.Close()
	got := string(stream.Written())
	if !strings.Contains(got, "Content-Length: 7\r\n") || !strings.HasSuffix(got, "\r\n\r\npayload") {
		t.Fatalf("wire=%q", got)
	}
}

func TestHTTP11_ExplicitFramingWins(t *testing.T) {
	eng, stream := newTestEngine(t, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	req := &Request{
		Method:        "POST",
		URL:           testURL("/"),
		Headers:       []Header{{"Content-Length", "7"}},
		Body:          strings.NewReader("payload"),
		ContentLength: 7,
	}
	resp, err := eng.roundTrip(req)
	if err != nil {
		t.Fatalf("roundTrip: %v", err)
	}
	resp.Body.Close()
	if got := string(stream.Written()); strings.Count(got, "Content-Length:") != 1 {
		t.Fatalf("wire=%q, want exactly one Content-Length", got)
	}
}

func TestHTTP11_ResponseBodyShapes(t *testing.T) {
	const payload = "Hello, world!"
	cases := []struct {
		name     string
		response string
		reusable bool
	}{
		{"content-length", "HTTP/1.1 200 OK\r\nContent-Length: 13\r\n\r\n" + payload, true},
		{"chunked", "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\nd\r\n" + payload + "\r\n0\r\n\r\n", true},
		{"close-delimited", "HTTP/1.1 200 OK\r\n\r\n" + payload, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			eng, _ := newTestEngine(t, tc.response)
			resp, err := eng.roundTrip(&Request{Method: "GET", URL: testURL("/")})
			if err != nil {
				t.Fatalf("roundTrip: %v", err)
			}
			b, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Fatalf("read body: %v", err)
			}
			if string(b) != payload {
				t.Fatalf("body=%q", string(b))
			}
			resp.Body.Close()
			if tc.reusable && !eng.isIdle() {
				t.Fatal("engine should be idle")
			}
			if !tc.reusable && !eng.isClosed() {
				t.Fatal("engine should be closed")
			}
		})
	}
}

func TestHTTP11_HeadHasNoBody(t *testing.T) {
	eng, _ := newTestEngine(t, "HTTP/1.1 200 OK\r\nContent-Length: 13\r\n\r\n")
	resp, err := eng.roundTrip(&Request{Method: "HEAD", URL: testURL("/")})
	if err != nil {
		t.Fatalf("roundTrip: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	if len(b) != 0 {
		t.Fatalf("HEAD body=%q", string(b))
	}
	resp.Body.Close()
	if !eng.isIdle() {
		t.Fatal("engine should be idle after HEAD")
	}
}

func TestHTTP11_InterimResponsesSkipped(t *testing.T) {
	eng, _ := newTestEngine(t,
		"HTTP/1.1 100 Continue\r\n\r\nHTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	resp, err := eng.roundTrip(&Request{Method: "GET", URL: testURL("/")})
	if err != nil {
		t.Fatalf("roundTrip: %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("status=%d, want interim skipped", resp.Status)
	}
	resp.Body.Close()
}

func TestHTTP11_ConnectionCloseResponse(t *testing.T) {
	eng, _ := newTestEngine(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nok")
	resp, err := eng.roundTrip(&Request{Method: "GET", URL: testURL("/")})
	if err != nil {
		t.Fatalf("roundTrip: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if !eng.isClosed() {
		t.Fatal("engine should close on Connection: close")
	}
}

func TestHTTP11_HTTP10KeepAlive(t *testing.T) {
	eng, _ := newTestEngine(t, "HTTP/1.0 200 OK\r\nContent-Length: 2\r\nConnection: keep-alive\r\n\r\nok")
	resp, err := eng.roundTrip(&Request{Method: "GET", URL: testURL("/")})
	if err != nil {
		t.Fatalf("roundTrip: %v", err)
	}
	if resp.Extensions.HTTPVersion != "HTTP/1.0" {
		t.Fatalf("version=%q", resp.Extensions.HTTPVersion)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if !eng.isIdle() {
		t.Fatal("HTTP/1.0 with keep-alive should stay open")
	}

	eng2, _ := newTestEngine(t, "HTTP/1.0 200 OK\r\nContent-Length: 2\r\n\r\nok")
	resp, err = eng2.roundTrip(&Request{Method: "GET", URL: testURL("/")})
	if err != nil {
		t.Fatalf("roundTrip: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if !eng2.isClosed() {
		t.Fatal("HTTP/1.0 without keep-alive should close")
	}
}

func TestHTTP11_Upgrade(t *testing.T) {
	eng, _ := newTestEngine(t,
		"HTTP/1.1 101 Switching Protocols\r\nUpgrade: custom\r\n\r\nrawbytes")
	resp, err := eng.roundTrip(&Request{
		Method:  "GET",
		URL:     testURL("/"),
		Headers: []Header{{"Upgrade", "custom"}, {"Connection", "Upgrade"}},
	})
	if err != nil {
		t.Fatalf("roundTrip: %v", err)
	}
	if resp.Extensions.NetworkStream == nil {
		t.Fatal("upgrade response missing network stream")
	}
	b := make([]byte, 8)
	n, err := resp.Extensions.NetworkStream.Read(b)
	if err != nil || string(b[:n]) != "rawbytes" {
		t.Fatalf("upgraded read=%q err=%v", string(b[:n]), err)
	}
	resp.Body.Close()
	if !eng.isClosed() {
		t.Fatal("upgraded connection should be non-reusable")
	}
}

func TestHTTP11_SecondRequestBlockedWhileActive(t *testing.T) {
	eng, _ := newTestEngine(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	resp, err := eng.roundTrip(&Request{Method: "GET", URL: testURL("/")})
	if err != nil {
		t.Fatalf("roundTrip: %v", err)
	}
	if _, err := eng.roundTrip(&Request{Method: "GET", URL: testURL("/")}); err != errConnectionNotAvailable {
		t.Fatalf("second request err=%v, want errConnectionNotAvailable", err)
	}
	resp.Body.Close()
}

func TestHTTP11_ServerDisconnected(t *testing.T) {
	eng, _ := newTestEngine(t)
	_, err := eng.roundTrip(&Request{Method: "GET", URL: testURL("/")})
	if !errors.Is(err, ErrRemoteProtocol) {
		t.Fatalf("err=%v, want remote protocol error", err)
	}
	if !eng.isClosed() {
		t.Fatal("engine should close after failure")
	}
}

func TestHTTP11_InvalidHeaderRejected(t *testing.T) {
	eng, _ := newTestEngine(t)
	_, err := eng.roundTrip(&Request{
		Method:  "GET",
		URL:     testURL("/"),
		Headers: []Header{{"Bad(", "v"}},
	})
	if !errors.Is(err, ErrLocalProtocol) {
		t.Fatalf("err=%v, want local protocol error", err)
	}
}

func TestHTTP11_TraceEvents(t *testing.T) {
	eng, _ := newTestEngine(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	var events []string
	req := &Request{
		Method: "GET",
		URL:    testURL("/"),
		Options: RequestOptions{
			Trace: func(event string, info map[string]any) {
				events = append(events, event)
			},
		},
	}
	resp, err := eng.roundTrip(req)
	if err != nil {
		t.Fatalf("roundTrip: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	want := []string{
		"http11.send_request_headers.started",
		"http11.send_request_headers.complete",
		"http11.send_request_body.started",
		"http11.send_request_body.complete",
		"http11.receive_response_headers.started",
		"http11.receive_response_headers.complete",
		"http11.receive_response_body.started",
		"http11.receive_response_body.complete",
		"http11.response_closed.started",
		"http11.response_closed.complete",
	}
	if len(events) != len(want) {
		t.Fatalf("events=%v", events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("event %d = %q, want %q (all: %v)", i, events[i], want[i], events)
		}
	}
}

func TestHTTP11_DoubleBodyCloseNoop(t *testing.T) {
	eng, _ := newTestEngine(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	resp, err := eng.roundTrip(&Request{Method: "GET", URL: testURL("/")})
	if err != nil {
		t.Fatalf("roundTrip: %v", err)
	}
	if err := resp.Body.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := resp.Body.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if !eng.isIdle() {
		t.Fatal("engine should be idle")
	}
}
