package http1

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"testing"
)

func br(raw string) *bufio.Reader {
	return bufio.NewReader(strings.NewReader(raw))
}

func TestReadStatusLine(t *testing.T) {
	sl, err := ReadStatusLine(br("HTTP/1.1 200 OK\r\n"), 8<<10)
	if err != nil {
		t.Fatalf("ReadStatusLine error: %v", err)
	}
	if sl.Proto != "HTTP/1.1" || sl.Status != 200 || sl.Reason != "OK" {
		t.Fatalf("parsed %+v", sl)
	}
}

func TestReadStatusLine_NoReason(t *testing.T) {
	sl, err := ReadStatusLine(br("HTTP/1.0 204\r\n"), 8<<10)
	if err != nil {
		t.Fatalf("ReadStatusLine error: %v", err)
	}
	if sl.Proto != "HTTP/1.0" || sl.Status != 204 || sl.Reason != "" {
		t.Fatalf("parsed %+v", sl)
	}
}

func TestReadStatusLine_Malformed(t *testing.T) {
	for _, raw := range []string{"HTTP/2 200 OK\r\n", "garbage\r\n", "HTTP/1.1 abc\r\n", "HTTP/1.1 999 X\r\n"} {
		if _, err := ReadStatusLine(br(raw), 8<<10); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestReadHeaders_OrderAndDuplicates(t *testing.T) {
	fields, err := ReadHeaders(br("Set-Cookie: a=1\r\nContent-Type: text/plain\r\nSet-Cookie: b=2\r\n\r\n"), 8<<10, 64<<10)
	if err != nil {
		t.Fatalf("ReadHeaders error: %v", err)
	}
	want := []Field{
		{"Set-Cookie", "a=1"},
		{"Content-Type", "text/plain"},
		{"Set-Cookie", "b=2"},
	}
	if len(fields) != len(want) {
		t.Fatalf("got %d fields, want %d", len(fields), len(want))
	}
	for i := range want {
		if fields[i] != want[i] {
			t.Fatalf("field %d = %+v, want %+v", i, fields[i], want[i])
		}
	}
}

func TestReadHeaders_InvalidName(t *testing.T) {
	if _, err := ReadHeaders(br("Bad( : v\r\n\r\n"), 8<<10, 64<<10); err == nil {
		t.Fatal("expected error for invalid header name")
	}
}

func TestReadHeaders_TotalLimit(t *testing.T) {
	if _, err := ReadHeaders(br("A: b\r\nC: d\r\nE: f\r\n\r\n"), 8<<10, 6); err == nil {
		t.Fatal("expected error for total header size limit")
	}
}

func TestContentLength(t *testing.T) {
	n, err := ContentLength([]Field{{"Content-Length", "13"}})
	if err != nil || n != 13 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if n, err = ContentLength(nil); err != nil || n != -1 {
		t.Fatalf("absent: n=%d err=%v", n, err)
	}
	// Duplicates must agree.
	if _, err = ContentLength([]Field{{"Content-Length", "5"}, {"Content-Length", "6"}}); err == nil {
		t.Fatal("expected error for mismatched Content-Length")
	}
	if n, err = ContentLength([]Field{{"Content-Length", "5, 5"}}); err != nil || n != 5 {
		t.Fatalf("agreeing list: n=%d err=%v", n, err)
	}
	if _, err = ContentLength([]Field{{"Content-Length", "-1"}}); err == nil {
		t.Fatal("expected error for negative Content-Length")
	}
}

func TestChunkedBody(t *testing.T) {
	c := NewChunkedBody(br("3\r\nhey\r\n2\r\n!!\r\n0\r\n\r\n"), 8<<10)
	b, err := io.ReadAll(c)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(b) != "hey!!" {
		t.Fatalf("body=%q", string(b))
	}
	if !c.Finished() {
		t.Fatal("chunked body not finished")
	}
}

func TestChunkedBody_Extensions(t *testing.T) {
	c := NewChunkedBody(br("3;name=val\r\nhey\r\n0\r\n\r\n"), 8<<10)
	b, err := io.ReadAll(c)
	if err != nil || string(b) != "hey" {
		t.Fatalf("body=%q err=%v", string(b), err)
	}
}

func TestChunkedBody_CloseDrains(t *testing.T) {
	r := br("3\r\nhey\r\n0\r\n\r\nNEXT")
	c := NewChunkedBody(r, 8<<10)
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	rest, _ := io.ReadAll(r)
	if string(rest) != "NEXT" {
		t.Fatalf("rest=%q, chunked close did not stop at terminal chunk", string(rest))
	}
}

func TestChunkedBody_BadFormat(t *testing.T) {
	c := NewChunkedBody(br("zz\r\nhey\r\n"), 8<<10)
	if _, err := io.ReadAll(c); err == nil {
		t.Fatal("expected error for bad chunk size")
	}
}

func TestWriteChunks(t *testing.T) {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	if _, err := WriteChunk(bw, []byte("hello")); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if _, err := WriteChunk(bw, nil); err != nil {
		t.Fatalf("WriteChunk empty: %v", err)
	}
	if err := EndChunked(bw); err != nil {
		t.Fatalf("EndChunked: %v", err)
	}
	bw.Flush()
	if got := buf.String(); got != "5\r\nhello\r\n0\r\n\r\n" {
		t.Fatalf("framing=%q", got)
	}
}

func TestLimitedBody(t *testing.T) {
	r := br("hello world")
	b := NewLimitedBody(r, 5)
	got, err := io.ReadAll(b)
	if err != nil || string(got) != "hello" {
		t.Fatalf("got=%q err=%v", string(got), err)
	}
}

func TestLimitedBody_ShortRead(t *testing.T) {
	b := NewLimitedBody(br("he"), 5)
	if _, err := io.ReadAll(b); err != io.ErrUnexpectedEOF {
		t.Fatalf("err=%v, want ErrUnexpectedEOF", err)
	}
}

func TestLimitedBody_CloseDrains(t *testing.T) {
	r := br("helloNEXT")
	b := NewLimitedBody(r, 5)
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	rest, _ := io.ReadAll(r)
	if string(rest) != "NEXT" {
		t.Fatalf("rest=%q", string(rest))
	}
}

func TestValidHeaderName(t *testing.T) {
	if ValidHeaderName("X-Custom") == "" {
		t.Fatal("X-Custom rejected")
	}
	if ValidHeaderName("Bad(") != "" {
		t.Fatal("Bad( accepted")
	}
	if ValidHeaderName("") != "" {
		t.Fatal("empty accepted")
	}
}
