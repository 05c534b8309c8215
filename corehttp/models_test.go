package corehttp

import (
	"errors"
	"testing"
)

func TestParseURL(t *testing.T) {
	cases := []struct {
		raw  string
		want URL
	}{
		{"http://example.com/", URL{"http", "example.com", 0, "/"}},
		{"https://example.com:8443/a/b?q=1", URL{"https", "example.com", 8443, "/a/b?q=1"}},
		{"http://example.com", URL{"http", "example.com", 0, "/"}},
	}
	for _, tc := range cases {
		got, err := ParseURL(tc.raw)
		if err != nil {
			t.Fatalf("ParseURL(%q): %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("ParseURL(%q) = %+v, want %+v", tc.raw, got, tc.want)
		}
	}
}

func TestParseURL_UnsupportedScheme(t *testing.T) {
	if _, err := ParseURL("ftp://example.com/"); !errors.Is(err, ErrUnsupportedProtocol) {
		t.Fatalf("err=%v", err)
	}
}

func TestOriginEqual(t *testing.T) {
	a := Origin{"https", "Example.COM", 443}
	b := Origin{"https", "example.com", 443}
	if !a.Equal(b) {
		t.Fatal("host comparison should be case-insensitive")
	}
	if a.Equal(Origin{"http", "example.com", 443}) {
		t.Fatal("schemes differ")
	}
	if a.Equal(Origin{"https", "example.com", 8443}) {
		t.Fatal("ports differ")
	}
}

func TestURLOrigin_DefaultPorts(t *testing.T) {
	u := URL{Scheme: "https", Host: "example.com", Target: "/"}
	if got := u.Origin(); got.Port != 443 {
		t.Fatalf("origin=%+v", got)
	}
	u.Scheme = "http"
	if got := u.Origin(); got.Port != 80 {
		t.Fatalf("origin=%+v", got)
	}
}

func TestHostHeader(t *testing.T) {
	u := URL{Scheme: "https", Host: "example.com", Port: 443}
	if got := u.hostHeader(); got != "example.com" {
		t.Fatalf("hostHeader=%q, default port should be omitted", got)
	}
	u.Port = 8443
	if got := u.hostHeader(); got != "example.com:8443" {
		t.Fatalf("hostHeader=%q", got)
	}
}

func TestHeaderHelpers(t *testing.T) {
	headers := []Header{
		{"Set-Cookie", "a=1"},
		{"set-cookie", "b=2"},
		{"Connection", "keep-alive, Upgrade"},
	}
	if v, ok := headerValue(headers, "SET-COOKIE"); !ok || v != "a=1" {
		t.Fatalf("headerValue=%q ok=%v", v, ok)
	}
	if got := headerValues(headers, "Set-Cookie"); len(got) != 2 {
		t.Fatalf("headerValues=%v", got)
	}
	if !headerContainsToken(headers, "Connection", "upgrade") {
		t.Fatal("token match should be case-insensitive")
	}
	if headerContainsToken(headers, "Connection", "close") {
		t.Fatal("unexpected token match")
	}
}

func TestTraceSpanEvents(t *testing.T) {
	var events []string
	var infos []map[string]any
	trace := TraceFunc(func(event string, info map[string]any) {
		events = append(events, event)
		infos = append(infos, info)
	})
	done := trace.span("layer.step", map[string]any{"arg": 1})
	done("value", nil)
	done2 := trace.span("layer.other", nil)
	done2(nil, errors.New("boom"))

	want := []string{"layer.step.started", "layer.step.complete", "layer.other.started", "layer.other.failed"}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events=%v", events)
		}
	}
	if infos[1]["return_value"] != "value" {
		t.Fatalf("complete info=%v", infos[1])
	}
	if _, ok := infos[3]["exception"]; !ok {
		t.Fatalf("failed info=%v", infos[3])
	}
}

func TestNilTraceIsSafe(t *testing.T) {
	var trace TraceFunc
	done := trace.span("x", nil)
	done(nil, nil)
}
