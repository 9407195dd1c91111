package netutil

import (
	"net/http/httptest"
	"testing"
)

func TestNormalizeHost(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"Example.COM:443":      "example.com",
		" example.com. ":       "example.com",
		"[2001:db8::1]:8443":   "2001:db8::1",
		"2001:db8::1":          "2001:db8::1",
		"localhost:10443":      "localhost",
		"sub.test.EXAMPLE.com": "sub.test.example.com",
	}

	for in, want := range tests {
		if got := NormalizeHost(in); got != want {
			t.Fatalf("NormalizeHost(%q): got %q, want %q", in, got, want)
		}
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest("GET", "/ws", nil)
	req.RemoteAddr = "203.0.113.7:51234"
	req.Header.Set("X-Forwarded-For", "198.51.100.1")
	if got := ClientIP(req); got != "203.0.113.7" {
		t.Fatalf("ClientIP: got %q", got)
	}

	req.RemoteAddr = "[2001:db8::2]:443"
	if got := ClientIP(req); got != "2001:db8::2" {
		t.Fatalf("ClientIP ipv6: got %q", got)
	}
}

func TestWebSocketURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		base string
		want string
	}{
		{base: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080/ws"},
		{base: "https://relay.example.com/", want: "wss://relay.example.com/ws"},
		{base: "wss://relay.example.com/ws?x=1", want: "wss://relay.example.com/ws"},
	}
	for _, tt := range tests {
		got, err := WebSocketURL(tt.base, "/ws")
		if err != nil {
			t.Fatalf("WebSocketURL(%q): %v", tt.base, err)
		}
		if got != tt.want {
			t.Fatalf("WebSocketURL(%q): got %q, want %q", tt.base, got, tt.want)
		}
	}

	if _, err := WebSocketURL("ftp://example.com", "/ws"); err == nil {
		t.Fatal("expected unsupported scheme error")
	}
}

func TestHTTPURL(t *testing.T) {
	t.Parallel()

	got, err := HTTPURL("wss://relay.example.com/ws")
	if err != nil {
		t.Fatal(err)
	}
	if got != "https://relay.example.com" {
		t.Fatalf("HTTPURL: got %q", got)
	}
}
