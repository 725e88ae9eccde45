package origin

import (
	"net/http/httptest"
	"testing"
)

func TestNormalizeHeader(t *testing.T) {
	t.Run("normalizes scheme and host and drops default port", func(t *testing.T) {
		normalized, host, ok := NormalizeHeader("HTTPS://Example.COM:443")
		if !ok {
			t.Fatalf("expected ok=true")
		}
		if normalized != "https://example.com" {
			t.Fatalf("normalized=%q, want %q", normalized, "https://example.com")
		}
		if host != "example.com" {
			t.Fatalf("host=%q, want %q", host, "example.com")
		}
	})

	t.Run("allows trailing slash", func(t *testing.T) {
		normalized, host, ok := NormalizeHeader("http://localhost:5173/")
		if !ok {
			t.Fatalf("expected ok=true")
		}
		if normalized != "http://localhost:5173" || host != "localhost:5173" {
			t.Fatalf("normalized=%q host=%q", normalized, host)
		}
	})

	t.Run("brackets ipv6 hosts", func(t *testing.T) {
		normalized, host, ok := NormalizeHeader("http://[::1]:8080")
		if !ok {
			t.Fatalf("expected ok=true")
		}
		if normalized != "http://[::1]:8080" || host != "[::1]:8080" {
			t.Fatalf("normalized=%q host=%q", normalized, host)
		}
	})

	t.Run("allows null origin", func(t *testing.T) {
		normalized, host, ok := NormalizeHeader("null")
		if !ok || normalized != "null" || host != "" {
			t.Fatalf("NormalizeHeader(null)=(%q,%q,%v)", normalized, host, ok)
		}
	})

	t.Run("rejects malformed origins", func(t *testing.T) {
		cases := []string{
			"",
			"   ",
			"ftp://example.com",
			"https://example.com/path",
			"https://example.com/?q=1",
			"https://user@example.com",
			"https://example.com/#frag",
			"https://example.com:0",
			"https://example.com:99999",
			"http://::1",
			"http://[fe80::1%25eth0]:8080",
		}
		for _, c := range cases {
			if _, _, ok := NormalizeHeader(c); ok {
				t.Fatalf("expected ok=false for %q", c)
			}
		}
	})
}

func TestIsAllowed(t *testing.T) {
	tests := []struct {
		name        string
		origin      string
		requestHost string
		allowed     []string
		want        bool
	}{
		{name: "same host", origin: "http://localhost:8080", requestHost: "localhost:8080", want: true},
		{name: "same host default port", origin: "https://relay.example.com", requestHost: "relay.example.com:443", want: true},
		{name: "scheme ignored for same host", origin: "https://relay.example.com", requestHost: "relay.example.com", want: true},
		{name: "different host", origin: "http://evil.example.com", requestHost: "relay.example.com", want: false},
		{name: "different port", origin: "http://localhost:5173", requestHost: "localhost:8080", want: false},
		{name: "null never same host", origin: "null", requestHost: "localhost", want: false},
		{name: "allowlist hit", origin: "http://localhost:5173", requestHost: "relay", allowed: []string{"http://localhost:5173"}, want: true},
		{name: "allowlist miss", origin: "http://localhost:5174", requestHost: "localhost:5174", allowed: []string{"http://localhost:5173"}, want: false},
		{name: "wildcard", origin: "https://anything.example", requestHost: "relay", allowed: []string{"*"}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			normalized, host, ok := NormalizeHeader(tt.origin)
			if !ok {
				t.Fatalf("NormalizeHeader(%q) failed", tt.origin)
			}
			if got := IsAllowed(normalized, host, tt.requestHost, tt.allowed); got != tt.want {
				t.Fatalf("IsAllowed=%v, want %v", got, tt.want)
			}
		})
	}
}

func TestCheckRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "http://relay.example.com/signal", nil)
	if !CheckRequest(req, nil) {
		t.Fatalf("request without Origin should pass")
	}

	req.Header.Set("Origin", "https://evil.example.com")
	if CheckRequest(req, nil) {
		t.Fatalf("cross-origin request passed same-host policy")
	}
	if !CheckRequest(req, []string{"*"}) {
		t.Fatalf("wildcard policy rejected request")
	}

	req.Header.Set("Origin", "not a url")
	if CheckRequest(req, []string{"*"}) {
		t.Fatalf("malformed Origin should be rejected")
	}
}
