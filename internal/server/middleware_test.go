package server

import (
	"crypto/tls"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"bitriver-vod/internal/observability/logging"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	policy, err := newCORSPolicy(CORSConfig{AllowedOrigins: []string{"https://player.example.com"}})
	if err != nil {
		t.Fatalf("newCORSPolicy: %v", err)
	}
	handler := corsMiddleware(policy, discardLogger(), okHandler())

	req := httptest.NewRequest(http.MethodGet, "/assets/a1/video/segment-0000.m4s", nil)
	req.Header.Set("Origin", "https://Player.Example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://Player.Example.com" {
		t.Fatalf("unexpected allow origin %q", got)
	}
	exposed := rec.Header().Get("Access-Control-Expose-Headers")
	for _, header := range []string{"Content-Range", "Accept-Ranges", "Content-Length"} {
		if !strings.Contains(exposed, header) {
			t.Fatalf("expected %s in exposed headers %q", header, exposed)
		}
	}
}

func TestCORSBlocksUnknownOrigin(t *testing.T) {
	policy, err := newCORSPolicy(CORSConfig{AllowedOrigins: []string{"https://player.example.com"}})
	if err != nil {
		t.Fatalf("newCORSPolicy: %v", err)
	}
	handler := corsMiddleware(policy, discardLogger(), okHandler())

	req := httptest.NewRequest(http.MethodGet, "http://api.example.com/api/assets", nil)
	req.Header.Set("Origin", "https://evil.example.net")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("blocked origin must not receive allow header")
	}
}

func TestCORSSameOriginAndWildcard(t *testing.T) {
	policy, err := newCORSPolicy(CORSConfig{})
	if err != nil {
		t.Fatalf("newCORSPolicy: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "http://api.example.com/api/assets", nil)
	req.Header.Set("Origin", "http://api.example.com")
	rec := httptest.NewRecorder()
	corsMiddleware(policy, discardLogger(), okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("same origin should pass, got %d", rec.Code)
	}

	wildcard, err := newCORSPolicy(CORSConfig{AllowedOrigins: []string{"*"}})
	if err != nil {
		t.Fatalf("newCORSPolicy: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/api/assets", nil)
	req.Header.Set("Origin", "https://anywhere.example.org")
	rec = httptest.NewRecorder()
	corsMiddleware(wildcard, discardLogger(), okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("wildcard should pass, got %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	policy, err := newCORSPolicy(CORSConfig{AllowedOrigins: []string{"https://player.example.com"}})
	if err != nil {
		t.Fatalf("newCORSPolicy: %v", err)
	}
	called := false
	handler := corsMiddleware(policy, discardLogger(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/assets/a1/manifest.mpd", nil)
	req.Header.Set("Origin", "https://player.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if called {
		t.Fatal("preflight must not reach the handler")
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, "Range") {
		t.Fatalf("expected Range in allowed headers, got %q", got)
	}
	if got := rec.Header().Get("Access-Control-Max-Age"); got != "600" {
		t.Fatalf("unexpected max age %q", got)
	}
}

func TestNewCORSPolicyRejectsMalformedOrigin(t *testing.T) {
	if _, err := newCORSPolicy(CORSConfig{AllowedOrigins: []string{"player.example.com"}}); err == nil {
		t.Fatal("expected error for origin without scheme")
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := logging.RequestIDFromContext(r.Context())
		if !ok {
			t.Error("request id missing from context")
		}
		seen = id
	})
	handler := requestIDMiddlewareWithGenerator(discardLogger(), func() string { return "generated-id" }, next)

	cases := []struct {
		name   string
		header string
		want   string
	}{
		{name: "generated", header: "", want: "generated-id"},
		{name: "propagated", header: "client-id-1", want: "client-id-1"},
		{name: "oversized", header: strings.Repeat("x", maxRequestIDLength+1), want: "generated-id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			if tc.header != "" {
				req.Header.Set("X-Request-Id", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if seen != tc.want {
				t.Fatalf("context id %q, want %q", seen, tc.want)
			}
			if got := rec.Header().Get("X-Request-Id"); got != tc.want {
				t.Fatalf("response id %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRequestContextCarriesAssetID(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{path: "/assets/abc-123/video/segment-0001.m4s", want: "abc-123"},
		{path: "/assets/abc-123/manifest.mpd", want: "abc-123"},
		{path: "/api/assets/abc-123/tokens", want: "abc-123"},
		{path: "/api/assets/abc-123", want: "abc-123"},
		{path: "/api/assets", want: ""},
		{path: "/assets/..%2Fetc/manifest.mpd", want: ""},
		{path: "/healthz", want: ""},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			var got string
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got, _ = logging.AssetIDFromContext(r.Context())
			})
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.URL.Path = tc.path
			requestIDMiddleware(discardLogger(), next).ServeHTTP(httptest.NewRecorder(), req)
			if got != tc.want {
				t.Fatalf("asset id %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNewRequestIDIsHex(t *testing.T) {
	id := newRequestID()
	if len(id) != 32 {
		t.Fatalf("expected 32 hex chars, got %q", id)
	}
	if id == newRequestID() {
		t.Fatal("expected distinct ids")
	}
}

func TestSecurityHeadersDefaults(t *testing.T) {
	handler := securityHeadersMiddleware(SecurityConfig{}, okHandler())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/assets", nil))

	want := map[string]string{
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'",
		"X-Frame-Options":         "DENY",
		"X-Content-Type-Options":  "nosniff",
		"Referrer-Policy":         "no-referrer",
	}
	for header, value := range want {
		if got := rec.Header().Get(header); got != value {
			t.Fatalf("%s = %q, want %q", header, got, value)
		}
	}
	if rec.Header().Get("Strict-Transport-Security") != "" {
		t.Fatal("HSTS must not be sent over plain HTTP")
	}
}

func TestSecurityHeadersOverrides(t *testing.T) {
	handler := securityHeadersMiddleware(SecurityConfig{
		FrameAncestors: "https://portal.example.com",
		HSTS:           "max-age=63072000",
	}, okHandler())
	req := httptest.NewRequest(http.MethodGet, "/api/assets", nil)
	req.TLS = &tls.ConnectionState{}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Content-Security-Policy"); !strings.Contains(got, "frame-ancestors https://portal.example.com") {
		t.Fatalf("unexpected CSP %q", got)
	}
	if got := rec.Header().Get("Strict-Transport-Security"); got != "max-age=63072000" {
		t.Fatalf("unexpected HSTS %q", got)
	}
}
