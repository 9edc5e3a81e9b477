package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"bitriver-vod/internal/api"
	"bitriver-vod/internal/auth"
	"bitriver-vod/internal/delivery"
	"bitriver-vod/internal/ingest"
	"bitriver-vod/internal/keys"
	"bitriver-vod/internal/models"
	"bitriver-vod/internal/observability/metrics"
	"bitriver-vod/internal/storage"
)

const (
	testSecret   = "0123456789abcdef0123456789abcdef-server"
	testAdminKey = "server-admin-key"
)

type rejectingIngester struct{}

func (rejectingIngester) Accept(context.Context, ingest.AcceptRequest) (models.Asset, error) {
	return models.Asset{}, ingest.ErrQueueFull
}

type testServer struct {
	server   *Server
	recorder *metrics.Recorder
}

func newTestServer(t *testing.T, rateLimit RateLimitConfig) *testServer {
	t.Helper()
	dir := t.TempDir()
	registry, err := storage.NewJSONRegistry(filepath.Join(dir, "registry.json"))
	if err != nil {
		t.Fatalf("NewJSONRegistry: %v", err)
	}
	tokens, err := auth.NewTokenService(auth.TokenConfig{Secret: []byte(testSecret), TTL: time.Hour})
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	deriver, err := keys.NewDeriver([]byte(testSecret), keys.WithIterations(1000))
	if err != nil {
		t.Fatalf("NewDeriver: %v", err)
	}
	logger := discardLogger()
	recorder := metrics.New()

	apiHandler, err := api.NewHandler(api.HandlerConfig{
		Ingest:   rejectingIngester{},
		Assets:   registry,
		Tokens:   tokens,
		AdminKey: testAdminKey,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	deliveryServer, err := delivery.New(delivery.Config{
		Tokens:     tokens,
		Keys:       deriver,
		Assets:     registry,
		AssetsRoot: filepath.Join(dir, "assets"),
		Metrics:    recorder,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("delivery.New: %v", err)
	}
	srv, err := New(Config{
		Addr:      "127.0.0.1:0",
		API:       apiHandler,
		Delivery:  deliveryServer,
		RateLimit: rateLimit,
		CORS:      CORSConfig{AllowedOrigins: []string{"https://player.example.com"}},
		Metrics:   recorder,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	return &testServer{server: srv, recorder: recorder}
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServerHealthzCarriesMiddlewareHeaders(t *testing.T) {
	ts := newTestServer(t, RateLimitConfig{})
	rec := ts.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected request id header")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("expected security headers")
	}
}

func TestServerMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, RateLimitConfig{})
	ts.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `bitriver_vod_http_requests_total{method="GET",path="/healthz",status="200"} 1`) {
		t.Fatalf("healthz request missing from metrics:\n%s", rec.Body.String())
	}
}

func TestServerUnknownRouteIsJSON(t *testing.T) {
	ts := newTestServer(t, RateLimitConfig{})
	rec := ts.do(httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		t.Fatalf("unexpected content type %q", rec.Header().Get("Content-Type"))
	}
}

func TestServerDeliveryRequiresTokenAndExposesRangeHeaders(t *testing.T) {
	ts := newTestServer(t, RateLimitConfig{})
	req := httptest.NewRequest(http.MethodGet, "/assets/a1/video/segment-0000.m4s", nil)
	req.Header.Set("Origin", "https://player.example.com")
	rec := ts.do(req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Expose-Headers"), "Content-Range") {
		t.Fatal("expected Content-Range to be exposed")
	}
	if got := ts.recorder.TokenCheckCounts()["missing"]; got != 1 {
		t.Fatalf("expected one missing token check, got %d", got)
	}
}

func TestServerLimitsSessionIssuance(t *testing.T) {
	ts := newTestServer(t, RateLimitConfig{IssueLimit: 1, IssueWindow: time.Minute})

	newRequest := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/api/sessions", strings.NewReader(`{"subjectId":"viewer-1"}`))
		req.Header.Set("Authorization", "Bearer "+testAdminKey)
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "198.51.100.7:5000"
		return req
	}

	if rec := ts.do(newRequest()); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	rec := ts.do(newRequest())
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After")
	}
}

func TestServerRunServesAndShutsDown(t *testing.T) {
	ts := newTestServer(t, RateLimitConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan net.Addr, 1)
	done := make(chan error, 1)
	go func() { done <- ts.server.Run(ctx, ready) }()

	addr, ok := <-ready
	if !ok {
		t.Fatalf("server did not start: %v", <-done)
	}
	resp, err := http.Get("http://" + addr.String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestNewRequiresHandlers(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without handlers")
	}
}
