package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"stream-relay-go/internal/client"
	"stream-relay-go/internal/config"
	"stream-relay-go/internal/metrics"
	"stream-relay-go/internal/service"
	"stream-relay-go/internal/tracing"
)

func testConfig(upstreamURL string) *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			URL:             upstreamURL,
			UserAgent:       "Mozilla/5.0",
			Accept:          "*/*",
			TimeoutSeconds:  5,
			IdleConnections: 10,
		},
		Relay: config.RelayConfig{
			Route:            "/proxy-stream",
			ContentType:      "video/mp4",
			ChunkSizeBytes:   4,
			FallbackMaxBytes: 1 << 20,
		},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

func newTestRelayHandler(cfg *config.Config, m *metrics.Metrics) *RelayHandler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	uc := client.NewUpstreamClient(cfg, logger, m)
	svc := service.NewRelayService(uc, cfg, logger, m, tracing.NoopProvider())
	return NewRelayHandler(svc, logger)
}

func serve(t *testing.T, h *RelayHandler, target string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	return rec
}

func TestRelayHandler_PrimaryStream(t *testing.T) {
	seen := make(chan *http.Request, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Clone(r.Context())
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("X-Upstream-Secret", "leak")
		_, _ = w.Write([]byte("first-chunk "))
		w.(http.Flusher).Flush()
		_, _ = w.Write([]byte("second-chunk"))
	}))
	defer upstream.Close()

	h := newTestRelayHandler(testConfig(upstream.URL), nil)
	rec := serve(t, h, "/proxy-stream?ignored=1")

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Body.String(); got != "first-chunk second-chunk" {
		t.Errorf("body = %q, want %q", got, "first-chunk second-chunk")
	}

	want := map[string]string{
		"Content-Type":                "video/mp4",
		"Access-Control-Allow-Origin": "*",
		"Cache-Control":               "no-cache",
		"Transfer-Encoding":           "chunked",
		"X-Upstream-Secret":           "",
	}
	for k, v := range want {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}

	r := <-seen
	if got := r.Header.Get("User-Agent"); got != "Mozilla/5.0" {
		t.Errorf("upstream User-Agent = %q, want %q", got, "Mozilla/5.0")
	}
	if got := r.Header.Get("Accept"); got != "*/*" {
		t.Errorf("upstream Accept = %q, want %q", got, "*/*")
	}
	if r.URL.RawQuery != "" {
		t.Errorf("upstream query = %q, inbound query must not be forwarded", r.URL.RawQuery)
	}
}

func TestRelayHandler_Fallback(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("opaque-body"))
	}))
	defer upstream.Close()

	h := newTestRelayHandler(testConfig(upstream.URL), nil)
	rec := serve(t, h, "/proxy-stream")

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Body.String(); got != "opaque-body" {
		t.Errorf("body = %q, want %q", got, "opaque-body")
	}
	if got := rec.Header().Get("Content-Type"); got != "video/mp4" {
		t.Errorf("Content-Type = %q, want %q", got, "video/mp4")
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "*")
	}
	for _, k := range []string{"Cache-Control", "Transfer-Encoding"} {
		if got := rec.Header().Get(k); got != "" {
			t.Errorf("%s = %q, want it absent on the fallback path", k, got)
		}
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("upstream calls = %d, want 2 (primary + one fallback)", n)
	}
}

func newRelayServer(t *testing.T, cfg *config.Config) *httptest.Server {
	t.Helper()
	e := echo.New()
	RegisterRoutes(e, cfg, newTestRelayHandler(cfg, nil), NewHealthHandler(cfg, "test"), nil)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv
}

func TestRelayHandler_FallbackSentUnchunked(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("buffered-payload"))
	}))
	defer upstream.Close()

	relay := newRelayServer(t, testConfig(upstream.URL))

	resp, err := http.Get(relay.URL + "/proxy-stream")
	if err != nil {
		t.Fatalf("GET relay: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if string(body) != "buffered-payload" {
		t.Errorf("body = %q, want %q", body, "buffered-payload")
	}
	if len(resp.TransferEncoding) != 0 {
		t.Errorf("TransferEncoding = %v, want none on the fallback path", resp.TransferEncoding)
	}
	if resp.ContentLength != int64(len("buffered-payload")) {
		t.Errorf("ContentLength = %d, want %d", resp.ContentLength, len("buffered-payload"))
	}
	if got := resp.Header.Get("Cache-Control"); got != "" {
		t.Errorf("Cache-Control = %q, want it absent on the fallback path", got)
	}
	if got := resp.Header.Get("Content-Type"); got != "video/mp4" {
		t.Errorf("Content-Type = %q, want %q", got, "video/mp4")
	}
}

func TestRelayHandler_EmptyUpstreamStreams(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	relay := newRelayServer(t, testConfig(upstream.URL))

	resp, err := http.Get(relay.URL + "/proxy-stream")
	if err != nil {
		t.Fatalf("GET relay: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	if resp.StatusCode != http.StatusOK || len(body) != 0 {
		t.Errorf("status = %d, body = %q; want 200 and empty", resp.StatusCode, body)
	}
	if got := resp.Header.Get("Cache-Control"); got != "no-cache" {
		t.Errorf("Cache-Control = %q, want %q", got, "no-cache")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("upstream calls = %d, want 1 (no fallback for an empty stream)", n)
	}
}

func TestRelayHandler_TotalFailure(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	deadURL := upstream.URL
	upstream.Close()

	h := newTestRelayHandler(testConfig(deadURL), nil)
	rec := serve(t, h, "/proxy-stream")

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "Erro: ") {
		t.Errorf("body = %q, want prefix %q", body, "Erro: ")
	}
	if !strings.Contains(body, "connect") {
		t.Errorf("body = %q, want the fallback failure message", body)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Access-Control-Allow-Origin = %q, want none on failure", got)
	}
}

func TestRelayHandler_RepeatedRequests(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("same bytes every time"))
	}))
	defer upstream.Close()

	h := newTestRelayHandler(testConfig(upstream.URL), nil)
	first := serve(t, h, "/proxy-stream").Body.String()
	second := serve(t, h, "/proxy-stream").Body.String()

	if first != "same bytes every time" || first != second {
		t.Errorf("bodies = %q and %q, want identical full payloads", first, second)
	}
}

func TestRelayHandler_AbortsOnMidStreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// Promise more than is sent so the connection ends early.
		w.Header().Set("Content-Length", "1000")
		_, _ = w.Write([]byte("partial"))
	}))
	defer upstream.Close()

	m := metrics.New("/proxy-stream")
	cfg := testConfig(upstream.URL)
	h := newTestRelayHandler(cfg, m)

	e := echo.New()
	e.GET(cfg.Relay.Route, h.Handle)
	relay := httptest.NewServer(e)
	defer relay.Close()

	resp, err := http.Get(relay.URL + "/proxy-stream")
	if err != nil {
		t.Fatalf("GET relay: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, err := io.ReadAll(resp.Body)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("read error = %v, want io.ErrUnexpectedEOF for an aborted stream", err)
	}
	if string(body) != "partial" {
		t.Errorf("body = %q, want the bytes relayed before the failure", body)
	}
	if got := testutil.ToFloat64(m.PumpErrors.WithLabelValues("read")); got != 1 {
		t.Errorf("pump_errors_total{op=read} = %v, want 1", got)
	}
}
