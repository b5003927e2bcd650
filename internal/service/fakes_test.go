package service

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"

	"stream-relay-go/internal/config"
	"stream-relay-go/internal/metrics"
	"stream-relay-go/internal/model"
	"stream-relay-go/internal/tracing"
)

// sliceHandle replays fixed chunks, then returns end (io.EOF when nil).
type sliceHandle struct {
	mu     sync.Mutex
	chunks [][]byte
	end    error
	next   int
	closed int
}

func newSliceHandle(end error, chunks ...string) *sliceHandle {
	h := &sliceHandle{end: end}
	for _, c := range chunks {
		h.chunks = append(h.chunks, []byte(c))
	}
	return h
}

func (h *sliceHandle) Next() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.next < len(h.chunks) {
		c := h.chunks[h.next]
		h.next++
		return c, nil
	}
	h.next++
	if h.end != nil {
		return nil, h.end
	}
	return nil, io.EOF
}

func (h *sliceHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
	return nil
}

func (h *sliceHandle) calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.next
}

// bufferSink collects written bytes and can fail after a number of writes.
type bufferSink struct {
	buf         bytes.Buffer
	writes      int
	flushes     int
	failAfter   int // 0 disables
	failWithErr error
}

func (s *bufferSink) Write(p []byte) (int, error) {
	if s.failAfter > 0 && s.writes >= s.failAfter {
		return 0, s.failWithErr
	}
	s.writes++
	return s.buf.Write(p)
}

func (s *bufferSink) Flush() { s.flushes++ }

// fakeFetcher scripts the primary and fallback outcomes and counts calls.
type fakeFetcher struct {
	mu sync.Mutex

	primary  func() (model.StreamHandle, error)
	fallback func() ([]byte, error)

	primaryCalls   int
	fallbackCalls  int
	primaryTarget  model.UpstreamTarget
	fallbackTarget model.UpstreamTarget
}

func (f *fakeFetcher) FetchPrimary(_ context.Context, target model.UpstreamTarget) (model.StreamHandle, error) {
	f.mu.Lock()
	f.primaryCalls++
	f.primaryTarget = target
	f.mu.Unlock()
	return f.primary()
}

func (f *fakeFetcher) FetchFallback(_ context.Context, target model.UpstreamTarget) ([]byte, error) {
	f.mu.Lock()
	f.fallbackCalls++
	f.fallbackTarget = target
	f.mu.Unlock()
	return f.fallback()
}

func testConfig() *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			URL:       "http://upstream.test/live",
			UserAgent: "Mozilla/5.0",
			Accept:    "*/*",
		},
		Relay: config.RelayConfig{
			Route:       "/proxy-stream",
			ContentType: "video/mp4",
		},
	}
}

func newTestService(f Fetcher, m *metrics.Metrics) *RelayService {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRelayService(f, testConfig(), logger, m, tracing.NoopProvider())
}
