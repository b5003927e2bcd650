// Package client provides the upstream HTTP client for the relay.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"stream-relay-go/internal/config"
	"stream-relay-go/internal/metrics"
	"stream-relay-go/internal/model"
)

// UpstreamClient performs the primary (streaming) and fallback (buffered)
// fetches against the upstream origin.
type UpstreamClient struct {
	httpClient  *http.Client
	logger      *slog.Logger
	metrics     *metrics.Metrics
	timeout     time.Duration
	chunkSize   int
	maxBuffered int64
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
//
// No http.Client.Timeout is set: it would also bound the body read and cut
// off long-lived streams. The primary fetch is bounded up to
// response headers; the fallback fetch is bounded as a whole in FetchFallback.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	timeout := cfg.Upstream.Timeout()
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: timeout,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	chunkSize := cfg.Relay.ChunkSizeBytes
	if chunkSize <= 0 {
		chunkSize = 32 * 1024
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(transport),
		},
		logger:      logger.With("component", "upstream_client"),
		metrics:     m,
		timeout:     timeout,
		chunkSize:   chunkSize,
		maxBuffered: cfg.Relay.FallbackMaxBytes,
	}
}

// FetchPrimary issues the cors-mode GET and returns a chunked handle over the
// response body. Any failure is reported as *model.PrimaryFetchError; there
// are no retries at this layer. The caller must Close the handle.
func (c *UpstreamClient) FetchPrimary(ctx context.Context, target model.UpstreamTarget) (model.StreamHandle, error) {
	resp, err := c.get(ctx, target.WithMode(model.ModeCORS))
	if err != nil {
		return nil, &model.PrimaryFetchError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, &model.PrimaryFetchError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("upstream responded %s", resp.Status),
		}
	}
	// 204 and 205 carry no body at all. An empty 200 is still a readable
	// stream and relays as zero bytes.
	if resp.Body == nil || resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusResetContent {
		if resp.Body != nil {
			_ = resp.Body.Close()
		}
		return nil, &model.PrimaryFetchError{
			StatusCode: resp.StatusCode,
			Err:        errors.New("upstream response has no readable body"),
		}
	}

	return newChunkReader(resp.Body, c.chunkSize), nil
}

// FetchFallback issues the opaque-mode GET. Status and headers of an opaque
// response are not inspected; the whole body is buffered and returned.
// Failures are reported as *model.FallbackFetchError.
func (c *UpstreamClient) FetchFallback(ctx context.Context, target model.UpstreamTarget) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	// Opaque fetches are timed to the end of the body; that is when the
	// payload becomes usable.
	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(string(model.ModeOpaque)).Observe(time.Since(start).Seconds())
		}
	}()

	resp, err := c.get(ctx, target.WithMode(model.ModeOpaque))
	if err != nil {
		return nil, &model.FallbackFetchError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body := io.Reader(resp.Body)
	if c.maxBuffered > 0 {
		body = io.LimitReader(resp.Body, c.maxBuffered+1)
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, &model.FallbackFetchError{Err: fmt.Errorf("read opaque body: %w", err)}
	}
	if c.maxBuffered > 0 && int64(len(payload)) > c.maxBuffered {
		return nil, &model.FallbackFetchError{
			Err: fmt.Errorf("%w (%d bytes)", model.ErrFallbackTooLarge, c.maxBuffered),
		}
	}

	return payload, nil
}

// get executes a GET against the target carrying only the fixed target
// headers. The provided context controls the lifetime of the upstream
// request, including the body read: when the inbound request goes away the
// upstream transfer is aborted too.
func (c *UpstreamClient) get(ctx context.Context, target model.UpstreamTarget) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = target.Header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}

	c.logger.Debug("upstream request",
		"mode", target.Mode,
		"url", target.URL,
	)

	mode := string(target.Mode)
	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to the caller
	if err != nil {
		if c.metrics != nil && target.Mode == model.ModeCORS {
			c.metrics.UpstreamDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		if target.Mode == model.ModeCORS {
			c.metrics.UpstreamDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
		}
		c.metrics.UpstreamResponses.WithLabelValues(mode, strconv.Itoa(resp.StatusCode)).Inc()
	}

	return resp, nil
}
