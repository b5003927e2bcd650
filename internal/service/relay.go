// Package service implements the core relay logic: primary streaming fetch,
// opaque fallback, chunk pumping and response composition.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"stream-relay-go/internal/config"
	"stream-relay-go/internal/metrics"
	"stream-relay-go/internal/model"
	"stream-relay-go/internal/tracing"
)

// Fetcher performs the two upstream strategies.
type Fetcher interface {
	FetchPrimary(ctx context.Context, target model.UpstreamTarget) (model.StreamHandle, error)
	FetchFallback(ctx context.Context, target model.UpstreamTarget) ([]byte, error)
}

// RelayService opens relay sessions against the configured upstream target.
// It holds no per-request state; sessions only share the immutable target.
type RelayService struct {
	fetcher     Fetcher
	target      model.UpstreamTarget
	contentType string
	logger      *slog.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
}

// NewRelayService creates a RelayService. The metrics parameter is optional.
func NewRelayService(f Fetcher, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, tp *tracing.Provider) *RelayService {
	if tp == nil {
		tp = tracing.NoopProvider()
	}
	return &RelayService{
		fetcher:     f,
		target:      cfg.Target(),
		contentType: cfg.Relay.ContentType,
		logger:      logger.With("component", "relay_service"),
		metrics:     m,
		tracer:      tp.Tracer,
	}
}

// Session is one in-flight relay operation. It is used by a single goroutine
// and exclusively owns the upstream handle it obtains.
type Session struct {
	ID string

	svc    *RelayService
	ctx    context.Context
	span   trace.Span
	logger *slog.Logger
	start  time.Time

	state    model.SessionState
	envelope *model.ResponseEnvelope
	written  int64
	finished bool
}

// NewSession creates a session in state INIT for the given inbound request.
// ctx must be the inbound request context: cancelling it aborts upstream I/O.
// Callers must call Finish when the response is complete.
func (s *RelayService) NewSession(ctx context.Context, req model.RelayRequest) *Session {
	id := uuid.NewString()
	ctx, span := s.tracer.Start(ctx, tracing.SpanSession,
		trace.WithAttributes(
			tracing.SessionAttr(id),
			attribute.String(tracing.AttrUpstream, s.target.URL),
		),
	)

	logger := s.logger.With("session_id", id, "path", req.Path)
	if attrs := tracing.LogAttrs(ctx); attrs != nil {
		logger = logger.With(attrs...)
	}

	if s.metrics != nil {
		s.metrics.SessionsActive.Inc()
	}

	return &Session{
		ID:     id,
		svc:    s,
		ctx:    ctx,
		span:   span,
		logger: logger,
		start:  time.Now(),
		state:  model.StateInit,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() model.SessionState { return s.state }

// Written returns the number of body bytes delivered so far.
func (s *Session) Written() int64 { return s.written }

func (s *Session) transition(to model.SessionState) error {
	if !model.CanTransition(s.state, to) {
		return fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, s.state, to)
	}
	s.logger.Debug("session state", "from", s.state.String(), "to", to.String())
	s.state = to
	return nil
}

// Open runs the fetch strategy and returns the composed envelope. The
// fallback is attempted exactly once, and only when the primary fetch fails.
// Open must be called once per session.
func (s *Session) Open() (*model.ResponseEnvelope, error) {
	if s.envelope != nil || s.state != model.StateInit {
		return nil, fmt.Errorf("open session %s: %w", s.ID, model.ErrInvalidTransition)
	}

	handle, err := s.fetchPrimary()
	if err == nil {
		if terr := s.transition(model.StateStreaming); terr != nil {
			_ = handle.Close()
			return nil, terr
		}
		s.envelope = ComposeStream(handle, s.svc.contentType)
		s.recordOutcome(metrics.OutcomeStream)
		return s.envelope, nil
	}

	s.logger.Warn("primary fetch failed, trying opaque fallback", "err", err)

	payload, ferr := s.fetchFallback()
	if ferr != nil {
		_ = s.transition(model.StateFailed)
		s.logger.Error("fallback fetch failed", "err", ferr)
		tracing.SetSpanError(s.span, ferr)
		s.envelope = ComposeError(ferr)
		s.recordOutcome(metrics.OutcomeError)
		return s.envelope, nil
	}

	_ = s.transition(model.StateStreaming)
	s.envelope = ComposeBuffered(payload, s.svc.contentType)
	s.recordOutcome(metrics.OutcomeFallback)
	return s.envelope, nil
}

func (s *Session) fetchPrimary() (model.StreamHandle, error) {
	ctx, span := s.svc.tracer.Start(s.ctx, tracing.SpanPrimary,
		trace.WithAttributes(tracing.ModeAttr(string(model.ModeCORS))))
	defer span.End()

	h, err := s.svc.fetcher.FetchPrimary(ctx, s.svc.target)
	tracing.SetSpanError(span, err)
	return h, err
}

func (s *Session) fetchFallback() ([]byte, error) {
	ctx, span := s.svc.tracer.Start(s.ctx, tracing.SpanFallback,
		trace.WithAttributes(tracing.ModeAttr(string(model.ModeOpaque))))
	defer span.End()

	payload, err := s.svc.fetcher.FetchFallback(ctx, s.svc.target.WithMode(model.ModeOpaque))
	if err != nil {
		tracing.SetSpanError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int(tracing.AttrBytes, len(payload)))
	return payload, nil
}

// Deliver writes the envelope body to sink: the pump for a stream, a single
// unflushed write for a buffered payload. Headers must already be committed
// by the caller. On success the session is CLOSED; on error it is FAILED and the
// error is a *model.PumpError.
func (s *Session) Deliver(sink Sink) error {
	if s.state != model.StateStreaming || s.envelope == nil {
		return fmt.Errorf("deliver session %s in state %s: %w", s.ID, s.state, model.ErrInvalidTransition)
	}

	var (
		err  error
		mode model.Mode
	)
	switch s.envelope.Kind {
	case model.BodyStream:
		mode = model.ModeCORS
		ctx, span := s.svc.tracer.Start(s.ctx, tracing.SpanPump)
		s.written, err = Pump(ctx, s.envelope.Stream, sink)
		span.SetAttributes(attribute.Int64(tracing.AttrBytes, s.written))
		tracing.SetSpanError(span, err)
		span.End()
		// Release the upstream reader as soon as the stream ends, whatever
		// the reason.
		_ = s.envelope.Stream.Close()
	case model.BodyBuffered:
		mode = model.ModeOpaque
		var n int
		n, err = sink.Write(s.envelope.Payload)
		s.written = int64(n)
		if err != nil {
			err = &model.PumpError{Op: "write", Written: s.written, Err: err}
		}
	default:
		return fmt.Errorf("deliver session %s: envelope kind %s has no body to deliver", s.ID, s.envelope.Kind)
	}

	if s.svc.metrics != nil {
		s.svc.metrics.RelayBytes.WithLabelValues(string(mode)).Add(float64(s.written))
	}

	if err != nil {
		_ = s.transition(model.StateFailed)
		var pe *model.PumpError
		if s.svc.metrics != nil && errors.As(err, &pe) {
			s.svc.metrics.PumpErrors.WithLabelValues(pe.Op).Inc()
		}
		tracing.SetSpanError(s.span, err)
		return err
	}

	return s.transition(model.StateClosed)
}

// Finish releases everything the session still holds. It is safe to call
// more than once and must be called on every path, including panics.
func (s *Session) Finish() {
	if s.finished {
		return
	}
	s.finished = true

	if s.envelope != nil && s.envelope.Stream != nil {
		_ = s.envelope.Stream.Close()
	}

	outcome := "none"
	if s.envelope != nil {
		outcome = s.envelope.Kind.String()
	}
	s.span.SetAttributes(
		attribute.String(tracing.AttrOutcome, outcome),
		attribute.Int64(tracing.AttrBytes, s.written),
	)
	s.span.End()

	if s.svc.metrics != nil {
		s.svc.metrics.SessionsActive.Dec()
	}

	s.logger.Info("relay session finished",
		"state", s.state.String(),
		"outcome", outcome,
		"bytes", s.written,
		"duration_ms", time.Since(s.start).Milliseconds(),
	)
}

func (s *Session) recordOutcome(outcome string) {
	if s.svc.metrics != nil {
		s.svc.metrics.RelayOutcomes.WithLabelValues(outcome).Inc()
	}
}
