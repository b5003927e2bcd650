package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"stream-relay-go/internal/model"
	"stream-relay-go/internal/service"
)

// RelayHandler serves the fixed relay route.
type RelayHandler struct {
	service *service.RelayService
	logger  *slog.Logger
}

// NewRelayHandler creates a RelayHandler.
func NewRelayHandler(svc *service.RelayService, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{
		service: svc,
		logger:  logger.With("component", "relay_handler"),
	}
}

// Handle relays the configured upstream to the caller. Query string and
// request headers are ignored: every request fetches the same target.
func (h *RelayHandler) Handle(c echo.Context) error {
	req := c.Request()

	sess := h.service.NewSession(req.Context(), model.RelayRequest{
		Method: req.Method,
		Path:   req.URL.Path,
	})
	defer sess.Finish()

	env, err := sess.Open()
	if err != nil {
		return err
	}

	if env.Kind == model.BodyError {
		return c.String(env.Status, env.ErrorText)
	}

	resp := c.Response()
	for key, vals := range env.Header {
		for _, v := range vals {
			resp.Header().Add(key, v)
		}
	}
	resp.WriteHeader(env.Status)

	if err := sess.Deliver(resp); err != nil {
		h.logDeliveryError(sess, err)
		// Status is already sent. Abort the connection so the caller sees a
		// truncated body rather than a clean end of stream.
		panic(http.ErrAbortHandler)
	}

	return nil
}

func (h *RelayHandler) logDeliveryError(sess *service.Session, err error) {
	var pe *model.PumpError
	if errors.Is(err, context.Canceled) || (errors.As(err, &pe) && pe.Op == "write") {
		h.logger.Info("caller went away mid-stream",
			"session_id", sess.ID,
			"bytes", sess.Written(),
			"err", err,
		)
		return
	}
	h.logger.Error("upstream stream interrupted",
		"session_id", sess.ID,
		"bytes", sess.Written(),
		"err", err,
	)
}
