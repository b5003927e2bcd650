// Package middleware provides Echo middleware for request logging, metrics,
// rate limiting and security headers.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Streams cut off mid-body are logged as aborted with the bytes sent so far.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			start := time.Now()
			completed := false

			defer func() {
				req := c.Request()
				res := c.Response()

				level := slog.LevelInfo
				if !completed || res.Status >= http.StatusInternalServerError {
					level = slog.LevelWarn
				}

				logger.Log(req.Context(), level, "request",
					"method", req.Method,
					"path", req.URL.Path,
					"status", res.Status,
					"duration_ms", time.Since(start).Milliseconds(),
					"request_id", res.Header().Get(echo.HeaderXRequestID),
					"remote_ip", c.RealIP(),
					"bytes_out", res.Size,
					"aborted", !completed,
				)
			}()

			err = next(c)
			completed = true
			return err
		}
	}
}
