package middleware

import (
	"math"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"stream-relay-go/internal/config"
)

// RateLimit returns a per-IP rate limiter. Requests whose path is listed in
// exempt (health probes, scrapes) are never limited.
func RateLimit(cfg config.RateLimitConfig, exempt ...string) echo.MiddlewareFunc {
	skip := make(map[string]bool, len(exempt))
	for _, p := range exempt {
		skip[p] = true
	}

	store := echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
		Rate:  rate.Limit(cfg.RequestsPerSecond),
		Burst: int(math.Ceil(cfg.RequestsPerSecond)),
	})

	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Skipper: func(c echo.Context) bool {
			return skip[c.Request().URL.Path]
		},
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			return c.String(http.StatusTooManyRequests, "rate limit exceeded")
		},
	})
}
