package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Logger writes one line per request and hands handlers a request-scoped
// logger through zerolog.Ctx.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			rid, _ := c.Get("request_id").(string)

			reqLogger := logger.With().Str("request_id", rid).Logger()
			c.SetRequest(req.WithContext(reqLogger.WithContext(req.Context())))

			err := next(c)
			if err != nil {
				// let the error handler pick the status before it is logged
				c.Error(err)
			}

			status := c.Response().Status
			evt := reqLogger.Info()
			switch {
			case status >= 500:
				evt = reqLogger.Error().Err(err)
			case status >= 400:
				evt = reqLogger.Warn().Err(err)
			}
			tenant, _ := c.Get("tenant_id").(string)
			evt.
				Str("tenant", tenant).
				Str("method", req.Method).
				Str("route", c.Path()).
				Str("path", req.URL.Path).
				Int("status", status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")
			return nil
		}
	}
}
