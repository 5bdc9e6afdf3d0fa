package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/booking/booking/internal/platform/apperr"
)

// RequestTimeout puts a deadline on the request context. A handler that gives
// up because the deadline passed is answered with a 504 carrying a transient
// error body.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 {
				return next(c)
			}
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if !errors.Is(ctx.Err(), context.DeadlineExceeded) || c.Response().Committed {
				return err
			}
			return echo.NewHTTPError(http.StatusGatewayTimeout, &apperr.Error{
				Kind:    apperr.KindTransient,
				Message: "request processing exceeded the allowed time limit",
			}).SetInternal(err)
		}
	}
}
