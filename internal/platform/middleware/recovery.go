package middleware

import (
	"fmt"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/booking/booking/internal/platform/apperr"
)

func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				var stack [4096]byte
				n := runtime.Stack(stack[:], false)
				rid, _ := c.Get("request_id").(string)
				logger.Error().
					Str("request_id", rid).
					Str("panic", fmt.Sprint(r)).
					Str("stack", string(stack[:n])).
					Msg("panic recovered")

				err = apperr.ToHTTP(fmt.Errorf("panic: %v", r))
			}()
			return next(c)
		}
	}
}
