package middleware

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/booking/booking/internal/platform/metrics"
)

// Metrics counts requests by route template, so path parameters do not
// explode the label set.
func Metrics(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			status := c.Response().Status
			if err != nil && !c.Response().Committed {
				status = http.StatusInternalServerError
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.HTTPRequest(c.Request().Method, route, strconv.Itoa(status))
			return err
		}
	}
}
