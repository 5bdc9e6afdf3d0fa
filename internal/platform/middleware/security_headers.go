package middleware

import (
	"github.com/labstack/echo/v4"
)

// varyOn lists the request headers that select which tenant's calendar a
// response describes.
var varyOn = []string{"Authorization", "X-Tenant-ID"}

// ResponseHeaders marks every response as uncacheable, tenant specific JSON.
// HSTS is only sent when the request arrived over https, directly or via a
// proxy that sets X-Forwarded-Proto.
func ResponseHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Cache-Control", "no-store")
			for _, v := range varyOn {
				h.Add(echo.HeaderVary, v)
			}
			if c.Scheme() == "https" {
				h.Set("Strict-Transport-Security", "max-age=31536000")
			}
			return next(c)
		}
	}
}
