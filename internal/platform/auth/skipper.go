package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// AuthSkipper lets health checks and scrapers read /health, /health/db and /metrics
// without a token or tenant. Only GET and HEAD are let through, and matching
// is on the route path, so it must run after routing.
func AuthSkipper(c echo.Context) bool {
	switch c.Request().Method {
	case http.MethodGet, http.MethodHead:
	default:
		return false
	}
	switch c.Path() {
	case "/health", "/health/db", "/metrics":
		return true
	}
	return false
}
