package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Roles understood by the booking routes. RoleAdmin passes every check.
const (
	RoleAdmin     = "admin"
	RoleScheduler = "scheduler"
	RoleProvider  = "provider"
	RolePatient   = "patient"
)

// RequireRole passes callers holding any of roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasAnyRole(RolesFromContext(c.Request().Context()), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

func HasAnyRole(held []string, wanted ...string) bool {
	for _, has := range held {
		if has == RoleAdmin {
			return true
		}
		for _, w := range wanted {
			if has == w {
				return true
			}
		}
	}
	return false
}

// RequireScope checks for a "resource.operation" scope.
func RequireScope(resource, operation string) echo.MiddlewareFunc {
	required := resource + "." + operation
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, scope := range ScopesFromContext(c.Request().Context()) {
				if matchScope(scope, required) {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required scope: %s", required))
		}
	}
}

// matchScope reports whether granted covers required. Either half of the
// granted scope may be "*".
func matchScope(granted, required string) bool {
	if granted == required {
		return true
	}
	gRes, gOp, ok := strings.Cut(granted, ".")
	if !ok {
		return false
	}
	rRes, rOp, ok := strings.Cut(required, ".")
	if !ok {
		return false
	}
	return (gRes == "*" || gRes == rRes) && (gOp == "*" || gOp == rOp)
}
