package middleware

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/booking/booking/internal/platform/apperr"
)

// BodyLimit caps request bodies at limit ("64K", "1M", or a byte count).
// Content-Length is checked up front and the body reader enforces the same
// cap when the header is missing or wrong.
func BodyLimit(limit string) echo.MiddlewareFunc {
	maxBytes := parseLimit(limit)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}
			if req.ContentLength > maxBytes {
				return tooLarge(maxBytes)
			}
			req.Body = &limitedReadCloser{ReadCloser: req.Body, remaining: maxBytes, limit: maxBytes}
			return next(c)
		}
	}
}

type limitedReadCloser struct {
	io.ReadCloser
	remaining int64
	limit     int64
}

func (r *limitedReadCloser) Read(p []byte) (int, error) {
	if r.remaining < 0 {
		return 0, tooLarge(r.limit)
	}
	if int64(len(p)) > r.remaining+1 {
		p = p[:r.remaining+1]
	}
	n, err := r.ReadCloser.Read(p)
	r.remaining -= int64(n)
	if r.remaining < 0 {
		return 0, tooLarge(r.limit)
	}
	return n, err
}

func tooLarge(limit int64) error {
	return echo.NewHTTPError(http.StatusRequestEntityTooLarge, &apperr.Error{
		Kind:    apperr.KindValidation,
		Message: fmt.Sprintf("request body exceeds %d bytes", limit),
	})
}

// parseLimit understands K, M and G suffixes (with an optional B). Anything
// unparseable falls back to 1M.
func parseLimit(s string) int64 {
	const fallback = 1 << 20
	s = strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(s)), "B")
	if s == "" {
		return fallback
	}
	shift := 0
	switch s[len(s)-1] {
	case 'K':
		shift = 10
	case 'M':
		shift = 20
	case 'G':
		shift = 30
	}
	if shift > 0 {
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return fallback
	}
	return n << shift
}
