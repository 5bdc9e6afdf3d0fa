package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// Check is a named dependency probe reported by HealthHandler.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

type CheckResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// RunChecks probes every dependency with a shared deadline. The database is
// always first.
func RunChecks(ctx context.Context, checks []Check) (map[string]CheckResult, bool) {
	results := make(map[string]CheckResult, len(checks))
	healthy := true
	for _, chk := range checks {
		if err := chk.Ping(ctx); err != nil {
			healthy = false
			results[chk.Name] = CheckResult{Status: "unhealthy", Error: err.Error()}
			continue
		}
		results[chk.Name] = CheckResult{Status: "healthy"}
	}
	return results, healthy
}

// HealthHandler reports the database pool plus any extra dependencies
// (cache, broker). Any failing probe turns the response into a 503.
func HealthHandler(pool *pgxpool.Pool, extra ...Check) echo.HandlerFunc {
	checks := append([]Check{{Name: "database", Ping: pool.Ping}}, extra...)
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		results, healthy := RunChecks(ctx, checks)
		body := map[string]interface{}{
			"status": "healthy",
			"checks": results,
			"pool":   GetPoolStats(pool),
		}
		if !healthy {
			body["status"] = "unhealthy"
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		return c.JSON(http.StatusOK, body)
	}
}
