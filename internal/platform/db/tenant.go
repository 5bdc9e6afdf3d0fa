package db

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	TenantIDKey contextKey = "tenant_id"
	DBConnKey   contextKey = "db_conn"
)

const schemaPrefix = "tenant_"

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// ValidTenant reports whether id may be used to build a schema name.
func ValidTenant(id string) bool { return tenantIDPattern.MatchString(id) }

func SchemaName(tenantID string) string { return schemaPrefix + tenantID }

// TenantMiddleware pins a pooled connection to the request, scoped to the
// tenant's schema, and exposes both through the request context.
func TenantMiddleware(pool *pgxpool.Pool, defaultTenant string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID := extractTenantID(c, defaultTenant)
			if !ValidTenant(tenantID) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid tenant identifier")
			}

			err := WithTenant(c.Request().Context(), pool, tenantID, func(ctx context.Context) error {
				c.SetRequest(c.Request().WithContext(ctx))
				c.Set("tenant_id", tenantID)
				return next(c)
			})
			if err == errAcquire {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			if err == errSearchPath {
				return echo.NewHTTPError(http.StatusInternalServerError, "tenant resolution failed")
			}
			return err
		}
	}
}

// HeaderTenant resolves the tenant the same way as TenantMiddleware but
// without a database connection. It backs in-memory runs.
func HeaderTenant(defaultTenant string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID := extractTenantID(c, defaultTenant)
			if !ValidTenant(tenantID) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid tenant identifier")
			}
			c.SetRequest(c.Request().WithContext(ContextWithTenant(c.Request().Context(), tenantID)))
			c.Set("tenant_id", tenantID)
			return next(c)
		}
	}
}

func extractTenantID(c echo.Context, defaultTenant string) string {
	if tid, ok := c.Get("jwt_tenant_id").(string); ok && tid != "" {
		return tid
	}
	if tid := c.Request().Header.Get("X-Tenant-ID"); tid != "" {
		return tid
	}
	if tid := c.QueryParam("tenant_id"); tid != "" {
		return tid
	}
	return defaultTenant
}

var (
	errAcquire    = fmt.Errorf("acquire tenant connection")
	errSearchPath = fmt.Errorf("set tenant search_path")
)

// WithTenant runs fn with a connection whose search_path is the tenant's
// schema. Background workers use it where no request middleware ran.
func WithTenant(ctx context.Context, pool *pgxpool.Pool, tenantID string, fn func(ctx context.Context) error) error {
	if !ValidTenant(tenantID) {
		return fmt.Errorf("invalid tenant identifier: %s", tenantID)
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return errAcquire
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, shared, public", SchemaName(tenantID))); err != nil {
		return errSearchPath
	}
	defer func() {
		_, _ = conn.Exec(context.Background(), "RESET search_path")
	}()

	ctx = context.WithValue(ctx, TenantIDKey, tenantID)
	ctx = context.WithValue(ctx, DBConnKey, conn)
	return fn(ctx)
}

// ContextWithTenant tags ctx with a tenant without pinning a connection.
func ContextWithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// ConnFromContext retrieves the tenant-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

func TenantFromContext(ctx context.Context) string {
	tid, _ := ctx.Value(TenantIDKey).(string)
	return tid
}

// ListTenants returns the ids of every provisioned tenant schema.
func ListTenants(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	rows, err := pool.Query(ctx, `
		SELECT schema_name FROM information_schema.schemata
		WHERE schema_name LIKE 'tenant\_%' ORDER BY schema_name`)
	if err != nil {
		return nil, fmt.Errorf("list tenant schemas: %w", err)
	}
	defer rows.Close()
	var tenants []string
	for rows.Next() {
		var schema string
		if err := rows.Scan(&schema); err != nil {
			return nil, err
		}
		tenants = append(tenants, strings.TrimPrefix(schema, schemaPrefix))
	}
	return tenants, rows.Err()
}

// CreateTenantSchema creates the tenant's schema and, when migrationsDir is
// set, brings it up to date.
func CreateTenantSchema(ctx context.Context, pool *pgxpool.Pool, tenantID string, migrationsDir string) error {
	if !ValidTenant(tenantID) {
		return fmt.Errorf("invalid tenant identifier: %s", tenantID)
	}
	schema := SchemaName(tenantID)
	if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}
	if migrationsDir == "" {
		return nil
	}
	if _, err := NewMigrator(pool, migrationsDir).Up(ctx, schema); err != nil {
		return fmt.Errorf("run migrations for %s: %w", schema, err)
	}
	return nil
}
