package db

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func newContext(target string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	return e.NewContext(req, httptest.NewRecorder())
}

func TestExtractTenantID_Precedence(t *testing.T) {
	c := newContext("/?tenant_id=from_query")
	c.Request().Header.Set("X-Tenant-ID", "from_header")
	c.Set("jwt_tenant_id", "from_jwt")
	if tid := extractTenantID(c, "default"); tid != "from_jwt" {
		t.Errorf("expected from_jwt, got %s", tid)
	}

	c = newContext("/?tenant_id=from_query")
	c.Request().Header.Set("X-Tenant-ID", "from_header")
	if tid := extractTenantID(c, "default"); tid != "from_header" {
		t.Errorf("expected from_header, got %s", tid)
	}

	c = newContext("/?tenant_id=from_query")
	if tid := extractTenantID(c, "default"); tid != "from_query" {
		t.Errorf("expected from_query, got %s", tid)
	}

	if tid := extractTenantID(newContext("/"), "default"); tid != "default" {
		t.Errorf("expected default, got %s", tid)
	}
}

func TestHeaderTenant(t *testing.T) {
	c := newContext("/")
	c.Request().Header.Set("X-Tenant-ID", "clinic_a")
	var seen string
	h := HeaderTenant("default")(func(c echo.Context) error {
		seen = TenantFromContext(c.Request().Context())
		return nil
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen != "clinic_a" {
		t.Errorf("expected clinic_a, got %q", seen)
	}
}

func TestHeaderTenant_RejectsInvalid(t *testing.T) {
	c := newContext("/")
	c.Request().Header.Set("X-Tenant-ID", "bad;drop schema")
	err := HeaderTenant("default")(func(echo.Context) error { return nil })(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestContextWithTenant(t *testing.T) {
	ctx := ContextWithTenant(context.Background(), "acme")
	if TenantFromContext(ctx) != "acme" {
		t.Error("expected tenant on context")
	}
	if ConnFromContext(ctx) != nil {
		t.Error("expected no pinned connection")
	}
	if SchemaName("acme") != "tenant_acme" {
		t.Errorf("unexpected schema name %s", SchemaName("acme"))
	}
}
