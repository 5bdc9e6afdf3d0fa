package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type contextKey string

const (
	UserIDKey     contextKey = "user_id"
	UserRolesKey  contextKey = "user_roles"
	UserScopesKey contextKey = "user_scopes"
)

// Claims carried by access tokens. Scopes use the "resource.operation"
// form, e.g. "reservation.write" or "*.read".
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles"`
	Scopes   []string `json:"scopes"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey switches validation to HS256 with a shared secret.
	SigningKey []byte
	Skipper    middleware.Skipper
}

// DevIdentity is what DevAuthMiddleware attaches to anonymous requests.
var DevIdentity = struct {
	UserID string
	Roles  []string
	Scopes []string
}{"dev-user", []string{"admin"}, []string{"*.*"}}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	keyFunc := resolveKeyFunc(cfg)
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256", "HS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}
			tokenStr, err := bearerToken(c.Request())
			if err != nil {
				return err
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, keyFunc, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			c.Set("jwt_tenant_id", claims.TenantID)
			c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), claims.Subject, claims.Roles, claims.Scopes)))
			return next(c)
		}
	}
}

// resolveKeyFunc prefers the shared secret, then an explicit JWKS URL, then
// the jwks_uri advertised by the issuer's discovery document.
func resolveKeyFunc(cfg JWTConfig) jwt.Keyfunc {
	if len(cfg.SigningKey) > 0 {
		return func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrTokenUnverifiable
			}
			return cfg.SigningKey, nil
		}
	}
	jwksURL := cfg.JWKSURL
	if jwksURL == "" && cfg.Issuer != "" {
		if provider, err := NewOIDCProvider(context.Background(), cfg.Issuer); err == nil {
			jwksURL = provider.JWKSURI
		}
	}
	return NewJWKSCache(jwksURL, defaultJWKSCacheTTL).KeyFunc()
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
	}
	return token, nil
}

// DevAuthMiddleware treats every anonymous request as DevIdentity. The
// tenant is left to the tenant middleware (X-Tenant-ID or the default).
func DevAuthMiddleware(skippers ...middleware.Skipper) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, skip := range skippers {
				if skip != nil && skip(c) {
					return next(c)
				}
			}
			if c.Request().Header.Get("Authorization") == "" {
				ctx := WithIdentity(c.Request().Context(), DevIdentity.UserID, DevIdentity.Roles, DevIdentity.Scopes)
				c.SetRequest(c.Request().WithContext(ctx))
			}
			return next(c)
		}
	}
}

// WithIdentity attaches a caller to ctx the way the auth middlewares do.
func WithIdentity(ctx context.Context, userID string, roles, scopes []string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	ctx = context.WithValue(ctx, UserRolesKey, roles)
	return context.WithValue(ctx, UserScopesKey, scopes)
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}

func ScopesFromContext(ctx context.Context) []string {
	scopes, _ := ctx.Value(UserScopesKey).([]string)
	return scopes
}
