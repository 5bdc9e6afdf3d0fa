package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

const defaultJWKSCacheTTL = 5 * time.Minute

var discoveryClient = &http.Client{Timeout: 10 * time.Second}

// OIDCProvider holds the parts of an issuer's discovery document that token
// validation needs.
type OIDCProvider struct {
	Issuer          string   `json:"issuer"`
	JWKSURI         string   `json:"jwks_uri"`
	ScopesSupported []string `json:"scopes_supported"`
	SigningAlgs     []string `json:"id_token_signing_alg_values_supported"`
}

// NewOIDCProvider loads <issuer>/.well-known/openid-configuration.
func NewOIDCProvider(ctx context.Context, issuerURL string) (*OIDCProvider, error) {
	discoveryURL := strings.TrimRight(issuerURL, "/") + "/.well-known/openid-configuration"
	var provider OIDCProvider
	if err := getJSON(ctx, discoveryURL, &provider); err != nil {
		return nil, fmt.Errorf("OIDC discovery: %w", err)
	}
	if provider.JWKSURI == "" {
		return nil, fmt.Errorf("OIDC discovery document missing jwks_uri")
	}
	return &provider, nil
}

func (p *OIDCProvider) JWKSKeyFunc() jwt.Keyfunc {
	return NewJWKSCache(p.JWKSURI, defaultJWKSCacheTTL).KeyFunc()
}

func (p *OIDCProvider) SupportsScope(scope string) bool {
	for _, s := range p.ScopesSupported {
		if s == scope {
			return true
		}
	}
	return false
}

type JWKSKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type JWKSResponse struct {
	Keys []JWKSKey `json:"keys"`
}

// JWKSCache keeps the RSA keys of a JWKS endpoint. An unknown kid or an
// expired set triggers a refetch; concurrent refetches share one request.
type JWKSCache struct {
	url    string
	ttl    time.Duration
	client *http.Client
	group  singleflight.Group

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

func NewJWKSCache(jwksURL string, ttl time.Duration) *JWKSCache {
	return &JWKSCache{
		url:    jwksURL,
		ttl:    ttl,
		client: discoveryClient,
		keys:   map[string]*rsa.PublicKey{},
	}
}

func (c *JWKSCache) GetKey(kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	fresh := time.Since(c.fetchedAt) <= c.ttl
	c.mu.RUnlock()
	if ok && fresh {
		return key, nil
	}

	if _, err, _ := c.group.Do("refresh", func() (interface{}, error) { return nil, c.refresh() }); err != nil {
		return nil, fmt.Errorf("fetching JWKS: %w", err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if key, ok = c.keys[kid]; !ok {
		return nil, fmt.Errorf("key with kid %q not found in JWKS", kid)
	}
	return key, nil
}

// KeyFunc resolves the token's kid against the cached key set.
func (c *JWKSCache) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token has no kid header")
		}
		return c.GetKey(kid)
	}
}

func (c *JWKSCache) refresh() error {
	if c.url == "" {
		return fmt.Errorf("no JWKS URL configured")
	}
	var set JWKSResponse
	ctx, cancel := context.WithTimeout(context.Background(), c.client.Timeout)
	defer cancel()
	if err := getJSONWith(ctx, c.client, c.url, &set); err != nil {
		return err
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" {
			continue
		}
		// skip malformed keys
		if pub, err := parseRSAPublicKey(k); err == nil {
			keys[k.Kid] = pub
		}
	}

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return nil
}

func parseRSAPublicKey(k JWKSKey) (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(new(big.Int).SetBytes(e).Int64())}, nil
}

func getJSON(ctx context.Context, url string, out interface{}) error {
	return getJSONWith(ctx, discoveryClient, url, out)
}

func getJSONWith(ctx context.Context, client *http.Client, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
