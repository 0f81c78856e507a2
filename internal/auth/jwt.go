// Package auth implements bearer-token authentication for the gateway.
// Tokens are HMAC-signed JWTs carrying a tenant_id claim; when auth is
// disabled every request runs as a fixed demo identity.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	gateway "github.com/eugener/radagast/internal"
)

// DemoTenantID is the tenant every request maps to when auth is disabled.
const DemoTenantID = "demo-tenant"

// defaultExcludePaths are never authenticated: probes and scrapes must work
// without credentials.
var defaultExcludePaths = []string{"/health", "/ready", "/live", "/metrics"}

var hmacMethods = map[string]jwt.SigningMethod{
	"HS256": jwt.SigningMethodHS256,
	"HS384": jwt.SigningMethodHS384,
	"HS512": jwt.SigningMethodHS512,
}

// Config controls the JWT verifier.
type Config struct {
	Enabled      bool
	Secret       string
	Algorithm    string   // HS256 (default), HS384 or HS512
	ExcludePaths []string // defaults to health and metrics endpoints
}

// roles accepts either a JSON string or a list of strings, since issuers
// disagree on the shape of the claim.
type roles []string

func (r *roles) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*r = roles{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("user_roles must be a string or a list of strings")
	}
	*r = roles(list)
	return nil
}

// claims is the token payload. Expiry and not-before come from the
// registered claims and are enforced by the parser.
type claims struct {
	TenantID string `json:"tenant_id"`
	Roles    roles  `json:"user_roles,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator validates HMAC-signed bearer tokens.
type JWTAuthenticator struct {
	enabled  bool
	secret   []byte
	method   jwt.SigningMethod
	excluded []string
	parser   *jwt.Parser
}

// New builds an authenticator from cfg. Enabling auth without a secret and
// requesting a non-HMAC algorithm are both configuration errors.
func New(cfg Config) (*JWTAuthenticator, error) {
	alg := cfg.Algorithm
	if alg == "" {
		alg = "HS256"
	}
	method, ok := hmacMethods[alg]
	if !ok {
		return nil, gateway.E(gateway.KindConfiguration, "",
			fmt.Sprintf("unsupported JWT algorithm %q: only HMAC (HS256/HS384/HS512) is supported", alg))
	}
	if cfg.Enabled && cfg.Secret == "" {
		return nil, gateway.E(gateway.KindConfiguration, "", "auth enabled but JWT secret is empty")
	}

	excluded := cfg.ExcludePaths
	if excluded == nil {
		excluded = defaultExcludePaths
	}
	return &JWTAuthenticator{
		enabled:  cfg.Enabled,
		secret:   []byte(cfg.Secret),
		method:   method,
		excluded: excluded,
		parser:   jwt.NewParser(jwt.WithValidMethods([]string{alg}), jwt.WithExpirationRequired()),
	}, nil
}

// Authenticate extracts a Bearer token from the Authorization header and
// validates it. With auth disabled it returns the demo identity without
// looking at the request.
func (a *JWTAuthenticator) Authenticate(_ context.Context, r *http.Request) (*gateway.Identity, error) {
	if !a.enabled {
		return &gateway.Identity{
			TenantID: DemoTenantID,
			Roles:    []string{"demo-user"},
			Demo:     true,
		}, nil
	}

	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" || raw == r.Header.Get("Authorization") {
		return nil, gateway.ErrUnauthorized
	}

	token, err := a.parser.ParseWithClaims(raw, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, gateway.ErrUnauthorized
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return nil, gateway.ErrUnauthorized
	}
	if c.TenantID == "" {
		return nil, gateway.ErrUnauthorized
	}

	id := &gateway.Identity{
		TenantID: c.TenantID,
		Subject:  c.Subject,
		Roles:    []string(c.Roles),
	}
	if c.ExpiresAt != nil {
		id.ExpiresAt = c.ExpiresAt.Time
	}
	return id, nil
}

// Excluded reports whether path bypasses authentication.
func (a *JWTAuthenticator) Excluded(path string) bool {
	return slices.Contains(a.excluded, path)
}
