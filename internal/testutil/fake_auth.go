package testutil

import (
	"context"
	"net/http"
	"slices"

	gateway "github.com/eugener/radagast/internal"
)

// FakeAuth always authenticates as a fixed test tenant.
type FakeAuth struct {
	TenantID     string
	ExcludePaths []string
}

// Authenticate returns a test identity. An empty TenantID maps to "test-tenant".
func (f FakeAuth) Authenticate(_ context.Context, _ *http.Request) (*gateway.Identity, error) {
	tenant := f.TenantID
	if tenant == "" {
		tenant = "test-tenant"
	}
	return &gateway.Identity{
		TenantID: tenant,
		Subject:  "test-user",
		Roles:    []string{"tester"},
	}, nil
}

// Excluded reports whether path is in ExcludePaths.
func (f FakeAuth) Excluded(path string) bool {
	return slices.Contains(f.ExcludePaths, path)
}

// RejectAuth rejects every request except those on ExcludePaths.
type RejectAuth struct {
	ExcludePaths []string
}

// Authenticate always returns ErrUnauthorized.
func (RejectAuth) Authenticate(context.Context, *http.Request) (*gateway.Identity, error) {
	return nil, gateway.ErrUnauthorized
}

// Excluded reports whether path is in ExcludePaths.
func (r RejectAuth) Excluded(path string) bool {
	return slices.Contains(r.ExcludePaths, path)
}
