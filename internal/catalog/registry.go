package catalog

import (
	"log/slog"
	"sync/atomic"
)

// Registry holds the active Catalog and swaps it atomically on explicit
// reload. Request handling reads a snapshot and never observes a partial
// update; a failed reload keeps the previous snapshot serving.
type Registry struct {
	path string
	cur  atomic.Pointer[Catalog]
}

// Open loads the registry file and returns a reloadable handle.
func Open(path string) (*Registry, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	r := &Registry{path: path}
	r.cur.Store(c)
	return r, nil
}

// Current returns the active catalog snapshot.
func (r *Registry) Current() *Catalog { return r.cur.Load() }

// Reload re-reads the registry file and swaps the snapshot in. On failure
// the old snapshot stays active and the error is returned.
func (r *Registry) Reload() error {
	c, err := Load(r.path)
	if err != nil {
		return err
	}
	old := r.cur.Swap(c)
	slog.Info("model registry reloaded",
		slog.String("path", r.path),
		slog.String("default_provider", c.DefaultProvider()),
		slog.Int("providers", len(c.providers)),
		slog.Bool("changed_default", old == nil || old.DefaultProvider() != c.DefaultProvider()),
	)
	return nil
}
