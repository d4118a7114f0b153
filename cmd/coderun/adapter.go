package main

import (
	"context"
	"time"

	"github.com/coderun/dispatcher/internal/sessionreg"
)

// sessionSourceAdapter satisfies cleanup.SessionSource against a live
// sessionreg.Registry, kept at the composition root per DESIGN.md so the
// registry package itself stays free of a dependency on the archive/cleanup
// domain.
type sessionSourceAdapter struct {
	registry    *sessionreg.Registry
	archiveTTL  time.Duration
	pageSize    int
}

func newSessionSourceAdapter(registry *sessionreg.Registry, archiveTTL time.Duration) *sessionSourceAdapter {
	return &sessionSourceAdapter{registry: registry, archiveTTL: archiveTTL, pageSize: 200}
}

// StaleForArchive lists every session whose time-to-expiry has dropped
// below the archive threshold: close enough to hot-TTL expiry that its
// state should be persisted to cold storage before Redis reaps it.
func (a *sessionSourceAdapter) StaleForArchive(ctx context.Context) ([]string, error) {
	now := time.Now()
	var stale []string
	for offset := 0; ; offset += a.pageSize {
		sessions, err := a.registry.List(ctx, a.pageSize, offset)
		if err != nil {
			return nil, err
		}
		if len(sessions) == 0 {
			break
		}
		for _, s := range sessions {
			if s.ExpiresAt.IsZero() {
				continue
			}
			if s.ExpiresAt.Sub(now) <= a.archiveTTL {
				stale = append(stale, s.ID)
			}
		}
		if len(sessions) < a.pageSize {
			break
		}
	}
	return stale, nil
}

// IsActive reports whether sessionID currently resolves to a live registry
// entry, satisfying filestore.ActiveSessionChecker for the orphan-file sweep.
func (a *sessionSourceAdapter) IsActive(ctx context.Context, sessionID string) (bool, error) {
	_, err := a.registry.Get(ctx, sessionID)
	if err != nil {
		if err == sessionreg.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Empty reports whether the registry currently holds no sessions at all,
// used to short-circuit the orphan sweep rather than risk deleting every
// session's files on a transient index-read failure.
func (a *sessionSourceAdapter) Empty(ctx context.Context) (bool, error) {
	sessions, err := a.registry.List(ctx, 1, 0)
	if err != nil {
		return false, err
	}
	return len(sessions) == 0, nil
}
