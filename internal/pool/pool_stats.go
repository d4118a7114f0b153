package pool

import (
	"github.com/coderun/dispatcher/internal/sandbox"
)

// Release returns h to the warm pool after a successful execution.
//
// # Concurrency
//
// Must NOT be called more than once per Acquire call. Double-release would
// corrupt readySet bookkeeping, leading to phantom warm capacity. Call
// Evict instead of Release when the sandbox is known to be unhealthy.
//
// Signals a waiting goroutine (cond.Signal) if any are queued, allowing the
// next acquisition to proceed without waiting for the next replenish tick.
func (m *Manager) Release(language string, h *sandbox.Handle) {
	lp, ok := m.poolFor(language)
	if !ok {
		return
	}
	h.Release()

	lp.mu.Lock()
	addReadyLocked(lp, h)
	if lp.waiters > 0 {
		lp.cond.Signal()
	}
	lp.mu.Unlock()
}

// Stats is a point-in-time snapshot of one language's pool occupancy.
type Stats struct {
	Language   string
	TargetSize int
	Total      int
	Warm       int
	InUse      int
}

// Stats returns a snapshot for every configured language.
func (m *Manager) Stats() []Stats {
	pools := m.snapshotPools()
	out := make([]Stats, 0, len(pools))
	for lang, lp := range pools {
		lp.mu.RLock()
		total := len(lp.sandboxes)
		warm := len(lp.readySet)
		lp.mu.RUnlock()
		out = append(out, Stats{
			Language:   lang,
			TargetSize: lp.cfg.TargetSize,
			Total:      total,
			Warm:       warm,
			InUse:      total - warm,
		})
	}
	return out
}
