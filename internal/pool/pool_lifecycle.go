package pool

import (
	"context"
	"time"

	"github.com/coderun/dispatcher/internal/logging"
	"github.com/coderun/dispatcher/internal/sandbox"
)

// replenishLoop tops up lang's warm pool toward TargetSize, creating at
// most maxReplenishPerTick new sandboxes per tick so a burst of evictions
// does not stampede the backend.
func (m *Manager) replenishLoop(language string, lp *languagePool) {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			logging.Op().Error("pool: recovered panic in replenish loop", "language", language, "panic", r)
		}
	}()

	m.replenish(language, lp)

	ticker := time.NewTicker(m.replenishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.evictIdle(language, lp)
			m.replenish(language, lp)
		}
	}
}

// evictIdle destroys warm sandboxes that have sat unbound longer than
// IdleTTL, never going below TargetSize.
func (m *Manager) evictIdle(language string, lp *languagePool) {
	lp.mu.RLock()
	target := lp.cfg.TargetSize
	current := len(lp.sandboxes)
	cutoff := time.Now().Add(-m.idleTTL)
	var stale []*sandbox.Handle
	for h, since := range lp.idleSince {
		if current-len(stale) <= target {
			break
		}
		if since.Before(cutoff) {
			stale = append(stale, h)
		}
	}
	lp.mu.RUnlock()

	for _, h := range stale {
		logging.Op().Info("pool: evicting idle sandbox", "language", language, "name", h.Name)
		m.Evict(language, h)
	}
}

func (m *Manager) replenish(language string, lp *languagePool) {
	lp.mu.RLock()
	current := len(lp.sandboxes)
	target := lp.cfg.TargetSize
	lp.mu.RUnlock()

	needed := target - current
	if needed <= 0 {
		return
	}
	if needed > maxReplenishPerTick {
		needed = maxReplenishPerTick
	}

	for i := 0; i < needed; i++ {
		select {
		case <-m.ctx.Done():
			return
		default:
		}
		h, err := m.createSandbox(lp)
		if err != nil {
			logging.Op().Warn("pool: replenish create failed", "language", language, "error", err)
			continue
		}
		lp.mu.Lock()
		lp.sandboxes = append(lp.sandboxes, h)
		addReadyLocked(lp, h)
		if lp.waiters > 0 {
			lp.cond.Signal()
		}
		lp.mu.Unlock()
	}
}

// healthCheckLoop periodically pings idle sandboxes and evicts those that
// fail three consecutive checks.
func (m *Manager) healthCheckLoop() {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			logging.Op().Error("pool: recovered panic in health-check loop", "panic", r)
		}
	}()

	ticker := time.NewTicker(m.healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.healthCheck()
		}
	}
}

func (m *Manager) healthCheck() {
	type target struct {
		language string
		lp       *languagePool
		h        *sandbox.Handle
	}
	var targets []target

	for language, lp := range m.snapshotPools() {
		lp.mu.RLock()
		for h := range lp.readySet {
			targets = append(targets, target{language: language, lp: lp, h: h})
		}
		lp.mu.RUnlock()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, t := range targets {
		if err := m.backend.WaitReady(ctx, t.h, 3*time.Second); err != nil {
			t.lp.mu.Lock()
			t.lp.strikes[t.h]++
			strikes := t.lp.strikes[t.h]
			t.lp.mu.Unlock()

			if strikes < healthCheckStrikes {
				logging.Op().Warn("pool: health check failed", "language", t.language, "name", t.h.Name, "strike", strikes)
				continue
			}
			logging.Op().Warn("pool: evicting unhealthy sandbox", "language", t.language, "name", t.h.Name)
			m.Evict(t.language, t.h)
			continue
		}
		t.lp.mu.Lock()
		delete(t.lp.strikes, t.h)
		t.lp.mu.Unlock()
	}
}

// Evict removes h from its pool's bookkeeping and destroys it in the
// background. Called by health-check failures and idle-TTL sweeps.
func (m *Manager) Evict(language string, h *sandbox.Handle) {
	lp, ok := m.poolFor(language)
	if !ok {
		return
	}

	lp.mu.Lock()
	delete(lp.readySet, h)
	delete(lp.strikes, h)
	delete(lp.idleSince, h)
	kept := lp.sandboxes[:0]
	for _, s := range lp.sandboxes {
		if s != h {
			kept = append(kept, s)
		}
	}
	lp.sandboxes = kept
	lp.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Op().Error("pool: recovered panic destroying evicted sandbox", "panic", r)
			}
		}()
		if err := m.backend.DestroySandbox(context.Background(), h); err != nil {
			logging.Op().Warn("pool: destroy evicted sandbox failed", "name", h.Name, "error", err)
		}
	}()
}
