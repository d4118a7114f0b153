// pool_acquisition.go contains the sandbox acquisition path: the hot path
// that every pooled execution traverses to dequeue a warm sandbox. Acquire
// never creates a sandbox; createSandbox is used by the replenish loop.
package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/coderun/dispatcher/internal/logging"
	"github.com/coderun/dispatcher/internal/sandbox"
)

func ensurePoolStateLocked(lp *languagePool) {
	if lp.readySet == nil {
		lp.readySet = make(map[*sandbox.Handle]struct{})
	}
}

func addReadyLocked(lp *languagePool, h *sandbox.Handle) {
	if h == nil || h.Status() != sandbox.StatusWarm {
		return
	}
	ensurePoolStateLocked(lp)
	if _, ok := lp.readySet[h]; ok {
		return
	}
	lp.readySet[h] = struct{}{}
	lp.readySandboxes = append(lp.readySandboxes, h)
	if lp.idleSince != nil {
		lp.idleSince[h] = time.Now()
	}
}

// takeWarmLocked returns a sandbox that is currently unbound, or nil if none
// is available. Must be called with lp.mu held (write lock).
//
// readySandboxes is used as a stack (LIFO) so the most recently used
// sandbox is preferred, maximising the chance its process cache is warm.
// Entries that are in readySandboxes but no longer in readySet (stale
// pointers from a prior take) are silently skipped.
func takeWarmLocked(lp *languagePool) *sandbox.Handle {
	ensurePoolStateLocked(lp)
	for len(lp.readySandboxes) > 0 {
		last := len(lp.readySandboxes) - 1
		h := lp.readySandboxes[last]
		lp.readySandboxes = lp.readySandboxes[:last]
		if _, ok := lp.readySet[h]; !ok {
			continue
		}
		delete(lp.readySet, h)
		delete(lp.idleSince, h)
		if h.Status() != sandbox.StatusWarm {
			continue
		}
		return h
	}
	return nil
}

// waitForSandboxLocked suspends the calling goroutine until either a
// sandbox becomes available (signalled via lp.cond), the context is
// cancelled, or the waitFor deadline elapses.
//
// Must be called with lp.mu held (write lock). Releases the lock via
// cond.Wait and re-acquires it before returning. The goroutine spawned
// here exists solely to translate channel-based cancellation into a
// Broadcast on the condition variable, since sync.Cond has no native
// context-awareness.
func waitForSandboxLocked(ctx context.Context, lp *languagePool, waitFor time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lp.waiters++
	defer func() { lp.waiters-- }()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			lp.mu.Lock()
			lp.cond.Broadcast()
			lp.mu.Unlock()
		case <-done:
		}
	}()

	var timer *time.Timer
	if waitFor > 0 {
		timer = time.AfterFunc(waitFor, func() {
			lp.mu.Lock()
			lp.cond.Broadcast()
			lp.mu.Unlock()
		})
	}

	lp.cond.Wait()
	close(done)
	if timer != nil {
		timer.Stop()
	}
	return ctx.Err()
}

// Acquire waits up to the configured acquire timeout to dequeue a warm
// sandbox for language. It never creates a sandbox itself — replenishing
// the warm queue is the replenish loop's job alone (pool_lifecycle.go) — so
// a sustained miss here is the caller's signal to fall back to a one-shot
// cold start via the Job Executor. Returns ErrQueueWaitTimeout if the
// timeout elapses with no warm sandbox available. sessionID is used only
// for logging; binding happens in the caller via h.BindSession.
func (m *Manager) Acquire(ctx context.Context, language, sessionID string) (*sandbox.Handle, error) {
	lp, ok := m.poolFor(language)
	if !ok || lp.cfg.TargetSize <= 0 {
		return nil, ErrLanguageNotPooled
	}

	ctx, cancel := context.WithTimeout(ctx, m.acquireTimeout)
	defer cancel()

	lp.mu.Lock()
	defer lp.mu.Unlock()

	for {
		if h := takeWarmLocked(lp); h != nil {
			logging.Op().Debug("pool: reusing warm sandbox", "language", language, "name", h.Name, "session_id", sessionID)
			return h, nil
		}

		if err := waitForSandboxLocked(ctx, lp, 0); err != nil {
			return nil, ErrQueueWaitTimeout
		}
	}
}

func (m *Manager) createSandbox(lp *languagePool) (*sandbox.Handle, error) {
	logging.Op().Info("pool: cold-starting sandbox", "language", lp.cfg.Language)

	createCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	h, err := m.backend.CreateSandbox(createCtx, lp.cfg.toSpec())
	if err != nil {
		return nil, fmt.Errorf("pool: create sandbox for %s: %w", lp.cfg.Language, err)
	}
	if err := m.backend.WaitReady(createCtx, h, 60*time.Second); err != nil {
		_ = m.backend.DestroySandbox(context.Background(), h)
		return nil, fmt.Errorf("pool: sandbox for %s never became ready: %w", lp.cfg.Language, err)
	}
	h.SetStatus(sandbox.StatusWarm)
	logging.Op().Info("pool: sandbox ready", "language", lp.cfg.Language, "name", h.Name)
	return h, nil
}
