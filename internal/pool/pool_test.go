package pool

import (
	"context"
	"testing"
	"time"

	"github.com/coderun/dispatcher/internal/sandbox"
)

func newTestManager(language string, targetSize int, acquireTimeout time.Duration) (*Manager, *languagePool) {
	lp := newLanguagePool(LanguagePoolConfig{Language: language, TargetSize: targetSize})
	m := &Manager{
		pools:          map[string]*languagePool{language: lp},
		acquireTimeout: acquireTimeout,
	}
	return m, lp
}

// seedWarmHandle injects a warm handle directly into lp's sandbox set,
// bypassing Backend.CreateSandbox entirely: these tests exercise the
// acquire/release bookkeeping, not sandbox creation.
func seedWarmHandle(lp *languagePool, name string) *sandbox.Handle {
	h := sandbox.NewHandle("id-"+name, name, "ns", lp.cfg.Language, "127.0.0.1", 8080)
	h.SetStatus(sandbox.StatusWarm)
	lp.mu.Lock()
	lp.sandboxes = append(lp.sandboxes, h)
	addReadyLocked(lp, h)
	lp.mu.Unlock()
	return h
}

func assertInvariant(t *testing.T, lp *languagePool) {
	t.Helper()
	lp.mu.RLock()
	ready := len(lp.readySet)
	total := len(lp.sandboxes)
	lp.mu.RUnlock()
	if ready > total {
		t.Fatalf("pool invariant violated: ready=%d total=%d", ready, total)
	}
}

func TestManager_AcquireReleaseRoundTrip(t *testing.T) {
	m, lp := newTestManager("python", 1, 50*time.Millisecond)
	h := seedWarmHandle(lp, "sbx-1")

	got, err := m.Acquire(context.Background(), "python", "session-1")
	if err != nil {
		t.Fatalf("Acquire: unexpected error %v", err)
	}
	if got != h {
		t.Fatalf("Acquire returned a different handle than was seeded")
	}

	// The warm queue is now empty: a concurrent acquire must time out
	// rather than conjure a new sandbox.
	if _, err := m.Acquire(context.Background(), "python", "session-2"); err == nil {
		t.Fatalf("expected second Acquire to time out on an empty pool")
	}

	m.Release("python", got)
	if got.Status() != sandbox.StatusWarm {
		t.Fatalf("expected released handle to be warm, got %s", got.Status())
	}

	got2, err := m.Acquire(context.Background(), "python", "session-3")
	if err != nil {
		t.Fatalf("Acquire after Release: unexpected error %v", err)
	}
	if got2 != h {
		t.Fatalf("Acquire after Release returned a different handle")
	}
}

func TestManager_AcquireTimesOutOnEmptyPool(t *testing.T) {
	m, _ := newTestManager("node", 1, 30*time.Millisecond)

	start := time.Now()
	h, err := m.Acquire(context.Background(), "node", "session-1")
	elapsed := time.Since(start)

	if err == nil {
		t.Fatalf("expected ErrQueueWaitTimeout, got nil error and handle %v", h)
	}
	if h != nil {
		t.Fatalf("expected nil handle on timeout, got %v", h)
	}
	if elapsed < 30*time.Millisecond {
		t.Fatalf("Acquire returned before the configured timeout elapsed: %v", elapsed)
	}
}

func TestManager_AcquireUnpooledLanguage(t *testing.T) {
	m, _ := newTestManager("ruby", 0, time.Second)

	if _, err := m.Acquire(context.Background(), "ruby", "session-1"); err != ErrLanguageNotPooled {
		t.Fatalf("expected ErrLanguageNotPooled, got %v", err)
	}
}

// TestPoolInvariant_ReadyNeverExceedsSandboxes checks the quiescent-moment
// invariant — the ready/warm set never outgrows the full sandbox set — holds
// across an acquire/release cycle over several sandboxes.
func TestPoolInvariant_ReadyNeverExceedsSandboxes(t *testing.T) {
	m, lp := newTestManager("python", 3, time.Second)
	seedWarmHandle(lp, "sbx-1")
	seedWarmHandle(lp, "sbx-2")
	seedWarmHandle(lp, "sbx-3")
	assertInvariant(t, lp)

	acquired := make([]*sandbox.Handle, 0, 3)
	for i := 0; i < 3; i++ {
		h, err := m.Acquire(context.Background(), "python", "session")
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		acquired = append(acquired, h)
		assertInvariant(t, lp)
	}

	for _, h := range acquired {
		m.Release("python", h)
		assertInvariant(t, lp)
	}
}

// TestManager_ReleaseSignalsWaiter confirms a blocked Acquire is woken by a
// concurrent Release rather than having to wait out the full timeout.
func TestManager_ReleaseSignalsWaiter(t *testing.T) {
	m, lp := newTestManager("python", 1, 2*time.Second)
	h := seedWarmHandle(lp, "sbx-1")

	first, err := m.Acquire(context.Background(), "python", "session-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if first != h {
		t.Fatalf("unexpected handle returned")
	}

	resultCh := make(chan error, 1)
	go func() {
		_, err := m.Acquire(context.Background(), "python", "session-2")
		resultCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	m.Release("python", first)

	select {
	case err := <-resultCh:
		if err != nil {
			t.Fatalf("expected blocked Acquire to succeed after Release, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked Acquire was not woken by Release")
	}
}
