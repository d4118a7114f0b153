// Package pool manages warm sandbox instances shared across executions of
// the same language.
//
// # Design rationale
//
// Starting a sandbox (two containers, a network join, a readiness poll)
// takes hundreds of milliseconds. To keep this cost off the request path
// the pool starts sandboxes before they are needed. A sandbox serves one
// execution: afterwards the dispatcher evicts it (Evict destroys it) and the
// replenish loop creates a replacement. A warm sandbox that is never
// acquired is evicted when idle for longer than IdleTTL or after failing
// health checks.
//
// # Pool topology
//
// One languagePool is maintained per configured language (py, js, ...).
// Unlike the teacher's function-config-hash keying, the pool key here
// is simply the language string: every sandbox for "py" is fungible,
// since code is injected per-execution rather than baked into the image.
//
// # Concurrency model
//
// Each languagePool has its own sync.RWMutex. Reads (Stats) take a read
// lock; takeWarmLocked and writes (add/remove sandbox) take the write lock. A
// sync.Cond on the write lock wakes goroutines waiting for a sandbox to
// become available.
//
// # Invariants
//
//   - A Handle is in lp.readySet if and only if it is not currently bound to
//     a session (Status() == StatusWarm).
//   - Once closing is set (via Manager.Stop), no new sandboxes are created.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coderun/dispatcher/internal/logging"
	"github.com/coderun/dispatcher/internal/sandbox"
)

var (
	// ErrQueueWaitTimeout is returned when waiting for a sandbox exceeds the acquire timeout.
	ErrQueueWaitTimeout = errors.New("pool: queue wait timeout")
	// ErrLanguageNotPooled is returned when Acquire is called for a language with TargetSize 0.
	ErrLanguageNotPooled = errors.New("pool: language is not pooled")
)

const (
	DefaultIdleTTL             = 5 * time.Minute
	DefaultReplenishInterval   = 5 * time.Second
	DefaultHealthCheckInterval = 30 * time.Second
	maxReplenishPerTick        = 3
	healthCheckStrikes         = 3
)

// LanguagePoolConfig is the per-language warm-pool configuration, resolved
// once at startup (unlike the teacher's per-request function config hash).
type LanguagePoolConfig struct {
	Language        string
	Image           string
	SidecarImage    string
	SidecarPort     int
	TargetSize      int
	CPURequest      string
	CPULimit        string
	MemRequest      string
	MemLimit        string
	SidecarCPULimit string
	SidecarMemLimit string
	SeccompProfile  string
	ImagePullPolicy string
	NamePrefix      string
}

func (c LanguagePoolConfig) toSpec() sandbox.Spec {
	return sandbox.Spec{
		Language:       c.Language,
		Image:          c.Image,
		SidecarImage:   c.SidecarImage,
		SidecarPort:    c.SidecarPort,
		NamePrefix:     fallbackStr(c.NamePrefix, "coderun-"+c.Language),
		SeccompProfile: c.SeccompProfile,
		MaskHostFiles:  true,
		Hostname:       "sandbox",
		MainLimits: sandbox.ResourceLimits{
			CPURequest: c.CPURequest,
			CPULimit:   c.CPULimit,
			MemRequest: c.MemRequest,
			MemLimit:   c.MemLimit,
		},
		SidecarLimits: sandbox.ResourceLimits{
			CPULimit: fallbackStr(c.SidecarCPULimit, "200m"),
			MemLimit: fallbackStr(c.SidecarMemLimit, "128Mi"),
		},
	}
}

func fallbackStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// languagePool holds all warm sandboxes for a single language.
//
// # Locking discipline
//
// All fields except targetSize (atomic-free here since it is only mutated
// under mu at startup) must be accessed under mu. readySandboxes and
// readySet are derived views over sandboxes and must be kept consistent
// with it; use rebuildReadyLocked after any bulk modification.
//
// cond is bound to the write side of mu. Callers must hold mu.Lock() when
// calling cond.Wait or cond.Signal/Broadcast.
type languagePool struct {
	cfg LanguagePoolConfig

	mu             sync.RWMutex
	sandboxes      []*sandbox.Handle
	readySandboxes []*sandbox.Handle
	readySet       map[*sandbox.Handle]struct{}
	waiters        int
	cond           *sync.Cond
	strikes        map[*sandbox.Handle]int
	idleSince      map[*sandbox.Handle]time.Time
}

func newLanguagePool(cfg LanguagePoolConfig) *languagePool {
	lp := &languagePool{
		cfg:       cfg,
		readySet:  make(map[*sandbox.Handle]struct{}),
		strikes:   make(map[*sandbox.Handle]int),
		idleSince: make(map[*sandbox.Handle]time.Time),
	}
	lp.cond = sync.NewCond(&lp.mu)
	return lp
}

// Manager is the central resource manager for per-language sandbox pools.
//
// It is safe for concurrent use by multiple goroutines. The zero value is
// not usable; always construct via NewManager.
type Manager struct {
	backend sandbox.Backend

	mu    sync.RWMutex
	pools map[string]*languagePool

	idleTTL             time.Duration
	replenishInterval   time.Duration
	healthCheckInterval time.Duration
	acquireTimeout      time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds Manager-wide tuning knobs, separate from per-language pool
// sizing (LanguagePoolConfig).
type Config struct {
	IdleTTL             time.Duration
	ReplenishInterval    time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
}

// NewManager builds a Manager over the given backend and per-language
// configuration. Call Start to begin the replenish and health-check loops.
func NewManager(b sandbox.Backend, langs []LanguagePoolConfig, cfg Config) *Manager {
	if cfg.IdleTTL == 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	if cfg.ReplenishInterval == 0 {
		cfg.ReplenishInterval = DefaultReplenishInterval
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if cfg.AcquireTimeout == 0 {
		cfg.AcquireTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		backend:             b,
		pools:               make(map[string]*languagePool),
		idleTTL:             cfg.IdleTTL,
		replenishInterval:   cfg.ReplenishInterval,
		healthCheckInterval: cfg.HealthCheckInterval,
		acquireTimeout:      cfg.AcquireTimeout,
		ctx:                 ctx,
		cancel:              cancel,
	}
	for _, lc := range langs {
		m.pools[lc.Language] = newLanguagePool(lc)
	}
	return m
}

// UsesPool reports whether language is configured with TargetSize > 0.
// A language with TargetSize == 0 is present only in the config map (its
// limits still apply to job-path sandboxes) and every Acquire for it fails
// with ErrLanguageNotPooled, directing the caller to the job-execution path.
func (m *Manager) UsesPool(language string) bool {
	m.mu.RLock()
	lp, ok := m.pools[language]
	m.mu.RUnlock()
	return ok && lp.cfg.TargetSize > 0
}

// SpecFor returns the sandbox.Spec for a configured language, for callers
// (e.g. the job executor) that need to create a one-shot sandbox outside
// the pool using the same image/limits.
func (m *Manager) SpecFor(language string) (sandbox.Spec, bool) {
	m.mu.RLock()
	lp, ok := m.pools[language]
	m.mu.RUnlock()
	if !ok {
		return sandbox.Spec{}, false
	}
	return lp.cfg.toSpec(), true
}

// Start launches the background replenish and health-check loops.
func (m *Manager) Start() {
	for lang, lp := range m.snapshotPools() {
		m.wg.Add(1)
		go m.replenishLoop(lang, lp)
	}
	m.wg.Add(1)
	go m.healthCheckLoop()
}

// Stop cancels the background loops and destroys every warm sandbox.
// It blocks until all teardown calls complete.
func (m *Manager) Stop(ctx context.Context) {
	m.cancel()
	m.wg.Wait()

	var wg sync.WaitGroup
	for _, lp := range m.snapshotPools() {
		lp.mu.Lock()
		handles := lp.sandboxes
		lp.sandboxes = nil
		lp.readySandboxes = nil
		clear(lp.readySet)
		lp.mu.Unlock()

		for _, h := range handles {
			wg.Add(1)
			go func(h *sandbox.Handle) {
				defer wg.Done()
				if err := m.backend.DestroySandbox(ctx, h); err != nil {
					logging.Op().Warn("pool: destroy sandbox on shutdown failed", "name", h.Name, "error", err)
				}
			}(h)
		}
	}
	wg.Wait()
}

func (m *Manager) snapshotPools() map[string]*languagePool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*languagePool, len(m.pools))
	for k, v := range m.pools {
		out[k] = v
	}
	return out
}

func (m *Manager) poolFor(language string) (*languagePool, bool) {
	m.mu.RLock()
	lp, ok := m.pools[language]
	m.mu.RUnlock()
	return lp, ok
}
