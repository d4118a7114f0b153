// Package cleanup is the Cleanup Scheduler (C13): an event-subscriber plus a
// periodic background sweep that frees session-scoped resources, grounded on
// original_source/src/services/cleanup.py and reusing the
// recover()-wrapped-goroutine convention from
// internal/pool/pool_lifecycle.go's replenish/health-check loops.
package cleanup

import (
	"context"
	"time"

	"github.com/coderun/dispatcher/internal/eventbus"
	"github.com/coderun/dispatcher/internal/filestore"
	"github.com/coderun/dispatcher/internal/logging"
	"github.com/coderun/dispatcher/internal/metrics"
	"github.com/coderun/dispatcher/internal/statearchive"
)

const maxAlreadyCleaned = 1000

// SessionSource decouples the scheduler from the session registry's concrete
// type. StaleForArchive names sessions whose hot TTL has dropped below the
// archive threshold (TTL inspection is the caller's job per
// statearchive.Archive.SweepStale's doc comment); IsActive satisfies
// filestore.ActiveSessionChecker and Empty supplies CleanupOrphans'
// active-index-empty flag for the orphan-file sweep.
type SessionSource interface {
	StaleForArchive(ctx context.Context) ([]string, error)
	IsActive(ctx context.Context, sessionID string) (bool, error)
	Empty(ctx context.Context) (bool, error)
}

// Scheduler reacts to SessionDeleted events and runs two independent
// periodic sweeps, matching §4.9/§4.11's combined event-driven plus
// time-driven cleanup design.
type Scheduler struct {
	bus      *eventbus.Bus
	files    *filestore.Store
	archive  *statearchive.Archive
	sessions SessionSource
	mx       *metrics.Metrics

	interval       time.Duration
	orphanInterval time.Duration

	alreadyCleaned     map[string]struct{}
	alreadyCleanedFIFO []string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	orphanDone chan struct{}

	unsubscribe func()
}

// New builds a Scheduler. sessions may be nil, in which case both periodic
// sweeps are skipped and only the event-driven file cleanup runs.
// orphanInterval paces the file-orphan sweep on its own ticker, independent
// of interval's archive/archived-state cadence; a non-positive value
// defaults to 6x interval.
func New(bus *eventbus.Bus, files *filestore.Store, archive *statearchive.Archive, sessions SessionSource, mx *metrics.Metrics, interval time.Duration, orphanInterval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if orphanInterval <= 0 {
		orphanInterval = 6 * interval
	}
	return &Scheduler{
		bus:            bus,
		files:          files,
		archive:        archive,
		sessions:       sessions,
		mx:             mx,
		interval:       interval,
		orphanInterval: orphanInterval,
		alreadyCleaned: make(map[string]struct{}),
	}
}

// Start subscribes to SessionDeleted and launches both periodic sweep loops.
func (s *Scheduler) Start() {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.done = make(chan struct{})
	s.orphanDone = make(chan struct{})

	s.unsubscribe = s.bus.Subscribe(eventbus.SessionDeleted{}, s.onSessionDeleted)

	go s.loop()
	go s.orphanLoop()
}

// Stop cancels both periodic loops and unsubscribes from the event bus. It
// blocks until both loop goroutines have exited.
func (s *Scheduler) Stop() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
	if s.orphanDone != nil {
		<-s.orphanDone
	}
}

func (s *Scheduler) onSessionDeleted(ctx context.Context, event eventbus.Event) error {
	e, ok := event.(eventbus.SessionDeleted)
	if !ok {
		return nil
	}
	if s.seen(e.SessionID) {
		return nil
	}

	deleted, err := s.files.CleanupSessionFiles(ctx, e.SessionID)
	if err != nil {
		s.mx.RecordCleanupSweep("file", "error")
		logging.Op().Warn("cleanup: session file cleanup failed", "session_id", e.SessionID, "error", err)
		return err
	}
	outcome := "reaped"
	if deleted == 0 {
		outcome = "skipped"
	}
	s.mx.RecordCleanupSweep("file", outcome)
	s.markSeen(e.SessionID)
	return nil
}

// seen/markSeen implement the capped, FIFO-evicted "already cleaned" set
// so a burst of duplicate SessionDeleted events (explicit delete racing the
// TTL sweep) never re-does the same cleanup, while memory stays bounded.
func (s *Scheduler) seen(sessionID string) bool {
	_, ok := s.alreadyCleaned[sessionID]
	return ok
}

func (s *Scheduler) markSeen(sessionID string) {
	if _, ok := s.alreadyCleaned[sessionID]; ok {
		return
	}
	if len(s.alreadyCleanedFIFO) >= maxAlreadyCleaned {
		oldest := s.alreadyCleanedFIFO[0]
		s.alreadyCleanedFIFO = s.alreadyCleanedFIFO[1:]
		delete(s.alreadyCleaned, oldest)
	}
	s.alreadyCleaned[sessionID] = struct{}{}
	s.alreadyCleanedFIFO = append(s.alreadyCleanedFIFO, sessionID)
}

// loop runs the hot-to-cold archival sweep every tick, and the
// archived-state expiry sweep every sixth tick, recovering from any panic
// with a 60s backoff rather than letting the whole scheduler die.
func (s *Scheduler) loop() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			tick++
			s.runTickSafely(tick)
		}
	}
}

func (s *Scheduler) runTickSafely(tick int) {
	defer func() {
		if r := recover(); r != nil {
			logging.Op().Error("cleanup: recovered panic in sweep, backing off 60s", "panic", r)
			time.Sleep(60 * time.Second)
		}
	}()

	s.archiveSweep()
	if tick%6 == 0 {
		s.expiredStateSweep()
	}
}

// orphanLoop runs the file-orphan sweep on its own ticker, independent of
// the archival loop's cadence, matching the original's separate
// _cleanup_loop in session.py.
func (s *Scheduler) orphanLoop() {
	defer close(s.orphanDone)

	ticker := time.NewTicker(s.orphanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runOrphanTickSafely()
		}
	}
}

func (s *Scheduler) runOrphanTickSafely() {
	defer func() {
		if r := recover(); r != nil {
			logging.Op().Error("cleanup: recovered panic in orphan sweep, backing off 60s", "panic", r)
			time.Sleep(60 * time.Second)
		}
	}()

	s.orphanSweep()
}

func (s *Scheduler) archiveSweep() {
	if s.archive == nil || s.sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	candidates, err := s.sessions.StaleForArchive(ctx)
	if err != nil {
		s.mx.RecordCleanupSweep("session", "error")
		logging.Op().Warn("cleanup: listing archive candidates failed", "error", err)
		return
	}
	archived, errs := s.archive.SweepStale(ctx, candidates)
	for _, e := range errs {
		logging.Op().Warn("cleanup: archive sweep entry failed", "error", e)
	}
	if archived > 0 {
		s.mx.RecordCleanupSweep("session", "reaped")
	} else {
		s.mx.RecordCleanupSweep("session", "skipped")
	}
}

// expiredStateSweep deletes cold-archived state blobs whose cold TTL has
// expired, distinct from archiveSweep's hot-to-cold archival pass.
func (s *Scheduler) expiredStateSweep() {
	if s.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	deleted, errs := s.archive.SweepExpired(ctx, 1000)
	for _, e := range errs {
		logging.Op().Warn("cleanup: archived-state expiry sweep entry failed", "error", e)
	}
	if deleted > 0 {
		s.mx.RecordCleanupSweep("archived_state", "reaped")
	} else {
		s.mx.RecordCleanupSweep("archived_state", "skipped")
	}
}

func (s *Scheduler) orphanSweep() {
	if s.files == nil || s.sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	empty, err := s.sessions.Empty(ctx)
	if err != nil {
		s.mx.RecordCleanupSweep("file", "error")
		logging.Op().Warn("cleanup: checking active session index failed", "error", err)
		return
	}

	deleted, err := s.files.CleanupOrphans(ctx, s.sessions, empty, 1000)
	if err != nil {
		s.mx.RecordCleanupSweep("file", "error")
		logging.Op().Warn("cleanup: orphan sweep failed", "error", err)
		return
	}
	if deleted > 0 {
		s.mx.RecordCleanupSweep("file", "reaped")
	} else {
		s.mx.RecordCleanupSweep("file", "skipped")
	}
}
