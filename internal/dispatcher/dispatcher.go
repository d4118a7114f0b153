// Package dispatcher is the Dispatcher (C12): the single decision point that
// picks between a pooled sandbox and a one-shot job sandbox for a given
// execution request, grounded on
// original_source/src/services/kubernetes/manager.py's acquire_pod/
// execute_code pair, which the spec's §4.5 generalizes into one component.
package dispatcher

import (
	"context"
	"strings"
	"time"

	"github.com/coderun/dispatcher/internal/eventbus"
	"github.com/coderun/dispatcher/internal/idgen"
	"github.com/coderun/dispatcher/internal/jobexecutor"
	"github.com/coderun/dispatcher/internal/logging"
	"github.com/coderun/dispatcher/internal/metrics"
	"github.com/coderun/dispatcher/internal/pool"
	"github.com/coderun/dispatcher/internal/sandbox"
	"github.com/coderun/dispatcher/internal/sidecar"
)

// Status is the terminal state of an Execution Record.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// Source records how the sandbox backing an execution was obtained.
const (
	SourcePoolHit  = "pool_hit"
	SourcePoolMiss = "pool_miss"
	SourceJob      = "job"
)

// Request is everything the dispatcher needs to run one execution.
type Request struct {
	SessionID    string
	Language     string
	Code         string
	TimeoutSecs  int
	Files        []sidecar.FileUpload
	InitialState string
	CaptureState bool
}

// Result is the Execution Record the dispatcher hands back to the
// orchestrator, independent of how the sandbox was obtained.
type Result struct {
	ExecutionID string
	SessionID   string
	Language    string
	Status      Status
	ExitCode    int
	Stdout      string
	Stderr      string
	ElapsedMs   int64
	StartedAt   time.Time
	CompletedAt time.Time
	State       string
	StateErrors []string
	// GeneratedFiles lists paths the sidecar reported as newly written under
	// /mnt/data, consumed by the orchestrator's generated-file step.
	GeneratedFiles []string
}

// GeneratedPaths returns the raw generated-file paths reported by the
// sidecar, or nil if none were reported.
func (r Result) GeneratedPaths() []string { return r.GeneratedFiles }

// aliases maps the request-facing language name onto the pool/job config key,
// mirroring manager.py's "python"->"py", "javascript"->"js" normalization.
var aliases = map[string]string{
	"python":     "py",
	"javascript": "js",
	"node":       "js",
	"nodejs":     "js",
}

func normalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if canon, ok := aliases[lang]; ok {
		return canon
	}
	return lang
}

// NormalizeLanguage applies the same python->py, javascript->js aliasing the
// dispatcher itself uses, exported for callers (the orchestrator's
// state-persistence eligibility check) that need to reason about the
// canonical language key before dispatching.
func NormalizeLanguage(lang string) string { return normalizeLanguage(lang) }

// Dispatcher chooses between a warm pool and a one-shot job for each request.
type Dispatcher struct {
	pools *pool.Manager
	jobs  *jobexecutor.Executor
	bus   *eventbus.Bus
	mx    *metrics.Metrics
}

// New builds a Dispatcher. jobs may be nil if no job-execution backend was
// configured, in which case a request the pool cannot serve gets a failed
// Result with stderr "runtime unavailable" and a nil error instead of
// falling back.
func New(pools *pool.Manager, jobs *jobexecutor.Executor, bus *eventbus.Bus, mx *metrics.Metrics) *Dispatcher {
	return &Dispatcher{pools: pools, jobs: jobs, bus: bus, mx: mx}
}

// Execute resolves req against the pool or the job executor and returns the
// resulting Execution Record, the sandbox handle that produced it (nil if
// none could be obtained), and the source label for observability.
//
// Execute never raises for "no runtime available" or execution-level
// failures (bad code, sandbox crash, timeout) — those are folded into
// Result.Status per §4.5 step 2's "return status=failed, do not raise" rule.
// The returned error is reserved for failures while attempting an I/O step
// that genuinely could not be attempted (e.g. the job executor rejecting a
// request outright).
func (d *Dispatcher) Execute(ctx context.Context, req Request) (Result, *sandbox.Handle, string, error) {
	lang := normalizeLanguage(req.Language)
	executionID := idgen.NewExecutionID()
	started := time.Now()

	d.bus.Publish(ctx, eventbus.ExecutionStarted{
		ExecutionID: executionID,
		SessionID:   req.SessionID,
		Language:    lang,
	})

	if d.pools == nil {
		return unavailableResult(executionID, req, started), nil, "", nil
	}

	var (
		handle *sandbox.Handle
		source = SourceJob
	)
	if d.pools.UsesPool(lang) {
		h, err := d.pools.Acquire(ctx, lang, req.SessionID)
		if err != nil {
			source = SourcePoolMiss
			d.mx.RecordPoolAcquireError(lang, "pool_miss")
			d.bus.Publish(ctx, eventbus.PoolExhausted{Language: lang})
			logging.Op().Warn("dispatcher: pool acquisition failed, falling back to job executor", "language", lang, "error", err)
		} else {
			handle = h
			source = SourcePoolHit
		}
	}

	sidecarReq := sidecar.ExecuteRequest{
		Code:         req.Code,
		TimeoutSecs:  req.TimeoutSecs,
		InitialState: req.InitialState,
		CaptureState: req.CaptureState,
	}

	var (
		resp    sidecar.ExecuteResponse
		jobErr  error
		jobUsed *sandbox.Handle
	)
	if handle != nil {
		handle.BindSession(req.SessionID)
		d.bus.Publish(ctx, eventbus.SandboxAcquiredFromPool{HandleID: handle.ID, Language: lang, SessionID: req.SessionID})
		client := sidecar.New(handle.Host, handle.Port)
		sidecarReq.WorkingDir = "/mnt/data"
		resp, jobErr = client.UploadAndExecute(ctx, req.Files, sidecarReq)
	} else {
		if d.jobs == nil {
			return unavailableResult(executionID, req, started), nil, source, nil
		}
		resp, jobUsed, jobErr = d.jobs.ExecuteOne(ctx, lang, req.SessionID, sidecarReq, req.Files)
		handle = jobUsed
		if handle != nil {
			d.bus.Publish(ctx, eventbus.SandboxCreatedFresh{HandleID: handle.ID, Language: lang, Reason: source})
		}
	}
	if jobErr != nil {
		return Result{}, handle, source, jobErr
	}

	result := Result{
		ExecutionID: executionID,
		SessionID:   req.SessionID,
		Language:    lang,
		ExitCode:    resp.ExitCode,
		Stdout:      resp.Stdout,
		Stderr:      resp.Stderr,
		ElapsedMs:   resp.ExecutionTimeMs,
		StartedAt:   started,
		CompletedAt: time.Now(),
		State:          resp.State,
		StateErrors:    resp.StateErrors,
		GeneratedFiles: resp.Files,
	}
	switch {
	case resp.ExitCode == 0:
		result.Status = StatusCompleted
	case resp.ExitCode == 124:
		result.Status = StatusTimeout
	default:
		result.Status = StatusFailed
	}

	d.mx.RecordDispatch(lang, source)
	d.mx.RecordExecution(lang, string(result.Status), result.ElapsedMs)

	return result, handle, source, nil
}

// unavailableResult builds the "status=failed, do not raise" result for the
// case where no sandbox runtime at all can serve req, per §4.5 step 2.
func unavailableResult(executionID string, req Request, started time.Time) Result {
	return Result{
		ExecutionID: executionID,
		SessionID:   req.SessionID,
		Language:    normalizeLanguage(req.Language),
		Status:      StatusFailed,
		ExitCode:    1,
		Stderr:      "runtime unavailable",
		StartedAt:   started,
		CompletedAt: time.Now(),
	}
}

// Destroy tears handle down according to how it was obtained: a pool_hit
// handle goes back through the pool's own bookkeeping (Evict), so warm-set
// accounting stays correct; a job-sourced handle's teardown was already
// scheduled by the job executor itself, so Destroy is a no-op for it, per
// §4.8 step 10's "schedule the handle's destruction as a detached background
// task" applied once per handle rather than once per component that touched
// it.
func (d *Dispatcher) Destroy(language, source string, handle *sandbox.Handle) {
	if handle == nil {
		return
	}
	if source == SourcePoolHit && d.pools != nil {
		d.pools.Evict(language, handle)
	}
}
