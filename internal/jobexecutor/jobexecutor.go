// Package jobexecutor is the Job Executor (C11): a one-shot execution path
// for languages that are not worth keeping warm. It builds a single sandbox
// for exactly one execution and tears it down afterwards, grounded on
// original_source/src/services/kubernetes/job_executor.py's JobExecutor
// (create_job -> wait_for_pod_ready -> execute -> background delete_job).
package jobexecutor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coderun/dispatcher/internal/logging"
	"github.com/coderun/dispatcher/internal/sandbox"
	"github.com/coderun/dispatcher/internal/sidecar"
)

// SpecSource resolves the sandbox.Spec for a language, shared with the pool
// manager so a job-path sandbox uses the same image and resource limits a
// pooled sandbox for the same language would.
type SpecSource interface {
	SpecFor(language string) (sandbox.Spec, bool)
}

// Config tunes the one-shot job lifecycle. All durations have sane defaults
// applied by New when left zero.
type Config struct {
	// ReadyTimeout bounds how long to wait for the sidecar to answer /ready
	// before giving up and reporting a start failure.
	ReadyTimeout time.Duration
	// Deadline bounds the entire create+wait+upload+execute sequence.
	Deadline time.Duration
	// TTLAfterFinished is only reported in the log line written when the
	// background destroy fails. It is not applied to the sandbox: no
	// runtime-side time-to-live is set, so a sandbox whose destroy fails
	// stays in place.
	TTLAfterFinished time.Duration
}

const (
	defaultReadyTimeout     = 60 * time.Second
	defaultDeadline         = 5 * time.Minute
	defaultTTLAfterFinished = 60 * time.Second
)

// Executor runs single-use sandboxes for non-pooled languages.
type Executor struct {
	backend sandbox.Backend
	specs   SpecSource
	cfg     Config
}

// New builds an Executor over backend, resolving per-language specs from specs.
func New(backend sandbox.Backend, specs SpecSource, cfg Config) *Executor {
	if cfg.ReadyTimeout == 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	if cfg.Deadline == 0 {
		cfg.Deadline = defaultDeadline
	}
	if cfg.TTLAfterFinished == 0 {
		cfg.TTLAfterFinished = defaultTTLAfterFinished
	}
	return &Executor{backend: backend, specs: specs, cfg: cfg}
}

// jobName mirrors job_executor.py's _generate_job_name: exec-<language>-<first
// 12 chars of the session id, lowercased, underscores turned into hyphens>-
// and a runtime-supplied random suffix appended by the backend itself.
func jobName(language, sessionID string) string {
	short := sessionID
	if len(short) > 12 {
		short = short[:12]
	}
	short = strings.ToLower(strings.ReplaceAll(short, "_", "-"))
	name := fmt.Sprintf("exec-%s-%s", strings.ToLower(language), short)
	if len(name) > 54 { // 54 plus the Kubernetes backend's "-<8 chars>" suffix stays within 63 chars
		name = name[:54]
	}
	return name
}

// ExecuteOne runs req on a freshly created sandbox for language, uploading
// files first. It always returns a sidecar.ExecuteResponse describing the
// outcome rather than an error for execution-level failures; err is non-nil
// only when the language has no configured spec at all.
//
// The returned handle is non-nil only when the sandbox was reachable long
// enough to attempt execution; callers may use it briefly (e.g. to fetch
// generated files) but must not assume it stays alive, since deletion is
// scheduled in the background as soon as this method returns.
func (e *Executor) ExecuteOne(ctx context.Context, language, sessionID string, req sidecar.ExecuteRequest, files []sidecar.FileUpload) (sidecar.ExecuteResponse, *sandbox.Handle, error) {
	spec, ok := e.specs.SpecFor(language)
	if !ok {
		return sidecar.ExecuteResponse{}, nil, fmt.Errorf("jobexecutor: no spec configured for language %q", language)
	}
	spec.NamePrefix = jobName(language, sessionID)

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Deadline)
	defer cancel()

	logging.Op().Info("jobexecutor: creating job sandbox", "language", language, "session_id", sessionID, "id", uuid.NewString())

	handle, err := e.backend.CreateSandbox(ctx, spec)
	if err != nil {
		return sidecar.ExecuteResponse{
			ExitCode: 1,
			Stderr:   fmt.Sprintf("failed to create job sandbox: %v", err),
		}, nil, nil
	}

	if err := e.backend.WaitReady(ctx, handle, e.cfg.ReadyTimeout); err != nil {
		logging.Op().Warn("jobexecutor: job pod failed to become ready", "language", language, "name", handle.Name, "error", err)
		e.scheduleDelete(handle)
		return sidecar.ExecuteResponse{
			ExitCode: 1,
			Stderr:   "Job pod failed to start",
		}, nil, nil
	}
	handle.SetStatus(sandbox.StatusExecuting)
	handle.BindSession(sessionID)

	client := sidecar.New(handle.Host, handle.Port)
	req.WorkingDir = "/mnt/data"
	resp, execErr := client.UploadAndExecute(ctx, files, req)

	e.scheduleDelete(handle)

	if execErr != nil {
		return sidecar.ExecuteResponse{
			ExitCode: 1,
			Stderr:   execErr.Error(),
		}, handle, nil
	}
	return resp, handle, nil
}

// scheduleDelete always tears the job sandbox down in the background,
// matching execute_with_job's finally-block asyncio.create_task(delete_job).
// The destroy runs after a fixed 2-second delay, a short window in which the
// caller can still read generated files off the handle. A failed destroy is
// logged and not retried.
func (e *Executor) scheduleDelete(h *sandbox.Handle) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Op().Error("jobexecutor: recovered panic destroying job sandbox", "panic", r)
			}
		}()
		time.Sleep(2 * time.Second)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.backend.DestroySandbox(ctx, h); err != nil {
			logging.Op().Warn("jobexecutor: destroy job sandbox failed", "name", h.Name, "error", err, "ttl", e.cfg.TTLAfterFinished)
		}
	}()
}
