package eventbus

import "time"

// SessionCreated fires once the session registry commits a brand new session.
type SessionCreated struct {
	SessionID string
	EntityID  string
	CreatedAt time.Time
}

func (SessionCreated) EventName() string { return "session.created" }

// SessionDeleted fires when a session is explicitly removed or expires during
// the periodic sweep. The cleanup scheduler reacts to this to free files.
type SessionDeleted struct {
	SessionID string
	Reason    string // "explicit" | "ttl_expired"
}

func (SessionDeleted) EventName() string { return "session.deleted" }

// ExecutionStarted fires when the dispatcher begins an execution.
type ExecutionStarted struct {
	ExecutionID string
	SessionID   string
	Language    string
}

func (ExecutionStarted) EventName() string { return "execution.started" }

// ExecutionCompleted fires when the orchestrator finishes building a response,
// independent of success/failure.
type ExecutionCompleted struct {
	ExecutionID string
	SessionID   string
	Success     bool
	ElapsedMs   int64
}

func (ExecutionCompleted) EventName() string { return "execution.completed" }

// FileUploaded fires when the file store persists an uploaded or generated file.
type FileUploaded struct {
	SessionID string
	FileID    string
	Origin    string // "upload" | "output"
}

func (FileUploaded) EventName() string { return "file.uploaded" }

// FileDeleted describes a file removed individually or as part of a
// session-wide cleanup. No component in this module publishes it.
type FileDeleted struct {
	SessionID string
	FileID    string
}

func (FileDeleted) EventName() string { return "file.deleted" }

// SandboxCreated describes a backend finishing a sandbox, pooled or one-shot.
// No component in this module publishes it; one-shot sandboxes are reported
// through SandboxCreatedFresh.
type SandboxCreated struct {
	HandleID string
	Language string
}

func (SandboxCreated) EventName() string { return "sandbox.created" }

// SandboxDestroyed describes a sandbox torn down for any reason. No component
// in this module publishes it.
type SandboxDestroyed struct {
	HandleID string
	Language string
	Reason   string
}

func (SandboxDestroyed) EventName() string { return "sandbox.destroyed" }

// SandboxAcquiredFromPool fires on a pool hit.
type SandboxAcquiredFromPool struct {
	HandleID  string
	Language  string
	SessionID string
}

func (SandboxAcquiredFromPool) EventName() string { return "sandbox.acquired_from_pool" }

// SandboxCreatedFresh fires whenever the job executor creates a one-shot sandbox.
type SandboxCreatedFresh struct {
	HandleID string
	Language string
	Reason   string
}

func (SandboxCreatedFresh) EventName() string { return "sandbox.created_fresh" }

// PoolWarmed describes a completed replenish batch. No component in this
// module publishes it.
type PoolWarmed struct {
	Language string
	Count    int
}

func (PoolWarmed) EventName() string { return "pool.warmed" }

// PoolExhausted fires when a pool acquisition times out with no warm sandbox available.
type PoolExhausted struct {
	Language string
}

func (PoolExhausted) EventName() string { return "pool.exhausted" }
