// Package sandbox defines the Sandbox Handle (C8) and the Backend interface
// that creates/destroys sandboxes on a container or pod runtime. It is the
// generalization of the teacher's Firecracker/Docker VM abstraction
// (internal/backend) to the spec's HTTP-sidecar, two-container model.
package sandbox

import (
	"context"
	"sync"
	"time"
)

// Status mirrors the Sandbox Handle status enum from the data model.
type Status string

const (
	StatusPending   Status = "pending"
	StatusWarm      Status = "warm"
	StatusExecuting Status = "executing"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusUnknown   Status = "unknown"
)

// Handle is a reference to a live sandbox instance: a main-runtime container
// paired with a sidecar, reachable over the network. A handle with
// Status=StatusWarm holds no session binding; Status=StatusExecuting holds
// exactly one; Status=StatusSucceeded/StatusFailed is terminal.
type Handle struct {
	mu sync.RWMutex

	ID        string
	Name      string
	Namespace string
	Language  string
	Host      string
	Port      int
	CreatedAt time.Time
	Labels    map[string]string

	status    Status
	sessionID string
}

func NewHandle(id, name, namespace, language, host string, port int) *Handle {
	return &Handle{
		ID:        id,
		Name:      name,
		Namespace: namespace,
		Language:  language,
		Host:      host,
		Port:      port,
		CreatedAt: time.Now(),
		Labels:    make(map[string]string),
		status:    StatusPending,
	}
}

func (h *Handle) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

func (h *Handle) SessionID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessionID
}

// BindSession transitions the handle to executing, bound to sessionID.
func (h *Handle) BindSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = StatusExecuting
	h.sessionID = sessionID
}

// Release transitions the handle back to warm, unbound. Call only when the
// handle is being returned to a pool, never for a one-shot job handle.
func (h *Handle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = StatusWarm
	h.sessionID = ""
}

func (h *Handle) SetStatus(s Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = s
}

// Endpoint returns the sidecar's routable host:port.
func (h *Handle) Endpoint() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.Host
}

// ResourceLimits bounds CPU/memory for one container.
type ResourceLimits struct {
	CPURequest string
	CPULimit   string
	MemRequest string
	MemLimit   string
}

// Spec describes the runtime manifest for a new sandbox: two containers
// (main runtime + sidecar) sharing a size-bounded writable volume at
// /mnt/data, non-root, dropped capabilities, masked host identity.
type Spec struct {
	Language         string
	Image            string
	SidecarImage     string
	SidecarPort      int
	Namespace        string
	NamePrefix       string
	MainLimits       ResourceLimits
	SidecarLimits    ResourceLimits
	SeccompProfile   string
	ImagePullPolicy  string
	VolumeSizeLimit  string
	MaskHostFiles    bool
	Hostname         string
	DNSSearchDomains []string
}

// Backend creates and destroys sandboxes on a concrete runtime (Docker or
// Kubernetes). WaitReady polls the sidecar's /ready until it responds 200 or
// the timeout elapses.
type Backend interface {
	CreateSandbox(ctx context.Context, spec Spec) (*Handle, error)
	DestroySandbox(ctx context.Context, handle *Handle) error
	WaitReady(ctx context.Context, handle *Handle, timeout time.Duration) error
}
