// Package docker implements the sandbox.Backend interface by shelling out to
// the docker CLI. Each sandbox is a pair of containers (the language runtime
// and its sidecar) sharing a size-bounded writable volume at /mnt/data,
// joined by a private network so the sidecar can reach the runtime and the
// dispatcher can reach the sidecar on its published port.
package docker

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/coderun/dispatcher/internal/logging"
	"github.com/coderun/dispatcher/internal/sandbox"
	"github.com/coderun/dispatcher/internal/sidecar"
)

// Config holds Docker backend configuration.
type Config struct {
	Network      string // docker network name shared by sandbox pairs
	VolumeDriver string // local by default
	PortRangeMin int
	PortRangeMax int
}

func DefaultConfig() Config {
	return Config{
		Network:      "coderun-sandbox",
		VolumeDriver: "local",
		PortRangeMin: 20000,
		PortRangeMax: 30000,
	}
}

// Backend implements sandbox.Backend over the docker CLI.
type Backend struct {
	cfg      Config
	nextPort int32

	mu      sync.Mutex
	volumes map[string]string // handle id -> volume name, for teardown
}

func New(cfg Config) (*Backend, error) {
	if err := exec.Command("docker", "version").Run(); err != nil {
		return nil, fmt.Errorf("docker: backend unavailable: %w", err)
	}
	exec.Command("docker", "network", "create", cfg.Network).Run() // idempotent best-effort
	return &Backend{cfg: cfg, nextPort: int32(cfg.PortRangeMin), volumes: make(map[string]string)}, nil
}

func (b *Backend) allocatePort() int {
	port := atomic.AddInt32(&b.nextPort, 1) - 1
	if int(port) > b.cfg.PortRangeMax {
		atomic.StoreInt32(&b.nextPort, int32(b.cfg.PortRangeMin))
		port = int32(b.cfg.PortRangeMin)
	}
	return int(port)
}

// CreateSandbox starts the main-runtime and sidecar containers for spec and
// returns a handle addressed at the sidecar's published port.
func (b *Backend) CreateSandbox(ctx context.Context, spec sandbox.Spec) (*sandbox.Handle, error) {
	id := uuid.New().String()[:12]
	name := fmt.Sprintf("%s-%s", spec.NamePrefix, id)
	volume := "vol-" + name
	port := b.allocatePort()

	if out, err := exec.CommandContext(ctx, "docker", "volume", "create",
		"--driver", b.cfg.VolumeDriver,
		"--opt", "o=size="+fallback(spec.VolumeSizeLimit, "256m"),
		volume).CombinedOutput(); err != nil {
		return nil, fmt.Errorf("docker: create volume: %w: %s", err, out)
	}

	mainArgs := []string{
		"run", "-d",
		"--name", name + "-main",
		"--network", b.cfg.Network,
		"-v", volume + ":/mnt/data",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--user", "65534:65534",
		"--hostname", fallback(spec.Hostname, "sandbox"),
	}
	if spec.SeccompProfile != "" {
		mainArgs = append(mainArgs, "--security-opt", "seccomp="+spec.SeccompProfile)
	}
	mainArgs = appendLimits(mainArgs, spec.MainLimits)
	mainArgs = append(mainArgs, spec.Image)

	if out, err := exec.CommandContext(ctx, "docker", mainArgs...).CombinedOutput(); err != nil {
		b.teardown(volume, name+"-main", "")
		return nil, fmt.Errorf("docker: start main container: %w: %s", err, out)
	}

	sidecarArgs := []string{
		"run", "-d",
		"--name", name + "-sidecar",
		"--network", b.cfg.Network,
		"-p", fmt.Sprintf("127.0.0.1:%d:%d", port, spec.SidecarPort),
		"-v", volume + ":/mnt/data",
		"--cap-add", "SYS_PTRACE", // needed to enter the main container's namespace
		"--pid", "container:" + name + "-main",
		"--user", "65534:65534",
	}
	sidecarArgs = appendLimits(sidecarArgs, spec.SidecarLimits)
	sidecarArgs = append(sidecarArgs, spec.SidecarImage)

	if out, err := exec.CommandContext(ctx, "docker", sidecarArgs...).CombinedOutput(); err != nil {
		b.teardown(volume, name+"-main", name+"-sidecar")
		return nil, fmt.Errorf("docker: start sidecar container: %w: %s", err, out)
	}

	b.mu.Lock()
	b.volumes[name] = volume
	b.mu.Unlock()

	h := sandbox.NewHandle(id, name, "", spec.Language, "127.0.0.1", port)
	logging.Op().Debug("docker: sandbox started", "name", name, "port", port)
	return h, nil
}

func (b *Backend) DestroySandbox(ctx context.Context, h *sandbox.Handle) error {
	b.mu.Lock()
	volume := b.volumes[h.Name]
	delete(b.volumes, h.Name)
	b.mu.Unlock()
	b.teardown(volume, h.Name+"-main", h.Name+"-sidecar")
	return nil
}

func (b *Backend) teardown(volume, main, sidecar string) {
	for _, name := range []string{sidecar, main} {
		if name == "" {
			continue
		}
		exec.Command("docker", "rm", "-f", name).Run()
	}
	if volume != "" {
		exec.Command("docker", "volume", "rm", "-f", volume).Run()
	}
}

// WaitReady polls the sidecar's /ready endpoint until it responds 200 or the
// timeout elapses.
func (b *Backend) WaitReady(ctx context.Context, h *sandbox.Handle, timeout time.Duration) error {
	client := sidecar.New(h.Host, h.Port)
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if err := client.Ready(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(150 * time.Millisecond):
		}
	}
	return fmt.Errorf("docker: sidecar on %s:%d not ready after %s: %w", h.Host, h.Port, timeout, lastErr)
}

func appendLimits(args []string, l sandbox.ResourceLimits) []string {
	if l.MemLimit != "" {
		args = append(args, "--memory", l.MemLimit)
	}
	if l.CPULimit != "" {
		args = append(args, "--cpus", strings.TrimSuffix(l.CPULimit, "m"))
	}
	return args
}

func fallback(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
