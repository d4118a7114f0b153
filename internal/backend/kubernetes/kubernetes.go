// Package kubernetes implements the sandbox.Backend interface by shelling
// out to kubectl, the same way the teacher's pod manager did: no
// client-go dependency, just apply/get/delete against rendered manifests.
// Each sandbox is a single pod with two containers (main runtime + sidecar)
// sharing an emptyDir volume at /mnt/data.
package kubernetes

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"

	"github.com/coderun/dispatcher/internal/logging"
	"github.com/coderun/dispatcher/internal/sandbox"
	"github.com/coderun/dispatcher/internal/sidecar"
)

// Config holds Kubernetes backend configuration.
type Config struct {
	Namespace         string
	ServiceAccount    string
	RuntimeClassName  string
	NodeSelector      map[string]string
	VolumeSizeLimit   string
}

func DefaultConfig() Config {
	return Config{
		Namespace:       "coderun-sandbox",
		VolumeSizeLimit: "256Mi",
	}
}

// Backend implements sandbox.Backend over kubectl.
type Backend struct {
	cfg Config
}

func New(cfg Config) (*Backend, error) {
	if err := exec.Command("kubectl", "version", "--client").Run(); err != nil {
		return nil, fmt.Errorf("kubernetes: kubectl unavailable: %w", err)
	}
	b := &Backend{cfg: cfg}
	if err := b.ensureNamespace(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Backend) ensureNamespace() error {
	if err := exec.Command("kubectl", "get", "namespace", b.cfg.Namespace).Run(); err == nil {
		return nil
	}
	out, err := exec.Command("kubectl", "create", "namespace", b.cfg.Namespace).CombinedOutput()
	if err != nil {
		return fmt.Errorf("kubernetes: create namespace: %w: %s", err, out)
	}
	return nil
}

const podManifest = `
apiVersion: v1
kind: Pod
metadata:
  name: {{.Name}}
  namespace: {{.Namespace}}
  labels:
    app: coderun-sandbox
    language: {{.Language}}
spec:
  {{- if .ServiceAccount}}
  serviceAccountName: {{.ServiceAccount}}
  {{- end}}
  {{- if .RuntimeClassName}}
  runtimeClassName: {{.RuntimeClassName}}
  {{- end}}
  restartPolicy: Never
  automountServiceAccountToken: false
  {{- if .NodeSelector}}
  nodeSelector:
  {{- range $k, $v := .NodeSelector}}
    {{$k}}: {{$v}}
  {{- end}}
  {{- end}}
  securityContext:
    runAsNonRoot: true
    runAsUser: 65534
    fsGroup: 65534
  containers:
    - name: main
      image: {{.Image}}
      securityContext:
        allowPrivilegeEscalation: false
        capabilities: {drop: ["ALL"]}
      resources:
        limits:
          cpu: {{.MainCPULimit}}
          memory: {{.MainMemLimit}}
      volumeMounts:
        - name: data
          mountPath: /mnt/data
    - name: sidecar
      image: {{.SidecarImage}}
      ports:
        - containerPort: {{.SidecarPort}}
      securityContext:
        allowPrivilegeEscalation: false
        capabilities: {drop: ["ALL"]}
      resources:
        limits:
          cpu: {{.SidecarCPULimit}}
          memory: {{.SidecarMemLimit}}
      volumeMounts:
        - name: data
          mountPath: /mnt/data
  volumes:
    - name: data
      emptyDir:
        sizeLimit: {{.VolumeSizeLimit}}
`

var podTemplate = template.Must(template.New("pod").Parse(podManifest))

type podVars struct {
	Name             string
	Namespace        string
	Language         string
	Image            string
	SidecarImage     string
	SidecarPort      int
	ServiceAccount   string
	RuntimeClassName string
	NodeSelector     map[string]string
	MainCPULimit     string
	MainMemLimit     string
	SidecarCPULimit  string
	SidecarMemLimit  string
	VolumeSizeLimit  string
}

func (b *Backend) CreateSandbox(ctx context.Context, spec sandbox.Spec) (*sandbox.Handle, error) {
	id := uuid.New().String()[:8]
	name := fmt.Sprintf("%s-%s", strings.ToLower(spec.NamePrefix), id)

	vars := podVars{
		Name:             name,
		Namespace:        b.cfg.Namespace,
		Language:         spec.Language,
		Image:            spec.Image,
		SidecarImage:     spec.SidecarImage,
		SidecarPort:      spec.SidecarPort,
		ServiceAccount:   b.cfg.ServiceAccount,
		RuntimeClassName: b.cfg.RuntimeClassName,
		NodeSelector:     b.cfg.NodeSelector,
		MainCPULimit:     fallback(spec.MainLimits.CPULimit, "500m"),
		MainMemLimit:     fallback(spec.MainLimits.MemLimit, "256Mi"),
		SidecarCPULimit:  fallback(spec.SidecarLimits.CPULimit, "200m"),
		SidecarMemLimit:  fallback(spec.SidecarLimits.MemLimit, "128Mi"),
		VolumeSizeLimit:  fallback(spec.VolumeSizeLimit, b.cfg.VolumeSizeLimit),
	}

	var manifest bytes.Buffer
	if err := podTemplate.Execute(&manifest, vars); err != nil {
		return nil, fmt.Errorf("kubernetes: render pod manifest: %w", err)
	}

	cmd := exec.CommandContext(ctx, "kubectl", "apply", "-f", "-")
	cmd.Stdin = &manifest
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("kubernetes: apply pod: %w: %s", err, out)
	}

	if err := b.waitRunning(ctx, name, 30*time.Second); err != nil {
		b.deletePod(name)
		return nil, err
	}

	ip, err := b.podIP(ctx, name)
	if err != nil {
		b.deletePod(name)
		return nil, err
	}

	h := sandbox.NewHandle(id, name, b.cfg.Namespace, spec.Language, ip, spec.SidecarPort)
	logging.Op().Debug("kubernetes: sandbox pod scheduled", "name", name, "ip", ip)
	return h, nil
}

func (b *Backend) waitRunning(ctx context.Context, name string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		out, err := exec.CommandContext(ctx, "kubectl", "get", "pod", name,
			"-n", b.cfg.Namespace, "-o", "jsonpath={.status.phase}").Output()
		if err == nil && strings.TrimSpace(string(out)) == "Running" {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(300 * time.Millisecond):
		}
	}
	return fmt.Errorf("kubernetes: pod %s did not reach Running within %s", name, timeout)
}

func (b *Backend) podIP(ctx context.Context, name string) (string, error) {
	out, err := exec.CommandContext(ctx, "kubectl", "get", "pod", name,
		"-n", b.cfg.Namespace, "-o", "jsonpath={.status.podIP}").Output()
	if err != nil {
		return "", fmt.Errorf("kubernetes: read pod IP: %w", err)
	}
	ip := strings.TrimSpace(string(out))
	if ip == "" {
		return "", fmt.Errorf("kubernetes: pod %s has no IP assigned", name)
	}
	return ip, nil
}

func (b *Backend) DestroySandbox(ctx context.Context, h *sandbox.Handle) error {
	return b.deletePod(h.Name)
}

func (b *Backend) deletePod(name string) error {
	out, err := exec.Command("kubectl", "delete", "pod", name,
		"-n", b.cfg.Namespace, "--ignore-not-found", "--grace-period=2").CombinedOutput()
	if err != nil {
		return fmt.Errorf("kubernetes: delete pod %s: %w: %s", name, err, out)
	}
	return nil
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
		case <-time.After(200 * time.Millisecond):
		}
	}
	return fmt.Errorf("kubernetes: sidecar on %s:%d not ready after %s: %w", h.Host, h.Port, timeout, lastErr)
}

func fallback(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
