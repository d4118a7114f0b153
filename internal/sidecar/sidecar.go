// Package sidecar is the Sidecar RPC Client (C7): an HTTP client for the
// /health, /ready, /files and /execute endpoints exposed by the small HTTP
// server colocated with the language runtime inside every sandbox. Wire
// shapes (base64 state, multipart file upload) are grounded on the
// oasis HTTPRunner's sandbox wire contract, adapted from an async
// callback model to the spec's synchronous request/response.
package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/coderun/dispatcher/internal/tracing"
)

const (
	healthTimeout = 5 * time.Second
	readyTimeout  = 5 * time.Second
	filesTimeout  = 30 * time.Second
	executeExtra  = 10 * time.Second
)

// ExecuteRequest is the /execute request envelope.
type ExecuteRequest struct {
	Code         string `json:"code"`
	TimeoutSecs  int    `json:"timeout"`
	WorkingDir   string `json:"working_dir,omitempty"`
	InitialState string `json:"initial_state,omitempty"`
	CaptureState bool   `json:"capture_state,omitempty"`
}

// ExecuteResponse is the /execute response envelope.
type ExecuteResponse struct {
	ExitCode        int      `json:"exit_code"`
	Stdout          string   `json:"stdout"`
	Stderr          string   `json:"stderr"`
	ExecutionTimeMs int64    `json:"execution_time_ms"`
	State           string   `json:"state,omitempty"`
	StateErrors     []string `json:"state_errors,omitempty"`
	// Files lists paths under /mnt/data the sidecar considers newly written
	// by this execution, the source for the dispatcher's generated-file
	// outputs. Optional: a sidecar build that doesn't report this simply
	// yields no file outputs.
	Files []string `json:"files,omitempty"`
}

// Client talks to one sandbox's sidecar over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client for the sidecar reachable at host:port.
func New(host string, port int) *Client {
	return &Client{
		baseURL: fmt.Sprintf("http://%s:%d", host, port),
		http:    &http.Client{},
	}
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) error {
	return c.probeOK(ctx, "/health", healthTimeout)
}

// Ready calls GET /ready, used during pool warmup.
func (c *Client) Ready(ctx context.Context) error {
	return c.probeOK(ctx, "/ready", readyTimeout)
}

func (c *Client) probeOK(ctx context.Context, path string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sidecar %s returned status %d", path, resp.StatusCode)
	}
	return nil
}

// UploadFile POSTs a multipart file to /files, writing it into /mnt/data.
func (c *Client) UploadFile(ctx context.Context, filename string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, filesTimeout)
	defer cancel()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("sidecar file upload returned status %d", resp.StatusCode)
	}
	return nil
}

// ReadFile GETs /files/{path}. The path must be strictly under /mnt/data
// after canonicalization; this client normalizes the requested path before
// sending the request so a caller cannot smuggle "../" traversal through it.
func (c *Client) ReadFile(ctx context.Context, filePath string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, filesTimeout)
	defer cancel()

	clean := path.Clean("/" + filePath)
	if strings.Contains(clean, "..") {
		return nil, fmt.Errorf("sidecar: invalid file path %q", filePath)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/files/"+url.PathEscape(strings.TrimPrefix(clean, "/")), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("sidecar file read returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// FileUpload is one file to push into a sandbox before execution.
type FileUpload struct {
	Filename string
	Data     []byte
}

// UploadAndExecute uploads files (if any) and then calls Execute, stopping at
// the first upload failure. Shared by the pool-hit and job-execution paths so
// both go through the same upload-then-run sequence.
func (c *Client) UploadAndExecute(ctx context.Context, files []FileUpload, req ExecuteRequest) (ExecuteResponse, error) {
	for _, f := range files {
		if err := c.UploadFile(ctx, f.Filename, f.Data); err != nil {
			return ExecuteResponse{}, fmt.Errorf("sidecar: uploading %q: %w", f.Filename, err)
		}
	}
	return c.Execute(ctx, req)
}

// Execute calls POST /execute. Any network-level timeout is translated into
// an ExecuteResponse carrying exit_code=124; any non-200 response is
// translated into exit_code=1 with stderr echoing the sidecar's status. It
// never returns an error for the "execution itself failed" case. An error is
// returned when the body cannot be encoded, when the request fails for a
// reason other than its deadline (e.g. connection refused), or when a 200
// response body cannot be decoded.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResponse, error) {
	ctx, span := tracing.Tracer().Start(ctx, "sidecar.execute")
	defer span.End()
	span.SetAttributes(
		attribute.Int("sidecar.timeout_secs", req.TimeoutSecs),
		attribute.Bool("sidecar.capture_state", req.CaptureState),
	)

	out, err := c.execute(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out, err
	}
	span.SetAttributes(attribute.Int("sidecar.exit_code", out.ExitCode))
	return out, nil
}

func (c *Client) execute(ctx context.Context, req ExecuteRequest) (ExecuteResponse, error) {
	userTimeout := time.Duration(req.TimeoutSecs) * time.Second
	ctx, cancel := context.WithTimeout(ctx, userTimeout+executeExtra)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return ExecuteResponse{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return ExecuteResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ExecuteResponse{
				ExitCode: 124,
				Stderr:   fmt.Sprintf("execution timed out after %ds", req.TimeoutSecs),
			}, nil
		}
		return ExecuteResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return ExecuteResponse{
			ExitCode: 1,
			Stderr:   fmt.Sprintf("sidecar returned status %d", resp.StatusCode),
		}, nil
	}

	var out ExecuteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ExecuteResponse{}, fmt.Errorf("sidecar: decoding /execute response: %w", err)
	}
	return out, nil
}
