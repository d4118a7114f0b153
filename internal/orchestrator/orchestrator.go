// Package orchestrator is the Orchestrator (C14): the end-to-end per-request
// pipeline that ties the session registry, file store, state cache/archive
// and dispatcher together into one /exec call. Reimplemented method-by-method
// from original_source/src/services/orchestrator.py's
// ExecutionOrchestrator.execute(), with dependencies constructor-injected
// top-down instead of the original's mutual service references.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/coderun/dispatcher/internal/apierrors"
	"github.com/coderun/dispatcher/internal/dispatcher"
	"github.com/coderun/dispatcher/internal/eventbus"
	"github.com/coderun/dispatcher/internal/filestore"
	"github.com/coderun/dispatcher/internal/logging"
	"github.com/coderun/dispatcher/internal/metrics"
	"github.com/coderun/dispatcher/internal/sandbox"
	"github.com/coderun/dispatcher/internal/sessionreg"
	"github.com/coderun/dispatcher/internal/sidecar"
	"github.com/coderun/dispatcher/internal/statearchive"
	"github.com/coderun/dispatcher/internal/statecache"
)

// pythonLanguage is the only language state persistence ever applies to,
// matching the original's `language == "py"` gate.
const pythonLanguage = "py"

// FileRef identifies one file a caller wants mounted into the sandbox before
// execution, by id or by filename within a session.
type FileRef struct {
	ID        string
	SessionID string
	Name      string
}

// Request is the decoded body of POST /exec.
type Request struct {
	Code         string
	Language     string
	Args         any
	UserID       string
	EntityID     string
	SessionID    string
	Files        []FileRef
	TimeoutSecs  int
}

// FileOutput is one entry of the response's "files" list.
type FileOutput struct {
	ID   string
	Name string
}

// Response is the JSON body of a successful POST /exec.
type Response struct {
	SessionID string
	Files     []FileOutput
	Stdout    string
	Stderr    string
	HasState  bool
	StateSize int
	StateHash string
}

// languageSet bounds the validate step; configured at construction
// time from the same language set the pool/job path can actually serve.
type languageSet map[string]struct{}

func newLanguageSet(langs []string) languageSet {
	s := make(languageSet, len(langs))
	for _, l := range langs {
		s[dispatcher.NormalizeLanguage(l)] = struct{}{}
	}
	return s
}

func (s languageSet) has(lang string) bool {
	_, ok := s[dispatcher.NormalizeLanguage(lang)]
	return ok
}

// Orchestrator wires every other component into the per-request pipeline.
// No component here holds a back-reference to the Orchestrator; cross-cutting
// reactions (e.g. file cleanup on session delete) go through bus instead.
type Orchestrator struct {
	sessions   *sessionreg.Registry
	files      *filestore.Store
	dispatch   *dispatcher.Dispatcher
	hotState   *statecache.Store
	coldState  *statearchive.Archive
	bus        *eventbus.Bus
	mx         *metrics.Metrics
	languages  languageSet

	statePersistence bool
	captureOnError   bool
	defaultTimeout   int
}

// Config tunes pipeline behavior beyond the injected dependencies.
type Config struct {
	Languages          []string
	StatePersistence   bool
	CaptureOnError     bool
	DefaultTimeoutSecs int
}

// New builds an Orchestrator. hotState may be nil if state persistence is not
// wired, in which case steps 3 and 8 always no-op; a nil coldState only
// removes the cold-archive fallback from step 3.
func New(sessions *sessionreg.Registry, files *filestore.Store, dispatch *dispatcher.Dispatcher, hotState *statecache.Store, coldState *statearchive.Archive, bus *eventbus.Bus, mx *metrics.Metrics, cfg Config) *Orchestrator {
	if cfg.DefaultTimeoutSecs <= 0 {
		cfg.DefaultTimeoutSecs = 30
	}
	return &Orchestrator{
		sessions:         sessions,
		files:            files,
		dispatch:         dispatch,
		hotState:         hotState,
		coldState:        coldState,
		bus:              bus,
		mx:               mx,
		languages:        newLanguageSet(cfg.Languages),
		statePersistence: cfg.StatePersistence,
		captureOnError:   cfg.CaptureOnError,
		defaultTimeout:   cfg.DefaultTimeoutSecs,
	}
}

// Execute runs the full ten-step pipeline for one request.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (Response, error) {
	start := time.Now()

	if err := o.validate(req); err != nil {
		return Response{}, err
	}

	lang := dispatcher.NormalizeLanguage(req.Language)
	usesState := o.statePersistence && lang == pythonLanguage && o.hotState != nil

	session, err := o.resolveSession(ctx, req)
	if err != nil {
		return Response{}, err
	}

	var initialState string
	if usesState {
		initialState, err = o.loadPriorState(ctx, session.ID)
		if err != nil {
			return Response{}, apierrors.Wrap("Code Execution", err)
		}
	}

	mounted, uploads, err := o.mountFiles(ctx, session.ID, req.Files)
	if err != nil {
		return Response{}, err
	}

	result, handle, source, err := o.dispatch.Execute(ctx, dispatcher.Request{
		SessionID:    session.ID,
		Language:     req.Language,
		Code:         req.Code,
		TimeoutSecs:  firstPositive(req.TimeoutSecs, o.defaultTimeout),
		Files:        uploads,
		InitialState: initialState,
		CaptureState: usesState,
	})
	if err != nil {
		return Response{}, apierrors.ServiceUnavailable("Code Execution", err)
	}

	generated := o.handleGeneratedFiles(ctx, session.ID, handle, result, mounted)

	stdout, stderr := extractOutputs(result)

	var hasState bool
	var stateSize int
	var stateHash string
	if usesState && o.shouldSaveState(result) {
		hasState, stateSize, stateHash = o.saveState(ctx, session.ID, result.State)
	}

	resp := Response{
		SessionID: session.ID,
		Files:     generated,
		Stdout:    stdout,
		Stderr:    stderr,
		HasState:  hasState,
		StateSize: stateSize,
		StateHash: stateHash,
	}

	o.cleanup(handle, lang, source, result, session.ID, start)
	return resp, nil
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 30
}

// validate is pipeline step 1.
func (o *Orchestrator) validate(req Request) error {
	if len(o.languages) > 0 && !o.languages.has(req.Language) {
		return apierrors.Validation("unsupported language", apierrors.Detail{Field: "lang", Message: "language is not configured"})
	}
	if strings.TrimSpace(req.Code) == "" {
		return apierrors.Validation("code must not be empty", apierrors.Detail{Field: "code", Message: "snippet is empty or whitespace-only"})
	}
	return nil
}

// resolveSession is pipeline step 2: explicit session id, then a file
// reference's session id, then the entity's most-recent-active session,
// finally a brand new session.
func (o *Orchestrator) resolveSession(ctx context.Context, req Request) (sessionreg.Session, error) {
	if req.SessionID != "" {
		s, err := o.sessions.Get(ctx, req.SessionID)
		if err == nil && s.Status == sessionreg.StatusActive {
			return s, nil
		}
		if err != nil && !errors.Is(err, sessionreg.ErrNotFound) {
			return sessionreg.Session{}, apierrors.Wrap("Session Registry", err)
		}
	}

	for _, f := range req.Files {
		if f.SessionID == "" {
			continue
		}
		s, err := o.sessions.Get(ctx, f.SessionID)
		if err == nil && s.Status == sessionreg.StatusActive {
			return s, nil
		}
	}

	if req.EntityID != "" {
		if s, found, err := o.sessions.MostRecentActive(ctx, req.EntityID); err == nil && found {
			return s, nil
		}
	}

	meta := map[string]string{}
	if req.EntityID != "" {
		meta["entity_id"] = req.EntityID
	}
	if req.UserID != "" {
		meta["user_id"] = req.UserID
	}
	s, err := o.sessions.Create(ctx, req.EntityID, req.UserID, meta)
	if err != nil {
		return sessionreg.Session{}, apierrors.Wrap("Session Registry", err)
	}
	o.bus.Publish(ctx, eventbus.SessionCreated{SessionID: s.ID, EntityID: s.EntityID, CreatedAt: s.CreatedAt})
	return s, nil
}

// loadPriorState is pipeline step 3: recent-upload marker first (consuming
// it), then the hot cache, then the cold archive with hot-cache rehydration.
func (o *Orchestrator) loadPriorState(ctx context.Context, sessionID string) (string, error) {
	if uploaded, err := o.hotState.ConsumeUploadMarker(ctx, sessionID); err == nil && uploaded {
		return o.hotState.Get(ctx, sessionID)
	}

	state, err := o.hotState.Get(ctx, sessionID)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, statecache.ErrNotFound) {
		return "", err
	}

	if o.coldState == nil {
		return "", nil
	}
	state, err = o.coldState.Restore(ctx, sessionID)
	if errors.Is(err, statearchive.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return state, nil
}

type mountedFile struct {
	FileID    string
	Filename  string
	SessionID string
	Size      int64
}

// mountFiles is pipeline step 4. Unlike the original, an unresolvable file
// reference is a hard validation error rather than a silently-skipped
// warning (the corrected behavior the spec calls out explicitly).
func (o *Orchestrator) mountFiles(ctx context.Context, sessionID string, refs []FileRef) ([]mountedFile, []sidecar.FileUpload, error) {
	seen := make(map[string]struct{}, len(refs))
	mounted := make([]mountedFile, 0, len(refs))
	uploads := make([]sidecar.FileUpload, 0, len(refs))

	for _, ref := range refs {
		scope := ref.SessionID
		if scope == "" {
			scope = sessionID
		}

		entry, ok, err := o.resolveFile(ctx, scope, ref)
		if err != nil {
			return nil, nil, apierrors.Wrap("File Store", err)
		}
		if !ok {
			return nil, nil, apierrors.Validation("referenced file not found", apierrors.Detail{
				Field:   "files",
				Message: "no file matches id=" + ref.ID + " name=" + ref.Name,
			})
		}

		key := scope + ":" + entry.FileID
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		data, err := o.files.GetContent(ctx, scope, entry.FileID)
		if err != nil {
			return nil, nil, apierrors.Wrap("File Store", err)
		}

		mounted = append(mounted, mountedFile{FileID: entry.FileID, Filename: entry.Filename, SessionID: scope, Size: entry.Size})
		uploads = append(uploads, sidecar.FileUpload{Filename: entry.Filename, Data: data})
	}
	return mounted, uploads, nil
}

func (o *Orchestrator) resolveFile(ctx context.Context, sessionID string, ref FileRef) (filestore.Entry, bool, error) {
	entries, err := o.files.List(ctx, sessionID)
	if err != nil {
		return filestore.Entry{}, false, err
	}
	for _, e := range entries {
		if ref.ID != "" && e.FileID == ref.ID {
			return e, true, nil
		}
	}
	if ref.ID != "" {
		return filestore.Entry{}, false, nil
	}
	for _, e := range entries {
		if ref.Name != "" && e.Filename == ref.Name {
			return e, true, nil
		}
	}
	return filestore.Entry{}, false, nil
}

// handleGeneratedFiles is pipeline step 6. It best-effort fetches any
// file-type output the sidecar produced while handle is still reachable;
// a nil handle (job executor already tore the sandbox down) simply yields
// no generated files rather than erroring the whole request.
func (o *Orchestrator) handleGeneratedFiles(ctx context.Context, sessionID string, handle *sandbox.Handle, result dispatcher.Result, mounted []mountedFile) []FileOutput {
	if handle == nil || len(result.GeneratedPaths()) == 0 {
		return nil
	}

	inputNames := make(map[string]struct{}, len(mounted))
	for _, m := range mounted {
		inputNames[baseName(m.Filename)] = struct{}{}
	}

	client := sidecar.New(handle.Host, handle.Port)
	var out []FileOutput
	for _, p := range result.GeneratedPaths() {
		name := baseName(p)
		if name == "" || strings.HasPrefix(name, ".") {
			continue
		}
		if _, isInput := inputNames[name]; isInput {
			continue
		}
		data, err := client.ReadFile(ctx, p)
		if err != nil {
			logging.Op().Warn("orchestrator: fetching generated file failed", "session_id", sessionID, "path", p, "error", err)
			continue
		}
		entry, err := o.files.StoreOutputFile(ctx, sessionID, name, data)
		if err != nil {
			logging.Op().Warn("orchestrator: storing generated file failed", "session_id", sessionID, "path", p, "error", err)
			continue
		}
		o.bus.Publish(ctx, eventbus.FileUploaded{SessionID: sessionID, FileID: entry.FileID, Origin: string(filestore.OriginOutput)})
		out = append(out, FileOutput{ID: entry.FileID, Name: name})
	}
	return out
}

func baseName(p string) string {
	p = strings.TrimRight(p, "/")
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}

// extractOutputs is pipeline step 7.
func extractOutputs(result dispatcher.Result) (stdout, stderr string) {
	stdout = result.Stdout
	stderr = result.Stderr
	if result.Status != dispatcher.StatusCompleted && stderr == "" {
		stderr = strings.Join(result.StateErrors, "\n")
	}
	if stdout != "" && !strings.HasSuffix(stdout, "\n") {
		stdout += "\n"
	}
	return stdout, stderr
}

func (o *Orchestrator) shouldSaveState(result dispatcher.Result) bool {
	if result.Status == dispatcher.StatusCompleted {
		return true
	}
	return o.captureOnError
}

// saveState is pipeline step 8, persisting to the hot cache only; archival
// to cold storage happens later via the cleanup scheduler's periodic sweep.
func (o *Orchestrator) saveState(ctx context.Context, sessionID, stateB64 string) (hasState bool, size int, hash string) {
	if stateB64 == "" {
		return false, 0, ""
	}
	raw, err := base64.StdEncoding.DecodeString(stateB64)
	if err != nil {
		logging.Op().Warn("orchestrator: new state is not valid base64", "session_id", sessionID, "error", err)
		return false, 0, ""
	}
	if err := o.hotState.Save(ctx, sessionID, stateB64, false); err != nil {
		logging.Op().Warn("orchestrator: saving new state failed", "session_id", sessionID, "error", err)
		return false, 0, ""
	}
	sum := sha256.Sum256(raw)
	return true, len(raw), hex.EncodeToString(sum[:])
}

// cleanup is pipeline step 10: destroy the handle in the background, publish
// ExecutionCompleted, record metrics. Never lets a cleanup error escape to
// the caller, since the response has already been built.
func (o *Orchestrator) cleanup(handle *sandbox.Handle, language, source string, result dispatcher.Result, sessionID string, start time.Time) {
	elapsed := time.Since(start).Milliseconds()
	success := result.Status == dispatcher.StatusCompleted

	o.bus.Publish(context.Background(), eventbus.ExecutionCompleted{
		ExecutionID: result.ExecutionID,
		SessionID:   sessionID,
		Success:     success,
		ElapsedMs:   elapsed,
	})

	if handle == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Op().Error("orchestrator: recovered panic destroying handle", "panic", r)
			}
		}()
		o.dispatch.Destroy(language, source, handle)
	}()
}
