// Package statecache is the hot-path store for serialized per-session
// interpreter state (the Hot State Cache). It stores base64 payload, SHA-256
// hash, and JSON metadata behind the generic cache.Cache interface, so an
// in-memory, Redis or tiered cache implementation can back it.
package statecache

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"crypto/sha256"
	"encoding/hex"

	"github.com/coderun/dispatcher/internal/cache"
)

// ErrNotFound is returned when no state exists for a session.
var ErrNotFound = cache.ErrNotFound

const (
	keyPrefix          = "session:state:"
	hashKeyPrefix      = "session:state:hash:"
	metaKeyPrefix      = "session:state:meta:"
	uploadMarkerPrefix = "session:state:uploaded:"

	uploadMarkerTTL = 30 * time.Second
)

// Meta is the JSON metadata stored alongside a state blob.
type Meta struct {
	Size      int       `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Store manages hot session state over a generic cache.Cache backend.
type Store struct {
	cache cache.Cache
	ttl   time.Duration
}

func New(c cache.Cache, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &Store{cache: c, ttl: ttl}
}

// ComputeHash returns the SHA-256 hex digest of raw state bytes.
func ComputeHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Get returns the base64-encoded state for a session, or ErrNotFound.
func (s *Store) Get(ctx context.Context, sessionID string) (string, error) {
	val, err := s.cache.Get(ctx, keyPrefix+sessionID)
	if err != nil {
		return "", err
	}
	return string(val), nil
}

// GetRaw returns the decoded raw state bytes for a session.
func (s *Store) GetRaw(ctx context.Context, sessionID string) ([]byte, error) {
	b64, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(b64)
}

// Save persists base64-encoded state for a session with the store's
// configured TTL, and computes/stores its hash and metadata alongside it.
func (s *Store) Save(ctx context.Context, sessionID, stateB64 string, fromUpload bool) error {
	raw, err := base64.StdEncoding.DecodeString(stateB64)
	if err != nil {
		return errors.New("statecache: state is not valid base64")
	}
	hash := ComputeHash(raw)
	meta := Meta{Size: len(raw), CreatedAt: time.Now()}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	if err := s.cache.Set(ctx, keyPrefix+sessionID, []byte(stateB64), s.ttl); err != nil {
		return err
	}
	if err := s.cache.Set(ctx, hashKeyPrefix+sessionID, []byte(hash), s.ttl); err != nil {
		return err
	}
	if err := s.cache.Set(ctx, metaKeyPrefix+sessionID, metaJSON, s.ttl); err != nil {
		return err
	}
	if fromUpload {
		return s.cache.Set(ctx, uploadMarkerPrefix+sessionID, []byte("1"), uploadMarkerTTL)
	}
	return nil
}

// SaveRaw is the wire-side counterpart of Save: it takes raw (non-base64)
// bytes, as arrive on the binary /state endpoints.
func (s *Store) SaveRaw(ctx context.Context, sessionID string, raw []byte, fromUpload bool) error {
	return s.Save(ctx, sessionID, base64.StdEncoding.EncodeToString(raw), fromUpload)
}

// Hash returns the stored SHA-256 hex digest for a session's state.
func (s *Store) Hash(ctx context.Context, sessionID string) (string, error) {
	val, err := s.cache.Get(ctx, hashKeyPrefix+sessionID)
	if err != nil {
		return "", err
	}
	return string(val), nil
}

// GetMeta returns the stored metadata for a session's state.
func (s *Store) GetMeta(ctx context.Context, sessionID string) (Meta, error) {
	val, err := s.cache.Get(ctx, metaKeyPrefix+sessionID)
	if err != nil {
		return Meta{}, err
	}
	var m Meta
	if err := json.Unmarshal(val, &m); err != nil {
		return Meta{}, err
	}
	return m, nil
}

// Delete removes all state entries for a session.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	for _, key := range []string{
		keyPrefix + sessionID,
		hashKeyPrefix + sessionID,
		metaKeyPrefix + sessionID,
		uploadMarkerPrefix + sessionID,
	} {
		if err := s.cache.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// ConsumeUploadMarker reports whether the session has a recent-upload marker
// set, clearing it atomically from the caller's point of view (best-effort:
// the clear is a separate call, matching the underlying cache.Cache
// interface's lack of native GETDEL).
func (s *Store) ConsumeUploadMarker(ctx context.Context, sessionID string) (bool, error) {
	ok, err := s.cache.Exists(ctx, uploadMarkerPrefix+sessionID)
	if err != nil {
		return false, err
	}
	if ok {
		_ = s.cache.Delete(ctx, uploadMarkerPrefix+sessionID)
	}
	return ok, nil
}

// SetUploadMarker marks a session's state as recently uploaded.
func (s *Store) SetUploadMarker(ctx context.Context, sessionID string) error {
	return s.cache.Set(ctx, uploadMarkerPrefix+sessionID, []byte("1"), uploadMarkerTTL)
}
