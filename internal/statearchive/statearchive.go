// Package statearchive is the Cold State Archive (C4): long-term storage of
// inactive session state in an object store, with restore-on-demand back
// into the Hot State Cache. Hybrid storage mirrors the original Python
// archival service: hot TTL in Redis, cold TTL in the object store.
package statearchive

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/coderun/dispatcher/internal/objectstore"
	"github.com/coderun/dispatcher/internal/statecache"
)

// ErrNotFound is returned when no archived state exists for a session.
var ErrNotFound = objectstore.ErrNotFound

const statePrefix = "states"

func objectKey(sessionID string) string {
	return fmt.Sprintf("%s/%s/state.dat", statePrefix, sessionID)
}

type archivedMeta struct {
	ArchivedAt   time.Time `json:"archived_at"`
	OriginalSize int       `json:"original_size"`
	SessionID    string    `json:"session_id"`
}

// Archive persists and restores session state between the hot cache and the
// cold object store.
type Archive struct {
	objects *objectstore.Store
	hot     *statecache.Store
	coldTTL time.Duration
}

func New(objects *objectstore.Store, hot *statecache.Store, coldTTL time.Duration) *Archive {
	if coldTTL <= 0 {
		coldTTL = 7 * 24 * time.Hour
	}
	return &Archive{objects: objects, hot: hot, coldTTL: coldTTL}
}

// ArchiveSession moves a session's hot state into cold storage. It is a
// no-op (not an error) if the session has no hot state.
func (a *Archive) ArchiveSession(ctx context.Context, sessionID string) error {
	raw, err := a.hot.GetRaw(ctx, sessionID)
	if err != nil {
		if errors.Is(err, statecache.ErrNotFound) {
			return nil
		}
		return err
	}

	meta := archivedMeta{
		ArchivedAt:   time.Now(),
		OriginalSize: len(raw),
		SessionID:    sessionID,
	}
	body, err := json.Marshal(struct {
		Data []byte       `json:"data"`
		Meta archivedMeta `json:"meta"`
	}{Data: raw, Meta: meta})
	if err != nil {
		return err
	}

	return a.objects.Put(ctx, objectKey(sessionID), body, "application/json")
}

// Restore loads a session's state from cold storage and rehydrates it into
// the hot cache, returning the base64-encoded payload. Restore returns
// ErrNotFound when nothing is archived.
func (a *Archive) Restore(ctx context.Context, sessionID string) (string, error) {
	body, err := a.objects.Get(ctx, objectKey(sessionID))
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}

	var envelope struct {
		Data []byte `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", fmt.Errorf("statearchive: decoding archived envelope: %w", err)
	}

	b64 := base64.StdEncoding.EncodeToString(envelope.Data)
	if err := a.hot.Save(ctx, sessionID, b64, false); err != nil {
		return "", fmt.Errorf("statearchive: rehydrating hot cache: %w", err)
	}
	return b64, nil
}

// Delete removes a session's archived state, if any.
func (a *Archive) Delete(ctx context.Context, sessionID string) error {
	return a.objects.Delete(ctx, objectKey(sessionID))
}

// SweepExpired deletes cold-archived state blobs whose cold TTL has expired,
// mirroring cleanup_expired_archives() in the original archival service. An
// archive's age is taken from the object's LastModified timestamp: the
// object at objectKey is written once by ArchiveSession and never updated
// in place, so LastModified is exactly the archive time. batchLimit caps how
// many deletions one sweep performs; a non-positive value means unbounded.
func (a *Archive) SweepExpired(ctx context.Context, batchLimit int) (deleted int, errs []error) {
	infos, err := a.objects.ListPrefix(ctx, statePrefix+"/")
	if err != nil {
		return 0, []error{fmt.Errorf("statearchive: listing %s: %w", statePrefix, err)}
	}

	cutoff := time.Now().Add(-a.coldTTL)
	for _, info := range infos {
		if batchLimit > 0 && deleted >= batchLimit {
			break
		}
		if info.LastModified.IsZero() || info.LastModified.After(cutoff) {
			continue
		}
		if err := a.objects.Delete(ctx, info.Key); err != nil {
			errs = append(errs, fmt.Errorf("key %s: %w", info.Key, err))
			continue
		}
		deleted++
	}
	return deleted, errs
}

// SweepStale archives hot state for every session in candidateIDs whose
// remaining hot TTL the caller has already determined is below the
// archive-after threshold. The caller (cleanup scheduler) owns TTL
// inspection since the generic cache.Cache interface does not expose
// per-key remaining TTL uniformly across implementations.
func (a *Archive) SweepStale(ctx context.Context, candidateIDs []string) (archived int, errs []error) {
	for _, id := range candidateIDs {
		if err := a.ArchiveSession(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
			continue
		}
		archived++
	}
	return archived, errs
}
