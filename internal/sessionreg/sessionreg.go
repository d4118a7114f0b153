// Package sessionreg is the Session Registry (C6): a Redis-backed map of
// session id to status/timestamps/metadata/entity-grouping, with an optional
// Postgres audit mirror for durable lifecycle history.
package sessionreg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coderun/dispatcher/internal/idgen"
	"github.com/coderun/dispatcher/internal/logging"
)

// Status mirrors the Session.Status enum from the data model.
type Status string

const (
	StatusActive     Status = "active"
	StatusIdle       Status = "idle"
	StatusTerminated Status = "terminated"
	StatusError      Status = "error"
)

const (
	sessionKeyPrefix = "sessions:"
	indexKey         = "sessions:index"
	entityKeyPrefix  = "entity_sessions:"
)

// ErrNotFound is returned when a session id does not resolve to a live session.
var ErrNotFound = errors.New("sessionreg: session not found")

// Session is the registry's view of one logical conversation.
type Session struct {
	ID         string
	Status     Status
	CreatedAt  time.Time
	LastActive time.Time
	ExpiresAt  time.Time
	EntityID   string
	UserID     string
	Metadata   map[string]string
}

// AuditSink optionally mirrors lifecycle transitions to durable storage. The
// registry never blocks a request on this succeeding.
type AuditSink interface {
	RecordTransition(ctx context.Context, sessionID string, status Status, at time.Time) error
}

// Registry is the Redis-backed session registry.
type Registry struct {
	client *redis.Client
	ttl    time.Duration
	audit  AuditSink
}

// New builds a Registry. audit may be nil.
func New(client *redis.Client, ttl time.Duration, audit AuditSink) *Registry {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &Registry{client: client, ttl: ttl, audit: audit}
}

func sessionKey(id string) string { return sessionKeyPrefix + id }
func entityKey(entityID string) string { return entityKeyPrefix + entityID }

// Create generates a new session id, stores it transactionally, and applies
// the registry's configured TTL to the hash.
func (r *Registry) Create(ctx context.Context, entityID, userID string, metadata map[string]string) (Session, error) {
	now := time.Now()
	s := Session{
		ID:         idgen.NewSessionID(),
		Status:     StatusActive,
		CreatedAt:  now,
		LastActive: now,
		ExpiresAt:  now.Add(r.ttl),
		EntityID:   entityID,
		UserID:     userID,
		Metadata:   metadata,
	}

	fields, err := toFields(s)
	if err != nil {
		return Session{}, err
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, sessionKey(s.ID), fields)
	pipe.Expire(ctx, sessionKey(s.ID), r.ttl)
	pipe.SAdd(ctx, indexKey, s.ID)
	if entityID != "" {
		pipe.SAdd(ctx, entityKey(entityID), s.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return Session{}, fmt.Errorf("sessionreg: create: %w", err)
	}

	r.mirror(ctx, s.ID, s.Status, now)
	return s, nil
}

// Get returns a session by id, refreshing last-activity when it is active.
// Returns ErrNotFound when the hash is absent.
func (r *Registry) Get(ctx context.Context, id string) (Session, error) {
	result, err := r.client.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return Session{}, err
	}
	if len(result) == 0 {
		return Session{}, ErrNotFound
	}

	s, err := fromFields(id, result)
	if err != nil {
		return Session{}, err
	}

	if s.Status == StatusActive {
		s.LastActive = time.Now()
		fields, err := toFields(s)
		if err == nil {
			r.client.HSet(ctx, sessionKey(id), fields)
		}
	}
	return s, nil
}

// Update merges changes into a session's stored fields and always refreshes
// last-activity.
func (r *Registry) Update(ctx context.Context, id string, mutate func(*Session)) (Session, error) {
	s, err := r.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	mutate(&s)
	s.LastActive = time.Now()

	fields, err := toFields(s)
	if err != nil {
		return Session{}, err
	}
	if err := r.client.HSet(ctx, sessionKey(id), fields).Err(); err != nil {
		return Session{}, err
	}
	r.mirror(ctx, id, s.Status, s.LastActive)
	return s, nil
}

// Delete removes a session's hash, index membership and entity-group
// membership atomically. Returns false if the session did not exist.
// cleanup is invoked (if non-nil) before the keys are removed, so the caller
// can free session-scoped resources (files, cached state) first.
func (r *Registry) Delete(ctx context.Context, id string, cleanup func(context.Context, Session) error) (bool, error) {
	s, err := r.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if cleanup != nil {
		if err := cleanup(ctx, s); err != nil {
			logging.Op().Error("sessionreg: cleanup callback failed", "session_id", id, "error", err)
		}
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, sessionKey(id))
	pipe.SRem(ctx, indexKey, id)
	if s.EntityID != "" {
		pipe.SRem(ctx, entityKey(s.EntityID), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("sessionreg: delete: %w", err)
	}

	r.mirror(ctx, id, StatusTerminated, time.Now())
	return true, nil
}

// ListByEntity returns up to limit sessions for entityID, starting at offset.
func (r *Registry) ListByEntity(ctx context.Context, entityID string, limit, offset int) ([]Session, error) {
	ids, err := r.client.SMembers(ctx, entityKey(entityID)).Result()
	if err != nil {
		return nil, err
	}
	if offset >= len(ids) {
		return nil, nil
	}
	end := offset + limit
	if end > len(ids) || limit <= 0 {
		end = len(ids)
	}
	window := ids[offset:end]

	out := make([]Session, 0, len(window))
	for _, id := range window {
		s, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// List returns every session currently in the index, newest first. Used by
// the sessions listing endpoint; unlike ListByEntity it is not scoped to one
// caller. Every indexed session is read and sorted in memory before the
// limit/offset window is applied.
func (r *Registry) List(ctx context.Context, limit, offset int) ([]Session, error) {
	ids, err := r.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Session, 0, len(ids))
	for _, id := range ids {
		s, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActive.After(out[j].LastActive) })

	if offset >= len(out) {
		return nil, nil
	}
	end := offset + limit
	if end > len(out) || limit <= 0 {
		end = len(out)
	}
	return out[offset:end], nil
}

// MostRecentActive returns the most recently active session for entityID, if
// any exists and is still active.
func (r *Registry) MostRecentActive(ctx context.Context, entityID string) (Session, bool, error) {
	sessions, err := r.ListByEntity(ctx, entityID, 0, 0)
	if err != nil {
		return Session{}, false, err
	}
	var best Session
	found := false
	for _, s := range sessions {
		if s.Status != StatusActive {
			continue
		}
		if !found || s.LastActive.After(best.LastActive) {
			best = s
			found = true
		}
	}
	return best, found, nil
}

// CleanupExpired scans the session index and removes any session that is
// missing (orphaned) or whose ExpiresAt has passed. It never returns an
// error for individual scan failures: a sweep failure is logged and the
// caller sees only the count of sessions actually removed.
func (r *Registry) CleanupExpired(ctx context.Context, onDelete func(context.Context, Session)) (int, error) {
	ids, err := r.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return 0, err
	}

	removed := 0
	now := time.Now()
	for _, id := range ids {
		s, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Orphaned index entry: the hash expired or was removed without
			// cleaning up the index. Clean up membership only.
			r.client.SRem(ctx, indexKey, id)
			removed++
			continue
		}
		if err != nil {
			logging.Op().Warn("sessionreg: cleanup sweep read failed", "session_id", id, "error", err)
			continue
		}
		if s.ExpiresAt.After(now) {
			continue
		}
		if ok, err := r.Delete(ctx, id, nil); err == nil && ok {
			removed++
			if onDelete != nil {
				onDelete(ctx, s)
			}
		}
	}
	return removed, nil
}

func (r *Registry) mirror(ctx context.Context, sessionID string, status Status, at time.Time) {
	if r.audit == nil {
		return
	}
	if err := r.audit.RecordTransition(ctx, sessionID, status, at); err != nil {
		logging.Op().Warn("sessionreg: audit mirror write failed", "session_id", sessionID, "error", err)
	}
}

func toFields(s Session) (map[string]interface{}, error) {
	metaJSON, err := json.Marshal(s.Metadata)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status":      string(s.Status),
		"created_at":  s.CreatedAt.Format(time.RFC3339Nano),
		"last_active": s.LastActive.Format(time.RFC3339Nano),
		"expires_at":  s.ExpiresAt.Format(time.RFC3339Nano),
		"entity_id":   s.EntityID,
		"user_id":     s.UserID,
		"metadata":    string(metaJSON),
	}, nil
}

func fromFields(id string, fields map[string]string) (Session, error) {
	s := Session{ID: id, Status: Status(fields["status"])}

	var err error
	if s.CreatedAt, err = parseTime(fields["created_at"]); err != nil {
		return Session{}, err
	}
	if s.LastActive, err = parseTime(fields["last_active"]); err != nil {
		return Session{}, err
	}
	if s.ExpiresAt, err = parseTime(fields["expires_at"]); err != nil {
		return Session{}, err
	}
	s.EntityID = fields["entity_id"]
	s.UserID = fields["user_id"]

	if meta := fields["metadata"]; meta != "" {
		if err := json.Unmarshal([]byte(meta), &s.Metadata); err != nil {
			return Session{}, err
		}
	}
	return s, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, v)
}
