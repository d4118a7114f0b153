// Package sessionaudit is the Postgres-backed durability path for the
// Session Registry (C6): a pgx connection pool that mirrors every status
// transition into an append-only table, grounded on
// internal/store/postgres.go's pgxpool.New + ensureSchema convention.
//
// The registry treats this as best-effort: a write failure here is logged
// and swallowed (sessionreg.Registry.mirror), never surfaced to the caller
// of Create/Update/Delete.
package sessionaudit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coderun/dispatcher/internal/sessionreg"
)

// Sink writes session status transitions to Postgres. It implements
// sessionreg.AuditSink.
type Sink struct {
	pool *pgxpool.Pool
}

// New opens a pooled connection to dsn, verifies it with a ping, and
// ensures the audit table exists.
func New(ctx context.Context, dsn string) (*Sink, error) {
	if dsn == "" {
		return nil, fmt.Errorf("sessionaudit: postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("sessionaudit: create pool: %w", err)
	}

	s := &Sink{pool: pool}

	if err := s.pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sessionaudit: ping: %w", err)
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS session_audit_log (
			id          BIGSERIAL PRIMARY KEY,
			session_id  TEXT NOT NULL,
			status      TEXT NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("sessionaudit: ensure schema: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_session_audit_log_session_id
		ON session_audit_log(session_id, recorded_at DESC)
	`); err != nil {
		return fmt.Errorf("sessionaudit: ensure index: %w", err)
	}
	return nil
}

// RecordTransition appends one row to the audit log. Never mutates existing
// rows: history is append-only so it can answer "what was this session's
// status at time T" after the Redis hash has long since expired.
func (s *Sink) RecordTransition(ctx context.Context, sessionID string, status sessionreg.Status, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO session_audit_log (session_id, status, recorded_at)
		VALUES ($1, $2, $3)
	`, sessionID, string(status), at.UTC())
	if err != nil {
		return fmt.Errorf("sessionaudit: record transition: %w", err)
	}
	return nil
}

// History returns the most recent transitions for sessionID, newest first,
// for post-expiry audit lookups that the live registry can no longer serve.
func (s *Sink) History(ctx context.Context, sessionID string, limit int) ([]Transition, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT status, recorded_at FROM session_audit_log
		WHERE session_id = $1
		ORDER BY recorded_at DESC
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("sessionaudit: history: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var status string
		if err := rows.Scan(&status, &t.At); err != nil {
			return nil, fmt.Errorf("sessionaudit: scan transition: %w", err)
		}
		t.Status = sessionreg.Status(status)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sessionaudit: history rows: %w", err)
	}
	return out, nil
}

// Transition is one recorded status change.
type Transition struct {
	Status sessionreg.Status
	At     time.Time
}

// Close releases the pool's connections.
func (s *Sink) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
