// Package archive persists completed conversation turns to PostgreSQL. Only
// turns that made it into the conversation history are written: failed or
// abandoned attempts never reach the archive.
//
// The archive is optional. When no DSN is configured the application runs
// without it and history remains in-memory only.
package archive

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parley-ai/parley/internal/history"
)

// ddlTurns creates the transcript table. The full-text index uses the
// 'simple' configuration because transcripts are multilingual.
const ddlTurns = `
CREATE TABLE IF NOT EXISTS turns (
    id          BIGSERIAL    PRIMARY KEY,
    turn_id     TEXT         NOT NULL UNIQUE,
    session_id  TEXT         NOT NULL,
    role        TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    language    TEXT         NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_turns_session_id
    ON turns (session_id);

CREATE INDEX IF NOT EXISTS idx_turns_session_created
    ON turns (session_id, created_at);

CREATE INDEX IF NOT EXISTS idx_turns_fts
    ON turns USING GIN (to_tsvector('simple', content));
`

// Archive is a PostgreSQL-backed transcript store. All methods are safe for
// concurrent use.
type Archive struct {
	pool *pgxpool.Pool
}

// Open establishes a connection pool to the database at dsn and ensures the
// transcript schema exists.
func Open(ctx context.Context, dsn string) (*Archive, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, ddlTurns); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}

	return &Archive{pool: pool}, nil
}

// Close releases all connections held by the pool.
func (a *Archive) Close() {
	a.pool.Close()
}

// WriteTurn appends a completed turn under sessionID. Re-writing a turn that
// was already archived is a no-op, so observers may replay history snapshots
// safely.
func (a *Archive) WriteTurn(ctx context.Context, sessionID string, t history.Turn) error {
	const q = `
		INSERT INTO turns (turn_id, session_id, role, content, language, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (turn_id) DO NOTHING`

	_, err := a.pool.Exec(ctx, q,
		t.ID,
		sessionID,
		string(t.Role),
		t.Content,
		t.Language,
		t.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("archive: write turn: %w", err)
	}
	return nil
}

// Recent returns up to limit turns for sessionID, ordered chronologically
// (oldest first). A non-positive limit returns all turns for the session.
func (a *Archive) Recent(ctx context.Context, sessionID string, limit int) ([]history.Turn, error) {
	q := `
		SELECT turn_id, role, content, language, created_at
		FROM   turns
		WHERE  session_id = $1
		ORDER  BY created_at`
	args := []any{sessionID}

	if limit > 0 {
		// Take the newest N, but keep chronological order in the result.
		q = `
			SELECT turn_id, role, content, language, created_at FROM (
			    SELECT turn_id, role, content, language, created_at
			    FROM   turns
			    WHERE  session_id = $1
			    ORDER  BY created_at DESC
			    LIMIT  $2
			) newest
			ORDER BY created_at`
		args = append(args, limit)
	}

	rows, err := a.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("archive: recent: %w", err)
	}
	return collectTurns(rows)
}

// SearchOpts filters a transcript search.
type SearchOpts struct {
	// SessionID limits results to one session when non-empty.
	SessionID string
	// After and Before bound the turn timestamp when non-zero.
	After  time.Time
	Before time.Time
	// Limit caps the number of results when positive.
	Limit int
}

// Search performs a full-text search over archived turn content. The query
// is passed to plainto_tsquery so no operator syntax is required.
func (a *Archive) Search(ctx context.Context, query string, opts SearchOpts) ([]history.Turn, error) {
	args := []any{query}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"to_tsvector('simple', content) @@ plainto_tsquery('simple', $1)",
	}
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = "+next(opts.SessionID))
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "created_at > "+next(opts.After))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "created_at < "+next(opts.Before))
	}

	q := "SELECT turn_id, role, content, language, created_at\n" +
		"FROM   turns\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY created_at"

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := a.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("archive: search: %w", err)
	}
	return collectTurns(rows)
}

// collectTurns scans pgx rows into history turns.
func collectTurns(rows pgx.Rows) ([]history.Turn, error) {
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.Turn, error) {
		var (
			t    history.Turn
			role string
		)
		if err := row.Scan(&t.ID, &role, &t.Content, &t.Language, &t.Timestamp); err != nil {
			return history.Turn{}, err
		}
		t.Role = history.Role(role)
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan rows: %w", err)
	}
	if turns == nil {
		turns = []history.Turn{}
	}
	return turns, nil
}
