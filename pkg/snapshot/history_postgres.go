package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresHistory is the Postgres-backed twin of SQLHistory: same
// append-only session_snapshots schema and the same Init/Record/Recent
// surface, adapted from the $N placeholder dialect the teacher's
// budget.PostgresStorage uses rather than SQLHistory's sqlite `?`
// placeholders. A deployment picks exactly one of the two backends for
// its snapshot history; both satisfy the same method set.
type PostgresHistory struct {
	db *sql.DB
}

// NewPostgresHistory wraps an already-open *sql.DB pointed at Postgres
// (register the driver by importing "github.com/lib/pq" for its side
// effect, as this file does).
func NewPostgresHistory(db *sql.DB) *PostgresHistory {
	return &PostgresHistory{db: db}
}

const postgresHistorySchema = `
CREATE TABLE IF NOT EXISTS session_snapshots (
	id BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL,
	context_hash TEXT NOT NULL,
	generated_at TIMESTAMPTZ NOT NULL,
	payload JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_snapshots_session ON session_snapshots(session_id, generated_at);
`

// Init creates the history table if it does not already exist.
func (h *PostgresHistory) Init(ctx context.Context) error {
	_, err := h.db.ExecContext(ctx, postgresHistorySchema)
	return err
}

// Record appends s to the history, the same non-deduplicated append-only
// discipline as SQLHistory.Record.
func (h *PostgresHistory) Record(ctx context.Context, s *SessionSummary) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("snapshot: marshal: %w", err)
	}

	_, err = h.db.ExecContext(ctx, `
		INSERT INTO session_snapshots (session_id, context_hash, generated_at, payload)
		VALUES ($1, $2, $3, $4)
	`, s.SessionID, s.ContextHash, s.GeneratedAt, payload)
	if err != nil {
		return fmt.Errorf("snapshot: insert history row: %w", err)
	}
	return nil
}

// Recent returns the limit most recent snapshots for sessionID, newest
// first.
func (h *PostgresHistory) Recent(ctx context.Context, sessionID string, limit int) ([]*SessionSummary, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT payload FROM session_snapshots
		WHERE session_id = $1
		ORDER BY generated_at DESC
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("snapshot: query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*SessionSummary
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("snapshot: scan history row: %w", err)
		}
		var s SessionSummary
		if err := json.Unmarshal([]byte(payload), &s); err != nil {
			return nil, fmt.Errorf("snapshot: unmarshal history row: %w", err)
		}
		if err := CompatibleSchema(s.SchemaVersion, compatConstraint); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}
