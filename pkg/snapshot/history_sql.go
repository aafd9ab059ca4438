package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// SQLHistory implements a durable, queryable log of every snapshot taken
// for a session, the same schema-as-const-plus-Init/Record shape the
// usage metering store uses, adapted to the ?-placeholder dialect the
// sqlite driver expects.
type SQLHistory struct {
	db *sql.DB
}

// NewSQLHistory wraps an already-open database handle.
func NewSQLHistory(db *sql.DB) *SQLHistory {
	return &SQLHistory{db: db}
}

const historySchema = `
CREATE TABLE IF NOT EXISTS session_snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	context_hash TEXT NOT NULL,
	generated_at TIMESTAMP NOT NULL,
	payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_snapshots_session ON session_snapshots(session_id, generated_at);
`

// Init creates the history table if it does not already exist.
func (h *SQLHistory) Init(ctx context.Context) error {
	_, err := h.db.ExecContext(ctx, historySchema)
	return err
}

// Record appends s to the history. Unlike the S3 persister, this never
// deduplicates on context hash — the history is an append-only audit
// trail, and the same underlying state can legitimately be snapshotted
// more than once.
func (h *SQLHistory) Record(ctx context.Context, s *SessionSummary) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("snapshot: marshal: %w", err)
	}

	_, err = h.db.ExecContext(ctx, `
		INSERT INTO session_snapshots (session_id, context_hash, generated_at, payload)
		VALUES (?, ?, ?, ?)
	`, s.SessionID, s.ContextHash, s.GeneratedAt, payload)
	if err != nil {
		return fmt.Errorf("snapshot: insert history row: %w", err)
	}
	return nil
}

// Recent returns the limit most recent snapshots for sessionID, newest
// first.
func (h *SQLHistory) Recent(ctx context.Context, sessionID string, limit int) ([]*SessionSummary, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT payload FROM session_snapshots
		WHERE session_id = ?
		ORDER BY generated_at DESC
		LIMIT ?
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
