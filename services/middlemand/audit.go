package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// AuditEntry records one mutating adapter request and its outcome.
type AuditEntry struct {
	Actor          string
	Method         string
	Path           string
	RequestBody    []byte
	ResponseStatus int
	Timestamp      time.Time
}

// AuditStore persists adapter activity in a local sqlite database so
// operators can reconstruct who asked for what after a dispute.
type AuditStore struct {
	db *sql.DB
}

// NewAuditStore opens (and if necessary creates) the audit database.
func NewAuditStore(path string) (*AuditStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    actor TEXT NOT NULL,
    method TEXT NOT NULL,
    path TEXT NOT NULL,
    request_body BLOB,
    response_status INTEGER NOT NULL,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_log_created_at ON audit_log(created_at);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}
	return &AuditStore{db: db}, nil
}

// Insert appends one entry to the audit log.
func (s *AuditStore) Insert(ctx context.Context, entry AuditEntry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (actor, method, path, request_body, response_status, created_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		entry.Actor, entry.Method, entry.Path, entry.RequestBody, entry.ResponseStatus,
		ts.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *AuditStore) Close() error {
	return s.db.Close()
}
