package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// SaveDocument persists a whole JSON document keyed by session id, replacing
// any previous snapshot. The orchestration core owns no schema beyond this
// key-document contract.
func (s *Store) SaveDocument(ctx context.Context, sessionID string, doc any) error {
	if sessionID == "" {
		return fmt.Errorf("store: session id is required")
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("store: encode document for %s: %w", sessionID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_documents (session_id, doc, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at;
	`, sessionID, string(encoded), s.now())
	if err != nil {
		return fmt.Errorf("store: save document for %s: %w", sessionID, err)
	}
	return nil
}

// LoadDocument reads the persisted document for a session into out.
// Returns ErrNotFound when no snapshot exists yet.
func (s *Store) LoadDocument(ctx context.Context, sessionID string, out any) error {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM session_documents WHERE session_id = ?;`, sessionID,
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: load document for %s: %w", sessionID, err)
	}
	if err := json.Unmarshal([]byte(doc), out); err != nil {
		return fmt.Errorf("store: decode document for %s: %w", sessionID, err)
	}
	return nil
}

// DeleteDocument removes a session's snapshot. Missing documents are not an
// error; teardown may race a crash-recovery sweep.
func (s *Store) DeleteDocument(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM session_documents WHERE session_id = ?;`, sessionID); err != nil {
		return fmt.Errorf("store: delete document for %s: %w", sessionID, err)
	}
	return nil
}

// ListSessions returns the ids of all sessions with a persisted snapshot.
func (s *Store) ListSessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM session_documents ORDER BY session_id;`)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate sessions: %w", err)
	}
	return ids, nil
}
