package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DeliveryStatus tracks whether a message has reached its audience.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Message is one entry in a session's append-only log. Target == "" means
// broadcast: visible to every reader of the session. Messages are never
// deleted; only DeliveryStatus mutates after creation.
type Message struct {
	ID             string         `json:"id"`
	SessionID      string         `json:"session_id"`
	Sender         string         `json:"sender"`
	Target         string         `json:"target,omitempty"`
	Content        string         `json:"content"`
	Type           string         `json:"type"`
	DeliveryStatus DeliveryStatus `json:"delivery_status"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Broadcast reports whether the message is visible to all session readers.
func (m Message) Broadcast() bool {
	return m.Target == ""
}

// Send appends a message to the session log and returns its id. An empty
// target broadcasts; any other value restricts visibility to the sender and
// the target identity.
func (s *Store) Send(ctx context.Context, sessionID, sender, content, target, msgType string) (string, error) {
	if strings.TrimSpace(sessionID) == "" {
		return "", fmt.Errorf("store: session id is required")
	}
	if strings.TrimSpace(sender) == "" {
		return "", fmt.Errorf("store: sender is required")
	}
	if msgType == "" {
		msgType = "text"
	}
	id := uuid.NewString()
	var targetVal any
	if target != "" {
		targetVal = target
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, sender, target, content, type, delivery_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', ?);
	`, id, sessionID, sender, targetVal, content, msgType, s.now())
	if err != nil {
		return "", fmt.Errorf("store: append message: %w", err)
	}
	return id, nil
}

// History returns the session's most recent messages sorted ascending by
// creation time, insertion order breaking ties. limit <= 0 returns the full
// log. A reader reconstructing context always sees a causally consistent
// order regardless of write interleaving.
func (s *Store) History(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	return s.queryMessages(ctx, sessionID, "", limit)
}

// VisibleTo returns the session history filtered for one reader identity:
// broadcasts plus messages the identity sent or was targeted by.
func (s *Store) VisibleTo(ctx context.Context, sessionID, identity string, limit int) ([]Message, error) {
	if strings.TrimSpace(identity) == "" {
		return nil, fmt.Errorf("store: reader identity is required")
	}
	return s.queryMessages(ctx, sessionID, identity, limit)
}

func (s *Store) queryMessages(ctx context.Context, sessionID, identity string, limit int) ([]Message, error) {
	where := "session_id = ?"
	args := []any{sessionID}
	if identity != "" {
		where += " AND (target IS NULL OR sender = ? OR target = ?)"
		args = append(args, identity, identity)
	}
	query := fmt.Sprintf(`
		SELECT id, session_id, sender, target, content, type, delivery_status, created_at
		FROM messages WHERE %s
		ORDER BY created_at DESC, seq DESC
	`, where)
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var target sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Sender, &target, &m.Content, &m.Type, &m.DeliveryStatus, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		if target.Valid {
			m.Target = target.String
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate messages: %w", err)
	}
	// The query walks newest-first so LIMIT keeps the most recent window;
	// callers expect ascending order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// MarkDelivered transitions a message to delivered. Re-marking an already
// delivered message is a no-op, not an error.
func (s *Store) MarkDelivered(ctx context.Context, messageID string) error {
	return s.markStatus(ctx, messageID, DeliveryDelivered)
}

// MarkFailed transitions a message to failed.
func (s *Store) MarkFailed(ctx context.Context, messageID string) error {
	return s.markStatus(ctx, messageID, DeliveryFailed)
}

func (s *Store) markStatus(ctx context.Context, messageID string, status DeliveryStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET delivery_status = ?
		WHERE id = ? AND delivery_status != ?;
	`, status, messageID, status)
	if err != nil {
		return fmt.Errorf("store: mark message %s %s: %w", messageID, status, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: mark message %s %s: %w", messageID, status, err)
	}
	if affected == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM messages WHERE id = ?;`, messageID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("store: check message %s: %w", messageID, err)
		}
	}
	return nil
}
