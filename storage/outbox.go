package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/opd-ai/zerotrace/message"
)

// MaxOutboxAttempts is the retry budget for a sender-side queued message
// before it is discarded.
const MaxOutboxAttempts = 12

// OutboxEntry is a wire message that could not be dispatched and awaits
// retry.
type OutboxEntry struct {
	ID          int64
	RecipientID string
	Wire        message.Wire
	Attempts    int
	QueuedAt    time.Time
}

// EnqueueOutbox stores a message whose direct send failed.
func (s *Store) EnqueueOutbox(ctx context.Context, w *message.Wire) (int64, error) {
	data, err := w.Encode()
	if err != nil {
		return 0, fmt.Errorf("encode wire message: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO outbox (recipient_id, wire, attempts, queued_at) VALUES (?, ?, 0, ?)
`, w.RecipientID, data, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("enqueue outbox: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueue outbox: %w", err)
	}
	return id, nil
}

// ListOutbox returns pending entries in queue order.
func (s *Store) ListOutbox(ctx context.Context, limit int) ([]OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, recipient_id, wire, attempts, queued_at FROM outbox ORDER BY id LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	defer rows.Close()

	var out []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		var data []byte
		var queuedAt int64
		if err := rows.Scan(&e.ID, &e.RecipientID, &data, &e.Attempts, &queuedAt); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		w, err := message.DecodeWire(data)
		if err != nil {
			return nil, fmt.Errorf("decode outbox wire message: %w", err)
		}
		e.Wire = *w
		e.QueuedAt = time.Unix(queuedAt, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// BumpOutboxAttempt increments the attempt counter; entries over budget are
// dropped and the call reports whether the entry survived.
func (s *Store) BumpOutboxAttempt(ctx context.Context, id int64) (bool, error) {
	if _, err := s.db.ExecContext(ctx, `UPDATE outbox SET attempts = attempts + 1 WHERE id = ?`, id); err != nil {
		return false, fmt.Errorf("bump outbox attempt: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ? AND attempts >= ?`, id, MaxOutboxAttempts)
	if err != nil {
		return false, fmt.Errorf("prune outbox: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("prune outbox: %w", err)
	}
	return n == 0, nil
}

// DeleteOutbox removes a delivered entry.
func (s *Store) DeleteOutbox(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete outbox: %w", err)
	}
	return nil
}
