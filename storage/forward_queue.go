package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/opd-ai/zerotrace/message"
)

// PushForward queues a wire message for a recipient who is a known contact
// but not this node. The queue is keyed by signature, so re-queuing the
// same message is a no-op; the return value reports whether a row was
// actually added.
func (s *Store) PushForward(ctx context.Context, w *message.Wire) (bool, error) {
	data, err := w.Encode()
	if err != nil {
		return false, fmt.Errorf("encode wire message: %w", err)
	}

	const q = `
INSERT OR IGNORE INTO forward_queue (sig, recipient_id, wire, queued_at)
VALUES (?, ?, ?, ?)
`
	res, err := s.db.ExecContext(ctx, q, w.Sig, w.RecipientID, data, time.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("push forward queue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("push forward queue: %w", err)
	}
	return n > 0, nil
}

// DrainForward removes and returns up to limit queued messages for the
// given recipient. Selection and deletion happen in one transaction, so a
// message is handed out exactly once even with concurrent drains.
func (s *Store) DrainForward(ctx context.Context, recipientID string, limit int) ([]message.Wire, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin drain: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
SELECT id, wire FROM forward_queue
WHERE recipient_id = ? ORDER BY id LIMIT ?
`, recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("select forward queue: %w", err)
	}

	var ids []int64
	var msgs []message.Wire
	for rows.Next() {
		var id int64
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan forward row: %w", err)
		}
		w, err := message.DecodeWire(data)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode queued wire message: %w", err)
		}
		ids = append(ids, id)
		msgs = append(msgs, *w)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM forward_queue WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("delete forward row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit drain: %w", err)
	}
	return msgs, nil
}

// PendingForwardCount returns the number of queued messages, optionally
// scoped to one recipient (empty string means all).
func (s *Store) PendingForwardCount(ctx context.Context, recipientID string) (int, error) {
	var n int
	var err error
	if recipientID == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM forward_queue`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM forward_queue WHERE recipient_id = ?`, recipientID).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("forward queue count: %w", err)
	}
	return n, nil
}
