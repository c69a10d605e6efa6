package storage

import (
	"context"
	"fmt"
	"time"
)

// InboxMessage is a delivered, decrypted message.
type InboxMessage struct {
	ID         int64
	SenderID   string
	Msg        string
	Addr       string
	TS         int64
	ReceivedAt time.Time
}

// AddToInbox stores a decrypted message. Inbox rows are totally ordered by
// receive time for a given node; the autoincrement id ties ordering down
// when two messages land within the same second.
func (s *Store) AddToInbox(ctx context.Context, senderID, msg, addr string, ts int64) error {
	const q = `
INSERT INTO inbox (sender_id, msg, addr, ts, received_at)
VALUES (?, ?, ?, ?, ?)
`
	_, err := s.db.ExecContext(ctx, q, senderID, msg, addr, ts, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("add to inbox: %w", err)
	}
	return nil
}

// ListInbox returns up to limit most recent messages, newest first.
// A non-positive limit returns everything.
func (s *Store) ListInbox(ctx context.Context, limit int) ([]InboxMessage, error) {
	q := `
SELECT id, sender_id, msg, addr, ts, received_at
FROM inbox ORDER BY id DESC
`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list inbox: %w", err)
	}
	defer rows.Close()

	var out []InboxMessage
	for rows.Next() {
		var m InboxMessage
		var receivedAt int64
		if err := rows.Scan(&m.ID, &m.SenderID, &m.Msg, &m.Addr, &m.TS, &receivedAt); err != nil {
			return nil, fmt.Errorf("scan inbox row: %w", err)
		}
		m.ReceivedAt = time.Unix(receivedAt, 0)
		out = append(out, m)
	}
	return out, rows.Err()
}

// InboxCount returns the number of delivered messages.
func (s *Store) InboxCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM inbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("inbox count: %w", err)
	}
	return n, nil
}
