package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SeenTTL is how long a signature stays in the duplicate-suppression set.
const SeenTTL = 24 * time.Hour

// MarkSeen records a message signature and reports whether it was new.
// The signature bytes are the message's global identifier: ML-DSA signatures
// are unique per signing, and retransmission reproduces them byte for byte.
func (s *Store) MarkSeen(ctx context.Context, sig []byte, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO seen (sig, seen_at) VALUES (?, ?)`, sig, now.Unix())
	if err != nil {
		return false, fmt.Errorf("mark seen: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark seen: %w", err)
	}
	return n > 0, nil
}

// WasSeen reports whether the signature is currently in the seen set.
func (s *Store) WasSeen(ctx context.Context, sig []byte) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM seen WHERE sig = ?`, sig).Scan(&one)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("was seen: %w", err)
}

// ExpireSeen deletes entries last seen at or before cutoff and returns how
// many were removed. The background sweep calls this with now-24h.
func (s *Store) ExpireSeen(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM seen WHERE seen_at <= ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("expire seen: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire seen: %w", err)
	}
	return n, nil
}
