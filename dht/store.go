package dht

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	// SQLite driver registration.
	_ "github.com/mattn/go-sqlite3"
)

// Store is the DHT's embedded database: a snapshot of the routing table for
// warm restarts plus the value store.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the DHT database at path.
func OpenStore(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open dht database: %w", err)
	}
	db.SetMaxOpenConns(1)

	const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	node_id   TEXT PRIMARY KEY,
	host      TEXT NOT NULL,
	port      INTEGER NOT NULL,
	last_seen INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS dht_values (
	key       TEXT PRIMARY KEY,
	record    BLOB NOT NULL,
	stored_at INTEGER NOT NULL,
	origin    INTEGER NOT NULL DEFAULT 0
);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure dht schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// SaveNodes snapshots the routing table, replacing the previous snapshot.
func (s *Store) SaveNodes(ctx context.Context, nodes []*Node) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM nodes`); err != nil {
		return fmt.Errorf("clear node snapshot: %w", err)
	}
	for _, n := range nodes {
		_, err := tx.ExecContext(ctx, `
INSERT INTO nodes (node_id, host, port, last_seen) VALUES (?, ?, ?, ?)
`, n.ID.String(), n.Host, n.Port, n.LastSeen.Unix())
		if err != nil {
			return fmt.Errorf("insert node snapshot: %w", err)
		}
	}
	return tx.Commit()
}

// LoadNodes restores the routing-table snapshot.
func (s *Store) LoadNodes(ctx context.Context) ([]*Node, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT node_id, host, port, last_seen FROM nodes`)
	if err != nil {
		return nil, fmt.Errorf("load node snapshot: %w", err)
	}
	defer rows.Close()

	var out []*Node
	for rows.Next() {
		var idHex, host string
		var port int
		var lastSeen int64
		if err := rows.Scan(&idHex, &host, &port, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan node snapshot: %w", err)
		}
		id, err := ParseNodeID(idHex)
		if err != nil {
			continue // skip a corrupted row rather than fail the restart
		}
		out = append(out, &Node{
			ID:       id,
			Host:     host,
			Port:     port,
			LastSeen: time.Unix(lastSeen, 0),
			Status:   StatusUnknown,
		})
	}
	return out, rows.Err()
}

// StoredValue is a value-store row.
type StoredValue struct {
	Key      NodeID
	Record   []byte
	StoredAt time.Time
	Origin   bool
}

// PutValue stores or refreshes a value. origin marks records this node
// published for itself; they are republished instead of expired.
func (s *Store) PutValue(ctx context.Context, key NodeID, record []byte, origin bool) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO dht_values (key, record, stored_at, origin) VALUES (?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	record    = excluded.record,
	stored_at = excluded.stored_at,
	origin    = MAX(origin, excluded.origin)
`, key.String(), record, time.Now().Unix(), boolToInt(origin))
	if err != nil {
		return fmt.Errorf("put value: %w", err)
	}
	return nil
}

// GetValue returns the stored record bytes for key, or ErrNotFound.
func (s *Store) GetValue(ctx context.Context, key NodeID) ([]byte, error) {
	var record []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM dht_values WHERE key = ?`, key.String()).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get value: %w", err)
	}
	return record, nil
}

// AllValues lists every stored value.
func (s *Store) AllValues(ctx context.Context) ([]StoredValue, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, record, stored_at, origin FROM dht_values`)
	if err != nil {
		return nil, fmt.Errorf("list values: %w", err)
	}
	defer rows.Close()

	var out []StoredValue
	for rows.Next() {
		var keyHex string
		var v StoredValue
		var storedAt int64
		var origin int
		if err := rows.Scan(&keyHex, &v.Record, &storedAt, &origin); err != nil {
			return nil, fmt.Errorf("scan value: %w", err)
		}
		key, err := ParseNodeID(keyHex)
		if err != nil {
			continue
		}
		v.Key = key
		v.StoredAt = time.Unix(storedAt, 0)
		v.Origin = origin != 0
		out = append(out, v)
	}
	return out, rows.Err()
}

// ExpireValues deletes non-origin values stored before cutoff and
// returns the origin values older than cutoff for republication.
func (s *Store) ExpireValues(ctx context.Context, cutoff time.Time) ([]StoredValue, error) {
	all, err := s.AllValues(ctx)
	if err != nil {
		return nil, err
	}

	var republish []StoredValue
	for _, v := range all {
		if !v.StoredAt.Before(cutoff) {
			continue
		}
		if v.Origin {
			republish = append(republish, v)
			continue
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM dht_values WHERE key = ?`, v.Key.String()); err != nil {
			return nil, fmt.Errorf("expire value: %w", err)
		}
	}
	return republish, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
