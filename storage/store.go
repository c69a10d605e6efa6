package storage

import (
	"database/sql"
	"errors"
	"fmt"

	// SQLite driver registration.
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

var (
	// ErrUnknownContact indicates a lookup for an identifier with no
	// contact row.
	ErrUnknownContact = errors.New("unknown contact")
	// ErrNotFound indicates a missing row in any other table.
	ErrNotFound = errors.New("not found")
)

// Store is the messenger database: contacts, inbox, forward queue, seen
// set, and outbox.
type Store struct {
	db  *sql.DB
	log *logrus.Entry
}

// Open opens (or creates) the messenger database at path and ensures the
// schema. SQLite is run in WAL mode with a busy timeout; a single
// connection serializes writers, which keeps every logical operation a
// plain single-transaction affair.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{
		db: db,
		log: logrus.WithFields(logrus.Fields{
			"package": "storage",
			"path":    path,
		}),
	}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}

	s.log.Debug("messenger store opened")
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS contacts (
	identifier   TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	address      TEXT NOT NULL,
	kem_pk       BLOB NOT NULL,
	sig_pk       BLOB NOT NULL,
	added_at     INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS inbox (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	sender_id   TEXT NOT NULL,
	msg         TEXT NOT NULL,
	addr        TEXT NOT NULL,
	ts          INTEGER NOT NULL,
	received_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS forward_queue (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	sig          BLOB NOT NULL UNIQUE,
	recipient_id TEXT NOT NULL,
	wire         BLOB NOT NULL,
	queued_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_forward_recipient ON forward_queue(recipient_id);
CREATE TABLE IF NOT EXISTS seen (
	sig     BLOB PRIMARY KEY,
	seen_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_seen_at ON seen(seen_at);
CREATE TABLE IF NOT EXISTS outbox (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	recipient_id TEXT NOT NULL,
	wire         BLOB NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	queued_at    INTEGER NOT NULL
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
