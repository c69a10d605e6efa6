package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/zerotrace/crypto"
)

// Contact is a known peer: a self-certifying identifier, its public keys,
// a human-readable name, and the peer's anonymous address.
type Contact struct {
	Identifier  string
	DisplayName string
	Address     string
	KEMPK       []byte
	SigPK       []byte
	AddedAt     time.Time
}

// UpsertContact inserts or refreshes a contact row. The identifier binding
// is enforced here: a contact whose identifier is not the hash of its
// public keys never reaches the table.
func (s *Store) UpsertContact(ctx context.Context, c *Contact) error {
	if !crypto.VerifyIdentifier(c.Identifier, c.KEMPK, c.SigPK) {
		return fmt.Errorf("contact %q: %w", c.Identifier, crypto.ErrIdentifierMismatch)
	}

	const q = `
INSERT INTO contacts (identifier, display_name, address, kem_pk, sig_pk, added_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(identifier) DO UPDATE SET
	display_name = excluded.display_name,
	address      = excluded.address
`
	_, err := s.db.ExecContext(ctx, q,
		c.Identifier, c.DisplayName, c.Address, c.KEMPK, c.SigPK, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("upsert contact: %w", err)
	}
	return nil
}

// GetContact returns the contact for identifier, or ErrUnknownContact.
func (s *Store) GetContact(ctx context.Context, identifier string) (*Contact, error) {
	const q = `
SELECT identifier, display_name, address, kem_pk, sig_pk, added_at
FROM contacts WHERE identifier = ?
`
	var c Contact
	var addedAt int64
	err := s.db.QueryRowContext(ctx, q, identifier).Scan(
		&c.Identifier, &c.DisplayName, &c.Address, &c.KEMPK, &c.SigPK, &addedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%q: %w", identifier, ErrUnknownContact)
	}
	if err != nil {
		return nil, fmt.Errorf("get contact: %w", err)
	}
	c.AddedAt = time.Unix(addedAt, 0)
	return &c, nil
}

// HasContact reports whether identifier has a contact row.
func (s *Store) HasContact(ctx context.Context, identifier string) (bool, error) {
	const q = `SELECT 1 FROM contacts WHERE identifier = ?`
	var one int
	err := s.db.QueryRowContext(ctx, q, identifier).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has contact: %w", err)
	}
	return true, nil
}

// ListContacts returns all contacts ordered by display name.
func (s *Store) ListContacts(ctx context.Context) ([]Contact, error) {
	const q = `
SELECT identifier, display_name, address, kem_pk, sig_pk, added_at
FROM contacts ORDER BY display_name, identifier
`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		var c Contact
		var addedAt int64
		if err := rows.Scan(&c.Identifier, &c.DisplayName, &c.Address, &c.KEMPK, &c.SigPK, &addedAt); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		c.AddedAt = time.Unix(addedAt, 0)
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteContact removes a contact row if present.
func (s *Store) DeleteContact(ctx context.Context, identifier string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM contacts WHERE identifier = ?`, identifier)
	if err != nil {
		return fmt.Errorf("delete contact: %w", err)
	}
	return nil
}
