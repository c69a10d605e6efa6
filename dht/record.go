package dht

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/zerotrace/crypto"
	"github.com/opd-ai/zerotrace/message"
)

var (
	// ErrStaleRecord indicates a record older than the ingest window.
	ErrStaleRecord = errors.New("stale record")
	// ErrNotFound indicates a lookup that exhausted the network without a
	// valid record.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidRecord indicates a record failing structural or
	// cryptographic validation.
	ErrInvalidRecord = errors.New("invalid record")
)

const (
	// MaxRecordAge is the ingest freshness window; originators re-publish
	// well inside it.
	MaxRecordAge = 7 * 24 * time.Hour
	// MaxRecordSize bounds the serialized record accepted by a store RPC.
	MaxRecordSize = 10 * 1024
	// ValueTTL is how long a stored value lives without a refresh.
	ValueTTL = 24 * time.Hour
)

// Record is a signed directory entry mapping an identifier to its owner's
// overlay address and public keys. The signature covers the address bytes
// and verifies under the record's own sig_pk, which in turn is bound to the
// identifier by the hash equation.
type Record struct {
	Identifier    string `json:"identifier"`
	KEMPK         []byte `json:"kem_pk"`
	SigPK         []byte `json:"sig_pk"`
	Addr          string `json:"addr"`
	TS            int64  `json:"ts"`
	AddrSignature []byte `json:"addr_signature"`
}

// NewRecord builds and signs a record for the identity's current address.
func NewRecord(id *crypto.Identity, addr string) *Record {
	return &Record{
		Identifier:    id.ID(),
		KEMPK:         id.KEMPublicKey(),
		SigPK:         id.SigPublicKey(),
		Addr:          addr,
		TS:            time.Now().Unix(),
		AddrSignature: id.Sign([]byte(addr)),
	}
}

// Key returns the value key the record lives under.
func (r *Record) Key() NodeID {
	return NodeIDForIdentifier(r.Identifier)
}

// Encode serializes the record for the wire and the value store.
func (r *Record) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeRecord parses a serialized record without validating it.
func DecodeRecord(data []byte) (*Record, error) {
	if len(data) > MaxRecordSize {
		return nil, fmt.Errorf("%w: oversize (%d bytes)", ErrInvalidRecord, len(data))
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return &r, nil
}

// Validate enforces the ingest rules: identifier binding, a verifying
// address signature, and freshness. The size limit applies to the
// serialized form and is checked by DecodeRecord, not here.
func (r *Record) Validate(now time.Time) error {
	if len(r.Identifier) != message.IdentifierLength {
		return fmt.Errorf("%w: identifier length %d", ErrInvalidRecord, len(r.Identifier))
	}
	if !crypto.VerifyIdentifier(r.Identifier, r.KEMPK, r.SigPK) {
		return fmt.Errorf("%w: %w", ErrInvalidRecord, crypto.ErrIdentifierMismatch)
	}
	if !crypto.VerifySignature(r.SigPK, []byte(r.Addr), r.AddrSignature) {
		return fmt.Errorf("%w: %w", ErrInvalidRecord, crypto.ErrInvalidSignature)
	}
	if age := now.Unix() - r.TS; age > int64(MaxRecordAge/time.Second) {
		return fmt.Errorf("%w: %d seconds old", ErrStaleRecord, age)
	}
	return nil
}
