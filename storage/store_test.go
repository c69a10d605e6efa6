package storage

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/zerotrace/crypto"
	"github.com/opd-ai/zerotrace/message"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "messenger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testContact(t *testing.T, name string) *Contact {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	t.Cleanup(id.Wipe)
	return &Contact{
		Identifier:  id.ID(),
		DisplayName: name,
		Address:     name + ".b32.i2p",
		KEMPK:       id.KEMPublicKey(),
		SigPK:       id.SigPublicKey(),
	}
}

func testWire(recipientID string, sigByte byte) *message.Wire {
	sig := make([]byte, message.SignatureSize)
	sig[0] = sigByte
	return &message.Wire{
		CurrentNodeID: strings.Repeat("F", message.IdentifierLength),
		RecipientID:   recipientID,
		KemCT:         make([]byte, message.KEMCiphertextSize),
		MsgCT:         []byte{0xde, 0xad},
		Nonce:         make([]byte, message.NonceSize),
		Sig:           sig,
		TTL:           9,
		MaxRetry:      4,
	}
}

func TestContactRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := testContact(t, "bob")
	require.NoError(t, s.UpsertContact(ctx, c))

	got, err := s.GetContact(ctx, c.Identifier)
	require.NoError(t, err)
	assert.Equal(t, c.DisplayName, got.DisplayName)
	assert.Equal(t, c.Address, got.Address)
	assert.Equal(t, c.KEMPK, got.KEMPK)
	assert.Equal(t, c.SigPK, got.SigPK)

	ok, err := s.HasContact(ctx, c.Identifier)
	require.NoError(t, err)
	assert.True(t, ok)

	// Refresh keeps the row unique and updates mutable fields.
	c.Address = "moved.b32.i2p"
	require.NoError(t, s.UpsertContact(ctx, c))
	got, err = s.GetContact(ctx, c.Identifier)
	require.NoError(t, err)
	assert.Equal(t, "moved.b32.i2p", got.Address)

	list, err := s.ListContacts(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestContactIdentifierBindingEnforced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := testContact(t, "mallory")
	other := testContact(t, "other")
	c.KEMPK = other.KEMPK // identifier no longer matches the keys

	err := s.UpsertContact(ctx, c)
	assert.ErrorIs(t, err, crypto.ErrIdentifierMismatch)

	ok, err := s.HasContact(ctx, c.Identifier)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetContactUnknown(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetContact(context.Background(), strings.Repeat("Z", message.IdentifierLength))
	assert.ErrorIs(t, err, ErrUnknownContact)
}

func TestInboxOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sender := strings.Repeat("S", message.IdentifierLength)
	require.NoError(t, s.AddToInbox(ctx, sender, "first", "a.b32.i2p", 100))
	require.NoError(t, s.AddToInbox(ctx, sender, "second", "a.b32.i2p", 101))
	require.NoError(t, s.AddToInbox(ctx, sender, "third", "a.b32.i2p", 102))

	msgs, err := s.ListInbox(ctx, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "third", msgs[0].Msg)
	assert.Equal(t, "second", msgs[1].Msg)

	n, err := s.InboxCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestForwardQueuePushAndDrain(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	recipient := strings.Repeat("R", message.IdentifierLength)
	w1 := testWire(recipient, 1)
	w2 := testWire(recipient, 2)

	added, err := s.PushForward(ctx, w1)
	require.NoError(t, err)
	assert.True(t, added)

	// Same signature again: no-op.
	added, err = s.PushForward(ctx, w1)
	require.NoError(t, err)
	assert.False(t, added)

	added, err = s.PushForward(ctx, w2)
	require.NoError(t, err)
	assert.True(t, added)

	msgs, err := s.DrainForward(ctx, recipient, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, w1.Sig, msgs[0].Sig)
	assert.Equal(t, w2.Sig, msgs[1].Sig)

	// Drained means gone.
	msgs, err = s.DrainForward(ctx, recipient, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestForwardQueueDrainLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	recipient := strings.Repeat("R", message.IdentifierLength)
	for i := 0; i < 5; i++ {
		_, err := s.PushForward(ctx, testWire(recipient, byte(i)))
		require.NoError(t, err)
	}

	msgs, err := s.DrainForward(ctx, recipient, 3)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)

	n, err := s.PendingForwardCount(ctx, recipient)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSeenSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	sig := []byte("signature-bytes-one")
	fresh, err := s.MarkSeen(ctx, sig, now)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = s.MarkSeen(ctx, sig, now)
	require.NoError(t, err)
	assert.False(t, fresh)

	seen, err := s.WasSeen(ctx, sig)
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestSeenExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-25 * time.Hour)
	recent := time.Now()

	_, err := s.MarkSeen(ctx, []byte("old-sig"), old)
	require.NoError(t, err)
	_, err = s.MarkSeen(ctx, []byte("recent-sig"), recent)
	require.NoError(t, err)

	removed, err := s.ExpireSeen(ctx, time.Now().Add(-SeenTTL))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	// Expired signature is accepted as new again.
	fresh, err := s.MarkSeen(ctx, []byte("old-sig"), recent)
	require.NoError(t, err)
	assert.True(t, fresh)

	seen, err := s.WasSeen(ctx, []byte("recent-sig"))
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestOutboxLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	recipient := strings.Repeat("R", message.IdentifierLength)
	id, err := s.EnqueueOutbox(ctx, testWire(recipient, 9))
	require.NoError(t, err)

	entries, err := s.ListOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, recipient, entries[0].RecipientID)
	assert.Equal(t, 0, entries[0].Attempts)

	alive, err := s.BumpOutboxAttempt(ctx, id)
	require.NoError(t, err)
	assert.True(t, alive)

	require.NoError(t, s.DeleteOutbox(ctx, id))
	entries, err = s.ListOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOutboxDropsAfterBudget(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	recipient := strings.Repeat("R", message.IdentifierLength)
	id, err := s.EnqueueOutbox(ctx, testWire(recipient, 7))
	require.NoError(t, err)

	alive := true
	for i := 0; i < MaxOutboxAttempts; i++ {
		alive, err = s.BumpOutboxAttempt(ctx, id)
		require.NoError(t, err)
	}
	assert.False(t, alive)
}
