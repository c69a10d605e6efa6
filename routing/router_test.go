package routing

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/zerotrace/crypto"
	"github.com/opd-ai/zerotrace/message"
	"github.com/opd-ai/zerotrace/storage"
)

// recordingSender captures fanout sends for inspection.
type recordingSender struct {
	mu    sync.Mutex
	sends []recordedSend
}

type recordedSend struct {
	addr string
	wire message.Wire
}

func (s *recordingSender) SendWire(_ context.Context, addr string, w *message.Wire) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, recordedSend{addr: addr, wire: *w})
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sends)
}

func (s *recordingSender) all() []recordedSend {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedSend(nil), s.sends...)
}

type routerFixture struct {
	self   *crypto.Identity
	store  *storage.Store
	sender *recordingSender
	router *Router
}

func newFixture(t *testing.T) *routerFixture {
	t.Helper()
	self, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	t.Cleanup(self.Wipe)

	store, err := storage.Open(filepath.Join(t.TempDir(), "messenger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sender := &recordingSender{}
	cfg := DefaultConfig()
	cfg.SendTimeout = 2 * time.Second
	return &routerFixture{
		self:   self,
		store:  store,
		sender: sender,
		router: New(self, store, sender, cfg),
	}
}

func (f *routerFixture) addContact(t *testing.T, name string) *crypto.Identity {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	t.Cleanup(id.Wipe)
	require.NoError(t, f.store.UpsertContact(context.Background(), &storage.Contact{
		Identifier:  id.ID(),
		DisplayName: name,
		Address:     name + ".b32.i2p",
		KEMPK:       id.KEMPublicKey(),
		SigPK:       id.SigPublicKey(),
	}))
	return id
}

func TestDeliverLocalAndAutoAddSender(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	defer alice.Wipe()

	w, err := crypto.EncryptMessage(alice, "alice.b32.i2p", "hello bob", f.self.ID(), f.self.KEMPublicKey())
	require.NoError(t, err)

	require.NoError(t, f.router.HandleInbound(ctx, w))
	f.router.Wait()

	msgs, err := f.store.ListInbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello bob", msgs[0].Msg)
	assert.Equal(t, alice.ID(), msgs[0].SenderID)

	// Sender was auto-added with verified keys.
	c, err := f.store.GetContact(ctx, alice.ID())
	require.NoError(t, err)
	assert.Equal(t, "alice.b32.i2p", c.Address)

	// Nothing was fanned out for a message addressed to us.
	assert.Zero(t, f.sender.count())
}

// TestIdempotentDelivery covers the /send idempotency property: N identical
// submissions produce one inbox row.
func TestIdempotentDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	defer alice.Wipe()

	w, err := crypto.EncryptMessage(alice, "alice.b32.i2p", "once", f.self.ID(), f.self.KEMPublicKey())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		dup := *w
		require.NoError(t, f.router.HandleInbound(ctx, &dup))
	}
	f.router.Wait()

	n, err := f.store.InboxCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUndecryptableInboundIsSilentlyDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	defer alice.Wipe()

	w, err := crypto.EncryptMessage(alice, "a.b32.i2p", "garbled", f.self.ID(), f.self.KEMPublicKey())
	require.NoError(t, err)
	w.MsgCT[0] ^= 0xff

	// No error surfaces; the message just disappears.
	require.NoError(t, f.router.HandleInbound(ctx, w))
	n, err := f.store.InboxCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// TestTTLExhaustion covers scenario S4: an expiring message is not
// forwarded but its signature still lands in the seen set.
func TestTTLExhaustion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addContact(t, "peer1")
	f.addContact(t, "peer2")

	recipient, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	defer recipient.Wipe()
	alice, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	defer alice.Wipe()

	w, err := crypto.EncryptMessage(alice, "a.b32.i2p", "fading", recipient.ID(), recipient.KEMPublicKey())
	require.NoError(t, err)
	w.TTL = 0 // guaranteed to be <= 0 after any decrement

	require.NoError(t, f.router.HandleInbound(ctx, w))
	f.router.Wait()

	assert.Zero(t, f.sender.count())
	seen, err := f.store.WasSeen(ctx, w.Sig)
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestRetryExhaustionStopsForwarding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addContact(t, "peer1")

	recipient, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	defer recipient.Wipe()
	alice, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	defer alice.Wipe()

	w, err := crypto.EncryptMessage(alice, "a.b32.i2p", "tired", recipient.ID(), recipient.KEMPublicKey())
	require.NoError(t, err)
	w.MaxRetry = 0

	require.NoError(t, f.router.HandleInbound(ctx, w))
	f.router.Wait()
	assert.Zero(t, f.sender.count())
}

func TestForwardQueueForKnownRecipient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	carol := f.addContact(t, "carol")
	alice, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	defer alice.Wipe()

	w, err := crypto.EncryptMessage(alice, "a.b32.i2p", "for carol", carol.ID(), carol.KEMPublicKey())
	require.NoError(t, err)

	require.NoError(t, f.router.HandleInbound(ctx, w))
	f.router.Wait()

	queued, err := f.store.PendingForwardCount(ctx, carol.ID())
	require.NoError(t, err)
	assert.Equal(t, 1, queued)
}

func TestFanoutBoundsAndExclusions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var contactIDs []string
	for _, name := range []string{"p1", "p2", "p3", "p4", "p5", "p6"} {
		id := f.addContact(t, name)
		contactIDs = append(contactIDs, id.ID())
	}

	recipient, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	defer recipient.Wipe()
	alice, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	defer alice.Wipe()

	// The previous forwarder is one of our contacts; it must be excluded.
	w, err := crypto.EncryptMessage(alice, "a.b32.i2p", "pass it on", recipient.ID(), recipient.KEMPublicKey())
	require.NoError(t, err)
	w.CurrentNodeID = contactIDs[0]
	w.TTL = 10
	w.MaxRetry = 5

	require.NoError(t, f.router.HandleInbound(ctx, w))
	f.router.Wait()

	sends := f.sender.all()
	eligible := 5 // 6 contacts minus the previous forwarder
	require.NotEmpty(t, sends)
	assert.GreaterOrEqual(t, len(sends), 2) // ceil(0.3*5) = 2
	assert.LessOrEqual(t, len(sends), eligible)

	targets := make(map[string]bool)
	for _, s := range sends {
		require.False(t, targets[s.addr], "duplicate fanout target %s", s.addr)
		targets[s.addr] = true
		assert.NotEqual(t, "p1.b32.i2p", s.addr, "previous forwarder must be excluded")
		// The forwarded copy names us as the current forwarder and has a
		// strictly bounded ttl.
		assert.Equal(t, f.self.ID(), s.wire.CurrentNodeID)
		assert.LessOrEqual(t, s.wire.TTL, 10)
		assert.GreaterOrEqual(t, s.wire.TTL, 8)
		assert.Positive(t, s.wire.MaxRetry)
	}
}

func TestFanoutSizeBounds(t *testing.T) {
	f := newFixture(t)

	for e := 1; e <= 40; e++ {
		for i := 0; i < 10; i++ {
			n, err := f.router.fanoutSize(e)
			require.NoError(t, err)
			hi := e
			if hi > 10 {
				hi = 10
			}
			assert.GreaterOrEqual(t, n, 1)
			assert.LessOrEqual(t, n, hi)
		}
	}
}

func TestNoEligibleContactsDrops(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	recipient, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	defer recipient.Wipe()
	alice, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	defer alice.Wipe()

	w, err := crypto.EncryptMessage(alice, "a.b32.i2p", "nowhere to go", recipient.ID(), recipient.KEMPublicKey())
	require.NoError(t, err)

	require.NoError(t, f.router.HandleInbound(ctx, w))
	f.router.Wait()
	assert.Zero(t, f.sender.count())
}
