package dht

import (
	"context"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/zerotrace/transport"
)

// memNetwork wires DHT instances together in-process, standing in for the
// HTTP transport.
type memNetwork struct {
	mu    sync.Mutex
	nodes map[string]*DHT
	// poisoned maps an address to a bogus record served on find_value.
	poisoned map[string][]byte
}

func newMemNetwork() *memNetwork {
	return &memNetwork{
		nodes:    make(map[string]*DHT),
		poisoned: make(map[string][]byte),
	}
}

func (m *memNetwork) register(d *DHT) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[d.Self().Addr()] = d
}

func (m *memNetwork) peer(addr string) (*DHT, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.nodes[addr]
	if !ok {
		return nil, fmt.Errorf("%s: %w", addr, transport.ErrUnreachable)
	}
	return d, nil
}

func (m *memNetwork) Ping(_ context.Context, addr, _ string) error {
	_, err := m.peer(addr)
	return err
}

func (m *memNetwork) Bootstrap(ctx context.Context, addr string, self transport.NodeRef) error {
	d, err := m.peer(addr)
	if err != nil {
		return err
	}
	return d.AddPeer(ctx, self.NodeID, self.IP, self.Port)
}

func (m *memNetwork) NodeID(_ context.Context, addr string) (string, error) {
	d, err := m.peer(addr)
	if err != nil {
		return "", err
	}
	return d.SelfNodeID(), nil
}

func (m *memNetwork) Store(ctx context.Context, addr, _, _ string, value []byte) (bool, error) {
	d, err := m.peer(addr)
	if err != nil {
		return false, err
	}
	if err := d.StoreValue(ctx, value); err != nil {
		return false, nil
	}
	return true, nil
}

func (m *memNetwork) FindNode(ctx context.Context, addr, _, targetHex string) ([]transport.NodeRef, error) {
	d, err := m.peer(addr)
	if err != nil {
		return nil, err
	}
	target, err := hex.DecodeString(targetHex)
	if err != nil {
		return nil, err
	}
	return d.ClosestNodes(ctx, target)
}

func (m *memNetwork) FindValue(ctx context.Context, addr, _, keyHex string) ([]byte, []transport.NodeRef, error) {
	m.mu.Lock()
	bogus := m.poisoned[addr]
	m.mu.Unlock()
	if bogus != nil {
		return bogus, nil, nil
	}

	d, err := m.peer(addr)
	if err != nil {
		return nil, nil, err
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, nil, err
	}
	return d.LookupValue(ctx, key)
}

// newMemDHT creates a DHT on the in-memory network.
func newMemDHT(t *testing.T, net *memNetwork, name string) *DHT {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "dht.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	d := New(name, name+".b32.i2p", 80, store, net)
	net.register(d)
	return d
}

// buildNetwork creates n nodes, each bootstrapped through the first.
func buildNetwork(t *testing.T, net *memNetwork, n int) []*DHT {
	t.Helper()
	ctx := context.Background()

	nodes := make([]*DHT, 0, n)
	for i := 0; i < n; i++ {
		d := newMemDHT(t, net, fmt.Sprintf("node-%02d", i))
		nodes = append(nodes, d)
		if i > 0 {
			require.NoError(t, d.Bootstrap(ctx, nodes[0].Self().Host, nodes[0].Self().Port))
		}
	}
	return nodes
}

func TestBootstrapPopulatesTable(t *testing.T) {
	net := newMemNetwork()
	nodes := buildNetwork(t, net, 8)

	for i, d := range nodes {
		if i == 0 {
			continue
		}
		assert.Positive(t, d.Table().Len(), "node %d has an empty table", i)
	}
}

// TestPublishAndDiscover covers scenario S5: a record published into the
// network is discoverable from an unrelated node and validates.
func TestPublishAndDiscover(t *testing.T) {
	net := newMemNetwork()
	nodes := buildNetwork(t, net, 20)
	ctx := context.Background()

	alice := testIdentity(t)
	rec := NewRecord(alice, "alice.b32.i2p")

	accepted, err := nodes[3].Publish(ctx, rec, true)
	require.NoError(t, err)
	assert.Positive(t, accepted)

	// A different node, bootstrapped through the same network, finds it.
	found, err := nodes[17].Discover(ctx, alice.ID())
	require.NoError(t, err)
	assert.Equal(t, "alice.b32.i2p", found.Addr)
	assert.Equal(t, alice.KEMPublicKey(), found.KEMPK)
	require.NoError(t, found.Validate(time.Now()))
}

// TestDiscoverSkipsPoisonedRecord covers scenario S6: a peer serving a
// record with a bad address signature is ignored and the lookup still
// returns the valid record.
func TestDiscoverSkipsPoisonedRecord(t *testing.T) {
	net := newMemNetwork()
	nodes := buildNetwork(t, net, 12)
	ctx := context.Background()

	alice := testIdentity(t)
	rec := NewRecord(alice, "alice.b32.i2p")
	_, err := nodes[1].Publish(ctx, rec, true)
	require.NoError(t, err)

	// Poison several peers with a record whose signature does not verify.
	bad := NewRecord(alice, "alice.b32.i2p")
	bad.Addr = "evil.b32.i2p"
	badBytes, err := bad.Encode()
	require.NoError(t, err)
	for _, d := range nodes[2:6] {
		net.mu.Lock()
		net.poisoned[d.Self().Addr()] = badBytes
		net.mu.Unlock()
	}

	// Make sure the querier has no cached copy so the lookup really walks
	// the network past the poisoned peers.
	_, err = nodes[10].store.db.Exec(`DELETE FROM dht_values`)
	require.NoError(t, err)

	found, err := nodes[10].Discover(ctx, alice.ID())
	require.NoError(t, err)
	assert.Equal(t, "alice.b32.i2p", found.Addr)
}

func TestDiscoverNotFound(t *testing.T) {
	net := newMemNetwork()
	nodes := buildNetwork(t, net, 5)

	ghost := testIdentity(t)
	_, err := nodes[2].Discover(context.Background(), ghost.ID())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreValueValidation(t *testing.T) {
	net := newMemNetwork()
	d := newMemDHT(t, net, "solo")
	ctx := context.Background()

	alice := testIdentity(t)

	t.Run("valid record accepted", func(t *testing.T) {
		rec := NewRecord(alice, "alice.b32.i2p")
		data, err := rec.Encode()
		require.NoError(t, err)
		require.NoError(t, d.StoreValue(ctx, data))

		stored, err := d.store.GetValue(ctx, rec.Key())
		require.NoError(t, err)
		assert.Equal(t, data, stored)
	})

	t.Run("stale record refused", func(t *testing.T) {
		rec := NewRecord(alice, "alice.b32.i2p")
		rec.TS = time.Now().Add(-8 * 24 * time.Hour).Unix()
		rec.AddrSignature = alice.Sign([]byte(rec.Addr))
		data, err := rec.Encode()
		require.NoError(t, err)
		assert.ErrorIs(t, d.StoreValue(ctx, data), ErrStaleRecord)
	})

	t.Run("oversize refused", func(t *testing.T) {
		assert.ErrorIs(t, d.StoreValue(ctx, make([]byte, MaxRecordSize+1)), ErrInvalidRecord)
	})

	t.Run("garbage refused", func(t *testing.T) {
		assert.Error(t, d.StoreValue(ctx, []byte("not a record")))
	})
}

func TestTablePersistence(t *testing.T) {
	net := newMemNetwork()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "dht.db")
	store, err := OpenStore(path)
	require.NoError(t, err)

	d := New("persist-me", "self.b32.i2p", 80, store, net)
	net.register(d)
	for i := 0; i < 5; i++ {
		require.NoError(t, d.AddPeer(ctx, NodeIDForIdentifier(fmt.Sprintf("p%d", i)).String(), "peer.b32.i2p", 80))
	}
	require.NoError(t, d.PersistTable(ctx))
	require.NoError(t, store.Close())

	store2, err := OpenStore(path)
	require.NoError(t, err)
	defer store2.Close()

	d2 := New("persist-me", "self.b32.i2p", 80, store2, net)
	require.NoError(t, d2.RestoreTable(ctx))
	assert.Equal(t, 5, d2.Table().Len())
}

func TestLivenessEvictsDeadNodes(t *testing.T) {
	net := newMemNetwork()
	d := newMemDHT(t, net, "keeper")
	ctx := context.Background()

	// A reachable peer and a dead one, both long unseen.
	live := newMemDHT(t, net, "live-peer")
	require.NoError(t, d.AddPeer(ctx, live.SelfNodeID(), live.Self().Host, live.Self().Port))
	require.NoError(t, d.AddPeer(ctx, NodeIDForIdentifier("dead-peer").String(), "dead.b32.i2p", 80))

	for _, n := range d.Table().All() {
		n.LastSeen = time.Now().Add(-1 * time.Hour)
	}

	m := NewMaintainer(d, nil)
	m.livenessOnce(ctx)

	require.Equal(t, 1, d.Table().Len())
	assert.Equal(t, live.Self().ID, d.Table().All()[0].ID)
}

func TestExpireKeepsAndRepublishesOriginValues(t *testing.T) {
	net := newMemNetwork()
	nodes := buildNetwork(t, net, 6)
	ctx := context.Background()

	alice := testIdentity(t)
	rec := NewRecord(alice, "alice.b32.i2p")
	origin := nodes[0]
	_, err := origin.Publish(ctx, rec, true)
	require.NoError(t, err)

	// Force everything past the TTL, then sweep.
	m := NewMaintainer(origin, nil)
	_, err = origin.store.db.ExecContext(ctx, `UPDATE dht_values SET stored_at = ?`,
		time.Now().Add(-25*time.Hour).Unix())
	require.NoError(t, err)

	m.expireOnce(ctx)

	// The origin copy survives the sweep.
	_, err = origin.store.GetValue(ctx, rec.Key())
	assert.NoError(t, err)

	// Republication refreshed its stored_at past the forced age.
	var storedAt int64
	require.NoError(t, origin.store.db.QueryRowContext(ctx,
		`SELECT stored_at FROM dht_values WHERE key = ?`, rec.Key().String()).Scan(&storedAt))
	assert.Greater(t, storedAt, time.Now().Add(-time.Hour).Unix())
}
