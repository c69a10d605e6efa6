package dht

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/zerotrace/crypto"
	"github.com/opd-ai/zerotrace/metrics"
	"github.com/opd-ai/zerotrace/transport"
)

// RPC is the client side of the DHT wire protocol. The transport client
// implements it; tests substitute an in-process network.
type RPC interface {
	Ping(ctx context.Context, addr, selfNodeID string) error
	Bootstrap(ctx context.Context, addr string, self transport.NodeRef) error
	NodeID(ctx context.Context, addr string) (string, error)
	Store(ctx context.Context, addr, selfNodeID, keyHex string, value []byte) (bool, error)
	FindNode(ctx context.Context, addr, selfNodeID, targetHex string) ([]transport.NodeRef, error)
	FindValue(ctx context.Context, addr, selfNodeID, keyHex string) ([]byte, []transport.NodeRef, error)
}

// maxLookupRounds bounds an iterative lookup regardless of network shape.
const maxLookupRounds = 20

// replicaJitter is the upper bound of the random widening applied to the
// publish replica set, per the eclipse-resistance design.
const replicaJitter = 5

// DHT ties together the routing table, the value store, and the RPC client
// into the iterative Kademlia operations.
type DHT struct {
	self  *Node
	table *Table
	store *Store
	rpc   RPC
	log   *logrus.Entry
}

// New creates a DHT node. identifier is the owner's user identifier; host
// and port form the advertised overlay endpoint.
func New(identifier, host string, port int, store *Store, rpc RPC) *DHT {
	selfID := NodeIDForIdentifier(identifier)
	return &DHT{
		self:  NewNode(selfID, host, port),
		table: NewTable(selfID),
		store: store,
		rpc:   rpc,
		log: logrus.WithFields(logrus.Fields{
			"package": "dht",
			"node_id": selfID.String()[:8],
		}),
	}
}

// Self returns the local node descriptor.
func (d *DHT) Self() *Node { return d.self }

// Table exposes the routing table to maintenance and tests.
func (d *DHT) Table() *Table { return d.table }

// SetAdvertisedAddr updates the endpoint announced to peers, for overlay
// address rotation.
func (d *DHT) SetAdvertisedAddr(host string, port int) {
	d.self.Host = host
	d.self.Port = port
}

// RestoreTable reloads the node snapshot persisted by a previous run.
func (d *DHT) RestoreTable(ctx context.Context) error {
	nodes, err := d.store.LoadNodes(ctx)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		d.table.Add(n)
	}
	if len(nodes) > 0 {
		d.log.WithField("nodes", len(nodes)).Info("routing table restored")
	}
	return nil
}

// PersistTable snapshots the routing table for the next run.
func (d *DHT) PersistTable(ctx context.Context) error {
	return d.store.SaveNodes(ctx, d.table.All())
}

// --- server-side RPC surface (transport.DHTBackend) ---

// SelfNodeID returns the local node id in wire form.
func (d *DHT) SelfNodeID() string { return d.self.ID.String() }

// AddPeer ingests a bootstrap announcement.
func (d *DHT) AddPeer(_ context.Context, nodeID, host string, port int) error {
	id, err := ParseNodeID(nodeID)
	if err != nil {
		return err
	}
	if host == "" {
		return fmt.Errorf("empty peer address")
	}
	d.table.Add(NewNode(id, host, port))
	return nil
}

// StoreValue validates and stores a record pushed by a peer. Rejections
// carry the validation error back so the peer sees ok=false, but they are
// also counted: a rejected record is the only Sybil signal we get.
func (d *DHT) StoreValue(ctx context.Context, value []byte) error {
	if len(value) > MaxRecordSize {
		metrics.DHTRecordsRejected.WithLabelValues("oversize").Inc()
		return fmt.Errorf("%w: oversize (%d bytes)", ErrInvalidRecord, len(value))
	}
	rec, err := DecodeRecord(value)
	if err != nil {
		metrics.DHTRecordsRejected.WithLabelValues("malformed").Inc()
		return err
	}
	if err := rec.Validate(time.Now()); err != nil {
		metrics.DHTRecordsRejected.WithLabelValues(rejectReason(err)).Inc()
		d.log.WithError(err).Debug("store request rejected")
		return err
	}
	return d.store.PutValue(ctx, rec.Key(), value, false)
}

// LookupValue serves find_value: the stored record if present, otherwise
// the k closest nodes.
func (d *DHT) LookupValue(ctx context.Context, key []byte) ([]byte, []transport.NodeRef, error) {
	var id NodeID
	copy(id[:], key)

	value, err := d.store.GetValue(ctx, id)
	if err == nil {
		return value, nil, nil
	}
	if err != ErrNotFound {
		return nil, nil, err
	}
	return nil, d.closestRefs(id), nil
}

// ClosestNodes serves find_node.
func (d *DHT) ClosestNodes(_ context.Context, target []byte) ([]transport.NodeRef, error) {
	var id NodeID
	copy(id[:], target)
	return d.closestRefs(id), nil
}

func (d *DHT) closestRefs(target NodeID) []transport.NodeRef {
	nodes := d.table.Closest(target, K)
	refs := make([]transport.NodeRef, 0, len(nodes))
	for _, n := range nodes {
		refs = append(refs, nodeToRef(n))
	}
	return refs
}

// --- client-side operations ---

// Bootstrap introduces this node to the network through a known peer:
// announce ourselves, learn the peer's id, then walk toward our own id to
// populate nearby buckets.
func (d *DHT) Bootstrap(ctx context.Context, host string, port int) error {
	addr := (&Node{Host: host, Port: port}).Addr()

	if err := d.rpc.Bootstrap(ctx, addr, nodeToRef(d.self)); err != nil {
		return fmt.Errorf("announce to %s: %w", addr, err)
	}

	peerID, err := d.rpc.NodeID(ctx, addr)
	if err != nil {
		return fmt.Errorf("fetch peer id: %w", err)
	}
	id, err := ParseNodeID(peerID)
	if err != nil {
		return fmt.Errorf("peer id from %s: %w", addr, err)
	}
	d.table.Add(NewNode(id, host, port))

	if _, err := d.IterativeFindNode(ctx, d.self.ID); err != nil {
		return err
	}
	d.log.WithField("peers", d.table.Len()).Info("bootstrap complete")
	return nil
}

// IterativeFindNode performs the shortlist walk toward target and returns
// the k closest live nodes discovered.
func (d *DHT) IterativeFindNode(ctx context.Context, target NodeID) ([]*Node, error) {
	_, nodes, err := d.iterativeLookup(ctx, target, false, nil)
	return nodes, err
}

// Discover finds and validates the directory record for a user identifier.
// Invalid or stale records returned by peers are discarded and counted;
// the lookup keeps going until a valid record or network exhaustion.
func (d *DHT) Discover(ctx context.Context, identifier string) (*Record, error) {
	key := NodeIDForIdentifier(identifier)

	// Local store first.
	if data, err := d.store.GetValue(ctx, key); err == nil {
		if rec := d.validatedRecord(data, identifier); rec != nil {
			return rec, nil
		}
	}

	value, _, err := d.iterativeLookup(ctx, key, true, func(data []byte) bool {
		return d.validatedRecord(data, identifier) != nil
	})
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, fmt.Errorf("%q: %w", identifier, ErrNotFound)
	}
	rec, err := DecodeRecord(value)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", identifier, ErrNotFound)
	}
	// Cache for future lookups.
	if err := d.store.PutValue(ctx, key, value, false); err != nil {
		d.log.WithError(err).Warn("caching discovered record failed")
	}
	return rec, nil
}

// validatedRecord decodes and validates record bytes for an expected
// identifier, returning nil (with a counter bump) on any mismatch.
func (d *DHT) validatedRecord(data []byte, identifier string) *Record {
	rec, err := DecodeRecord(data)
	if err != nil {
		metrics.DHTRecordsRejected.WithLabelValues("malformed").Inc()
		return nil
	}
	if rec.Identifier != identifier {
		metrics.DHTRecordsRejected.WithLabelValues("identifier").Inc()
		return nil
	}
	if err := rec.Validate(time.Now()); err != nil {
		metrics.DHTRecordsRejected.WithLabelValues(rejectReason(err)).Inc()
		d.log.WithError(err).Debug("discarding invalid record from lookup")
		return nil
	}
	return rec
}

// Publish stores a record across a randomized replica set near its key and
// reports how many peers accepted. The local copy is stored first and
// marked origin when the record is our own.
func (d *DHT) Publish(ctx context.Context, rec *Record, origin bool) (int, error) {
	data, err := rec.Encode()
	if err != nil {
		return 0, err
	}
	key := rec.Key()

	if err := d.store.PutValue(ctx, key, data, origin); err != nil {
		return 0, err
	}

	accepted, err := d.storeToNetwork(ctx, key, data)
	if err != nil {
		return accepted, err
	}
	return accepted, nil
}

// storeToNetwork pushes value bytes to a randomized set of nodes near key.
// Predictable replica placement invites eclipse attacks, so the replica
// count is jittered and the set is sampled from a wider candidate pool.
func (d *DHT) storeToNetwork(ctx context.Context, key NodeID, value []byte) (int, error) {
	_, nearest, err := d.iterativeLookup(ctx, key, false, nil)
	if err != nil {
		return 0, err
	}
	if len(nearest) == 0 {
		return 0, fmt.Errorf("no peers available to store: %w", transport.ErrUnreachable)
	}

	jitter, err := crypto.RandomInt(0, replicaJitter)
	if err != nil {
		return 0, err
	}
	targetCount := K + jitter

	pool := d.table.Closest(key, 2*targetCount)
	if len(pool) < len(nearest) {
		pool = nearest
	}
	targets, err := sampleNodes(pool, minInt(targetCount, len(pool)))
	if err != nil {
		return 0, err
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for _, n := range targets {
		n := n
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := d.rpc.Store(ctx, n.Addr(), d.self.ID.String(), key.String(), value)
			if err != nil {
				d.log.WithError(err).WithField("peer", n.ID.String()[:8]).Debug("store rpc failed")
				d.table.MarkBad(n.ID)
				return
			}
			d.table.Touch(n.ID)
			if ok {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	quorum := (minInt(K, len(targets)) + 1) / 2
	if quorum < 1 {
		quorum = 1
	}
	if accepted < quorum {
		return accepted, fmt.Errorf("store quorum not reached: %d/%d", accepted, quorum)
	}
	return accepted, nil
}

// iterativeLookup is the shared shortlist walk. With wantValue set it
// issues find_value RPCs and short-circuits on the first record that the
// accept callback approves (nil accepts anything); rejected values do not
// stop the walk, so a poisoned reply costs one peer, not the lookup.
// Without wantValue it issues find_node. It returns the value (if found)
// and the k closest responsive nodes.
func (d *DHT) iterativeLookup(ctx context.Context, target NodeID, wantValue bool, accept func([]byte) bool) ([]byte, []*Node, error) {
	shortlist := make(map[NodeID]*candidate)
	// Candidates whose RPC failed stay in the shortlist (so they are not
	// re-added from later replies) but are left out of every result.
	failed := make(map[NodeID]bool)

	for _, n := range d.table.Closest(target, K) {
		shortlist[n.ID] = &candidate{node: n}
	}
	d.table.MarkRefreshed(target)

	closestOf := func(limit int, unqueriedOnly bool) []*candidate {
		out := make([]*candidate, 0, len(shortlist))
		for _, c := range shortlist {
			if failed[c.node.ID] || (unqueriedOnly && c.queried) {
				continue
			}
			out = append(out, c)
		}
		sortCandidatesByDistance(out, target)
		if len(out) > limit {
			out = out[:limit]
		}
		return out
	}

	for round := 0; round < maxLookupRounds; round++ {
		batch := closestOf(Alpha, true)
		if len(batch) == 0 {
			break
		}

		type reply struct {
			from  *Node
			value []byte
			refs  []transport.NodeRef
			err   error
		}
		replies := make(chan reply, len(batch))

		for _, c := range batch {
			c.queried = true
			n := c.node
			go func() {
				var r reply
				r.from = n
				if wantValue {
					r.value, r.refs, r.err = d.rpc.FindValue(ctx, n.Addr(), d.self.ID.String(), target.String())
				} else {
					r.refs, r.err = d.rpc.FindNode(ctx, n.Addr(), d.self.ID.String(), target.String())
				}
				replies <- r
			}()
		}

		for i := 0; i < len(batch); i++ {
			r := <-replies
			if r.err != nil {
				d.log.WithError(r.err).WithField("peer", r.from.ID.String()[:8]).Debug("lookup rpc failed")
				d.table.MarkBad(r.from.ID)
				failed[r.from.ID] = true
				continue
			}
			d.table.Touch(r.from.ID)

			if wantValue && r.value != nil {
				if accept == nil || accept(r.value) {
					return r.value, nil, nil
				}
				continue
			}
			for _, ref := range r.refs {
				n, err := refToNode(ref)
				if err != nil || n.ID == d.self.ID {
					continue
				}
				if _, known := shortlist[n.ID]; !known {
					shortlist[n.ID] = &candidate{node: n}
					d.table.Add(n)
				}
			}
		}

		// Converged when the k closest candidates have all been queried.
		done := true
		for _, c := range closestOf(K, false) {
			if !c.queried {
				done = false
				break
			}
		}
		if done {
			break
		}
	}

	closest := closestOf(K, false)
	nodes := make([]*Node, 0, len(closest))
	for _, c := range closest {
		nodes = append(nodes, c.node)
	}
	return nil, nodes, nil
}

// --- helpers ---

func nodeToRef(n *Node) transport.NodeRef {
	return transport.NodeRef{NodeID: n.ID.String(), IP: n.Host, Port: n.Port}
}

func refToNode(ref transport.NodeRef) (*Node, error) {
	id, err := ParseNodeID(ref.NodeID)
	if err != nil {
		return nil, err
	}
	if ref.IP == "" {
		return nil, fmt.Errorf("empty node address")
	}
	return NewNode(id, ref.IP, ref.Port), nil
}

// candidate is a shortlist entry during an iterative lookup.
type candidate struct {
	node    *Node
	queried bool
}

func sortCandidatesByDistance(cands []*candidate, target NodeID) {
	sort.Slice(cands, func(i, j int) bool {
		return target.Closer(cands[i].node.ID, cands[j].node.ID)
	})
}

// sampleNodes picks n nodes uniformly without replacement.
func sampleNodes(pool []*Node, n int) ([]*Node, error) {
	out := append([]*Node(nil), pool...)
	for i := 0; i < n; i++ {
		j, err := crypto.RandomInt(i, len(out)-1)
		if err != nil {
			return nil, err
		}
		out[i], out[j] = out[j], out[i]
	}
	return out[:n], nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func rejectReason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrStaleRecord):
		return "stale"
	case errors.Is(err, crypto.ErrIdentifierMismatch):
		return "identifier"
	case errors.Is(err, crypto.ErrInvalidSignature):
		return "signature"
	case errors.Is(err, ErrInvalidRecord):
		return "malformed"
	default:
		return "malformed"
	}
}
