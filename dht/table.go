package dht

import (
	"sort"
	"sync"
	"time"
)

// Routing-table parameters.
const (
	// K is the bucket width and the redundancy factor of every lookup.
	K = 20
	// Alpha is the lookup parallelism.
	Alpha = 3
	// NumBuckets is one bucket per distance-prefix bit.
	NumBuckets = 256
)

// bucket holds up to K nodes ordered least-recently-seen first, plus a
// bounded replacement cache of candidates waiting for an eviction.
type bucket struct {
	entries []*Node
	cache   []*Node
}

// Table is the Kademlia routing table: 256 k-buckets indexed by the XOR
// distance prefix to the local node id. All operations are short and run
// under one mutex.
type Table struct {
	self    NodeID
	mu      sync.Mutex
	buckets [NumBuckets]bucket
	// refreshed records the last lookup touching each bucket's range, for
	// the hourly refresh loop.
	refreshed [NumBuckets]time.Time
}

// NewTable creates a routing table for the local node id.
func NewTable(self NodeID) *Table {
	t := &Table{self: self}
	now := time.Now()
	for i := range t.refreshed {
		t.refreshed[i] = now
	}
	return t
}

// Self returns the local node id.
func (t *Table) Self() NodeID { return t.self }

// Add inserts or refreshes a node. An existing entry moves to the
// most-recently-seen position; a full bucket pushes the newcomer into the
// replacement cache. Reports whether the node ended up in the live entries.
func (t *Table) Add(n *Node) bool {
	idx := t.self.BucketIndex(n.ID)
	if idx < 0 {
		return false // never store ourselves
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	b := &t.buckets[idx]
	for i, existing := range b.entries {
		if existing.ID == n.ID {
			existing.Host = n.Host
			existing.Port = n.Port
			existing.LastSeen = time.Now()
			existing.Status = StatusGood
			b.entries = append(append(b.entries[:i], b.entries[i+1:]...), existing)
			return true
		}
	}

	if len(b.entries) < K {
		b.entries = append(b.entries, n)
		return true
	}

	// Full bucket: replace a bad entry if there is one, otherwise park the
	// newcomer in the replacement cache.
	for i, existing := range b.entries {
		if existing.Status == StatusBad {
			b.entries[i] = n
			return true
		}
	}

	for _, cached := range b.cache {
		if cached.ID == n.ID {
			cached.Host = n.Host
			cached.Port = n.Port
			cached.LastSeen = time.Now()
			return false
		}
	}
	b.cache = append(b.cache, n)
	if len(b.cache) > K {
		b.cache = b.cache[1:]
	}
	return false
}

// Remove evicts a node and promotes the freshest replacement-cache entry
// into the freed slot.
func (t *Table) Remove(id NodeID) {
	idx := t.self.BucketIndex(id)
	if idx < 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	b := &t.buckets[idx]
	for i, existing := range b.entries {
		if existing.ID == id {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			if n := len(b.cache); n > 0 {
				promoted := b.cache[n-1]
				b.cache = b.cache[:n-1]
				b.entries = append(b.entries, promoted)
			}
			return
		}
	}
}

// Touch marks a node as responsive now.
func (t *Table) Touch(id NodeID) {
	idx := t.self.BucketIndex(id)
	if idx < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, existing := range t.buckets[idx].entries {
		if existing.ID == id {
			existing.LastSeen = time.Now()
			existing.Status = StatusGood
			return
		}
	}
}

// MarkBad flags a node unresponsive without removing it.
func (t *Table) MarkBad(id NodeID) {
	idx := t.self.BucketIndex(id)
	if idx < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, existing := range t.buckets[idx].entries {
		if existing.ID == id {
			existing.Status = StatusBad
			return
		}
	}
}

// Closest returns up to n live nodes closest to target, nearest first.
func (t *Table) Closest(target NodeID, n int) []*Node {
	t.mu.Lock()
	all := make([]*Node, 0, NumBuckets)
	for i := range t.buckets {
		all = append(all, t.buckets[i].entries...)
	}
	t.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		return target.Closer(all[i].ID, all[j].ID)
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// All returns every live entry, in no particular order.
func (t *Table) All() []*Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	all := make([]*Node, 0, NumBuckets)
	for i := range t.buckets {
		all = append(all, t.buckets[i].entries...)
	}
	return all
}

// Len returns the number of live entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for i := range t.buckets {
		n += len(t.buckets[i].entries)
	}
	return n
}

// UnseenSince returns live nodes whose last activity predates cutoff.
func (t *Table) UnseenSince(cutoff time.Time) []*Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	var stale []*Node
	for i := range t.buckets {
		for _, n := range t.buckets[i].entries {
			if n.LastSeen.Before(cutoff) {
				stale = append(stale, n)
			}
		}
	}
	return stale
}

// MarkRefreshed records that a lookup touched the bucket holding id.
func (t *Table) MarkRefreshed(id NodeID) {
	idx := t.self.BucketIndex(id)
	if idx < 0 {
		return
	}
	t.mu.Lock()
	t.refreshed[idx] = time.Now()
	t.mu.Unlock()
}

// StaleBuckets returns the indexes of non-empty buckets not refreshed since
// cutoff.
func (t *Table) StaleBuckets(cutoff time.Time) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var idxs []int
	for i := range t.buckets {
		if len(t.buckets[i].entries) > 0 && t.refreshed[i].Before(cutoff) {
			idxs = append(idxs, i)
		}
	}
	return idxs
}

// RandomIDInBucket builds an id that falls into bucket idx relative to the
// local id, for refresh lookups. The prefix above the bucket bit is copied
// from self, the bucket bit is flipped, and the randomBits fill the rest.
func (t *Table) RandomIDInBucket(idx int, randomBits NodeID) NodeID {
	id := t.self
	bitPos := NumBuckets - 1 - idx // bit offset from the most significant bit
	byteIdx := bitPos / 8
	bitInByte := 7 - bitPos%8

	id[byteIdx] ^= 1 << bitInByte
	for i := byteIdx + 1; i < IDLength; i++ {
		id[i] = randomBits[i]
	}
	// Mask the low bits of the pivot byte with randomness below the
	// flipped bit.
	if bitInByte > 0 {
		mask := byte(1<<bitInByte - 1)
		id[byteIdx] = (id[byteIdx] &^ mask) | (randomBits[byteIdx] & mask)
	}
	return id
}
