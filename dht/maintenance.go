package dht

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MaintenanceConfig holds the intervals for the background loops.
type MaintenanceConfig struct {
	// RefreshInterval drives lookups into buckets with no recent traffic.
	RefreshInterval time.Duration
	// ReplicateInterval drives re-storing of every held value.
	ReplicateInterval time.Duration
	// ExpireInterval drives the value-store sweep.
	ExpireInterval time.Duration
	// LivenessInterval drives ping probes of quiet nodes.
	LivenessInterval time.Duration
	// NodeTimeout is how long a node may stay quiet before being probed.
	NodeTimeout time.Duration
	// PingTimeout bounds a single liveness probe.
	PingTimeout time.Duration
}

// DefaultMaintenanceConfig returns the protocol's maintenance schedule.
func DefaultMaintenanceConfig() *MaintenanceConfig {
	return &MaintenanceConfig{
		RefreshInterval:   1 * time.Hour,
		ReplicateInterval: 1 * time.Hour,
		ExpireInterval:    6 * time.Hour,
		LivenessInterval:  5 * time.Minute,
		NodeTimeout:       15 * time.Minute,
		PingTimeout:       30 * time.Second,
	}
}

// Maintainer runs the DHT's periodic upkeep: bucket refresh, value
// replication, expiration, and node liveness.
type Maintainer struct {
	dht *DHT
	cfg *MaintenanceConfig
	log *logrus.Entry

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// NewMaintainer creates a maintenance manager for the DHT.
func NewMaintainer(d *DHT, cfg *MaintenanceConfig) *Maintainer {
	if cfg == nil {
		cfg = DefaultMaintenanceConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Maintainer{
		dht:    d,
		cfg:    cfg,
		log:    d.log.WithField("component", "maintenance"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the maintenance loops. Calling Start twice is a no-op.
func (m *Maintainer) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isRunning {
		return
	}
	m.isRunning = true

	m.wg.Add(4)
	go m.loop(m.cfg.RefreshInterval, m.refreshOnce)
	go m.loop(m.cfg.ReplicateInterval, m.replicateOnce)
	go m.loop(m.cfg.ExpireInterval, m.expireOnce)
	go m.loop(m.cfg.LivenessInterval, m.livenessOnce)
}

// Stop signals the loops and waits for them to finish.
func (m *Maintainer) Stop() {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Maintainer) loop(interval time.Duration, fn func(context.Context)) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			fn(m.ctx)
		}
	}
}

// refreshOnce looks up a random id inside every bucket that saw no lookup
// traffic for a full interval.
func (m *Maintainer) refreshOnce(ctx context.Context) {
	cutoff := time.Now().Add(-m.cfg.RefreshInterval)
	for _, idx := range m.dht.table.StaleBuckets(cutoff) {
		var randomBits NodeID
		if _, err := rand.Read(randomBits[:]); err != nil {
			m.log.WithError(err).Error("bucket refresh randomness failed")
			return
		}
		target := m.dht.table.RandomIDInBucket(idx, randomBits)
		if _, err := m.dht.IterativeFindNode(ctx, target); err != nil {
			m.log.WithError(err).WithField("bucket", idx).Debug("bucket refresh lookup failed")
		}
	}
}

// replicateOnce re-stores every held value to a freshly sampled replica
// set. The jittered set size keeps replica placement unpredictable.
func (m *Maintainer) replicateOnce(ctx context.Context) {
	values, err := m.dht.store.AllValues(ctx)
	if err != nil {
		m.log.WithError(err).Error("replication listing failed")
		return
	}
	for _, v := range values {
		if _, err := m.dht.storeToNetwork(ctx, v.Key, v.Record); err != nil {
			m.log.WithError(err).WithField("key", v.Key.String()[:8]).Debug("replication failed")
		}
	}
}

// expireOnce drops values past their lifetime; values this node originated
// are pushed back out instead.
func (m *Maintainer) expireOnce(ctx context.Context) {
	republish, err := m.dht.store.ExpireValues(ctx, time.Now().Add(-ValueTTL))
	if err != nil {
		m.log.WithError(err).Error("value expiration failed")
		return
	}
	for _, v := range republish {
		if _, err := m.dht.storeToNetwork(ctx, v.Key, v.Record); err != nil {
			m.log.WithError(err).Debug("republish failed")
			continue
		}
		// Refresh the local stored_at so the next sweep leaves it alone.
		if err := m.dht.store.PutValue(ctx, v.Key, v.Record, true); err != nil {
			m.log.WithError(err).Warn("refreshing republished value failed")
		}
	}
}

// livenessOnce pings nodes unseen past the timeout and evicts the ones
// that do not answer, promoting replacement-cache candidates.
func (m *Maintainer) livenessOnce(ctx context.Context) {
	stale := m.dht.table.UnseenSince(time.Now().Add(-m.cfg.NodeTimeout))
	if len(stale) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, n := range stale {
		n := n
		wg.Add(1)
		go func() {
			defer wg.Done()
			pingCtx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
			defer cancel()
			if err := m.dht.rpc.Ping(pingCtx, n.Addr(), m.dht.self.ID.String()); err != nil {
				m.dht.table.Remove(n.ID)
				m.log.WithField("peer", n.ID.String()[:8]).Debug("evicted unresponsive node")
				return
			}
			m.dht.table.Touch(n.ID)
		}()
	}
	wg.Wait()
}
