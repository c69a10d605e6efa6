// Package zerotrace assembles the node: identity and keystore, the message
// stores, the routing engine, the wire transport, the Kademlia directory,
// and the overlay view. Callers construct a Node, Start it, and interact
// through its Send/Fetch/Discover/Publish operations; there is no global
// state.
package zerotrace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/zerotrace/crypto"
	"github.com/opd-ai/zerotrace/dht"
	"github.com/opd-ai/zerotrace/i2p"
	"github.com/opd-ai/zerotrace/metrics"
	"github.com/opd-ai/zerotrace/routing"
	"github.com/opd-ai/zerotrace/storage"
	"github.com/opd-ai/zerotrace/transport"
)

// Default background cadences.
const (
	seenSweepInterval   = 1 * time.Hour
	outboxInterval      = 1 * time.Minute
	republishInterval   = 1 * time.Hour
	fetchInterval       = 5 * time.Minute
	outboxBatch         = 50
	shutdownGracePeriod = 10 * time.Second
)

// Options configures a node.
type Options struct {
	// DataDir holds the keystore and both databases.
	DataDir string
	// Host and Port are the local HTTP bind; the overlay's inbound tunnel
	// forwards to them.
	Host string
	Port int
	// KeystoreName overrides the sealed key file name.
	KeystoreName string
	// BootstrapAddr and BootstrapPort name a known peer to join through.
	BootstrapAddr string
	BootstrapPort int
	// Overlay selects the anonymity overlay or developer mode.
	Overlay *i2p.Config
	// Routing overrides the forwarding parameters, mainly for tests.
	Routing *routing.Config
	// Maintenance overrides the DHT upkeep schedule, mainly for tests.
	Maintenance *dht.MaintenanceConfig
}

// DefaultOptions returns a production configuration rooted at dir.
func DefaultOptions(dir string) *Options {
	return &Options{
		DataDir:      dir,
		Host:         "127.0.0.1",
		Port:         8970,
		KeystoreName: crypto.DefaultKeystoreName,
		Overlay:      i2p.DefaultConfig(),
	}
}

// SendResult reports how a Send reached (or failed to reach) the network.
type SendResult struct {
	// Direct is true when the recipient's own endpoint accepted the
	// message.
	Direct bool
	// Relays is the number of fanout nodes that accepted a copy.
	Relays int
	// Queued is true when nothing accepted the message and it sits in the
	// outbox for retry.
	Queued bool
}

// Node is one ZeroTrace participant.
type Node struct {
	opts     *Options
	identity *crypto.Identity
	overlay  *i2p.Overlay

	store    *storage.Store
	dhtStore *dht.Store

	client     *transport.Client
	server     *transport.Server
	router     *routing.Router
	dht        *dht.DHT
	maintainer *dht.Maintainer

	log *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// New unlocks (or creates) the identity and wires the node together. The
// password buffer is consumed and wiped.
func New(opts *Options, password []byte) (*Node, error) {
	if opts == nil {
		return nil, errors.New("options are required")
	}
	if opts.KeystoreName == "" {
		opts.KeystoreName = crypto.DefaultKeystoreName
	}
	if err := os.MkdirAll(opts.DataDir, 0o700); err != nil {
		crypto.ZeroBytes(password)
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	identity, err := openIdentity(filepath.Join(opts.DataDir, opts.KeystoreName), password)
	if err != nil {
		return nil, err
	}

	overlay := i2p.New(opts.Overlay)
	if err := overlay.Load(); err != nil {
		identity.Wipe()
		return nil, err
	}

	store, err := storage.Open(filepath.Join(opts.DataDir, "messenger.db"))
	if err != nil {
		identity.Wipe()
		return nil, err
	}
	dhtStore, err := dht.OpenStore(filepath.Join(opts.DataDir, "dht.db"))
	if err != nil {
		store.Close()
		identity.Wipe()
		return nil, err
	}

	client, err := transport.NewClient(&transport.ClientConfig{
		ProxyType: overlay.ProxyType(),
		ProxyAddr: overlay.ProxyAddr(),
	})
	if err != nil {
		dhtStore.Close()
		store.Close()
		identity.Wipe()
		return nil, err
	}

	router := routing.New(identity, store, client, opts.Routing)

	dhtHost, dhtPort := advertisedEndpoint(overlay.LocalAddress())
	d := dht.New(identity.ID(), dhtHost, dhtPort, dhtStore, client)

	serverCfg := transport.DefaultServerConfig()
	serverCfg.Host = opts.Host
	serverCfg.Port = opts.Port
	server := transport.NewServer(serverCfg, router, store, d)

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		opts:       opts,
		identity:   identity,
		overlay:    overlay,
		store:      store,
		dhtStore:   dhtStore,
		client:     client,
		server:     server,
		router:     router,
		dht:        d,
		maintainer: dht.NewMaintainer(d, opts.Maintenance),
		log: logrus.WithFields(logrus.Fields{
			"package": "zerotrace",
			"node":    identity.ID()[:8],
		}),
		ctx:    ctx,
		cancel: cancel,
	}

	overlay.OnRotate(func(addr string) {
		host, port := advertisedEndpoint(addr)
		n.dht.SetAdvertisedAddr(host, port)
		rotateCtx, cancel := context.WithTimeout(n.ctx, transport.DefaultRequestTimeout)
		defer cancel()
		if err := n.Publish(rotateCtx); err != nil {
			n.log.WithError(err).Warn("republish after rotation failed")
		}
	})

	return n, nil
}

// openIdentity unlocks an existing keystore or creates one on first run.
func openIdentity(path string, password []byte) (*crypto.Identity, error) {
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			crypto.ZeroBytes(password)
			return nil, fmt.Errorf("stat keystore: %w", err)
		}
		return crypto.CreateKeystore(path, password)
	}
	return crypto.UnlockKeystore(path, password)
}

// advertisedEndpoint splits an overlay address into the host/port pair the
// DHT announces. Bare b32 hostnames advertise the default HTTP port.
func advertisedEndpoint(addr string) (string, int) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			var port int
			if _, err := fmt.Sscanf(addr[i+1:], "%d", &port); err == nil {
				return addr[:i], port
			}
			break
		}
	}
	return addr, 80
}

// ID returns the node's user identifier.
func (n *Node) ID() string { return n.identity.ID() }

// Address returns the node's current overlay address.
func (n *Node) Address() string { return n.overlay.LocalAddress() }

// Start binds the server, restores and joins the DHT, and launches the
// background loops.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return nil
	}

	if err := n.server.Start(); err != nil {
		return err
	}

	if err := n.dht.RestoreTable(n.ctx); err != nil {
		n.log.WithError(err).Warn("routing table restore failed")
	}

	if n.opts.BootstrapAddr != "" {
		bootCtx, cancel := context.WithTimeout(n.ctx, transport.DefaultRequestTimeout)
		err := n.dht.Bootstrap(bootCtx, n.opts.BootstrapAddr, n.opts.BootstrapPort)
		cancel()
		if err != nil {
			n.log.WithError(err).Warn("bootstrap failed, continuing with stored peers")
		}
	}

	n.maintainer.Start()

	n.wg.Add(4)
	go n.loop(seenSweepInterval, n.sweepSeen)
	go n.loop(outboxInterval, n.retryOutbox)
	go n.loop(republishInterval, n.republishSelf)
	go n.loop(fetchInterval, n.fetchOnce)

	n.started = true
	n.log.Info("node started")
	return nil
}

func (n *Node) loop(interval time.Duration, fn func(context.Context)) {
	defer n.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			fn(n.ctx)
		}
	}
}

// Close shuts the node down: stop accepting work, drain in-flight sends,
// persist state, and only then wipe the identity.
func (n *Node) Close() error {
	n.cancel()
	n.maintainer.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	if err := n.server.Shutdown(shutdownCtx); err != nil {
		n.log.WithError(err).Warn("server shutdown incomplete")
	}

	n.router.Wait()
	n.wg.Wait()

	if err := n.dht.PersistTable(shutdownCtx); err != nil {
		n.log.WithError(err).Warn("routing table persist failed")
	}

	var firstErr error
	if err := n.dhtStore.Close(); err != nil {
		firstErr = err
	}
	if err := n.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	n.identity.Wipe()
	n.log.Info("node stopped")
	return firstErr
}

// Send encrypts text for the recipient and pushes it into the network:
// direct first, then store-and-forward through random contacts when the
// recipient's endpoint does not answer.
func (n *Node) Send(ctx context.Context, recipientID, text string) (*SendResult, error) {
	contact, err := n.resolveContact(ctx, recipientID)
	if err != nil {
		return nil, err
	}

	w, err := crypto.EncryptMessage(n.identity, n.overlay.LocalAddress(), text, contact.Identifier, contact.KEMPK)
	if err != nil {
		return nil, err
	}

	// Our own signature goes straight into the seen set so copies looping
	// back through the network are not re-forwarded by us.
	if _, err := n.store.MarkSeen(ctx, w.Sig, time.Now()); err != nil {
		return nil, err
	}

	res := &SendResult{}
	sendErr := n.client.SendWire(ctx, contact.Address, w)
	if sendErr == nil {
		res.Direct = true
		return res, nil
	}
	metrics.SendFailures.Inc()
	n.log.WithError(sendErr).WithField("peer", contact.Identifier[:8]).
		Info("direct send failed, dispersing through contacts")

	relays, err := n.router.Disperse(ctx, w)
	if err != nil {
		return nil, err
	}
	res.Relays = relays

	if relays == 0 {
		if _, err := n.store.EnqueueOutbox(ctx, w); err != nil {
			return nil, err
		}
		res.Queued = true
	}
	return res, nil
}

// resolveContact returns the recipient's contact row, consulting the DHT
// for unknown identifiers and auto-adding the discovered record.
func (n *Node) resolveContact(ctx context.Context, recipientID string) (*storage.Contact, error) {
	contact, err := n.store.GetContact(ctx, recipientID)
	if err == nil {
		return contact, nil
	}
	if !errors.Is(err, storage.ErrUnknownContact) {
		return nil, err
	}
	return n.Discover(ctx, recipientID)
}

// Discover resolves an identifier through the DHT and stores the result as
// a contact.
func (n *Node) Discover(ctx context.Context, identifier string) (*storage.Contact, error) {
	rec, err := n.dht.Discover(ctx, identifier)
	if err != nil {
		return nil, err
	}
	contact := &storage.Contact{
		Identifier:  rec.Identifier,
		DisplayName: rec.Identifier[:8],
		Address:     rec.Addr,
		KEMPK:       rec.KEMPK,
		SigPK:       rec.SigPK,
	}
	if err := n.store.UpsertContact(ctx, contact); err != nil {
		return nil, err
	}
	return contact, nil
}

// Publish signs and stores this node's directory record.
func (n *Node) Publish(ctx context.Context) error {
	rec := dht.NewRecord(n.identity, n.overlay.LocalAddress())
	accepted, err := n.dht.Publish(ctx, rec, true)
	if err != nil {
		return err
	}
	n.log.WithField("replicas", accepted).Info("directory record published")
	return nil
}

// Fetch pulls queued messages for this identity from every contact and
// runs them through the normal inbound path. It returns how many wire
// messages were retrieved.
func (n *Node) Fetch(ctx context.Context) (int, error) {
	contacts, err := n.store.ListContacts(ctx)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, c := range contacts {
		msgs, err := n.client.FetchMessages(ctx, c.Address, n.identity.ID())
		if err != nil {
			n.log.WithError(err).WithField("peer", c.Identifier[:8]).Debug("fetch failed")
			continue
		}
		for i := range msgs {
			if err := n.router.HandleInbound(ctx, &msgs[i]); err != nil {
				n.log.WithError(err).Warn("fetched message handling failed")
				continue
			}
			total++
		}
	}
	return total, nil
}

// AddContact verifies and stores a manually exchanged contact.
func (n *Node) AddContact(ctx context.Context, c *storage.Contact) error {
	return n.store.UpsertContact(ctx, c)
}

// Contacts lists the contact table.
func (n *Node) Contacts(ctx context.Context) ([]storage.Contact, error) {
	return n.store.ListContacts(ctx)
}

// Inbox lists delivered messages, newest first.
func (n *Node) Inbox(ctx context.Context, limit int) ([]storage.InboxMessage, error) {
	return n.store.ListInbox(ctx, limit)
}

// --- background loops ---

func (n *Node) sweepSeen(ctx context.Context) {
	removed, err := n.store.ExpireSeen(ctx, time.Now().Add(-storage.SeenTTL))
	if err != nil {
		n.log.WithError(err).Error("seen sweep failed")
		return
	}
	if removed > 0 {
		n.log.WithField("removed", removed).Debug("seen set swept")
	}
}

func (n *Node) retryOutbox(ctx context.Context) {
	entries, err := n.store.ListOutbox(ctx, outboxBatch)
	if err != nil {
		n.log.WithError(err).Error("outbox listing failed")
		return
	}
	for _, e := range entries {
		contact, err := n.store.GetContact(ctx, e.RecipientID)
		if err != nil {
			// Recipient no longer known; the entry burns an attempt so it
			// eventually ages out.
			if _, err := n.store.BumpOutboxAttempt(ctx, e.ID); err != nil {
				n.log.WithError(err).Error("outbox bump failed")
			}
			continue
		}
		wire := e.Wire
		if err := n.client.SendWire(ctx, contact.Address, &wire); err != nil {
			metrics.SendFailures.Inc()
			if _, err := n.store.BumpOutboxAttempt(ctx, e.ID); err != nil {
				n.log.WithError(err).Error("outbox bump failed")
			}
			continue
		}
		if err := n.store.DeleteOutbox(ctx, e.ID); err != nil {
			n.log.WithError(err).Error("outbox delete failed")
		}
	}
}

func (n *Node) republishSelf(ctx context.Context) {
	if err := n.Publish(ctx); err != nil {
		n.log.WithError(err).Debug("periodic republish failed")
	}
}

func (n *Node) fetchOnce(ctx context.Context) {
	if _, err := n.Fetch(ctx); err != nil {
		n.log.WithError(err).Debug("periodic fetch failed")
	}
}
