package routing

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/zerotrace/crypto"
	"github.com/opd-ai/zerotrace/message"
	"github.com/opd-ai/zerotrace/metrics"
	"github.com/opd-ai/zerotrace/storage"
)

// Sender dispatches a wire message to a peer's anonymous address.
type Sender interface {
	SendWire(ctx context.Context, addr string, w *message.Wire) error
}

// Config tunes the forwarding engine. Defaults implement the protocol
// constants; tests shrink the timeout.
type Config struct {
	// MaxFanout caps the per-hop fanout cardinality.
	MaxFanout int
	// FanoutFraction is the lower bound on fanout as a fraction of the
	// eligible contact set.
	FanoutFraction float64
	// MaxDecrement bounds the uniform per-hop decrement of ttl and
	// max_retry (0..MaxDecrement each hop).
	MaxDecrement int
	// SendTimeout bounds each fire-and-forget fanout send.
	SendTimeout time.Duration
}

// DefaultConfig returns the protocol's routing parameters.
func DefaultConfig() *Config {
	return &Config{
		MaxFanout:      10,
		FanoutFraction: 0.3,
		MaxDecrement:   2,
		SendTimeout:    60 * time.Second,
	}
}

// Router decides, for every inbound wire message, between local delivery,
// queueing for a known recipient, and randomized fanout.
type Router struct {
	self   *crypto.Identity
	store  *storage.Store
	sender Sender
	cfg    *Config
	log    *logrus.Entry

	// wg tracks in-flight fanout sends so shutdown can drain them.
	wg sync.WaitGroup
}

// New creates a router for the given identity, store, and sender.
func New(self *crypto.Identity, store *storage.Store, sender Sender, cfg *Config) *Router {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Router{
		self:   self,
		store:  store,
		sender: sender,
		cfg:    cfg,
		log: logrus.WithFields(logrus.Fields{
			"package": "routing",
			"node":    self.ID()[:8],
		}),
	}
}

// HandleInbound runs the routing state machine for one wire message. The
// returned error is non-nil only for storage failures; every protocol-level
// outcome (duplicate, undecryptable, expired, no eligible contacts) is a
// silent drop so the transport can answer 200 regardless.
//
// Duplicate suppression is the first step: the signature is marked seen
// before any fanout is scheduled, so a forwarded copy looping straight back
// is filtered even while the fanout goroutines are still running.
func (r *Router) HandleInbound(ctx context.Context, w *message.Wire) error {
	fresh, err := r.store.MarkSeen(ctx, w.Sig, time.Now())
	if err != nil {
		return err
	}
	if !fresh {
		metrics.InboundDropped.WithLabelValues("duplicate").Inc()
		r.log.Debug("duplicate message dropped")
		return nil
	}

	if w.RecipientID == r.self.ID() {
		return r.deliverLocal(ctx, w)
	}

	known, err := r.store.HasContact(ctx, w.RecipientID)
	if err != nil {
		return err
	}
	if known {
		if _, err := r.store.PushForward(ctx, w); err != nil {
			return err
		}
		dec, err := crypto.RandomInt(0, r.cfg.MaxDecrement)
		if err != nil {
			return err
		}
		w.MaxRetry -= dec
	}

	prev := w.CurrentNodeID
	w.CurrentNodeID = r.self.ID()

	dec, err := crypto.RandomInt(0, r.cfg.MaxDecrement)
	if err != nil {
		return err
	}
	w.TTL -= dec

	if w.TTL <= 0 || w.MaxRetry <= 0 {
		metrics.InboundDropped.WithLabelValues("ttl").Inc()
		r.log.WithFields(logrus.Fields{
			"ttl":       w.TTL,
			"max_retry": w.MaxRetry,
		}).Debug("message expired, not forwarding")
		return nil
	}

	return r.fanout(ctx, prev, w)
}

// deliverLocal decrypts a message addressed to this node, stores it, and
// auto-adds the sender as a contact. Cryptographic failures are dropped
// with a counter and a debug log; nothing about them reaches the wire.
func (r *Router) deliverLocal(ctx context.Context, w *message.Wire) error {
	payload, err := crypto.DecryptMessage(r.self, w)
	if err != nil {
		metrics.InboundDropped.WithLabelValues(dropReason(err)).Inc()
		r.log.WithError(err).Debug("inbound message failed decryption")
		return nil
	}

	if err := r.store.AddToInbox(ctx, payload.SenderID, payload.Msg, payload.Addr, payload.TS); err != nil {
		return err
	}
	metrics.MessagesDelivered.Inc()

	// The payload passed signature and identifier checks, so the sender's
	// claimed keys are trustworthy enough for a contact row.
	contact := &storage.Contact{
		Identifier:  payload.SenderID,
		DisplayName: payload.SenderID[:8],
		Address:     payload.Addr,
		KEMPK:       payload.KEMPK,
		SigPK:       payload.SigPK,
	}
	if err := r.store.UpsertContact(ctx, contact); err != nil {
		r.log.WithError(err).Warn("auto-add sender contact failed")
	}

	r.log.WithField("sender", payload.SenderID[:8]).Info("message delivered to inbox")
	return nil
}

// fanout samples a random subset of eligible contacts and dispatches the
// message to each as an independent fire-and-forget task. The inbound
// handler returns once the sends are scheduled, never awaiting them.
func (r *Router) fanout(ctx context.Context, prevForwarder string, w *message.Wire) error {
	contacts, err := r.store.ListContacts(ctx)
	if err != nil {
		return err
	}

	eligible := contacts[:0:0]
	for _, c := range contacts {
		if c.Identifier == prevForwarder || c.Identifier == r.self.ID() {
			continue
		}
		eligible = append(eligible, c)
	}
	if len(eligible) == 0 {
		metrics.InboundDropped.WithLabelValues("no_contacts").Inc()
		r.log.Debug("no eligible fanout contacts")
		return nil
	}

	n, err := r.fanoutSize(len(eligible))
	if err != nil {
		return err
	}
	targets, err := sample(eligible, n)
	if err != nil {
		return err
	}

	for _, target := range targets {
		target := target
		msg := *w
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			sendCtx, cancel := context.WithTimeout(context.Background(), r.cfg.SendTimeout)
			defer cancel()
			if err := r.sender.SendWire(sendCtx, target.Address, &msg); err != nil {
				metrics.SendFailures.Inc()
				r.log.WithError(err).WithField("peer", target.Identifier[:8]).
					Debug("fanout send failed")
				return
			}
			metrics.MessagesForwarded.Inc()
		}()
	}

	r.log.WithFields(logrus.Fields{
		"eligible": len(eligible),
		"fanout":   len(targets),
		"ttl":      w.TTL,
	}).Debug("fanout scheduled")
	return nil
}

// fanoutSize draws the per-hop fanout cardinality uniformly from
// [ceil(fraction*E), min(E, MaxFanout)]. For very large contact sets the
// lower bound is clamped to the cap.
func (r *Router) fanoutSize(eligible int) (int, error) {
	lo := int(math.Ceil(r.cfg.FanoutFraction * float64(eligible)))
	if lo < 1 {
		lo = 1
	}
	hi := eligible
	if hi > r.cfg.MaxFanout {
		hi = r.cfg.MaxFanout
	}
	if lo > hi {
		lo = hi
	}
	return crypto.RandomInt(lo, hi)
}

// sample picks n contacts uniformly without replacement via a partial
// Fisher-Yates shuffle driven by the CSPRNG.
func sample(contacts []storage.Contact, n int) ([]storage.Contact, error) {
	pool := append([]storage.Contact(nil), contacts...)
	for i := 0; i < n; i++ {
		j, err := crypto.RandomInt(i, len(pool)-1)
		if err != nil {
			return nil, err
		}
		pool[i], pool[j] = pool[j], pool[i]
	}
	return pool[:n], nil
}

// Disperse pushes a locally created message into the network through a
// random subset of contacts, excluding the direct recipient (who has
// already been tried). Unlike the inbound fanout this waits for the sends,
// so the caller can report how many relays accepted the message.
func (r *Router) Disperse(ctx context.Context, w *message.Wire) (int, error) {
	contacts, err := r.store.ListContacts(ctx)
	if err != nil {
		return 0, err
	}

	eligible := contacts[:0:0]
	for _, c := range contacts {
		if c.Identifier == w.RecipientID || c.Identifier == r.self.ID() {
			continue
		}
		eligible = append(eligible, c)
	}
	if len(eligible) == 0 {
		return 0, nil
	}

	n, err := r.fanoutSize(len(eligible))
	if err != nil {
		return 0, err
	}
	targets, err := sample(eligible, n)
	if err != nil {
		return 0, err
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for _, target := range targets {
		target := target
		wg.Add(1)
		go func() {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
			defer cancel()
			msg := *w
			if err := r.sender.SendWire(sendCtx, target.Address, &msg); err != nil {
				metrics.SendFailures.Inc()
				r.log.WithError(err).WithField("peer", target.Identifier[:8]).
					Debug("disperse send failed")
				return
			}
			mu.Lock()
			accepted++
			mu.Unlock()
		}()
	}
	wg.Wait()
	return accepted, nil
}

// Wait blocks until all scheduled fanout sends have finished. Called during
// node shutdown after the listener stops accepting work.
func (r *Router) Wait() {
	r.wg.Wait()
}

func dropReason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, crypto.ErrDecapsulation):
		return "decap"
	case errors.Is(err, crypto.ErrAEAD):
		return "aead"
	case errors.Is(err, crypto.ErrInvalidSignature):
		return "signature"
	case errors.Is(err, crypto.ErrIdentifierMismatch):
		return "identifier"
	default:
		return "malformed"
	}
}
