// Package metrics exposes the node's drop and failure counters. The error
// policy for inbound traffic is silent-drop (the HTTP status never reveals
// a cryptographic failure), so these counters are the only operator-visible
// signal for rejected messages and records.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// InboundDropped counts inbound wire messages dropped without surfacing
	// an error, labeled by reason (duplicate, decap, aead, signature,
	// identifier, ttl, no_contacts, malformed).
	InboundDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zerotrace_inbound_dropped_total",
		Help: "Inbound wire messages silently dropped, by reason.",
	}, []string{"reason"})

	// MessagesDelivered counts messages decrypted into the local inbox.
	MessagesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zerotrace_messages_delivered_total",
		Help: "Messages decrypted and stored in the local inbox.",
	})

	// MessagesForwarded counts fanout sends on behalf of others that the
	// target peer accepted; failed attempts are counted by SendFailures.
	MessagesForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zerotrace_messages_forwarded_total",
		Help: "Wire messages dispatched to fanout targets.",
	})

	// SendFailures counts outbound sends that ended Unreachable or Timeout.
	SendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zerotrace_send_failures_total",
		Help: "Outbound wire sends that failed.",
	})

	// DHTRecordsRejected counts value records refused on ingest or during
	// lookups, labeled by reason (identifier, signature, stale, oversize,
	// malformed).
	DHTRecordsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zerotrace_dht_records_rejected_total",
		Help: "DHT value records rejected by validation, by reason.",
	}, []string{"reason"})
)
