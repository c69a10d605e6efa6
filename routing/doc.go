// Package routing implements the forwarding engine: the per-message
// decision between local delivery and randomized fanout, duplicate
// suppression against the persistent seen set, and the TTL/retry decay that
// resists traffic analysis.
//
// Fixed TTL and retry values would leak hop distance and an origin
// fingerprint; decrementing each by a uniform 0..2 keeps the mean decay at
// one per hop while adding per-hop entropy.
package routing
