// Package dht implements the Kademlia directory that maps user identifiers
// to signed address records over the anonymity overlay.
//
// Parameters follow the classic paper: k=20 bucket width, alpha=3 query
// parallelism, 256-bit ids under the XOR metric. Node ids and value keys
// live in the same space: both are SHA-256 outputs, and a user's record is
// stored at SHA-256(identifier).
//
// The DHT does not resist a determined Sybil adversary. Its defenses are
// k-redundancy, parallel queries, mandatory record signature validation, a
// randomized replica set on publish, and out-of-band identifier
// verification by users.
package dht
