// Package storage provides the node's embedded relational persistence:
// contacts, the delivered inbox, the store-and-forward queue, the
// duplicate-suppression seen set, and the sender-side outbox.
//
// Everything lives in a single SQLite database; each logical operation runs
// in one transaction. The DHT keeps its own database, see the dht package.
package storage
