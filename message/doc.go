// Package message defines the ZeroTrace wire formats: the outer envelope
// posted to /send and the canonical inner payload whose byte encoding is
// both signed and encrypted.
//
// The inner payload serialization is canonical by construction: fields are
// marshaled in struct declaration order, so the exact byte sequence that a
// sender signs is reproduced by every implementation that preserves the
// documented field order (addr, msg, sender_id, ts, sig_pk, kem_pk).
package message
