// Package transport carries wire messages and DHT RPCs over HTTP. The
// server binds a loopback port that is only reachable from outside through
// the anonymous overlay's inbound tunnel; the client routes every outbound
// request through the overlay's local proxy (HTTP CONNECT by default,
// SOCKS5 supported), so no peer ever learns another's real endpoint.
package transport
