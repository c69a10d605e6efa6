package transport

import (
	"errors"

	"github.com/opd-ai/zerotrace/message"
)

var (
	// ErrUnreachable indicates the peer could not be reached through the
	// overlay proxy.
	ErrUnreachable = errors.New("peer unreachable")
	// ErrTimeout indicates an outbound request exceeded its deadline.
	ErrTimeout = errors.New("request timed out")
)

// NodeRef is the wire representation of a DHT node: a 256-bit id in hex
// plus the node's reachable endpoint. Over the overlay the "ip" field
// carries the anonymous hostname (*.b32.i2p); the field name is kept for
// wire compatibility with the source protocol.
type NodeRef struct {
	NodeID string `json:"node_id"`
	IP     string `json:"ip"`
	Port   int    `json:"port"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type idResponse struct {
	ID string `json:"id"`
}

type okResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type bootstrapRequest struct {
	NodeID string `json:"node_id"`
	IP     string `json:"ip"`
	Port   int    `json:"port"`
}

type pingRequest struct {
	NodeID string `json:"node_id"`
}

type storeRequest struct {
	NodeID string `json:"node_id"`
	Key    string `json:"key"`
	Value  string `json:"value"`
}

type findRequest struct {
	NodeID string `json:"node_id"`
	Key    string `json:"key"`
}

type findValueResponse struct {
	Value string    `json:"value,omitempty"`
	Nodes []NodeRef `json:"nodes,omitempty"`
}

type findNodeResponse struct {
	Nodes []NodeRef `json:"nodes"`
}

type messagesResponse struct {
	Messages []message.Wire `json:"messages"`
}
