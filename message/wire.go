package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Sizes fixed by the wire protocol. These are the ML-KEM-512 and ML-DSA-44
// parameter sizes; the crypto package asserts at test time that the schemes
// it uses agree with them.
const (
	// KEMPublicKeySize is the size of an encapsulation public key.
	KEMPublicKeySize = 800
	// KEMCiphertextSize is the size of the encapsulated shared secret.
	KEMCiphertextSize = 768
	// SigPublicKeySize is the size of a signature verification key.
	SigPublicKeySize = 1312
	// SignatureSize is the size of a payload signature.
	SignatureSize = 2420
	// NonceSize is the AES-GCM nonce length.
	NonceSize = 12

	// MaxTTL bounds the ttl field over the whole message lifetime.
	MaxTTL = 12
	// MaxRetryBound bounds the max_recursive_contact field.
	MaxRetryBound = 7

	// IdentifierLength is the length of a user identifier string:
	// url-safe base64 (padded) of a SHA-256 digest.
	IdentifierLength = 44
)

// ErrMalformed indicates a wire message that violates the protocol's
// structural constraints. Malformed inbound bodies are answered with 400;
// past structural validation the answer is 200 regardless of the routing
// outcome, unless the routing engine returns an internal error (500).
var ErrMalformed = errors.New("malformed wire message")

// Wire is the outer envelope relayed between nodes. Byte fields marshal as
// standard padded base64, matching the source protocol's JSON encoding.
type Wire struct {
	CurrentNodeID string `json:"current_node_identifier"`
	RecipientID   string `json:"recipient_identifier"`
	KemCT         []byte `json:"shared_secret_ciphertext"`
	MsgCT         []byte `json:"message_ciphertext"`
	Nonce         []byte `json:"nonce"`
	Sig           []byte `json:"signature"`
	TTL           int    `json:"ttl"`
	MaxRetry      int    `json:"max_recursive_contact"`
}

// Validate checks the structural constraints of a wire message. It does not
// touch any cryptography; a message that validates here can still fail
// decapsulation, AEAD, or signature checks downstream.
func (w *Wire) Validate() error {
	if len(w.RecipientID) != IdentifierLength {
		return fmt.Errorf("%w: recipient identifier length %d", ErrMalformed, len(w.RecipientID))
	}
	if len(w.CurrentNodeID) != IdentifierLength {
		return fmt.Errorf("%w: forwarder identifier length %d", ErrMalformed, len(w.CurrentNodeID))
	}
	if len(w.KemCT) != KEMCiphertextSize {
		return fmt.Errorf("%w: kem ciphertext length %d", ErrMalformed, len(w.KemCT))
	}
	if len(w.Nonce) != NonceSize {
		return fmt.Errorf("%w: nonce length %d", ErrMalformed, len(w.Nonce))
	}
	if len(w.Sig) != SignatureSize {
		return fmt.Errorf("%w: signature length %d", ErrMalformed, len(w.Sig))
	}
	if len(w.MsgCT) == 0 {
		return fmt.Errorf("%w: empty message ciphertext", ErrMalformed)
	}
	if w.TTL < 0 || w.TTL > MaxTTL {
		return fmt.Errorf("%w: ttl %d out of range", ErrMalformed, w.TTL)
	}
	if w.MaxRetry < 0 || w.MaxRetry > MaxRetryBound {
		return fmt.Errorf("%w: max_recursive_contact %d out of range", ErrMalformed, w.MaxRetry)
	}
	return nil
}

// Encode serializes the wire message for transmission or queue storage.
func (w *Wire) Encode() ([]byte, error) {
	return json.Marshal(w)
}

// DecodeWire parses and structurally validates a wire message.
func DecodeWire(data []byte) (*Wire, error) {
	var w Wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &w, nil
}
