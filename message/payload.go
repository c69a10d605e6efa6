package message

import (
	"encoding/json"
	"fmt"
)

// Payload is the inner record that gets encrypted and signed. Field order is
// part of the wire contract: Encode marshals fields in declaration order and
// the resulting bytes are what the sender signs. Do not reorder.
type Payload struct {
	Addr     string `json:"addr"`
	Msg      string `json:"msg"`
	SenderID string `json:"sender_id"`
	TS       int64  `json:"ts"`
	SigPK    []byte `json:"sig_pk"`
	KEMPK    []byte `json:"kem_pk"`
}

// Encode produces the canonical byte encoding of the payload.
func (p *Payload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// DecodePayload parses an inner payload and checks its structural
// constraints.
func DecodePayload(data []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: inner payload: %v", ErrMalformed, err)
	}
	if len(p.SenderID) != IdentifierLength {
		return nil, fmt.Errorf("%w: sender identifier length %d", ErrMalformed, len(p.SenderID))
	}
	if len(p.SigPK) != SigPublicKeySize {
		return nil, fmt.Errorf("%w: sig_pk length %d", ErrMalformed, len(p.SigPK))
	}
	if len(p.KEMPK) != KEMPublicKeySize {
		return nil, fmt.Errorf("%w: kem_pk length %d", ErrMalformed, len(p.KEMPK))
	}
	return &p, nil
}
