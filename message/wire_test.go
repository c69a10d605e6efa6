package message

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validWire() *Wire {
	return &Wire{
		CurrentNodeID: strings.Repeat("A", IdentifierLength),
		RecipientID:   strings.Repeat("B", IdentifierLength),
		KemCT:         make([]byte, KEMCiphertextSize),
		MsgCT:         []byte{1, 2, 3},
		Nonce:         make([]byte, NonceSize),
		Sig:           make([]byte, SignatureSize),
		TTL:           10,
		MaxRetry:      5,
	}
}

func TestWireValidate(t *testing.T) {
	require.NoError(t, validWire().Validate())

	cases := []struct {
		name   string
		mutate func(w *Wire)
	}{
		{"short recipient", func(w *Wire) { w.RecipientID = "abc" }},
		{"short forwarder", func(w *Wire) { w.CurrentNodeID = "" }},
		{"bad kem ct", func(w *Wire) { w.KemCT = w.KemCT[:100] }},
		{"bad nonce", func(w *Wire) { w.Nonce = append(w.Nonce, 0) }},
		{"bad sig", func(w *Wire) { w.Sig = w.Sig[:10] }},
		{"empty body", func(w *Wire) { w.MsgCT = nil }},
		{"ttl high", func(w *Wire) { w.TTL = 13 }},
		{"ttl negative", func(w *Wire) { w.TTL = -1 }},
		{"retry high", func(w *Wire) { w.MaxRetry = 8 }},
		{"retry negative", func(w *Wire) { w.MaxRetry = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := validWire()
			tc.mutate(w)
			assert.ErrorIs(t, w.Validate(), ErrMalformed)
		})
	}
}

func TestWireJSONFieldNames(t *testing.T) {
	data, err := validWire().Encode()
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, field := range []string{
		"current_node_identifier",
		"recipient_identifier",
		"shared_secret_ciphertext",
		"message_ciphertext",
		"nonce",
		"signature",
		"ttl",
		"max_recursive_contact",
	} {
		assert.Contains(t, raw, field)
	}
}

func TestDecodeWire(t *testing.T) {
	data, err := validWire().Encode()
	require.NoError(t, err)

	w, err := DecodeWire(data)
	require.NoError(t, err)
	assert.Equal(t, validWire(), w)

	_, err = DecodeWire([]byte("{"))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = DecodeWire([]byte(`{"ttl": 99}`))
	assert.ErrorIs(t, err, ErrMalformed)
}

// TestPayloadFieldOrder pins the canonical serialization: the signed byte
// sequence must list fields in exactly this order.
func TestPayloadFieldOrder(t *testing.T) {
	p := &Payload{
		Addr:     "x.b32.i2p",
		Msg:      "hi",
		SenderID: strings.Repeat("C", IdentifierLength),
		TS:       1700000000,
		SigPK:    make([]byte, SigPublicKeySize),
		KEMPK:    make([]byte, KEMPublicKeySize),
	}
	data, err := p.Encode()
	require.NoError(t, err)

	order := []string{`"addr"`, `"msg"`, `"sender_id"`, `"ts"`, `"sig_pk"`, `"kem_pk"`}
	last := -1
	for _, key := range order {
		idx := bytes.Index(data, []byte(key))
		require.Greater(t, idx, last, "field %s out of order", key)
		last = idx
	}
}

func TestDecodePayloadRejectsBadLengths(t *testing.T) {
	p := &Payload{
		Addr:     "x",
		Msg:      "m",
		SenderID: "short",
		TS:       1,
		SigPK:    make([]byte, SigPublicKeySize),
		KEMPK:    make([]byte, KEMPublicKeySize),
	}
	data, err := p.Encode()
	require.NoError(t, err)
	_, err = DecodePayload(data)
	assert.ErrorIs(t, err, ErrMalformed)
}
