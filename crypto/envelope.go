package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"

	"github.com/opd-ai/zerotrace/message"
)

// TTL and retry budgets assigned at message creation. Each is drawn
// uniformly so a captured message does not fingerprint its origin hop.
const (
	minInitialTTL   = 8
	maxInitialTTL   = 12
	minInitialRetry = 3
	maxInitialRetry = 7
)

// messageKeySize is the AES-256 key length expanded from the KEM shared
// secret.
const messageKeySize = 32

// deriveMessageKey expands a KEM shared secret into the AEAD key. Salt and
// info are deliberately empty: the source protocol derives keys this way and
// interoperability requires matching it byte for byte.
func deriveMessageKey(ss []byte) ([]byte, error) {
	key := make([]byte, messageKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ss, nil, nil), key); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return key, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm mode: %w", err)
	}
	return aead, nil
}

// EncryptMessage builds a wire message carrying plaintext to the contact
// identified by recipientID and holding recipientKEMPK. The inner payload is
// encoded canonically, signed with the sender's ML-DSA key, and sealed under
// a key encapsulated to the recipient. The signature doubles as the
// message's global identifier for duplicate suppression, so it covers the
// payload bytes rather than the ciphertext. The AEAD runs with no
// additional data, so the outer recipient_identifier, ttl and
// max_recursive_contact fields are authenticated by neither the tag nor
// the signature; a relay can rewrite them undetected.
func EncryptMessage(self *Identity, selfAddr, plaintext, recipientID string, recipientKEMPK []byte) (*message.Wire, error) {
	payload := &message.Payload{
		Addr:     selfAddr,
		Msg:      plaintext,
		SenderID: self.ID(),
		TS:       time.Now().Unix(),
		SigPK:    self.SigPublicKey(),
		KEMPK:    self.KEMPublicKey(),
	}
	inner, err := payload.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode inner payload: %w", err)
	}

	ss, kemCT, err := Encapsulate(recipientKEMPK)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(ss)

	key, err := deriveMessageKey(ss)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(key)

	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, message.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	msgCT := aead.Seal(nil, nonce, inner, nil)
	sig := self.Sign(inner)

	ttl, err := RandomInt(minInitialTTL, maxInitialTTL)
	if err != nil {
		return nil, err
	}
	maxRetry, err := RandomInt(minInitialRetry, maxInitialRetry)
	if err != nil {
		return nil, err
	}

	return &message.Wire{
		CurrentNodeID: self.ID(),
		RecipientID:   recipientID,
		KemCT:         kemCT,
		MsgCT:         msgCT,
		Nonce:         nonce,
		Sig:           sig,
		TTL:           ttl,
		MaxRetry:      maxRetry,
	}, nil
}

// DecryptMessage opens a wire message addressed to self. It decapsulates
// the shared secret, authenticates and decrypts the inner payload, verifies
// the payload signature, and enforces the sender's identifier binding.
func DecryptMessage(self *Identity, w *message.Wire) (*message.Payload, error) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "DecryptMessage",
		"package":  "crypto",
	})

	if w.RecipientID != self.ID() {
		return nil, fmt.Errorf("message addressed to %q, not us", w.RecipientID)
	}

	ss, err := self.Decapsulate(w.KemCT)
	if err != nil {
		logger.WithError(err).Debug("decapsulation failed")
		return nil, err
	}
	defer ZeroBytes(ss)

	key, err := deriveMessageKey(ss)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(key)

	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	inner, err := aead.Open(nil, w.Nonce, w.MsgCT, nil)
	if err != nil {
		logger.Debug("AEAD open failed")
		return nil, fmt.Errorf("%w: %v", ErrAEAD, err)
	}

	payload, err := message.DecodePayload(inner)
	if err != nil {
		return nil, err
	}

	if !VerifySignature(payload.SigPK, inner, w.Sig) {
		logger.Debug("payload signature rejected")
		return nil, ErrInvalidSignature
	}

	if !VerifyIdentifier(payload.SenderID, payload.KEMPK, payload.SigPK) {
		logger.WithField("sender_id", payload.SenderID).Debug("sender identifier binding rejected")
		return nil, ErrIdentifierMismatch
	}

	return payload, nil
}
