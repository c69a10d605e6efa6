package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem512"
	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/mldsa/mldsa44"
	"github.com/sirupsen/logrus"
)

// kemScheme and sigScheme are the fixed post-quantum primitives of the wire
// protocol. Swapping either changes every identifier in the network.
var (
	kemScheme kem.Scheme  = mlkem512.Scheme()
	sigScheme sign.Scheme = mldsa44.Scheme()
)

// Identity is a user's long-lived key material: an ML-KEM-512 encapsulation
// pair, an ML-DSA-44 signature pair, and the identifier derived from the two
// public keys. The secret halves live in memory only while the identity is
// unlocked; Wipe erases them.
type Identity struct {
	id string

	kemPub kem.PublicKey
	kemSec kem.PrivateKey
	sigPub sign.PublicKey
	sigSec sign.PrivateKey

	kemPubRaw []byte
	sigPubRaw []byte
	// secretRaw is the concatenated serialized secret keys, retained for
	// sealing and wiped on Wipe.
	secretRaw []byte
}

// DeriveIdentifier computes the self-certifying identifier for a pair of
// serialized public keys: url-safe base64 (padded, 44 characters) of
// SHA-256(kem_pk || sig_pk).
func DeriveIdentifier(kemPK, sigPK []byte) string {
	h := sha256.New()
	h.Write(kemPK)
	h.Write(sigPK)
	return base64.URLEncoding.EncodeToString(h.Sum(nil))
}

// VerifyIdentifier reports whether id is the identifier bound to the given
// public keys. Every path that accepts a claimed (identifier, kem_pk,
// sig_pk) triple must call this before trusting it.
func VerifyIdentifier(id string, kemPK, sigPK []byte) bool {
	want := DeriveIdentifier(kemPK, sigPK)
	return subtle.ConstantTimeCompare([]byte(want), []byte(id)) == 1
}

// GenerateIdentity creates fresh ML-KEM-512 and ML-DSA-44 key pairs and
// derives the identifier.
func GenerateIdentity() (*Identity, error) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "GenerateIdentity",
		"package":  "crypto",
	})

	kemPub, kemSec, err := kemScheme.GenerateKeyPair()
	if err != nil {
		logger.WithError(err).Error("ML-KEM key generation failed")
		return nil, fmt.Errorf("generate kem key pair: %w", err)
	}

	sigPub, sigSec, err := sigScheme.GenerateKey()
	if err != nil {
		logger.WithError(err).Error("ML-DSA key generation failed")
		return nil, fmt.Errorf("generate signature key pair: %w", err)
	}

	id, err := assembleIdentity(kemPub, kemSec, sigPub, sigSec)
	if err != nil {
		return nil, err
	}

	logger.WithField("identifier", id.id).Info("Generated new identity")
	return id, nil
}

// IdentityFromSecrets rebuilds an identity from the serialized public keys
// and the concatenated serialized secret keys (kem_sk || sig_sk), as stored
// in the sealed keystore. The secret buffer is retained by the identity and
// wiped on Wipe; callers must not reuse it.
func IdentityFromSecrets(kemPK, sigPK, secrets []byte) (*Identity, error) {
	kemSKLen := kemScheme.PrivateKeySize()
	sigSKLen := sigScheme.PrivateKeySize()
	if len(secrets) != kemSKLen+sigSKLen {
		return nil, fmt.Errorf("%w: secret key blob length %d", ErrCorruptKeystore, len(secrets))
	}

	kemPub, err := kemScheme.UnmarshalBinaryPublicKey(kemPK)
	if err != nil {
		return nil, fmt.Errorf("%w: kem public key: %v", ErrCorruptKeystore, err)
	}
	sigPub, err := sigScheme.UnmarshalBinaryPublicKey(sigPK)
	if err != nil {
		return nil, fmt.Errorf("%w: signature public key: %v", ErrCorruptKeystore, err)
	}
	kemSec, err := kemScheme.UnmarshalBinaryPrivateKey(secrets[:kemSKLen])
	if err != nil {
		return nil, fmt.Errorf("%w: kem secret key: %v", ErrCorruptKeystore, err)
	}
	sigSec, err := sigScheme.UnmarshalBinaryPrivateKey(secrets[kemSKLen:])
	if err != nil {
		return nil, fmt.Errorf("%w: signature secret key: %v", ErrCorruptKeystore, err)
	}

	id := &Identity{
		id:        DeriveIdentifier(kemPK, sigPK),
		kemPub:    kemPub,
		kemSec:    kemSec,
		sigPub:    sigPub,
		sigSec:    sigSec,
		kemPubRaw: append([]byte(nil), kemPK...),
		sigPubRaw: append([]byte(nil), sigPK...),
		secretRaw: secrets,
	}
	return id, nil
}

func assembleIdentity(kemPub kem.PublicKey, kemSec kem.PrivateKey, sigPub sign.PublicKey, sigSec sign.PrivateKey) (*Identity, error) {
	kemPubRaw, err := kemPub.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal kem public key: %w", err)
	}
	sigPubRaw, err := sigPub.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal signature public key: %w", err)
	}
	kemSecRaw, err := kemSec.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal kem secret key: %w", err)
	}
	sigSecRaw, err := sigSec.MarshalBinary()
	if err != nil {
		ZeroBytes(kemSecRaw)
		return nil, fmt.Errorf("marshal signature secret key: %w", err)
	}

	secret := make([]byte, 0, len(kemSecRaw)+len(sigSecRaw))
	secret = append(secret, kemSecRaw...)
	secret = append(secret, sigSecRaw...)
	ZeroBytes(kemSecRaw)
	ZeroBytes(sigSecRaw)

	return &Identity{
		id:        DeriveIdentifier(kemPubRaw, sigPubRaw),
		kemPub:    kemPub,
		kemSec:    kemSec,
		sigPub:    sigPub,
		sigSec:    sigSec,
		kemPubRaw: kemPubRaw,
		sigPubRaw: sigPubRaw,
		secretRaw: secret,
	}, nil
}

// ID returns the 44-character identifier.
func (id *Identity) ID() string { return id.id }

// KEMPublicKey returns a copy of the serialized encapsulation public key.
func (id *Identity) KEMPublicKey() []byte {
	return append([]byte(nil), id.kemPubRaw...)
}

// SigPublicKey returns a copy of the serialized verification key.
func (id *Identity) SigPublicKey() []byte {
	return append([]byte(nil), id.sigPubRaw...)
}

// Sign signs msg with the identity's ML-DSA-44 secret key.
func (id *Identity) Sign(msg []byte) []byte {
	return sigScheme.Sign(id.sigSec, msg, nil)
}

// Decapsulate recovers the shared secret from an ML-KEM-512 ciphertext
// produced against this identity's encapsulation key.
func (id *Identity) Decapsulate(ct []byte) ([]byte, error) {
	ss, err := kemScheme.Decapsulate(id.kemSec, ct)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecapsulation, err)
	}
	return ss, nil
}

// secretBytes exposes the concatenated serialized secret keys for sealing.
// The returned slice aliases the identity's internal buffer.
func (id *Identity) secretBytes() []byte { return id.secretRaw }

// Wipe erases the identity's secret key material. The identity must not be
// used for signing or decapsulation afterwards.
func (id *Identity) Wipe() {
	if id.secretRaw != nil {
		ZeroBytes(id.secretRaw)
		id.secretRaw = nil
	}
	id.kemSec = nil
	id.sigSec = nil
}

// Encapsulate generates a shared secret against a serialized recipient
// encapsulation key and returns (shared secret, ciphertext).
func Encapsulate(recipientKEMPK []byte) ([]byte, []byte, error) {
	pk, err := kemScheme.UnmarshalBinaryPublicKey(recipientKEMPK)
	if err != nil {
		return nil, nil, fmt.Errorf("parse recipient kem key: %w", err)
	}
	ct, ss, err := kemScheme.Encapsulate(pk)
	if err != nil {
		return nil, nil, fmt.Errorf("kem encapsulation: %w", err)
	}
	return ss, ct, nil
}

// VerifySignature reports whether sig is a valid ML-DSA-44 signature over
// msg under the serialized verification key sigPK.
func VerifySignature(sigPK, msg, sig []byte) bool {
	pk, err := sigScheme.UnmarshalBinaryPublicKey(sigPK)
	if err != nil {
		return false
	}
	return sigScheme.Verify(pk, msg, sig, nil)
}
