package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/zerotrace/message"
)

func TestSchemeSizesMatchWireProtocol(t *testing.T) {
	assert.Equal(t, message.KEMPublicKeySize, kemScheme.PublicKeySize())
	assert.Equal(t, message.KEMCiphertextSize, kemScheme.CiphertextSize())
	assert.Equal(t, 1632, kemScheme.PrivateKeySize())
	assert.Equal(t, message.SigPublicKeySize, sigScheme.PublicKeySize())
	assert.Equal(t, 2560, sigScheme.PrivateKeySize())
	assert.Equal(t, message.SignatureSize, sigScheme.SignatureSize())
}

func TestGenerateIdentity(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)
	defer id.Wipe()

	assert.Len(t, id.ID(), message.IdentifierLength)
	assert.Len(t, id.KEMPublicKey(), message.KEMPublicKeySize)
	assert.Len(t, id.SigPublicKey(), message.SigPublicKeySize)
}

func TestIdentifierBinding(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)
	defer id.Wipe()

	assert.Equal(t, DeriveIdentifier(id.KEMPublicKey(), id.SigPublicKey()), id.ID())
	assert.True(t, VerifyIdentifier(id.ID(), id.KEMPublicKey(), id.SigPublicKey()))

	// A triple with a foreign key must not verify.
	other, err := GenerateIdentity()
	require.NoError(t, err)
	defer other.Wipe()
	assert.False(t, VerifyIdentifier(id.ID(), other.KEMPublicKey(), id.SigPublicKey()))
	assert.False(t, VerifyIdentifier(other.ID(), id.KEMPublicKey(), id.SigPublicKey()))
}

func TestSignVerify(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)
	defer id.Wipe()

	msg := []byte("attest this")
	sig := id.Sign(msg)
	assert.Len(t, sig, message.SignatureSize)
	assert.True(t, VerifySignature(id.SigPublicKey(), msg, sig))
	assert.False(t, VerifySignature(id.SigPublicKey(), []byte("attest that"), sig))

	sig[17] ^= 0xff
	assert.False(t, VerifySignature(id.SigPublicKey(), msg, sig))
}

func TestWipeClearsSecrets(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	secrets := id.secretBytes()
	require.NotEmpty(t, secrets)
	id.Wipe()

	for _, b := range secrets {
		if b != 0 {
			t.Fatal("secret buffer not zeroized after Wipe")
		}
	}
	assert.Nil(t, id.kemSec)
	assert.Nil(t, id.sigSec)
}

func TestRandomInt(t *testing.T) {
	seen := make(map[int]bool)
	for i := 0; i < 200; i++ {
		v, err := RandomInt(3, 7)
		require.NoError(t, err)
		require.GreaterOrEqual(t, v, 3)
		require.LessOrEqual(t, v, 7)
		seen[v] = true
	}
	// All five values should appear in 200 draws.
	assert.Len(t, seen, 5)

	v, err := RandomInt(4, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, v)

	_, err = RandomInt(5, 2)
	assert.Error(t, err)
}
