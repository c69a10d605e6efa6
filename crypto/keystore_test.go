package crypto

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keystorePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), DefaultKeystoreName)
}

func TestCreateAndUnlock(t *testing.T) {
	path := keystorePath(t)

	created, err := CreateKeystore(path, []byte("correct horse"))
	require.NoError(t, err)
	defer created.Wipe()

	unlocked, err := UnlockKeystore(path, []byte("correct horse"))
	require.NoError(t, err)
	defer unlocked.Wipe()

	assert.Equal(t, created.ID(), unlocked.ID())
	assert.Equal(t, created.KEMPublicKey(), unlocked.KEMPublicKey())
	assert.Equal(t, created.SigPublicKey(), unlocked.SigPublicKey())

	// The recovered secret keys must actually work.
	msg := []byte("prove it")
	assert.True(t, VerifySignature(unlocked.SigPublicKey(), msg, unlocked.Sign(msg)))
}

func TestUnlockWrongPassword(t *testing.T) {
	path := keystorePath(t)

	id, err := CreateKeystore(path, []byte("a"))
	require.NoError(t, err)
	defer id.Wipe()

	start := time.Now()
	_, err = UnlockKeystore(path, []byte("b"))
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrWrongPassword)
	// The HMAC keycheck rejects before any AEAD work; one scrypt run is the
	// whole cost. Generous bound to keep slow CI honest.
	assert.Less(t, elapsed, 2*time.Second)
}

func TestUnlockCorruptCiphertext(t *testing.T) {
	path := keystorePath(t)

	id, err := CreateKeystore(path, []byte("pw"))
	require.NoError(t, err)
	defer id.Wipe()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var sealed sealedKeys
	require.NoError(t, json.Unmarshal(data, &sealed))
	sealed.Enc[42] ^= 0xff
	data, err = json.Marshal(&sealed)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, err = UnlockKeystore(path, []byte("pw"))
	assert.ErrorIs(t, err, ErrCorruptKeystore)
}

func TestUnlockTruncatedFile(t *testing.T) {
	path := keystorePath(t)
	require.NoError(t, os.WriteFile(path, []byte(`{"salt":"`), 0o600))

	_, err := UnlockKeystore(path, []byte("pw"))
	assert.ErrorIs(t, err, ErrCorruptKeystore)
}

func TestResealWithNewPassword(t *testing.T) {
	path := keystorePath(t)

	id, err := CreateKeystore(path, []byte("old"))
	require.NoError(t, err)
	defer id.Wipe()

	require.NoError(t, SealKeystore(path, id, []byte("new")))

	_, err = UnlockKeystore(path, []byte("old"))
	assert.ErrorIs(t, err, ErrWrongPassword)

	unlocked, err := UnlockKeystore(path, []byte("new"))
	require.NoError(t, err)
	defer unlocked.Wipe()
	assert.Equal(t, id.ID(), unlocked.ID())
}

func TestSealIsAtomic(t *testing.T) {
	path := keystorePath(t)

	id, err := CreateKeystore(path, []byte("pw"))
	require.NoError(t, err)
	defer id.Wipe()

	// No temp droppings left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, DefaultKeystoreName, entries[0].Name())
}
