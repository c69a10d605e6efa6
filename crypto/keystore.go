package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/scrypt"
)

// Keystore key-derivation parameters. The keycheck HMAC lets unlock reject a
// wrong password before any AEAD work, so a failed attempt costs one scrypt
// run and nothing else.
const (
	scryptN      = 1 << 14
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32

	keystoreSaltSize  = 16
	keystoreNonceSize = 12

	keycheckLabel = "keycheck"
)

// DefaultKeystoreName is the default sealed key file name inside the data
// directory.
const DefaultKeystoreName = "user_keys.json"

// sealedKeys is the canonical at-rest form of an identity.
type sealedKeys struct {
	Salt     []byte `json:"salt"`
	Nonce    []byte `json:"nonce"`
	KEMPK    []byte `json:"kem_pk"`
	SigPK    []byte `json:"sig_pk"`
	Enc      []byte `json:"enc"`
	Keycheck []byte `json:"keycheck_hmac"`
}

// CreateKeystore generates a fresh identity and seals it at path under
// password. The password buffer is wiped before returning.
func CreateKeystore(path string, password []byte) (*Identity, error) {
	id, err := GenerateIdentity()
	if err != nil {
		ZeroBytes(password)
		return nil, err
	}
	if err := SealKeystore(path, id, password); err != nil {
		id.Wipe()
		return nil, err
	}
	return id, nil
}

// SealKeystore encrypts the identity's secret keys under password and writes
// the sealed file atomically (write temp, fsync, rename). A fresh salt and
// nonce are drawn on every seal, so re-sealing under the same password still
// produces a new file image. The password buffer is wiped before returning.
func SealKeystore(path string, id *Identity, password []byte) error {
	logger := logrus.WithFields(logrus.Fields{
		"function": "SealKeystore",
		"package":  "crypto",
		"path":     path,
	})

	salt := make([]byte, keystoreSaltSize)
	if _, err := rand.Read(salt); err != nil {
		ZeroBytes(password)
		return fmt.Errorf("generate salt: %w", err)
	}

	key, err := deriveKeystoreKey(password, salt)
	if err != nil {
		return err
	}
	defer ZeroBytes(key)

	nonce := make([]byte, keystoreNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	aead, err := newAEAD(key)
	if err != nil {
		return err
	}

	sealed := &sealedKeys{
		Salt:     salt,
		Nonce:    nonce,
		KEMPK:    id.KEMPublicKey(),
		SigPK:    id.SigPublicKey(),
		Enc:      aead.Seal(nil, nonce, id.secretBytes(), nil),
		Keycheck: keycheckHMAC(key),
	}

	data, err := json.Marshal(sealed)
	if err != nil {
		return fmt.Errorf("marshal keystore: %w", err)
	}

	if err := writeFileAtomic(path, data, 0o600); err != nil {
		logger.WithError(err).Error("keystore write failed")
		return err
	}

	logger.WithField("identifier", id.ID()).Info("Sealed keystore written")
	return nil
}

// UnlockKeystore reads the sealed file at path and recovers the identity.
// It returns ErrWrongPassword when the keycheck HMAC does not match the
// derived key (without attempting decryption) and ErrCorruptKeystore when
// the file or its ciphertext is damaged. The password buffer is wiped before
// returning.
func UnlockKeystore(path string, password []byte) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		ZeroBytes(password)
		return nil, fmt.Errorf("read keystore: %w", err)
	}

	var sealed sealedKeys
	if err := json.Unmarshal(data, &sealed); err != nil {
		ZeroBytes(password)
		return nil, fmt.Errorf("%w: %v", ErrCorruptKeystore, err)
	}
	if len(sealed.Salt) != keystoreSaltSize || len(sealed.Nonce) != keystoreNonceSize {
		ZeroBytes(password)
		return nil, fmt.Errorf("%w: bad salt or nonce length", ErrCorruptKeystore)
	}

	key, err := deriveKeystoreKey(password, sealed.Salt)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(key)

	if !hmac.Equal(keycheckHMAC(key), sealed.Keycheck) {
		return nil, ErrWrongPassword
	}

	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	secrets, err := aead.Open(nil, sealed.Nonce, sealed.Enc, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptKeystore, err)
	}

	id, err := IdentityFromSecrets(sealed.KEMPK, sealed.SigPK, secrets)
	if err != nil {
		ZeroBytes(secrets)
		return nil, err
	}
	return id, nil
}

// deriveKeystoreKey runs scrypt over the password and wipes the password
// buffer regardless of outcome.
func deriveKeystoreKey(password, salt []byte) ([]byte, error) {
	key, err := scrypt.Key(password, salt, scryptN, scryptR, scryptP, scryptKeyLen)
	ZeroBytes(password)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

func keycheckHMAC(key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(keycheckLabel))
	return mac.Sum(nil)
}

// writeFileAtomic writes data to a temporary file in the target directory,
// syncs it, then renames over path. Readers never observe a partial file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
