package crypto

import "errors"

var (
	// ErrWrongPassword indicates the keystore keycheck HMAC did not match
	// the key derived from the supplied password.
	ErrWrongPassword = errors.New("wrong password")
	// ErrCorruptKeystore indicates the keystore passed the password check
	// but its ciphertext failed authenticated decryption or parsing.
	ErrCorruptKeystore = errors.New("corrupt keystore")
	// ErrInvalidSignature indicates a payload signature that does not
	// verify under the claimed verification key.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrIdentifierMismatch indicates a claimed identifier that is not the
	// hash of the claimed public keys.
	ErrIdentifierMismatch = errors.New("identifier does not match public keys")
	// ErrDecapsulation indicates an ML-KEM decapsulation failure.
	ErrDecapsulation = errors.New("kem decapsulation failed")
	// ErrAEAD indicates an AES-GCM authentication failure.
	ErrAEAD = errors.New("message authentication failed")
)
