package crypto

import (
	"crypto/subtle"
	"errors"
	"runtime"
)

// SecureWipe erases the contents of a byte slice containing sensitive data.
// It returns an error if the slice is nil.
//
// subtle.XORBytes performs a constant-time XOR the compiler cannot optimize
// away; XORing data with itself zeros it.
func SecureWipe(data []byte) error {
	if data == nil {
		return errors.New("cannot wipe nil data")
	}

	subtle.XORBytes(data, data, data)

	// Prevent the compiler from optimizing out the zeroing.
	runtime.KeepAlive(data)

	return nil
}

// ZeroBytes erases a byte slice, ignoring the nil-slice error.
func ZeroBytes(data []byte) {
	_ = SecureWipe(data)
}
