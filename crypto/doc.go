// Package crypto implements the cryptographic core of ZeroTrace: identity
// generation and the self-certifying identifier, the hybrid post-quantum
// message envelope, and the password-sealed keystore.
//
// Key encapsulation uses ML-KEM-512 and signatures use ML-DSA-44, both via
// the CIRCL library. The identifier of a user is
//
//	base64url(SHA-256(kem_pk || sig_pk))
//
// which makes every (identifier, kem_pk, sig_pk) triple self-certifying:
// any party can, and must, verify the equation before trusting the binding.
//
// Example:
//
//	id, err := crypto.GenerateIdentity()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("identifier:", id.ID())
package crypto
