// Package cose implements the subset of CBOR Object Signing and
// Encryption used to frame publications and subscriptions: Encrypt0/
// Encrypt for confidentiality (direct, AES-Key-Wrap, and ECDH-ES+HKDF+
// AES-Key-Wrap recipients) and Sign1 for an optional counter-signature
// carried alongside the ciphertext.
package cose

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"errors"
)

// Algorithm is a COSE algorithm identifier (IANA COSE Algorithms
// registry values relevant to this subset).
type Algorithm int32

// Algorithm identifiers used on the wire.
const (
	AlgReserved     Algorithm = 0
	AlgA256GCM      Algorithm = 3
	AlgA256KW       Algorithm = -5
	AlgDirect       Algorithm = -6
	AlgECDHESA256KW Algorithm = -31
	AlgES384        Algorithm = -35
	AlgES512        Algorithm = -36
)

// COSE structure tag numbers, defined for reference only: they are not
// emitted as CBOR tag bytes (the envelope is always embedded in an
// already-typed wire field), and the Enc_structure/Sig_structure AAD
// uses the context strings "Encrypt0", "Encrypt" and "Signature1".
const (
	TagEncrypt0 = 16
	TagSign1    = 18
	TagEncrypt  = 96
)

// Entity identifies a key by algorithm and key id, used for both a
// recipient and a signer.
type Entity struct {
	Algorithm Algorithm
	KeyID     []byte
}

// Errors returned by this package.
var (
	ErrMissing        = errors.New("cose: key not found")
	ErrUnsupportedAlg = errors.New("cose: unsupported algorithm")
	ErrNotCose        = errors.New("cose: malformed envelope")
	ErrSecurity       = errors.New("cose: decryption or verification failed")
)

// KeyType distinguishes the concrete key material returned by a
// KeyStore lookup.
type KeyType int

// Key type values.
const (
	KeyTypeSymmetric KeyType = iota
	KeyTypeECPrivate
	KeyTypeECPublic
	KeyTypeCert
)

// Key is the key material a KeyStore resolves for a given id. Only the
// fields relevant to Type are populated: Symmetric for A256KW/Direct,
// ECPrivate/ECPublic for ECDH-ES recipients, ECDSAPrivate/ECDSAPublic
// for ES384/ES512 signing, Cert for a CA certificate.
type Key struct {
	Type         KeyType
	Symmetric    []byte
	ECPrivate    *ecdh.PrivateKey
	ECPublic     *ecdh.PublicKey
	ECDSAPrivate *ecdsa.PrivateKey
	ECDSAPublic  *ecdsa.PublicKey
	Cert         []byte
}

// KeyStore is the callback contract cose relies on to resolve key
// material: lookup by id, this node's own identity, ephemeral key
// minting, and the CA certificate.
type KeyStore interface {
	// Key resolves the key identified by kid. Returns ErrMissing if
	// unknown.
	Key(kid []byte) (Key, error)
	// Identity returns this node's own signing or encryption identity
	// and associated key.
	Identity() (Entity, Key, error)
	// Ephemeral mints an ephemeral key suitable for the given
	// algorithm (used for ECDH-ES recipients).
	Ephemeral(alg Algorithm) (Key, error)
	// CA returns CA certificate bytes, or ErrMissing if none is
	// configured.
	CA() ([]byte, error)
}

// Recipient carries one recipient's contribution to the content
// encryption key: either nothing (Direct), a wrapped CEK (A256KW), or an
// ephemeral public key plus a wrapped CEK (ECDH-ES+A256KW).
type Recipient struct {
	Entity       Entity
	EncryptedKey []byte
	Ephemeral    []byte
}

// Envelope is a decoded or to-be-encoded COSE object: the content
// encryption parameters, the per-recipient key material, an optional
// counter-signature, and the ciphertext.
type Envelope struct {
	ContentAlg Algorithm
	Nonce      []byte
	Recipients []Recipient
	Signer     *Entity
	Signature  []byte
	Ciphertext []byte
}
