package cose

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha512"

	"github.com/fxamacker/cbor/v2"
)

// sigStructure mirrors COSE's Sig_structure: what is actually signed is
// this structure wrapping the payload, not the payload alone, so a
// signature cannot be replayed across algorithms or contexts.
type sigStructure struct {
	_         struct{} `cbor:",toarray"`
	Context   string
	Protected []byte
	Payload   []byte
}

func sigStructureBytes(alg Algorithm, payload []byte) ([]byte, error) {
	protected, err := cbor.Marshal(map[int]interface{}{1: int32(alg)})
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(&sigStructure{Context: "Signature1", Protected: protected, Payload: payload})
}

func hashForAlg(alg Algorithm, data []byte) ([]byte, error) {
	switch alg {
	case AlgES384:
		h := sha512.Sum384(data)
		return h[:], nil
	case AlgES512:
		h := sha512.Sum512(data)
		return h[:], nil
	default:
		return nil, ErrUnsupportedAlg
	}
}

// sign produces a Sign1 counter-signature over payload using signer's
// identity key.
func sign(signer Entity, payload []byte, ks KeyStore) ([]byte, error) {
	_, key, err := ks.Identity()
	if err != nil {
		return nil, err
	}
	if key.ECDSAPrivate == nil {
		return nil, ErrUnsupportedAlg
	}
	tbs, err := sigStructureBytes(signer.Algorithm, payload)
	if err != nil {
		return nil, err
	}
	digest, err := hashForAlg(signer.Algorithm, tbs)
	if err != nil {
		return nil, err
	}
	r, s, err := ecdsa.Sign(rand.Reader, key.ECDSAPrivate, digest)
	if err != nil {
		return nil, err
	}
	return encodeRS(r, s, key.ECDSAPrivate.Curve.Params().BitSize)
}

// Sign1Envelope is a standalone COSE_Sign1 object: a signature over aad
// and payload, independent of any encryption.
type Sign1Envelope struct {
	Signer    Entity
	Payload   []byte
	Signature []byte
}

// Sign produces a Sign1 envelope over aad||payload using signer's
// identity key from ks.
func Sign(signer Entity, aad, payload []byte, ks KeyStore) (*Sign1Envelope, error) {
	tbs := append(append([]byte(nil), aad...), payload...)
	sig, err := sign(signer, tbs, ks)
	if err != nil {
		return nil, err
	}
	return &Sign1Envelope{Signer: signer, Payload: payload, Signature: sig}, nil
}

// Verify checks env's signature over aad||env.Payload, resolving the
// signer's public key through ks.
func Verify(env *Sign1Envelope, aad []byte, ks KeyStore) bool {
	if env == nil {
		return false
	}
	tbs := append(append([]byte(nil), aad...), env.Payload...)
	return verify(env.Signer, tbs, env.Signature, ks)
}

// verify checks a Sign1 counter-signature. Errors resolving the
// signer's public key, or a failed cryptographic check, both report
// false rather than propagating an error: a counter-signature that
// cannot be verified clears the signer identity but must not fail the
// overall decrypt, or unverifiable payloads could never be forwarded.
func verify(signer Entity, payload []byte, sig []byte, ks KeyStore) bool {
	key, err := ks.Key(signer.KeyID)
	if err != nil || key.ECDSAPublic == nil {
		return false
	}
	tbs, err := sigStructureBytes(signer.Algorithm, payload)
	if err != nil {
		return false
	}
	digest, err := hashForAlg(signer.Algorithm, tbs)
	if err != nil {
		return false
	}
	r, s, err := decodeRS(sig, key.ECDSAPublic.Curve.Params().BitSize)
	if err != nil {
		return false
	}
	return ecdsa.Verify(key.ECDSAPublic, digest, r, s)
}
