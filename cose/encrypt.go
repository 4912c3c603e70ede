package cose

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/fxamacker/cbor/v2"
	josecipher "github.com/go-jose/go-jose/v4/cipher"
	"golang.org/x/crypto/hkdf"
)

const (
	aesKeyLen   = 32
	gcmNonceLen = 12
)

// Marshal serializes env to bytes suitable for embedding in a wire
// frame: a PUB carries the envelope as an opaque field alongside its
// cleartext routing header, so relays can forward without parsing it.
func Marshal(env *Envelope) ([]byte, error) {
	return cbor.Marshal(env)
}

// Unmarshal parses bytes produced by Marshal back into an Envelope.
func Unmarshal(data []byte) (*Envelope, error) {
	var env Envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, ErrNotCose
	}
	return &env, nil
}

// encStructure mirrors COSE's Enc_structure: the bytes actually
// authenticated by the AEAD tag are this structure, not the caller's aad
// alone, binding the ciphertext to its declared algorithm and context.
type encStructure struct {
	_           struct{} `cbor:",toarray"`
	Context     string
	Protected   []byte
	ExternalAAD []byte
}

func aadStructure(context string, alg Algorithm, externalAAD []byte) ([]byte, error) {
	protected, err := cbor.Marshal(map[int]interface{}{1: int32(alg)})
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(&encStructure{Context: context, Protected: protected, ExternalAAD: externalAAD})
}

func encryptGCM(key, nonce, plaintext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(nonce))
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, aad), nil
}

func decryptGCM(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(nonce))
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, aad)
}

// Encrypt produces a COSE_Encrypt (or COSE_Encrypt0 when there is
// exactly one recipient) envelope: payload is AES-256-GCM encrypted
// under a freshly generated content encryption key, which is then
// delivered to each recipient per its own algorithm (a single Direct
// recipient's own symmetric key is used as the content key instead),
// and the ciphertext is optionally counter-signed.
func Encrypt(nonce []byte, signer *Entity, recipients []Entity, aad []byte, payload []byte, ks KeyStore) (*Envelope, error) {
	if len(recipients) == 0 {
		return nil, ErrUnsupportedAlg
	}
	var cek []byte
	if recipients[0].Algorithm == AlgDirect {
		// Direct means the CEK is the recipient's own symmetric key, so
		// it cannot be combined with other recipients.
		if len(recipients) != 1 {
			return nil, ErrUnsupportedAlg
		}
		key, err := ks.Key(recipients[0].KeyID)
		if err != nil {
			return nil, err
		}
		if key.Type != KeyTypeSymmetric || len(key.Symmetric) != aesKeyLen {
			return nil, ErrUnsupportedAlg
		}
		cek = key.Symmetric
	} else {
		for _, r := range recipients {
			if r.Algorithm == AlgDirect {
				return nil, ErrUnsupportedAlg
			}
		}
		cek = make([]byte, aesKeyLen)
		if _, err := rand.Read(cek); err != nil {
			return nil, err
		}
	}
	if len(nonce) == 0 {
		nonce = make([]byte, gcmNonceLen)
		if _, err := rand.Read(nonce); err != nil {
			return nil, err
		}
	}

	context := "Encrypt"
	if len(recipients) == 1 {
		context = "Encrypt0"
	}
	aadBytes, err := aadStructure(context, AlgA256GCM, aad)
	if err != nil {
		return nil, err
	}
	ciphertext, err := encryptGCM(cek, nonce, payload, aadBytes)
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		ContentAlg: AlgA256GCM,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}
	for _, r := range recipients {
		rec, err := wrapForRecipient(r, cek, ks)
		if err != nil {
			return nil, err
		}
		env.Recipients = append(env.Recipients, rec)
	}

	if signer != nil {
		sig, err := sign(*signer, ciphertext, ks)
		if err != nil {
			return nil, err
		}
		env.Signer = signer
		env.Signature = sig
	}
	return env, nil
}

// Wrap packages payload into an unencrypted Envelope, optionally
// counter-signed, for publications that carry no recipient list.
func Wrap(signer *Entity, payload []byte, ks KeyStore) (*Envelope, error) {
	env := &Envelope{ContentAlg: AlgReserved, Ciphertext: payload}
	if signer != nil {
		sig, err := sign(*signer, payload, ks)
		if err != nil {
			return nil, err
		}
		env.Signer = signer
		env.Signature = sig
	}
	return env, nil
}

// Decrypt recovers the plaintext of env, trying each recipient entry
// until one resolves a usable key. If the envelope carries a
// counter-signature, verification is attempted but its failure does not
// fail the decrypt: the returned signer is simply the zero Entity.
func Decrypt(env *Envelope, aad []byte, ks KeyStore) (Entity, []byte, error) {
	// The reserved algorithm marks an unprotected payload carried in
	// the same envelope shape (see Wrap).
	if env.ContentAlg == AlgReserved && len(env.Recipients) == 0 {
		var signer Entity
		if env.Signer != nil && len(env.Signature) > 0 && verify(*env.Signer, env.Ciphertext, env.Signature, ks) {
			signer = *env.Signer
		}
		return signer, env.Ciphertext, nil
	}
	context := "Encrypt"
	if len(env.Recipients) == 1 {
		context = "Encrypt0"
	}
	aadBytes, err := aadStructure(context, env.ContentAlg, aad)
	if err != nil {
		return Entity{}, nil, err
	}

	var cek []byte
	var lastErr error
	for _, r := range env.Recipients {
		k, err := unwrapFromRecipient(r, ks)
		if err != nil {
			lastErr = err
			continue
		}
		cek = k
		break
	}
	if cek == nil {
		if lastErr == nil {
			lastErr = ErrMissing
		}
		return Entity{}, nil, lastErr
	}

	plaintext, err := decryptGCM(cek, env.Nonce, env.Ciphertext, aadBytes)
	if err != nil {
		return Entity{}, nil, ErrSecurity
	}

	var signer Entity
	if env.Signer != nil && len(env.Signature) > 0 && verify(*env.Signer, env.Ciphertext, env.Signature, ks) {
		signer = *env.Signer
	}
	return signer, plaintext, nil
}

func wrapForRecipient(r Entity, cek []byte, ks KeyStore) (Recipient, error) {
	switch r.Algorithm {
	case AlgDirect:
		key, err := ks.Key(r.KeyID)
		if err != nil {
			return Recipient{}, err
		}
		if key.Type != KeyTypeSymmetric || len(key.Symmetric) != len(cek) {
			return Recipient{}, ErrUnsupportedAlg
		}
		return Recipient{Entity: r}, nil
	case AlgA256KW:
		key, err := ks.Key(r.KeyID)
		if err != nil {
			return Recipient{}, err
		}
		if key.Type != KeyTypeSymmetric {
			return Recipient{}, ErrUnsupportedAlg
		}
		kek, err := aes.NewCipher(key.Symmetric)
		if err != nil {
			return Recipient{}, err
		}
		wrapped, err := josecipher.KeyWrap(kek, cek)
		if err != nil {
			return Recipient{}, err
		}
		return Recipient{Entity: r, EncryptedKey: wrapped}, nil
	case AlgECDHESA256KW:
		key, err := ks.Key(r.KeyID)
		if err != nil {
			return Recipient{}, err
		}
		if key.Type != KeyTypeECPublic {
			return Recipient{}, ErrUnsupportedAlg
		}
		eph, err := ks.Ephemeral(r.Algorithm)
		if err != nil {
			return Recipient{}, err
		}
		secret, err := eph.ECPrivate.ECDH(key.ECPublic)
		if err != nil {
			return Recipient{}, err
		}
		kek, err := deriveKEK(secret, r.KeyID)
		if err != nil {
			return Recipient{}, err
		}
		wrapped, err := josecipher.KeyWrap(kek, cek)
		if err != nil {
			return Recipient{}, err
		}
		return Recipient{Entity: r, EncryptedKey: wrapped, Ephemeral: eph.ECPublic.Bytes()}, nil
	default:
		return Recipient{}, ErrUnsupportedAlg
	}
}

func unwrapFromRecipient(r Recipient, ks KeyStore) ([]byte, error) {
	switch r.Entity.Algorithm {
	case AlgDirect:
		key, err := ks.Key(r.Entity.KeyID)
		if err != nil {
			return nil, err
		}
		if key.Type != KeyTypeSymmetric {
			return nil, ErrUnsupportedAlg
		}
		return key.Symmetric, nil
	case AlgA256KW:
		key, err := ks.Key(r.Entity.KeyID)
		if err != nil {
			return nil, err
		}
		if key.Type != KeyTypeSymmetric {
			return nil, ErrUnsupportedAlg
		}
		kek, err := aes.NewCipher(key.Symmetric)
		if err != nil {
			return nil, err
		}
		return josecipher.KeyUnwrap(kek, r.EncryptedKey)
	case AlgECDHESA256KW:
		key, err := ks.Key(r.Entity.KeyID)
		if err != nil {
			return nil, err
		}
		if key.Type != KeyTypeECPrivate {
			return nil, ErrUnsupportedAlg
		}
		ephPub, err := key.ECPrivate.Curve().NewPublicKey(r.Ephemeral)
		if err != nil {
			return nil, err
		}
		secret, err := key.ECPrivate.ECDH(ephPub)
		if err != nil {
			return nil, err
		}
		kek, err := deriveKEK(secret, r.Entity.KeyID)
		if err != nil {
			return nil, err
		}
		return josecipher.KeyUnwrap(kek, r.EncryptedKey)
	default:
		return nil, ErrUnsupportedAlg
	}
}

// deriveKEK derives a 256-bit key-encryption key from an ECDH shared
// secret via HKDF-SHA256, binding in the recipient key id the way
// COSE_KDF_Context binds in the recipient's identity, and returns it
// as the AES block the key-wrap step consumes.
func deriveKEK(secret []byte, kid []byte) (cipher.Block, error) {
	info, err := cbor.Marshal(&struct {
		_   struct{} `cbor:",toarray"`
		Alg Algorithm
		Kid []byte
	}{struct{}{}, AlgECDHESA256KW, kid})
	if err != nil {
		return nil, err
	}
	r := hkdf.New(sha256.New, secret, nil, info)
	kek := make([]byte, aesKeyLen)
	if _, err := io.ReadFull(r, kek); err != nil {
		return nil, err
	}
	return aes.NewCipher(kek)
}
