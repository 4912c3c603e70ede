// Package keystore provides the key-store collaborator the wire-framing
// layer calls through to resolve symmetric keys, this node's own signing
// or encryption identity, ephemeral ECDH keys, and CA certificates.
package keystore

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/meshfabric/dps/cose"
)

// MapStore is a concrete, in-memory cose.KeyStore: every key is
// registered ahead of time under a string id. It is the reference
// implementation exercised by this module's own tests; a production
// deployment would back Key, Identity, Ephemeral and CA with an HSM or a secrets
// manager instead.
type MapStore struct {
	mu sync.RWMutex

	symmetric map[string][]byte
	ecPublic  map[string]*ecdh.PublicKey
	ecPrivate map[string]*ecdh.PrivateKey
	sigPublic map[string]*ecdsa.PublicKey

	identity    cose.Entity
	identityKey cose.Key
	hasIdentity bool

	ephemeralCurve ecdh.Curve

	ca []byte
}

// NewMapStore returns an empty store. ephemeralCurve selects the curve
// used to mint ECDH-ES ephemeral keys via Ephemeral.
func NewMapStore(ephemeralCurve ecdh.Curve) *MapStore {
	return &MapStore{
		symmetric:      map[string][]byte{},
		ecPublic:       map[string]*ecdh.PublicKey{},
		ecPrivate:      map[string]*ecdh.PrivateKey{},
		sigPublic:      map[string]*ecdsa.PublicKey{},
		ephemeralCurve: ephemeralCurve,
	}
}

// SetSymmetric registers a symmetric key (used for A256GCM CEKs carried
// Direct, or A256KW key-wrapping).
func (m *MapStore) SetSymmetric(kid string, key []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.symmetric[kid] = key
}

// SetECPublic registers a peer's ECDH public key, used as an
// ECDH-ES+A256KW recipient.
func (m *MapStore) SetECPublic(kid string, key *ecdh.PublicKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ecPublic[kid] = key
}

// SetECPrivate registers this node's own ECDH private key, used to
// unwrap an ECDH-ES+A256KW recipient addressed to kid.
func (m *MapStore) SetECPrivate(kid string, key *ecdh.PrivateKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ecPrivate[kid] = key
}

// SetSignaturePublic registers a peer's ECDSA public key, used to
// verify a Sign1 counter-signature from kid.
func (m *MapStore) SetSignaturePublic(kid string, key *ecdsa.PublicKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sigPublic[kid] = key
}

// SetIdentity registers this node's own signing identity and private
// key, returned by Identity.
func (m *MapStore) SetIdentity(entity cose.Entity, key *ecdsa.PrivateKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identity = entity
	m.identityKey = cose.Key{Type: cose.KeyTypeECPrivate, ECDSAPrivate: key}
	m.hasIdentity = true
}

// SetCA registers CA certificate bytes returned by CA.
func (m *MapStore) SetCA(cert []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ca = cert
}

// Key implements cose.KeyStore.
func (m *MapStore) Key(kid []byte) (cose.Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id := string(kid)
	if k, ok := m.symmetric[id]; ok {
		return cose.Key{Type: cose.KeyTypeSymmetric, Symmetric: k}, nil
	}
	if k, ok := m.ecPublic[id]; ok {
		return cose.Key{Type: cose.KeyTypeECPublic, ECPublic: k}, nil
	}
	if k, ok := m.ecPrivate[id]; ok {
		return cose.Key{Type: cose.KeyTypeECPrivate, ECPrivate: k}, nil
	}
	if k, ok := m.sigPublic[id]; ok {
		return cose.Key{Type: cose.KeyTypeECPublic, ECDSAPublic: k}, nil
	}
	return cose.Key{}, fmt.Errorf("keystore: %w: %q", cose.ErrMissing, id)
}

// Identity implements cose.KeyStore.
func (m *MapStore) Identity() (cose.Entity, cose.Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.hasIdentity {
		return cose.Entity{}, cose.Key{}, cose.ErrMissing
	}
	return m.identity, m.identityKey, nil
}

// Ephemeral implements cose.KeyStore by minting a fresh ECDH key pair on
// the store's configured curve.
func (m *MapStore) Ephemeral(alg cose.Algorithm) (cose.Key, error) {
	if m.ephemeralCurve == nil {
		return cose.Key{}, cose.ErrUnsupportedAlg
	}
	priv, err := m.ephemeralCurve.GenerateKey(rand.Reader)
	if err != nil {
		return cose.Key{}, err
	}
	return cose.Key{Type: cose.KeyTypeECPrivate, ECPrivate: priv, ECPublic: priv.PublicKey()}, nil
}

// CA implements cose.KeyStore.
func (m *MapStore) CA() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ca == nil {
		return nil, cose.ErrMissing
	}
	return m.ca, nil
}
