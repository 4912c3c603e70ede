package keystore

import (
	"crypto/ecdh"
	"crypto/rand"
	"testing"

	"github.com/meshfabric/dps/cose"
)

func TestMapStoreSymmetricRoundTrip(t *testing.T) {
	ms := NewMapStore(ecdh.P384())
	ms.SetSymmetric("k1", []byte("0123456789abcdef0123456789abcdef"))

	key, err := ms.Key([]byte("k1"))
	if err != nil {
		t.Fatalf("Key: %v", err)
	}
	if key.Type != cose.KeyTypeSymmetric {
		t.Fatalf("got type %v, want KeyTypeSymmetric", key.Type)
	}
}

func TestMapStoreMissingKey(t *testing.T) {
	ms := NewMapStore(ecdh.P384())
	if _, err := ms.Key([]byte("absent")); err == nil {
		t.Fatal("expected an error for an unregistered key id")
	}
}

func TestMapStoreEphemeral(t *testing.T) {
	ms := NewMapStore(ecdh.P521())
	key, err := ms.Ephemeral(cose.AlgECDHESA256KW)
	if err != nil {
		t.Fatalf("Ephemeral: %v", err)
	}
	if key.ECPrivate == nil || key.ECPublic == nil {
		t.Fatal("expected both halves of an ephemeral key pair")
	}
}

func TestMapStoreIdentityMissingByDefault(t *testing.T) {
	ms := NewMapStore(ecdh.P384())
	if _, _, err := ms.Identity(); err != cose.ErrMissing {
		t.Fatalf("got err %v, want ErrMissing", err)
	}
}

func TestMapStoreCAMissingByDefault(t *testing.T) {
	ms := NewMapStore(ecdh.P384())
	if _, err := ms.CA(); err != cose.ErrMissing {
		t.Fatalf("got err %v, want ErrMissing", err)
	}
}

func TestMapStoreECPrivateRoundTrip(t *testing.T) {
	ms := NewMapStore(ecdh.P384())
	priv, err := ecdh.P384().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	ms.SetECPrivate("node1", priv)

	key, err := ms.Key([]byte("node1"))
	if err != nil {
		t.Fatalf("Key: %v", err)
	}
	if key.Type != cose.KeyTypeECPrivate || key.ECPrivate != priv {
		t.Fatal("expected the registered private key back")
	}
}
