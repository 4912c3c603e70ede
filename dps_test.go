package dps

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/meshfabric/dps/cose"
	"github.com/meshfabric/dps/keystore"
	"github.com/meshfabric/dps/transport"
)

// startNode builds and starts a TCP-backed node on port, registered for
// cleanup.
func startNode(t *testing.T, port uint16, ks cose.KeyStore, opts ...NodeOption) *Node {
	t.Helper()
	n, err := NewNode(port, transport.NewTCPTransport(), ks, opts...)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { n.Destroy() })
	return n
}

// linkNodes links from to the node listening on 127.0.0.1:toPort and
// waits for the SUB/SAK handshake to complete.
func linkNodes(t *testing.T, from *Node, toPort uint16) {
	t.Helper()
	done := make(chan error, 1)
	addr := transport.Address{IP: net.ParseIP("127.0.0.1"), Port: toPort}
	if err := from.Link(addr, func(err error) { done <- err }); err != nil {
		t.Fatalf("Link: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("link completion: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for link completion")
	}
}

// sharedKeyStore returns a store holding the symmetric key the plain
// end-to-end fixtures publish under.
func sharedKeyStore() *keystore.MapStore {
	ks := keystore.NewMapStore(nil)
	ks.SetSymmetric("k1", bytes.Repeat([]byte{0x7a}, 32))
	return ks
}

// newTestPair builds two linked nodes sharing a symmetric key under kid
// "k1", the minimum end-to-end fixture.
func newTestPair(t *testing.T, portA, portB uint16) (a, b *Node, addrA, addrB transport.Address) {
	t.Helper()
	key := bytes.Repeat([]byte{0x7a}, 32)

	ksA := keystore.NewMapStore(nil)
	ksA.SetSymmetric("k1", key)
	ksB := keystore.NewMapStore(nil)
	ksB.SetSymmetric("k1", key)

	trA := transport.NewTCPTransport()
	trB := transport.NewTCPTransport()

	nodeA, err := NewNode(portA, trA, ksA)
	if err != nil {
		t.Fatalf("NewNode a: %v", err)
	}
	nodeB, err := NewNode(portB, trB, ksB)
	if err != nil {
		t.Fatalf("NewNode b: %v", err)
	}
	if err := nodeA.Start(); err != nil {
		t.Fatalf("Start a: %v", err)
	}
	if err := nodeB.Start(); err != nil {
		t.Fatalf("Start b: %v", err)
	}
	t.Cleanup(func() {
		nodeA.Destroy()
		nodeB.Destroy()
	})

	addrA = transport.Address{IP: net.ParseIP("127.0.0.1"), Port: portA}
	addrB = transport.Address{IP: net.ParseIP("127.0.0.1"), Port: portB}

	linked := make(chan error, 1)
	if err := nodeA.Link(addrB, func(err error) { linked <- err }); err != nil {
		t.Fatalf("Link: %v", err)
	}
	select {
	case err := <-linked:
		if err != nil {
			t.Fatalf("link completion: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for link completion")
	}
	return nodeA, nodeB, addrA, addrB
}

// TestPublishDeliversToMatchingSubscription checks the basic path: a
// subscriber on B receives a publication sent from A once the mesh has
// converged.
func TestPublishDeliversToMatchingSubscription(t *testing.T) {
	a, b, _, _ := newTestPair(t, 19201, 19202)

	sub, err := b.CreateSubscription([]string{"weather/sfo"})
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	received := make(chan []byte, 1)
	if err := sub.Subscribe(func(s *Subscription, pub *Publication, payload []byte) {
		received <- payload
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// Give the SUB/SAK exchange time to converge before publishing.
	time.Sleep(300 * time.Millisecond)

	pub, err := a.InitPublication([]string{"weather/sfo"}, []cose.Entity{{Algorithm: cose.AlgDirect, KeyID: []byte("k1")}}, false, nil, nil)
	if err != nil {
		t.Fatalf("InitPublication: %v", err)
	}
	if err := pub.Publish([]byte("72F and sunny"), 0); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case payload := <-received:
		if !bytes.Equal(payload, []byte("72F and sunny")) {
			t.Fatalf("got payload %q, want %q", payload, "72F and sunny")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

// TestRetainedPublicationDeliversToLateSubscriber checks that a
// publication retained with a positive TTL is delivered to a
// subscription created after it was published.
func TestRetainedPublicationDeliversToLateSubscriber(t *testing.T) {
	a, b, _, _ := newTestPair(t, 19211, 19212)

	pub, err := a.InitPublication([]string{"alerts/flood"}, []cose.Entity{{Algorithm: cose.AlgDirect, KeyID: []byte("k1")}}, false, nil, nil)
	if err != nil {
		t.Fatalf("InitPublication: %v", err)
	}
	if err := pub.Publish([]byte("evacuate"), time.Minute); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	time.Sleep(300 * time.Millisecond)

	sub, err := b.CreateSubscription([]string{"alerts/flood"})
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	received := make(chan []byte, 1)
	if err := sub.Subscribe(func(s *Subscription, pub *Publication, payload []byte) {
		received <- payload
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	select {
	case payload := <-received:
		if !bytes.Equal(payload, []byte("evacuate")) {
			t.Fatalf("got payload %q, want %q", payload, "evacuate")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for retained delivery")
	}
}

// TestAckRoutesBackToPublisher checks that a subscriber's Ack reaches
// the originating node's AckHandler.
func TestAckRoutesBackToPublisher(t *testing.T) {
	a, b, _, _ := newTestPair(t, 19221, 19222)

	sub, err := b.CreateSubscription([]string{"cmd/ping"})
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	if err := sub.Subscribe(func(s *Subscription, pub *Publication, payload []byte) {
		if err := pub.Ack([]byte("pong")); err != nil {
			t.Errorf("Ack: %v", err)
		}
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	time.Sleep(300 * time.Millisecond)

	acked := make(chan []byte, 1)
	pub, err := a.InitPublication(
		[]string{"cmd/ping"},
		[]cose.Entity{{Algorithm: cose.AlgDirect, KeyID: []byte("k1")}},
		true,
		nil,
		func(pub *Publication, ackPayload []byte) { acked <- ackPayload },
	)
	if err != nil {
		t.Fatalf("InitPublication: %v", err)
	}
	if err := pub.Publish([]byte("ping"), 0); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case payload := <-acked:
		if !bytes.Equal(payload, []byte("pong")) {
			t.Fatalf("got ack payload %q, want %q", payload, "pong")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for ack")
	}
}

// TestThreeNodeMeshDeliversExactlyOnce checks that in a fully linked
// triangle the subscriber sees each publication exactly once even
// though two distinct forwarding paths reach it.
func TestThreeNodeMeshDeliversExactlyOnce(t *testing.T) {
	x := startNode(t, 19231, sharedKeyStore())
	y := startNode(t, 19232, sharedKeyStore())
	z := startNode(t, 19233, sharedKeyStore())

	linkNodes(t, x, 19232)
	linkNodes(t, y, 19233)
	linkNodes(t, z, 19231)

	sub, err := x.CreateSubscription([]string{"a/b"})
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	deliveries := make(chan []byte, 4)
	if err := sub.Subscribe(func(s *Subscription, pub *Publication, payload []byte) {
		deliveries <- payload
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// Let the interest flood (and any mute negotiation) settle.
	time.Sleep(700 * time.Millisecond)

	pub, err := y.InitPublication([]string{"a/b"}, []cose.Entity{{Algorithm: cose.AlgDirect, KeyID: []byte("k1")}}, false, nil, nil)
	if err != nil {
		t.Fatalf("InitPublication: %v", err)
	}
	if err := pub.Publish([]byte("once"), 0); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case payload := <-deliveries:
		if !bytes.Equal(payload, []byte("once")) {
			t.Fatalf("got payload %q, want %q", payload, "once")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	select {
	case <-deliveries:
		t.Fatal("publication delivered more than once across the mesh")
	case <-time.After(700 * time.Millisecond):
	}
}

// lossyTransport drops the first drops sends outright, reporting them
// as successfully completed, to exercise the retransmission machinery
// the way a flaky datagram path would.
type lossyTransport struct {
	inner transport.Transport
	mu    sync.Mutex
	drops int
}

func (l *lossyTransport) Start(port uint16, onReceive transport.ReceiveFunc) error {
	return l.inner.Start(port, onReceive)
}

func (l *lossyTransport) Send(addr transport.Address, data []byte, onComplete transport.SendCompleteFunc) error {
	l.mu.Lock()
	if l.drops > 0 {
		l.drops--
		l.mu.Unlock()
		if onComplete != nil {
			onComplete(nil)
		}
		return nil
	}
	l.mu.Unlock()
	return l.inner.Send(addr, data, onComplete)
}

func (l *lossyTransport) Stop() error                { return l.inner.Stop() }
func (l *lossyTransport) AddRef(a transport.Address) { l.inner.AddRef(a) }
func (l *lossyTransport) DecRef(a transport.Address) { l.inner.DecRef(a) }

// TestSubRetransmissionRecoversFromLoss checks SUB-loss recovery: the
// first SUB is lost, the retry timer retransmits it in full, and the
// link still converges within the retry budget.
func TestSubRetransmissionRecoversFromLoss(t *testing.T) {
	lossy := &lossyTransport{inner: transport.NewTCPTransport(), drops: 1}
	a, err := NewNode(19251, lossy, sharedKeyStore(), WithSubRetryInterval(200*time.Millisecond))
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	if err := a.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { a.Destroy() })

	startNode(t, 19252, sharedKeyStore())

	done := make(chan error, 1)
	addr := transport.Address{IP: net.ParseIP("127.0.0.1"), Port: 19252}
	if err := a.Link(addr, func(err error) { done <- err }); err != nil {
		t.Fatalf("Link: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("link completion after loss: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("link did not converge after a lost SUB")
	}
}

// TestEncryptedPublicationRelaysThroughNonRecipient checks that an
// intermediate node that is not on the recipient list forwards the
// publication it cannot decrypt, and the real recipient recovers the
// plaintext.
func TestEncryptedPublicationRelaysThroughNonRecipient(t *testing.T) {
	curve := ecdh.P384()
	recipPriv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	ksA := keystore.NewMapStore(curve)
	ksA.SetECPublic("r1", recipPriv.PublicKey())
	ksB := keystore.NewMapStore(nil)
	ksC := keystore.NewMapStore(nil)
	ksC.SetECPrivate("r1", recipPriv)

	a := startNode(t, 19261, ksA)
	b := startNode(t, 19262, ksB)
	c := startNode(t, 19263, ksC)

	linkNodes(t, a, 19262)
	linkNodes(t, c, 19262)

	relayGot := make(chan []byte, 1)
	got := make(chan []byte, 1)

	// The relay subscribes too: it matches the topic but, lacking the
	// recipient key, must never see the plaintext.
	subB, err := b.CreateSubscription([]string{"secret/data"})
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	if err := subB.Subscribe(func(s *Subscription, pub *Publication, payload []byte) {
		relayGot <- payload
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	subC, err := c.CreateSubscription([]string{"secret/data"})
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	if err := subC.Subscribe(func(s *Subscription, pub *Publication, payload []byte) {
		got <- payload
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	time.Sleep(700 * time.Millisecond)

	pub, err := a.InitPublication([]string{"secret/data"}, []cose.Entity{{Algorithm: cose.AlgECDHESA256KW, KeyID: []byte("r1")}}, false, nil, nil)
	if err != nil {
		t.Fatalf("InitPublication: %v", err)
	}
	if err := pub.Publish([]byte("classified"), 0); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case payload := <-got:
		if !bytes.Equal(payload, []byte("classified")) {
			t.Fatalf("got payload %q, want %q", payload, "classified")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for recipient delivery")
	}
	select {
	case <-relayGot:
		t.Fatal("relay without the recipient key must not see the plaintext")
	case <-time.After(300 * time.Millisecond):
	}
}

// TestRetainedPublicationExpiresBeforeLateSubscriber checks the other
// side of retention: once the TTL has elapsed and the retained copy is
// reaped, a late subscriber sees nothing.
func TestRetainedPublicationExpiresBeforeLateSubscriber(t *testing.T) {
	a, b, _, _ := newTestPair(t, 19241, 19242)

	pub, err := a.InitPublication([]string{"alerts/brief"}, []cose.Entity{{Algorithm: cose.AlgDirect, KeyID: []byte("k1")}}, false, nil, nil)
	if err != nil {
		t.Fatalf("InitPublication: %v", err)
	}
	if err := pub.Publish([]byte("gone soon"), time.Second); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	time.Sleep(1700 * time.Millisecond)

	sub, err := b.CreateSubscription([]string{"alerts/brief"})
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	received := make(chan []byte, 1)
	if err := sub.Subscribe(func(s *Subscription, pub *Publication, payload []byte) {
		received <- payload
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	select {
	case payload := <-received:
		t.Fatalf("expired publication delivered: %q", payload)
	case <-time.After(700 * time.Millisecond):
	}
}
