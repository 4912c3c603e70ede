package dps

import (
	"net"
	"testing"

	"github.com/meshfabric/dps/bitvec"
	"github.com/meshfabric/dps/topic"
	"github.com/meshfabric/dps/transport"
	"github.com/meshfabric/dps/wire"
)

// buildTestSub assembles the full 6-key SUB frame a peer advertising a
// single-topic subscription at the given revision would send.
func buildTestSub(t *testing.T, n *Node, revision uint32, topicStr string) *wire.Message {
	t.Helper()
	filter, err := bitvec.Alloc(n.cfg.bitLen)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := topic.AddTopic(filter, topicStr, n.cfg.separators, topic.SubRole, n.cfg.numHashes); err != nil {
		t.Fatalf("AddTopic: %v", err)
	}
	fh := bitvec.AllocFH()
	if err := bitvec.FuzzyHash(fh, filter); err != nil {
		t.Fatalf("FuzzyHash: %v", err)
	}
	interests, err := bitvec.Serialize(filter)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	needs, err := bitvec.SerializeRaw(fh)
	if err != nil {
		t.Fatalf("SerializeRaw: %v", err)
	}
	msg := wire.NewMessage(wire.TypeSub)
	for _, f := range []struct {
		key int
		val interface{}
	}{
		{wire.KeyPort, uint64(4242)},
		{wire.KeySeq, uint64(revision)},
		{wire.KeySubFlags, uint64(0)},
		{wire.KeyMeshID, NewMeshID()},
		{wire.KeyNeeds, needs},
		{wire.KeyInterests, interests},
	} {
		if err := msg.Unprotected.Put(f.key, f.val); err != nil {
			t.Fatalf("Put %d: %v", f.key, err)
		}
	}
	return msg
}

// TestInboundRevisionIsMonotonic covers the revision-monotonicity
// invariant: a SUB carrying a lower revision than the one already
// stored must never replace the stored state.
func TestInboundRevisionIsMonotonic(t *testing.T) {
	n, _ := newTestNode(t)
	from := transport.Address{IP: net.ParseIP("127.0.0.1"), Port: 4242}

	newer := buildTestSub(t, n, 5, "x/y")
	stale := buildTestSub(t, n, 3, "other/z")

	var revAfterNewer, revAfterStale uint32
	var filterUnchanged bool
	err := n.do(func() error {
		n.handleSub(from, newer)
		p, ok := n.peers.Lookup(from)
		if !ok {
			return ErrMissing
		}
		revAfterNewer = p.inbound.revision
		want := p.inbound.filter.Clone()

		n.handleSub(from, stale)
		revAfterStale = p.inbound.revision
		filterUnchanged = bitvec.Equals(p.inbound.filter, want)
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if revAfterNewer != 5 {
		t.Fatalf("stored revision = %d, want 5", revAfterNewer)
	}
	if revAfterStale != 5 {
		t.Fatalf("stale SUB moved stored revision to %d", revAfterStale)
	}
	if !filterUnchanged {
		t.Fatal("stale SUB replaced the stored inbound filter")
	}
}

// TestSakIsIdempotent covers the idempotent-SAK invariant: the second
// receipt of the same acknowledgment is a no-op, and the pending link
// completion fires exactly once.
func TestSakIsIdempotent(t *testing.T) {
	n, _ := newTestNode(t)
	from := transport.Address{IP: net.ParseIP("127.0.0.1"), Port: 4242}

	sak := wire.NewMessage(wire.TypeSak)
	if err := sak.Unprotected.Put(wire.KeyPort, uint64(4242)); err != nil {
		t.Fatalf("Put port: %v", err)
	}
	if err := sak.Unprotected.Put(wire.KeyAckSeq, uint64(1)); err != nil {
		t.Fatalf("Put ack-seq: %v", err)
	}

	var completions int
	var afterFirst, afterSecond int
	var includeSubCleared bool
	err := n.do(func() error {
		p, _ := n.peers.Add(from, n.cfg.bitLen)
		p.outbound.revision = 1
		p.outbound.ackCountdown = 3
		p.outbound.includeSub = true
		p.outbound.pending = func(err error) { completions++ }

		n.handleSak(from, sak)
		afterFirst = p.outbound.ackCountdown
		includeSubCleared = !p.outbound.includeSub

		n.handleSak(from, sak)
		afterSecond = p.outbound.ackCountdown
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if completions != 1 {
		t.Fatalf("link completion fired %d times, want 1", completions)
	}
	if afterFirst != 0 || afterSecond != 0 {
		t.Fatalf("ackCountdown after SAKs = %d, %d, want 0, 0", afterFirst, afterSecond)
	}
	if !includeSubCleared {
		t.Fatal("matching SAK should clear includeSub")
	}
}

// TestUnlinkSubDeletesPeer covers the unlink signal: a SUB whose
// unprotected map carries none of the subscription keys removes the
// peer and its aggregate contribution.
func TestUnlinkSubDeletesPeer(t *testing.T) {
	n, _ := newTestNode(t)
	from := transport.Address{IP: net.ParseIP("127.0.0.1"), Port: 4242}

	full := buildTestSub(t, n, 1, "x/y")
	unlink := wire.NewMessage(wire.TypeSub)

	var present, gone bool
	err := n.do(func() error {
		n.handleSub(from, full)
		_, present = n.peers.Lookup(from)
		n.handleSub(from, unlink)
		_, still := n.peers.Lookup(from)
		gone = !still
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if !present {
		t.Fatal("expected peer after full SUB")
	}
	if !gone {
		t.Fatal("expected peer removed after unlink SUB")
	}
}

// TestPartialSubIsDiscarded covers the partial-key rejection rule: a
// SUB carrying some but not all subscription keys is invalid and must
// not advance the peer's inbound revision (handleSub still registers
// the sender in the peer table before checking the keys).
func TestPartialSubIsDiscarded(t *testing.T) {
	n, _ := newTestNode(t)
	from := transport.Address{IP: net.ParseIP("127.0.0.1"), Port: 4242}

	partial := wire.NewMessage(wire.TypeSub)
	if err := partial.Unprotected.Put(wire.KeyPort, uint64(4242)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := partial.Unprotected.Put(wire.KeySeq, uint64(1)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := partial.Unprotected.Put(wire.KeyMeshID, NewMeshID()); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var revision uint32
	err := n.do(func() error {
		n.handleSub(from, partial)
		if p, ok := n.peers.Lookup(from); ok {
			revision = p.inbound.revision
		}
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if revision != 0 {
		t.Fatalf("partial SUB advanced revision to %d", revision)
	}
}
