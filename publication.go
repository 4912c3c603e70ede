package dps

import (
	"time"

	"github.com/google/uuid"

	"github.com/meshfabric/dps/bitvec"
	"github.com/meshfabric/dps/cose"
	"github.com/meshfabric/dps/topic"
	"github.com/meshfabric/dps/transport"
	"github.com/meshfabric/dps/wire"
)

// ackWindow bounds how long a non-retained publication's routing record
// (pubID -> last-hop address, for ack routing) is kept after it is
// seen. Acks are opportunistic and never retransmitted, so once this
// window closes no ack for the publication can plausibly still arrive.
const ackWindow = dupCacheDuration

// Publication is the shared record created either locally (InitPublication)
// or on receipt of an inbound PUB frame. A single pubID may be
// republished several times (a growing seq): the topic list, Bloom
// filter and recipient set are fixed at creation, while seq, ttl and
// expiry vary per publish.
type Publication struct {
	node *Node

	pubID      [16]byte
	topics     []string
	bloom      *bitvec.BitVector
	recipients []cose.Entity
	signer     *cose.Entity
	senderID   [16]byte

	ackRequested bool
	ackCb        AckHandler

	// local is true when this Publication was created by this node's own
	// InitPublication, as opposed to being reconstructed from an inbound
	// PUB frame.
	local bool

	seq      uint64
	ttl      time.Duration
	expires  time.Time
	retained bool
	expired  bool

	rawBytes []byte

	// hasFrom/fromAddr record the peer a received PUB arrived from, so
	// an ACK from a local subscriber can be routed back along the
	// inverse hop.
	hasFrom  bool
	fromAddr transport.Address

	// plaintext/plaintextOK cache the one decrypt attempt made when the
	// publication was first seen, reused for every later local delivery
	// (a fresh subscriber matching a retained publication, for
	// instance) instead of re-running AEAD decrypt per subscriber.
	plaintext   []byte
	plaintextOK bool
}

// Topics returns the publication's topic list.
func (pub *Publication) Topics() []string { return append([]string(nil), pub.topics...) }

// ID returns the publication's UUID.
func (pub *Publication) ID() [16]byte { return pub.pubID }

// Seq returns the sequence number of the instance currently held.
func (pub *Publication) Seq() uint64 { return pub.seq }

// InitPublication validates topics (each must be a literal path; no "+"
// or "#" is permitted) and builds the publication's Bloom vector,
// returning a handle that Publish can send one or more times.
func (n *Node) InitPublication(topics []string, recipients []cose.Entity, ackRequested bool, signer *cose.Entity, ackCb AckHandler) (*Publication, error) {
	if len(topics) == 0 {
		return nil, ErrInvalidArgs
	}
	filter, err := bitvec.Alloc(n.cfg.bitLen)
	if err != nil {
		return nil, err
	}
	for _, t := range topics {
		if err := topic.AddTopic(filter, t, n.cfg.separators, topic.PubRole, n.cfg.numHashes); err != nil {
			return nil, ErrInvalidArgs
		}
	}
	return &Publication{
		node:         n,
		pubID:        [16]byte(uuid.New()),
		topics:       append([]string(nil), topics...),
		bloom:        filter,
		recipients:   append([]cose.Entity(nil), recipients...),
		signer:       signer,
		ackRequested: ackRequested,
		ackCb:        ackCb,
		local:        true,
	}, nil
}

// Publish sends (or re-sends) pub with a fresh sequence number. ttl > 0
// marks it retained for the duration ttl; ttl == 0 is transient; ttl < 0
// retracts a previously retained copy of this same pubID without
// sending new content.
func (pub *Publication) Publish(payload []byte, ttl time.Duration) error {
	n := pub.node
	return n.do(func() error {
		if ttl < 0 {
			n.retractPublication(pub)
			return nil
		}
		pub.seq = n.nextSeq
		n.nextSeq++
		pub.ttl = ttl
		pub.hasFrom = false
		pub.senderID = n.senderID

		var env *cose.Envelope
		var err error
		if len(pub.recipients) == 0 {
			env, err = cose.Wrap(pub.signer, payload, n.keystore)
		} else {
			env, err = cose.Encrypt(nil, pub.signer, pub.recipients, pub.pubID[:], payload, n.keystore)
		}
		if err != nil {
			return err
		}
		data, err := n.encodePub(pub, env)
		if err != nil {
			return err
		}
		pub.rawBytes = data
		pub.plaintext = append([]byte(nil), payload...)
		pub.plaintextOK = true

		if ttl > 0 {
			pub.retained = true
			pub.expires = time.Now().Add(ttl)
			n.scheduleExpiry(pub)
		} else {
			pub.retained = false
		}
		n.pendingPubs[pub.pubID] = pub
		n.retainIfNeeded(pub)
		if !pub.retained {
			n.scheduleAckWindowCleanup(pub)
		}
		// Register our own (pubID, seq) so a mesh cycle echoing the
		// publication back does not re-deliver or re-forward it.
		n.seen.Add(dupKeyFor(pub.pubID, pub.seq))

		n.deliverLocal(pub, payload)
		n.forwardPublication(pub, data, nil)
		return nil
	})
}

// Ack sends an acknowledgment for pub back toward its originator: along
// the inverse of the hop it arrived from, or directly to the local
// ackCb if pub was both published and delivered on this same node.
func (pub *Publication) Ack(payload []byte) error {
	n := pub.node
	return n.do(func() error {
		if !pub.hasFrom {
			if pub.ackCb != nil {
				cb := pub.ackCb
				go cb(pub, payload)
			}
			return nil
		}
		msg := wire.NewMessage(wire.TypeAck)
		if err := msg.Unprotected.Put(wire.KeyPubID, pub.pubID); err != nil {
			return err
		}
		if err := msg.Unprotected.Put(wire.KeySequence, pub.seq); err != nil {
			return err
		}
		if err := msg.Unprotected.Put(wire.KeyAckPayload, payload); err != nil {
			return err
		}
		data, err := msg.Encode()
		if err != nil {
			return err
		}
		if p, ok := n.peers.Lookup(pub.fromAddr); ok {
			n.transmit(p, data)
		}
		return nil
	})
}

// encodePub marshals pub's header fields and env into a fresh PUB frame.
func (n *Node) encodePub(pub *Publication, env *cose.Envelope) ([]byte, error) {
	msg := wire.NewMessage(wire.TypePub)
	bloomBytes, err := bitvec.Serialize(pub.bloom)
	if err != nil {
		return nil, err
	}
	envBytes, err := cose.Marshal(env)
	if err != nil {
		return nil, err
	}
	fields := [...]struct {
		key int
		val interface{}
	}{
		{wire.KeyPubID, pub.pubID},
		{wire.KeySequence, pub.seq},
		{wire.KeyTTL, int64(pub.ttl / time.Second)},
		{wire.KeyAckRequested, pub.ackRequested},
		{wire.KeyTopics, pub.topics},
		{wire.KeyBloom, bloomBytes},
		{wire.KeyRecipients, pub.recipients},
		{wire.KeySenderID, pub.senderID},
		{wire.KeyEnvelope, envBytes},
	}
	for _, f := range fields {
		if err := msg.Unprotected.Put(f.key, f.val); err != nil {
			return nil, err
		}
	}
	return msg.Encode()
}

// deliverLocal dispatches payload to every local subscription whose
// pattern exactly matches one of pub's topics. Both topic strings are
// in hand here, so this is a literal match, not a Bloom test. Each
// callback runs on its own goroutine so a slow or re-entrant handler
// cannot stall the event loop.
func (n *Node) deliverLocal(pub *Publication, payload []byte) {
	for _, s := range n.localSubs {
		if !s.active {
			continue
		}
		if subscriptionMatches(s, pub.topics, n.cfg.separators) {
			cb := s.cb
			go cb(s, pub, payload)
		}
	}
}

func subscriptionMatches(s *Subscription, topics []string, separators string) bool {
	for _, t := range topics {
		for _, pat := range s.topics {
			if ok, err := topic.MatchPattern(t, pat, separators); err == nil && ok {
				return true
			}
		}
	}
	return false
}

// peerMatchesPublication runs the forwarding test: intersect the
// publication's Bloom vector with p's inbound interests, fuzzy-hash the
// intersection, and check it covers the needs summary p advertised.
// False positives are possible (the receiver re-matches exactly);
// false negatives are not.
func (n *Node) peerMatchesPublication(p *RemotePeer, pub *Publication) bool {
	if p.inbound.filter == nil || p.inbound.needs == nil {
		return false
	}
	scratch, err := bitvec.Alloc(n.cfg.bitLen)
	if err != nil {
		return false
	}
	if err := bitvec.Intersection(scratch, pub.bloom, p.inbound.filter); err != nil {
		return false
	}
	fh := bitvec.AllocFH()
	if err := bitvec.FuzzyHash(fh, scratch); err != nil {
		return false
	}
	return bitvec.Includes(fh, p.inbound.needs)
}

// forwardPublication sends data to every peer whose advertised
// interests match pub, excluding the peer it arrived from (exceptAddr,
// nil for a local publish) and any outbound-muted peer.
func (n *Node) forwardPublication(pub *Publication, data []byte, exceptAddr *transport.Address) {
	exceptKey := ""
	if exceptAddr != nil {
		exceptKey = exceptAddr.Normalize().String()
	}
	for _, p := range n.peers.All() {
		if exceptKey != "" && p.Addr.String() == exceptKey {
			continue
		}
		if p.outbound.muted {
			continue
		}
		if !n.peerMatchesPublication(p, pub) {
			continue
		}
		n.transmit(p, data)
	}
}

// retainIfNeeded appends pub to the node's retained list if it isn't
// there already.
func (n *Node) retainIfNeeded(pub *Publication) {
	if !pub.retained {
		return
	}
	for _, r := range n.retained {
		if r.pubID == pub.pubID {
			return
		}
	}
	n.retained = append(n.retained, pub)
}

// scheduleExpiry arms a timer that reaps pub once its TTL elapses, so
// a subscriber joining after that point sees nothing.
func (n *Node) scheduleExpiry(pub *Publication) {
	ttl := pub.ttl
	n.afterFunc(ttl, func() {
		n.expirePublication(pub.pubID)
	})
}

// expirePublication drops pub's retained state and, for a still-tracked
// instance with a matching pubID, marks it expired.
func (n *Node) expirePublication(pubID [16]byte) {
	cur, ok := n.pendingPubs[pubID]
	if !ok {
		return
	}
	if time.Now().Before(cur.expires) {
		return
	}
	cur.expired = true
	cur.retained = false
	n.removeRetained(pubID)
}

// retractPublication handles a negative-TTL republish: it clears any
// retained state for pub's pubID and forwards the retraction itself so
// peers drop their own retained copy.
func (n *Node) retractPublication(pub *Publication) {
	pub.retained = false
	pub.expired = true
	n.removeRetained(pub.pubID)

	pub.seq = n.nextSeq
	n.nextSeq++
	pub.ttl = -1 * time.Second
	msg := wire.NewMessage(wire.TypePub)
	_ = msg.Unprotected.Put(wire.KeyPubID, pub.pubID)
	_ = msg.Unprotected.Put(wire.KeySequence, pub.seq)
	_ = msg.Unprotected.Put(wire.KeyTTL, int64(-1))
	_ = msg.Unprotected.Put(wire.KeyTopics, pub.topics)
	data, err := msg.Encode()
	if err != nil {
		return
	}
	n.forwardPublication(pub, data, nil)
}

func (n *Node) removeRetained(pubID [16]byte) {
	out := n.retained[:0]
	for _, r := range n.retained {
		if r.pubID != pubID {
			out = append(out, r)
		}
	}
	n.retained = out
}

// reevaluateRetainedAll is invoked from Subscription.Subscribe: a newly
// registered subscription may match publications retained from before
// it existed, which are delivered to it once, immediately.
func (n *Node) reevaluateRetainedAll(s *Subscription) {
	now := time.Now()
	for _, pub := range n.retained {
		if pub.expired || now.After(pub.expires) {
			continue
		}
		if !pub.plaintextOK {
			continue
		}
		if subscriptionMatches(s, pub.topics, n.cfg.separators) {
			cb := s.cb
			payload := pub.plaintext
			go cb(s, pub, payload)
		}
	}
}

// reevaluateRetained is invoked from handleSub once a peer's inbound
// filter has just grown: a retained publication that now falls inside
// that filter, and hadn't previously, is forwarded to it.
func (n *Node) reevaluateRetained(p *RemotePeer) {
	if p.outbound.muted {
		return
	}
	now := time.Now()
	for _, pub := range n.retained {
		if pub.expired || now.After(pub.expires) {
			continue
		}
		if pub.rawBytes == nil {
			continue
		}
		if !n.peerMatchesPublication(p, pub) {
			continue
		}
		n.transmit(p, pub.rawBytes)
	}
}

// handlePub decodes an inbound PUB frame, delivers it to any matching
// local subscription, forwards it to every other qualifying peer, and
// retains it if its TTL is positive. Local delivery happens before
// forwarding so a matching subscriber here sees the publication even
// if every onward send fails.
func (n *Node) handlePub(from transport.Address, msg *wire.Message) {
	var pubID [16]byte
	if ok, err := msg.Unprotected.Get(wire.KeyPubID, &pubID); err != nil || !ok {
		return
	}
	var seq uint64
	if _, err := msg.Unprotected.Get(wire.KeySequence, &seq); err != nil {
		return
	}
	var ttlSeconds int64
	if _, err := msg.Unprotected.Get(wire.KeyTTL, &ttlSeconds); err != nil {
		return
	}

	dupKey := dupKeyFor(pubID, seq)
	if n.seen.Has(dupKey) {
		return
	}
	n.seen.Add(dupKey)

	var topics []string
	if _, err := msg.Unprotected.Get(wire.KeyTopics, &topics); err != nil {
		return
	}

	if len(topics) == 1 && topics[0] == probeTopic {
		// Link-monitor liveness probe: being decodable at all is the
		// only signal it carries (handleFrame already marked the
		// sending peer's monitor alive). It is never retained,
		// delivered, or forwarded.
		return
	}

	if ttlSeconds < 0 {
		n.handleRetraction(pubID, topics, from)
		return
	}

	var ackRequested bool
	_, _ = msg.Unprotected.Get(wire.KeyAckRequested, &ackRequested)
	var bloomBytes []byte
	if _, err := msg.Unprotected.Get(wire.KeyBloom, &bloomBytes); err != nil {
		return
	}
	var recipients []cose.Entity
	_, _ = msg.Unprotected.Get(wire.KeyRecipients, &recipients)
	var senderID [16]byte
	_, _ = msg.Unprotected.Get(wire.KeySenderID, &senderID)
	var envBytes []byte
	_, _ = msg.Unprotected.Get(wire.KeyEnvelope, &envBytes)

	bloom, err := bitvec.Deserialize(bloomBytes)
	if err != nil || bloom.Len() != n.cfg.bitLen {
		log.Debugf("dps: bad bloom vector in PUB from %s: %v", from, err)
		return
	}

	pub := &Publication{
		node:         n,
		pubID:        pubID,
		topics:       topics,
		bloom:        bloom,
		recipients:   recipients,
		senderID:     senderID,
		ackRequested: ackRequested,
		seq:          seq,
		hasFrom:      true,
		fromAddr:     from,
		rawBytes:     n.reencodeForForward(msg),
	}

	if ttlSeconds > 0 {
		pub.ttl = time.Duration(ttlSeconds) * time.Second
		pub.retained = true
		pub.expires = time.Now().Add(pub.ttl)
	}

	if len(envBytes) > 0 {
		if env, err := cose.Unmarshal(envBytes); err == nil {
			if _, plaintext, err := cose.Decrypt(env, pubID[:], n.keystore); err == nil {
				pub.plaintext = plaintext
				pub.plaintextOK = true
			} else {
				log.Debugf("dps: cannot decrypt publication %x from %s: %v", pubID, from, err)
			}
		}
	}

	n.pendingPubs[pubID] = pub
	if pub.retained {
		n.retainIfNeeded(pub)
		n.scheduleExpiry(pub)
	} else {
		n.scheduleAckWindowCleanup(pub)
	}

	if pub.plaintextOK {
		n.deliverLocalMatching(pub)
	}
	n.forwardPublication(pub, pub.rawBytes, &from)
}

// deliverLocalMatching delivers a just-received inbound publication to
// every currently active local subscription that matches it.
func (n *Node) deliverLocalMatching(pub *Publication) {
	for _, s := range n.localSubs {
		if !s.active {
			continue
		}
		if subscriptionMatches(s, pub.topics, n.cfg.separators) {
			cb := s.cb
			payload := pub.plaintext
			go cb(s, pub, payload)
		}
	}
}

// reencodeForForward returns the frame bytes to relay verbatim to other
// peers: the already-decoded Message re-encoded, byte-identical in
// content to what was received.
func (n *Node) reencodeForForward(msg *wire.Message) []byte {
	data, err := msg.Encode()
	if err != nil {
		return nil
	}
	return data
}

// handleRetraction processes an inbound negative-TTL PUB: it drops any
// locally retained copy and forwards the retraction onward to the same
// peers the publication itself would have matched, rebuilding the
// Bloom vector from the retraction's topic list.
func (n *Node) handleRetraction(pubID [16]byte, topics []string, from transport.Address) {
	n.removeRetained(pubID)
	delete(n.pendingPubs, pubID)

	filter, err := bitvec.Alloc(n.cfg.bitLen)
	if err != nil {
		return
	}
	for _, t := range topics {
		if err := topic.AddTopic(filter, t, n.cfg.separators, topic.PubRole, n.cfg.numHashes); err != nil {
			return
		}
	}
	msg := wire.NewMessage(wire.TypePub)
	_ = msg.Unprotected.Put(wire.KeyPubID, pubID)
	_ = msg.Unprotected.Put(wire.KeyTTL, int64(-1))
	_ = msg.Unprotected.Put(wire.KeyTopics, topics)
	data, err := msg.Encode()
	if err != nil {
		return
	}
	n.forwardPublication(&Publication{pubID: pubID, bloom: filter}, data, &from)
}

// scheduleAckWindowCleanup reaps a non-retained publication's pendingPubs
// entry once ackWindow elapses, bounding how long its ack-routing record
// (pubID -> last-hop address) is kept.
func (n *Node) scheduleAckWindowCleanup(pub *Publication) {
	n.afterFunc(ackWindow, func() {
		if cur, ok := n.pendingPubs[pub.pubID]; ok && cur == pub && !cur.retained {
			delete(n.pendingPubs, pub.pubID)
		}
	})
}

func dupKeyFor(pubID [16]byte, seq uint64) string {
	b := make([]byte, 0, 24)
	b = append(b, pubID[:]...)
	for i := uint(0); i < 8; i++ {
		b = append(b, byte(seq>>(8*i)))
	}
	return string(b)
}

// handleAck decodes an inbound ACK frame and either invokes the
// originating node's ackCb (this node published the matching pubID) or
// forwards it back along the peer it received the original PUB from,
// retracing the forwarding path one hop at a time.
func (n *Node) handleAck(from transport.Address, msg *wire.Message) {
	var pubID [16]byte
	if ok, err := msg.Unprotected.Get(wire.KeyPubID, &pubID); err != nil || !ok {
		return
	}
	var seq uint64
	_, _ = msg.Unprotected.Get(wire.KeySequence, &seq)
	var payload []byte
	_, _ = msg.Unprotected.Get(wire.KeyAckPayload, &payload)

	pub, ok := n.pendingPubs[pubID]
	if !ok {
		return
	}
	if pub.local && pub.ackCb != nil {
		cb := pub.ackCb
		go cb(pub, payload)
		return
	}
	if pub.hasFrom {
		data, err := msg.Encode()
		if err != nil {
			return
		}
		if p, ok := n.peers.Lookup(pub.fromAddr); ok {
			n.transmit(p, data)
		}
	}
}
