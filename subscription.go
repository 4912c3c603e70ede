package dps

import (
	"github.com/meshfabric/dps/bitvec"
	"github.com/meshfabric/dps/topic"
	"github.com/meshfabric/dps/transport"
	"github.com/meshfabric/dps/wire"
)

// Subscription is a set of topic patterns owned by the application: its
// Bloom filter contributes to the node's aggregate interest once
// Subscribe is called, and is withdrawn on Destroy.
type Subscription struct {
	node      *Node
	id        uint64
	topics    []string
	filter    *bitvec.BitVector
	fuzzyHash *bitvec.BitVector
	cb        DeliveryHandler
	active    bool
}

// CreateSubscription parses topics (each may use "+"/"#" wildcards per
// the node's configured separators) and builds the subscription's Bloom
// filter, without yet registering it with the node.
func (n *Node) CreateSubscription(topics []string) (*Subscription, error) {
	if len(topics) == 0 {
		return nil, ErrInvalidArgs
	}
	filter, err := bitvec.Alloc(n.cfg.bitLen)
	if err != nil {
		return nil, err
	}
	for _, t := range topics {
		if err := topic.AddTopic(filter, t, n.cfg.separators, topic.SubRole, n.cfg.numHashes); err != nil {
			return nil, ErrInvalidArgs
		}
	}
	fh := bitvec.AllocFH()
	if err := bitvec.FuzzyHash(fh, filter); err != nil {
		return nil, err
	}
	return &Subscription{
		node:      n,
		topics:    append([]string(nil), topics...),
		filter:    filter,
		fuzzyHash: fh,
	}, nil
}

// Topics returns the subscription's patterns.
func (s *Subscription) Topics() []string {
	return append([]string(nil), s.topics...)
}

// Subscribe attaches the delivery callback and registers the
// subscription's filter into the node's aggregate, triggering a
// (debounced) outbound recomputation toward every peer.
func (s *Subscription) Subscribe(cb DeliveryHandler) error {
	if cb == nil {
		return ErrNull
	}
	return s.node.do(func() error {
		if s.active {
			return ErrExists
		}
		s.cb = cb
		s.id = s.node.nextSubID
		s.node.nextSubID++
		s.node.localSubs[s.id] = s
		s.active = true
		if err := s.node.interests.Add(s.filter); err != nil {
			return err
		}
		if err := s.node.needsAgg.Add(s.fuzzyHash); err != nil {
			return err
		}
		s.node.scheduleSubUpdate()
		s.node.reevaluateRetainedAll(s)
		return nil
	})
}

// Destroy removes the subscription from the node's local set and
// withdraws its contribution from the aggregate and every peer's
// outbound filter.
func (s *Subscription) Destroy() error {
	return s.node.do(func() error {
		if !s.active {
			return nil
		}
		if err := s.node.interests.Del(s.filter); err != nil {
			return err
		}
		if err := s.node.needsAgg.Del(s.fuzzyHash); err != nil {
			return err
		}
		delete(s.node.localSubs, s.id)
		s.active = false
		s.node.scheduleSubUpdate()
		return nil
	})
}

// scheduleSubUpdate coalesces a burst of local subscribe/unsubscribe
// activity into a single outbound recomputation per debounce interval,
// so a node registering many subscriptions at startup advertises one
// revision instead of one per call.
func (n *Node) scheduleSubUpdate() {
	if n.subUpdatePending {
		return
	}
	n.subUpdatePending = true
	n.afterFunc(n.cfg.subDebounce, func() {
		n.subUpdatePending = false
		if n.destroying {
			return
		}
		n.recomputeAllOutbound()
	})
}

// outboundInterests computes what this node should advertise to p: the
// union of every contributed interest filter minus p's own inbound
// contribution, and the intersection of the corresponding fuzzy-hash
// needs. Both borrow the shared count vectors for the duration of the
// call rather than keeping a per-peer aggregate, which would not scale
// to dense meshes.
func (n *Node) outboundInterests(p *RemotePeer) (interests, needs *bitvec.BitVector) {
	if p.inbound.filter != nil {
		n.interests.Del(p.inbound.filter)
		n.needsAgg.Del(p.inbound.needs)
	}
	interests, _ = bitvec.Alloc(n.cfg.bitLen)
	n.interests.ToUnion(interests)
	needs = bitvec.AllocFH()
	n.needsAgg.ToIntersection(needs)
	if p.inbound.filter != nil {
		n.interests.Add(p.inbound.filter)
		n.needsAgg.Add(p.inbound.needs)
	}
	return interests, needs
}

// updateOutbound recomputes the interests and needs advertised to p,
// advancing the revision only when the advertisement actually changed,
// without transmitting anything: the caller decides whether the update
// rides a standalone SUB or a piggybacked SAK. A mute-state flip also
// counts as a change, because the peer's inbound gate discards frames
// whose revision it has already seen, so a flags-only resend at the
// same revision would never land.
func (n *Node) updateOutbound(p *RemotePeer) (deltaInd bool, delta *bitvec.BitVector) {
	newOut, newNeeds := n.outboundInterests(p)
	changed := p.outbound.filter == nil || !bitvec.Equals(newOut, p.outbound.filter) ||
		p.outbound.needs == nil || !bitvec.Equals(newNeeds, p.outbound.needs) ||
		p.outbound.muted != p.outbound.lastMuted
	if !changed {
		return false, nil
	}

	// A delta is only safe once the previous advertisement has been
	// acknowledged; otherwise the peer may lack the base it would XOR
	// against, and the retransmission path always resends in full.
	deltaInd = p.outbound.revision > 0 && p.outbound.filter != nil && p.outbound.ackCountdown == 0
	if deltaInd {
		delta, _ = bitvec.Alloc(n.cfg.bitLen)
		var equal bool
		bitvec.Xor(delta, newOut, p.outbound.filter, &equal)
		if equal {
			deltaInd = false
			delta = nil
		}
	}
	p.outbound.revision++
	p.outbound.filter = newOut
	p.outbound.needs = newNeeds
	p.outbound.lastMuted = p.outbound.muted
	p.outbound.includeSub = true
	return deltaInd, delta
}

// recomputeOutbound recomputes p's outbound advertisement and sends a
// SUB if it changed, a payload is still owed, or force is set.
func (n *Node) recomputeOutbound(p *RemotePeer, force bool) {
	deltaInd, delta := n.updateOutbound(p)
	if !p.outbound.includeSub && !force {
		return
	}
	n.sendSubMessage(p, deltaInd, delta)
}

func (n *Node) recomputeAllOutbound() {
	for _, p := range n.peers.All() {
		n.recomputeOutbound(p, false)
	}
}

func (n *Node) recomputeAllOutboundExcept(except *RemotePeer) {
	for _, p := range n.peers.All() {
		if p == except {
			continue
		}
		n.recomputeOutbound(p, false)
	}
}

// buildSubPayload marshals p's currently advertised outbound state
// (optionally the delta since the last send) into msg's unprotected
// map, the full 6-key form of a SUB.
func (n *Node) buildSubPayload(msg *wire.Message, p *RemotePeer, deltaInd bool, delta *bitvec.BitVector) error {
	var flags uint64
	if deltaInd {
		flags |= wire.SubFlagDeltaInd
	}
	if p.outbound.muted {
		flags |= wire.SubFlagMuteInd
	}
	payload := p.outbound.filter
	if deltaInd {
		payload = delta
	}
	interestBytes, err := bitvec.Serialize(payload)
	if err != nil {
		return err
	}
	needsBytes, err := bitvec.SerializeRaw(p.outbound.needs)
	if err != nil {
		return err
	}
	if err := msg.Unprotected.Put(wire.KeyPort, uint64(n.port)); err != nil {
		return err
	}
	if err := msg.Unprotected.Put(wire.KeySeq, uint64(p.outbound.revision)); err != nil {
		return err
	}
	if err := msg.Unprotected.Put(wire.KeySubFlags, flags); err != nil {
		return err
	}
	if err := msg.Unprotected.Put(wire.KeyMeshID, n.advertisedMeshID()); err != nil {
		return err
	}
	if err := msg.Unprotected.Put(wire.KeyNeeds, needsBytes); err != nil {
		return err
	}
	return msg.Unprotected.Put(wire.KeyInterests, interestBytes)
}

// sendSubMessage transmits a fresh SUB for p, arming the retransmission
// state machine (ackCountdown = 1+MaxRetries) and scheduling the first
// retry.
func (n *Node) sendSubMessage(p *RemotePeer, deltaInd bool, delta *bitvec.BitVector) {
	msg := wire.NewMessage(wire.TypeSub)
	if err := n.buildSubPayload(msg, p, deltaInd, delta); err != nil {
		log.Warningf("dps: building SUB for %s: %v", p.Addr, err)
		return
	}
	data, err := msg.Encode()
	if err != nil {
		log.Warningf("dps: encoding SUB for %s: %v", p.Addr, err)
		return
	}
	p.outbound.ackCountdown = 1 + n.cfg.maxRetries
	n.transmit(p, data)
	n.scheduleSubRetry(p, p.outbound.revision)
}

// resendSub retransmits p's currently advertised outbound state in full
// (never as a delta, since the peer may never have received the base it
// would XOR against) without resetting ackCountdown.
func (n *Node) resendSub(p *RemotePeer) {
	msg := wire.NewMessage(wire.TypeSub)
	if err := n.buildSubPayload(msg, p, false, nil); err != nil {
		return
	}
	data, err := msg.Encode()
	if err != nil {
		return
	}
	n.transmit(p, data)
}

func (n *Node) sendUnlink(p *RemotePeer) {
	msg := wire.NewMessage(wire.TypeSub)
	data, err := msg.Encode()
	if err != nil {
		return
	}
	n.transmit(p, data)
}

// sendSak replies to a SUB with an acknowledgment of ackSeq. When
// includeSub is set the SAK piggybacks this node's own outbound state,
// the 7-key "SAK-with-payload" form that lets a lost prior SUB recover
// without waiting out a further retransmission cycle.
func (n *Node) sendSak(p *RemotePeer, ackSeq uint32, includeSub bool) {
	msg := wire.NewMessage(wire.TypeSak)
	if err := msg.Unprotected.Put(wire.KeyPort, uint64(n.port)); err != nil {
		return
	}
	if err := msg.Unprotected.Put(wire.KeyAckSeq, uint64(ackSeq)); err != nil {
		return
	}
	if includeSub {
		if err := n.buildSubPayload(msg, p, false, nil); err != nil {
			log.Warningf("dps: building SAK payload for %s: %v", p.Addr, err)
		}
	}
	data, err := msg.Encode()
	if err != nil {
		return
	}
	n.transmit(p, data)
}

func (n *Node) transmit(p *RemotePeer, data []byte) {
	addr := p.Addr
	if err := n.transport.Send(addr, data, func(err error) {
		if err != nil {
			log.Warningf("dps: send to %s failed: %v", addr, err)
		}
	}); err != nil {
		log.Warningf("dps: send to %s: %v", addr, err)
	}
}

func (n *Node) scheduleSubRetry(p *RemotePeer, revision uint32) {
	addr := p.Addr
	n.afterFunc(n.cfg.subRetryInterval, func() {
		n.retrySub(addr, revision)
	})
}

// retrySub fires on the event loop after a retry interval elapses. If
// the peer has since been acknowledged or superseded by a newer
// revision, it is a no-op; otherwise it decrements ackCountdown and
// either retransmits or, on exhaustion, declares the peer unreachable.
func (n *Node) retrySub(addr transport.Address, revision uint32) {
	p, ok := n.peers.Lookup(addr)
	if !ok || p.outbound.revision != revision || p.outbound.ackCountdown <= 0 {
		return
	}
	p.outbound.ackCountdown--
	if p.outbound.ackCountdown <= 0 {
		log.Warningf("dps: peer %s unreachable, exhausted sub retries", addr)
		p.CompleteLink(ErrTimeout)
		n.deletePeer(p)
		return
	}
	n.resendSub(p)
	n.scheduleSubRetry(p, revision)
}

// handleSub processes an inbound SUB frame: unlink detection,
// partial-key rejection, revision gating, delta reconstruction, loop
// and mute handling, then re-evaluation of retained publications and
// other peers' outbound filters. The acknowledging SAK is sent last so
// that it always reflects the post-update state.
func (n *Node) handleSub(from transport.Address, msg *wire.Message) {
	p, created := n.peers.Add(from, n.cfg.bitLen)
	if created {
		n.transport.AddRef(p.Addr)
		p.ClearInboundInterests()
		p.ClearOutboundInterests()
		p.outbound.includeSub = true
	}

	hasFlags := msg.Unprotected.Has(wire.KeySubFlags)
	hasMesh := msg.Unprotected.Has(wire.KeyMeshID)
	hasNeeds := msg.Unprotected.Has(wire.KeyNeeds)
	hasInterests := msg.Unprotected.Has(wire.KeyInterests)
	anyKey := hasFlags || hasMesh || hasNeeds || hasInterests

	if !anyKey {
		n.sendSak(p, p.inbound.revision, false)
		n.deletePeer(p)
		return
	}
	if !(hasFlags && hasMesh && hasNeeds && hasInterests) {
		log.Debugf("dps: dropping partial SUB from %s", from)
		return
	}

	var seqVal uint64
	if ok, err := msg.Unprotected.Get(wire.KeySeq, &seqVal); err != nil || !ok {
		return
	}
	revision := uint32(seqVal)

	if p.inbound.revision != 0 && revision <= p.inbound.revision {
		n.sendSak(p, p.inbound.revision, p.outbound.includeSub)
		return
	}

	var flags uint64
	if _, err := msg.Unprotected.Get(wire.KeySubFlags, &flags); err != nil {
		return
	}
	var meshID MeshID
	if _, err := msg.Unprotected.Get(wire.KeyMeshID, &meshID); err != nil {
		return
	}
	var interestsRaw []byte
	if _, err := msg.Unprotected.Get(wire.KeyInterests, &interestsRaw); err != nil {
		return
	}
	var needsRaw []byte
	if _, err := msg.Unprotected.Get(wire.KeyNeeds, &needsRaw); err != nil {
		return
	}

	deltaInd := flags&wire.SubFlagDeltaInd != 0
	muteInd := flags&wire.SubFlagMuteInd != 0

	incoming, err := bitvec.Deserialize(interestsRaw)
	if err != nil || incoming.Len() != n.cfg.bitLen {
		log.Debugf("dps: bad interests vector from %s: %v", from, err)
		return
	}
	needs, err := bitvec.Deserialize(needsRaw)
	if err != nil || needs.Len() != bitvec.FHBitLen {
		log.Debugf("dps: bad needs vector from %s: %v", from, err)
		return
	}

	newFilter := incoming
	if deltaInd && p.inbound.filter != nil {
		newFilter, _ = bitvec.Alloc(n.cfg.bitLen)
		var equal bool
		if err := bitvec.Xor(newFilter, p.inbound.filter, incoming, &equal); err != nil {
			return
		}
	}

	if p.inbound.filter != nil {
		n.interests.Del(p.inbound.filter)
		n.needsAgg.Del(p.inbound.needs)
		p.inbound.filter = nil
		p.inbound.needs = nil
	}
	// An all-clear filter contributes nothing; leaving it out of the
	// aggregates keeps the needs intersection meaningful.
	if !newFilter.IsClear() {
		if err := n.interests.Add(newFilter); err != nil {
			log.Warningf("dps: aggregate overflow adding inbound filter from %s: %v", from, err)
			return
		}
		if err := n.needsAgg.Add(needs); err != nil {
			n.interests.Del(newFilter)
			log.Warningf("dps: aggregate overflow adding inbound needs from %s: %v", from, err)
			return
		}
		p.inbound.filter = newFilter
		p.inbound.needs = needs
	}
	p.inbound.meshID = meshID

	wasMuted := p.inbound.muted
	switch {
	case muteInd:
		p.Mute()
		n.startLinkMonitor(p)
	case wasMuted && !muteInd:
		p.Unmute()
		n.stopLinkMonitor(p)
	default:
		if n.meshHasLoop(p, meshID) {
			p.Mute()
			n.startLinkMonitor(p)
		}
	}
	p.inbound.muted = muteInd
	p.inbound.revision = revision

	n.trackMinMeshID(meshID, from.String())

	n.reevaluateRetained(p)
	n.recomputeAllOutboundExcept(p)
	// p's own outbound advertisement (including a locally decided mute)
	// is refreshed without a standalone SUB: the acknowledging SAK
	// carries it when anything is owed.
	n.updateOutbound(p)

	n.sendSak(p, revision, p.outbound.includeSub)
}

// handleSak processes an inbound SAK. A SAK whose ack-seq does not match
// the currently pending outbound revision is stale and ignored; one
// that does is idempotent after the first, since the first already
// zeroed ackCountdown and completed any pending link callback.
func (n *Node) handleSak(from transport.Address, msg *wire.Message) {
	p, ok := n.peers.Lookup(from)
	if !ok {
		return
	}
	var ackSeq uint64
	if ok, err := msg.Unprotected.Get(wire.KeyAckSeq, &ackSeq); err != nil || !ok {
		return
	}
	if uint32(ackSeq) == p.outbound.revision {
		p.outbound.includeSub = false
		if p.outbound.ackCountdown > 0 {
			p.outbound.ackCountdown = 0
			p.CompleteLink(nil)
			if p.outbound.muted && p.monitor == nil {
				n.startLinkMonitor(p)
			}
		}
	}
	// A piggybacked subscription payload is processed even when the ack
	// itself is stale; the embedded revision gates it on its own.
	if msg.Unprotected.Has(wire.KeyInterests) {
		n.handleSub(from, msg)
	}
}

// meshHasLoop reports whether meshID is the minimum mesh id this node
// has already recorded arriving via a *different* edge than p, which
// implies the mesh has looped back to this node.
func (n *Node) meshHasLoop(p *RemotePeer, meshID MeshID) bool {
	if meshID.IsZero() {
		return false
	}
	// This node's own id coming back is the ordinary flooding echo
	// (every peer re-advertises the minimum to all its edges, including
	// the one it learned it from); the cycle it closes is cut by the
	// nodes that see the minimum arrive over two distinct edges.
	if meshID == n.meshID {
		return false
	}
	return !n.minMeshID.IsZero() && meshID == n.minMeshID &&
		n.minMeshIDFrom != "" && n.minMeshIDFrom != p.Addr.String()
}

// trackMinMeshID records meshID unconditionally, even for a still-muted
// link: the minimum must stay accurate while an edge is suppressed or
// the loop check would misfire once it unmutes.
func (n *Node) trackMinMeshID(meshID MeshID, from string) {
	if meshID.IsZero() {
		return
	}
	if n.minMeshID.IsZero() || meshID.Less(n.minMeshID) {
		n.minMeshID = meshID
		n.minMeshIDFrom = from
	}
}

// advertisedMeshID is the minimum of this node's own mesh id and the
// smallest id seen from any peer. Forwarding the minimum is what lets
// one id travel every edge of a cycle and arrive back over a second
// edge, which is the loop signal meshHasLoop fires on.
func (n *Node) advertisedMeshID() MeshID {
	if !n.minMeshID.IsZero() && n.minMeshID.Less(n.meshID) {
		return n.minMeshID
	}
	return n.meshID
}
