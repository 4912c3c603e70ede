package dps

import (
	"time"

	"github.com/meshfabric/dps/bitvec"
	"github.com/meshfabric/dps/topic"
	"github.com/meshfabric/dps/wire"
)

// probeTopic is the reserved internal topic link-monitor probes travel
// on. No application subscription can legitimately match it: topic
// namespaces beginning with "$dps/" are reserved for the runtime itself,
// the same convention MQTT brokers use for "$SYS/...".
const probeTopic = "$dps/probe"

// linkMonitor watches a single muted remote peer for silent loss: once
// started it sends a periodic probe publication directly to the peer
// (bypassing the normal interest-filtered forward path, since the link
// is muted) and counts consecutive ticks with no inbound traffic at all
// from that peer. Both ends of a mutually muted edge run their own
// monitor; each side's outbound probe is the other side's evidence of
// life.
type linkMonitor struct {
	period  time.Duration
	maxTry  int
	retries int

	probeReceived bool
	stopped       bool
}

// startLinkMonitor arms a monitor for p if one isn't already running.
func (n *Node) startLinkMonitor(p *RemotePeer) {
	if p.monitor != nil {
		return
	}
	m := &linkMonitor{period: n.cfg.linkMonitorPeriod, maxTry: n.cfg.linkMonitorRetries}
	p.monitor = m
	n.scheduleProbe(p, m)
}

// stop marks m stopped; its next scheduled tick becomes a no-op.
func (m *linkMonitor) stop() {
	m.stopped = true
}

// stopLinkMonitor tears down p's monitor, if any. The monitor is a
// per-peer resource freed the moment the peer unmutes or is deleted.
func (n *Node) stopLinkMonitor(p *RemotePeer) {
	if p.monitor == nil {
		return
	}
	p.monitor.stop()
	p.monitor = nil
}

func (n *Node) scheduleProbe(p *RemotePeer, m *linkMonitor) {
	n.afterFunc(m.period, func() {
		n.tickProbe(p, m)
	})
}

// tickProbe runs on the event loop. A tick with no inbound traffic since
// the last tick counts against the peer; maxTry consecutive silent ticks
// declares it lost.
func (n *Node) tickProbe(p *RemotePeer, m *linkMonitor) {
	if m.stopped || p.monitor != m {
		return
	}
	if m.probeReceived {
		m.retries = 0
	} else {
		m.retries++
	}
	m.probeReceived = false

	if m.retries >= m.maxTry {
		n.peerLost(p)
		return
	}
	n.sendProbe(p)
	n.scheduleProbe(p, m)
}

// sendProbe transmits a minimal PUB frame on probeTopic directly to p,
// regardless of its mute state: liveness probes are the one traffic
// class allowed on an otherwise-muted link. The probe is never
// retained and never delivered to an application subscription
// (handlePub special-cases probeTopic).
func (n *Node) sendProbe(p *RemotePeer) {
	filter, err := bitvec.Alloc(n.cfg.bitLen)
	if err != nil {
		return
	}
	if err := topic.AddTopic(filter, probeTopic, n.cfg.separators, topic.PubRole, n.cfg.numHashes); err != nil {
		return
	}
	bloomBytes, err := bitvec.Serialize(filter)
	if err != nil {
		return
	}
	n.nextSeq++
	msg := wire.NewMessage(wire.TypePub)
	_ = msg.Unprotected.Put(wire.KeyPubID, n.senderID)
	_ = msg.Unprotected.Put(wire.KeySequence, n.nextSeq)
	_ = msg.Unprotected.Put(wire.KeyTTL, int64(0))
	_ = msg.Unprotected.Put(wire.KeyTopics, []string{probeTopic})
	_ = msg.Unprotected.Put(wire.KeyBloom, bloomBytes)
	_ = msg.Unprotected.Put(wire.KeySenderID, n.senderID)
	data, err := msg.Encode()
	if err != nil {
		return
	}
	n.transmit(p, data)
}

// peerLost is invoked once a monitor exhausts its retries: the peer is
// declared unreachable, removed, and any other peer muted purely for
// loop-avoidance (as opposed to one still indicating mute itself) is
// unmuted so connectivity can recover over it.
func (n *Node) peerLost(p *RemotePeer) {
	log.Warningf("dps: peer %s lost (no traffic across muted link)", p.Addr)
	lostAddr := p.Addr.String()
	n.deletePeer(p)
	if n.minMeshIDFrom == lostAddr {
		n.minMeshID = MeshID{}
		n.minMeshIDFrom = ""
	}
	for _, other := range n.peers.All() {
		if other.outbound.muted && !other.inbound.muted {
			other.Unmute()
			n.stopLinkMonitor(other)
			n.recomputeOutbound(other, true)
		}
	}
}
