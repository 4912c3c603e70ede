package dps

import (
	"sync"

	"github.com/meshfabric/dps/bitvec"
	"github.com/meshfabric/dps/transport"
)

// linkCompletion is invoked once a pending Link's SUB has been
// acknowledged, or has permanently failed.
type linkCompletion func(err error)

// inboundState is the per-peer state of subscriptions flowing from the
// peer to this node. filter and needs are nil until the first
// non-empty subscription arrives; while non-nil they are also counted
// into the node's aggregate interest and needs vectors.
type inboundState struct {
	revision uint32
	filter   *bitvec.BitVector
	needs    *bitvec.BitVector
	meshID   MeshID
	muted    bool
}

// outboundState is the per-peer state of subscriptions flowing from this
// node to the peer.
type outboundState struct {
	revision     uint32
	filter       *bitvec.BitVector
	needs        *bitvec.BitVector
	meshID       MeshID
	muted        bool
	lastMuted    bool
	includeSub   bool
	ackCountdown int
	unlink       bool
	pending      linkCompletion
}

// RemotePeer is the per-connected-peer record the subscription and
// publication engines both act on: its inbound filter is one summand of
// the node's aggregate interest; its outbound filter is what this node
// last told it we (and every other peer) are interested in.
type RemotePeer struct {
	Addr transport.Address

	inbound  inboundState
	outbound outboundState

	// lastProbeSeq is not read or written by any code: duplicate
	// suppression uses the node's timecache (see Node.seen) and the link
	// monitor tracks probe traffic in linkMonitor.probeReceived.
	lastProbeSeq uint64

	monitor *linkMonitor
}

func newRemotePeer(addr transport.Address, bitLen int) *RemotePeer {
	out, _ := bitvec.Alloc(bitLen)
	return &RemotePeer{
		Addr: addr,
		outbound: outboundState{
			filter:       out,
			ackCountdown: 0,
		},
	}
}

// peerTable is the node's address-keyed set of remote peers, normalized
// so an IPv4-mapped IPv6 address and its plain-IPv4 form resolve to the
// same entry.
type peerTable struct {
	mu    sync.Mutex
	peers map[string]*RemotePeer
}

func newPeerTable() *peerTable {
	return &peerTable{peers: map[string]*RemotePeer{}}
}

// Add registers a new peer, or returns the existing one at this address.
func (t *peerTable) Add(addr transport.Address, bitLen int) (*RemotePeer, bool) {
	addr = addr.Normalize()
	key := addr.String()
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[key]; ok {
		return p, false
	}
	p := newRemotePeer(addr, bitLen)
	t.peers[key] = p
	return p, true
}

// Lookup returns the peer at addr, if any.
func (t *peerTable) Lookup(addr transport.Address) (*RemotePeer, bool) {
	addr = addr.Normalize()
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[addr.String()]
	return p, ok
}

// Delete removes the peer at addr, returning it so the caller (the
// subscription engine) can remove its inbound contribution from the
// node aggregate.
func (t *peerTable) Delete(addr transport.Address) (*RemotePeer, bool) {
	addr = addr.Normalize()
	key := addr.String()
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[key]
	if ok {
		delete(t.peers, key)
	}
	return p, ok
}

// All returns every currently tracked peer. Order is unspecified.
func (t *peerTable) All() []*RemotePeer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*RemotePeer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}

// Mute marks p's outbound link as muted (mesh loop suppression).
func (p *RemotePeer) Mute() {
	p.outbound.muted = true
}

// Unmute clears p's outbound mute flag.
func (p *RemotePeer) Unmute() {
	p.outbound.muted = false
}

// ClearInboundInterests resets the peer's inbound filter state. The
// node removes any aggregate contribution before calling this.
func (p *RemotePeer) ClearInboundInterests() {
	p.inbound.filter = nil
	p.inbound.needs = nil
	p.inbound.revision = 0
	p.inbound.muted = false
}

// ClearOutboundInterests resets what this node has told p it is
// interested in, forcing a full resend on the next outbound computation.
func (p *RemotePeer) ClearOutboundInterests() {
	p.outbound.filter = nil
	p.outbound.needs = nil
	p.outbound.revision = 0
}

// CompleteLink invokes and clears any pending link-establishment
// callback registered by Node.Link.
func (p *RemotePeer) CompleteLink(err error) {
	if p.outbound.pending != nil {
		cb := p.outbound.pending
		p.outbound.pending = nil
		cb(err)
	}
}
