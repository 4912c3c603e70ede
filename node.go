package dps

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log"
	timecache "github.com/whyrusleeping/timecache"

	"github.com/meshfabric/dps/bitvec"
	"github.com/meshfabric/dps/cose"
	"github.com/meshfabric/dps/transport"
	"github.com/meshfabric/dps/wire"
)

var log = logging.Logger("dps")

// dupCacheDuration bounds how long a (pubId, seq) pair is remembered
// for duplicate-forward suppression.
const dupCacheDuration = 2 * time.Minute

// DeliveryHandler is invoked once per matching publication for a
// subscription that is currently Subscribe'd. It runs on its own
// goroutine dispatched from the event loop so it can safely call back
// into the Node (Publish an ack, create further subscriptions, Destroy
// itself) without deadlocking the loop.
type DeliveryHandler func(sub *Subscription, pub *Publication, payload []byte)

// AckHandler is invoked on the originating node when an acknowledgment
// routed back for one of its publications arrives.
type AckHandler func(pub *Publication, ackPayload []byte)

// recvEvent carries one inbound wire frame from a transport's receive
// callback onto the event loop.
type recvEvent struct {
	from transport.Address
	data []byte
}

// Node is a single mesh participant: it owns the peer table, the local
// subscription set, the aggregate interest filter derived from both, and
// the retained-publication list, all mutated only on its event-loop
// goroutine.
type Node struct {
	cfg config

	port      uint16
	transport transport.Transport
	keystore  cose.KeyStore
	senderID  [16]byte

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool

	recv chan recvEvent
	eval chan func()

	destroyOnce sync.Once
	destroyDone chan struct{}

	// --- loop-owned state below; touched only on the loop goroutine ---

	peers *peerTable

	// interests aggregates every contributed Bloom filter (local
	// subscriptions plus each peer's inbound interests); its union minus
	// one peer's contribution is that peer's outbound interests.
	// needsAgg aggregates the corresponding fuzzy hashes; its
	// intersection is the outbound needs summary.
	interests *bitvec.CountVector
	needsAgg  *bitvec.CountVector

	// addrAlias maps a transport-observed source address (an ephemeral
	// TCP port, typically) to the peer's canonical listening address
	// learned from the port field of its SUB/SAK frames.
	addrAlias map[string]transport.Address

	localSubs map[uint64]*Subscription
	nextSubID uint64
	meshID    MeshID

	minMeshID     MeshID
	minMeshIDFrom string

	subUpdatePending bool

	retained    []*Publication
	pendingPubs map[[16]byte]*Publication
	nextSeq     uint64

	seen *timecache.TimeCache

	destroying bool
}

// afterFunc schedules fn to run on the event loop after d elapses,
// respecting node shutdown: the timer goroutine only posts the closure
// onto the eval channel, so fn itself always runs loop-side.
func (n *Node) afterFunc(d time.Duration, fn func()) {
	time.AfterFunc(d, func() {
		select {
		case n.eval <- fn:
		case <-n.ctx.Done():
		}
	})
}

// NewNode constructs a Node listening on port, sending and receiving
// frames through tr and resolving cryptographic key material through ks.
func NewNode(port uint16, tr transport.Transport, ks cose.KeyStore, opts ...NodeOption) (*Node, error) {
	if tr == nil || ks == nil {
		return nil, ErrNull
	}
	n := &Node{
		cfg:         defaultConfig(),
		port:        port,
		transport:   tr,
		keystore:    ks,
		recv:        make(chan recvEvent, 256),
		eval:        make(chan func(), 64),
		destroyDone: make(chan struct{}),
		peers:       newPeerTable(),
		addrAlias:   map[string]transport.Address{},
		localSubs:   map[uint64]*Subscription{},
		pendingPubs: map[[16]byte]*Publication{},
		seen:        timecache.NewTimeCache(dupCacheDuration),
	}
	for _, opt := range opts {
		if err := opt(n); err != nil {
			return nil, err
		}
	}
	interests, err := bitvec.NewCountVector(n.cfg.bitLen)
	if err != nil {
		return nil, err
	}
	n.interests = interests
	needsAgg, err := bitvec.NewCountVector(bitvec.FHBitLen)
	if err != nil {
		return nil, err
	}
	n.needsAgg = needsAgg
	n.meshID = NewMeshID()
	var idBytes [16]byte
	mid := NewMeshID()
	copy(idBytes[:], mid[:])
	n.senderID = idBytes
	n.ctx, n.cancel = context.WithCancel(context.Background())
	return n, nil
}

// Start begins listening on the configured transport and launches the
// event loop.
func (n *Node) Start() error {
	if n.started.Swap(true) {
		return ErrExists
	}
	if err := n.transport.Start(n.port, n.onReceive); err != nil {
		n.started.Store(false)
		return err
	}
	n.wg.Add(1)
	go n.processLoop()
	return nil
}

// onReceive is the transport's receive callback; it must never block the
// transport's own goroutine, so it only enqueues onto n.recv.
func (n *Node) onReceive(from transport.Address, data []byte) {
	select {
	case n.recv <- recvEvent{from: from, data: data}:
	case <-n.ctx.Done():
	}
}

// do marshals fn onto the event loop and blocks for its result, the
// post-to-loop pattern every public, externally-callable Node method
// uses so that node state is only ever touched by the loop goroutine.
func (n *Node) do(fn func() error) error {
	if !n.started.Load() {
		return ErrNotStarted
	}
	respCh := make(chan error, 1)
	select {
	case n.eval <- func() { respCh <- fn() }:
	case <-n.ctx.Done():
		return ErrNotStarted
	}
	select {
	case err := <-respCh:
		return err
	case <-n.ctx.Done():
		return ErrNotStarted
	}
}

// processLoop is the single goroutine that owns all node state: peer
// table, aggregate filters, local subscriptions, publications and
// timers.
func (n *Node) processLoop() {
	defer n.wg.Done()
	for {
		select {
		case ev := <-n.recv:
			n.handleFrame(ev.from, ev.data)

		case thunk := <-n.eval:
			thunk()

		case <-n.ctx.Done():
			return
		}
	}
}

// handleFrame decodes one inbound wire frame and dispatches it by type.
// Decode failures never escalate past the frame: log, drop, keep
// serving the loop.
func (n *Node) handleFrame(from transport.Address, data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		log.Debugf("dps: dropping malformed frame from %s: %v", from, err)
		return
	}
	from = n.resolveSender(from, msg)
	if p, ok := n.peers.Lookup(from); ok && p.monitor != nil {
		p.monitor.probeReceived = true
	}
	switch msg.Type {
	case wire.TypeSub:
		n.handleSub(from, msg)
	case wire.TypeSak:
		n.handleSak(from, msg)
	case wire.TypePub:
		n.handlePub(from, msg)
	case wire.TypeAck:
		n.handleAck(from, msg)
	default:
		log.Debugf("dps: dropping frame of unknown type %d from %s", msg.Type, from)
	}
}

// resolveSender maps the transport-observed source address of a frame
// to the sending peer's canonical listening address. A connection-
// oriented transport reports an ephemeral source port, which is why
// every SUB and SAK carries the sender's listening port; PUB and ACK
// frames carry no port and are resolved through the alias recorded
// when the link was established.
func (n *Node) resolveSender(from transport.Address, msg *wire.Message) transport.Address {
	from = from.Normalize()
	if msg.Type == wire.TypeSub || msg.Type == wire.TypeSak {
		var port uint64
		if ok, err := msg.Unprotected.Get(wire.KeyPort, &port); err == nil && ok {
			canonical := transport.Address{IP: from.IP, Port: uint16(port)}.Normalize()
			if canonical.String() != from.String() {
				n.addrAlias[from.String()] = canonical
			}
			return canonical
		}
	}
	if canonical, ok := n.addrAlias[from.String()]; ok {
		return canonical
	}
	return from
}

// Link establishes (or reuses) a connection to addr and sends the
// current outbound subscription state, invoking cb once the peer's
// matching SAK arrives or the link permanently fails after MaxRetries.
func (n *Node) Link(addr transport.Address, cb func(err error)) error {
	return n.do(func() error {
		p, created := n.peers.Add(addr, n.cfg.bitLen)
		if created {
			n.transport.AddRef(p.Addr)
			p.ClearInboundInterests()
		}
		p.outbound.pending = cb
		n.recomputeOutbound(p, true)
		return nil
	})
}

// Unlink sends an unlink SUB (empty unprotected map) to addr and
// removes the peer once the send has been issued.
func (n *Node) Unlink(addr transport.Address) error {
	return n.do(func() error {
		p, ok := n.peers.Lookup(addr)
		if !ok {
			return ErrMissing
		}
		n.sendUnlink(p)
		n.deletePeer(p)
		return nil
	})
}

// deletePeer removes p from the table and its inbound contribution from
// the node's aggregates, and stops its link monitor if one is running.
func (n *Node) deletePeer(p *RemotePeer) {
	if p.monitor != nil {
		p.monitor.stop()
		p.monitor = nil
	}
	if p.inbound.filter != nil {
		n.interests.Del(p.inbound.filter)
		n.needsAgg.Del(p.inbound.needs)
	}
	for observed, canonical := range n.addrAlias {
		if canonical.String() == p.Addr.String() {
			delete(n.addrAlias, observed)
		}
	}
	n.peers.Delete(p.Addr)
	n.transport.DecRef(p.Addr)
	n.recomputeAllOutbound()
}

// Destroy runs the two-phase node shutdown: mark destroying and stop
// every link monitor on the loop, stop the transport (closing its
// connections), then cancel the loop and return once it has exited.
// In-flight sends are not waited for; other pending timers become
// no-ops once the loop has exited.
func (n *Node) Destroy() error {
	n.destroyOnce.Do(func() {
		if n.started.Load() {
			_ = n.do(func() error {
				n.destroying = true
				for _, p := range n.peers.All() {
					if p.monitor != nil {
						p.monitor.stop()
						p.monitor = nil
					}
				}
				return nil
			})
			n.transport.Stop()
		}
		n.cancel()
		n.wg.Wait()
		close(n.destroyDone)
	})
	<-n.destroyDone
	return nil
}
