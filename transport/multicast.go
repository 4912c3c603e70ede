package transport

import (
	"net"
)

const maxDatagramSize = 1 << 16

// MulticastTransport is a connectionless Transport over a UDP multicast
// group: every Send is a single datagram to the address it is given
// (a unicast peer, or the group address itself; Group only selects the
// group joined for receiving), mirroring
// the read-loop-over-one-socket shape of a SWIM-style gossip transport
// (grounded on the retrieval pack's UDP gossip example). There is no
// per-peer connection to refcount, so AddRef/DecRef are no-ops.
type MulticastTransport struct {
	// Group is the multicast group address to join, e.g. "224.0.0.1". A
	// zero Group makes this a plain unicast UDP transport.
	Group net.IP

	conn      *net.UDPConn
	onReceive ReceiveFunc
	stopped   bool
}

// NewMulticastTransport constructs an unstarted MulticastTransport. If
// group is non-nil, Start joins that multicast group in addition to
// listening for unicast datagrams.
func NewMulticastTransport(group net.IP) *MulticastTransport {
	return &MulticastTransport{Group: group}
}

// Start implements Transport.
func (t *MulticastTransport) Start(port uint16, onReceive ReceiveFunc) error {
	t.onReceive = onReceive

	laddr := &net.UDPAddr{Port: int(port)}
	var conn *net.UDPConn
	var err error
	if t.Group != nil {
		conn, err = net.ListenMulticastUDP("udp", nil, &net.UDPAddr{IP: t.Group, Port: int(port)})
	} else {
		conn, err = net.ListenUDP("udp", laddr)
	}
	if err != nil {
		return err
	}
	t.conn = conn
	go t.readLoop()
	return nil
}

func (t *MulticastTransport) readLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if t.onReceive == nil {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		addr := Address{IP: from.IP, Port: uint16(from.Port)}.Normalize()
		t.onReceive(addr, data)
	}
}

// Send implements Transport: data is sent as a single UDP datagram to
// addr. onComplete is invoked synchronously, since UDP writes don't
// block on the peer.
func (t *MulticastTransport) Send(addr Address, data []byte, onComplete SendCompleteFunc) error {
	_, err := t.conn.WriteToUDP(data, &net.UDPAddr{IP: addr.IP, Port: int(addr.Port)})
	if onComplete != nil {
		onComplete(err)
	}
	return err
}

// Stop implements Transport.
func (t *MulticastTransport) Stop() error {
	if t.stopped {
		return nil
	}
	t.stopped = true
	return t.conn.Close()
}

// AddRef implements Transport. No-op: a connectionless transport has
// nothing to keep open between sends.
func (t *MulticastTransport) AddRef(addr Address) {}

// DecRef implements Transport.
func (t *MulticastTransport) DecRef(addr Address) {}
