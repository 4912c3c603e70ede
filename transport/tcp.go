package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	logging "github.com/ipfs/go-log"
)

var log = logging.Logger("transport")

const maxFrameSize = 1 << 20

// TCPTransport is a connection-oriented Transport: each remote address
// gets at most one outbound connection, kept open for as long as its
// refcount is positive, and framed with a 4-byte big-endian length
// prefix ahead of each wire message.
type TCPTransport struct {
	mu        sync.Mutex
	listener  net.Listener
	onReceive ReceiveFunc
	conns     map[string]*tcpConn
	stopped   bool
}

type tcpConn struct {
	conn   net.Conn
	refs   int
	writeM sync.Mutex
}

// NewTCPTransport constructs an unstarted TCPTransport.
func NewTCPTransport() *TCPTransport {
	return &TCPTransport{conns: map[string]*tcpConn{}}
}

// Start implements Transport.
func (t *TCPTransport) Start(port uint16, onReceive ReceiveFunc) error {
	t.mu.Lock()
	t.onReceive = onReceive
	t.mu.Unlock()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.listener = ln
	t.mu.Unlock()

	go t.acceptLoop(ln)
	return nil
}

func (t *TCPTransport) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		// Register the accepted connection under the observed remote
		// address so replies to that address reuse it instead of
		// dialing back.
		c := &tcpConn{conn: conn}
		key := addrFromNetAddr(conn.RemoteAddr()).String()
		t.mu.Lock()
		if _, exists := t.conns[key]; !exists {
			t.conns[key] = c
		}
		t.mu.Unlock()
		go t.readLoop(conn)
	}
}

func (t *TCPTransport) readLoop(conn net.Conn) {
	key := addrFromNetAddr(conn.RemoteAddr()).String()
	defer func() {
		conn.Close()
		t.mu.Lock()
		if c, ok := t.conns[key]; ok && c.conn == conn {
			delete(t.conns, key)
		}
		t.mu.Unlock()
	}()
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n > maxFrameSize {
			log.Warningf("transport: oversized frame %d from %s, dropping connection", n, conn.RemoteAddr())
			return
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		from := addrFromNetAddr(conn.RemoteAddr())
		t.mu.Lock()
		cb := t.onReceive
		t.mu.Unlock()
		if cb != nil {
			cb(from, buf)
		}
	}
}

func addrFromNetAddr(na net.Addr) Address {
	host, portStr, err := net.SplitHostPort(na.String())
	if err != nil {
		return Address{}
	}
	var port uint16
	fmt.Sscanf(portStr, "%d", &port)
	return Address{IP: net.ParseIP(host), Port: port}.Normalize()
}

func (t *TCPTransport) getOrDial(addr Address) (*tcpConn, error) {
	key := addr.String()
	t.mu.Lock()
	if c, ok := t.conns[key]; ok {
		t.mu.Unlock()
		return c, nil
	}
	t.mu.Unlock()

	conn, err := net.Dial("tcp", key)
	if err != nil {
		return nil, err
	}
	c := &tcpConn{conn: conn}
	t.mu.Lock()
	t.conns[key] = c
	t.mu.Unlock()
	go t.readLoop(conn)
	return c, nil
}

// Send implements Transport.
func (t *TCPTransport) Send(addr Address, data []byte, onComplete SendCompleteFunc) error {
	c, err := t.getOrDial(addr)
	if err != nil {
		if onComplete != nil {
			onComplete(err)
		}
		return err
	}
	go func() {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
		c.writeM.Lock()
		_, err := c.conn.Write(lenBuf[:])
		if err == nil {
			_, err = c.conn.Write(data)
		}
		c.writeM.Unlock()
		if onComplete != nil {
			onComplete(err)
		}
	}()
	return nil
}

// AddRef implements Transport.
func (t *TCPTransport) AddRef(addr Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[addr.String()]; ok {
		c.refs++
	}
}

// DecRef implements Transport. The underlying connection is closed once
// its refcount reaches zero.
func (t *TCPTransport) DecRef(addr Address) {
	key := addr.String()
	t.mu.Lock()
	c, ok := t.conns[key]
	if !ok {
		t.mu.Unlock()
		return
	}
	c.refs--
	closeIt := c.refs <= 0
	if closeIt {
		delete(t.conns, key)
	}
	t.mu.Unlock()
	if closeIt {
		c.conn.Close()
	}
}

// Stop implements Transport.
func (t *TCPTransport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return nil
	}
	t.stopped = true
	if t.listener != nil {
		t.listener.Close()
	}
	for key, c := range t.conns {
		c.conn.Close()
		delete(t.conns, key)
	}
	return nil
}
