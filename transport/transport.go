// Package transport provides the connection-oriented and connectionless
// network collaborators the node core sends wire frames through. The
// core treats a Transport purely as an address-keyed send/receive
// contract — all routing, mesh and security logic lives above this
// layer.
package transport

import (
	"errors"
	"fmt"
	"net"
)

// Address identifies a remote endpoint. IPv4-mapped IPv6 addresses are
// normalized to plain IPv4 so that the same peer reached by either
// family hashes to the same table key.
type Address struct {
	IP   net.IP
	Port uint16
}

// Normalize returns the family-normalized form of a, collapsing an
// IPv4-mapped IPv6 address to plain IPv4.
func (a Address) Normalize() Address {
	if v4 := a.IP.To4(); v4 != nil {
		return Address{IP: v4, Port: a.Port}
	}
	return a
}

// String renders a as a stable, comparable key suitable for map lookups
// and log lines.
func (a Address) String() string {
	return fmt.Sprintf("%s:%d", a.IP.String(), a.Port)
}

// ReceiveFunc is invoked for every inbound frame, with the normalized
// address it arrived from.
type ReceiveFunc func(from Address, data []byte)

// SendCompleteFunc is invoked when a Send finishes, successfully or not,
// so the caller can account for buffers and release any refcounts it
// was holding on behalf of the send.
type SendCompleteFunc func(err error)

// Errors returned by transport implementations.
var (
	ErrNotStarted = errors.New("transport: not started")
	ErrClosed     = errors.New("transport: closed")
)

// Transport is the send/receive contract the node core depends on. A
// connection-oriented implementation additionally tracks a refcount per
// remote address so a link stays open across a burst of publications
// instead of reconnecting for each one.
type Transport interface {
	// Start begins listening on port and invokes onReceive for every
	// inbound frame until Stop is called.
	Start(port uint16, onReceive ReceiveFunc) error
	// Send transmits data to addr. onComplete is invoked exactly once.
	Send(addr Address, data []byte, onComplete SendCompleteFunc) error
	// Stop releases all resources Start acquired.
	Stop() error
	// AddRef and DecRef mark a logical reference to the link with addr,
	// letting a connection-oriented transport keep the underlying
	// connection open while at least one reference is outstanding.
	AddRef(addr Address)
	DecRef(addr Address)
}
