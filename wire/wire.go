// Package wire implements the canonical binary object format used on
// the network: every SUB, SAK, PUB and ACK frame is a five-element CBOR
// array carrying an unprotected, a protected and an encrypted map, with
// stable small-integer keys inside each.
package wire

import (
	"errors"

	"github.com/fxamacker/cbor/v2"
)

// MessageType identifies the kind of frame carried by a Message.
type MessageType uint64

// Message type values, reserved on the wire.
const (
	TypePub MessageType = 1
	TypeAck MessageType = 2
	TypeSub MessageType = 3
	TypeSak MessageType = 4
)

// Version is the only wire format version this package emits or accepts.
const Version = 1

// Stable numeric map keys, shared by every message type that uses them.
const (
	KeyPort         = 1
	KeySeq          = 2
	KeySubFlags     = 3
	KeyMeshID       = 4
	KeyNeeds        = 5
	KeyInterests    = 6
	KeyAckSeq       = 7
	KeyTTL          = 8
	KeyPubID        = 9
	KeySequence     = 10
	KeyAckRequested = 11
	KeyTopics       = 12
	KeyBloom        = 13
	KeyRecipients   = 14
	KeySenderID     = 15
	KeyAckPayload   = 16
	KeyEnvelope     = 17
)

// Subscription flag bits carried under KeySubFlags.
const (
	SubFlagDeltaInd = 0x01
	SubFlagMuteInd  = 0x02
)

// ErrBadVersion is returned when decoding a frame whose version field
// does not match Version.
var ErrBadVersion = errors.New("wire: unsupported version")

// Fields is a map of small-integer keys to not-yet-decoded CBOR values,
// used for each of a Message's three sections so that callers decode
// only the keys they understand.
type Fields map[int]cbor.RawMessage

// Message is the five-element top-level wire frame.
type Message struct {
	_           struct{} `cbor:",toarray"`
	Version     uint64
	Type        MessageType
	Unprotected Fields
	Protected   Fields
	Encrypted   Fields
}

// NewMessage builds an empty frame of the given type with initialized
// field maps, ready for Put.
func NewMessage(t MessageType) *Message {
	return &Message{
		Version:     Version,
		Type:        t,
		Unprotected: Fields{},
		Protected:   Fields{},
		Encrypted:   Fields{},
	}
}

// Encode serializes m to its wire bytes.
func (m *Message) Encode() ([]byte, error) {
	return cbor.Marshal(m)
}

// Decode parses a wire frame, rejecting anything but Version.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m.Version != Version {
		return nil, ErrBadVersion
	}
	return &m, nil
}

// Put marshals v into key within f.
func (f Fields) Put(key int, v interface{}) error {
	raw, err := cbor.Marshal(v)
	if err != nil {
		return err
	}
	f[key] = raw
	return nil
}

// Get unmarshals the value stored at key into out, reporting whether key
// was present.
func (f Fields) Get(key int, out interface{}) (bool, error) {
	raw, ok := f[key]
	if !ok {
		return false, nil
	}
	return true, cbor.Unmarshal(raw, out)
}

// Has reports whether key is present in f.
func (f Fields) Has(key int) bool {
	_, ok := f[key]
	return ok
}
