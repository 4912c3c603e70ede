package dps

import (
	"bytes"

	"github.com/google/uuid"
)

// MeshID is the 128-bit value generated once per node and propagated
// with every SUB, used to detect when the mesh's minimum id has
// reached a node by two different edges.
type MeshID [16]byte

// NewMeshID generates a fresh mesh identifier. uuid.New() draws from a
// crypto/rand-seeded generator, so no separate seeding step is needed.
func NewMeshID() MeshID {
	var id MeshID
	u := uuid.New()
	copy(id[:], u[:])
	return id
}

// Less reports whether a sorts before b, used to track the minimum
// mesh-id seen across all inbound edges for loop detection.
func (a MeshID) Less(b MeshID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

// IsZero reports whether id is the zero value (no mesh id recorded yet).
func (a MeshID) IsZero() bool {
	return a == MeshID{}
}
