package domain

import "github.com/google/uuid"

type (
	RoomID string
	PeerID string
)

// NewPeerID returns a fresh identifier for an accepted channel.
// Peer ids are never reused across connections.
func NewPeerID() PeerID {
	return PeerID(uuid.NewString())
}

func (id RoomID) String() string { return string(id) }
func (id PeerID) String() string { return string(id) }
