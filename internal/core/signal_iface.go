package core

import (
	"context"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/protocol"
)

// Frame is one encoded signaling message.
type Frame []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// Signaling is what a transport adapter drives for each accepted channel.
// Dispatch is called in arrival order for one peer; Disconnect once, after
// the last Dispatch returned.
type Signaling interface {
	Connect(pid domain.PeerID, client string, conn SignalConnection)
	Dispatch(ctx context.Context, pid domain.PeerID, req protocol.Request)
	Disconnect(pid domain.PeerID)
}
