package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownPeer   = errors.New("unknown peer")
	ErrAlreadyJoined = errors.New("peer already joined a room")
	ErrCannotJoin    = errors.New("cannot join room")
)

type sessionEntry struct {
	Client string
	Conn   core.SignalConnection
	Peer   *Peer
}

// Registry maps connected peers to their channel and, once joined, to their
// room. All membership changes go through it.
type Registry struct {
	Rooms *RoomManager

	mu       sync.RWMutex
	sessions map[domain.PeerID]*sessionEntry
}

func NewRegistry(rooms *RoomManager) *Registry {
	return &Registry{
		Rooms:    rooms,
		sessions: make(map[domain.PeerID]*sessionEntry),
	}
}

// BindSignal registers an accepted channel. client is the long-lived client
// token of the connection.
func (r *Registry) BindSignal(pid domain.PeerID, client string, conn core.SignalConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[pid] = &sessionEntry{Client: client, Conn: conn}
	log.Info().Str("module", "app.registry").Str("peer", string(pid)).Str("client", client).Msg("bound signal")
}

func (r *Registry) Unbind(pid domain.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, pid)
	log.Info().Str("module", "app.registry").Str("peer", string(pid)).Msg("unbind session")
}

// Signal returns the channel and client token of a bound peer.
func (r *Registry) Signal(pid domain.PeerID) (core.SignalConnection, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[pid]
	if !ok {
		return nil, "", false
	}
	return e.Conn, e.Client, true
}

func (r *Registry) RoomOf(pid domain.PeerID) (*Room, *Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[pid]
	if !ok || e.Peer == nil {
		return nil, nil, false
	}
	return e.Peer.room, e.Peer, true
}

// Join puts a bound peer into roomID, creating the room on first use, and
// returns the producers already in it.
func (r *Registry) Join(ctx context.Context, pid domain.PeerID, roomID domain.RoomID) (*Room, *Peer, []ProducerEntry, error) {
	r.mu.RLock()
	e, ok := r.sessions[pid]
	var conn core.SignalConnection
	if ok {
		conn = e.Conn
	}
	joined := ok && e.Peer != nil
	r.mu.RUnlock()
	if !ok {
		return nil, nil, nil, ErrUnknownPeer
	}
	if joined {
		return nil, nil, nil, ErrAlreadyJoined
	}

	for {
		room, err := r.Rooms.GetOrCreate(ctx, roomID)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%w %s: %w", ErrCannotJoin, roomID, err)
		}

		peer := newPeer(pid, conn, room)
		r.mu.Lock()
		e, ok := r.sessions[pid]
		switch {
		case !ok:
			err = ErrUnknownPeer
		case e.Peer != nil:
			err = ErrAlreadyJoined
		}
		if err != nil {
			r.mu.Unlock()
			r.Rooms.StopRoom(room)
			return nil, nil, nil, err
		}
		existing, added := room.addPeer(peer)
		if !added {
			// The room was stopped between lookup and insert.
			r.mu.Unlock()
			continue
		}
		e.Peer = peer
		r.mu.Unlock()

		log.Info().Str("module", "app.registry").Str("peer", string(pid)).Str("room", string(roomID)).Msg("joined room")
		return room, peer, existing, nil
	}
}

// Leave removes the peer from its room and stops the room when it was the
// last member. Owned media must already be released.
func (r *Registry) Leave(pid domain.PeerID) {
	r.mu.Lock()
	e, ok := r.sessions[pid]
	if !ok || e.Peer == nil {
		r.mu.Unlock()
		return
	}
	peer := e.Peer
	e.Peer = nil
	r.mu.Unlock()

	room := peer.room
	remaining := room.removePeer(pid)
	log.Info().Str("module", "app.registry").Str("peer", string(pid)).Str("room", string(room.id)).Int("remaining", remaining).Msg("left room")
	if remaining == 0 {
		r.Rooms.StopRoom(room)
	}
}

func (r *Registry) ListRooms() []core.RoomInfo {
	return r.Rooms.List()
}
