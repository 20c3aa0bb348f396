package app

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/media"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// RoomManager owns the room map. Rooms are created lazily and each creation
// of a given id runs at most once at a time.
type RoomManager struct {
	engine media.Engine
	codecs []media.RtpCodecCapability
	policy Policy

	creating singleflight.Group

	mu    sync.RWMutex
	rooms map[domain.RoomID]*Room
}

func NewRoomManager(engine media.Engine, codecs []media.RtpCodecCapability, policy Policy) *RoomManager {
	return &RoomManager{
		engine: engine,
		codecs: codecs,
		policy: policy,
		rooms:  make(map[domain.RoomID]*Room),
	}
}

func (m *RoomManager) GetRoom(id domain.RoomID) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	return r, ok
}

// GetOrCreate returns the live room for id, creating its router if needed.
// A failed creation registers nothing. Concurrent callers share one creation
// that outlives any single caller's ctx; each caller stops waiting when its
// own ctx ends.
func (m *RoomManager) GetOrCreate(ctx context.Context, id domain.RoomID) (*Room, error) {
	if r, ok := m.GetRoom(id); ok {
		return r, nil
	}
	flight := context.WithoutCancel(ctx)
	ch := m.creating.DoChan(string(id), func() (any, error) {
		if r, ok := m.GetRoom(id); ok {
			return r, nil
		}
		router, err := m.engine.CreateRouter(flight, m.codecs)
		if err != nil {
			return nil, err
		}
		room := newRoom(id, router, m.policy)
		m.mu.Lock()
		m.rooms[id] = room
		m.mu.Unlock()
		log.Info().Str("module", "app.rooms").Str("room", string(id)).Str("router", router.ID()).Msg("room created")
		return room, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Room), nil
	case <-ctx.Done():
		// A room nobody ends up joining is not kept.
		go func() {
			if res := <-ch; res.Err == nil {
				m.StopRoom(res.Val.(*Room))
			}
		}()
		return nil, ctx.Err()
	}
}

// StopRoom removes an empty room and closes its router. A room that gained
// a peer in the meantime is kept.
func (m *RoomManager) StopRoom(room *Room) bool {
	m.mu.Lock()
	room.mu.Lock()
	if len(room.peers) > 0 || room.closed {
		room.mu.Unlock()
		m.mu.Unlock()
		return false
	}
	room.closed = true
	if m.rooms[room.id] == room {
		delete(m.rooms, room.id)
	}
	room.mu.Unlock()
	m.mu.Unlock()

	room.router.Close()
	log.Info().Str("module", "app.rooms").Str("room", string(room.id)).Msg("room destroyed")
	return true
}

func (m *RoomManager) List() []core.RoomInfo {
	m.mu.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.RUnlock()

	out := make([]core.RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.Info())
	}
	slices.SortFunc(out, func(a, b core.RoomInfo) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Close stops every room regardless of membership.
func (m *RoomManager) Close() {
	m.mu.Lock()
	rooms := m.rooms
	m.rooms = make(map[domain.RoomID]*Room)
	m.mu.Unlock()
	for _, r := range rooms {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		r.router.Close()
	}
}
