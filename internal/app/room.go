package app

import (
	"maps"
	"slices"
	"sync"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/media"
	"github.com/rs/zerolog/log"
)

// ProducerEntry is one row of the room producer directory.
type ProducerEntry struct {
	ID    string
	Kind  domain.Kind
	Owner domain.PeerID
}

type roomProducer struct {
	producer media.Producer
	owner    domain.PeerID
}

// Room groups the peers sharing one router. Its producer directory holds a
// producer exactly while the producer is open and its owner is a member.
type Room struct {
	id     domain.RoomID
	router media.Router
	policy Policy

	mu        sync.RWMutex
	closed    bool
	peers     map[domain.PeerID]*Peer
	producers map[string]roomProducer
}

func newRoom(id domain.RoomID, router media.Router, policy Policy) *Room {
	return &Room{
		id:        id,
		router:    router,
		policy:    policy,
		peers:     make(map[domain.PeerID]*Peer),
		producers: make(map[string]roomProducer),
	}
}

func (r *Room) ID() domain.RoomID     { return r.id }
func (r *Room) Router() media.Router { return r.router }

func (r *Room) PeerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func (r *Room) ProducerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.producers)
}

func (r *Room) Peer(id domain.PeerID) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

func (r *Room) HasProducer(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.producers[id]
	return ok
}

// Producers returns the directory ordered by producer id.
func (r *Room) Producers() []ProducerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.producersLocked()
}

func (r *Room) producersLocked() []ProducerEntry {
	out := make([]ProducerEntry, 0, len(r.producers))
	for _, id := range slices.Sorted(maps.Keys(r.producers)) {
		rp := r.producers[id]
		out = append(out, ProducerEntry{ID: id, Kind: rp.producer.Kind(), Owner: rp.owner})
	}
	return out
}

func (r *Room) Info() core.RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return core.RoomInfo{ID: r.id, PeerCount: len(r.peers), ProducerCount: len(r.producers)}
}

// addPeer fails once the room has been stopped.
func (r *Room) addPeer(p *Peer) ([]ProducerEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false
	}
	r.peers[p.id] = p
	return r.producersLocked(), true
}

func (r *Room) removePeer(id domain.PeerID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
	return len(r.peers)
}

// AddProducer records prod in the owner's map and the directory. It fails
// when the owner is no longer a member.
func (r *Room) AddProducer(owner *Peer, prod media.Producer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.peers[owner.id] != owner {
		return false
	}
	owner.mu.Lock()
	owner.producers[prod.ID()] = prod
	owner.mu.Unlock()
	r.producers[prod.ID()] = roomProducer{producer: prod, owner: owner.id}
	return true
}

// TakeProducer removes a producer from both maps. Only the first caller for a
// given id gets ok.
func (r *Room) TakeProducer(owner *Peer, id string) (media.Producer, bool) {
	r.mu.Lock()
	owner.mu.Lock()
	prod, ok := owner.producers[id]
	if ok {
		delete(owner.producers, id)
		delete(r.producers, id)
	}
	subs := owner.takeSubsLocked(id)
	owner.mu.Unlock()
	r.mu.Unlock()
	release(subs)
	return prod, ok
}

// Broadcast queues f on every member except one. Peers whose channel refuses
// the frame are handed to the policy. It returns the number of peers reached.
func (r *Room) Broadcast(except domain.PeerID, f core.Frame) int {
	r.mu.RLock()
	targets := make([]*Peer, 0, len(r.peers))
	for id, p := range r.peers {
		if id != except {
			targets = append(targets, p)
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, p := range targets {
		if err := p.conn.TrySend(f); err != nil {
			r.onDropped(p, err)
			continue
		}
		sent++
	}
	return sent
}

func (r *Room) onDropped(p *Peer, err error) {
	if r.policy == nil {
		return
	}
	switch r.policy.OnBackPressure(r, p) {
	case KickMember:
		log.Warn().Err(err).Str("module", "app.room").Str("room", string(r.id)).Str("peer", string(p.id)).Msg("kicking slow peer")
		p.conn.Close()
	case DropFrame, NoAction:
	}
}
