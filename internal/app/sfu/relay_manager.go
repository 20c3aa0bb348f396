package sfu

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// RelayManager indexes relays by producer id for one routing context.
type RelayManager struct {
	mu     sync.RWMutex
	relays map[string]*Relay
}

func NewRelayManager() *RelayManager {
	return &RelayManager{
		relays: make(map[string]*Relay),
	}
}

// Add registers a relay for producerID, stopping any relay it replaces.
func (m *RelayManager) Add(producerID string, relay *Relay) {
	m.mu.Lock()
	old, ok := m.relays[producerID]
	m.relays[producerID] = relay
	m.mu.Unlock()
	if ok {
		log.Info().Str("module", "relay").Str("producer", producerID).Msg("replacing existing relay for producer")
		old.Stop()
	}
}

// AddSubscriber attaches an OutTrack to the relay of producerID for consumerID.
func (m *RelayManager) AddSubscriber(producerID, consumerID string, ot *OutTrack) bool {
	m.mu.RLock()
	relay, ok := m.relays[producerID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	relay.AddOutTrack(consumerID, ot)
	return true
}

// MarkSubscriberDelete marks the consumer's OutTrack as TrackStateDelete.
func (m *RelayManager) MarkSubscriberDelete(producerID, consumerID string) {
	m.mu.RLock()
	relay, ok := m.relays[producerID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	relay.RemoveOutTrack(consumerID)
}

// StopRelay stops a relay and removes it from the manager.
func (m *RelayManager) StopRelay(producerID string) {
	m.mu.Lock()
	relay, ok := m.relays[producerID]
	if ok {
		delete(m.relays, producerID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	relay.Stop()
}

// StopAll stops every relay.
func (m *RelayManager) StopAll() {
	m.mu.Lock()
	relays := m.relays
	m.relays = make(map[string]*Relay)
	m.mu.Unlock()
	for _, r := range relays {
		r.Stop()
	}
}

// HasRelay reports whether a relay exists for producerID.
func (m *RelayManager) HasRelay(producerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.relays[producerID]
	return ok
}

func (m *RelayManager) Relay(producerID string) (*Relay, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.relays[producerID]
	return r, ok
}
