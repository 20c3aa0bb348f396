package core

import "github.com/dkeye/huddle/internal/domain"

// RoomInfo is a read-only view of a room for APIs.
type RoomInfo struct {
	ID            domain.RoomID `json:"id"`
	PeerCount     int           `json:"peer_count"`
	ProducerCount int           `json:"producer_count"`
}

type RoomLister interface {
	ListRooms() []RoomInfo
}
