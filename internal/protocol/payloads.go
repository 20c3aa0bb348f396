package protocol

import (
	"fmt"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/media"
)

// Empty is the success payload of operations that return nothing.
type Empty struct{}

type ConnectionSuccess struct {
	Message string        `json:"message"`
	PeerID  domain.PeerID `json:"peerId"`
}

type JoinRoomRequest struct {
	RoomID string `json:"roomId"`
}

func (r JoinRoomRequest) Validate() error {
	if r.RoomID == "" {
		return fmt.Errorf("%w: roomId is required", ErrMalformed)
	}
	return nil
}

type JoinRoomResponse struct {
	Message     string         `json:"message"`
	UsersInRoom int            `json:"usersInRoom"`
	PeerID      domain.PeerID  `json:"peerId"`
	Producers   []ProducerInfo `json:"producers"`
}

// ProducerInfo announces a producer: the existing-producers list items and
// the new-producer payload.
type ProducerInfo struct {
	ProducerID string      `json:"producerId"`
	Kind       domain.Kind `json:"kind"`
}

type CreateTransportRequest struct {
	Sender bool `json:"sender"`
}

type TransportInfo struct {
	ID             string               `json:"id"`
	IceParameters  media.IceParameters  `json:"iceParameters"`
	IceCandidates  []media.IceCandidate `json:"iceCandidates"`
	DtlsParameters media.DtlsParameters `json:"dtlsParameters"`
}

type ConnectTransportRequest struct {
	DtlsParameters media.DtlsParameters `json:"dtlsParameters"`
	IceParameters  *media.IceParameters `json:"iceParameters,omitempty"`
	IceCandidates  []media.IceCandidate `json:"iceCandidates,omitempty"`
}

func (r ConnectTransportRequest) Validate() error {
	if len(r.DtlsParameters.Fingerprints) == 0 {
		return fmt.Errorf("%w: dtlsParameters.fingerprints is required", ErrMalformed)
	}
	return nil
}

func (r ConnectTransportRequest) Params() media.ConnectParams {
	return media.ConnectParams{
		DtlsParameters: r.DtlsParameters,
		IceParameters:  r.IceParameters,
		IceCandidates:  r.IceCandidates,
	}
}

type ProduceRequest struct {
	Kind          string              `json:"kind"`
	RtpParameters media.RtpParameters `json:"rtpParameters"`
	AppData       map[string]any      `json:"appData,omitempty"`
}

type ProduceResponse struct {
	ID string `json:"id"`
}

type ConsumeRequest struct {
	RtpCapabilities media.RtpCapabilities `json:"rtpCapabilities"`
	ProducerID      string                `json:"producerId"`
}

func (r ConsumeRequest) Validate() error {
	if r.ProducerID == "" {
		return fmt.Errorf("%w: producerId is required", ErrMalformed)
	}
	return nil
}

type ConsumeResponse struct {
	ID            string              `json:"id"`
	ProducerID    string              `json:"producerId"`
	Kind          domain.Kind         `json:"kind"`
	RtpParameters media.RtpParameters `json:"rtpParameters"`
	Paused        bool                `json:"paused"`
}

type ConsumerResumeRequest struct {
	ConsumerID string `json:"consumerId"`
}

// ProducerRequest targets one of the caller's producers.
type ProducerRequest struct {
	ProducerID string `json:"producerId"`
}

// ProducerEvent is the payload of producer-closed, producer-pause and
// producer-resumed.
type ProducerEvent struct {
	ProducerID string `json:"producerId"`
}
