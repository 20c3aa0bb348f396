// Package protocol is the signaling wire schema: request types, response and
// broadcast envelopes, and the payload of every operation.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMalformed = errors.New("malformed message")

type RequestType string

const (
	JoinRoom              RequestType = "join-room"
	GetRtpCapabilities    RequestType = "getRtpCapabilities"
	CreateWebRtcTransport RequestType = "createWebRtcTransport"
	TransportConnect      RequestType = "transport-connect"
	TransportRecvConnect  RequestType = "transport-recv-connect"
	TransportProduce      RequestType = "transport-produce"
	Consume               RequestType = "consume"
	ConsumerResume        RequestType = "consumer-resume"
	ProducerPause         RequestType = "producer-pause"
	ProducerResume        RequestType = "producer-resume"
	ProducerClose         RequestType = "producer-close"
	Ping                  RequestType = "ping"
)

var requestTypes = map[RequestType]struct{}{
	JoinRoom: {}, GetRtpCapabilities: {}, CreateWebRtcTransport: {},
	TransportConnect: {}, TransportRecvConnect: {}, TransportProduce: {},
	Consume: {}, ConsumerResume: {}, ProducerPause: {}, ProducerResume: {},
	ProducerClose: {}, Ping: {},
}

// Known reports whether t is part of the schema.
func (t RequestType) Known() bool {
	_, ok := requestTypes[t]
	return ok
}

type EventType string

const (
	EventConnectionSuccess EventType = "connection-success"
	EventExistingProducers EventType = "existing-producers"
	EventNewProducer       EventType = "new-producer"
	EventProducerClosed    EventType = "producer-closed"
	EventProducerPause     EventType = "producer-pause"
	EventProducerResumed   EventType = "producer-resumed"
)

// Request is a peer to server message.
type Request struct {
	Type      RequestType     `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Response answers exactly one Request.
type Response struct {
	RequestID string `json:"requestId"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Broadcast is an uncorrelated server to peer event.
type Broadcast struct {
	Type   EventType `json:"type"`
	RoomID string    `json:"roomId,omitempty"`
	Data   any       `json:"data"`
}

// Message is the decoding shape of any server to peer frame.
type Message struct {
	Type      string          `json:"type,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	RoomID    string          `json:"roomId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// DecodeRequest parses a raw frame and rejects types outside the schema.
func DecodeRequest(frame []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(frame, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if req.Type == "" {
		return req, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return req, nil
}

// Decode unmarshals a payload. An empty payload leaves the zero value.
func Decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 || string(raw) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return v, nil
}
