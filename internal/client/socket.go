// Package client is the peer side of the signaling protocol: a correlating
// request/response socket and the negotiation state machine that consumes
// every producer the server announces.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/huddle/internal/protocol"
	"github.com/dkeye/huddle/internal/pubsub"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrChannelClosed = errors.New("client: signaling channel closed")
	ErrTimeout       = errors.New("client: request timed out")
)

// DefaultTimeout bounds the wait for one response.
const DefaultTimeout = 5 * time.Second

const writeWait = 5 * time.Second

// EngineError is a server-side failure reported in the response error field.
type EngineError struct {
	Type    protocol.RequestType
	Message string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Event is an uncorrelated server message.
type Event struct {
	Type   protocol.EventType
	RoomID string
	Data   json.RawMessage
}

// Conn is what the negotiator needs from a signaling channel.
type Conn interface {
	Request(ctx context.Context, typ protocol.RequestType, payload any) (json.RawMessage, error)
	OnEvent(typ protocol.EventType, fn func(Event)) pubsub.Cancel
}

type Option func(*Socket)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Socket) { s.timeout = d }
}

// WithHeader sets headers of the upgrade request, e.g. a session cookie.
func WithHeader(h http.Header) Option {
	return func(s *Socket) { s.header = h }
}

// Socket correlates requests with responses over one WebSocket and routes
// everything else to event subscribers.
type Socket struct {
	url     string
	timeout time.Duration
	header  http.Header

	mu      sync.Mutex
	conn    *websocket.Conn
	err     error
	pending map[string]chan protocol.Message
	topics  map[protocol.EventType]*pubsub.Topic[Event]

	writeMu sync.Mutex
	opened  chan struct{}
	closed  chan struct{}
	once    sync.Once
}

var _ Conn = (*Socket)(nil)

// Dial starts connecting and returns at once. Requests issued while the
// socket is still connecting wait for it to open.
func Dial(ctx context.Context, url string, opts ...Option) *Socket {
	s := &Socket{
		url:     url,
		timeout: DefaultTimeout,
		pending: make(map[string]chan protocol.Message),
		topics:  make(map[protocol.EventType]*pubsub.Topic[Event]),
		opened:  make(chan struct{}),
		closed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.connect(ctx)
	return s
}

func (s *Socket) connect(ctx context.Context) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		log.Warn().Err(err).Str("module", "client").Str("url", s.url).Msg("dial failed")
		s.shutdown(err)
		return
	}
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		_ = ws.Close()
		return
	}
	s.conn = ws
	s.mu.Unlock()
	close(s.opened)
	log.Debug().Str("module", "client").Str("url", s.url).Msg("socket open")
	s.readLoop(ws)
}

func (s *Socket) readLoop(ws *websocket.Conn) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			s.shutdown(err)
			return
		}
		var m protocol.Message
		if err := json.Unmarshal(raw, &m); err != nil {
			log.Warn().Err(err).Str("module", "client").Msg("undecodable message dropped")
			continue
		}
		s.route(m)
	}
}

// route hands a response to its waiting request, or an event to the
// subscribers of its type. Request ids are single use.
func (s *Socket) route(m protocol.Message) {
	if m.RequestID != "" {
		s.mu.Lock()
		ch, ok := s.pending[m.RequestID]
		delete(s.pending, m.RequestID)
		s.mu.Unlock()
		if ok {
			ch <- m
			return
		}
	}
	if m.Type == "" {
		log.Warn().Str("module", "client").Str("request_id", m.RequestID).Msg("unmatched message dropped")
		return
	}
	s.mu.Lock()
	topic := s.topics[protocol.EventType(m.Type)]
	s.mu.Unlock()
	if topic == nil || topic.Publish(Event{Type: protocol.EventType(m.Type), RoomID: m.RoomID, Data: m.Data}) == 0 {
		log.Debug().Str("module", "client").Str("type", m.Type).Msg("event without subscribers")
	}
}

// OnEvent subscribes fn to events of typ. Handlers of one type run in
// registration order on the read goroutine and must not block on Request.
func (s *Socket) OnEvent(typ protocol.EventType, fn func(Event)) pubsub.Cancel {
	s.mu.Lock()
	topic, ok := s.topics[typ]
	if !ok {
		topic = &pubsub.Topic[Event]{}
		s.topics[typ] = topic
	}
	s.mu.Unlock()
	return topic.Subscribe(fn)
}

func (s *Socket) channelErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil && !errors.Is(s.err, ErrChannelClosed) {
		return fmt.Errorf("%w: %w", ErrChannelClosed, s.err)
	}
	return ErrChannelClosed
}

// Request sends typ with payload and waits for the matching response.
func (s *Socket) Request(ctx context.Context, typ protocol.RequestType, payload any) (json.RawMessage, error) {
	select {
	case <-s.closed:
		return nil, s.channelErr()
	default:
	}
	select {
	case <-s.opened:
	case <-s.closed:
		return nil, s.channelErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: encode payload: %w", typ, err)
	}
	id := uuid.NewString()
	ch := make(chan protocol.Message, 1)

	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return nil, s.channelErr()
	}
	s.pending[id] = ch
	conn := s.conn
	s.mu.Unlock()

	if err := s.write(conn, protocol.Request{Type: typ, RequestID: id, Data: data}); err != nil {
		s.forget(id)
		return nil, fmt.Errorf("%w: %w", ErrChannelClosed, err)
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case m := <-ch:
		if m.Error != "" {
			return nil, &EngineError{Type: typ, Message: m.Error}
		}
		return m.Data, nil
	case <-timer.C:
		s.forget(id)
		return nil, fmt.Errorf("%s: %w", typ, ErrTimeout)
	case <-s.closed:
		s.forget(id)
		return nil, s.channelErr()
	case <-ctx.Done():
		s.forget(id)
		return nil, ctx.Err()
	}
}

func (s *Socket) write(conn *websocket.Conn, req protocol.Request) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(req)
}

func (s *Socket) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
}

// Pending reports how many requests wait for a response.
func (s *Socket) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Socket) shutdown(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		conn := s.conn
		s.pending = make(map[string]chan protocol.Message)
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		close(s.closed)
	})
}

// Done is closed once the socket is closed or failed to open.
func (s *Socket) Done() <-chan struct{} { return s.closed }

// Close closes the channel. Waiting requests fail with ErrChannelClosed.
func (s *Socket) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		s.writeMu.Unlock()
	}
	s.shutdown(ErrChannelClosed)
	return nil
}

// Call sends a request and decodes its response into T. A policy rejection
// in the payload is returned as a *protocol.Rejection error.
func Call[T any](ctx context.Context, c Conn, typ protocol.RequestType, payload any) (T, error) {
	var zero T
	raw, err := c.Request(ctx, typ, payload)
	if err != nil {
		return zero, err
	}
	if rej, ok := protocol.AsRejection(raw); ok {
		return zero, rej
	}
	v, err := protocol.Decode[T](raw)
	if err != nil {
		return zero, fmt.Errorf("%s: %w", typ, err)
	}
	return v, nil
}
