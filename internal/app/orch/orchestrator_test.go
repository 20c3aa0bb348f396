package orch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/dkeye/huddle/internal/adapters/memengine"
	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/media"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
	closed bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("closed")
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) messages(t *testing.T) []protocol.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Message, 0, len(c.frames))
	for _, f := range c.frames {
		var m protocol.Message
		require.NoError(t, json.Unmarshal(f, &m))
		out = append(out, m)
	}
	return out
}

type harness struct {
	t      *testing.T
	o      *Orchestrator
	engine *memengine.Engine
	conns  map[domain.PeerID]*fakeConn
	seq    int
}

func newHarness(t *testing.T) *harness {
	engine := memengine.New()
	rooms := app.NewRoomManager(engine, media.DefaultCodecs(), app.SimplePolicy{})
	return &harness{
		t:      t,
		engine: engine,
		conns:  make(map[domain.PeerID]*fakeConn),
		o: &Orchestrator{
			Registry:  app.NewRegistry(rooms),
			Transport: media.TransportOptions{ListenIP: "127.0.0.1", EnableUDP: true, EnableTCP: true, PreferUDP: true},
		},
	}
}

func (h *harness) connect(pid domain.PeerID) *fakeConn {
	c := &fakeConn{}
	h.conns[pid] = c
	h.o.Connect(pid, "client-"+string(pid), c)
	return c
}

// request dispatches typ and returns its response.
func (h *harness) request(pid domain.PeerID, typ protocol.RequestType, data any) protocol.Message {
	h.t.Helper()
	h.seq++
	id := fmt.Sprintf("r%d", h.seq)
	raw, err := json.Marshal(data)
	require.NoError(h.t, err)
	h.o.Dispatch(context.Background(), pid, protocol.Request{Type: typ, RequestID: id, Data: raw})

	for _, m := range h.conns[pid].messages(h.t) {
		if m.RequestID == id {
			return m
		}
	}
	h.t.Fatalf("no response to %s %s", typ, id)
	return protocol.Message{}
}

func (h *harness) events(pid domain.PeerID, typ protocol.EventType) []protocol.Message {
	var out []protocol.Message
	for _, m := range h.conns[pid].messages(h.t) {
		if m.RequestID == "" && m.Type == string(typ) {
			out = append(out, m)
		}
	}
	return out
}

func (h *harness) join(pid domain.PeerID, room string) protocol.JoinRoomResponse {
	h.t.Helper()
	h.connect(pid)
	resp := h.request(pid, protocol.JoinRoom, protocol.JoinRoomRequest{RoomID: room})
	require.Empty(h.t, resp.Error)
	return decode[protocol.JoinRoomResponse](h.t, resp)
}

func (h *harness) transport(pid domain.PeerID, sender bool) protocol.TransportInfo {
	h.t.Helper()
	resp := h.request(pid, protocol.CreateWebRtcTransport, protocol.CreateTransportRequest{Sender: sender})
	require.Empty(h.t, resp.Error)
	return decode[protocol.TransportInfo](h.t, resp)
}

func (h *harness) produceVideo(pid domain.PeerID) string {
	h.t.Helper()
	h.transport(pid, true)
	resp := h.request(pid, protocol.TransportConnect, connectParams())
	require.Empty(h.t, resp.Error)
	resp = h.request(pid, protocol.TransportProduce, protocol.ProduceRequest{Kind: "video", RtpParameters: videoParams()})
	require.Empty(h.t, resp.Error)
	return decode[protocol.ProduceResponse](h.t, resp).ID
}

func (h *harness) memTransport(pid domain.PeerID, sender bool) *memengine.Transport {
	h.t.Helper()
	_, peer, ok := h.o.Registry.RoomOf(pid)
	require.True(h.t, ok)
	t, ok := peer.Transport(sender)
	require.True(h.t, ok)
	return t.(*memengine.Transport)
}

func decode[T any](t *testing.T, m protocol.Message) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(m.Data, &v))
	return v
}

func rejection(t *testing.T, m protocol.Message) protocol.RejectionCode {
	t.Helper()
	require.Empty(t, m.Error)
	r, ok := protocol.AsRejection(m.Data)
	require.True(t, ok, "expected a rejection, got %s", m.Data)
	return r.Code
}

func connectParams() protocol.ConnectTransportRequest {
	return protocol.ConnectTransportRequest{
		DtlsParameters: media.DtlsParameters{
			Role:         "client",
			Fingerprints: []media.DtlsFingerprint{{Algorithm: "sha-256", Value: "AB:CD"}},
		},
	}
}

func videoParams() media.RtpParameters {
	return media.RtpParameters{
		Codecs:    []media.RtpCodecParameters{{MimeType: media.MimeTypeVP8, PayloadType: 96, ClockRate: 90000}},
		Encodings: []media.RtpEncodingParameters{{SSRC: 2222}},
		Rtcp:      &media.RtcpParameters{CNAME: "cam"},
	}
}

func deviceCaps() media.RtpCapabilities {
	caps, _ := media.RouterCapabilities(media.DefaultCodecs())
	return caps
}

func TestConnectGreetsPeer(t *testing.T) {
	h := newHarness(t)
	h.connect("a")

	events := h.events("a", protocol.EventConnectionSuccess)
	require.Len(t, events, 1)
	assert.Equal(t, domain.PeerID("a"), decode[protocol.ConnectionSuccess](t, events[0]).PeerID)
}

func TestDemoRoomScenario(t *testing.T) {
	h := newHarness(t)

	joined := h.join("a", "demo")
	assert.Equal(t, 1, joined.UsersInRoom)
	existing := h.events("a", protocol.EventExistingProducers)
	require.Len(t, existing, 1)
	assert.Equal(t, "demo", existing[0].RoomID)
	assert.Empty(t, decode[[]protocol.ProducerInfo](t, existing[0]))

	caps := decode[media.RtpCapabilities](t, h.request("a", protocol.GetRtpCapabilities, nil))
	assert.NotEmpty(t, caps.Codecs)

	producerID := h.produceVideo("a")
	require.NotEmpty(t, producerID)

	joined = h.join("b", "demo")
	assert.Equal(t, 2, joined.UsersInRoom)
	existing = h.events("b", protocol.EventExistingProducers)
	require.Len(t, existing, 1)
	assert.Equal(t, []protocol.ProducerInfo{{ProducerID: producerID, Kind: domain.KindVideo}},
		decode[[]protocol.ProducerInfo](t, existing[0]))

	h.transport("b", false)
	consumed := h.request("b", protocol.Consume, protocol.ConsumeRequest{RtpCapabilities: caps, ProducerID: producerID})
	require.Empty(t, consumed.Error)
	consumer := decode[protocol.ConsumeResponse](t, consumed)
	assert.True(t, consumer.Paused)
	assert.Equal(t, producerID, consumer.ProducerID)
	assert.Equal(t, domain.KindVideo, consumer.Kind)

	resumed := h.request("b", protocol.ConsumerResume, protocol.ConsumerResumeRequest{ConsumerID: consumer.ID})
	assert.Empty(t, resumed.Error)
	assert.JSONEq(t, `{}`, string(resumed.Data))

	h.o.Disconnect("a")
	closed := h.events("b", protocol.EventProducerClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, producerID, decode[protocol.ProducerEvent](t, closed[0]).ProducerID)
	_, ok := h.o.Registry.Rooms.GetRoom("demo")
	assert.True(t, ok)
	_, b, _ := h.o.Registry.RoomOf("b")
	assert.Zero(t, b.ConsumerCount())

	h.o.Disconnect("b")
	_, ok = h.o.Registry.Rooms.GetRoom("demo")
	assert.False(t, ok)
}

func TestNewProducerSkipsOwner(t *testing.T) {
	h := newHarness(t)
	h.join("a", "demo")
	h.join("b", "demo")
	h.join("c", "demo")

	id := h.produceVideo("a")

	assert.Empty(t, h.events("a", protocol.EventNewProducer))
	for _, pid := range []domain.PeerID{"b", "c"} {
		events := h.events(pid, protocol.EventNewProducer)
		require.Len(t, events, 1)
		assert.Equal(t, protocol.ProducerInfo{ProducerID: id, Kind: domain.KindVideo}, decode[protocol.ProducerInfo](t, events[0]))
	}
}

func TestDirectoryMatchesPeerProducers(t *testing.T) {
	h := newHarness(t)
	h.join("a", "demo")
	h.join("b", "demo")
	a1 := h.produceVideo("a")
	resp := h.request("a", protocol.TransportProduce, protocol.ProduceRequest{Kind: "video", RtpParameters: videoParams()})
	a2 := decode[protocol.ProduceResponse](t, resp).ID
	b1 := h.produceVideo("b")

	h.request("a", protocol.ProducerClose, protocol.ProducerRequest{ProducerID: a1})

	room, _ := h.o.Registry.Rooms.GetRoom("demo")
	owners := map[string]domain.PeerID{}
	for _, e := range room.Producers() {
		owners[e.ID] = e.Owner
	}
	assert.Equal(t, map[string]domain.PeerID{a2: "a", b1: "b"}, owners)

	_, a, _ := h.o.Registry.RoomOf("a")
	_, b, _ := h.o.Registry.RoomOf("b")
	assert.Equal(t, []string{a2}, a.ProducerIDs())
	assert.Equal(t, []string{b1}, b.ProducerIDs())

	closed := h.events("b", protocol.EventProducerClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, a1, decode[protocol.ProducerEvent](t, closed[0]).ProducerID)
	assert.Empty(t, h.events("a", protocol.EventProducerClosed))
}

func TestTransportCloseAnnouncesProducerOnce(t *testing.T) {
	h := newHarness(t)
	h.join("a", "demo")
	h.join("b", "demo")
	id := h.produceVideo("a")

	send := h.memTransport("a", true)
	send.SetDtlsState(media.DtlsClosed)
	assert.True(t, send.Closed())

	room, _ := h.o.Registry.Rooms.GetRoom("demo")
	assert.False(t, room.HasProducer(id))

	h.o.Disconnect("a")
	assert.Len(t, h.events("b", protocol.EventProducerClosed), 1)
}

func TestCreateTransportSlotRules(t *testing.T) {
	h := newHarness(t)
	h.join("a", "demo")

	first := h.transport("a", true)
	assert.NotEmpty(t, first.IceCandidates)
	assert.NotEmpty(t, first.DtlsParameters.Fingerprints)

	again := h.request("a", protocol.CreateWebRtcTransport, protocol.CreateTransportRequest{Sender: true})
	assert.Equal(t, protocol.CodeTransportExists, rejection(t, again))

	h.transport("a", false)

	h.memTransport("a", true).SetDtlsState(media.DtlsClosed)
	second := h.transport("a", true)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestConnectRequiresTransport(t *testing.T) {
	h := newHarness(t)
	h.join("a", "demo")

	resp := h.request("a", protocol.TransportRecvConnect, connectParams())
	assert.Equal(t, protocol.CodeNoTransport, rejection(t, resp))

	h.transport("a", false)
	resp = h.request("a", protocol.TransportRecvConnect, connectParams())
	require.Empty(t, resp.Error)
	assert.Equal(t, media.DtlsConnected, h.memTransport("a", false).DtlsState())

	resp = h.request("a", protocol.TransportRecvConnect, connectParams())
	assert.Equal(t, media.ErrAlreadyConnected.Error(), resp.Error)

	h.transport("a", true)
	h.memTransport("a", true).SetDtlsState(media.DtlsClosed)
	resp = h.request("a", protocol.TransportConnect, connectParams())
	assert.Equal(t, protocol.CodeNoTransport, rejection(t, resp), "closed sender slot is empty")
	resp = h.request("a", protocol.TransportProduce, protocol.ProduceRequest{Kind: "video", RtpParameters: videoParams()})
	assert.Equal(t, protocol.CodeNoTransport, rejection(t, resp))

	h.memTransport("a", false).SetDtlsState(media.DtlsClosed)
	resp = h.request("a", protocol.TransportRecvConnect, connectParams())
	assert.Equal(t, protocol.CodeNoTransport, rejection(t, resp), "closed receiver slot is empty")
}

func TestConsumeRejections(t *testing.T) {
	h := newHarness(t)
	h.join("a", "demo")
	h.join("b", "demo")
	caps := deviceCaps()

	resp := h.request("b", protocol.Consume, protocol.ConsumeRequest{RtpCapabilities: caps, ProducerID: "x"})
	assert.Equal(t, protocol.CodeNoTransport, rejection(t, resp))

	h.transport("b", false)
	resp = h.request("b", protocol.Consume, protocol.ConsumeRequest{RtpCapabilities: caps, ProducerID: "x"})
	assert.Equal(t, protocol.CodeNothingToConsume, rejection(t, resp))

	id := h.produceVideo("a")
	resp = h.request("b", protocol.Consume, protocol.ConsumeRequest{RtpCapabilities: caps, ProducerID: "x"})
	assert.Equal(t, protocol.CodeCannotConsume, rejection(t, resp))

	audioOnly := media.RtpCapabilities{Codecs: caps.Codecs[:1]}
	resp = h.request("b", protocol.Consume, protocol.ConsumeRequest{RtpCapabilities: audioOnly, ProducerID: id})
	assert.Equal(t, protocol.CodeCannotConsume, rejection(t, resp))

	h.memTransport("b", false).SetDtlsState(media.DtlsClosed)
	resp = h.request("b", protocol.Consume, protocol.ConsumeRequest{RtpCapabilities: caps, ProducerID: id})
	assert.Equal(t, protocol.CodeNoTransport, rejection(t, resp), "closed receiver slot is empty")

	_, b, _ := h.o.Registry.RoomOf("b")
	assert.Zero(t, b.ConsumerCount())
}

func TestConsumerResumeUnknownIsNoop(t *testing.T) {
	h := newHarness(t)
	h.join("a", "demo")
	h.join("b", "demo")
	id := h.produceVideo("a")
	h.transport("b", false)
	consumer := decode[protocol.ConsumeResponse](t,
		h.request("b", protocol.Consume, protocol.ConsumeRequest{RtpCapabilities: deviceCaps(), ProducerID: id}))

	resp := h.request("a", protocol.ConsumerResume, protocol.ConsumerResumeRequest{ConsumerID: consumer.ID})
	assert.Empty(t, resp.Error)
	assert.JSONEq(t, `{}`, string(resp.Data))

	_, b, _ := h.o.Registry.RoomOf("b")
	c, ok := b.Consumer(consumer.ID)
	require.True(t, ok)
	assert.True(t, c.Paused(), "another peer's consumer must stay paused")
}

func TestProducerPauseResume(t *testing.T) {
	h := newHarness(t)
	h.join("a", "demo")
	h.join("b", "demo")
	id := h.produceVideo("a")

	resp := h.request("a", protocol.ProducerPause, protocol.ProducerRequest{ProducerID: id})
	assert.JSONEq(t, `{}`, string(resp.Data))
	_, a, _ := h.o.Registry.RoomOf("a")
	prod, _ := a.Producer(id)
	assert.True(t, prod.Paused())

	resp = h.request("a", protocol.ProducerResume, protocol.ProducerRequest{ProducerID: id})
	assert.JSONEq(t, `{}`, string(resp.Data))
	assert.False(t, prod.Paused())

	resp = h.request("a", protocol.ProducerPause, protocol.ProducerRequest{ProducerID: "missing"})
	assert.JSONEq(t, `{}`, string(resp.Data))

	require.Len(t, h.events("b", protocol.EventProducerPause), 1)
	require.Len(t, h.events("b", protocol.EventProducerResumed), 1)
	assert.Empty(t, h.events("a", protocol.EventProducerPause))
}

func TestRequestsBeforeJoin(t *testing.T) {
	h := newHarness(t)
	h.connect("a")

	resp := h.request("a", protocol.GetRtpCapabilities, nil)
	assert.Equal(t, protocol.CodeNotJoined, rejection(t, resp))

	resp = h.request("a", protocol.Ping, nil)
	assert.JSONEq(t, `{}`, string(resp.Data))
}

func TestJoinRejections(t *testing.T) {
	h := newHarness(t)
	h.join("a", "demo")

	resp := h.request("a", protocol.JoinRoom, protocol.JoinRoomRequest{RoomID: "other"})
	assert.Equal(t, protocol.CodeAlreadyJoined, rejection(t, resp))

	h.connect("b")
	h.engine.FailRouters(fmt.Errorf("worker died"))
	resp = h.request("b", protocol.JoinRoom, protocol.JoinRoomRequest{RoomID: "fresh"})
	assert.Equal(t, protocol.CodeCannotJoin, rejection(t, resp))
	_, ok := h.o.Registry.Rooms.GetRoom("fresh")
	assert.False(t, ok)

	resp = h.request("b", protocol.JoinRoom, protocol.JoinRoomRequest{})
	assert.Equal(t, protocol.CodeMalformed, rejection(t, resp))
}

type denyAll struct{ calls int }

func (d *denyAll) Allow(string) bool {
	d.calls++
	return false
}

func TestJoinRateLimited(t *testing.T) {
	h := newHarness(t)
	limiter := &denyAll{}
	h.o.Limiter = limiter
	h.connect("a")

	resp := h.request("a", protocol.JoinRoom, protocol.JoinRoomRequest{RoomID: "demo"})
	assert.Equal(t, protocol.CodeRateLimited, rejection(t, resp))
	assert.Equal(t, 1, limiter.calls)
}

type countingLimiter struct{ calls int }

func (l *countingLimiter) Allow(string) bool {
	l.calls++
	return true
}

func TestAlreadyJoinedIsNotCharged(t *testing.T) {
	h := newHarness(t)
	limiter := &countingLimiter{}
	h.o.Limiter = limiter
	h.join("a", "demo")

	resp := h.request("a", protocol.JoinRoom, protocol.JoinRoomRequest{RoomID: "demo"})
	assert.Equal(t, protocol.CodeAlreadyJoined, rejection(t, resp))
	resp = h.request("a", protocol.JoinRoom, protocol.JoinRoomRequest{RoomID: "other"})
	assert.Equal(t, protocol.CodeAlreadyJoined, rejection(t, resp))
	assert.Equal(t, 1, limiter.calls)
}

type panicky struct{}

func (panicky) Allow(string) bool { panic("boom") }

func TestHandlerPanicIsAnswered(t *testing.T) {
	h := newHarness(t)
	h.o.Limiter = panicky{}
	h.connect("a")
	h.connect("b")

	resp := h.request("a", protocol.JoinRoom, protocol.JoinRoomRequest{RoomID: "demo"})
	assert.Contains(t, resp.Error, "internal error")

	h.o.Limiter = nil
	resp = h.request("b", protocol.JoinRoom, protocol.JoinRoomRequest{RoomID: "demo"})
	assert.Empty(t, resp.Error)
}

func TestEngineErrorGoesToErrorField(t *testing.T) {
	h := newHarness(t)
	h.join("a", "demo")
	h.transport("a", true)

	resp := h.request("a", protocol.TransportProduce, protocol.ProduceRequest{Kind: "audio", RtpParameters: videoParams()})
	assert.Contains(t, resp.Error, media.ErrInvalidRtpParams.Error())
	assert.Empty(t, resp.Data)
	_, ok := protocol.AsRejection(resp.Data)
	assert.False(t, ok)
}

func TestUnknownTypeAndMissingRequestID(t *testing.T) {
	h := newHarness(t)
	c := h.connect("a")

	resp := h.request("a", protocol.RequestType("rename"), nil)
	assert.Equal(t, protocol.CodeMalformed, rejection(t, resp))

	before := len(c.messages(t))
	h.o.Dispatch(context.Background(), "a", protocol.Request{Type: protocol.Ping})
	assert.Len(t, c.messages(t), before)
}

func TestMalformedPayloadsAreRejected(t *testing.T) {
	h := newHarness(t)
	h.join("a", "demo")
	h.transport("a", true)
	h.transport("a", false)

	resp := h.request("a", protocol.TransportConnect, protocol.ConnectTransportRequest{})
	assert.Equal(t, protocol.CodeMalformed, rejection(t, resp))

	resp = h.request("a", protocol.TransportProduce, protocol.ProduceRequest{Kind: "screen", RtpParameters: videoParams()})
	assert.Equal(t, protocol.CodeMalformed, rejection(t, resp))

	resp = h.request("a", protocol.Consume, protocol.ConsumeRequest{RtpCapabilities: deviceCaps()})
	assert.Equal(t, protocol.CodeMalformed, rejection(t, resp))

	h.seq++
	id := fmt.Sprintf("r%d", h.seq)
	h.o.Dispatch(context.Background(), "a", protocol.Request{Type: protocol.JoinRoom, RequestID: id, Data: json.RawMessage(`{"roomId":7}`)})
	for _, m := range h.conns["a"].messages(t) {
		if m.RequestID == id {
			assert.Equal(t, protocol.CodeMalformed, rejection(t, m))
			return
		}
	}
	t.Fatal("no response to bad join payload")
}
