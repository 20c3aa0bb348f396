package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/huddle/internal/adapters/memengine"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFull = errors.New("full")

type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
	full   bool
	closed bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.full {
		return errFull
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func newTestRegistry() (*Registry, *memengine.Engine) {
	engine := memengine.New()
	return NewRegistry(NewRoomManager(engine, media.DefaultCodecs(), SimplePolicy{})), engine
}

func bind(r *Registry, pid domain.PeerID) *fakeConn {
	c := &fakeConn{}
	r.BindSignal(pid, "client-"+string(pid), c)
	return c
}

func videoParams() media.RtpParameters {
	return media.RtpParameters{
		Codecs:    []media.RtpCodecParameters{{MimeType: media.MimeTypeVP8, PayloadType: 96, ClockRate: 90000}},
		Encodings: []media.RtpEncodingParameters{{SSRC: 1234}},
	}
}

func produce(t *testing.T, room *Room, peer *Peer) media.Producer {
	t.Helper()
	ctx := context.Background()
	tr, err := room.Router().CreateWebRtcTransport(ctx, media.TransportOptions{ListenIP: "127.0.0.1", EnableUDP: true})
	require.NoError(t, err)
	require.True(t, peer.SetTransport(true, tr))
	prod, err := tr.Produce(ctx, domain.KindVideo, videoParams())
	require.NoError(t, err)
	require.True(t, room.AddProducer(peer, prod))
	return prod
}

func TestConcurrentJoinsShareOneRoom(t *testing.T) {
	reg, engine := newTestRegistry()
	const n = 16
	for i := range n {
		bind(reg, domain.PeerID(fmt.Sprintf("p%d", i)))
	}

	rooms := make([]*Room, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			room, _, _, err := reg.Join(context.Background(), domain.PeerID(fmt.Sprintf("p%d", i)), "demo")
			assert.NoError(t, err)
			rooms[i] = room
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, engine.RoutersCreated())
	for _, r := range rooms {
		assert.Same(t, rooms[0], r)
	}
	assert.Equal(t, n, rooms[0].PeerCount())
}

func TestJoinRejections(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()

	_, _, _, err := reg.Join(ctx, "ghost", "demo")
	assert.ErrorIs(t, err, ErrUnknownPeer)

	bind(reg, "a")
	_, _, _, err = reg.Join(ctx, "a", "demo")
	require.NoError(t, err)
	_, _, _, err = reg.Join(ctx, "a", "other")
	assert.ErrorIs(t, err, ErrAlreadyJoined)
	assert.Len(t, reg.ListRooms(), 1)
}

func TestRouterFailureRegistersNothing(t *testing.T) {
	reg, engine := newTestRegistry()
	bind(reg, "a")
	engine.FailRouters(errors.New("no workers"))

	_, _, _, err := reg.Join(context.Background(), "a", "demo")
	require.ErrorIs(t, err, ErrCannotJoin)
	assert.Empty(t, reg.ListRooms())
	_, _, ok := reg.RoomOf("a")
	assert.False(t, ok)

	engine.FailRouters(nil)
	_, _, _, err = reg.Join(context.Background(), "a", "demo")
	assert.NoError(t, err)
}

func TestLastLeaveDestroysRoom(t *testing.T) {
	reg, engine := newTestRegistry()
	ctx := context.Background()
	bind(reg, "a")
	bind(reg, "b")

	first, _, _, err := reg.Join(ctx, "a", "demo")
	require.NoError(t, err)
	_, _, _, err = reg.Join(ctx, "b", "demo")
	require.NoError(t, err)

	reg.Leave("a")
	_, ok := reg.Rooms.GetRoom("demo")
	require.True(t, ok)
	assert.False(t, first.Router().Closed())

	reg.Leave("b")
	_, ok = reg.Rooms.GetRoom("demo")
	assert.False(t, ok)
	assert.True(t, first.Router().Closed())

	second, _, _, err := reg.Join(ctx, "a", "demo")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.NotEqual(t, first.Router().ID(), second.Router().ID())
	assert.Equal(t, 2, engine.RoutersCreated())
}

func TestJoinReturnsExistingProducers(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()
	bind(reg, "a")
	bind(reg, "b")

	room, a, existing, err := reg.Join(ctx, "a", "demo")
	require.NoError(t, err)
	assert.Empty(t, existing)
	prod := produce(t, room, a)

	_, _, existing, err = reg.Join(ctx, "b", "demo")
	require.NoError(t, err)
	require.Len(t, existing, 1)
	assert.Equal(t, ProducerEntry{ID: prod.ID(), Kind: domain.KindVideo, Owner: "a"}, existing[0])
}

func TestTakeProducerOnce(t *testing.T) {
	reg, _ := newTestRegistry()
	bind(reg, "a")
	room, a, _, err := reg.Join(context.Background(), "a", "demo")
	require.NoError(t, err)
	prod := produce(t, room, a)

	assert.True(t, room.HasProducer(prod.ID()))
	assert.Equal(t, []string{prod.ID()}, a.ProducerIDs())

	got, ok := room.TakeProducer(a, prod.ID())
	require.True(t, ok)
	assert.Same(t, prod, got)
	_, ok = room.TakeProducer(a, prod.ID())
	assert.False(t, ok)
	assert.Zero(t, room.ProducerCount())
	assert.Empty(t, a.ProducerIDs())
}

func TestAddProducerAfterLeaveFails(t *testing.T) {
	reg, _ := newTestRegistry()
	bind(reg, "a")
	bind(reg, "b")
	room, a, _, err := reg.Join(context.Background(), "a", "demo")
	require.NoError(t, err)
	_, _, _, err = reg.Join(context.Background(), "b", "demo")
	require.NoError(t, err)

	tr, err := room.Router().CreateWebRtcTransport(context.Background(), media.TransportOptions{EnableUDP: true})
	require.NoError(t, err)
	prod, err := tr.Produce(context.Background(), domain.KindVideo, videoParams())
	require.NoError(t, err)

	reg.Leave("a")
	assert.False(t, room.AddProducer(a, prod))
	assert.Zero(t, room.ProducerCount())
}

func TestSetTransportSlots(t *testing.T) {
	reg, _ := newTestRegistry()
	bind(reg, "a")
	room, a, _, err := reg.Join(context.Background(), "a", "demo")
	require.NoError(t, err)

	opts := media.TransportOptions{EnableUDP: true}
	t1, err := room.Router().CreateWebRtcTransport(context.Background(), opts)
	require.NoError(t, err)
	t2, err := room.Router().CreateWebRtcTransport(context.Background(), opts)
	require.NoError(t, err)

	require.True(t, a.SetTransport(false, t1))
	assert.False(t, a.SetTransport(false, t2))
	assert.True(t, a.SetTransport(true, t2))

	t1.Close()
	_, ok := a.Transport(false)
	assert.False(t, ok, "closed transport reads as an empty slot")
	assert.True(t, a.SetTransport(false, t2), "closed transport frees the slot")

	consumers, transports := a.Teardown()
	assert.Empty(t, consumers)
	assert.Len(t, transports, 2)
	_, ok = a.Transport(true)
	assert.False(t, ok)
}

func TestBroadcastSkipsSenderAndKicksSlowPeer(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()
	ca := bind(reg, "a")
	cb := bind(reg, "b")
	cc := bind(reg, "c")
	cc.full = true

	room, _, _, err := reg.Join(ctx, "a", "demo")
	require.NoError(t, err)
	for _, pid := range []domain.PeerID{"b", "c"} {
		_, _, _, err = reg.Join(ctx, pid, "demo")
		require.NoError(t, err)
	}

	sent := room.Broadcast("a", core.Frame(`{}`))
	assert.Equal(t, 1, sent)
	assert.Zero(t, ca.count())
	assert.Equal(t, 1, cb.count())
	assert.True(t, cc.isClosed())
	assert.False(t, cb.isClosed())
}

func TestListRooms(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()
	for _, pid := range []domain.PeerID{"a", "b", "c"} {
		bind(reg, pid)
	}
	room, a, _, err := reg.Join(ctx, "a", "zeta")
	require.NoError(t, err)
	produce(t, room, a)
	_, _, _, err = reg.Join(ctx, "b", "alpha")
	require.NoError(t, err)
	_, _, _, err = reg.Join(ctx, "c", "zeta")
	require.NoError(t, err)

	assert.Equal(t, []core.RoomInfo{
		{ID: "alpha", PeerCount: 1},
		{ID: "zeta", PeerCount: 2, ProducerCount: 1},
	}, reg.ListRooms())
}

// gatedEngine holds CreateRouter until gate is closed.
type gatedEngine struct {
	*memengine.Engine
	gate      chan struct{}
	entered   chan struct{}
	sawCancel atomic.Bool
}

func (e *gatedEngine) CreateRouter(ctx context.Context, codecs []media.RtpCodecCapability) (media.Router, error) {
	e.entered <- struct{}{}
	select {
	case <-e.gate:
	case <-ctx.Done():
		e.sawCancel.Store(true)
		return nil, ctx.Err()
	}
	return e.Engine.CreateRouter(ctx, codecs)
}

func TestCreationSurvivesFirstCallerCancel(t *testing.T) {
	engine := &gatedEngine{Engine: memengine.New(), gate: make(chan struct{}), entered: make(chan struct{}, 4)}
	rooms := NewRoomManager(engine, media.DefaultCodecs(), SimplePolicy{})

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := rooms.GetOrCreate(ctx, "demo")
		first <- err
	}()
	<-engine.entered
	cancel()
	select {
	case err := <-first:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller kept waiting")
	}

	second := make(chan error, 1)
	go func() {
		_, err := rooms.GetOrCreate(context.Background(), "demo")
		second <- err
	}()
	close(engine.gate)
	select {
	case err := <-second:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("second caller never got a room")
	}
	assert.False(t, engine.sawCancel.Load(), "creation must not inherit the first caller's cancel")
}

func TestJoinAfterAbandonedCreation(t *testing.T) {
	engine := &gatedEngine{Engine: memengine.New(), gate: make(chan struct{}), entered: make(chan struct{}, 4)}
	reg := NewRegistry(NewRoomManager(engine, media.DefaultCodecs(), SimplePolicy{}))
	bind(reg, "a")
	bind(reg, "b")

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, _, _, err := reg.Join(ctx, "a", "demo")
		first <- err
	}()
	<-engine.entered
	cancel()
	assert.ErrorIs(t, <-first, ErrCannotJoin)
	close(engine.gate)

	room, _, _, err := reg.Join(context.Background(), "b", "demo")
	require.NoError(t, err)
	assert.Equal(t, 1, room.PeerCount())
	require.Eventually(t, func() bool {
		live, ok := reg.Rooms.GetRoom("demo")
		return ok && live == room && len(reg.Rooms.List()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
