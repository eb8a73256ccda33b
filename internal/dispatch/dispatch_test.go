package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/akshayaggarwal99/brickwrap/internal/game"
	"github.com/akshayaggarwal99/brickwrap/internal/proto"
	"github.com/akshayaggarwal99/brickwrap/internal/registry"
	"github.com/akshayaggarwal99/brickwrap/internal/session"
	"github.com/akshayaggarwal99/brickwrap/internal/session/sessiontest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopHandler struct{}

func (nopHandler) HandleRequest(_ context.Context, _ *session.Session, req proto.Message) proto.Message {
	return proto.NewSuccessResponse(req.ID, nil)
}

func (nopHandler) HandleNotification(context.Context, *session.Session, proto.Message) {}

func register(t *testing.T, r *registry.Registry, name string, cfg session.Config, subs ...string) (*session.Session, *sessiontest.Peer) {
	t.Helper()
	s, p := sessiontest.Handshaken(t, name, subs, cfg, nopHandler{})
	_, err := r.Register(s)
	require.NoError(t, err)
	return s, p
}

func tick(t *testing.T, msg proto.Message) uint64 {
	t.Helper()
	require.Equal(t, game.KindServerTick, msg.Method)
	var ev game.ServerTick
	require.NoError(t, json.Unmarshal(msg.Params, &ev))
	return ev.Tick
}

func TestDispatchPreservesOrder(t *testing.T) {
	r := registry.New(registry.Options{}, zerolog.Nop())
	d := New(r, zerolog.Nop())
	_, p := register(t, r, "ticker", session.Config{}, game.KindServerTick)

	for i := range uint64(5) {
		n, err := d.Dispatch(game.ServerTick{Tick: i})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}
	for i := range uint64(5) {
		assert.Equal(t, i, tick(t, p.Recv()))
	}
	assert.Equal(t, Stats{Accepted: 5, Delivered: 5}, d.Stats())
}

func TestDispatchOnlyReachesSubscribers(t *testing.T) {
	r := registry.New(registry.Options{}, zerolog.Nop())
	d := New(r, zerolog.Nop())
	_, chat := register(t, r, "chat", session.Config{}, game.KindChatMessage)
	_, joins := register(t, r, "joins", session.Config{}, game.KindPlayerJoined)

	n, err := d.Dispatch(game.ChatMessage{User: "bob", Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msg := chat.Recv()
	assert.Equal(t, proto.KindNotification, msg.Kind)
	assert.Equal(t, game.KindChatMessage, msg.Method)
	assert.JSONEq(t, `{"user":"bob","message":"hi"}`, string(msg.Params))

	_, ok := joins.TryRecv(50 * time.Millisecond)
	assert.False(t, ok)
}

func TestStalledPluginDoesNotDelayOthers(t *testing.T) {
	r := registry.New(registry.Options{}, zerolog.Nop())
	d := New(r, zerolog.Nop())
	stalled, _ := register(t, r, "stalled", session.Config{EventQueueSize: 2, Backpressure: session.DropNewest}, game.KindServerTick)
	_, healthy := register(t, r, "healthy", session.Config{}, game.KindServerTick)

	const events = 20
	start := time.Now()
	for i := range uint64(events) {
		_, err := d.Dispatch(game.ServerTick{Tick: i})
		require.NoError(t, err)
	}
	assert.Less(t, time.Since(start), time.Second)

	for i := range uint64(events) {
		assert.Equal(t, i, tick(t, healthy.Recv()))
	}

	assert.Equal(t, session.StateReady, stalled.State())
	assert.NotZero(t, d.Stats().Dropped)
	assert.NotZero(t, stalled.Stats().EventsDropped)
}

func TestDisconnectPolicyRemovesPlugin(t *testing.T) {
	r := registry.New(registry.Options{}, zerolog.Nop())
	d := New(r, zerolog.Nop())
	stalled, _ := register(t, r, "stalled", session.Config{EventQueueSize: 1, Backpressure: session.Disconnect}, game.KindServerTick)

	for i := range uint64(5) {
		_, err := d.Dispatch(game.ServerTick{Tick: i})
		require.NoError(t, err)
	}

	select {
	case <-stalled.Done():
	case <-time.After(sessiontest.Wait):
		t.Fatal("stalled plugin was not disconnected")
	}
	assert.ErrorIs(t, stalled.Err(), session.ErrBackpressureExceeded)
	require.Eventually(t, func() bool { return r.Len() == 0 }, sessiontest.Wait, 5*time.Millisecond)
	assert.Equal(t, uint64(1), d.Stats().Disconnected)
}

func TestDispatchRejectsBadEvents(t *testing.T) {
	d := New(registry.New(registry.Options{}, zerolog.Nop()), zerolog.Nop())

	_, err := d.Dispatch(game.RawEvent{EventKind: "Weather", Payload: json.RawMessage(`"rain"`)})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = d.Dispatch(game.RawEvent{})
	assert.ErrorIs(t, err, game.ErrUnknownKind)

	n, err := d.Dispatch(game.RawEvent{EventKind: "Weather"})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunDrainsSource(t *testing.T) {
	r := registry.New(registry.Options{}, zerolog.Nop())
	d := New(r, zerolog.Nop())
	_, p := register(t, r, "pingpong", session.Config{}, game.KindPlayerJoined, game.KindChatMessage)

	src := game.NewChanSource(4)
	ctx := context.Background()
	require.NoError(t, src.Publish(ctx, game.PlayerJoined{Name: "bob"}))
	require.NoError(t, src.Publish(ctx, game.ServerTick{Tick: 1}))
	require.NoError(t, src.Publish(ctx, game.ChatMessage{User: "bob", Message: "ping"}))
	src.Close()

	require.NoError(t, d.Run(ctx, src))

	assert.Equal(t, game.KindPlayerJoined, p.Recv().Method)
	assert.Equal(t, game.KindChatMessage, p.Recv().Method)
	assert.Equal(t, uint64(3), d.Stats().Accepted)
}

func TestRunStopsOnCancel(t *testing.T) {
	d := New(registry.New(registry.Options{}, zerolog.Nop()), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, game.NewChanSource(1)) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(sessiontest.Wait):
		t.Fatal("Run did not stop")
	}
}
