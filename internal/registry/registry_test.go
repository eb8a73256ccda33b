package registry

import (
	"context"
	"testing"
	"time"

	"github.com/akshayaggarwal99/brickwrap/internal/proto"
	"github.com/akshayaggarwal99/brickwrap/internal/session"
	"github.com/akshayaggarwal99/brickwrap/internal/session/sessiontest"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopHandler struct{}

func (nopHandler) HandleRequest(_ context.Context, _ *session.Session, req proto.Message) proto.Message {
	return proto.NewSuccessResponse(req.ID, nil)
}

func (nopHandler) HandleNotification(context.Context, *session.Session, proto.Message) {}

func handshaken(t *testing.T, name string, subs ...string) (*session.Session, *sessiontest.Peer) {
	t.Helper()
	return sessiontest.Handshaken(t, name, subs, session.Config{}, nopHandler{})
}

func TestRegisterAndLookup(t *testing.T) {
	r := New(Options{}, zerolog.Nop())
	s, _ := handshaken(t, "pingpong", "PlayerJoined")

	id, err := r.Register(s)
	require.NoError(t, err)
	_, err = uuid.Parse(string(id))
	assert.NoError(t, err)

	assert.Equal(t, session.StateReady, s.State())
	assert.Equal(t, string(id), s.ID())

	got, err := r.Lookup(id)
	require.NoError(t, err)
	assert.Same(t, s, got)

	_, err = r.Lookup("missing")
	assert.ErrorIs(t, err, ErrPluginNotFound)

	infos := r.List()
	require.Len(t, infos, 1)
	assert.Equal(t, "pingpong", infos[0].Name)
	assert.Equal(t, "ready", infos[0].State)
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	r := New(Options{}, zerolog.Nop())
	first, _ := handshaken(t, "pingpong")
	second, _ := handshaken(t, "pingpong")

	_, err := r.Register(first)
	require.NoError(t, err)

	_, err = r.Register(second)
	assert.ErrorIs(t, err, ErrDuplicateIdentity)
	assert.Equal(t, session.StateHandshaking, second.State())
	assert.Equal(t, 1, r.Len())
}

func TestRegisterSupersedesDuplicateName(t *testing.T) {
	r := New(Options{Duplicates: SupersedeDuplicate}, zerolog.Nop())
	first, _ := handshaken(t, "pingpong")
	second, _ := handshaken(t, "pingpong")

	oldID, err := r.Register(first)
	require.NoError(t, err)
	newID, err := r.Register(second)
	require.NoError(t, err)
	assert.NotEqual(t, oldID, newID)

	select {
	case <-first.Done():
	case <-time.After(sessiontest.Wait):
		t.Fatal("superseded session was not closed")
	}

	// The old session's close hook must not evict its replacement.
	got, err := r.Lookup(newID)
	require.NoError(t, err)
	assert.Same(t, second, got)
	_, err = r.Lookup(oldID)
	assert.ErrorIs(t, err, ErrPluginNotFound)
}

func TestFailedSupersedeKeepsExistingSession(t *testing.T) {
	r := New(Options{Duplicates: SupersedeDuplicate, MaxPlugins: 1}, zerolog.Nop())
	first, _ := handshaken(t, "pingpong")
	second, _ := handshaken(t, "pingpong")

	oldID, err := r.Register(first)
	require.NoError(t, err)

	second.Close(nil)
	_, err = r.Register(second)
	require.ErrorIs(t, err, session.ErrSessionClosed)

	got, err := r.Lookup(oldID)
	require.NoError(t, err)
	assert.Same(t, first, got)
	assert.Equal(t, session.StateReady, first.State())
	assert.Equal(t, 1, r.Len())
	require.NoError(t, r.Unregister(oldID))
}

func TestRegisterEnforcesMaxPlugins(t *testing.T) {
	r := New(Options{MaxPlugins: 1}, zerolog.Nop())
	a, _ := handshaken(t, "a")
	b, _ := handshaken(t, "b")

	_, err := r.Register(a)
	require.NoError(t, err)
	_, err = r.Register(b)
	assert.ErrorIs(t, err, ErrRegistryFull)
}

func TestUnregisterDrainsAndFreesName(t *testing.T) {
	r := New(Options{}, zerolog.Nop())
	s, _ := handshaken(t, "pingpong")

	id, err := r.Register(s)
	require.NoError(t, err)
	require.NoError(t, r.Unregister(id))

	_, err = r.Lookup(id)
	assert.ErrorIs(t, err, ErrPluginNotFound)
	assert.ErrorIs(t, r.Unregister(id), ErrPluginNotFound)

	select {
	case <-s.Done():
	case <-time.After(sessiontest.Wait):
		t.Fatal("idle session did not finish draining")
	}
	assert.ErrorIs(t, s.Err(), session.ErrUnregistered)

	again, _ := handshaken(t, "pingpong")
	newID, err := r.Register(again)
	require.NoError(t, err)
	assert.NotEqual(t, id, newID)
}

func TestClosedSessionRemovesItself(t *testing.T) {
	r := New(Options{}, zerolog.Nop())
	s, peer := handshaken(t, "pingpong")

	id, err := r.Register(s)
	require.NoError(t, err)
	require.NoError(t, peer.Close())

	require.Eventually(t, func() bool { return r.Len() == 0 }, sessiontest.Wait, 5*time.Millisecond)
	_, err = r.Lookup(id)
	assert.ErrorIs(t, err, ErrPluginNotFound)
}

func TestSubscriptions(t *testing.T) {
	r := New(Options{}, zerolog.Nop())
	a, _ := handshaken(t, "a", "ChatMessage")
	b, _ := handshaken(t, "b", "ChatMessage", "PlayerJoined")

	idA, err := r.Register(a)
	require.NoError(t, err)
	_, err = r.Register(b)
	require.NoError(t, err)

	assert.Len(t, r.Subscribers("ChatMessage"), 2)
	assert.Equal(t, []*session.Session{b}, r.Subscribers("PlayerJoined"))
	assert.Empty(t, r.Subscribers("ServerTick"))

	subs, err := r.Subscribe(idA, "ServerTick", "PlayerJoined")
	require.NoError(t, err)
	assert.Equal(t, []string{"ChatMessage", "PlayerJoined", "ServerTick"}, subs)
	assert.Len(t, r.Subscribers("PlayerJoined"), 2)

	subs, err = r.Unsubscribe(idA, "ChatMessage")
	require.NoError(t, err)
	assert.Equal(t, []string{"PlayerJoined", "ServerTick"}, subs)
	assert.Equal(t, []*session.Session{b}, r.Subscribers("ChatMessage"))

	_, err = r.Subscribe("missing", "ChatMessage")
	assert.ErrorIs(t, err, ErrPluginNotFound)
}

func TestDuplicatePolicyText(t *testing.T) {
	var p DuplicatePolicy
	require.NoError(t, p.UnmarshalText([]byte("supersede")))
	assert.Equal(t, SupersedeDuplicate, p)
	require.NoError(t, p.UnmarshalText([]byte("reject")))
	assert.Equal(t, RejectDuplicate, p)
	assert.Error(t, p.UnmarshalText([]byte("replace")))
}
