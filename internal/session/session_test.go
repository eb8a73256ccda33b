package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/akshayaggarwal99/brickwrap/internal/proto"
	"github.com/akshayaggarwal99/brickwrap/internal/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wait = 2 * time.Second

// peer plays the plugin side of a session in tests.
type peer struct {
	t  *testing.T
	ch *transport.LineChannel
}

func (p *peer) recv() proto.Message {
	p.t.Helper()
	type result struct {
		frame []byte
		err   error
	}
	got := make(chan result, 1)
	go func() {
		frame, err := p.ch.Receive()
		got <- result{frame, err}
	}()
	select {
	case r := <-got:
		require.NoError(p.t, r.err)
		msg, err := proto.Decode(r.frame)
		require.NoError(p.t, err)
		return msg
	case <-time.After(wait):
		p.t.Fatal("timed out waiting for a frame from the host")
		return proto.Message{}
	}
}

func (p *peer) send(m proto.Message) {
	p.t.Helper()
	frame, err := proto.Encode(m)
	require.NoError(p.t, err)
	p.sendRaw(string(frame))
}

func (p *peer) sendRaw(line string) {
	p.t.Helper()
	require.NoError(p.t, p.ch.Send([]byte(line)))
}

func (p *peer) answer(req proto.Message, v any) {
	p.t.Helper()
	raw, err := proto.Raw(v)
	require.NoError(p.t, err)
	p.send(proto.NewSuccessResponse(req.ID, raw))
}

func (p *peer) handshake(name string, subs ...string) {
	p.t.Helper()
	req := p.recv()
	require.Equal(p.t, proto.KindRequest, req.Kind)
	require.Equal(p.t, proto.MethodInitialize, req.Method)

	var params proto.InitializeParams
	require.NoError(p.t, json.Unmarshal(req.Params, &params))
	p.answer(req, proto.InitializeResult{
		ProtocolVersion: params.ProtocolVersion,
		PluginName:      name,
		Subscriptions:   subs,
	})
}

type countingCloser struct {
	n atomic.Int32
}

func (c *countingCloser) Close() error {
	c.n.Add(1)
	return nil
}

type stubHandler struct {
	mu       sync.Mutex
	requests []string
	gate     chan struct{}
	notes    chan string
}

func newStubHandler() *stubHandler {
	return &stubHandler{notes: make(chan string, 8)}
}

func (h *stubHandler) HandleRequest(_ context.Context, _ *Session, req proto.Message) proto.Message {
	h.mu.Lock()
	h.requests = append(h.requests, req.Method)
	gate := h.gate
	h.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return proto.NewSuccessResponse(req.ID, json.RawMessage(`{"ok":true}`))
}

func (h *stubHandler) HandleNotification(_ context.Context, _ *Session, n proto.Message) {
	h.notes <- n.Method
}

func (h *stubHandler) seen() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.requests...)
}

func newTestSession(t *testing.T, cfg Config, h Handler) (*Session, *peer, *countingCloser) {
	t.Helper()
	host, plugin := transport.Pipe(transport.DefaultMaxFrameSize)
	res := &countingCloser{}
	s := New(host, res, h, cfg, zerolog.Nop())
	t.Cleanup(func() {
		s.Close(nil)
		_ = plugin.Close()
	})
	return s, &peer{t: t, ch: plugin}, res
}

func openReady(t *testing.T, cfg Config, h Handler, subs ...string) (*Session, *peer, *countingCloser) {
	t.Helper()
	s, p, res := newTestSession(t, cfg, h)

	opened := make(chan error, 1)
	go func() { opened <- s.Open(context.Background()) }()
	p.handshake("pingpong", subs...)
	require.NoError(t, <-opened)
	require.NoError(t, s.MarkReady("plugin-1"))
	return s, p, res
}

func TestOpenHandshake(t *testing.T) {
	s, _, _ := openReady(t, Config{}, newStubHandler(), "PlayerJoined", "ChatMessage")

	assert.Equal(t, StateReady, s.State())
	assert.Equal(t, "pingpong", s.Name())
	assert.Equal(t, "plugin-1", s.ID())
	assert.Equal(t, []string{"ChatMessage", "PlayerJoined"}, s.Subscriptions())
	assert.True(t, s.Subscribed("ChatMessage"))
	assert.False(t, s.Subscribed("ServerTick"))
}

func TestOpenRejectsBadHandshake(t *testing.T) {
	tests := []struct {
		name   string
		result proto.InitializeResult
	}{
		{"version mismatch", proto.InitializeResult{ProtocolVersion: "0.9", PluginName: "old"}},
		{"missing name", proto.InitializeResult{ProtocolVersion: DefaultProtocolVersion}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, p, res := newTestSession(t, Config{}, newStubHandler())

			opened := make(chan error, 1)
			go func() { opened <- s.Open(context.Background()) }()
			p.answer(p.recv(), tt.result)

			err := <-opened
			assert.ErrorIs(t, err, ErrHandshakeFailed)
			assert.Equal(t, StateClosed, s.State())
			assert.Equal(t, int32(1), res.n.Load())
		})
	}
}

func TestOpenHandshakeTimeout(t *testing.T) {
	s, p, res := newTestSession(t, Config{HandshakeTimeout: 50 * time.Millisecond}, newStubHandler())

	opened := make(chan error, 1)
	go func() { opened <- s.Open(context.Background()) }()
	p.recv()

	select {
	case err := <-opened:
		assert.ErrorIs(t, err, ErrHandshakeFailed)
	case <-time.After(wait):
		t.Fatal("handshake did not time out")
	}
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, int32(1), res.n.Load())
	assert.ErrorIs(t, s.MarkReady("late"), ErrSessionClosed)
}

func TestCallResolvesOutOfOrder(t *testing.T) {
	s, p, _ := openReady(t, Config{}, newStubHandler())

	results := make(map[string]chan error)
	values := make(map[string]*string)
	for _, method := range []string{"first", "second"} {
		done := make(chan error, 1)
		var got string
		results[method], values[method] = done, &got
		go func() { done <- s.Call(context.Background(), method, nil, &got) }()
	}

	a, b := p.recv(), p.recv()
	idA, _ := a.ID.Int64()
	idB, _ := b.ID.Int64()
	assert.NotEqual(t, idA, idB)

	p.answer(b, b.Method)
	p.answer(a, a.Method)

	for method, done := range results {
		select {
		case err := <-done:
			require.NoError(t, err)
			assert.Equal(t, method, *values[method])
		case <-time.After(wait):
			t.Fatalf("call %s did not resolve", method)
		}
	}
	assert.Equal(t, 0, s.Pending())
}

func TestCallReturnsPluginError(t *testing.T) {
	s, p, _ := openReady(t, Config{}, newStubHandler())

	done := make(chan error, 1)
	go func() { done <- s.Call(context.Background(), "explode", nil, nil) }()

	req := p.recv()
	p.send(proto.NewErrorResponse(req.ID, proto.InternalError, "boom"))

	err := <-done
	var rpcErr *proto.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, proto.InternalError, rpcErr.Code)
}

func TestCallTimeout(t *testing.T) {
	s, p, _ := openReady(t, Config{CallTimeout: 50 * time.Millisecond}, newStubHandler())

	done := make(chan error, 1)
	go func() { done <- s.Call(context.Background(), "slow", nil, nil) }()
	req := p.recv()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrTimeout)
	case <-time.After(wait):
		t.Fatal("call did not time out")
	}
	assert.Equal(t, 0, s.Pending())
	assert.Equal(t, uint64(1), s.Stats().CallsTimedOut)

	// A late response is dropped without disturbing the session.
	p.answer(req, "late")
	require.Eventually(t, func() bool { return s.Stats().ProtocolErrors == 1 }, wait, 5*time.Millisecond)
	assert.Equal(t, StateReady, s.State())
}

func TestChannelCloseResolvesPendingCalls(t *testing.T) {
	s, p, res := openReady(t, Config{}, newStubHandler())

	var hooks atomic.Int32
	s.OnClose(func(*Session) { hooks.Add(1) })

	errs := make(chan error, 2)
	for i := range 2 {
		go func() { errs <- s.Call(context.Background(), fmt.Sprintf("call-%d", i), nil, nil) }()
	}
	p.recv()
	p.recv()
	require.Equal(t, 2, s.Pending())

	require.NoError(t, p.ch.Close())

	for range 2 {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrSessionClosed)
		case <-time.After(wait):
			t.Fatal("pending call did not resolve")
		}
	}

	<-s.Done()
	assert.Equal(t, StateClosed, s.State())
	assert.ErrorIs(t, s.Err(), transport.ErrChannelClosed)

	s.Close(errors.New("again"))
	assert.Equal(t, int32(1), res.n.Load())
	assert.Equal(t, int32(1), hooks.Load())
	assert.ErrorIs(t, s.Call(context.Background(), "after", nil, nil), ErrSessionClosed)
}

func TestEventsDeliveredInOrder(t *testing.T) {
	s, p, _ := openReady(t, Config{}, newStubHandler(), "ServerTick")

	for i := range 3 {
		frame := fmt.Sprintf(`{"jsonrpc":"2.0","method":"ServerTick","params":{"tick":%d}}`, i)
		require.NoError(t, s.Enqueue([]byte(frame)))
	}

	for i := range 3 {
		msg := p.recv()
		assert.Equal(t, proto.KindNotification, msg.Kind)
		assert.JSONEq(t, fmt.Sprintf(`{"tick":%d}`, i), string(msg.Params))
	}
	require.Eventually(t, func() bool { return s.Stats().EventsDelivered == 3 }, wait, 5*time.Millisecond)
}

func TestEnqueueDisconnectPolicy(t *testing.T) {
	s, _, res := openReady(t, Config{EventQueueSize: 1, Backpressure: Disconnect}, newStubHandler())

	// The peer never reads, so the pump stalls on the first frame.
	var overflow error
	for i := range 5 {
		frame := fmt.Sprintf(`{"jsonrpc":"2.0","method":"ServerTick","params":{"tick":%d}}`, i)
		if err := s.Enqueue([]byte(frame)); err != nil {
			overflow = err
			break
		}
	}
	assert.ErrorIs(t, overflow, ErrBackpressureExceeded)

	select {
	case <-s.Done():
	case <-time.After(wait):
		t.Fatal("session was not disconnected")
	}
	assert.ErrorIs(t, s.Err(), ErrBackpressureExceeded)
	assert.Equal(t, int32(1), res.n.Load())
}

func TestEventQueuePolicies(t *testing.T) {
	frames := func(q *eventQueue) []string {
		var out []string
		for q.len() > 0 {
			f, _ := q.pop(nil)
			out = append(out, string(f))
		}
		return out
	}

	q := newEventQueue(2, DropOldest)
	require.NoError(t, q.push([]byte("1")))
	require.NoError(t, q.push([]byte("2")))
	assert.ErrorIs(t, q.push([]byte("3")), ErrEventDropped)
	assert.Equal(t, []string{"2", "3"}, frames(q))

	q = newEventQueue(2, DropNewest)
	require.NoError(t, q.push([]byte("1")))
	require.NoError(t, q.push([]byte("2")))
	assert.ErrorIs(t, q.push([]byte("3")), ErrEventDropped)
	assert.Equal(t, []string{"1", "2"}, frames(q))

	q = newEventQueue(1, Disconnect)
	require.NoError(t, q.push([]byte("1")))
	assert.ErrorIs(t, q.push([]byte("2")), ErrBackpressureExceeded)
}

func TestBackpressurePolicyText(t *testing.T) {
	var p BackpressurePolicy
	require.NoError(t, p.UnmarshalText([]byte("drop-newest")))
	assert.Equal(t, DropNewest, p)
	require.NoError(t, p.UnmarshalText([]byte("Disconnect")))
	assert.Equal(t, Disconnect, p)
	assert.Error(t, p.UnmarshalText([]byte("block")))

	text, err := DropOldest.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "drop-oldest", string(text))
}

func TestRequestsReachHandlerInOrder(t *testing.T) {
	h := newStubHandler()
	_, p, _ := openReady(t, Config{}, h)

	p.sendRaw(`{"jsonrpc":"2.0","id":1,"method":"ban","params":{"player":"alice"}}`)
	p.sendRaw(`{"jsonrpc":"2.0","id":"two","method":"broadcast","params":{"message":"hi"}}`)

	first, second := p.recv(), p.recv()
	assert.Equal(t, proto.NumberID(1), first.ID)
	assert.Equal(t, proto.StringID("two"), second.ID)
	assert.JSONEq(t, `{"ok":true}`, string(second.Result))
	assert.Equal(t, []string{"ban", "broadcast"}, h.seen())
}

func TestNotificationsAndLogs(t *testing.T) {
	h := newStubHandler()
	s, p, _ := openReady(t, Config{}, h)

	p.sendRaw(`{"jsonrpc":"2.0","method":"log","params":{"severity":"Warn","content":"careful"}}`)
	p.sendRaw(`{"jsonrpc":"2.0","method":"writeln","params":{"line":"Server.Status"}}`)

	select {
	case method := <-h.notes:
		assert.Equal(t, "writeln", method)
	case <-time.After(wait):
		t.Fatal("notification was not handled")
	}
	assert.Empty(t, h.seen())
	assert.Equal(t, StateReady, s.State())
}

func TestInvalidRequestIsAnswered(t *testing.T) {
	s, p, _ := openReady(t, Config{}, newStubHandler())

	p.sendRaw(`{"jsonrpc":"1.0","id":7,"method":"ban"}`)
	resp := p.recv()
	require.Equal(t, proto.KindResponse, resp.Kind)
	assert.Equal(t, proto.NumberID(7), resp.ID)
	require.NotNil(t, resp.Error)
	assert.Equal(t, proto.InvalidRequest, resp.Error.Code)

	// An invalid response is dropped silently.
	p.sendRaw(`{"jsonrpc":"2.0","id":99}`)
	require.Eventually(t, func() bool { return s.Stats().ProtocolErrors == 2 }, wait, 5*time.Millisecond)
	assert.Equal(t, StateReady, s.State())
}

func TestMalformedFrameIsDropped(t *testing.T) {
	s, p, res := openReady(t, Config{}, newStubHandler())

	p.sendRaw(`starting up...`)
	p.sendRaw(`{"jsonrpc":"2.0",`)
	require.Eventually(t, func() bool { return s.Stats().ProtocolErrors == 2 }, wait, 5*time.Millisecond)
	assert.Equal(t, StateReady, s.State())

	p.sendRaw(`{"jsonrpc":"2.0","id":3,"method":"ban","params":{"player":"alice"}}`)
	resp := p.recv()
	assert.Equal(t, proto.NumberID(3), resp.ID)
	assert.Nil(t, resp.Error)
	assert.Equal(t, int32(0), res.n.Load())
}

type slowCloser struct {
	delay  time.Duration
	closed chan struct{}
}

func (c *slowCloser) Close() error {
	time.Sleep(c.delay)
	close(c.closed)
	return nil
}

func TestCloseResolvesCallsBeforeRelease(t *testing.T) {
	host, plugin := transport.Pipe(transport.DefaultMaxFrameSize)
	res := &slowCloser{delay: 1500 * time.Millisecond, closed: make(chan struct{})}
	s := New(host, res, newStubHandler(), Config{}, zerolog.Nop())
	t.Cleanup(func() { _ = plugin.Close() })
	p := &peer{t: t, ch: plugin}

	opened := make(chan error, 1)
	go func() { opened <- s.Open(context.Background()) }()
	p.handshake("pingpong")
	require.NoError(t, <-opened)
	require.NoError(t, s.MarkReady("plugin-1"))

	errs := make(chan error, 2)
	for i := range 2 {
		go func() { errs <- s.Call(context.Background(), fmt.Sprintf("call-%d", i), nil, nil) }()
	}
	p.recv()
	p.recv()
	require.Equal(t, 2, s.Pending())

	go s.Close(errors.New("plugin exited"))

	for range 2 {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrSessionClosed)
		case <-res.closed:
			t.Fatal("pending call waited for the resource to close")
		case <-time.After(wait):
			t.Fatal("pending call did not resolve")
		}
	}
	<-res.closed
}

func TestDrainWaitsForInflightCommands(t *testing.T) {
	h := newStubHandler()
	h.gate = make(chan struct{})
	s, p, res := openReady(t, Config{}, h)

	p.sendRaw(`{"jsonrpc":"2.0","id":1,"method":"ban","params":{"player":"alice"}}`)
	require.Eventually(t, func() bool { return len(h.seen()) == 1 }, wait, 5*time.Millisecond)

	s.Drain()
	assert.Equal(t, StateDraining, s.State())
	assert.ErrorIs(t, s.Call(context.Background(), "late", nil, nil), ErrSessionDraining)

	p.sendRaw(`{"jsonrpc":"2.0","id":2,"method":"broadcast","params":{"message":"hi"}}`)
	rejected := p.recv()
	assert.Equal(t, proto.NumberID(2), rejected.ID)
	require.NotNil(t, rejected.Error)
	assert.Equal(t, proto.SessionDraining, rejected.Error.Code)

	close(h.gate)
	answered := p.recv()
	assert.Equal(t, proto.NumberID(1), answered.ID)
	assert.Nil(t, answered.Error)

	select {
	case <-s.Done():
	case <-time.After(wait):
		t.Fatal("drained session did not close")
	}
	assert.ErrorIs(t, s.Err(), ErrUnregistered)
	assert.Equal(t, int32(1), res.n.Load())
}

func TestDrainDeadline(t *testing.T) {
	s, p, _ := openReady(t, Config{DrainTimeout: 50 * time.Millisecond}, newStubHandler())

	done := make(chan error, 1)
	go func() { done <- s.Call(context.Background(), "stuck", nil, nil) }()
	p.recv()

	s.Drain()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSessionClosed)
	case <-time.After(wait):
		t.Fatal("drain deadline did not cancel the pending call")
	}
	assert.Equal(t, StateClosed, s.State())
}
