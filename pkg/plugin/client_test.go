package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/akshayaggarwal99/brickwrap/internal/proto"
	"github.com/akshayaggarwal99/brickwrap/internal/session"
	"github.com/akshayaggarwal99/brickwrap/internal/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wait = 2 * time.Second

// echoHost answers "echo" with its params and everything else with MethodNotFound.
type echoHost struct {
	notes chan proto.Message
}

func (h *echoHost) HandleRequest(_ context.Context, _ *session.Session, req proto.Message) proto.Message {
	if req.Method != "echo" {
		return proto.NewErrorResponse(req.ID, proto.MethodNotFound, "method not found: "+req.Method)
	}
	return proto.NewSuccessResponse(req.ID, req.Params)
}

func (h *echoHost) HandleNotification(_ context.Context, _ *session.Session, n proto.Message) {
	h.notes <- n
}

func start(t *testing.T, c func(transport.Channel) *Client) (*session.Session, *Client, *echoHost) {
	t.Helper()
	hostEnd, pluginEnd := transport.Pipe(transport.DefaultMaxFrameSize)
	handler := &echoHost{notes: make(chan proto.Message, 8)}
	cfg := session.Config{Capabilities: proto.HostCapabilities{
		Commands: []string{"echo@1"},
		Events:   []string{"ChatMessage", "ServerTick"},
	}}
	s := session.New(hostEnd, nil, handler, cfg, zerolog.Nop())
	client := c(pluginEnd)

	served := make(chan error, 1)
	go func() { served <- client.Serve(context.Background()) }()
	t.Cleanup(func() {
		s.Close(nil)
		select {
		case <-served:
		case <-time.After(wait):
			t.Error("Serve did not return")
		}
	})

	require.NoError(t, s.Open(context.Background()))
	require.NoError(t, s.MarkReady("plugin-1"))
	return s, client, handler
}

func newClient(ch transport.Channel) *Client {
	return NewChannel(ch, Options{Name: "tester", Logger: zerolog.Nop()})
}

func TestStrayOutputDoesNotEndSession(t *testing.T) {
	s, client, _ := start(t, newClient)

	// A plugin printing debug text to stdout shares the stream with the protocol.
	require.NoError(t, client.ch.Send([]byte("starting up...")))

	var echoed map[string]string
	require.NoError(t, client.Call(context.Background(), "echo", map[string]string{"msg": "hi"}, &echoed))
	assert.Equal(t, "hi", echoed["msg"])
	assert.Equal(t, session.StateReady, s.State())
	assert.Equal(t, uint64(1), s.Stats().ProtocolErrors)
}

func TestHandshake(t *testing.T) {
	s, client, _ := start(t, func(ch transport.Channel) *Client {
		c := newClient(ch)
		c.On("ServerTick", func(context.Context, *Client, json.RawMessage) error { return nil })
		c.On("ChatMessage", func(context.Context, *Client, json.RawMessage) error { return nil })
		return c
	})

	assert.Equal(t, "tester", s.Name())
	assert.Equal(t, []string{"ChatMessage", "ServerTick"}, s.Subscriptions())

	select {
	case <-client.Ready():
	case <-time.After(wait):
		t.Fatal("client never became ready")
	}
	assert.Equal(t, []string{"echo@1"}, client.Capabilities().Commands)
}

func TestCall(t *testing.T) {
	_, client, _ := start(t, newClient)

	var out map[string]int
	require.NoError(t, client.Call(context.Background(), "echo", map[string]int{"n": 7}, &out))
	assert.Equal(t, map[string]int{"n": 7}, out)

	err := client.Call(context.Background(), "nope", nil, nil)
	var rpcErr *proto.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, proto.MethodNotFound, rpcErr.Code)
}

func TestNotifyAndLog(t *testing.T) {
	_, client, handler := start(t, newClient)

	require.NoError(t, client.Notify("echo", map[string]string{"x": "y"}))
	select {
	case n := <-handler.notes:
		assert.Equal(t, "echo", n.Method)
		assert.JSONEq(t, `{"x":"y"}`, string(n.Params))
	case <-time.After(wait):
		t.Fatal("notification not delivered")
	}

	// Log notifications go to the host log, not the handler.
	require.NoError(t, client.Log(Info, "hello"))
	select {
	case n := <-handler.notes:
		t.Fatalf("unexpected notification %s", n.Method)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventsArriveInOrder(t *testing.T) {
	got := make(chan int, 10)
	s, _, _ := start(t, func(ch transport.Channel) *Client {
		c := newClient(ch)
		c.On("ServerTick", func(_ context.Context, _ *Client, payload json.RawMessage) error {
			var tick struct{ Tick int }
			if err := json.Unmarshal(payload, &tick); err != nil {
				return err
			}
			got <- tick.Tick
			return nil
		})
		return c
	})

	for i := range 10 {
		frame, err := proto.Encode(proto.NewNotification("ServerTick", json.RawMessage(fmt.Sprintf(`{"tick":%d}`, i))))
		require.NoError(t, err)
		require.NoError(t, s.Enqueue(frame))
	}
	for i := range 10 {
		select {
		case n := <-got:
			assert.Equal(t, i, n)
		case <-time.After(wait):
			t.Fatalf("event %d not delivered", i)
		}
	}
}

func TestHandlersCanCallHost(t *testing.T) {
	results := make(chan string, 1)
	s, _, _ := start(t, func(ch transport.Channel) *Client {
		c := newClient(ch)
		c.On("ChatMessage", func(ctx context.Context, c *Client, payload json.RawMessage) error {
			var out map[string]string
			if err := c.Call(ctx, "echo", payload, &out); err != nil {
				return err
			}
			results <- out["message"]
			return nil
		})
		return c
	})

	frame, err := proto.Encode(proto.NewNotification("ChatMessage", json.RawMessage(`{"message":"ping"}`)))
	require.NoError(t, err)
	require.NoError(t, s.Enqueue(frame))

	select {
	case msg := <-results:
		assert.Equal(t, "ping", msg)
	case <-time.After(wait):
		t.Fatal("handler call did not complete")
	}
}

func TestHostRequests(t *testing.T) {
	s, _, _ := start(t, func(ch transport.Channel) *Client {
		c := newClient(ch)
		c.Handle("status", func(context.Context, *Client, json.RawMessage) (any, error) {
			return map[string]bool{"healthy": true}, nil
		})
		c.Handle("fail", func(context.Context, *Client, json.RawMessage) (any, error) {
			return nil, errors.New("boom")
		})
		return c
	})

	var status map[string]bool
	require.NoError(t, s.Call(context.Background(), "status", nil, &status))
	assert.True(t, status["healthy"])

	var rpcErr *proto.RPCError
	require.ErrorAs(t, s.Call(context.Background(), "fail", nil, nil), &rpcErr)
	assert.Equal(t, proto.InternalError, rpcErr.Code)

	require.ErrorAs(t, s.Call(context.Background(), "unknown", nil, nil), &rpcErr)
	assert.Equal(t, proto.MethodNotFound, rpcErr.Code)
}

func TestCallAfterClose(t *testing.T) {
	s, client, _ := start(t, newClient)
	s.Close(nil)

	assert.Eventually(t, func() bool {
		return errors.Is(client.Call(context.Background(), "echo", nil, nil), ErrClosed)
	}, wait, 10*time.Millisecond)
}
