// Package sessiontest provides an in-memory plugin peer for testing code built on sessions.
package sessiontest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/akshayaggarwal99/brickwrap/internal/proto"
	"github.com/akshayaggarwal99/brickwrap/internal/session"
	"github.com/akshayaggarwal99/brickwrap/internal/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// Wait bounds every blocking step of a Peer.
const Wait = 2 * time.Second

// Peer is the plugin end of a session under test.
type Peer struct {
	t  testing.TB
	ch *transport.LineChannel
}

// Handshaken opens a session over an in-memory pipe and completes the handshake as a plugin
// called name with the given subscriptions. The session is left in Handshaking, ready for
// registration. Both ends are closed when the test finishes.
func Handshaken(t testing.TB, name string, subs []string, cfg session.Config, h session.Handler) (*session.Session, *Peer) {
	t.Helper()
	host, plugin := transport.Pipe(transport.DefaultMaxFrameSize)
	s := session.New(host, nil, h, cfg, zerolog.Nop())
	p := &Peer{t: t, ch: plugin}
	t.Cleanup(func() {
		s.Close(nil)
		_ = plugin.Close()
	})

	opened := make(chan error, 1)
	go func() { opened <- s.Open(context.Background()) }()

	req := p.Recv()
	require.Equal(t, proto.MethodInitialize, req.Method)
	var params proto.InitializeParams
	require.NoError(t, json.Unmarshal(req.Params, &params))
	p.Answer(req, proto.InitializeResult{
		ProtocolVersion: params.ProtocolVersion,
		PluginName:      name,
		Subscriptions:   subs,
	})
	require.NoError(t, <-opened)
	return s, p
}

// Recv returns the next message the host sent, failing the test after Wait.
func (p *Peer) Recv() proto.Message {
	p.t.Helper()
	msg, ok := p.TryRecv(Wait)
	if !ok {
		p.t.Fatal("timed out waiting for a frame from the host")
	}
	return msg
}

// TryRecv returns the next message the host sent within d. After a timeout the pending read
// keeps running, so the peer must not be read again.
func (p *Peer) TryRecv(d time.Duration) (proto.Message, bool) {
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
		if r.err != nil {
			return proto.Message{}, false
		}
		msg, err := proto.Decode(r.frame)
		require.NoError(p.t, err)
		return msg, true
	case <-time.After(d):
		return proto.Message{}, false
	}
}

// Send writes m to the host.
func (p *Peer) Send(m proto.Message) {
	p.t.Helper()
	frame, err := proto.Encode(m)
	require.NoError(p.t, err)
	p.SendRaw(string(frame))
}

// SendRaw writes one raw line to the host.
func (p *Peer) SendRaw(line string) {
	p.t.Helper()
	require.NoError(p.t, p.ch.Send([]byte(line)))
}

// Request sends a request with a numeric id.
func (p *Peer) Request(id int64, method string, params any) {
	p.t.Helper()
	raw, err := proto.Raw(params)
	require.NoError(p.t, err)
	p.Send(proto.NewRequest(proto.NumberID(id), method, raw))
}

// Answer replies to req with v as the result.
func (p *Peer) Answer(req proto.Message, v any) {
	p.t.Helper()
	raw, err := proto.Raw(v)
	require.NoError(p.t, err)
	p.Send(proto.NewSuccessResponse(req.ID, raw))
}

// Close closes the plugin end of the pipe.
func (p *Peer) Close() error {
	return p.ch.Close()
}
