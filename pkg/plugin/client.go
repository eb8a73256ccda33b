// Package plugin is the plugin side of the brickwrap protocol. A plugin creates a Client, adds
// event handlers with On, and calls Serve; the client answers the host's initialize request,
// delivers subscribed events in order, and lets handlers run host commands with Call.
//
//	c := plugin.New(plugin.Stdio(), plugin.Options{Name: "greeter"})
//	c.On("PlayerJoined", func(ctx context.Context, c *plugin.Client, payload json.RawMessage) error {
//		return c.Call(ctx, "broadcast", map[string]string{"message": "welcome"}, nil)
//	})
//	err := c.Serve(ctx)
package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/akshayaggarwal99/brickwrap/internal/proto"
	"github.com/akshayaggarwal99/brickwrap/internal/transport"
	"github.com/rs/zerolog"
)

// ErrClosed is returned for calls made after the connection to the host ended.
var ErrClosed = errors.New("plugin connection closed")

// DefaultProtocolVersion is the protocol version plugins answer with when Options leaves it empty.
const DefaultProtocolVersion = "1.0"

// Severity levels accepted by Log.
type Severity = proto.Severity

const (
	Trace = proto.SeverityTrace
	Debug = proto.SeverityDebug
	Info  = proto.SeverityInfo
	Warn  = proto.SeverityWarn
	Error = proto.SeverityError
)

// Capabilities describes what the host offers: commands as "name@version" and event kinds.
type Capabilities = proto.HostCapabilities

// EventHandler handles one event notification. Handlers run one at a time in arrival order.
type EventHandler func(ctx context.Context, c *Client, payload json.RawMessage) error

// MethodHandler answers a host-originated request other than initialize.
type MethodHandler func(ctx context.Context, c *Client, params json.RawMessage) (any, error)

// Options configure a Client.
type Options struct {
	// Name is the plugin name reported in the handshake. Required.
	Name            string
	ProtocolVersion string
	MaxFrameSize    int
	Logger          zerolog.Logger
}

// Client is a connection to the host.
type Client struct {
	ch      transport.Channel
	opts    Options
	logger  zerolog.Logger
	nextID  atomic.Int64
	work    chan proto.Message
	ready   chan struct{}
	done    chan struct{}
	closeMu sync.Once
	readyMu sync.Once

	mu       sync.Mutex
	events   map[string]EventHandler
	methods  map[string]MethodHandler
	pending  map[int64]chan proto.Message
	caps     proto.HostCapabilities
	serveErr error
}

// New creates a client over rwc, typically Stdio().
func New(rwc io.ReadWriteCloser, opts Options) *Client {
	return NewChannel(transport.NewLineChannel(rwc, opts.MaxFrameSize), opts)
}

// NewChannel creates a client over an already framed channel.
func NewChannel(ch transport.Channel, opts Options) *Client {
	if opts.ProtocolVersion == "" {
		opts.ProtocolVersion = DefaultProtocolVersion
	}
	return &Client{
		ch:      ch,
		opts:    opts,
		logger:  opts.Logger.With().Str("plugin", opts.Name).Logger(),
		work:    make(chan proto.Message, 64),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		events:  make(map[string]EventHandler),
		methods: make(map[string]MethodHandler),
		pending: make(map[int64]chan proto.Message),
	}
}

type stdio struct {
	io.Reader
	io.Writer
}

func (stdio) Close() error { return os.Stdout.Close() }

// Stdio returns the process's stdin and stdout as one stream.
func Stdio() io.ReadWriteCloser {
	return stdio{Reader: os.Stdin, Writer: os.Stdout}
}

// On subscribes to an event kind. It must be called before Serve; the subscribed kinds are
// reported in the handshake.
func (c *Client) On(kind string, h EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[kind] = h
}

// Handle answers host requests for method.
func (c *Client) Handle(method string, h MethodHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.methods[method] = h
}

// Ready is closed once the handshake has been answered.
func (c *Client) Ready() <-chan struct{} {
	return c.ready
}

// Capabilities returns what the host offered in the handshake.
func (c *Client) Capabilities() Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

// Serve reads from the host until the stream ends or ctx is cancelled. Handlers run on a
// separate goroutine so they can make calls while Serve keeps reading.
func (c *Client) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		c.shutdown(ctx.Err())
	}()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		c.worker(ctx)
	}()

	var err error
	for frame, rerr := range transport.Frames(c.ch) {
		if rerr != nil {
			if transport.Skippable(rerr) {
				c.logger.Warn().Err(rerr).Msg("Dropped unreadable frame")
				continue
			}
			err = rerr
			break
		}
		c.handleFrame(frame)
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	c.shutdown(err)
	close(c.work)
	<-workerDone
	return err
}

func (c *Client) shutdown(err error) {
	c.closeMu.Do(func() {
		c.mu.Lock()
		c.serveErr = err
		pending := c.pending
		c.pending = make(map[int64]chan proto.Message)
		c.mu.Unlock()

		close(c.done)
		_ = c.ch.Close()
		for _, ch := range pending {
			close(ch)
		}
	})
}

func (c *Client) handleFrame(frame []byte) {
	msg, err := proto.Decode(frame)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Malformed message from host")
		var perr *proto.ProtocolError
		if errors.As(err, &perr) && perr.Request && perr.ID.IsValid() {
			c.send(proto.NewErrorResponse(perr.ID, proto.InvalidRequest, perr.Reason))
		}
		return
	}

	switch msg.Kind {
	case proto.KindResponse:
		c.resolve(msg)
	case proto.KindRequest:
		if msg.Method == proto.MethodInitialize {
			c.initialize(msg)
			return
		}
		c.queue(msg)
	case proto.KindNotification:
		c.queue(msg)
	}
}

// queue never blocks the reader: it must stay free to read responses for handlers in Call.
func (c *Client) queue(msg proto.Message) {
	select {
	case c.work <- msg:
	default:
		c.logger.Warn().Str("method", msg.Method).Msg("Handler queue full, dropping message")
		if msg.Kind == proto.KindRequest {
			c.send(proto.NewErrorResponse(msg.ID, proto.ServerBusy, "plugin busy"))
		}
	}
}

func (c *Client) initialize(req proto.Message) {
	var params proto.InitializeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		c.send(proto.NewErrorResponse(req.ID, proto.InvalidParams, err.Error()))
		return
	}

	c.mu.Lock()
	c.caps = params.HostCapabilities
	subs := make([]string, 0, len(c.events))
	for kind := range c.events {
		subs = append(subs, kind)
	}
	c.mu.Unlock()
	slices.Sort(subs)

	if params.ProtocolVersion != c.opts.ProtocolVersion {
		c.logger.Warn().Str("host_version", params.ProtocolVersion).Msg("Host protocol version differs")
	}
	raw, _ := proto.Raw(proto.InitializeResult{
		ProtocolVersion: c.opts.ProtocolVersion,
		PluginName:      c.opts.Name,
		Subscriptions:   subs,
	})
	if c.send(proto.NewSuccessResponse(req.ID, raw)) == nil {
		c.readyMu.Do(func() { close(c.ready) })
	}
}

func (c *Client) worker(ctx context.Context) {
	for msg := range c.work {
		if msg.Kind == proto.KindRequest {
			c.answer(ctx, msg)
			continue
		}
		c.mu.Lock()
		h, ok := c.events[msg.Method]
		c.mu.Unlock()
		if !ok {
			c.logger.Debug().Str("method", msg.Method).Msg("Ignoring unhandled notification")
			continue
		}
		if err := h(ctx, c, msg.Params); err != nil {
			c.logger.Warn().Err(err).Str("event", msg.Method).Msg("Event handler failed")
		}
	}
}

func (c *Client) answer(ctx context.Context, req proto.Message) {
	c.mu.Lock()
	h, ok := c.methods[req.Method]
	c.mu.Unlock()
	if !ok {
		c.send(proto.NewErrorResponse(req.ID, proto.MethodNotFound, "method not found: "+req.Method))
		return
	}
	result, err := h(ctx, c, req.Params)
	if err != nil {
		c.send(proto.NewErrorResponse(req.ID, proto.InternalError, err.Error()))
		return
	}
	raw, err := proto.Raw(result)
	if err != nil {
		c.send(proto.NewErrorResponse(req.ID, proto.InternalError, err.Error()))
		return
	}
	c.send(proto.NewSuccessResponse(req.ID, raw))
}

func (c *Client) resolve(resp proto.Message) {
	id, ok := resp.ID.Int64()
	if !ok {
		c.logger.Warn().Str("id", resp.ID.String()).Msg("Response with unknown id")
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		c.logger.Warn().Int64("id", id).Msg("Response with unknown id")
		return
	}
	ch <- resp
}

func (c *Client) send(m proto.Message) error {
	frame, err := proto.Encode(m)
	if err != nil {
		return err
	}
	return c.ch.Send(frame)
}

// Call runs a host command and decodes its result into result, which may be nil.
// A command failure is returned as a *proto.RPCError.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	raw, err := proto.Raw(params)
	if err != nil {
		return err
	}
	id := c.nextID.Add(1)
	reply := make(chan proto.Message, 1)

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return ErrClosed
	default:
	}
	c.pending[id] = reply
	c.mu.Unlock()

	if err := c.send(proto.NewRequest(proto.NumberID(id), method, raw)); err != nil {
		c.forget(id)
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp, ok := <-reply:
		if !ok {
			return ErrClosed
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result == nil || len(resp.Result) == 0 {
			return nil
		}
		return json.Unmarshal(resp.Result, result)
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Notify runs a host command without waiting for a result.
func (c *Client) Notify(method string, params any) error {
	raw, err := proto.Raw(params)
	if err != nil {
		return err
	}
	return c.send(proto.NewNotification(method, raw))
}

// Log writes a line to the host log.
func (c *Client) Log(severity Severity, content string) error {
	return c.Notify(proto.MethodLog, proto.LogParams{Severity: severity, Content: content})
}

// Subscribe adds event kinds after the handshake.
func (c *Client) Subscribe(ctx context.Context, h EventHandler, kinds ...string) ([]string, error) {
	c.mu.Lock()
	for _, kind := range kinds {
		c.events[kind] = h
	}
	c.mu.Unlock()
	var res proto.SubscriptionResult
	if err := c.Call(ctx, proto.MethodSubscribe, proto.SubscriptionParams{Events: kinds}, &res); err != nil {
		return nil, err
	}
	return res.Subscriptions, nil
}

// Err returns why Serve stopped, or nil while it is running or after a clean end of stream.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serveErr
}
