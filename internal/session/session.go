// Package session owns the conversation with one plugin: the handshake, the table of
// host-originated calls awaiting a response, the plugin's subscriptions, and the queue of events
// waiting to be written to it.
//
// A Session runs three goroutines once opened: the reader, which decodes every inbound frame;
// the event pump, which writes queued events in order; and the command worker, which hands
// plugin requests to a Handler one at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/akshayaggarwal99/brickwrap/internal/proto"
	"github.com/akshayaggarwal99/brickwrap/internal/transport"
	"github.com/rs/zerolog"
)

// Common errors returned by Session.
var (
	// ErrHandshakeFailed indicates the plugin did not complete initialize in time or answered
	// it with something the host cannot accept.
	ErrHandshakeFailed = errors.New("handshake failed")

	// ErrTimeout indicates a host-originated call received no response within the call timeout.
	ErrTimeout = errors.New("call timed out")

	// ErrSessionClosed indicates the session closed before the operation could complete.
	ErrSessionClosed = errors.New("session closed")

	// ErrSessionDraining indicates the session is being unregistered and accepts no new work.
	ErrSessionDraining = errors.New("session draining")

	// ErrBackpressureExceeded indicates the plugin fell too far behind on events.
	ErrBackpressureExceeded = errors.New("backpressure exceeded")

	// ErrEventDropped indicates an event was discarded because the queue was full.
	ErrEventDropped = errors.New("event dropped")

	// ErrUnregistered is the close cause of a session that finished draining.
	ErrUnregistered = errors.New("unregistered")
)

// State is a session's position in its lifecycle. Transitions only move forward.
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateReady
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Handler serves plugin-originated traffic other than responses and log notifications.
type Handler interface {
	// HandleRequest returns the response to send for req.
	HandleRequest(ctx context.Context, s *Session, req proto.Message) proto.Message
	// HandleNotification runs a request that expects no answer.
	HandleNotification(ctx context.Context, s *Session, n proto.Message)
}

// Config holds per-session limits.
type Config struct {
	ProtocolVersion  string
	Capabilities     proto.HostCapabilities
	HandshakeTimeout time.Duration
	CallTimeout      time.Duration
	DrainTimeout     time.Duration
	EventQueueSize   int
	CommandQueueSize int
	Backpressure     BackpressurePolicy
}

// Defaults used when a Config field is zero.
const (
	DefaultProtocolVersion  = "1.0"
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultCallTimeout      = 5 * time.Second
	DefaultDrainTimeout     = 5 * time.Second
	DefaultEventQueueSize   = 256
	DefaultCommandQueueSize = 32
)

func (c Config) withDefaults() Config {
	if c.ProtocolVersion == "" {
		c.ProtocolVersion = DefaultProtocolVersion
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.EventQueueSize <= 0 {
		c.EventQueueSize = DefaultEventQueueSize
	}
	if c.CommandQueueSize <= 0 {
		c.CommandQueueSize = DefaultCommandQueueSize
	}
	return c
}

// Stats are per-session counters.
type Stats struct {
	EventsQueued     uint64 `json:"events_queued"`
	EventsDelivered  uint64 `json:"events_delivered"`
	EventsDropped    uint64 `json:"events_dropped"`
	CallsIssued      uint64 `json:"calls_issued"`
	CallsTimedOut    uint64 `json:"calls_timed_out"`
	CommandsHandled  uint64 `json:"commands_handled"`
	CommandsRejected uint64 `json:"commands_rejected"`
	ProtocolErrors   uint64 `json:"protocol_errors"`
}

type counters struct {
	eventsQueued     atomic.Uint64
	eventsDelivered  atomic.Uint64
	eventsDropped    atomic.Uint64
	callsIssued      atomic.Uint64
	callsTimedOut    atomic.Uint64
	commandsHandled  atomic.Uint64
	commandsRejected atomic.Uint64
	protocolErrors   atomic.Uint64
}

// Session is one plugin connection.
type Session struct {
	cfg      Config
	ch       transport.Channel
	resource io.Closer
	handler  Handler

	state  atomic.Int32
	nextID atomic.Int64
	stats  counters

	mu          sync.Mutex
	id          string
	name        string
	logger      zerolog.Logger
	subs        map[string]struct{}
	pending     map[int64]*pendingCall
	inflight    int
	cause       error
	connectedAt time.Time
	onClose     []func(*Session)

	events   *eventQueue
	commands chan proto.Message
	settled  chan struct{}
	done     chan struct{}

	closeOnce   sync.Once
	releaseOnce sync.Once
}

// New creates a session in the Connecting state. The session owns ch and resource: both are
// closed exactly once when the session closes. resource may be nil.
func New(ch transport.Channel, resource io.Closer, handler Handler, cfg Config, logger zerolog.Logger) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		cfg:         cfg,
		ch:          ch,
		resource:    resource,
		handler:     handler,
		logger:      logger.With().Str("component", "session").Logger(),
		subs:        make(map[string]struct{}),
		pending:     make(map[int64]*pendingCall),
		connectedAt: time.Now(),
		events:      newEventQueue(cfg.EventQueueSize, cfg.Backpressure),
		commands:    make(chan proto.Message, cfg.CommandQueueSize),
		settled:     make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// Open starts the session goroutines and performs the initialize handshake. On success the
// session stays in Handshaking until MarkReady; on failure it is closed and the error wraps
// ErrHandshakeFailed.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.State() != StateConnecting {
		s.mu.Unlock()
		return fmt.Errorf("open session in state %s", s.State())
	}
	s.setState(StateHandshaking)
	s.mu.Unlock()

	go s.readLoop()
	go s.pump()
	go s.commandWorker()

	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	params := proto.InitializeParams{
		ProtocolVersion:  s.cfg.ProtocolVersion,
		HostCapabilities: s.cfg.Capabilities,
	}
	var res proto.InitializeResult
	err := s.call(hctx, proto.MethodInitialize, params, &res, s.cfg.HandshakeTimeout)
	if err == nil {
		err = s.accept(res)
	}
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
		s.Close(err)
		return err
	}

	s.log().Debug().Strs("subscriptions", s.Subscriptions()).Msg("Handshake complete")
	return nil
}

func (s *Session) accept(res proto.InitializeResult) error {
	if res.ProtocolVersion != s.cfg.ProtocolVersion {
		return fmt.Errorf("protocol version %q does not match host version %q", res.ProtocolVersion, s.cfg.ProtocolVersion)
	}
	name := strings.TrimSpace(res.PluginName)
	if name == "" {
		return errors.New("plugin name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
	for _, kind := range res.Subscriptions {
		if kind != "" {
			s.subs[kind] = struct{}{}
		}
	}
	s.logger = s.logger.With().Str("plugin", name).Logger()
	return nil
}

// MarkReady assigns the plugin id and moves a handshaken session to Ready.
func (s *Session) MarkReady(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch st := s.State(); st {
	case StateHandshaking:
	case StateClosed:
		return ErrSessionClosed
	default:
		return fmt.Errorf("mark ready in state %s", st)
	}
	if s.name == "" {
		return errors.New("mark ready before handshake")
	}
	s.id = id
	s.logger = s.logger.With().Str("plugin_id", id).Logger()
	s.setState(StateReady)
	return nil
}

// OnClose registers fn to run once the session has closed. If it already has, fn runs now.
func (s *Session) OnClose(fn func(*Session)) {
	s.mu.Lock()
	if s.State() != StateClosed {
		s.onClose = append(s.onClose, fn)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	fn(s)
}

// Drain stops accepting new work and closes the session once every host-originated call and
// plugin-originated command has resolved, or when the drain timeout elapses. It does not block.
// A session that never became Ready is closed immediately.
func (s *Session) Drain() {
	s.mu.Lock()
	switch s.State() {
	case StateDraining, StateClosed:
		s.mu.Unlock()
		return
	case StateReady:
		s.setState(StateDraining)
		s.mu.Unlock()
		s.log().Info().Msg("Draining plugin session")
		go s.drain(s.cfg.DrainTimeout)
	default:
		s.mu.Unlock()
		s.Close(ErrUnregistered)
	}
}

func (s *Session) drain(timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if s.idle() {
			s.Close(ErrUnregistered)
			return
		}
		select {
		case <-s.settled:
		case <-timer.C:
			s.Close(fmt.Errorf("%w: drain deadline elapsed", ErrUnregistered))
			return
		case <-s.done:
			return
		}
	}
}

func (s *Session) idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) == 0 && s.inflight == 0
}

// poke wakes a draining session after pending work changed.
func (s *Session) poke() {
	select {
	case s.settled <- struct{}{}:
	default:
	}
}

// Close tears the session down immediately: every pending call resolves with ErrSessionClosed,
// then the channel and the owned resource are released. Close hooks run once, after cleanup.
func (s *Session) Close(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		prev := s.State()
		s.setState(StateClosed)
		s.cause = cause
		pending := s.pending
		s.pending = make(map[int64]*pendingCall)
		hooks := s.onClose
		s.onClose = nil
		s.mu.Unlock()

		close(s.done)
		// Closing a spawned plugin's channel or resource can wait on the process or container.
		for _, call := range pending {
			call.resolve(callResult{err: ErrSessionClosed})
		}
		_ = s.ch.Close()
		s.release()

		ev := s.log().Info()
		if cause != nil && !errors.Is(cause, ErrUnregistered) {
			ev = s.log().Warn().Err(cause)
		}
		ev.Str("from", prev.String()).Int("pending_cancelled", len(pending)).Msg("Plugin session closed")

		for _, fn := range hooks {
			fn(s)
		}
	})
}

func (s *Session) release() {
	if s.resource == nil {
		return
	}
	s.releaseOnce.Do(func() {
		if err := s.resource.Close(); err != nil {
			s.log().Warn().Err(err).Msg("Failed to release plugin resource")
		}
	})
}

// Done is closed once the session has closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the close cause, or nil while the session is open.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// setState requires s.mu.
func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// ID returns the plugin id assigned by MarkReady.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Name returns the plugin name announced in the handshake.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *Session) log() *zerolog.Logger {
	s.mu.Lock()
	l := s.logger
	s.mu.Unlock()
	return &l
}

// Logger returns the session logger, tagged with the plugin name and id once known.
func (s *Session) Logger() zerolog.Logger {
	return *s.log()
}

// Subscribed reports whether the plugin wants events of kind.
func (s *Session) Subscribed(kind string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[kind]
	return ok
}

// Subscriptions returns the subscribed kinds in sorted order.
func (s *Session) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscriptionsLocked()
}

func (s *Session) subscriptionsLocked() []string {
	kinds := make([]string, 0, len(s.subs))
	for kind := range s.subs {
		kinds = append(kinds, kind)
	}
	slices.Sort(kinds)
	return kinds
}

// UpdateSubscriptions adds and removes kinds and returns the resulting set. Callers other than
// the registry should go through registry.Registry so lookups stay consistent.
func (s *Session) UpdateSubscriptions(add, remove []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, kind := range add {
		if kind != "" {
			s.subs[kind] = struct{}{}
		}
	}
	for _, kind := range remove {
		delete(s.subs, kind)
	}
	return s.subscriptionsLocked()
}

// Info is a point-in-time view of a session.
type Info struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	State         string    `json:"state"`
	Subscriptions []string  `json:"subscriptions"`
	Pending       int       `json:"pending"`
	Inflight      int       `json:"inflight"`
	QueuedEvents  int       `json:"queued_events"`
	ConnectedAt   time.Time `json:"connected_at"`
	Stats         Stats     `json:"stats"`
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	info := Info{
		ID:            s.id,
		Name:          s.name,
		State:         s.State().String(),
		Subscriptions: s.subscriptionsLocked(),
		Pending:       len(s.pending),
		Inflight:      s.inflight,
		ConnectedAt:   s.connectedAt,
	}
	s.mu.Unlock()
	info.QueuedEvents = s.events.len()
	info.Stats = s.Stats()
	return info
}

// Stats returns the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		EventsQueued:     s.stats.eventsQueued.Load(),
		EventsDelivered:  s.stats.eventsDelivered.Load(),
		EventsDropped:    s.stats.eventsDropped.Load(),
		CallsIssued:      s.stats.callsIssued.Load(),
		CallsTimedOut:    s.stats.callsTimedOut.Load(),
		CommandsHandled:  s.stats.commandsHandled.Load(),
		CommandsRejected: s.stats.commandsRejected.Load(),
		ProtocolErrors:   s.stats.protocolErrors.Load(),
	}
}
