// Package dispatch fans server events out to the plugins subscribed to them.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/akshayaggarwal99/brickwrap/internal/game"
	"github.com/akshayaggarwal99/brickwrap/internal/proto"
	"github.com/akshayaggarwal99/brickwrap/internal/session"
	"github.com/rs/zerolog"
)

// ErrInvalidPayload indicates an event whose JSON encoding is not an object or an array.
var ErrInvalidPayload = errors.New("event payload must be a JSON object or array")

// Subscribers resolves the sessions that should receive an event kind.
type Subscribers interface {
	Subscribers(kind string) []*session.Session
}

// Stats are dispatcher-wide counters. Delivered counts frames handed to session queues.
type Stats struct {
	Accepted     uint64 `json:"accepted"`
	Delivered    uint64 `json:"delivered"`
	Dropped      uint64 `json:"dropped"`
	Disconnected uint64 `json:"disconnected"`
}

// Dispatcher encodes each event once and enqueues the frame on every subscribed session.
// It never waits on a plugin: slow plugins are handled by their session's backpressure policy.
type Dispatcher struct {
	subs   Subscribers
	logger zerolog.Logger

	// mu serializes Dispatch so every session sees events in dispatch order.
	mu sync.Mutex

	accepted     atomic.Uint64
	delivered    atomic.Uint64
	dropped      atomic.Uint64
	disconnected atomic.Uint64
}

// New creates a dispatcher over subs.
func New(subs Subscribers, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		subs:   subs,
		logger: logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch delivers ev to every Ready session subscribed to its kind and returns how many
// sessions queued it.
func (d *Dispatcher) Dispatch(ev game.Event) (int, error) {
	frame, err := encode(ev)
	if err != nil {
		return 0, err
	}
	d.accepted.Add(1)

	d.mu.Lock()
	defer d.mu.Unlock()

	queued := 0
	for _, s := range d.subs.Subscribers(ev.Kind()) {
		err := s.Enqueue(frame)
		switch {
		case err == nil:
			queued++
			d.delivered.Add(1)
		case errors.Is(err, session.ErrEventDropped):
			d.dropped.Add(1)
			if s.State() == session.StateReady {
				queued++
			}
			logger := s.Logger()
			logger.Debug().Str("kind", ev.Kind()).Msg("Event queue full, dropped an event")
		case errors.Is(err, session.ErrBackpressureExceeded):
			d.dropped.Add(1)
			d.disconnected.Add(1)
			d.logger.Warn().Str("plugin_id", s.ID()).Str("plugin", s.Name()).Str("kind", ev.Kind()).Msg("Disconnecting plugin that fell behind on events")
		default:
			d.logger.Debug().Err(err).Str("plugin_id", s.ID()).Msg("Skipping closed session")
		}
	}
	return queued, nil
}

func encode(ev game.Event) ([]byte, error) {
	if ev == nil || ev.Kind() == "" {
		return nil, game.ErrUnknownKind
	}
	payload, err := proto.Raw(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Kind(), err)
	}
	if string(payload) == "null" {
		payload = nil
	}
	if len(payload) > 0 && payload[0] != '{' && payload[0] != '[' {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPayload, ev.Kind())
	}
	return proto.Encode(proto.NewNotification(ev.Kind(), payload))
}

// Run dispatches events from src until it is exhausted or ctx is cancelled. An exhausted
// source is not an error.
func (d *Dispatcher) Run(ctx context.Context, src game.EventSource) error {
	for {
		ev, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				d.logger.Info().Msg("Event source exhausted")
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read event: %w", err)
		}

		n, err := d.Dispatch(ev)
		if err != nil {
			d.logger.Warn().Err(err).Msg("Dropping undeliverable event")
			continue
		}
		d.logger.Trace().Str("kind", ev.Kind()).Int("sessions", n).Msg("Event dispatched")
	}
}

// Stats returns the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Accepted:     d.accepted.Load(),
		Delivered:    d.delivered.Load(),
		Dropped:      d.dropped.Load(),
		Disconnected: d.disconnected.Load(),
	}
}
