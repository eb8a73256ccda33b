// Package game defines the contract between the plugin host and the wrapped game server:
// the events the server produces and the commands plugins may run against it.
//
// Turning console output into events and executing commands on the real server are the job of
// collaborators behind EventSource and ServerControl. JSONLineSource and ConsoleControl are the
// minimal adapters used by the serve command.
package game

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Event kinds. A plugin subscribes by kind and receives notifications whose method is the kind.
const (
	KindPlayerJoined = "PlayerJoined"
	KindPlayerLeft   = "PlayerLeft"
	KindChatMessage  = "ChatMessage"
	KindServerTick   = "ServerTick"
)

// Kinds returns every event kind the host knows how to decode.
func Kinds() []string {
	return []string{KindPlayerJoined, KindPlayerLeft, KindChatMessage, KindServerTick}
}

// Event is something that happened on the wrapped server. Events are immutable values; the
// JSON encoding of an Event is the notification payload.
type Event interface {
	Kind() string
}

// PlayerJoined is emitted once a player has authenticated.
type PlayerJoined struct {
	Name string `json:"name"`
	ID   string `json:"id,omitempty"`
}

func (PlayerJoined) Kind() string { return KindPlayerJoined }

// PlayerLeft is emitted when a player disconnects.
type PlayerLeft struct {
	Name string `json:"name"`
	ID   string `json:"id,omitempty"`
}

func (PlayerLeft) Kind() string { return KindPlayerLeft }

// ChatMessage is a line of in-game chat.
type ChatMessage struct {
	User    string `json:"user"`
	Message string `json:"message"`
}

func (ChatMessage) Kind() string { return KindChatMessage }

// ServerTick is a periodic heartbeat from the server.
type ServerTick struct {
	Tick uint64 `json:"tick"`
}

func (ServerTick) Kind() string { return KindServerTick }

// RawEvent carries an event whose payload was decoded elsewhere. Its JSON encoding is Payload.
type RawEvent struct {
	EventKind string
	Payload   json.RawMessage
}

func (e RawEvent) Kind() string { return e.EventKind }

// MarshalJSON implements json.Marshaler.
func (e RawEvent) MarshalJSON() ([]byte, error) {
	if len(e.Payload) == 0 {
		return []byte("null"), nil
	}
	return e.Payload, nil
}

// ErrUnknownKind is returned when an event kind is empty.
var ErrUnknownKind = errors.New("unknown event kind")

// DecodeEvent builds a typed Event for known kinds and a RawEvent for anything else.
func DecodeEvent(kind string, payload json.RawMessage) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch kind {
	case "":
		return nil, ErrUnknownKind
	case KindPlayerJoined:
		var e PlayerJoined
		err = unmarshalPayload(payload, &e)
		ev = e
	case KindPlayerLeft:
		var e PlayerLeft
		err = unmarshalPayload(payload, &e)
		ev = e
	case KindChatMessage:
		var e ChatMessage
		err = unmarshalPayload(payload, &e)
		ev = e
	case KindServerTick:
		var e ServerTick
		err = unmarshalPayload(payload, &e)
		ev = e
	default:
		return RawEvent{EventKind: kind, Payload: payload}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return ev, nil
}

func unmarshalPayload(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, v)
}

// EventSource is the lazy stream of server events. Next blocks until an event is available and
// returns io.EOF once the server has stopped producing events.
type EventSource interface {
	Next(ctx context.Context) (Event, error)
}

// ErrSourceClosed is returned when publishing to a closed ChanSource.
var ErrSourceClosed = errors.New("event source closed")

// ChanSource is an in-process EventSource fed by Publish.
type ChanSource struct {
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// NewChanSource creates a source buffering up to size events.
func NewChanSource(size int) *ChanSource {
	return &ChanSource{ch: make(chan Event, size), done: make(chan struct{})}
}

// Publish hands ev to the consumer, blocking while the buffer is full.
func (s *ChanSource) Publish(ctx context.Context, ev Event) error {
	select {
	case <-s.done:
		return ErrSourceClosed
	default:
	}
	select {
	case s.ch <- ev:
		return nil
	case <-s.done:
		return ErrSourceClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next implements EventSource. Buffered events are drained before io.EOF is reported.
func (s *ChanSource) Next(ctx context.Context) (Event, error) {
	select {
	case ev := <-s.ch:
		return ev, nil
	default:
	}
	select {
	case ev := <-s.ch:
		return ev, nil
	case <-s.done:
		select {
		case ev := <-s.ch:
			return ev, nil
		default:
			return nil, io.EOF
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close ends the stream. Events already buffered are still delivered.
func (s *ChanSource) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}
