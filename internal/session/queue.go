package session

import (
	"fmt"
	"strings"
	"sync"
)

// BackpressurePolicy decides what happens when a session's event queue is full.
type BackpressurePolicy int

const (
	// DropOldest discards the oldest queued event to make room.
	DropOldest BackpressurePolicy = iota
	// DropNewest discards the event being enqueued.
	DropNewest
	// Disconnect closes the session with ErrBackpressureExceeded.
	Disconnect
)

func (p BackpressurePolicy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case DropNewest:
		return "drop-newest"
	case Disconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("BackpressurePolicy(%d)", int(p))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p BackpressurePolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *BackpressurePolicy) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "drop-oldest", "":
		*p = DropOldest
	case "drop-newest":
		*p = DropNewest
	case "disconnect":
		*p = Disconnect
	default:
		return fmt.Errorf("unknown backpressure policy %q", text)
	}
	return nil
}

// eventQueue is a bounded FIFO of encoded event frames. Producers never block.
type eventQueue struct {
	mu     sync.Mutex
	frames chan []byte
	policy BackpressurePolicy
}

func newEventQueue(size int, policy BackpressurePolicy) *eventQueue {
	return &eventQueue{frames: make(chan []byte, size), policy: policy}
}

// push enqueues frame, applying the policy when the queue is full. It returns ErrEventDropped
// when an event was discarded and ErrBackpressureExceeded when the session must be disconnected.
func (q *eventQueue) push(frame []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	select {
	case q.frames <- frame:
		return nil
	default:
	}

	switch q.policy {
	case DropNewest:
		return ErrEventDropped
	case DropOldest:
		select {
		case <-q.frames:
		default:
		}
		select {
		case q.frames <- frame:
		default:
		}
		return ErrEventDropped
	default:
		return ErrBackpressureExceeded
	}
}

// pop blocks until a frame is available or done is closed.
func (q *eventQueue) pop(done <-chan struct{}) ([]byte, bool) {
	select {
	case frame := <-q.frames:
		return frame, true
	case <-done:
		return nil, false
	}
}

func (q *eventQueue) len() int {
	return len(q.frames)
}
