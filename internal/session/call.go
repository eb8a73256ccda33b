package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/akshayaggarwal99/brickwrap/internal/proto"
	"github.com/akshayaggarwal99/brickwrap/internal/transport"
)

// pendingCall is a host-originated request awaiting its response. Whoever removes it from the
// pending table resolves it; resolve is idempotent so a late path is harmless.
type pendingCall struct {
	id        int64
	method    string
	submitted time.Time

	once   sync.Once
	done   chan struct{}
	result callResult
}

type callResult struct {
	msg proto.Message
	err error
}

func newPendingCall(id int64, method string) *pendingCall {
	return &pendingCall{id: id, method: method, submitted: time.Now(), done: make(chan struct{})}
}

func (c *pendingCall) resolve(r callResult) {
	c.once.Do(func() {
		c.result = r
		close(c.done)
	})
}

func (r callResult) decode(v any) error {
	if r.err != nil {
		return r.err
	}
	if r.msg.Error != nil {
		return r.msg.Error
	}
	if v == nil || len(r.msg.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.msg.Result, v); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

// Call sends a request to the plugin and waits for its response, decoding the result into
// result when it is non-nil. A plugin error response is returned as *proto.RPCError. The call
// fails with ErrTimeout after the configured call timeout, with ErrSessionClosed if the session
// closes first, and with ErrSessionDraining once the session is draining.
func (s *Session) Call(ctx context.Context, method string, params, result any) error {
	switch st := s.State(); st {
	case StateReady:
	case StateDraining:
		return ErrSessionDraining
	case StateClosed:
		return ErrSessionClosed
	default:
		return fmt.Errorf("call %s in state %s", method, st)
	}
	return s.call(ctx, method, params, result, s.cfg.CallTimeout)
}

// Notify sends a notification to the plugin.
func (s *Session) Notify(method string, params any) error {
	if st := s.State(); st == StateClosed {
		return ErrSessionClosed
	}
	raw, err := proto.Raw(params)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", method, err)
	}
	frame, err := proto.Encode(proto.NewNotification(method, raw))
	if err != nil {
		return err
	}
	return s.ch.Send(frame)
}

func (s *Session) call(ctx context.Context, method string, params, result any, timeout time.Duration) error {
	raw, err := proto.Raw(params)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", method, err)
	}

	id := s.nextID.Add(1)
	frame, err := proto.Encode(proto.NewRequest(proto.NumberID(id), method, raw))
	if err != nil {
		return err
	}

	call := newPendingCall(id, method)
	s.mu.Lock()
	if s.State() == StateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.pending[id] = call
	s.mu.Unlock()
	s.stats.callsIssued.Add(1)

	sent := make(chan error, 1)
	go func() { sent <- s.ch.Send(frame) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ctxDone := ctx.Done()

	for {
		select {
		case <-call.done:
			return call.result.decode(result)
		case err := <-sent:
			sent = nil
			if err != nil {
				s.settle(id, callResult{err: fmt.Errorf("send %s: %w", method, err)})
			}
		case <-timer.C:
			if s.settle(id, callResult{err: ErrTimeout}) {
				s.stats.callsTimedOut.Add(1)
				s.log().Warn().Str("method", method).Int64("id", id).Dur("timeout", timeout).Msg("Plugin call timed out")
			}
		case <-ctxDone:
			ctxDone = nil
			s.settle(id, callResult{err: ctx.Err()})
		}
	}
}

// settle removes the call from the pending table and resolves it. It reports false when another
// path got there first.
func (s *Session) settle(id int64, r callResult) bool {
	s.mu.Lock()
	call, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	call.resolve(r)
	s.poke()
	return true
}

func (s *Session) resolveResponse(msg proto.Message) {
	id, ok := msg.ID.Int64()
	if ok && s.settle(id, callResult{msg: msg}) {
		return
	}
	s.stats.protocolErrors.Add(1)
	s.log().Warn().Str("id", msg.ID.String()).Msg("Response does not match a pending call")
}

// Pending returns the number of host-originated calls awaiting a response.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Enqueue queues an encoded event frame for delivery. It never blocks: a full queue is handled
// by the backpressure policy, and under Disconnect the session is closed asynchronously with
// ErrBackpressureExceeded.
func (s *Session) Enqueue(frame []byte) error {
	switch s.State() {
	case StateReady, StateDraining:
	default:
		return ErrSessionClosed
	}

	err := s.events.push(frame)
	switch {
	case err == nil:
		s.stats.eventsQueued.Add(1)
	case errors.Is(err, ErrEventDropped):
		s.stats.eventsDropped.Add(1)
		if s.cfg.Backpressure == DropOldest {
			s.stats.eventsQueued.Add(1)
		}
	case errors.Is(err, ErrBackpressureExceeded):
		s.stats.eventsDropped.Add(1)
		go s.Close(ErrBackpressureExceeded)
	}
	return err
}

func (s *Session) pump() {
	for {
		frame, ok := s.events.pop(s.done)
		if !ok {
			return
		}
		if err := s.ch.Send(frame); err != nil {
			if errors.Is(err, transport.ErrFrameTooLarge) {
				s.stats.eventsDropped.Add(1)
				s.log().Warn().Int("size", len(frame)).Msg("Dropping oversized event")
				continue
			}
			s.Close(fmt.Errorf("deliver event: %w", err))
			return
		}
		s.stats.eventsDelivered.Add(1)
	}
}
