package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/akshayaggarwal99/brickwrap/internal/proto"
	"github.com/akshayaggarwal99/brickwrap/internal/transport"
	"github.com/rs/zerolog"
)

// readLoop is the only reader of the channel. It ends the session when the stream ends.
// Oversized and malformed frames are dropped one at a time.
func (s *Session) readLoop() {
	cause := fmt.Errorf("%w: plugin closed the stream", transport.ErrChannelClosed)
	for frame, err := range transport.Frames(s.ch) {
		if err != nil {
			if transport.Skippable(err) {
				s.stats.protocolErrors.Add(1)
				s.log().Warn().Err(err).Msg("Dropping unreadable frame from plugin")
				continue
			}
			cause = err
			break
		}
		s.handleFrame(frame)
	}
	s.Close(cause)
}

func (s *Session) handleFrame(frame []byte) {
	msg, err := proto.Decode(frame)
	if err != nil {
		s.stats.protocolErrors.Add(1)
		s.log().Warn().Err(err).Msg("Dropping invalid message from plugin")

		var perr *proto.ProtocolError
		if errors.As(err, &perr) && perr.Request && perr.ID.IsValid() {
			s.reply(proto.NewErrorResponse(perr.ID, proto.InvalidRequest, perr.Reason))
		}
		return
	}

	switch msg.Kind {
	case proto.KindResponse:
		s.resolveResponse(msg)
	case proto.KindRequest:
		s.acceptRequest(msg)
	case proto.KindNotification:
		s.acceptNotification(msg)
	}
}

// acceptRequest queues a plugin request for the command worker, or answers it straight away
// when the session cannot take it.
func (s *Session) acceptRequest(req proto.Message) {
	s.mu.Lock()
	st := s.State()
	if st != StateReady {
		s.mu.Unlock()
		s.stats.commandsRejected.Add(1)
		if st == StateDraining {
			s.reply(proto.NewErrorResponse(req.ID, proto.SessionDraining, "session is draining"))
		} else {
			s.reply(proto.NewErrorResponse(req.ID, proto.InvalidRequest, "session is not ready"))
		}
		return
	}
	s.inflight++
	s.mu.Unlock()

	select {
	case s.commands <- req:
	default:
		s.finishCommand()
		s.stats.commandsRejected.Add(1)
		s.log().Warn().Str("method", req.Method).Msg("Command queue full, rejecting request")
		s.reply(proto.NewErrorResponse(req.ID, proto.ServerBusy, "too many commands in flight"))
	}
}

func (s *Session) acceptNotification(n proto.Message) {
	if n.Method == proto.MethodLog {
		s.logFromPlugin(n.Params)
		return
	}

	s.mu.Lock()
	if s.State() != StateReady {
		s.mu.Unlock()
		s.stats.commandsRejected.Add(1)
		s.log().Debug().Str("method", n.Method).Msg("Ignoring notification, session not ready")
		return
	}
	s.inflight++
	s.mu.Unlock()

	select {
	case s.commands <- n:
	default:
		s.finishCommand()
		s.stats.commandsRejected.Add(1)
		s.log().Warn().Str("method", n.Method).Msg("Command queue full, dropping notification")
	}
}

func (s *Session) finishCommand() {
	s.mu.Lock()
	s.inflight--
	s.mu.Unlock()
	s.poke()
}

// commandWorker runs queued plugin commands one at a time, in arrival order. Commands are not
// cancelled when the session closes; their responses are dropped instead.
func (s *Session) commandWorker() {
	for {
		select {
		case msg := <-s.commands:
			s.runCommand(msg)
		case <-s.done:
			return
		}
	}
}

func (s *Session) runCommand(msg proto.Message) {
	defer s.finishCommand()
	s.stats.commandsHandled.Add(1)

	ctx := context.Background()
	if msg.Kind == proto.KindNotification {
		s.handler.HandleNotification(ctx, s, msg)
		return
	}
	s.reply(s.handler.HandleRequest(ctx, s, msg))
}

// reply writes a response frame. Responses for a closed session are dropped.
func (s *Session) reply(resp proto.Message) {
	if s.State() == StateClosed {
		s.log().Debug().Str("id", resp.ID.String()).Msg("Dropping response, session closed")
		return
	}

	frame, err := proto.Encode(resp)
	if err != nil {
		s.log().Error().Err(err).Msg("Failed to encode response")
		frame, err = proto.Encode(proto.NewErrorResponse(resp.ID, proto.InternalError, "internal error"))
		if err != nil {
			return
		}
	}

	err = s.ch.Send(frame)
	switch {
	case err == nil:
	case errors.Is(err, transport.ErrFrameTooLarge):
		s.log().Warn().Int("size", len(frame)).Msg("Response exceeds the frame limit")
		frame, _ = proto.Encode(proto.NewErrorResponse(resp.ID, proto.InternalError, "result too large"))
		_ = s.ch.Send(frame)
	default:
		s.Close(fmt.Errorf("send response: %w", err))
	}
}

func (s *Session) logFromPlugin(params json.RawMessage) {
	var p proto.LogParams
	if err := json.Unmarshal(params, &p); err != nil {
		s.stats.protocolErrors.Add(1)
		s.log().Warn().Err(err).Msg("Invalid log notification from plugin")
		return
	}
	s.log().WithLevel(severityLevel(p.Severity)).Str("source", "plugin").Msg(p.Content)
}

func severityLevel(severity proto.Severity) zerolog.Level {
	switch severity {
	case proto.SeverityTrace:
		return zerolog.TraceLevel
	case proto.SeverityDebug:
		return zerolog.DebugLevel
	case proto.SeverityWarn:
		return zerolog.WarnLevel
	case proto.SeverityError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
