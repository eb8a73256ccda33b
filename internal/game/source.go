package game

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// DefaultMaxLine bounds an event line when NewJSONLineSource is given no limit.
const DefaultMaxLine = 1 << 20

// JSONLineSource reads events encoded one per line as {"kind": ..., "payload": ...}, which is
// what an external console-log translator writes. Lines that cannot be decoded or that exceed
// the line limit are logged and skipped.
type JSONLineSource struct {
	reader  *bufio.Reader
	maxLine int
	logger  zerolog.Logger
	lines   chan lineResult
	done    chan struct{}
	once    sync.Once
	started bool
}

type lineResult struct {
	ev  Event
	err error
}

// NewJSONLineSource reads from r. maxLine bounds a single input line; zero or less selects
// DefaultMaxLine.
func NewJSONLineSource(r io.Reader, maxLine int, logger zerolog.Logger) *JSONLineSource {
	if maxLine <= 0 {
		maxLine = DefaultMaxLine
	}
	return &JSONLineSource{
		// One extra byte so a line of exactly maxLine fits with its newline.
		reader:  bufio.NewReaderSize(r, maxLine+1),
		maxLine: maxLine,
		logger:  logger.With().Str("component", "event-source").Logger(),
		lines:   make(chan lineResult),
		done:    make(chan struct{}),
	}
}

// Next implements EventSource. Reading happens on a background goroutine so a blocked reader
// does not prevent ctx cancellation.
func (s *JSONLineSource) Next(ctx context.Context) (Event, error) {
	if !s.started {
		s.started = true
		go s.read()
	}
	select {
	case res, ok := <-s.lines:
		if !ok {
			return nil, io.EOF
		}
		return res.ev, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, io.EOF
	}
}

// Close stops delivery. A reader goroutine blocked on the underlying reader exits once that
// read returns.
func (s *JSONLineSource) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *JSONLineSource) read() {
	defer close(s.lines)

	for {
		line, err := s.reader.ReadSlice('\n')
		switch {
		case err == nil:
		case errors.Is(err, bufio.ErrBufferFull):
			s.discardLine()
			s.logger.Warn().Int("limit", s.maxLine).Msg("Skipping oversized event line")
			continue
		case errors.Is(err, io.EOF):
			if len(bytes.TrimSpace(line)) == 0 {
				return
			}
		default:
			s.emit(lineResult{err: fmt.Errorf("read event: %w", err)})
			return
		}

		if ev, ok := s.decode(bytes.TrimSpace(line)); ok {
			if !s.emit(lineResult{ev: ev}) {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *JSONLineSource) decode(line []byte) (Event, bool) {
	if len(line) == 0 {
		return nil, false
	}
	var envelope struct {
		Kind    string          `json:"kind"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil {
		s.logger.Warn().Err(err).Msg("Skipping malformed event line")
		return nil, false
	}
	ev, err := DecodeEvent(envelope.Kind, envelope.Payload)
	if err != nil {
		s.logger.Warn().Err(err).Str("kind", envelope.Kind).Msg("Skipping undecodable event")
		return nil, false
	}
	return ev, true
}

// emit reports false once the source has been closed.
func (s *JSONLineSource) emit(res lineResult) bool {
	select {
	case s.lines <- res:
		return true
	case <-s.done:
		return false
	}
}

// discardLine drops input up to and including the next newline without buffering it.
func (s *JSONLineSource) discardLine() {
	for {
		_, err := s.reader.ReadSlice('\n')
		if !errors.Is(err, bufio.ErrBufferFull) {
			return
		}
	}
}
