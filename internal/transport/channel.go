// Package transport frames a bidirectional byte stream into discrete JSON messages.
//
// Every Channel carries one JSON value per frame. Receive yields frames until the peer closes the
// stream (io.EOF) or the stream becomes unusable. Oversized and malformed frames are reported one
// at a time and skipped; the stream stays usable after either.
package transport

import (
	"errors"
	"iter"
)

// DefaultMaxFrameSize caps a single frame when no explicit limit is configured.
const DefaultMaxFrameSize = 1 << 20

// Common errors returned by Channel implementations.
var (
	// ErrChannelClosed indicates the peer disconnected or the channel was closed locally.
	ErrChannelClosed = errors.New("channel closed")

	// ErrFrameTooLarge indicates a frame exceeded the configured maximum size.
	// An oversized inbound frame is skipped, not buffered; the stream stays usable.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrMalformedFrame indicates a complete frame that is not a single JSON value. The frame is
	// dropped and the next one can still be read.
	ErrMalformedFrame = errors.New("malformed frame")
)

// Skippable reports whether err concerns a single inbound frame and the channel can keep reading.
func Skippable(err error) bool {
	return errors.Is(err, ErrFrameTooLarge) || errors.Is(err, ErrMalformedFrame)
}

// FramingError reports a frame that cannot be put on the wire without corrupting the stream.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string {
	return "framing error: " + e.Reason
}

// Channel is one framed, bidirectional connection to a plugin.
// Send may be called concurrently; Receive must only be called from one goroutine.
type Channel interface {
	// Send writes one complete frame. It fails with ErrChannelClosed once the peer is gone.
	Send(frame []byte) error

	// Receive blocks until the next complete frame arrives. It returns io.EOF when the peer
	// closes the stream cleanly.
	Receive() ([]byte, error)

	// Close releases the underlying stream. It is safe to call more than once.
	Close() error
}

// Frames returns the receive side of ch as a sequence. The sequence ends at end of stream, or
// after yielding an error that leaves the stream unusable. Skippable errors are yielded without
// ending the sequence.
func Frames(ch Channel) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			frame, err := ch.Receive()
			if err != nil {
				if Skippable(err) {
					if !yield(nil, err) {
						return
					}
					continue
				}
				if isEOF(err) {
					return
				}
				yield(nil, err)
				return
			}
			if !yield(frame, nil) {
				return
			}
		}
	}
}
