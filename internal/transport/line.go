package transport

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
)

// LineChannel frames newline-delimited JSON over any byte stream, typically a plugin's
// stdin/stdout pair.
type LineChannel struct {
	rwc      io.ReadWriteCloser
	reader   *bufio.Reader
	maxFrame int

	wmu sync.Mutex

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewLineChannel wraps rwc. A maxFrame of zero or less selects DefaultMaxFrameSize.
func NewLineChannel(rwc io.ReadWriteCloser, maxFrame int) *LineChannel {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &LineChannel{
		rwc: rwc,
		// One extra byte so a frame of exactly maxFrame fits with its newline.
		reader:   bufio.NewReaderSize(rwc, maxFrame+1),
		maxFrame: maxFrame,
	}
}

// Send implements Channel.
func (c *LineChannel) Send(frame []byte) error {
	if c.closed.Load() {
		return ErrChannelClosed
	}
	if len(frame) > c.maxFrame {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrFrameTooLarge, len(frame), c.maxFrame)
	}
	if bytes.IndexByte(frame, '\n') >= 0 {
		return &FramingError{Reason: "outbound frame contains a newline"}
	}

	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if _, err := c.rwc.Write(buf); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return nil
}

// Receive implements Channel.
func (c *LineChannel) Receive() ([]byte, error) {
	for {
		line, err := c.reader.ReadSlice('\n')
		switch {
		case err == nil:
		case errors.Is(err, bufio.ErrBufferFull):
			c.discardLine()
			return nil, fmt.Errorf("%w: inbound line exceeds %d bytes", ErrFrameTooLarge, c.maxFrame)
		case errors.Is(err, io.EOF):
			if len(bytes.TrimSpace(line)) == 0 {
				return nil, io.EOF
			}
			// Final frame without a trailing newline.
		default:
			if c.closed.Load() {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("%w: %v", ErrChannelClosed, err)
		}

		frame := bytes.TrimSpace(line)
		if len(frame) == 0 {
			continue
		}
		if !json.Valid(frame) {
			return nil, fmt.Errorf("%w: line is not a single JSON value", ErrMalformedFrame)
		}

		// ReadSlice's buffer is reused by the next read.
		out := make([]byte, len(frame))
		copy(out, frame)
		return out, nil
	}
}

// discardLine drops input up to and including the next newline without buffering it.
func (c *LineChannel) discardLine() {
	for {
		_, err := c.reader.ReadSlice('\n')
		if !errors.Is(err, bufio.ErrBufferFull) {
			return
		}
	}
}

// Close implements Channel.
func (c *LineChannel) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.rwc.Close()
	})
	return c.closeErr
}

// Pipe returns two connected in-memory LineChannels. Writes block until the other side reads,
// which makes it useful for exercising stalled peers.
func Pipe(maxFrame int) (*LineChannel, *LineChannel) {
	a, b := net.Pipe()
	return NewLineChannel(a, maxFrame), NewLineChannel(b, maxFrame)
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
