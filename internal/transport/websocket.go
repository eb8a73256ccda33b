package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WSChannel carries one frame per websocket message. It lets a plugin attach to a running host
// instead of being spawned by it.
type WSChannel struct {
	conn     *websocket.Conn
	maxFrame int

	wmu sync.Mutex

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewWSChannel wraps an established websocket connection.
// Reading a message larger than maxFrame fails with ErrFrameTooLarge and closes the connection.
func NewWSChannel(conn *websocket.Conn, maxFrame int) *WSChannel {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	conn.SetReadLimit(int64(maxFrame))
	return &WSChannel{conn: conn, maxFrame: maxFrame}
}

// Send implements Channel.
func (c *WSChannel) Send(frame []byte) error {
	if c.closed.Load() {
		return ErrChannelClosed
	}
	if len(frame) > c.maxFrame {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrFrameTooLarge, len(frame), c.maxFrame)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return nil
}

// Receive implements Channel.
func (c *WSChannel) Receive() ([]byte, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			switch {
			case c.closed.Load():
				return nil, io.EOF
			case errors.Is(err, websocket.ErrReadLimit):
				return nil, fmt.Errorf("%w: inbound message exceeds %d bytes", ErrFrameTooLarge, c.maxFrame)
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				return nil, io.EOF
			default:
				return nil, fmt.Errorf("%w: %v", ErrChannelClosed, err)
			}
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		frame := bytes.TrimSpace(data)
		if len(frame) == 0 {
			continue
		}
		if !json.Valid(frame) {
			return nil, fmt.Errorf("%w: message is not a single JSON value", ErrMalformedFrame)
		}
		return frame, nil
	}
}

// Close implements Channel. It sends a normal close frame before dropping the connection.
func (c *WSChannel) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		// WriteControl may run concurrently with a blocked WriteMessage.
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
