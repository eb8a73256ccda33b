package game

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Command names.
const (
	CommandBan       = "ban"
	CommandBroadcast = "broadcast"
	CommandWriteLine = "writeln"
)

// Common errors returned by command validation and ServerControl implementations.
var (
	// ErrInvalidCommand indicates a command whose arguments fail validation.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrUnsupportedCommand indicates a ServerControl that cannot run the given command.
	ErrUnsupportedCommand = errors.New("unsupported command")

	// ErrControlClosed indicates the control has been shut down.
	ErrControlClosed = errors.New("server control closed")
)

// Command is an operation against the wrapped server.
type Command interface {
	CommandName() string
}

// Ban removes a player from the server.
type Ban struct {
	Player string `json:"player"`
	Reason string `json:"reason,omitempty"`
}

func (Ban) CommandName() string { return CommandBan }

// Validate checks required fields.
func (c Ban) Validate() error {
	if strings.TrimSpace(c.Player) == "" {
		return fmt.Errorf("%w: player is required", ErrInvalidCommand)
	}
	return singleLine(c.Player, c.Reason)
}

// BanResult is the result of Ban.
type BanResult struct {
	Banned bool `json:"banned"`
}

// Broadcast sends a chat message to every player.
type Broadcast struct {
	Message string `json:"message"`
}

func (Broadcast) CommandName() string { return CommandBroadcast }

// Validate checks required fields.
func (c Broadcast) Validate() error {
	if c.Message == "" {
		return fmt.Errorf("%w: message is required", ErrInvalidCommand)
	}
	return singleLine(c.Message)
}

// BroadcastResult is the result of Broadcast.
type BroadcastResult struct {
	Sent bool `json:"sent"`
}

// WriteLine writes one raw line to the server console.
type WriteLine struct {
	Line string `json:"line"`
}

func (WriteLine) CommandName() string { return CommandWriteLine }

// Validate checks required fields.
func (c WriteLine) Validate() error {
	if c.Line == "" {
		return fmt.Errorf("%w: line is required", ErrInvalidCommand)
	}
	return singleLine(c.Line)
}

// WriteLineResult is the result of WriteLine.
type WriteLineResult struct {
	Written bool `json:"written"`
}

// A console line break would smuggle a second command onto the server.
func singleLine(values ...string) error {
	for _, v := range values {
		if strings.ContainsAny(v, "\r\n") {
			return fmt.Errorf("%w: value must not contain line breaks", ErrInvalidCommand)
		}
	}
	return nil
}

// ServerControl executes commands against the wrapped server and returns a JSON-encodable
// result.
type ServerControl interface {
	Execute(ctx context.Context, cmd Command) (any, error)
}

// ConsoleControl executes commands by writing console lines to the server's standard input.
// Writes go through a single goroutine, so commands reach the server in submission order.
type ConsoleControl struct {
	w       io.Writer
	queue   chan consoleWrite
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once

	// BanFormat renders a Ban; it receives the player and the reason.
	BanFormat string
	// BroadcastFormat renders a Broadcast; it receives the message.
	BroadcastFormat string
}

type consoleWrite struct {
	line   string
	result chan error
}

// NewConsoleControl starts the writer goroutine for w.
func NewConsoleControl(w io.Writer) *ConsoleControl {
	c := &ConsoleControl{
		w:               w,
		queue:           make(chan consoleWrite),
		done:            make(chan struct{}),
		stopped:         make(chan struct{}),
		BanFormat:       "Server.Ban %s %s",
		BroadcastFormat: "Chat.Broadcast %s",
	}
	go c.writer()
	return c
}

func (c *ConsoleControl) writer() {
	defer close(c.stopped)
	for {
		select {
		case req := <-c.queue:
			_, err := io.WriteString(c.w, req.line+"\n")
			req.result <- err
		case <-c.done:
			return
		}
	}
}

// Execute implements ServerControl.
func (c *ConsoleControl) Execute(ctx context.Context, cmd Command) (any, error) {
	var (
		line   string
		result any
	)
	switch cmd := cmd.(type) {
	case Ban:
		line = strings.TrimSpace(fmt.Sprintf(c.BanFormat, cmd.Player, cmd.Reason))
		result = BanResult{Banned: true}
	case Broadcast:
		line = fmt.Sprintf(c.BroadcastFormat, cmd.Message)
		result = BroadcastResult{Sent: true}
	case WriteLine:
		line = cmd.Line
		result = WriteLineResult{Written: true}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCommand, cmd.CommandName())
	}

	req := consoleWrite{line: line, result: make(chan error, 1)}
	select {
	case c.queue <- req:
	case <-c.done:
		return nil, ErrControlClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case err := <-req.result:
		if err != nil {
			return nil, fmt.Errorf("write console line: %w", err)
		}
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the writer goroutine.
func (c *ConsoleControl) Close() error {
	c.once.Do(func() { close(c.done) })
	<-c.stopped
	return nil
}
