// Command pingpong-plugin is an example brickwrap plugin. It welcomes players as they join and
// turns chat messages starting with "writeln:" into console lines.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/akshayaggarwal99/brickwrap/internal/game"
	"github.com/akshayaggarwal99/brickwrap/pkg/plugin"
	"github.com/rs/zerolog"
)

const writelnPrefix = "writeln:"

func main() {
	// stdout carries the protocol; logs go to stderr, which the host forwards to its own log.
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := plugin.New(plugin.Stdio(), plugin.Options{Name: "pingpong", Logger: logger})
	register(c)

	go func() {
		select {
		case <-c.Ready():
			_ = c.Log(plugin.Info, "pingpong ready")
		case <-ctx.Done():
		}
	}()

	if err := c.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("Plugin stopped")
		os.Exit(1)
	}
}

func register(c *plugin.Client) {
	c.On(game.KindPlayerJoined, welcome)
	c.On(game.KindChatMessage, writeln)
}

func welcome(ctx context.Context, c *plugin.Client, payload json.RawMessage) error {
	var ev game.PlayerJoined
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	msg := fmt.Sprintf("Welcome, %s!", ev.Name)
	if ev.ID != "" {
		msg = fmt.Sprintf("Welcome, %s! Your UUID is %s", ev.Name, ev.ID)
	}
	return c.Call(ctx, game.CommandBroadcast, game.Broadcast{Message: msg}, nil)
}

func writeln(ctx context.Context, c *plugin.Client, payload json.RawMessage) error {
	var ev game.ChatMessage
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	line, ok := strings.CutPrefix(ev.Message, writelnPrefix)
	if !ok || line == "" {
		return nil
	}
	return c.Call(ctx, game.CommandWriteLine, game.WriteLine{Line: line}, nil)
}
