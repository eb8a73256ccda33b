package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/akshayaggarwal99/brickwrap/internal/api"
	"github.com/akshayaggarwal99/brickwrap/internal/launcher"
	"github.com/akshayaggarwal99/brickwrap/internal/launcher/process"
	"github.com/akshayaggarwal99/brickwrap/internal/transport"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var bridgeMaxFrame int

var bridgeCmd = &cobra.Command{
	Use:   "bridge -- [command] [args...]",
	Short: "Run a plugin locally and attach it to a running host",
	Long: `Start a plugin process on this machine and connect its stdio to the host's
/v1/attach websocket, so it is served exactly like a plugin the host started itself.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		header := http.Header{}
		if apiKey != "" {
			header.Set(api.APIKeyHeader, apiKey)
		}
		u := adminURL("ws", "/v1/attach")
		log.Info().Str("url", u).Msg("Connecting to host")
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, header)
		if err != nil {
			return fmt.Errorf("dial %s: %w", u, err)
		}
		remote := transport.NewWSChannel(conn, bridgeMaxFrame)
		defer remote.Close()

		l, err := process.New(nil)
		if err != nil {
			return err
		}
		p, err := l.Launch(ctx, launcher.Spec{Command: args})
		if err != nil {
			return err
		}
		local := transport.NewLineChannel(p, bridgeMaxFrame)
		defer local.Close()

		log.Info().Str("pid", p.ID()).Strs("command", args).Msg("Plugin bridged")
		return bridge(ctx, local, remote)
	},
}

func init() {
	bridgeCmd.Flags().IntVar(&bridgeMaxFrame, "max-frame-size", transport.DefaultMaxFrameSize, "Largest frame relayed in either direction")
	RootCmd.AddCommand(bridgeCmd)
}

// bridge relays frames both ways until either side ends or ctx is cancelled. Both channels
// are closed on return.
func bridge(ctx context.Context, local, remote transport.Channel) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay(remote, local) })
	g.Go(func() error { return relay(local, remote) })
	g.Go(func() error {
		<-gctx.Done()
		_ = local.Close()
		_ = remote.Close()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, io.EOF) || ctx.Err() != nil {
		return nil
	}
	return err
}

// relay copies frames from src to dst. A clean end of src is reported as io.EOF so the
// other direction stops too.
func relay(dst, src transport.Channel) error {
	for frame, err := range transport.Frames(src) {
		if err != nil {
			if transport.Skippable(err) {
				log.Warn().Err(err).Msg("Dropped unreadable frame")
				continue
			}
			return err
		}
		if err := dst.Send(frame); err != nil {
			if errors.Is(err, transport.ErrFrameTooLarge) {
				log.Warn().Err(err).Msg("Dropped oversized frame")
				continue
			}
			return err
		}
	}
	return io.EOF
}
