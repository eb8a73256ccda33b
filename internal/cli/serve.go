package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/akshayaggarwal99/brickwrap/internal/api"
	"github.com/akshayaggarwal99/brickwrap/internal/config"
	"github.com/akshayaggarwal99/brickwrap/internal/game"
	"github.com/akshayaggarwal99/brickwrap/internal/host"
	"github.com/akshayaggarwal99/brickwrap/internal/launcher"
	"github.com/akshayaggarwal99/brickwrap/internal/launcher/docker"

	// Register the process launcher
	_ "github.com/akshayaggarwal99/brickwrap/internal/launcher/process"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	pluginCmds   []string
	pluginImages []string
	launcherName string
	eventsPath   string
	noAdmin      bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the plugin host",
	Long: `Run the plugin host.

Server events are read as NDJSON ({"kind": ..., "payload": ...} per line) from stdin or
--events, and console commands are written to stdout. Plugins given with --plugin are started
locally; --plugin-image starts them in docker as image=command.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("launcher") {
			cfg.Launcher = launcherName
		}
		if cmd.Flags().Changed("addr") {
			cfg.AdminAddr = adminAddr
		}
		if cmd.Flags().Changed("api-key") {
			cfg.APIKey = apiKey
		}
		return runServer(cmd.Context(), cfg)
	},
}

func init() {
	serveCmd.Flags().StringArrayVar(&pluginCmds, "plugin", nil, "Plugin command line to start (repeatable)")
	serveCmd.Flags().StringArrayVar(&pluginImages, "plugin-image", nil, "Docker plugin as image=command (repeatable)")
	serveCmd.Flags().StringVarP(&launcherName, "launcher", "l", "process", "Launcher for --plugin: "+strings.Join(launcher.Available(), ", "))
	serveCmd.Flags().StringVar(&eventsPath, "events", "-", "NDJSON event stream, - for stdin")
	serveCmd.Flags().BoolVar(&noAdmin, "no-admin", false, "Do not serve the admin API")
	RootCmd.AddCommand(serveCmd)
}

// checkLauncher fails for launcher names no package registered.
func checkLauncher(name string) error {
	available := launcher.Available()
	if !slices.Contains(available, name) {
		return fmt.Errorf("%w: %q (available: %s)", launcher.ErrUnknownLauncher, name, strings.Join(available, ", "))
	}
	return nil
}

// parsePluginImage splits "image=command args" into a docker launch spec.
func parsePluginImage(s string) (launcher.Spec, error) {
	image, command, ok := strings.Cut(s, "=")
	if !ok || image == "" || strings.TrimSpace(command) == "" {
		return launcher.Spec{}, fmt.Errorf("%w: expected image=command, got %q", launcher.ErrInvalidSpec, s)
	}
	return launcher.Spec{Image: image, Command: strings.Fields(command)}, nil
}

func openEvents(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

func runServer(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	if err := checkLauncher(cfg.Launcher); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("launcher", cfg.Launcher).Str("protocol", cfg.ProtocolVersion).Msg("Starting brickwrap")

	control := game.NewConsoleControl(os.Stdout)
	defer control.Close()

	h := host.New(control, host.OptionsFromConfig(cfg), log.Logger)

	for _, line := range pluginCmds {
		spec := launcher.Spec{Command: strings.Fields(line)}
		if id, err := h.Spawn(ctx, spec); err != nil {
			log.Error().Err(err).Str("command", line).Msg("Failed to start plugin")
		} else {
			log.Info().Str("plugin_id", string(id)).Str("command", line).Msg("Plugin started")
		}
	}
	for _, image := range pluginImages {
		spec, err := parsePluginImage(image)
		if err != nil {
			return err
		}
		if id, err := h.SpawnWith(ctx, docker.LauncherName, spec); err != nil {
			log.Error().Err(err).Str("image", spec.Image).Msg("Failed to start plugin container")
		} else {
			log.Info().Str("plugin_id", string(id)).Str("image", spec.Image).Msg("Plugin container started")
		}
	}

	var e *echo.Echo
	serverErr := make(chan error, 1)
	if !noAdmin {
		e = echo.New()
		e.HideBanner = true
		e.HidePort = true
		api.NewHandler(h, cfg.APIKey, cfg.MaxFrameSize, log.Logger).RegisterRoutes(e)

		go func() {
			log.Info().Str("addr", cfg.AdminAddr).Msg("Admin API listening")
			if err := e.Start(cfg.AdminAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	events, err := openEvents(eventsPath)
	if err != nil {
		return fmt.Errorf("open events: %w", err)
	}
	defer events.Close()
	source := game.NewJSONLineSource(events, cfg.MaxFrameSize, log.Logger)
	defer source.Close()

	runErr := make(chan error, 1)
	go func() { runErr <- h.Run(ctx, source) }()

	var result error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err := <-runErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			result = err
		}
		log.Info().Msg("Event stream ended")
	case err := <-serverErr:
		log.Error().Err(err).Msg("Admin API failed")
		result = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout+5*time.Second)
	defer cancel()
	if e != nil {
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Admin API forced to shutdown")
		}
	}
	if err := h.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Plugins did not drain in time")
	}
	return result
}
