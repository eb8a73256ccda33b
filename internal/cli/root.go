package cli

import (
	"io"
	"os"
	"time"

	"github.com/akshayaggarwal99/brickwrap/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose   bool
	jsonLog   bool
	apiKey    string
	adminAddr string
)

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "brickwrap",
	Short: "Plugin host for dedicated game servers",
	Long: `brickwrap wraps a game server process and extends it with plugins.

Plugins are separate processes speaking JSON-RPC 2.0 over stdio (or a websocket).
They subscribe to server events and run commands against the server.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		zerolog.TimeFieldFormat = time.RFC3339Nano

		// An invalid environment is reported by the commands that need it.
		cfg, err := config.Load()
		log.Logger = log.Output(logWriter(err == nil && cfg.Production(), jsonLog))

		if verbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		} else {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
		}
	},
}

// logWriter picks the log output. stdout belongs to the wrapped server's console, so logs
// always go to stderr.
func logWriter(production, jsonLog bool) io.Writer {
	if production || jsonLog {
		return os.Stderr
	}
	return zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	defaultAddr := os.Getenv("BRICKWRAP_ADMIN_ADDR")
	if defaultAddr == "" {
		defaultAddr = "127.0.0.1:8089"
	}
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	RootCmd.PersistentFlags().BoolVar(&jsonLog, "json-log", false, "Output logs in JSON format")
	RootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("BRICKWRAP_API_KEY"), "API key for the admin API")
	RootCmd.PersistentFlags().StringVar(&adminAddr, "addr", defaultAddr, "Admin API address")
}
