// Package launcher defines the abstraction for starting plugin programs.
//
// A Launcher turns a Spec into a running plugin whose stdin and stdout form the byte stream the
// host speaks JSON-RPC over. Local processes and docker containers are the two backends; both
// register themselves by name so the serve command can pick one at runtime.
package launcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/rs/zerolog"
)

// Common errors returned by Launcher implementations.
var (
	// ErrInvalidSpec indicates the provided spec is invalid.
	ErrInvalidSpec = errors.New("invalid plugin spec")

	// ErrLaunchFailed indicates the plugin could not be started.
	ErrLaunchFailed = errors.New("failed to launch plugin")

	// ErrUnknownLauncher indicates no launcher is registered under the requested name.
	ErrUnknownLauncher = errors.New("unknown launcher")
)

// DefaultStopGrace is how long a plugin gets to exit after its stdin closes.
const DefaultStopGrace = time.Second

// Spec describes the plugin program to start.
type Spec struct {
	// Name labels the plugin in logs until its handshake reports the real name.
	Name string `json:"name"`

	// Command is the program and its arguments.
	Command []string `json:"command"`

	// Image is the container image to run Command in. Only the docker launcher uses it.
	Image string `json:"image,omitempty"`

	// Env contains extra environment variables for the plugin.
	Env map[string]string `json:"env,omitempty"`

	// WorkDir sets the working directory of the plugin.
	WorkDir string `json:"work_dir,omitempty"`

	// Labels are attached to backend resources (container labels for docker).
	Labels map[string]string `json:"labels,omitempty"`

	// StopGrace bounds how long Close waits before killing the plugin.
	StopGrace time.Duration `json:"stop_grace"`
}

// Validate checks if the spec is valid and applies defaults.
func (s *Spec) Validate() error {
	if len(s.Command) == 0 || s.Command[0] == "" {
		return fmt.Errorf("%w: command is required", ErrInvalidSpec)
	}
	if s.Name == "" {
		s.Name = s.Command[0]
	}
	if s.StopGrace <= 0 {
		s.StopGrace = DefaultStopGrace
	}
	if s.StopGrace > time.Minute {
		return fmt.Errorf("%w: stop grace cannot exceed one minute", ErrInvalidSpec)
	}
	return nil
}

// Plugin is a running plugin program. Reads come from its stdout and writes go to its stdin.
// Close stops the program and releases everything the launcher allocated for it; it is safe to
// call more than once.
type Plugin interface {
	io.ReadWriteCloser

	// ID identifies the backend resource (a pid or a container id).
	ID() string
}

// Launcher starts plugin programs. Implementations must be safe for concurrent use.
type Launcher interface {
	// Launch starts the program described by spec. The returned plugin keeps running after ctx
	// is done; ctx only bounds the start-up.
	Launch(ctx context.Context, spec Spec) (Plugin, error)

	// Name returns the identifier for this launcher type (e.g., "process", "docker").
	Name() string

	// Close releases any resources held by the launcher itself.
	Close() error
}

// Factory creates Launcher instances based on configuration.
type Factory func(cfg map[string]any) (Launcher, error)

var factories = make(map[string]Factory)

// Register registers a launcher factory under the given name.
// This is typically called in init() functions of launcher implementations.
func Register(name string, factory Factory) {
	factories[name] = factory
}

// New creates a Launcher using the registered factory.
func New(name string, cfg map[string]any) (Launcher, error) {
	factory, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLauncher, name)
	}
	return factory(cfg)
}

// Available returns the names of all registered launchers, sorted.
func Available() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// LogLines writes every line read from r to logger until r is exhausted. Plugins use stderr for
// diagnostics, which must never reach the JSON-RPC stream.
func LogLines(r io.Reader, logger zerolog.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)
	for scanner.Scan() {
		logger.Info().Str("stream", "stderr").Msg(scanner.Text())
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, os.ErrClosed) {
		logger.Debug().Err(err).Msg("Stopped reading plugin stderr")
	}
}
