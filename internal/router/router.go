// Package router executes the requests plugins send to the host. Each request names a command;
// the router decodes and validates its params, runs it, and maps failures to JSON-RPC error codes.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/akshayaggarwal99/brickwrap/internal/game"
	"github.com/akshayaggarwal99/brickwrap/internal/proto"
	"github.com/akshayaggarwal99/brickwrap/internal/registry"
	"github.com/akshayaggarwal99/brickwrap/internal/session"
	"github.com/rs/zerolog"
)

// Common errors returned by Router.
var (
	// ErrMethodNotFound indicates a request for a command the router does not know.
	ErrMethodNotFound = errors.New("method not found")

	// ErrInvalidParams indicates params that do not decode into the command's parameter type or
	// fail its validation.
	ErrInvalidParams = errors.New("invalid params")

	// ErrCommandTimeout indicates a command did not finish within the command timeout.
	ErrCommandTimeout = errors.New("command timed out")

	// ErrDuplicateCommand indicates a second command registered under the same name.
	ErrDuplicateCommand = errors.New("duplicate command")
)

// DefaultCommandTimeout bounds a single command when Options.CommandTimeout is zero.
const DefaultCommandTimeout = 5 * time.Second

// Call identifies the plugin a command runs on behalf of.
type Call struct {
	PluginID registry.PluginID
	Session  *session.Session
}

// Spec is a command plugins can invoke by name.
type Spec struct {
	Name    string
	Version string
	run     func(ctx context.Context, call Call, params json.RawMessage) (any, error)
}

// Command builds a Spec whose params decode into P. Unknown fields are rejected, and when P has
// a Validate method it must pass before fn runs.
func Command[P any](name, version string, fn func(ctx context.Context, call Call, params P) (any, error)) Spec {
	return Spec{
		Name:    name,
		Version: version,
		run: func(ctx context.Context, call Call, raw json.RawMessage) (any, error) {
			var params P
			if err := decodeParams(raw, &params); err != nil {
				return nil, err
			}
			if v, ok := any(params).(interface{ Validate() error }); ok {
				if err := v.Validate(); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
				}
			}
			return fn(ctx, call, params)
		},
	}
}

func decodeParams(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if raw[0] != '{' {
		return fmt.Errorf("%w: params must be an object", ErrInvalidParams)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}

// Options configure a Router.
type Options struct {
	CommandTimeout time.Duration
}

// Router dispatches plugin requests to command specs. It implements session.Handler.
type Router struct {
	specs    map[string]Spec
	control  game.ServerControl
	registry *registry.Registry
	timeout  time.Duration
	logger   zerolog.Logger

	// exec holds one token; commands reach the server control one at a time.
	exec chan struct{}
}

// New creates a router with the built-in commands registered.
func New(control game.ServerControl, reg *registry.Registry, opts Options, logger zerolog.Logger) *Router {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	r := &Router{
		specs:    make(map[string]Spec),
		control:  control,
		registry: reg,
		timeout:  opts.CommandTimeout,
		logger:   logger.With().Str("component", "router").Logger(),
		exec:     make(chan struct{}, 1),
	}
	for _, spec := range r.builtins() {
		if err := r.Register(spec); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a command. It must be called before sessions are served.
func (r *Router) Register(spec Spec) error {
	if spec.Name == "" || spec.run == nil {
		return fmt.Errorf("register command: incomplete spec %q", spec.Name)
	}
	if _, ok := r.specs[spec.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCommand, spec.Name)
	}
	r.specs[spec.Name] = spec
	return nil
}

// Capabilities lists the registered commands as "name@version", sorted.
func (r *Router) Capabilities() []string {
	out := make([]string, 0, len(r.specs))
	for _, spec := range r.specs {
		out = append(out, spec.Name+"@"+spec.Version)
	}
	slices.Sort(out)
	return out
}

// Invoke runs method for the plugin behind s and returns its result.
func (r *Router) Invoke(ctx context.Context, s *session.Session, method string, params json.RawMessage) (any, error) {
	spec, ok := r.specs[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMethodNotFound, method)
	}
	return spec.run(ctx, Call{PluginID: registry.PluginID(s.ID()), Session: s}, params)
}

// HandleRequest implements session.Handler.
func (r *Router) HandleRequest(ctx context.Context, s *session.Session, req proto.Message) proto.Message {
	start := time.Now()
	result, err := r.Invoke(ctx, s, req.Method, req.Params)
	if err != nil {
		return r.failure(s, req, err)
	}

	raw, err := proto.Raw(result)
	if err != nil {
		return r.failure(s, req, err)
	}

	logger := s.Logger()
	logger.Debug().Str("method", req.Method).Dur("elapsed", time.Since(start)).Msg("Command completed")
	return proto.NewSuccessResponse(req.ID, raw)
}

func (r *Router) failure(s *session.Session, req proto.Message, err error) proto.Message {
	code, message := codeFor(err)
	logger := s.Logger()
	ev := logger.Warn()
	if code == proto.InternalError {
		ev = logger.Error()
	}
	ev.Err(err).Str("method", req.Method).Int("code", code).Msg("Command failed")
	return proto.NewErrorResponse(req.ID, code, message)
}

// HandleNotification implements session.Handler. The command runs like a request; failures are
// only logged.
func (r *Router) HandleNotification(ctx context.Context, s *session.Session, n proto.Message) {
	if _, err := r.Invoke(ctx, s, n.Method, n.Params); err != nil {
		logger := s.Logger()
		logger.Warn().Err(err).Str("method", n.Method).Msg("Command notification failed")
	}
}

// execute runs cmd on the server control under the command timeout.
func (r *Router) execute(ctx context.Context, cmd game.Command) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	select {
	case r.exec <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s waiting for the server", ErrCommandTimeout, cmd.CommandName())
	}
	defer func() { <-r.exec }()

	result, err := r.control.Execute(ctx, cmd)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s", ErrCommandTimeout, cmd.CommandName())
		}
		return nil, fmt.Errorf("execute %s: %w", cmd.CommandName(), err)
	}
	return result, nil
}

// codeFor maps an error to its JSON-RPC code and the message sent to the plugin. Errors without
// a specific code are reported as a generic internal error; the detail stays in the host log.
func codeFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrMethodNotFound):
		return proto.MethodNotFound, err.Error()
	case errors.Is(err, ErrInvalidParams), errors.Is(err, game.ErrInvalidCommand):
		return proto.InvalidParams, err.Error()
	case errors.Is(err, session.ErrSessionDraining):
		return proto.SessionDraining, "session is draining"
	case errors.Is(err, ErrCommandTimeout):
		return proto.Timeout, "command timed out"
	case errors.Is(err, session.ErrSessionClosed), errors.Is(err, registry.ErrPluginNotFound):
		return proto.SessionClosed, "session closed"
	default:
		return proto.InternalError, "internal error"
	}
}
