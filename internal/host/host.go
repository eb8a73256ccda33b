// Package host wires the plugin RPC host together: the registry of live plugins, the event
// dispatcher, the command router and the launchers that start plugin processes.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/akshayaggarwal99/brickwrap/internal/config"
	"github.com/akshayaggarwal99/brickwrap/internal/dispatch"
	"github.com/akshayaggarwal99/brickwrap/internal/game"
	"github.com/akshayaggarwal99/brickwrap/internal/launcher"
	"github.com/akshayaggarwal99/brickwrap/internal/proto"
	"github.com/akshayaggarwal99/brickwrap/internal/registry"
	"github.com/akshayaggarwal99/brickwrap/internal/router"
	"github.com/akshayaggarwal99/brickwrap/internal/session"
	"github.com/akshayaggarwal99/brickwrap/internal/transport"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrShuttingDown is returned for new plugins once Shutdown has started.
var ErrShuttingDown = errors.New("host is shutting down")

// Options configure a Host.
type Options struct {
	Session      session.Config
	Registry     registry.Options
	Router       router.Options
	MaxFrameSize int

	// Launcher is the default launcher name for Spawn.
	Launcher string
	// LauncherConfig is passed to launcher factories.
	LauncherConfig map[string]any
}

// OptionsFromConfig maps the environment configuration onto host options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Session: session.Config{
			ProtocolVersion:  cfg.ProtocolVersion,
			HandshakeTimeout: cfg.HandshakeTimeout,
			CallTimeout:      cfg.CallTimeout,
			DrainTimeout:     cfg.DrainTimeout,
			EventQueueSize:   cfg.EventQueueSize,
			CommandQueueSize: cfg.CommandQueueSize,
			Backpressure:     cfg.Backpressure,
		},
		Registry: registry.Options{
			Duplicates: cfg.Duplicates,
			MaxPlugins: cfg.MaxPlugins,
		},
		Router:       router.Options{CommandTimeout: cfg.CommandTimeout},
		MaxFrameSize: cfg.MaxFrameSize,
		Launcher:     cfg.Launcher,
	}
}

// Stats is a host-wide snapshot.
type Stats struct {
	Plugins  int            `json:"plugins"`
	Dispatch dispatch.Stats `json:"dispatch"`
}

// Host owns every plugin session.
type Host struct {
	opts       Options
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	router     *router.Router
	logger     zerolog.Logger

	closing atomic.Bool

	mu        sync.Mutex
	launchers map[string]launcher.Launcher
}

// New creates a host whose commands run against control.
func New(control game.ServerControl, opts Options, logger zerolog.Logger) *Host {
	if opts.Launcher == "" {
		opts.Launcher = "process"
	}
	reg := registry.New(opts.Registry, logger)
	return &Host{
		opts:       opts,
		registry:   reg,
		dispatcher: dispatch.New(reg, logger),
		router:     router.New(control, reg, opts.Router, logger),
		logger:     logger.With().Str("component", "host").Logger(),
		launchers:  make(map[string]launcher.Launcher),
	}
}

func (h *Host) Registry() *registry.Registry { return h.registry }

func (h *Host) Router() *router.Router { return h.router }

func (h *Host) sessionConfig() session.Config {
	cfg := h.opts.Session
	cfg.Capabilities = proto.HostCapabilities{
		Commands: h.router.Capabilities(),
		Events:   game.Kinds(),
	}
	return cfg
}

// Attach handshakes with the plugin on ch and registers it. The host owns ch and resource from
// this point on, whether or not Attach succeeds.
func (h *Host) Attach(ctx context.Context, ch transport.Channel, resource io.Closer, origin string) (registry.PluginID, error) {
	logger := h.logger.With().Str("origin", origin).Logger()
	s := session.New(ch, resource, h.router, h.sessionConfig(), logger)

	if h.closing.Load() {
		s.Close(ErrShuttingDown)
		return "", ErrShuttingDown
	}
	if err := s.Open(ctx); err != nil {
		logger.Warn().Err(err).Msg("Plugin handshake failed")
		return "", err
	}

	id, err := h.registry.Register(s)
	if err != nil {
		logger.Warn().Err(err).Str("plugin", s.Name()).Msg("Plugin rejected")
		s.Close(err)
		return "", err
	}
	return id, nil
}

// Spawn starts a plugin with the default launcher and attaches to its stdio.
func (h *Host) Spawn(ctx context.Context, spec launcher.Spec) (registry.PluginID, error) {
	return h.SpawnWith(ctx, h.opts.Launcher, spec)
}

// SpawnWith starts a plugin with the named launcher.
func (h *Host) SpawnWith(ctx context.Context, launcherName string, spec launcher.Spec) (registry.PluginID, error) {
	if h.closing.Load() {
		return "", ErrShuttingDown
	}
	l, err := h.launcher(launcherName)
	if err != nil {
		return "", err
	}
	p, err := l.Launch(ctx, spec)
	if err != nil {
		return "", err
	}
	// The channel closes the plugin, which stops its process or container.
	ch := transport.NewLineChannel(p, h.opts.MaxFrameSize)
	return h.Attach(ctx, ch, nil, fmt.Sprintf("%s:%s", l.Name(), p.ID()))
}

func (h *Host) launcher(name string) (launcher.Launcher, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if l, ok := h.launchers[name]; ok {
		return l, nil
	}
	l, err := launcher.New(name, h.opts.LauncherConfig)
	if err != nil {
		return nil, err
	}
	h.launchers[name] = l
	return l, nil
}

// Unregister drains and removes a plugin.
func (h *Host) Unregister(id registry.PluginID) error {
	return h.registry.Unregister(id)
}

// Call issues a host-originated request to a plugin and returns its raw result.
func (h *Host) Call(ctx context.Context, id registry.PluginID, method string, params any) (json.RawMessage, error) {
	s, err := h.registry.Lookup(id)
	if err != nil {
		return nil, err
	}
	var result json.RawMessage
	if err := s.Call(ctx, method, params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Dispatch delivers one event to its subscribers.
func (h *Host) Dispatch(ev game.Event) (int, error) {
	return h.dispatcher.Dispatch(ev)
}

// Plugins lists the live plugins.
func (h *Host) Plugins() []session.Info {
	return h.registry.List()
}

func (h *Host) Stats() Stats {
	return Stats{
		Plugins:  h.registry.Len(),
		Dispatch: h.dispatcher.Stats(),
	}
}

// Run dispatches events from every source until they are exhausted or ctx is cancelled.
// Sources run concurrently; events from one source keep their order.
func (h *Host) Run(ctx context.Context, sources ...game.EventSource) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, src := range sources {
		g.Go(func() error {
			return h.dispatcher.Run(ctx, src)
		})
	}
	return g.Wait()
}

// Shutdown drains every plugin and waits for the sessions to close. Sessions still open when
// ctx ends are closed immediately. Launchers are released last.
func (h *Host) Shutdown(ctx context.Context) error {
	h.closing.Store(true)

	sessions := h.registry.Sessions()
	h.logger.Info().Int("plugins", len(sessions)).Msg("Shutting down plugins")
	for _, s := range sessions {
		if err := h.registry.Unregister(registry.PluginID(s.ID())); err != nil && !errors.Is(err, registry.ErrPluginNotFound) {
			h.logger.Warn().Err(err).Str("plugin_id", s.ID()).Msg("Failed to unregister plugin")
		}
	}

	var err error
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			s.Close(session.ErrSessionClosed)
			err = ctx.Err()
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for name, l := range h.launchers {
		if cerr := l.Close(); cerr != nil {
			h.logger.Warn().Err(cerr).Str("launcher", name).Msg("Failed to close launcher")
		}
		delete(h.launchers, name)
	}
	return err
}
