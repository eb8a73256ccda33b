// Package registry indexes the live plugin sessions of a host by plugin id and name.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/akshayaggarwal99/brickwrap/internal/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Common errors returned by Registry.
var (
	// ErrDuplicateIdentity indicates a plugin with the same name is already registered.
	ErrDuplicateIdentity = errors.New("duplicate plugin identity")

	// ErrPluginNotFound indicates no live plugin has the given id.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrRegistryFull indicates the registry already holds MaxPlugins sessions.
	ErrRegistryFull = errors.New("registry full")
)

// PluginID identifies a registered session. Ids are random and never reused.
type PluginID string

func newPluginID() PluginID {
	return PluginID(uuid.NewString())
}

// DuplicatePolicy decides what happens when a plugin registers under a name already in use.
type DuplicatePolicy int

const (
	// RejectDuplicate refuses the newcomer with ErrDuplicateIdentity.
	RejectDuplicate DuplicatePolicy = iota
	// SupersedeDuplicate drains the existing session and registers the newcomer.
	SupersedeDuplicate
)

func (p DuplicatePolicy) String() string {
	if p == SupersedeDuplicate {
		return "supersede"
	}
	return "reject"
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *DuplicatePolicy) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "reject", "":
		*p = RejectDuplicate
	case "supersede":
		*p = SupersedeDuplicate
	default:
		return fmt.Errorf("unknown duplicate policy %q", text)
	}
	return nil
}

// Options configure a Registry.
type Options struct {
	Duplicates DuplicatePolicy
	// MaxPlugins caps the number of live sessions. Zero means unlimited.
	MaxPlugins int
}

// Registry is the single mutable index of live sessions. A session stays indexed from Register
// until it closes; Unregister starts draining and the session removes itself once closed.
type Registry struct {
	opts   Options
	logger zerolog.Logger

	mu     sync.RWMutex
	byID   map[PluginID]*session.Session
	byName map[string]PluginID
}

// New creates an empty registry.
func New(opts Options, logger zerolog.Logger) *Registry {
	return &Registry{
		opts:   opts,
		logger: logger.With().Str("component", "registry").Logger(),
		byID:   make(map[PluginID]*session.Session),
		byName: make(map[string]PluginID),
	}
}

// Register indexes a handshaken session under a fresh PluginID and moves it to Ready. The
// identity check and the insertion happen under one lock.
func (r *Registry) Register(s *session.Session) (PluginID, error) {
	name := s.Name()
	id := newPluginID()

	r.mu.Lock()
	var (
		supersededID PluginID
		superseded   *session.Session
	)
	if existing, ok := r.byName[name]; ok {
		if r.opts.Duplicates == RejectDuplicate {
			r.mu.Unlock()
			return "", fmt.Errorf("%w: %s is already registered as %s", ErrDuplicateIdentity, name, existing)
		}
		supersededID, superseded = existing, r.byID[existing]
	}
	live := len(r.byID)
	if superseded != nil {
		live--
	}
	if r.opts.MaxPlugins > 0 && live >= r.opts.MaxPlugins {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: limit is %d", ErrRegistryFull, r.opts.MaxPlugins)
	}
	// The existing session keeps its entry until the newcomer is known to be Ready.
	if err := s.MarkReady(string(id)); err != nil {
		r.mu.Unlock()
		return "", fmt.Errorf("register %s: %w", name, err)
	}
	if superseded != nil {
		r.removeLocked(supersededID)
	}
	r.byID[id] = s
	r.byName[name] = id
	r.mu.Unlock()

	s.OnClose(func(closed *session.Session) { r.forget(id, closed) })

	if superseded != nil {
		r.logger.Info().Str("plugin", name).Str("old_id", superseded.ID()).Str("new_id", string(id)).Msg("Superseding plugin")
		superseded.Drain()
	}
	r.logger.Info().Str("plugin", name).Str("plugin_id", string(id)).Strs("subscriptions", s.Subscriptions()).Msg("Plugin registered")
	return id, nil
}

// forget drops id only while it still maps to the session that closed.
func (r *Registry) forget(id PluginID, s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byID[id] == s {
		r.removeLocked(id)
		r.logger.Info().Str("plugin_id", string(id)).Msg("Plugin removed")
	}
}

// removeLocked requires r.mu.
func (r *Registry) removeLocked(id PluginID) {
	s, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	if name := s.Name(); r.byName[name] == id {
		delete(r.byName, name)
	}
}

// Lookup returns the live session for id.
func (r *Registry) Lookup(id PluginID) (*session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	return s, nil
}

// Unregister removes id from the index and starts draining its session. The name becomes
// available for a new registration immediately.
func (r *Registry) Unregister(id PluginID) error {
	r.mu.Lock()
	s, ok := r.byID[id]
	if ok {
		r.removeLocked(id)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}

	r.logger.Info().Str("plugin_id", string(id)).Str("plugin", s.Name()).Msg("Unregistering plugin")
	s.Drain()
	return nil
}

// List returns a snapshot of every live session, ordered by name.
func (r *Registry) List() []session.Info {
	r.mu.RLock()
	sessions := make([]*session.Session, 0, len(r.byID))
	for _, s := range r.byID {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	infos := make([]session.Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	slices.SortFunc(infos, func(a, b session.Info) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return infos
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Subscribe adds event kinds to a session's subscriptions and returns the resulting set.
func (r *Registry) Subscribe(id PluginID, kinds ...string) ([]string, error) {
	return r.updateSubscriptions(id, kinds, nil)
}

// Unsubscribe removes event kinds from a session's subscriptions and returns the resulting set.
func (r *Registry) Unsubscribe(id PluginID, kinds ...string) ([]string, error) {
	return r.updateSubscriptions(id, nil, kinds)
}

func (r *Registry) updateSubscriptions(id PluginID, add, remove []string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	return s.UpdateSubscriptions(add, remove), nil
}

// Subscribers returns the Ready sessions subscribed to kind, ordered by plugin id.
func (r *Registry) Subscribers(kind string) []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*session.Session
	for _, s := range r.byID {
		if s.State() == session.StateReady && s.Subscribed(kind) {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b *session.Session) int { return strings.Compare(a.ID(), b.ID()) })
	return out
}

// Sessions returns every live session.
func (r *Registry) Sessions() []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session.Session, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}
