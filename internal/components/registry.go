// Package components implements the component registry described in
// spec.md §4.8: an ordered load sequence over named, independently
// loadable units where a failing component never aborts server
// start-up — it is recorded and the rest of the registry keeps loading.
package components

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/moonbridge/moonbridge/internal/server"
)

// LoadFailure records one component's failed Init or ComponentInit call.
// Per spec.md §4.8 this is never fatal to startup, for any component;
// it is appended to failed_components and surfaced through /server/info.
type LoadFailure struct {
	Component string
	Err       error
}

// Registry owns the set of loaded components and their shutdown order.
type Registry struct {
	log zerolog.Logger

	order    []string
	byName   map[string]server.Component
	failures []LoadFailure
}

// New builds an empty registry.
func New(log zerolog.Logger) *Registry {
	return &Registry{
		log:    log.With().Str("component", "registry").Logger(),
		byName: make(map[string]server.Component),
	}
}

// Register adds c to the load order. Registration order is load order,
// matching the source's sequential component instantiation.
func (r *Registry) Register(c server.Component) {
	r.order = append(r.order, c.Name())
	r.byName[c.Name()] = c
}

// Get resolves a component by name for the server.Context lookup
// function, per spec.md §9's "cyclic component references".
func (r *Registry) Get(name string) (server.Component, bool) {
	c, ok := r.byName[name]
	return c, ok
}

// Lookup adapts Get to the function shape server.New expects.
func (r *Registry) Lookup() func(name string) (server.Component, bool) {
	return r.Get
}

// LoadAll runs Init then, if implemented, ComponentInit for every
// registered component in registration order. No component's failure
// aborts the sequence; each is recorded and the rest continue loading,
// per spec.md §4.8. The same failures are retained and can be read back
// with Failed for /server/info.
func (r *Registry) LoadAll(ctx *server.Context) []LoadFailure {
	r.failures = nil

	for _, name := range r.order {
		c := r.byName[name]
		if err := c.Init(ctx); err != nil {
			r.failures = append(r.failures, LoadFailure{Component: name, Err: err})
			r.log.Warn().Err(err).Str("component", name).Msg("component failed to initialize, continuing")
			continue
		}

		if pi, ok := c.(server.PostInitializer); ok {
			if err := pi.ComponentInit(); err != nil {
				r.failures = append(r.failures, LoadFailure{Component: name, Err: err})
				r.log.Warn().Err(err).Str("component", name).Msg("component failed post-init, continuing")
				continue
			}
		}

		r.log.Info().Str("component", name).Msg("component loaded")
	}

	return r.failures
}

// Failed returns the failures recorded by the most recent LoadAll call,
// for /server/info's failed_components field.
func (r *Registry) Failed() []LoadFailure {
	return r.failures
}

// shutdownGrace is the drain period before closing components, allowing
// in-flight WebSocket writes to finish per spec.md §5.
const shutdownGrace = 100 * time.Millisecond

// CloseAll closes every loaded component implementing io.Closer, in
// reverse load order, after waiting shutdownGrace for in-flight work to
// settle.
func (r *Registry) CloseAll(ctx context.Context) {
	select {
	case <-time.After(shutdownGrace):
	case <-ctx.Done():
	}

	for i := len(r.order) - 1; i >= 0; i-- {
		name := r.order[i]
		c := r.byName[name]
		closer, ok := c.(server.Closer)
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil {
			r.log.Warn().Err(err).Str("component", name).Msg("error closing component")
		}
	}
}
