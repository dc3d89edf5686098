// Package server defines the explicit dependency-injection context passed
// to every component, replacing the source's global singletons per
// spec.md §9 ("Global singletons").
package server

import (
	"github.com/rs/zerolog"

	"github.com/moonbridge/moonbridge/internal/auth"
	"github.com/moonbridge/moonbridge/internal/config"
	"github.com/moonbridge/moonbridge/internal/db"
	"github.com/moonbridge/moonbridge/internal/eventbus"
	"github.com/moonbridge/moonbridge/internal/fsroots"
	"github.com/moonbridge/moonbridge/internal/gateway"
	"github.com/moonbridge/moonbridge/internal/hostconn"
	"github.com/moonbridge/moonbridge/internal/metrics"
	"github.com/moonbridge/moonbridge/internal/shellrunner"
)

// Component is the Go expression of the source's duck-typed component
// object: every loadable unit, core or optional, implements at least Name
// and Init. Close and ComponentInit are optional post-load/teardown hooks.
type Component interface {
	Name() string
	Init(ctx *Context) error
}

// Closer is implemented by components with teardown work.
type Closer interface {
	Close() error
}

// PostInitializer is implemented by components with a post-load init step
// that may fail independently of Init, per spec.md §4.8.
type PostInitializer interface {
	ComponentInit() error
}

// ComponentFailure is a read-only view of one component's failed Init or
// ComponentInit call, for /server/info's failed_components field
// (spec.md §4.8). Defined here rather than in the components package so
// Context can expose it without importing the registry that owns the
// concrete type.
type ComponentFailure struct {
	Component string
	Message   string
}

// Context is passed to every component constructor and Init call. It
// exposes typed lookups for the collaborators a component might need,
// replacing ad hoc global state.
type Context struct {
	Config *config.Root
	Log    zerolog.Logger

	bus     *eventbus.Bus
	session *hostconn.Session
	gw      *gateway.Server
	facade  *db.Facade
	roots   *fsroots.Manager
	guard   *auth.Guard
	shell   *shellrunner.Runner
	metrics *metrics.Metrics

	lookup  func(name string) (Component, bool)
	failed  func() []ComponentFailure
}

// New builds a Context from its collaborators. lookup is supplied by the
// component registry so components can resolve each other by name without
// a direct import cycle (spec.md §9 "cyclic component references"); failed
// likewise exposes the registry's current load-failure list.
func New(
	cfg *config.Root,
	log zerolog.Logger,
	bus *eventbus.Bus,
	session *hostconn.Session,
	gw *gateway.Server,
	facade *db.Facade,
	roots *fsroots.Manager,
	guard *auth.Guard,
	shell *shellrunner.Runner,
	m *metrics.Metrics,
	lookup func(name string) (Component, bool),
	failed func() []ComponentFailure,
) *Context {
	return &Context{
		Config: cfg, Log: log,
		bus: bus, session: session, gw: gw, facade: facade,
		roots: roots, guard: guard, shell: shell, metrics: m,
		lookup: lookup, failed: failed,
	}
}

func (c *Context) EventBus() *eventbus.Bus          { return c.bus }
func (c *Context) HostSession() *hostconn.Session   { return c.session }
func (c *Context) Gateway() *gateway.Server         { return c.gw }
func (c *Context) Database() *db.Facade             { return c.facade }
func (c *Context) Roots() *fsroots.Manager          { return c.roots }
func (c *Context) Auth() *auth.Guard                { return c.guard }
func (c *Context) Shell() *shellrunner.Runner       { return c.shell }
func (c *Context) Metrics() *metrics.Metrics        { return c.metrics }

// Component resolves a collaborator component by name. A missing
// collaborator is returned as ok=false, never as an error, per spec.md §9.
func (c *Context) Component(name string) (Component, bool) {
	if c.lookup == nil {
		return nil, false
	}
	return c.lookup(name)
}

// FailedComponents reports every component that has failed to load so
// far, for /server/info's failed_components field (spec.md §4.8).
func (c *Context) FailedComponents() []ComponentFailure {
	if c.failed == nil {
		return nil
	}
	return c.failed()
}
