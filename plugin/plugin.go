// Package plugin defines the plugin interfaces and the Manager that starts
// and stops plugins in dependency order.
//
// A plugin only has to report its ID. Everything else is opt-in through the
// optional interfaces below, or by embedding Base.
package plugin

import (
	"context"

	"github.com/awatters/envisage/extension"
	"github.com/awatters/envisage/service"
)

// Plugin is the base interface every plugin implements.
type Plugin interface {
	// ID returns the unique identifier of the plugin.
	ID() string
}

// DependentPlugin is implemented by plugins that require other plugins to be
// started first.
type DependentPlugin interface {
	// Deps returns the IDs of required plugins.
	Deps() []string
}

// OptionalDependentPlugin is implemented by plugins that should start after
// other plugins when those happen to be registered.
type OptionalDependentPlugin interface {
	// OptDeps returns the IDs of optional plugins.
	OptDeps() []string
}

// StartablePlugin is implemented by plugins with start-up work.
type StartablePlugin interface {
	// Start the plugin. Called after all dependencies have started.
	Start(ctx context.Context) error
}

// StoppablePlugin is implemented by plugins with shutdown work.
type StoppablePlugin interface {
	// Stop the plugin. Called in reverse start order.
	Stop(ctx context.Context) error
}

// ServiceProvider is implemented by plugins that register services while
// they are started.
type ServiceProvider interface {
	Services() []ServiceDeclaration
}

// ServiceDeclaration describes a service a plugin registers on start and
// unregisters on stop. Exactly one of Instance or Factory should be set.
//
// When Protocol is empty the instance must implement service.Provider and its
// first protocol is used.
type ServiceDeclaration struct {
	Protocol service.Protocol
	Instance any
	Factory  service.Factory
	Provides []service.Protocol
}

// Base can be embedded to get the declarative parts of a plugin.
//
//	type Greeter struct {
//		plugin.Base
//	}
//
//	g := &Greeter{Base: plugin.NewBase("greeter", "logging")}
//	g.Contribute("greetings", "Hello", "G'day")
type Base struct {
	id       string
	deps     []string
	optDeps  []string
	points   []*extension.ExtensionPoint
	contribs []*extension.Contribution
	services []ServiceDeclaration
}

// NewBase returns a Base with the given ID and required dependencies.
func NewBase(id string, deps ...string) Base {
	return Base{id: id, deps: deps}
}

func (b *Base) ID() string                                   { return b.id }
func (b *Base) Deps() []string                               { return b.deps }
func (b *Base) OptDeps() []string                            { return b.optDeps }
func (b *Base) ExtensionPoints() []*extension.ExtensionPoint { return b.points }
func (b *Base) Contributions() []*extension.Contribution     { return b.contribs }
func (b *Base) Services() []ServiceDeclaration               { return b.services }

// After adds optional dependencies.
func (b *Base) After(ids ...string) {
	b.optDeps = append(b.optDeps, ids...)
}

// Offer declares an extension point owned by the plugin.
func (b *Base) Offer(id, description string, shape extension.Shape) *extension.ExtensionPoint {
	p := &extension.ExtensionPoint{ID: id, Description: description, Shape: shape}
	b.points = append(b.points, p)
	return p
}

// Contribute adds a contribution to the extension point with the given ID.
// The returned contribution may be mutated later.
func (b *Base) Contribute(id string, values ...any) *extension.Contribution {
	c := extension.NewContribution(id, values...)
	b.contribs = append(b.contribs, c)
	return c
}

// Provide declares a service registered while the plugin is started.
func (b *Base) Provide(decl ServiceDeclaration) {
	b.services = append(b.services, decl)
}
