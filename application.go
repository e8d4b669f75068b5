// Package envisage hosts independently developed plugins. Plugins declare
// extension points, contribute values to each other's extension points and
// offer services looked up by protocol. An Application owns the registries and
// drives the plugin lifecycle.
//
// Example:
//
//	app, err := envisage.New("acme.motd", envisage.WithPlugins(motd, messages))
//	if err != nil {
//		return err
//	}
//	if err := app.Start(ctx); err != nil {
//		return err
//	}
//	defer app.Stop(ctx)
//
//	for _, m := range extension.As[*Message](app.GetExtensions("acme.motd.messages")) {
//		fmt.Println(m.Text)
//	}
package envisage

import (
	"context"
	"sync"

	"github.com/awatters/envisage/errors"
	"github.com/awatters/envisage/extension"
	"github.com/awatters/envisage/logging"
	"github.com/awatters/envisage/plugin"
	"github.com/awatters/envisage/service"
	"github.com/prometheus/client_golang/prometheus"
)

// CoreProviderID identifies the extension points the application itself
// declares.
const CoreProviderID = "envisage.core"

// State of an application.
type State int

const (
	StateStopped State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "stopped"
}

// Option customizes an Application.
type Option func(*Application)

// WithPlugins adds plugins in the order given.
func WithPlugins(plugins ...plugin.Plugin) Option {
	return func(a *Application) {
		a.initial = append(a.initial, plugins...)
	}
}

// WithPlugin adds a single plugin.
func WithPlugin(p plugin.Plugin) Option {
	return WithPlugins(p)
}

// WithBaseContext sets the context the application logs with. If it carries
// no logger one is created from the logging.format config.
func WithBaseContext(ctx context.Context) Option {
	return func(a *Application) {
		a.ctx = ctx
	}
}

// WithMetrics registers the application's collectors with r when the
// metrics.enabled config is set.
func WithMetrics(r prometheus.Registerer) Option {
	return func(a *Application) {
		a.registerers = append(a.registerers, r)
	}
}

// Application is the facade over the extension registry, the service registry
// and the plugin manager. Registry queries are valid whether or not the
// application is running.
type Application struct {
	id  string
	ctx context.Context

	// mu is shared by the extension and service registries.
	mu sync.RWMutex

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex
	stateMu   sync.RWMutex
	state     State

	extensions *extension.Registry
	services   *service.Registry
	plugins    *plugin.Manager
	metrics    *metrics

	initial     []plugin.Plugin
	registerers []prometheus.Registerer

	eventsMu  sync.Mutex
	listeners []*eventListener

	bindingsMu sync.Mutex
	bindings   map[bindingKey]*Binding

	offers offerSet
}

// New returns a stopped application. An empty id falls back to the
// application.id config.
func New(id string, opts ...Option) (*Application, error) {
	if id == "" {
		id = ConfigString("application.id")
	}
	a := &Application{
		id:       id,
		ctx:      context.Background(),
		bindings: map[bindingKey]*Binding{},
		offers:   offerSet{ids: map[*ServiceOffer]service.ServiceID{}},
	}
	for _, opt := range opts {
		opt(a)
	}

	a.ctx = logging.Scoped(logging.EnsureLogger(a.ctx, ConfigString("logging.format")), id)
	a.metrics = newMetrics(a)

	a.extensions = extension.NewRegistry(a.ctx,
		extension.WithLock(&a.mu),
		extension.WithCacheSize(ConfigInt("extensions.cacheSize")))
	a.services = service.NewRegistry(a.ctx, service.WithLock(&a.mu))
	a.plugins = plugin.NewManager(a.ctx,
		plugin.WithServiceRegistrar(a.services),
		plugin.WithInclude(ConfigStrings("plugins.include")...),
		plugin.WithExclude(ConfigStrings("plugins.exclude")...),
		plugin.WithTransitionHook(a.metrics.observeTransition))

	core := &coreProvider{points: []*extension.ExtensionPoint{{
		ID:          ServiceOffersID,
		Description: "Services registered lazily while the application runs",
		Shape:       extension.OfType[*ServiceOffer](),
	}}}
	if err := a.extensions.AddProvider(core); err != nil {
		return nil, err
	}
	a.extensions.Subscribe(ServiceOffersID, func(extension.ChangeEvent) { a.syncOffers() })

	for _, p := range a.initial {
		if err := a.AddPlugin(a.ctx, p); err != nil {
			if errors.Is(err, plugin.ErrPluginExcluded) {
				continue
			}
			return nil, err
		}
	}

	if len(a.registerers) > 0 && ConfigBool("metrics.enabled") {
		for _, r := range a.registerers {
			if err := a.metrics.register(r); err != nil {
				return nil, errors.WrapPrefix(err, "envisage: registering metrics", 0)
			}
		}
	}

	logging.Debugw(a.ctx, "application created", "plugins", len(a.plugins.Plugins()))
	return a, nil
}

// ID returns the application identifier.
func (a *Application) ID() string {
	return a.id
}

// State returns whether the application is running.
func (a *Application) State() State {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.state
}

func (a *Application) setState(s State) {
	a.stateMu.Lock()
	a.state = s
	a.stateMu.Unlock()
}

// Start registers service offers and starts every plugin in dependency
// order. Starting a running application is a no-op. An invalid dependency
// graph fails the start with the application left stopped. If a plugin fails the
// application stays running with the plugins started so far, so Stop can be
// used to clean up.
func (a *Application) Start(ctx context.Context) error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()
	if a.State() == StateRunning {
		return nil
	}

	a.fire(Event{Type: EventStarting, Application: a})
	if err := a.plugins.Validate(); err != nil {
		logging.Errorw(a.ctx, "application failed to start", logging.ErrorFields(err)...)
		a.fire(Event{Type: EventStarted, Application: a, Err: err})
		return err
	}
	a.setState(StateRunning)
	a.activateOffers()

	err := a.plugins.Start(ctx)
	if err != nil {
		logging.Errorw(a.ctx, "application failed to start", logging.ErrorFields(err)...)
	} else {
		logging.Infow(a.ctx, "application started", "plugins", len(a.plugins.Started()))
	}
	a.fire(Event{Type: EventStarted, Application: a, Err: err})
	return err
}

// Stop stops plugins in reverse start order, then removes service offers.
// If a plugin fails to stop the application stays running and Stop may be
// retried.
func (a *Application) Stop(ctx context.Context) error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()
	if a.State() == StateStopped {
		return nil
	}

	a.fire(Event{Type: EventStopping, Application: a})
	if err := a.plugins.Stop(ctx); err != nil {
		logging.Errorw(a.ctx, "application failed to stop", logging.ErrorFields(err)...)
		a.fire(Event{Type: EventStopped, Application: a, Err: err})
		return err
	}
	a.deactivateOffers()
	a.setState(StateStopped)
	logging.Infow(a.ctx, "application stopped")
	a.fire(Event{Type: EventStopped, Application: a})
	return nil
}

// AddPlugin registers a plugin and its extension points and contributions.
// If the application is running the plugin is started too, with ctx.
func (a *Application) AddPlugin(ctx context.Context, p plugin.Plugin) error {
	if err := a.plugins.Register(p); err != nil {
		return err
	}
	if err := a.extensions.AddProvider(p); err != nil {
		_ = a.plugins.Remove(ctx, p.ID())
		return err
	}
	a.metrics.observeTransition(p.ID(), plugin.StateStopped, plugin.StateStopped)

	if a.State() == StateRunning {
		return a.plugins.StartPlugin(ctx, p.ID())
	}
	return nil
}

// RemovePlugin stops a plugin if it is running and withdraws its extension
// points and contributions.
func (a *Application) RemovePlugin(ctx context.Context, id string) error {
	if err := a.plugins.Remove(ctx, id); err != nil {
		return err
	}
	a.extensions.RemoveProvider(id)
	a.metrics.forget(id)
	return nil
}

// Plugin returns a plugin by ID, or nil.
func (a *Application) Plugin(id string) plugin.Plugin {
	return a.plugins.Get(id)
}

// Plugins returns all plugins in registration order.
func (a *Application) Plugins() []plugin.Plugin {
	return a.plugins.Plugins()
}

// PluginState returns the lifecycle state of a plugin.
func (a *Application) PluginState(id string) (plugin.State, bool) {
	return a.plugins.State(id)
}

// GetExtensions returns the aggregate of all contributions to an extension
// point. It panics if id is not a valid extension point ID.
func (a *Application) GetExtensions(id string) []any {
	return a.extensions.GetExtensions(id)
}

// GetExtensionPoint returns the declaration of an extension point, or nil.
func (a *Application) GetExtensionPoint(id string) *extension.ExtensionPoint {
	return a.extensions.GetExtensionPoint(id)
}

// Subscribe calls fn after every change to the aggregate of an extension point.
func (a *Application) Subscribe(id string, fn func(extension.ChangeEvent)) (cancel func()) {
	return a.extensions.Subscribe(id, fn)
}

// GetService returns the first service compatible with protocol, or nil.
func (a *Application) GetService(protocol service.Protocol) any {
	return a.services.GetService(protocol)
}

// GetServices returns every service compatible with protocol.
func (a *Application) GetServices(protocol service.Protocol) []any {
	return a.services.GetServices(protocol)
}

// RegisterService registers an instance under protocol.
func (a *Application) RegisterService(protocol service.Protocol, instance any, provides ...service.Protocol) (service.ServiceID, error) {
	return a.services.RegisterService(protocol, instance, provides...)
}

// RegisterFactory registers a service that is built on first lookup.
func (a *Application) RegisterFactory(protocol service.Protocol, factory service.Factory, provides ...service.Protocol) (service.ServiceID, error) {
	return a.services.RegisterFactory(protocol, factory, provides...)
}

// UnregisterService removes a service registration.
func (a *Application) UnregisterService(id service.ServiceID) error {
	return a.services.UnregisterService(id)
}

// DeclareProtocol records that p is compatible with each of parents.
func (a *Application) DeclareProtocol(p service.Protocol, parents ...service.Protocol) {
	a.services.DeclareProtocol(p, parents...)
}

// Extensions exposes the underlying extension registry.
func (a *Application) Extensions() *extension.Registry {
	return a.extensions
}

// Services exposes the underlying service registry.
func (a *Application) Services() *service.Registry {
	return a.services
}

type coreProvider struct {
	points []*extension.ExtensionPoint
}

func (c *coreProvider) ID() string                                   { return CoreProviderID }
func (c *coreProvider) ExtensionPoints() []*extension.ExtensionPoint { return c.points }
