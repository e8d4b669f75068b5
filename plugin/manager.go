package plugin

import (
	"context"
	"path"
	"slices"
	"sync"

	"github.com/awatters/envisage/errors"
	"github.com/awatters/envisage/internal/config"
	"github.com/awatters/envisage/logging"
	"github.com/awatters/envisage/service"
	"google.golang.org/grpc/codes"
)

// ServiceRegistrar is where plugins' declared services are registered.
// *service.Registry satisfies it.
type ServiceRegistrar interface {
	RegisterService(protocol service.Protocol, instance any, provides ...service.Protocol) (service.ServiceID, error)
	RegisterFactory(protocol service.Protocol, factory service.Factory, provides ...service.Protocol) (service.ServiceID, error)
	UnregisterService(id service.ServiceID) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithServiceRegistrar sets the registry that receives plugin services.
func WithServiceRegistrar(r ServiceRegistrar) Option {
	return func(m *Manager) {
		m.services = r
	}
}

// WithInclude only admits plugins whose ID matches one of the glob patterns.
func WithInclude(patterns ...string) Option {
	return func(m *Manager) {
		m.include = append(m.include, patterns...)
	}
}

// WithExclude rejects plugins whose ID matches one of the glob patterns.
// Exclusion wins over inclusion.
func WithExclude(patterns ...string) Option {
	return func(m *Manager) {
		m.exclude = append(m.exclude, patterns...)
	}
}

// WithTransitionHook registers a hook called after every state change.
func WithTransitionHook(h TransitionHook) Option {
	return func(m *Manager) {
		m.hooks = append(m.hooks, h)
	}
}

type entry struct {
	plugin     Plugin
	state      State
	err        error
	serviceIDs []service.ServiceID
}

// Manager tracks plugins and drives their lifecycle. Plugins are started in
// dependency order, falling back to registration order, and stopped in
// reverse start order.
type Manager struct {
	ctx context.Context

	// lifecycle serializes start and stop. Plugin callbacks run while it is
	// held, so they must not start or stop plugins themselves.
	lifecycle sync.Mutex

	mu      sync.RWMutex
	entries map[string]*entry
	keys    []string
	started []string

	services ServiceRegistrar
	include  []string
	exclude  []string
	hooks    []TransitionHook
}

// NewManager returns an empty manager. ctx supplies the logger.
func NewManager(ctx context.Context, opts ...Option) *Manager {
	m := &Manager{
		ctx:     logging.Scoped(ctx, "plugins"),
		entries: map[string]*entry{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Admits reports whether the include and exclude filters accept id.
func (m *Manager) Admits(id string) bool {
	for _, p := range m.exclude {
		if ok, _ := path.Match(p, id); ok {
			return false
		}
	}
	if len(m.include) == 0 {
		return true
	}
	for _, p := range m.include {
		if ok, _ := path.Match(p, id); ok {
			return true
		}
	}
	return false
}

// Register adds a plugin. Registration does not start it.
func (m *Manager) Register(p Plugin) error {
	if p == nil || p.ID() == "" {
		return errors.Wrap(ErrInvalidPlugin, 0)
	}
	id := p.ID()
	if !m.Admits(id) {
		logging.Debugw(m.ctx, "plugin excluded by filter", "plugin", id)
		return errors.WrapPrefix(ErrPluginExcluded, id, 0)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[id]; ok {
		return errors.WrapPrefix(ErrDuplicatePlugin, id, 0)
	}
	m.entries[id] = &entry{plugin: p}
	m.keys = append(m.keys, id)
	logging.Debugw(m.ctx, "plugin registered", "plugin", id)
	return nil
}

// Remove stops the plugin if needed and forgets it.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return errors.WrapPrefix(ErrPluginNotFound, id, 0)
	}
	if err := m.stopOne(ctx, id, e); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.entries, id)
	m.keys = slices.DeleteFunc(m.keys, func(k string) bool { return k == id })
	m.mu.Unlock()
	return nil
}

// Get returns a plugin by ID, or nil.
func (m *Manager) Get(id string) Plugin {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.entries[id]; ok {
		return e.plugin
	}
	return nil
}

// Plugins returns all plugins in registration order.
func (m *Manager) Plugins() []Plugin {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Plugin, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, m.entries[k].plugin)
	}
	return out
}

// State returns the state of a plugin and whether it is registered.
func (m *Manager) State(id string) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.entries[id]; ok {
		return e.state, true
	}
	return StateStopped, false
}

// States returns a snapshot of every plugin's state.
func (m *Manager) States() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]State, len(m.entries))
	for k, e := range m.entries {
		out[k] = e.state
	}
	return out
}

// Err returns the last start or stop error recorded for a plugin.
func (m *Manager) Err(id string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.entries[id]; ok {
		return e.err
	}
	return nil
}

// Started returns the IDs of started plugins in start order.
func (m *Manager) Started() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.started)
}

// Start starts every registered plugin. The dependency graph is validated
// first; if it is invalid nothing is started. The first start failure aborts
// the remaining starts, leaving already started plugins running.
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.RLock()
	keys := slices.Clone(m.keys)
	m.mu.RUnlock()

	if err := m.validate(keys); err != nil {
		return err
	}

	visited := map[string]bool{}
	for _, key := range keys {
		if err := m.startPlugin(ctx, key, visited); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the dependency graph of every registered plugin without
// starting anything. It returns a *CyclicDependencyError or a
// *MissingDependencyError when the graph is invalid.
func (m *Manager) Validate() error {
	m.mu.RLock()
	keys := slices.Clone(m.keys)
	m.mu.RUnlock()
	return m.validate(keys)
}

// StartPlugin starts a single plugin along with any dependencies that are not
// yet running.
func (m *Manager) StartPlugin(ctx context.Context, id string) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.RLock()
	_, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return errors.WrapPrefix(ErrPluginNotFound, id, 0)
	}
	if err := m.validate([]string{id}); err != nil {
		return err
	}
	return m.startPlugin(ctx, id, map[string]bool{})
}

// Stop stops started plugins in reverse start order. The first failure aborts
// the remaining stops.
func (m *Manager) Stop(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	order := m.Started()
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		m.mu.RLock()
		e, ok := m.entries[id]
		m.mu.RUnlock()
		if !ok {
			continue
		}
		if err := m.stopOne(ctx, id, e); err != nil {
			return err
		}
	}
	return nil
}

// StopPlugin stops a single plugin. Plugins depending on it are left alone.
func (m *Manager) StopPlugin(ctx context.Context, id string) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return errors.WrapPrefix(ErrPluginNotFound, id, 0)
	}
	return m.stopOne(ctx, id, e)
}

func (m *Manager) validate(keys []string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	done := map[string]bool{}
	for _, key := range keys {
		if err := m.validateDeps(key, nil, done); err != nil {
			return err
		}
	}
	return nil
}

// Walks the plugin dependency graph and ensures deps are registered and that
// there are no cycles. chain holds the plugins leading to key.
func (m *Manager) validateDeps(key string, chain []string, done map[string]bool) error {
	if i := slices.Index(chain, key); i >= 0 {
		cycle := append(slices.Clone(chain[i:]), key)
		return errors.Wrap(&CyclicDependencyError{Cycle: cycle}, 0)
	}
	if done[key] {
		return nil
	}

	e, ok := m.entries[key]
	if !ok {
		requiredBy := ""
		if len(chain) > 0 {
			requiredBy = chain[len(chain)-1]
		}
		return errors.Wrap(&MissingDependencyError{
			PluginID:    requiredBy,
			Missing:     key,
			Suggestions: config.Suggest(key, m.keys, 3),
		}, 0)
	}

	chain = append(chain, key)
	for _, dep := range m.deps(e.plugin) {
		if err := m.validateDeps(dep, chain, done); err != nil {
			return err
		}
	}

	done[key] = true
	return nil
}

// deps returns required deps plus the optional deps that are registered.
// Callers hold mu.
func (m *Manager) deps(p Plugin) []string {
	var out []string
	if d, ok := p.(DependentPlugin); ok {
		out = append(out, d.Deps()...)
	}
	if d, ok := p.(OptionalDependentPlugin); ok {
		for _, dep := range d.OptDeps() {
			if _, ok := m.entries[dep]; ok {
				out = append(out, dep)
			}
		}
	}
	return out
}

// Ensures plugins are started in dependency order.
func (m *Manager) startPlugin(ctx context.Context, key string, visited map[string]bool) error {
	if visited[key] {
		return nil
	}
	visited[key] = true

	m.mu.RLock()
	e, ok := m.entries[key]
	var deps []string
	if ok {
		deps = m.deps(e.plugin)
	}
	m.mu.RUnlock()
	if !ok {
		return errors.WrapPrefix(ErrPluginNotFound, key, 0)
	}

	for _, dep := range deps {
		if err := m.startPlugin(ctx, dep, visited); err != nil {
			return err
		}
	}
	return m.startOne(ctx, key, e)
}

func (m *Manager) startOne(ctx context.Context, id string, e *entry) error {
	m.mu.RLock()
	state := e.state
	m.mu.RUnlock()
	if state != StateStopped {
		return nil
	}

	pctx := logging.With(ctx, m.logger(ctx).Named(id))
	m.transition(id, e, StateStarting, nil)

	fail := func(err error) error {
		m.transition(id, e, StateStopped, err)
		logging.Errorw(m.ctx, "plugin failed to start", append([]any{"plugin", id}, logging.ErrorFields(err)...)...)
		return errors.Wrap(&PluginStartError{PluginID: id, Err: err}, 1)
	}

	if s, ok := e.plugin.(StartablePlugin); ok {
		if err := s.Start(pctx); err != nil {
			return fail(err)
		}
	}

	ids, err := m.registerServices(e.plugin)
	if err != nil {
		if s, ok := e.plugin.(StoppablePlugin); ok {
			if serr := s.Stop(pctx); serr != nil {
				logging.Warnw(m.ctx, "plugin failed to stop after start error", "plugin", id, "error", serr)
			}
		}
		return fail(err)
	}

	m.mu.Lock()
	e.serviceIDs = ids
	m.started = append(m.started, id)
	m.mu.Unlock()
	m.transition(id, e, StateStarted, nil)
	logging.Debugw(m.ctx, "plugin started", "plugin", id, "services", len(ids))
	return nil
}

func (m *Manager) stopOne(ctx context.Context, id string, e *entry) error {
	m.mu.RLock()
	state := e.state
	ids := e.serviceIDs
	m.mu.RUnlock()
	if state != StateStarted {
		return nil
	}

	m.transition(id, e, StateStopping, nil)
	m.unregisterServices(id, ids)

	m.mu.Lock()
	e.serviceIDs = nil
	m.started = slices.DeleteFunc(m.started, func(k string) bool { return k == id })
	m.mu.Unlock()

	if s, ok := e.plugin.(StoppablePlugin); ok {
		if err := s.Stop(logging.With(ctx, m.logger(ctx).Named(id))); err != nil {
			m.transition(id, e, StateStopped, err)
			logging.Errorw(m.ctx, "plugin failed to stop", append([]any{"plugin", id}, logging.ErrorFields(err)...)...)
			return errors.Wrap(&PluginStopError{PluginID: id, Err: err}, 0)
		}
	}

	m.transition(id, e, StateStopped, nil)
	logging.Debugw(m.ctx, "plugin stopped", "plugin", id)
	return nil
}

// registerServices registers every declared service, undoing partial work
// on failure.
func (m *Manager) registerServices(p Plugin) ([]service.ServiceID, error) {
	sp, ok := p.(ServiceProvider)
	if !ok {
		return nil, nil
	}
	decls := sp.Services()
	if len(decls) == 0 {
		return nil, nil
	}
	if m.services == nil {
		return nil, errors.NewC("plugin: services declared but no service registry configured", codes.FailedPrecondition)
	}

	ids := make([]service.ServiceID, 0, len(decls))
	for _, d := range decls {
		id, err := m.registerService(d)
		if err != nil {
			m.unregisterServices(p.ID(), ids)
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *Manager) registerService(d ServiceDeclaration) (service.ServiceID, error) {
	protocol := d.Protocol
	if protocol == "" {
		if sp, ok := d.Instance.(service.Provider); ok && len(sp.Protocols()) > 0 {
			protocol = sp.Protocols()[0]
		} else {
			return 0, errors.NewC("plugin: service declaration has no protocol", codes.InvalidArgument)
		}
	}
	if d.Factory != nil {
		return m.services.RegisterFactory(protocol, d.Factory, d.Provides...)
	}
	return m.services.RegisterService(protocol, d.Instance, d.Provides...)
}

func (m *Manager) unregisterServices(pluginID string, ids []service.ServiceID) {
	for _, id := range ids {
		if err := m.services.UnregisterService(id); err != nil {
			logging.Warnw(m.ctx, "service already unregistered", "plugin", pluginID, "service_id", id)
		}
	}
}

func (m *Manager) transition(id string, e *entry, to State, err error) {
	m.mu.Lock()
	from := e.state
	e.state = to
	if to == StateStarting || to == StateStopping {
		e.err = nil
	}
	if err != nil {
		e.err = err
	}
	hooks := m.hooks
	m.mu.Unlock()

	for _, h := range hooks {
		h(id, from, to)
	}
}

func (m *Manager) logger(ctx context.Context) logging.Logger {
	if l := logging.FromContext(ctx); l != nil {
		return l
	}
	return logging.FromContext(m.ctx)
}
