package extension

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/awatters/envisage/errors"
	"github.com/awatters/envisage/logging"
	lru "github.com/hashicorp/golang-lru/v2"
	"google.golang.org/grpc/codes"
)

// DefaultCacheSize bounds the number of cached aggregates.
const DefaultCacheSize = 128

// Provider is anything that can declare extension points or contribute to
// them. Plugins are providers.
type Provider interface {
	ID() string
}

// Declarer is implemented by providers that offer extension points.
type Declarer interface {
	ExtensionPoints() []*ExtensionPoint
}

// Contributor is implemented by providers that contribute to extension points.
type Contributor interface {
	Contributions() []*Contribution
}

// ChangeEvent is delivered to subscribers when the aggregate for an
// extension point changes. Index is relative to the provider's contribution.
type ChangeEvent struct {
	ExtensionPointID string
	ProviderID       string
	Index            int
	Added            []any
	Removed          []any
}

// Stats are cumulative cache counters.
type Stats struct {
	Hits          uint64
	Misses        uint64
	Invalidations uint64
	Generation    uint64
}

// Option configures a Registry.
type Option func(*Registry)

// WithLock makes the registry guard its state with mu, so several registries
// can share one coarse lock.
func WithLock(mu *sync.RWMutex) Option {
	return func(r *Registry) {
		r.mu = mu
	}
}

// WithCacheSize bounds the aggregate cache. Values below 1 use the default.
func WithCacheSize(n int) Option {
	return func(r *Registry) {
		r.cacheSize = n
	}
}

type declaration struct {
	point    *ExtensionPoint
	provider string
}

type providerEntry struct {
	id            string
	points        []*ExtensionPoint
	contributions []*Contribution
	cancels       []func()
	removed       bool
}

type listener struct {
	id uint64
	fn func(ChangeEvent)
}

// Registry aggregates the contributions of every registered provider.
//
// Aggregates are computed on first query and cached until a contribution to
// the same id changes. The registry observes each contribution, so in-place
// mutations are picked up without providers calling back.
type Registry struct {
	ctx context.Context
	mu  *sync.RWMutex

	providers []*providerEntry
	declared  map[string]declaration
	cache     *lru.Cache[string, []any]
	cacheSize int

	listeners    map[string][]*listener
	nextListener uint64

	generation    atomic.Uint64
	hits          atomic.Uint64
	misses        atomic.Uint64
	invalidations atomic.Uint64
}

// NewRegistry returns an empty registry. ctx supplies the logger.
func NewRegistry(ctx context.Context, opts ...Option) *Registry {
	r := &Registry{
		ctx:       logging.Scoped(ctx, "extensions"),
		declared:  map[string]declaration{},
		listeners: map[string][]*listener{},
		cacheSize: DefaultCacheSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.mu == nil {
		r.mu = &sync.RWMutex{}
	}
	if r.cacheSize < 1 {
		r.cacheSize = DefaultCacheSize
	}
	// Only fails for a non-positive size.
	r.cache, _ = lru.New[string, []any](r.cacheSize)
	return r
}

// AddProvider registers the extension points and contributions of p and
// starts observing its contributions.
func (r *Registry) AddProvider(p Provider) error {
	id := p.ID()
	if id == "" {
		return errors.NewC("extension: provider has an empty id", codes.InvalidArgument)
	}

	entry := &providerEntry{id: id}
	if d, ok := p.(Declarer); ok {
		entry.points = d.ExtensionPoints()
	}
	if c, ok := p.(Contributor); ok {
		entry.contributions = c.Contributions()
	}

	for _, pt := range entry.points {
		if err := ValidateID(pt.ID); err != nil {
			return errors.WrapPrefix(err, fmt.Sprintf("extension: provider %q", id), 0)
		}
	}
	for _, c := range entry.contributions {
		if err := ValidateID(c.Target()); err != nil {
			return errors.WrapPrefix(err, fmt.Sprintf("extension: provider %q", id), 0)
		}
	}

	r.mu.Lock()
	for _, existing := range r.providers {
		if existing.id == id {
			r.mu.Unlock()
			return errors.NewC(fmt.Sprintf("extension: provider %q already registered", id), codes.AlreadyExists)
		}
	}
	seen := map[string]bool{}
	for _, pt := range entry.points {
		if d, ok := r.declared[pt.ID]; ok {
			r.mu.Unlock()
			return errors.Wrap(&DuplicateExtensionPointError{ID: pt.ID, Provider: id, Existing: d.provider}, 0)
		}
		if seen[pt.ID] {
			r.mu.Unlock()
			return errors.Wrap(&DuplicateExtensionPointError{ID: pt.ID, Provider: id, Existing: id}, 0)
		}
		seen[pt.ID] = true
	}

	r.providers = append(r.providers, entry)
	for _, pt := range entry.points {
		r.declared[pt.ID] = declaration{point: pt, provider: id}
		r.invalidate(pt.ID)
	}

	var events changeSet
	for _, c := range entry.contributions {
		entry.cancels = append(entry.cancels, c.Observe(func(ev ContributionEvent) {
			r.contributionChanged(entry, c.Target(), ev)
		}))
		r.invalidate(c.Target())
		events.add(id, c.Target(), c.Values(), nil)
	}
	r.mu.Unlock()

	logging.Debugw(r.ctx, "provider added",
		"provider", id, "extension_points", len(entry.points), "contributions", len(entry.contributions))

	r.fire(events.events)
	return nil
}

// RemoveProvider unregisters the provider with the given id, dropping its
// declarations and contributions. Reports whether it was registered.
func (r *Registry) RemoveProvider(id string) bool {
	r.mu.Lock()
	idx := -1
	for i, e := range r.providers {
		if e.id == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return false
	}

	entry := r.providers[idx]
	entry.removed = true
	r.providers = append(r.providers[:idx:idx], r.providers[idx+1:]...)
	for _, cancel := range entry.cancels {
		cancel()
	}
	for _, pt := range entry.points {
		delete(r.declared, pt.ID)
		r.invalidate(pt.ID)
	}

	var events changeSet
	for _, c := range entry.contributions {
		r.invalidate(c.Target())
		events.add(id, c.Target(), nil, c.Values())
	}
	r.mu.Unlock()

	logging.Debugw(r.ctx, "provider removed", "provider", id)

	r.fire(events.events)
	return true
}

// GetExtensions returns every value contributed to id, ordered by provider
// registration, then contribution, then position within the contribution.
// An id nobody declared or contributed to yields an empty slice. The result
// is a copy the caller may modify.
//
// GetExtensions panics with an error wrapping ErrInvalidExtensionPointID if
// id is malformed.
func (r *Registry) GetExtensions(id string) []any {
	if err := ValidateID(id); err != nil {
		panic(err)
	}

	r.mu.RLock()
	if v, ok := r.cache.Get(id); ok {
		r.mu.RUnlock()
		r.hits.Add(1)
		return clone(v)
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.cache.Get(id); ok {
		r.hits.Add(1)
		return clone(v)
	}
	r.misses.Add(1)
	v := r.compute(id)
	r.cache.Add(id, v)
	return clone(v)
}

// GetExtensionPoint returns the declaration of id, or nil if no provider
// declared it.
func (r *Registry) GetExtensionPoint(id string) *ExtensionPoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.declared[id]; ok {
		return d.point
	}
	return nil
}

// ExtensionPoints returns every declared extension point in provider order.
func (r *Registry) ExtensionPoints() []*ExtensionPoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*ExtensionPoint
	for _, e := range r.providers {
		out = append(out, e.points...)
	}
	return out
}

// Providers returns the ids of registered providers in registration order.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for _, e := range r.providers {
		out = append(out, e.id)
	}
	return out
}

// Subscribe calls fn synchronously each time the aggregate for id changes.
// Events are delivered after the cached aggregate has been invalidated, so fn
// may call GetExtensions. The returned function removes the subscription.
//
// Subscribe panics if id is malformed.
func (r *Registry) Subscribe(id string, fn func(ChangeEvent)) (cancel func()) {
	if err := ValidateID(id); err != nil {
		panic(err)
	}

	r.mu.Lock()
	r.nextListener++
	lid := r.nextListener
	r.listeners[id] = append(r.listeners[id], &listener{id: lid, fn: fn})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		ls := r.listeners[id]
		for i, l := range ls {
			if l.id == lid {
				r.listeners[id] = append(ls[:i:i], ls[i+1:]...)
				break
			}
		}
		if len(r.listeners[id]) == 0 {
			delete(r.listeners, id)
		}
	}
}

// Stats returns the cache counters.
func (r *Registry) Stats() Stats {
	return Stats{
		Hits:          r.hits.Load(),
		Misses:        r.misses.Load(),
		Invalidations: r.invalidations.Load(),
		Generation:    r.generation.Load(),
	}
}

func (r *Registry) contributionChanged(entry *providerEntry, id string, ev ContributionEvent) {
	r.mu.Lock()
	if entry.removed {
		r.mu.Unlock()
		return
	}
	r.invalidate(id)
	r.mu.Unlock()

	r.fire([]ChangeEvent{{
		ExtensionPointID: id,
		ProviderID:       entry.id,
		Index:            ev.Index,
		Added:            ev.Added,
		Removed:          ev.Removed,
	}})
}

// Must be called with the write lock held.
func (r *Registry) invalidate(id string) {
	r.cache.Remove(id)
	r.generation.Add(1)
	r.invalidations.Add(1)
}

// Must be called with the write lock held.
func (r *Registry) compute(id string) []any {
	var point *ExtensionPoint
	if d, ok := r.declared[id]; ok {
		point = d.point
	}

	out := []any{}
	for _, e := range r.providers {
		for _, c := range e.contributions {
			if c.Target() != id {
				continue
			}
			for _, v := range c.Values() {
				if err := point.Validate(v); err != nil {
					logging.Warnw(r.ctx, "dropping invalid contribution",
						"extension_point", id, "provider", e.id, "error", err)
					continue
				}
				out = append(out, v)
			}
		}
	}
	return out
}

func (r *Registry) fire(events []ChangeEvent) {
	for _, ev := range events {
		r.mu.RLock()
		ls := append([]*listener(nil), r.listeners[ev.ExtensionPointID]...)
		r.mu.RUnlock()

		for _, l := range ls {
			r.deliver(l, ev)
		}
	}
}

func (r *Registry) deliver(l *listener, ev ChangeEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			err := errors.Wrap(rec, 2)
			logging.Errorw(r.ctx, "extension: recovered from listener panic",
				"error", rec, "extension_point", ev.ExtensionPointID, "error.stack_trace", err.MinimalStack(0, 5))
		}
	}()
	l.fn(ev)
}

// changeSet merges the changes a provider makes to several contributions
// into one event per extension point, in order of first appearance.
type changeSet struct {
	events []ChangeEvent
	index  map[string]int
}

func (s *changeSet) add(provider, id string, added, removed []any) {
	if len(added) == 0 && len(removed) == 0 {
		return
	}
	if i, ok := s.index[id]; ok {
		s.events[i].Added = append(s.events[i].Added, added...)
		s.events[i].Removed = append(s.events[i].Removed, removed...)
		return
	}
	if s.index == nil {
		s.index = map[string]int{}
	}
	s.index[id] = len(s.events)
	s.events = append(s.events, ChangeEvent{ExtensionPointID: id, ProviderID: provider, Added: added, Removed: removed})
}

func clone(v []any) []any {
	return append(make([]any, 0, len(v)), v...)
}
