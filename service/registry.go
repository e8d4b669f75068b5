package service

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/awatters/envisage/errors"
	"github.com/awatters/envisage/logging"
	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc/codes"
)

// Option configures a Registry.
type Option func(*Registry)

// WithLock makes the registry guard its state with mu, so several registries
// can share one coarse lock.
func WithLock(mu *sync.RWMutex) Option {
	return func(r *Registry) {
		r.mu = mu
	}
}

type registration struct {
	id       ServiceID
	protocol Protocol
	provides []Protocol
	instance any
	factory  Factory
}

// Registry maps protocols to service instances.
//
// Compatibility is declarative: a query for Q matches a registration made
// under P when Q == P, when Q was listed as an extra protocol at registration
// time, when the instance implements Provider and lists Q, or when any of
// those protocols extends Q through DeclareProtocol.
type Registry struct {
	ctx context.Context
	mu  *sync.RWMutex

	regs    []*registration
	byID    map[ServiceID]*registration
	extends map[Protocol][]Protocol
	nextID  ServiceID

	creating singleflight.Group
}

// NewRegistry returns an empty registry. ctx supplies the logger.
func NewRegistry(ctx context.Context, opts ...Option) *Registry {
	r := &Registry{
		ctx:     logging.Scoped(ctx, "services"),
		byID:    map[ServiceID]*registration{},
		extends: map[Protocol][]Protocol{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.mu == nil {
		r.mu = &sync.RWMutex{}
	}
	return r
}

// RegisterService registers instance under protocol. provides lists
// additional protocols the registration is compatible with.
func (r *Registry) RegisterService(protocol Protocol, instance any, provides ...Protocol) (ServiceID, error) {
	if instance == nil {
		return 0, errors.NewC("service: cannot register a nil instance", codes.InvalidArgument)
	}
	return r.register(&registration{protocol: protocol, instance: instance, provides: provides})
}

// RegisterFactory registers a service whose instance is created by factory on
// the first lookup that matches it. provides lists additional protocols the
// instance will satisfy, so lookups can match before it exists.
func (r *Registry) RegisterFactory(protocol Protocol, factory Factory, provides ...Protocol) (ServiceID, error) {
	if factory == nil {
		return 0, errors.NewC("service: cannot register a nil factory", codes.InvalidArgument)
	}
	return r.register(&registration{protocol: protocol, factory: factory, provides: provides})
}

func (r *Registry) register(reg *registration) (ServiceID, error) {
	if reg.protocol == "" {
		return 0, errors.NewC("service: protocol is required", codes.InvalidArgument)
	}

	r.mu.Lock()
	r.nextID++
	reg.id = r.nextID
	r.regs = append(r.regs, reg)
	r.byID[reg.id] = reg
	r.mu.Unlock()

	logging.Debugw(r.ctx, "service registered", "service_id", reg.id, "protocol", reg.protocol, "lazy", reg.factory != nil)
	return reg.id, nil
}

// UnregisterService removes a registration. Unknown ids yield an
// *UnknownServiceError.
func (r *Registry) UnregisterService(id ServiceID) error {
	r.mu.Lock()
	reg, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return errors.Wrap(&UnknownServiceError{ServiceID: id}, 0)
	}
	delete(r.byID, id)
	for i, x := range r.regs {
		if x == reg {
			r.regs = append(r.regs[:i:i], r.regs[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	logging.Debugw(r.ctx, "service unregistered", "service_id", id, "protocol", reg.protocol)
	return nil
}

// DeclareProtocol records that protocol p satisfies each of parents: a service
// registered under p is returned for lookups of any parent.
func (r *Registry) DeclareProtocol(p Protocol, parents ...Protocol) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extends[p] = append(r.extends[p], parents...)
}

// GetService returns the first registered service compatible with protocol,
// in registration order, or nil when there is none.
func (r *Registry) GetService(protocol Protocol) any {
	for _, reg := range r.matching(protocol) {
		if inst := r.resolve(reg); inst != nil {
			return inst
		}
	}
	return nil
}

// GetServices returns every service compatible with protocol, in registration
// order.
func (r *Registry) GetServices(protocol Protocol) []any {
	var out []any
	for _, reg := range r.matching(protocol) {
		if inst := r.resolve(reg); inst != nil {
			out = append(out, inst)
		}
	}
	return out
}

// Len returns the number of registrations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.regs)
}

// Lookup returns the first service compatible with protocol that is also a T.
func Lookup[T any](r *Registry, protocol Protocol) (T, bool) {
	for _, s := range r.GetServices(protocol) {
		if t, ok := s.(T); ok {
			return t, true
		}
	}
	var zero T
	return zero, false
}

// matching returns registrations compatible with protocol. Lazy registrations
// match on the protocols declared when they were registered.
func (r *Registry) matching(protocol Protocol) []*registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*registration
	for _, reg := range r.regs {
		if r.compatible(protocol, reg) {
			out = append(out, reg)
		}
	}
	return out
}

// Must be called with at least the read lock held.
func (r *Registry) compatible(query Protocol, reg *registration) bool {
	candidates := append([]Protocol{reg.protocol}, reg.provides...)
	if p, ok := reg.instance.(Provider); ok {
		candidates = append(candidates, p.Protocols()...)
	}
	for _, c := range candidates {
		if r.satisfies(c, query, map[Protocol]bool{}) {
			return true
		}
	}
	return false
}

// satisfies reports whether p is query or extends it transitively.
func (r *Registry) satisfies(p, query Protocol, seen map[Protocol]bool) bool {
	if p == query {
		return true
	}
	if seen[p] {
		return false
	}
	seen[p] = true
	for _, parent := range r.extends[p] {
		if r.satisfies(parent, query, seen) {
			return true
		}
	}
	return false
}

// resolve returns the registration's instance, invoking its factory on first
// use. Concurrent first lookups share a single factory call.
func (r *Registry) resolve(reg *registration) any {
	r.mu.RLock()
	inst := reg.instance
	r.mu.RUnlock()
	if inst != nil {
		return inst
	}

	v, err, _ := r.creating.Do(strconv.FormatInt(int64(reg.id), 10), func() (any, error) {
		r.mu.RLock()
		existing := reg.instance
		r.mu.RUnlock()
		if existing != nil {
			return existing, nil
		}

		created, err := callFactory(reg.factory)
		if err != nil {
			return nil, err
		}
		if created == nil {
			return nil, fmt.Errorf("service: factory for %q returned nil", reg.protocol)
		}

		r.mu.Lock()
		reg.instance = created
		r.mu.Unlock()
		return created, nil
	})
	if err != nil {
		logging.Errorw(r.ctx, "service: factory failed", append(logging.ErrorFields(err), "service_id", reg.id, "protocol", reg.protocol)...)
		return nil
	}
	return v
}

func callFactory(f Factory) (inst any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Wrap(rec, 2)
		}
	}()
	return f()
}
