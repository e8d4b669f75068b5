package envisage

import (
	"reflect"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/awatters/envisage/extension"
	"github.com/awatters/envisage/logging"
	"github.com/google/uuid"
)

// Target receives the aggregate of an extension point whenever it changes.
// Targets are compared by identity, so they are typically pointers.
type Target interface {
	SetAttribute(name string, oldValue, newValue []any)
}

type bindingKey struct {
	target    Target
	attribute string
}

// Binding keeps one attribute of a Target in sync with an extension point.
type Binding struct {
	id        string
	app       *Application
	target    Target
	attribute string
	pointID   string

	// mu guards the delivery state. It is never held while the target runs,
	// so the target may change contributions or unbind from SetAttribute.
	mu         sync.Mutex
	last       []any
	delivering bool
	pending    bool
	cancel     func()
	closed     atomic.Bool
}

// ID returns the unique identifier of the binding.
func (b *Binding) ID() string { return b.id }

// Attribute returns the name of the bound attribute.
func (b *Binding) Attribute() string { return b.attribute }

// ExtensionPointID returns the extension point the attribute follows.
func (b *Binding) ExtensionPointID() string { return b.pointID }

// Unbind stops updating the target. The target keeps its last value.
// Calling Unbind more than once is harmless.
func (b *Binding) Unbind() {
	if b.closed.Swap(true) {
		return
	}
	b.cancel()

	a := b.app
	a.bindingsMu.Lock()
	key := bindingKey{b.target, b.attribute}
	if a.bindings[key] == b {
		delete(a.bindings, key)
	}
	a.bindingsMu.Unlock()
	logging.Debugw(a.ctx, "binding removed", "binding", b.id, "attribute", b.attribute, "extension_point", b.pointID)
}

// update schedules a refresh of the target. Only one goroutine delivers at a
// time; changes arriving meanwhile, including those made by the target
// itself, are folded into the running delivery loop.
func (b *Binding) update(extension.ChangeEvent) {
	b.mu.Lock()
	b.pending = true
	if b.delivering {
		b.mu.Unlock()
		return
	}
	b.delivering = true
	b.mu.Unlock()
	b.drain()
}

// drain delivers pending refreshes. The caller must have set delivering.
func (b *Binding) drain() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.pending && !b.closed.Load() {
		b.pending = false
		next := b.app.GetExtensions(b.pointID)
		prev := b.last
		if sameValues(prev, next) {
			continue
		}
		b.last = next

		b.mu.Unlock()
		b.target.SetAttribute(b.attribute, prev, next)
		b.mu.Lock()
	}
	b.delivering = false
}

// sameValues reports whether two aggregates hold the same values in the same
// order. Values of comparable types are compared with ==, others deeply.
func sameValues(x, y []any) bool {
	if len(x) != len(y) {
		return false
	}
	for i := range x {
		if !sameValue(x[i], y[i]) {
			return false
		}
	}
	return true
}

func sameValue(x, y any) bool {
	if x == nil || y == nil {
		return x == nil && y == nil
	}
	vx := reflect.ValueOf(x)
	if vx.Type() != reflect.TypeOf(y) {
		return false
	}
	if vx.Comparable() {
		return x == y
	}
	return reflect.DeepEqual(x, y)
}

// BindExtensionPoint sets target's attribute to the current aggregate of the
// extension point and re-sets it, with exactly one SetAttribute call, after
// every change to the aggregate. A target has at most one binding per
// attribute; binding again replaces the previous binding.
func (a *Application) BindExtensionPoint(target Target, attribute, id string) (*Binding, error) {
	if err := extension.ValidateID(id); err != nil {
		return nil, err
	}

	b := &Binding{
		id:        uuid.NewString(),
		app:       a,
		target:    target,
		attribute: attribute,
		pointID:   id,
	}

	// Changes racing with the initial delivery are queued behind it.
	b.mu.Lock()
	b.delivering = true
	b.cancel = a.extensions.Subscribe(id, b.update)
	initial := a.GetExtensions(id)
	b.last = initial
	b.mu.Unlock()

	target.SetAttribute(attribute, nil, initial)
	b.drain()

	if b.closed.Load() {
		return b, nil
	}

	// Published only after cancel is set.
	key := bindingKey{target, attribute}
	a.bindingsMu.Lock()
	prev := a.bindings[key]
	a.bindings[key] = b
	a.bindingsMu.Unlock()
	if prev != nil {
		prev.Unbind()
	}

	logging.Debugw(a.ctx, "binding installed", "binding", b.id, "attribute", attribute, "extension_point", id)
	return b, nil
}

// Bindings returns the active bindings.
func (a *Application) Bindings() []*Binding {
	a.bindingsMu.Lock()
	defer a.bindingsMu.Unlock()
	out := make([]*Binding, 0, len(a.bindings))
	for _, b := range a.bindings {
		out = append(out, b)
	}
	slices.SortFunc(out, func(x, y *Binding) int {
		switch {
		case x.id < y.id:
			return -1
		case x.id > y.id:
			return 1
		}
		return 0
	})
	return out
}

func (a *Application) bindingCount() int {
	a.bindingsMu.Lock()
	defer a.bindingsMu.Unlock()
	return len(a.bindings)
}

// Attributes is an observable attribute bag implementing Target. Embed it to
// make a type bindable.
type Attributes struct {
	mu        sync.RWMutex
	values    map[string][]any
	observers []*attributeObserver
}

type attributeObserver struct {
	fn func(name string, oldValue, newValue []any)
}

// Get returns the current value of an attribute.
func (t *Attributes) Get(name string) []any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.values[name]
}

// SetAttribute stores the new value and notifies observers.
func (t *Attributes) SetAttribute(name string, oldValue, newValue []any) {
	t.mu.Lock()
	if t.values == nil {
		t.values = map[string][]any{}
	}
	t.values[name] = newValue
	observers := slices.Clone(t.observers)
	t.mu.Unlock()

	for _, o := range observers {
		o.fn(name, oldValue, newValue)
	}
}

// OnChange registers fn to be called after every SetAttribute.
func (t *Attributes) OnChange(fn func(name string, oldValue, newValue []any)) (cancel func()) {
	o := &attributeObserver{fn: fn}
	t.mu.Lock()
	t.observers = append(t.observers, o)
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.observers = slices.DeleteFunc(t.observers, func(x *attributeObserver) bool { return x == o })
	}
}
