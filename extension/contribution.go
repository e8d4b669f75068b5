package extension

import (
	"fmt"
	"sync"
)

// ContributionEvent describes an in-place change to a Contribution. Index is
// the position of the first affected element.
type ContributionEvent struct {
	Index   int
	Added   []any
	Removed []any
}

// Contribution is a plugin-owned, mutable, ordered collection of values
// targeting one extension point. Observers are notified synchronously after
// every mutation, once the collection's lock has been released.
type Contribution struct {
	target string

	mu        sync.RWMutex
	values    []any
	observers []*contributionObserver
	nextObs   uint64
}

type contributionObserver struct {
	id uint64
	fn func(ContributionEvent)
}

// NewContribution returns a contribution of values to the extension point id.
func NewContribution(id string, values ...any) *Contribution {
	return &Contribution{
		target: id,
		values: append([]any(nil), values...),
	}
}

// Target returns the id of the extension point contributed to.
func (c *Contribution) Target() string {
	return c.target
}

// Values returns a copy of the contributed values.
func (c *Contribution) Values() []any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]any(nil), c.values...)
}

// Len returns the number of contributed values.
func (c *Contribution) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.values)
}

// Append adds values to the end of the collection.
func (c *Contribution) Append(values ...any) {
	if len(values) == 0 {
		return
	}
	c.mu.Lock()
	idx := len(c.values)
	c.values = append(c.values, values...)
	c.mu.Unlock()

	c.notify(ContributionEvent{Index: idx, Added: append([]any(nil), values...)})
}

// Insert adds values before position i.
func (c *Contribution) Insert(i int, values ...any) error {
	c.mu.Lock()
	if i < 0 || i > len(c.values) {
		n := len(c.values)
		c.mu.Unlock()
		return fmt.Errorf("extension: insert index %d out of range [0,%d]", i, n)
	}
	if len(values) == 0 {
		c.mu.Unlock()
		return nil
	}
	next := make([]any, 0, len(c.values)+len(values))
	next = append(next, c.values[:i]...)
	next = append(next, values...)
	next = append(next, c.values[i:]...)
	c.values = next
	c.mu.Unlock()

	c.notify(ContributionEvent{Index: i, Added: append([]any(nil), values...)})
	return nil
}

// Set replaces the value at position i.
func (c *Contribution) Set(i int, v any) error {
	c.mu.Lock()
	if i < 0 || i >= len(c.values) {
		n := len(c.values)
		c.mu.Unlock()
		return fmt.Errorf("extension: index %d out of range [0,%d)", i, n)
	}
	old := c.values[i]
	c.values[i] = v
	c.mu.Unlock()

	c.notify(ContributionEvent{Index: i, Added: []any{v}, Removed: []any{old}})
	return nil
}

// RemoveAt removes the value at position i and returns it.
func (c *Contribution) RemoveAt(i int) (any, error) {
	c.mu.Lock()
	if i < 0 || i >= len(c.values) {
		n := len(c.values)
		c.mu.Unlock()
		return nil, fmt.Errorf("extension: index %d out of range [0,%d)", i, n)
	}
	old := c.values[i]
	c.values = append(c.values[:i:i], c.values[i+1:]...)
	c.mu.Unlock()

	c.notify(ContributionEvent{Index: i, Removed: []any{old}})
	return old, nil
}

// RemoveFunc removes every value for which match returns true and reports how
// many were removed. A single event is fired for the whole removal.
func (c *Contribution) RemoveFunc(match func(any) bool) int {
	c.mu.Lock()
	first := -1
	var removed []any
	kept := make([]any, 0, len(c.values))
	for i, v := range c.values {
		if match(v) {
			if first < 0 {
				first = i
			}
			removed = append(removed, v)
			continue
		}
		kept = append(kept, v)
	}
	if len(removed) > 0 {
		c.values = kept
	}
	c.mu.Unlock()

	if len(removed) > 0 {
		c.notify(ContributionEvent{Index: first, Removed: removed})
	}
	return len(removed)
}

// Replace swaps the whole collection for values.
func (c *Contribution) Replace(values ...any) {
	c.mu.Lock()
	old := c.values
	c.values = append([]any(nil), values...)
	c.mu.Unlock()

	if len(old) == 0 && len(values) == 0 {
		return
	}
	c.notify(ContributionEvent{Index: 0, Added: append([]any(nil), values...), Removed: old})
}

// Observe registers fn to be called after every mutation. The returned
// function cancels the observation and is safe to call more than once.
func (c *Contribution) Observe(fn func(ContributionEvent)) (cancel func()) {
	c.mu.Lock()
	c.nextObs++
	id := c.nextObs
	c.observers = append(c.observers, &contributionObserver{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, o := range c.observers {
			if o.id == id {
				c.observers = append(c.observers[:i:i], c.observers[i+1:]...)
				return
			}
		}
	}
}

func (c *Contribution) notify(ev ContributionEvent) {
	c.mu.RLock()
	observers := append([]*contributionObserver(nil), c.observers...)
	c.mu.RUnlock()

	for _, o := range observers {
		o.fn(ev)
	}
}
