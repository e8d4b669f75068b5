package extension

import (
	"sort"
	"sync"
	"testing"

	"github.com/awatters/envisage/errors"
	"github.com/awatters/envisage/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type testProvider struct {
	id            string
	points        []*ExtensionPoint
	contributions []*Contribution
}

func (p *testProvider) ID() string                          { return p.id }
func (p *testProvider) ExtensionPoints() []*ExtensionPoint { return p.points }
func (p *testProvider) Contributions() []*Contribution     { return p.contributions }

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(logging.With(t.Context(), logging.NewNopLogger()))
}

func sortedInts(values []any) []int {
	out := As[int](values)
	sort.Ints(out)
	return out
}

func TestDeclaredExtensionPoint(t *testing.T) {
	r := newRegistry(t)

	bx := NewContribution("a.x", 1, 2, 3)
	require.NoError(t, r.AddProvider(&testProvider{id: "A", points: []*ExtensionPoint{{ID: "a.x"}}}))
	require.NoError(t, r.AddProvider(&testProvider{id: "B", contributions: []*Contribution{bx}}))

	assert.Equal(t, []int{1, 2, 3}, sortedInts(r.GetExtensions("a.x")))

	bx.Append(99)
	assert.Equal(t, []int{1, 2, 3, 99}, sortedInts(r.GetExtensions("a.x")))
}

func TestUndeclaredContributions(t *testing.T) {
	r := newRegistry(t)

	ax := NewContribution("x", 1, 2, 3)
	bx := NewContribution("x", 4, 5, 6)
	require.NoError(t, r.AddProvider(&testProvider{id: "A", contributions: []*Contribution{ax}}))
	require.NoError(t, r.AddProvider(&testProvider{id: "B", contributions: []*Contribution{bx}}))

	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, sortedInts(r.GetExtensions("x")))

	ax.Append(99)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 99}, sortedInts(r.GetExtensions("x")))
	assert.Nil(t, r.GetExtensionPoint("x"))
}

func TestOrderFollowsProviderRegistration(t *testing.T) {
	r := newRegistry(t)

	require.NoError(t, r.AddProvider(&testProvider{id: "B", contributions: []*Contribution{
		NewContribution("x", "b1", "b2"),
		NewContribution("y", "ignored"),
		NewContribution("x", "b3"),
	}}))
	require.NoError(t, r.AddProvider(&testProvider{id: "A", contributions: []*Contribution{
		NewContribution("x", "a2", "a1"),
	}}))

	assert.Equal(t, []any{"b1", "b2", "b3", "a2", "a1"}, r.GetExtensions("x"))
	assert.Equal(t, []string{"B", "A"}, r.Providers())
}

func TestUnknownIDIsEmpty(t *testing.T) {
	r := newRegistry(t)
	got := r.GetExtensions("nobody.declared.this")
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestInvalidIDPanics(t *testing.T) {
	r := newRegistry(t)

	defer func() {
		rec := recover()
		require.NotNil(t, rec)
		err, ok := rec.(error)
		require.True(t, ok)
		assert.True(t, errors.Is(err, ErrInvalidExtensionPointID))
	}()
	r.GetExtensions("not valid")
}

func TestDuplicateDeclaration(t *testing.T) {
	r := newRegistry(t)
	require.NoError(t, r.AddProvider(&testProvider{id: "A", points: []*ExtensionPoint{{ID: "a.x"}}}))

	err := r.AddProvider(&testProvider{id: "B", points: []*ExtensionPoint{{ID: "a.x"}}})
	var dup *DuplicateExtensionPointError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "a.x", dup.ID)
	assert.Equal(t, "B", dup.Provider)
	assert.Equal(t, "A", dup.Existing)
	assert.Equal(t, []string{"A"}, r.Providers(), "rejected provider must not be registered")

	err = r.AddProvider(&testProvider{id: "C", points: []*ExtensionPoint{{ID: "c.x"}, {ID: "c.x"}}})
	assert.True(t, errors.As(err, &dup))
}

func TestAddProviderValidation(t *testing.T) {
	r := newRegistry(t)

	assert.Error(t, r.AddProvider(&testProvider{}))
	assert.ErrorIs(t, r.AddProvider(&testProvider{id: "A", points: []*ExtensionPoint{{ID: "bad id"}}}), ErrInvalidExtensionPointID)
	assert.ErrorIs(t, r.AddProvider(&testProvider{id: "A", contributions: []*Contribution{NewContribution("")}}), ErrInvalidExtensionPointID)

	require.NoError(t, r.AddProvider(&testProvider{id: "A"}))
	assert.Error(t, r.AddProvider(&testProvider{id: "A"}))
}

func TestShapeDropsInvalidValues(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	r := NewRegistry(logging.With(t.Context(), logging.NewZapLogger(zap.New(core))))

	require.NoError(t, r.AddProvider(&testProvider{id: "A", points: []*ExtensionPoint{{ID: "greetings", Shape: OfType[string]()}}}))
	require.NoError(t, r.AddProvider(&testProvider{id: "B", contributions: []*Contribution{NewContribution("greetings", "Hello", 42, "G'day")}}))

	assert.Equal(t, []any{"Hello", "G'day"}, r.GetExtensions("greetings"))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "dropping invalid contribution", logs.All()[0].Message)
}

func TestRemoveProvider(t *testing.T) {
	r := newRegistry(t)

	require.NoError(t, r.AddProvider(&testProvider{id: "A", points: []*ExtensionPoint{{ID: "x"}}, contributions: []*Contribution{NewContribution("x", 1)}}))
	bx := NewContribution("x", 2)
	require.NoError(t, r.AddProvider(&testProvider{id: "B", contributions: []*Contribution{bx}}))
	assert.Equal(t, []any{1, 2}, r.GetExtensions("x"))

	var events []ChangeEvent
	r.Subscribe("x", func(ev ChangeEvent) { events = append(events, ev) })

	assert.True(t, r.RemoveProvider("B"))
	assert.False(t, r.RemoveProvider("B"))
	assert.Equal(t, []any{1}, r.GetExtensions("x"))
	require.Len(t, events, 1)
	assert.Equal(t, []any{2}, events[0].Removed)

	bx.Append(3)
	assert.Equal(t, []any{1}, r.GetExtensions("x"), "removed provider's changes are ignored")
	assert.Len(t, events, 1)

	assert.True(t, r.RemoveProvider("A"))
	assert.Nil(t, r.GetExtensionPoint("x"))
	require.NoError(t, r.AddProvider(&testProvider{id: "C", points: []*ExtensionPoint{{ID: "x"}}}), "id is free again")
}

func TestSubscribe(t *testing.T) {
	r := newRegistry(t)

	var events []ChangeEvent
	var seen [][]any
	cancel := r.Subscribe("x", func(ev ChangeEvent) {
		events = append(events, ev)
		seen = append(seen, r.GetExtensions("x"))
	})

	ax := NewContribution("x", 1)
	require.NoError(t, r.AddProvider(&testProvider{id: "A", contributions: []*Contribution{ax}}))
	ax.Append(2)
	require.NoError(t, ax.Set(0, 10))

	require.Len(t, events, 3)
	assert.Equal(t, ChangeEvent{ExtensionPointID: "x", ProviderID: "A", Added: []any{1}}, events[0])
	assert.Equal(t, ChangeEvent{ExtensionPointID: "x", ProviderID: "A", Index: 1, Added: []any{2}}, events[1])
	assert.Equal(t, []any{1}, events[2].Removed)
	assert.Equal(t, [][]any{{1}, {1, 2}, {10, 2}}, seen, "listeners observe fresh aggregates")

	cancel()
	ax.Append(3)
	assert.Len(t, events, 3)
}

func TestProviderChangesAreMergedPerExtensionPoint(t *testing.T) {
	r := newRegistry(t)

	var events []ChangeEvent
	r.Subscribe("x", func(ev ChangeEvent) { events = append(events, ev) })

	require.NoError(t, r.AddProvider(&testProvider{id: "A", contributions: []*Contribution{
		NewContribution("x", 1),
		NewContribution("y", "other"),
		NewContribution("x", 2, 3),
		NewContribution("x"),
	}}))
	require.Len(t, events, 1)
	assert.Equal(t, ChangeEvent{ExtensionPointID: "x", ProviderID: "A", Added: []any{1, 2, 3}}, events[0])

	require.True(t, r.RemoveProvider("A"))
	require.Len(t, events, 2)
	assert.Equal(t, ChangeEvent{ExtensionPointID: "x", ProviderID: "A", Removed: []any{1, 2, 3}}, events[1])
}

func TestSubscriberPanicIsRecovered(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	r := NewRegistry(logging.With(t.Context(), logging.NewZapLogger(zap.New(core))))

	called := false
	r.Subscribe("x", func(ChangeEvent) { panic("boom") })
	r.Subscribe("x", func(ChangeEvent) { called = true })

	c := NewContribution("x")
	require.NoError(t, r.AddProvider(&testProvider{id: "A", contributions: []*Contribution{c}}))
	assert.NotPanics(t, func() { c.Append(1) })
	assert.True(t, called, "later listeners still run")
	require.Equal(t, 1, logs.Len())
	assert.Contains(t, logs.All()[0].ContextMap(), "error.stack_trace")
}

func TestCacheStats(t *testing.T) {
	r := newRegistry(t)

	c := NewContribution("x", 1)
	require.NoError(t, r.AddProvider(&testProvider{id: "A", contributions: []*Contribution{c}}))
	before := r.Stats()

	r.GetExtensions("x")
	r.GetExtensions("x")
	c.Append(2)
	r.GetExtensions("x")

	after := r.Stats()
	assert.Equal(t, uint64(2), after.Misses-before.Misses)
	assert.Equal(t, uint64(1), after.Hits-before.Hits)
	assert.Equal(t, uint64(1), after.Invalidations-before.Invalidations)
	assert.Greater(t, after.Generation, before.Generation)
}

func TestSharedLockAndSmallCache(t *testing.T) {
	mu := &sync.RWMutex{}
	r := NewRegistry(t.Context(), WithLock(mu), WithCacheSize(1))

	require.NoError(t, r.AddProvider(&testProvider{id: "A", contributions: []*Contribution{
		NewContribution("x", 1),
		NewContribution("y", 2),
	}}))

	assert.Equal(t, []any{1}, r.GetExtensions("x"))
	assert.Equal(t, []any{2}, r.GetExtensions("y"))
	assert.Equal(t, []any{1}, r.GetExtensions("x"), "evicted aggregates are recomputed")
	assert.Equal(t, uint64(3), r.Stats().Misses)
}

func TestConcurrentQueriesAndMutations(t *testing.T) {
	r := newRegistry(t)
	c := NewContribution("x")
	require.NoError(t, r.AddProvider(&testProvider{id: "A", contributions: []*Contribution{c}}))

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.Append(i)
		}()
		go func() {
			defer wg.Done()
			r.GetExtensions("x")
		}()
	}
	wg.Wait()

	assert.Len(t, r.GetExtensions("x"), 50)
}
