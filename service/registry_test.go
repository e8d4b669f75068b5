package service

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/awatters/envisage/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

const (
	iFoo Protocol = "test.IFoo"
	iBar Protocol = "test.IBar"
	iBaz Protocol = "test.IBaz"
)

type foo struct{ name string }

type fooBar struct{}

func (fooBar) Protocols() []Protocol { return []Protocol{iFoo, iBar} }

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry(t.Context())
	x := &foo{name: "x"}

	id, err := r.RegisterService(iFoo, x)
	require.NoError(t, err)
	assert.Same(t, x, r.GetService(iFoo))
	assert.Nil(t, r.GetService(iBar))

	require.NoError(t, r.UnregisterService(id))
	assert.Nil(t, r.GetService(iFoo))
	assert.Zero(t, r.Len())
}

func TestUnregisterUnknown(t *testing.T) {
	r := NewRegistry(t.Context())
	id, err := r.RegisterService(iFoo, &foo{})
	require.NoError(t, err)
	require.NoError(t, r.UnregisterService(id))

	err = r.UnregisterService(id)
	var unknown *UnknownServiceError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, id, unknown.ServiceID)
	assert.Equal(t, codes.NotFound, errors.Code(err))
}

func TestIDsAreMonotonic(t *testing.T) {
	r := NewRegistry(t.Context())
	a, _ := r.RegisterService(iFoo, &foo{})
	require.NoError(t, r.UnregisterService(a))
	b, _ := r.RegisterService(iFoo, &foo{})
	assert.Greater(t, b, a, "ids are never reused")
}

func TestInsertionOrder(t *testing.T) {
	r := NewRegistry(t.Context())
	first, second := &foo{name: "1"}, &foo{name: "2"}
	_, _ = r.RegisterService(iFoo, first)
	_, _ = r.RegisterService(iFoo, second)

	assert.Same(t, first, r.GetService(iFoo))
	assert.Equal(t, []any{first, second}, r.GetServices(iFoo))
	assert.Empty(t, r.GetServices(iBaz))
}

func TestCompatibilityThroughDeclaredProtocols(t *testing.T) {
	r := NewRegistry(t.Context())
	x := fooBar{}

	// Registered as IBar, but the instance also declares IFoo.
	_, err := r.RegisterService(iBar, x)
	require.NoError(t, err)

	assert.Equal(t, x, r.GetService(iBar))
	assert.Equal(t, x, r.GetService(iFoo))
	assert.Nil(t, r.GetService(iBaz))
}

func TestCompatibilityThroughHierarchy(t *testing.T) {
	r := NewRegistry(t.Context())
	r.DeclareProtocol(iBaz, iBar)
	r.DeclareProtocol(iBar, iFoo)
	r.DeclareProtocol(iFoo, iBaz) // cycles are harmless

	x := &foo{}
	_, err := r.RegisterService(iBaz, x)
	require.NoError(t, err)

	assert.Same(t, x, r.GetService(iFoo))
	assert.Same(t, x, r.GetService(iBar))
	assert.Nil(t, r.GetService("test.Other"))
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry(t.Context())

	_, err := r.RegisterService("", &foo{})
	assert.Equal(t, codes.InvalidArgument, errors.Code(err))
	_, err = r.RegisterService(iFoo, nil)
	assert.Error(t, err)
	_, err = r.RegisterFactory(iFoo, nil)
	assert.Error(t, err)
	assert.Zero(t, r.Len())
}

func TestFactoryIsLazy(t *testing.T) {
	r := NewRegistry(t.Context())

	var calls atomic.Int32
	_, err := r.RegisterFactory("acme.motd.IMOTD", func() (any, error) {
		calls.Add(1)
		return &foo{name: "motd"}, nil
	}, iFoo)
	require.NoError(t, err)
	assert.Zero(t, calls.Load(), "factory must not run at registration")

	got, ok := Lookup[*foo](r, iFoo)
	require.True(t, ok)
	assert.Equal(t, "motd", got.name)
	assert.Same(t, got, r.GetService("acme.motd.IMOTD"))
	assert.Equal(t, int32(1), calls.Load())
}

func TestFactoryConcurrentFirstLookup(t *testing.T) {
	r := NewRegistry(t.Context())

	var calls atomic.Int32
	release := make(chan struct{})
	_, err := r.RegisterFactory(iFoo, func() (any, error) {
		calls.Add(1)
		<-release
		return &foo{}, nil
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]any, 10)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = r.GetService(iFoo)
		}()
	}
	close(release)
	wg.Wait()

	for _, res := range results {
		assert.Same(t, results[0], res)
	}
	assert.LessOrEqual(t, calls.Load(), int32(len(results)))
	assert.NotNil(t, r.GetService(iFoo))
}

func TestFactoryFailureIsRetried(t *testing.T) {
	r := NewRegistry(t.Context())

	fail := true
	_, err := r.RegisterFactory(iFoo, func() (any, error) {
		if fail {
			return nil, fmt.Errorf("not yet")
		}
		return &foo{}, nil
	})
	require.NoError(t, err)

	assert.Nil(t, r.GetService(iFoo))
	fail = false
	assert.NotNil(t, r.GetService(iFoo))
}

func TestFactoryPanicIsContained(t *testing.T) {
	r := NewRegistry(t.Context())
	_, err := r.RegisterFactory(iFoo, func() (any, error) { panic("boom") })
	require.NoError(t, err)

	other := &foo{}
	_, _ = r.RegisterService(iFoo, other)

	assert.NotPanics(t, func() {
		assert.Same(t, other, r.GetService(iFoo))
	})
}

func TestLookupSkipsOtherTypes(t *testing.T) {
	r := NewRegistry(t.Context())
	_, _ = r.RegisterService(iFoo, "a string")
	x := &foo{}
	_, _ = r.RegisterService(iFoo, x)

	got, ok := Lookup[*foo](r, iFoo)
	require.True(t, ok)
	assert.Same(t, x, got)

	_, ok = Lookup[int](r, iFoo)
	assert.False(t, ok)
}

func TestSharedLock(t *testing.T) {
	mu := &sync.RWMutex{}
	r := NewRegistry(t.Context(), WithLock(mu))
	_, err := r.RegisterService(iFoo, &foo{})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Len())
}

func TestRegisterServiceWithExtraProtocols(t *testing.T) {
	r := NewRegistry(t.Context())
	x := &foo{}
	_, err := r.RegisterService(iFoo, x, iBaz)
	require.NoError(t, err)

	assert.Same(t, x, r.GetService(iBaz))
	assert.Nil(t, r.GetService(iBar))
}
