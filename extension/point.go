// Package extension implements extension points and the registry that
// aggregates plugin contributions into live, ordered collections.
package extension

import (
	"fmt"
	"regexp"

	"github.com/awatters/envisage/errors"
	"google.golang.org/grpc/codes"
)

// MaxIDLength is the longest accepted extension point id.
const MaxIDLength = 255

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]*$`)

// ValidateID returns an error wrapping ErrInvalidExtensionPointID if id is not
// a well formed extension point id.
func ValidateID(id string) error {
	if len(id) == 0 || len(id) > MaxIDLength || !idPattern.MatchString(id) {
		return errors.WithCode(fmt.Errorf("%w: %q", ErrInvalidExtensionPointID, id), codes.InvalidArgument)
	}
	return nil
}

// Shape validates a single contributed value. A nil Shape accepts anything.
type Shape func(v any) error

// OfType returns a Shape accepting values whose dynamic type is T, or which
// implement T when T is an interface.
func OfType[T any]() Shape {
	return func(v any) error {
		if _, ok := v.(T); !ok {
			var zero T
			return fmt.Errorf("extension: expected %T, got %T", zero, v)
		}
		return nil
	}
}

// ExtensionPoint declares a slot that plugins may contribute values to. It is
// owned by the plugin that offers it and must not be changed once declared.
type ExtensionPoint struct {
	// ID is the globally unique key contributions target.
	ID string

	// Description tells contributors what is expected of them.
	Description string

	// Shape validates each contributed element.
	Shape Shape
}

// Validate checks v against the point's shape.
func (p *ExtensionPoint) Validate(v any) error {
	if p == nil || p.Shape == nil {
		return nil
	}
	return p.Shape(v)
}

// As converts an aggregate to a typed slice, skipping values that are not T.
func As[T any](values []any) []T {
	out := make([]T, 0, len(values))
	for _, v := range values {
		if t, ok := v.(T); ok {
			out = append(out, t)
		}
	}
	return out
}
