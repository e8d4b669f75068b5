package extension

import (
	"fmt"

	"github.com/awatters/envisage/errors"
	"google.golang.org/grpc/codes"
)

// ErrInvalidExtensionPointID is wrapped by every error caused by a malformed
// extension point id. Queries with such an id are programmer errors and panic.
var ErrInvalidExtensionPointID = errors.NewC("extension: invalid extension point id", codes.InvalidArgument)

// DuplicateExtensionPointError is returned when a provider declares an id that
// another provider already declared.
type DuplicateExtensionPointError struct {
	ID       string
	Provider string
	Existing string
}

func (e *DuplicateExtensionPointError) Error() string {
	return fmt.Sprintf("extension: %q declared by %q is already declared by %q", e.ID, e.Provider, e.Existing)
}

// Code classifies the error for errors.Code.
func (e *DuplicateExtensionPointError) Code() codes.Code {
	return codes.AlreadyExists
}
