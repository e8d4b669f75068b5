package plugin

import (
	"fmt"
	"strings"

	"github.com/awatters/envisage/errors"
	"google.golang.org/grpc/codes"
)

var (
	// ErrDuplicatePlugin is returned when a plugin ID is registered twice.
	ErrDuplicatePlugin = errors.NewC("plugin: duplicate plugin id", codes.AlreadyExists)

	// ErrPluginExcluded is returned when the include/exclude filters reject a
	// plugin.
	ErrPluginExcluded = errors.NewC("plugin: excluded by filter", codes.FailedPrecondition)

	// ErrPluginNotFound is returned for operations on unknown plugin IDs.
	ErrPluginNotFound = errors.NewC("plugin: not registered", codes.NotFound)

	// ErrInvalidPlugin is returned when registering a nil plugin or one with an
	// empty ID.
	ErrInvalidPlugin = errors.NewC("plugin: invalid plugin", codes.InvalidArgument)
)

// CyclicDependencyError reports a dependency cycle. Cycle starts and ends with
// the same plugin ID.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return "plugin: dependency cycle detected: " + strings.Join(e.Cycle, " -> ")
}

func (e *CyclicDependencyError) Code() codes.Code { return codes.FailedPrecondition }

// MissingDependencyError reports a required plugin that is not registered.
type MissingDependencyError struct {
	PluginID    string
	Missing     string
	Suggestions []string
}

func (e *MissingDependencyError) Error() string {
	msg := fmt.Sprintf("plugin: missing dependency, %v required by %v not registered", e.Missing, e.PluginID)
	if len(e.Suggestions) > 0 {
		msg += fmt.Sprintf(" (did you mean %v?)", strings.Join(e.Suggestions, ", "))
	}
	return msg
}

func (e *MissingDependencyError) Code() codes.Code { return codes.FailedPrecondition }

// PluginStartError wraps a failure to start a plugin.
type PluginStartError struct {
	PluginID string
	Err      error
}

func (e *PluginStartError) Error() string {
	return fmt.Sprintf("plugin: failed to start %v: %v", e.PluginID, e.Err)
}

func (e *PluginStartError) Unwrap() error    { return e.Err }
func (e *PluginStartError) Code() codes.Code { return codes.Internal }

// PluginStopError wraps a failure to stop a plugin.
type PluginStopError struct {
	PluginID string
	Err      error
}

func (e *PluginStopError) Error() string {
	return fmt.Sprintf("plugin: failed to stop %v: %v", e.PluginID, e.Err)
}

func (e *PluginStopError) Unwrap() error    { return e.Err }
func (e *PluginStopError) Code() codes.Code { return codes.Internal }
