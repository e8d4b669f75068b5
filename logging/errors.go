package logging

import (
	"context"
	"reflect"

	"github.com/awatters/envisage/errors"
)

const stackSize = 5

// ErrorFields returns structured log fields describing err: its type, status
// code and, for *errors.Error values, a minimal stack trace.
func ErrorFields(err error) []interface{} {
	fields := []interface{}{
		"error", err,
		"error.type", reflect.TypeOf(err).String(),
		"error.code", errors.Code(err).String(),
	}

	var rtErr *errors.Error
	if errors.As(err, &rtErr) {
		fields = append(fields,
			"error.stack_trace", rtErr.MinimalStack(0, stackSize),
			"error.original_type", rtErr.TypeName(),
		)
	}
	return fields
}

// TrackError attaches error fields to the logger held by ctx, so later log
// lines in the same scope carry them.
func TrackError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	fields := ErrorFields(err)
	for i := 0; i+1 < len(fields); i += 2 {
		Track(ctx, fields[i].(string), fields[i+1])
	}
}
