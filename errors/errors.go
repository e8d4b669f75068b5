// Package errors is a fork of `github.com/go-errors/errors` that attaches gRPC
// status codes and stack-traces to the errors raised by the plugin runtime.
//
// Every error produced by the registries and the plugin manager is an *Error,
// so callers can log the stack of the call that failed and branch on the
// status code without knowing the concrete type:
//
//	if err := app.Start(ctx); err != nil {
//	    if errors.Code(err) == codes.FailedPrecondition {
//	        // Dependency graph is broken, nothing was started.
//	    }
//	    logging.Errorw(ctx, "start failed", logging.ErrorFields(err)...)
//	}
//
// Recovered panics are wrapped the same way so the stack points at the code
// that panicked. Is, As and Unwrap are re-exported so this package can
// replace the standard library import.
package errors

import (
	baseErrors "errors"
	"fmt"
	"reflect"
	"runtime"

	"google.golang.org/grpc/codes"
)

// The maximum number of stackframes on any error.
var MaxStackDepth = 50

// Error is an error with an attached stacktrace. It can be used
// wherever the builtin error interface is expected.
type Error struct {
	Err    error
	stack  []uintptr
	frames []StackFrame
	prefix string

	// gRPC status code classifying the failure.
	code codes.Code
}

// New makes an Error from the given value. If that value is already an
// error then it will be used directly, if not, it will be passed to
// fmt.Errorf("%v"). The stacktrace will point to the line of code that
// called New.
func New(e interface{}) *Error {
	return newC(e, codes.Unknown, 1)
}

// NewC makes an Error with a status code defined.
func NewC(e interface{}, code codes.Code) *Error {
	return newC(e, code, 1)
}

func newC(e interface{}, code codes.Code, skip int) *Error {
	var err error

	switch e := e.(type) {
	case error:
		err = e
	default:
		err = fmt.Errorf("%v", e)
	}

	stack := make([]uintptr, MaxStackDepth)
	length := runtime.Callers(2+skip, stack[:])
	return &Error{
		Err:   err,
		stack: stack[:length],
		code:  code,
	}
}

// Wrap makes an Error from the given value. If that value is already an
// error then it will be used directly, if not, it will be passed to
// fmt.Errorf("%v"). The skip parameter indicates how far up the stack
// to start the stacktrace. 0 is from the current call, 1 from its caller, etc.
func Wrap(e interface{}, skip int) *Error {
	if e == nil {
		return nil
	}

	var err error

	switch e := e.(type) {
	case *Error:
		return e
	case error:
		err = e
	default:
		err = fmt.Errorf("%v", e)
	}

	stack := make([]uintptr, MaxStackDepth)
	length := runtime.Callers(2+skip, stack[:])
	return &Error{
		Err:   err,
		stack: stack[:length],
		code:  Code(err),
	}
}

// WrapPrefix makes an Error from the given value. If that value is already an
// error then it will be used directly, if not, it will be passed to
// fmt.Errorf("%v"). The prefix parameter is used to add a prefix to the
// error message when calling Error(). The skip parameter indicates how far
// up the stack to start the stacktrace. 0 is from the current call,
// 1 from its caller, etc.
func WrapPrefix(e interface{}, prefix string, skip int) *Error {
	if e == nil {
		return nil
	}

	err := Wrap(e, 1+skip)

	if err.prefix != "" {
		prefix = fmt.Sprintf("%s: %s", prefix, err.prefix)
	}

	return &Error{
		Err:    err.Err,
		stack:  err.stack,
		code:   err.code,
		prefix: prefix,
	}
}

// WithCode takes an error and adds a gRPC status code to it. If the error is
// not already an `Error`, it will be wrapped in one.
func WithCode(err error, code codes.Code) *Error {
	if err == nil {
		return nil
	}
	return Wrap(err, 1).WithCode(code)
}

// Error returns the underlying error's message.
func (err *Error) Error() string {
	msg := err.Err.Error()
	if err.prefix != "" {
		msg = fmt.Sprintf("%s: %s", err.prefix, msg)
	}

	return msg
}

// StackFrames returns the frames of the call stack captured when the error
// was created, innermost first. Inlined calls get their own frame.
func (err *Error) StackFrames() []StackFrame {
	if err.frames == nil {
		err.frames = make([]StackFrame, 0, len(err.stack))
		frames := runtime.CallersFrames(err.stack)
		for len(err.stack) > 0 {
			f, more := frames.Next()
			err.frames = append(err.frames, newStackFrame(f))
			if !more {
				break
			}
		}
	}

	return err.frames
}

// MinimalStack returns a compact "file:line" listing of up to n frames,
// starting skip frames from the top. Useful for log fields.
func (err *Error) MinimalStack(skip, n int) []string {
	frames := err.StackFrames()
	if skip >= len(frames) {
		return nil
	}
	frames = frames[skip:]
	if n < len(frames) {
		frames = frames[:n]
	}
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, fmt.Sprintf("%s:%d %s", f.File, f.LineNumber, f.Name))
	}
	return out
}

// TypeName returns the type this error. e.g. *errors.errorString.
func (err *Error) TypeName() string {
	return reflect.TypeOf(err.Err).String()
}

// Unwrap the error (implements api for As function).
func (err *Error) Unwrap() error {
	return err.Err
}

// Code returns the gRPC status code associated with the error.
func (err *Error) Code() codes.Code {
	return err.code
}

// WithCode sets the gRPC status code associated with the error.
func (err *Error) WithCode(code codes.Code) *Error {
	err.code = code
	return err
}

// Code returns a gRPC status code for an error. If the error is nil, it returns
// codes.OK. If error, or anything it wraps, exposes a `Code()` method, that
// code is returned. Otherwise codes.Unknown is returned.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	var ce codedError
	if baseErrors.As(err, &ce) {
		return ce.Code()
	}
	return codes.Unknown
}

type codedError interface {
	Code() codes.Code
}

// Is detects whether the error is equal to a given error. Errors
// are considered equal by this function if they are matched by errors.Is
// or if their contained errors are matched through errors.Is.
func Is(e error, original error) bool {
	if baseErrors.Is(e, original) {
		return true
	}

	if e, ok := e.(*Error); ok {
		return Is(e.Err, original)
	}

	if original, ok := original.(*Error); ok {
		return Is(e, original.Err)
	}

	return false
}

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool {
	return baseErrors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err.
func Unwrap(err error) error {
	return baseErrors.Unwrap(err)
}
