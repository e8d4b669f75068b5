// Package logging carries a structured logger through context.Context so that
// plugins, registries and the application log into the same scoped sink.
package logging

import "context"

type ctxkey struct {
	logger Logger
}

// With attaches a logger to the context.
//
// This can be used to create logging scopes like so:
//
//	for _, p := range plugins {
//	  ctx := With(ctx, logger.Named(p.ID()))
//	  startPlugin(ctx, p)
//	}
func With(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, ctxkey{}, &ctxkey{
		logger: logger,
	})
}

// Scoped returns a child context whose logger is named name. If ctx holds no
// logger a no-op logger is used.
func Scoped(ctx context.Context, name string) context.Context {
	l := FromContext(ctx)
	if l == nil {
		l = NewNopLogger()
	}
	return With(ctx, l.Named(name))
}

// FromContext returns a scoped logger.
func FromContext(ctx context.Context) Logger {
	c, ok := ctx.Value(ctxkey{}).(*ctxkey)
	if ok {
		return c.logger
	}
	return nil
}

// Track a field across the lifetime of the context. Tracked values persist
// back up the call-chain to whoever created the scope. As such, do not use
// this as a convenience in loops, without creating a new scope using
// `logging.With(ctx, logger.Named("foo"))`.
func Track(ctx context.Context, field string, value interface{}) {
	c, ok := ctx.Value(ctxkey{}).(*ctxkey)
	if ok {
		c.logger = c.logger.With(field, value)
	}
}

// Logger provides an abstract logging interface designed around uber-go/zap's
// sugared logger, but is intended to provide interop with other libraries.
type Logger interface {
	Debug(args ...interface{})
	Debugw(msg string, keysAndValues ...interface{})
	Debugf(msg string, args ...interface{})
	Info(args ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Infof(msg string, args ...interface{})
	Warn(args ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Warnf(msg string, args ...interface{})
	Error(args ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
	Errorf(msg string, args ...interface{})
	Panic(args ...interface{})
	Panicw(msg string, keysAndValues ...interface{})
	Panicf(msg string, args ...interface{})
	Fatal(args ...interface{})
	Fatalw(msg string, keysAndValues ...interface{})
	Fatalf(msg string, args ...interface{})

	// Named creates a child logger with the given name.
	Named(name string) Logger

	// With creates a child logger and attaches structured context to it.
	With(field string, value interface{}) Logger
}

// from returns the context logger, falling back to a no-op logger so library
// code never has to nil-check.
func from(ctx context.Context) Logger {
	if l := FromContext(ctx); l != nil {
		return l
	}
	return NewNopLogger()
}

func Debug(ctx context.Context, msg string) {
	from(ctx).Debug(msg)
}

func Debugw(ctx context.Context, msg string, fields ...interface{}) {
	from(ctx).Debugw(msg, fields...)
}

func Debugf(ctx context.Context, msg string, args ...interface{}) {
	from(ctx).Debugf(msg, args...)
}

func Info(ctx context.Context, msg string) {
	from(ctx).Info(msg)
}

func Infow(ctx context.Context, msg string, fields ...interface{}) {
	from(ctx).Infow(msg, fields...)
}

func Infof(ctx context.Context, msg string, args ...interface{}) {
	from(ctx).Infof(msg, args...)
}

func Warn(ctx context.Context, msg string) {
	from(ctx).Warn(msg)
}

func Warnw(ctx context.Context, msg string, fields ...interface{}) {
	from(ctx).Warnw(msg, fields...)
}

func Warnf(ctx context.Context, msg string, args ...interface{}) {
	from(ctx).Warnf(msg, args...)
}

func Error(ctx context.Context, msg string) {
	from(ctx).Error(msg)
}

func Errorw(ctx context.Context, msg string, fields ...interface{}) {
	from(ctx).Errorw(msg, fields...)
}

func Errorf(ctx context.Context, msg string, args ...interface{}) {
	from(ctx).Errorf(msg, args...)
}
