package envisage

import (
	"fmt"
	"slices"

	"github.com/awatters/envisage/errors"
	"github.com/awatters/envisage/logging"
)

// EventType identifies an application lifecycle event.
type EventType int

const (
	EventStarting EventType = iota
	EventStarted
	EventStopping
	EventStopped
)

func (t EventType) String() string {
	switch t {
	case EventStarting:
		return "starting"
	case EventStarted:
		return "started"
	case EventStopping:
		return "stopping"
	case EventStopped:
		return "stopped"
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Event is delivered to listeners registered with OnEvent. Err is set on
// Started and Stopped events when the lifecycle operation failed.
type Event struct {
	Type        EventType
	Application *Application
	Err         error
}

type eventListener struct {
	fn func(Event)
}

// OnEvent registers fn for lifecycle events. Events are delivered
// synchronously, in registration order, on the goroutine calling Start or
// Stop.
func (a *Application) OnEvent(fn func(Event)) (cancel func()) {
	l := &eventListener{fn: fn}
	a.eventsMu.Lock()
	a.listeners = append(a.listeners, l)
	a.eventsMu.Unlock()

	return func() {
		a.eventsMu.Lock()
		defer a.eventsMu.Unlock()
		a.listeners = slices.DeleteFunc(a.listeners, func(x *eventListener) bool { return x == l })
	}
}

func (a *Application) fire(ev Event) {
	a.eventsMu.Lock()
	listeners := slices.Clone(a.listeners)
	a.eventsMu.Unlock()

	for _, l := range listeners {
		a.deliver(l, ev)
	}
}

// A panicking listener must not abort the lifecycle operation.
func (a *Application) deliver(l *eventListener, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			err := errors.Wrap(rec, 2)
			logging.Errorw(a.ctx, "envisage: recovered from event listener panic",
				"event", ev.Type.String(), "panic", rec, "error.stack_trace", err.MinimalStack(0, 5))
		}
	}()
	l.fn(ev)
}
