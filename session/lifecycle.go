package session

import (
	"fmt"

	"github.com/felixgeelhaar/statekit"
)

// Session lifecycle states.
const (
	StateOpen       = "open"
	StateCommitting = "committing"
	StateCommitted  = "committed"
	StateFailed     = "failed"
	StateCancelled  = "cancelled"
)

// Lifecycle events.
const (
	eventCommit  = "commit"
	eventSucceed = "succeed"
	eventFail    = "fail"
	eventReset   = "reset"
	eventCancel  = "cancel"
)

type lifecycleContext struct {
	SessionID string
}

// lifecycle is the session state machine:
//
//	open --commit--> committing --succeed--> committed
//	                 committing --fail-----> failed    (invoice exists)
//	                 committing --reset----> open      (nothing written)
//	open --cancel--> cancelled
//
// Terminal states absorb cancel so late cancels are reported, not applied.
// Not safe for concurrent use; Session serializes access.
type lifecycle struct {
	interpreter *statekit.Interpreter[lifecycleContext]
}

func newLifecycle(sessionID string) (*lifecycle, error) {
	builder := statekit.NewMachine[lifecycleContext]("billing-session").
		WithInitial(statekit.StateID(StateOpen)).
		WithContext(lifecycleContext{SessionID: sessionID})

	builder.State(StateOpen).
		On(eventCommit).Target(StateCommitting).
		On(eventCancel).Target(StateCancelled).
		Done()

	// No cancel while committing: the write runs to completion or failure.
	builder.State(StateCommitting).
		On(eventSucceed).Target(StateCommitted).
		On(eventFail).Target(StateFailed).
		On(eventReset).Target(StateOpen).
		Done()

	builder.State(StateCommitted).
		On(eventCancel).Target(StateCommitted).
		Done()

	builder.State(StateFailed).
		On(eventCancel).Target(StateFailed).
		Done()

	builder.State(StateCancelled).
		On(eventCancel).Target(StateCancelled).
		Done()

	machine, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build session state machine: %w", err)
	}

	interpreter := statekit.NewInterpreter(machine)
	interpreter.Start()
	return &lifecycle{interpreter: interpreter}, nil
}

// fire sends an event and reports whether the state changed.
func (l *lifecycle) fire(event string) error {
	before := l.current()
	l.interpreter.Send(statekit.Event{Type: statekit.EventType(event)})
	if l.current() != before {
		return nil
	}
	return fmt.Errorf("event %q not allowed in state %q", event, before)
}

func (l *lifecycle) current() string {
	return string(l.interpreter.State().Value)
}
