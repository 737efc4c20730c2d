package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/switchyard-ai/switchyard/internal/telemetry/invariants"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Session lifecycle states. A session starts idle, enters running on each
// spawn, and lands in exactly one terminal state per invocation.
const (
	SessionIdle      = "idle"
	SessionRunning   = "running"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
	SessionKilled    = "killed"
)

// allowedTransitions is the deterministic session state machine. Terminal
// states re-enter running when the next turn spawns, or idle on reset; a
// spawn attempt that fails before the process starts lands in failed from
// any state, including failed itself when retries keep failing.
var allowedTransitions = map[string]map[string]struct{}{
	SessionIdle: {
		SessionRunning: {},
		SessionFailed:  {},
	},
	SessionRunning: {
		SessionCompleted: {},
		SessionFailed:    {},
		SessionKilled:    {},
	},
	SessionCompleted: {
		SessionRunning: {},
		SessionFailed:  {},
		SessionIdle:    {},
	},
	SessionFailed: {
		SessionRunning: {},
		SessionFailed:  {},
		SessionIdle:    {},
	},
	SessionKilled: {
		SessionRunning: {},
		SessionFailed:  {},
		SessionIdle:    {},
	},
}

// Terminal reports whether a state ends the current invocation.
func Terminal(stateName string) bool {
	switch stateName {
	case SessionCompleted, SessionFailed, SessionKilled:
		return true
	default:
		return false
	}
}

// TransitionRecord stores transition metadata for local history.
type TransitionRecord struct {
	SessionID string
	FromState string
	ToState   string
	Reason    string
	Timestamp time.Time
}

// IllegalTransitionError is returned for a disallowed transition.
type IllegalTransitionError struct {
	SessionID string
	FromState string
	ToState   string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf(
		"cannot transition session %q from %q to %q: illegal transition for session lifecycle",
		e.SessionID,
		e.FromState,
		e.ToState,
	)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

// Option configures Machine construction.
type Option func(*Machine)

// WithTracer configures the tracer used for state transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(machine *Machine) {
		if tracer == nil {
			return
		}
		machine.tracer = tracer
	}
}

// WithClock overrides the history timestamp source.
func WithClock(now func() time.Time) Option {
	return func(machine *Machine) {
		if now == nil {
			return
		}
		machine.now = now
	}
}

// Machine validates deterministic session state transitions. It is safe for
// use from the lifecycle manager and its exit-watcher goroutine.
type Machine struct {
	tracer trace.Tracer
	now    func() time.Time

	mu      sync.Mutex
	current string
	history []TransitionRecord
}

// NewMachine builds a session state machine starting at idle.
func NewMachine(options ...Option) *Machine {
	machine := &Machine{
		tracer:  otel.Tracer("switchyard/state"),
		now:     time.Now,
		current: SessionIdle,
		history: []TransitionRecord{},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(machine)
	}
	return machine
}

// Current returns the session's present lifecycle state.
func (m *Machine) Current() string {
	if m == nil {
		return SessionIdle
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Transition validates and applies one state transition. sessionID labels
// the span and history record; it changes across resets while the machine
// itself persists for the manager's lifetime.
func (m *Machine) Transition(ctx context.Context, sessionID, toState, reason string) error {
	if m == nil {
		return errors.New("machine is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()
	normalizedReason := strings.TrimSpace(reason)

	ctx, span := m.tracer.Start(ctx, "session.transition")
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()

	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		sessionID = "unassigned"
	}
	toState = strings.TrimSpace(toState)

	m.mu.Lock()
	defer m.mu.Unlock()
	fromState := m.current

	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("from_state", fromState),
		attribute.String("to_state", toState),
		attribute.String("reason", normalizedReason),
	)

	if toState == "" {
		err := errors.New("to state must not be empty")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if !isAllowed(fromState, toState) {
		invariants.CheckStateTransitionLegal(
			ctx,
			"state.machine.transition",
			"session",
			fromState,
			toState,
			false,
		)
		err := &IllegalTransitionError{
			SessionID: sessionID,
			FromState: fromState,
			ToState:   toState,
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	m.current = toState
	m.history = append(m.history, TransitionRecord{
		SessionID: sessionID,
		FromState: fromState,
		ToState:   toState,
		Reason:    normalizedReason,
		Timestamp: m.now().UTC(),
	})
	span.SetStatus(codes.Ok, "session transition applied")

	return nil
}

// History returns transition records captured by this machine.
func (m *Machine) History() []TransitionRecord {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}

func isAllowed(fromState, toState string) bool {
	targets, ok := allowedTransitions[fromState]
	if !ok {
		return false
	}
	_, ok = targets[toState]
	return ok
}
