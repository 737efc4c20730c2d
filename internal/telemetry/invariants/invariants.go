package invariants

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// InvariantStateTransitionLegal requires session lifecycle transitions to
	// follow the deterministic state machine.
	InvariantStateTransitionLegal = "state_transition_legal"
	// InvariantTurnNumberMonotonic requires turn numbers to strictly increase
	// within one session.
	InvariantTurnNumberMonotonic = "turn_number_monotonic"
	// InvariantSingleSubprocess requires at most one live subprocess per session.
	InvariantSingleSubprocess = "single_subprocess_per_session"
	// InvariantMaxHandoffsNotExceeded requires hand-off chains to stay within
	// the configured ceiling.
	InvariantMaxHandoffsNotExceeded = "max_handoffs_not_exceeded"
)

const (
	// SeverityWarn is used for non-fatal invariant violations.
	SeverityWarn = "warn"
	// SeverityError is used for fatal invariant violations.
	SeverityError = "error"
)

var invariantChecksEnabled atomic.Bool

func init() {
	invariantChecksEnabled.Store(true)
}

// ViolationDetails captures invariant violation context for telemetry events.
type ViolationDetails struct {
	WhatInvariant string
	WhereDetected string
	WhyViolated   string
	StackTrace    string
	Additional    map[string]string
}

// SetEnabled globally enables or disables invariant checks.
func SetEnabled(enabled bool) {
	invariantChecksEnabled.Store(enabled)
}

// Enabled reports whether invariant checks are currently enabled.
func Enabled() bool {
	return invariantChecksEnabled.Load()
}

// InvariantViolation emits an invariant.violation telemetry event on the active span.
// If the context has no active span, a short synthetic span is created for observability.
func InvariantViolation(
	ctx context.Context,
	invariantName string,
	severity string,
	details ViolationDetails,
) {
	if !Enabled() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	invariantName = strings.TrimSpace(invariantName)
	if invariantName == "" {
		invariantName = "unknown_invariant"
	}
	severity = normalizeSeverity(severity)

	attrs := []attribute.KeyValue{
		attribute.String("invariant_name", invariantName),
		attribute.String("severity", severity),
		attribute.String("what_invariant", strings.TrimSpace(details.WhatInvariant)),
		attribute.String("where_detected", strings.TrimSpace(details.WhereDetected)),
		attribute.String("why_violated", strings.TrimSpace(details.WhyViolated)),
	}
	if stack := strings.TrimSpace(details.StackTrace); stack != "" {
		attrs = append(attrs, attribute.String("stack_trace", stack))
	}

	if len(details.Additional) > 0 {
		keys := make([]string, 0, len(details.Additional))
		for key := range details.Additional {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			value := strings.TrimSpace(details.Additional[key])
			if value == "" {
				continue
			}
			attrs = append(attrs, attribute.String("context."+key, value))
		}
	}

	span := trace.SpanFromContext(ctx)
	if span != nil && span.SpanContext().IsValid() {
		span.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
		return
	}

	tracedCtx, temporarySpan := otel.Tracer("switchyard/invariants").Start(ctx, "invariant.violation")
	defer temporarySpan.End()
	temporarySpan.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
	_ = tracedCtx
}

// CheckStateTransitionLegal validates the state_transition_legal invariant.
func CheckStateTransitionLegal(
	ctx context.Context,
	whereDetected string,
	entityType string,
	fromState string,
	toState string,
	legal bool,
) bool {
	if legal {
		return true
	}
	InvariantViolation(ctx, InvariantStateTransitionLegal, SeverityError, ViolationDetails{
		WhatInvariant: "state machine transition is legal",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("illegal transition for entity=%s from=%s to=%s", entityType, fromState, toState),
		Additional: map[string]string{
			"entity_type": strings.TrimSpace(entityType),
			"from_state":  strings.TrimSpace(fromState),
			"to_state":    strings.TrimSpace(toState),
		},
	})
	return false
}

// CheckTurnNumberMonotonic validates the turn_number_monotonic invariant.
func CheckTurnNumberMonotonic(ctx context.Context, whereDetected string, previousTurn, nextTurn int) bool {
	if nextTurn > previousTurn {
		return true
	}
	InvariantViolation(ctx, InvariantTurnNumberMonotonic, SeverityError, ViolationDetails{
		WhatInvariant: "turn numbers strictly increase within a session",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("next_turn=%d does not exceed previous_turn=%d", nextTurn, previousTurn),
		Additional: map[string]string{
			"previous_turn": fmt.Sprintf("%d", previousTurn),
			"next_turn":     fmt.Sprintf("%d", nextTurn),
		},
	})
	return false
}

// CheckSingleSubprocess validates the single_subprocess_per_session invariant.
func CheckSingleSubprocess(ctx context.Context, whereDetected string, liveProcesses int) bool {
	if liveProcesses <= 1 {
		return true
	}
	InvariantViolation(ctx, InvariantSingleSubprocess, SeverityError, ViolationDetails{
		WhatInvariant: "a session owns at most one live subprocess",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("live_processes=%d exceeds 1", liveProcesses),
		Additional: map[string]string{
			"live_processes": fmt.Sprintf("%d", liveProcesses),
		},
	})
	return false
}

// CheckMaxHandoffsNotExceeded validates the max_handoffs_not_exceeded invariant.
func CheckMaxHandoffsNotExceeded(ctx context.Context, whereDetected string, handoffCount, maxAllowed int) bool {
	if maxAllowed <= 0 || handoffCount <= maxAllowed {
		return true
	}
	InvariantViolation(ctx, InvariantMaxHandoffsNotExceeded, SeverityWarn, ViolationDetails{
		WhatInvariant: "hand-off chain stays within configured max",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("handoff_count=%d exceeded max_allowed=%d", handoffCount, maxAllowed),
		Additional: map[string]string{
			"handoff_count": fmt.Sprintf("%d", handoffCount),
			"max_allowed":   fmt.Sprintf("%d", maxAllowed),
		},
	})
	return false
}

func normalizeSeverity(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case SeverityWarn:
		return SeverityWarn
	case SeverityError:
		return SeverityError
	default:
		return SeverityError
	}
}
