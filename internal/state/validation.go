package state

import (
	"fmt"
	"regexp"
	"strings"
)

// TraceIDLength is the fixed hex length of a session trace id, shared with
// the tracing system for cross-system correlation.
const TraceIDLength = 32

var traceIDPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// Identity is the triple that names one session turn.
type Identity struct {
	WorkflowID string
	TraceID    string
	TurnNumber int
}

// IdentityError describes why a session identity is unusable.
type IdentityError struct {
	Field  string
	Reason string
}

func (e *IdentityError) Error() string {
	return fmt.Sprintf("invalid session identity: %s %s", e.Field, e.Reason)
}

// Is enables errors.Is checks for identity validation failures.
func (e *IdentityError) Is(target error) bool {
	_, ok := target.(*IdentityError)
	return ok
}

// NormalizeTraceID lowercases and trims a trace id without validating it.
func NormalizeTraceID(traceID string) string {
	return strings.ToLower(strings.TrimSpace(traceID))
}

// ValidateIdentity enforces the session identity contract: a non-empty
// workflow id, a 32-character lowercase hex trace id, and a turn number
// starting at 1. The same rules bind generated identities on the supervisor
// side and flag-supplied identities on the orchestrator side.
func ValidateIdentity(id Identity) error {
	if strings.TrimSpace(id.WorkflowID) == "" {
		return &IdentityError{Field: "workflow id", Reason: "must not be empty"}
	}

	traceID := NormalizeTraceID(id.TraceID)
	if len(traceID) != TraceIDLength {
		return &IdentityError{
			Field:  "trace id",
			Reason: fmt.Sprintf("must be exactly %d characters", TraceIDLength),
		}
	}
	if !traceIDPattern.MatchString(traceID) {
		return &IdentityError{
			Field:  "trace id",
			Reason: "must contain only hexadecimal characters (0-9, a-f)",
		}
	}

	if id.TurnNumber < 1 {
		return &IdentityError{Field: "turn number", Reason: "must be >= 1"}
	}

	return nil
}
