package routing

import "strings"

// MaxResponseChars bounds the reply excerpt a routing request carries. The
// full reply never reaches the routing model.
const MaxResponseChars = 500

// Decision is the outcome of one hand-off evaluation: route to a named
// agent, declare the workflow complete, or defer to the next strategy.
type Decision struct {
	kind   decisionKind
	target string
}

type decisionKind int

const (
	kindNone decisionKind = iota
	kindNext
	kindComplete
)

// None defers to the next strategy in the cascade.
func None() Decision { return Decision{} }

// RouteTo selects the named agent for the next step. A blank name collapses
// to None.
func RouteTo(agent string) Decision {
	agent = strings.TrimSpace(agent)
	if agent == "" {
		return None()
	}
	return Decision{kind: kindNext, target: agent}
}

// Complete declares the workflow finished.
func Complete() Decision { return Decision{kind: kindComplete} }

// IsNone reports whether the decision defers to the next strategy.
func (d Decision) IsNone() bool { return d.kind == kindNone }

// IsComplete reports whether the decision ends the workflow.
func (d Decision) IsComplete() bool { return d.kind == kindComplete }

// Target returns the selected agent id, empty unless an agent was chosen.
func (d Decision) Target() string {
	if d.kind != kindNext {
		return ""
	}
	return d.target
}

// String renders the decision for log lines and span attributes.
func (d Decision) String() string {
	switch d.kind {
	case kindNext:
		return d.target
	case kindComplete:
		return "complete"
	default:
		return "none"
	}
}

// Request carries the inputs for one hand-off decision.
type Request struct {
	FromAgent       string
	ResponseText    string
	AvailableAgents []string
	Guidance        string

	// Explicit is the target the finishing agent declared itself, if any.
	Explicit string
	// Classification is the category label the finishing agent returned.
	Classification string
	// Suggestion is an unhonored routing hint forwarded to the fast model.
	Suggestion string
}

// NewRequest builds a routing request. The reply excerpt is truncated here,
// before any prompt can be constructed from it.
func NewRequest(fromAgent, responseText string, availableAgents []string, guidance string) Request {
	return Request{
		FromAgent:       strings.TrimSpace(fromAgent),
		ResponseText:    TruncateResponse(responseText),
		AvailableAgents: append([]string(nil), availableAgents...),
		Guidance:        strings.TrimSpace(guidance),
	}
}

// TruncateResponse bounds text to MaxResponseChars characters.
func TruncateResponse(text string) string {
	runes := []rune(text)
	if len(runes) <= MaxResponseChars {
		return text
	}
	return string(runes[:MaxResponseChars])
}
