package routing

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/switchyard-ai/switchyard/internal/telemetry"
)

var (
	handoffJSONPattern    = regexp.MustCompile(`\{[^{}]*"handoff_to"\s*:\s*(?:\[[^\]]*\]|"[^"]*")[^{}]*\}`)
	escapedHandoffPattern = regexp.MustCompile(`\{[^{}]*\\"handoff_to\\"[^{}]*\}`)
	handoffTextPattern    = regexp.MustCompile(`[Hh]and(?:ing|ed)?\s*off\s*to\s*["']?(\w+)["']?`)
)

// Handoff is a finishing swarm agent's declared transfer of control. One
// target continues sequentially; several fan out in parallel, optionally
// converging on ConvergeAt afterwards.
type Handoff struct {
	Targets    []string
	ConvergeAt string
}

// Parallel reports whether the hand-off fans out to several agents.
func (h *Handoff) Parallel() bool {
	return h != nil && len(h.Targets) > 1
}

// SwarmInput carries one finished swarm agent's reply.
type SwarmInput struct {
	FromAgent string
	// ResponseText is the reply with transport nesting already unwrapped.
	ResponseText string
	// RawResponse is the wire text, searched for declarations that stayed
	// escaped inside an outer JSON string.
	RawResponse     string
	AvailableAgents []string
	Guidance        string
}

// ResolveHandoff decides the next step after a swarm agent finishes. The
// agent's own declaration always wins and is never overridden; the fast
// model acts only as a safety net when no declaration is found, and its
// verdict must name a roster member. A nil result ends the workflow.
func (e *Engine) ResolveHandoff(ctx context.Context, input SwarmInput) *Handoff {
	if e == nil {
		return nil
	}

	handoff, suggestion := e.ExtractHandoff(input.ResponseText, input.RawResponse, input.AvailableAgents)
	if handoff != nil {
		telemetry.RouterCallFromContext(ctx).RecordStrategy(StrategyExplicit, strings.Join(handoff.Targets, ","))
		return handoff
	}
	if !e.enabled {
		return nil
	}

	e.logger.Warn("no explicit hand-off declared, asking fast model", "from", input.FromAgent)

	req := NewRequest(input.FromAgent, input.ResponseText, input.AvailableAgents, input.Guidance)
	req.Suggestion = suggestion

	decision := e.fastModel(ctx, req)
	switch {
	case decision.IsComplete():
		e.logger.Info("fast model declared workflow complete", "from", input.FromAgent)
		return nil
	case decision.Target() != "":
		e.logger.Info("fast model selected next agent", "from", input.FromAgent, "next", decision.Target())
		return &Handoff{Targets: []string{decision.Target()}}
	default:
		e.logger.Info("no hand-off resolved, workflow completes", "from", input.FromAgent)
		return nil
	}
}

// ExtractHandoff finds the agent's own hand-off declaration in its reply.
// Three forms are recognized in order: a JSON object with a handoff_to key,
// the same object with escaped quotes inside an outer JSON string, and
// prose like "handing off to billing". Returns the hand-off, or nil plus
// the agent's unhonored suggestion for the safety net.
func (e *Engine) ExtractHandoff(responseText, rawResponse string, available []string) (*Handoff, string) {
	suggestion := ""

	if match := handoffJSONPattern.FindString(responseText); match != "" {
		var decl handoffDecl
		if err := json.Unmarshal([]byte(match), &decl); err == nil {
			handoff, declared := e.resolveDeclared(decl, available)
			if handoff != nil {
				return handoff, ""
			}
			if declared != "" {
				suggestion = declared
			}
		}
	}

	if match := escapedHandoffPattern.FindString(rawResponse); match != "" {
		var decl handoffDecl
		if err := json.Unmarshal([]byte(strings.ReplaceAll(match, `\"`, `"`)), &decl); err == nil {
			if targets := decl.targets(); len(targets) > 0 {
				target := targets[0]
				suggestion = target
				if containsAgent(available, target) {
					return &Handoff{Targets: []string{target}}, ""
				}
				e.logger.Warn("hand-off target not in roster", "target", target, "available", strings.Join(available, ", "))
			}
		}
	}

	if match := handoffTextPattern.FindStringSubmatch(responseText); match != nil {
		target := match[1]
		if suggestion == "" {
			suggestion = target
		}
		if containsAgent(available, target) {
			return &Handoff{Targets: []string{target}}, ""
		}
	}

	return nil, suggestion
}

// resolveDeclared validates one parsed declaration against the roster.
// Returns the honored hand-off, or nil plus the declared target so the
// caller can keep it as a suggestion.
func (e *Engine) resolveDeclared(decl handoffDecl, available []string) (*Handoff, string) {
	targets := decl.targets()
	if len(targets) == 0 {
		return nil, ""
	}

	if len(targets) > 1 {
		valid := make([]string, 0, len(targets))
		unknown := make([]string, 0)
		for _, target := range targets {
			if containsAgent(available, target) {
				valid = append(valid, target)
			} else {
				unknown = append(unknown, target)
			}
		}
		if len(unknown) > 0 {
			e.logger.Warn("parallel hand-off names unknown agents", "unknown", strings.Join(unknown, ", "))
		}
		if len(valid) > 0 {
			converge := strings.TrimSpace(decl.ConvergeAt)
			if converge != "" && !containsAgent(available, converge) {
				e.logger.Warn("convergence target not in roster", "target", converge)
				converge = ""
			}
			return &Handoff{Targets: valid, ConvergeAt: converge}, ""
		}
	}

	target := targets[0]
	if containsAgent(available, target) {
		return &Handoff{Targets: []string{target}}, target
	}
	e.logger.Warn("hand-off target not in roster", "target", target, "available", strings.Join(available, ", "))
	return nil, target
}

type handoffDecl struct {
	HandoffTo  json.RawMessage `json:"handoff_to"`
	ConvergeAt string          `json:"converge_at"`
}

// targets normalizes the declared value, which agents write either as one
// id or as an array for parallel fan-out.
func (d handoffDecl) targets() []string {
	if len(d.HandoffTo) == 0 {
		return nil
	}
	var many []string
	if err := json.Unmarshal(d.HandoffTo, &many); err == nil {
		out := make([]string, 0, len(many))
		for _, target := range many {
			if target = strings.TrimSpace(target); target != "" {
				out = append(out, target)
			}
		}
		return out
	}
	var one string
	if err := json.Unmarshal(d.HandoffTo, &one); err == nil {
		if one = strings.TrimSpace(one); one != "" {
			return []string{one}
		}
	}
	return nil
}

func containsAgent(available []string, target string) bool {
	for _, agent := range available {
		if agent == target {
			return true
		}
	}
	return false
}
