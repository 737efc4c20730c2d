package routing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/switchyard-ai/switchyard/internal/telemetry"
)

// routerPromptTemplate constrains the model to answer with a single agent
// id or the completion literal. Slots: finishing agent, reply excerpt,
// roster, suggestion line, guidance line.
const routerPromptTemplate = `You are a routing agent. Based on the agent response below, determine which agent should handle the next step.

Current agent: %s
Agent response (truncated): %s

Available agents: %s
%s

%s

The agent's suggestion is a hint from a domain expert. Consider it, but make your own decision based on the response content and routing guidance. The agent may not know all available agents.

Respond with ONLY one of the following:
- An agent ID from the available agents list (exactly as shown)
- The word "COMPLETE" if the workflow should end (task is finished)

Your response (agent ID or COMPLETE):`

// fastModel asks the routing model for a verdict. Timeout, transport, and
// unrecognized-reply failures all collapse to a deferring decision after
// one log line; only a recognized verdict emits a router_decision event.
func (e *Engine) fastModel(ctx context.Context, req Request) Decision {
	call := telemetry.RouterCallFromContext(ctx)
	start := e.now()

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	reply, err := e.invoker.InvokeModel(callCtx, e.model, buildRouterPrompt(req))
	if err != nil {
		reason := "transport"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
		}
		call.RecordError(reason, err.Error())
		e.cascadeFailure("fast-model routing failed", "from", req.FromAgent, "reason", reason, "err", err)
		return None()
	}

	verdict := strings.ToUpper(strings.TrimSpace(reply))
	if verdict == CompleteSignal {
		e.recordDecision(req, CompleteSignal, e.now().Sub(start))
		return Complete()
	}
	for _, agent := range req.AvailableAgents {
		if strings.EqualFold(strings.TrimSpace(agent), verdict) {
			e.recordDecision(req, agent, e.now().Sub(start))
			return RouteTo(agent)
		}
	}

	call.RecordError("parse", fmt.Sprintf("verdict %q matches no available agent", reply))
	e.cascadeFailure("fast-model verdict not recognized", "from", req.FromAgent, "verdict", reply)
	return None()
}

func (e *Engine) recordDecision(req Request, nextAgent string, elapsed time.Duration) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.RecordDecision(e.model, req.FromAgent, nextAgent, elapsed, routingHint(req)); err != nil {
		e.logger.Warn("router decision event not recorded", "err", err)
	}
}

// buildRouterPrompt renders the routing prompt. The reply excerpt is
// re-bounded here so a hand-built request cannot widen it.
func buildRouterPrompt(req Request) string {
	suggestion := "Agent's routing suggestion: None"
	if hint := routingHint(req); hint != "" {
		suggestion = "Agent's routing suggestion: " + hint
	}
	guidance := ""
	if req.Guidance != "" {
		guidance = "Routing guidance: " + req.Guidance
	}
	return fmt.Sprintf(routerPromptTemplate,
		req.FromAgent,
		TruncateResponse(req.ResponseText),
		strings.Join(req.AvailableAgents, ", "),
		suggestion,
		guidance,
	)
}

// routingHint picks the agent's own routing signal to forward to the model:
// an unhonored suggestion first, then an explicit declaration.
func routingHint(req Request) string {
	if hint := strings.TrimSpace(req.Suggestion); hint != "" {
		return hint
	}
	return strings.TrimSpace(req.Explicit)
}
