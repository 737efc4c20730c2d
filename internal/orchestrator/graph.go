package orchestrator

import (
	"context"
	"fmt"

	"github.com/switchyard-ai/switchyard/internal/bedrock"
	"github.com/switchyard-ai/switchyard/internal/config"
	"github.com/switchyard-ai/switchyard/internal/routing"
	"github.com/switchyard-ai/switchyard/internal/telemetry"
)

// runGraph walks agents one at a time, asking the routing engine after each
// reply whether to continue and where. The engine always lands on a
// definite decision, so the loop terminates on the first Complete.
func (o *Orchestrator) runGraph(ctx context.Context, t *turn) error {
	current := o.workflow.EntryAgent
	for current != "" {
		name := o.displayName(current)
		o.logger.Info("invoking agent", "agent", current, "name", name)
		if err := t.emitter.NodeStart(current, name, t.previousName, t.prompt); err != nil {
			o.logger.Warn("node start event not emitted", "err", err)
		}

		reply, err := o.invoke(ctx, current, t.prompt, t.sessionID)
		if err != nil {
			if emitErr := t.emitter.NodeFailed(current, name, err.Error()); emitErr != nil {
				o.logger.Warn("node failure event not emitted", "err", emitErr)
			}
			return fmt.Errorf("Agent %s failed: %w", current, err)
		}

		t.invoked = append(t.invoked, current)
		t.lastResponse = reply.Text
		if err := t.emitter.NodeCompleted(current, name, reply.Text); err != nil {
			o.logger.Warn("node completion event not emitted", "err", err)
		}
		o.logger.Info("agent completed", "agent", current, "response", preview(reply.Text, 100))

		decision := o.decide(ctx, t, current, reply)
		if decision.IsComplete() {
			o.logger.Info("workflow complete", "final_agent", current)
			return nil
		}

		t.prompt = graphHandoffPrompt(name, reply.Text, t.params.Prompt)
		t.previousName = name
		current = decision.Target()
	}
	return nil
}

// decide runs the routing cascade for one finished graph agent, carrying
// any structured directives found beside the reply text.
func (o *Orchestrator) decide(ctx context.Context, t *turn, current string, reply bedrock.Reply) routing.Decision {
	req := routing.NewRequest(current, reply.Text, o.roster.IDs(), o.guidance)
	directive := parseDirectives(reply.Raw)
	req.Explicit = directive.RouteTo
	req.Classification = directive.Classification

	callCtx, call := telemetry.StartRouterCall(ctx, telemetry.RouterCallRequest{
		Model:     o.routing.Model,
		FromAgent: current,
		Pattern:   config.PatternGraph,
		Prompt:    reply.Text,
	})
	decision := t.engine.Decide(callCtx, req)
	call.End(decision.String(), nil)
	return decision
}
