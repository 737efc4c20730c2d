package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/switchyard-ai/switchyard/internal/bedrock"
	"github.com/switchyard-ai/switchyard/internal/config"
	"github.com/switchyard-ai/switchyard/internal/routing"
	"github.com/switchyard-ai/switchyard/internal/telemetry"
	"github.com/switchyard-ai/switchyard/internal/telemetry/invariants"
)

// parallelResult is one branch outcome of a swarm fan-out, recorded in
// completion order. Err holds the failure message, or "timeout" for
// branches the fan-out deadline cut off.
type parallelResult struct {
	AgentID  string
	Response string
	Err      string
}

// runSwarm lets agents steer the workflow themselves: after each reply the
// hand-off resolver picks zero, one, or several next agents. The invocation
// cap stops runaway hand-off cycles.
func (o *Orchestrator) runSwarm(ctx context.Context, t *turn) error {
	maxHandoffs := o.agents.MaxHandoffs
	current := o.workflow.EntryAgent
	for current != "" && len(t.invoked) < maxHandoffs {
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

		handoff := o.resolveHandoff(ctx, t, current, reply)
		switch {
		case handoff == nil:
			o.logger.Info("no hand-off declared, workflow complete", "final_agent", current)
			current = ""

		case handoff.Parallel():
			o.logger.Info("parallel hand-off", "from", current, "targets", strings.Join(handoff.Targets, ", "))
			if handoff.ConvergeAt != "" {
				o.logger.Info("convergence agent", "agent", handoff.ConvergeAt)
			}

			prompts := make(map[string]string, len(handoff.Targets))
			for _, target := range handoff.Targets {
				prompts[target] = parallelPrompt(name, reply.Text, t.params.Prompt)
			}
			results, err := o.invokeParallel(ctx, t, current, handoff.Targets, prompts)
			if err != nil {
				return err
			}
			t.invoked = append(t.invoked, handoff.Targets...)

			completed := make([]string, len(results))
			for i, result := range results {
				completed[i] = result.AgentID
			}
			if err := t.emitter.ConvergenceReady(handoff.ConvergeAt, completed); err != nil {
				o.logger.Warn("convergence event not emitted", "err", err)
			}

			if handoff.ConvergeAt == "" {
				o.logger.Info("parallel execution finished with no convergence agent")
				if len(results) > 0 {
					t.lastResponse = results[len(results)-1].Response
				}
				current = ""
				break
			}
			t.prompt = convergencePrompt(results, o.displayName, t.params.Prompt)
			t.previousName = "Parallel: " + strings.Join(o.displayPath(handoff.Targets), ", ")
			current = handoff.ConvergeAt

		default:
			next := handoff.Targets[0]
			o.logger.Info("hand-off", "from", current, "to", next)
			t.prompt = swarmHandoffPrompt(name, reply.Text, t.params.Prompt)
			t.previousName = name
			current = next
		}
	}

	if len(t.invoked) >= maxHandoffs {
		invariants.CheckMaxHandoffsNotExceeded(ctx, "orchestrator.swarm", len(t.invoked), maxHandoffs)
		return fmt.Errorf("Maximum handoffs (%d) exceeded - possible infinite loop", maxHandoffs)
	}
	return nil
}

// resolveHandoff runs the hand-off cascade for one finished swarm agent.
func (o *Orchestrator) resolveHandoff(ctx context.Context, t *turn, current string, reply bedrock.Reply) *routing.Handoff {
	callCtx, call := telemetry.StartRouterCall(ctx, telemetry.RouterCallRequest{
		Model:     o.routing.Model,
		FromAgent: current,
		Pattern:   config.PatternSwarm,
		Prompt:    reply.Text,
	})
	handoff := t.engine.ResolveHandoff(callCtx, routing.SwarmInput{
		FromAgent:       current,
		ResponseText:    reply.Text,
		RawResponse:     reply.Raw,
		AvailableAgents: o.roster.IDs(),
		Guidance:        o.guidance,
	})
	target := "complete"
	if handoff != nil {
		target = strings.Join(handoff.Targets, ",")
	}
	call.End(target, nil)
	return handoff
}

// invokeParallel fans one prompt set out to several agents at once and
// collects replies in completion order. Branches still running when the
// fan-out deadline passes are recorded as timed out; the outcome channel is
// buffered so their eventual sends do not block a leaked goroutine.
func (o *Orchestrator) invokeParallel(ctx context.Context, t *turn, fromAgent string, targets []string, prompts map[string]string) ([]parallelResult, error) {
	if err := t.emitter.ParallelNodeStart(targets, o.displayPath(targets), fromAgent); err != nil {
		o.logger.Warn("parallel start event not emitted", "err", err)
	}
	o.logger.Info("starting parallel execution", "count", len(targets), "agents", strings.Join(targets, ", "))

	type branchOutcome struct {
		agentID string
		reply   bedrock.Reply
		err     error
	}
	outcomes := make(chan branchOutcome, len(targets))
	for _, target := range targets {
		go func(agentID string) {
			reply, err := o.invoke(ctx, agentID, prompts[agentID], t.sessionID)
			outcomes <- branchOutcome{agentID: agentID, reply: reply, err: err}
		}(target)
	}

	total := len(targets)
	results := make([]parallelResult, 0, total)
	finished := make(map[string]bool, total)
	deadline := time.NewTimer(o.parallelTimeout)
	defer deadline.Stop()

collect:
	for len(results) < total {
		select {
		case outcome := <-outcomes:
			finished[outcome.agentID] = true
			name := o.displayName(outcome.agentID)
			if outcome.err != nil {
				results = append(results, parallelResult{AgentID: outcome.agentID, Err: outcome.err.Error()})
				if err := t.emitter.ParallelNodeFailed(outcome.agentID, name, outcome.err.Error(), len(results), total); err != nil {
					o.logger.Warn("parallel failure event not emitted", "err", err)
				}
				o.logger.Warn("parallel agent failed", "agent", outcome.agentID, "err", outcome.err)
				continue
			}
			results = append(results, parallelResult{AgentID: outcome.agentID, Response: outcome.reply.Text})
			if err := t.emitter.ParallelNodeCompleted(outcome.agentID, name, outcome.reply.Text, len(results), total); err != nil {
				o.logger.Warn("parallel completion event not emitted", "err", err)
			}
			o.logger.Info("parallel agent completed", "agent", outcome.agentID, "progress", fmt.Sprintf("%d/%d", len(results), total))

		case <-deadline.C:
			o.logger.Warn("parallel execution timed out", "timeout", o.parallelTimeout)
			break collect

		case <-ctx.Done():
			return results, ctx.Err()
		}
	}

	for _, target := range targets {
		if !finished[target] {
			results = append(results, parallelResult{AgentID: target, Err: "timeout"})
		}
	}
	o.logger.Info("parallel execution complete", "results", len(results), "total", total)
	return results, nil
}
