package orchestrator

import (
	"context"
	"testing"

	"github.com/switchyard-ai/switchyard/internal/config"
)

func TestGraphFollowsExplicitRouteDirective(t *testing.T) {
	t.Parallel()

	cfg := testConfig(config.PatternGraph, "triage")
	cfg.Routing.Static = map[string]string{"billing": ""}
	cfg.Agents.DisplayNames = map[string]string{"triage": "Triage", "billing": "Billing Desk"}

	invoker := &fakeInvoker{}
	invoker.script("triage", scriptedReply{raw: `{"response": "needs billing", "route_to": "billing"}`})
	invoker.script("billing", scriptedReply{raw: `{"response": "refund issued"}`})
	orch, out := newTestOrchestrator(t, cfg, testRoster(t, "billing", "triage"), invoker)

	if err := orch.Run(context.Background(), testParams("fix my invoice")); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	events := decodeEvents(t, out)
	want := "graph_structure node_start node_stop node_start node_stop workflow_complete"
	if got := eventKinds(events); got != want {
		t.Fatalf("event kinds = %q, want %q", got, want)
	}

	first := events[1]
	if first.NodeID != "triage" || first.FromAgent != "" || first.HandoffPrompt != "fix my invoice" {
		t.Fatalf("first node_start = %s from %q prompt %q", first.NodeID, first.FromAgent, first.HandoffPrompt)
	}

	second := events[3]
	if second.NodeID != "billing" || second.NodeName != "Billing Desk" || second.FromAgent != "Triage" {
		t.Fatalf("second node_start = %s/%s from %q", second.NodeID, second.NodeName, second.FromAgent)
	}
	wantPrompt := "Previous agent (Triage) response:\nneeds billing\n\nOriginal request: fix my invoice"
	if second.HandoffPrompt != wantPrompt {
		t.Fatalf("handoff prompt = %q, want %q", second.HandoffPrompt, wantPrompt)
	}
	if got := invoker.promptFor(t, "billing"); got != wantPrompt {
		t.Fatalf("billing prompt = %q, want %q", got, wantPrompt)
	}

	final := lastEvent(t, events)
	if final.FinalAgent != "billing" {
		t.Fatalf("final agent = %q, want billing", final.FinalAgent)
	}
}

func TestGraphRoutesByClassificationLabel(t *testing.T) {
	t.Parallel()

	cfg := testConfig(config.PatternGraph, "triage")
	cfg.Routing.Classification = map[string]string{"billing": "billing"}

	invoker := &fakeInvoker{}
	invoker.script("triage", scriptedReply{raw: `{"response": "looks like a payment issue", "classification": "Billing"}`})
	invoker.script("billing", scriptedReply{raw: `{"response": "handled"}`})
	orch, out := newTestOrchestrator(t, cfg, testRoster(t, "billing", "triage"), invoker)

	if err := orch.Run(context.Background(), testParams("card got charged twice")); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	calls := invoker.invocations()
	if len(calls) != 2 || calls[0].agentID != "triage" || calls[1].agentID != "billing" {
		t.Fatalf("invocations = %+v, want triage then billing", calls)
	}
	if final := lastEvent(t, decodeEvents(t, out)); final.FinalAgent != "billing" {
		t.Fatalf("final agent = %q, want billing", final.FinalAgent)
	}
}

func TestGraphStaticRouteChainsAgents(t *testing.T) {
	t.Parallel()

	cfg := testConfig(config.PatternGraph, "collector")
	cfg.Routing.Static = map[string]string{"collector": "reporter", "reporter": ""}

	invoker := &fakeInvoker{}
	invoker.script("collector", scriptedReply{raw: `{"response": "data gathered"}`})
	invoker.script("reporter", scriptedReply{raw: `{"response": "report written"}`})
	orch, out := newTestOrchestrator(t, cfg, testRoster(t, "collector", "reporter"), invoker)

	if err := orch.Run(context.Background(), testParams("compile the weekly report")); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	calls := invoker.invocations()
	if len(calls) != 2 || calls[1].agentID != "reporter" {
		t.Fatalf("invocations = %+v, want collector then reporter", calls)
	}
	if final := lastEvent(t, decodeEvents(t, out)); final.FinalAgent != "reporter" {
		t.Fatalf("final agent = %q, want reporter", final.FinalAgent)
	}
}

func TestGraphSessionIDIsSharedAcrossInvocations(t *testing.T) {
	t.Parallel()

	cfg := testConfig(config.PatternGraph, "triage")
	invoker := &fakeInvoker{}
	invoker.script("triage", scriptedReply{raw: `{"response": "a", "route_to": "billing"}`})
	orch, _ := newTestOrchestrator(t, cfg, testRoster(t, "billing", "triage"), invoker)

	if err := orch.Run(context.Background(), testParams("hello")); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	for _, call := range invoker.invocations() {
		if call.sessionID != "session-test" {
			t.Fatalf("agent %s got session %q, want session-test", call.agentID, call.sessionID)
		}
	}
}
