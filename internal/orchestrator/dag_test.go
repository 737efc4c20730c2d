package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/switchyard-ai/switchyard/internal/config"
	"github.com/switchyard-ai/switchyard/internal/protocol"
)

func dagConfig(dag map[string][]string) *config.Config {
	cfg := testConfig(config.PatternDAG, "")
	cfg.Workflow.DAG = dag
	return cfg
}

func TestDAGExecutesWavesInDependencyOrder(t *testing.T) {
	t.Parallel()

	cfg := dagConfig(map[string][]string{
		"fetch":  {},
		"prices": {},
		"merge":  {"fetch", "prices"},
	})
	cfg.Agents.DisplayNames = map[string]string{"merge": "Merge Results"}

	invoker := &fakeInvoker{}
	invoker.script("fetch", scriptedReply{raw: `{"response": "fetched 10 rows"}`})
	invoker.script("prices", scriptedReply{raw: `{"response": "got 3 quotes"}`})
	invoker.script("merge", scriptedReply{raw: `{"response": "combined report"}`})
	orch, out := newTestOrchestrator(t, cfg, testRoster(t, "fetch", "merge", "prices"), invoker)

	if err := orch.Run(context.Background(), testParams("quarterly report")); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	events := decodeEvents(t, out)
	want := "graph_structure node_start node_start node_stop node_stop node_start node_stop workflow_complete"
	if got := eventKinds(events); got != want {
		t.Fatalf("event kinds = %q, want %q", got, want)
	}

	// First wave starts in lexical order before any completion arrives.
	if events[1].NodeID != "fetch" || events[2].NodeID != "prices" {
		t.Fatalf("first wave starts = %s, %s, want fetch, prices", events[1].NodeID, events[2].NodeID)
	}
	if events[1].FromAgent != "" || events[1].HandoffPrompt != "" {
		t.Fatalf("dag node_start carries from_agent %q prompt %q, want neither", events[1].FromAgent, events[1].HandoffPrompt)
	}

	waveStops := map[string]bool{events[3].NodeID: true, events[4].NodeID: true}
	if !waveStops["fetch"] || !waveStops["prices"] {
		t.Fatalf("first wave stops = %v, want fetch and prices", waveStops)
	}

	if events[5].NodeID != "merge" || events[5].NodeName != "Merge Results" {
		t.Fatalf("second wave start = %s/%s, want merge/Merge Results", events[5].NodeID, events[5].NodeName)
	}

	mergePrompt := invoker.promptFor(t, "merge")
	for _, fragment := range []string{
		"Previous task results:",
		"\nfetch:\nfetched 10 rows",
		"\nprices:\ngot 3 quotes",
		"Original request: quarterly report",
	} {
		if !strings.Contains(mergePrompt, fragment) {
			t.Fatalf("merge prompt missing %q:\n%s", fragment, mergePrompt)
		}
	}

	if final := lastEvent(t, events); final.FinalAgent != "merge" {
		t.Fatalf("final agent = %q, want merge", final.FinalAgent)
	}
}

func TestDAGFailedTaskFinishesWaveThenFailsRun(t *testing.T) {
	t.Parallel()

	cfg := dagConfig(map[string][]string{
		"fetch":  {},
		"prices": {},
		"merge":  {"fetch", "prices"},
	})

	invoker := &fakeInvoker{}
	invoker.script("fetch", scriptedReply{raw: `{"response": "rows ready"}`, delay: 30 * time.Millisecond})
	invoker.script("prices", scriptedReply{err: errors.New("source down")})
	orch, out := newTestOrchestrator(t, cfg, testRoster(t, "fetch", "merge", "prices"), invoker)

	err := orch.Run(context.Background(), testParams("quarterly report"))
	if err == nil || err.Error() != "Task prices failed: source down" {
		t.Fatalf("Run() error = %v, want task failure", err)
	}

	for _, call := range invoker.invocations() {
		if call.agentID == "merge" {
			t.Fatal("merge ran despite failed dependency")
		}
	}

	events := decodeEvents(t, out)
	var sawFetchStop, sawPricesStop bool
	for _, event := range events {
		if event.Type != protocol.EventNodeStop {
			continue
		}
		switch event.NodeID {
		case "fetch":
			sawFetchStop = event.Status == protocol.StatusCompleted
		case "prices":
			sawPricesStop = event.Status == protocol.StatusError && event.Error == "source down"
		}
	}
	if !sawFetchStop || !sawPricesStop {
		t.Fatalf("wave stops incomplete: fetch=%t prices=%t", sawFetchStop, sawPricesStop)
	}
	if final := lastEvent(t, events); final.Type != protocol.EventWorkflowError || final.Status != protocol.StatusFailed {
		t.Fatalf("final event = %s/%s, want workflow_error/failed", final.Type, final.Status)
	}
}

func TestDAGEmptyGraphFailsTheRun(t *testing.T) {
	t.Parallel()

	orch, out := newTestOrchestrator(t, dagConfig(nil), testRoster(t, "fetch"), &fakeInvoker{})

	err := orch.Run(context.Background(), testParams("anything"))
	if err == nil || !strings.Contains(err.Error(), "workflow dag is empty") {
		t.Fatalf("Run() error = %v, want empty dag error", err)
	}
	if final := lastEvent(t, decodeEvents(t, out)); final.Type != protocol.EventWorkflowError {
		t.Fatalf("final event = %s, want workflow_error", final.Type)
	}
}

func TestValidateDAG(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		dag     map[string][]string
		wantErr string
	}{
		{
			name:    "valid diamond",
			dag:     map[string][]string{"a": {}, "b": {"a"}, "c": {"a"}, "d": {"b", "c"}},
			wantErr: "",
		},
		{
			name:    "unknown dependency",
			dag:     map[string][]string{"a": {"ghost"}},
			wantErr: `task "a" depends on unknown task "ghost"`,
		},
		{
			name:    "two task cycle",
			dag:     map[string][]string{"a": {"b"}, "b": {"a"}},
			wantErr: "contains a cycle",
		},
		{
			name:    "self cycle",
			dag:     map[string][]string{"a": {"a"}},
			wantErr: "contains a cycle",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateDAG(tt.dag)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("ValidateDAG() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("ValidateDAG() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestFinalTaskResponsePrefersTerminalTask(t *testing.T) {
	t.Parallel()

	dag := map[string][]string{"a": {}, "b": {"a"}, "z": {"a"}}
	results := map[string]string{"a": "base", "b": "branch b", "z": "branch z"}

	if got := finalTaskResponse(dag, results, []string{"a", "b", "z"}); got != "branch b" {
		t.Fatalf("finalTaskResponse() = %q, want %q", got, "branch b")
	}
}
