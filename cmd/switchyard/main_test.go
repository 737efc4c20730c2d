package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/switchyard-ai/switchyard/internal/config"
	"github.com/switchyard-ai/switchyard/internal/protocol"
	"github.com/switchyard-ai/switchyard/internal/runner"
)

func TestRootCommandVersionFlag(t *testing.T) {
	originalVersion := Version
	defer func() {
		Version = originalVersion
	}()
	Version = "v0.1.0-test"
	cmd := newRootCommand(&config.Config{}, testLogger())

	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stdout)
	cmd.SetArgs([]string{"--version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	output := strings.TrimSpace(stdout.String())
	if output != "v0.1.0-test" {
		t.Fatalf("version output = %q, want %q", output, "v0.1.0-test")
	}
}

func TestRootCommandHelpListsExpectedSubcommands(t *testing.T) {
	cmd := newRootCommand(&config.Config{}, testLogger())
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stdout)
	cmd.SetArgs([]string{"--help"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	output := stdout.String()
	expected := []string{"run", "chat", "orchestrate", "validate", "bugreport"}
	for _, name := range expected {
		if !strings.Contains(output, name) {
			t.Fatalf("help output missing %q: %s", name, output)
		}
	}
}

func TestExitErrorMessage(t *testing.T) {
	withMessage := &ExitError{Code: 1, Message: "Error: --prompt cannot be empty"}
	if got := withMessage.Error(); got != withMessage.Message {
		t.Fatalf("Error() = %q, want %q", got, withMessage.Message)
	}

	bare := &ExitError{Code: 130}
	if got := bare.Error(); got != "exit code 130" {
		t.Fatalf("Error() = %q, want %q", got, "exit code 130")
	}
}

func TestExitFromStatus(t *testing.T) {
	zero := 0
	three := 3
	sigterm := "SIGTERM"

	tests := []struct {
		name     string
		status   runner.ExitStatus
		wantCode int
		wantNil  bool
	}{
		{name: "clean exit", status: runner.ExitStatus{Code: &zero}, wantNil: true},
		{name: "failure code mirrored", status: runner.ExitStatus{Code: &three}, wantCode: 3},
		{name: "signal death maps to 1", status: runner.ExitStatus{Signal: &sigterm}, wantCode: 1},
		{name: "never started maps to 1", status: runner.ExitStatus{}, wantCode: 1},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			err := exitFromStatus(tc.status)
			if tc.wantNil {
				if err != nil {
					t.Fatalf("exitFromStatus = %v, want nil", err)
				}
				return
			}
			var exitErr *ExitError
			if !errors.As(err, &exitErr) {
				t.Fatalf("exitFromStatus = %T, want *ExitError", err)
			}
			if exitErr.Code != tc.wantCode {
				t.Fatalf("exit code = %d, want %d", exitErr.Code, tc.wantCode)
			}
		})
	}
}

func TestRenderWorkflowEvent(t *testing.T) {
	tests := []struct {
		name  string
		event protocol.Event
		want  string
	}{
		{
			name: "graph structure",
			event: protocol.Event{
				Type: protocol.EventGraphStructure,
				Graph: &protocol.Graph{
					Nodes: []protocol.GraphNode{{ID: "triage"}, {ID: "billing"}},
					Edges: []protocol.GraphEdge{{From: "triage", To: "billing"}},
				},
			},
			want: "[graph] 2 nodes, 1 edges",
		},
		{
			name:  "node start with display name",
			event: protocol.Event{Type: protocol.EventNodeStart, NodeID: "triage", NodeName: "Triage"},
			want:  "[start] Triage (triage)",
		},
		{
			name:  "node start with hand-off origin",
			event: protocol.Event{Type: protocol.EventNodeStart, NodeID: "billing", FromAgent: "triage"},
			want:  "[start] billing (from triage)",
		},
		{
			name:  "node stop completed",
			event: protocol.Event{Type: protocol.EventNodeStop, NodeID: "triage", Status: protocol.StatusCompleted},
			want:  "[stop]  triage",
		},
		{
			name:  "node stop error",
			event: protocol.Event{Type: protocol.EventNodeStop, NodeID: "triage", Status: protocol.StatusError, Error: "runtime unreachable"},
			want:  "[stop]  triage error: runtime unreachable",
		},
		{
			name:  "router decision",
			event: protocol.Event{Type: protocol.EventRouterDecision, RouterModel: "haiku", NextAgent: "billing", DurationMS: 42},
			want:  "[route] haiku -> billing (42ms)",
		},
		{
			name:  "parallel fan-out",
			event: protocol.Event{Type: protocol.EventParallelNodeStart, NodeIDs: []string{"a", "b"}},
			want:  "[fan-out] a, b",
		},
		{
			name:  "parallel branch done",
			event: protocol.Event{Type: protocol.EventParallelNodeStop, NodeID: "a", Status: protocol.StatusCompleted, CompletedCount: 1, TotalCount: 2},
			want:  "[branch] a done (1/2)",
		},
		{
			name:  "parallel branch error",
			event: protocol.Event{Type: protocol.EventParallelNodeStop, NodeID: "b", Status: protocol.StatusError, Error: "boom", CompletedCount: 2, TotalCount: 2},
			want:  "[branch] b error: boom (2/2)",
		},
		{
			name:  "convergence with node",
			event: protocol.Event{Type: protocol.EventConvergenceReady, ConvergenceNode: "merge", CompletedAgents: []string{"a", "b"}},
			want:  "[converge] merge after a, b",
		},
		{
			name:  "convergence without node",
			event: protocol.Event{Type: protocol.EventConvergenceReady, CompletedAgents: []string{"a", "b"}},
			want:  "[converge] none, branches done: a, b",
		},
		{
			name:  "workflow complete",
			event: protocol.Event{Type: protocol.EventWorkflowComplete, FinalAgent: "billing"},
			want:  "[done] final agent billing",
		},
		{
			name:  "workflow complete without final agent",
			event: protocol.Event{Type: protocol.EventWorkflowComplete},
			want:  "[done]",
		},
		{
			name:  "workflow error",
			event: protocol.Event{Type: protocol.EventWorkflowError, Status: protocol.StatusFailed, Error: "agent invocation failed"},
			want:  "[error] agent invocation failed",
		},
		{
			name:  "workflow interrupted",
			event: protocol.Event{Type: protocol.EventWorkflowError, Status: protocol.StatusInterrupted, Error: "workflow interrupted"},
			want:  "[interrupted] workflow interrupted",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := renderWorkflowEvent(tc.event); got != tc.want {
				t.Fatalf("renderWorkflowEvent = %q, want %q", got, tc.want)
			}
		})
	}
}

func testLogger() *log.Logger {
	return log.NewWithOptions(&bytes.Buffer{}, log.Options{})
}
