package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// EventType identifies one kind in the closed workflow event set.
type EventType string

const (
	// EventGraphStructure announces the node/edge topology before execution.
	EventGraphStructure EventType = "graph_structure"
	// EventNodeStart marks one agent invocation beginning.
	EventNodeStart EventType = "node_start"
	// EventNodeStop marks one agent invocation ending, carrying its response.
	EventNodeStop EventType = "node_stop"
	// EventRouterDecision reports a successful fast-model routing decision.
	EventRouterDecision EventType = "router_decision"
	// EventWorkflowComplete marks a workflow turn finishing normally.
	EventWorkflowComplete EventType = "workflow_complete"
	// EventWorkflowError marks a workflow turn failing.
	EventWorkflowError EventType = "workflow_error"
	// EventParallelNodeStart marks a fan-out of concurrent agent invocations.
	EventParallelNodeStart EventType = "parallel_node_start"
	// EventParallelNodeStop marks one branch of a fan-out ending.
	EventParallelNodeStop EventType = "parallel_node_stop"
	// EventConvergenceReady marks all parallel branches done and the
	// convergence agent about to run.
	EventConvergenceReady EventType = "convergence_ready"
)

const (
	// StatusCompleted marks a node invocation that finished successfully.
	StatusCompleted = "completed"
	// StatusError marks a node invocation that failed.
	StatusError = "error"
	// StatusSuccess marks a workflow turn that finished successfully.
	StatusSuccess = "success"
	// StatusFailed marks a workflow turn that failed.
	StatusFailed = "failed"
	// StatusInterrupted marks a workflow turn cut short by the operator.
	StatusInterrupted = "interrupted"
)

// GraphNode is one agent node in the published topology.
type GraphNode struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// GraphEdge is one permitted transition in the published topology.
type GraphEdge struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"`
}

// Graph is the topology payload carried by graph_structure events.
type Graph struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// Event is the wire envelope plus the union of kind-specific fields.
// The orchestrator writes exactly one JSON object per stdout line; the
// envelope fields (event_type, timestamp in epoch milliseconds, workflow_id,
// trace_id, turn_number) are mandatory on every kind.
type Event struct {
	Type       EventType `json:"event_type"`
	Timestamp  int64     `json:"timestamp"`
	WorkflowID string    `json:"workflow_id"`
	TraceID    string    `json:"trace_id"`
	TurnNumber int       `json:"turn_number"`
	SessionID  string    `json:"session_id,omitempty"`

	// node_start / node_stop / parallel_node_stop
	NodeID        string `json:"node_id,omitempty"`
	NodeName      string `json:"node_name,omitempty"`
	FromAgent     string `json:"from_agent,omitempty"`
	HandoffPrompt string `json:"handoff_prompt,omitempty"`
	Status        string `json:"status,omitempty"`
	Response      string `json:"response,omitempty"`
	Error         string `json:"error,omitempty"`

	// graph_structure
	Graph *Graph `json:"graph,omitempty"`

	// router_decision
	RouterModel     string `json:"router_model,omitempty"`
	NextAgent       string `json:"next_agent,omitempty"`
	DurationMS      int64  `json:"duration_ms,omitempty"`
	AgentSuggestion string `json:"agent_suggestion,omitempty"`

	// parallel_node_start / convergence_ready
	NodeIDs         []string `json:"node_ids,omitempty"`
	NodeNames       []string `json:"node_names,omitempty"`
	ConvergenceNode string   `json:"convergence_node,omitempty"`
	CompletedAgents []string `json:"completed_agents,omitempty"`

	// parallel_node_stop fan-out progress
	CompletedCount int `json:"completed_count,omitempty"`
	TotalCount     int `json:"total_count,omitempty"`

	// workflow_complete
	FinalAgent string `json:"final_agent,omitempty"`
}

// ErrUnknownEventType indicates a line whose event_type is outside the
// closed kind set. Consumers discard such lines rather than fail the run.
var ErrUnknownEventType = errors.New("unknown event type")

// Decode parses one stdout line into a validated Event.
func Decode(line []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(line, &event); err != nil {
		return Event{}, fmt.Errorf("decode event line: %w", err)
	}
	if err := event.Validate(); err != nil {
		return Event{}, err
	}
	return event, nil
}

// Validate checks the envelope and the kind-specific required fields.
func (e Event) Validate() error {
	if !isKnownType(e.Type) {
		return fmt.Errorf("%w %q", ErrUnknownEventType, e.Type)
	}
	if e.Timestamp <= 0 {
		return errors.New("timestamp must be a positive epoch millisecond value")
	}
	if strings.TrimSpace(e.WorkflowID) == "" {
		return errors.New("workflow id must not be empty")
	}
	if strings.TrimSpace(e.TraceID) == "" {
		return errors.New("trace id must not be empty")
	}
	if e.TurnNumber < 1 {
		return errors.New("turn number must be >= 1")
	}

	switch e.Type {
	case EventGraphStructure:
		if e.Graph == nil {
			return errors.New("graph_structure event missing graph payload")
		}
	case EventNodeStart:
		if strings.TrimSpace(e.NodeID) == "" {
			return errors.New("node_start event missing node_id")
		}
	case EventNodeStop, EventParallelNodeStop:
		if strings.TrimSpace(e.NodeID) == "" {
			return fmt.Errorf("%s event missing node_id", e.Type)
		}
		if e.Status != StatusCompleted && e.Status != StatusError {
			return fmt.Errorf("%s event has unsupported status %q", e.Type, e.Status)
		}
	case EventRouterDecision:
		if strings.TrimSpace(e.RouterModel) == "" {
			return errors.New("router_decision event missing router_model")
		}
		if strings.TrimSpace(e.NextAgent) == "" {
			return errors.New("router_decision event missing next_agent")
		}
	case EventParallelNodeStart:
		if len(e.NodeIDs) == 0 {
			return errors.New("parallel_node_start event missing node_ids")
		}
	case EventWorkflowError:
		if strings.TrimSpace(e.Error) == "" {
			return errors.New("workflow_error event missing error")
		}
	}
	return nil
}

// Terminal reports whether the event ends a workflow turn.
func (e Event) Terminal() bool {
	return e.Type == EventWorkflowComplete || e.Type == EventWorkflowError
}

func isKnownType(value EventType) bool {
	switch value {
	case EventGraphStructure,
		EventNodeStart,
		EventNodeStop,
		EventRouterDecision,
		EventWorkflowComplete,
		EventWorkflowError,
		EventParallelNodeStart,
		EventParallelNodeStop,
		EventConvergenceReady:
		return true
	default:
		return false
	}
}
