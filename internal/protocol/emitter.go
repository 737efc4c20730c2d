package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Emitter stamps the wire envelope onto events and writes each one as a
// single JSON line. Writes are unbuffered and serialized so concurrent
// branches never interleave partial lines.
type Emitter struct {
	mu         sync.Mutex
	out        io.Writer
	workflowID string
	traceID    string
	sessionID  string
	turnNumber int
	now        func() time.Time
}

// NewEmitter constructs an emitter bound to one workflow turn.
func NewEmitter(out io.Writer, workflowID, traceID string, turnNumber int) (*Emitter, error) {
	if out == nil {
		return nil, errors.New("output writer is required")
	}
	workflowID = strings.TrimSpace(workflowID)
	if workflowID == "" {
		return nil, errors.New("workflow id must not be empty")
	}
	traceID = strings.TrimSpace(traceID)
	if traceID == "" {
		return nil, errors.New("trace id must not be empty")
	}
	if turnNumber < 1 {
		return nil, errors.New("turn number must be >= 1")
	}

	return &Emitter{
		out:        out,
		workflowID: workflowID,
		traceID:    traceID,
		turnNumber: turnNumber,
		now:        time.Now,
	}, nil
}

// WithSessionID attaches a session identifier to every emitted event.
func (e *Emitter) WithSessionID(sessionID string) *Emitter {
	if e == nil {
		return nil
	}
	e.sessionID = strings.TrimSpace(sessionID)
	return e
}

// Emit stamps the envelope and writes the event as one line. The caller
// fills only the kind-specific fields.
func (e *Emitter) Emit(event Event) error {
	if e == nil {
		return errors.New("emitter is nil")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	event.Timestamp = e.now().UnixMilli()
	event.WorkflowID = e.workflowID
	event.TraceID = e.traceID
	event.TurnNumber = e.turnNumber
	if event.SessionID == "" {
		event.SessionID = e.sessionID
	}
	if err := event.Validate(); err != nil {
		return fmt.Errorf("emit %s event: %w", event.Type, err)
	}

	encoded, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event.Type, err)
	}
	if _, err := e.out.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("write %s event: %w", event.Type, err)
	}
	return nil
}

// GraphStructure emits the workflow topology.
func (e *Emitter) GraphStructure(graph Graph) error {
	return e.Emit(Event{Type: EventGraphStructure, Graph: &graph})
}

// NodeStart emits the beginning of one agent invocation.
func (e *Emitter) NodeStart(nodeID, nodeName, fromAgent, handoffPrompt string) error {
	return e.Emit(Event{
		Type:          EventNodeStart,
		NodeID:        nodeID,
		NodeName:      nodeName,
		FromAgent:     fromAgent,
		HandoffPrompt: handoffPrompt,
	})
}

// NodeCompleted emits a successful agent invocation with its response.
func (e *Emitter) NodeCompleted(nodeID, nodeName, response string) error {
	return e.Emit(Event{
		Type:     EventNodeStop,
		NodeID:   nodeID,
		NodeName: nodeName,
		Status:   StatusCompleted,
		Response: response,
	})
}

// NodeFailed emits a failed agent invocation with its error text.
func (e *Emitter) NodeFailed(nodeID, nodeName, message string) error {
	return e.Emit(Event{
		Type:     EventNodeStop,
		NodeID:   nodeID,
		NodeName: nodeName,
		Status:   StatusError,
		Error:    message,
	})
}

// RouterDecision emits one successful fast-model routing outcome.
func (e *Emitter) RouterDecision(routerModel, fromAgent, nextAgent string, duration time.Duration, agentSuggestion string) error {
	return e.Emit(Event{
		Type:            EventRouterDecision,
		RouterModel:     routerModel,
		FromAgent:       fromAgent,
		NextAgent:       nextAgent,
		DurationMS:      duration.Milliseconds(),
		AgentSuggestion: agentSuggestion,
	})
}

// WorkflowComplete emits the normal end of a workflow turn.
func (e *Emitter) WorkflowComplete(finalAgent string) error {
	return e.Emit(Event{
		Type:       EventWorkflowComplete,
		FinalAgent: finalAgent,
		Status:     StatusSuccess,
	})
}

// WorkflowError emits the failing end of a workflow turn.
func (e *Emitter) WorkflowError(message string) error {
	return e.Emit(Event{
		Type:   EventWorkflowError,
		Error:  message,
		Status: StatusFailed,
	})
}

// WorkflowInterrupted emits the end of a workflow turn that an operator
// signal cut short.
func (e *Emitter) WorkflowInterrupted(message string) error {
	return e.Emit(Event{
		Type:   EventWorkflowError,
		Error:  message,
		Status: StatusInterrupted,
	})
}

// ParallelNodeStart emits a fan-out of concurrent agent invocations.
func (e *Emitter) ParallelNodeStart(nodeIDs, nodeNames []string, fromAgent string) error {
	return e.Emit(Event{
		Type:      EventParallelNodeStart,
		NodeIDs:   nodeIDs,
		NodeNames: nodeNames,
		FromAgent: fromAgent,
	})
}

// ParallelNodeCompleted emits one finished branch of a fan-out along with
// the overall fan-out progress.
func (e *Emitter) ParallelNodeCompleted(nodeID, nodeName, response string, completed, total int) error {
	return e.Emit(Event{
		Type:           EventParallelNodeStop,
		NodeID:         nodeID,
		NodeName:       nodeName,
		Status:         StatusCompleted,
		Response:       response,
		CompletedCount: completed,
		TotalCount:     total,
	})
}

// ParallelNodeFailed emits one failed branch of a fan-out along with the
// overall fan-out progress.
func (e *Emitter) ParallelNodeFailed(nodeID, nodeName, message string, completed, total int) error {
	return e.Emit(Event{
		Type:           EventParallelNodeStop,
		NodeID:         nodeID,
		NodeName:       nodeName,
		Status:         StatusError,
		Error:          message,
		CompletedCount: completed,
		TotalCount:     total,
	})
}

// ConvergenceReady emits that every parallel branch finished and the
// convergence agent is about to run.
func (e *Emitter) ConvergenceReady(convergenceNode string, completedAgents []string) error {
	return e.Emit(Event{
		Type:            EventConvergenceReady,
		ConvergenceNode: convergenceNode,
		CompletedAgents: completedAgents,
	})
}
