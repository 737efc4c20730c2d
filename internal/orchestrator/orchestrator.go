// Package orchestrator executes one workflow turn: it walks remote agents
// according to the configured pattern, emits the JSON event stream on
// stdout, and prints human diagnostics on stderr. It is the program the
// lifecycle manager supervises.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/switchyard-ai/switchyard/internal/bedrock"
	"github.com/switchyard-ai/switchyard/internal/config"
	"github.com/switchyard-ai/switchyard/internal/conversation"
	"github.com/switchyard-ai/switchyard/internal/protocol"
	"github.com/switchyard-ai/switchyard/internal/roster"
	"github.com/switchyard-ai/switchyard/internal/routing"
	"github.com/switchyard-ai/switchyard/internal/telemetry"
)

// ErrInterrupted marks a workflow turn cut short by an operator signal.
// Callers map it to exit code 130.
var ErrInterrupted = errors.New("workflow interrupted")

// defaultParallelTimeout bounds one swarm fan-out end to end.
const defaultParallelTimeout = 5 * time.Minute

// AgentInvoker invokes one remote agent and returns its reply.
type AgentInvoker interface {
	InvokeAgent(ctx context.Context, agent roster.Agent, prompt, sessionID string) (bedrock.Reply, error)
}

// Params identifies the workflow turn being executed. The lifecycle manager
// supplies them on the command line; they are validated before Run.
type Params struct {
	Prompt       string
	WorkflowID   string
	TraceID      string
	TurnNumber   int
	Conversation *conversation.Context
}

// Orchestrator drives one workflow turn to a terminal event.
type Orchestrator struct {
	workflow config.WorkflowConfig
	agents   config.AgentsConfig
	events   config.EventsConfig
	routing  routing.Config
	guidance string

	roster  *roster.Roster
	invoker AgentInvoker
	model   routing.ModelInvoker

	out    io.Writer
	diag   io.Writer
	logger *log.Logger

	newSessionID    func() string
	now             func() time.Time
	parallelTimeout time.Duration
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithOutput redirects the event stream away from stdout.
func WithOutput(out io.Writer) Option {
	return func(o *Orchestrator) {
		if out != nil {
			o.out = out
		}
	}
}

// WithDiagnostics redirects the human-readable banners away from stderr.
func WithDiagnostics(diag io.Writer) Option {
	return func(o *Orchestrator) {
		if diag != nil {
			o.diag = diag
		}
	}
}

// WithLogger sets the diagnostics logger.
func WithLogger(logger *log.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithSessionIDSource replaces the session id generator.
func WithSessionIDSource(source func() string) Option {
	return func(o *Orchestrator) {
		if source != nil {
			o.newSessionID = source
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithParallelTimeout bounds one swarm fan-out.
func WithParallelTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) {
		if timeout > 0 {
			o.parallelTimeout = timeout
		}
	}
}

// New creates an orchestrator from loaded configuration. The model invoker
// is required only when the fast-model routing strategy is enabled.
func New(cfg *config.Config, ros *roster.Roster, invoker AgentInvoker, model routing.ModelInvoker, options ...Option) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if ros == nil {
		return nil, errors.New("agent roster is required")
	}
	if invoker == nil {
		return nil, errors.New("agent invoker is required")
	}
	if cfg.Routing.Enabled && model == nil {
		return nil, errors.New("model invoker is required when fast-model routing is enabled")
	}

	guidance, err := routing.LoadGuidance(cfg.Routing.GuidancePath)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		workflow: cfg.Workflow,
		agents:   cfg.Agents,
		events:   cfg.Events,
		routing: routing.Config{
			Enabled:          cfg.Routing.Enabled,
			Model:            cfg.Routing.Model,
			Timeout:          cfg.Routing.Timeout,
			FallbackSilently: cfg.Routing.FallbackSilently,
			Classification:   cfg.Routing.Classification,
			Static:           cfg.Routing.Static,
		},
		guidance:        guidance,
		roster:          ros,
		invoker:         invoker,
		model:           model,
		out:             os.Stdout,
		diag:            os.Stderr,
		logger:          log.Default(),
		newSessionID:    uuid.NewString,
		now:             time.Now,
		parallelTimeout: defaultParallelTimeout,
	}
	for _, option := range options {
		option(o)
	}
	return o, nil
}

// turn is the mutable state of one workflow turn execution.
type turn struct {
	emitter   *protocol.Emitter
	engine    *routing.Engine
	sessionID string
	params    Params

	// prompt is what the next agent receives; it starts as the operator
	// prompt (wrapped with conversation history on follow-up turns) and is
	// rewritten at each hand-off.
	prompt       string
	previousName string
	invoked      []string
	lastResponse string
}

// Run executes the configured pattern for one turn. Every outcome emits a
// terminal event before Run returns: workflow_complete on success,
// workflow_error otherwise. The returned error is ErrInterrupted when an
// operator signal cut the turn short.
func (o *Orchestrator) Run(ctx context.Context, params Params) error {
	start := o.now()
	sessionID := o.newSessionID()

	emitter, err := protocol.NewEmitter(o.out, params.WorkflowID, params.TraceID, params.TurnNumber)
	if err != nil {
		return err
	}
	emitter.WithSessionID(sessionID)

	engine, err := routing.NewEngine(o.model, &emitterRecorder{emitter: emitter}, o.logger, o.routing)
	if err != nil {
		return err
	}

	ctx, span := telemetry.StartTurn(ctx, params.WorkflowID, params.TraceID, params.TurnNumber)
	defer span.End()

	t := &turn{
		emitter:   emitter,
		engine:    engine,
		sessionID: sessionID,
		params:    params,
		prompt:    params.Prompt,
	}
	if params.Conversation != nil {
		t.prompt = params.Conversation.PromptWithHistory(params.Prompt)
		if t.prompt != params.Prompt {
			o.logger.Info("built prompt from conversation history", "turns", len(params.Conversation.Turns))
		}
	}

	o.printHeader(params, sessionID)
	o.warnMissingEnvironment()

	if err := emitter.GraphStructure(o.topology()); err != nil {
		o.logger.Warn("graph structure event not emitted", "err", err)
	}

	var runErr error
	switch o.workflow.Pattern {
	case config.PatternSwarm:
		runErr = o.runSwarm(ctx, t)
	case config.PatternDAG:
		runErr = o.runDAG(ctx, t)
	default:
		runErr = o.runGraph(ctx, t)
	}

	if runErr != nil {
		if interrupted(ctx, runErr) {
			const message = "Workflow interrupted by user"
			o.logger.Warn("workflow interrupted by operator signal")
			if err := emitter.WorkflowInterrupted(message); err != nil {
				o.logger.Warn("workflow interrupt event not emitted", "err", err)
			}
			o.printErrorSummary(start, params, sessionID, message, t.invoked)
			span.SetStatus(codes.Error, "interrupted")
			return ErrInterrupted
		}

		o.logger.Error("workflow failed", "err", runErr)
		if err := emitter.WorkflowError(runErr.Error()); err != nil {
			o.logger.Warn("workflow error event not emitted", "err", err)
		}
		o.printErrorSummary(start, params, sessionID, runErr.Error(), t.invoked)
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "workflow failed")
		return runErr
	}

	finalAgent := ""
	if len(t.invoked) > 0 {
		finalAgent = t.invoked[len(t.invoked)-1]
	}
	if err := emitter.WorkflowComplete(finalAgent); err != nil {
		o.logger.Warn("workflow complete event not emitted", "err", err)
	}
	span.SetStatus(codes.Ok, "workflow complete")
	o.printSummary(start, params, sessionID, t.invoked, t.lastResponse)
	return nil
}

// invoke resolves one roster agent and calls it.
func (o *Orchestrator) invoke(ctx context.Context, agentID, prompt, sessionID string) (bedrock.Reply, error) {
	agent, err := o.roster.Agent(agentID)
	if err != nil {
		return bedrock.Reply{}, err
	}
	return o.invoker.InvokeAgent(ctx, agent, prompt, sessionID)
}

func (o *Orchestrator) displayName(agentID string) string {
	return o.agents.DisplayName(agentID)
}

// interrupted distinguishes operator cancellation from ordinary failures.
// Deadline expiry is never an interruption.
func interrupted(ctx context.Context, err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	return errors.Is(ctx.Err(), context.Canceled)
}

// directives are the structured routing fields an agent may place beside
// its reply text, read from the raw wire reply.
type directives struct {
	RouteTo        string `json:"route_to"`
	Classification string `json:"classification"`
}

func parseDirectives(raw string) directives {
	var d directives
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return directives{}
	}
	return d
}

// emitterRecorder publishes successful fast-model verdicts on the wire as
// router_decision events.
type emitterRecorder struct {
	emitter *protocol.Emitter
}

func (r *emitterRecorder) RecordDecision(modelID, fromAgent, nextAgent string, duration time.Duration, suggestion string) error {
	return r.emitter.RouterDecision(modelID, fromAgent, nextAgent, duration, suggestion)
}

func (o *Orchestrator) warnMissingEnvironment() {
	if strings.TrimSpace(o.events.TableName) == "" {
		o.logger.Warn("event table name not set, downstream persistence is limited", "env", config.EnvTableName)
	}
	if strings.TrimSpace(o.events.Region) == "" {
		o.logger.Warn("aws region not set, downstream persistence is limited", "env", config.EnvRegion)
	}
}

func (o *Orchestrator) printHeader(params Params, sessionID string) {
	fmt.Fprintln(o.diag, "Starting workflow execution:")
	fmt.Fprintf(o.diag, "  Workflow ID: %s\n", params.WorkflowID)
	fmt.Fprintf(o.diag, "  Session ID: %s\n", sessionID)
	fmt.Fprintf(o.diag, "  Trace ID: %s\n", params.TraceID)
	fmt.Fprintf(o.diag, "  Turn Number: %d\n", params.TurnNumber)
	fmt.Fprintf(o.diag, "  Prompt: %s\n", preview(params.Prompt, 100))
	fmt.Fprintf(o.diag, "  Environment: table_name=%s, region=%s\n", o.events.TableName, o.events.Region)
	fmt.Fprintf(o.diag, "  Pattern: %s\n", patternLabel(o.workflow.Pattern))
	if params.Conversation != nil {
		fmt.Fprintln(o.diag, "  Conversation Context: (provided)")
	}
	fmt.Fprintln(o.diag)
}

func patternLabel(pattern string) string {
	switch pattern {
	case config.PatternSwarm:
		return "Swarm (autonomous agent handoffs)"
	case config.PatternDAG:
		return "Workflow (parallel DAG execution)"
	default:
		return "Graph (conditional routing)"
	}
}

const summaryWidth = 80

func (o *Orchestrator) printSummary(start time.Time, params Params, sessionID string, invoked []string, finalResponse string) {
	rule := strings.Repeat("=", summaryWidth)
	fmt.Fprintln(o.diag, rule)
	fmt.Fprintln(o.diag, "WORKFLOW EXECUTION COMPLETED SUCCESSFULLY")
	fmt.Fprintln(o.diag, rule)
	fmt.Fprintln(o.diag)

	fmt.Fprintln(o.diag, "EXECUTION SUMMARY:")
	fmt.Fprintf(o.diag, "  Workflow ID:     %s\n", params.WorkflowID)
	fmt.Fprintf(o.diag, "  Session ID:      %s\n", sessionID)
	fmt.Fprintf(o.diag, "  Trace ID:        %s\n", params.TraceID)
	fmt.Fprintf(o.diag, "  Total Duration:  %.2f seconds\n", o.now().Sub(start).Seconds())
	fmt.Fprintln(o.diag, "  Exit Code:       0 (SUCCESS)")
	fmt.Fprintln(o.diag)

	fmt.Fprintln(o.diag, "ROUTING SUMMARY:")
	fmt.Fprintf(o.diag, "  Path: %s\n", strings.Join(o.displayPath(invoked), " -> "))
	fmt.Fprintf(o.diag, "  Agents Invoked:  %d\n", len(invoked))
	fmt.Fprintln(o.diag)

	if finalResponse == "" {
		finalResponse = "No response"
	}
	fmt.Fprintln(o.diag, "FINAL RESPONSE:")
	fmt.Fprintf(o.diag, "  %s\n", preview(finalResponse, 200))
	fmt.Fprintln(o.diag)

	fmt.Fprintln(o.diag, "Workflow execution completed successfully. Check stdout for JSON event stream.")
	fmt.Fprintln(o.diag, rule)
}

func (o *Orchestrator) printErrorSummary(start time.Time, params Params, sessionID, message string, invoked []string) {
	rule := strings.Repeat("=", summaryWidth)
	fmt.Fprintln(o.diag, rule)
	fmt.Fprintln(o.diag, "WORKFLOW EXECUTION FAILED")
	fmt.Fprintln(o.diag, rule)
	fmt.Fprintln(o.diag)

	fmt.Fprintln(o.diag, "EXECUTION SUMMARY:")
	fmt.Fprintf(o.diag, "  Workflow ID:     %s\n", params.WorkflowID)
	fmt.Fprintf(o.diag, "  Session ID:      %s\n", sessionID)
	fmt.Fprintf(o.diag, "  Trace ID:        %s\n", params.TraceID)
	fmt.Fprintf(o.diag, "  Total Duration:  %.2f seconds\n", o.now().Sub(start).Seconds())
	fmt.Fprintln(o.diag, "  Exit Code:       1 (FAILURE)")
	fmt.Fprintln(o.diag)

	fmt.Fprintln(o.diag, "ERROR DETAILS:")
	fmt.Fprintf(o.diag, "  Agents Invoked:  %d\n", len(invoked))
	fmt.Fprintf(o.diag, "  Error Message:   %s\n", message)
	fmt.Fprintln(o.diag)

	fmt.Fprintln(o.diag, "Workflow execution failed. Check stdout for JSON event stream and error events.")
	fmt.Fprintln(o.diag, rule)
}

func (o *Orchestrator) displayPath(invoked []string) []string {
	path := make([]string, len(invoked))
	for i, agentID := range invoked {
		path[i] = o.displayName(agentID)
	}
	return path
}

// preview bounds text to limit characters for log lines and banners.
func preview(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}
