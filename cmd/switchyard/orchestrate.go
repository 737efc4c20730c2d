package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/switchyard-ai/switchyard/internal/bedrock"
	"github.com/switchyard-ai/switchyard/internal/config"
	"github.com/switchyard-ai/switchyard/internal/conversation"
	"github.com/switchyard-ai/switchyard/internal/orchestrator"
	"github.com/switchyard-ai/switchyard/internal/roster"
	"github.com/switchyard-ai/switchyard/internal/routing"
	"github.com/switchyard-ai/switchyard/internal/telemetry"
)

// orchestrateParams is the turn identity handed over on the command line by
// the supervisor.
type orchestrateParams struct {
	prompt      string
	workflowID  string
	traceID     string
	turnNumber  int
	contextJSON string
}

func newOrchestrateCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	params := &orchestrateParams{}

	cmd := &cobra.Command{
		Use:   "orchestrate",
		Short: "Execute one workflow turn (normally spawned by the supervisor)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOrchestrate(cmd.Context(), cfg, logger, params)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&params.prompt, "prompt", "", "user prompt for this turn")
	flags.StringVar(&params.workflowID, "workflow-id", "", "stable session identifier")
	flags.StringVar(&params.traceID, "trace-id", "", "32-character hex trace identifier")
	flags.IntVar(&params.turnNumber, "turn-number", 0, "1-based turn number within the session")
	flags.StringVar(&params.contextJSON, "conversation-context", "", "prior-session conversation JSON")

	return cmd
}

// validate normalizes and checks the turn identity, returning the first
// violation as an operator-facing message. The trace id is trimmed and
// lowercased in place, so uppercase hex from older supervisors still passes.
func (p *orchestrateParams) validate() string {
	if strings.TrimSpace(p.prompt) == "" {
		return "Error: --prompt cannot be empty"
	}
	p.workflowID = strings.TrimSpace(p.workflowID)
	if p.workflowID == "" {
		return "Error: --workflow-id cannot be empty"
	}
	p.traceID = strings.ToLower(strings.TrimSpace(p.traceID))
	if len(p.traceID) != 32 {
		return "Error: --trace-id must be exactly 32 characters"
	}
	for _, r := range p.traceID {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return "Error: --trace-id must contain only hexadecimal characters (0-9, a-f)"
		}
	}
	if p.turnNumber < 1 {
		return "Error: --turn-number must be a positive integer >= 1"
	}
	return ""
}

// conversationContext validates the optional --conversation-context
// document, keeping each failure mode distinct so the supervisor's stderr
// tail names the actual problem.
func (p *orchestrateParams) conversationContext() (*conversation.Context, string) {
	if strings.TrimSpace(p.contextJSON) == "" {
		return nil, ""
	}

	var probe any
	if err := json.Unmarshal([]byte(p.contextJSON), &probe); err != nil {
		return nil, fmt.Sprintf("Error: --conversation-context is not valid JSON: %v", err)
	}
	object, ok := probe.(map[string]any)
	if !ok {
		return nil, "Error: --conversation-context must be a JSON object"
	}
	if _, ok := object["entry_agent"]; !ok {
		return nil, "Error: --conversation-context must contain 'entry_agent' field"
	}
	if _, ok := object["turns"].([]any); !ok {
		return nil, "Error: --conversation-context must contain 'turns' array"
	}

	convCtx, err := conversation.ParseContext(p.contextJSON)
	if err != nil {
		return nil, fmt.Sprintf("Error: --conversation-context is not valid JSON: %v", err)
	}
	return convCtx, ""
}

func runOrchestrate(ctx context.Context, cfg *config.Config, logger *log.Logger, params *orchestrateParams) error {
	if message := params.validate(); message != "" {
		return &ExitError{Code: 1, Message: message}
	}
	convCtx, message := params.conversationContext()
	if message != "" {
		return &ExitError{Code: 1, Message: message}
	}

	logger = logger.With(
		"workflow_id", params.workflowID,
		"trace_id", params.traceID,
		"turn", params.turnNumber,
	)

	if cfg.Telemetry.Endpoint != "" {
		telemetry.SetEndpointOverride(cfg.Telemetry.Endpoint)
	}
	shutdown, err := telemetry.Init(ctx)
	if err != nil {
		logger.Warn("telemetry init failed, spans disabled", "err", err)
	} else {
		defer shutdown()
	}

	ros, err := roster.Load(cfg.Agents.RosterPath)
	if err != nil {
		return fmt.Errorf("load agent roster: %w", err)
	}

	invoker := bedrock.NewAgentClient(bedrock.WithAgentLogger(logger))

	var model routing.ModelInvoker
	if cfg.Routing.Enabled {
		client, err := bedrock.NewModelClientFromConfig(ctx, modelRegion(cfg))
		if err != nil {
			return fmt.Errorf("dial router model: %w", err)
		}
		model = client
	}

	orch, err := orchestrator.New(cfg, ros, invoker, model, orchestrator.WithLogger(logger))
	if err != nil {
		return err
	}

	err = orch.Run(ctx, orchestrator.Params{
		Prompt:       params.prompt,
		WorkflowID:   params.workflowID,
		TraceID:      params.traceID,
		TurnNumber:   params.turnNumber,
		Conversation: convCtx,
	})
	if errors.Is(err, orchestrator.ErrInterrupted) {
		return &ExitError{Code: 130}
	}
	if err != nil {
		// Run has already emitted workflow_error and logged the failure.
		return &ExitError{Code: 1}
	}
	return nil
}

// modelRegion picks the router model region, defaulting to the event-store
// region so one configured region serves both clients.
func modelRegion(cfg *config.Config) string {
	if cfg.Events.Region != "" {
		return cfg.Events.Region
	}
	return "us-east-1"
}
