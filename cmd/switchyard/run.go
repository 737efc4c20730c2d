package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/switchyard-ai/switchyard/internal/config"
	"github.com/switchyard-ai/switchyard/internal/events"
	"github.com/switchyard-ai/switchyard/internal/protocol"
	"github.com/switchyard-ai/switchyard/internal/runner"
)

func newRunCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var prompt string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one supervised workflow turn and stream its events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOnce(cmd.Context(), cfg, logger, prompt, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&prompt, "prompt", "", "user prompt for the workflow turn")
	_ = cmd.MarkFlagRequired("prompt")

	return cmd
}

// runOnce supervises a single workflow turn. The process exit code mirrors
// the orchestrator subprocess; signal deaths and interrupts map to the
// shell conventions (1 and 130).
func runOnce(ctx context.Context, cfg *config.Config, logger *log.Logger, prompt string, out io.Writer) error {
	if strings.TrimSpace(prompt) == "" {
		return errors.New("prompt must not be empty")
	}

	bus := events.New(events.WithLogger(logger))
	defer bus.Close()

	manager, err := runner.NewManager(bus, logger, cfg.Workflow, cfg.Events)
	if err != nil {
		return fmt.Errorf("configure runner: %w", err)
	}

	// A single subscriber owns all writes to out, so the session header and
	// every workflow line land before the exit status is observed.
	exits := make(chan runner.ExitStatus, 1)
	bus.SubscribeAll(func(event events.Event) {
		switch event.Type {
		case events.EventTypeProcessSpawn:
			if info, ok := event.Payload.(runner.SpawnInfo); ok {
				fmt.Fprintf(out, "workflow %s trace %s turn %d\n",
					info.Session.WorkflowID, info.Session.TraceID, info.Session.TurnNumber)
			}
		case events.EventTypeWorkflow:
			if payload, ok := event.Payload.(protocol.Event); ok {
				fmt.Fprintln(out, renderWorkflowEvent(payload))
			}
		case events.EventTypeProcessExit:
			if status, ok := event.Payload.(runner.ExitStatus); ok {
				select {
				case exits <- status:
				default:
				}
			}
		}
	})

	if _, err := manager.Start(ctx, prompt); err != nil {
		return fmt.Errorf("start workflow: %w", err)
	}

	select {
	case status := <-exits:
		return exitFromStatus(status)
	case <-ctx.Done():
		if killErr := manager.Kill(context.Background()); killErr != nil {
			logger.Error("kill after interrupt failed", "err", killErr)
		}
		// Kill resolves only after the exit event is published; receiving
		// it here means every pending line has been written.
		<-exits
		return &ExitError{Code: 130}
	}
}

func exitFromStatus(status runner.ExitStatus) error {
	if status.Code != nil {
		if *status.Code == 0 {
			return nil
		}
		return &ExitError{Code: *status.Code}
	}
	// Terminated by signal, so there is no code to mirror.
	return &ExitError{Code: 1}
}

func renderWorkflowEvent(event protocol.Event) string {
	switch event.Type {
	case protocol.EventGraphStructure:
		nodes, edges := 0, 0
		if event.Graph != nil {
			nodes, edges = len(event.Graph.Nodes), len(event.Graph.Edges)
		}
		return fmt.Sprintf("[graph] %d nodes, %d edges", nodes, edges)
	case protocol.EventNodeStart:
		if event.FromAgent != "" {
			return fmt.Sprintf("[start] %s (from %s)", nodeLabel(event), event.FromAgent)
		}
		return fmt.Sprintf("[start] %s", nodeLabel(event))
	case protocol.EventNodeStop:
		if event.Status == protocol.StatusError {
			return fmt.Sprintf("[stop]  %s error: %s", nodeLabel(event), event.Error)
		}
		return fmt.Sprintf("[stop]  %s", nodeLabel(event))
	case protocol.EventRouterDecision:
		return fmt.Sprintf("[route] %s -> %s (%dms)", event.RouterModel, event.NextAgent, event.DurationMS)
	case protocol.EventParallelNodeStart:
		return fmt.Sprintf("[fan-out] %s", strings.Join(event.NodeIDs, ", "))
	case protocol.EventParallelNodeStop:
		if event.Status == protocol.StatusError {
			return fmt.Sprintf("[branch] %s error: %s (%d/%d)", nodeLabel(event), event.Error, event.CompletedCount, event.TotalCount)
		}
		return fmt.Sprintf("[branch] %s done (%d/%d)", nodeLabel(event), event.CompletedCount, event.TotalCount)
	case protocol.EventConvergenceReady:
		if event.ConvergenceNode == "" {
			return fmt.Sprintf("[converge] none, branches done: %s", strings.Join(event.CompletedAgents, ", "))
		}
		return fmt.Sprintf("[converge] %s after %s", event.ConvergenceNode, strings.Join(event.CompletedAgents, ", "))
	case protocol.EventWorkflowComplete:
		if event.FinalAgent != "" {
			return fmt.Sprintf("[done] final agent %s", event.FinalAgent)
		}
		return "[done]"
	case protocol.EventWorkflowError:
		if event.Status == protocol.StatusInterrupted {
			return fmt.Sprintf("[interrupted] %s", event.Error)
		}
		return fmt.Sprintf("[error] %s", event.Error)
	default:
		return fmt.Sprintf("[%s]", event.Type)
	}
}

func nodeLabel(event protocol.Event) string {
	if event.NodeName != "" && event.NodeName != event.NodeID {
		return fmt.Sprintf("%s (%s)", event.NodeName, event.NodeID)
	}
	if event.NodeName != "" {
		return event.NodeName
	}
	return event.NodeID
}
