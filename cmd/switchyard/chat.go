package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/switchyard-ai/switchyard/internal/config"
	"github.com/switchyard-ai/switchyard/internal/conversation"
	"github.com/switchyard-ai/switchyard/internal/events"
	"github.com/switchyard-ai/switchyard/internal/protocol"
	"github.com/switchyard-ai/switchyard/internal/runner"
	"github.com/switchyard-ai/switchyard/internal/state"
)

func newChatCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Hold a multi-turn session with the workflow",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return chatLoop(cmd.Context(), cfg, logger, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

// chatLoop reads prompts line by line and runs one supervised workflow turn
// per prompt. Conversation history accumulates across turns and rides along
// on --conversation-context from turn two onward.
func chatLoop(ctx context.Context, cfg *config.Config, logger *log.Logger, in io.Reader, out io.Writer) error {
	bus := events.New(events.WithLogger(logger))
	defer bus.Close()

	manager, err := runner.NewManager(bus, logger, cfg.Workflow, cfg.Events)
	if err != nil {
		return fmt.Errorf("configure runner: %w", err)
	}

	history := conversation.NewBuilder()

	// One subscriber keeps history observation, printing, and exit
	// notification on a single ordered queue.
	exits := make(chan runner.ExitStatus, 4)
	bus.SubscribeAll(func(event events.Event) {
		switch event.Type {
		case events.EventTypeWorkflow:
			if payload, ok := event.Payload.(protocol.Event); ok {
				history.ObserveEvent(payload)
				printChatEvent(out, history, payload)
			}
		case events.EventTypeProcessExit:
			if status, ok := event.Payload.(runner.ExitStatus); ok {
				exits <- status
			}
		}
	})

	fmt.Fprintln(out, "switchyard chat: /reset clears the session, /quit exits")

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())

		switch line {
		case "":
			continue
		case "/quit":
			return manager.Kill(context.Background())
		case "/reset":
			if err := manager.ResetSession(ctx); err != nil {
				return fmt.Errorf("reset session: %w", err)
			}
			history.Reset()
			fmt.Fprintln(out, "session cleared")
			continue
		}

		// The context for this turn excludes the prompt being sent; the
		// human turn is recorded before dispatch so the agent reply lands
		// after it.
		convCtx := history.BuildContext()
		history.RecordHuman(line)

		var dispatchErr error
		if manager.Session().WorkflowID == "" {
			_, dispatchErr = manager.Start(ctx, line)
		} else {
			_, dispatchErr = manager.Continue(ctx, line, convCtx)
		}
		if dispatchErr != nil {
			var spawnErr *runner.SpawnError
			if errors.As(dispatchErr, &spawnErr) {
				// A failed spawn still publishes its exit; consume it so
				// the next wait pairs with its own turn.
				<-exits
			}
			if ctx.Err() != nil {
				return &ExitError{Code: 130}
			}
			fmt.Fprintf(out, "turn failed: %v\n", dispatchErr)
			continue
		}

		select {
		case status := <-exits:
			if status.State == state.SessionFailed {
				fmt.Fprintln(out, "turn failed, session kept; try again or /reset")
			}
		case <-ctx.Done():
			if killErr := manager.Kill(context.Background()); killErr != nil {
				logger.Error("kill after interrupt failed", "err", killErr)
			}
			// Kill resolves only after the exit event is published;
			// receiving it here means the reply printer has gone quiet.
			<-exits
			return &ExitError{Code: 130}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	return manager.Kill(context.Background())
}

// printChatEvent surfaces only what a conversation needs: the entry agent's
// reply and any workflow failure. The run command is the verbose view.
func printChatEvent(out io.Writer, history *conversation.Builder, event protocol.Event) {
	switch event.Type {
	case protocol.EventNodeStop:
		if event.Status == protocol.StatusCompleted &&
			event.NodeID == history.EntryAgent() &&
			event.Response != "" {
			fmt.Fprintf(out, "%s: %s\n", nodeLabel(event), event.Response)
		}
	case protocol.EventWorkflowError:
		fmt.Fprintln(out, renderWorkflowEvent(event))
	}
}
