package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/switchyard-ai/switchyard/internal/bedrock"
)

// maxParallelTasks caps how many dag tasks run at once within a wave.
const maxParallelTasks = 8

// dependencyResult is one finished dependency fed into a downstream task
// prompt.
type dependencyResult struct {
	Name     string
	Response string
}

// runDAG executes the configured task graph in waves: every task whose
// dependencies have all completed runs concurrently with the rest of its
// wave. A failed task finishes its wave and then fails the workflow.
func (o *Orchestrator) runDAG(ctx context.Context, t *turn) error {
	dag := o.workflow.DAG
	if len(dag) == 0 {
		return errors.New("workflow dag is empty: declare tasks under [workflow.dag]")
	}
	if err := ValidateDAG(dag); err != nil {
		return err
	}
	o.logger.Info("task dag validated", "tasks", len(dag))

	completed := make(map[string]bool, len(dag))
	results := make(map[string]string, len(dag))
	var failedTask, failedMessage string

	for len(completed) < len(dag) && failedTask == "" {
		ready := readyTasks(dag, completed)
		if len(ready) == 0 {
			return fmt.Errorf("no tasks ready but workflow incomplete, remaining: %s",
				strings.Join(remainingTasks(dag, completed), ", "))
		}
		o.logger.Info("executing task wave", "count", len(ready), "tasks", strings.Join(ready, ", "))

		type taskOutcome struct {
			taskID string
			reply  bedrock.Reply
			err    error
		}
		outcomes := make(chan taskOutcome, len(ready))
		slots := make(chan struct{}, maxParallelTasks)
		for _, taskID := range ready {
			name := o.displayName(taskID)
			if err := t.emitter.NodeStart(taskID, name, "", ""); err != nil {
				o.logger.Warn("node start event not emitted", "err", err)
			}

			deps := make([]dependencyResult, 0, len(dag[taskID]))
			for _, dep := range dag[taskID] {
				if response, ok := results[dep]; ok {
					deps = append(deps, dependencyResult{Name: o.displayName(dep), Response: response})
				}
			}
			prompt := dependencyPrompt(t.prompt, deps)

			go func(taskID, prompt string) {
				slots <- struct{}{}
				defer func() { <-slots }()
				reply, err := o.invoke(ctx, taskID, prompt, t.sessionID)
				outcomes <- taskOutcome{taskID: taskID, reply: reply, err: err}
			}(taskID, prompt)
		}

		for range ready {
			select {
			case outcome := <-outcomes:
				name := o.displayName(outcome.taskID)
				if outcome.err != nil {
					if emitErr := t.emitter.NodeFailed(outcome.taskID, name, outcome.err.Error()); emitErr != nil {
						o.logger.Warn("node failure event not emitted", "err", emitErr)
					}
					o.logger.Error("task failed", "task", outcome.taskID, "err", outcome.err)
					if failedTask == "" {
						failedTask, failedMessage = outcome.taskID, outcome.err.Error()
					}
					continue
				}
				results[outcome.taskID] = outcome.reply.Text
				completed[outcome.taskID] = true
				t.invoked = append(t.invoked, outcome.taskID)
				if err := t.emitter.NodeCompleted(outcome.taskID, name, outcome.reply.Text); err != nil {
					o.logger.Warn("node completion event not emitted", "err", err)
				}
				o.logger.Info("task completed", "task", outcome.taskID, "response", preview(outcome.reply.Text, 100))

			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if failedTask != "" {
		return fmt.Errorf("Task %s failed: %s", failedTask, failedMessage)
	}
	t.lastResponse = finalTaskResponse(dag, results, t.invoked)
	return nil
}

// ValidateDAG rejects task graphs that reference unknown tasks or contain
// a dependency cycle.
func ValidateDAG(dag map[string][]string) error {
	for _, task := range sortedTasks(dag) {
		for _, dep := range dag[task] {
			if _, ok := dag[dep]; !ok {
				return fmt.Errorf("task %q depends on unknown task %q", task, dep)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(dag))
	var visit func(task string) bool
	visit = func(task string) bool {
		state[task] = visiting
		for _, dep := range dag[task] {
			switch state[dep] {
			case visiting:
				return true
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		state[task] = done
		return false
	}
	for _, task := range sortedTasks(dag) {
		if state[task] == unvisited && visit(task) {
			return errors.New("workflow dag contains a cycle")
		}
	}
	return nil
}

// readyTasks lists the tasks whose dependencies have all completed, in
// lexical order so wave membership is deterministic.
func readyTasks(dag map[string][]string, completed map[string]bool) []string {
	ready := make([]string, 0, len(dag))
	for task, deps := range dag {
		if completed[task] {
			continue
		}
		blocked := false
		for _, dep := range deps {
			if !completed[dep] {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, task)
		}
	}
	sort.Strings(ready)
	return ready
}

func remainingTasks(dag map[string][]string, completed map[string]bool) []string {
	remaining := make([]string, 0, len(dag))
	for task := range dag {
		if !completed[task] {
			remaining = append(remaining, task)
		}
	}
	sort.Strings(remaining)
	return remaining
}

func sortedTasks(dag map[string][]string) []string {
	tasks := make([]string, 0, len(dag))
	for task := range dag {
		tasks = append(tasks, task)
	}
	sort.Strings(tasks)
	return tasks
}

// finalTaskResponse picks the workflow's final answer: the first terminal
// task (one no other task depends on) in lexical order, falling back to the
// last completed task.
func finalTaskResponse(dag map[string][]string, results map[string]string, invoked []string) string {
	hasDependents := make(map[string]bool, len(dag))
	for _, deps := range dag {
		for _, dep := range deps {
			hasDependents[dep] = true
		}
	}
	for _, task := range sortedTasks(dag) {
		if !hasDependents[task] {
			return results[task]
		}
	}
	if len(invoked) > 0 {
		return results[invoked[len(invoked)-1]]
	}
	return ""
}
