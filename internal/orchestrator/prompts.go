package orchestrator

import (
	"fmt"
	"strings"
)

// graphHandoffPrompt chains a finished agent's reply into the next graph
// invocation.
func graphHandoffPrompt(fromName, response, originalPrompt string) string {
	return fmt.Sprintf("Previous agent (%s) response:\n%s\n\nOriginal request: %s", fromName, response, originalPrompt)
}

// swarmHandoffPrompt chains a finished agent's reply into a sequential
// swarm hand-off.
func swarmHandoffPrompt(fromName, response, originalPrompt string) string {
	return fmt.Sprintf("Handoff from %s:\n%s\n\nOriginal request: %s", fromName, response, originalPrompt)
}

// parallelPrompt seeds each branch of a fan-out with the initiating
// agent's reply.
func parallelPrompt(fromName, response, originalPrompt string) string {
	return fmt.Sprintf("Parallel analysis from %s:\n%s\n\nOriginal request: %s", fromName, response, originalPrompt)
}

// convergencePrompt consolidates branch results for the convergence agent.
// Sections appear in completion order; failed branches carry an error
// marker instead of a reply.
func convergencePrompt(results []parallelResult, displayName func(string) string, originalPrompt string) string {
	sections := make([]string, 0, len(results))
	for _, result := range results {
		name := displayName(result.AgentID)
		if result.Err != "" {
			sections = append(sections, fmt.Sprintf("## Results from %s\n\n[ERROR: %s]", name, result.Err))
		} else {
			sections = append(sections, fmt.Sprintf("## Results from %s\n\n%s", name, result.Response))
		}
	}
	return fmt.Sprintf(`You are receiving consolidated results from parallel specialist analyses.

%s

## Original Request
%s

## Your Task
Synthesize the above specialist findings into a comprehensive assessment with a clear recommendation.
Do NOT hand off to the specialists listed above - you already have all their findings.
Provide the final consolidated analysis and recommendation.`, strings.Join(sections, "\n"), originalPrompt)
}

// dependencyPrompt seeds a task with the results of its completed
// dependencies. Tasks with no dependencies receive the turn prompt as is.
func dependencyPrompt(turnPrompt string, deps []dependencyResult) string {
	if len(deps) == 0 {
		return turnPrompt
	}
	parts := []string{"Previous task results:"}
	for _, dep := range deps {
		parts = append(parts, fmt.Sprintf("\n%s:\n%s", dep.Name, dep.Response))
	}
	return fmt.Sprintf("%s\n\nOriginal request: %s", strings.Join(parts, "\n"), turnPrompt)
}
