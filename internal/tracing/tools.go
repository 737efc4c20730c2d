// Package tracing records external tool executions as OpenTelemetry spans
// with redacted arguments. The bugreport collector runs git through it so
// every command in a diagnostic bundle is traceable.
package tracing

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxOutputEventBytes = 1024

// ToolResult is the observed outcome of one tool execution. Stdout and
// Stderr are trimmed; ExitCode is -1 when the context deadline cut the
// tool short.
type ToolResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// ExecuteTool runs one external command in cwd and records a tool.exec span
// carrying the redacted argument list, exit code, and bounded output
// excerpts.
func ExecuteTool(ctx context.Context, toolName string, args []string, cwd string) (ToolResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	toolName = strings.TrimSpace(toolName)
	cwd = strings.TrimSpace(cwd)
	if toolName == "" {
		return ToolResult{}, errors.New("tool name must not be empty")
	}
	if cwd == "" {
		return ToolResult{}, errors.New("cwd must not be empty")
	}

	_, span := otel.Tracer("switchyard/tracing/tools").Start(
		ctx,
		"tool.exec",
		trace.WithAttributes(
			attribute.String("tool_name", toolName),
			attribute.String("args_redacted", strings.Join(RedactArgs(args), " ")),
			attribute.String("cwd", cwd),
		),
	)

	started := time.Now()
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()

	cmd := exec.CommandContext(ctx, toolName, args...)
	cmd.Dir = cwd

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := ToolResult{
		ExitCode: resolveExitCode(ctx, cmd, err),
		Stdout:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
	}

	span.SetAttributes(attribute.Int("exit_code", result.ExitCode))
	if strings.EqualFold(toolName, "git") {
		operation := ""
		if len(args) > 0 {
			operation = strings.TrimSpace(args[0])
		}
		span.SetAttributes(
			attribute.String("operation", operation),
			attribute.Int("changed_files", estimateChangedFiles(operation, result.Stdout)),
		)
	}
	if result.Stdout != "" {
		span.AddEvent(
			"tool.stdout",
			trace.WithAttributes(attribute.String("output", truncateOutput(result.Stdout, maxOutputEventBytes))),
		)
	}
	if result.Stderr != "" {
		span.AddEvent(
			"tool.stderr",
			trace.WithAttributes(attribute.String("output", truncateOutput(result.Stderr, maxOutputEventBytes))),
		)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}

	span.SetStatus(codes.Ok, "tool command completed")
	return result, nil
}

func resolveExitCode(ctx context.Context, cmd *exec.Cmd, runErr error) int {
	if runErr == nil {
		return 0
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return -1
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd != nil && cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return 0
}

func estimateChangedFiles(operation, stdout string) int {
	if strings.TrimSpace(operation) != "diff" {
		return 0
	}
	count := 0
	for _, line := range strings.Split(stdout, "\n") {
		if strings.TrimSpace(line) != "" {
			count++
		}
	}
	return count
}

func truncateOutput(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	const marker = "...[truncated]"
	if limit <= len(marker) {
		return value[:limit]
	}
	return value[:limit-len(marker)] + marker
}

// RedactArgs masks secret-bearing values in a command argument list. A flag
// whose name looks sensitive masks its own inline value and the following
// positional value.
func RedactArgs(args []string) []string {
	redacted := make([]string, 0, len(args))
	maskNext := false

	for _, arg := range args {
		if maskNext {
			redacted = append(redacted, "<redacted>")
			maskNext = false
			continue
		}

		trimmed := strings.TrimSpace(arg)
		if strings.Contains(trimmed, "=") {
			parts := strings.SplitN(trimmed, "=", 2)
			if len(parts) == 2 && IsSensitiveToken(strings.ToLower(parts[0])) {
				redacted = append(redacted, parts[0]+"=<redacted>")
				continue
			}
		}

		lower := strings.ToLower(trimmed)
		if IsSensitiveToken(lower) {
			maskNext = true
			redacted = append(redacted, trimmed)
			continue
		}

		redacted = append(redacted, trimmed)
	}

	return redacted
}

// IsSensitiveToken reports whether a key or flag name looks secret-bearing.
func IsSensitiveToken(value string) bool {
	sensitiveSubstrings := []string{
		"token",
		"password",
		"passwd",
		"secret",
		"api-key",
		"api_key",
		"apikey",
		"auth",
		"bearer",
	}
	for _, candidate := range sensitiveSubstrings {
		if strings.Contains(value, candidate) {
			return true
		}
	}
	return false
}
