package logging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Option configures RuntimeLogger creation.
type Option func(*newOptions)

type newOptions struct {
	workflowID string
	traceID    string
	spanID     string
}

// WithWorkflowID configures the workflow_id field used in emitted log records.
func WithWorkflowID(workflowID string) Option {
	return func(opts *newOptions) {
		opts.workflowID = strings.TrimSpace(workflowID)
	}
}

// WithTraceID configures the trace_id field used in emitted log records.
func WithTraceID(traceID string) Option {
	return func(opts *newOptions) {
		opts.traceID = strings.TrimSpace(traceID)
	}
}

// WithSpanID configures the span_id field used in emitted log records.
func WithSpanID(spanID string) Option {
	return func(opts *newOptions) {
		opts.spanID = strings.TrimSpace(spanID)
	}
}

// RuntimeLogger writes structured JSON logs to disk. Stdout stays reserved
// for the event stream, so log records never go there.
type RuntimeLogger struct {
	Logger     *log.Logger
	file       *os.File
	path       string
	baseLogger *log.Logger
	workflowID string
	traceID    string
	spanID     string
}

// New initializes logging under ~/.switchyard/logs without writing to stdout.
func New(ctx context.Context, options ...Option) (*RuntimeLogger, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	logDir := filepath.Join(homeDir, ".switchyard", "logs")
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	resolved := resolveOptions(options)
	timestamp := time.Now().UTC().Format("20060102-150405")
	fileName := fmt.Sprintf("switchyard-%s.log", timestamp)
	if resolved.workflowID != "" {
		fileName = fmt.Sprintf("switchyard-%s-%s.log", timestamp, resolved.workflowID)
	}
	filePath := filepath.Join(logDir, fileName)
	// #nosec G304 -- filePath is constructed from trusted local paths.
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	logger := log.NewWithOptions(file, log.Options{
		Level:           log.InfoLevel,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	logger.SetFormatter(log.JSONFormatter)

	runtimeLogger := &RuntimeLogger{
		file:       file,
		path:       filePath,
		baseLogger: logger,
		workflowID: resolved.workflowID,
		traceID:    resolved.traceID,
		spanID:     resolved.spanID,
	}
	runtimeLogger.rebuildLogger()
	runtimeLogger.Logger.With("log_file", filePath).Info("logger initialized")

	_ = ctx
	return runtimeLogger, nil
}

// WithWorkflowID updates the workflow_id field for subsequent log records.
func (r *RuntimeLogger) WithWorkflowID(workflowID string) *RuntimeLogger {
	if r == nil {
		return nil
	}
	r.workflowID = strings.TrimSpace(workflowID)
	r.rebuildLogger()
	return r
}

// WithTraceID updates the trace_id field for subsequent log records.
func (r *RuntimeLogger) WithTraceID(traceID string) *RuntimeLogger {
	if r == nil {
		return nil
	}
	r.traceID = strings.TrimSpace(traceID)
	r.rebuildLogger()
	return r
}

// WithSpanID updates the span_id field for subsequent log records.
func (r *RuntimeLogger) WithSpanID(spanID string) *RuntimeLogger {
	if r == nil {
		return nil
	}
	r.spanID = strings.TrimSpace(spanID)
	r.rebuildLogger()
	return r
}

// Close flushes and closes the log file.
func (r *RuntimeLogger) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	return r.file.Close()
}

// Path returns the current log file path.
func (r *RuntimeLogger) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

func (r *RuntimeLogger) rebuildLogger() {
	if r == nil || r.baseLogger == nil {
		return
	}
	r.Logger = r.baseLogger.With(
		"workflow_id", r.workflowID,
		"trace_id", r.traceID,
		"span_id", r.spanID,
	)
}

func resolveOptions(options []Option) newOptions {
	resolved := newOptions{}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(&resolved)
	}
	return resolved
}
