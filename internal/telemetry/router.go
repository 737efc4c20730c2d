package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxErrorMessageBytes = 512

var (
	sensitiveInlinePattern = regexp.MustCompile(`(?i)(api[_-]?key|token|password|secret|authorization)\s*[:=]\s*([^\s,;]+)`)
	bearerTokenPattern     = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._\-]+`)
	inlineKeyPattern       = regexp.MustCompile(`\bsk-[A-Za-z0-9]{10,}\b`)
)

// RouterCallRequest defines telemetry metadata for one routing decision.
type RouterCallRequest struct {
	Model     string
	FromAgent string
	Pattern   string
	Prompt    string
}

// RouterCall tracks one router.decide span lifecycle.
type RouterCall struct {
	span      trace.Span
	startedAt time.Time

	mu         sync.Mutex
	strategies int
	ended      bool
}

type routerCallContextKey struct{}

// StartRouterCall starts a router.decide span and returns a context carrying the tracker.
func StartRouterCall(ctx context.Context, req RouterCallRequest) (context.Context, *RouterCall) {
	if ctx == nil {
		ctx = context.Background()
	}

	attrs := []attribute.KeyValue{
		attribute.String("router_model", normalizeOrUnknown(req.Model)),
		attribute.String("from_agent", normalizeOrUnknown(req.FromAgent)),
		attribute.String("pattern", normalizeOrUnknown(req.Pattern)),
		attribute.Int("prompt_tokens", EstimateTokenCount(req.Prompt)),
		attribute.String("prompt_hash", hashPrompt(req.Prompt)),
	}

	spanCtx, span := otel.Tracer("switchyard/telemetry/router").Start(
		ctx,
		"router.decide",
		trace.WithAttributes(attrs...),
	)

	call := &RouterCall{
		span:      span,
		startedAt: time.Now(),
	}

	return context.WithValue(spanCtx, routerCallContextKey{}, call), call
}

// RouterCallFromContext returns the router call tracker if one exists on the context.
func RouterCallFromContext(ctx context.Context) *RouterCall {
	if ctx == nil {
		return nil
	}
	callValue := ctx.Value(routerCallContextKey{})
	call, ok := callValue.(*RouterCall)
	if !ok {
		return nil
	}
	return call
}

// RecordStrategy adds a router.strategy event for one consulted cascade stage.
func (c *RouterCall) RecordStrategy(name string, outcome string) {
	if c == nil || c.span == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.strategies++

	c.span.AddEvent(
		"router.strategy",
		trace.WithAttributes(
			attribute.String("strategy", normalizeOrUnknown(name)),
			attribute.String("outcome", normalizeOrUnknown(outcome)),
		),
	)
}

// RecordError adds a redacted router.error event to the active span.
func (c *RouterCall) RecordError(errorType string, errorMessage string) {
	if c == nil || c.span == nil {
		return
	}

	c.span.AddEvent(
		"router.error",
		trace.WithAttributes(
			attribute.String("error_type", normalizeOrUnknown(errorType)),
			attribute.String("error_message", redactSecrets(errorMessage)),
		),
	)
	c.span.SetStatus(codes.Error, normalizeOrUnknown(errorType))
}

// End finalizes the router.decide span with latency, consulted strategy
// count, and the chosen target. A routing miss is recorded as "none", never
// as a span error.
func (c *RouterCall) End(target string, err error) {
	if c == nil || c.span == nil {
		return
	}

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	strategies := c.strategies
	c.mu.Unlock()

	durationMS := time.Since(c.startedAt).Milliseconds()
	if durationMS < 0 {
		durationMS = 0
	}

	c.span.SetAttributes(
		attribute.Int64("latency_ms", durationMS),
		attribute.Int("strategies_consulted", strategies),
		attribute.String("next_agent", normalizeOrUnknown(target)),
	)

	if err != nil {
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, redactSecrets(err.Error()))
	} else {
		c.span.SetStatus(codes.Ok, "routing decision resolved")
	}
	c.span.End()
}

// TurnContext returns a context whose trace id matches the session's 32-hex
// trace id, so turn spans correlate with downstream agent telemetry. The
// parent span id is synthesized from the trace id; only the trace id needs
// to line up across systems.
func TurnContext(ctx context.Context, traceID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	parsed, err := trace.TraceIDFromHex(strings.ToLower(strings.TrimSpace(traceID)))
	if err != nil {
		return ctx
	}
	var spanID trace.SpanID
	copy(spanID[:], parsed[:8])
	if !spanID.IsValid() {
		return ctx
	}
	return trace.ContextWithRemoteSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    parsed,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	}))
}

// StartTurn starts a workflow.turn span for one prompt/response exchange.
func StartTurn(ctx context.Context, workflowID, traceID string, turnNumber int) (context.Context, trace.Span) {
	return otel.Tracer("switchyard/telemetry").Start(
		TurnContext(ctx, traceID),
		"workflow.turn",
		trace.WithAttributes(
			attribute.String("workflow_id", normalizeOrUnknown(workflowID)),
			attribute.String("trace_id", normalizeOrUnknown(traceID)),
			attribute.Int("turn_number", turnNumber),
		),
	)
}

// EstimateTokenCount estimates token count using a deterministic words-to-tokens heuristic.
func EstimateTokenCount(text string) int {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return 0
	}
	estimated := (len(fields)*4 + 2) / 3
	if estimated < 1 {
		return 1
	}
	return estimated
}

func hashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(redactSecrets(prompt)))
	return hex.EncodeToString(sum[:])
}

func redactSecrets(input string) string {
	redacted := strings.TrimSpace(input)
	if redacted == "" {
		return ""
	}
	redacted = sensitiveInlinePattern.ReplaceAllString(redacted, "$1=<redacted>")
	redacted = bearerTokenPattern.ReplaceAllString(redacted, "bearer <redacted>")
	redacted = inlineKeyPattern.ReplaceAllString(redacted, "<redacted>")
	if len(redacted) > maxErrorMessageBytes {
		return redacted[:maxErrorMessageBytes-len("...[truncated]")] + "...[truncated]"
	}
	return redacted
}

func normalizeOrUnknown(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
