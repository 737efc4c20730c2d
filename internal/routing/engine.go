package routing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/switchyard-ai/switchyard/internal/telemetry"
)

const (
	// DefaultModel is the fast routing model used when none is configured.
	DefaultModel = "global.anthropic.claude-haiku-4-5-20251001-v1:0"
	// DefaultTimeout bounds one fast-model invocation.
	DefaultTimeout = 5 * time.Second
	// CompleteSignal is the literal verdict that ends a workflow.
	CompleteSignal = "COMPLETE"
)

// Strategy names recorded on router spans and in log lines.
const (
	StrategyFastModel      = "fast_model"
	StrategyExplicit       = "explicit"
	StrategyClassification = "classification"
	StrategyStatic         = "static"
	StrategyCompletion     = "completion"
)

// ModelInvoker performs one bounded fast-model call and returns the raw
// text verdict.
type ModelInvoker interface {
	InvokeModel(ctx context.Context, modelID, prompt string) (string, error)
}

// DecisionRecorder publishes the router_decision event for a successful
// fast-model verdict.
type DecisionRecorder interface {
	RecordDecision(modelID, fromAgent, nextAgent string, duration time.Duration, suggestion string) error
}

// Config controls the decision cascade. It is handed to the engine whole at
// construction; the engine reads no ambient configuration.
type Config struct {
	// Enabled lets the fast-model strategy participate in the cascade.
	Enabled bool
	// Model identifies the routing model; empty selects DefaultModel.
	Model string
	// Timeout bounds one fast-model call; zero selects DefaultTimeout.
	Timeout time.Duration
	// FallbackSilently keeps cascade failures at warn level; when false
	// they log at error level. Failures never escalate past logging.
	FallbackSilently bool
	// Classification maps category labels to agent ids.
	Classification map[string]string
	// Static maps a finishing agent to its fixed successor; an empty value
	// marks the agent terminal.
	Static map[string]string
}

// Engine evaluates the hand-off decision cascade for one workflow run.
// Every failure inside the cascade collapses to a deferring decision after
// one log line; the engine never aborts a live workflow.
type Engine struct {
	invoker  ModelInvoker
	recorder DecisionRecorder
	logger   *log.Logger

	enabled          bool
	model            string
	timeout          time.Duration
	fallbackSilently bool
	classification   map[string]string
	static           map[string]string

	now func() time.Time
}

// NewEngine creates a decision engine.
func NewEngine(invoker ModelInvoker, recorder DecisionRecorder, logger *log.Logger, cfg Config) (*Engine, error) {
	if cfg.Enabled && invoker == nil {
		return nil, errors.New("model invoker is required when the fast-model strategy is enabled")
	}
	if cfg.Enabled && recorder == nil {
		return nil, errors.New("decision recorder is required when the fast-model strategy is enabled")
	}
	if logger == nil {
		logger = log.Default()
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Engine{
		invoker:          invoker,
		recorder:         recorder,
		logger:           logger,
		enabled:          cfg.Enabled,
		model:            model,
		timeout:          timeout,
		fallbackSilently: cfg.FallbackSilently,
		classification:   cloneRouteTable(cfg.Classification),
		static:           cloneRouteTable(cfg.Static),
		now:              time.Now,
	}, nil
}

// Decide evaluates the graph cascade for one finished agent. Strategies run
// strictly in order and the first non-deferring result wins. The completion
// strategy closes the cascade, so Decide never defers back to the caller.
func (e *Engine) Decide(ctx context.Context, req Request) Decision {
	if e == nil {
		return Complete()
	}
	call := telemetry.RouterCallFromContext(ctx)

	type strategy struct {
		name string
		fn   func(context.Context, Request) Decision
	}
	strategies := make([]strategy, 0, 5)
	if e.enabled {
		strategies = append(strategies, strategy{StrategyFastModel, e.fastModel})
	}
	strategies = append(strategies,
		strategy{StrategyExplicit, e.explicitRoute},
		strategy{StrategyClassification, e.classifiedRoute},
		strategy{StrategyStatic, e.staticRoute},
		strategy{StrategyCompletion, e.completion},
	)

	for _, s := range strategies {
		decision := s.fn(ctx, req)
		call.RecordStrategy(s.name, decision.String())
		if !decision.IsNone() {
			return decision
		}
	}
	return Complete()
}

// explicitRoute honors the target the finishing agent declared itself. The
// target is taken as-is; graph topologies trust the agent's declaration.
func (e *Engine) explicitRoute(_ context.Context, req Request) Decision {
	return RouteTo(req.Explicit)
}

// classifiedRoute maps a structured classification label to an agent.
func (e *Engine) classifiedRoute(_ context.Context, req Request) Decision {
	label := normalizeRouteKey(req.Classification)
	if label == "" {
		return None()
	}
	target, ok := e.classification[label]
	if !ok {
		return None()
	}
	return RouteTo(target)
}

// staticRoute follows the fixed successor table. A present-but-empty entry
// marks the finishing agent terminal.
func (e *Engine) staticRoute(_ context.Context, req Request) Decision {
	successor, ok := e.static[normalizeRouteKey(req.FromAgent)]
	if !ok {
		return None()
	}
	if successor == "" {
		return Complete()
	}
	return RouteTo(successor)
}

func (e *Engine) completion(context.Context, Request) Decision {
	return Complete()
}

// cascadeFailure logs one routing-infrastructure failure. Severity follows
// the fall-back-silently flag; the failure itself never propagates.
func (e *Engine) cascadeFailure(msg string, keyvals ...any) {
	if e.fallbackSilently {
		e.logger.Warn(msg, keyvals...)
		return
	}
	e.logger.Error(msg, keyvals...)
}

func normalizeRouteKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func cloneRouteTable(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for key, value := range in {
		out[normalizeRouteKey(key)] = strings.TrimSpace(value)
	}
	return out
}
