package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	configDirName = ".switchyard"

	// PatternGraph routes through a central orchestrator node.
	PatternGraph = "graph"
	// PatternSwarm hands control between peer agents.
	PatternSwarm = "swarm"
	// PatternDAG executes a fixed dependency order.
	PatternDAG = "dag"

	defaultPattern      = PatternGraph
	defaultEntryAgent   = "orchestrator"
	defaultKillGrace    = time.Second
	defaultRouterModel  = "global.anthropic.claude-haiku-4-5-20251001-v1:0"
	defaultRouterWait   = 5 * time.Second
	defaultMaxHandoffs  = 20
	defaultGuidancePath = ".switchyard/guidance.md"
	defaultRosterPath   = ".switchyard/agents.yaml"
)

// EnvTableName overrides events.table_name when set.
const EnvTableName = "SWITCHYARD_TABLE_NAME"

// EnvRegion overrides events.region when set.
const EnvRegion = "AWS_REGION"

// Config stores runtime settings loaded from TOML files.
type Config struct {
	Workflow  WorkflowConfig
	Routing   RoutingConfig
	Agents    AgentsConfig
	Events    EventsConfig
	Telemetry TelemetryConfig
}

// WorkflowConfig describes the orchestrator subprocess and its pattern.
type WorkflowConfig struct {
	// Entrypoint is the orchestrator program to spawn. Empty means the
	// supervisor re-executes its own binary in orchestrate mode.
	Entrypoint string
	// Interpreter prefixes the entrypoint (for example "python3"). Empty
	// executes the entrypoint directly.
	Interpreter string
	Pattern     string
	EntryAgent  string
	// KillGrace is how long a session gets after SIGTERM before SIGKILL.
	KillGrace time.Duration
	// DAG maps a task to the tasks it depends on. Only the dag pattern
	// reads it; tasks with no dependencies start immediately.
	DAG map[string][]string
}

// RoutingConfig describes the cascading routing decision settings.
type RoutingConfig struct {
	Enabled bool
	Model   string
	Timeout time.Duration
	// FallbackSilently keeps router failures at warning level; when false
	// they log at error level. Failures never abort the workflow either way.
	FallbackSilently bool
	GuidancePath     string
	// Classification maps lowercase prompt keywords to agent ids.
	Classification map[string]string
	// Static maps a finishing agent id to the agent that always follows it.
	Static map[string]string
}

// AgentsConfig describes the agent roster and hand-off limits.
type AgentsConfig struct {
	RosterPath  string
	MaxHandoffs int
	// DisplayNames overrides the human-readable name shown for an agent id
	// in events and summaries. Absent ids display as themselves.
	DisplayNames map[string]string
}

// DisplayName returns the configured human-readable name for an agent id,
// falling back to the id itself.
func (a AgentsConfig) DisplayName(agentID string) string {
	if name, ok := a.DisplayNames[agentID]; ok && strings.TrimSpace(name) != "" {
		return name
	}
	return agentID
}

// EventsConfig carries external event-store identifiers passed through to
// the orchestrator subprocess environment.
type EventsConfig struct {
	TableName string
	Region    string
}

// TelemetryConfig carries the OTLP trace exporter endpoint.
type TelemetryConfig struct {
	Endpoint string
}

type fileConfig struct {
	Workflow  *workflowFileConfig  `toml:"workflow"`
	Routing   *routingFileConfig   `toml:"routing"`
	Agents    *agentsFileConfig    `toml:"agents"`
	Events    *eventsFileConfig    `toml:"events"`
	Telemetry *telemetryFileConfig `toml:"telemetry"`
}

type workflowFileConfig struct {
	Entrypoint  *string             `toml:"entrypoint"`
	Interpreter *string             `toml:"interpreter"`
	Pattern     *string             `toml:"pattern"`
	EntryAgent  *string             `toml:"entry_agent"`
	KillGrace   *string             `toml:"kill_grace"`
	DAG         map[string][]string `toml:"dag"`
}

type routingFileConfig struct {
	Enabled          *bool             `toml:"enabled"`
	Model            *string           `toml:"model"`
	Timeout          *string           `toml:"timeout"`
	FallbackSilently *bool             `toml:"fallback_silently"`
	GuidancePath     *string           `toml:"guidance_path"`
	Classification   map[string]string `toml:"classification"`
	Static           map[string]string `toml:"static"`
}

type agentsFileConfig struct {
	RosterPath   *string           `toml:"roster_path"`
	MaxHandoffs  *int              `toml:"max_handoffs"`
	DisplayNames map[string]string `toml:"display_names"`
}

type eventsFileConfig struct {
	TableName *string `toml:"table_name"`
	Region    *string `toml:"region"`
}

type telemetryFileConfig struct {
	Endpoint *string `toml:"endpoint"`
}

// Load reads config from ~/.switchyard/config.toml, overlays a project-local
// .switchyard/config.toml, then applies environment overrides.
func Load(ctx context.Context) (*Config, error) {
	cfg := defaults()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	paths := []string{
		filepath.Join(homeDir, configDirName, "config.toml"),
		filepath.Join(workingDir, configDirName, "config.toml"),
	}

	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	_ = ctx
	return &cfg, nil
}

func defaults() Config {
	return Config{
		Workflow: WorkflowConfig{
			Pattern:    defaultPattern,
			EntryAgent: defaultEntryAgent,
			KillGrace:  defaultKillGrace,
		},
		Routing: RoutingConfig{
			Enabled:          false,
			Model:            defaultRouterModel,
			Timeout:          defaultRouterWait,
			FallbackSilently: true,
			GuidancePath:     defaultGuidancePath,
			Classification:   map[string]string{},
			Static:           map[string]string{},
		},
		Agents: AgentsConfig{
			RosterPath:  defaultRosterPath,
			MaxHandoffs: defaultMaxHandoffs,
		},
	}
}

// Validate rejects settings the supervisor cannot run with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config must not be nil")
	}
	switch c.Workflow.Pattern {
	case PatternGraph, PatternSwarm, PatternDAG:
	default:
		return fmt.Errorf("workflow pattern %q is not one of graph, swarm, dag", c.Workflow.Pattern)
	}
	if c.Workflow.KillGrace <= 0 {
		return errors.New("workflow kill_grace must be > 0")
	}
	if c.Routing.Timeout <= 0 {
		return errors.New("routing timeout must be > 0")
	}
	if c.Routing.Enabled && strings.TrimSpace(c.Routing.Model) == "" {
		return errors.New("routing model must be set when routing is enabled")
	}
	if c.Agents.MaxHandoffs <= 0 {
		return errors.New("agents max_handoffs must be > 0")
	}
	return nil
}

// StaticRoute returns the configured next agent for a finishing agent.
func (c *Config) StaticRoute(fromAgent string) (string, bool) {
	if c == nil {
		return "", false
	}
	next, ok := c.Routing.Static[normalizeKey(fromAgent)]
	if !ok || strings.TrimSpace(next) == "" {
		return "", false
	}
	return strings.TrimSpace(next), true
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	if _, err := toml.DecodeFile(path, &decoded); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}

	if err := applyWorkflowOverrides(cfg, decoded.Workflow, path); err != nil {
		return err
	}
	if err := applyRoutingOverrides(cfg, decoded.Routing, path); err != nil {
		return err
	}
	applyAgentOverrides(cfg, decoded.Agents)
	applyEventOverrides(cfg, decoded.Events)
	applyTelemetryOverrides(cfg, decoded.Telemetry)

	return nil
}

func applyWorkflowOverrides(cfg *Config, decoded *workflowFileConfig, path string) error {
	if decoded == nil {
		return nil
	}
	if decoded.Entrypoint != nil {
		cfg.Workflow.Entrypoint = strings.TrimSpace(*decoded.Entrypoint)
	}
	if decoded.Interpreter != nil {
		cfg.Workflow.Interpreter = strings.TrimSpace(*decoded.Interpreter)
	}
	if decoded.Pattern != nil {
		cfg.Workflow.Pattern = normalizeKey(*decoded.Pattern)
	}
	if decoded.EntryAgent != nil {
		cfg.Workflow.EntryAgent = strings.TrimSpace(*decoded.EntryAgent)
	}
	if decoded.KillGrace != nil {
		value, err := parseDuration(*decoded.KillGrace, "workflow.kill_grace", path)
		if err != nil {
			return err
		}
		cfg.Workflow.KillGrace = value
	}
	if decoded.DAG != nil {
		dag := make(map[string][]string, len(decoded.DAG))
		for task, deps := range decoded.DAG {
			task = strings.TrimSpace(task)
			if task == "" {
				continue
			}
			cleaned := make([]string, 0, len(deps))
			for _, dep := range deps {
				if dep = strings.TrimSpace(dep); dep != "" {
					cleaned = append(cleaned, dep)
				}
			}
			dag[task] = cleaned
		}
		cfg.Workflow.DAG = dag
	}
	return nil
}

func applyRoutingOverrides(cfg *Config, decoded *routingFileConfig, path string) error {
	if decoded == nil {
		return nil
	}
	if decoded.Enabled != nil {
		cfg.Routing.Enabled = *decoded.Enabled
	}
	if decoded.Model != nil {
		cfg.Routing.Model = strings.TrimSpace(*decoded.Model)
	}
	if decoded.Timeout != nil {
		value, err := parseDuration(*decoded.Timeout, "routing.timeout", path)
		if err != nil {
			return err
		}
		cfg.Routing.Timeout = value
	}
	if decoded.FallbackSilently != nil {
		cfg.Routing.FallbackSilently = *decoded.FallbackSilently
	}
	if decoded.GuidancePath != nil {
		cfg.Routing.GuidancePath = strings.TrimSpace(*decoded.GuidancePath)
	}
	for keyword, agent := range decoded.Classification {
		cfg.Routing.Classification[normalizeKey(keyword)] = strings.TrimSpace(agent)
	}
	for fromAgent, nextAgent := range decoded.Static {
		cfg.Routing.Static[normalizeKey(fromAgent)] = strings.TrimSpace(nextAgent)
	}
	return nil
}

func applyAgentOverrides(cfg *Config, decoded *agentsFileConfig) {
	if decoded == nil {
		return
	}
	if decoded.RosterPath != nil {
		cfg.Agents.RosterPath = strings.TrimSpace(*decoded.RosterPath)
	}
	if decoded.MaxHandoffs != nil {
		cfg.Agents.MaxHandoffs = *decoded.MaxHandoffs
	}
	for agentID, name := range decoded.DisplayNames {
		if cfg.Agents.DisplayNames == nil {
			cfg.Agents.DisplayNames = map[string]string{}
		}
		cfg.Agents.DisplayNames[strings.TrimSpace(agentID)] = strings.TrimSpace(name)
	}
}

func applyEventOverrides(cfg *Config, decoded *eventsFileConfig) {
	if decoded == nil {
		return
	}
	if decoded.TableName != nil {
		cfg.Events.TableName = strings.TrimSpace(*decoded.TableName)
	}
	if decoded.Region != nil {
		cfg.Events.Region = strings.TrimSpace(*decoded.Region)
	}
}

func applyTelemetryOverrides(cfg *Config, decoded *telemetryFileConfig) {
	if decoded == nil {
		return
	}
	if decoded.Endpoint != nil {
		cfg.Telemetry.Endpoint = strings.TrimSpace(*decoded.Endpoint)
	}
}

func applyEnvOverrides(cfg *Config) {
	if tableName := strings.TrimSpace(os.Getenv(EnvTableName)); tableName != "" {
		cfg.Events.TableName = tableName
	}
	if region := strings.TrimSpace(os.Getenv(EnvRegion)); region != "" {
		cfg.Events.Region = region
	}
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	return parsed, nil
}

func normalizeKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
