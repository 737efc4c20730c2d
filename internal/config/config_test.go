package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvTableName, "")
	t.Setenv(EnvRegion, "")
	chdir(t, work)

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Workflow.Pattern != PatternGraph {
		t.Fatalf("pattern = %q, want %q", cfg.Workflow.Pattern, PatternGraph)
	}
	if cfg.Workflow.EntryAgent != defaultEntryAgent {
		t.Fatalf("entry_agent = %q, want %q", cfg.Workflow.EntryAgent, defaultEntryAgent)
	}
	if cfg.Workflow.KillGrace != defaultKillGrace {
		t.Fatalf("kill_grace = %s, want %s", cfg.Workflow.KillGrace, defaultKillGrace)
	}
	if cfg.Routing.Enabled {
		t.Fatal("routing should be disabled by default")
	}
	if cfg.Routing.Model != defaultRouterModel {
		t.Fatalf("routing model = %q, want %q", cfg.Routing.Model, defaultRouterModel)
	}
	if cfg.Routing.Timeout != defaultRouterWait {
		t.Fatalf("routing timeout = %s, want %s", cfg.Routing.Timeout, defaultRouterWait)
	}
	if !cfg.Routing.FallbackSilently {
		t.Fatal("fallback_silently should default to true")
	}
	if cfg.Agents.MaxHandoffs != defaultMaxHandoffs {
		t.Fatalf("max_handoffs = %d, want %d", cfg.Agents.MaxHandoffs, defaultMaxHandoffs)
	}
	if cfg.Agents.RosterPath != defaultRosterPath {
		t.Fatalf("roster_path = %q, want %q", cfg.Agents.RosterPath, defaultRosterPath)
	}
}

func TestLoadOverlayProjectOverHome(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvTableName, "")
	t.Setenv(EnvRegion, "")

	writeFile(t, filepath.Join(home, ".switchyard", "config.toml"), `
[workflow]
entrypoint = "agents/main_graph.py"
interpreter = "python3"
pattern = "swarm"
kill_grace = "2s"

[routing]
enabled = true
model = "home-model"
`)

	writeFile(t, filepath.Join(work, ".switchyard", "config.toml"), `
[workflow]
pattern = "dag"
entry_agent = "planner"

[routing]
model = "project-model"
timeout = "10s"
fallback_silently = false

[agents]
max_handoffs = 5
`)

	chdir(t, work)

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Workflow.Entrypoint != "agents/main_graph.py" {
		t.Fatalf("entrypoint = %q, want home value", cfg.Workflow.Entrypoint)
	}
	if cfg.Workflow.Interpreter != "python3" {
		t.Fatalf("interpreter = %q, want python3", cfg.Workflow.Interpreter)
	}
	if cfg.Workflow.Pattern != PatternDAG {
		t.Fatalf("pattern = %q, want project override %q", cfg.Workflow.Pattern, PatternDAG)
	}
	if cfg.Workflow.EntryAgent != "planner" {
		t.Fatalf("entry_agent = %q, want planner", cfg.Workflow.EntryAgent)
	}
	if cfg.Workflow.KillGrace != 2*time.Second {
		t.Fatalf("kill_grace = %s, want 2s", cfg.Workflow.KillGrace)
	}
	if !cfg.Routing.Enabled {
		t.Fatal("routing.enabled should survive from home config")
	}
	if cfg.Routing.Model != "project-model" {
		t.Fatalf("routing model = %q, want project override", cfg.Routing.Model)
	}
	if cfg.Routing.Timeout != 10*time.Second {
		t.Fatalf("routing timeout = %s, want 10s", cfg.Routing.Timeout)
	}
	if cfg.Routing.FallbackSilently {
		t.Fatal("fallback_silently should be overridden to false")
	}
	if cfg.Agents.MaxHandoffs != 5 {
		t.Fatalf("max_handoffs = %d, want 5", cfg.Agents.MaxHandoffs)
	}
}

func TestLoadRouteTables(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvTableName, "")
	t.Setenv(EnvRegion, "")

	writeFile(t, filepath.Join(work, ".switchyard", "config.toml"), `
[routing.classification]
Billing = "billing_agent"
refund = "billing_agent"
research = "researcher"

[routing.static]
Planner = "researcher"
researcher = "writer"
`)

	chdir(t, work)

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if got := cfg.Routing.Classification["billing"]; got != "billing_agent" {
		t.Fatalf("classification[billing] = %q, want billing_agent", got)
	}
	if got := cfg.Routing.Classification["research"]; got != "researcher" {
		t.Fatalf("classification[research] = %q, want researcher", got)
	}

	next, ok := cfg.StaticRoute("Planner")
	if !ok || next != "researcher" {
		t.Fatalf("static route for Planner = %q ok=%v, want researcher", next, ok)
	}
	next, ok = cfg.StaticRoute("researcher")
	if !ok || next != "writer" {
		t.Fatalf("static route for researcher = %q ok=%v, want writer", next, ok)
	}
	if _, ok := cfg.StaticRoute("writer"); ok {
		t.Fatal("writer has no static route; lookup should report absence")
	}
}

func TestLoadDAGAndDisplayNames(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvTableName, "")
	t.Setenv(EnvRegion, "")

	writeFile(t, filepath.Join(work, ".switchyard", "config.toml"), `
[workflow]
pattern = "dag"

[workflow.dag]
fetch = []
analyzer = ["fetch"]
aggregator = ["analyzer", "fetch"]

[agents.display_names]
fetch = "Data Fetcher"
analyzer = "Analyzer"
`)

	chdir(t, work)

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if len(cfg.Workflow.DAG) != 3 {
		t.Fatalf("dag tasks = %d, want 3", len(cfg.Workflow.DAG))
	}
	if deps := cfg.Workflow.DAG["aggregator"]; len(deps) != 2 || deps[0] != "analyzer" || deps[1] != "fetch" {
		t.Fatalf("aggregator deps = %v", deps)
	}
	if deps := cfg.Workflow.DAG["fetch"]; len(deps) != 0 {
		t.Fatalf("fetch deps = %v, want none", deps)
	}

	if got := cfg.Agents.DisplayName("fetch"); got != "Data Fetcher" {
		t.Fatalf("display name for fetch = %q", got)
	}
	if got := cfg.Agents.DisplayName("aggregator"); got != "aggregator" {
		t.Fatalf("display name for aggregator = %q, want the id back", got)
	}
}

func TestLoadEnvOverridesWinOverFiles(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()
	t.Setenv("HOME", home)

	writeFile(t, filepath.Join(work, ".switchyard", "config.toml"), `
[events]
table_name = "file-table"
region = "eu-west-1"
`)

	t.Setenv(EnvTableName, "env-table")
	t.Setenv(EnvRegion, "us-east-1")
	chdir(t, work)

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Events.TableName != "env-table" {
		t.Fatalf("table_name = %q, want env-table", cfg.Events.TableName)
	}
	if cfg.Events.Region != "us-east-1" {
		t.Fatalf("region = %q, want us-east-1", cfg.Events.Region)
	}
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvTableName, "")
	t.Setenv(EnvRegion, "")

	writeFile(t, filepath.Join(work, ".switchyard", "config.toml"), `
[workflow]
pattern = "pipeline"
`)

	chdir(t, work)

	_, err := Load(context.Background())
	if err == nil {
		t.Fatal("expected pattern validation error")
	}
	if !strings.Contains(err.Error(), "pattern") {
		t.Fatalf("error = %v, want pattern validation", err)
	}
}

func TestValidateRoutingRequirements(t *testing.T) {
	cfg := defaults()
	cfg.Routing.Enabled = true
	cfg.Routing.Model = "  "
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected routing model validation error")
	}

	cfg = defaults()
	cfg.Routing.Timeout = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected routing timeout validation error")
	}

	cfg = defaults()
	cfg.Agents.MaxHandoffs = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected max_handoffs validation error")
	}
}

func chdir(t *testing.T, dir string) {
	t.Helper()

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	t.Cleanup(func() {
		if chdirErr := os.Chdir(cwd); chdirErr != nil {
			t.Fatalf("restore cwd: %v", chdirErr)
		}
	})
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
}
