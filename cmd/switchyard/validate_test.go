package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/switchyard-ai/switchyard/internal/config"
)

func writeRosterFile(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "roster.yaml")
	content := "agents:\n" +
		"  triage:\n" +
		"    bedrock_agentcore:\n" +
		"      agent_arn: arn:aws:bedrock-agentcore:us-east-1:000000000000:runtime/triage\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write roster: %v", err)
	}
	return path
}

func TestRunValidatePassesOnCoherentConfig(t *testing.T) {
	dir := t.TempDir()

	cfg := &config.Config{}
	cfg.Workflow.Entrypoint = writeScript(t, dir, "orchestrate.sh", "exit 0\n")
	cfg.Workflow.Pattern = config.PatternGraph
	cfg.Workflow.EntryAgent = "triage"
	cfg.Agents.RosterPath = writeRosterFile(t, dir)
	cfg.Events.TableName = "workflow-events"
	cfg.Events.Region = "us-east-1"

	var out bytes.Buffer
	if err := runValidate(cfg, testLogger(), &out); err != nil {
		t.Fatalf("runValidate: %v", err)
	}

	if !strings.Contains(out.String(), "7 checks, 0 failed, 0 warnings") {
		t.Fatalf("output missing clean summary:\n%s", out.String())
	}
}

func TestRunValidateFailsOnMissingRoster(t *testing.T) {
	cfg := &config.Config{}
	cfg.Agents.RosterPath = filepath.Join(t.TempDir(), "absent.yaml")

	var out bytes.Buffer
	err := runValidate(cfg, testLogger(), &out)

	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("err = %v, want *ExitError", err)
	}
	if exitErr.Code != 1 {
		t.Fatalf("exit code = %d, want 1", exitErr.Code)
	}

	output := out.String()
	if !strings.Contains(output, "agents.roster") {
		t.Fatalf("output missing roster check line:\n%s", output)
	}
	if !strings.Contains(output, "fail") {
		t.Fatalf("output missing fail status:\n%s", output)
	}
	if !strings.Contains(output, "checks,") {
		t.Fatalf("output missing summary line:\n%s", output)
	}
}
