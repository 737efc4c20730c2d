package routing

import (
	"os"
	"path/filepath"
	"testing"
)

func writeGuidanceFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tech.md")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write guidance file: %v", err)
	}
	return path
}

func TestLoadGuidanceExtractsSection(t *testing.T) {
	t.Parallel()

	path := writeGuidanceFile(t, `# Tech

## Routing Guidance
Billing questions go to billing_agent.
Escalations go to escalation_agent.

## Deployment
Irrelevant here.
`)

	guidance, err := LoadGuidance(path)
	if err != nil {
		t.Fatalf("LoadGuidance: %v", err)
	}
	want := "Billing questions go to billing_agent.\nEscalations go to escalation_agent."
	if guidance != want {
		t.Fatalf("guidance = %q, want %q", guidance, want)
	}
}

func TestLoadGuidanceAlternateHeader(t *testing.T) {
	t.Parallel()

	path := writeGuidanceFile(t, "## Agent Routing Rules\nAlways finish with the reviewer.\n")
	guidance, err := LoadGuidance(path)
	if err != nil {
		t.Fatalf("LoadGuidance: %v", err)
	}
	if guidance != "Always finish with the reviewer." {
		t.Fatalf("guidance = %q", guidance)
	}
}

func TestLoadGuidanceSectionRunsToEndOfFile(t *testing.T) {
	t.Parallel()

	path := writeGuidanceFile(t, "## Routing Guidance\nline one\nline two")
	guidance, err := LoadGuidance(path)
	if err != nil {
		t.Fatalf("LoadGuidance: %v", err)
	}
	if guidance != "line one\nline two" {
		t.Fatalf("guidance = %q", guidance)
	}
}

func TestLoadGuidanceMissingFile(t *testing.T) {
	t.Parallel()

	guidance, err := LoadGuidance(filepath.Join(t.TempDir(), "absent.md"))
	if err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	if guidance != "" {
		t.Fatalf("guidance = %q, want empty", guidance)
	}

	guidance, err = LoadGuidance("   ")
	if err != nil || guidance != "" {
		t.Fatalf("blank path: guidance = %q err = %v", guidance, err)
	}
}

func TestLoadGuidanceNoRecognizedSection(t *testing.T) {
	t.Parallel()

	path := writeGuidanceFile(t, "# Overview\n\n## Storage\nNot routing.\n")
	guidance, err := LoadGuidance(path)
	if err != nil {
		t.Fatalf("LoadGuidance: %v", err)
	}
	if guidance != "" {
		t.Fatalf("guidance = %q, want empty", guidance)
	}
}
