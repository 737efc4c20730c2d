package conversation

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/switchyard-ai/switchyard/internal/protocol"
)

func sessionEvent(eventType protocol.EventType) protocol.Event {
	return protocol.Event{
		Type:       eventType,
		Timestamp:  time.Now().UnixMilli(),
		WorkflowID: "wf-1",
		TraceID:    "abc123",
		TurnNumber: 1,
	}
}

func TestBuildContextNilUntilFirstTurn(t *testing.T) {
	t.Parallel()

	builder := NewBuilder()
	if got := builder.BuildContext(); got != nil {
		t.Fatalf("context before any turns = %#v, want nil", got)
	}

	builder.RecordHuman("plan a trip to Kyoto")
	got := builder.BuildContext()
	if got == nil {
		t.Fatal("context after a human turn should not be nil")
	}
	if len(got.Turns) != 1 {
		t.Fatalf("turns = %d, want 1", len(got.Turns))
	}
	if got.Turns[0].Role != RoleHuman {
		t.Fatalf("first turn role = %q, want %q", got.Turns[0].Role, RoleHuman)
	}
}

func TestEntryAgentFixedByFirstNodeStart(t *testing.T) {
	t.Parallel()

	builder := NewBuilder()

	first := sessionEvent(protocol.EventNodeStart)
	first.NodeID = "triage"
	builder.ObserveEvent(first)

	second := sessionEvent(protocol.EventNodeStart)
	second.NodeID = "researcher"
	builder.ObserveEvent(second)

	if got := builder.EntryAgent(); got != "triage" {
		t.Fatalf("entry agent = %q, want triage", got)
	}
}

func TestObserveEventAppendsEntryAgentResponses(t *testing.T) {
	t.Parallel()

	builder := NewBuilder()
	builder.RecordHuman("what is the weather in Kyoto")

	start := sessionEvent(protocol.EventNodeStart)
	start.NodeID = "triage"
	builder.ObserveEvent(start)

	otherStop := sessionEvent(protocol.EventNodeStop)
	otherStop.NodeID = "researcher"
	otherStop.Status = protocol.StatusCompleted
	otherStop.Response = "intermediate result"
	builder.ObserveEvent(otherStop)

	failedStop := sessionEvent(protocol.EventNodeStop)
	failedStop.NodeID = "triage"
	failedStop.Status = protocol.StatusError
	failedStop.Error = "boom"
	builder.ObserveEvent(failedStop)

	entryStop := sessionEvent(protocol.EventNodeStop)
	entryStop.NodeID = "triage"
	entryStop.Status = protocol.StatusCompleted
	entryStop.Response = "Sunny, 24C"
	builder.ObserveEvent(entryStop)

	built := builder.BuildContext()
	if built == nil {
		t.Fatal("expected context with turns")
	}
	if built.EntryAgent != "triage" {
		t.Fatalf("context entry agent = %q, want triage", built.EntryAgent)
	}
	if len(built.Turns) != 2 {
		t.Fatalf("turns = %d, want human + entry_agent", len(built.Turns))
	}
	if built.Turns[1].Role != RoleEntryAgent || built.Turns[1].Content != "Sunny, 24C" {
		t.Fatalf("second turn = %#v, want entry agent response", built.Turns[1])
	}
}

func TestBuildContextSnapshotsTurns(t *testing.T) {
	t.Parallel()

	builder := NewBuilder()
	builder.RecordHuman("first")

	snapshot := builder.BuildContext()
	builder.RecordHuman("second")

	if len(snapshot.Turns) != 1 {
		t.Fatalf("snapshot turns = %d, want 1 (snapshot must not share storage)", len(snapshot.Turns))
	}
	if builder.Len() != 2 {
		t.Fatalf("builder turns = %d, want 2", builder.Len())
	}
}

func TestResetClearsHistoryAndEntryAgent(t *testing.T) {
	t.Parallel()

	builder := NewBuilder()
	builder.RecordHuman("hello")
	start := sessionEvent(protocol.EventNodeStart)
	start.NodeID = "triage"
	builder.ObserveEvent(start)

	builder.Reset()

	if builder.Len() != 0 {
		t.Fatalf("turns after reset = %d, want 0", builder.Len())
	}
	if builder.EntryAgent() != "" {
		t.Fatalf("entry agent after reset = %q, want empty", builder.EntryAgent())
	}
	if builder.BuildContext() != nil {
		t.Fatal("context after reset should be nil")
	}
}

func TestBuilderIsSafeForConcurrentUse(t *testing.T) {
	t.Parallel()

	builder := NewBuilder()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				builder.RecordHuman("message")
				stop := sessionEvent(protocol.EventNodeStop)
				stop.NodeID = "triage"
				stop.Status = protocol.StatusCompleted
				stop.Response = "reply"
				builder.ObserveEvent(stop)
				_ = builder.BuildContext()
			}
		}()
	}
	wg.Wait()

	if builder.Len() != 8*50 {
		t.Fatalf("recorded turns = %d, want %d", builder.Len(), 8*50)
	}
}

func TestParseContextValidation(t *testing.T) {
	t.Parallel()

	valid := `{"entry_agent":"triage","turns":[{"role":"human","content":"hi"}]}`
	parsed, err := ParseContext(valid)
	if err != nil {
		t.Fatalf("parse valid context: %v", err)
	}
	if parsed.EntryAgent != "triage" {
		t.Fatalf("entry agent = %q, want triage", parsed.EntryAgent)
	}
	if len(parsed.Turns) != 1 {
		t.Fatalf("turns = %d, want 1", len(parsed.Turns))
	}

	cases := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"not an object", `[{"role":"human"}]`},
		{"missing entry agent", `{"turns":[]}`},
		{"missing turns", `{"entry_agent":"triage"}`},
		{"turns not array", `{"entry_agent":"triage","turns":{}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if _, err := ParseContext(tc.raw); err == nil {
				t.Fatalf("expected validation error for %q", tc.raw)
			}
		})
	}
}

func TestContextRoundTripThroughEncode(t *testing.T) {
	t.Parallel()

	original := &Context{
		EntryAgent: "triage",
		Turns: []Turn{
			{Role: RoleHuman, Content: "book a table"},
			{Role: RoleEntryAgent, Content: "done, table for two"},
		},
	}

	encoded, err := original.Encode()
	if err != nil {
		t.Fatalf("encode context: %v", err)
	}
	if strings.Contains(encoded, "\n") {
		t.Fatal("encoded context must stay on a single line")
	}

	parsed, err := ParseContext(encoded)
	if err != nil {
		t.Fatalf("parse encoded context: %v", err)
	}
	if parsed.EntryAgent != original.EntryAgent {
		t.Fatalf("entry agent = %q, want %q", parsed.EntryAgent, original.EntryAgent)
	}
	if len(parsed.Turns) != len(original.Turns) {
		t.Fatalf("turns = %d, want %d", len(parsed.Turns), len(original.Turns))
	}
}

func TestPromptWithHistory(t *testing.T) {
	t.Parallel()

	ctx := &Context{
		EntryAgent: "triage",
		Turns: []Turn{
			{Role: RoleHuman, Content: "what about Tokyo"},
			{Role: RoleEntryAgent, Content: "Tokyo is lovely in autumn"},
			{Role: "tool", Content: "ignored"},
		},
	}

	prompt := ctx.PromptWithHistory("and Osaka?")
	if !strings.HasPrefix(prompt, "Previous conversation:\n") {
		t.Fatalf("prompt missing history preamble: %q", prompt)
	}
	if !strings.Contains(prompt, "Human: what about Tokyo") {
		t.Fatalf("prompt missing human line: %q", prompt)
	}
	if !strings.Contains(prompt, "Assistant: Tokyo is lovely in autumn") {
		t.Fatalf("prompt missing assistant line: %q", prompt)
	}
	if strings.Contains(prompt, "ignored") {
		t.Fatalf("prompt should skip unknown roles: %q", prompt)
	}
	if !strings.Contains(prompt, "Current message from human: and Osaka?") {
		t.Fatalf("prompt missing current message: %q", prompt)
	}

	empty := &Context{EntryAgent: "triage"}
	if got := empty.PromptWithHistory("plain"); got != "plain" {
		t.Fatalf("prompt without history = %q, want passthrough", got)
	}
}
