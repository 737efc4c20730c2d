package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	// RoleHuman marks a prompt sent by the operator.
	RoleHuman = "human"
	// RoleEntryAgent marks a response produced by the session's entry agent.
	RoleEntryAgent = "entry_agent"
)

// Turn is one prompt or response in a session's history.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Context is the conversation document handed to follow-up turns. Turn one
// of a session never receives one.
type Context struct {
	EntryAgent string `json:"entry_agent"`
	Turns      []Turn `json:"turns"`
}

// ParseContext decodes and validates a conversation context argument. The
// document must be a JSON object carrying an entry_agent field and a turns
// array.
func ParseContext(raw string) (*Context, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("conversation context must not be empty")
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, fmt.Errorf("conversation context must be a JSON object: %w", err)
	}
	if _, ok := keys["entry_agent"]; !ok {
		return nil, errors.New("conversation context must contain entry_agent field")
	}
	turnsRaw, ok := keys["turns"]
	if !ok {
		return nil, errors.New("conversation context must contain turns array")
	}
	var turnsProbe []json.RawMessage
	if err := json.Unmarshal(turnsRaw, &turnsProbe); err != nil {
		return nil, fmt.Errorf("conversation context turns must be an array: %w", err)
	}

	var parsed Context
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("decode conversation context: %w", err)
	}
	return &parsed, nil
}

// Encode renders the context as the single-line JSON document passed on the
// subprocess command line.
func (c *Context) Encode() (string, error) {
	if c == nil {
		return "", errors.New("context is nil")
	}
	encoded, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode conversation context: %w", err)
	}
	return string(encoded), nil
}

// History renders the turns as Human:/Assistant: transcript lines. Turns with
// unrecognized roles are skipped.
func (c *Context) History() string {
	if c == nil {
		return ""
	}
	lines := make([]string, 0, len(c.Turns))
	for _, turn := range c.Turns {
		switch turn.Role {
		case RoleHuman:
			lines = append(lines, "Human: "+turn.Content)
		case RoleEntryAgent:
			lines = append(lines, "Assistant: "+turn.Content)
		}
	}
	return strings.Join(lines, "\n")
}

// PromptWithHistory wraps the current prompt with the session transcript so
// the entry agent continues the conversation instead of starting over. With
// no usable history the prompt passes through untouched.
func (c *Context) PromptWithHistory(prompt string) string {
	history := c.History()
	if history == "" {
		return prompt
	}
	return fmt.Sprintf(
		"Previous conversation:\n%s\n\nCurrent message from human: %s\n\nContinue the conversation naturally, remembering the context from previous messages.",
		history,
		prompt,
	)
}
