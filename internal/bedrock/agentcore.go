package bedrock

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentcore"
	"github.com/charmbracelet/log"

	"github.com/switchyard-ai/switchyard/internal/roster"
)

const (
	defaultAgentRegion = "us-east-1"
	eventStreamPrefix  = "data: "
	// maxReplyLineBytes bounds one event-stream line; agent replies arrive
	// as single data lines and can run long.
	maxReplyLineBytes = 1 << 20
)

// AgentRuntimeAPI is the slice of the AgentCore data plane this package
// calls.
type AgentRuntimeAPI interface {
	InvokeAgentRuntime(ctx context.Context, params *bedrockagentcore.InvokeAgentRuntimeInput, optFns ...func(*bedrockagentcore.Options)) (*bedrockagentcore.InvokeAgentRuntimeOutput, error)
}

// AgentClient invokes remote agents deployed to AgentCore runtimes. Agents
// may live in different regions, so one underlying client is kept per
// region and reused across invocations.
type AgentClient struct {
	factory func(ctx context.Context, region string) (AgentRuntimeAPI, error)
	logger  *log.Logger

	mu      sync.Mutex
	clients map[string]AgentRuntimeAPI
}

// AgentClientOption customizes an AgentClient.
type AgentClientOption func(*AgentClient)

// WithAgentAPIFactory replaces the per-region client factory.
func WithAgentAPIFactory(factory func(ctx context.Context, region string) (AgentRuntimeAPI, error)) AgentClientOption {
	return func(c *AgentClient) {
		if factory != nil {
			c.factory = factory
		}
	}
}

// WithAgentLogger sets the diagnostics logger.
func WithAgentLogger(logger *log.Logger) AgentClientOption {
	return func(c *AgentClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewAgentClient creates a remote agent invoker.
func NewAgentClient(opts ...AgentClientOption) *AgentClient {
	client := &AgentClient{
		factory: defaultAgentFactory,
		logger:  log.Default(),
		clients: make(map[string]AgentRuntimeAPI),
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

func defaultAgentFactory(ctx context.Context, region string) (AgentRuntimeAPI, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config for %s: %w", region, err)
	}
	return bedrockagentcore.NewFromConfig(cfg), nil
}

type agentPayload struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id"`
}

// Reply is one remote agent's answer. Raw is the wire text exactly as the
// runtime returned it; Text is Raw with the assistant-message envelope
// unwrapped. Hand-off declarations that stayed escaped inside an outer JSON
// string are only visible in Raw.
type Reply struct {
	Raw  string
	Text string
}

// InvokeAgent calls one remote agent. The session id correlates all agents
// of one workflow on the runtime side.
func (c *AgentClient) InvokeAgent(ctx context.Context, agent roster.Agent, prompt, sessionID string) (Reply, error) {
	api, err := c.clientFor(ctx, agent.Region)
	if err != nil {
		return Reply{}, fmt.Errorf("agent %q invocation failed: %w", agent.ID, err)
	}

	payload, err := json.Marshal(agentPayload{Prompt: prompt, SessionID: sessionID})
	if err != nil {
		return Reply{}, fmt.Errorf("agent %q invocation failed: %w", agent.ID, err)
	}

	c.logger.Debug("invoking remote agent", "agent", agent.ID, "arn", agent.ARN)

	out, err := api.InvokeAgentRuntime(ctx, &bedrockagentcore.InvokeAgentRuntimeInput{
		AgentRuntimeArn:  aws.String(agent.ARN),
		RuntimeSessionId: aws.String(sessionID),
		Payload:          payload,
	})
	if err != nil {
		return Reply{}, fmt.Errorf("agent %q invocation failed: %w", agent.ID, err)
	}
	if out.Response == nil {
		return Reply{}, nil
	}
	defer func() { _ = out.Response.Close() }()

	var text string
	if strings.Contains(aws.ToString(out.ContentType), "text/event-stream") {
		text, err = decodeEventStream(out.Response)
	} else {
		var raw []byte
		raw, err = io.ReadAll(out.Response)
		text = string(raw)
	}
	if err != nil {
		return Reply{}, fmt.Errorf("agent %q invocation failed: %w", agent.ID, err)
	}

	return Reply{Raw: text, Text: ExtractText(text)}, nil
}

func (c *AgentClient) clientFor(ctx context.Context, region string) (AgentRuntimeAPI, error) {
	region = strings.TrimSpace(region)
	if region == "" {
		region = defaultAgentRegion
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if api, ok := c.clients[region]; ok {
		return api, nil
	}
	api, err := c.factory(ctx, region)
	if err != nil {
		return nil, err
	}
	c.clients[region] = api
	return api, nil
}

// decodeEventStream collects the data lines of a text/event-stream reply
// and joins them with newlines.
func decodeEventStream(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxReplyLineBytes)

	var parts []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, eventStreamPrefix) {
			parts = append(parts, line[len(eventStreamPrefix):])
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read event stream: %w", err)
	}
	return strings.Join(parts, "\n"), nil
}

type contentBlock struct {
	Text string `json:"text"`
}

// ExtractText unwraps the Bedrock assistant-message envelope around an
// agent reply. Replies arrive as `{"response": {"content": [{"text":...}]}}`,
// as the bare message `{"content": [...]}`, or as `{"response": "text"}`;
// anything else passes through untouched.
func ExtractText(raw string) string {
	var envelope struct {
		Response json.RawMessage `json:"response"`
		Content  []contentBlock  `json:"content"`
	}
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return raw
	}

	if len(envelope.Response) > 0 {
		var inner struct {
			Content []contentBlock `json:"content"`
		}
		if err := json.Unmarshal(envelope.Response, &inner); err == nil {
			if text := joinTextBlocks(inner.Content); text != "" {
				return text
			}
		}
		var plain string
		if err := json.Unmarshal(envelope.Response, &plain); err == nil {
			return plain
		}
	}

	if text := joinTextBlocks(envelope.Content); text != "" {
		return text
	}
	return raw
}

func joinTextBlocks(blocks []contentBlock) string {
	parts := make([]string, 0, len(blocks))
	for _, block := range blocks {
		if block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}
