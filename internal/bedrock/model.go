package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

const (
	anthropicVersion = "bedrock-2023-05-31"
	// routerMaxTokens caps the verdict reply; routing answers are one
	// agent id or the completion literal.
	routerMaxTokens = 100
)

// ModelAPI is the slice of the Bedrock runtime this package calls.
type ModelAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// ModelClient asks a Bedrock text model for short verdicts. It satisfies
// the routing engine's ModelInvoker.
type ModelClient struct {
	api ModelAPI
}

// NewModelClient wraps an existing Bedrock runtime client.
func NewModelClient(api ModelAPI) (*ModelClient, error) {
	if api == nil {
		return nil, errors.New("bedrock runtime api is required")
	}
	return &ModelClient{api: api}, nil
}

// NewModelClientFromConfig dials the Bedrock runtime in region. Retries are
// capped at one attempt; routing callers bound the call with a context
// deadline and a retry would blow through it.
func NewModelClientFromConfig(ctx context.Context, region string) (*ModelClient, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := bedrockruntime.NewFromConfig(cfg, func(o *bedrockruntime.Options) {
		o.RetryMaxAttempts = 1
	})
	return NewModelClient(client)
}

// InvokeModel sends one prompt and returns the first text block of the
// reply, trimmed.
func (c *ModelClient) InvokeModel(ctx context.Context, modelID, prompt string) (string, error) {
	body, err := encodeAnthropicRequest(prompt)
	if err != nil {
		return "", fmt.Errorf("encode model request: %w", err)
	}

	out, err := c.api.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return "", fmt.Errorf("invoke model %s: %w", modelID, err)
	}
	return decodeAnthropicResponse(out.Body)
}

type anthropicRequest struct {
	AnthropicVersion string             `json:"anthropic_version"`
	MaxTokens        int                `json:"max_tokens"`
	Messages         []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func encodeAnthropicRequest(prompt string) ([]byte, error) {
	return json.Marshal(anthropicRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        routerMaxTokens,
		Messages:         []anthropicMessage{{Role: "user", Content: prompt}},
	})
}

func decodeAnthropicResponse(body []byte) (string, error) {
	var parsed struct {
		Content []contentBlock `json:"content"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode model response: %w", err)
	}
	if len(parsed.Content) == 0 {
		return "", errors.New("model response carries no content blocks")
	}
	return strings.TrimSpace(parsed.Content[0].Text), nil
}
