package adapter

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoria/pkg/model"
)

// ClaudeClient implements Oracle with the Anthropic Messages API
type ClaudeClient struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
}

type ClaudeOption func(*ClaudeClient)

func WithClaudeModel(model string) ClaudeOption {
	return func(c *ClaudeClient) {
		c.model = model
	}
}

func WithClaudeMaxTokens(n int64) ClaudeOption {
	return func(c *ClaudeClient) {
		c.maxTokens = n
	}
}

// NewClaude creates a new Claude API client
func NewClaude(apiKey string, opts ...ClaudeOption) *ClaudeClient {
	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
	)
	c := &ClaudeClient{
		client:    &client,
		model:     "claude-sonnet-4-5",
		maxTokens: 4096,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *ClaudeClient) Generate(ctx context.Context, messages []model.ChatMessage) (string, error) {
	system, conversation := splitSystem(messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: system},
		}
	}
	for _, msg := range conversation {
		block := anthropic.NewTextBlock(msg.Text)
		if msg.Role == model.RoleAssistant {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", goerr.Wrap(err, "failed to create message", goerr.V("model", c.model))
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return text.String(), nil
}
