package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoria/pkg/model"
)

// OpenAIClient implements Oracle against any OpenAI-compatible chat completions endpoint
type OpenAIClient struct {
	baseURL   string
	apiKey    string
	model     string
	reasoning *bool
	client    *http.Client
}

type OpenAIOption func(*OpenAIClient)

func WithOpenAIModel(model string) OpenAIOption {
	return func(o *OpenAIClient) {
		o.model = model
	}
}

func WithOpenAIAPIKey(key string) OpenAIOption {
	return func(o *OpenAIClient) {
		o.apiKey = key
	}
}

// WithReasoning sets the enable_thinking switch understood by Qwen-style endpoints
func WithReasoning(enabled bool) OpenAIOption {
	return func(o *OpenAIClient) {
		o.reasoning = &enabled
	}
}

func WithHTTPClient(client *http.Client) OpenAIOption {
	return func(o *OpenAIClient) {
		o.client = client
	}
}

func NewOpenAI(baseURL string, opts ...OpenAIOption) *OpenAIClient {
	o := &OpenAIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   "gpt-4o-mini",
		client:  &http.Client{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiRequest struct {
	Model          string       `json:"model"`
	Messages       []oaiMessage `json:"messages"`
	Stream         bool         `json:"stream"`
	EnableThinking *bool        `json:"enable_thinking,omitempty"`
}

type oaiResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (o *OpenAIClient) Generate(ctx context.Context, messages []model.ChatMessage) (string, error) {
	body := oaiRequest{
		Model:          o.model,
		Messages:       make([]oaiMessage, len(messages)),
		EnableThinking: o.reasoning,
	}
	for i, msg := range messages {
		body.Messages[i] = oaiMessage{Role: msg.Role, Content: msg.Text}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return "", goerr.Wrap(err, "failed to marshal chat request")
	}

	url := o.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return "", goerr.Wrap(err, "failed to create chat request", goerr.V("url", url))
	}
	req.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return "", goerr.Wrap(err, "failed to send chat request", goerr.V("url", url))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", goerr.New("chat completions returned error status",
			goerr.V("url", url),
			goerr.V("status", resp.StatusCode),
			goerr.V("body", string(detail)))
	}

	var result oaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", goerr.Wrap(err, "failed to decode chat response", goerr.V("url", url))
	}
	if len(result.Choices) == 0 {
		return "", goerr.New("chat response has no choices", goerr.V("url", url))
	}
	return result.Choices[0].Message.Content, nil
}
