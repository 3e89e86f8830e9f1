package adapter

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoria/pkg/model"
	"google.golang.org/genai"
)

// GeminiClient implements Oracle with Gemini on Vertex AI
type GeminiClient struct {
	client          *genai.Client
	generativeModel string
	temperature     *float32
}

type GeminiOption func(*GeminiClient)

func WithGenerativeModel(model string) GeminiOption {
	return func(g *GeminiClient) {
		g.generativeModel = model
	}
}

func WithGeminiTemperature(t float32) GeminiOption {
	return func(g *GeminiClient) {
		g.temperature = &t
	}
}

func NewGemini(ctx context.Context, projectID, location string, opts ...GeminiOption) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  projectID,
		Location: location,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create genai client")
	}

	g := &GeminiClient{
		client:          client,
		generativeModel: "gemini-2.5-flash",
	}

	for _, opt := range opts {
		opt(g)
	}

	return g, nil
}

func (g *GeminiClient) Generate(ctx context.Context, messages []model.ChatMessage) (string, error) {
	system, conversation := splitSystem(messages)

	contents := make([]*genai.Content, 0, len(conversation))
	for _, msg := range conversation {
		role := genai.RoleUser
		if msg.Role == model.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(msg.Text, genai.Role(role)))
	}

	config := &genai.GenerateContentConfig{
		Temperature: g.temperature,
	}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.generativeModel, contents, config)
	if err != nil {
		return "", goerr.Wrap(err, "failed to generate content", goerr.V("model", g.generativeModel))
	}

	return resp.Text(), nil
}
