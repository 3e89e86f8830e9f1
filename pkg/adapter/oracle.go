package adapter

import (
	"context"
	"strings"

	"github.com/m-mizutani/memoria/pkg/model"
)

// Oracle is a language model that answers an ordered transcript with text
type Oracle interface {
	Generate(ctx context.Context, messages []model.ChatMessage) (string, error)
}

// OracleFunc adapts a function to Oracle
type OracleFunc func(ctx context.Context, messages []model.ChatMessage) (string, error)

func (f OracleFunc) Generate(ctx context.Context, messages []model.ChatMessage) (string, error) {
	return f(ctx, messages)
}

// splitSystem separates system messages from the conversation. Providers
// take the system prompt as a dedicated parameter.
func splitSystem(messages []model.ChatMessage) (string, []model.ChatMessage) {
	var system []string
	conversation := make([]model.ChatMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == model.RoleSystem {
			system = append(system, msg.Text)
			continue
		}
		conversation = append(conversation, msg)
	}
	return strings.Join(system, "\n\n"), conversation
}
