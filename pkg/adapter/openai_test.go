package adapter_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/memoria/pkg/adapter"
	"github.com/m-mizutani/memoria/pkg/model"
)

func TestOpenAIGenerate(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gt.Equal(t, r.URL.Path, "/v1/chat/completions")
		gt.Equal(t, r.Header.Get("Authorization"), "Bearer secret")
		gt.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hello"}}]}`))
	}))
	defer srv.Close()

	client := adapter.NewOpenAI(srv.URL+"/v1/",
		adapter.WithOpenAIAPIKey("secret"),
		adapter.WithOpenAIModel("qwen-plus"),
		adapter.WithReasoning(false),
	)

	text, err := client.Generate(context.Background(), []model.ChatMessage{
		{Role: model.RoleSystem, Text: "be brief"},
		{Role: model.RoleUser, Text: "hi"},
	})
	gt.NoError(t, err)
	gt.Equal(t, text, "hello")

	gt.Equal(t, received["model"], any("qwen-plus"))
	gt.Equal(t, received["enable_thinking"], any(false))
	msgs, ok := received["messages"].([]any)
	gt.True(t, ok)
	gt.A(t, msgs).Length(2)
}

func TestOpenAIGenerateErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := adapter.NewOpenAI(srv.URL)
	_, err := client.Generate(context.Background(), []model.ChatMessage{{Role: model.RoleUser, Text: "hi"}})
	gt.Error(t, err)
}

func TestOpenAIGenerateNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	client := adapter.NewOpenAI(srv.URL)
	_, err := client.Generate(context.Background(), []model.ChatMessage{{Role: model.RoleUser, Text: "hi"}})
	gt.Error(t, err)
}

func TestOpenAIGenerateLive(t *testing.T) {
	baseURL := os.Getenv("TEST_OPENAI_BASE_URL")
	if baseURL == "" {
		t.Skip("TEST_OPENAI_BASE_URL is not set")
	}

	client := adapter.NewOpenAI(baseURL, adapter.WithOpenAIAPIKey(os.Getenv("TEST_OPENAI_API_KEY")))
	text, err := client.Generate(context.Background(), []model.ChatMessage{
		{Role: model.RoleUser, Text: "Reply with the word pong."},
	})
	gt.NoError(t, err)
	gt.S(t, text).Contains("pong")
}
