package oracle_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/memoria/pkg/adapter"
	"github.com/m-mizutani/memoria/pkg/model"
	"github.com/m-mizutani/memoria/pkg/oracle"
	"github.com/m-mizutani/memoria/pkg/utils/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var transcript = []model.ChatMessage{
	{Role: model.RoleUser, Text: "I moved to Kyoto last month"},
	{Role: model.RoleAssistant, Text: "How do you like it?"},
}

var abstracts = []model.MemoryAbstract{
	{Name: "residence", Abstract: "where the user lives"},
	{Name: "hobbies", Abstract: "what the user does for fun"},
}

// replyWith returns an oracle that answers every call with text and records the transcript it got
func replyWith(text string, got *[]model.ChatMessage) adapter.Oracle {
	return adapter.OracleFunc(func(ctx context.Context, messages []model.ChatMessage) (string, error) {
		if got != nil {
			*got = messages
		}
		return text, nil
	})
}

func newClient(t *testing.T, o adapter.Oracle, opts ...oracle.Option) *oracle.Client {
	client, err := oracle.New(o, opts...)
	gt.NoError(t, err)
	return client
}

func TestListMemoriesToUpdateRequestShape(t *testing.T) {
	var got []model.ChatMessage
	client := newClient(t, replyWith(`{"memories_to_update": ["residence"]}`, &got))

	names, err := client.ListMemoriesToUpdate(context.Background(), transcript, abstracts)
	gt.NoError(t, err)
	gt.Equal(t, names, []string{"residence"})

	gt.A(t, got).Length(2)
	gt.Equal(t, got[0].Role, model.RoleSystem)
	gt.S(t, got[0].Text).Contains(`"memories_to_update"`)
	gt.S(t, got[0].Text).Contains(`"old_memory"`)
	gt.Equal(t, got[1].Role, model.RoleUser)

	var req map[string]any
	gt.NoError(t, json.Unmarshal([]byte(got[1].Text), &req))
	gt.Map(t, req).HasKey("chat_history")
	gt.Map(t, req).HasKey("old_memory")

	history, ok := req["chat_history"].([]any)
	gt.True(t, ok)
	gt.A(t, history).Length(2)
	first, ok := history[0].(map[string]any)
	gt.True(t, ok)
	gt.Equal(t, first["role"], any("user"))
	gt.Equal(t, first["text"], any("I moved to Kyoto last month"))
}

func TestListMemoriesToUpdateFiltersUnknownNames(t *testing.T) {
	client := newClient(t, replyWith(`{"memories_to_update": ["hobbies", "ghost", "residence", "hobbies"]}`, nil))

	names, err := client.ListMemoriesToUpdate(context.Background(), transcript, abstracts)
	gt.NoError(t, err)
	gt.Equal(t, names, []string{"hobbies", "residence"})
}

func TestEmptyListsAreSentAsArrays(t *testing.T) {
	var got []model.ChatMessage
	client := newClient(t, replyWith(`{"new_memories": []}`, &got))

	_, err := client.ExtractNewMemories(context.Background(), nil, nil)
	gt.NoError(t, err)
	gt.Equal(t, got[1].Text, `{"current_memories":[],"chat_history":[]}`)
}

func TestUpdateSingleMemoryKeepsIdentity(t *testing.T) {
	var got []model.ChatMessage
	client := newClient(t, replyWith(`{"new_memory_block": "lives in Kyoto since last month"}`, &got))

	old := model.Memory{Name: "residence", Abstract: "where the user lives", MemoryBlock: "lives in Tokyo"}
	updated, err := client.UpdateSingleMemory(context.Background(), transcript, old)
	gt.NoError(t, err)
	gt.Equal(t, updated, model.Memory{
		Name:        "residence",
		Abstract:    "where the user lives",
		MemoryBlock: "lives in Kyoto since last month",
	})

	var req map[string]any
	gt.NoError(t, json.Unmarshal([]byte(got[1].Text), &req))
	oldMemory, ok := req["old_memory"].(map[string]any)
	gt.True(t, ok)
	gt.Equal(t, oldMemory["memory_block"], any("lives in Tokyo"))
}

func TestExtractNewMemories(t *testing.T) {
	client := newClient(t, replyWith(`Sure! Here are the new memories:
{"new_memories": [{"name": "pets", "abstract": "pets of the user", "memory_block": "has a cat"}]}
Let me know if you need anything else.`, nil))

	memories, err := client.ExtractNewMemories(context.Background(), transcript, abstracts)
	gt.NoError(t, err)
	gt.Equal(t, memories, []model.Memory{
		{Name: "pets", Abstract: "pets of the user", MemoryBlock: "has a cat"},
	})
}

func TestFindAssociatedMemories(t *testing.T) {
	var got []model.ChatMessage
	client := newClient(t, replyWith("```json\n{\"associated_memories\": [\"residence\"]}\n```", &got))

	names, err := client.FindAssociatedMemories(context.Background(), transcript, abstracts)
	gt.NoError(t, err)
	gt.Equal(t, names, []string{"residence"})

	var req map[string]any
	gt.NoError(t, json.Unmarshal([]byte(got[1].Text), &req))
	gt.Map(t, req).HasKey("current_memories")
	gt.Map(t, req).HasKey("chat_messages")
}

func TestAdversarialBraces(t *testing.T) {
	testCases := map[string]string{
		"braces inside string": `{"new_memories": [{"name": "code", "abstract": "snippets", "memory_block": "func main() { if x { y() } }"}]}`,
		"unbalanced braces inside string": `{"new_memories": [{"name": "code", "abstract": "snippets", "memory_block": "closing } only } here"}]}`,
		"prose with braces around": `Thinking {about it}... {"new_memories": [{"name": "code", "abstract": "snippets", "memory_block": "a { b"}]} done {ok}`,
		"escaped quotes and braces": `{"new_memories": [{"name": "code", "abstract": "snippets", "memory_block": "say \"}{\" loudly"}]}`,
	}

	for title, reply := range testCases {
		t.Run(title, func(t *testing.T) {
			client := newClient(t, replyWith(reply, nil))
			memories, err := client.ExtractNewMemories(context.Background(), transcript, abstracts)
			gt.NoError(t, err)
			gt.A(t, memories).Length(1)
			gt.Equal(t, memories[0].Name, "code")
		})
	}
}

func TestNestedObjectIsNotAReply(t *testing.T) {
	testCases := map[string]string{
		"wrapped list":         `{"unexpected": {"memories_to_update": ["residence"]}}`,
		"wrapped in array":     `{"replies": [{"memories_to_update": ["residence"]}]}`,
		"wrapped with prose":   `Here: {"result": {"memories_to_update": ["residence"]}} done`,
		"wrapped inside block": "```json\n{\"answer\": {\"memories_to_update\": [\"hobbies\"]}}\n```",
	}

	for title, reply := range testCases {
		t.Run(title, func(t *testing.T) {
			client := newClient(t, replyWith(reply, nil))
			names, err := client.ListMemoriesToUpdate(context.Background(), transcript, abstracts)
			gt.True(t, errors.Is(err, model.ErrOracleProtocol))
			gt.A(t, names).Length(0)
		})
	}
}

func TestProseFragmentsBeforeReply(t *testing.T) {
	t.Run("fragment that does not match is passed over", func(t *testing.T) {
		client := newClient(t, replyWith(`You asked for {"format": "json"}, so: {"memories_to_update": ["residence"]}`, nil))
		names, err := client.ListMemoriesToUpdate(context.Background(), transcript, abstracts)
		gt.NoError(t, err)
		gt.Equal(t, names, []string{"residence"})
	})

	t.Run("matching fragment that differs from the reply is ambiguous", func(t *testing.T) {
		client := newClient(t, replyWith(`The format is {"memories_to_update": []}. Answer: {"memories_to_update": ["residence"]}`, nil))
		_, err := client.ListMemoriesToUpdate(context.Background(), transcript, abstracts)
		gt.True(t, errors.Is(err, model.ErrOracleProtocol))
	})

	t.Run("repeated identical reply is accepted", func(t *testing.T) {
		client := newClient(t, replyWith(`{"memories_to_update": ["hobbies"]}
Final answer: {"memories_to_update":["hobbies"]}`, nil))
		names, err := client.ListMemoriesToUpdate(context.Background(), transcript, abstracts)
		gt.NoError(t, err)
		gt.Equal(t, names, []string{"hobbies"})
	})
}

func TestBraceInStringSurvivesExactly(t *testing.T) {
	client := newClient(t, replyWith(`note: {"new_memory_block": "map = {\"a\": {1}}"} trailing }`, nil))

	updated, err := client.UpdateSingleMemory(context.Background(), transcript, model.Memory{Name: "m"})
	gt.NoError(t, err)
	gt.Equal(t, updated.MemoryBlock, `map = {"a": {1}}`)
}

func TestExtraFieldsAreTolerated(t *testing.T) {
	client := newClient(t, replyWith(`{"reasoning": "the user moved", "memories_to_update": ["residence"]}`, nil))

	names, err := client.ListMemoriesToUpdate(context.Background(), transcript, abstracts)
	gt.NoError(t, err)
	gt.Equal(t, names, []string{"residence"})
}

func TestProtocolErrors(t *testing.T) {
	testCases := map[string]string{
		"no object":        "I could not decide.",
		"broken json":      `{"memories_to_update": ["residence"`,
		"missing field":    `{"names": ["residence"]}`,
		"wrong type":       `{"memories_to_update": "residence"}`,
		"wrong item type":  `{"memories_to_update": [1, 2]}`,
		"null list":        `{"memories_to_update": null}`,
		"top level array":  `["residence"]`,
		"empty reply":      "",
		"only close brace": "}",
	}

	for title, reply := range testCases {
		t.Run(title, func(t *testing.T) {
			client := newClient(t, replyWith(reply, nil))
			_, err := client.ListMemoriesToUpdate(context.Background(), transcript, abstracts)
			gt.Error(t, err)
			gt.True(t, errors.Is(err, model.ErrOracleProtocol))
		})
	}
}

func TestMissingMemoryFieldIsProtocolError(t *testing.T) {
	client := newClient(t, replyWith(`{"new_memories": [{"name": "pets", "abstract": "pets"}]}`, nil))

	_, err := client.ExtractNewMemories(context.Background(), transcript, abstracts)
	gt.True(t, errors.Is(err, model.ErrOracleProtocol))
}

func TestTransportErrorIsProtocolError(t *testing.T) {
	client := newClient(t, adapter.OracleFunc(func(ctx context.Context, messages []model.ChatMessage) (string, error) {
		return "", errors.New("connection refused")
	}))

	_, err := client.FindAssociatedMemories(context.Background(), transcript, abstracts)
	gt.True(t, errors.Is(err, model.ErrOracleProtocol))

	_, err = client.Generate(context.Background(), transcript)
	gt.True(t, errors.Is(err, model.ErrOracleProtocol))
}

func TestTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	hung := adapter.OracleFunc(func(ctx context.Context, messages []model.ChatMessage) (string, error) {
		<-release
		return `{"associated_memories": []}`, nil
	})
	client := newClient(t, hung, oracle.WithTimeout(50*time.Millisecond))

	started := time.Now()
	_, err := client.FindAssociatedMemories(context.Background(), transcript, abstracts)
	gt.True(t, errors.Is(err, model.ErrOracleProtocol))
	gt.True(t, time.Since(started) < 5*time.Second)
}

func TestCanceledContext(t *testing.T) {
	client := newClient(t, adapter.OracleFunc(func(ctx context.Context, messages []model.ChatMessage) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.ExtractNewMemories(ctx, transcript, abstracts)
	gt.True(t, errors.Is(err, model.ErrOracleProtocol))
}

func TestGeneratePassthrough(t *testing.T) {
	var got []model.ChatMessage
	client := newClient(t, replyWith("plain answer", &got))

	text, err := client.Generate(context.Background(), transcript)
	gt.NoError(t, err)
	gt.Equal(t, text, "plain answer")
	gt.Equal(t, got, transcript)
}

func TestSystemPrompts(t *testing.T) {
	client := newClient(t, replyWith("", nil))

	for exchange, fields := range map[string][]string{
		oracle.ExchangeListMemoriesToUpdate:   {"chat_history", "old_memory", "memories_to_update"},
		oracle.ExchangeUpdateSingleMemory:     {"chat_history", "old_memory", "memory_block", "new_memory_block"},
		oracle.ExchangeExtractNewMemories:     {"current_memories", "chat_history", "new_memories"},
		oracle.ExchangeFindAssociatedMemories: {"current_memories", "chat_messages", "associated_memories"},
	} {
		prompt := client.SystemPrompt(exchange)
		gt.S(t, prompt).Contains("Do not output any content outside of the JSON body.")
		for _, field := range fields {
			gt.S(t, prompt).Contains(`"` + field + `"`)
		}
	}
	gt.Equal(t, client.SystemPrompt("unknown"), "")
}

func TestMetrics(t *testing.T) {
	m := metrics.New("memoria")
	client := newClient(t, replyWith(`{"associated_memories": ["residence"]}`, nil), oracle.WithMetrics(m))

	_, err := client.FindAssociatedMemories(context.Background(), transcript, abstracts)
	gt.NoError(t, err)
	gt.Equal(t, testutil.ToFloat64(m.OracleCalls.WithLabelValues(oracle.ExchangeFindAssociatedMemories, "ok")), 1.0)
}
