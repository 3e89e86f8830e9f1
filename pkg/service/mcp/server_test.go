package mcp_test

import (
	"context"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/memoria/pkg/model"
	"github.com/m-mizutani/memoria/pkg/repository"
	"github.com/m-mizutani/memoria/pkg/service/mcp"
	"github.com/m-mizutani/memoria/pkg/usecase/memory"
	"github.com/m-mizutani/memoria/pkg/usecase/memory/testoracle"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

func connect(t *testing.T, o *testoracle.Oracle, opts []mcp.Option, seed ...model.Memory) (*mcpsdk.ClientSession, *memory.Session) {
	ctx := context.Background()

	repo, err := repository.NewMemory(seed...)
	gt.NoError(t, err)
	mgr, err := memory.New(repo, o)
	gt.NoError(t, err)
	session := memory.NewSession(mgr)

	serverTransport, clientTransport := mcpsdk.NewInMemoryTransports()
	ss, err := mcp.NewServer(session, opts...).Connect(ctx, serverTransport)
	gt.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	gt.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })

	return cs, session
}

func call(t *testing.T, cs *mcpsdk.ClientSession, name string, args map[string]any) *mcpsdk.CallToolResult {
	result, err := cs.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	gt.NoError(t, err)
	return result
}

func structured(t *testing.T, result *mcpsdk.CallToolResult) map[string]any {
	gt.False(t, result.IsError)
	out, ok := result.StructuredContent.(map[string]any)
	gt.True(t, ok)
	return out
}

func TestListTools(t *testing.T) {
	cs, _ := connect(t, &testoracle.Oracle{}, nil)

	res, err := cs.ListTools(context.Background(), nil)
	gt.NoError(t, err)

	names := map[string]bool{}
	for _, tool := range res.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{
		"memory_list", "memory_get", "memory_add", "memory_remove",
		"memory_full_update", "memory_visible", "memory_context",
	} {
		gt.True(t, names[want])
	}
}

func TestMemoryTools(t *testing.T) {
	cs, session := connect(t, &testoracle.Oracle{}, nil, model.Memory{Name: "residence", Abstract: "where", MemoryBlock: "Kyoto"})

	out := structured(t, call(t, cs, "memory_list", map[string]any{}))
	gt.A(t, out["memories"].([]any)).Length(1)

	out = structured(t, call(t, cs, "memory_get", map[string]any{"name": "residence"}))
	gt.Equal(t, out["memory_block"], any("Kyoto"))

	res := call(t, cs, "memory_get", map[string]any{"name": "ghost"})
	gt.True(t, res.IsError)

	out = structured(t, call(t, cs, "memory_add", map[string]any{
		"name": "pets", "abstract": "pets", "memory_block": "cat",
	}))
	gt.A(t, out["visible_memories"].([]any)).Length(1)
	gt.A(t, session.Current().Visible()).Length(1)

	res = call(t, cs, "memory_add", map[string]any{
		"name": "pets", "abstract": "pets", "memory_block": "dog",
	})
	gt.True(t, res.IsError)

	out = structured(t, call(t, cs, "memory_context", map[string]any{}))
	gt.S(t, out["context"].(string)).Contains("cat")

	out = structured(t, call(t, cs, "memory_remove", map[string]any{"name": "pets"}))
	gt.A(t, out["visible_memories"].([]any)).Length(0)

	res = call(t, cs, "memory_remove", map[string]any{"name": "pets"})
	gt.True(t, res.IsError)
}

func TestFullUpdateTool(t *testing.T) {
	o := &testoracle.Oracle{
		ExtractNewMemoriesFunc: func(ctx context.Context, tr []model.ChatMessage, abstracts []model.MemoryAbstract) ([]model.Memory, error) {
			gt.Equal(t, tr, []model.ChatMessage{{Role: "user", Text: "I have a cat"}})
			return []model.Memory{{Name: "pets", Abstract: "pets", MemoryBlock: "cat"}}, nil
		},
		FindAssociatedMemoriesFunc: func(ctx context.Context, tr []model.ChatMessage, abstracts []model.MemoryAbstract) ([]string, error) {
			return []string{"pets", "residence"}, nil
		},
	}
	cs, session := connect(t, o, []mcp.Option{mcp.WithVisibleLimit(1)}, model.Memory{Name: "residence"})

	out := structured(t, call(t, cs, "memory_full_update", map[string]any{
		"chat_messages": []map[string]any{{"role": "user", "text": "I have a cat"}},
	}))
	gt.A(t, out["visible_memories"].([]any)).Length(1)
	gt.Equal(t, session.Current().Relevance(), model.RelevanceMap{"pets": 1, "residence": 1})

	out = structured(t, call(t, cs, "memory_visible", map[string]any{"limit": 5}))
	gt.A(t, out["visible_memories"].([]any)).Length(2)
}
