package mcp

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoria/pkg/model"
	"github.com/m-mizutani/memoria/pkg/usecase/memory"
	"github.com/m-mizutani/memoria/pkg/utils/logging"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Server exposes a memory.Session as MCP tools
type Server struct {
	session      *memory.Session
	server       *mcp.Server
	version      string
	visibleLimit int
}

type Option func(*Server)

// WithVersion sets the implementation version reported to clients
func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// WithVisibleLimit refreshes the visible list to limit after memory_full_update. Zero skips the refresh.
func WithVisibleLimit(limit int) Option {
	return func(s *Server) {
		s.visibleLimit = limit
	}
}

// NewServer creates an MCP server with the memory tools registered
func NewServer(session *memory.Session, opts ...Option) *Server {
	s := &Server{session: session, version: "dev"}
	for _, opt := range opts {
		opt(s)
	}

	s.server = mcp.NewServer(&mcp.Implementation{
		Name:    "memoria",
		Version: s.version,
	}, nil)
	s.registerTools()
	return s
}

// Run serves over transport until the client disconnects or ctx is canceled
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	logging.From(ctx).Info("MCP server started", "version", s.version)
	if err := s.server.Run(ctx, transport); err != nil {
		return goerr.Wrap(err, "MCP server failed")
	}
	return nil
}

// Connect starts a session over transport without blocking
func (s *Server) Connect(ctx context.Context, transport mcp.Transport) (*mcp.ServerSession, error) {
	ss, err := s.server.Connect(ctx, transport, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to connect MCP transport")
	}
	return ss, nil
}

type noInput struct{}

type nameInput struct {
	Name string `json:"name" jsonschema:"name of the memory"`
}

type addInput struct {
	Name        string `json:"name" jsonschema:"unique name of the memory"`
	Abstract    string `json:"abstract" jsonschema:"short description of what the memory covers"`
	MemoryBlock string `json:"memory_block" jsonschema:"full content of the memory"`
}

type fullUpdateInput struct {
	ChatMessages []model.ChatMessage `json:"chat_messages" jsonschema:"conversation to learn from, oldest first"`
	Delta        *int                `json:"delta,omitempty" jsonschema:"relevance added to associated memories, 1 when omitted"`
}

type visibleInput struct {
	Limit *int `json:"limit,omitempty" jsonschema:"refresh the visible list to this many memories before returning it"`
}

type listOutput struct {
	Memories []model.MemoryAbstract `json:"memories" jsonschema:"abstracts of every stored memory"`
}

type stateOutput struct {
	VisibleMemories []model.Memory     `json:"visible_memories" jsonschema:"memories currently visible"`
	RelevanceMap    model.RelevanceMap `json:"relevance_map" jsonschema:"accumulated relevance per memory name"`
}

type contextOutput struct {
	Context  string         `json:"context" jsonschema:"visible memories rendered as a system prompt"`
	Memories []model.Memory `json:"memories" jsonschema:"memories currently visible"`
}

func newStateOutput(m *memory.Manager) stateOutput {
	visible := m.Visible()
	if visible == nil {
		visible = []model.Memory{}
	}
	return stateOutput{VisibleMemories: visible, RelevanceMap: m.Relevance()}
}

func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "memory_list",
		Description: "List the name and abstract of every stored memory",
	}, s.listMemories)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "memory_get",
		Description: "Get the full content of a memory by name",
	}, s.getMemory)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "memory_add",
		Description: "Store a new memory and make it visible",
	}, s.addMemory)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "memory_remove",
		Description: "Delete a memory by name",
	}, s.removeMemory)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "memory_full_update",
		Description: "Learn from a conversation: add new memories, rewrite outdated ones and bump relevance of related ones",
	}, s.fullUpdate)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "memory_visible",
		Description: "Get the visible memories and relevance counts. With limit, re-rank the stored memories and keep the result",
	}, s.visible)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "memory_context",
		Description: "Get the visible memories rendered as a prompt preamble",
	}, s.memoryContext)
}

func (s *Server) listMemories(ctx context.Context, _ *mcp.CallToolRequest, _ noInput) (*mcp.CallToolResult, listOutput, error) {
	abstracts, err := s.session.Current().Repository().FetchAllAbstracts(ctx)
	if err != nil {
		return nil, listOutput{}, err
	}
	if abstracts == nil {
		abstracts = []model.MemoryAbstract{}
	}
	return nil, listOutput{Memories: abstracts}, nil
}

func (s *Server) getMemory(ctx context.Context, _ *mcp.CallToolRequest, in nameInput) (*mcp.CallToolResult, model.Memory, error) {
	m, err := s.session.Current().Repository().FetchByName(ctx, in.Name)
	if err != nil {
		return nil, model.Memory{}, err
	}
	if m == nil {
		return nil, model.Memory{}, goerr.Wrap(model.ErrNotFound, "no such memory", goerr.V("name", in.Name))
	}
	return nil, *m, nil
}

func (s *Server) addMemory(ctx context.Context, _ *mcp.CallToolRequest, in addInput) (*mcp.CallToolResult, stateOutput, error) {
	next, err := s.session.Apply(ctx, func(ctx context.Context, m *memory.Manager) (*memory.Manager, error) {
		return m.ForceAdd(ctx, model.Memory{Name: in.Name, Abstract: in.Abstract, MemoryBlock: in.MemoryBlock})
	})
	if err != nil {
		return nil, stateOutput{}, err
	}
	return nil, newStateOutput(next), nil
}

func (s *Server) removeMemory(ctx context.Context, _ *mcp.CallToolRequest, in nameInput) (*mcp.CallToolResult, stateOutput, error) {
	next, err := s.session.Apply(ctx, func(ctx context.Context, m *memory.Manager) (*memory.Manager, error) {
		return m.ForceRemove(ctx, in.Name)
	})
	if err != nil {
		return nil, stateOutput{}, err
	}
	return nil, newStateOutput(next), nil
}

func (s *Server) fullUpdate(ctx context.Context, _ *mcp.CallToolRequest, in fullUpdateInput) (*mcp.CallToolResult, stateOutput, error) {
	delta := 1
	if in.Delta != nil {
		delta = *in.Delta
	}

	next, err := s.session.Apply(ctx, func(ctx context.Context, m *memory.Manager) (*memory.Manager, error) {
		next, err := m.FullUpdate(ctx, in.ChatMessages, delta)
		if err != nil {
			return nil, err
		}
		if s.visibleLimit > 0 {
			return next.RefreshVisible(ctx, s.visibleLimit)
		}
		return next, nil
	})
	if err != nil {
		return nil, stateOutput{}, err
	}
	return nil, newStateOutput(next), nil
}

func (s *Server) visible(ctx context.Context, _ *mcp.CallToolRequest, in visibleInput) (*mcp.CallToolResult, stateOutput, error) {
	if in.Limit == nil {
		return nil, newStateOutput(s.session.Current()), nil
	}

	next, err := s.session.Apply(ctx, func(ctx context.Context, m *memory.Manager) (*memory.Manager, error) {
		return m.RefreshVisible(ctx, *in.Limit)
	})
	if err != nil {
		return nil, stateOutput{}, err
	}
	return nil, newStateOutput(next), nil
}

func (s *Server) memoryContext(_ context.Context, _ *mcp.CallToolRequest, _ noInput) (*mcp.CallToolResult, contextOutput, error) {
	current := s.session.Current()
	out := contextOutput{Memories: newStateOutput(current).VisibleMemories}
	if msg, ok := current.Context(); ok {
		out.Context = msg.Text
	}
	return nil, out, nil
}
