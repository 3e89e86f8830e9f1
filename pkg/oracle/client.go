package oracle

import (
	"context"
	"encoding/json"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoria/pkg/adapter"
	"github.com/m-mizutani/memoria/pkg/model"
	"github.com/m-mizutani/memoria/pkg/utils/logging"
	"github.com/m-mizutani/memoria/pkg/utils/metrics"
)

// Client speaks the structured memory exchanges over an adapter.Oracle.
// Every failure of an exchange, including transport errors and timeouts,
// is reported as model.ErrOracleProtocol.
type Client struct {
	oracle  adapter.Oracle
	timeout time.Duration
	metrics *metrics.Metrics

	listToUpdate *exchange[ListMemoriesToUpdateRequest, ListMemoriesToUpdateResponse]
	updateSingle *exchange[UpdateSingleMemoryRequest, UpdateSingleMemoryResponse]
	extractNew   *exchange[ExtractNewMemoriesRequest, ExtractNewMemoriesResponse]
	associated   *exchange[FindAssociatedMemoriesRequest, FindAssociatedMemoriesResponse]
}

type Option func(*Client)

// WithTimeout bounds every oracle round-trip. Zero leaves the caller's context in charge.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// New builds a protocol client over oracle
func New(oracle adapter.Oracle, opts ...Option) (*Client, error) {
	c := &Client{oracle: oracle}
	for _, opt := range opts {
		opt(c)
	}

	var err error
	if c.listToUpdate, err = newExchange[ListMemoriesToUpdateRequest, ListMemoriesToUpdateResponse](ExchangeListMemoriesToUpdate); err != nil {
		return nil, err
	}
	if c.updateSingle, err = newExchange[UpdateSingleMemoryRequest, UpdateSingleMemoryResponse](ExchangeUpdateSingleMemory); err != nil {
		return nil, err
	}
	if c.extractNew, err = newExchange[ExtractNewMemoriesRequest, ExtractNewMemoriesResponse](ExchangeExtractNewMemories); err != nil {
		return nil, err
	}
	if c.associated, err = newExchange[FindAssociatedMemoriesRequest, FindAssociatedMemoriesResponse](ExchangeFindAssociatedMemories); err != nil {
		return nil, err
	}

	return c, nil
}

// Generate sends transcript to the oracle as is
func (c *Client) Generate(ctx context.Context, transcript []model.ChatMessage) (string, error) {
	started := time.Now()
	text, err := c.generate(ctx, transcript)
	c.metrics.ObserveOracle("generate", time.Since(started), err)
	return text, err
}

func (c *Client) generate(ctx context.Context, transcript []model.ChatMessage) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := c.oracle.Generate(ctx, transcript)
		done <- result{text: text, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return "", goerr.Wrap(model.ErrOracleProtocol, "oracle round-trip failed",
				goerr.V("cause", r.err.Error()))
		}
		return r.text, nil
	case <-ctx.Done():
		return "", goerr.Wrap(model.ErrOracleProtocol, "oracle round-trip aborted",
			goerr.V("cause", ctx.Err().Error()),
			goerr.V("timeout", c.timeout.String()))
	}
}

// call runs one structured exchange: system prompt with schemas, then the request JSON as a user message
func call[Req, Resp any](ctx context.Context, c *Client, ex *exchange[Req, Resp], req Req) (*Resp, error) {
	started := time.Now()
	resp, err := doCall(ctx, c, ex, req)
	c.metrics.ObserveOracle(ex.name, time.Since(started), err)
	return resp, err
}

func doCall[Req, Resp any](ctx context.Context, c *Client, ex *exchange[Req, Resp], req Req) (*Resp, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal oracle request", goerr.V("exchange", ex.name))
	}

	logger := logging.From(ctx)
	logger.Debug("oracle request", "exchange", ex.name, "bytes", len(body))

	text, err := c.generate(ctx, []model.ChatMessage{
		{Role: model.RoleSystem, Text: ex.systemPrompt},
		{Role: model.RoleUser, Text: string(body)},
	})
	if err != nil {
		return nil, goerr.Wrap(err, "oracle exchange failed", goerr.V("exchange", ex.name))
	}

	resp, err := decodeReply[Resp](text, ex.output)
	if err != nil {
		return nil, goerr.Wrap(err, "invalid oracle reply", goerr.V("exchange", ex.name))
	}

	logger.Debug("oracle reply", "exchange", ex.name, "reply", truncate(text, 256))
	return resp, nil
}

// ListMemoriesToUpdate asks which memories must be rewritten given transcript.
// Names outside abstracts are dropped and duplicates removed, keeping the oracle's order.
func (c *Client) ListMemoriesToUpdate(ctx context.Context, transcript []model.ChatMessage, abstracts []model.MemoryAbstract) ([]string, error) {
	resp, err := call(ctx, c, c.listToUpdate, ListMemoriesToUpdateRequest{
		ChatHistory: nonNil(transcript),
		OldMemory:   nonNil(abstracts),
	})
	if err != nil {
		return nil, err
	}

	known := make(map[string]bool, len(abstracts))
	for _, abs := range abstracts {
		known[abs.Name] = true
	}

	names := make([]string, 0, len(resp.MemoriesToUpdate))
	seen := make(map[string]bool, len(resp.MemoriesToUpdate))
	for _, name := range resp.MemoriesToUpdate {
		if !known[name] {
			logging.From(ctx).Warn("oracle proposed unknown memory to update", "name", name)
			continue
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names, nil
}

// UpdateSingleMemory rewrites memory from transcript. Name and abstract are kept; only the block changes.
func (c *Client) UpdateSingleMemory(ctx context.Context, transcript []model.ChatMessage, memory model.Memory) (model.Memory, error) {
	resp, err := call(ctx, c, c.updateSingle, UpdateSingleMemoryRequest{
		ChatHistory: nonNil(transcript),
		OldMemory:   memory,
	})
	if err != nil {
		return model.Memory{}, goerr.Wrap(err, "failed to update memory", goerr.V("name", memory.Name))
	}
	return memory.WithBlock(resp.NewMemoryBlock), nil
}

// ExtractNewMemories asks for memories covering information not captured by abstracts
func (c *Client) ExtractNewMemories(ctx context.Context, transcript []model.ChatMessage, abstracts []model.MemoryAbstract) ([]model.Memory, error) {
	resp, err := call(ctx, c, c.extractNew, ExtractNewMemoriesRequest{
		CurrentMemories: nonNil(abstracts),
		ChatHistory:     nonNil(transcript),
	})
	if err != nil {
		return nil, err
	}
	return resp.NewMemories, nil
}

// FindAssociatedMemories asks which memories in abstracts relate to transcript
func (c *Client) FindAssociatedMemories(ctx context.Context, transcript []model.ChatMessage, abstracts []model.MemoryAbstract) ([]string, error) {
	resp, err := call(ctx, c, c.associated, FindAssociatedMemoriesRequest{
		CurrentMemories: nonNil(abstracts),
		ChatMessages:    nonNil(transcript),
	})
	if err != nil {
		return nil, err
	}
	return resp.AssociatedMemories, nil
}

// SystemPrompt returns the rendered system prompt of an exchange, or empty for an unknown name
func (c *Client) SystemPrompt(exchange string) string {
	switch exchange {
	case ExchangeListMemoriesToUpdate:
		return c.listToUpdate.systemPrompt
	case ExchangeUpdateSingleMemory:
		return c.updateSingle.systemPrompt
	case ExchangeExtractNewMemories:
		return c.extractNew.systemPrompt
	case ExchangeFindAssociatedMemories:
		return c.associated.systemPrompt
	}
	return ""
}

// nonNil keeps empty lists encoded as [] rather than null
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
