package memory

import (
	"context"
	"log/slog"
	"slices"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoria/pkg/model"
	"github.com/m-mizutani/memoria/pkg/policy"
	"github.com/m-mizutani/memoria/pkg/repository"
	"github.com/m-mizutani/memoria/pkg/utils/logging"
	"github.com/m-mizutani/memoria/pkg/utils/metrics"
)

// Oracle is the structured protocol the manager consults. *oracle.Client implements it.
type Oracle interface {
	ListMemoriesToUpdate(ctx context.Context, transcript []model.ChatMessage, abstracts []model.MemoryAbstract) ([]string, error)
	UpdateSingleMemory(ctx context.Context, transcript []model.ChatMessage, memory model.Memory) (model.Memory, error)
	ExtractNewMemories(ctx context.Context, transcript []model.ChatMessage, abstracts []model.MemoryAbstract) ([]model.Memory, error)
	FindAssociatedMemories(ctx context.Context, transcript []model.ChatMessage, abstracts []model.MemoryAbstract) ([]string, error)
	Generate(ctx context.Context, transcript []model.ChatMessage) (string, error)
}

// FanOutPolicy controls how a failed per-memory update affects its group
type FanOutPolicy int

const (
	// FanOutAllOrNothing aborts the operation when any member fails
	FanOutAllOrNothing FanOutPolicy = iota
	// FanOutPartial logs failed members and applies the rest
	FanOutPartial
)

// config is shared by every snapshot derived from the same New call and never changes
type config struct {
	fanOut      FanOutPolicy
	concurrency int
	admission   *policy.Admission
	metrics     *metrics.Metrics
}

// Manager is an immutable snapshot of the memory state: the store handle,
// the visible memories and the relevance counts. Every operation returns a
// new Manager and leaves the receiver untouched. On error no snapshot is
// returned and the caller keeps using the previous one.
type Manager struct {
	repo   repository.Repository
	oracle Oracle
	cfg    *config

	visible   []model.Memory
	relevance model.RelevanceMap
}

type options struct {
	visible   []model.Memory
	relevance model.RelevanceMap
	cfg       config
}

type Option func(*options)

// WithVisible sets the initial visible memories
func WithVisible(memories []model.Memory) Option {
	return func(o *options) {
		o.visible = memories
	}
}

// WithRelevance sets the initial relevance counts
func WithRelevance(relevance model.RelevanceMap) Option {
	return func(o *options) {
		o.relevance = relevance
	}
}

func WithFanOutPolicy(p FanOutPolicy) Option {
	return func(o *options) {
		o.cfg.fanOut = p
	}
}

// WithConcurrency bounds the number of concurrent per-memory updates. Zero means unbounded.
func WithConcurrency(n int) Option {
	return func(o *options) {
		o.cfg.concurrency = n
	}
}

// WithAdmission filters memories proposed by the oracle
func WithAdmission(a *policy.Admission) Option {
	return func(o *options) {
		o.cfg.admission = a
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.cfg.metrics = m
	}
}

// New creates the first snapshot of a chain
func New(repo repository.Repository, oracle Oracle, opts ...Option) (*Manager, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	for i, m := range o.visible {
		if model.FindMemory(o.visible[:i], m.Name) >= 0 {
			return nil, goerr.Wrap(model.ErrDuplicateKey, "initial visible memories must have unique names",
				goerr.V("name", m.Name))
		}
	}

	cfg := o.cfg
	return &Manager{
		repo:      repo,
		oracle:    oracle,
		cfg:       &cfg,
		visible:   slices.Clone(o.visible),
		relevance: o.relevance.Clone(),
	}, nil
}

// derive creates the next snapshot. visible and relevance must not be shared with any other snapshot.
func (m *Manager) derive(visible []model.Memory, relevance model.RelevanceMap) *Manager {
	return &Manager{
		repo:      m.repo,
		oracle:    m.oracle,
		cfg:       m.cfg,
		visible:   visible,
		relevance: relevance,
	}
}

// Visible returns a copy of the visible memories
func (m *Manager) Visible() []model.Memory {
	return slices.Clone(m.visible)
}

// Relevance returns a copy of the relevance counts
func (m *Manager) Relevance() model.RelevanceMap {
	return m.relevance.Clone()
}

// Repository returns the shared store handle
func (m *Manager) Repository() repository.Repository {
	return m.repo
}

// Generate passes transcript through to the oracle
func (m *Manager) Generate(ctx context.Context, transcript []model.ChatMessage) (string, error) {
	return m.oracle.Generate(ctx, transcript)
}

// startOp attaches an operation id to the context logger
func startOp(ctx context.Context, op string) (context.Context, *slog.Logger) {
	logger := logging.From(ctx).With("op", op, "op_id", uuid.NewString())
	return logging.With(ctx, logger), logger
}
