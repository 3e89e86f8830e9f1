package memory

import (
	"bytes"
	"cmp"
	"context"
	_ "embed"
	"slices"
	"text/template"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoria/pkg/model"
	"github.com/m-mizutani/memoria/pkg/utils/logging"
)

//go:embed prompt/context.md
var contextPromptRaw string

var contextPromptTmpl = template.Must(template.New("context").Parse(contextPromptRaw))

// RefreshVisible replaces the visible memories with the limit most relevant
// stored memories. Memories with equal counts keep the store's order. A
// negative limit selects nothing and a limit beyond the store size selects
// everything. Memories that disappear between listing and fetching are
// skipped.
func (m *Manager) RefreshVisible(ctx context.Context, limit int) (*Manager, error) {
	ctx, logger := startOp(ctx, "refresh_visible")

	abstracts, err := m.repo.FetchAllAbstracts(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to fetch memory abstracts")
	}

	ranked := slices.Clone(abstracts)
	slices.SortStableFunc(ranked, func(a, b model.MemoryAbstract) int {
		return cmp.Compare(m.relevance.Get(b.Name), m.relevance.Get(a.Name))
	})

	limit = max(0, min(limit, len(ranked)))

	visible := make([]model.Memory, 0, limit)
	for _, abs := range ranked[:limit] {
		memory, err := m.repo.FetchByName(ctx, abs.Name)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to fetch memory", goerr.V("name", abs.Name))
		}
		if memory == nil {
			logger.Debug("memory vanished while refreshing, skipped", "name", abs.Name)
			continue
		}
		visible = append(visible, *memory)
	}

	logger.Debug("visible memories refreshed", "limit", limit, "visible", len(visible))
	return m.derive(visible, m.relevance.Clone()), nil
}

// UpdateVisible bumps relevance of memories associated with transcript and
// then refreshes the visible list with limit.
func (m *Manager) UpdateVisible(ctx context.Context, transcript []model.ChatMessage, limit, delta int) (*Manager, error) {
	next, err := m.UpdateRelevance(ctx, transcript, delta)
	if err != nil {
		return nil, err
	}
	return next.RefreshVisible(ctx, limit)
}

// Context renders the visible memories as a system message to put in front
// of a transcript. It returns false when nothing is visible.
func (m *Manager) Context() (model.ChatMessage, bool) {
	if len(m.visible) == 0 {
		return model.ChatMessage{}, false
	}

	var buf bytes.Buffer
	if err := contextPromptTmpl.Execute(&buf, map[string]any{"Memories": m.visible}); err != nil {
		logging.Default().Error("failed to render memory context", "error", err)
		return model.ChatMessage{}, false
	}
	return model.ChatMessage{Role: model.RoleSystem, Text: buf.String()}, true
}
