package memory

import (
	"context"
	"errors"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoria/pkg/model"
	"github.com/m-mizutani/memoria/pkg/utils/logging"
	"golang.org/x/sync/errgroup"
)

// Skip reasons for oracle proposals dropped during batch application
const (
	skipDuplicate = "duplicate"
	skipRejected  = "rejected"
	skipInvalid   = "invalid"
	skipRemoved   = "removed"
	skipFailed    = "failed"
)

// UpdateExistingMemories asks the oracle which stored memories the
// transcript changes, rewrites each of them concurrently and applies the
// results in the order the oracle named them.
func (m *Manager) UpdateExistingMemories(ctx context.Context, transcript []model.ChatMessage) (*Manager, error) {
	ctx, logger := startOp(ctx, "update_existing_memories")

	abstracts, err := m.repo.FetchAllAbstracts(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to fetch memory abstracts")
	}

	updates, err := m.collectUpdates(ctx, transcript, abstracts)
	if err != nil {
		return nil, err
	}

	next := m
	for _, updated := range updates {
		if next, err = next.ForceUpdate(ctx, updated); err != nil {
			return nil, err
		}
	}

	logger.Info("memories updated", "count", len(updates))
	return next, nil
}

// ExtractNewMemories asks the oracle for memories covering information not
// yet stored and adds them. Proposals that already exist, fail admission or
// have no name are logged and skipped.
func (m *Manager) ExtractNewMemories(ctx context.Context, transcript []model.ChatMessage) (*Manager, error) {
	ctx, logger := startOp(ctx, "extract_new_memories")

	abstracts, err := m.repo.FetchAllAbstracts(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to fetch memory abstracts")
	}

	proposals, err := m.oracle.ExtractNewMemories(ctx, transcript, abstracts)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to extract new memories")
	}

	next, added, err := m.applyAdditions(ctx, proposals)
	if err != nil {
		return nil, err
	}

	logger.Info("new memories extracted", "proposed", len(proposals), "added", added)
	return next, nil
}

// UpdateRelevance adds delta to the count of every memory the oracle
// associates with the transcript.
func (m *Manager) UpdateRelevance(ctx context.Context, transcript []model.ChatMessage, delta int) (*Manager, error) {
	ctx, logger := startOp(ctx, "update_relevance")

	abstracts, err := m.repo.FetchAllAbstracts(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to fetch memory abstracts")
	}

	names, err := m.oracle.FindAssociatedMemories(ctx, transcript, abstracts)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to find associated memories")
	}

	logger.Debug("associated memories", "names", names)
	return m.ForceUpdateRelevance(deltaFor(names, delta)), nil
}

// FullUpdate runs extraction, association and update discovery concurrently,
// then applies additions, updates and finally the relevance delta. Any
// failed oracle exchange aborts the whole operation before anything is
// applied. During application, duplicates and memories removed meanwhile are
// skipped.
func (m *Manager) FullUpdate(ctx context.Context, transcript []model.ChatMessage, delta int) (*Manager, error) {
	ctx, logger := startOp(ctx, "full_update")

	abstracts, err := m.repo.FetchAllAbstracts(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to fetch memory abstracts")
	}

	var (
		proposals  []model.Memory
		associated []string
		updates    []model.Memory
	)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		if proposals, err = m.oracle.ExtractNewMemories(egCtx, transcript, abstracts); err != nil {
			return goerr.Wrap(err, "failed to extract new memories")
		}
		return nil
	})
	eg.Go(func() error {
		var err error
		if associated, err = m.oracle.FindAssociatedMemories(egCtx, transcript, abstracts); err != nil {
			return goerr.Wrap(err, "failed to find associated memories")
		}
		return nil
	})
	eg.Go(func() error {
		var err error
		updates, err = m.collectUpdates(egCtx, transcript, abstracts)
		return err
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	next, added, err := m.applyAdditions(ctx, proposals)
	if err != nil {
		return nil, err
	}

	updatedCount := 0
	for _, updated := range updates {
		n, err := next.ForceUpdate(ctx, updated)
		if errors.Is(err, model.ErrNotFound) {
			logger.Warn("memory removed before update, skipped", "name", updated.Name)
			m.cfg.metrics.CountSkipped(skipRemoved)
			continue
		}
		if err != nil {
			return nil, err
		}
		next = n
		updatedCount++
	}

	next = next.ForceUpdateRelevance(deltaFor(associated, delta))

	logger.Info("full update completed",
		"proposed", len(proposals),
		"added", added,
		"updated", updatedCount,
		"associated", len(associated),
	)
	return next, nil
}

// collectUpdates discovers which memories need rewriting and fans out one
// rewrite per name. Results keep the discovery order.
func (m *Manager) collectUpdates(ctx context.Context, transcript []model.ChatMessage, abstracts []model.MemoryAbstract) ([]model.Memory, error) {
	names, err := m.oracle.ListMemoriesToUpdate(ctx, transcript, abstracts)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list memories to update")
	}
	if len(names) == 0 {
		return nil, nil
	}

	logger := logging.From(ctx)
	results := make([]*model.Memory, len(names))

	eg, egCtx := errgroup.WithContext(ctx)
	if m.cfg.concurrency > 0 {
		eg.SetLimit(m.cfg.concurrency)
	}

	for i, name := range names {
		eg.Go(func() error {
			updated, err := m.rewrite(egCtx, transcript, name)
			if err != nil {
				if m.cfg.fanOut == FanOutPartial {
					logger.Warn("memory update failed, skipped", "name", name, "error", err)
					m.cfg.metrics.CountSkipped(skipFailed)
					return nil
				}
				return err
			}
			results[i] = &updated
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	updates := make([]model.Memory, 0, len(results))
	for _, r := range results {
		if r != nil {
			updates = append(updates, *r)
		}
	}
	return updates, nil
}

func (m *Manager) rewrite(ctx context.Context, transcript []model.ChatMessage, name string) (model.Memory, error) {
	current, err := m.repo.FetchByName(ctx, name)
	if err != nil {
		return model.Memory{}, goerr.Wrap(err, "failed to fetch memory", goerr.V("name", name))
	}
	if current == nil {
		return model.Memory{}, goerr.Wrap(model.ErrNotFound, "memory to update is not stored", goerr.V("name", name))
	}

	updated, err := m.oracle.UpdateSingleMemory(ctx, transcript, *current)
	if err != nil {
		return model.Memory{}, goerr.Wrap(err, "failed to rewrite memory", goerr.V("name", name))
	}
	return updated, nil
}

// applyAdditions adds proposals one by one and returns the resulting snapshot with the number added
func (m *Manager) applyAdditions(ctx context.Context, proposals []model.Memory) (*Manager, int, error) {
	logger := logging.From(ctx)
	next := m
	added := 0

	for _, proposal := range proposals {
		if err := proposal.Validate(); err != nil {
			logger.Warn("invalid memory proposal, skipped", "error", err)
			m.cfg.metrics.CountSkipped(skipInvalid)
			continue
		}

		decision, err := m.cfg.admission.Evaluate(ctx, proposal)
		if err != nil {
			return nil, 0, err
		}
		if !decision.Admitted {
			logger.Warn("memory proposal rejected by policy, skipped",
				"name", proposal.Name,
				"reasons", decision.Reasons,
			)
			m.cfg.metrics.CountSkipped(skipRejected)
			continue
		}

		n, err := next.ForceAdd(ctx, proposal)
		if errors.Is(err, model.ErrDuplicateKey) {
			logger.Warn("memory already exists, skipped", "name", proposal.Name)
			m.cfg.metrics.CountSkipped(skipDuplicate)
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		next = n
		added++
	}

	return next, added, nil
}

// deltaFor assigns delta to every name once
func deltaFor(names []string, delta int) model.RelevanceMap {
	d := make(model.RelevanceMap, len(names))
	for _, name := range names {
		d[name] = delta
	}
	return d
}
