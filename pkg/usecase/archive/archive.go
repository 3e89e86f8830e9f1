package archive

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoria/pkg/adapter"
	"github.com/m-mizutani/memoria/pkg/model"
	"github.com/m-mizutani/memoria/pkg/repository"
	"github.com/m-mizutani/memoria/pkg/usecase/memory"
	"github.com/m-mizutani/memoria/pkg/utils/logging"
)

// State is the persisted part of a snapshot. Memory contents stay in the
// repository; only the visible names and relevance counts are archived.
type State struct {
	Visible   []string           `json:"visible"`
	Relevance model.RelevanceMap `json:"relevance"`
	SavedAt   time.Time          `json:"saved_at"`
}

func objectKey(key string) string {
	return "snapshots/" + key + ".json"
}

// Save writes the visible names and relevance counts of mgr under key
func Save(ctx context.Context, storage adapter.Storage, key string, mgr *memory.Manager) (*State, error) {
	visible := mgr.Visible()
	state := &State{
		Visible:   make([]string, len(visible)),
		Relevance: mgr.Relevance(),
		SavedAt:   time.Now().UTC(),
	}
	for i, m := range visible {
		state.Visible[i] = m.Name
	}

	data, err := json.Marshal(state)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal snapshot state")
	}

	putCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	writer, err := storage.Put(putCtx, objectKey(key))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage writer", goerr.V("key", key))
	}
	if _, err := writer.Write(data); err != nil {
		// Cancel first so the partial object is discarded instead of committed
		cancel()
		_ = writer.Close()
		return nil, goerr.Wrap(err, "failed to write snapshot to storage", goerr.V("key", key))
	}
	if err := writer.Close(); err != nil {
		return nil, goerr.Wrap(err, "failed to close storage writer", goerr.V("key", key))
	}

	logging.From(ctx).Info("snapshot saved", "key", key, "visible", len(state.Visible))
	return state, nil
}

// Load reads the state archived under key. A missing key returns adapter.ErrObjectNotFound.
func Load(ctx context.Context, storage adapter.Storage, key string) (*State, error) {
	reader, err := storage.Get(ctx, objectKey(key))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get snapshot from storage", goerr.V("key", key))
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read snapshot data", goerr.V("key", key))
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, goerr.Wrap(err, "failed to unmarshal snapshot state", goerr.V("key", key))
	}
	return &state, nil
}

// Restore rebuilds a Manager from the archived state. Visible names no
// longer in repo are skipped. opts are applied before the archived visible
// list and relevance counts, which take precedence.
func (s *State) Restore(ctx context.Context, repo repository.Repository, oracle memory.Oracle, opts ...memory.Option) (*memory.Manager, error) {
	logger := logging.From(ctx)

	visible := make([]model.Memory, 0, len(s.Visible))
	seen := make(map[string]bool, len(s.Visible))
	for _, name := range s.Visible {
		if seen[name] {
			continue
		}
		seen[name] = true

		m, err := repo.FetchByName(ctx, name)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to fetch archived memory", goerr.V("name", name))
		}
		if m == nil {
			logger.Warn("archived memory no longer stored, skipped", "name", name)
			continue
		}
		visible = append(visible, *m)
	}

	opts = append(opts, memory.WithVisible(visible), memory.WithRelevance(s.Relevance))
	return memory.New(repo, oracle, opts...)
}
