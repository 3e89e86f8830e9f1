package archive_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/memoria/pkg/adapter"
	"github.com/m-mizutani/memoria/pkg/model"
	"github.com/m-mizutani/memoria/pkg/repository"
	"github.com/m-mizutani/memoria/pkg/usecase/archive"
	"github.com/m-mizutani/memoria/pkg/usecase/memory"
	"github.com/m-mizutani/memoria/pkg/usecase/memory/testoracle"
)

func TestSaveAndRestore(t *testing.T) {
	ctx := context.Background()
	storage, err := adapter.NewFileStorage(t.TempDir())
	gt.NoError(t, err)

	a := model.Memory{Name: "a", Abstract: "about a", MemoryBlock: "block a"}
	b := model.Memory{Name: "b", Abstract: "about b", MemoryBlock: "block b"}
	repo, err := repository.NewMemory(a, b)
	gt.NoError(t, err)

	mgr, err := memory.New(repo, &testoracle.Oracle{},
		memory.WithVisible([]model.Memory{b, a}),
		memory.WithRelevance(model.RelevanceMap{"a": 1, "b": 4, "stale": 2}),
	)
	gt.NoError(t, err)

	saved, err := archive.Save(ctx, storage, "daily", mgr)
	gt.NoError(t, err)
	gt.Equal(t, saved.Visible, []string{"b", "a"})

	state, err := archive.Load(ctx, storage, "daily")
	gt.NoError(t, err)
	gt.Equal(t, state.Visible, []string{"b", "a"})
	gt.Equal(t, state.Relevance, model.RelevanceMap{"a": 1, "b": 4, "stale": 2})
	gt.False(t, state.SavedAt.IsZero())

	restored, err := state.Restore(ctx, repo, &testoracle.Oracle{})
	gt.NoError(t, err)
	gt.Equal(t, restored.Visible(), []model.Memory{b, a})
	gt.Equal(t, restored.Relevance(), mgr.Relevance())
}

func TestRestoreSkipsRemovedMemories(t *testing.T) {
	ctx := context.Background()
	repo, err := repository.NewMemory(model.Memory{Name: "kept"})
	gt.NoError(t, err)

	state := &archive.State{Visible: []string{"gone", "kept", "kept"}}
	restored, err := state.Restore(ctx, repo, &testoracle.Oracle{})
	gt.NoError(t, err)
	gt.Equal(t, restored.Visible(), []model.Memory{{Name: "kept"}})
	gt.Equal(t, restored.Relevance(), model.RelevanceMap{})
}

func TestLoadMissing(t *testing.T) {
	storage, err := adapter.NewFileStorage(t.TempDir())
	gt.NoError(t, err)

	_, err = archive.Load(context.Background(), storage, "nothing")
	gt.True(t, errors.Is(err, adapter.ErrObjectNotFound))
}

// brokenStorage fails every write and records whether Close saw a canceled context
type brokenStorage struct {
	closedCanceled bool
}

type brokenWriter struct {
	ctx     context.Context
	storage *brokenStorage
}

func (w *brokenWriter) Write(p []byte) (int, error) {
	return 0, errors.New("disk full")
}

func (w *brokenWriter) Close() error {
	w.storage.closedCanceled = w.ctx.Err() != nil
	return nil
}

func (s *brokenStorage) Put(ctx context.Context, key string) (io.WriteCloser, error) {
	return &brokenWriter{ctx: ctx, storage: s}, nil
}

func (s *brokenStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return nil, adapter.ErrObjectNotFound
}

func TestSaveDiscardsObjectOnWriteFailure(t *testing.T) {
	repo, err := repository.NewMemory()
	gt.NoError(t, err)
	mgr, err := memory.New(repo, &testoracle.Oracle{})
	gt.NoError(t, err)

	storage := &brokenStorage{}
	_, err = archive.Save(context.Background(), storage, "daily", mgr)
	gt.Error(t, err)
	gt.True(t, storage.closedCanceled)
}
