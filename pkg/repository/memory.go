package repository

import (
	"context"
	"slices"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoria/pkg/model"
)

// Memory is an in-process, list-backed Repository
type Memory struct {
	mu       sync.RWMutex
	memories []model.Memory
}

// NewMemory creates an in-process repository holding the given memories in order
func NewMemory(initial ...model.Memory) (*Memory, error) {
	repo := &Memory{}
	for _, m := range initial {
		if err := repo.Add(context.Background(), m); err != nil {
			return nil, err
		}
	}
	return repo, nil
}

func (r *Memory) Add(ctx context.Context, memory model.Memory) error {
	if err := memory.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if model.FindMemory(r.memories, memory.Name) >= 0 {
		return goerr.Wrap(model.ErrDuplicateKey, "failed to add memory", goerr.V("name", memory.Name))
	}
	r.memories = append(r.memories, memory)
	return nil
}

func (r *Memory) Remove(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := model.FindMemory(r.memories, name)
	if idx < 0 {
		return goerr.Wrap(model.ErrNotFound, "failed to remove memory", goerr.V("name", name))
	}
	r.memories = slices.Delete(r.memories, idx, idx+1)
	return nil
}

func (r *Memory) Update(ctx context.Context, memory model.Memory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := model.FindMemory(r.memories, memory.Name)
	if idx < 0 {
		return goerr.Wrap(model.ErrNotFound, "failed to update memory", goerr.V("name", memory.Name))
	}
	r.memories[idx] = memory
	return nil
}

func (r *Memory) FetchByName(ctx context.Context, name string) (*model.Memory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx := model.FindMemory(r.memories, name)
	if idx < 0 {
		return nil, nil
	}
	found := r.memories[idx]
	return &found, nil
}

func (r *Memory) FetchAllAbstracts(ctx context.Context) ([]model.MemoryAbstract, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return model.Abstracts(r.memories), nil
}
