package memory

import (
	"context"
	"slices"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoria/pkg/model"
)

// ForceAdd stores memory and appends it to the visible list. It fails with
// model.ErrDuplicateKey when the name is already visible or already stored.
func (m *Manager) ForceAdd(ctx context.Context, memory model.Memory) (*Manager, error) {
	if model.FindMemory(m.visible, memory.Name) >= 0 {
		return nil, goerr.Wrap(model.ErrDuplicateKey, "memory is already visible", goerr.V("name", memory.Name))
	}

	if err := m.repo.Add(ctx, memory); err != nil {
		return nil, goerr.Wrap(err, "failed to add memory", goerr.V("name", memory.Name))
	}

	visible := append(slices.Clone(m.visible), memory)
	return m.derive(visible, m.relevance.Clone()), nil
}

// ForceUpdate replaces the stored memory with the same name. A visible entry
// with that name is moved to the end with the new value. It fails with
// model.ErrNotFound when the store has no such memory.
func (m *Manager) ForceUpdate(ctx context.Context, memory model.Memory) (*Manager, error) {
	if err := m.repo.Update(ctx, memory); err != nil {
		return nil, goerr.Wrap(err, "failed to update memory", goerr.V("name", memory.Name))
	}

	visible := slices.Clone(m.visible)
	if idx := model.FindMemory(visible, memory.Name); idx >= 0 {
		visible = slices.Delete(visible, idx, idx+1)
		visible = append(visible, memory)
	}
	return m.derive(visible, m.relevance.Clone()), nil
}

// ForceRemove deletes the memory from the store and the visible list.
// Its relevance count is kept.
func (m *Manager) ForceRemove(ctx context.Context, name string) (*Manager, error) {
	if err := m.repo.Remove(ctx, name); err != nil {
		return nil, goerr.Wrap(err, "failed to remove memory", goerr.V("name", name))
	}

	visible := slices.DeleteFunc(slices.Clone(m.visible), func(v model.Memory) bool {
		return v.Name == name
	})
	return m.derive(visible, m.relevance.Clone()), nil
}

// ForceUpdateRelevance adds every delta to the current counts. Applying the
// same delta twice counts twice.
func (m *Manager) ForceUpdateRelevance(delta model.RelevanceMap) *Manager {
	return m.derive(slices.Clone(m.visible), m.relevance.Merge(delta))
}
