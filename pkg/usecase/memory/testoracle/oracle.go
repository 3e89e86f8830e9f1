package testoracle

import (
	"context"
	"sync"

	"github.com/m-mizutani/memoria/pkg/model"
)

// Oracle is a scripted memory.Oracle. A nil function answers with an empty
// result. Calls are counted per exchange and safe for concurrent use.
type Oracle struct {
	ListMemoriesToUpdateFunc   func(ctx context.Context, transcript []model.ChatMessage, abstracts []model.MemoryAbstract) ([]string, error)
	UpdateSingleMemoryFunc     func(ctx context.Context, transcript []model.ChatMessage, memory model.Memory) (model.Memory, error)
	ExtractNewMemoriesFunc     func(ctx context.Context, transcript []model.ChatMessage, abstracts []model.MemoryAbstract) ([]model.Memory, error)
	FindAssociatedMemoriesFunc func(ctx context.Context, transcript []model.ChatMessage, abstracts []model.MemoryAbstract) ([]string, error)
	GenerateFunc               func(ctx context.Context, transcript []model.ChatMessage) (string, error)

	mu    sync.Mutex
	calls map[string]int
}

func (o *Oracle) count(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.calls == nil {
		o.calls = make(map[string]int)
	}
	o.calls[name]++
}

// Calls returns how many times the named method was invoked
func (o *Oracle) Calls(name string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[name]
}

func (o *Oracle) ListMemoriesToUpdate(ctx context.Context, transcript []model.ChatMessage, abstracts []model.MemoryAbstract) ([]string, error) {
	o.count("ListMemoriesToUpdate")
	if o.ListMemoriesToUpdateFunc == nil {
		return nil, nil
	}
	return o.ListMemoriesToUpdateFunc(ctx, transcript, abstracts)
}

func (o *Oracle) UpdateSingleMemory(ctx context.Context, transcript []model.ChatMessage, memory model.Memory) (model.Memory, error) {
	o.count("UpdateSingleMemory")
	if o.UpdateSingleMemoryFunc == nil {
		return memory, nil
	}
	return o.UpdateSingleMemoryFunc(ctx, transcript, memory)
}

func (o *Oracle) ExtractNewMemories(ctx context.Context, transcript []model.ChatMessage, abstracts []model.MemoryAbstract) ([]model.Memory, error) {
	o.count("ExtractNewMemories")
	if o.ExtractNewMemoriesFunc == nil {
		return nil, nil
	}
	return o.ExtractNewMemoriesFunc(ctx, transcript, abstracts)
}

func (o *Oracle) FindAssociatedMemories(ctx context.Context, transcript []model.ChatMessage, abstracts []model.MemoryAbstract) ([]string, error) {
	o.count("FindAssociatedMemories")
	if o.FindAssociatedMemoriesFunc == nil {
		return nil, nil
	}
	return o.FindAssociatedMemoriesFunc(ctx, transcript, abstracts)
}

func (o *Oracle) Generate(ctx context.Context, transcript []model.ChatMessage) (string, error) {
	o.count("Generate")
	if o.GenerateFunc == nil {
		return "", nil
	}
	return o.GenerateFunc(ctx, transcript)
}
