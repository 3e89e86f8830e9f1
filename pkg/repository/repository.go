package repository

import (
	"context"

	"github.com/m-mizutani/memoria/pkg/model"
)

// Repository is the system of record for memories, keyed by name.
//
// Add fails with model.ErrDuplicateKey when the name exists. Remove and
// Update fail with model.ErrNotFound when it does not. FetchByName returns
// nil without error for an absent name. FetchAllAbstracts enumerates in
// insertion order; Update keeps the position of the record.
type Repository interface {
	Add(ctx context.Context, memory model.Memory) error
	Remove(ctx context.Context, name string) error
	Update(ctx context.Context, memory model.Memory) error
	FetchByName(ctx context.Context, name string) (*model.Memory, error)
	FetchAllAbstracts(ctx context.Context) ([]model.MemoryAbstract, error)
}
