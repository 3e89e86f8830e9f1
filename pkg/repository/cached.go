package repository

import (
	"context"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoria/pkg/model"
)

// Cached wraps a Repository and caches FetchByName results. Writes go to
// the backing repository first and then invalidate the cached entry. Every
// write bumps the name's generation; a fetch that overlapped a write does
// not populate the cache.
type Cached struct {
	Repository
	cache *ristretto.Cache
	ttl   time.Duration

	mu         sync.Mutex
	generation map[string]uint64
}

type CachedOption func(*Cached)

// WithCacheTTL sets how long a fetched memory stays cached. Zero keeps entries until evicted.
func WithCacheTTL(ttl time.Duration) CachedOption {
	return func(c *Cached) {
		c.ttl = ttl
	}
}

// NewCached creates a caching decorator that holds up to maxItems memories
func NewCached(repo Repository, maxItems int64, opts ...CachedOption) (*Cached, error) {
	if maxItems <= 0 {
		return nil, goerr.New("maxItems must be positive", goerr.V("max_items", maxItems))
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxItems * 10,
		MaxCost:     maxItems,
		BufferItems: 64,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create cache")
	}

	c := &Cached{
		Repository: repo,
		cache:      cache,
		generation: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close stops the cache workers
func (c *Cached) Close() {
	c.cache.Close()
}

// invalidate drops name from the cache and bumps its generation
func (c *Cached) invalidate(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation[name]++
	c.cache.Del(name)
}

func (c *Cached) currentGeneration(name string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation[name]
}

func (c *Cached) Add(ctx context.Context, memory model.Memory) error {
	if err := c.Repository.Add(ctx, memory); err != nil {
		return err
	}
	c.invalidate(memory.Name)
	return nil
}

func (c *Cached) Remove(ctx context.Context, name string) error {
	if err := c.Repository.Remove(ctx, name); err != nil {
		return err
	}
	c.invalidate(name)
	return nil
}

func (c *Cached) Update(ctx context.Context, memory model.Memory) error {
	if err := c.Repository.Update(ctx, memory); err != nil {
		return err
	}
	c.invalidate(memory.Name)
	return nil
}

func (c *Cached) FetchByName(ctx context.Context, name string) (*model.Memory, error) {
	if v, ok := c.cache.Get(name); ok {
		if m, ok := v.(model.Memory); ok {
			return &m, nil
		}
	}

	gen := c.currentGeneration(name)
	m, err := c.Repository.FetchByName(ctx, name)
	if err != nil || m == nil {
		return m, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation[name] != gen {
		return m, nil
	}
	if c.ttl > 0 {
		c.cache.SetWithTTL(name, *m, 1, c.ttl)
	} else {
		c.cache.Set(name, *m, 1)
	}
	return m, nil
}
