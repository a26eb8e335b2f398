package executor

import (
	"context"
	"sort"
	"sync"
	"time"
)

// CachedWorkflow records a workflow definition registered with a remote
// backend, so repeated runs of the same source can skip registration.
type CachedWorkflow struct {
	Executor   string
	Key        string
	WorkflowID string
	Source     string
	CreatedAt  time.Time
}

// WorkflowCache stores registered workflow handles. Implementations must be
// safe for concurrent use.
type WorkflowCache interface {
	// Get returns the cached entry, or nil when there is none.
	Get(ctx context.Context, executor, key string) (*CachedWorkflow, error)
	Put(ctx context.Context, wf *CachedWorkflow) error
	List(ctx context.Context) ([]*CachedWorkflow, error)
	// Clear removes every entry and returns how many were removed.
	Clear(ctx context.Context) (int, error)
}

// MemoryCache is an in-process WorkflowCache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*CachedWorkflow
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]*CachedWorkflow)}
}

func cacheKey(executor, key string) string { return executor + "\x00" + key }

// Get implements WorkflowCache.
func (c *MemoryCache) Get(_ context.Context, executor, key string) (*CachedWorkflow, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	wf, ok := c.entries[cacheKey(executor, key)]
	if !ok {
		return nil, nil
	}
	cp := *wf
	return &cp, nil
}

// Put implements WorkflowCache.
func (c *MemoryCache) Put(_ context.Context, wf *CachedWorkflow) error {
	cp := *wf
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	c.mu.Lock()
	c.entries[cacheKey(wf.Executor, wf.Key)] = &cp
	c.mu.Unlock()
	return nil
}

// List implements WorkflowCache. Entries are ordered oldest first.
func (c *MemoryCache) List(_ context.Context) ([]*CachedWorkflow, error) {
	c.mu.RLock()
	out := make([]*CachedWorkflow, 0, len(c.entries))
	for _, wf := range c.entries {
		cp := *wf
		out = append(out, &cp)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

// Clear implements WorkflowCache.
func (c *MemoryCache) Clear(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = make(map[string]*CachedWorkflow)
	return n, nil
}
