// Package modelcache memoizes constructed model instances so each heavyweight
// constructor runs at most once per process.
package modelcache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/drowsylab/inference-server/internal/logger"
	"github.com/drowsylab/inference-server/internal/registry"
)

// Cache maps architecture ids to constructed model instances. Construction is
// serialized per id: concurrent GetOrCreate calls for the same uncached id
// block until a single construction finishes and then observe the same
// instance. A failed construction is sticky for the life of the process; it
// is never retried and never silently treated as "absent".
type Cache struct {
	registry *registry.Registry

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	once  sync.Once
	model registry.Model
	err   error
	ready chan struct{}
}

// New creates an empty cache backed by the given registry
func New(reg *registry.Registry) *Cache {
	return &Cache{
		registry: reg,
		entries:  make(map[string]*entry),
	}
}

func (c *Cache) entryFor(id string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		e = &entry{ready: make(chan struct{})}
		c.entries[id] = e
	}
	return e
}

// Has reports whether a model instance has already been materialized for id.
// A sticky construction failure counts as materialized.
func (c *Cache) Has(id string) bool {
	c.mu.Lock()
	e, ok := c.entries[id]
	c.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-e.ready:
		return true
	default:
		return false
	}
}

// GetOrCreate returns the cached model for id, constructing it on first use.
// The constructor side effect runs at most once per id even under concurrent
// callers.
func (c *Cache) GetOrCreate(id string) (registry.Model, error) {
	construct, err := c.registry.Get(id)
	if err != nil {
		return nil, err
	}

	e := c.entryFor(id)
	e.once.Do(func() {
		defer close(e.ready)
		logger.Info("ModelCache", "constructing model %q", id)
		e.model, e.err = construct()
		if e.err != nil {
			// Sticky: every later lookup sees the same failure.
			logger.Error("ModelCache", "model construction failed for %q: %v (failure is permanent for this process)", id, e.err)
			e.err = fmt.Errorf("model construction failed for %q: %w", id, e.err)
			return
		}
		logger.Info("ModelCache", "model %q ready", id)
	})

	return e.model, e.err
}

// Preload eagerly materializes the given ids so first-request latency is not
// paid by clients. Construction failures are collected, not short-circuited.
func (c *Cache) Preload(ids []string) error {
	var errs []error
	for _, id := range ids {
		if _, err := c.GetOrCreate(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of successfully constructed models
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		select {
		case <-e.ready:
			if e.err == nil {
				n++
			}
		default:
		}
	}
	return n
}
