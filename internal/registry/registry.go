// Package registry holds the static catalog of classification architectures.
package registry

import (
	"errors"
	"fmt"
	"sort"

	"github.com/drowsylab/inference-server/pkg/types"
)

// ErrUnknownArchitecture is returned when a request names an architecture id
// that is not in the catalog. This usually means the client and server
// catalogs have drifted apart.
var ErrUnknownArchitecture = errors.New("unknown architecture")

// Model is a constructed classification architecture. Instances are treated
// as read-only after construction and may be invoked concurrently.
type Model interface {
	Predict(face *types.Face) (types.Prediction, error)
}

// Constructor builds a model instance. Construction may load large weight
// artifacts and is not assumed cheap.
type Constructor func() (Model, error)

// Architecture describes one catalog entry
type Architecture struct {
	ID        string
	Canonical string
	New       Constructor
}

type entry struct {
	canonical string
	construct Constructor
}

// Registry maps architecture ids to display names and constructors.
// Immutable after New, safe for concurrent use.
type Registry struct {
	entries map[string]entry
}

// New builds a registry from the given architectures. Ids must be unique.
func New(archs ...Architecture) (*Registry, error) {
	entries := make(map[string]entry, len(archs))
	for _, a := range archs {
		if a.ID == "" {
			return nil, errors.New("registry: empty architecture id")
		}
		if a.New == nil {
			return nil, fmt.Errorf("registry: architecture %q has no constructor", a.ID)
		}
		if _, dup := entries[a.ID]; dup {
			return nil, fmt.Errorf("registry: duplicate architecture id %q", a.ID)
		}
		entries[a.ID] = entry{canonical: a.Canonical, construct: a.New}
	}
	return &Registry{entries: entries}, nil
}

// Get returns the constructor for id
func (r *Registry) Get(id string) (Constructor, error) {
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownArchitecture, id)
	}
	return e.construct, nil
}

// CanonicalName returns the display name for id
func (r *Registry) CanonicalName(id string) (string, error) {
	e, ok := r.entries[id]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownArchitecture, id)
	}
	return e.canonical, nil
}

// IDs returns all architecture ids in sorted order
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Catalog returns the id to canonical name mapping used by the client-facing
// model picker.
func (r *Registry) Catalog() map[string]string {
	catalog := make(map[string]string, len(r.entries))
	for id, e := range r.entries {
		catalog[id] = e.canonical
	}
	return catalog
}

// Len returns the number of registered architectures
func (r *Registry) Len() int {
	return len(r.entries)
}
