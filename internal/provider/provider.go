// Package provider defines the adapter contract every external data source
// implements, a registry keyed by provider name and the typed failures an
// adapter may return.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/newpush/coach-sub004/internal/canonical"
)

// Credentials is the read-only view of an integration handed to adapters
type Credentials struct {
	UserID      string
	AthleteID   string
	AccessToken string
	APIKey      string
}

// RawRecord is one provider item as fetched, before normalization
type RawRecord struct {
	Kind       canonical.EntityType
	ExternalID string
	Payload    json.RawMessage
	// Blob carries binary sources such as FIT files
	Blob []byte
}

// Adapter fetches and normalizes one provider's data. Implementations hold
// no persistence and never retry.
type Adapter interface {
	Name() canonical.Provider
	Supports(entity canonical.EntityType) bool
	// FetchWindow returns the raw records of one entity type for the
	// inclusive day range [start, end].
	FetchWindow(ctx context.Context, creds Credentials, entity canonical.EntityType, start, end time.Time) ([]RawRecord, error)
	// Normalize maps a raw record to its canonical shape. A nil record with
	// a nil error means the item is filtered out. The caller stamps the
	// owning user onto the result.
	Normalize(raw RawRecord) (*canonical.Record, error)
}

// StreamFetcher is implemented by adapters that can fetch per-sample data
// for an activity on demand.
type StreamFetcher interface {
	FetchStream(ctx context.Context, creds Credentials, externalID string) (*canonical.StreamData, error)
}

// Registry maps provider names to adapters
type Registry struct {
	mu       sync.RWMutex
	adapters map[canonical.Provider]Adapter
}

// NewRegistry creates a registry holding the given adapters
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[canonical.Provider]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for its provider
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter for a provider
func (r *Registry) Get(name canonical.Provider) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %q", name)
	}
	return a, nil
}

// Names returns the registered providers in sorted order
func (r *Registry) Names() []canonical.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]canonical.Provider, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
