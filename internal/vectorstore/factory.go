package vectorstore

import (
	"context"
	"fmt"
	"sync"
)

// Provider identifiers. Adding a backend means registering a constructor
// under a new identifier; call sites never change.
const (
	// ProviderPostgres is the relational backend (Postgres + pgvector).
	ProviderPostgres = "postgres"
	// ProviderQdrant is the dedicated vector-search engine backend.
	ProviderQdrant = "qdrant"
	// ProviderMemory is the in-memory backend for tests and development.
	ProviderMemory = "memory"
)

// Config selects the active provider and carries per-backend parameters.
type Config struct {
	Provider string         `yaml:"provider"`
	Postgres PostgresConfig `yaml:"postgres"`
	Qdrant   QdrantConfig   `yaml:"qdrant"`
}

// Constructor builds a store for a provider. Construction includes connecting
// and idempotent schema/collection initialization.
type Constructor func(ctx context.Context, cfg Config) (VectorStore, error)

// Factory resolves provider names to singleton VectorStore instances.
// Each provider is constructed exactly once per process, even under
// concurrent first use; construction happens-before any search call through
// the returned store.
type Factory struct {
	cfg          Config
	mu           sync.Mutex
	constructors map[string]Constructor
	entries      map[string]*factoryEntry
}

type factoryEntry struct {
	once  sync.Once
	store VectorStore
	err   error
}

// NewFactory creates a factory with the built-in providers registered.
func NewFactory(cfg Config) *Factory {
	f := &Factory{
		cfg:          cfg,
		constructors: make(map[string]Constructor),
		entries:      make(map[string]*factoryEntry),
	}
	f.Register(ProviderPostgres, func(ctx context.Context, cfg Config) (VectorStore, error) {
		return NewPostgresStore(ctx, cfg.Postgres)
	})
	f.Register(ProviderQdrant, func(ctx context.Context, cfg Config) (VectorStore, error) {
		return NewQdrantStore(ctx, cfg.Qdrant)
	})
	f.Register(ProviderMemory, func(ctx context.Context, cfg Config) (VectorStore, error) {
		return NewMemoryStore(), nil
	})
	return f
}

// Register adds a provider constructor. Registering an existing identifier
// replaces it, which tests use to inject fakes.
func (f *Factory) Register(provider string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[provider] = ctor
	delete(f.entries, provider)
}

// Get returns the store for provider, resolving an empty provider to the
// configured one and defaulting to the relational backend. The instance is
// created on first use and shared afterwards.
func (f *Factory) Get(ctx context.Context, provider string) (VectorStore, error) {
	name := f.Resolve(provider)

	f.mu.Lock()
	ctor, ok := f.constructors[name]
	if !ok {
		f.mu.Unlock()
		return nil, fmt.Errorf("unknown vector store provider: %s", name)
	}
	entry, ok := f.entries[name]
	if !ok {
		entry = &factoryEntry{}
		f.entries[name] = entry
	}
	cfg := f.cfg
	f.mu.Unlock()

	entry.once.Do(func() {
		entry.store, entry.err = ctor(ctx, cfg)
	})
	if entry.err != nil {
		// Drop the failed entry so a later turn can retry the connection,
		// unless another goroutine already replaced it.
		f.mu.Lock()
		if f.entries[name] == entry {
			delete(f.entries, name)
		}
		f.mu.Unlock()
		return nil, entry.err
	}
	return entry.store, nil
}

// Resolve returns the provider name that Get would use: the explicit argument
// when set, else the configured provider, else the relational default.
func (f *Factory) Resolve(provider string) string {
	if provider != "" {
		return provider
	}
	if f.cfg.Provider != "" {
		return f.cfg.Provider
	}
	return ProviderPostgres
}

// Close closes every constructed store.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var firstErr error
	for _, entry := range f.entries {
		if entry.store != nil {
			if err := entry.store.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
