package transport

import (
	"fmt"
	"sort"
	"sync"

	"github.com/goliatone/go-mcp-inspector/core"
)

type ClientFactory func(options Options) (core.TransportClient, error)

// Registry resolves transport clients by kind. Factories are built lazily on
// first resolve and cached.
type Registry struct {
	mu        sync.RWMutex
	options   Options
	clients   map[core.TransportKind]core.TransportClient
	factories map[core.TransportKind]ClientFactory
}

func NewRegistry(options Options) *Registry {
	return &Registry{
		options:   options,
		clients:   map[core.TransportKind]core.TransportClient{},
		factories: map[core.TransportKind]ClientFactory{},
	}
}

// NewDefaultRegistry registers the stdio, sse and streamable http clients.
func NewDefaultRegistry(cfg core.TransportConfig, logger core.Logger) *Registry {
	options := OptionsFromConfig(cfg)
	options.Logger = logger
	registry := NewRegistry(options)
	_ = registry.RegisterFactory(core.TransportStdio, func(options Options) (core.TransportClient, error) {
		return NewStdioClient(options), nil
	})
	_ = registry.RegisterFactory(core.TransportSSE, func(options Options) (core.TransportClient, error) {
		return NewSSEClient(options), nil
	})
	_ = registry.RegisterFactory(core.TransportHTTP, func(options Options) (core.TransportClient, error) {
		return NewHTTPClient(options), nil
	})
	return registry
}

func (r *Registry) Register(client core.TransportClient) error {
	if r == nil {
		return fmt.Errorf("transport: registry is nil")
	}
	if client == nil {
		return fmt.Errorf("transport: client is nil")
	}
	kind, err := normalizeKind(client.Kind())
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.clients[kind]; exists {
		return fmt.Errorf("transport: client kind %q already registered", kind)
	}
	r.clients[kind] = client
	return nil
}

func (r *Registry) RegisterFactory(kind core.TransportKind, factory ClientFactory) error {
	if r == nil {
		return fmt.Errorf("transport: registry is nil")
	}
	kind, err := normalizeKind(kind)
	if err != nil {
		return err
	}
	if factory == nil {
		return fmt.Errorf("transport: client factory is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("transport: client factory kind %q already registered", kind)
	}
	r.factories[kind] = factory
	return nil
}

// Resolve implements core.TransportResolver.
func (r *Registry) Resolve(kind core.TransportKind) (core.TransportClient, error) {
	if r == nil {
		return nil, fmt.Errorf("transport: registry is nil")
	}
	kind, err := normalizeKind(kind)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	client, ok := r.clients[kind]
	factory := r.factories[kind]
	options := r.options
	r.mu.RUnlock()
	if ok {
		return client, nil
	}
	if factory == nil {
		return nil, fmt.Errorf("transport: client kind %q not registered", kind)
	}
	built, err := factory(options)
	if err != nil {
		return nil, err
	}
	if built == nil {
		return nil, fmt.Errorf("transport: factory for %q returned nil client", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.clients[kind]; ok {
		return existing, nil
	}
	r.clients[kind] = built
	return built, nil
}

func (r *Registry) Get(kind core.TransportKind) (core.TransportClient, bool) {
	if r == nil {
		return nil, false
	}
	kind, err := normalizeKind(kind)
	if err != nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[kind]
	return client, ok
}

// List returns the resolved clients sorted by kind.
func (r *Registry) List() []core.TransportClient {
	if r == nil {
		return []core.TransportClient{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.clients))
	for kind := range r.clients {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)
	result := make([]core.TransportClient, 0, len(kinds))
	for _, kind := range kinds {
		result = append(result, r.clients[core.TransportKind(kind)])
	}
	return result
}

// Kinds lists every kind with a client or a factory.
func (r *Registry) Kinds() []core.TransportKind {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]struct{}{}
	for kind := range r.clients {
		seen[string(kind)] = struct{}{}
	}
	for kind := range r.factories {
		seen[string(kind)] = struct{}{}
	}
	kinds := make([]string, 0, len(seen))
	for kind := range seen {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	out := make([]core.TransportKind, 0, len(kinds))
	for _, kind := range kinds {
		out = append(out, core.TransportKind(kind))
	}
	return out
}

func normalizeKind(kind core.TransportKind) (core.TransportKind, error) {
	if kind == "" {
		return "", fmt.Errorf("transport: client kind is required")
	}
	parsed, err := core.ParseTransportKind(string(kind))
	if err != nil {
		return "", fmt.Errorf("transport: %w", err)
	}
	return parsed, nil
}
