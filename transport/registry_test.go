package transport

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/goliatone/go-mcp-inspector/core"
)

type stubClient struct {
	kind core.TransportKind
}

func (s stubClient) Kind() core.TransportKind { return s.kind }

func (stubClient) Connect(context.Context, core.Target) (core.Session, error) {
	return nil, errors.New("not implemented")
}

func TestRegistry_RegisterAndResolve(t *testing.T) {
	registry := NewRegistry(DefaultOptions())
	if err := registry.Register(stubClient{kind: core.TransportSSE}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.Register(stubClient{kind: "SSE"}); err == nil {
		t.Fatalf("expected duplicate kind to be rejected")
	}
	client, err := registry.Resolve("sse")
	if err != nil || client.Kind() != core.TransportSSE {
		t.Fatalf("resolve sse: %v", err)
	}
	if _, err := registry.Resolve(core.TransportHTTP); err == nil || !strings.Contains(err.Error(), "not registered") {
		t.Fatalf("expected unregistered kind error, got %v", err)
	}
	if _, err := registry.Resolve("carrier-pigeon"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestRegistry_FactoryIsBuiltOnce(t *testing.T) {
	registry := NewRegistry(DefaultOptions())
	builds := 0
	if err := registry.RegisterFactory(core.TransportHTTP, func(Options) (core.TransportClient, error) {
		builds++
		return stubClient{kind: core.TransportHTTP}, nil
	}); err != nil {
		t.Fatalf("register factory: %v", err)
	}
	for range 3 {
		if _, err := registry.Resolve("streamable_http"); err != nil {
			t.Fatalf("resolve: %v", err)
		}
	}
	if builds != 1 {
		t.Fatalf("expected one build, got %d", builds)
	}
	if _, ok := registry.Get(core.TransportHTTP); !ok {
		t.Fatalf("expected the built client to be cached")
	}
}

func TestNewDefaultRegistry_CoversAllTransports(t *testing.T) {
	registry := NewDefaultRegistry(core.DefaultConfig().Transport, nil)
	kinds := registry.Kinds()
	if len(kinds) != 3 || kinds[0] != core.TransportHTTP || kinds[1] != core.TransportSSE || kinds[2] != core.TransportStdio {
		t.Fatalf("unexpected kinds: %v", kinds)
	}
	for _, kind := range kinds {
		client, err := registry.Resolve(kind)
		if err != nil || client.Kind() != kind {
			t.Fatalf("resolve %s: %v", kind, err)
		}
	}
	if len(registry.List()) != 3 {
		t.Fatalf("expected three resolved clients")
	}
}
