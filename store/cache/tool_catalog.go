// Package cachestore keeps tool listings per target in a go-repository-cache
// service so repeated describes skip the round trip.
package cachestore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/goliatone/go-mcp-inspector/core"
)

const toolCatalogCacheKeyPrefix = "go-mcp-inspector::tools::v1"

const DefaultTTL = 30 * time.Second

type ToolCatalog struct {
	cache repositorycache.CacheService
}

func NewToolCatalog(cacheService repositorycache.CacheService) (*ToolCatalog, error) {
	if cacheService == nil {
		return nil, fmt.Errorf("cachestore: tool catalog cache service is required")
	}
	return &ToolCatalog{cache: cacheService}, nil
}

// NewDefaultToolCatalog builds a catalog on the default cache config with
// the given ttl; a non-positive ttl uses DefaultTTL.
func NewDefaultToolCatalog(ttl time.Duration) (*ToolCatalog, error) {
	config := repositorycache.DefaultConfig()
	config.TTL = DefaultTTL
	if ttl > 0 {
		config.TTL = ttl
	}
	service, err := repositorycache.NewCacheService(config)
	if err != nil {
		return nil, fmt.Errorf("cachestore: new cache service: %w", err)
	}
	return NewToolCatalog(service)
}

// ToolCatalogCacheKey is go-mcp-inspector::tools::v1::<fingerprint>.
func ToolCatalogCacheKey(target core.Target) string {
	return strings.Join([]string{toolCatalogCacheKeyPrefix, target.Fingerprint()}, "::")
}

func (c *ToolCatalog) Tools(
	ctx context.Context,
	target core.Target,
	fetch func(ctx context.Context) ([]core.ToolDescriptor, error),
) ([]core.ToolDescriptor, error) {
	if c == nil || c.cache == nil {
		return nil, fmt.Errorf("cachestore: tool catalog is not configured")
	}
	if fetch == nil {
		return nil, fmt.Errorf("cachestore: tool fetch function is required")
	}
	tools, err := repositorycache.GetOrFetch(ctx, c.cache, ToolCatalogCacheKey(target), func(ctx context.Context) ([]core.ToolDescriptor, error) {
		fetched, fetchErr := fetch(ctx)
		if fetchErr != nil {
			return nil, fetchErr
		}
		return cloneTools(fetched), nil
	})
	if err != nil {
		return nil, err
	}
	return cloneTools(tools), nil
}

// Invalidate drops the cached listing for target.
func (c *ToolCatalog) Invalidate(ctx context.Context, target core.Target) error {
	if c == nil || c.cache == nil {
		return fmt.Errorf("cachestore: tool catalog is not configured")
	}
	return c.cache.Delete(ctx, ToolCatalogCacheKey(target))
}

func cloneTools(tools []core.ToolDescriptor) []core.ToolDescriptor {
	if tools == nil {
		return nil
	}
	out := make([]core.ToolDescriptor, len(tools))
	for i, tool := range tools {
		cloned := tool
		cloned.Schema = cloneRaw(tool.Schema)
		cloned.OutputSchema = cloneRaw(tool.OutputSchema)
		if tool.Annotations != nil {
			annotations := *tool.Annotations
			annotations.ReadOnlyHint = cloneBool(tool.Annotations.ReadOnlyHint)
			annotations.DestructiveHint = cloneBool(tool.Annotations.DestructiveHint)
			annotations.IdempotentHint = cloneBool(tool.Annotations.IdempotentHint)
			annotations.OpenWorldHint = cloneBool(tool.Annotations.OpenWorldHint)
			cloned.Annotations = &annotations
		}
		out[i] = cloned
	}
	return out
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneBool(value *bool) *bool {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}

var _ core.ToolCatalog = (*ToolCatalog)(nil)
