package catalog

import (
	"context"

	"github.com/illmade-knight/go-catalogcache/pkg/cache"
	"github.com/illmade-knight/go-catalogcache/pkg/events"
	"github.com/illmade-knight/go-catalogcache/pkg/types"
)

// Repository is the authoritative product store. FindByID and Update return
// (nil, nil) when the product does not exist.
type Repository interface {
	Create(ctx context.Context, in types.ProductInput) (*types.Product, error)
	FindByID(ctx context.Context, id int64) (*types.Product, error)
	FindMany(ctx context.Context, filter types.ProductFilter, page, limit int) ([]types.Product, int64, error)
	Search(ctx context.Context, query string, page, limit int) ([]types.Product, int64, error)
	Update(ctx context.Context, id int64, patch types.ProductPatch) (*types.Product, error)
	Delete(ctx context.Context, id int64) (int64, error)
	Count(ctx context.Context) (int64, error)
}

// CacheReader is the synchronous side of the cache the service reads from.
type CacheReader interface {
	Get(ctx context.Context, id int64, opts ...cache.Option) (*types.Product, bool, error)
	GetList(ctx context.Context, fingerprint string, opts ...cache.Option) (*types.ProductPage, bool, error)
	HealthCheck(ctx context.Context) cache.HealthStatus
}

// CacheScheduler is the fire-and-forget side of the cache. Every method
// reports whether work was scheduled and never waits on it.
type CacheScheduler interface {
	PutAsync(p *types.Product, opts ...cache.Option) bool
	PutListAsync(page types.ProductPage, fingerprint string, opts ...cache.Option) bool
	RecacheAsync(p *types.Product, opts ...cache.Option) bool
	InvalidateAsync(id int64, opts ...cache.Option) bool
	InvalidateListsAsync(opts ...cache.Option) bool
	UpdateFieldsAsync(id int64, fields map[string]string, opts ...cache.Option) bool
}

// Emitter receives product events. Emit must not block.
type Emitter interface {
	Emit(e events.Event)
}
