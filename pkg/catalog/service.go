// Package catalog orchestrates the product store, the Redis cache and the
// event bus. The store is authoritative; the cache is a best-effort
// accelerator whose failures are logged and never returned to callers.
package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/illmade-knight/go-catalogcache/pkg/cache"
	"github.com/illmade-knight/go-catalogcache/pkg/events"
	"github.com/illmade-knight/go-catalogcache/pkg/types"
	"github.com/rs/zerolog"
)

// Config holds pagination defaults, cache TTLs and the event switch.
type Config struct {
	DefaultPage   int
	DefaultLimit  int
	MaxLimit      int
	CacheTTL      time.Duration
	ListTTL       time.Duration
	EventsEnabled bool
}

// DefaultConfig returns page 1, limit 10 (max 100), 5m/10m TTLs and events on.
func DefaultConfig() Config {
	return Config{
		DefaultPage:   1,
		DefaultLimit:  10,
		MaxLimit:      100,
		CacheTTL:      5 * time.Minute,
		ListTTL:       10 * time.Minute,
		EventsEnabled: true,
	}
}

// Service implements read-through and invalidate-on-write over a Repository.
type Service struct {
	cfg      Config
	repo     Repository
	cache    CacheReader
	async    CacheScheduler
	emitter  Emitter
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewService wires the collaborators. emitter may be nil.
func NewService(cfg Config, repo Repository, reader CacheReader, async CacheScheduler, emitter Emitter, logger zerolog.Logger) *Service {
	defaults := DefaultConfig()
	if cfg.DefaultPage <= 0 {
		cfg.DefaultPage = defaults.DefaultPage
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = defaults.DefaultLimit
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = defaults.MaxLimit
	}
	return &Service{
		cfg:      cfg,
		repo:     repo,
		cache:    reader,
		async:    async,
		emitter:  emitter,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With().Str("component", "CatalogService").Logger(),
	}
}

// Fingerprint is the list cache key for a normalised query.
func Fingerprint(page, limit int, category, name string) string {
	return fmt.Sprintf("page:%d:limit:%d:category:%s:name:%s", page, limit, category, name)
}

func (s *Service) paginate(page, limit int) (int, int) {
	if page < 1 {
		page = s.cfg.DefaultPage
	}
	if limit < 1 {
		limit = s.cfg.DefaultLimit
	}
	if limit > s.cfg.MaxLimit {
		limit = s.cfg.MaxLimit
	}
	return page, limit
}

func (s *Service) emit(ctx context.Context, kind events.Kind, id int64, p *types.Product) {
	if !s.cfg.EventsEnabled || s.emitter == nil {
		return
	}
	s.emitter.Emit(events.New(kind, id, p, UserFromContext(ctx)))
}

// Create persists in and schedules caching of the new product together
// with list invalidation.
func (s *Service) Create(ctx context.Context, in types.ProductInput) (*types.Product, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Category = strings.TrimSpace(in.Category)
	if err := s.validate.Struct(in); err != nil {
		return nil, invalid("invalid product", err)
	}

	p, err := s.repo.Create(ctx, in)
	if err != nil {
		return nil, fromRepository(err)
	}
	s.logger.Info().Int64("product_id", p.ID).Msg("Product created.")

	s.async.RecacheAsync(p, cache.WithTTL(s.cfg.CacheTTL))
	s.emit(ctx, events.KindCreated, p.ID, p)
	return p, nil
}

// Get returns a product from the cache, falling back to the store on a miss
// or on any cache failure.
func (s *Service) Get(ctx context.Context, id int64) (*types.Product, error) {
	if id <= 0 {
		return nil, invalid("product id must be positive", nil)
	}

	cached, hit, err := s.cache.Get(ctx, id)
	switch {
	case err != nil && cache.IsValidationError(err):
		s.logger.Warn().Err(err).Int64("product_id", id).Msg("Cached product is corrupt, reading from database.")
		s.async.InvalidateAsync(id)
	case err != nil:
		s.logger.Warn().Err(err).Int64("product_id", id).Msg("Cache read failed, reading from database.")
	case hit:
		s.logger.Debug().Int64("product_id", id).Msg("Product served from cache.")
		s.emit(ctx, events.KindViewed, id, cached)
		return cached, nil
	}

	p, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fromRepository(err)
	}
	if p == nil {
		return nil, notFound(id)
	}

	s.async.PutAsync(p, cache.WithTTL(s.cfg.CacheTTL))
	s.emit(ctx, events.KindViewed, id, p)
	return p, nil
}

// List returns one page of products matching filter. Pages are cached under
// their query fingerprint.
func (s *Service) List(ctx context.Context, filter types.ProductFilter, page, limit int) (*types.ProductPage, error) {
	page, limit = s.paginate(page, limit)
	filter.Category = strings.TrimSpace(filter.Category)
	filter.Name = strings.TrimSpace(filter.Name)
	fingerprint := Fingerprint(page, limit, filter.Category, filter.Name)

	cached, hit, err := s.cache.GetList(ctx, fingerprint)
	if err != nil {
		s.logger.Warn().Err(err).Str("fingerprint", fingerprint).Msg("List cache read failed, reading from database.")
	} else if hit {
		return cached, nil
	}

	items, total, err := s.repo.FindMany(ctx, filter, page, limit)
	if err != nil {
		return nil, fromRepository(err)
	}
	result := &types.ProductPage{Items: items, Total: total, Page: page, Limit: limit}
	if result.Items == nil {
		result.Items = []types.Product{}
	}

	s.async.PutListAsync(*result, fingerprint, cache.WithTTL(s.cfg.ListTTL))
	return result, nil
}

// Search matches query against name and description. Results are never cached.
func (s *Service) Search(ctx context.Context, query string, page, limit int) (*types.ProductPage, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, invalid("search query is required", nil)
	}
	page, limit = s.paginate(page, limit)

	items, total, err := s.repo.Search(ctx, query, page, limit)
	if err != nil {
		return nil, fromRepository(err)
	}
	if items == nil {
		items = []types.Product{}
	}
	return &types.ProductPage{Items: items, Total: total, Page: page, Limit: limit}, nil
}

// Update applies patch and schedules a merge of only the changed fields into
// the cached entry, followed by list invalidation.
func (s *Service) Update(ctx context.Context, id int64, patch types.ProductPatch) (*types.Product, error) {
	if id <= 0 {
		return nil, invalid("product id must be positive", nil)
	}
	if patch.IsEmpty() {
		return nil, invalid("no fields to update", nil)
	}
	patch.Name = trimmed(patch.Name)
	patch.Category = trimmed(patch.Category)
	if err := s.validate.Struct(patch); err != nil {
		return nil, invalid("invalid product update", err)
	}

	p, err := s.repo.Update(ctx, id, patch)
	if err != nil {
		return nil, fromRepository(err)
	}
	if p == nil {
		return nil, notFound(id)
	}
	s.logger.Info().Int64("product_id", id).Msg("Product updated.")

	s.async.UpdateFieldsAsync(id, cache.WithUpdatedAt(cache.PatchFields(patch), p.UpdatedAt))
	s.async.InvalidateListsAsync()
	s.emit(ctx, events.KindUpdated, id, p)
	return p, nil
}

func trimmed(v *string) *string {
	if v == nil {
		return nil
	}
	t := strings.TrimSpace(*v)
	return &t
}

// Delete removes the product. It reports false, and touches no cache, when
// nothing was deleted.
func (s *Service) Delete(ctx context.Context, id int64) (bool, error) {
	if id <= 0 {
		return false, invalid("product id must be positive", nil)
	}

	affected, err := s.repo.Delete(ctx, id)
	if err != nil {
		return false, fromRepository(err)
	}
	if affected == 0 {
		s.logger.Debug().Int64("product_id", id).Msg("Delete matched no product.")
		return false, nil
	}
	s.logger.Info().Int64("product_id", id).Msg("Product deleted.")

	s.async.InvalidateAsync(id)
	s.async.InvalidateListsAsync()
	s.emit(ctx, events.KindDeleted, id, nil)
	return true, nil
}
