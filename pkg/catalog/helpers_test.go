package catalog_test

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/go-catalogcache/pkg/cache"
	"github.com/illmade-knight/go-catalogcache/pkg/catalog"
	"github.com/illmade-knight/go-catalogcache/pkg/events"
	"github.com/illmade-knight/go-catalogcache/pkg/types"
)

// memRepo is an in-memory catalog.Repository. Product names are unique.
type memRepo struct {
	mu       sync.Mutex
	nextID   int64
	products map[int64]types.Product

	findByIDCalls atomic.Int32
	findManyCalls atomic.Int32
	searchCalls   atomic.Int32

	// failWith, when set, is returned by every method.
	failWith error
}

func newMemRepo() *memRepo {
	return &memRepo{products: make(map[int64]types.Product)}
}

func (r *memRepo) Create(_ context.Context, in types.ProductInput) (*types.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return nil, r.failWith
	}
	for _, p := range r.products {
		if strings.EqualFold(p.Name, in.Name) {
			return nil, catalog.ErrDuplicate
		}
	}
	r.nextID++
	now := time.Now().UTC()
	p := types.Product{
		ID: r.nextID, Name: in.Name, Description: in.Description, Price: in.Price,
		Category: in.Category, Stock: in.Stock, CreatedAt: now, UpdatedAt: now,
	}
	r.products[p.ID] = p
	return &p, nil
}

func (r *memRepo) FindByID(_ context.Context, id int64) (*types.Product, error) {
	r.findByIDCalls.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return nil, r.failWith
	}
	p, ok := r.products[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (r *memRepo) sorted(match func(types.Product) bool) []types.Product {
	var out []types.Product
	for _, p := range r.products {
		if match(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func paged(all []types.Product, page, limit int) ([]types.Product, int64) {
	start := (page - 1) * limit
	if start >= len(all) {
		return nil, int64(len(all))
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], int64(len(all))
}

func (r *memRepo) FindMany(_ context.Context, filter types.ProductFilter, page, limit int) ([]types.Product, int64, error) {
	r.findManyCalls.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return nil, 0, r.failWith
	}
	all := r.sorted(func(p types.Product) bool {
		if filter.Category != "" && p.Category != filter.Category {
			return false
		}
		return filter.Name == "" || strings.Contains(strings.ToLower(p.Name), strings.ToLower(filter.Name))
	})
	items, total := paged(all, page, limit)
	return items, total, nil
}

func (r *memRepo) Search(_ context.Context, query string, page, limit int) ([]types.Product, int64, error) {
	r.searchCalls.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return nil, 0, r.failWith
	}
	q := strings.ToLower(query)
	all := r.sorted(func(p types.Product) bool {
		return strings.Contains(strings.ToLower(p.Name), q) || strings.Contains(strings.ToLower(p.Description), q)
	})
	items, total := paged(all, page, limit)
	return items, total, nil
}

func (r *memRepo) Update(_ context.Context, id int64, patch types.ProductPatch) (*types.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return nil, r.failWith
	}
	p, ok := r.products[id]
	if !ok {
		return nil, nil
	}
	if patch.Name != nil {
		p.Name = *patch.Name
	}
	if patch.Description != nil {
		p.Description = *patch.Description
	}
	if patch.Price != nil {
		p.Price = *patch.Price
	}
	if patch.Category != nil {
		p.Category = *patch.Category
	}
	if patch.Stock != nil {
		p.Stock = *patch.Stock
	}
	p.UpdatedAt = time.Now().UTC()
	r.products[id] = p
	return &p, nil
}

func (r *memRepo) Delete(_ context.Context, id int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return 0, r.failWith
	}
	if _, ok := r.products[id]; !ok {
		return 0, nil
	}
	delete(r.products, id)
	return 1, nil
}

func (r *memRepo) Count(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return 0, r.failWith
	}
	return int64(len(r.products)), nil
}

// stubReader is a test double for catalog.CacheReader.
type stubReader struct {
	GetFunc     func(ctx context.Context, id int64) (*types.Product, bool, error)
	GetListFunc func(ctx context.Context, fingerprint string) (*types.ProductPage, bool, error)
	HealthFunc  func(ctx context.Context) cache.HealthStatus

	getListCalls atomic.Int32
}

func (s *stubReader) Get(ctx context.Context, id int64, _ ...cache.Option) (*types.Product, bool, error) {
	if s.GetFunc != nil {
		return s.GetFunc(ctx, id)
	}
	return nil, false, nil
}

func (s *stubReader) GetList(ctx context.Context, fingerprint string, _ ...cache.Option) (*types.ProductPage, bool, error) {
	s.getListCalls.Add(1)
	if s.GetListFunc != nil {
		return s.GetListFunc(ctx, fingerprint)
	}
	return nil, false, nil
}

func (s *stubReader) HealthCheck(ctx context.Context) cache.HealthStatus {
	if s.HealthFunc != nil {
		return s.HealthFunc(ctx)
	}
	return cache.HealthStatus{Healthy: true, Connected: true}
}

// scheduledCall records one call to the scheduler.
type scheduledCall struct {
	Op          string
	ID          int64
	Fingerprint string
	Fields      map[string]string
}

// recordingScheduler is a test double for catalog.CacheScheduler.
type recordingScheduler struct {
	mu    sync.Mutex
	calls []scheduledCall
}

func (r *recordingScheduler) add(c scheduledCall) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
	return true
}

func (r *recordingScheduler) Calls() []scheduledCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]scheduledCall(nil), r.calls...)
}

func (r *recordingScheduler) Ops() []string {
	var ops []string
	for _, c := range r.Calls() {
		ops = append(ops, c.Op)
	}
	return ops
}

func (r *recordingScheduler) PutAsync(p *types.Product, _ ...cache.Option) bool {
	return r.add(scheduledCall{Op: "put", ID: p.ID})
}

func (r *recordingScheduler) PutListAsync(_ types.ProductPage, fingerprint string, _ ...cache.Option) bool {
	return r.add(scheduledCall{Op: "putList", Fingerprint: fingerprint})
}

func (r *recordingScheduler) RecacheAsync(p *types.Product, _ ...cache.Option) bool {
	return r.add(scheduledCall{Op: "recache", ID: p.ID})
}

func (r *recordingScheduler) InvalidateAsync(id int64, _ ...cache.Option) bool {
	return r.add(scheduledCall{Op: "invalidate", ID: id})
}

func (r *recordingScheduler) InvalidateListsAsync(_ ...cache.Option) bool {
	return r.add(scheduledCall{Op: "invalidateLists"})
}

func (r *recordingScheduler) UpdateFieldsAsync(id int64, fields map[string]string, _ ...cache.Option) bool {
	return r.add(scheduledCall{Op: "updateFields", ID: id, Fields: fields})
}

// recordingEmitter is a test double for catalog.Emitter.
type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingEmitter) Emit(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingEmitter) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

var errBoom = errors.New("connection reset by peer")

func ptr[T any](v T) *T { return &v }
