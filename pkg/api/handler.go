// Package api exposes the catalog service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/illmade-knight/go-catalogcache/pkg/cache"
	"github.com/illmade-knight/go-catalogcache/pkg/catalog"
	"github.com/illmade-knight/go-catalogcache/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

// Catalog is the part of catalog.Service the handlers call.
type Catalog interface {
	Create(ctx context.Context, in types.ProductInput) (*types.Product, error)
	Get(ctx context.Context, id int64) (*types.Product, error)
	List(ctx context.Context, filter types.ProductFilter, page, limit int) (*types.ProductPage, error)
	Search(ctx context.Context, query string, page, limit int) (*types.ProductPage, error)
	Update(ctx context.Context, id int64, patch types.ProductPatch) (*types.Product, error)
	Delete(ctx context.Context, id int64) (bool, error)
	Health(ctx context.Context) catalog.Health
}

// Handler serves the product routes, the detailed health report, cache
// statistics and Prometheus metrics.
type Handler struct {
	catalog  Catalog
	stats    cache.StatsSource
	auth     *Authenticator
	gatherer prometheus.Gatherer
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewHandler creates a Handler. A nil gatherer leaves /metrics unregistered.
func NewHandler(svc Catalog, stats cache.StatsSource, auth *Authenticator, gatherer prometheus.Gatherer, logger zerolog.Logger) *Handler {
	return &Handler{
		catalog:  svc,
		stats:    stats,
		auth:     auth,
		gatherer: gatherer,
		timeout:  10 * time.Second,
		logger:   logger.With().Str("component", "CatalogAPI").Logger(),
	}
}

// Register adds every route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /products", h.list)
	mux.HandleFunc("GET /products/search", h.search)
	mux.HandleFunc("GET /products/{id}", h.get)
	mux.HandleFunc("POST /products", h.auth.Require(h.create))
	mux.HandleFunc("PUT /products/{id}", h.auth.Require(h.update))
	mux.HandleFunc("DELETE /products/{id}", h.auth.Require(h.remove))
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /cache/stats", h.cacheStats)
	if h.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

func statusFor(kind catalog.Kind) int {
	switch kind {
	case catalog.KindInvalid:
		return http.StatusBadRequest
	case catalog.KindNotFound:
		return http.StatusNotFound
	case catalog.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var catErr *catalog.Error
	if !errors.As(err, &catErr) {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Unclassified service error.")
		writeError(w, http.StatusInternalServerError, string(catalog.KindDatabase), "internal error")
		return
	}

	status := statusFor(catErr.Kind)
	resp := errorResponse{Error: string(catErr.Kind), Message: catErr.Message}
	if catErr.Kind == catalog.KindInvalid && catErr.Err != nil {
		resp.Details = catErr.Err.Error()
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed.")
	}
	writeJSON(w, status, resp)
}

func (h *Handler) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), h.timeout)
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id, err == nil && id > 0
}

// queryInt returns 0 for absent or malformed values so the service applies
// its defaults.
func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return n
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   string(catalog.KindInvalid),
			Message: "malformed request body",
			Details: err.Error(),
		})
		return false
	}
	return true
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	q := r.URL.Query()
	filter := types.ProductFilter{Category: q.Get("category"), Name: q.Get("name")}
	page, err := h.catalog.List(ctx, filter, queryInt(r, "page"), queryInt(r, "limit"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) search(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	page, err := h.catalog.Search(ctx, r.URL.Query().Get("q"), queryInt(r, "page"), queryInt(r, "limit"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, string(catalog.KindInvalid), "product id must be a positive integer")
		return
	}
	ctx, cancel := h.requestContext(r)
	defer cancel()

	p, err := h.catalog.Get(ctx, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var in types.ProductInput
	if !decodeBody(w, r, &in) {
		return
	}
	ctx, cancel := h.requestContext(r)
	defer cancel()

	p, err := h.catalog.Create(ctx, in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/products/"+strconv.FormatInt(p.ID, 10))
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, string(catalog.KindInvalid), "product id must be a positive integer")
		return
	}
	var patch types.ProductPatch
	if !decodeBody(w, r, &patch) {
		return
	}
	ctx, cancel := h.requestContext(r)
	defer cancel()

	p, err := h.catalog.Update(ctx, id, patch)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, string(catalog.KindInvalid), "product id must be a positive integer")
		return
	}
	ctx, cancel := h.requestContext(r)
	defer cancel()

	deleted, err := h.catalog.Delete(ctx, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, string(catalog.KindNotFound), "product not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// health answers 503 only when the database is down. A degraded cache still
// serves traffic.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	report := h.catalog.Health(ctx)
	status := http.StatusOK
	if report.Status == catalog.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (h *Handler) cacheStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.stats.Stats())
}
