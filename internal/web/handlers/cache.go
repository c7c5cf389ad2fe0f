package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/face-finder/internal/finder"
	"github.com/kozaktomas/face-finder/internal/web/middleware"
)

// CacheHandler exposes cache and collection maintenance.
type CacheHandler struct {
	service Service
}

// NewCacheHandler creates a new cache handler
func NewCacheHandler(service Service) *CacheHandler {
	return &CacheHandler{service: service}
}

// Collections lists the tenant's indexed collections.
func (h *CacheHandler) Collections(w http.ResponseWriter, r *http.Request) {
	collections, err := h.service.Collections(r.Context(), middleware.GetTenantFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, collections)
}

// Stats returns the tenant's cache statistics.
func (h *CacheHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.CacheStats(r.Context(), middleware.GetTenantFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// Clear removes cache entries. Query parameters: collection (empty = all),
// and the flags search, folder and index. With no flag set, the search and
// folder caches are cleared.
func (h *CacheHandler) Clear(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := finder.ClearOptions{
		Search: queryBool(q.Get("search")),
		Folder: queryBool(q.Get("folder")),
		Index:  queryBool(q.Get("index")),
	}
	if !opts.Search && !opts.Folder && !opts.Index {
		opts.Search, opts.Folder = true, true
	}

	res, err := h.service.ClearCaches(r.Context(), middleware.GetTenantFromContext(r.Context()), q.Get("collection"), opts)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// Push mirrors a collection into PostgreSQL.
func (h *CacheHandler) Push(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantFromContext(r.Context())
	collection := chi.URLParam(r, "collection")
	n, err := h.service.Push(r.Context(), tenant, collection)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"tenant":     tenant,
		"collection": collection,
		"pushed":     n,
	})
}

// Evict removes content cache entries older than max_age_days (default: configured age).
func (h *CacheHandler) Evict(w http.ResponseWriter, r *http.Request) {
	var maxAge time.Duration
	if v := r.URL.Query().Get("max_age_days"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil || days <= 0 {
			respondError(w, http.StatusBadRequest, "invalid max_age_days")
			return
		}
		maxAge = time.Duration(days) * 24 * time.Hour
	}
	n, err := h.service.EvictContent(r.Context(), maxAge)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"evicted": n})
}

func queryBool(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}
