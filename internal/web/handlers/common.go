package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/kozaktomas/face-finder/internal/detector"
	"github.com/kozaktomas/face-finder/internal/faceindex"
	"github.com/kozaktomas/face-finder/internal/finder"
	"github.com/kozaktomas/face-finder/internal/ingest"
	"github.com/kozaktomas/face-finder/internal/search"
	"github.com/kozaktomas/face-finder/internal/source"
)

// errInvalidRequestBody is a shared error message for invalid JSON request bodies.
const errInvalidRequestBody = "invalid request body"

// Service is the part of the finder the HTTP API uses.
type Service interface {
	OpenSource(spec source.Spec) (source.Source, error)
	Ingest(ctx context.Context, tenant, collection string, src source.Source, opts ingest.Options) (*ingest.Result, error)
	Search(ctx context.Context, req finder.SearchRequest) (*finder.SearchResponse, error)
	Collections(ctx context.Context, tenant string) ([]faceindex.PartitionMeta, error)
	CacheStats(ctx context.Context, tenant string) (*finder.CacheStats, error)
	ClearCaches(ctx context.Context, tenant, collection string, opts finder.ClearOptions) (*finder.ClearResult, error)
	EvictContent(ctx context.Context, maxAge time.Duration) (int, error)
	Push(ctx context.Context, tenant, collection string) (int, error)
}

// sanitizeForLog removes newlines and carriage returns to prevent log injection.
func sanitizeForLog(s string) string {
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondServiceError maps a service error to a status code.
func respondServiceError(w http.ResponseWriter, err error) {
	respondError(w, statusForError(err), err.Error())
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, faceindex.ErrScopeNotSet),
		errors.Is(err, faceindex.ErrInvalidScope),
		errors.Is(err, search.ErrInvalidThreshold),
		errors.Is(err, finder.ErrNoQueryImages),
		errors.Is(err, detector.ErrDecode),
		errors.Is(err, faceindex.ErrDimensionMismatch):
		return http.StatusBadRequest
	case errors.Is(err, faceindex.ErrCorruption):
		return http.StatusConflict
	case errors.Is(err, source.ErrFetch):
		return http.StatusBadGateway
	case errors.Is(err, finder.ErrNoDatabase):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// HealthCheck handles the health check endpoint.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}
