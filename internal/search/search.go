// Package search finds the photos of a collection, or of every collection of
// a tenant, that contain faces similar to a set of query faces.
package search

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/kozaktomas/face-finder/internal/faceindex"
	"github.com/kozaktomas/face-finder/internal/metrics"
	"github.com/kozaktomas/face-finder/internal/searchcache"
	"go.uber.org/zap"
)

// ErrInvalidThreshold is returned for thresholds outside [0, 1].
var ErrInvalidThreshold = errors.New("threshold must be between 0 and 1")

const (
	ModeScoped    = "scoped"
	ModeUniversal = "universal"
)

// Result is one matching photo.
type Result struct {
	CollectionID    string    `json:"collection_id"`
	SourceID        string    `json:"source_id"`
	Filename        string    `json:"filename"`
	SourceReference string    `json:"source_reference"`
	Similarity      float64   `json:"similarity"`
	BBox            []float64 `json:"bounding_box"`
	DetScore        float64   `json:"detector_confidence"`
	Quality         float64   `json:"quality_score"`
	Seq             int64     `json:"seq"`
}

// Request describes a search. An empty Collection searches every collection
// of the tenant.
type Request struct {
	Tenant     string
	Collection string
	Queries    [][]float32
	Threshold  float64
	// Limit truncates the final list. 0 keeps everything.
	Limit int
}

// Response is the outcome of a search.
type Response struct {
	Mode          string   `json:"mode"`
	Tenant        string   `json:"tenant"`
	Collection    string   `json:"collection,omitempty"`
	Threshold     float64  `json:"threshold"`
	MatchCount    int      `json:"match_count"`
	Results       []Result `json:"results"`
	Cached        bool     `json:"cached"`
	Collections   []string `json:"collections_searched,omitempty"`
	SkippedScopes []string `json:"skipped_collections,omitempty"`
}

// Index is the read side of the face index.
type Index interface {
	Search(ctx context.Context, scope faceindex.Scope, query []float32, opts faceindex.SearchOptions) ([]faceindex.Match, error)
	References(ctx context.Context, scope faceindex.Scope, sourceIDs []string) (map[string]string, error)
	ListScopes(ctx context.Context, tenant string) ([]string, error)
}

// ResultCache stores scoped result lists.
type ResultCache interface {
	Lookup(ctx context.Context, scope faceindex.Scope, fingerprint, queryHash string, threshold float64) (*searchcache.Bundle[Result], bool)
	Put(ctx context.Context, scope faceindex.Scope, b searchcache.Bundle[Result]) error
}

// FingerprintFunc returns the current folder fingerprint of a scope, if known.
type FingerprintFunc func(ctx context.Context, scope faceindex.Scope) (string, bool)

// Engine runs searches against the index.
type Engine struct {
	index  Index
	cache  ResultCache
	logger *zap.Logger
}

// NewEngine creates an engine. cache may be nil.
func NewEngine(index Index, cache ResultCache, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{index: index, cache: cache, logger: logger}
}

// ValidateThreshold checks that t is a cosine similarity in [0, 1].
func ValidateThreshold(t float64) error {
	if math.IsNaN(t) || t < 0 || t > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidThreshold, t)
	}
	return nil
}

// Search dispatches to Scoped or Universal depending on req.Collection.
func (e *Engine) Search(ctx context.Context, req Request, fingerprint FingerprintFunc) (*Response, error) {
	if req.Collection == "" {
		return e.Universal(ctx, req)
	}
	return e.Scoped(ctx, req, fingerprint)
}

// Scoped searches one collection. When a fingerprint is available the result
// list is served from and stored in the cache.
func (e *Engine) Scoped(ctx context.Context, req Request, fingerprint FingerprintFunc) (*Response, error) {
	start := time.Now()
	defer func() { metrics.SearchDuration.WithLabelValues(ModeScoped).Observe(time.Since(start).Seconds()) }()

	if err := ValidateThreshold(req.Threshold); err != nil {
		return nil, err
	}
	scope, err := faceindex.NewScope(req.Tenant, req.Collection)
	if err != nil {
		return nil, err
	}

	resp := &Response{Mode: ModeScoped, Tenant: req.Tenant, Collection: req.Collection, Threshold: req.Threshold}
	if len(req.Queries) == 0 {
		resp.Results = []Result{}
		metrics.SearchRequestsTotal.WithLabelValues(ModeScoped, "bypass").Inc()
		return resp, nil
	}

	var fp, queryHash string
	useCache := false
	if e.cache != nil && fingerprint != nil {
		fp, useCache = fingerprint(ctx, scope)
		queryHash = searchcache.HashVectors(req.Queries)
	}
	if useCache {
		if b, ok := e.cache.Lookup(ctx, scope, fp, queryHash, req.Threshold); ok {
			metrics.SearchRequestsTotal.WithLabelValues(ModeScoped, "hit").Inc()
			resp.Cached = true
			resp.MatchCount = b.MatchCount
			resp.Results = limit(b.Results, req.Limit)
			return resp, nil
		}
	}

	results, err := e.searchScope(ctx, scope, req.Queries, req.Threshold)
	if err != nil {
		return nil, err
	}

	cacheLabel := "bypass"
	if useCache {
		cacheLabel = "miss"
		if err := e.cache.Put(ctx, scope, searchcache.Bundle[Result]{
			Results:     results,
			MatchCount:  len(results),
			Fingerprint: fp,
			QueryHash:   queryHash,
			Threshold:   req.Threshold,
		}); err != nil {
			e.logger.Warn("failed to cache search results", zap.String("scope", scope.String()), zap.Error(err))
		}
	}
	metrics.SearchRequestsTotal.WithLabelValues(ModeScoped, cacheLabel).Inc()

	resp.MatchCount = len(results)
	resp.Results = limit(results, req.Limit)
	return resp, nil
}

// Universal searches every collection of the tenant one at a time and merges
// the results. Corrupt collections are skipped and reported.
func (e *Engine) Universal(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	defer func() { metrics.SearchDuration.WithLabelValues(ModeUniversal).Observe(time.Since(start).Seconds()) }()
	metrics.SearchRequestsTotal.WithLabelValues(ModeUniversal, "bypass").Inc()

	if err := ValidateThreshold(req.Threshold); err != nil {
		return nil, err
	}
	if err := faceindex.ValidateTenant(req.Tenant); err != nil {
		return nil, err
	}

	resp := &Response{Mode: ModeUniversal, Tenant: req.Tenant, Threshold: req.Threshold, Results: []Result{}}
	if len(req.Queries) == 0 {
		return resp, nil
	}

	collections, err := e.index.ListScopes(ctx, req.Tenant)
	if err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}

	var all []Result
	for _, collection := range collections {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		scope := faceindex.Scope{Tenant: req.Tenant, Collection: collection}
		results, err := e.searchScope(ctx, scope, req.Queries, req.Threshold)
		if errors.Is(err, faceindex.ErrCorruption) || errors.Is(err, faceindex.ErrDimensionMismatch) {
			e.logger.Warn("skipping collection in universal search",
				zap.String("tenant", req.Tenant),
				zap.String("collection", collection),
				zap.Error(err),
			)
			resp.SkippedScopes = append(resp.SkippedScopes, collection)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("searching %s: %w", scope, err)
		}
		resp.Collections = append(resp.Collections, collection)
		all = append(all, results...)
	}

	// Collections were visited in id order and each list is already sorted,
	// so a stable sort keeps collection then insertion order on ties.
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Similarity > all[j].Similarity
	})

	resp.MatchCount = len(all)
	resp.Results = limit(all, req.Limit)
	if resp.Results == nil {
		resp.Results = []Result{}
	}
	return resp, nil
}

// searchScope returns one row per photo with its best-matching face, sorted
// by similarity and then insertion order. Photos without a filename are dropped.
func (e *Engine) searchScope(ctx context.Context, scope faceindex.Scope, queries [][]float32, threshold float64) ([]Result, error) {
	best := make(map[string]faceindex.Match)
	for _, q := range queries {
		matches, err := e.index.Search(ctx, scope, q, faceindex.SearchOptions{MinSimilarity: threshold})
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			id := m.Record.SourceID
			cur, ok := best[id]
			if !ok || m.Similarity > cur.Similarity ||
				(m.Similarity == cur.Similarity && m.Record.Seq < cur.Record.Seq) {
				best[id] = m
			}
		}
	}
	if len(best) == 0 {
		return []Result{}, nil
	}

	ids := make([]string, 0, len(best))
	for id := range best {
		ids = append(ids, id)
	}
	names, err := e.index.References(ctx, scope, ids)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(best))
	for id, m := range best {
		name, ok := names[id]
		if !ok || name == "" {
			e.logger.Debug("dropping match without reference",
				zap.String("scope", scope.String()), zap.String("file_id", id))
			continue
		}
		results = append(results, Result{
			CollectionID:    scope.Collection,
			SourceID:        id,
			Filename:        name,
			SourceReference: m.Record.SourceReference,
			Similarity:      m.Similarity,
			BBox:            m.Record.BBox,
			DetScore:        m.Record.DetScore,
			Quality:         m.Record.Quality,
			Seq:             m.Record.Seq,
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].Seq < results[j].Seq
	})
	return results, nil
}

func limit(results []Result, n int) []Result {
	if n > 0 && len(results) > n {
		return results[:n]
	}
	return results
}
