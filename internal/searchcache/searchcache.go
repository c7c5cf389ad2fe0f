// Package searchcache stores the last search results of a collection so a
// repeated search can be answered without touching the index.
//
// A bundle is valid while it is younger than the TTL and was computed for the
// same folder fingerprint, query and threshold as the request.
package searchcache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/kozaktomas/face-finder/internal/blobstore"
	"github.com/kozaktomas/face-finder/internal/faceindex"
	"github.com/kozaktomas/face-finder/internal/metrics"
	"go.uber.org/zap"
)

const (
	keyPrefix   = "search_cache"
	resultsFile = "results.json"
	metaFile    = "metadata.json"
	defaultTTL  = 24 * time.Hour
)

// Bundle is one cached search.
type Bundle[T any] struct {
	Results     []T       `json:"results"`
	MatchCount  int       `json:"match_count"`
	CachedAt    time.Time `json:"cached_at"`
	Fingerprint string    `json:"folder_fingerprint"`
	QueryHash   string    `json:"query_hash"`
	Threshold   float64   `json:"threshold"`
}

// Matches reports whether the bundle answers a request with the given
// folder fingerprint, query hash and threshold.
func (b *Bundle[T]) Matches(fingerprint, queryHash string, threshold float64) bool {
	return b.Fingerprint == fingerprint && b.QueryHash == queryHash && b.Threshold == threshold
}

// resultsBody is the content of results.json. It repeats the identity of
// the request so a reader can detect results replaced after it read the
// metadata.
type resultsBody[T any] struct {
	CachedAt    time.Time `json:"cached_at"`
	Fingerprint string    `json:"folder_fingerprint"`
	QueryHash   string    `json:"query_hash"`
	Threshold   float64   `json:"threshold"`
	Results     []T       `json:"results"`
}

func (r *resultsBody[T]) describes(m *metadata) bool {
	return r.CachedAt.Equal(m.CachedAt) &&
		r.Fingerprint == m.Fingerprint &&
		r.QueryHash == m.QueryHash &&
		r.Threshold == m.Threshold
}

type metadata struct {
	CachedAt    time.Time `json:"cached_at"`
	Fingerprint string    `json:"folder_fingerprint"`
	QueryHash   string    `json:"query_hash"`
	Threshold   float64   `json:"threshold"`
	MatchCount  int       `json:"match_count"`
	ResultCount int       `json:"result_count"`
}

// Stats summarizes a tenant's search cache.
type Stats struct {
	CachedCollections  int   `json:"cached_collections"`
	TotalMatchesCached int   `json:"total_matches_cached"`
	CacheSize          int64 `json:"cache_size"`
}

// Options configure a Cache.
type Options struct {
	TTL    time.Duration
	Logger *zap.Logger
}

// Cache stores result lists of type T.
type Cache[T any] struct {
	store  blobstore.Store
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// New creates a search cache on top of store.
func New[T any](store blobstore.Store, opts Options) *Cache[T] {
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache[T]{store: store, ttl: opts.TTL, logger: logger, now: time.Now}
}

func scopeDir(scope faceindex.Scope) string {
	return blobstore.Join(keyPrefix, scope.Tenant, scope.Collection)
}

func tenantPrefix(tenant string) string {
	return keyPrefix + "/" + tenant + "/"
}

// Get returns the bundle stored for scope if it is within the TTL. The caller
// checks Matches against the current request.
func (c *Cache[T]) Get(ctx context.Context, scope faceindex.Scope) (*Bundle[T], bool) {
	if scope.Validate() != nil {
		return nil, false
	}
	meta, err := c.readMeta(ctx, scope)
	if err != nil {
		if !errors.Is(err, blobstore.ErrNotFound) {
			c.logger.Warn("search cache metadata unreadable", zap.String("scope", scope.String()), zap.Error(err))
		}
		return nil, false
	}
	if c.now().Sub(meta.CachedAt) >= c.ttl {
		return nil, false
	}

	data, err := c.store.Read(ctx, blobstore.Join(scopeDir(scope), resultsFile))
	if err != nil {
		c.logger.Warn("search cache results unreadable", zap.String("scope", scope.String()), zap.Error(err))
		return nil, false
	}
	var body resultsBody[T]
	if err := json.Unmarshal(data, &body); err != nil {
		c.logger.Warn("search cache results corrupt", zap.String("scope", scope.String()), zap.Error(err))
		return nil, false
	}
	if !body.describes(meta) {
		// Another Put replaced the bundle between the two reads.
		c.logger.Debug("search cache bundle changed while reading", zap.String("scope", scope.String()))
		return nil, false
	}
	if body.Results == nil {
		body.Results = []T{}
	}

	return &Bundle[T]{
		Results:     body.Results,
		MatchCount:  meta.MatchCount,
		CachedAt:    body.CachedAt,
		Fingerprint: body.Fingerprint,
		QueryHash:   body.QueryHash,
		Threshold:   body.Threshold,
	}, true
}

// Lookup is Get followed by Matches, recording the outcome in metrics.
func (c *Cache[T]) Lookup(ctx context.Context, scope faceindex.Scope, fingerprint, queryHash string, threshold float64) (*Bundle[T], bool) {
	b, ok := c.Get(ctx, scope)
	hit := ok && b.Matches(fingerprint, queryHash, threshold)
	metrics.CacheLookup("search", hit)
	if !hit {
		return nil, false
	}
	return b, true
}

// Put stores results for scope. Results are written before the metadata, and
// both carry the request identity; Get serves a bundle only when they agree.
func (c *Cache[T]) Put(ctx context.Context, scope faceindex.Scope, b Bundle[T]) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if b.Results == nil {
		b.Results = []T{}
	}
	if b.CachedAt.IsZero() {
		b.CachedAt = c.now().UTC()
	}

	results, err := json.Marshal(resultsBody[T]{
		CachedAt:    b.CachedAt,
		Fingerprint: b.Fingerprint,
		QueryHash:   b.QueryHash,
		Threshold:   b.Threshold,
		Results:     b.Results,
	})
	if err != nil {
		return fmt.Errorf("encoding search results: %w", err)
	}
	meta, err := json.MarshalIndent(metadata{
		CachedAt:    b.CachedAt,
		Fingerprint: b.Fingerprint,
		QueryHash:   b.QueryHash,
		Threshold:   b.Threshold,
		MatchCount:  b.MatchCount,
		ResultCount: len(b.Results),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding search metadata: %w", err)
	}

	dir := scopeDir(scope)
	if err := c.store.Write(ctx, blobstore.Join(dir, resultsFile), results); err != nil {
		return fmt.Errorf("writing search results: %w", err)
	}
	if err := c.store.Write(ctx, blobstore.Join(dir, metaFile), meta); err != nil {
		return fmt.Errorf("writing search metadata: %w", err)
	}
	return nil
}

// Invalidate drops the bundle of scope. Metadata goes first so a partial
// delete leaves no servable bundle behind.
func (c *Cache[T]) Invalidate(ctx context.Context, scope faceindex.Scope) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	dir := scopeDir(scope)
	if err := c.store.Delete(ctx, blobstore.Join(dir, metaFile)); err != nil {
		return fmt.Errorf("deleting search metadata: %w", err)
	}
	if err := c.store.Delete(ctx, blobstore.Join(dir, resultsFile)); err != nil {
		return fmt.Errorf("deleting search results: %w", err)
	}
	return nil
}

// Stats aggregates the tenant's cached bundles. Expired bundles still count
// until cleared.
func (c *Cache[T]) Stats(ctx context.Context, tenant string) (Stats, error) {
	if err := faceindex.ValidateTenant(tenant); err != nil {
		return Stats{}, err
	}
	keys, err := c.store.List(ctx, tenantPrefix(tenant))
	if err != nil {
		return Stats{}, fmt.Errorf("listing search cache: %w", err)
	}
	var st Stats
	for _, key := range keys {
		data, err := c.store.Read(ctx, key)
		if err != nil {
			continue
		}
		st.CacheSize += int64(len(data))
		if !strings.HasSuffix(key, "/"+metaFile) {
			continue
		}
		var meta metadata
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		st.CachedCollections++
		st.TotalMatchesCached += meta.MatchCount
	}
	return st, nil
}

// Clear removes the bundle of one collection, or of every collection of the
// tenant when collection is empty. Returns the number of bundles removed.
func (c *Cache[T]) Clear(ctx context.Context, tenant, collection string) (int, error) {
	prefix := tenantPrefix(tenant)
	if collection != "" {
		scope, err := faceindex.NewScope(tenant, collection)
		if err != nil {
			return 0, err
		}
		prefix = scopeDir(scope) + "/"
	} else if err := faceindex.ValidateTenant(tenant); err != nil {
		return 0, err
	}

	keys, err := c.store.List(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("listing search cache: %w", err)
	}
	removed := 0
	// Metadata first, as in Invalidate.
	for _, pass := range []bool{true, false} {
		for _, key := range keys {
			if strings.HasSuffix(key, "/"+metaFile) != pass {
				continue
			}
			if err := c.store.Delete(ctx, key); err != nil {
				return removed, fmt.Errorf("deleting %s: %w", key, err)
			}
			if pass {
				removed++
			}
		}
	}
	return removed, nil
}

func (c *Cache[T]) readMeta(ctx context.Context, scope faceindex.Scope) (*metadata, error) {
	data, err := c.store.Read(ctx, blobstore.Join(scopeDir(scope), metaFile))
	if err != nil {
		return nil, err
	}
	var meta metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decoding search metadata: %w", err)
	}
	return &meta, nil
}

// HashVectors identifies a set of query vectors. Order matters.
func HashVectors(vectors [][]float32) string {
	h := sha256.New()
	var buf [4]byte
	for _, v := range vectors {
		binary.LittleEndian.PutUint32(buf[:], uint32(len(v)))
		h.Write(buf[:])
		for _, x := range v {
			binary.LittleEndian.PutUint32(buf[:], math.Float32bits(x))
			h.Write(buf[:])
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
