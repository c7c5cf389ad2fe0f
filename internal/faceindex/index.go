// Package faceindex implements the multi-tenant scoped face vector index.
//
// Each (tenant, collection) scope is an isolated partition with its own
// vectors, face metadata and source-to-filename reference map. Operations on
// a scope are serialized by a per-scope lock; different scopes never share a
// lock. Partitions are loaded lazily from a blobstore.Store and persisted as a
// single envelope blob so vectors and metadata can never diverge on disk.
package faceindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kozaktomas/face-finder/internal/blobstore"
	"github.com/kozaktomas/face-finder/internal/metrics"
	"go.uber.org/zap"
)

// Options tune graph construction and search.
type Options struct {
	MaxNeighbors     int
	EfSearch         int
	SearchMultiplier int
	HNSWMinPartition int
	Logger           *zap.Logger
}

// Index is the registry of scoped partitions.
type Index struct {
	store  blobstore.Store
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex // guards scopes only, never held while a scope lock is taken
	scopes map[Scope]*scopeState
}

type scopeState struct {
	mu     sync.Mutex
	part   *partition
	broken error
}

// New creates an index backed by store. Zero options take package defaults.
func New(store blobstore.Store, opts Options) *Index {
	if opts.MaxNeighbors <= 0 {
		opts.MaxNeighbors = DefaultMaxNeighbors
	}
	if opts.EfSearch <= 0 {
		opts.EfSearch = DefaultEfSearch
	}
	if opts.SearchMultiplier <= 0 {
		opts.SearchMultiplier = DefaultSearchMultiplier
	}
	if opts.HNSWMinPartition <= 0 {
		opts.HNSWMinPartition = DefaultHNSWMinPartition
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		store:  store,
		opts:   opts,
		logger: logger,
		now:    time.Now,
		scopes: make(map[Scope]*scopeState),
	}
}

func (ix *Index) params() graphParams {
	return graphParams{maxNeighbors: ix.opts.MaxNeighbors, efSearch: ix.opts.EfSearch}
}

func (ix *Index) state(scope Scope) *scopeState {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	st, ok := ix.scopes[scope]
	if !ok {
		st = &scopeState{}
		ix.scopes[scope] = st
	}
	return st
}

// withScope runs fn holding the scope lock with the partition loaded.
func (ix *Index) withScope(ctx context.Context, scope Scope, fn func(p *partition) error) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	st := ix.state(scope)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := ix.loadLocked(ctx, scope, st); err != nil {
		return err
	}
	return fn(st.part)
}

func (ix *Index) loadLocked(ctx context.Context, scope Scope, st *scopeState) error {
	if st.broken != nil {
		return st.broken
	}
	if st.part != nil {
		return nil
	}

	data, err := ix.store.Read(ctx, scope.partitionKey())
	if errors.Is(err, blobstore.ErrNotFound) {
		st.part = newPartition(scope, ix.params())
		metrics.PartitionsLoaded.Inc()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read partition %s: %w", scope, err)
	}

	part, err := decodePartition(scope, data, ix.params())
	if err != nil {
		st.broken = &CorruptionError{Scope: scope, Err: err}
		metrics.PartitionCorruptions.Inc()
		ix.logger.Error("index partition corrupted",
			zap.String("tenant", scope.Tenant),
			zap.String("collection", scope.Collection),
			zap.Error(err))
		return st.broken
	}

	st.part = part
	metrics.PartitionsLoaded.Inc()
	ix.logger.Debug("loaded index partition",
		zap.String("tenant", scope.Tenant),
		zap.String("collection", scope.Collection),
		zap.Int("faces", len(part.records)))
	return nil
}

// Open loads the persisted partition for scope, or starts an empty one.
func (ix *Index) Open(ctx context.Context, scope Scope) error {
	return ix.withScope(ctx, scope, func(*partition) error { return nil })
}

// Insert adds a face record. Returns false and changes nothing when a record
// with the same source reference already exists in the scope.
func (ix *Index) Insert(ctx context.Context, scope Scope, rec FaceRecord) (bool, error) {
	var inserted bool
	err := ix.withScope(ctx, scope, func(p *partition) error {
		var err error
		inserted, err = p.insert(rec, ix.now())
		return err
	})
	return inserted, err
}

// SetReference records the display filename for a source id.
func (ix *Index) SetReference(ctx context.Context, scope Scope, sourceID, filename string) error {
	if sourceID == "" {
		return errors.New("source id is required")
	}
	return ix.withScope(ctx, scope, func(p *partition) error {
		p.setReference(sourceID, filename)
		return nil
	})
}

// References resolves source ids to filenames. Unknown ids are absent from the result.
func (ix *Index) References(ctx context.Context, scope Scope, sourceIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(sourceIDs))
	err := ix.withScope(ctx, scope, func(p *partition) error {
		for _, id := range sourceIDs {
			if name, ok := p.refs[id]; ok {
				out[id] = name
			}
		}
		return nil
	})
	return out, err
}

// Search returns records with cosine similarity >= opts.MinSimilarity,
// ordered by similarity descending and then insertion order.
func (ix *Index) Search(ctx context.Context, scope Scope, query []float32, opts SearchOptions) ([]Match, error) {
	var matches []Match
	err := ix.withScope(ctx, scope, func(p *partition) error {
		var err error
		matches, err = p.search(query, opts, ix.opts.HNSWMinPartition, ix.opts.SearchMultiplier)
		return err
	})
	return matches, err
}

// Persist writes the scope's partition if it changed since the last save.
func (ix *Index) Persist(ctx context.Context, scope Scope) error {
	return ix.withScope(ctx, scope, func(p *partition) error {
		if !p.dirty {
			return nil
		}
		now := ix.now()
		data, meta, err := p.encode(now)
		if err != nil {
			return err
		}
		if err := ix.store.Write(ctx, scope.partitionKey(), data); err != nil {
			return fmt.Errorf("failed to write partition %s: %w", scope, err)
		}
		p.dirty = false

		// The sidecar is informational; the envelope above is authoritative.
		metaData, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		if err := ix.store.Write(ctx, scope.metaKey(), metaData); err != nil {
			ix.logger.Warn("failed to write partition metadata",
				zap.String("tenant", scope.Tenant),
				zap.String("collection", scope.Collection),
				zap.Error(err))
		}
		ix.logger.Info("persisted index partition",
			zap.String("tenant", scope.Tenant),
			zap.String("collection", scope.Collection),
			zap.Int("faces", meta.FaceCount),
			zap.Int("bytes", len(data)))
		return nil
	})
}

// Reload discards in-memory state for scope, including unsaved inserts and a
// corruption marker, and loads it again from storage.
func (ix *Index) Reload(ctx context.Context, scope Scope) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	st := ix.state(scope)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.part != nil {
		metrics.PartitionsLoaded.Dec()
	}
	st.part = nil
	st.broken = nil
	return ix.loadLocked(ctx, scope, st)
}

// Drop deletes the persisted partition and forgets in-memory state.
func (ix *Index) Drop(ctx context.Context, scope Scope) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	st := ix.state(scope)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := ix.store.Delete(ctx, scope.partitionKey()); err != nil {
		return fmt.Errorf("failed to delete partition %s: %w", scope, err)
	}
	if err := ix.store.Delete(ctx, scope.metaKey()); err != nil {
		return fmt.Errorf("failed to delete partition metadata %s: %w", scope, err)
	}
	if st.part != nil {
		metrics.PartitionsLoaded.Dec()
	}
	st.part = nil
	st.broken = nil
	return nil
}

// ListScopes returns the sorted collection ids of tenant that have a persisted
// partition or unsaved records in memory.
func (ix *Index) ListScopes(ctx context.Context, tenant string) ([]string, error) {
	if err := ValidateTenant(tenant); err != nil {
		return nil, err
	}
	prefix := tenantPrefix(tenant)
	keys, err := ix.store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions for %s: %w", tenant, err)
	}

	set := make(map[string]bool)
	for _, key := range keys {
		parts := strings.Split(strings.TrimPrefix(key, prefix), "/")
		if len(parts) == 2 && parts[1] == partitionFile {
			set[parts[0]] = true
		}
	}

	for _, st := range ix.loadedStates(tenant) {
		st.state.mu.Lock()
		if st.state.part != nil && len(st.state.part.records) > 0 {
			set[st.scope.Collection] = true
		}
		st.state.mu.Unlock()
	}

	collections := make([]string, 0, len(set))
	for c := range set {
		collections = append(collections, c)
	}
	sort.Strings(collections)
	return collections, nil
}

type scopedState struct {
	scope Scope
	state *scopeState
}

// loadedStates snapshots registry entries for tenant so scope locks can be
// taken one at a time without holding the registry lock.
func (ix *Index) loadedStates(tenant string) []scopedState {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	var out []scopedState
	for scope, st := range ix.scopes {
		if scope.Tenant == tenant {
			out = append(out, scopedState{scope: scope, state: st})
		}
	}
	return out
}

// Stats loads the scope and reports its size.
func (ix *Index) Stats(ctx context.Context, scope Scope) (PartitionStats, error) {
	var stats PartitionStats
	err := ix.withScope(ctx, scope, func(p *partition) error {
		stats = p.stats()
		return nil
	})
	return stats, err
}

// Records returns a copy of every record in the scope in insertion order.
func (ix *Index) Records(ctx context.Context, scope Scope) ([]FaceRecord, error) {
	var out []FaceRecord
	err := ix.withScope(ctx, scope, func(p *partition) error {
		out = make([]FaceRecord, len(p.records))
		for i, rec := range p.records {
			rec.Vector = slices.Clone(rec.Vector)
			rec.BBox = slices.Clone(rec.BBox)
			out[i] = rec
		}
		return nil
	})
	return out, err
}

// Summaries reads the metadata sidecars of a tenant's persisted partitions
// without loading them.
func (ix *Index) Summaries(ctx context.Context, tenant string) ([]PartitionMeta, error) {
	collections, err := ix.ListScopes(ctx, tenant)
	if err != nil {
		return nil, err
	}
	out := make([]PartitionMeta, 0, len(collections))
	for _, c := range collections {
		meta := PartitionMeta{Tenant: tenant, Collection: c}
		data, err := ix.store.Read(ctx, Scope{Tenant: tenant, Collection: c}.metaKey())
		switch {
		case errors.Is(err, blobstore.ErrNotFound):
		case err != nil:
			return nil, fmt.Errorf("failed to read partition metadata: %w", err)
		default:
			if err := json.Unmarshal(data, &meta); err != nil {
				ix.logger.Warn("ignoring unreadable partition metadata",
					zap.String("tenant", tenant), zap.String("collection", c), zap.Error(err))
				meta = PartitionMeta{Tenant: tenant, Collection: c}
			}
		}
		out = append(out, meta)
	}
	return out, nil
}
