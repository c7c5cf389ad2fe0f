package finder

import (
	"context"
	"fmt"

	"github.com/kozaktomas/face-finder/internal/contentcache"
	"github.com/kozaktomas/face-finder/internal/faceindex"
	"github.com/kozaktomas/face-finder/internal/foldercache"
	"go.uber.org/zap"
)

// CacheStats reports the state of a tenant's caches.
type CacheStats struct {
	CachedCollections  int                       `json:"cached_collections"`
	TotalMatchesCached int                       `json:"total_matches_cached"`
	CacheSize          int64                     `json:"cache_size"`
	Folders            foldercache.Stats         `json:"folders"`
	Content            contentcache.Stats        `json:"content"`
	Partitions         []faceindex.PartitionMeta `json:"partitions"`
}

// CacheStats collects search, folder, content and index figures for tenant.
func (f *Finder) CacheStats(ctx context.Context, tenant string) (*CacheStats, error) {
	if err := faceindex.ValidateTenant(tenant); err != nil {
		return nil, err
	}
	searchStats, err := f.searches.Stats(ctx, tenant)
	if err != nil {
		return nil, err
	}
	folderStats, err := f.folders.Stats(ctx, tenant)
	if err != nil {
		return nil, err
	}
	contentStats, err := f.content.Stats(ctx)
	if err != nil {
		return nil, err
	}
	partitions, err := f.index.Summaries(ctx, tenant)
	if err != nil {
		return nil, err
	}
	return &CacheStats{
		CachedCollections:  searchStats.CachedCollections,
		TotalMatchesCached: searchStats.TotalMatchesCached,
		CacheSize:          searchStats.CacheSize,
		Folders:            folderStats,
		Content:            contentStats,
		Partitions:         partitions,
	}, nil
}

// ClearOptions selects what ClearCaches removes.
type ClearOptions struct {
	Search bool
	Folder bool
	// Index drops the partitions themselves. Implies Search and Folder.
	Index bool
}

// ClearResult counts what was removed.
type ClearResult struct {
	SearchEntries int `json:"search_entries"`
	FolderEntries int `json:"folder_entries"`
	Partitions    int `json:"partitions"`
}

// ClearCaches removes cache entries of one collection, or of every collection
// of tenant when collection is empty.
func (f *Finder) ClearCaches(ctx context.Context, tenant, collection string, opts ClearOptions) (*ClearResult, error) {
	if err := faceindex.ValidateTenant(tenant); err != nil {
		return nil, err
	}
	if opts.Index {
		opts.Search, opts.Folder = true, true
	}

	res := &ClearResult{}
	if opts.Index {
		collections := []string{collection}
		if collection == "" {
			var err error
			if collections, err = f.index.ListScopes(ctx, tenant); err != nil {
				return nil, err
			}
		}
		for _, c := range collections {
			scope, err := faceindex.NewScope(tenant, c)
			if err != nil {
				return nil, err
			}
			if err := f.index.Drop(ctx, scope); err != nil {
				return res, fmt.Errorf("dropping %s: %w", scope, err)
			}
			res.Partitions++
		}
	}
	if opts.Search {
		n, err := f.searches.Clear(ctx, tenant, collection)
		if err != nil {
			return res, err
		}
		res.SearchEntries = n
	}
	if opts.Folder {
		n, err := f.folders.Clear(ctx, tenant, collection)
		if err != nil {
			return res, err
		}
		res.FolderEntries = n
	}

	f.logger.Info("caches cleared",
		zap.String("tenant", tenant),
		zap.String("collection", collection),
		zap.Int("search_entries", res.SearchEntries),
		zap.Int("folder_entries", res.FolderEntries),
		zap.Int("partitions", res.Partitions),
	)
	return res, nil
}
