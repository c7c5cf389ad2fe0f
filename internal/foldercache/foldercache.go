// Package foldercache records which collections were fully ingested and what
// their listing looked like, so unchanged folders can be skipped.
package foldercache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kozaktomas/face-finder/internal/blobstore"
	"github.com/kozaktomas/face-finder/internal/faceindex"
	"github.com/kozaktomas/face-finder/internal/metrics"
	"github.com/kozaktomas/face-finder/internal/source"
	"go.uber.org/zap"
)

const (
	keyPrefix  = "folder_cache"
	defaultTTL = 30 * 24 * time.Hour
)

// RunStats are the ingestion counters stored with an entry.
type RunStats struct {
	Processed     int `json:"processed"`
	Skipped       int `json:"skipped"`
	Failed        int `json:"failed"`
	FacesInserted int `json:"faces_inserted"`
}

// Entry is the stored state of one processed collection.
type Entry struct {
	Tenant            string    `json:"tenant"`
	Collection        string    `json:"collection"`
	FolderFingerprint string    `json:"folder_fingerprint"`
	ProcessedAt       time.Time `json:"processed_at"`
	FileCount         int       `json:"file_count"`
	TotalBytes        int64     `json:"total_bytes"`
	Stats             RunStats  `json:"stats"`
}

// Stats summarizes a tenant's folder cache.
type Stats struct {
	CachedFolders int   `json:"cached_folders"`
	TotalFiles    int   `json:"total_files"`
	TotalBytes    int64 `json:"total_bytes"`
}

// Options configure a Cache.
type Options struct {
	TTL    time.Duration
	Logger *zap.Logger
}

// Cache is the folder-processing cache.
type Cache struct {
	store  blobstore.Store
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// New creates a folder cache on top of store.
func New(store blobstore.Store, opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{store: store, ttl: opts.TTL, logger: logger, now: time.Now}
}

func entryKey(scope faceindex.Scope) string {
	return blobstore.Join(keyPrefix, scope.Tenant, scope.Collection+".json")
}

func tenantPrefix(tenant string) string {
	return keyPrefix + "/" + tenant + "/"
}

// IsUnchanged reports whether files matches the listing recorded for scope
// within the TTL. Any read or decode problem counts as changed.
func (c *Cache) IsUnchanged(ctx context.Context, scope faceindex.Scope, files []source.FileInfo) bool {
	entry, err := c.Get(ctx, scope)
	if err != nil {
		c.logger.Warn("folder cache unreadable, treating as changed",
			zap.String("tenant", scope.Tenant),
			zap.String("collection", scope.Collection),
			zap.Error(err),
		)
		metrics.CacheLookup("folder", false)
		return false
	}
	hit := entry != nil &&
		c.now().Sub(entry.ProcessedAt) < c.ttl &&
		entry.FolderFingerprint == source.ListingFingerprint(files)
	metrics.CacheLookup("folder", hit)
	return hit
}

// Record stores the listing fingerprint and run stats for scope.
func (c *Cache) Record(ctx context.Context, scope faceindex.Scope, files []source.FileInfo, stats RunStats) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	var total int64
	for _, f := range files {
		total += f.Size
	}
	entry := Entry{
		Tenant:            scope.Tenant,
		Collection:        scope.Collection,
		FolderFingerprint: source.ListingFingerprint(files),
		ProcessedAt:       c.now().UTC(),
		FileCount:         len(files),
		TotalBytes:        total,
		Stats:             stats,
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding folder cache entry: %w", err)
	}
	if err := c.store.Write(ctx, entryKey(scope), data); err != nil {
		return fmt.Errorf("writing folder cache entry: %w", err)
	}
	return nil
}

// Get returns the stored entry for scope, or nil when there is none. Expired
// entries are still returned; callers decide what the age means.
func (c *Cache) Get(ctx context.Context, scope faceindex.Scope) (*Entry, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	data, err := c.store.Read(ctx, entryKey(scope))
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading folder cache entry: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decoding folder cache entry: %w", err)
	}
	return &entry, nil
}

// Fingerprint returns the recorded listing fingerprint of scope if one exists
// and has not expired.
func (c *Cache) Fingerprint(ctx context.Context, scope faceindex.Scope) (string, bool) {
	entry, err := c.Get(ctx, scope)
	if err != nil || entry == nil || c.now().Sub(entry.ProcessedAt) >= c.ttl {
		return "", false
	}
	return entry.FolderFingerprint, true
}

// Stats aggregates all entries of a tenant. Unreadable entries are skipped.
func (c *Cache) Stats(ctx context.Context, tenant string) (Stats, error) {
	if err := faceindex.ValidateTenant(tenant); err != nil {
		return Stats{}, err
	}
	keys, err := c.store.List(ctx, tenantPrefix(tenant))
	if err != nil {
		return Stats{}, fmt.Errorf("listing folder cache: %w", err)
	}
	var st Stats
	for _, key := range keys {
		if !strings.HasSuffix(key, ".json") {
			continue
		}
		data, err := c.store.Read(ctx, key)
		if err != nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			c.logger.Debug("skipping corrupt folder cache entry", zap.String("key", key), zap.Error(err))
			continue
		}
		st.CachedFolders++
		st.TotalFiles += entry.FileCount
		st.TotalBytes += entry.TotalBytes
	}
	return st, nil
}

// Clear removes the entry of one collection, or every entry of the tenant
// when collection is empty. Returns the number of entries removed.
func (c *Cache) Clear(ctx context.Context, tenant, collection string) (int, error) {
	if collection != "" {
		scope, err := faceindex.NewScope(tenant, collection)
		if err != nil {
			return 0, err
		}
		exists, err := c.store.Exists(ctx, entryKey(scope))
		if err != nil {
			return 0, err
		}
		if !exists {
			return 0, nil
		}
		if err := c.store.Delete(ctx, entryKey(scope)); err != nil {
			return 0, fmt.Errorf("deleting folder cache entry: %w", err)
		}
		return 1, nil
	}

	if err := faceindex.ValidateTenant(tenant); err != nil {
		return 0, err
	}
	keys, err := c.store.List(ctx, tenantPrefix(tenant))
	if err != nil {
		return 0, fmt.Errorf("listing folder cache: %w", err)
	}
	for _, key := range keys {
		if err := c.store.Delete(ctx, key); err != nil {
			return 0, fmt.Errorf("deleting folder cache entry: %w", err)
		}
	}
	return len(keys), nil
}
