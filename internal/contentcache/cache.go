package contentcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kozaktomas/face-finder/internal/metrics"
	"github.com/kozaktomas/face-finder/internal/source"
	"go.uber.org/zap"
)

// Entry is one cached file.
type Entry struct {
	Fingerprint string
	Tenant      string
	SourceID    string
	FileName    string
	Size        int64
	LocalPath   string
	// Owned entries point at files written by Store and are removed on eviction.
	Owned    bool
	CachedAt time.Time
}

// Stats summarizes the cache.
type Stats struct {
	Entries    int    `json:"entries"`
	TotalBytes int64  `json:"total_bytes"`
	Dir        string `json:"dir"`
}

// IsCached reports whether the file described by f is available locally and
// returns its path. Entries whose file is gone or that are older than the max
// age are dropped and reported as a miss. Before missing, the permanent
// storage is searched and a hit there is adopted as a new entry.
func (c *Cache) IsCached(ctx context.Context, tenant string, f source.FileInfo) (string, bool, error) {
	fp := source.FileFingerprint(tenant, f)

	entry, err := c.get(ctx, fp)
	if err != nil {
		return "", false, err
	}
	if entry != nil {
		fresh := c.now().Sub(entry.CachedAt) < c.maxAge
		if fresh && fileExists(entry.LocalPath) {
			metrics.CacheLookup("content", true)
			return entry.LocalPath, true, nil
		}
		c.logger.Debug("dropping stale content cache entry",
			zap.String("tenant", tenant),
			zap.String("file_id", f.ID),
			zap.Bool("expired", !fresh),
		)
		if err := c.remove(ctx, entry); err != nil {
			return "", false, err
		}
	}

	if path, ok := c.findPermanent(tenant, f); ok {
		if err := c.put(ctx, tenant, f, path, false); err != nil {
			return "", false, err
		}
		metrics.CacheLookup("content", true)
		return path, true, nil
	}

	metrics.CacheLookup("content", false)
	return "", false, nil
}

// Read returns the cached bytes for f, or ok=false on a miss. A file that
// disappears between lookup and read is a miss.
func (c *Cache) Read(ctx context.Context, tenant string, f source.FileInfo) ([]byte, bool, error) {
	path, ok, err := c.IsCached(ctx, tenant, f)
	if err != nil || !ok {
		return nil, false, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading cached file: %w", err)
	}
	return data, true, nil
}

// Put records that f is available at localPath. The file is not owned by the
// cache and is left in place on eviction.
func (c *Cache) Put(ctx context.Context, tenant string, f source.FileInfo, localPath string) error {
	return c.put(ctx, tenant, f, localPath, false)
}

// Store writes data under the cache directory and records it.
func (c *Cache) Store(ctx context.Context, tenant string, f source.FileInfo, data []byte) (string, error) {
	if tenant == "" || strings.ContainsAny(tenant, `/\`) || tenant == "." || tenant == ".." {
		return "", fmt.Errorf("invalid tenant %q", tenant)
	}
	fp := source.FileFingerprint(tenant, f)
	dir := filepath.Join(c.dir, tenant)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating tenant cache directory: %w", err)
	}
	path := filepath.Join(dir, fp+strings.ToLower(filepath.Ext(f.Name)))

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("writing cached file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("closing cached file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("renaming cached file: %w", err)
	}

	if err := c.put(ctx, tenant, f, path, true); err != nil {
		return "", err
	}
	return path, nil
}

// EvictOlderThan removes entries cached more than age ago together with the
// files the cache owns. Missing files are tolerated. Returns the number of
// entries removed.
func (c *Cache) EvictOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := c.now().Add(-age).UnixNano()
	rows, err := c.db.QueryContext(ctx, `
		SELECT fingerprint, tenant, source_id, file_name, size, local_path, owned, cached_at
		FROM content_entries WHERE cached_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("querying expired entries: %w", err)
	}
	var expired []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		expired = append(expired, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for _, e := range expired {
		if err := c.remove(ctx, e); err != nil {
			return 0, err
		}
	}
	if len(expired) > 0 {
		c.logger.Info("evicted content cache entries", zap.Int("count", len(expired)), zap.Duration("age", age))
	}
	return len(expired), nil
}

// Stats returns the entry count and the bytes of files still present.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT local_path FROM content_entries")
	if err != nil {
		return Stats{}, fmt.Errorf("querying entries: %w", err)
	}
	defer rows.Close()

	st := Stats{Dir: c.dir}
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return Stats{}, err
		}
		st.Entries++
		if info, err := os.Stat(path); err == nil {
			st.TotalBytes += info.Size()
		}
	}
	return st, rows.Err()
}

// Entries returns the tenant's entries ordered by cache time.
func (c *Cache) Entries(ctx context.Context, tenant string) ([]*Entry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT fingerprint, tenant, source_id, file_name, size, local_path, owned, cached_at
		FROM content_entries WHERE tenant = ? ORDER BY cached_at, fingerprint`, tenant)
	if err != nil {
		return nil, fmt.Errorf("querying entries: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (c *Cache) put(ctx context.Context, tenant string, f source.FileInfo, path string, owned bool) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO content_entries (fingerprint, tenant, source_id, file_name, size, local_path, owned, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			file_name = excluded.file_name,
			local_path = excluded.local_path,
			owned = excluded.owned,
			cached_at = excluded.cached_at`,
		source.FileFingerprint(tenant, f), tenant, f.ID, f.Name, f.Size, path, boolToInt(owned), c.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("recording cache entry: %w", err)
	}
	return nil
}

func (c *Cache) get(ctx context.Context, fp string) (*Entry, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT fingerprint, tenant, source_id, file_name, size, local_path, owned, cached_at
		FROM content_entries WHERE fingerprint = ?`, fp)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (c *Cache) remove(ctx context.Context, e *Entry) error {
	if _, err := c.db.ExecContext(ctx, "DELETE FROM content_entries WHERE fingerprint = ?", e.Fingerprint); err != nil {
		return fmt.Errorf("deleting cache entry: %w", err)
	}
	if e.Owned {
		if err := os.Remove(e.LocalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("failed to remove cached file", zap.String("path", e.LocalPath), zap.Error(err))
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var e Entry
	var owned int
	var cachedAt int64
	if err := s.Scan(&e.Fingerprint, &e.Tenant, &e.SourceID, &e.FileName, &e.Size, &e.LocalPath, &owned, &cachedAt); err != nil {
		return nil, err
	}
	e.Owned = owned != 0
	e.CachedAt = time.Unix(0, cachedAt)
	return &e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
