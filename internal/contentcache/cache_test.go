package contentcache

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kozaktomas/face-finder/internal/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newTestCache(t *testing.T, permanent string) *Cache {
	t.Helper()
	c, err := Open(Options{Dir: t.TempDir(), PermanentDir: permanent, Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func testFile(id string) source.FileInfo {
	return source.FileInfo{
		ID:           id,
		Name:         id + ".jpg",
		Size:         42,
		ModifiedTime: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestStoreThenIsCached(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, "")
	f := testFile("a")

	_, ok, err := c.IsCached(ctx, "t1", f)
	require.NoError(t, err)
	assert.False(t, ok)

	path, err := c.Store(ctx, "t1", f, []byte("jpeg bytes"))
	require.NoError(t, err)
	assert.Equal(t, ".jpg", filepath.Ext(path))

	got, ok, err := c.IsCached(ctx, "t1", f)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, path, got)

	data, ok, err := c.Read(ctx, "t1", f)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "jpeg bytes", string(data))

	// Another tenant does not see it.
	_, ok, err = c.IsCached(ctx, "t2", f)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestModifiedFileIsMiss(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, "")
	f := testFile("a")
	_, err := c.Store(ctx, "t1", f, []byte("v1"))
	require.NoError(t, err)

	changed := f
	changed.Size = 43
	_, ok, err := c.IsCached(ctx, "t1", changed)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeletedFileSelfHeals(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, "")
	f := testFile("a")

	path, err := c.Store(ctx, "t1", f, []byte("data"))
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	_, ok, err := c.IsCached(ctx, "t1", f)
	require.NoError(t, err)
	assert.False(t, ok)

	entries, err := c.Entries(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, entries, "dangling entry should be removed")

	// Re-fetch path: storing again makes it a hit.
	_, err = c.Store(ctx, "t1", f, []byte("data"))
	require.NoError(t, err)
	_, ok, err = c.IsCached(ctx, "t1", f)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExpiredEntryIsMiss(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, "")
	f := testFile("a")

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }
	path, err := c.Store(ctx, "t1", f, []byte("data"))
	require.NoError(t, err)

	c.now = func() time.Time { return base.Add(31 * 24 * time.Hour) }
	_, ok, err := c.IsCached(ctx, "t1", f)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoFileExists(t, path)
}

func TestPutDoesNotOwnFile(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, "")
	f := testFile("a")

	external := filepath.Join(t.TempDir(), "photo.jpg")
	require.NoError(t, os.WriteFile(external, []byte("x"), 0o644))
	require.NoError(t, c.Put(ctx, "t1", f, external))

	got, ok, err := c.IsCached(ctx, "t1", f)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, external, got)

	c.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err := c.EvictOlderThan(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.FileExists(t, external, "external files are never deleted")
}

func TestEvictOlderThan(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, "")

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }
	oldPath, err := c.Store(ctx, "t1", testFile("old"), []byte("old"))
	require.NoError(t, err)
	gonePath, err := c.Store(ctx, "t1", testFile("gone"), []byte("gone"))
	require.NoError(t, err)
	require.NoError(t, os.Remove(gonePath))

	c.now = func() time.Time { return base.Add(10 * 24 * time.Hour) }
	newPath, err := c.Store(ctx, "t1", testFile("new"), []byte("new"))
	require.NoError(t, err)

	n, err := c.EvictOlderThan(ctx, 5*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoFileExists(t, oldPath)
	assert.FileExists(t, newPath)

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Entries)
	assert.Equal(t, int64(3), st.TotalBytes)
}

func TestPermanentMappingFallback(t *testing.T) {
	ctx := context.Background()
	permanent := t.TempDir()
	tenantDir := filepath.Join(permanent, "t1")
	require.NoError(t, os.MkdirAll(filepath.Join(tenantDir, "photos"), 0o755))

	mapped := filepath.Join(tenantDir, "photos", "IMG_0001.jpg")
	require.NoError(t, os.WriteFile(mapped, []byte("perm"), 0o644))
	mapping, err := json.Marshal(map[string]string{"file-1": "photos/IMG_0001.jpg"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(tenantDir, mappingFileName), mapping, 0o644))

	c := newTestCache(t, permanent)
	f := testFile("file-1")

	got, ok, err := c.IsCached(ctx, "t1", f)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, mapped, got)

	entries, err := c.Entries(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Owned)
}

func TestPermanentSubdirScan(t *testing.T) {
	ctx := context.Background()
	permanent := t.TempDir()
	sub := filepath.Join(permanent, "t1", "summer")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	f := testFile("b")
	require.NoError(t, os.WriteFile(filepath.Join(sub, f.Name), []byte("perm"), 0o644))

	c := newTestCache(t, permanent)
	got, ok, err := c.IsCached(ctx, "t1", f)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(sub, f.Name), got)

	_, ok, err = c.IsCached(ctx, "t2", f)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreRejectsBadTenant(t *testing.T) {
	c := newTestCache(t, "")
	_, err := c.Store(context.Background(), "../x", testFile("a"), []byte("x"))
	assert.Error(t, err)
}

func TestReopenKeepsEntries(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	c, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	f := testFile("a")
	_, err = c.Store(ctx, "t1", f, []byte("data"))
	require.NoError(t, err)
	require.NoError(t, c.Close())

	c2, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	defer c2.Close()
	_, ok, err := c2.IsCached(ctx, "t1", f)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOpenMigratesOnce(t *testing.T) {
	dir := t.TempDir()

	core, logs := observer.New(zap.InfoLevel)
	c, err := Open(Options{Dir: dir, Logger: zap.New(core)})
	require.NoError(t, err)

	version, err := schemaVersion(c.db)
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	var journal string
	require.NoError(t, c.db.QueryRow("PRAGMA journal_mode").Scan(&journal))
	assert.Equal(t, "wal", journal)
	assert.Equal(t, 1, logs.FilterMessage("applied content cache migration").Len())
	require.NoError(t, c.Close())

	core, logs = observer.New(zap.InfoLevel)
	c, err = Open(Options{Dir: dir, Logger: zap.New(core)})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	assert.Zero(t, logs.FilterMessage("applied content cache migration").Len())

	version, err = schemaVersion(c.db)
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}
