package finder

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kozaktomas/face-finder/internal/config"
	"github.com/kozaktomas/face-finder/internal/detector"
	"github.com/kozaktomas/face-finder/internal/ingest"
	"github.com/kozaktomas/face-finder/internal/search"
	"github.com/kozaktomas/face-finder/internal/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngOf(t *testing.T, seed int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 100, 100))
	img.Set(0, 0, color.RGBA{G: uint8(seed), A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// stubDetector returns the faces registered for an exact image payload.
type stubDetector struct {
	mu    sync.Mutex
	faces map[string][]detector.Face
}

func (d *stubDetector) register(img []byte, vectors ...[]float32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.faces == nil {
		d.faces = map[string][]detector.Face{}
	}
	var faces []detector.Face
	for i, v := range vectors {
		faces = append(faces, detector.Face{Index: i, Vector: v, BBox: []float64{10, 10, 40, 40}, Confidence: 0.9})
	}
	d.faces[string(img)] = faces
}

func (d *stubDetector) DetectAndEmbed(_ context.Context, img []byte) ([]detector.Face, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.faces[string(img)], nil
}

func (d *stubDetector) Model() string { return "stub" }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DataDir: t.TempDir(),
		Blob:    config.BlobConfig{Backend: "memory"},
		Ingest: config.IngestConfig{
			Workers:      2,
			BatchSize:    4,
			FileTimeout:  5 * time.Second,
			FetchRetries: 1,
		},
		Cache: config.CacheConfig{
			ContentDir:    t.TempDir(),
			ContentMaxAge: 30 * 24 * time.Hour,
			FolderTTL:     720 * time.Hour,
			SearchTTL:     24 * time.Hour,
		},
		Search:   config.SearchConfig{DefaultThreshold: 0.6},
		Defaults: config.LoadDefaults(),
	}
}

type fixture struct {
	finder *Finder
	det    *stubDetector
	dir    string
	selfie []byte
}

// newFixture indexes a directory where alice.png and group.png contain the
// same person and bob.png someone else.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	det := &stubDetector{}
	dir := t.TempDir()

	photos := map[string][][]float32{
		"alice.png": {{1, 0, 0}},
		"group.png": {{0, 0, 1}, {0.95, 0.05, 0}},
		"bob.png":   {{0, 1, 0}},
	}
	seed := 1
	for name, vectors := range photos {
		data := pngOf(t, seed)
		seed++
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
		det.register(data, vectors...)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a photo"), 0o644))

	selfie := pngOf(t, 200)
	det.register(selfie, []float32{1, 0, 0})

	f, err := New(context.Background(), testConfig(t), nil, WithDetector(det))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	return &fixture{finder: f, det: det, dir: dir, selfie: selfie}
}

func (fx *fixture) ingest(t *testing.T, tenant, collection string) *ingest.Result {
	t.Helper()
	src, err := fx.finder.OpenSource(source.Spec{Type: "dir", Path: fx.dir})
	require.NoError(t, err)
	res, err := fx.finder.Ingest(context.Background(), tenant, collection, src, ingest.Options{})
	require.NoError(t, err)
	return res
}

func TestIngestAndSearch(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	res := fx.ingest(t, "t1", "c1")
	assert.Equal(t, ingest.RunCompleted, res.State)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 4, res.FacesInserted)

	resp, err := fx.finder.Search(ctx, SearchRequest{Tenant: "t1", Collection: "c1", Images: [][]byte{fx.selfie}})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.FacesDetected)
	assert.Equal(t, search.ModeScoped, resp.Mode)
	assert.False(t, resp.Cached)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "alice.png", resp.Results[0].Filename)
	assert.Equal(t, "group.png", resp.Results[1].Filename)
	assert.Equal(t, "group.png#1", resp.Results[1].SourceReference)

	again, err := fx.finder.Search(ctx, SearchRequest{Tenant: "t1", Collection: "c1", Images: [][]byte{fx.selfie}})
	require.NoError(t, err)
	assert.True(t, again.Cached)
	assert.Equal(t, resp.Results, again.Results)

	// A second run over the same folder is a no-op.
	second := fx.ingest(t, "t1", "c1")
	assert.Equal(t, ingest.RunUnchanged, second.State)
}

func TestSearchUniversal(t *testing.T) {
	fx := newFixture(t)
	fx.ingest(t, "t1", "c1")
	fx.ingest(t, "t1", "c2")
	fx.ingest(t, "t2", "c1")

	resp, err := fx.finder.Search(context.Background(), SearchRequest{Tenant: "t1", Images: [][]byte{fx.selfie}})
	require.NoError(t, err)
	assert.Equal(t, search.ModeUniversal, resp.Mode)
	assert.Equal(t, []string{"c1", "c2"}, resp.Collections)
	assert.Equal(t, 4, resp.MatchCount)
	for _, r := range resp.Results {
		assert.Contains(t, []string{"c1", "c2"}, r.CollectionID)
	}
}

func TestSearchValidation(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	bad := 1.5

	tests := []struct {
		name string
		req  SearchRequest
		want error
	}{
		{"threshold", SearchRequest{Tenant: "t1", Collection: "c1", Images: [][]byte{fx.selfie}, Threshold: &bad}, search.ErrInvalidThreshold},
		{"no images", SearchRequest{Tenant: "t1", Collection: "c1"}, ErrNoQueryImages},
		{"undecodable image", SearchRequest{Tenant: "t1", Collection: "c1", Images: [][]byte{[]byte("garbage")}}, detector.ErrDecode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fx.finder.Search(ctx, tt.req)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestSearchWithoutFaces(t *testing.T) {
	fx := newFixture(t)
	fx.ingest(t, "t1", "c1")

	resp, err := fx.finder.Search(context.Background(), SearchRequest{
		Tenant:     "t1",
		Collection: "c1",
		Images:     [][]byte{pngOf(t, 99)},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, resp.FacesDetected)
	assert.Empty(t, resp.Results)
}

func TestCacheStatsAndClear(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.ingest(t, "t1", "c1")
	_, err := fx.finder.Search(ctx, SearchRequest{Tenant: "t1", Collection: "c1", Images: [][]byte{fx.selfie}})
	require.NoError(t, err)

	stats, err := fx.finder.CacheStats(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.CachedCollections)
	assert.Equal(t, 2, stats.TotalMatchesCached)
	assert.Equal(t, 1, stats.Folders.CachedFolders)
	assert.Equal(t, 3, stats.Content.Entries)
	require.Len(t, stats.Partitions, 1)

	res, err := fx.finder.ClearCaches(ctx, "t1", "c1", ClearOptions{Search: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.SearchEntries)
	assert.Equal(t, 0, res.FolderEntries)

	res, err = fx.finder.ClearCaches(ctx, "t1", "", ClearOptions{Index: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Partitions)
	assert.Equal(t, 1, res.FolderEntries)

	collections, err := fx.finder.Collections(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, collections)

	// With the folder entry gone the next run indexes again.
	again := fx.ingest(t, "t1", "c1")
	assert.Equal(t, ingest.RunCompleted, again.State)
	assert.Equal(t, 4, again.FacesInserted)
}

func TestPushWithoutDatabase(t *testing.T) {
	fx := newFixture(t)
	fx.ingest(t, "t1", "c1")
	_, err := fx.finder.Push(context.Background(), "t1", "c1")
	assert.ErrorIs(t, err, ErrNoDatabase)
}

func TestLoadImages(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "selfie.png")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))

	images, err := LoadImages([]string{p})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("x")}, images)

	_, err = LoadImages([]string{filepath.Join(dir, "missing.png")})
	assert.Error(t, err)
}
