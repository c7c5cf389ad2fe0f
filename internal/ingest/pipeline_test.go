package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/kozaktomas/face-finder/internal/blobstore"
	"github.com/kozaktomas/face-finder/internal/contentcache"
	"github.com/kozaktomas/face-finder/internal/detector"
	"github.com/kozaktomas/face-finder/internal/faceindex"
	"github.com/kozaktomas/face-finder/internal/foldercache"
	"github.com/kozaktomas/face-finder/internal/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testScope = faceindex.Scope{Tenant: "t1", Collection: "c1"}

// pngOf returns a distinct small PNG per seed.
func pngOf(t *testing.T, seed int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 20, 10))
	img.Set(0, 0, color.RGBA{R: uint8(seed), A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fakeSource struct {
	mu       sync.Mutex
	files    []source.FileInfo
	data     map[string][]byte
	failures map[string][]error // returned in order before succeeding
	fetches  map[string]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{data: map[string][]byte{}, failures: map[string][]error{}, fetches: map[string]int{}}
}

func (s *fakeSource) add(id string, data []byte) {
	s.files = append(s.files, source.FileInfo{
		ID:           id,
		Name:         id + ".png",
		Size:         int64(len(data)),
		ModifiedTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	s.data[id] = data
}

func (s *fakeSource) List(context.Context) ([]source.FileInfo, error) {
	return append([]source.FileInfo(nil), s.files...), nil
}

func (s *fakeSource) Fetch(_ context.Context, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches[id]++
	if errs := s.failures[id]; len(errs) > 0 {
		s.failures[id] = errs[1:]
		return nil, errs[0]
	}
	return s.data[id], nil
}

func (s *fakeSource) fetchCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches[id]
}

type fakeDetector struct {
	mu    sync.Mutex
	faces map[string][]detector.Face
	calls int
	block func(ctx context.Context) error
}

func (d *fakeDetector) DetectAndEmbed(ctx context.Context, img []byte) ([]detector.Face, error) {
	d.mu.Lock()
	d.calls++
	block := d.block
	faces := d.faces[string(img)]
	d.mu.Unlock()
	if block != nil {
		if err := block(ctx); err != nil {
			return nil, err
		}
	}
	return faces, nil
}

func (d *fakeDetector) Model() string { return "fake-model" }

func (d *fakeDetector) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type countingInvalidator struct {
	mu    sync.Mutex
	calls int
}

func (c *countingInvalidator) Invalidate(context.Context, faceindex.Scope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return nil
}

func face(i int, v ...float32) detector.Face {
	return detector.Face{Index: i, Vector: v, BBox: []float64{0, 0, 5, 5}, Confidence: 0.9}
}

type fixture struct {
	store   *blobstore.MemoryStore
	index   *faceindex.Index
	src     *fakeSource
	det     *fakeDetector
	folders *foldercache.Cache
	inval   *countingInvalidator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := blobstore.NewMemoryStore()
	f := &fixture{
		store:   store,
		index:   faceindex.New(store, faceindex.Options{Logger: zap.NewNop()}),
		src:     newFakeSource(),
		det:     &fakeDetector{faces: map[string][]detector.Face{}},
		folders: foldercache.New(store, foldercache.Options{}),
		inval:   &countingInvalidator{},
	}
	a, b, c := pngOf(t, 1), pngOf(t, 2), pngOf(t, 3)
	f.src.add("a", a)
	f.src.add("b", b)
	f.src.add("c", c)
	f.src.files = append(f.src.files, source.FileInfo{ID: "notes", Name: "notes.txt"})
	f.det.faces[string(a)] = []detector.Face{face(0, 1, 0, 0), face(1, 0, 1, 0)}
	f.det.faces[string(c)] = []detector.Face{face(0, 0, 0, 1)}
	return f
}

func (f *fixture) pipeline(cfg Config, content ContentCache) *Pipeline {
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}
	return NewPipeline(f.index, f.det, content, f.folders, f.inval, cfg, zap.NewNop())
}

func TestIngestAndIdempotency(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	p := fx.pipeline(Config{Workers: 2, BatchSize: 2}, nil)

	var events []Event
	res, err := p.Ingest(ctx, testScope, fx.src, Options{Progress: func(ev Event) { events = append(events, ev) }})
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, res.State)
	assert.Equal(t, 3, res.Total, "non-image files are filtered out")
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 3, res.FacesDetected)
	assert.Equal(t, 3, res.FacesInserted)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 1, fx.inval.calls)
	require.NotEmpty(t, events)
	assert.Equal(t, 3, events[len(events)-1].Done)

	st, err := fx.index.Stats(ctx, testScope)
	require.NoError(t, err)
	assert.Equal(t, 3, st.FaceCount)
	assert.False(t, st.Dirty, "index persisted")

	refs, err := fx.index.References(ctx, testScope, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "a.png", "b": "b.png", "c": "c.png"}, refs)

	matches, err := fx.index.Search(ctx, testScope, []float32{1, 0, 0}, faceindex.SearchOptions{MinSimilarity: 0.99})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "a#0", matches[0].Record.SourceReference)
	assert.Equal(t, "fake-model", matches[0].Record.Model)

	// Unchanged folder: nothing is touched.
	calls := fx.det.callCount()
	res, err = p.Ingest(ctx, testScope, fx.src, Options{})
	require.NoError(t, err)
	assert.Equal(t, RunUnchanged, res.State)
	assert.Equal(t, 0, res.Processed)
	assert.Equal(t, 3, res.Skipped)
	assert.Equal(t, calls, fx.det.callCount())

	// Forced: every face is a duplicate, files count as skipped except the faceless one.
	res, err = p.Ingest(ctx, testScope, fx.src, Options{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 0, res.FacesInserted)
	assert.Equal(t, 3, res.Duplicates)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 1, res.Processed)

	st, err = fx.index.Stats(ctx, testScope)
	require.NoError(t, err)
	assert.Equal(t, 3, st.FaceCount, "no duplicate vectors")
}

func TestKnownFilesSkippedWithoutFolderCache(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	p := NewPipeline(fx.index, fx.det, nil, nil, nil, Config{}, nil)

	_, err := p.Ingest(ctx, testScope, fx.src, Options{})
	require.NoError(t, err)
	calls := fx.det.callCount()

	res, err := p.Ingest(ctx, testScope, fx.src, Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Skipped)
	assert.Equal(t, 0, res.Processed)
	assert.Equal(t, calls, fx.det.callCount(), "known files are not re-detected")
}

func TestDecodeFailureDoesNotAbortSiblings(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.src.add("broken", []byte("not an image at all"))
	p := fx.pipeline(Config{Workers: 4}, nil)

	res, err := p.Ingest(ctx, testScope, fx.src, Options{})
	require.NoError(t, err)
	assert.Equal(t, RunCompletedWithErrors, res.State)
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "broken", res.Errors[0].FileID)
	assert.Equal(t, KindDecode, res.Errors[0].Kind)
	assert.Equal(t, StateDetecting, res.Errors[0].Stage)

	entry, err := fx.folders.Get(ctx, testScope)
	require.NoError(t, err)
	assert.Nil(t, entry, "partial runs are not recorded by default")

	fx2 := newFixture(t)
	fx2.src.add("broken", []byte("still not an image"))
	_, err = fx2.pipeline(Config{}, nil).Ingest(ctx, testScope, fx2.src, Options{RecordPartial: true})
	require.NoError(t, err)
	entry, err = fx2.folders.Get(ctx, testScope)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 1, entry.Stats.Failed)
}

func TestFetchRetries(t *testing.T) {
	retryable := &source.FetchError{FileID: "a", Retryable: true, Err: errors.New("503")}
	permanent := &source.FetchError{FileID: "a", Retryable: false, Err: errors.New("404")}

	tests := []struct {
		name        string
		failures    []error
		retries     int
		wantFailed  int
		wantFetches int
	}{
		{"recovers after retries", []error{retryable, retryable}, 2, 0, 3},
		{"gives up after retries", []error{retryable, retryable, retryable}, 2, 1, 3},
		{"permanent error not retried", []error{permanent}, 3, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t)
			fx.src.failures["a"] = tt.failures
			p := fx.pipeline(Config{FetchRetries: tt.retries}, nil)

			res, err := p.Ingest(context.Background(), testScope, fx.src, Options{})
			require.NoError(t, err)
			assert.Equal(t, tt.wantFailed, res.Failed)
			assert.Equal(t, tt.wantFetches, fx.src.fetchCount("a"))
			if tt.wantFailed > 0 {
				assert.Equal(t, KindFetch, res.Errors[0].Kind)
				assert.ErrorIs(t, tt.failures[0], source.ErrFetch)
			}
		})
	}
}

func TestPerFileTimeout(t *testing.T) {
	fx := newFixture(t)
	fx.det.block = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	p := fx.pipeline(Config{FileTimeout: 20 * time.Millisecond}, nil)

	res, err := p.Ingest(context.Background(), testScope, fx.src, Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Failed)
	for _, e := range res.Errors {
		assert.Equal(t, KindTimeout, e.Kind)
	}
}

func TestCancellationSkipsRemainingFiles(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fx := newFixture(t)
	p := fx.pipeline(Config{Workers: 1, BatchSize: 10}, nil)

	res, err := p.Ingest(ctx, testScope, fx.src, Options{Progress: func(ev Event) {
		if ev.Done == 1 {
			cancel()
		}
	}})
	require.NoError(t, err)
	assert.Equal(t, RunCancelled, res.State)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 2, res.Skipped)
	for _, e := range res.Errors {
		assert.Equal(t, KindCancelled, e.Kind)
	}

	ok, err := fx.store.Exists(context.Background(), "index/t1/c1/partition.bin")
	require.NoError(t, err)
	assert.True(t, ok, "completed work is persisted")

	entry, err := fx.folders.Get(context.Background(), testScope)
	require.NoError(t, err)
	assert.Nil(t, entry, "cancelled runs are not recorded")
}

func TestInFlightDetectionSurvivesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fx := newFixture(t)
	fx.src.files = fx.src.files[:1] // only "a"

	started := make(chan struct{})
	release := make(chan struct{})
	fx.det.block = func(dctx context.Context) error {
		close(started)
		<-release
		return dctx.Err()
	}
	p := fx.pipeline(Config{Workers: 1}, nil)

	go func() {
		<-started
		cancel()
		close(release)
	}()

	res, err := p.Ingest(ctx, testScope, fx.src, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 2, res.FacesInserted)
	assert.Equal(t, RunCancelled, res.State)
}

func TestContentCacheAvoidsRefetch(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	cc, err := contentcache.Open(contentcache.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	defer cc.Close()
	p := fx.pipeline(Config{}, cc)

	_, err = p.Ingest(ctx, testScope, fx.src, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, fx.src.fetchCount("a"))

	res, err := p.Ingest(ctx, testScope, fx.src, Options{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 1, fx.src.fetchCount("a"), "served from the content cache")
	for _, f := range res.Files {
		assert.True(t, f.FromCache, fmt.Sprintf("file %s", f.FileID))
	}
}

func TestInvalidScope(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.pipeline(Config{}, nil).Ingest(context.Background(), faceindex.Scope{Tenant: "t1"}, fx.src, Options{})
	assert.ErrorIs(t, err, faceindex.ErrScopeNotSet)
}

func TestInconsistentFacesInsertNothing(t *testing.T) {
	tests := []struct {
		name  string
		faces []detector.Face
		want  error
	}{
		{"mixed dimensions", []detector.Face{face(0, 1, 1, 0), face(1, 1, 0)}, faceindex.ErrDimensionMismatch},
		{"zero vector after valid face", []detector.Face{face(0, 1, 1, 0), face(1, 0, 0, 0)}, faceindex.ErrEmptyVector},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			fx := newFixture(t)
			d := pngOf(t, 4)
			fx.src.add("d", d)
			fx.det.faces[string(d)] = tt.faces
			p := fx.pipeline(Config{Workers: 2}, nil)

			res, err := p.Ingest(ctx, testScope, fx.src, Options{})
			require.NoError(t, err)
			assert.Equal(t, 1, res.Failed)
			require.Len(t, res.Errors, 1)
			assert.Equal(t, "d", res.Errors[0].FileID)
			assert.Equal(t, KindIndex, res.Errors[0].Kind)
			assert.Equal(t, StateInserting, res.Errors[0].Stage)
			assert.Contains(t, res.Errors[0].Error, tt.want.Error())

			records, err := fx.index.Records(ctx, testScope)
			require.NoError(t, err)
			for _, rec := range records {
				assert.NotEqual(t, "d", rec.SourceID, "no face of a rejected file is indexed")
			}
			refs, err := fx.index.References(ctx, testScope, []string{"d"})
			require.NoError(t, err)
			assert.Empty(t, refs)

			// Once detection returns usable faces the file is indexed in full.
			fx.det.mu.Lock()
			fx.det.faces[string(d)] = []detector.Face{face(0, 1, 1, 0), face(1, 0, 1, 1)}
			fx.det.mu.Unlock()
			res, err = p.Ingest(ctx, testScope, fx.src, Options{})
			require.NoError(t, err)
			assert.Equal(t, 0, res.Failed)

			refs, err = fx.index.References(ctx, testScope, []string{"d"})
			require.NoError(t, err)
			assert.Equal(t, "d.png", refs["d"])
			records, err = fx.index.Records(ctx, testScope)
			require.NoError(t, err)
			n := 0
			for _, rec := range records {
				if rec.SourceID == "d" {
					n++
				}
			}
			assert.Equal(t, 2, n)
		})
	}
}
