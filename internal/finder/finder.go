// Package finder wires the index, caches, pipeline and search engine into the
// operations exposed to the CLI and the HTTP API.
package finder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kozaktomas/face-finder/internal/blobstore"
	"github.com/kozaktomas/face-finder/internal/config"
	"github.com/kozaktomas/face-finder/internal/contentcache"
	"github.com/kozaktomas/face-finder/internal/database/postgres"
	"github.com/kozaktomas/face-finder/internal/detector"
	"github.com/kozaktomas/face-finder/internal/faceindex"
	"github.com/kozaktomas/face-finder/internal/foldercache"
	"github.com/kozaktomas/face-finder/internal/ingest"
	"github.com/kozaktomas/face-finder/internal/search"
	"github.com/kozaktomas/face-finder/internal/searchcache"
	"github.com/kozaktomas/face-finder/internal/source"
	"go.uber.org/zap"
)

// ErrNoDatabase is returned by operations that need PostgreSQL when none is configured.
var ErrNoDatabase = errors.New("DATABASE_URL is not configured")

// Finder is the face search service.
type Finder struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    blobstore.Store
	index    *faceindex.Index
	content  *contentcache.Cache
	folders  *foldercache.Cache
	searches *searchcache.Cache[search.Result]
	detector detector.Detector
	pipeline *ingest.Pipeline
	engine   *search.Engine

	poolMu sync.Mutex
	pool   *postgres.Pool
}

// Option overrides a dependency normally built from configuration.
type Option func(*Finder)

// WithDetector replaces the HTTP embedding client.
func WithDetector(d detector.Detector) Option {
	return func(f *Finder) { f.detector = d }
}

// WithStore replaces the configured blob backend.
func WithStore(s blobstore.Store) Option {
	return func(f *Finder) { f.store = s }
}

// New builds a Finder from configuration.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Finder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Finder{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(f)
	}

	if f.store == nil {
		store, pool, err := openStore(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		f.store, f.pool = store, pool
	}
	if f.detector == nil {
		f.detector = detector.NewClient(cfg.Embedding.URL, cfg.Embedding.Model)
	}

	content, err := contentcache.Open(contentcache.Options{
		Dir:          cfg.Cache.ContentDir,
		PermanentDir: cfg.Cache.PermanentDir,
		MaxAge:       cfg.Cache.ContentMaxAge,
		Logger:       logger.Named("contentcache"),
	})
	if err != nil {
		f.closePool()
		return nil, fmt.Errorf("opening content cache: %w", err)
	}
	f.content = content

	f.index = faceindex.New(f.store, faceindex.Options{
		MaxNeighbors:     cfg.Index.MaxNeighbors,
		EfSearch:         cfg.Index.EfSearch,
		SearchMultiplier: cfg.Index.SearchMultiplier,
		HNSWMinPartition: cfg.Index.HNSWMinPartition,
		Logger:           logger.Named("index"),
	})
	f.folders = foldercache.New(f.store, foldercache.Options{TTL: cfg.Cache.FolderTTL, Logger: logger.Named("foldercache")})
	f.searches = searchcache.New[search.Result](f.store, searchcache.Options{TTL: cfg.Cache.SearchTTL, Logger: logger.Named("searchcache")})

	f.pipeline = ingest.NewPipeline(f.index, f.detector, f.content, f.folders, f.searches, ingest.Config{
		Workers:      cfg.Ingest.Workers,
		BatchSize:    cfg.Ingest.BatchSize,
		FileTimeout:  cfg.Ingest.FileTimeout,
		FetchRetries: cfg.Ingest.FetchRetries,
		MaxImageSide: cfg.Embedding.MaxImageSide,
		Extensions:   cfg.Defaults.ImageExtensions,
	}, logger.Named("ingest"))
	f.engine = search.NewEngine(f.index, f.searches, logger.Named("search"))

	return f, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (blobstore.Store, *postgres.Pool, error) {
	switch cfg.Blob.Backend {
	case "", "fs":
		store, err := blobstore.NewFSStore(cfg.Blob.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("opening blob directory: %w", err)
		}
		return store, nil, nil
	case "memory":
		return blobstore.NewMemoryStore(), nil, nil
	case "minio", "s3":
		store, err := blobstore.NewMinioStore(ctx, &cfg.Minio)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to object storage: %w", err)
		}
		return store, nil, nil
	case "postgres":
		pool, err := postgres.Open(ctx, &cfg.Database, logger.Named("postgres"))
		if err != nil {
			return nil, nil, err
		}
		return postgres.NewBlobStore(pool), pool, nil
	default:
		return nil, nil, fmt.Errorf("unknown blob backend %q", cfg.Blob.Backend)
	}
}

// Close releases the content cache and database connections.
func (f *Finder) Close() error {
	var errs []error
	if f.content != nil {
		errs = append(errs, f.content.Close())
	}
	errs = append(errs, f.closePool())
	return errors.Join(errs...)
}

func (f *Finder) closePool() error {
	f.poolMu.Lock()
	defer f.poolMu.Unlock()
	if f.pool == nil {
		return nil
	}
	err := f.pool.Close()
	f.pool = nil
	return err
}

// Config returns the configuration the finder was built with.
func (f *Finder) Config() *config.Config {
	return f.cfg
}

// OpenSource builds a source with the configured rate limits.
func (f *Finder) OpenSource(spec source.Spec) (source.Source, error) {
	return source.Open(spec, source.HTTPOptions{
		RateLimit: f.cfg.Source.RateLimit,
		RateBurst: f.cfg.Source.RateBurst,
	})
}

// Ingest indexes every photo of src into the tenant's collection.
func (f *Finder) Ingest(ctx context.Context, tenant, collection string, src source.Source, opts ingest.Options) (*ingest.Result, error) {
	scope, err := faceindex.NewScope(tenant, collection)
	if err != nil {
		return nil, err
	}
	return f.pipeline.Ingest(ctx, scope, src, opts)
}

// Collections lists the tenant's indexed collections with their sizes.
func (f *Finder) Collections(ctx context.Context, tenant string) ([]faceindex.PartitionMeta, error) {
	return f.index.Summaries(ctx, tenant)
}

// Records returns every face record of a collection.
func (f *Finder) Records(ctx context.Context, tenant, collection string) ([]faceindex.FaceRecord, error) {
	scope, err := faceindex.NewScope(tenant, collection)
	if err != nil {
		return nil, err
	}
	return f.index.Records(ctx, scope)
}

// Push mirrors a collection's face records into PostgreSQL.
func (f *Finder) Push(ctx context.Context, tenant, collection string) (int, error) {
	scope, err := faceindex.NewScope(tenant, collection)
	if err != nil {
		return 0, err
	}
	pool, err := f.database(ctx)
	if err != nil {
		return 0, err
	}

	records, err := f.index.Records(ctx, scope)
	if err != nil {
		return 0, err
	}
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.SourceID)
	}
	names, err := f.index.References(ctx, scope, ids)
	if err != nil {
		return 0, err
	}
	return postgres.NewFaceMirror(pool).Push(ctx, scope, records, names)
}

// database returns the PostgreSQL pool, connecting on first use.
func (f *Finder) database(ctx context.Context) (*postgres.Pool, error) {
	f.poolMu.Lock()
	defer f.poolMu.Unlock()
	if f.pool != nil {
		return f.pool, nil
	}
	if f.cfg.Database.URL == "" {
		return nil, ErrNoDatabase
	}
	pool, err := postgres.Open(ctx, &f.cfg.Database, f.logger.Named("postgres"))
	if err != nil {
		return nil, err
	}
	f.pool = pool
	return pool, nil
}

// EvictContent removes content cache entries older than the configured max
// age, or maxAge when it is positive.
func (f *Finder) EvictContent(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = f.cfg.Cache.ContentMaxAge
	}
	return f.content.EvictOlderThan(ctx, maxAge)
}

// LoadImages reads query images from disk.
func LoadImages(paths []string) ([][]byte, error) {
	images := make([][]byte, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(filepath.Clean(p))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}
		images = append(images, data)
	}
	return images, nil
}
