// Package ingest lists a source collection, detects faces in every photo and
// inserts them into the scoped index using a bounded worker pool.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kozaktomas/face-finder/internal/detector"
	"github.com/kozaktomas/face-finder/internal/faceindex"
	"github.com/kozaktomas/face-finder/internal/foldercache"
	"github.com/kozaktomas/face-finder/internal/metrics"
	"github.com/kozaktomas/face-finder/internal/source"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultWorkers      = 10
	defaultBatchSize    = 20
	defaultFileTimeout  = 120 * time.Second
	defaultRetryBackoff = 500 * time.Millisecond
)

// Index is the part of the face index the pipeline writes to.
type Index interface {
	Open(ctx context.Context, scope faceindex.Scope) error
	Insert(ctx context.Context, scope faceindex.Scope, rec faceindex.FaceRecord) (bool, error)
	SetReference(ctx context.Context, scope faceindex.Scope, sourceID, filename string) error
	References(ctx context.Context, scope faceindex.Scope, sourceIDs []string) (map[string]string, error)
	Persist(ctx context.Context, scope faceindex.Scope) error
}

// ContentCache keeps fetched bytes on local disk.
type ContentCache interface {
	Read(ctx context.Context, tenant string, f source.FileInfo) ([]byte, bool, error)
	Store(ctx context.Context, tenant string, f source.FileInfo, data []byte) (string, error)
}

// FolderCache remembers fully ingested listings.
type FolderCache interface {
	IsUnchanged(ctx context.Context, scope faceindex.Scope, files []source.FileInfo) bool
	Record(ctx context.Context, scope faceindex.Scope, files []source.FileInfo, stats foldercache.RunStats) error
}

// SearchInvalidator drops cached search results of a scope.
type SearchInvalidator interface {
	Invalidate(ctx context.Context, scope faceindex.Scope) error
}

// Config holds pipeline-wide settings.
type Config struct {
	Workers      int
	BatchSize    int
	FileTimeout  time.Duration
	FetchRetries int
	RetryBackoff time.Duration
	// MaxImageSide downsizes larger photos before detection. 0 disables.
	MaxImageSide int
	Extensions   []string
}

// Options tune a single run.
type Options struct {
	// Force ignores the folder cache and re-processes files already indexed.
	Force bool
	// PersistEveryBatch writes the partition after each batch, not only at the end.
	PersistEveryBatch bool
	// RecordPartial records the folder cache even when some files failed.
	RecordPartial bool
	Progress      ProgressFunc
}

// Pipeline ingests collections. It is safe for concurrent use on different scopes.
type Pipeline struct {
	index    Index
	detector detector.Detector
	content  ContentCache
	folders  FolderCache
	searches SearchInvalidator
	cfg      Config
	logger   *zap.Logger
}

// NewPipeline wires a pipeline. content, folders and searches may be nil.
func NewPipeline(index Index, det detector.Detector, content ContentCache, folders FolderCache, searches SearchInvalidator, cfg Config, logger *zap.Logger) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FileTimeout <= 0 {
		cfg.FileTimeout = defaultFileTimeout
	}
	if cfg.FetchRetries < 0 {
		cfg.FetchRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		index:    index,
		detector: det,
		content:  content,
		folders:  folders,
		searches: searches,
		cfg:      cfg,
		logger:   logger,
	}
}

// run is the shared state of one Ingest call.
type run struct {
	scope    faceindex.Scope
	src      source.Source
	opts     Options
	logger   *zap.Logger
	mu       sync.Mutex
	result   *Result
	done     int
	progress ProgressFunc
}

func (r *run) emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emitLocked(ev)
}

func (r *run) emitLocked(ev Event) {
	if r.progress == nil {
		return
	}
	ev.Done = r.done
	ev.Total = r.result.Total
	r.progress(ev)
}

// finish records the terminal outcome of one file.
func (r *run) finish(fr FileResult, duplicates int, ferr *FileError) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := r.result
	res.Files = append(res.Files, fr)
	res.FacesDetected += fr.FacesDetected
	res.FacesInserted += fr.FacesInserted
	res.Duplicates += duplicates
	metrics.IngestFacesTotal.WithLabelValues("inserted").Add(float64(fr.FacesInserted))
	metrics.IngestFacesTotal.WithLabelValues("duplicate").Add(float64(duplicates))

	var evErr error
	switch fr.State {
	case StateFailed:
		res.Failed++
		metrics.IngestFilesTotal.WithLabelValues("failed").Inc()
	case StateSkipped:
		res.Skipped++
		metrics.IngestFilesTotal.WithLabelValues("skipped").Inc()
	default:
		res.Processed++
		metrics.IngestFilesTotal.WithLabelValues("processed").Inc()
	}
	if ferr != nil {
		res.Errors = append(res.Errors, *ferr)
		evErr = errors.New(ferr.Error)
	}
	r.done++
	r.emitLocked(Event{FileID: fr.FileID, Name: fr.Name, State: fr.State, Faces: fr.FacesInserted, Err: evErr})
}

// Ingest processes every image of src into scope.
func (p *Pipeline) Ingest(ctx context.Context, scope faceindex.Scope, src source.Source, opts Options) (*Result, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() { metrics.IngestRunDuration.Observe(time.Since(start).Seconds()) }()

	logger := p.logger.With(zap.String("tenant", scope.Tenant), zap.String("collection", scope.Collection))

	if err := p.index.Open(ctx, scope); err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}

	listing, err := src.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing source: %w", err)
	}
	files := source.FilterImages(listing, p.cfg.Extensions)
	logger.Info("listed source", zap.Int("files", len(listing)), zap.Int("images", len(files)))

	result := &Result{
		Tenant:     scope.Tenant,
		Collection: scope.Collection,
		Total:      len(files),
		Errors:     []FileError{},
	}

	if !opts.Force && p.folders != nil && p.folders.IsUnchanged(ctx, scope, files) {
		logger.Info("folder unchanged, skipping")
		result.Skipped = len(files)
		result.State = RunUnchanged
		result.Duration = time.Since(start)
		metrics.IngestFilesTotal.WithLabelValues("skipped").Add(float64(len(files)))
		return result, nil
	}

	known := map[string]string{}
	if !opts.Force {
		ids := make([]string, len(files))
		for i, f := range files {
			ids[i] = f.ID
		}
		if known, err = p.index.References(ctx, scope, ids); err != nil {
			return nil, fmt.Errorf("reading references: %w", err)
		}
	}

	r := &run{scope: scope, src: src, opts: opts, logger: logger, result: result, progress: opts.Progress}

	for batchStart := 0; batchStart < len(files); batchStart += p.cfg.BatchSize {
		batch := files[batchStart:min(batchStart+p.cfg.BatchSize, len(files))]

		var g errgroup.Group
		g.SetLimit(p.cfg.Workers)
		for _, f := range batch {
			if ctx.Err() != nil {
				r.finish(FileResult{FileID: f.ID, Name: f.Name, State: StateSkipped}, 0, cancelledError(f))
				continue
			}
			if _, ok := known[f.ID]; ok {
				r.finish(FileResult{FileID: f.ID, Name: f.Name, State: StateSkipped}, 0, nil)
				continue
			}
			g.Go(func() error {
				p.processFile(ctx, r, f)
				return nil
			})
		}
		_ = g.Wait()

		if opts.PersistEveryBatch && ctx.Err() == nil {
			if err := p.index.Persist(ctx, scope); err != nil {
				return nil, fmt.Errorf("persisting index: %w", err)
			}
		}
	}

	// Persist even when cancelled so completed work is kept.
	persistCtx := context.WithoutCancel(ctx)
	if err := p.index.Persist(persistCtx, scope); err != nil {
		return nil, fmt.Errorf("persisting index: %w", err)
	}

	cancelled := ctx.Err() != nil
	switch {
	case cancelled:
		result.State = RunCancelled
	case result.Failed > 0:
		result.State = RunCompletedWithErrors
	default:
		result.State = RunCompleted
	}

	if p.folders != nil && !cancelled && (result.Failed == 0 || opts.RecordPartial) {
		stats := foldercache.RunStats{
			Processed:     result.Processed,
			Skipped:       result.Skipped,
			Failed:        result.Failed,
			FacesInserted: result.FacesInserted,
		}
		if err := p.folders.Record(persistCtx, scope, files, stats); err != nil {
			logger.Warn("failed to record folder cache", zap.Error(err))
		}
	}
	if p.searches != nil {
		if err := p.searches.Invalidate(persistCtx, scope); err != nil {
			logger.Warn("failed to invalidate search cache", zap.Error(err))
		}
	}

	result.Duration = time.Since(start)
	logger.Info("ingestion finished",
		zap.String("state", result.State),
		zap.Int("processed", result.Processed),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
		zap.Int("faces_inserted", result.FacesInserted),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

func cancelledError(f source.FileInfo) *FileError {
	return &FileError{
		FileID: f.ID,
		Name:   f.Name,
		Stage:  StateListed,
		Kind:   KindCancelled,
		Error:  context.Canceled.Error(),
	}
}

// processFile runs one file through fetch, detect and insert. Once started, a
// file is not interrupted by run cancellation; only the per-file timeout applies.
func (p *Pipeline) processFile(runCtx context.Context, r *run, f source.FileInfo) {
	if runCtx.Err() != nil {
		r.finish(FileResult{FileID: f.ID, Name: f.Name, State: StateSkipped}, 0, cancelledError(f))
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(runCtx), p.cfg.FileTimeout)
	defer cancel()

	logger := r.logger.With(zap.String("file_id", f.ID))
	fr := FileResult{FileID: f.ID, Name: f.Name}
	fail := func(stage State, kind string, err error) {
		if errors.Is(err, context.DeadlineExceeded) {
			kind = KindTimeout
		}
		logger.Warn("file failed", zap.String("stage", string(stage)), zap.String("kind", kind), zap.Error(err))
		fr.State = StateFailed
		r.finish(fr, 0, &FileError{FileID: f.ID, Name: f.Name, Stage: stage, Kind: kind, Error: err.Error()})
	}

	r.emit(Event{FileID: f.ID, Name: f.Name, State: StateFetching})
	data, fromCache, err := p.fetch(ctx, r.src, r.scope.Tenant, f)
	if err != nil {
		fail(StateFetching, KindFetch, err)
		return
	}
	fr.FromCache = fromCache

	r.emit(Event{FileID: f.ID, Name: f.Name, State: StateDetecting})
	analysis, err := detector.Analyze(ctx, p.detector, data, p.cfg.MaxImageSide)
	if err != nil {
		kind := KindDetect
		if errors.Is(err, detector.ErrDecode) {
			kind = KindDecode
		}
		fail(StateDetecting, kind, err)
		return
	}
	fr.FacesDetected = len(analysis.Faces)

	r.emit(Event{FileID: f.ID, Name: f.Name, State: StateInserting, Faces: len(analysis.Faces)})
	if err := checkFaces(analysis.Faces); err != nil {
		fail(StateInserting, KindIndex, err)
		return
	}

	// A file's faces go in together: the file timeout no longer applies here.
	insCtx := context.WithoutCancel(ctx)
	duplicates := 0
	var insertErr error
	for _, face := range analysis.Faces {
		inserted, err := p.index.Insert(insCtx, r.scope, faceindex.FaceRecord{
			SourceReference: fmt.Sprintf("%s#%d", f.ID, face.Index),
			SourceID:        f.ID,
			FaceIndex:       face.Index,
			Vector:          face.Vector,
			BBox:            face.BBox,
			DetScore:        face.Confidence,
			Quality:         face.Quality,
			Model:           analysis.Model,
		})
		if err != nil {
			insertErr = err
			break
		}
		if inserted {
			fr.FacesInserted++
		} else {
			duplicates++
		}
	}
	// Faces already in the index must stay resolvable even if a later one failed.
	if insertErr == nil || fr.FacesInserted+duplicates > 0 {
		if err := p.index.SetReference(insCtx, r.scope, f.ID, f.Name); err != nil && insertErr == nil {
			insertErr = err
		}
	}
	if insertErr != nil {
		fail(StateInserting, KindIndex, insertErr)
		return
	}

	fr.State = StatePersisted
	if fr.FacesDetected > 0 && fr.FacesInserted == 0 {
		fr.State = StateSkipped
	}
	logger.Debug("file processed",
		zap.Int("faces", fr.FacesDetected),
		zap.Int("inserted", fr.FacesInserted),
		zap.Bool("from_cache", fr.FromCache),
	)
	r.finish(fr, duplicates, nil)
}

// checkFaces rejects a detection result whose faces cannot all be inserted:
// every vector must be non-zero and share one dimension.
func checkFaces(faces []detector.AnalyzedFace) error {
	dim := 0
	for _, face := range faces {
		if faceindex.Normalize(face.Vector) == nil {
			return fmt.Errorf("face %d: %w", face.Index, faceindex.ErrEmptyVector)
		}
		if dim == 0 {
			dim = len(face.Vector)
		} else if len(face.Vector) != dim {
			return fmt.Errorf("face %d: %w: got %d, file has %d",
				face.Index, faceindex.ErrDimensionMismatch, len(face.Vector), dim)
		}
	}
	return nil
}

// fetch returns the file bytes from the content cache or the source, retrying
// retryable source errors with exponential backoff.
func (p *Pipeline) fetch(ctx context.Context, src source.Source, tenant string, f source.FileInfo) ([]byte, bool, error) {
	if p.content != nil {
		data, ok, err := p.content.Read(ctx, tenant, f)
		if err != nil {
			p.logger.Warn("content cache lookup failed", zap.String("file_id", f.ID), zap.Error(err))
		} else if ok {
			return data, true, nil
		}
	}

	var data []byte
	var err error
	for attempt := 0; ; attempt++ {
		data, err = src.Fetch(ctx, f.ID)
		if err == nil {
			break
		}
		if attempt >= p.cfg.FetchRetries || !source.IsRetryable(err) {
			return nil, false, err
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(p.cfg.RetryBackoff << attempt):
		}
	}

	if p.content != nil {
		if _, err := p.content.Store(ctx, tenant, f, data); err != nil {
			p.logger.Warn("failed to store fetched file", zap.String("file_id", f.ID), zap.Error(err))
		}
	}
	return data, false, nil
}
