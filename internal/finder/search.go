package finder

import (
	"context"
	"errors"
	"fmt"

	"github.com/kozaktomas/face-finder/internal/detector"
	"github.com/kozaktomas/face-finder/internal/faceindex"
	"github.com/kozaktomas/face-finder/internal/search"
	"github.com/kozaktomas/face-finder/internal/source"
	"go.uber.org/zap"
)

// ErrNoQueryImages is returned when a search carries no selfie.
var ErrNoQueryImages = errors.New("at least one query image is required")

// SearchRequest asks which photos contain the people in Images.
type SearchRequest struct {
	Tenant string
	// Collection limits the search to one collection. Empty searches all of the tenant's collections.
	Collection string
	Images     [][]byte
	// Threshold is the minimum cosine similarity. Nil uses the configured default.
	Threshold *float64
	Limit     int
	// Source, when set, is listed to check that cached results are still current.
	Source source.Source
}

// SearchResponse is a search response plus detection details of the query.
type SearchResponse struct {
	*search.Response
	FacesDetected int `json:"faces_detected"`
}

// Search detects the faces in the query images and searches for them.
func (f *Finder) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	threshold := f.cfg.Search.DefaultThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	if err := search.ValidateThreshold(threshold); err != nil {
		return nil, err
	}
	if err := faceindex.ValidateTenant(req.Tenant); err != nil {
		return nil, err
	}
	if len(req.Images) == 0 {
		return nil, ErrNoQueryImages
	}

	var queries [][]float32
	for i, img := range req.Images {
		analysis, err := detector.Analyze(ctx, f.detector, img, f.cfg.Embedding.MaxImageSide)
		if err != nil {
			return nil, fmt.Errorf("query image %d: %w", i+1, err)
		}
		for _, face := range analysis.Faces {
			queries = append(queries, face.Vector)
		}
	}
	f.logger.Debug("query faces detected", zap.String("tenant", req.Tenant), zap.Int("faces", len(queries)))

	resp, err := f.engine.Search(ctx, search.Request{
		Tenant:     req.Tenant,
		Collection: req.Collection,
		Queries:    queries,
		Threshold:  threshold,
		Limit:      req.Limit,
	}, f.fingerprintFunc(req.Source))
	if err != nil {
		return nil, err
	}
	return &SearchResponse{Response: resp, FacesDetected: len(queries)}, nil
}

// fingerprintFunc reports the current folder fingerprint: from src when one is
// given, otherwise from the folder cache entry of the last ingestion.
func (f *Finder) fingerprintFunc(src source.Source) search.FingerprintFunc {
	return func(ctx context.Context, scope faceindex.Scope) (string, bool) {
		if src == nil {
			return f.folders.Fingerprint(ctx, scope)
		}
		files, err := src.List(ctx)
		if err != nil {
			f.logger.Warn("listing source for cache check failed", zap.String("scope", scope.String()), zap.Error(err))
			return "", false
		}
		return source.ListingFingerprint(source.FilterImages(files, f.cfg.Defaults.ImageExtensions)), true
	}
}
