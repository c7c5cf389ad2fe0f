package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/face-finder/internal/faceindex"
	"github.com/kozaktomas/face-finder/internal/finder"
	"github.com/kozaktomas/face-finder/internal/ingest"
	"github.com/kozaktomas/face-finder/internal/source"
	"github.com/kozaktomas/face-finder/internal/web/middleware"
)

// fakeService implements Service with overridable functions.
type fakeService struct {
	ingestFn func(ctx context.Context, tenant, collection string, opts ingest.Options) (*ingest.Result, error)
	searchFn func(ctx context.Context, req finder.SearchRequest) (*finder.SearchResponse, error)
	clearFn  func(tenant, collection string, opts finder.ClearOptions) (*finder.ClearResult, error)
	evictFn  func(maxAge time.Duration) (int, error)
	pushErr  error
}

func (s *fakeService) OpenSource(spec source.Spec) (source.Source, error) {
	return source.Open(spec, source.HTTPOptions{})
}

func (s *fakeService) Ingest(ctx context.Context, tenant, collection string, _ source.Source, opts ingest.Options) (*ingest.Result, error) {
	if s.ingestFn == nil {
		return &ingest.Result{Tenant: tenant, Collection: collection, State: ingest.RunCompleted}, nil
	}
	return s.ingestFn(ctx, tenant, collection, opts)
}

func (s *fakeService) Search(ctx context.Context, req finder.SearchRequest) (*finder.SearchResponse, error) {
	return s.searchFn(ctx, req)
}

func (s *fakeService) Collections(_ context.Context, tenant string) ([]faceindex.PartitionMeta, error) {
	return []faceindex.PartitionMeta{{Tenant: tenant, Collection: "c1"}}, nil
}

func (s *fakeService) CacheStats(_ context.Context, tenant string) (*finder.CacheStats, error) {
	if err := faceindex.ValidateTenant(tenant); err != nil {
		return nil, err
	}
	return &finder.CacheStats{CachedCollections: 2, TotalMatchesCached: 7}, nil
}

func (s *fakeService) ClearCaches(_ context.Context, tenant, collection string, opts finder.ClearOptions) (*finder.ClearResult, error) {
	return s.clearFn(tenant, collection, opts)
}

func (s *fakeService) EvictContent(_ context.Context, maxAge time.Duration) (int, error) {
	return s.evictFn(maxAge)
}

func (s *fakeService) Push(context.Context, string, string) (int, error) {
	if s.pushErr != nil {
		return 0, s.pushErr
	}
	return 3, nil
}

// requestWithTenant creates a request with a tenant and chi URL parameters in context.
func requestWithTenant(r *http.Request, tenant string, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	return r.WithContext(middleware.SetTenantInContext(ctx, tenant))
}

// multipartRequest builds a POST with the given form fields and image files.
func multipartRequest(t *testing.T, path string, fields map[string]string, images ...[]byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	for i, img := range images {
		fw, err := mw.CreateFormFile("images", "selfie"+string(rune('a'+i))+".jpg")
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(img)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

// parseJSONResponse parses a JSON response body into the target type
func parseJSONResponse(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse JSON response: %v\nBody: %s", err, recorder.Body.String())
	}
}

// assertStatusCode checks if the response has the expected status code
func assertStatusCode(t *testing.T, recorder *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if recorder.Code != expected {
		t.Errorf("expected status %d, got %d\nBody: %s", expected, recorder.Code, recorder.Body.String())
	}
}

// assertContentType checks if the response has the expected content type
func assertContentType(t *testing.T, recorder *httptest.ResponseRecorder, expected string) {
	t.Helper()
	ct := recorder.Header().Get("Content-Type")
	if ct != expected {
		t.Errorf("expected Content-Type '%s', got '%s'", expected, ct)
	}
}

// assertJSONError checks if the response is a JSON error with the expected message
func assertJSONError(t *testing.T, recorder *httptest.ResponseRecorder, expectedMessage string) {
	t.Helper()
	var result map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse error response: %v\nBody: %s", err, recorder.Body.String())
	}
	if result["error"] != expectedMessage {
		t.Errorf("expected error '%s', got '%s'", expectedMessage, result["error"])
	}
}

// waitForStatus polls a job until it reaches want or the deadline passes.
func waitForStatus(t *testing.T, job *IngestJob, want JobStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if job.GetStatus() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job status = %s, want %s", job.GetStatus(), want)
}
