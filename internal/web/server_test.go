package web

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kozaktomas/face-finder/internal/config"
	"github.com/kozaktomas/face-finder/internal/detector"
	"github.com/kozaktomas/face-finder/internal/finder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDetector struct {
	faces map[string][]detector.Face
}

func (d *stubDetector) DetectAndEmbed(_ context.Context, img []byte) ([]detector.Face, error) {
	return d.faces[string(img)], nil
}

func (d *stubDetector) Model() string { return "stub" }

func pngOf(t *testing.T, seed int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	img.Set(1, 1, color.RGBA{B: uint8(seed), A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func face(v ...float32) []detector.Face {
	return []detector.Face{{Vector: v, BBox: []float64{8, 8, 32, 32}, Confidence: 0.95}}
}

func newTestServer(t *testing.T) (*Server, string, []byte) {
	t.Helper()
	dir := t.TempDir()
	alice, bob, selfie := pngOf(t, 1), pngOf(t, 2), pngOf(t, 3)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "alice.png"), alice, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bob.png"), bob, 0o644))

	det := &stubDetector{faces: map[string][]detector.Face{
		string(alice):  face(1, 0),
		string(bob):    face(0, 1),
		string(selfie): face(0.9, 0.1),
	}}

	cfg := &config.Config{
		Blob:     config.BlobConfig{Backend: "memory"},
		Ingest:   config.IngestConfig{Workers: 2, BatchSize: 10, FileTimeout: 5 * time.Second, FetchRetries: 1},
		Cache:    config.CacheConfig{ContentDir: t.TempDir(), FolderTTL: time.Hour, SearchTTL: time.Hour},
		Search:   config.SearchConfig{DefaultThreshold: 0.6},
		Defaults: config.LoadDefaults(),
	}
	f, err := finder.New(context.Background(), cfg, nil, finder.WithDetector(det))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	return NewServer(cfg, f, 0, "127.0.0.1", nil), dir, selfie
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestServer_HealthAndMetrics(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestServer_IngestThenSearch(t *testing.T) {
	s, dir, selfie := newTestServer(t)

	body := `{"source": {"type": "dir", "path": ` + jsonString(dir) + `}}`
	rec := serve(s, httptest.NewRequest(http.MethodPost, "/api/v1/tenants/acme/collections/wedding/ingest", strings.NewReader(body)))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var started map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))

	require.Eventually(t, func() bool {
		rec := serve(s, httptest.NewRequest(http.MethodGet, "/api/v1/tenants/acme/jobs/"+started["job_id"], nil))
		var job map[string]any
		_ = json.Unmarshal(rec.Body.Bytes(), &job)
		return job["status"] == "completed"
	}, 5*time.Second, 20*time.Millisecond)

	var form bytes.Buffer
	mw := multipart.NewWriter(&form)
	require.NoError(t, mw.WriteField("collection", "wedding"))
	fw, err := mw.CreateFormFile("images", "me.png")
	require.NoError(t, err)
	_, _ = fw.Write(selfie)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tenants/acme/search", &form)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec = serve(s, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Mode          string `json:"mode"`
		FacesDetected int    `json:"faces_detected"`
		Results       []struct {
			Filename   string  `json:"filename"`
			Similarity float64 `json:"similarity"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "scoped", resp.Mode)
	assert.Equal(t, 1, resp.FacesDetected)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "alice.png", resp.Results[0].Filename)

	// Another tenant sees nothing.
	rec = serve(s, httptest.NewRequest(http.MethodGet, "/api/v1/tenants/other/collections", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/api/v1/tenants/acme/cache/stats", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"cached_collections":1`)
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
