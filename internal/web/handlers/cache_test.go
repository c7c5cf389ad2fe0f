package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kozaktomas/face-finder/internal/finder"
)

func TestCacheHandler_Stats(t *testing.T) {
	h := NewCacheHandler(&fakeService{})
	req := requestWithTenant(httptest.NewRequest(http.MethodGet, "/", nil), "t1", nil)
	recorder := httptest.NewRecorder()
	h.Stats(recorder, req)

	assertStatusCode(t, recorder, http.StatusOK)
	var stats map[string]any
	parseJSONResponse(t, recorder, &stats)
	if stats["cached_collections"] != float64(2) || stats["total_matches_cached"] != float64(7) {
		t.Errorf("unexpected stats: %v", stats)
	}
}

func TestCacheHandler_Clear(t *testing.T) {
	tests := []struct {
		name           string
		query          string
		wantCollection string
		wantOpts       finder.ClearOptions
	}{
		{"defaults", "", "", finder.ClearOptions{Search: true, Folder: true}},
		{"search only", "?collection=c1&search=true", "c1", finder.ClearOptions{Search: true}},
		{"index", "?index=1", "", finder.ClearOptions{Index: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotCollection string
			var gotOpts finder.ClearOptions
			svc := &fakeService{clearFn: func(tenant, collection string, opts finder.ClearOptions) (*finder.ClearResult, error) {
				gotCollection, gotOpts = collection, opts
				return &finder.ClearResult{SearchEntries: 1}, nil
			}}
			h := NewCacheHandler(svc)
			req := requestWithTenant(httptest.NewRequest(http.MethodDelete, "/"+tt.query, nil), "t1", nil)
			recorder := httptest.NewRecorder()
			h.Clear(recorder, req)

			assertStatusCode(t, recorder, http.StatusOK)
			if gotCollection != tt.wantCollection || gotOpts != tt.wantOpts {
				t.Errorf("got %q %+v, want %q %+v", gotCollection, gotOpts, tt.wantCollection, tt.wantOpts)
			}
		})
	}
}

func TestCacheHandler_Evict(t *testing.T) {
	var gotAge time.Duration
	h := NewCacheHandler(&fakeService{evictFn: func(maxAge time.Duration) (int, error) {
		gotAge = maxAge
		return 4, nil
	}})

	recorder := httptest.NewRecorder()
	h.Evict(recorder, httptest.NewRequest(http.MethodPost, "/?max_age_days=7", nil))
	assertStatusCode(t, recorder, http.StatusOK)
	if gotAge != 7*24*time.Hour {
		t.Errorf("max age = %v", gotAge)
	}

	recorder = httptest.NewRecorder()
	h.Evict(recorder, httptest.NewRequest(http.MethodPost, "/?max_age_days=zero", nil))
	assertStatusCode(t, recorder, http.StatusBadRequest)
}

func TestCacheHandler_PushWithoutDatabase(t *testing.T) {
	h := NewCacheHandler(&fakeService{pushErr: finder.ErrNoDatabase})
	req := requestWithTenant(httptest.NewRequest(http.MethodPost, "/", nil), "t1", map[string]string{"collection": "c1"})
	recorder := httptest.NewRecorder()
	h.Push(recorder, req)
	assertStatusCode(t, recorder, http.StatusServiceUnavailable)
}

func TestCacheHandler_Collections(t *testing.T) {
	h := NewCacheHandler(&fakeService{})
	req := requestWithTenant(httptest.NewRequest(http.MethodGet, "/", nil), "t1", nil)
	recorder := httptest.NewRecorder()
	h.Collections(recorder, req)
	assertStatusCode(t, recorder, http.StatusOK)
	var got []map[string]any
	parseJSONResponse(t, recorder, &got)
	if len(got) != 1 || got[0]["collection"] != "c1" {
		t.Errorf("unexpected collections: %v", got)
	}
}
