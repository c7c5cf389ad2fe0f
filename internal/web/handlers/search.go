package handlers

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/kozaktomas/face-finder/internal/finder"
	"github.com/kozaktomas/face-finder/internal/web/middleware"
)

const (
	// maxQueryImageSize limits a single uploaded selfie.
	maxQueryImageSize = 20 << 20
	// maxQueryImages limits the number of selfies per request.
	maxQueryImages = 10
)

// SearchHandler answers face searches.
type SearchHandler struct {
	service Service
}

// NewSearchHandler creates a new search handler
func NewSearchHandler(service Service) *SearchHandler {
	return &SearchHandler{service: service}
}

// Search handles a multipart form with one or more "images" files and
// optional "collection", "threshold" and "limit" fields.
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, maxQueryImages*maxQueryImageSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		respondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	req := finder.SearchRequest{
		Tenant:     tenant,
		Collection: r.FormValue("collection"),
	}
	if v := r.FormValue("threshold"); v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid threshold")
			return
		}
		req.Threshold = &t
	}
	if v := r.FormValue("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		req.Limit = n
	}

	files := r.MultipartForm.File["images"]
	if len(files) == 0 {
		respondError(w, http.StatusBadRequest, "no images provided")
		return
	}
	if len(files) > maxQueryImages {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("at most %d images are allowed", maxQueryImages))
		return
	}
	for _, fh := range files {
		if fh.Size > maxQueryImageSize {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("image %s is too large", fh.Filename))
			return
		}
		f, err := fh.Open()
		if err != nil {
			respondError(w, http.StatusBadRequest, "failed to read uploaded image")
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			respondError(w, http.StatusBadRequest, "failed to read uploaded image")
			return
		}
		req.Images = append(req.Images, data)
	}

	resp, err := h.service.Search(r.Context(), req)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}
