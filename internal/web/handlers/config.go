package handlers

import (
	"net/http"

	"github.com/kozaktomas/face-finder/internal/config"
)

// ConfigHandler handles configuration endpoints
type ConfigHandler struct {
	config *config.Config
}

// NewConfigHandler creates a new config handler
func NewConfigHandler(cfg *config.Config) *ConfigHandler {
	return &ConfigHandler{
		config: cfg,
	}
}

// ConfigResponse is the non-secret part of the configuration.
type ConfigResponse struct {
	BlobBackend      string   `json:"blob_backend"`
	DatabaseEnabled  bool     `json:"database_enabled"`
	EmbeddingModel   string   `json:"embedding_model,omitempty"`
	Accelerated      bool     `json:"accelerated"`
	Workers          int      `json:"workers"`
	BatchSize        int      `json:"batch_size"`
	DefaultThreshold float64  `json:"default_threshold"`
	FolderCacheTTL   string   `json:"folder_cache_ttl"`
	SearchCacheTTL   string   `json:"search_cache_ttl"`
	ImageExtensions  []string `json:"image_extensions"`
}

// Get returns the available configuration
func (h *ConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	response := ConfigResponse{
		BlobBackend:      h.config.Blob.Backend,
		DatabaseEnabled:  h.config.Database.URL != "",
		EmbeddingModel:   h.config.Embedding.Model,
		Accelerated:      h.config.Ingest.Accelerated,
		Workers:          h.config.Ingest.Workers,
		BatchSize:        h.config.Ingest.BatchSize,
		DefaultThreshold: h.config.Search.DefaultThreshold,
		FolderCacheTTL:   h.config.Cache.FolderTTL.String(),
		SearchCacheTTL:   h.config.Cache.SearchTTL.String(),
		ImageExtensions:  h.config.Defaults.ImageExtensions,
	}

	respondJSON(w, http.StatusOK, response)
}
