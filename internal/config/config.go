package config

import (
	_ "embed"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type Config struct {
	DataDir   string
	Blob      BlobConfig
	Minio     MinioConfig
	Database  DatabaseConfig
	Embedding EmbeddingConfig
	Ingest    IngestConfig
	Index     IndexConfig
	Cache     CacheConfig
	Search    SearchConfig
	Source    SourceConfig
	Web       WebConfig
	Defaults  Defaults
}

type BlobConfig struct {
	Backend string // fs, minio, postgres or memory (defaults to fs)
	Dir     string // root for the fs backend (defaults to $DATA_DIR/blobs)
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string // defaults to face-finder
	UseSSL    bool
	Region    string
}

type DatabaseConfig struct {
	URL          string // PostgreSQL connection URL
	MaxOpenConns int    // Maximum open connections (default 25)
	MaxIdleConns int    // Maximum idle connections (default 5)
}

type EmbeddingConfig struct {
	URL          string // defaults to http://localhost:8000
	Model        string
	MaxImageSide int // images larger than this are downscaled before detection (0 disables)
}

type IngestConfig struct {
	Accelerated  bool
	Workers      int
	BatchSize    int
	FileTimeout  time.Duration
	FetchRetries int
}

type IndexConfig struct {
	MaxNeighbors     int
	EfSearch         int
	SearchMultiplier int
	HNSWMinPartition int // partitions smaller than this are always scored exhaustively
}

type CacheConfig struct {
	ContentDir    string
	PermanentDir  string
	ContentMaxAge time.Duration
	FolderTTL     time.Duration
	SearchTTL     time.Duration
}

type SearchConfig struct {
	DefaultThreshold float64
}

type SourceConfig struct {
	RateLimit float64 // requests per second against remote sources (0 = unlimited)
	RateBurst int
}

type WebConfig struct {
	AllowedOrigins []string // browser origins granted CORS access
	AllowLocalhost bool     // also grant any localhost origin (default true)
}

// Defaults mirrors the embedded defaults.yaml.
type Defaults struct {
	Profiles        map[string]PoolProfile `yaml:"profiles"`
	Index           IndexDefaults          `yaml:"index"`
	Cache           CacheDefaults          `yaml:"cache"`
	Search          SearchDefaults         `yaml:"search"`
	Detection       DetectionDefaults      `yaml:"detection"`
	ImageExtensions []string               `yaml:"image_extensions"`
}

type PoolProfile struct {
	Workers   int `yaml:"workers"`
	BatchSize int `yaml:"batch_size"`
}

type IndexDefaults struct {
	MaxNeighbors     int `yaml:"max_neighbors"`
	EfSearch         int `yaml:"ef_search"`
	SearchMultiplier int `yaml:"search_multiplier"`
	HNSWMinPartition int `yaml:"hnsw_min_partition"`
}

type CacheDefaults struct {
	ContentMaxAgeDays int `yaml:"content_max_age_days"`
	FolderTTLHours    int `yaml:"folder_ttl_hours"`
	SearchTTLHours    int `yaml:"search_ttl_hours"`
}

type SearchDefaults struct {
	DefaultThreshold float64 `yaml:"default_threshold"`
}

type DetectionDefaults struct {
	MaxImageSide       int `yaml:"max_image_side"`
	FileTimeoutSeconds int `yaml:"file_timeout_seconds"`
	FetchRetries       int `yaml:"fetch_retries"`
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads a non-negative float from the environment.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 {
		return f
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return defaultVal
}

// envDuration accepts Go duration strings ("36h", "90s").
func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// envList splits a comma-separated variable, dropping empty items.
func envList(key string) []string {
	var out []string
	for item := range strings.SplitSeq(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// LoadDefaults parses the embedded defaults.yaml.
func LoadDefaults() Defaults {
	var d Defaults
	if err := yaml.Unmarshal(defaultsYAML, &d); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}
	return d
}

func Load() *Config {
	d := LoadDefaults()

	dataDir := envString("DATA_DIR", "data")
	accelerated := envBool("ACCELERATED", false)
	profile := d.Profile(accelerated)

	return &Config{
		DataDir: dataDir,
		Blob: BlobConfig{
			Backend: strings.ToLower(envString("BLOB_BACKEND", "fs")),
			Dir:     envString("BLOB_DIR", filepath.Join(dataDir, "blobs")),
		},
		Minio: MinioConfig{
			Endpoint:  os.Getenv("MINIO_ENDPOINT"),
			AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
			SecretKey: os.Getenv("MINIO_SECRET_KEY"),
			Bucket:    envString("MINIO_BUCKET", "face-finder"),
			UseSSL:    envBool("MINIO_USE_SSL", false),
			Region:    os.Getenv("MINIO_REGION"),
		},
		Database: DatabaseConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns: envInt("DATABASE_MAX_IDLE_CONNS", 5),
		},
		Embedding: EmbeddingConfig{
			URL:          os.Getenv("EMBEDDING_URL"),
			Model:        os.Getenv("EMBEDDING_MODEL"),
			MaxImageSide: envInt("MAX_IMAGE_SIDE", d.Detection.MaxImageSide),
		},
		Ingest: IngestConfig{
			Accelerated:  accelerated,
			Workers:      envInt("INGEST_WORKERS", profile.Workers),
			BatchSize:    envInt("INGEST_BATCH_SIZE", profile.BatchSize),
			FileTimeout:  envDuration("INGEST_FILE_TIMEOUT", time.Duration(d.Detection.FileTimeoutSeconds)*time.Second),
			FetchRetries: envInt("FETCH_RETRIES", d.Detection.FetchRetries),
		},
		Index: IndexConfig{
			MaxNeighbors:     envInt("HNSW_MAX_NEIGHBORS", d.Index.MaxNeighbors),
			EfSearch:         envInt("HNSW_EF_SEARCH", d.Index.EfSearch),
			SearchMultiplier: envInt("HNSW_SEARCH_MULTIPLIER", d.Index.SearchMultiplier),
			HNSWMinPartition: envInt("HNSW_MIN_PARTITION", d.Index.HNSWMinPartition),
		},
		Cache: CacheConfig{
			ContentDir:    envString("CONTENT_CACHE_DIR", filepath.Join(dataDir, "content")),
			PermanentDir:  os.Getenv("PERMANENT_DIR"),
			ContentMaxAge: time.Duration(envInt("CONTENT_CACHE_MAX_AGE_DAYS", d.Cache.ContentMaxAgeDays)) * 24 * time.Hour,
			FolderTTL:     envDuration("FOLDER_CACHE_TTL", time.Duration(d.Cache.FolderTTLHours)*time.Hour),
			SearchTTL:     envDuration("SEARCH_CACHE_TTL", time.Duration(d.Cache.SearchTTLHours)*time.Hour),
		},
		Search: SearchConfig{
			DefaultThreshold: envFloat("DEFAULT_THRESHOLD", d.Search.DefaultThreshold),
		},
		Source: SourceConfig{
			RateLimit: envFloat("SOURCE_RATE_LIMIT", 0),
			RateBurst: envInt("SOURCE_RATE_BURST", 5),
		},
		Web: WebConfig{
			AllowedOrigins: envList("WEB_ALLOWED_ORIGINS"),
			AllowLocalhost: envBool("WEB_ALLOW_LOCALHOST", true),
		},
		Defaults: d,
	}
}

// Profile returns the worker pool sizing for the given hardware mode.
func (d Defaults) Profile(accelerated bool) PoolProfile {
	name := "cpu"
	if accelerated {
		name = "accelerated"
	}
	if p, ok := d.Profiles[name]; ok {
		return p
	}
	return PoolProfile{Workers: 10, BatchSize: 20}
}
