package config

import (
	"testing"
	"time"
)

func TestLoadDefaults_Profiles(t *testing.T) {
	d := LoadDefaults()

	cpu := d.Profile(false)
	if cpu.Workers != 10 || cpu.BatchSize != 20 {
		t.Errorf("expected cpu profile 10/20, got %d/%d", cpu.Workers, cpu.BatchSize)
	}

	acc := d.Profile(true)
	if acc.Workers != 20 || acc.BatchSize != 40 {
		t.Errorf("expected accelerated profile 20/40, got %d/%d", acc.Workers, acc.BatchSize)
	}
}

func TestLoadDefaults_ImageExtensions(t *testing.T) {
	d := LoadDefaults()
	if len(d.ImageExtensions) == 0 {
		t.Fatal("expected image extensions in defaults")
	}
	found := false
	for _, ext := range d.ImageExtensions {
		if ext == ".webp" {
			found = true
		}
	}
	if !found {
		t.Error("expected .webp to be an image extension")
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATA_DIR", "/tmp/ff")
	t.Setenv("ACCELERATED", "")
	t.Setenv("INGEST_WORKERS", "")
	t.Setenv("FOLDER_CACHE_TTL", "")
	t.Setenv("SEARCH_CACHE_TTL", "")

	cfg := Load()

	if cfg.Blob.Backend != "fs" {
		t.Errorf("expected fs backend, got %s", cfg.Blob.Backend)
	}
	if cfg.Blob.Dir != "/tmp/ff/blobs" {
		t.Errorf("unexpected blob dir %s", cfg.Blob.Dir)
	}
	if cfg.Ingest.Workers != 10 {
		t.Errorf("expected 10 workers, got %d", cfg.Ingest.Workers)
	}
	if cfg.Cache.FolderTTL != 30*24*time.Hour {
		t.Errorf("expected 30 day folder TTL, got %s", cfg.Cache.FolderTTL)
	}
	if cfg.Cache.SearchTTL != 24*time.Hour {
		t.Errorf("expected 24h search TTL, got %s", cfg.Cache.SearchTTL)
	}
	if cfg.Cache.ContentMaxAge != 30*24*time.Hour {
		t.Errorf("expected 30 day content max age, got %s", cfg.Cache.ContentMaxAge)
	}
	if cfg.Search.DefaultThreshold != 0.6 {
		t.Errorf("expected default threshold 0.6, got %f", cfg.Search.DefaultThreshold)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ACCELERATED", "true")
	t.Setenv("INGEST_BATCH_SIZE", "7")
	t.Setenv("SEARCH_CACHE_TTL", "90m")
	t.Setenv("BLOB_BACKEND", "MinIO")

	cfg := Load()

	if cfg.Ingest.Workers != 20 {
		t.Errorf("expected accelerated workers 20, got %d", cfg.Ingest.Workers)
	}
	if cfg.Ingest.BatchSize != 7 {
		t.Errorf("expected batch size override 7, got %d", cfg.Ingest.BatchSize)
	}
	if cfg.Cache.SearchTTL != 90*time.Minute {
		t.Errorf("expected 90m search TTL, got %s", cfg.Cache.SearchTTL)
	}
	if cfg.Blob.Backend != "minio" {
		t.Errorf("expected backend to be lowercased, got %s", cfg.Blob.Backend)
	}
}

func TestEnvHelpers_InvalidValues(t *testing.T) {
	t.Setenv("X_INT", "-3")
	t.Setenv("X_FLOAT", "abc")
	t.Setenv("X_BOOL", "maybe")
	t.Setenv("X_DUR", "soon")

	if got := envInt("X_INT", 4); got != 4 {
		t.Errorf("envInt: expected default 4, got %d", got)
	}
	if got := envFloat("X_FLOAT", 0.5); got != 0.5 {
		t.Errorf("envFloat: expected default 0.5, got %f", got)
	}
	if got := envBool("X_BOOL", true); !got {
		t.Error("envBool: expected default true")
	}
	if got := envDuration("X_DUR", time.Second); got != time.Second {
		t.Errorf("envDuration: expected default 1s, got %s", got)
	}
}

func TestEnvList(t *testing.T) {
	t.Setenv("X_LIST", " https://a.example.com, ,https://b.example.com ")

	got := envList("X_LIST")
	if len(got) != 2 || got[0] != "https://a.example.com" || got[1] != "https://b.example.com" {
		t.Errorf("unexpected list: %q", got)
	}
	if got := envList("X_LIST_UNSET"); got != nil {
		t.Errorf("expected nil for unset variable, got %q", got)
	}
}
