// Package contentcache remembers which source files are already on local disk
// so ingestion can skip re-downloading them.
//
// Entries are keyed by a fingerprint of (tenant, file id, size, modified
// time) and kept in a SQLite database next to the cached files.
package contentcache

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	dbFileName    = "content_cache.db"
	defaultMaxAge = 30 * 24 * time.Hour
)

// Options configure a Cache.
type Options struct {
	// Dir holds the database and files written by Store.
	Dir string
	// PermanentDir is the long-term photo storage consulted on a miss. Optional.
	PermanentDir string
	// MaxAge after which an entry no longer counts as cached.
	MaxAge time.Duration
	Logger *zap.Logger
}

// Cache is the content cache.
type Cache struct {
	db           *sql.DB
	dir          string
	permanentDir string
	maxAge       time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

// Open opens (or creates) the cache database in opts.Dir and runs pending migrations.
func Open(opts Options) (*Cache, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("content cache directory not set")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", dsn(filepath.Join(opts.Dir, dbFileName)))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Ingest workers share the cache; one connection serializes them.
	db.SetMaxOpenConns(1)

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journal); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening content cache database: %w", err)
	}
	if !strings.EqualFold(journal, "wal") {
		logger.Warn("content cache is not in WAL mode", zap.String("journal_mode", journal))
	}

	if err := migrate(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}

	return &Cache{
		db:           db,
		dir:          opts.Dir,
		permanentDir: opts.PermanentDir,
		maxAge:       maxAge,
		logger:       logger,
		now:          time.Now,
	}, nil
}

// dsn applies the connection pragmas through modernc's _pragma parameters so
// they hold for every connection the pool opens.
func dsn(file string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(wal)")
	q.Add("_pragma", "synchronous(normal)")
	return "file:" + file + "?" + q.Encode()
}

// Close closes the underlying database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Dir returns the cache root directory.
func (c *Cache) Dir() string {
	return c.dir
}

// schemaVersion reads PRAGMA user_version, which holds the number of the
// last applied migration.
func schemaVersion(q interface {
	QueryRow(query string, args ...any) *sql.Row
}) (int, error) {
	var v int
	if err := q.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return v, nil
}

// migrate applies migrations numbered above the database's user_version.
// Each file runs in its own transaction together with the version bump.
func migrate(db *sql.DB, logger *zap.Logger) error {
	current, err := schemaVersion(db)
	if err != nil {
		return err
	}

	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("listing migrations: %w", err)
	}
	slices.Sort(names)

	for _, name := range names {
		base := path.Base(name)
		num, _, ok := strings.Cut(base, "_")
		version, err := strconv.Atoi(num)
		if !ok || err != nil || version <= 0 {
			return fmt.Errorf("migration %q has no numeric prefix", base)
		}
		if version <= current {
			continue
		}

		body, err := migrationsFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", base, err)
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("starting migration %s: %w", base, err)
		}
		if _, err := tx.Exec(string(body)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %s: %w", base, err)
		}
		// PRAGMA arguments cannot be bound parameters.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", base, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", base, err)
		}
		current = version
		logger.Info("applied content cache migration", zap.String("migration", base))
	}
	return nil
}
