package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kozaktomas/face-finder/internal/blobstore"
)

// BlobStore keeps blobs in the blobs table. Writes are single-row upserts,
// so readers see either the old or the new value.
type BlobStore struct {
	pool *Pool
}

// NewBlobStore creates a blob store on a migrated pool.
func NewBlobStore(pool *Pool) *BlobStore {
	return &BlobStore{pool: pool}
}

var _ blobstore.Store = (*BlobStore)(nil)

func (s *BlobStore) Read(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, "SELECT data FROM blobs WHERE key = $1", key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, blobstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", key, err)
	}
	return data, nil
}

func (s *BlobStore) Write(ctx context.Context, key string, data []byte) error {
	if err := blobstore.ValidateKey(key); err != nil {
		return err
	}
	if data == nil {
		data = []byte{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO blobs (key, data, size, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (key) DO UPDATE SET
			data = EXCLUDED.data,
			size = EXCLUDED.size,
			updated_at = NOW()
	`, key, data, len(data))
	if err != nil {
		return fmt.Errorf("write blob %s: %w", key, err)
	}
	return nil
}

func (s *BlobStore) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM blobs WHERE key = $1)", key).Scan(&exists); err != nil {
		return false, fmt.Errorf("check blob %s: %w", key, err)
	}
	return exists, nil
}

func (s *BlobStore) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM blobs WHERE key = $1", key); err != nil {
		return fmt.Errorf("delete blob %s: %w", key, err)
	}
	return nil
}

func (s *BlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	// left() instead of LIKE so prefixes containing % or _ match literally.
	rows, err := s.pool.Query(ctx, "SELECT key FROM blobs WHERE left(key, length($1)) = $1 ORDER BY key", prefix)
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan blob key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blob keys: %w", err)
	}
	return keys, nil
}
