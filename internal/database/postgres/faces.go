package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kozaktomas/face-finder/internal/faceindex"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

// MirroredFace is a face record as stored in face_records.
type MirroredFace struct {
	ID       int64
	Scope    faceindex.Scope
	Filename string
	Record   faceindex.FaceRecord
	PushedAt time.Time
}

// SimilarFace is a mirrored face with its cosine distance to a query.
type SimilarFace struct {
	MirroredFace
	Distance float64
}

// FaceMirror copies index partitions into face_records so they can be
// queried with SQL and pgvector.
type FaceMirror struct {
	pool *Pool
}

// NewFaceMirror creates a mirror on a migrated pool.
func NewFaceMirror(pool *Pool) *FaceMirror {
	return &FaceMirror{pool: pool}
}

// Push replaces the mirrored rows of scope with records. filenames maps
// source ids to display names. Returns the number of rows written.
func (m *FaceMirror) Push(ctx context.Context, scope faceindex.Scope, records []faceindex.FaceRecord, filenames map[string]string) (int, error) {
	if err := scope.Validate(); err != nil {
		return 0, err
	}

	tx, err := m.pool.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM face_records WHERE tenant = $1 AND collection = $2",
		scope.Tenant, scope.Collection,
	); err != nil {
		return 0, fmt.Errorf("delete existing face records: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO face_records (tenant, collection, source_reference, source_id, filename, face_index,
		                          embedding, dim, bbox, det_score, quality, model, seq, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::vector, $8, $9, $10, $11, $12, $13, $14)
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i := range records {
		rec := &records[i]
		var model sql.NullString
		if rec.Model != "" {
			model = sql.NullString{String: rec.Model, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			scope.Tenant,
			scope.Collection,
			rec.SourceReference,
			rec.SourceID,
			filenames[rec.SourceID],
			rec.FaceIndex,
			pgvector.NewVector(rec.Vector),
			len(rec.Vector),
			pq.Array(rec.BBox),
			rec.DetScore,
			rec.Quality,
			model,
			rec.Seq,
			rec.CreatedAt,
		); err != nil {
			return 0, fmt.Errorf("insert face %s: %w", rec.SourceReference, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return len(records), nil
}

// Count returns the number of mirrored faces in scope.
func (m *FaceMirror) Count(ctx context.Context, scope faceindex.Scope) (int, error) {
	var n int
	err := m.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM face_records WHERE tenant = $1 AND collection = $2",
		scope.Tenant, scope.Collection,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count face records: %w", err)
	}
	return n, nil
}

// Delete removes the mirrored rows of scope.
func (m *FaceMirror) Delete(ctx context.Context, scope faceindex.Scope) (int64, error) {
	res, err := m.pool.Exec(ctx,
		"DELETE FROM face_records WHERE tenant = $1 AND collection = $2",
		scope.Tenant, scope.Collection,
	)
	if err != nil {
		return 0, fmt.Errorf("delete face records: %w", err)
	}
	return res.RowsAffected()
}

// FindSimilar returns the mirrored faces of scope closest to embedding by
// cosine distance, nearest first.
func (m *FaceMirror) FindSimilar(ctx context.Context, scope faceindex.Scope, embedding []float32, limit int) ([]SimilarFace, error) {
	rows, err := m.pool.Query(ctx, `
		SELECT id, tenant, collection, source_reference, source_id, filename, face_index,
		       embedding, bbox, det_score, quality, model, seq, created_at, pushed_at,
		       embedding <=> $3::vector AS distance
		FROM face_records
		WHERE tenant = $1 AND collection = $2 AND dim = $5
		ORDER BY embedding <=> $3::vector, seq
		LIMIT $4
	`, scope.Tenant, scope.Collection, pgvector.NewVector(embedding), limit, len(embedding))
	if err != nil {
		return nil, fmt.Errorf("query similar faces: %w", err)
	}
	defer rows.Close()

	var out []SimilarFace
	for rows.Next() {
		var f SimilarFace
		if err := scanMirroredFace(rows, &f.MirroredFace, &f.Distance); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate similar faces: %w", err)
	}
	return out, nil
}

func scanMirroredFace(scanner interface{ Scan(...any) error }, f *MirroredFace, extraDest ...any) error {
	var vec pgvector.Vector
	var bbox pq.Float64Array
	var model sql.NullString

	dest := []any{
		&f.ID,
		&f.Scope.Tenant,
		&f.Scope.Collection,
		&f.Record.SourceReference,
		&f.Record.SourceID,
		&f.Filename,
		&f.Record.FaceIndex,
		&vec,
		&bbox,
		&f.Record.DetScore,
		&f.Record.Quality,
		&model,
		&f.Record.Seq,
		&f.Record.CreatedAt,
		&f.PushedAt,
	}
	dest = append(dest, extraDest...)

	if err := scanner.Scan(dest...); err != nil {
		return fmt.Errorf("scan face record: %w", err)
	}
	f.Record.Vector = vec.Slice()
	f.Record.BBox = []float64(bbox)
	if model.Valid {
		f.Record.Model = model.String
	}
	return nil
}
