package faceindex

import "time"

// FaceRecord is one detected face stored in a partition. Immutable once inserted.
type FaceRecord struct {
	// SourceReference identifies the face within its scope; inserts of an
	// existing reference are ignored.
	SourceReference string    `json:"source_reference"`
	SourceID        string    `json:"source_id"`
	FaceIndex       int       `json:"face_index"`
	Vector          []float32 `json:"-"`
	BBox            []float64 `json:"bbox"` // [x1, y1, x2, y2] in source image pixels
	DetScore        float64   `json:"det_score"`
	Quality         float64   `json:"quality"`
	Model           string    `json:"model,omitempty"`
	CreatedAt       time.Time `json:"created_at"`

	// Seq is the insertion order within the partition, assigned on insert.
	Seq int64 `json:"seq"`
}

// SearchOptions controls a single-vector partition search.
type SearchOptions struct {
	TopK          int     // 0 returns every match above MinSimilarity
	MinSimilarity float64 // inclusive lower bound on cosine similarity
}

// Match is a record scored against a query vector.
type Match struct {
	Record     FaceRecord
	Similarity float64
}

// PartitionStats summarizes one loaded partition.
type PartitionStats struct {
	Scope      Scope `json:"scope"`
	FaceCount  int   `json:"face_count"`
	Dim        int   `json:"dim"`
	References int   `json:"references"`
	Dirty      bool  `json:"dirty"`
}

// PartitionMeta is the informational sidecar written next to each partition.
type PartitionMeta struct {
	Tenant     string    `json:"tenant"`
	Collection string    `json:"collection"`
	FaceCount  int       `json:"face_count"`
	Dim        int       `json:"dim"`
	References int       `json:"references"`
	SavedAt    time.Time `json:"saved_at"`
	Version    int       `json:"version"`
}
