package faceindex

// HNSW parameters.
const (
	// DefaultMaxNeighbors is the M parameter (max connections per node).
	DefaultMaxNeighbors = 16

	// DefaultEfSearch is the ef parameter for search (higher = more accurate but slower).
	DefaultEfSearch = 100

	// DefaultSearchMultiplier is how many graph candidates are fetched per requested result
	// before exact re-scoring.
	DefaultSearchMultiplier = 3

	// DefaultHNSWMinPartition is the partition size below which search is always exhaustive.
	DefaultHNSWMinPartition = 5000

	// graphSeed makes graph construction reproducible across runs.
	graphSeed = 42
)

// Storage layout.
const (
	partitionPrefix = "index"
	partitionFile   = "partition.bin"
	metaFile        = "partition.meta"

	envelopeVersion = 1
)
