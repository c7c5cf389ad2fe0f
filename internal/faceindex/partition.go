package faceindex

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"sort"
	"time"

	"github.com/coder/hnsw"
)

type graphParams struct {
	maxNeighbors int
	efSearch     int
}

// partition is the in-memory state of one scope. Records are indexed by
// insertion order: records[i].Seq == i and graph node i holds records[i].Vector.
// Callers serialize access through the owning scope lock.
type partition struct {
	scope   Scope
	params  graphParams
	dim     int
	records []FaceRecord
	byRef   map[string]int
	refs    map[string]string
	graph   *hnsw.Graph[int64]
	dirty   bool
}

func newPartition(scope Scope, params graphParams) *partition {
	return &partition{
		scope:  scope,
		params: params,
		byRef:  make(map[string]int),
		refs:   make(map[string]string),
	}
}

func (p *partition) newGraph() *hnsw.Graph[int64] {
	g := hnsw.NewGraph[int64]()
	g.M = p.params.maxNeighbors
	g.Ml = 1.0 / float64(p.params.maxNeighbors) // Standard HNSW formula
	g.EfSearch = p.params.efSearch
	g.Distance = hnsw.CosineDistance
	g.Rng = rand.New(rand.NewSource(graphSeed)) //nolint:gosec // reproducible graph layout, not security
	return g
}

// rebuildGraph re-adds every record in insertion order.
func (p *partition) rebuildGraph() {
	if len(p.records) == 0 {
		p.graph = nil
		return
	}
	g := p.newGraph()
	for i := range p.records {
		g.Add(hnsw.MakeNode(p.records[i].Seq, p.records[i].Vector))
	}
	p.graph = g
}

// insert appends a record. Returns false without changes when the reference already exists.
// All validation happens before any state is touched, so a failed insert leaves the partition as it was.
func (p *partition) insert(rec FaceRecord, now time.Time) (bool, error) {
	if rec.SourceReference == "" {
		return false, errors.New("source reference is required")
	}
	if _, ok := p.byRef[rec.SourceReference]; ok {
		return false, nil
	}

	vec := Normalize(rec.Vector)
	if vec == nil {
		return false, ErrEmptyVector
	}
	if p.dim != 0 && len(vec) != p.dim {
		return false, fmt.Errorf("%w: got %d, partition has %d", ErrDimensionMismatch, len(vec), p.dim)
	}

	rec.Vector = vec
	rec.BBox = slices.Clone(rec.BBox)
	rec.Seq = int64(len(p.records))
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}

	if p.graph == nil {
		p.graph = p.newGraph()
	}
	p.graph.Add(hnsw.MakeNode(rec.Seq, vec))

	if p.dim == 0 {
		p.dim = len(vec)
	}
	p.records = append(p.records, rec)
	p.byRef[rec.SourceReference] = len(p.records) - 1
	p.dirty = true
	return true, nil
}

func (p *partition) setReference(sourceID, filename string) {
	filename = NormalizeFilename(filename)
	if prev, ok := p.refs[sourceID]; ok && prev == filename {
		return
	}
	p.refs[sourceID] = filename
	p.dirty = true
}

// search scores the query against the partition. With a bounded TopK on a
// large partition the graph proposes candidates that are then scored exactly;
// otherwise every record is scored.
func (p *partition) search(query []float32, opts SearchOptions, minGraph, multiplier int) ([]Match, error) {
	if len(p.records) == 0 {
		return nil, nil
	}
	q := Normalize(query)
	if q == nil {
		return nil, ErrEmptyVector
	}
	if len(q) != p.dim {
		return nil, fmt.Errorf("%w: query has %d, partition has %d", ErrDimensionMismatch, len(q), p.dim)
	}

	matches := make([]Match, 0)
	score := func(i int) {
		rec := p.records[i]
		if s := dot(q, rec.Vector); s >= opts.MinSimilarity {
			matches = append(matches, Match{Record: rec, Similarity: s})
		}
	}

	if opts.TopK > 0 && p.graph != nil && len(p.records) >= minGraph {
		seen := make(map[int64]bool)
		for _, n := range p.graph.Search(q, opts.TopK*multiplier) {
			if seen[n.Key] || n.Key < 0 || n.Key >= int64(len(p.records)) {
				continue
			}
			seen[n.Key] = true
			score(int(n.Key))
		}
	} else {
		for i := range p.records {
			score(i)
		}
	}

	sortMatches(matches)
	if opts.TopK > 0 && len(matches) > opts.TopK {
		matches = matches[:opts.TopK]
	}
	return matches, nil
}

// sortMatches orders by similarity descending, ties by earliest insertion.
func sortMatches(m []Match) {
	sort.SliceStable(m, func(i, j int) bool {
		if m[i].Similarity != m[j].Similarity {
			return m[i].Similarity > m[j].Similarity
		}
		return m[i].Record.Seq < m[j].Record.Seq
	})
}

func (p *partition) stats() PartitionStats {
	return PartitionStats{
		Scope:      p.scope,
		FaceCount:  len(p.records),
		Dim:        p.dim,
		References: len(p.refs),
		Dirty:      p.dirty,
	}
}

// envelope is the persisted form of a partition. Vectors, metadata and the
// reference map always travel together in one blob.
type envelope struct {
	Version    int
	Tenant     string
	Collection string
	Dim        int
	Records    []FaceRecord
	References map[string]string
	Graph      []byte
	SavedAt    time.Time
}

func (p *partition) encode(now time.Time) ([]byte, PartitionMeta, error) {
	var graph bytes.Buffer
	if p.graph != nil {
		if err := p.graph.Export(&graph); err != nil {
			return nil, PartitionMeta{}, fmt.Errorf("failed to export HNSW graph: %w", err)
		}
	}

	env := envelope{
		Version:    envelopeVersion,
		Tenant:     p.scope.Tenant,
		Collection: p.scope.Collection,
		Dim:        p.dim,
		Records:    p.records,
		References: p.refs,
		Graph:      graph.Bytes(),
		SavedAt:    now,
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return nil, PartitionMeta{}, fmt.Errorf("failed to encode partition: %w", err)
	}

	meta := PartitionMeta{
		Tenant:     p.scope.Tenant,
		Collection: p.scope.Collection,
		FaceCount:  len(p.records),
		Dim:        p.dim,
		References: len(p.refs),
		SavedAt:    now,
		Version:    envelopeVersion,
	}
	return buf.Bytes(), meta, nil
}

// decodePartition rebuilds a partition from its envelope. Any inconsistency
// between vectors and metadata is an error; a stale or unreadable graph is
// rebuilt from the records instead.
func decodePartition(scope Scope, data []byte, params graphParams) (*partition, error) {
	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version %d", env.Version)
	}
	if env.Tenant != scope.Tenant || env.Collection != scope.Collection {
		return nil, fmt.Errorf("envelope belongs to %s/%s", env.Tenant, env.Collection)
	}

	p := newPartition(scope, params)
	p.dim = env.Dim
	p.records = env.Records
	for i := range p.records {
		rec := &p.records[i]
		if rec.Seq != int64(i) {
			return nil, fmt.Errorf("record %d has sequence %d", i, rec.Seq)
		}
		if len(rec.Vector) != env.Dim || env.Dim == 0 {
			return nil, fmt.Errorf("record %d has dimension %d, partition has %d", i, len(rec.Vector), env.Dim)
		}
		if rec.SourceReference == "" {
			return nil, fmt.Errorf("record %d has no source reference", i)
		}
		if _, dup := p.byRef[rec.SourceReference]; dup {
			return nil, fmt.Errorf("duplicate source reference %q", rec.SourceReference)
		}
		p.byRef[rec.SourceReference] = i
	}
	for id, name := range env.References {
		p.refs[id] = name
	}

	if len(p.records) > 0 {
		g := p.newGraph()
		if len(env.Graph) > 0 && g.Import(bytes.NewReader(env.Graph)) == nil && g.Len() == len(p.records) {
			g.Distance = hnsw.CosineDistance
			p.graph = g
		} else {
			p.rebuildGraph()
		}
	}
	return p, nil
}
