// Package vectorindex implements a persistent approximate nearest
// neighbor index over event centroid embeddings, backed by an in-memory
// HNSW graph (github.com/coder/hnsw) with atomic dual-file persistence:
// a binary snapshot of the raw vectors plus a JSON metadata sidecar,
// protected across processes by a file lock.
package vectorindex

import (
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/coder/hnsw"
	"github.com/gofrs/flock"

	"briefly/internal/core"
	"briefly/internal/logger"
)

// Config carries the HNSW tuning parameters and the on-disk paths, all
// sourced from internal/config's Events block.
type Config struct {
	Dimension      int
	MaxElements    int
	M              int
	EfConstruction int
	EfSearch       int

	DataPath string // binary vector snapshot
	MetaPath string // JSON metadata sidecar
	LockPath string // cross-process write lock
}

// SnapshotSource loads the full set of current event centroids, used to
// (re)build the graph from scratch. It is the narrow slice of the event
// repository this package depends on, defined here rather than imported
// from internal/eventstore to avoid a package cycle.
type SnapshotSource interface {
	FetchIndexSnapshots(ctx context.Context) ([]core.CentroidSnapshot, error)
}

// Candidate is a single nearest-neighbor hit.
type Candidate struct {
	EventID    string
	Similarity float64
}

type metadata struct {
	Dimension      int       `json:"dimension"`
	MaxElements    int       `json:"max_elements"`
	M              int       `json:"m"`
	EfConstruction int       `json:"ef_construction"`
	EfSearch       int       `json:"ef_search"`
	LabelCount     int       `json:"label_count"`
	SavedAt        time.Time `json:"saved_at"`
}

// dimensionMismatchError marks a load failure that must never be
// silently papered over by a rebuild: an on-disk index built against a
// different embedding model would otherwise be served as if it still
// matched.
type dimensionMismatchError struct {
	onDisk     int
	configured int
}

func (e *dimensionMismatchError) Error() string {
	return fmt.Sprintf("vectorindex: fatal dimension mismatch: index has %d, configured %d", e.onDisk, e.configured)
}

type vectorRecord struct {
	EventID       string
	Vector        []float64
	LastUpdatedAt time.Time
}

// Index is a mutex-serialized, persistent ANN index. All exported
// methods are safe for concurrent use;
// the entire operation (including the rebuild path) is guarded by a
// single mutex, matching the original's asyncio.Lock-per-call
// granularity rather than fine-grained per-shard locking.
type Index struct {
	mu sync.Mutex

	cfg   Config
	graph *hnsw.Graph[string]

	vectors    map[string][]float64
	timestamps map[string]time.Time

	maxElements int
	ready       bool
}

// New constructs an Index. It does not touch disk until EnsureReady is
// called.
func New(cfg Config) *Index {
	return &Index{
		cfg:         cfg,
		vectors:     make(map[string][]float64),
		timestamps: make(map[string]time.Time),
		maxElements: cfg.MaxElements,
	}
}

func (idx *Index) newGraph() *hnsw.Graph[string] {
	g := hnsw.NewGraph[string]()
	g.M = idx.cfg.M
	g.EfSearch = idx.cfg.EfSearch
	g.Distance = hnsw.CosineDistance
	return g
}

// EnsureReady loads the index from disk if a valid snapshot exists,
// otherwise rebuilds it from source. It is idempotent: a second call
// after the index is already ready is a cheap no-op, matching the
// original's ensure_ready contract.
func (idx *Index) EnsureReady(ctx context.Context, source SnapshotSource) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.ready {
		return nil
	}
	err := idx.loadLocked()
	if err == nil {
		idx.ready = true
		return nil
	}
	if _, fatal := err.(*dimensionMismatchError); fatal {
		return err
	}
	return idx.rebuildLocked(ctx, source)
}

// Rebuild discards the current graph and reconstructs it from source,
// then persists the result. Used both for first-build and for
// maintenance-triggered drift repair.
func (idx *Index) Rebuild(ctx context.Context, source SnapshotSource) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.rebuildLocked(ctx, source)
}

func (idx *Index) rebuildLocked(ctx context.Context, source SnapshotSource) error {
	snapshots, err := source.FetchIndexSnapshots(ctx)
	if err != nil {
		return fmt.Errorf("vectorindex: fetch snapshots: %w", err)
	}

	graph := idx.newGraph()
	vectors := make(map[string][]float64, len(snapshots))
	timestamps := make(map[string]time.Time, len(snapshots))

	for _, snap := range snapshots {
		if snap.Archived || len(snap.Centroid) == 0 {
			continue
		}
		vec := validated(snap.Centroid, idx.cfg.Dimension)
		if vec == nil {
			continue
		}
		graph.Add(hnsw.MakeNode(snap.EventID, hnsw.Vector(vec)))
		vectors[snap.EventID] = vec
		timestamps[snap.EventID] = snap.LastUpdatedAt
	}

	idx.graph = graph
	idx.vectors = vectors
	idx.timestamps = timestamps
	idx.ensureCapacityLocked(len(vectors))
	idx.ready = true

	logger.Info("vector index rebuilt", "indexed_count", len(vectors), "skipped_count", len(snapshots)-len(vectors), "max_elements", idx.maxElements)
	return idx.persistLocked()
}

// Upsert inserts or replaces the vector for eventID. The HNSW graph has
// no native "replace" primitive, so this deletes any existing node for
// the key before re-adding, matching the original's mark-deleted +
// re-add-with-replace strategy.
func (idx *Index) Upsert(ctx context.Context, eventID string, vector []float64, lastUpdatedAt time.Time) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	vec := validated(vector, idx.cfg.Dimension)
	if vec == nil {
		return fmt.Errorf("vectorindex: vector dimension mismatch for event %s", eventID)
	}
	if idx.graph == nil {
		idx.graph = idx.newGraph()
	}
	if _, exists := idx.vectors[eventID]; exists {
		idx.graph.Delete(eventID)
	}
	idx.ensureCapacityLocked(len(idx.vectors) + 1)
	idx.graph.Add(hnsw.MakeNode(eventID, hnsw.Vector(vec)))
	idx.vectors[eventID] = vec
	idx.timestamps[eventID] = lastUpdatedAt

	logger.Debug("vector index upsert", "event_id", eventID, "indexed_count", len(idx.vectors))
	return idx.persistLocked()
}

// Remove deletes eventID from the index, if present. Removing an
// absent key is not an error: archival and drift repair both call
// Remove speculatively.
func (idx *Index) Remove(ctx context.Context, eventID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.graph == nil {
		return nil
	}
	idx.graph.Delete(eventID)
	delete(idx.vectors, eventID)
	delete(idx.timestamps, eventID)

	logger.Debug("vector index remove", "event_id", eventID, "indexed_count", len(idx.vectors))
	return idx.persistLocked()
}

// IndexedIDs returns every event id currently present in the graph,
// used by the maintenance service to detect drift against the
// repository's own event set.
func (idx *Index) IndexedIDs(ctx context.Context) ([]string, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	ids := make([]string, 0, len(idx.vectors))
	for id := range idx.vectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Query returns up to topK candidates nearest to vector, restricted to
// events whose LastUpdatedAt is at or after recencyCutoff (a zero
// cutoff disables the filter). It over-fetches 3x topK from the graph
// before applying the recency filter and trimming, since the graph
// itself has no notion of recency.
func (idx *Index) Query(ctx context.Context, vector []float64, topK int, recencyCutoff time.Time) ([]Candidate, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.graph == nil || topK <= 0 {
		return nil, nil
	}
	vec := validated(vector, idx.cfg.Dimension)
	if vec == nil {
		return nil, fmt.Errorf("vectorindex: query vector dimension mismatch")
	}

	fetch := topK * 3
	if fetch > len(idx.vectors) {
		fetch = len(idx.vectors)
	}
	if fetch == 0 {
		return nil, nil
	}

	nodes := idx.graph.Search(hnsw.Vector(vec), fetch)

	candidates := make([]Candidate, 0, len(nodes))
	for _, n := range nodes {
		if !recencyCutoff.IsZero() {
			ts, ok := idx.timestamps[n.Key]
			if !ok || ts.Before(recencyCutoff) {
				continue
			}
		}
		sim := cosineSimilarityFromDistance(vec, idx.vectors[n.Key])
		candidates = append(candidates, Candidate{EventID: n.Key, Similarity: sim})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Similarity > candidates[j].Similarity })
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return candidates, nil
}

func (idx *Index) ensureCapacityLocked(required int) {
	if required <= idx.maxElements {
		return
	}
	previous := idx.maxElements
	grown := int(float64(idx.maxElements) * 1.5)
	if grown < required {
		grown = required
	}
	idx.maxElements = grown
	logger.Info("vector index capacity grown", "previous_max_elements", previous, "new_max_elements", grown)
}

func validated(vector []float64, dimension int) []float64 {
	if dimension <= 0 || len(vector) != dimension {
		return nil
	}
	out := make([]float64, dimension)
	copy(out, vector)
	return out
}

func cosineSimilarityFromDistance(a, b []float64) float64 {
	var dot, magA, magB float64
	for i := range a {
		dot += a[i] * b[i]
		magA += a[i] * a[i]
		magB += b[i] * b[i]
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(magA) * math.Sqrt(magB))
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}

// loadLocked reads the binary snapshot + JSON metadata from disk and
// rebuilds the in-memory graph by replaying adds. A dimension mismatch
// between the sidecar metadata and the configured dimension is a fatal
// load error, matching the original's behavior: a stale index from a
// different embedding model must never be served silently.
func (idx *Index) loadLocked() error {
	if idx.cfg.DataPath == "" || idx.cfg.MetaPath == "" {
		return fmt.Errorf("vectorindex: no persistence paths configured")
	}
	metaBytes, err := os.ReadFile(idx.cfg.MetaPath)
	if err != nil {
		return err
	}
	var meta metadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return fmt.Errorf("vectorindex: corrupt metadata: %w", err)
	}
	if meta.Dimension != idx.cfg.Dimension {
		return &dimensionMismatchError{onDisk: meta.Dimension, configured: idx.cfg.Dimension}
	}

	dataFile, err := os.Open(idx.cfg.DataPath)
	if err != nil {
		return err
	}
	defer dataFile.Close()

	var records []vectorRecord
	if err := gob.NewDecoder(dataFile).Decode(&records); err != nil {
		return fmt.Errorf("vectorindex: corrupt snapshot: %w", err)
	}

	graph := idx.newGraph()
	vectors := make(map[string][]float64, len(records))
	timestamps := make(map[string]time.Time, len(records))
	for _, rec := range records {
		vec := validated(rec.Vector, idx.cfg.Dimension)
		if vec == nil {
			continue
		}
		graph.Add(hnsw.MakeNode(rec.EventID, hnsw.Vector(vec)))
		vectors[rec.EventID] = vec
		timestamps[rec.EventID] = rec.LastUpdatedAt
	}

	idx.graph = graph
	idx.vectors = vectors
	idx.timestamps = timestamps
	if meta.MaxElements > idx.maxElements {
		idx.maxElements = meta.MaxElements
	}
	return nil
}

// persistLocked writes the current graph state atomically: data file
// and metadata sidecar are each written to a temp file and renamed into
// place, under a cross-process file lock so a concurrent writer in
// another process can't interleave with this one.
func (idx *Index) persistLocked() error {
	if idx.cfg.DataPath == "" {
		return nil // persistence not configured, e.g. in tests
	}

	if idx.cfg.LockPath != "" {
		fl := flock.New(idx.cfg.LockPath)
		locked, err := fl.TryLock()
		if err != nil {
			return fmt.Errorf("vectorindex: acquire file lock: %w", err)
		}
		if !locked {
			return fmt.Errorf("vectorindex: index file locked by another process")
		}
		defer fl.Unlock()
	}

	records := make([]vectorRecord, 0, len(idx.vectors))
	for id, vec := range idx.vectors {
		records = append(records, vectorRecord{EventID: id, Vector: vec, LastUpdatedAt: idx.timestamps[id]})
	}

	if err := writeAtomicGob(idx.cfg.DataPath, records); err != nil {
		return fmt.Errorf("vectorindex: persist data: %w", err)
	}

	meta := metadata{
		Dimension:      idx.cfg.Dimension,
		MaxElements:    idx.maxElements,
		M:              idx.cfg.M,
		EfConstruction: idx.cfg.EfConstruction,
		EfSearch:       idx.cfg.EfSearch,
		LabelCount:     len(records),
		SavedAt:        time.Now(),
	}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("vectorindex: marshal metadata: %w", err)
	}
	if err := writeAtomic(idx.cfg.MetaPath, metaBytes); err != nil {
		return fmt.Errorf("vectorindex: persist metadata: %w", err)
	}
	return nil
}

func writeAtomicGob(path string, records []vectorRecord) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".vectorindex-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(records); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".vectorindex-meta-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
