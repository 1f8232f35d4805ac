package vectorindex

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"briefly/internal/core"
)

type fakeSource struct {
	snapshots []core.CentroidSnapshot
}

func (f fakeSource) FetchIndexSnapshots(ctx context.Context) ([]core.CentroidSnapshot, error) {
	return f.snapshots, nil
}

func testConfig(t *testing.T) Config {
	dir := t.TempDir()
	return Config{
		Dimension:      3,
		MaxElements:    100,
		M:              16,
		EfConstruction: 200,
		EfSearch:       50,
		DataPath:       filepath.Join(dir, "index.bin"),
		MetaPath:       filepath.Join(dir, "index.json"),
		LockPath:       filepath.Join(dir, "index.lock"),
	}
}

func TestEnsureReadyBuildsFromSourceWhenNoSnapshotExists(t *testing.T) {
	idx := New(testConfig(t))
	src := fakeSource{snapshots: []core.CentroidSnapshot{
		{EventID: "e1", Centroid: []float64{1, 0, 0}, LastUpdatedAt: time.Now()},
		{EventID: "e2", Centroid: []float64{0, 1, 0}, LastUpdatedAt: time.Now()},
	}}
	if err := idx.EnsureReady(context.Background(), src); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	ids, err := idx.IndexedIDs(context.Background())
	if err != nil {
		t.Fatalf("IndexedIDs: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 indexed ids, got %d: %v", len(ids), ids)
	}
}

func TestEnsureReadyIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	idx := New(cfg)
	src := fakeSource{snapshots: []core.CentroidSnapshot{
		{EventID: "e1", Centroid: []float64{1, 0, 0}, LastUpdatedAt: time.Now()},
	}}
	if err := idx.EnsureReady(context.Background(), src); err != nil {
		t.Fatalf("first EnsureReady: %v", err)
	}
	// Second call should be a no-op even if the source would now return
	// different data.
	src.snapshots = append(src.snapshots, core.CentroidSnapshot{EventID: "e2", Centroid: []float64{0, 1, 0}, LastUpdatedAt: time.Now()})
	if err := idx.EnsureReady(context.Background(), src); err != nil {
		t.Fatalf("second EnsureReady: %v", err)
	}
	ids, _ := idx.IndexedIDs(context.Background())
	if len(ids) != 1 {
		t.Fatalf("expected EnsureReady to be a no-op once ready, got %d ids", len(ids))
	}
}

func TestUpsertReplacesExistingVector(t *testing.T) {
	idx := New(testConfig(t))
	ctx := context.Background()
	if err := idx.Upsert(ctx, "e1", []float64{1, 0, 0}, time.Now()); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := idx.Upsert(ctx, "e1", []float64{0, 1, 0}, time.Now()); err != nil {
		t.Fatalf("Upsert replace: %v", err)
	}
	ids, _ := idx.IndexedIDs(ctx)
	if len(ids) != 1 {
		t.Fatalf("expected a single id after replace-upsert, got %v", ids)
	}
}

func TestUpsertRejectsWrongDimension(t *testing.T) {
	idx := New(testConfig(t))
	err := idx.Upsert(context.Background(), "e1", []float64{1, 0}, time.Now())
	if err == nil {
		t.Fatalf("expected dimension mismatch error")
	}
}

func TestRemoveIsIdempotentForAbsentKey(t *testing.T) {
	idx := New(testConfig(t))
	if err := idx.Remove(context.Background(), "missing"); err != nil {
		t.Fatalf("Remove on empty index should not error: %v", err)
	}
}

func TestQueryFiltersByRecencyCutoff(t *testing.T) {
	idx := New(testConfig(t))
	ctx := context.Background()
	now := time.Now()
	if err := idx.Upsert(ctx, "old", []float64{1, 0, 0}, now.Add(-100*time.Hour)); err != nil {
		t.Fatalf("Upsert old: %v", err)
	}
	if err := idx.Upsert(ctx, "new", []float64{1, 0, 0}, now); err != nil {
		t.Fatalf("Upsert new: %v", err)
	}

	candidates, err := idx.Query(ctx, []float64{1, 0, 0}, 5, now.Add(-1*time.Hour))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	for _, c := range candidates {
		if c.EventID == "old" {
			t.Fatalf("expected stale candidate to be filtered out by recency cutoff")
		}
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	idx := New(cfg)
	src := fakeSource{snapshots: []core.CentroidSnapshot{
		{EventID: "e1", Centroid: []float64{1, 0, 0}, LastUpdatedAt: time.Now()},
	}}
	if err := idx.EnsureReady(ctx, src); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}

	reloaded := New(cfg)
	if err := reloaded.EnsureReady(ctx, fakeSource{}); err != nil {
		t.Fatalf("EnsureReady on reload: %v", err)
	}
	ids, _ := reloaded.IndexedIDs(ctx)
	if len(ids) != 1 || ids[0] != "e1" {
		t.Fatalf("expected reloaded index to carry over persisted state, got %v", ids)
	}
}

func TestEnsureReadyFatalOnDimensionMismatch(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	idx := New(cfg)
	if err := idx.EnsureReady(ctx, fakeSource{snapshots: []core.CentroidSnapshot{
		{EventID: "e1", Centroid: []float64{1, 0, 0}, LastUpdatedAt: time.Now()},
	}}); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}

	mismatched := cfg
	mismatched.Dimension = 8
	reloaded := New(mismatched)
	err := reloaded.EnsureReady(ctx, fakeSource{})
	if err == nil {
		t.Fatalf("expected a dimension mismatch to surface as an error on load")
	}
}
