// Package maintenance implements the periodic upkeep job: full centroid
// recompute from every event's current members, stale-event archival,
// and vector index drift reconciliation.
// Unlike the assignment coordinator's incremental running-mean update,
// this always recomputes from scratch, so it is safe to run even if an
// earlier incremental update drifted from the true mean.
package maintenance

import (
	"context"
	"fmt"
	"sort"
	"time"

	"briefly/internal/core"
	"briefly/internal/eventstore"
	"briefly/internal/logger"
	"briefly/internal/vectorindex"
)

// VectorIndex is the narrow slice of *vectorindex.Index the maintenance
// service depends on, mirroring the assignment package's pattern so a
// fake can stand in during tests without touching disk.
type VectorIndex interface {
	EnsureReady(ctx context.Context, source vectorindex.SnapshotSource) error
	IndexedIDs(ctx context.Context) ([]string, error)
	Upsert(ctx context.Context, eventID string, vector []float64, lastUpdatedAt time.Time) error
	Remove(ctx context.Context, eventID string) error
	Rebuild(ctx context.Context, source vectorindex.SnapshotSource) error
}

// Config carries the maintenance-time tunables, sourced from
// internal/config's Events block.
type Config struct {
	RetentionDays    float64
	ReconcileOnDrift bool
}

// Service runs the periodic maintenance job.
type Service struct {
	repo  eventstore.Repository
	index VectorIndex
	cfg   Config
	now   func() time.Time
}

// New constructs a Service.
func New(repo eventstore.Repository, index VectorIndex, cfg Config) *Service {
	return &Service{repo: repo, index: index, cfg: cfg, now: time.Now}
}

// recomputed is the per-event outcome of step 3, carried between the
// recompute pass and the upsert/removal pass so the vector index work
// happens only after the repository transaction has committed.
type recomputed struct {
	eventID       string
	centroid      []float64
	hasCentroid   bool
	lastUpdatedAt time.Time
}

// Run executes one full maintenance pass and returns its stats. It is
// idempotent: running it twice in a row with no new articles yields no
// further changes beyond floating-point recomputation jitter.
func (s *Service) Run(ctx context.Context) (core.MaintenanceStats, error) {
	var stats core.MaintenanceStats

	if err := s.index.EnsureReady(ctx, s.repo); err != nil {
		return stats, fmt.Errorf("maintenance: ensure index ready: %w", err)
	}

	bundles, err := s.repo.LoadAllActiveEventBundles(ctx)
	if err != nil {
		return stats, fmt.Errorf("maintenance: load active event bundles: %w", err)
	}
	sort.Slice(bundles, func(i, j int) bool { return bundles[i].Event.ID < bundles[j].Event.ID })
	stats.EventsProcessed = len(bundles)

	retention := time.Duration(s.cfg.RetentionDays * float64(24*time.Hour))
	cutoff := s.now().Add(-retention)

	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		return stats, fmt.Errorf("maintenance: begin tx: %w", err)
	}

	var pending []recomputed
	var archiveIDs []string

	for _, bundle := range bundles {
		event := bundle.Event
		lastUpdatedAt := event.LastUpdatedAt

		if len(bundle.Articles) > 0 {
			centroid, tfidf, entities, firstSeen, lastSeen := recompute(bundle.Articles)
			if err := tx.ReplaceCentroid(ctx, event.ID, centroid, tfidf, entities, len(bundle.Articles), firstSeen, lastSeen); err != nil {
				tx.Rollback()
				return stats, fmt.Errorf("maintenance: replace centroid for %s: %w", event.ID, err)
			}
			stats.EventsRecomputed++
			lastUpdatedAt = lastSeen
			pending = append(pending, recomputed{eventID: event.ID, centroid: centroid, hasCentroid: len(centroid) > 0, lastUpdatedAt: lastSeen})
		} else {
			pending = append(pending, recomputed{eventID: event.ID, centroid: event.CentroidEmbedding, hasCentroid: event.HasCentroid(), lastUpdatedAt: lastUpdatedAt})
		}

		if retention > 0 && lastUpdatedAt.Before(cutoff) {
			archiveIDs = append(archiveIDs, event.ID)
		}
	}

	if len(archiveIDs) > 0 {
		if err := tx.ArchiveEvents(ctx, archiveIDs, s.now()); err != nil {
			tx.Rollback()
			return stats, fmt.Errorf("maintenance: archive stale events: %w", err)
		}
		stats.EventsArchived = len(archiveIDs)
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("maintenance: commit: %w", err)
	}

	archived := make(map[string]struct{}, len(archiveIDs))
	for _, id := range archiveIDs {
		archived[id] = struct{}{}
	}

	for _, p := range pending {
		if _, isArchived := archived[p.eventID]; isArchived || !p.hasCentroid {
			if err := s.index.Remove(ctx, p.eventID); err != nil {
				logger.Error("maintenance: failed to remove event from vector index", err, "event_id", p.eventID)
			} else {
				stats.VectorRemovals++
			}
			continue
		}
		if err := s.index.Upsert(ctx, p.eventID, p.centroid, p.lastUpdatedAt); err != nil {
			logger.Error("maintenance: failed to upsert event into vector index", err, "event_id", p.eventID)
			continue
		}
		stats.VectorUpserts++
	}

	rebuilt, err := s.reconcileDrift(ctx)
	if err != nil {
		return stats, err
	}
	stats.IndexRebuilt = rebuilt

	return stats, nil
}

// reconcileDrift compares the repository's current set of
// centroid-bearing, non-archived events against what the vector index
// actually holds. Any asymmetry is drift; when the policy flag is on, a
// full rebuild from the repository resolves it.
func (s *Service) reconcileDrift(ctx context.Context) (bool, error) {
	snapshots, err := s.repo.FetchIndexSnapshots(ctx)
	if err != nil {
		return false, fmt.Errorf("maintenance: fetch index snapshots: %w", err)
	}
	expected := make(map[string]struct{})
	for _, snap := range snapshots {
		if snap.Archived || len(snap.Centroid) == 0 {
			continue
		}
		expected[snap.EventID] = struct{}{}
	}

	indexedIDs, err := s.index.IndexedIDs(ctx)
	if err != nil {
		return false, fmt.Errorf("maintenance: list indexed ids: %w", err)
	}
	indexed := make(map[string]struct{}, len(indexedIDs))
	for _, id := range indexedIDs {
		indexed[id] = struct{}{}
	}

	drift := len(expected) != len(indexed)
	if !drift {
		for id := range expected {
			if _, ok := indexed[id]; !ok {
				drift = true
				break
			}
		}
	}
	if !drift {
		return false, nil
	}

	logger.Warn("vector index drift detected", "expected_count", len(expected), "indexed_count", len(indexed), "will_rebuild", s.cfg.ReconcileOnDrift)
	if !s.cfg.ReconcileOnDrift {
		return false, nil
	}
	if err := s.index.Rebuild(ctx, s.repo); err != nil {
		return false, fmt.Errorf("maintenance: rebuild index: %w", err)
	}
	return true, nil
}

// recompute folds every member article into a true-mean centroid,
// merged entity set, and first/last-seen bounds, matching the full
// recompute this job requires (as opposed to the assignment
// coordinator's incremental append-time update).
func recompute(articles []core.Article) (centroid []float64, tfidf map[string]float64, entities []core.Entity, firstSeen, lastSeen time.Time) {
	embeddings := make([][]float64, 0, len(articles))
	tfidfs := make([]map[string]float64, 0, len(articles))

	for i, a := range articles {
		embeddings = append(embeddings, a.Embedding)
		tfidfs = append(tfidfs, a.TFIDF)
		entities = eventstore.MergeEntities(entities, a.Entities)

		ref := a.ReferenceTime()
		if i == 0 || ref.Before(firstSeen) {
			firstSeen = ref
		}
		if i == 0 || ref.After(lastSeen) {
			lastSeen = ref
		}
	}

	centroid = eventstore.AverageEmbeddingFull(embeddings)
	tfidf = eventstore.AverageTFIDFFull(tfidfs)
	return centroid, tfidf, entities, firstSeen, lastSeen
}
