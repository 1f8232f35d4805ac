package assignment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"briefly/internal/arbiter"
	"briefly/internal/core"
	"briefly/internal/eventstore"
	"briefly/internal/scoring"
	"briefly/internal/vectorindex"
)

// fakeRepo implements eventstore.Repository entirely in memory, in the
// teacher's func-field mock style where every method has a sane
// default and tests only override what they need.
type fakeRepo struct {
	events map[string]core.Event

	CreateEventSkeletonFunc func(ctx context.Context, article core.Article) (core.Event, error)
}

func newFakeRepo() *fakeRepo { return &fakeRepo{events: map[string]core.Event{}} }

func (f *fakeRepo) FetchIndexSnapshots(ctx context.Context) ([]core.CentroidSnapshot, error) {
	var out []core.CentroidSnapshot
	for _, e := range f.events {
		out = append(out, core.CentroidSnapshot{EventID: e.ID, Centroid: e.CentroidEmbedding, LastUpdatedAt: e.LastUpdatedAt, Archived: e.Archived()})
	}
	return out, nil
}

func (f *fakeRepo) GetEventsByIDs(ctx context.Context, ids []string) ([]core.Event, error) {
	var out []core.Event
	for _, id := range ids {
		if e, ok := f.events[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeRepo) LoadActiveEventsWithArticles(ctx context.Context, ids []string) (map[string]eventstore.EventBundle, error) {
	out := make(map[string]eventstore.EventBundle)
	for _, id := range ids {
		if e, ok := f.events[id]; ok && !e.Archived() {
			out[id] = eventstore.EventBundle{Event: e}
		}
	}
	return out, nil
}

func (f *fakeRepo) LoadAllActiveEventBundles(ctx context.Context) ([]eventstore.EventBundle, error) {
	var out []eventstore.EventBundle
	for _, e := range f.events {
		if !e.Archived() {
			out = append(out, eventstore.EventBundle{Event: e})
		}
	}
	return out, nil
}

func (f *fakeRepo) CreateEventSkeleton(ctx context.Context, article core.Article) (core.Event, error) {
	if f.CreateEventSkeletonFunc != nil {
		return f.CreateEventSkeletonFunc(ctx, article)
	}
	id := "evt-" + article.ID
	ev := core.Event{ID: id, Slug: id, Title: article.Title, EventType: article.EventType, FirstSeenAt: article.ReferenceTime(), LastUpdatedAt: article.ReferenceTime()}
	f.events[id] = ev
	return ev, nil
}

func (f *fakeRepo) AppendArticleToEvent(ctx context.Context, eventID string, article core.Article, link core.EventArticleLink) (core.Event, error) {
	ev := f.events[eventID]
	ev.CentroidEmbedding = article.Embedding
	ev.CentroidTFIDF = article.TFIDF
	ev.Entities = article.Entities
	ev.ArticleCount++
	ev.LastUpdatedAt = article.ReferenceTime()
	f.events[eventID] = ev
	return ev, nil
}

func (f *fakeRepo) ReplaceCentroid(ctx context.Context, eventID string, centroid []float64, tfidf map[string]float64, entities []core.Entity, articleCount int, firstSeenAt, lastUpdatedAt time.Time) error {
	ev := f.events[eventID]
	ev.CentroidEmbedding = centroid
	ev.CentroidTFIDF = tfidf
	ev.Entities = entities
	ev.ArticleCount = articleCount
	ev.FirstSeenAt = firstSeenAt
	ev.LastUpdatedAt = lastUpdatedAt
	f.events[eventID] = ev
	return nil
}

func (f *fakeRepo) ArchiveEvents(ctx context.Context, eventIDs []string, archivedAt time.Time) error {
	for _, id := range eventIDs {
		ev := f.events[id]
		ev.ArchivedAt = &archivedAt
		f.events[id] = ev
	}
	return nil
}

func (f *fakeRepo) BeginTx(ctx context.Context) (eventstore.Tx, error) {
	return &fakeTx{fakeRepo: f}, nil
}

type fakeTx struct {
	*fakeRepo
}

func (t *fakeTx) Commit() error   { return nil }
func (t *fakeTx) Rollback() error { return nil }

// fakeIndex implements the assignment.VectorIndex interface over an
// in-memory map, so tests never touch the HNSW graph or disk.
type fakeIndex struct {
	vectors map[string][]float64
	QueryErr error
}

func newFakeIndex() *fakeIndex { return &fakeIndex{vectors: map[string][]float64{}} }

func (f *fakeIndex) EnsureReady(ctx context.Context, source vectorindex.SnapshotSource) error {
	return nil
}

func (f *fakeIndex) Query(ctx context.Context, vector []float64, topK int, recencyCutoff time.Time) ([]vectorindex.Candidate, error) {
	if f.QueryErr != nil {
		return nil, f.QueryErr
	}
	var out []vectorindex.Candidate
	for id := range f.vectors {
		out = append(out, vectorindex.Candidate{EventID: id, Similarity: 1.0})
	}
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (f *fakeIndex) Upsert(ctx context.Context, eventID string, vector []float64, lastUpdatedAt time.Time) error {
	f.vectors[eventID] = vector
	return nil
}

func testConfig() Config {
	return Config{
		Scoring:                    testScoringParams(),
		CandidateTopK:              5,
		RecencyWindow:              0,
		ScoreThreshold:             0.75,
		CrossTypeMinScore:          0.70,
		CrimeMaxDaysApart:          2,
		CrimeMinEntityOverlapFloor: 0.50,
	}
}

func testScoringParams() scoring.Params {
	return scoring.Params{
		EmbeddingWeight: 0.5, TFIDFWeight: 0.3, EntityWeight: 0.2,
		HalfLifeHours: 48,
		EntityPenaltyLowThreshold: 0.20, EntityPenaltyLowFactor: 0.90,
		EntityPenaltyVeryLowThreshold: 0.10, EntityPenaltyVeryLowFactor: 0.80,
		LocationBoost: 0.10, DateBoost: 0.05,
		PersonEntityWeight: 0.50, LocationEntityWeight: 0.30, GeneralEntityWeight: 0.20,
	}
}

func TestCorrelationIDRoundTripsThroughContext(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "corr-123")
	if got := correlationIDFromContext(ctx); got != "corr-123" {
		t.Fatalf("expected correlation id to round-trip, got %q", got)
	}
	if got := correlationIDFromContext(context.Background()); got != "" {
		t.Fatalf("expected no correlation id on a bare context, got %q", got)
	}
}

func TestAssignSkipsArticleWithoutEmbedding(t *testing.T) {
	repo := newFakeRepo()
	idx := newFakeIndex()
	c := New(repo, idx, nil, nil, testConfig())

	result, err := c.Assign(context.Background(), core.Article{ID: "a1"})
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if result.Outcome != core.AssignmentSkipped {
		t.Fatalf("expected skip for article with no embedding, got %v", result.Outcome)
	}
}

func TestAssignSeedsWhenIndexEmpty(t *testing.T) {
	repo := newFakeRepo()
	idx := newFakeIndex()
	c := New(repo, idx, nil, nil, testConfig())

	article := core.Article{ID: "a1", Title: "Kabinet valt", Embedding: []float64{1, 0, 0}, EventType: core.EventTypePolitics, FetchedAt: time.Now()}
	result, err := c.Assign(context.Background(), article)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if result.Outcome != core.AssignmentSeeded {
		t.Fatalf("expected a seed with no existing events, got %v", result.Outcome)
	}
}

func TestAssignSeedsWhenIndexQueryFails(t *testing.T) {
	repo := newFakeRepo()
	repo.events["evt-1"] = core.Event{ID: "evt-1", EventType: core.EventTypePolitics, CentroidEmbedding: []float64{1, 0, 0}}
	idx := newFakeIndex()
	idx.vectors["evt-1"] = []float64{1, 0, 0}
	idx.QueryErr = errors.New("index unavailable")

	c := New(repo, idx, nil, nil, testConfig())
	article := core.Article{ID: "a1", Title: "Kabinet valt", Embedding: []float64{1, 0, 0}, EventType: core.EventTypePolitics, FetchedAt: time.Now()}

	result, err := c.Assign(context.Background(), article)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if result.Outcome != core.AssignmentSeeded {
		t.Fatalf("expected a vector index query failure to fall back to seeding, got %+v", result)
	}
}

func TestAssignLinksHighSimilarityCandidate(t *testing.T) {
	repo := newFakeRepo()
	now := time.Now()
	sharedEntities := []core.Entity{{Text: "Mark Rutte", Label: "PERSON"}}
	sharedTFIDF := map[string]float64{"kabinet": 1.0, "val": 0.5}
	repo.events["evt-1"] = core.Event{
		ID: "evt-1", EventType: core.EventTypePolitics,
		CentroidEmbedding: []float64{1, 0, 0}, CentroidTFIDF: sharedTFIDF, Entities: sharedEntities,
		LastUpdatedAt: now, FirstSeenAt: now,
	}
	idx := newFakeIndex()
	idx.vectors["evt-1"] = []float64{1, 0, 0}

	c := New(repo, idx, nil, nil, testConfig())
	article := core.Article{
		ID: "a1", Title: "Kabinet blijft aan", Embedding: []float64{1, 0, 0}, TFIDF: sharedTFIDF,
		Entities: sharedEntities, EventType: core.EventTypePolitics, FetchedAt: now,
	}

	result, err := c.Assign(context.Background(), article)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if result.Outcome != core.AssignmentLinked || result.EventID != "evt-1" {
		t.Fatalf("expected a link to evt-1, got %+v", result)
	}
}

func TestAssignSeedsBelowThreshold(t *testing.T) {
	repo := newFakeRepo()
	now := time.Now()
	repo.events["evt-1"] = core.Event{
		ID: "evt-1", EventType: core.EventTypePolitics,
		CentroidEmbedding: []float64{1, 0, 0}, LastUpdatedAt: now, FirstSeenAt: now,
	}
	idx := newFakeIndex()
	idx.vectors["evt-1"] = []float64{1, 0, 0}

	c := New(repo, idx, nil, nil, testConfig())
	// Orthogonal embedding: near-zero similarity, should seed instead of link.
	article := core.Article{ID: "a1", Title: "Ander onderwerp", Embedding: []float64{0, 1, 0}, EventType: core.EventTypePolitics, FetchedAt: now}

	result, err := c.Assign(context.Background(), article)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if result.Outcome != core.AssignmentSeeded {
		t.Fatalf("expected seed for a dissimilar article, got %+v", result)
	}
}

func TestAssignDropsCrimeCandidateWithoutEventLocationsAndNoEntityOverlap(t *testing.T) {
	repo := newFakeRepo()
	now := time.Now()
	repo.events["evt-1"] = core.Event{
		ID: "evt-1", EventType: core.EventTypeCrime,
		CentroidEmbedding: []float64{1, 0, 0}, LastUpdatedAt: now, FirstSeenAt: now,
	}
	idx := newFakeIndex()
	idx.vectors["evt-1"] = []float64{1, 0, 0}

	c := New(repo, idx, nil, nil, testConfig())
	article := core.Article{
		ID: "a1", Title: "Steekincident", Embedding: []float64{1, 0, 0}, EventType: core.EventTypeCrime,
		ExtractedLocations: []string{"Rotterdam"}, FetchedAt: now,
	}
	// The event has no member articles (bundle.Articles is empty), so
	// it exposes no locations and the missing-locations path is
	// exercised: it requires entity overlap instead, which is zero ->
	// drop -> seed.
	result, err := c.Assign(context.Background(), article)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if result.Outcome != core.AssignmentSeeded {
		t.Fatalf("expected the crime gate to force a seed, got %+v", result)
	}
}

// fakeArbiter lets tests control arbitration without a real genai client.
type fakeArbiter struct {
	decision arbiter.Decision
	err      error
}

func (f fakeArbiter) Arbitrate(ctx context.Context, article core.Article, candidates []arbiter.Candidate) (arbiter.Decision, error) {
	return f.decision, f.err
}

func TestAssignHonorsArbiterNewEventVeto(t *testing.T) {
	repo := newFakeRepo()
	now := time.Now()
	repo.events["evt-1"] = core.Event{ID: "evt-1", EventType: core.EventTypePolitics, CentroidEmbedding: []float64{1, 0, 0}, LastUpdatedAt: now, FirstSeenAt: now}
	repo.events["evt-2"] = core.Event{ID: "evt-2", EventType: core.EventTypePolitics, CentroidEmbedding: []float64{0.9, 0.1, 0}, LastUpdatedAt: now, FirstSeenAt: now}
	idx := newFakeIndex()
	idx.vectors["evt-1"] = []float64{1, 0, 0}
	idx.vectors["evt-2"] = []float64{0.9, 0.1, 0}

	cfg := testConfig()
	cfg.LLMEnabled = true
	cfg.LLMMinScore = 0.0
	cfg.LLMTopN = 5
	arb := fakeArbiter{decision: arbiter.Decision{IsNewEvent: true}}
	c := New(repo, idx, arb, nil, cfg)

	article := core.Article{ID: "a1", Title: "Kabinet", Embedding: []float64{1, 0, 0}, EventType: core.EventTypePolitics, FetchedAt: now}
	result, err := c.Assign(context.Background(), article)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if result.Outcome != core.AssignmentSeeded {
		t.Fatalf("expected arbiter NEW_EVENT decision to force a seed even above threshold, got %+v", result)
	}
}

// TestAssignArbitratesWithSingleCandidate mirrors spec.md scenario S3:
// a single existing event and a cross-type article whose score (1.0
// here) clears both the type gate's raw-score floor and the link
// threshold. Arbitration must still be offered with only one candidate
// in play; it must not be skipped just because there's nothing to rank
// it against.
func TestAssignArbitratesWithSingleCandidate(t *testing.T) {
	repo := newFakeRepo()
	now := time.Now()
	sharedEntities := []core.Entity{{Text: "Mark Rutte", Label: "PERSON"}}
	sharedTFIDF := map[string]float64{"onderzoek": 1.0, "zaak": 0.5}
	repo.events["evt-1"] = core.Event{
		ID: "evt-1", EventType: core.EventTypePolitics,
		CentroidEmbedding: []float64{1, 0, 0}, CentroidTFIDF: sharedTFIDF, Entities: sharedEntities,
		LastUpdatedAt: now, FirstSeenAt: now,
	}
	idx := newFakeIndex()
	idx.vectors["evt-1"] = []float64{1, 0, 0}

	cfg := testConfig()
	cfg.LLMEnabled = true
	cfg.LLMMinScore = 0.0
	cfg.LLMTopN = 3
	arb := fakeArbiter{decision: arbiter.Decision{IsNewEvent: false, EventID: "evt-1"}}
	c := New(repo, idx, arb, nil, cfg)

	// crime vs politics, with shared entities and TF-IDF terms clearing
	// both the crime gate's entity-overlap floor and the cross-type
	// raw-score floor: the only existing event is still offered to the
	// arbiter, which resolves the borderline case by explicitly linking it.
	article := core.Article{
		ID: "a1", Title: "Corruptieschandaal", Embedding: []float64{1, 0, 0}, TFIDF: sharedTFIDF,
		Entities: sharedEntities, EventType: core.EventTypeCrime, FetchedAt: now,
	}
	result, err := c.Assign(context.Background(), article)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if result.Outcome != core.AssignmentLinked || result.EventID != "evt-1" {
		t.Fatalf("expected the arbiter's single-candidate EVENT_1 decision to link to evt-1, got %+v", result)
	}
}

// TestAssignArbitratesNewEventWithSingleCandidate is the other half of
// S3: the arbiter can still veto the lone candidate and force a seed.
func TestAssignArbitratesNewEventWithSingleCandidate(t *testing.T) {
	repo := newFakeRepo()
	now := time.Now()
	sharedEntities := []core.Entity{{Text: "Mark Rutte", Label: "PERSON"}}
	sharedTFIDF := map[string]float64{"onderzoek": 1.0, "zaak": 0.5}
	repo.events["evt-1"] = core.Event{
		ID: "evt-1", EventType: core.EventTypePolitics,
		CentroidEmbedding: []float64{1, 0, 0}, CentroidTFIDF: sharedTFIDF, Entities: sharedEntities,
		LastUpdatedAt: now, FirstSeenAt: now,
	}
	idx := newFakeIndex()
	idx.vectors["evt-1"] = []float64{1, 0, 0}

	cfg := testConfig()
	cfg.LLMEnabled = true
	cfg.LLMMinScore = 0.0
	cfg.LLMTopN = 3
	arb := fakeArbiter{decision: arbiter.Decision{IsNewEvent: true}}
	c := New(repo, idx, arb, nil, cfg)

	article := core.Article{
		ID: "a1", Title: "Corruptieschandaal", Embedding: []float64{1, 0, 0}, TFIDF: sharedTFIDF,
		Entities: sharedEntities, EventType: core.EventTypeCrime, FetchedAt: now,
	}
	result, err := c.Assign(context.Background(), article)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if result.Outcome != core.AssignmentSeeded {
		t.Fatalf("expected the arbiter's single-candidate NEW_EVENT decision to force a seed, got %+v", result)
	}
}

// fakeInsightScheduler records every eventID it was asked to schedule,
// so tests can assert on scheduling without a real insight generator.
type fakeInsightScheduler struct {
	mu   sync.Mutex
	seen []string
	done chan struct{}
}

func newFakeInsightScheduler() *fakeInsightScheduler {
	return &fakeInsightScheduler{done: make(chan struct{}, 16)}
}

func (f *fakeInsightScheduler) Schedule(ctx context.Context, eventID string) {
	f.mu.Lock()
	f.seen = append(f.seen, eventID)
	f.mu.Unlock()
	f.done <- struct{}{}
}

func (f *fakeInsightScheduler) waitN(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %d scheduled insight task(s)", n)
		}
	}
}

func (f *fakeInsightScheduler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

func TestAssignSchedulesInsightOnSeedWhenEnabled(t *testing.T) {
	repo := newFakeRepo()
	idx := newFakeIndex()
	scheduler := newFakeInsightScheduler()

	cfg := testConfig()
	cfg.InsightsEnabled = true
	cfg.InsightTTL = 30 * time.Minute
	cfg.InsightQueueCap = 4
	c := New(repo, idx, nil, scheduler, cfg)
	defer c.Close()

	article := core.Article{ID: "a1", Title: "Kabinet valt", Embedding: []float64{1, 0, 0}, EventType: core.EventTypePolitics, FetchedAt: time.Now()}
	result, err := c.Assign(context.Background(), article)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}

	scheduler.waitN(t, 1)
	if got := scheduler.count(); got != 1 {
		t.Fatalf("expected exactly one scheduled insight task, got %d", got)
	}
	scheduler.mu.Lock()
	gotID := scheduler.seen[0]
	scheduler.mu.Unlock()
	if gotID != result.EventID {
		t.Fatalf("expected scheduled event id %q, got %q", result.EventID, gotID)
	}
}

func TestAssignDoesNotScheduleInsightWhenDisabled(t *testing.T) {
	repo := newFakeRepo()
	idx := newFakeIndex()
	scheduler := newFakeInsightScheduler()

	cfg := testConfig()
	cfg.InsightsEnabled = false
	c := New(repo, idx, nil, scheduler, cfg)
	defer c.Close()

	article := core.Article{ID: "a1", Title: "Kabinet valt", Embedding: []float64{1, 0, 0}, EventType: core.EventTypePolitics, FetchedAt: time.Now()}
	if _, err := c.Assign(context.Background(), article); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	// Give any errant background goroutine a chance to fire before
	// asserting nothing was scheduled.
	time.Sleep(50 * time.Millisecond)
	if got := scheduler.count(); got != 0 {
		t.Fatalf("expected no scheduled insight tasks while disabled, got %d", got)
	}
}

func TestAssignSkipsInsightWithinTTL(t *testing.T) {
	repo := newFakeRepo()
	now := time.Now()
	lastInsight := now.Add(-5 * time.Minute)
	sharedEntities := []core.Entity{{Text: "Mark Rutte", Label: "PERSON"}}
	sharedTFIDF := map[string]float64{"kabinet": 1.0, "val": 0.5}
	repo.events["evt-1"] = core.Event{
		ID: "evt-1", EventType: core.EventTypePolitics,
		CentroidEmbedding: []float64{1, 0, 0}, CentroidTFIDF: sharedTFIDF, Entities: sharedEntities,
		LastUpdatedAt: now, FirstSeenAt: now,
		LastInsightAt: &lastInsight,
	}
	idx := newFakeIndex()
	idx.vectors["evt-1"] = []float64{1, 0, 0}
	scheduler := newFakeInsightScheduler()

	cfg := testConfig()
	cfg.InsightsEnabled = true
	cfg.InsightTTL = 30 * time.Minute
	c := New(repo, idx, nil, scheduler, cfg)
	defer c.Close()

	article := core.Article{
		ID: "a1", Title: "Kabinet blijft aan", Embedding: []float64{1, 0, 0}, TFIDF: sharedTFIDF,
		Entities: sharedEntities, EventType: core.EventTypePolitics, FetchedAt: now,
	}
	result, err := c.Assign(context.Background(), article)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if result.Outcome != core.AssignmentLinked {
		t.Fatalf("expected a link, got %+v", result)
	}

	time.Sleep(50 * time.Millisecond)
	if got := scheduler.count(); got != 0 {
		t.Fatalf("expected the TTL to suppress scheduling, got %d tasks", got)
	}
}
