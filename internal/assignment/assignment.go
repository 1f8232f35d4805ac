// Package assignment implements the online greedy event-assignment
// coordinator: for each incoming article, find the best matching
// existing event (if any) or seed a new one, combining hard
// constraints, hybrid scoring, optional LLM arbitration, and the
// insight-generation scheduling side effect that follows a link/seed.
package assignment

import (
	"context"
	"fmt"
	"time"

	"briefly/internal/arbiter"
	"briefly/internal/core"
	"briefly/internal/eventstore"
	"briefly/internal/logger"
	"briefly/internal/scoring"
	"briefly/internal/vectorindex"
)

// VectorIndex is the narrow slice of *vectorindex.Index the coordinator
// depends on, defined here so the coordinator can be tested against a
// fake without touching disk or an HNSW graph. A *vectorindex.Index
// satisfies it directly.
type VectorIndex interface {
	EnsureReady(ctx context.Context, source vectorindex.SnapshotSource) error
	Query(ctx context.Context, vector []float64, topK int, recencyCutoff time.Time) ([]vectorindex.Candidate, error)
	Upsert(ctx context.Context, eventID string, vector []float64, lastUpdatedAt time.Time) error
}

// Config carries every assignment-time tunable, sourced from
// internal/config's Events block.
type Config struct {
	Scoring scoring.Params

	CandidateTopK    int
	RecencyWindow    time.Duration
	ScoreThreshold   float64
	CrossTypeMinScore float64

	CrimeMaxDaysApart          float64
	CrimeMinEntityOverlapFloor float64 // required entity overlap when locations are missing on either side

	LLMEnabled  bool
	LLMMinScore float64
	LLMTopN     int

	InsightsEnabled bool
	InsightTTL      time.Duration
	InsightQueueCap int
}

// Coordinator assigns incoming articles to events, linking them to an
// existing event or seeding a new one.
type Coordinator struct {
	repo    eventstore.Repository
	index   VectorIndex
	arbiter arbiter.Arbiter
	cfg     Config
	now     func() time.Time

	insights *insightQueue
}

// New constructs a Coordinator. arb may be nil, in which case
// cfg.LLMEnabled is treated as false regardless of its configured
// value: there is no arbitration without an arbiter. insights may also
// be nil, in which case cfg.InsightsEnabled is treated as false: there
// is no scheduling side effect without somewhere to schedule it to.
func New(repo eventstore.Repository, index VectorIndex, arb arbiter.Arbiter, insights InsightScheduler, cfg Config) *Coordinator {
	if arb == nil {
		cfg.LLMEnabled = false
	}
	c := &Coordinator{repo: repo, index: index, arbiter: arb, cfg: cfg, now: time.Now}
	if insights == nil {
		cfg.InsightsEnabled = false
		c.cfg = cfg
	} else if cfg.InsightsEnabled {
		capacity := cfg.InsightQueueCap
		if capacity <= 0 {
			capacity = 64
		}
		c.insights = newInsightQueue(insights, capacity)
	}
	return c
}

// Close drains any pending insight-generation tasks. Safe to call even
// when insight scheduling is disabled.
func (c *Coordinator) Close() {
	if c.insights != nil {
		c.insights.Close()
	}
}

// maybeScheduleInsight runs on every link/seed: if insight
// auto-generation is enabled and the event's last-updated timestamp
// advanced by more than the TTL since its last insight, enqueue a
// generation task for it.
func (c *Coordinator) maybeScheduleInsight(event core.Event) {
	if c.insights == nil {
		return
	}
	if event.LastInsightAt != nil && event.LastUpdatedAt.Sub(*event.LastInsightAt) < c.cfg.InsightTTL {
		return
	}
	c.insights.enqueue(event.ID)
}

// Assign is the single entry point: it decides whether article joins
// an existing event, seeds a new one, or is skipped outright.
func (c *Coordinator) Assign(ctx context.Context, article core.Article) (core.AssignmentResult, error) {
	correlationID := correlationIDFromContext(ctx)
	if article.ID == "" {
		return core.AssignmentResult{Outcome: core.AssignmentSkipped}, fmt.Errorf("assignment: article has no id")
	}
	features := articleToFeatures(article)
	if !features.HasEmbedding() {
		logger.Warn("skipping article with no usable embedding", "article_id", article.ID, "correlation_id", correlationID)
		return core.AssignmentResult{ArticleID: article.ID, Outcome: core.AssignmentSkipped}, nil
	}

	if err := c.index.EnsureReady(ctx, c.repo); err != nil {
		return core.AssignmentResult{}, fmt.Errorf("assignment: ensure index ready: %w", err)
	}

	recencyCutoff := time.Time{}
	if c.cfg.RecencyWindow > 0 {
		recencyCutoff = features.ReferenceTime.Add(-c.cfg.RecencyWindow)
	}
	hits, err := c.index.Query(ctx, features.Embedding, c.cfg.CandidateTopK, recencyCutoff)
	if err != nil {
		logger.Warn("vector index query failed, treating as no candidates", "article_id", article.ID, "correlation_id", correlationID, "error", err)
		hits = nil
	}
	if len(hits) == 0 {
		return c.seed(ctx, article, features)
	}

	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.EventID)
	}
	bundles, err := c.repo.LoadActiveEventsWithArticles(ctx, ids)
	if err != nil {
		return core.AssignmentResult{}, fmt.Errorf("assignment: load candidate events: %w", err)
	}

	scored := c.scoreCandidates(article, features, bundles)
	if len(scored) == 0 {
		return c.seed(ctx, article, features)
	}

	best, forceNewEvent, err := c.pickBest(ctx, article, scored)
	if err != nil {
		logger.Warn("arbiter failed, falling back to highest-scoring candidate", "article_id", article.ID, "correlation_id", correlationID, "error", err)
		best = scored[0]
	}

	if forceNewEvent || best.Breakdown.BoostedFinal < c.cfg.ScoreThreshold {
		return c.seed(ctx, article, features)
	}
	return c.link(ctx, article, best.Event.ID, best.Breakdown)
}

// scoredCandidate pairs a loaded event bundle with its computed score,
// sorted descending by boosted final score.
type scoredCandidate struct {
	eventstore.EventBundle
	Breakdown core.ScoreBreakdown
}

func (c *Coordinator) scoreCandidates(article core.Article, features core.ArticleFeatures, bundles map[string]eventstore.EventBundle) []scoredCandidate {
	now := c.now()
	var out []scoredCandidate
	for _, bundle := range bundles {
		if !c.passesHardConstraints(article, features, bundle) {
			continue
		}
		eventFeatures := eventToFeatures(bundle.Event)
		breakdown := scoring.Score(features, eventFeatures, c.cfg.Scoring, now)

		if article.EventType != bundle.Event.EventType && breakdown.Final < c.cfg.CrossTypeMinScore {
			continue
		}

		locationMatch := overlaps(features.Locations, extractArticleLocations(bundle.Articles))
		dateMatch := overlaps(features.Dates, extractArticleDates(bundle.Articles))
		breakdown = scoring.ApplyBoosts(breakdown, locationMatch, dateMatch, c.cfg.Scoring)

		out = append(out, scoredCandidate{EventBundle: bundle, Breakdown: breakdown})
	}
	sortCandidatesDesc(out)
	return out
}

// passesHardConstraints implements the crime location/time gate:
// disjoint known locations drop the candidate outright; if either
// side is missing location data, a low entity overlap also drops it;
// articles published more than CrimeMaxDaysApart apart are never the
// same crime event.
func (c *Coordinator) passesHardConstraints(article core.Article, features core.ArticleFeatures, bundle eventstore.EventBundle) bool {
	if article.EventType != core.EventTypeCrime && bundle.Event.EventType != core.EventTypeCrime {
		return true
	}

	eventLocations := extractArticleLocations(bundle.Articles)
	bothHaveLocations := len(features.Locations) > 0 && len(eventLocations) > 0

	if bothHaveLocations && !overlaps(features.Locations, eventLocations) {
		return false
	}
	if !bothHaveLocations {
		overlap := entityOverlapRatio(features.EntityTexts, bundle.Event.Entities)
		if overlap < c.cfg.CrimeMinEntityOverlapFloor {
			return false
		}
	}

	days := daysBetween(features.ReferenceTime, bundle.Event.LastUpdatedAt)
	if c.cfg.CrimeMaxDaysApart > 0 && days > c.cfg.CrimeMaxDaysApart {
		return false
	}
	return true
}

// pickBest consults the arbiter when enabled and at least one candidate
// clears LLMMinScore, otherwise returns the top-scored one directly.
// Arbitration is offered even with a single qualifying candidate: a
// borderline cross-type match (spec.md scenario S3) only ever has one
// existing event to arbitrate against, and the arbiter can still rule
// NEW_EVENT against it. The bool return reports whether the arbiter
// explicitly decided NEW_EVENT, in which case the caller seeds
// regardless of the top candidate's score.
func (c *Coordinator) pickBest(ctx context.Context, article core.Article, scored []scoredCandidate) (scoredCandidate, bool, error) {
	if !c.cfg.LLMEnabled {
		return scored[0], false, nil
	}

	llmCandidates := make([]arbiter.Candidate, 0, c.cfg.LLMTopN)
	indexByEventID := make(map[string]int, len(scored))
	for _, sc := range scored {
		if sc.Breakdown.BoostedFinal < c.cfg.LLMMinScore {
			continue
		}
		if len(llmCandidates) >= c.cfg.LLMTopN {
			break
		}
		indexByEventID[sc.Event.ID] = len(llmCandidates)
		llmCandidates = append(llmCandidates, arbiter.Candidate{Event: sc.Event, Score: sc.Breakdown, Summaries: summaries(sc.Articles)})
	}
	if len(llmCandidates) < 1 {
		return scored[0], false, nil
	}

	decision, err := c.arbiter.Arbitrate(ctx, article, llmCandidates)
	if err != nil {
		return scoredCandidate{}, false, err
	}
	if decision.IsNewEvent {
		return scored[0], true, nil
	}
	idx, ok := indexByEventID[decision.EventID]
	if !ok {
		return scored[0], false, fmt.Errorf("arbiter referenced an event outside the candidate set")
	}
	return scored[idx], false, nil
}

func (c *Coordinator) seed(ctx context.Context, article core.Article, features core.ArticleFeatures) (core.AssignmentResult, error) {
	tx, err := c.repo.BeginTx(ctx)
	if err != nil {
		return core.AssignmentResult{}, fmt.Errorf("assignment: begin tx: %w", err)
	}
	event, err := tx.CreateEventSkeleton(ctx, article)
	if err != nil {
		tx.Rollback()
		return core.AssignmentResult{}, fmt.Errorf("assignment: create event skeleton: %w", err)
	}
	seedBreakdown := defaultSeedBreakdown(features)
	link := core.EventArticleLink{EventID: event.ID, ArticleID: article.ID, Score: seedBreakdown.Final, Breakdown: seedBreakdown, LinkedAt: c.now()}
	event, err = tx.AppendArticleToEvent(ctx, event.ID, article, link)
	if err != nil {
		tx.Rollback()
		return core.AssignmentResult{}, fmt.Errorf("assignment: seed append: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return core.AssignmentResult{}, fmt.Errorf("assignment: commit seed: %w", err)
	}

	if event.HasCentroid() {
		if err := c.index.Upsert(ctx, event.ID, event.CentroidEmbedding, event.LastUpdatedAt); err != nil {
			logger.Error("failed to upsert newly seeded event into vector index", err, "event_id", event.ID, "correlation_id", correlationIDFromContext(ctx))
		}
	}
	c.maybeScheduleInsight(event)

	return core.AssignmentResult{
		ArticleID: article.ID, EventID: event.ID, Outcome: core.AssignmentSeeded, Created: true,
		Score: seedBreakdown.Final, Threshold: c.cfg.ScoreThreshold, Breakdown: seedBreakdown,
	}, nil
}

func (c *Coordinator) link(ctx context.Context, article core.Article, eventID string, breakdown core.ScoreBreakdown) (core.AssignmentResult, error) {
	breakdown.Decision = "link"
	tx, err := c.repo.BeginTx(ctx)
	if err != nil {
		return core.AssignmentResult{}, fmt.Errorf("assignment: begin tx: %w", err)
	}
	link := core.EventArticleLink{EventID: eventID, ArticleID: article.ID, Score: breakdown.BoostedFinal, Breakdown: breakdown, LinkedAt: c.now()}
	event, err := tx.AppendArticleToEvent(ctx, eventID, article, link)
	if err != nil {
		tx.Rollback()
		return core.AssignmentResult{}, fmt.Errorf("assignment: append to event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return core.AssignmentResult{}, fmt.Errorf("assignment: commit link: %w", err)
	}

	if event.HasCentroid() {
		if err := c.index.Upsert(ctx, event.ID, event.CentroidEmbedding, event.LastUpdatedAt); err != nil {
			logger.Error("failed to upsert updated event centroid into vector index", err, "event_id", event.ID, "correlation_id", correlationIDFromContext(ctx))
		}
	}
	c.maybeScheduleInsight(event)

	return core.AssignmentResult{
		ArticleID: article.ID, EventID: eventID, Outcome: core.AssignmentLinked,
		Score: breakdown.BoostedFinal, Threshold: c.cfg.ScoreThreshold, Breakdown: breakdown,
	}, nil
}
