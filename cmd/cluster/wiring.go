package cluster

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"briefly/internal/arbiter"
	"briefly/internal/assignment"
	"briefly/internal/config"
	"briefly/internal/eventstore"
	"briefly/internal/maintenance"
	"briefly/internal/scoring"
	"briefly/internal/vectorindex"

	"google.golang.org/genai"
)

// deps bundles every wired dependency a subcommand needs, so assign,
// maintain, and serve each build exactly what they use instead of
// standing up the whole engine unconditionally.
type deps struct {
	repo  *eventstore.Store
	index *vectorindex.Index
	arb   arbiter.Arbiter
}

// buildDeps wires the repository and vector index from config, and the
// Gemini arbiter if LLM arbitration is enabled and an API key is
// configured. arb is nil when arbitration is disabled, which
// assignment.New treats as "no arbitration" regardless of cfg.LLMEnabled.
func buildDeps(ctx context.Context) (*deps, error) {
	cfg := config.Get()

	repo, err := eventstore.NewStore(cfg.Database.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("connect to event store: %w", err)
	}

	idx := vectorindex.New(vectorIndexConfig(cfg))

	var arb arbiter.Arbiter
	if cfg.Events.Arbiter.Enabled {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  cfg.AI.Gemini.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("create gemini client: %w", err)
		}
		timeout, err := time.ParseDuration(cfg.Events.Arbiter.Timeout)
		if err != nil {
			return nil, fmt.Errorf("parse arbiter timeout: %w", err)
		}
		retry := arbiter.RetryPolicy{
			MaxRetries: cfg.Events.Arbiter.MaxRetries,
			BaseDelay:  500 * time.Millisecond,
			Timeout:    timeout,
		}
		arb = arbiter.NewGeminiArbiter(client, cfg.AI.Gemini.Model, retry)
	}

	return &deps{repo: repo, index: idx, arb: arb}, nil
}

func vectorIndexConfig(cfg *config.Config) vectorindex.Config {
	base := cfg.Events.VectorIndex.Path
	return vectorindex.Config{
		Dimension:      cfg.Events.EmbeddingDimension,
		MaxElements:    cfg.Events.VectorIndex.MaxElements,
		M:              cfg.Events.VectorIndex.M,
		EfConstruction: cfg.Events.VectorIndex.EfConstruction,
		EfSearch:       cfg.Events.VectorIndex.EfSearch,
		DataPath:       filepath.Join(base, "events.hnsw"),
		MetaPath:       filepath.Join(base, "events.meta.json"),
		LockPath:       filepath.Join(base, "events.lock"),
	}
}

func assignmentConfig(cfg *config.Config) assignment.Config {
	recency, _ := time.ParseDuration(cfg.Events.Assignment.RecencyWindow)
	insightTTL, _ := time.ParseDuration(cfg.Events.Insights.TTL)
	return assignment.Config{
		Scoring:                    scoringParams(cfg.Events.Scoring),
		CandidateTopK:              cfg.Events.Assignment.CandidateTopK,
		RecencyWindow:              recency,
		ScoreThreshold:             cfg.Events.Assignment.ScoreThreshold,
		CrossTypeMinScore:          cfg.Events.Assignment.CrossTypeMinScore,
		CrimeMaxDaysApart:          cfg.Events.Assignment.CrimeMaxDaysApart,
		CrimeMinEntityOverlapFloor: cfg.Events.Assignment.CrimeMinEntityOverlapFloor,
		LLMEnabled:                 cfg.Events.Arbiter.Enabled,
		LLMMinScore:                cfg.Events.Arbiter.MinScore,
		LLMTopN:                    cfg.Events.Arbiter.TopN,
		InsightsEnabled:            cfg.Events.Insights.Enabled,
		InsightTTL:                 insightTTL,
		InsightQueueCap:            cfg.Events.Insights.QueueCapacity,
	}
}

func scoringParams(s config.ScoringSettings) scoring.Params {
	return scoring.Params{
		EmbeddingWeight:               s.EmbeddingWeight,
		TFIDFWeight:                   s.TFIDFWeight,
		EntityWeight:                  s.EntityWeight,
		HalfLifeHours:                 s.HalfLifeHours,
		DecayFloor:                    s.DecayFloor,
		EntityPenaltyLowThreshold:     s.EntityPenaltyLowThreshold,
		EntityPenaltyLowFactor:        s.EntityPenaltyLowFactor,
		EntityPenaltyVeryLowThreshold: s.EntityPenaltyVeryLowThreshold,
		EntityPenaltyVeryLowFactor:    s.EntityPenaltyVeryLowFactor,
		LocationBoost:                 s.LocationBoost,
		DateBoost:                     s.DateBoost,
		PersonEntityWeight:            s.PersonEntityWeight,
		LocationEntityWeight:          s.LocationEntityWeight,
		GeneralEntityWeight:           s.GeneralEntityWeight,
	}
}

func maintenanceConfig(cfg *config.Config) maintenance.Config {
	return maintenance.Config{
		RetentionDays:    cfg.Events.Maintenance.RetentionDays,
		ReconcileOnDrift: cfg.Events.Maintenance.ReconcileOnDrift,
	}
}
