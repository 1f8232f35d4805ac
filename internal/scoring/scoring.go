// Package scoring computes the hybrid similarity score between an
// incoming article's features and a candidate event's features: a
// weighted blend of dense embedding cosine, sparse TF-IDF cosine, and
// entity overlap, modulated by recency decay and a non-stacking entity
// penalty.
package scoring

import (
	"fmt"
	"math"
	"time"

	"briefly/internal/core"
)

// Params holds the tunable weights and thresholds the scorer applies.
// These come from internal/config's Events block; Validate guards
// against the one fatal misconfiguration: a zero total weight.
type Params struct {
	EmbeddingWeight float64
	TFIDFWeight     float64
	EntityWeight    float64

	HalfLifeHours float64
	DecayFloor    float64

	EntityPenaltyLowThreshold     float64 // overlap below this: score *= EntityPenaltyLowFactor
	EntityPenaltyLowFactor        float64
	EntityPenaltyVeryLowThreshold float64 // overlap below this: score *= EntityPenaltyVeryLowFactor (wins, non-stacking)
	EntityPenaltyVeryLowFactor    float64

	LocationBoost float64
	DateBoost     float64

	PersonEntityWeight   float64
	LocationEntityWeight float64
	GeneralEntityWeight  float64
}

// Validate reports the one fatal misconfiguration: a zero total score
// weight would make every candidate score 0 regardless of similarity.
func (p Params) Validate() error {
	if p.EmbeddingWeight+p.TFIDFWeight+p.EntityWeight <= 0 {
		return fmt.Errorf("scoring: embedding + tfidf + entity weights sum to zero")
	}
	return nil
}

// Score computes the full hybrid score between an article and a
// candidate event at the given reference time. It does not add the
// location/date boosts (ApplyBoosts does that), nor apply hard constraints (type gate,
// crime location/time gate) or the link-vs-seed threshold decision;
// those belong to the assignment coordinator, which has the candidate
// set and article metadata needed to apply them.
func Score(article core.ArticleFeatures, event core.EventFeatures, params Params, now time.Time) core.ScoreBreakdown {
	embeddingSim := cosineDense(article.Embedding, event.CentroidEmbedding)
	tfidfSim := cosineSparse(article.TFIDF, event.CentroidTFIDF)
	entitySim := weightedEntityOverlap(article, event, params)

	weightSum := params.EmbeddingWeight + params.TFIDFWeight + params.EntityWeight
	combined := 0.0
	if weightSum > 0 {
		combined = (embeddingSim*params.EmbeddingWeight +
			tfidfSim*params.TFIDFWeight +
			entitySim*params.EntityWeight) / weightSum
	}

	decay := timeDecay(event.LastUpdatedAt, now, params.HalfLifeHours, params.DecayFloor)
	final := combined * decay

	// Non-stacking entity penalty: the lower threshold wins if both
	// apply, it is not multiplied on top of the higher one.
	if params.EntityPenaltyVeryLowThreshold > 0 && entitySim < params.EntityPenaltyVeryLowThreshold {
		final *= params.EntityPenaltyVeryLowFactor
	} else if params.EntityPenaltyLowThreshold > 0 && entitySim < params.EntityPenaltyLowThreshold {
		final *= params.EntityPenaltyLowFactor
	}
	final = clamp01(final)

	breakdown := core.ScoreBreakdown{
		Embedding: embeddingSim,
		TFIDF:     tfidfSim,
		Entities:  entitySim,
		TimeDecay: decay,
		Combined:  combined,
		Final:     final,
	}
	return breakdown
}

// ApplyBoosts adds the additive location/date boosts to an already
// computed breakdown's Final score. Boosts are additive and are not
// re-clamped to [0, 1]: a strong boost can legitimately push the
// boosted score above 1.0, which only makes the candidate more certain
// to win, never less.
func ApplyBoosts(breakdown core.ScoreBreakdown, locationMatch, dateMatch bool, params Params) core.ScoreBreakdown {
	boosted := breakdown.Final
	if locationMatch {
		breakdown.LocationBoost = params.LocationBoost
		boosted += params.LocationBoost
	}
	if dateMatch {
		breakdown.DateBoost = params.DateBoost
		boosted += params.DateBoost
	}
	breakdown.BoostedFinal = boosted
	return breakdown
}

func cosineDense(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, magA, magB float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
	}
	for _, v := range a {
		magA += v * v
	}
	for _, v := range b {
		magB += v * v
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return clamp01(dot / (math.Sqrt(magA) * math.Sqrt(magB)))
}

func cosineSparse(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for k, va := range a {
		magA += va * va
		if vb, ok := b[k]; ok {
			dot += va * vb
		}
	}
	for _, vb := range b {
		magB += vb * vb
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return clamp01(dot / (math.Sqrt(magA) * math.Sqrt(magB)))
}

// weightedEntityOverlap blends PERSON/location/general Jaccard overlap
// using the configured per-category weights, falling back to a plain
// Jaccard over all entity texts when neither side has typed subsets.
func weightedEntityOverlap(article core.ArticleFeatures, event core.EventFeatures, params Params) float64 {
	personSim, personOK := jaccard(article.PersonEntities, event.PersonEntities)
	locationSim, locationOK := jaccard(article.LocationEntities, event.LocationEntities)
	generalSim, generalOK := jaccard(article.EntityTexts, event.EntityTexts)

	var weightSum, weighted float64
	if personOK {
		weighted += personSim * params.PersonEntityWeight
		weightSum += params.PersonEntityWeight
	}
	if locationOK {
		weighted += locationSim * params.LocationEntityWeight
		weightSum += params.LocationEntityWeight
	}
	if generalOK {
		weighted += generalSim * params.GeneralEntityWeight
		weightSum += params.GeneralEntityWeight
	}
	if weightSum > 0 {
		return weighted / weightSum
	}
	sim, ok := jaccard(article.EntityTexts, event.EntityTexts)
	if !ok {
		return 0
	}
	return sim
}

// jaccard returns the Jaccard similarity of two sets and whether the
// comparison was meaningful (both sets non-empty).
func jaccard(a, b map[string]struct{}) (float64, bool) {
	if len(a) == 0 || len(b) == 0 {
		return 0, false
	}
	intersection := 0
	for k := range a {
		if _, ok := b[k]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union), true
}

// timeDecay applies exponential half-life decay based on the hours
// elapsed since the event was last updated. Non-positive elapsed time
// (clock skew, same-instant seeding) decays to 1 rather than going
// above it. A configured floor prevents very old events from decaying
// all the way to zero when a floor > 0 is set.
func timeDecay(lastUpdated, now time.Time, halfLifeHours, floor float64) float64 {
	hours := now.Sub(lastUpdated).Hours()
	if hours <= 0 {
		return 1
	}
	if halfLifeHours <= 0 {
		return 1
	}
	decay := math.Pow(0.5, hours/halfLifeHours)
	if floor > 0 && decay < floor {
		return floor
	}
	return decay
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
