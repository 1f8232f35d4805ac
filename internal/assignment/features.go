package assignment

import (
	"math"
	"sort"
	"strings"
	"time"

	"briefly/internal/core"
)

// articleToFeatures normalizes an Article into the feature bundle the
// scorer consumes, categorizing entities by label the way the
// (out-of-scope) NLP pipeline tags them: PERSON for people, GPE/LOC
// for places, everything else counted only toward the general set.
func articleToFeatures(article core.Article) core.ArticleFeatures {
	f := core.ArticleFeatures{
		Embedding:        article.Embedding,
		TFIDF:            article.TFIDF,
		EntityTexts:      make(map[string]struct{}),
		PersonEntities:   make(map[string]struct{}),
		LocationEntities: make(map[string]struct{}),
		ReferenceTime:    article.ReferenceTime(),
		Locations:        lowercaseAll(article.ExtractedLocations),
		Dates:            lowercaseAll(article.ExtractedDates),
		EventType:        article.EventType,
	}
	for _, e := range article.Entities {
		text := strings.ToLower(e.Text)
		f.EntityTexts[text] = struct{}{}
		switch strings.ToUpper(e.Label) {
		case "PERSON":
			f.PersonEntities[text] = struct{}{}
		case "GPE", "LOC":
			f.LocationEntities[text] = struct{}{}
		}
	}
	return f
}

// eventToFeatures is the analogous conversion for an event's
// accumulated centroid state.
func eventToFeatures(event core.Event) core.EventFeatures {
	f := core.EventFeatures{
		CentroidEmbedding: event.CentroidEmbedding,
		CentroidTFIDF:     event.CentroidTFIDF,
		EntityTexts:       make(map[string]struct{}),
		PersonEntities:    make(map[string]struct{}),
		LocationEntities:  make(map[string]struct{}),
		LastUpdatedAt:     event.LastUpdatedAt,
		FirstSeenAt:       event.FirstSeenAt,
		EventType:         event.EventType,
	}
	for _, e := range event.Entities {
		text := strings.ToLower(e.Text)
		f.EntityTexts[text] = struct{}{}
		switch strings.ToUpper(e.Label) {
		case "PERSON":
			f.PersonEntities[text] = struct{}{}
		case "GPE", "LOC":
			f.LocationEntities[text] = struct{}{}
		}
	}
	return f
}

// defaultSeedBreakdown is the synthetic score recorded when an article
// seeds a brand-new event: every axis is 1.0 (an event matches itself
// perfectly) except the entity axis, which reflects whether the
// article actually carried any entities at all.
func defaultSeedBreakdown(features core.ArticleFeatures) core.ScoreBreakdown {
	entityScore := 0.0
	if len(features.EntityTexts) > 0 {
		entityScore = 1.0
	}
	return core.ScoreBreakdown{
		Embedding: 1.0, TFIDF: 1.0, Entities: entityScore, TimeDecay: 1.0,
		Combined: 1.0, Final: 1.0, BoostedFinal: 1.0, Decision: "seed",
	}
}

// lowercaseAll normalizes a slice of surface-text strings to lower
// case, matching the NLP pipeline's own convention so downstream set
// overlaps are never broken by casing differences.
func lowercaseAll(values []string) []string {
	if values == nil {
		return nil
	}
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToLower(v)
	}
	return out
}

func extractArticleLocations(articles []core.Article) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, a := range articles {
		for _, loc := range a.ExtractedLocations {
			loc = strings.ToLower(loc)
			if _, ok := seen[loc]; !ok {
				seen[loc] = struct{}{}
				out = append(out, loc)
			}
		}
	}
	return out
}

func extractArticleDates(articles []core.Article) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, a := range articles {
		for _, d := range a.ExtractedDates {
			d = strings.ToLower(d)
			if _, ok := seen[d]; !ok {
				seen[d] = struct{}{}
				out = append(out, d)
			}
		}
	}
	return out
}

func overlaps(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}

// entityOverlapRatio computes a plain (unweighted) Jaccard overlap
// between an article's entity text set and an event's stored entity
// list, used only by the crime hard-constraint gate, which needs a
// single overlap number rather than the scorer's weighted blend.
func entityOverlapRatio(articleEntities map[string]struct{}, eventEntities []core.Entity) float64 {
	if len(articleEntities) == 0 || len(eventEntities) == 0 {
		return 0
	}
	eventSet := make(map[string]struct{}, len(eventEntities))
	for _, e := range eventEntities {
		eventSet[strings.ToLower(e.Text)] = struct{}{}
	}
	intersection := 0
	for text := range articleEntities {
		if _, ok := eventSet[text]; ok {
			intersection++
		}
	}
	union := len(articleEntities) + len(eventSet) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func daysBetween(a, b time.Time) float64 {
	return math.Abs(a.Sub(b).Hours()) / 24
}

func summaries(articles []core.Article) []string {
	out := make([]string, 0, len(articles))
	for _, a := range articles {
		if a.Summary != "" {
			out = append(out, a.Summary)
		} else {
			out = append(out, a.Title)
		}
	}
	return out
}

func sortCandidatesDesc(candidates []scoredCandidate) {
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Breakdown.BoostedFinal > candidates[j].Breakdown.BoostedFinal
	})
}
