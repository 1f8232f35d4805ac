package eventstore

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"briefly/internal/core"
	"briefly/internal/logger"
)

// AverageEmbeddingIncremental folds a new article's embedding into an
// existing running-mean centroid. Both vectors are zero-padded to the
// longer of the two lengths before averaging, so a model upgrade that
// changes embedding dimension never panics on a mismatched slice.
func AverageEmbeddingIncremental(currentCentroid []float64, currentCount int, newEmbedding []float64) []float64 {
	if currentCount <= 0 || len(currentCentroid) == 0 {
		out := make([]float64, len(newEmbedding))
		copy(out, newEmbedding)
		return out
	}
	n := len(currentCentroid)
	if len(newEmbedding) > n {
		n = len(newEmbedding)
	}
	out := make([]float64, n)
	newCount := float64(currentCount + 1)
	for i := 0; i < n; i++ {
		var cur, next float64
		if i < len(currentCentroid) {
			cur = currentCentroid[i]
		}
		if i < len(newEmbedding) {
			next = newEmbedding[i]
		}
		out[i] = (cur*float64(currentCount) + next) / newCount
	}
	return out
}

// AverageTFIDFIncremental folds a new article's sparse TF-IDF vector
// into a running-mean centroid keyed by the union of both terms'
// vocabularies. Terms whose averaged weight drops below 1e-9 are
// dropped to keep the map from accumulating numerical noise forever.
func AverageTFIDFIncremental(current map[string]float64, currentCount int, next map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(current)+len(next))
	newCount := float64(currentCount + 1)

	terms := make(map[string]struct{}, len(current)+len(next))
	for k := range current {
		terms[k] = struct{}{}
	}
	for k := range next {
		terms[k] = struct{}{}
	}
	for term := range terms {
		avg := (current[term]*float64(currentCount) + next[term]) / newCount
		if avg < 0 {
			avg = -avg
		}
		if avg < 1e-9 {
			continue
		}
		out[term] = (current[term]*float64(currentCount) + next[term]) / newCount
	}
	return out
}

// AverageEmbeddingFull computes the true mean centroid across every
// member's embedding, zero-padded to the longest embedding present.
// Used by the maintenance service's full recompute, as opposed to the
// incremental append-time update.
func AverageEmbeddingFull(embeddings [][]float64) []float64 {
	maxLen := 0
	for _, e := range embeddings {
		if len(e) > maxLen {
			maxLen = len(e)
		}
	}
	if maxLen == 0 {
		return nil
	}
	sum := make([]float64, maxLen)
	count := 0
	for _, e := range embeddings {
		if len(e) == 0 {
			continue
		}
		count++
		for i := 0; i < len(e); i++ {
			sum[i] += e[i]
		}
	}
	if count == 0 {
		return nil
	}
	for i := range sum {
		sum[i] /= float64(count)
	}
	return sum
}

// AverageTFIDFFull computes the true mean TF-IDF centroid across every
// member, dropping terms whose averaged weight is below 1e-9.
func AverageTFIDFFull(vectors []map[string]float64) map[string]float64 {
	sums := make(map[string]float64)
	count := 0
	for _, v := range vectors {
		if len(v) == 0 {
			continue
		}
		count++
		for term, weight := range v {
			sums[term] += weight
		}
	}
	if count == 0 {
		return nil
	}
	out := make(map[string]float64, len(sums))
	for term, sum := range sums {
		avg := sum / float64(count)
		if avg < 0 {
			avg = -avg
		}
		if avg < 1e-9 {
			continue
		}
		out[term] = sum / float64(count)
	}
	return out
}

// MergeEntities unions two entity lists, deduplicating on
// (lowercased text, lowercased label) and returning the result sorted
// by text so the stored entity list is stable across repeated merges.
func MergeEntities(existing, incoming []core.Entity) []core.Entity {
	type key struct{ text, label string }
	seen := make(map[key]core.Entity)
	for _, e := range existing {
		seen[key{strings.ToLower(e.Text), strings.ToLower(e.Label)}] = e
	}
	for _, e := range incoming {
		k := key{strings.ToLower(e.Text), strings.ToLower(e.Label)}
		if _, ok := seen[k]; !ok {
			seen[k] = e
		}
	}
	merged := make([]core.Entity, 0, len(seen))
	for _, e := range seen {
		merged = append(merged, e)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Text < merged[j].Text })
	return merged
}

var slugNonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify turns an event title into a URL-safe slug: lowercase,
// non-alphanumeric runs collapsed to a single dash, leading/trailing
// dashes stripped. An empty result (e.g. a title with no ASCII
// alphanumerics) falls back to "event".
func Slugify(title string) string {
	s := slugNonAlnum.ReplaceAllString(strings.ToLower(title), "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "event"
	}
	return s
}

// AllocateUniqueSlug probes base, base-2, base-3, ... in order until
// exists returns false, returning the first free candidate. exists is
// expected to check uniqueness within the same transaction as the
// insert that follows, so the caller must hold whatever lock/isolation
// level is needed to prevent a race between the check and the insert.
func AllocateUniqueSlug(base string, exists func(candidate string) (bool, error)) (string, error) {
	candidate := base
	for n := 2; ; n++ {
		taken, err := exists(candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			if n > 2 {
				logger.Debug("slug collision resolved", "base", base, "candidate", candidate, "attempts", n-1)
			}
			return candidate, nil
		}
		candidate = base + "-" + strconv.Itoa(n)
	}
}
