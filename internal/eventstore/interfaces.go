// Package eventstore persists events, their member article links, and
// the incremental centroid bookkeeping that keeps an event's
// embedding/TF-IDF/entity set in sync as articles are appended to it.
package eventstore

import (
	"context"
	"time"

	"briefly/internal/core"
)

// EventBundle is an active event together with the full set of member
// articles needed to recompute its centroid from scratch, the unit of
// work the maintenance service operates on.
type EventBundle struct {
	Event    core.Event
	Articles []core.Article
}

// Repository is the transactional contract the assignment coordinator
// and the maintenance service depend on. A single implementation
// (Store, backed by Postgres) satisfies it in both its top-level and
// transaction-bound forms, following the teacher's query()-switches-
// on-tx pattern rather than separate mock/real interfaces per call.
type Repository interface {
	// FetchIndexSnapshots returns the minimal (id, centroid, timestamp,
	// archived) tuple for every event, the input the vector index
	// rebuilds itself from.
	FetchIndexSnapshots(ctx context.Context) ([]core.CentroidSnapshot, error)

	// GetEventsByIDs loads full event rows for a candidate set, in the
	// order requested is not guaranteed.
	GetEventsByIDs(ctx context.Context, ids []string) ([]core.Event, error)

	// LoadActiveEventsWithArticles loads the given non-archived events
	// together with every article linked to them, keyed by event id.
	LoadActiveEventsWithArticles(ctx context.Context, ids []string) (map[string]EventBundle, error)

	// LoadAllActiveEventBundles loads every non-archived event with its
	// member articles, the maintenance service's full-sweep input.
	LoadAllActiveEventBundles(ctx context.Context) ([]EventBundle, error)

	// CreateEventSkeleton allocates a new event row (with a unique
	// slug) seeded from a single article, before any link exists.
	CreateEventSkeleton(ctx context.Context, article core.Article) (core.Event, error)

	// AppendArticleToEvent records a new member of an event: it writes
	// the link row, incrementally re-averages the centroid/TF-IDF,
	// merges in the article's entities, and bumps article_count and
	// last_updated_at.
	AppendArticleToEvent(ctx context.Context, eventID string, article core.Article, link core.EventArticleLink) (core.Event, error)

	// ReplaceCentroid overwrites an event's centroid/TF-IDF/entities/
	// counts wholesale, the maintenance service's full-recompute path
	// (as opposed to AppendArticleToEvent's incremental update).
	ReplaceCentroid(ctx context.Context, eventID string, centroid []float64, tfidf map[string]float64, entities []core.Entity, articleCount int, firstSeenAt, lastUpdatedAt time.Time) error

	// ArchiveEvents soft-deletes the given events as of archivedAt.
	ArchiveEvents(ctx context.Context, eventIDs []string, archivedAt time.Time) error

	// BeginTx starts a transaction-scoped Repository. Callers must
	// Commit or Rollback exactly once.
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx is a Repository bound to an open transaction.
type Tx interface {
	Repository
	Commit() error
	Rollback() error
}
