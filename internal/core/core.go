// Package core holds the typed domain records shared by the event
// detection and maintenance engine. Values here are arena-style: entities
// reference each other by identifier, never by embedded pointer, so the
// repository layer stays the single source of truth for relationships.
package core

import "time"

// EventType is the closed set of classifier tags an article or event can
// carry. Representing it as a typed enum (rather than comparing raw
// strings) keeps the type gate in the assignment coordinator from being
// miscompared via casing or typos.
type EventType string

const (
	EventTypePolitics      EventType = "politics"
	EventTypeCrime         EventType = "crime"
	EventTypeSports        EventType = "sports"
	EventTypeInternational EventType = "international"
	EventTypeBusiness      EventType = "business"
	EventTypeEntertainment EventType = "entertainment"
	EventTypeWeather       EventType = "weather"
	EventTypeRoyal         EventType = "royal"
	EventTypeOther         EventType = "other"
)

// Valid reports whether t is one of the closed set of known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventTypePolitics, EventTypeCrime, EventTypeSports, EventTypeInternational,
		EventTypeBusiness, EventTypeEntertainment, EventTypeWeather, EventTypeRoyal, EventTypeOther:
		return true
	}
	return false
}

// Entity is a named entity extracted from article or event text.
type Entity struct {
	Text  string `json:"text"`
	Label string `json:"label"` // PERSON, GPE, LOC, ORG, ... or "" if unclassified
}

// Article is consumed by the engine, never created by it. It arrives
// already enriched by the (out-of-scope) NLP pipeline.
type Article struct {
	ID                 string             `json:"id"`
	Title              string             `json:"title"`
	Content            string             `json:"content"`
	Summary            string             `json:"summary"`
	SourceName         string             `json:"source_name"`
	PublishedAt        *time.Time         `json:"published_at"`
	FetchedAt          time.Time          `json:"fetched_at"`
	EventType          EventType          `json:"event_type"`
	Embedding          []float64          `json:"embedding"`
	TFIDF              map[string]float64 `json:"tfidf"`
	Entities           []Entity           `json:"entities"`
	ExtractedLocations []string           `json:"extracted_locations"`
	ExtractedDates     []string           `json:"extracted_dates"`
}

// ReferenceTime returns the publication timestamp if present, else the
// fetch timestamp, matching the feature extractor's fallback rule.
func (a Article) ReferenceTime() time.Time {
	if a.PublishedAt != nil {
		return *a.PublishedAt
	}
	return a.FetchedAt
}

// Event is a cluster of articles judged to describe one real-world
// occurrence.
type Event struct {
	ID                string             `json:"id"`
	Slug              string             `json:"slug"`
	Title             string             `json:"title"`
	Description       string             `json:"description"`
	EventType         EventType          `json:"event_type"`
	CentroidEmbedding []float64          `json:"centroid_embedding"`
	CentroidTFIDF     map[string]float64 `json:"centroid_tfidf"`
	Entities          []Entity           `json:"entities"`
	FirstSeenAt       time.Time          `json:"first_seen_at"`
	LastUpdatedAt     time.Time          `json:"last_updated_at"`
	ArchivedAt        *time.Time         `json:"archived_at"`
	ArticleCount      int                `json:"article_count"`

	// LastInsightAt is the timestamp of the most recently generated
	// pluriform analysis for this event, maintained by the (out of
	// scope) insight worker. Nil means no insight has ever been
	// generated. The assignment coordinator reads it to decide whether
	// a TTL has elapsed; it never writes it.
	LastInsightAt *time.Time `json:"last_insight_at"`
}

// Archived reports whether the event has been soft-deleted.
func (e Event) Archived() bool { return e.ArchivedAt != nil }

// HasCentroid reports whether the event carries a non-empty dense centroid,
// the condition under which it must be present in the vector index.
func (e Event) HasCentroid() bool { return len(e.CentroidEmbedding) > 0 }

// ScoreBreakdown preserves every component of a hybrid similarity score so
// it can be persisted alongside the link and inspected later.
type ScoreBreakdown struct {
	Embedding     float64 `json:"embedding"`
	TFIDF         float64 `json:"tfidf"`
	Entities      float64 `json:"entities"`
	TimeDecay     float64 `json:"time_decay"`
	Combined      float64 `json:"combined"`
	Final         float64 `json:"final"`
	LocationBoost float64 `json:"location_boost"`
	DateBoost     float64 `json:"date_boost"`
	BoostedFinal  float64 `json:"boosted_final"`
	Decision      string  `json:"decision"` // "seed", "link", or "" if not yet decided
}

// EventArticleLink records that an article contributed to an event, along
// with the score in effect at link time.
type EventArticleLink struct {
	EventID   string         `json:"event_id"`
	ArticleID string         `json:"article_id"`
	Score     float64        `json:"score"`
	Breakdown ScoreBreakdown `json:"breakdown"`
	LinkedAt  time.Time      `json:"linked_at"`
}

// CentroidSnapshot is the derived, minimal record the vector index
// consumes to (re)build its graph from the repository.
type CentroidSnapshot struct {
	EventID       string    `json:"event_id"`
	Centroid      []float64 `json:"centroid"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
	Archived      bool      `json:"archived"`
}

// ArticleFeatures is the normalized feature bundle the scorer consumes for
// an article. An empty Embedding marks a feature-extraction failure; the
// coordinator must treat that article as unscoreable rather than nil.
type ArticleFeatures struct {
	Embedding        []float64
	TFIDF            map[string]float64
	EntityTexts      map[string]struct{}
	PersonEntities   map[string]struct{}
	LocationEntities map[string]struct{}
	ReferenceTime    time.Time
	Locations        []string
	Dates            []string
	EventType        EventType
}

// HasEmbedding reports whether the article produced a usable dense vector.
func (f ArticleFeatures) HasEmbedding() bool { return len(f.Embedding) > 0 }

// EventFeatures is the analogous feature bundle derived from an event's
// centroid fields.
type EventFeatures struct {
	CentroidEmbedding []float64
	CentroidTFIDF     map[string]float64
	EntityTexts       map[string]struct{}
	PersonEntities    map[string]struct{}
	LocationEntities  map[string]struct{}
	LastUpdatedAt     time.Time
	FirstSeenAt       time.Time
	EventType         EventType
}

// AssignmentOutcome is the tagged-union-style result of trying to assign
// an article: it was linked to an existing event, it seeded a new one, or
// it was skipped outright (missing article or embedding).
type AssignmentOutcome int

const (
	AssignmentSkipped AssignmentOutcome = iota
	AssignmentLinked
	AssignmentSeeded
)

// AssignmentResult is the outcome of a single assign() call.
type AssignmentResult struct {
	ArticleID string
	EventID   string
	Outcome   AssignmentOutcome
	Created   bool
	Score     float64
	Threshold float64
	Breakdown ScoreBreakdown
}

// MaintenanceStats summarizes a single maintenance run.
type MaintenanceStats struct {
	EventsProcessed  int
	EventsRecomputed int
	EventsArchived   int
	VectorUpserts    int
	VectorRemovals   int
	IndexRebuilt     bool
}
