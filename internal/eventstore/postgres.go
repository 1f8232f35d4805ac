package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"briefly/internal/core"
	"briefly/internal/logger"
)

// querier is satisfied by both *sql.DB and *sql.Tx, the teacher's
// tx-or-db indirection so every method body is written once and works
// identically inside and outside a transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Store is the Postgres-backed Repository implementation.
type Store struct {
	db *sql.DB
	tx *sql.Tx
}

// NewStore opens a connection pool against connectionString and
// verifies connectivity, matching the teacher's NewPostgresDB pool
// settings.
func NewStore(connectionString string) (*Store, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("eventstore: open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("eventstore: ping database: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) query() querier {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// BeginTx starts a transaction-bound Store satisfying Tx.
func (s *Store) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("eventstore: begin tx: %w", err)
	}
	return &Store{db: s.db, tx: tx}, nil
}

func (s *Store) Commit() error {
	if s.tx == nil {
		return fmt.Errorf("eventstore: Commit called on a non-transactional store")
	}
	return s.tx.Commit()
}

func (s *Store) Rollback() error {
	if s.tx == nil {
		return fmt.Errorf("eventstore: Rollback called on a non-transactional store")
	}
	return s.tx.Rollback()
}

func (s *Store) FetchIndexSnapshots(ctx context.Context) ([]core.CentroidSnapshot, error) {
	rows, err := s.query().QueryContext(ctx, `
		SELECT id, centroid_embedding, last_updated_at, archived_at IS NOT NULL
		FROM events`)
	if err != nil {
		return nil, fmt.Errorf("eventstore: fetch index snapshots: %w", err)
	}
	defer rows.Close()

	var out []core.CentroidSnapshot
	for rows.Next() {
		var snap core.CentroidSnapshot
		var centroidJSON []byte
		if err := rows.Scan(&snap.EventID, &centroidJSON, &snap.LastUpdatedAt, &snap.Archived); err != nil {
			return nil, fmt.Errorf("eventstore: scan snapshot: %w", err)
		}
		if len(centroidJSON) > 0 {
			if err := json.Unmarshal(centroidJSON, &snap.Centroid); err != nil {
				return nil, fmt.Errorf("eventstore: decode centroid: %w", err)
			}
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *Store) GetEventsByIDs(ctx context.Context, ids []string) ([]core.Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.query().QueryContext(ctx, `
		SELECT id, slug, title, description, event_type, centroid_embedding,
		       centroid_tfidf, entities, first_seen_at, last_updated_at,
		       archived_at, article_count, last_insight_at
		FROM events WHERE id = ANY($1)`, pqStringArray(ids))
	if err != nil {
		return nil, fmt.Errorf("eventstore: get events by ids: %w", err)
	}
	defer rows.Close()

	var out []core.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) LoadActiveEventsWithArticles(ctx context.Context, ids []string) (map[string]EventBundle, error) {
	events, err := s.GetEventsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	bundles := make(map[string]EventBundle, len(events))
	for _, ev := range events {
		if ev.Archived() {
			continue
		}
		articles, err := s.loadEventArticles(ctx, ev.ID)
		if err != nil {
			return nil, err
		}
		bundles[ev.ID] = EventBundle{Event: ev, Articles: articles}
	}
	return bundles, nil
}

func (s *Store) LoadAllActiveEventBundles(ctx context.Context) ([]EventBundle, error) {
	rows, err := s.query().QueryContext(ctx, `
		SELECT id, slug, title, description, event_type, centroid_embedding,
		       centroid_tfidf, entities, first_seen_at, last_updated_at,
		       archived_at, article_count, last_insight_at
		FROM events WHERE archived_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("eventstore: load active events: %w", err)
	}
	var events []core.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		events = append(events, ev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	bundles := make([]EventBundle, 0, len(events))
	for _, ev := range events {
		articles, err := s.loadEventArticles(ctx, ev.ID)
		if err != nil {
			return nil, err
		}
		bundles = append(bundles, EventBundle{Event: ev, Articles: articles})
	}
	return bundles, nil
}

func (s *Store) loadEventArticles(ctx context.Context, eventID string) ([]core.Article, error) {
	rows, err := s.query().QueryContext(ctx, `
		SELECT a.id, a.title, a.content, a.summary, a.source_name,
		       a.published_at, a.fetched_at, a.event_type, a.embedding,
		       a.tfidf, a.entities, a.extracted_locations, a.extracted_dates
		FROM event_article_links l
		JOIN articles a ON a.id = l.article_id
		WHERE l.event_id = $1`, eventID)
	if err != nil {
		return nil, fmt.Errorf("eventstore: load event articles: %w", err)
	}
	defer rows.Close()

	var out []core.Article
	for rows.Next() {
		var art core.Article
		var embeddingJSON, tfidfJSON, entitiesJSON, locationsJSON, datesJSON []byte
		if err := rows.Scan(&art.ID, &art.Title, &art.Content, &art.Summary, &art.SourceName,
			&art.PublishedAt, &art.FetchedAt, &art.EventType, &embeddingJSON,
			&tfidfJSON, &entitiesJSON, &locationsJSON, &datesJSON); err != nil {
			return nil, fmt.Errorf("eventstore: scan article: %w", err)
		}
		if err := unmarshalIfPresent(embeddingJSON, &art.Embedding); err != nil {
			return nil, err
		}
		if err := unmarshalIfPresent(tfidfJSON, &art.TFIDF); err != nil {
			return nil, err
		}
		if err := unmarshalIfPresent(entitiesJSON, &art.Entities); err != nil {
			return nil, err
		}
		if err := unmarshalIfPresent(locationsJSON, &art.ExtractedLocations); err != nil {
			return nil, err
		}
		if err := unmarshalIfPresent(datesJSON, &art.ExtractedDates); err != nil {
			return nil, err
		}
		out = append(out, art)
	}
	return out, rows.Err()
}

func (s *Store) CreateEventSkeleton(ctx context.Context, article core.Article) (core.Event, error) {
	base := Slugify(article.Title)
	slug, err := AllocateUniqueSlug(base, func(candidate string) (bool, error) {
		var exists bool
		err := s.query().QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM events WHERE slug = $1)`, candidate).Scan(&exists)
		return exists, err
	})
	if err != nil {
		return core.Event{}, fmt.Errorf("eventstore: allocate slug: %w", err)
	}

	now := article.ReferenceTime()
	centroidJSON, _ := json.Marshal(article.Embedding)
	tfidfJSON, _ := json.Marshal(article.TFIDF)
	entitiesJSON, _ := json.Marshal(article.Entities)

	var id string
	err = s.query().QueryRowContext(ctx, `
		INSERT INTO events (slug, title, description, event_type, centroid_embedding,
		                     centroid_tfidf, entities, first_seen_at, last_updated_at, article_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8, 0)
		RETURNING id`,
		slug, article.Title, article.Summary, article.EventType,
		centroidJSON, tfidfJSON, entitiesJSON, now).Scan(&id)
	if err != nil {
		return core.Event{}, fmt.Errorf("eventstore: insert event skeleton: %w", err)
	}

	return core.Event{
		ID:                id,
		Slug:              slug,
		Title:             article.Title,
		Description:       article.Summary,
		EventType:         article.EventType,
		CentroidEmbedding: article.Embedding,
		CentroidTFIDF:     article.TFIDF,
		Entities:          article.Entities,
		FirstSeenAt:       now,
		LastUpdatedAt:     now,
		ArticleCount:      0,
	}, nil
}

func (s *Store) AppendArticleToEvent(ctx context.Context, eventID string, article core.Article, link core.EventArticleLink) (core.Event, error) {
	events, err := s.GetEventsByIDs(ctx, []string{eventID})
	if err != nil {
		return core.Event{}, err
	}
	if len(events) == 0 {
		return core.Event{}, fmt.Errorf("eventstore: event %s not found", eventID)
	}
	ev := events[0]

	// The (event_id, article_id) primary key makes a repeat link a no-op
	// at the database level; mirror that at this layer by returning the
	// event unchanged rather than re-averaging the centroid a second
	// time for the same article.
	alreadyLinked, err := s.articleAlreadyLinked(ctx, eventID, article.ID)
	if err != nil {
		return core.Event{}, err
	}
	if alreadyLinked {
		return ev, nil
	}

	ev.CentroidEmbedding = AverageEmbeddingIncremental(ev.CentroidEmbedding, ev.ArticleCount, article.Embedding)
	ev.CentroidTFIDF = AverageTFIDFIncremental(ev.CentroidTFIDF, ev.ArticleCount, article.TFIDF)
	ev.Entities = MergeEntities(ev.Entities, article.Entities)
	ev.ArticleCount++
	ref := article.ReferenceTime()
	if ref.After(ev.LastUpdatedAt) {
		ev.LastUpdatedAt = ref
	}
	if ref.Before(ev.FirstSeenAt) {
		ev.FirstSeenAt = ref
	}

	centroidJSON, _ := json.Marshal(ev.CentroidEmbedding)
	tfidfJSON, _ := json.Marshal(ev.CentroidTFIDF)
	entitiesJSON, _ := json.Marshal(ev.Entities)

	if _, err := s.query().ExecContext(ctx, `
		UPDATE events SET centroid_embedding = $1, centroid_tfidf = $2, entities = $3,
		                  article_count = $4, last_updated_at = $5, first_seen_at = $6
		WHERE id = $7`,
		centroidJSON, tfidfJSON, entitiesJSON, ev.ArticleCount, ev.LastUpdatedAt, ev.FirstSeenAt, eventID); err != nil {
		return core.Event{}, fmt.Errorf("eventstore: update event centroid: %w", err)
	}

	breakdownJSON, _ := json.Marshal(link.Breakdown)
	if _, err := s.query().ExecContext(ctx, `
		INSERT INTO event_article_links (event_id, article_id, score, breakdown, linked_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id, article_id) DO NOTHING`,
		eventID, article.ID, link.Score, breakdownJSON, link.LinkedAt); err != nil {
		return core.Event{}, fmt.Errorf("eventstore: insert event article link: %w", err)
	}

	return ev, nil
}

// articleAlreadyLinked reports whether article already has a link row
// for event, the check that makes AppendArticleToEvent idempotent under
// concurrent re-assignment of the same article.
func (s *Store) articleAlreadyLinked(ctx context.Context, eventID, articleID string) (bool, error) {
	var exists bool
	err := s.query().QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM event_article_links WHERE event_id = $1 AND article_id = $2)`,
		eventID, articleID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("eventstore: check existing link: %w", err)
	}
	return exists, nil
}

func (s *Store) ReplaceCentroid(ctx context.Context, eventID string, centroid []float64, tfidf map[string]float64, entities []core.Entity, articleCount int, firstSeenAt, lastUpdatedAt time.Time) error {
	centroidJSON, _ := json.Marshal(centroid)
	tfidfJSON, _ := json.Marshal(tfidf)
	entitiesJSON, _ := json.Marshal(entities)

	_, err := s.query().ExecContext(ctx, `
		UPDATE events SET centroid_embedding = $1, centroid_tfidf = $2, entities = $3,
		                  article_count = $4, first_seen_at = $5, last_updated_at = $6
		WHERE id = $7`,
		centroidJSON, tfidfJSON, entitiesJSON, articleCount, firstSeenAt, lastUpdatedAt, eventID)
	if err != nil {
		return fmt.Errorf("eventstore: replace centroid: %w", err)
	}
	logger.Debug("centroid replaced", "event_id", eventID, "article_count", articleCount)
	return nil
}

func (s *Store) ArchiveEvents(ctx context.Context, eventIDs []string, archivedAt time.Time) error {
	if len(eventIDs) == 0 {
		return nil
	}
	_, err := s.query().ExecContext(ctx, `
		UPDATE events SET archived_at = $1 WHERE id = ANY($2) AND archived_at IS NULL`,
		archivedAt, pqStringArray(eventIDs))
	if err != nil {
		return fmt.Errorf("eventstore: archive events: %w", err)
	}
	logger.Info("events archived", "event_count", len(eventIDs), "archived_at", archivedAt)
	return nil
}

func scanEvent(rows *sql.Rows) (core.Event, error) {
	var ev core.Event
	var centroidJSON, tfidfJSON, entitiesJSON []byte
	var archivedAt, lastInsightAt sql.NullTime
	if err := rows.Scan(&ev.ID, &ev.Slug, &ev.Title, &ev.Description, &ev.EventType,
		&centroidJSON, &tfidfJSON, &entitiesJSON, &ev.FirstSeenAt, &ev.LastUpdatedAt,
		&archivedAt, &ev.ArticleCount, &lastInsightAt); err != nil {
		return core.Event{}, fmt.Errorf("eventstore: scan event: %w", err)
	}
	if archivedAt.Valid {
		ev.ArchivedAt = &archivedAt.Time
	}
	if lastInsightAt.Valid {
		ev.LastInsightAt = &lastInsightAt.Time
	}
	if err := unmarshalIfPresent(centroidJSON, &ev.CentroidEmbedding); err != nil {
		return core.Event{}, err
	}
	if err := unmarshalIfPresent(tfidfJSON, &ev.CentroidTFIDF); err != nil {
		return core.Event{}, err
	}
	if err := unmarshalIfPresent(entitiesJSON, &ev.Entities); err != nil {
		return core.Event{}, err
	}
	return ev, nil
}

func unmarshalIfPresent(data []byte, target interface{}) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("eventstore: decode json column: %w", err)
	}
	return nil
}

// pqStringArray formats a Go string slice as a Postgres array literal
// for use with = ANY($1), avoiding a dependency on lib/pq's array
// helper types so the query layer only needs the driver's basic
// placeholder support.
func pqStringArray(values []string) string {
	out := "{"
	for i, v := range values {
		if i > 0 {
			out += ","
		}
		out += `"` + escapeArrayElement(v) + `"`
	}
	return out + "}"
}

func escapeArrayElement(v string) string {
	escaped := make([]byte, 0, len(v))
	for i := 0; i < len(v); i++ {
		if v[i] == '"' || v[i] == '\\' {
			escaped = append(escaped, '\\')
		}
		escaped = append(escaped, v[i])
	}
	return string(escaped)
}
