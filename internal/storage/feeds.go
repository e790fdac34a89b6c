package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/samber/lo"

	"digestd/internal/model"
)

type feedRow struct {
	ID        int64          `db:"id"`
	Name      string         `db:"name"`
	Schedule  sql.NullString `db:"schedule"`
	Enabled   int            `db:"enabled"`
	Mode      string         `db:"mode"`
	Template  string         `db:"template"`
	Sinks     string         `db:"sinks"`
	CreatedAt string         `db:"created_at"`
}

type feedSourceRow struct {
	FeedID   int64 `db:"feed_id"`
	SourceID int64 `db:"source_id"`
	Position int   `db:"position"`
}

func (r feedRow) toModel(sourceIDs []int64) (model.Feed, error) {
	f := model.Feed{
		ID:        r.ID,
		Name:      r.Name,
		SourceIDs: sourceIDs,
		Enabled:   r.Enabled == 1,
		Mode:      model.DigestMode(r.Mode),
		Template:  r.Template,
		CreatedAt: parseTime(r.CreatedAt),
	}
	if r.Schedule.Valid {
		sched := r.Schedule.String
		f.Schedule = &sched
	}
	if err := decodeJSON(r.Sinks, &f.Sinks); err != nil {
		return f, fmt.Errorf("feed %d sinks: %w", r.ID, err)
	}
	return f, nil
}

func scheduleValue(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func feedDefaults(feed *model.Feed) {
	if feed.Mode == "" {
		feed.Mode = model.ModeIndividual
	}
	if feed.Template == "" {
		feed.Template = "default"
	}
	if len(feed.Sinks) == 0 {
		feed.Sinks = []model.SinkKind{model.SinkPersist}
	}
}

// CreateFeed inserts a new feed with its ordered source list.
func (s *SQLite) CreateFeed(ctx context.Context, feed *model.Feed) error {
	feedDefaults(feed)
	sinks, err := encodeJSON(feed.Sinks)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO feeds (name, schedule, enabled, mode, template, sinks, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		feed.Name, scheduleValue(feed.Schedule), boolToInt(feed.Enabled), string(feed.Mode), feed.Template, sinks,
		formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("insert feed: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	if err := replaceFeedSources(ctx, tx, id, feed.SourceIDs); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	feed.ID = id
	feed.CreatedAt = now
	return nil
}

// GetFeed returns a single feed by its ID.
func (s *SQLite) GetFeed(ctx context.Context, id int64) (*model.Feed, error) {
	var row feedRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, name, schedule, enabled, mode, template, sinks, created_at FROM feeds WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get feed %d: %w", id, notFound(err))
	}
	var ids []int64
	if err := s.db.SelectContext(ctx, &ids,
		`SELECT source_id FROM feed_sources WHERE feed_id = ? ORDER BY position`, id); err != nil {
		return nil, fmt.Errorf("query feed sources: %w", err)
	}
	f, err := row.toModel(ids)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// ListFeeds returns every feed ordered by ID.
func (s *SQLite) ListFeeds(ctx context.Context) ([]model.Feed, error) {
	var rows []feedRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT id, name, schedule, enabled, mode, template, sinks, created_at FROM feeds ORDER BY id`); err != nil {
		return nil, fmt.Errorf("query feeds: %w", err)
	}
	var links []feedSourceRow
	if err := s.db.SelectContext(ctx, &links,
		`SELECT feed_id, source_id, position FROM feed_sources ORDER BY feed_id, position`); err != nil {
		return nil, fmt.Errorf("query feed sources: %w", err)
	}
	byFeed := lo.GroupBy(links, func(l feedSourceRow) int64 { return l.FeedID })

	feeds := make([]model.Feed, 0, len(rows))
	for _, r := range rows {
		ids := lo.Map(byFeed[r.ID], func(l feedSourceRow, _ int) int64 { return l.SourceID })
		f, err := r.toModel(ids)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, f)
	}
	return feeds, nil
}

// UpdateFeed persists changes to an existing feed, including its source list.
func (s *SQLite) UpdateFeed(ctx context.Context, feed *model.Feed) error {
	feedDefaults(feed)
	sinks, err := encodeJSON(feed.Sinks)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE feeds SET name = ?, schedule = ?, enabled = ?, mode = ?, template = ?, sinks = ? WHERE id = ?`,
		feed.Name, scheduleValue(feed.Schedule), boolToInt(feed.Enabled), string(feed.Mode), feed.Template, sinks,
		feed.ID,
	)
	if err != nil {
		return fmt.Errorf("update feed: %w", err)
	}
	if err := requireRow(res, "feed", feed.ID); err != nil {
		return err
	}
	if err := replaceFeedSources(ctx, tx, feed.ID, feed.SourceIDs); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteFeed removes a feed and its source memberships. Past runs and
// digests stay; they carry a snapshot of the feed.
func (s *SQLite) DeleteFeed(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM feed_sources WHERE feed_id = ?`, id); err != nil {
		return fmt.Errorf("delete feed_sources: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM feeds WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete feed: %w", err)
	}
	if err := requireRow(res, "feed", id); err != nil {
		return err
	}
	return tx.Commit()
}

func replaceFeedSources(ctx context.Context, tx *sqlx.Tx, feedID int64, sourceIDs []int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM feed_sources WHERE feed_id = ?`, feedID); err != nil {
		return fmt.Errorf("clear feed sources: %w", err)
	}
	for pos, sid := range lo.Uniq(sourceIDs) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO feed_sources (feed_id, source_id, position) VALUES (?, ?, ?)`,
			feedID, sid, pos,
		); err != nil {
			return fmt.Errorf("insert feed source: %w", err)
		}
	}
	return nil
}
