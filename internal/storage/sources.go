package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"digestd/internal/model"
)

const sourceColumns = `id, name, type, endpoint, enabled, filters, max_items, marker,
	breaker_state, breaker_failures, breaker_last_failure_at, breaker_probe, created_at`

type sourceRow struct {
	ID              int64          `db:"id"`
	Name            string         `db:"name"`
	Type            string         `db:"type"`
	Endpoint        string         `db:"endpoint"`
	Enabled         int            `db:"enabled"`
	Filters         string         `db:"filters"`
	MaxItems        int            `db:"max_items"`
	Marker          string         `db:"marker"`
	BreakerState    string         `db:"breaker_state"`
	BreakerFailures int            `db:"breaker_failures"`
	BreakerLastFail sql.NullString `db:"breaker_last_failure_at"`
	BreakerProbe    int            `db:"breaker_probe"`
	CreatedAt       string         `db:"created_at"`
}

func (r sourceRow) toModel() (model.Source, error) {
	src := model.Source{
		ID:       r.ID,
		Name:     r.Name,
		Type:     model.SourceType(r.Type),
		Endpoint: r.Endpoint,
		Enabled:  r.Enabled == 1,
		MaxItems: r.MaxItems,
		Marker:   r.Marker,
		Breaker: model.BreakerState{
			State:         model.CircuitState(r.BreakerState),
			Failures:      r.BreakerFailures,
			LastFailureAt: parseNullTime(r.BreakerLastFail),
			ProbeInFlight: r.BreakerProbe == 1,
		},
		CreatedAt: parseTime(r.CreatedAt),
	}
	if err := decodeJSON(r.Filters, &src.Filters); err != nil {
		return src, fmt.Errorf("source %d filters: %w", r.ID, err)
	}
	return src, nil
}

// CreateSource inserts a new source and populates its ID and CreatedAt.
func (s *SQLite) CreateSource(ctx context.Context, src *model.Source) error {
	filters, err := encodeJSON(nonNilFilters(src.Filters))
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sources (name, type, endpoint, enabled, filters, max_items, marker, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		src.Name, string(src.Type), src.Endpoint, boolToInt(src.Enabled), filters, src.MaxItems, src.Marker,
		formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("insert source: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	src.ID = id
	src.CreatedAt = now
	src.Breaker = model.BreakerState{State: model.CircuitClosed}
	return nil
}

// GetSource returns a single source by its ID.
func (s *SQLite) GetSource(ctx context.Context, id int64) (*model.Source, error) {
	var row sourceRow
	err := s.db.GetContext(ctx, &row, `SELECT `+sourceColumns+` FROM sources WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get source %d: %w", id, notFound(err))
	}
	src, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &src, nil
}

// ListSources returns all sources ordered by ID.
func (s *SQLite) ListSources(ctx context.Context) ([]model.Source, error) {
	var rows []sourceRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+sourceColumns+` FROM sources ORDER BY id`); err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	sources := make([]model.Source, 0, len(rows))
	for _, r := range rows {
		src, err := r.toModel()
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, nil
}

// UpdateSource persists configuration changes to a source. Breaker state and
// the fetch marker are owned by runs and are not touched here.
func (s *SQLite) UpdateSource(ctx context.Context, src *model.Source) error {
	filters, err := encodeJSON(nonNilFilters(src.Filters))
	if err != nil {
		return err
	}
	res, err := execBuilder(ctx, s.db, sq.Update("sources").
		Set("name", src.Name).
		Set("type", string(src.Type)).
		Set("endpoint", src.Endpoint).
		Set("enabled", boolToInt(src.Enabled)).
		Set("filters", filters).
		Set("max_items", src.MaxItems).
		Where(sq.Eq{"id": src.ID}))
	if err != nil {
		return fmt.Errorf("update source: %w", err)
	}
	return requireRow(res, "source", src.ID)
}

// DeleteSource removes a source, its feed memberships and its seen history.
func (s *SQLite) DeleteSource(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM seen_items WHERE source_id = ?`, id); err != nil {
		return fmt.Errorf("delete seen_items: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM feed_sources WHERE source_id = ?`, id); err != nil {
		return fmt.Errorf("delete feed_sources: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sources WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete source: %w", err)
	}
	if err := requireRow(res, "source", id); err != nil {
		return err
	}
	return tx.Commit()
}

// SetSourceMarker stores the since-marker returned by the last successful fetch.
func (s *SQLite) SetSourceMarker(ctx context.Context, id int64, marker string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE sources SET marker = ? WHERE id = ?`, marker, id); err != nil {
		return fmt.Errorf("set marker: %w", err)
	}
	return nil
}

// GetBreaker returns the circuit breaker state of a source.
func (s *SQLite) GetBreaker(ctx context.Context, sourceID int64) (model.BreakerState, error) {
	var row struct {
		State    string         `db:"breaker_state"`
		Failures int            `db:"breaker_failures"`
		LastFail sql.NullString `db:"breaker_last_failure_at"`
		Probe    int            `db:"breaker_probe"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT breaker_state, breaker_failures, breaker_last_failure_at, breaker_probe
		 FROM sources WHERE id = ?`, sourceID)
	if err != nil {
		return model.BreakerState{}, fmt.Errorf("get breaker %d: %w", sourceID, notFound(err))
	}
	return model.BreakerState{
		State:         model.CircuitState(row.State),
		Failures:      row.Failures,
		LastFailureAt: parseNullTime(row.LastFail),
		ProbeInFlight: row.Probe == 1,
	}, nil
}

// SaveBreaker overwrites the circuit breaker state of a source.
func (s *SQLite) SaveBreaker(ctx context.Context, sourceID int64, st model.BreakerState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sources SET breaker_state = ?, breaker_failures = ?, breaker_last_failure_at = ?, breaker_probe = ?
		 WHERE id = ?`,
		string(st.State), st.Failures, nullTime(st.LastFailureAt), boolToInt(st.ProbeInFlight), sourceID,
	)
	if err != nil {
		return fmt.Errorf("save breaker: %w", err)
	}
	return requireRow(res, "source", sourceID)
}

func requireRow(res sql.Result, what string, id any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %v: %w", what, id, ErrNotFound)
	}
	return nil
}

func nonNilFilters(f []model.Filter) []model.Filter {
	if f == nil {
		return []model.Filter{}
	}
	return f
}
