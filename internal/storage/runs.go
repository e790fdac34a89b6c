package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/samber/lo"

	"digestd/internal/model"
)

const runColumns = `id, feed_id, feed_name, triggered_by, status, sources_total, sources_processed,
	sources_failed, items_fetched, digests_created, tokens_in, tokens_out, created_at, started_at, finished_at`

var activeStatuses = []string{string(model.RunPending), string(model.RunRunning)}

type runRow struct {
	ID               string         `db:"id"`
	FeedID           int64          `db:"feed_id"`
	FeedName         string         `db:"feed_name"`
	TriggeredBy      string         `db:"triggered_by"`
	Status           string         `db:"status"`
	SourcesTotal     int            `db:"sources_total"`
	SourcesProcessed int            `db:"sources_processed"`
	SourcesFailed    int            `db:"sources_failed"`
	ItemsFetched     int            `db:"items_fetched"`
	DigestsCreated   int            `db:"digests_created"`
	TokensIn         int            `db:"tokens_in"`
	TokensOut        int            `db:"tokens_out"`
	CreatedAt        string         `db:"created_at"`
	StartedAt        sql.NullString `db:"started_at"`
	FinishedAt       sql.NullString `db:"finished_at"`
}

func (r runRow) toModel() model.FeedRun {
	return model.FeedRun{
		ID:               r.ID,
		FeedID:           r.FeedID,
		FeedName:         r.FeedName,
		TriggeredBy:      model.TriggerKind(r.TriggeredBy),
		Status:           model.RunStatus(r.Status),
		SourcesTotal:     r.SourcesTotal,
		SourcesProcessed: r.SourcesProcessed,
		SourcesFailed:    r.SourcesFailed,
		ItemsFetched:     r.ItemsFetched,
		DigestsCreated:   r.DigestsCreated,
		TokensIn:         r.TokensIn,
		TokensOut:        r.TokensOut,
		CreatedAt:        parseTime(r.CreatedAt),
		StartedAt:        parseNullTime(r.StartedAt),
		FinishedAt:       parseNullTime(r.FinishedAt),
	}
}

type runErrorRow struct {
	Kind      string `db:"kind"`
	Ref       string `db:"ref"`
	Provider  string `db:"provider"`
	Message   string `db:"message"`
	CreatedAt string `db:"created_at"`
}

type runSourceRow struct {
	SourceID   int64  `db:"source_id"`
	SourceName string `db:"source_name"`
	State      string `db:"state"`
	Items      int    `db:"items"`
	Error      string `db:"error"`
}

// CreateRun inserts a new pending run.
func (s *SQLite) CreateRun(ctx context.Context, run *model.FeedRun) error {
	if run.Status == "" {
		run.Status = model.RunPending
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, feed_id, feed_name, triggered_by, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.FeedID, run.FeedName, string(run.TriggeredBy), string(run.Status), formatTime(run.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun returns a run snapshot including per-source statuses and errors.
func (s *SQLite) GetRun(ctx context.Context, id string) (*model.FeedRun, error) {
	var row runRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, notFound(err))
	}
	run := row.toModel()

	var errRows []runErrorRow
	if err := s.db.SelectContext(ctx, &errRows,
		`SELECT kind, ref, provider, message, created_at FROM run_errors WHERE run_id = ? ORDER BY id`, id); err != nil {
		return nil, fmt.Errorf("query run errors: %w", err)
	}
	run.Errors = lo.Map(errRows, func(r runErrorRow, _ int) model.RunError {
		return model.RunError{
			Kind:     model.ErrorKind(r.Kind),
			Time:     parseTime(r.CreatedAt),
			Ref:      r.Ref,
			Provider: r.Provider,
			Message:  r.Message,
		}
	})

	var srcRows []runSourceRow
	if err := s.db.SelectContext(ctx, &srcRows,
		`SELECT source_id, source_name, state, items, error FROM run_sources WHERE run_id = ? ORDER BY position`,
		id); err != nil {
		return nil, fmt.Errorf("query run sources: %w", err)
	}
	run.Sources = lo.Map(srcRows, func(r runSourceRow, _ int) model.SourceStatus {
		return model.SourceStatus{
			SourceID:   r.SourceID,
			SourceName: r.SourceName,
			State:      model.SourceState(r.State),
			Items:      r.Items,
			Error:      r.Error,
		}
	})
	return &run, nil
}

// ActiveRun returns the pending or running run of a feed, or ErrNotFound.
func (s *SQLite) ActiveRun(ctx context.Context, feedID int64) (*model.FeedRun, error) {
	runs, err := s.ListRuns(ctx, RunFilter{
		FeedID: feedID,
		Status: []model.RunStatus{model.RunPending, model.RunRunning},
		Limit:  1,
	})
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrNotFound
	}
	return &runs[0], nil
}

// ListRuns returns run summaries, newest first. Errors and per-source
// statuses are not loaded; use GetRun for a full snapshot.
func (s *SQLite) ListRuns(ctx context.Context, f RunFilter) ([]model.FeedRun, error) {
	b := sq.Select(runColumns).From("runs").OrderBy("rowid DESC")
	if f.FeedID != 0 {
		b = b.Where(sq.Eq{"feed_id": f.FeedID})
	}
	if len(f.Status) > 0 {
		b = b.Where(sq.Eq{"status": lo.Map(f.Status, func(st model.RunStatus, _ int) string { return string(st) })})
	}
	if f.Limit > 0 {
		b = b.Limit(f.Limit)
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	return lo.Map(rows, func(r runRow, _ int) model.FeedRun { return r.toModel() }), nil
}

// StartRun moves a pending run to running and records the sources it will
// attempt. SourcesTotal is set to len(sources).
func (s *SQLite) StartRun(ctx context.Context, id string, sources []model.SourceStatus) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, started_at = ?, sources_total = ? WHERE id = ? AND status = ?`,
		string(model.RunRunning), formatTime(time.Now()), len(sources), id, string(model.RunPending),
	)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("start run %s: %w", id, ErrRunTerminal)
	}
	for pos, st := range sources {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_sources (run_id, source_id, source_name, position, state, items, error)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, st.SourceID, st.SourceName, pos, string(st.State), st.Items, st.Error,
		); err != nil {
			return fmt.Errorf("insert run source: %w", err)
		}
	}
	return tx.Commit()
}

// IncrementRun applies counter deltas in a single atomic statement.
func (s *SQLite) IncrementRun(ctx context.Context, id string, c RunCounters) error {
	b := sq.Update("runs").Where(sq.Eq{"id": id}).Where(sq.Eq{"status": activeStatuses})
	deltas := []struct {
		col string
		n   int
	}{
		{"sources_processed", c.Processed},
		{"sources_failed", c.Failed},
		{"items_fetched", c.Items},
		{"digests_created", c.Digests},
		{"tokens_in", c.TokensIn},
		{"tokens_out", c.TokensOut},
	}
	changed := false
	for _, d := range deltas {
		if d.n == 0 {
			continue
		}
		b = b.Set(d.col, sq.Expr(d.col+" + ?", d.n))
		changed = true
	}
	if !changed {
		return nil
	}
	res, err := execBuilder(ctx, s.db, b)
	if err != nil {
		return fmt.Errorf("increment run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("increment run %s: %w", id, ErrRunTerminal)
	}
	return nil
}

// SetSourceStatus records the outcome of one source within a run.
func (s *SQLite) SetSourceStatus(ctx context.Context, runID string, st model.SourceStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE run_sources SET state = ?, items = ?, error = ? WHERE run_id = ? AND source_id = ?`,
		string(st.State), st.Items, st.Error, runID, st.SourceID,
	)
	if err != nil {
		return fmt.Errorf("set source status: %w", err)
	}
	return nil
}

// AddRunError appends a structured error entry to a run.
func (s *SQLite) AddRunError(ctx context.Context, runID string, e model.RunError) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_errors (run_id, kind, ref, provider, message, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, string(e.Kind), e.Ref, e.Provider, e.Message, formatTime(e.Time),
	)
	if err != nil {
		return fmt.Errorf("insert run error: %w", err)
	}
	return nil
}

// FinishRun writes the terminal status. It fails with ErrRunTerminal if the
// run has already finished, and with ErrNotFound if it does not exist.
func (s *SQLite) FinishRun(ctx context.Context, id string, status model.RunStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("finish run %s: status %q is not terminal", id, status)
	}
	res, err := execBuilder(ctx, s.db, sq.Update("runs").
		Set("status", string(status)).
		Set("finished_at", formatTime(time.Now())).
		Where(sq.Eq{"id": id, "status": activeStatuses}))
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.GetRun(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("finish run: %w", err)
	}
	return fmt.Errorf("finish run %s: %w", id, ErrRunTerminal)
}
