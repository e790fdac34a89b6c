// Package run owns the feed-run state machine: it creates runs, sequences
// fetch, consolidation and summarization, and writes the terminal record.
package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"digestd/internal/collector"
	"digestd/internal/model"
	"digestd/internal/storage"
	"digestd/internal/summarize"
)

var (
	// ErrRunActive is returned by Trigger when the feed already has a pending
	// or running run. The existing run ID is returned alongside it.
	ErrRunActive = errors.New("feed already has an active run")
	// ErrNotActive is returned by Cancel for a run this process is not executing.
	ErrNotActive = errors.New("run is not active")
)

// Collector runs the fetch stage.
type Collector interface {
	Collect(ctx context.Context, runID string, sources []model.Source) ([]collector.Result, error)
}

// Summarizer turns a unit into a summary.
type Summarizer interface {
	Summarize(ctx context.Context, unit model.Unit, templateName string) (summarize.Result, error)
}

// BreakerResetter resets a source's circuit breaker.
type BreakerResetter interface {
	Reset(ctx context.Context, sourceID int64) error
}

// SeenRecorder records items of a source as seen.
type SeenRecorder interface {
	Commit(ctx context.Context, sourceID int64, itemIDs []string) error
}

// Publisher hands finished digests to a feed's sinks.
type Publisher interface {
	Publish(ctx context.Context, feed model.Feed, run model.FeedRun, digests []model.Digest)
}

// Config holds the controller's collaborators.
type Config struct {
	Store                storage.Storage
	Collector            Collector
	Summarizer           Summarizer
	Breaker              BreakerResetter
	Seen                 SeenRecorder
	Publisher            Publisher
	SummarizeConcurrency int
	Logger               *slog.Logger
}

// Controller triggers and executes feed runs. At most one run per feed is
// pending or running at any time.
type Controller struct {
	store       storage.Storage
	collector   Collector
	summarizer  Summarizer
	breaker     BreakerResetter
	seen        SeenRecorder
	publisher   Publisher
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
	newID       func() string

	base     context.Context
	stop     context.CancelFunc
	mu       sync.Mutex
	active   map[int64]string
	cancels  map[string]context.CancelFunc
	inFlight sync.WaitGroup
}

// NewController creates a Controller. Runs dispatched by Trigger are
// cancelled by Close.
func NewController(cfg Config) *Controller {
	concurrency := cfg.SummarizeConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	base, stop := context.WithCancel(context.Background())
	return &Controller{
		store:       cfg.Store,
		collector:   cfg.Collector,
		summarizer:  cfg.Summarizer,
		breaker:     cfg.Breaker,
		seen:        cfg.Seen,
		publisher:   cfg.Publisher,
		concurrency: concurrency,
		logger:      cfg.Logger,
		now:         time.Now,
		newID:       uuid.NewString,
		base:        base,
		stop:        stop,
		active:      make(map[int64]string),
		cancels:     make(map[string]context.CancelFunc),
	}
}

// Create records a pending run for a feed without starting it. When the feed
// already has an active run its ID is returned together with ErrRunActive.
func (c *Controller) Create(ctx context.Context, feedID int64, by model.TriggerKind) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id, ok := c.active[feedID]; ok {
		return id, ErrRunActive
	}
	existing, err := c.store.ActiveRun(ctx, feedID)
	switch {
	case err == nil:
		return existing.ID, ErrRunActive
	case !errors.Is(err, storage.ErrNotFound):
		return "", fmt.Errorf("check active run: %w", err)
	}

	feed, err := c.store.GetFeed(ctx, feedID)
	if err != nil {
		return "", fmt.Errorf("load feed: %w", err)
	}
	run := &model.FeedRun{
		ID:          c.newID(),
		FeedID:      feed.ID,
		FeedName:    feed.Name,
		TriggeredBy: by,
		Status:      model.RunPending,
		CreatedAt:   c.now().UTC(),
	}
	if err := c.store.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	c.active[feedID] = run.ID
	c.logger.Info("run created", "run_id", run.ID, "feed_id", feedID, "triggered_by", by)
	return run.ID, nil
}

// Trigger creates a run and executes it in the background. The run can be
// cancelled as soon as Trigger returns.
func (c *Controller) Trigger(ctx context.Context, feedID int64, by model.TriggerKind) (string, error) {
	id, err := c.Create(ctx, feedID, by)
	if err != nil {
		return id, err
	}
	runCtx, cancel := c.track(c.base, id)
	c.inFlight.Add(1)
	go func() {
		defer c.inFlight.Done()
		if err := c.executeTracked(runCtx, cancel, id); err != nil {
			c.logger.Error("run failed", "run_id", id, "feed_id", feedID, "error", err)
		}
	}()
	return id, nil
}

// Execute runs a pending run to a terminal state. The returned error reports
// run-level failures only; source and unit failures end up on the run record.
func (c *Controller) Execute(ctx context.Context, runID string) error {
	runCtx, cancel := c.track(ctx, runID)
	return c.executeTracked(runCtx, cancel, runID)
}

// track derives the run's context and makes it reachable by Cancel.
func (c *Controller) track(ctx context.Context, runID string) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancels[runID] = cancel
	c.mu.Unlock()
	return runCtx, cancel
}

func (c *Controller) executeTracked(ctx context.Context, cancel context.CancelFunc, runID string) error {
	defer cancel()

	run, err := c.store.GetRun(context.WithoutCancel(ctx), runID)
	if err != nil {
		c.forget(runID, 0)
		return fmt.Errorf("load run: %w", err)
	}
	defer c.forget(runID, run.FeedID)

	return c.execute(ctx, run)
}

func (c *Controller) forget(runID string, feedID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cancels, runID)
	if feedID != 0 && c.active[feedID] == runID {
		delete(c.active, feedID)
	}
}

// Cancel stops a run this process is executing. Sources and units not yet
// started are skipped; in-flight calls finish but their results are dropped.
func (c *Controller) Cancel(runID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cancel, ok := c.cancels[runID]
	if !ok {
		return fmt.Errorf("cancel %s: %w", runID, ErrNotActive)
	}
	cancel()
	return nil
}

// Get returns a snapshot of a run.
func (c *Controller) Get(ctx context.Context, runID string) (*model.FeedRun, error) {
	return c.store.GetRun(ctx, runID)
}

// History returns a feed's most recent runs, newest first.
func (c *Controller) History(ctx context.Context, feedID int64, limit uint64) ([]model.FeedRun, error) {
	return c.store.ListRuns(ctx, storage.RunFilter{FeedID: feedID, Limit: limit})
}

// Digests returns the digests a run produced.
func (c *Controller) Digests(ctx context.Context, runID string) ([]model.Digest, error) {
	return c.store.ListDigests(ctx, runID)
}

// ResetBreaker forces a source's circuit breaker closed.
func (c *Controller) ResetBreaker(ctx context.Context, sourceID int64) error {
	return c.breaker.Reset(ctx, sourceID)
}

// Wait blocks until every run dispatched by Trigger has finished.
func (c *Controller) Wait() {
	c.inFlight.Wait()
}

// Close cancels dispatched runs and waits for them to reach a terminal state.
func (c *Controller) Close() {
	c.stop()
	c.Wait()
}

// Recover fails runs left pending or running by a previous process, so they
// no longer block new triggers.
func (c *Controller) Recover(ctx context.Context) error {
	runs, err := c.store.ListRuns(ctx, storage.RunFilter{Status: []model.RunStatus{model.RunPending, model.RunRunning}})
	if err != nil {
		return fmt.Errorf("list active runs: %w", err)
	}
	for _, r := range runs {
		c.mu.Lock()
		_, mine := c.cancels[r.ID]
		c.mu.Unlock()
		if mine {
			continue
		}
		if err := c.abort(ctx, &r, model.RunFailed); err != nil {
			return err
		}
		c.logger.Warn("recovered interrupted run", "run_id", r.ID, "feed_id", r.FeedID)
	}
	return nil
}
