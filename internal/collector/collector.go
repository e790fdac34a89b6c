// Package collector fetches the sources of one run concurrently, isolating
// per-source failures.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"digestd/internal/fetcher"
	"digestd/internal/filter"
	"digestd/internal/model"
	"digestd/internal/storage"
)

// Store is the subset of persistence the collector writes to.
type Store interface {
	IncrementRun(ctx context.Context, id string, c storage.RunCounters) error
	SetSourceStatus(ctx context.Context, runID string, st model.SourceStatus) error
	AddRunError(ctx context.Context, runID string, e model.RunError) error
}

// Breaker gates attempts on a source.
type Breaker interface {
	Allow(ctx context.Context, sourceID int64) (bool, error)
	RecordSuccess(ctx context.Context, sourceID int64) error
	RecordFailure(ctx context.Context, sourceID int64) error
	Release(ctx context.Context, sourceID int64) error
}

// Dedup drops previously seen items. Items are recorded as seen by the run
// once they are part of a stored digest.
type Dedup interface {
	Fresh(ctx context.Context, sourceID int64, items []model.Item) ([]model.Item, error)
}

// Result is the outcome for one source. Marker is the marker the fetcher
// reported when it differs from the stored one; the run saves it once every
// item of the source has been digested.
type Result struct {
	Source model.Source
	Items  []model.Item
	Marker string
	Status model.SourceStatus
	Err    *model.RunError
}

// OK reports whether the source was fetched successfully.
func (r Result) OK() bool {
	return r.Status.State == model.SourceOK
}

// Collector runs the fetch stage of a run.
type Collector struct {
	registry    *fetcher.Registry
	breaker     Breaker
	dedup       Dedup
	store       Store
	concurrency int
	timeout     time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a Collector fetching at most concurrency sources at once, each
// bounded by timeout.
func New(registry *fetcher.Registry, breaker Breaker, dedup Dedup, store Store, concurrency int, timeout time.Duration, logger *slog.Logger) *Collector {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Collector{
		registry:    registry,
		breaker:     breaker,
		dedup:       dedup,
		store:       store,
		concurrency: concurrency,
		timeout:     timeout,
		logger:      logger,
		now:         time.Now,
	}
}

// Collect fetches every source and returns one result per source in input
// order. Every source increments exactly one of the run's processed or failed
// counters. Sources not started before ctx is cancelled, and sources whose
// fetch completes after it, are counted as failed and their items dropped.
// The returned error joins persistence failures; fetch failures are reported
// in the results only.
func (c *Collector) Collect(ctx context.Context, runID string, sources []model.Source) ([]Result, error) {
	results := make([]Result, len(sources))
	var (
		mu       sync.Mutex
		saveErrs []error
	)

	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, src := range sources {
		g.Go(func() error {
			res, err := c.collectOne(ctx, runID, src)
			results[i] = res
			if err != nil {
				mu.Lock()
				saveErrs = append(saveErrs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(saveErrs...)
}

func (c *Collector) collectOne(ctx context.Context, runID string, src model.Source) (Result, error) {
	// Persistence outlives cancellation so the run record stays consistent.
	bg := context.WithoutCancel(ctx)
	log := c.logger.With("run_id", runID, "source_id", src.ID)

	if ctx.Err() != nil {
		return c.finish(bg, runID, src, nil, model.SourceFailed, nil, "cancelled before fetch")
	}

	allowed, err := c.breaker.Allow(bg, src.ID)
	if err != nil {
		log.Error("breaker check failed", "error", err)
		return c.finish(bg, runID, src, nil, model.SourceFailed, c.runError(model.FetchError, src, err.Error()), "")
	}
	if !allowed {
		log.Info("source skipped, circuit open")
		return c.finish(bg, runID, src, nil, model.SourceSkipped, c.runError(model.FetchError, src, "circuit open"), "")
	}

	items, marker, err := c.fetch(bg, src)
	if ctx.Err() != nil {
		log.Info("run cancelled, discarding fetch result")
		c.release(bg, log, src.ID)
		return c.finish(bg, runID, src, nil, model.SourceFailed, nil, "cancelled")
	}
	if err != nil {
		kind := classify(err)
		log.Warn("source fetch failed", "kind", kind, "error", err)
		if berr := c.breaker.RecordFailure(bg, src.ID); berr != nil {
			log.Error("record breaker failure", "error", berr)
		}
		return c.finish(bg, runID, src, nil, model.SourceFailed, c.runError(kind, src, err.Error()), "")
	}

	fetched := len(items)
	items = Select(items, src)
	fresh, err := c.dedup.Fresh(bg, src.ID, items)
	if err != nil {
		log.Error("dedup failed", "error", err)
		c.release(bg, log, src.ID)
		return c.finish(bg, runID, src, nil, model.SourceFailed, c.runError(model.SaveError, src, err.Error()), "")
	}

	if err := c.breaker.RecordSuccess(bg, src.ID); err != nil {
		log.Error("record breaker success", "error", err)
	}
	log.Debug("source fetched", "fetched", fetched, "new", len(fresh))
	res, err := c.finish(bg, runID, src, fresh, model.SourceOK, nil, "")
	if marker != src.Marker {
		res.Marker = marker
	}
	return res, err
}

// release returns an unused half-open probe so the source is not locked out.
func (c *Collector) release(ctx context.Context, log *slog.Logger, sourceID int64) {
	if err := c.breaker.Release(ctx, sourceID); err != nil {
		log.Error("release breaker probe", "error", err)
	}
}

// fetch runs the source's fetcher under the per-source timeout. A fetcher
// that ignores its context is abandoned when the timeout fires.
func (c *Collector) fetch(ctx context.Context, src model.Source) ([]model.Item, string, error) {
	f, err := c.registry.Resolve(src.Type)
	if err != nil {
		return nil, "", err
	}
	fctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type outcome struct {
		items  []model.Item
		marker string
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		items, marker, err := f.Fetch(fctx, src, src.Marker)
		ch <- outcome{items, marker, err}
	}()

	select {
	case o := <-ch:
		if o.err != nil {
			return nil, "", o.err
		}
		for i := range o.items {
			o.items[i].SourceID = src.ID
		}
		return o.items, o.marker, nil
	case <-fctx.Done():
		return nil, "", fmt.Errorf("fetch %s: %w", src.Endpoint, fctx.Err())
	}
}

// Select applies the source's keyword filters and keeps the newest MaxItems.
func Select(items []model.Item, src model.Source) []model.Item {
	items = filter.Apply(items, src.Filters)
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].PublishedAt.After(items[j].PublishedAt)
	})
	if src.MaxItems > 0 && len(items) > src.MaxItems {
		items = items[:src.MaxItems]
	}
	return items
}

func (c *Collector) runError(kind model.ErrorKind, src model.Source, msg string) *model.RunError {
	return &model.RunError{
		Kind:    kind,
		Time:    c.now().UTC(),
		Ref:     SourceRef(src.ID),
		Message: msg,
	}
}

// finish persists the source outcome and bumps the run counters.
func (c *Collector) finish(ctx context.Context, runID string, src model.Source, items []model.Item, state model.SourceState, runErr *model.RunError, note string) (Result, error) {
	st := model.SourceStatus{
		SourceID:   src.ID,
		SourceName: src.Name,
		State:      state,
		Items:      len(items),
		Error:      note,
	}
	if runErr != nil {
		st.Error = runErr.Message
	}
	res := Result{Source: src, Items: items, Status: st, Err: runErr}

	delta := storage.RunCounters{Failed: 1}
	if state == model.SourceOK {
		delta = storage.RunCounters{Processed: 1, Items: len(items)}
	}

	var errs []error
	if runErr != nil {
		if err := c.store.AddRunError(ctx, runID, *runErr); err != nil {
			errs = append(errs, fmt.Errorf("add run error: %w", err))
		}
	}
	if err := c.store.SetSourceStatus(ctx, runID, st); err != nil {
		errs = append(errs, fmt.Errorf("set source status: %w", err))
	}
	if err := c.store.IncrementRun(ctx, runID, delta); err != nil {
		errs = append(errs, fmt.Errorf("increment run: %w", err))
	}
	return res, errors.Join(errs...)
}

// SourceRef is the run error reference of a source.
func SourceRef(id int64) string {
	return fmt.Sprintf("source:%d", id)
}

func classify(err error) model.ErrorKind {
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return model.TimeoutError
	case errors.As(err, &ne) && ne.Timeout():
		return model.TimeoutError
	case errors.Is(err, fetcher.ErrParse):
		return model.ParseError
	default:
		return model.FetchError
	}
}
