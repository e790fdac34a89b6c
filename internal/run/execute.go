package run

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"digestd/internal/collector"
	"digestd/internal/consolidate"
	"digestd/internal/model"
	"digestd/internal/storage"
	"digestd/internal/summarize"
)

// Status derives the terminal status of a run that was not cancelled and hit
// no run-level error. total and failed count sources; issues counts unit and
// save errors. A run that found nothing new is completed.
func Status(total, failed, issues int) model.RunStatus {
	switch {
	case total > 0 && failed == total:
		return model.RunFailed
	case failed > 0 || issues > 0:
		return model.RunCompletedWithErrors
	default:
		return model.RunCompleted
	}
}

// UnitRef is the run error reference of a summarization unit.
func UnitRef(index int) string {
	return fmt.Sprintf("unit:%d", index)
}

func (c *Controller) execute(ctx context.Context, run *model.FeedRun) error {
	// Writes to the run record must survive cancellation of ctx.
	bg := context.WithoutCancel(ctx)
	log := c.logger.With("run_id", run.ID, "feed_id", run.FeedID)

	feed, err := c.store.GetFeed(bg, run.FeedID)
	if err != nil {
		_ = c.recordError(bg, run.ID, model.FetchError, fmt.Sprintf("feed:%d", run.FeedID), "", err)
		return c.fail(bg, run, fmt.Errorf("load feed: %w", err))
	}
	sources, err := c.loadSources(bg, feed)
	if err != nil {
		return c.fail(bg, run, err)
	}

	statuses := lo.Map(sources, func(s model.Source, _ int) model.SourceStatus {
		return model.SourceStatus{SourceID: s.ID, SourceName: s.Name, State: model.SourcePending}
	})
	if err := c.store.StartRun(bg, run.ID, statuses); err != nil {
		return c.fail(bg, run, fmt.Errorf("start run: %w", err))
	}
	run.Status = model.RunRunning
	log.Info("run started", "sources", len(sources))

	results, err := c.collector.Collect(ctx, run.ID, sources)
	if err != nil {
		return c.fail(bg, run, fmt.Errorf("collect: %w", err))
	}
	if ctx.Err() != nil {
		return c.cancelled(bg, run)
	}

	failed := lo.CountBy(results, func(r collector.Result) bool { return !r.OK() })
	perSource := make([]consolidate.SourceItems, 0, len(results))
	for _, r := range results {
		if r.OK() {
			perSource = append(perSource, consolidate.SourceItems{SourceID: r.Source.ID, Items: r.Items})
		}
	}
	units := consolidate.Build(feed.Mode, perSource)
	names := lo.Associate(sources, func(s model.Source) (int64, string) { return s.ID, s.Name })

	digests, issues, err := c.summarizeUnits(ctx, run.ID, feed, units, names)
	if err != nil {
		return c.fail(bg, run, err)
	}
	// Stored digests count even when the run is then cancelled.
	issues += c.commitSeen(bg, run.ID, results, digests)
	if ctx.Err() != nil {
		return c.cancelled(bg, run)
	}

	status := Status(len(sources), failed, issues)
	if err := c.store.FinishRun(bg, run.ID, status); err != nil {
		log.Error("write terminal status", "status", status, "error", err)
		err = fmt.Errorf("finish run: %w", err)
		if errors.Is(err, storage.ErrRunTerminal) {
			return err
		}
		if aerr := c.abort(bg, run, model.RunFailed); aerr != nil {
			return errors.Join(err, aerr)
		}
		return err
	}
	log.Info("run finished",
		"status", status,
		"sources_failed", failed,
		"units", len(units),
		"digests", len(digests),
	)

	if len(digests) > 0 && c.publisher != nil {
		final, err := c.store.GetRun(bg, run.ID)
		if err != nil {
			log.Warn("reload run for delivery", "error", err)
			final = run
		}
		c.publisher.Publish(bg, *feed, *final, digests)
	}
	return nil
}

// commitSeen records the items that made it into a stored digest as seen and
// saves the new marker of every source whose items all did. Items of failed or
// skipped units stay unseen so the next run picks them up again. It returns
// the number of sources whose history could not be saved.
func (c *Controller) commitSeen(ctx context.Context, runID string, results []collector.Result, digests []model.Digest) int {
	done := make(map[int64]map[string]bool)
	for _, d := range digests {
		for _, p := range d.Provenance {
			if done[p.SourceID] == nil {
				done[p.SourceID] = make(map[string]bool)
			}
			done[p.SourceID][p.ItemID] = true
		}
	}

	var issues int
	for _, r := range results {
		if !r.OK() {
			continue
		}
		ids := lo.FilterMap(r.Items, func(it model.Item, _ int) (string, bool) {
			return it.ID, done[r.Source.ID][it.ID]
		})
		if len(ids) > 0 && c.seen != nil {
			if err := c.seen.Commit(ctx, r.Source.ID, ids); err != nil {
				c.logger.Error("record seen items", "run_id", runID, "source_id", r.Source.ID, "error", err)
				if rerr := c.recordError(ctx, runID, model.SaveError, collector.SourceRef(r.Source.ID), "", err); rerr != nil {
					c.logger.Error("record run error", "run_id", runID, "error", rerr)
				}
				issues++
				continue
			}
		}
		if r.Marker == "" || len(ids) < len(r.Items) {
			continue
		}
		if err := c.store.SetSourceMarker(ctx, r.Source.ID, r.Marker); err != nil {
			c.logger.Warn("save marker", "run_id", runID, "source_id", r.Source.ID, "error", err)
		}
	}
	return issues
}

// loadSources resolves the feed's enabled sources in feed order. Sources
// deleted since the feed was edited are ignored.
func (c *Controller) loadSources(ctx context.Context, feed *model.Feed) ([]model.Source, error) {
	sources := make([]model.Source, 0, len(feed.SourceIDs))
	for _, id := range feed.SourceIDs {
		src, err := c.store.GetSource(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load source %d: %w", id, err)
		}
		if src.Enabled {
			sources = append(sources, *src)
		}
	}
	return sources, nil
}

// summarizeUnits fans units out to the summarizer and persists each digest as
// it completes. Digests are returned in unit order. issues counts unit and
// save errors; err reports a failure to write the run record.
func (c *Controller) summarizeUnits(ctx context.Context, runID string, feed *model.Feed, units []model.Unit, names map[int64]string) ([]model.Digest, int, error) {
	bg := context.WithoutCancel(ctx)
	slots := make([]*model.Digest, len(units))
	var (
		mu      sync.Mutex
		issues  int
		recErrs []error
	)
	addIssue := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		issues++
		if err != nil {
			recErrs = append(recErrs, err)
		}
	}

	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, unit := range units {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			res, err := c.summarizer.Summarize(bg, unit, feed.Template)
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				provider := ""
				var ue *summarize.UnitError
				if errors.As(err, &ue) {
					provider = ue.Provider
				}
				c.logger.Warn("unit failed", "run_id", runID, "unit", unit.Index, "provider", provider, "error", err)
				addIssue(c.recordError(bg, runID, model.SummarizeError, UnitRef(unit.Index), provider, err))
				return nil
			}

			d := newDigest(c.newID(), runID, unit, res, names)
			d.CreatedAt = c.now().UTC()
			if err := c.store.SaveDigest(bg, d); err != nil {
				c.logger.Error("save digest", "run_id", runID, "unit", unit.Index, "error", err)
				addIssue(c.recordError(bg, runID, model.SaveError, UnitRef(unit.Index), res.Provider, err))
				return nil
			}
			if err := c.store.IncrementRun(bg, runID, storage.RunCounters{
				Digests:   1,
				TokensIn:  res.TokensIn,
				TokensOut: res.TokensOut,
			}); err != nil {
				mu.Lock()
				recErrs = append(recErrs, fmt.Errorf("increment run: %w", err))
				mu.Unlock()
			}
			slots[i] = d
			return nil
		})
	}
	_ = g.Wait()

	digests := make([]model.Digest, 0, len(slots))
	for _, d := range slots {
		if d != nil {
			digests = append(digests, *d)
		}
	}
	return digests, issues, errors.Join(recErrs...)
}

func newDigest(id, runID string, unit model.Unit, res summarize.Result, names map[int64]string) *model.Digest {
	title := res.Title
	if title == "" && len(unit.Items) > 0 {
		title = unit.Items[0].Title
	}
	prov := lo.Map(unit.Items, func(it model.Item, _ int) model.Provenance {
		return model.Provenance{SourceID: it.SourceID, ItemID: it.ID, Title: it.Title, Link: it.Link}
	})
	attribution := lo.Uniq(lo.Map(unit.Provenance, func(p model.ProvenanceRef, _ int) string { return names[p.SourceID] }))
	return &model.Digest{
		ID:         id,
		RunID:      runID,
		Title:      title,
		Summary:    res.Summary,
		Sources:    attribution,
		Tags:       res.Tags,
		Provider:   res.Provider,
		TokensIn:   res.TokensIn,
		TokensOut:  res.TokensOut,
		Provenance: prov,
	}
}

// recordError appends an error entry to the run. The returned error is the
// failure to persist the entry, if any.
func (c *Controller) recordError(ctx context.Context, runID string, kind model.ErrorKind, ref, provider string, cause error) error {
	err := c.store.AddRunError(ctx, runID, model.RunError{
		Kind:     kind,
		Time:     c.now().UTC(),
		Ref:      ref,
		Provider: provider,
		Message:  cause.Error(),
	})
	if err != nil {
		return fmt.Errorf("add run error: %w", err)
	}
	return nil
}

// fail ends a run on a run-level error.
func (c *Controller) fail(ctx context.Context, run *model.FeedRun, cause error) error {
	c.logger.Error("run aborted", "run_id", run.ID, "feed_id", run.FeedID, "error", cause)
	if err := c.abort(ctx, run, model.RunFailed); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (c *Controller) cancelled(ctx context.Context, run *model.FeedRun) error {
	c.logger.Info("run cancelled", "run_id", run.ID, "feed_id", run.FeedID)
	return c.abort(ctx, run, model.RunCancelled)
}

// abort writes a failed or cancelled terminal state, first counting every
// source without an outcome as failed.
func (c *Controller) abort(ctx context.Context, run *model.FeedRun, status model.RunStatus) error {
	if run.Status == model.RunPending {
		if err := c.store.StartRun(ctx, run.ID, nil); err != nil && !errors.Is(err, storage.ErrRunTerminal) {
			return fmt.Errorf("start run: %w", err)
		}
	}
	current, err := c.store.GetRun(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("reload run: %w", err)
	}
	if rest := current.SourcesTotal - current.SourcesProcessed - current.SourcesFailed; rest > 0 {
		if err := c.store.IncrementRun(ctx, run.ID, storage.RunCounters{Failed: rest}); err != nil {
			return fmt.Errorf("reconcile counters: %w", err)
		}
	}
	if err := c.store.FinishRun(ctx, run.ID, status); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}
