// Package scheduler fires feed runs on their cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"digestd/internal/model"
	"digestd/internal/run"
)

// ErrStopped is returned by requests made after Run has returned.
var ErrStopped = errors.New("scheduler stopped")

// FeedLister loads the feeds to schedule at startup.
type FeedLister interface {
	ListFeeds(ctx context.Context) ([]model.Feed, error)
}

// Triggerer starts feed runs.
type Triggerer interface {
	Trigger(ctx context.Context, feedID int64, by model.TriggerKind) (string, error)
}

// Parse validates a five-field cron expression.
func Parse(expr string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", expr, err)
	}
	return sched, nil
}

type entry struct {
	expr     string
	schedule cron.Schedule
	next     time.Time
}

type request struct {
	feed   *model.Feed
	remove int64
	query  int64
	reply  chan reply
}

type reply struct {
	next time.Time
	ok   bool
	err  error
}

// Scheduler owns the next fire time of every scheduled feed. The table lives
// on the Run goroutine; Upsert, Remove and NextFire are requests to it.
type Scheduler struct {
	feeds   FeedLister
	trigger Triggerer
	loc     *time.Location
	log     *slog.Logger
	tick    time.Duration
	now     func() time.Time

	reqs    chan request
	stopped chan struct{}
}

// New creates a Scheduler evaluating schedules in loc.
func New(feeds FeedLister, trigger Triggerer, loc *time.Location, log *slog.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		feeds:   feeds,
		trigger: trigger,
		loc:     loc,
		log:     log,
		tick:    15 * time.Second,
		now:     time.Now,
		reqs:    make(chan request),
		stopped: make(chan struct{}),
	}
}

// SetTickInterval overrides the default 15-second check interval.
func (s *Scheduler) SetTickInterval(d time.Duration) {
	s.tick = d
}

// Run loads scheduled feeds and fires them until ctx is cancelled. The table
// is discarded on return.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.stopped)

	feeds, err := s.feeds.ListFeeds(ctx)
	if err != nil {
		return fmt.Errorf("list feeds: %w", err)
	}
	table := make(map[int64]*entry)
	for _, f := range feeds {
		if err := s.upsert(table, f); err != nil {
			s.log.Warn("skip feed with bad schedule", "feed_id", f.ID, "error", err)
		}
	}
	s.log.Info("scheduler started", "feeds", len(table), "timezone", s.loc.String())

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-s.reqs:
			req.reply <- s.handle(table, req)
		case <-ticker.C:
			s.fireDue(ctx, table)
		}
	}
}

func (s *Scheduler) handle(table map[int64]*entry, req request) reply {
	switch {
	case req.feed != nil:
		if err := s.upsert(table, *req.feed); err != nil {
			return reply{err: err}
		}
		e, ok := table[req.feed.ID]
		if !ok {
			return reply{}
		}
		return reply{next: e.next, ok: true}
	case req.remove != 0:
		delete(table, req.remove)
		return reply{}
	default:
		e, ok := table[req.query]
		if !ok {
			return reply{}
		}
		return reply{next: e.next, ok: true}
	}
}

// upsert registers a scheduled feed or drops one that is no longer
// scheduled. An unchanged schedule keeps its pending fire time.
func (s *Scheduler) upsert(table map[int64]*entry, f model.Feed) error {
	if !f.Scheduled() {
		delete(table, f.ID)
		return nil
	}
	if e, ok := table[f.ID]; ok && e.expr == *f.Schedule {
		return nil
	}
	sched, err := Parse(*f.Schedule)
	if err != nil {
		return err
	}
	table[f.ID] = &entry{expr: *f.Schedule, schedule: sched, next: sched.Next(s.now().In(s.loc))}
	return nil
}

// fireDue triggers every feed whose fire time has passed. A feed that missed
// several fire times while the process was busy fires once.
func (s *Scheduler) fireDue(ctx context.Context, table map[int64]*entry) {
	now := s.now().In(s.loc)
	for id, e := range table {
		if ctx.Err() != nil {
			return
		}
		if e.next.After(now) {
			continue
		}
		runID, err := s.trigger.Trigger(ctx, id, model.TriggeredBySchedule)
		switch {
		case errors.Is(err, run.ErrRunActive):
			s.log.Info("previous run still active, skipping", "feed_id", id, "run_id", runID)
		case err != nil:
			s.log.Error("trigger scheduled run", "feed_id", id, "error", err)
		default:
			s.log.Info("scheduled run triggered", "feed_id", id, "run_id", runID)
		}
		e.next = e.schedule.Next(now)
	}
}

func (s *Scheduler) send(ctx context.Context, req request) (reply, error) {
	req.reply = make(chan reply, 1)
	select {
	case s.reqs <- req:
	case <-s.stopped:
		return reply{}, ErrStopped
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
	return <-req.reply, nil
}

// Upsert adds, reschedules or unschedules a feed according to its current
// settings.
func (s *Scheduler) Upsert(ctx context.Context, feed model.Feed) error {
	r, err := s.send(ctx, request{feed: &feed})
	if err != nil {
		return err
	}
	return r.err
}

// Remove unschedules a feed.
func (s *Scheduler) Remove(ctx context.Context, feedID int64) error {
	_, err := s.send(ctx, request{remove: feedID})
	return err
}

// NextFire returns the next time a feed will be triggered. ok is false when
// the feed is not scheduled.
func (s *Scheduler) NextFire(ctx context.Context, feedID int64) (next time.Time, ok bool, err error) {
	r, err := s.send(ctx, request{query: feedID})
	if err != nil {
		return time.Time{}, false, err
	}
	return r.next, r.ok, nil
}
