package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"digestd/internal/model"
	"digestd/internal/run"
)

type fakeLister struct {
	feeds []model.Feed
	err   error
}

func (f *fakeLister) ListFeeds(context.Context) ([]model.Feed, error) {
	return f.feeds, f.err
}

type triggerCall struct {
	FeedID int64
	By     model.TriggerKind
}

type mockTriggerer struct {
	mu     sync.Mutex
	calls  []triggerCall
	active map[int64]bool
}

func (m *mockTriggerer) Trigger(_ context.Context, feedID int64, by model.TriggerKind) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, triggerCall{FeedID: feedID, By: by})
	if m.active[feedID] {
		return "existing-run", run.ErrRunActive
	}
	return "new-run", nil
}

func (m *mockTriggerer) getCalls() []triggerCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]triggerCall, len(m.calls))
	copy(cp, m.calls)
	return cp
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func ptr(s string) *string { return &s }

func newTestScheduler(feeds []model.Feed, trig *mockTriggerer, loc *time.Location, clock *fakeClock) *Scheduler {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(&fakeLister{feeds: feeds}, trig, loc, log)
	s.now = clock.Now
	return s
}

func TestParse(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"*/5 * * * *", false},
		{"0 9 * * MON-FRI", false},
		{"@daily", false},
		{"0 9 * *", true},
		{"every morning", true},
		{"61 * * * *", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			_, err := Parse(tt.expr)
			if (err != nil) != tt.wantErr {
				t.Errorf("Parse(%q) err = %v, wantErr %v", tt.expr, err, tt.wantErr)
			}
		})
	}
}

func TestFireDueFeeds(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2025, 3, 1, 10, 2, 0, 0, time.UTC)}
	trig := &mockTriggerer{}
	s := newTestScheduler(nil, trig, time.UTC, clock)

	table := make(map[int64]*entry)
	for _, f := range []model.Feed{
		{ID: 1, Enabled: true, Schedule: ptr("*/5 * * * *")},
		{ID: 2, Enabled: true},
		{ID: 3, Enabled: false, Schedule: ptr("*/5 * * * *")},
		{ID: 4, Enabled: true, Schedule: ptr("0 * * * *")},
	} {
		if err := s.upsert(table, f); err != nil {
			t.Fatalf("upsert feed %d: %v", f.ID, err)
		}
	}
	if diff := cmp.Diff(2, len(table)); diff != "" {
		t.Fatalf("scheduled feeds mismatch (-want +got):\n%s", diff)
	}
	if want := time.Date(2025, 3, 1, 10, 5, 0, 0, time.UTC); !table[1].next.Equal(want) {
		t.Errorf("feed 1 next = %v, want %v", table[1].next, want)
	}

	s.fireDue(ctx, table)
	if got := trig.getCalls(); len(got) != 0 {
		t.Fatalf("fired before due: %+v", got)
	}

	clock.Set(time.Date(2025, 3, 1, 10, 5, 30, 0, time.UTC))
	s.fireDue(ctx, table)

	want := []triggerCall{{FeedID: 1, By: model.TriggeredBySchedule}}
	if diff := cmp.Diff(want, trig.getCalls()); diff != "" {
		t.Errorf("trigger calls mismatch (-want +got):\n%s", diff)
	}
	if want := time.Date(2025, 3, 1, 10, 10, 0, 0, time.UTC); !table[1].next.Equal(want) {
		t.Errorf("feed 1 next after fire = %v, want %v", table[1].next, want)
	}
}

func TestMissedFiresCollapse(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2025, 3, 1, 10, 0, 30, 0, time.UTC)}
	trig := &mockTriggerer{}
	s := newTestScheduler(nil, trig, time.UTC, clock)

	table := make(map[int64]*entry)
	if err := s.upsert(table, model.Feed{ID: 7, Enabled: true, Schedule: ptr("* * * * *")}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	clock.Set(time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC))
	s.fireDue(ctx, table)
	s.fireDue(ctx, table)

	if diff := cmp.Diff(1, len(trig.getCalls())); diff != "" {
		t.Errorf("trigger count mismatch (-want +got):\n%s", diff)
	}
}

func TestActiveRunIsSkipped(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2025, 3, 1, 10, 2, 0, 0, time.UTC)}
	trig := &mockTriggerer{active: map[int64]bool{1: true}}
	s := newTestScheduler(nil, trig, time.UTC, clock)

	table := make(map[int64]*entry)
	if err := s.upsert(table, model.Feed{ID: 1, Enabled: true, Schedule: ptr("*/5 * * * *")}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	clock.Set(time.Date(2025, 3, 1, 10, 5, 0, 0, time.UTC))
	s.fireDue(ctx, table)

	if diff := cmp.Diff(1, len(trig.getCalls())); diff != "" {
		t.Errorf("trigger count mismatch (-want +got):\n%s", diff)
	}
	if want := time.Date(2025, 3, 1, 10, 10, 0, 0, time.UTC); !table[1].next.Equal(want) {
		t.Errorf("next = %v, want %v", table[1].next, want)
	}
}

func TestScheduleUsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	clock := &fakeClock{t: time.Date(2025, 3, 1, 5, 0, 0, 0, time.UTC)}
	s := newTestScheduler(nil, &mockTriggerer{}, loc, clock)

	table := make(map[int64]*entry)
	if err := s.upsert(table, model.Feed{ID: 1, Enabled: true, Schedule: ptr("0 9 * * *")}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	want := time.Date(2025, 3, 1, 6, 0, 0, 0, time.UTC)
	if !table[1].next.Equal(want) {
		t.Errorf("next = %v, want %v", table[1].next.UTC(), want)
	}
}

func startScheduler(t *testing.T, s *Scheduler) (context.CancelFunc, <-chan error) {
	t.Helper()
	s.SetTickInterval(5 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-s.stopped
	})
	return cancel, done
}

func TestRequests(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2025, 3, 1, 10, 2, 0, 0, time.UTC)}
	s := newTestScheduler([]model.Feed{
		{ID: 1, Enabled: true, Schedule: ptr("*/5 * * * *")},
	}, &mockTriggerer{}, time.UTC, clock)
	startScheduler(t, s)

	next, ok, err := s.NextFire(ctx, 1)
	if err != nil || !ok {
		t.Fatalf("NextFire(1) = %v, %v, %v", next, ok, err)
	}
	if want := time.Date(2025, 3, 1, 10, 5, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("NextFire(1) = %v, want %v", next, want)
	}

	if err := s.Upsert(ctx, model.Feed{ID: 2, Enabled: true, Schedule: ptr("0 12 * * *")}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, ok, _ := s.NextFire(ctx, 2); !ok {
		t.Error("feed 2 not scheduled after upsert")
	}

	if err := s.Upsert(ctx, model.Feed{ID: 3, Enabled: true, Schedule: ptr("not a cron")}); err == nil {
		t.Error("expected error for invalid schedule")
	}
	if _, ok, _ := s.NextFire(ctx, 3); ok {
		t.Error("invalid schedule registered")
	}

	if err := s.Upsert(ctx, model.Feed{ID: 2, Enabled: false, Schedule: ptr("0 12 * * *")}); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, ok, _ := s.NextFire(ctx, 2); ok {
		t.Error("disabled feed still scheduled")
	}

	if err := s.Remove(ctx, 1); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok, _ := s.NextFire(ctx, 1); ok {
		t.Error("removed feed still scheduled")
	}
}

func TestRunTriggersOnTick(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2025, 3, 1, 10, 2, 0, 0, time.UTC)}
	trig := &mockTriggerer{}
	s := newTestScheduler([]model.Feed{
		{ID: 5, Enabled: true, Schedule: ptr("*/5 * * * *")},
	}, trig, time.UTC, clock)
	startScheduler(t, s)

	// Round-trip a request so the table is loaded before the clock moves.
	if _, _, err := s.NextFire(ctx, 5); err != nil {
		t.Fatalf("NextFire: %v", err)
	}
	clock.Set(time.Date(2025, 3, 1, 10, 5, 0, 0, time.UTC))

	deadline := time.After(2 * time.Second)
	for len(trig.getCalls()) == 0 {
		select {
		case <-deadline:
			t.Fatal("scheduled feed never triggered")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if diff := cmp.Diff(triggerCall{FeedID: 5, By: model.TriggeredBySchedule}, trig.getCalls()[0]); diff != "" {
		t.Errorf("trigger call mismatch (-want +got):\n%s", diff)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	s := newTestScheduler(nil, &mockTriggerer{}, time.UTC, clock)
	cancel, done := startScheduler(t, s)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}

	if err := s.Remove(context.Background(), 1); !errors.Is(err, ErrStopped) {
		t.Errorf("request after stop err = %v, want ErrStopped", err)
	}
}

func TestRunListError(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(&fakeLister{err: errors.New("database is locked")}, &mockTriggerer{}, nil, log)
	if err := s.Run(context.Background()); err == nil {
		t.Fatal("expected error when feeds cannot be listed")
	}
}
