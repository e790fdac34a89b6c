package catalog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"

	"digestd/internal/model"
	"digestd/internal/storage"
)

type schedCall struct {
	Op     string
	FeedID int64
}

type mockScheduler struct {
	calls []schedCall
}

func (m *mockScheduler) Upsert(_ context.Context, feed model.Feed) error {
	m.calls = append(m.calls, schedCall{Op: "upsert", FeedID: feed.ID})
	return nil
}

func (m *mockScheduler) Remove(_ context.Context, feedID int64) error {
	m.calls = append(m.calls, schedCall{Op: "remove", FeedID: feedID})
	return nil
}

type mockForgetter struct {
	forgot []int64
}

func (m *mockForgetter) Forget(id int64) { m.forgot = append(m.forgot, id) }

type templateNames map[string]bool

func (t templateNames) Has(name string) bool { return t[name] }

func newTestService(t *testing.T) (*Service, *storage.SQLite, *mockScheduler, *mockForgetter) {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	sched := &mockScheduler{}
	forget := &mockForgetter{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := New(store, sched, forget, templateNames{"default": true, "brief": true}, log)
	return svc, store, sched, forget
}

func ptr(s string) *string { return &s }

func TestValidateSource(t *testing.T) {
	valid := model.Source{Name: "Go blog", Type: model.SourceFeed, Endpoint: "https://go.dev/blog/feed.atom"}
	tests := []struct {
		name    string
		mutate  func(*model.Source)
		wantErr bool
	}{
		{"valid", func(*model.Source) {}, false},
		{"missing name", func(s *model.Source) { s.Name = " " }, true},
		{"unknown type", func(s *model.Source) { s.Type = "podcast" }, true},
		{"missing endpoint", func(s *model.Source) { s.Endpoint = "" }, true},
		{"negative max items", func(s *model.Source) { s.MaxItems = -1 }, true},
		{"bad regex", func(s *model.Source) {
			s.Filters = []model.Filter{{Kind: model.FilterInclude, Scope: model.ScopeAll, Value: "(", Regex: true}}
		}, true},
		{"good filter", func(s *model.Source) {
			s.Filters = []model.Filter{{Kind: model.FilterExclude, Scope: model.ScopeTitle, Value: "sponsored"}}
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := valid
			tt.mutate(&src)
			err := ValidateSource(src)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateSource() err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalid) {
				t.Errorf("err = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestFeedLifecycleSyncsScheduler(t *testing.T) {
	ctx := context.Background()
	svc, _, sched, _ := newTestService(t)

	src := model.Source{Name: "Go blog", Type: model.SourceFeed, Endpoint: "https://go.dev/blog/feed.atom", Enabled: true}
	if err := svc.CreateSource(ctx, &src); err != nil {
		t.Fatalf("create source: %v", err)
	}
	feed := model.Feed{Name: "Morning", SourceIDs: []int64{src.ID}, Enabled: true, Schedule: ptr("0 7 * * *")}
	if err := svc.CreateFeed(ctx, &feed); err != nil {
		t.Fatalf("create feed: %v", err)
	}
	feed.Mode = model.ModeAllSources
	if err := svc.UpdateFeed(ctx, &feed); err != nil {
		t.Fatalf("update feed: %v", err)
	}
	if err := svc.DeleteFeed(ctx, feed.ID); err != nil {
		t.Fatalf("delete feed: %v", err)
	}

	want := []schedCall{
		{Op: "upsert", FeedID: feed.ID},
		{Op: "upsert", FeedID: feed.ID},
		{Op: "remove", FeedID: feed.ID},
	}
	if diff := cmp.Diff(want, sched.calls); diff != "" {
		t.Errorf("scheduler calls mismatch (-want +got):\n%s", diff)
	}
	if _, err := svc.GetFeed(ctx, feed.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("get deleted feed err = %v, want ErrNotFound", err)
	}
}

func TestCreateFeedValidation(t *testing.T) {
	ctx := context.Background()
	svc, _, sched, _ := newTestService(t)
	src := model.Source{Name: "Go blog", Type: model.SourceFeed, Endpoint: "https://go.dev/blog/feed.atom", Enabled: true}
	if err := svc.CreateSource(ctx, &src); err != nil {
		t.Fatalf("create source: %v", err)
	}

	tests := []struct {
		name string
		feed model.Feed
	}{
		{"missing name", model.Feed{}},
		{"bad mode", model.Feed{Name: "x", Mode: "weekly"}},
		{"bad schedule", model.Feed{Name: "x", Schedule: ptr("at dawn")}},
		{"unknown template", model.Feed{Name: "x", Template: "verbose"}},
		{"unknown sink", model.Feed{Name: "x", Sinks: []model.SinkKind{"fax"}}},
		{"missing source", model.Feed{Name: "x", SourceIDs: []int64{99}}},
		{"duplicate source", model.Feed{Name: "x", SourceIDs: []int64{src.ID, src.ID}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			feed := tt.feed
			if err := svc.CreateFeed(ctx, &feed); !errors.Is(err, ErrInvalid) {
				t.Errorf("CreateFeed() err = %v, want ErrInvalid", err)
			}
		})
	}
	if len(sched.calls) != 0 {
		t.Errorf("scheduler called for invalid feeds: %+v", sched.calls)
	}
}

func TestDeleteSourceRemovesFromFeeds(t *testing.T) {
	ctx := context.Background()
	svc, _, _, forget := newTestService(t)

	a := model.Source{Name: "A", Type: model.SourceWeb, Endpoint: "https://a.example.com", Enabled: true}
	b := model.Source{Name: "B", Type: model.SourceVideo, Endpoint: "UC123", Enabled: true}
	for _, s := range []*model.Source{&a, &b} {
		if err := svc.CreateSource(ctx, s); err != nil {
			t.Fatalf("create source: %v", err)
		}
	}
	feed := model.Feed{Name: "Both", SourceIDs: []int64{a.ID, b.ID}, Enabled: true, Template: "brief"}
	if err := svc.CreateFeed(ctx, &feed); err != nil {
		t.Fatalf("create feed: %v", err)
	}

	if err := svc.DeleteSource(ctx, a.ID); err != nil {
		t.Fatalf("delete source: %v", err)
	}

	got, err := svc.GetFeed(ctx, feed.ID)
	if err != nil {
		t.Fatalf("get feed: %v", err)
	}
	if diff := cmp.Diff([]int64{b.ID}, got.SourceIDs); diff != "" {
		t.Errorf("feed sources mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{a.ID}, forget.forgot); diff != "" {
		t.Errorf("forgotten sources mismatch (-want +got):\n%s", diff)
	}
	if err := svc.DeleteSource(ctx, a.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}
