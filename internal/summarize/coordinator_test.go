package summarize

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
)

type fakeProvider struct {
	name  string
	tier  Tier
	reply string
	err   error
	delay time.Duration

	mu    sync.Mutex
	calls int
}

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) Tier() Tier   { return f.tier }

func (f *fakeProvider) Complete(ctx context.Context, _ string) (Completion, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return Completion{}, ctx.Err()
		}
	}
	if f.err != nil {
		return Completion{}, f.err
	}
	return Completion{Text: f.reply, TokensIn: 120, TokensOut: 40}, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

const goodReply = "TITLE: Storage engine rewrite\nSUMMARY: The new engine halves write amplification.\nTAGS: databases, storage"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testUnit() model.Unit {
	return model.Unit{
		Index: 2,
		Mode:  model.ModeIndividual,
		Items: []model.Item{{ID: "x", SourceID: 1, Title: "v2 released", Content: "details"}},
	}
}

func TestFallbackToThirdProvider(t *testing.T) {
	local := &fakeProvider{name: "ollama", tier: TierLocal, err: errors.New("connection refused")}
	free := &fakeProvider{name: "groq", tier: TierFree, err: errors.New("429 rate limited")}
	paid := &fakeProvider{name: "openai", tier: TierPaid, reply: goodReply}

	c := NewCoordinator([]Entry{{Provider: paid}, {Provider: free}, {Provider: local}}, NewTemplates(), time.Second, discardLogger())
	if diff := cmp.Diff([]string{"ollama", "groq", "openai"}, c.Providers()); diff != "" {
		t.Errorf("chain order mismatch (-want +got):\n%s", diff)
	}

	got, err := c.Summarize(context.Background(), testUnit(), "")
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	want := Result{
		Title:     "Storage engine rewrite",
		Summary:   "The new engine halves write amplification.",
		Tags:      []string{"databases", "storage"},
		Provider:  "openai",
		TokensIn:  120,
		TokensOut: 40,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	for _, p := range []*fakeProvider{local, free, paid} {
		if p.callCount() != 1 {
			t.Errorf("%s called %d times, want 1", p.name, p.callCount())
		}
	}
}

func TestStopsAtFirstSuccess(t *testing.T) {
	first := &fakeProvider{name: "a", tier: TierLocal, reply: goodReply}
	second := &fakeProvider{name: "b", tier: TierLocal, reply: goodReply}
	c := NewCoordinator([]Entry{{Provider: first}, {Provider: second}}, NewTemplates(), time.Second, discardLogger())

	got, err := c.Summarize(context.Background(), testUnit(), DefaultTemplate)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if diff := cmp.Diff("a", got.Provider); diff != "" {
		t.Errorf("provider mismatch (-want +got):\n%s", diff)
	}
	if second.callCount() != 0 {
		t.Error("second provider must not be called")
	}
}

func TestAllProvidersFail(t *testing.T) {
	tests := []struct {
		name         string
		providers    []*fakeProvider
		wantProvider string
	}{
		{
			name: "errors",
			providers: []*fakeProvider{
				{name: "a", tier: TierFree, err: errors.New("boom")},
				{name: "b", tier: TierPaid, err: errors.New("quota exceeded")},
			},
			wantProvider: "b",
		},
		{
			name: "malformed reply",
			providers: []*fakeProvider{
				{name: "a", tier: TierPaid, reply: "I cannot help with that."},
			},
			wantProvider: "a",
		},
		{
			name: "timeout",
			providers: []*fakeProvider{
				{name: "slow", tier: TierLocal, reply: goodReply, delay: time.Second},
			},
			wantProvider: "slow",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var entries []Entry
			for _, p := range tt.providers {
				entries = append(entries, Entry{Provider: p})
			}
			c := NewCoordinator(entries, NewTemplates(), 50*time.Millisecond, discardLogger())

			_, err := c.Summarize(context.Background(), testUnit(), "")
			var ue *UnitError
			if !errors.As(err, &ue) {
				t.Fatalf("expected *UnitError, got %v", err)
			}
			if diff := cmp.Diff(2, ue.Unit); diff != "" {
				t.Errorf("unit mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantProvider, ue.Provider); diff != "" {
				t.Errorf("provider mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNoProviders(t *testing.T) {
	c := NewCoordinator(nil, NewTemplates(), time.Second, discardLogger())
	_, err := c.Summarize(context.Background(), testUnit(), "")
	if !errors.Is(err, ErrNoProviders) {
		t.Errorf("expected ErrNoProviders, got %v", err)
	}
}

func TestUnknownTemplate(t *testing.T) {
	p := &fakeProvider{name: "a", tier: TierPaid, reply: goodReply}
	c := NewCoordinator([]Entry{{Provider: p}}, NewTemplates(), time.Second, discardLogger())
	_, err := c.Summarize(context.Background(), testUnit(), "weekly")
	if !errors.Is(err, ErrUnknownTemplate) {
		t.Errorf("expected ErrUnknownTemplate, got %v", err)
	}
	if p.callCount() != 0 {
		t.Error("provider must not be called without a prompt")
	}
}

func TestRateLimitedProviderFallsThrough(t *testing.T) {
	limited := &fakeProvider{name: "free", tier: TierFree, reply: goodReply}
	paid := &fakeProvider{name: "paid", tier: TierPaid, reply: goodReply}
	// One request per minute: the second call cannot get a token within the timeout.
	c := NewCoordinator([]Entry{{Provider: limited, RPM: 1}, {Provider: paid}}, NewTemplates(), 50*time.Millisecond, discardLogger())

	var used []string
	for i := 0; i < 2; i++ {
		got, err := c.Summarize(context.Background(), testUnit(), "")
		if err != nil {
			t.Fatalf("summarize %d: %v", i, err)
		}
		used = append(used, got.Provider)
	}
	if diff := cmp.Diff([]string{"free", "paid"}, used); diff != "" {
		t.Errorf("providers mismatch (-want +got):\n%s", diff)
	}
}
