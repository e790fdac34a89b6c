package fetcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"digestd/internal/model"
)

type fakeMailbox struct {
	msgs   []Message
	err    error
	folder string
	since  time.Time
	closed bool
}

func (f *fakeMailbox) Messages(_ context.Context, folder string, since time.Time) ([]Message, error) {
	f.folder = folder
	f.since = since
	return f.msgs, f.err
}

func (f *fakeMailbox) Close() error {
	f.closed = true
	return nil
}

func TestMailboxFetcher(t *testing.T) {
	now := time.Date(2025, 5, 10, 9, 30, 0, 0, time.UTC)
	box := &fakeMailbox{msgs: []Message{
		{ID: "<1@list>", Subject: "Weekly newsletter", From: "news@example.com", Date: now.Add(-time.Hour), Body: "<p>Hello &amp; welcome</p>"},
		{Subject: "No id", From: "x@example.com", Date: now.Add(-2 * time.Hour), Body: "plain"},
	}}
	m := NewMailboxFetcher(func(context.Context) (Mailbox, error) { return box, nil })
	m.now = func() time.Time { return now }

	items, marker, err := m.Fetch(context.Background(), model.Source{ID: 4, Type: model.SourceMailbox}, "2025-05-08")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if diff := cmp.Diff("INBOX", box.folder); diff != "" {
		t.Errorf("folder mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(time.Date(2025, 5, 8, 0, 0, 0, 0, time.UTC), box.since); diff != "" {
		t.Errorf("since mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff("2025-05-10", marker); diff != "" {
		t.Errorf("marker mismatch (-want +got):\n%s", diff)
	}
	if !box.closed {
		t.Error("mailbox was not closed")
	}
	if diff := cmp.Diff([]string{"Weekly newsletter", "No id"}, itemTitles(items)); diff != "" {
		t.Errorf("titles mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff("Hello & welcome", items[0].Content); diff != "" {
		t.Errorf("content mismatch (-want +got):\n%s", diff)
	}
	if items[1].ID == "" {
		t.Error("expected derived id for message without Message-ID")
	}
}

func TestMailboxFetcherDefaultsToLastWeek(t *testing.T) {
	now := time.Date(2025, 5, 10, 0, 0, 0, 0, time.UTC)
	box := &fakeMailbox{}
	m := NewMailboxFetcher(func(context.Context) (Mailbox, error) { return box, nil })
	m.now = func() time.Time { return now }

	if _, _, err := m.Fetch(context.Background(), model.Source{Endpoint: "Lists/Go"}, ""); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if diff := cmp.Diff("Lists/Go", box.folder); diff != "" {
		t.Errorf("folder mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(now.AddDate(0, 0, -7), box.since); diff != "" {
		t.Errorf("since mismatch (-want +got):\n%s", diff)
	}
}

func TestMailboxFetcherDialError(t *testing.T) {
	m := NewMailboxFetcher(func(context.Context) (Mailbox, error) { return nil, errors.New("auth failed") })
	if _, _, err := m.Fetch(context.Background(), model.Source{}, ""); err == nil {
		t.Fatal("expected error")
	}
}
