package fetcher

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mmcdole/gofeed"

	"digestd/internal/model"
)

type mockTransport struct {
	body       string
	statusCode int
	err        error
	lastURL    string
}

func (m *mockTransport) Do(req *http.Request) (*http.Response, error) {
	m.lastURL = req.URL.String()
	if m.err != nil {
		return nil, m.err
	}
	return &http.Response{
		StatusCode: m.statusCode,
		Body:       io.NopCloser(bytes.NewBufferString(m.body)),
	}, nil
}

const sampleRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>Platform Weekly</title>
  <link>https://example.com</link>
  <item>
    <title>Kubernetes 1.32 Released</title>
    <link>https://example.com/k8s-132</link>
    <guid>k8s-132</guid>
    <pubDate>Mon, 06 Jan 2025 10:00:00 +0000</pubDate>
    <description>&lt;p&gt;New &lt;b&gt;scheduler&lt;/b&gt; features&lt;/p&gt;</description>
  </item>
  <item>
    <title>Helm Chart Best Practices</title>
    <link>https://example.com/helm</link>
    <pubDate>Sun, 05 Jan 2025 09:00:00 +0000</pubDate>
    <description>Templating tips</description>
  </item>
  <item>
    <title>DevOps Job Vacancy</title>
    <link>https://example.com/job</link>
    <guid>job-1</guid>
    <pubDate>Sat, 04 Jan 2025 08:00:00 +0000</pubDate>
    <description>We are hiring</description>
  </item>
</channel>
</rss>`

const sampleYouTube = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns:yt="http://www.youtube.com/xml/schemas/2015" xmlns:media="http://search.yahoo.com/mrss/" xmlns="http://www.w3.org/2005/Atom">
  <title>Go Talks</title>
  <entry>
    <id>yt:video:abc123</id>
    <yt:videoId>abc123</yt:videoId>
    <title>Structured concurrency in Go</title>
    <link rel="alternate" href="https://www.youtube.com/watch?v=abc123"/>
    <author><name>Go Talks</name></author>
    <published>2025-02-01T12:00:00+00:00</published>
    <media:group>
      <media:title>Structured concurrency in Go</media:title>
      <media:description>errgroup, context and cancellation patterns</media:description>
    </media:group>
  </entry>
</feed>`

func itemTitles(items []model.Item) []string {
	var titles []string
	for _, it := range items {
		titles = append(titles, it.Title)
	}
	return titles
}

func TestFeedFetcher(t *testing.T) {
	tests := []struct {
		name       string
		transport  *mockTransport
		since      string
		wantTitles []string
		wantMarker string
		wantParse  bool
		wantErr    bool
	}{
		{
			name:       "first fetch returns everything",
			transport:  &mockTransport{body: sampleRSS, statusCode: 200},
			wantTitles: []string{"Kubernetes 1.32 Released", "Helm Chart Best Practices", "DevOps Job Vacancy"},
			wantMarker: "2025-01-06T10:00:00Z",
		},
		{
			name:       "marker drops older items",
			transport:  &mockTransport{body: sampleRSS, statusCode: 200},
			since:      "2025-01-05T09:00:00Z",
			wantTitles: []string{"Kubernetes 1.32 Released"},
			wantMarker: "2025-01-06T10:00:00Z",
		},
		{
			name:       "nothing new keeps marker",
			transport:  &mockTransport{body: sampleRSS, statusCode: 200},
			since:      "2025-01-06T10:00:00Z",
			wantMarker: "2025-01-06T10:00:00Z",
		},
		{
			name:      "http error status",
			transport: &mockTransport{body: "not found", statusCode: 404},
			wantErr:   true,
		},
		{
			name:      "network error",
			transport: &mockTransport{err: io.ErrUnexpectedEOF},
			wantErr:   true,
		},
		{
			name:      "invalid xml",
			transport: &mockTransport{body: "not xml at all", statusCode: 200},
			wantErr:   true,
			wantParse: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFeedFetcher(tt.transport)
			src := model.Source{ID: 7, Type: model.SourceFeed, Endpoint: "https://example.com/rss"}
			items, marker, err := f.Fetch(context.Background(), src, tt.since)

			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if diff := cmp.Diff(tt.wantParse, errors.Is(err, ErrParse)); diff != "" {
					t.Errorf("ErrParse mismatch (-want +got):\n%s", diff)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if diff := cmp.Diff(tt.wantTitles, itemTitles(items)); diff != "" {
				t.Errorf("titles mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantMarker, marker); diff != "" {
				t.Errorf("marker mismatch (-want +got):\n%s", diff)
			}
			for _, it := range items {
				if it.SourceID != 7 {
					t.Errorf("item %q source = %d, want 7", it.Title, it.SourceID)
				}
			}
		})
	}
}

func TestFeedFetcherStripsMarkup(t *testing.T) {
	f := NewFeedFetcher(&mockTransport{body: sampleRSS, statusCode: 200})
	items, _, err := f.Fetch(context.Background(), model.Source{ID: 1, Endpoint: "https://example.com/rss"}, "")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if diff := cmp.Diff("New scheduler features", items[0].Content); diff != "" {
		t.Errorf("content mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff("k8s-132", items[0].ID); diff != "" {
		t.Errorf("id mismatch (-want +got):\n%s", diff)
	}
	if !strings.HasPrefix(items[1].ID, "sha256:") {
		t.Errorf("expected hashed id for item without guid, got %q", items[1].ID)
	}
}

func TestVideoFetcher(t *testing.T) {
	transport := &mockTransport{body: sampleYouTube, statusCode: 200}
	v := NewVideoFetcher(transport)

	items, marker, err := v.Fetch(context.Background(), model.Source{ID: 3, Type: model.SourceVideo, Endpoint: "UC123"}, "")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if diff := cmp.Diff("https://www.youtube.com/feeds/videos.xml?channel_id=UC123", transport.lastURL); diff != "" {
		t.Errorf("url mismatch (-want +got):\n%s", diff)
	}
	want := []model.Item{{
		ID:          "yt:video:abc123",
		SourceID:    3,
		Title:       "Structured concurrency in Go",
		Content:     "errgroup, context and cancellation patterns",
		Link:        "https://www.youtube.com/watch?v=abc123",
		Author:      "Go Talks",
		PublishedAt: time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC),
	}}
	if diff := cmp.Diff(want, items); diff != "" {
		t.Errorf("items mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff("2025-02-01T12:00:00Z", marker); diff != "" {
		t.Errorf("marker mismatch (-want +got):\n%s", diff)
	}
}

func TestItemGUID(t *testing.T) {
	tests := []struct {
		name     string
		item     *gofeed.Item
		wantGUID string
		hasHash  bool
	}{
		{
			name:     "with guid",
			item:     &gofeed.Item{GUID: "abc-123"},
			wantGUID: "abc-123",
		},
		{
			name:    "without guid generates hash",
			item:    &gofeed.Item{Title: "Post Without GUID", Link: "https://example.com/post-1"},
			hasHash: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ItemGUID(tt.item)
			if tt.hasHash {
				if !strings.HasPrefix(got, "sha256:") {
					t.Errorf("expected sha256 prefix, got %q", got)
				}
				return
			}
			if diff := cmp.Diff(tt.wantGUID, got); diff != "" {
				t.Errorf("GUID mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	feed := NewFeedFetcher(&mockTransport{})
	r.Register(model.SourceFeed, feed)
	r.Register(model.SourceWeb, NewWebFetcher(&mockTransport{}))

	got, err := r.Resolve(model.SourceFeed)
	if err != nil {
		t.Fatalf("resolve feed: %v", err)
	}
	if got != Fetcher(feed) {
		t.Error("resolve returned a different fetcher")
	}

	if _, err := r.Resolve(model.SourceMailbox); !errors.Is(err, ErrUnknownType) {
		t.Errorf("expected ErrUnknownType, got %v", err)
	}
	if diff := cmp.Diff([]model.SourceType{model.SourceFeed, model.SourceWeb}, r.Types()); diff != "" {
		t.Errorf("types mismatch (-want +got):\n%s", diff)
	}
}
