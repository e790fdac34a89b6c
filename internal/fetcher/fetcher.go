// Package fetcher downloads raw items from the supported source types.
package fetcher

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"digestd/internal/model"
)

var (
	// ErrParse marks errors caused by malformed upstream content.
	ErrParse = errors.New("malformed content")
	// ErrUnknownType is returned by Resolve for an unregistered source type.
	ErrUnknownType = errors.New("unknown source type")
)

const (
	userAgent   = "digestd/1.0"
	maxBodySize = 5 * 1024 * 1024
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetcher pulls new items from a source. since is the marker returned by the
// previous successful fetch, empty on the first one.
type Fetcher interface {
	Fetch(ctx context.Context, src model.Source, since string) ([]model.Item, string, error)
}

// Registry maps source types to fetchers. It is filled once at startup.
type Registry struct {
	fetchers map[model.SourceType]Fetcher
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{fetchers: make(map[model.SourceType]Fetcher)}
}

// Register binds a fetcher to a source type, replacing any previous binding.
func (r *Registry) Register(t model.SourceType, f Fetcher) {
	r.fetchers[t] = f
}

// Resolve returns the fetcher for a source type.
func (r *Registry) Resolve(t model.SourceType) (Fetcher, error) {
	f, ok := r.fetchers[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	return f, nil
}

// Types lists the registered source types in sorted order.
func (r *Registry) Types() []model.SourceType {
	types := make([]model.SourceType, 0, len(r.fetchers))
	for t := range r.fetchers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// download performs a GET and returns the body, capped at maxBodySize.
func download(ctx context.Context, client HTTPClient, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// hashID derives a stable item ID from its parts.
func hashID(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return fmt.Sprintf("sha256:%x", h[:16])
}

// htmlText strips markup and collapses whitespace.
func htmlText(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return strings.TrimSpace(s)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.TrimSpace(s)
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}

// parseMarker reads a time marker. An empty or unreadable marker yields the
// zero time, which admits every item.
func parseMarker(since string) time.Time {
	if since == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, since)
	if err != nil {
		return time.Time{}
	}
	return t
}

// newerThan keeps items published after since and returns the marker for the
// next fetch: the newest publication time seen, or since when nothing is newer.
func newerThan(items []model.Item, since string) ([]model.Item, string) {
	cutoff := parseMarker(since)
	newest := cutoff
	kept := items[:0]
	for _, it := range items {
		if !it.PublishedAt.IsZero() && !it.PublishedAt.After(cutoff) {
			continue
		}
		if it.PublishedAt.After(newest) {
			newest = it.PublishedAt
		}
		kept = append(kept, it)
	}
	if newest.IsZero() {
		return kept, since
	}
	return kept, newest.UTC().Format(time.RFC3339)
}
