package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"

	"digestd/internal/model"
)

var redundantNewLines = regexp.MustCompile(`\n{3,}`)

// WebFetcher extracts the main article of a single web page. A page edit
// produces a new item because the content is part of the ID.
type WebFetcher struct {
	client HTTPClient
	now    func() time.Time
}

// NewWebFetcher creates a WebFetcher with the given HTTP client.
func NewWebFetcher(client HTTPClient) *WebFetcher {
	return &WebFetcher{client: client, now: time.Now}
}

// Fetch downloads src.Endpoint and returns at most one item. The marker is the
// page content hash, so an unchanged page yields no items.
func (w *WebFetcher) Fetch(ctx context.Context, src model.Source, since string) ([]model.Item, string, error) {
	pageURL, err := url.Parse(src.Endpoint)
	if err != nil {
		return nil, "", fmt.Errorf("parse url: %w", err)
	}
	body, err := download(ctx, w.client, src.Endpoint)
	if err != nil {
		return nil, "", err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("parse html: %w: %w", ErrParse, err)
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())
	if og, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok && og != "" {
		title = strings.TrimSpace(og)
	}
	link := src.Endpoint
	if canonical, ok := doc.Find(`link[rel="canonical"]`).Attr("href"); ok && canonical != "" {
		link = canonical
	}

	article, err := readability.FromReader(bytes.NewReader(body), pageURL)
	if err != nil {
		return nil, "", fmt.Errorf("extract article: %w: %w", ErrParse, err)
	}
	content := strings.TrimSpace(redundantNewLines.ReplaceAllString(article.TextContent, "\n"))
	if content == "" {
		return nil, "", fmt.Errorf("extract article: %w: empty content", ErrParse)
	}
	if title == "" {
		title = article.Title
	}

	id := hashID(src.Endpoint, content)
	if id == since {
		return nil, since, nil
	}
	return []model.Item{{
		ID:          id,
		SourceID:    src.ID,
		Title:       title,
		Content:     content,
		Link:        link,
		Author:      article.Byline,
		PublishedAt: w.now().UTC(),
	}}, id, nil
}
