package fetcher

import (
	"context"
	"fmt"
	"strings"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"

	"digestd/internal/model"
)

// FeedFetcher reads RSS and Atom feeds.
type FeedFetcher struct {
	client HTTPClient
}

// NewFeedFetcher creates a FeedFetcher with the given HTTP client.
func NewFeedFetcher(client HTTPClient) *FeedFetcher {
	return &FeedFetcher{client: client}
}

// Fetch downloads the feed at src.Endpoint and returns items newer than since.
func (f *FeedFetcher) Fetch(ctx context.Context, src model.Source, since string) ([]model.Item, string, error) {
	feed, err := parseFeed(ctx, f.client, src.Endpoint)
	if err != nil {
		return nil, "", err
	}
	items := make([]model.Item, 0, len(feed.Items))
	for _, it := range feed.Items {
		content := it.Content
		if content == "" {
			content = it.Description
		}
		items = append(items, toItem(src.ID, it, content))
	}
	kept, marker := newerThan(items, since)
	return kept, marker, nil
}

// VideoFetcher reads YouTube channel feeds, using the media description as
// item content.
type VideoFetcher struct {
	client HTTPClient
}

// NewVideoFetcher creates a VideoFetcher with the given HTTP client.
func NewVideoFetcher(client HTTPClient) *VideoFetcher {
	return &VideoFetcher{client: client}
}

// Fetch downloads the channel feed. Endpoint is either a feed URL or a bare
// channel ID.
func (v *VideoFetcher) Fetch(ctx context.Context, src model.Source, since string) ([]model.Item, string, error) {
	feed, err := parseFeed(ctx, v.client, channelFeedURL(src.Endpoint))
	if err != nil {
		return nil, "", err
	}
	items := make([]model.Item, 0, len(feed.Items))
	for _, it := range feed.Items {
		content := mediaDescription(it.Extensions)
		if content == "" {
			content = it.Description
		}
		items = append(items, toItem(src.ID, it, content))
	}
	kept, marker := newerThan(items, since)
	return kept, marker, nil
}

func channelFeedURL(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	return "https://www.youtube.com/feeds/videos.xml?channel_id=" + endpoint
}

func parseFeed(ctx context.Context, client HTTPClient, url string) (*gofeed.Feed, error) {
	body, err := download(ctx, client, url)
	if err != nil {
		return nil, err
	}
	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w: %w", ErrParse, err)
	}
	return feed, nil
}

func toItem(sourceID int64, it *gofeed.Item, content string) model.Item {
	item := model.Item{
		ID:       ItemGUID(it),
		SourceID: sourceID,
		Title:    strings.TrimSpace(it.Title),
		Content:  htmlText(content),
		Link:     it.Link,
	}
	if it.Author != nil {
		item.Author = it.Author.Name
	}
	switch {
	case it.PublishedParsed != nil:
		item.PublishedAt = it.PublishedParsed.UTC()
	case it.UpdatedParsed != nil:
		item.PublishedAt = it.UpdatedParsed.UTC()
	}
	return item
}

// ItemGUID returns the GUID for a feed item.
// If the item has no GUID, a SHA-256 hash of title+link is used.
func ItemGUID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	return hashID(item.Title, item.Link)
}

func mediaDescription(exts ext.Extensions) string {
	groups := exts["media"]["group"]
	if len(groups) == 0 {
		return ""
	}
	desc := groups[0].Children["description"]
	if len(desc) == 0 {
		return ""
	}
	return desc[0].Value
}
