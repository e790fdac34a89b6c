package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"digestd/internal/model"
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type webhookDigest struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Title     string    `json:"title"`
	Summary   string    `json:"summary"`
	Sources   []string  `json:"sources"`
	Tags      []string  `json:"tags"`
	Provider  string    `json:"provider"`
	Links     []string  `json:"links"`
	CreatedAt time.Time `json:"created_at"`
}

type webhookPayload struct {
	FeedID   int64           `json:"feed_id"`
	FeedName string          `json:"feed_name"`
	Digests  []webhookDigest `json:"digests"`
}

// Webhook POSTs a run's digests as one JSON document.
type Webhook struct {
	client HTTPClient
	url    string
}

// NewWebhook creates a Webhook sink.
func NewWebhook(client HTTPClient, url string) *Webhook {
	return &Webhook{client: client, url: url}
}

// Deliver implements Sink.
func (w *Webhook) Deliver(ctx context.Context, feed model.Feed, digests []model.Digest) error {
	payload := webhookPayload{FeedID: feed.ID, FeedName: feed.Name, Digests: make([]webhookDigest, 0, len(digests))}
	for _, d := range digests {
		links := make([]string, 0, len(d.Provenance))
		for _, p := range d.Provenance {
			if p.Link != "" {
				links = append(links, p.Link)
			}
		}
		payload.Digests = append(payload.Digests, webhookDigest{
			ID:        d.ID,
			RunID:     d.RunID,
			Title:     d.Title,
			Summary:   d.Summary,
			Sources:   d.Sources,
			Tags:      d.Tags,
			Provider:  d.Provider,
			Links:     links,
			CreatedAt: d.CreatedAt,
		})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "digestd/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
