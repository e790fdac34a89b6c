package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"digestd/internal/model"
)

// ChatClient is the subset of the OpenAI client used by the agent fetcher.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

const agentPrompt = `You are a research assistant. List notable recent findings about the topic below%s.
Reply with a JSON array only, no prose. Each element: {"title": string, "summary": string, "url": string}.

Topic: %s`

type finding struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
	URL     string `json:"url"`
}

// AgentFetcher asks a chat model for findings on the topic in src.Endpoint.
type AgentFetcher struct {
	client ChatClient
	model  string
	now    func() time.Time
}

// NewAgentFetcher creates an AgentFetcher using the given chat model.
func NewAgentFetcher(client ChatClient, model string) *AgentFetcher {
	return &AgentFetcher{client: client, model: model, now: time.Now}
}

// Fetch runs one research request. The marker is the request date.
func (a *AgentFetcher) Fetch(ctx context.Context, src model.Source, since string) ([]model.Item, string, error) {
	topic := strings.TrimSpace(src.Endpoint)
	if topic == "" {
		return nil, "", fmt.Errorf("agent source %d has no topic", src.ID)
	}
	window := ""
	if since != "" {
		window = " published after " + since
	}

	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf(agentPrompt, window, topic)},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return nil, "", fmt.Errorf("agent request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, "", fmt.Errorf("agent response: %w: no choices", ErrParse)
	}

	var findings []finding
	if err := json.Unmarshal([]byte(stripFence(resp.Choices[0].Message.Content)), &findings); err != nil {
		return nil, "", fmt.Errorf("agent response: %w: %w", ErrParse, err)
	}

	now := a.now().UTC()
	items := make([]model.Item, 0, len(findings))
	for _, f := range findings {
		if f.Title == "" {
			continue
		}
		key := f.URL
		if key == "" {
			key = f.Title
		}
		items = append(items, model.Item{
			ID:          hashID(topic, key),
			SourceID:    src.ID,
			Title:       f.Title,
			Content:     f.Summary,
			Link:        f.URL,
			PublishedAt: now,
		})
	}
	return items, now.Format(markerDate), nil
}

// stripFence removes a surrounding markdown code fence, which models add
// despite being asked not to.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
