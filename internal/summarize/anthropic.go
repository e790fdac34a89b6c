package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	anthropicURL     = "https://api.anthropic.com"
	anthropicVersion = "2023-06-01"
)

// Anthropic calls the Messages API.
type Anthropic struct {
	name      string
	tier      Tier
	client    HTTPClient
	baseURL   string
	apiKey    string
	model     string
	maxTokens int
}

// NewAnthropic creates a provider. An empty baseURL targets api.anthropic.com.
func NewAnthropic(name string, tier Tier, client HTTPClient, baseURL, apiKey, model string, maxTokens int) *Anthropic {
	if baseURL == "" {
		baseURL = anthropicURL
	}
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	return &Anthropic{
		name:      name,
		tier:      tier,
		client:    client,
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		model:     model,
		maxTokens: maxTokens,
	}
}

// Name returns the configured provider name.
func (a *Anthropic) Name() string { return a.name }

// Tier returns the provider tier.
func (a *Anthropic) Tier() Tier { return a.tier }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Complete sends prompt as a single user message.
func (a *Anthropic) Complete(ctx context.Context, prompt string) (Completion, error) {
	body, err := json.Marshal(anthropicRequest{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		Messages:  []anthropicMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return Completion{}, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return Completion{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.client.Do(req)
	if err != nil {
		return Completion{}, fmt.Errorf("messages api: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Completion{}, fmt.Errorf("messages api %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var ar anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return Completion{}, fmt.Errorf("decode response: %w", err)
	}
	var text strings.Builder
	for _, c := range ar.Content {
		if c.Type == "text" || c.Type == "" {
			text.WriteString(c.Text)
		}
	}
	if text.Len() == 0 {
		return Completion{}, fmt.Errorf("empty %s response", a.name)
	}
	return Completion{
		Text:      text.String(),
		TokensIn:  ar.Usage.InputTokens,
		TokensOut: ar.Usage.OutputTokens,
	}, nil
}
