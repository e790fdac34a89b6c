package summarize

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// ChatClient is the subset of the OpenAI client used here.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAI talks to any OpenAI-compatible endpoint: the hosted API, free-tier
// compatible services or a local Ollama server.
type OpenAI struct {
	name      string
	tier      Tier
	client    ChatClient
	model     string
	maxTokens int
}

// NewOpenAI creates a provider. An empty baseURL targets api.openai.com.
func NewOpenAI(name string, tier Tier, baseURL, apiKey, model string, maxTokens int) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAI{
		name:      name,
		tier:      tier,
		client:    openai.NewClientWithConfig(cfg),
		model:     model,
		maxTokens: maxTokens,
	}
}

// Name returns the configured provider name.
func (o *OpenAI) Name() string { return o.name }

// Tier returns the provider tier.
func (o *OpenAI) Tier() Tier { return o.tier }

// Client returns the underlying chat client, shared with the agent fetcher.
func (o *OpenAI) Client() ChatClient { return o.client }

// Complete sends prompt as a single user message.
func (o *OpenAI) Complete(ctx context.Context, prompt string) (Completion, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   o.maxTokens,
		Temperature: 0.3,
	})
	if err != nil {
		return Completion{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, fmt.Errorf("empty %s response", o.name)
	}
	return Completion{
		Text:      resp.Choices[0].Message.Content,
		TokensIn:  resp.Usage.PromptTokens,
		TokensOut: resp.Usage.CompletionTokens,
	}, nil
}
