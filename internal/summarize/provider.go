// Package summarize turns summarization units into digests through an ordered
// chain of language model providers.
package summarize

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"digestd/internal/config"
)

// Tier ranks providers by cost. Cheaper tiers are tried first.
type Tier string

// Provider tiers, cheapest first.
const (
	TierLocal Tier = "local"
	TierFree  Tier = "free"
	TierPaid  Tier = "paid"
)

func (t Tier) rank() int {
	switch t {
	case TierLocal:
		return 0
	case TierFree:
		return 1
	default:
		return 2
	}
}

// Completion is the raw output of one provider call.
type Completion struct {
	Text      string
	TokensIn  int
	TokensOut int
}

// Provider is a chat-completion backend.
type Provider interface {
	Name() string
	Tier() Tier
	Complete(ctx context.Context, prompt string) (Completion, error)
}

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

const defaultMaxTokens = 512

// NewProvider builds a provider from its configuration.
func NewProvider(pc config.ProviderConfig) (Provider, error) {
	maxTokens := pc.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	switch pc.Kind {
	case "openai":
		return NewOpenAI(pc.Name, Tier(pc.Tier), pc.BaseURL, pc.Key(), pc.Model, maxTokens), nil
	case "anthropic":
		client := &http.Client{Timeout: 2 * time.Minute}
		return NewAnthropic(pc.Name, Tier(pc.Tier), client, pc.BaseURL, pc.Key(), pc.Model, maxTokens), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q for %s", pc.Kind, pc.Name)
	}
}
