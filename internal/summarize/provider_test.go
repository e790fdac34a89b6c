package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sashabaranov/go-openai"

	"digestd/internal/config"
)

type mockTransport struct {
	status int
	body   string
	req    *http.Request
	sent   []byte
}

func (m *mockTransport) Do(req *http.Request) (*http.Response, error) {
	m.req = req
	m.sent, _ = io.ReadAll(req.Body)
	return &http.Response{
		StatusCode: m.status,
		Body:       io.NopCloser(bytes.NewBufferString(m.body)),
	}, nil
}

func TestAnthropicComplete(t *testing.T) {
	transport := &mockTransport{
		status: 200,
		body:   `{"content":[{"type":"text","text":"SUMMARY: ok"}],"usage":{"input_tokens":11,"output_tokens":3}}`,
	}
	a := NewAnthropic("claude", TierPaid, transport, "", "sk-ant", "claude-test", 256)

	got, err := a.Complete(context.Background(), "hello")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if diff := cmp.Diff(Completion{Text: "SUMMARY: ok", TokensIn: 11, TokensOut: 3}, got); diff != "" {
		t.Errorf("completion mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff("https://api.anthropic.com/v1/messages", transport.req.URL.String()); diff != "" {
		t.Errorf("url mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff("sk-ant", transport.req.Header.Get("x-api-key")); diff != "" {
		t.Errorf("api key mismatch (-want +got):\n%s", diff)
	}

	var sent anthropicRequest
	if err := json.Unmarshal(transport.sent, &sent); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if diff := cmp.Diff("claude-test", sent.Model); diff != "" {
		t.Errorf("model mismatch (-want +got):\n%s", diff)
	}
}

func TestAnthropicErrorStatus(t *testing.T) {
	a := NewAnthropic("claude", TierPaid, &mockTransport{status: 529, body: `{"error":"overloaded"}`}, "", "k", "", 0)
	if _, err := a.Complete(context.Background(), "hello"); err == nil {
		t.Fatal("expected error")
	}
}

type mockChat struct {
	resp openai.ChatCompletionResponse
	req  openai.ChatCompletionRequest
}

func (m *mockChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	m.req = req
	return m.resp, nil
}

func TestOpenAIComplete(t *testing.T) {
	chat := &mockChat{resp: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "SUMMARY: hi"}}},
		Usage:   openai.Usage{PromptTokens: 9, CompletionTokens: 2},
	}}
	o := NewOpenAI("local", TierLocal, "http://localhost:11434/v1/", "", "llama3.1", 128)
	o.client = chat

	got, err := o.Complete(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if diff := cmp.Diff(Completion{Text: "SUMMARY: hi", TokensIn: 9, TokensOut: 2}, got); diff != "" {
		t.Errorf("completion mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(128, chat.req.MaxTokens); diff != "" {
		t.Errorf("max tokens mismatch (-want +got):\n%s", diff)
	}

	chat.resp = openai.ChatCompletionResponse{}
	if _, err := o.Complete(context.Background(), "prompt"); err == nil {
		t.Error("expected error for empty choices")
	}
}

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.ProviderConfig
		wantTier Tier
		wantErr  bool
	}{
		{name: "openai", cfg: config.ProviderConfig{Name: "o", Kind: "openai", Tier: "free"}, wantTier: TierFree},
		{name: "anthropic", cfg: config.ProviderConfig{Name: "a", Kind: "anthropic", Tier: "paid"}, wantTier: TierPaid},
		{name: "unknown", cfg: config.ProviderConfig{Name: "x", Kind: "gemini"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProvider(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.wantTier, p.Tier()); diff != "" {
				t.Errorf("tier mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.cfg.Name, p.Name()); diff != "" {
				t.Errorf("name mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
