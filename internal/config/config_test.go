package config

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoad(t *testing.T) {
	Files = nil

	tests := []struct {
		name    string
		env     map[string]string
		check   func(t *testing.T, cfg *Config)
		wantErr bool
	}{
		{
			name: "defaults applied",
			env:  map[string]string{},
			check: func(t *testing.T, cfg *Config) {
				if diff := cmp.Diff("./data/digest.db", cfg.DatabasePath); diff != "" {
					t.Errorf("DatabasePath mismatch (-want +got):\n%s", diff)
				}
				if diff := cmp.Diff(3, cfg.BreakerThreshold); diff != "" {
					t.Errorf("BreakerThreshold mismatch (-want +got):\n%s", diff)
				}
				if diff := cmp.Diff(30*time.Minute, cfg.BreakerCooldown); diff != "" {
					t.Errorf("BreakerCooldown mismatch (-want +got):\n%s", diff)
				}
				if diff := cmp.Diff(8, cfg.FetchConcurrency); diff != "" {
					t.Errorf("FetchConcurrency mismatch (-want +got):\n%s", diff)
				}
			},
		},
		{
			name: "env overrides",
			env: map[string]string{
				"DIGEST_DATABASE_PATH":     "/tmp/d.db",
				"DIGEST_LOG_LEVEL":         "debug",
				"DIGEST_FETCH_TIMEOUT":     "5s",
				"DIGEST_BREAKER_THRESHOLD": "5",
				"DIGEST_TIMEZONE":          "Europe/Berlin",
			},
			check: func(t *testing.T, cfg *Config) {
				if diff := cmp.Diff("/tmp/d.db", cfg.DatabasePath); diff != "" {
					t.Errorf("DatabasePath mismatch (-want +got):\n%s", diff)
				}
				if diff := cmp.Diff(5*time.Second, cfg.FetchTimeout); diff != "" {
					t.Errorf("FetchTimeout mismatch (-want +got):\n%s", diff)
				}
				if diff := cmp.Diff(5, cfg.BreakerThreshold); diff != "" {
					t.Errorf("BreakerThreshold mismatch (-want +got):\n%s", diff)
				}
				if diff := cmp.Diff("Europe/Berlin", cfg.Location().String()); diff != "" {
					t.Errorf("Location mismatch (-want +got):\n%s", diff)
				}
			},
		},
		{
			name:    "invalid timezone",
			env:     map[string]string{"DIGEST_TIMEZONE": "Mars/Olympus"},
			wantErr: true,
		},
		{
			name:    "zero threshold rejected",
			env:     map[string]string{"DIGEST_BREAKER_THRESHOLD": "0"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			got, err := Load()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.check(t, got)
		})
	}
}

func TestIsUserAllowed(t *testing.T) {
	tests := []struct {
		name         string
		allowedUsers []int64
		userID       int64
		want         bool
	}{
		{name: "empty list allows everyone", allowedUsers: nil, userID: 42, want: true},
		{name: "user in list", allowedUsers: []int64{10, 20, 30}, userID: 20, want: true},
		{name: "user not in list", allowedUsers: []int64{10, 20, 30}, userID: 99, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{AllowedUsers: tt.allowedUsers}
			if diff := cmp.Diff(tt.want, cfg.IsUserAllowed(tt.userID)); diff != "" {
				t.Errorf("IsUserAllowed() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseProviders(t *testing.T) {
	raw := []byte(`
providers:
  - name: ollama
    kind: openai
    tier: local
    base_url: http://localhost:11434/v1
    model: llama3.1
  - name: groq
    kind: openai
    tier: free
    base_url: https://api.groq.com/openai/v1
    api_key_env: GROQ_KEY
    rpm: 30
  - name: claude
    kind: anthropic
    tier: paid
    model: claude-3-5-haiku-latest
`)
	t.Setenv("GROQ_KEY", "gsk-test")

	got, err := ParseProviders(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	wantNames := []string{"ollama", "groq", "claude"}
	var gotNames []string
	for _, p := range got {
		gotNames = append(gotNames, p.Name)
	}
	if diff := cmp.Diff(wantNames, gotNames); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff("gsk-test", got[1].Key()); diff != "" {
		t.Errorf("key mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(30.0, got[1].RPM); diff != "" {
		t.Errorf("rpm mismatch (-want +got):\n%s", diff)
	}

	if _, err := ParseProviders([]byte("providers:\n  - kind: openai\n")); err == nil {
		t.Error("expected error for provider without name")
	}
}
