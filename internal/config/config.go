// Package config handles application configuration from environment
// variables and an optional HCL file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfighcl"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "DIGEST"

// Config holds the application configuration.
type Config struct {
	DatabasePath string `hcl:"database_path" env:"DATABASE_PATH" default:"./data/digest.db"`
	LogLevel     string `hcl:"log_level" env:"LOG_LEVEL" default:"info"`
	HTTPAddr     string `hcl:"http_addr" env:"HTTP_ADDR" default:":8080"`

	Timezone     string        `hcl:"timezone" env:"TIMEZONE" default:"UTC"`
	TickInterval time.Duration `hcl:"tick_interval" env:"TICK_INTERVAL" default:"30s"`

	FetchConcurrency     int           `hcl:"fetch_concurrency" env:"FETCH_CONCURRENCY" default:"8"`
	FetchTimeout         time.Duration `hcl:"fetch_timeout" env:"FETCH_TIMEOUT" default:"30s"`
	SummarizeConcurrency int           `hcl:"summarize_concurrency" env:"SUMMARIZE_CONCURRENCY" default:"2"`
	SummarizeTimeout     time.Duration `hcl:"summarize_timeout" env:"SUMMARIZE_TIMEOUT" default:"60s"`
	DedupCapacity        int           `hcl:"dedup_capacity" env:"DEDUP_CAPACITY" default:"1000"`

	BreakerThreshold int           `hcl:"breaker_threshold" env:"BREAKER_THRESHOLD" default:"3"`
	BreakerCooldown  time.Duration `hcl:"breaker_cooldown" env:"BREAKER_COOLDOWN" default:"30m"`

	ProvidersFile string `hcl:"providers_file" env:"PROVIDERS_FILE"`
	TemplatesFile string `hcl:"templates_file" env:"TEMPLATES_FILE"`
	OpenAIKey     string `hcl:"openai_key" env:"OPENAI_KEY"`
	OpenAIModel   string `hcl:"openai_model" env:"OPENAI_MODEL" default:"gpt-4o-mini"`

	TelegramBotToken string  `hcl:"telegram_bot_token" env:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID   int64   `hcl:"telegram_chat_id" env:"TELEGRAM_CHAT_ID"`
	AllowedUsers     []int64 `hcl:"allowed_users" env:"ALLOWED_USERS"`

	WebhookURL string `hcl:"webhook_url" env:"WEBHOOK_URL"`
	ExportDir  string `hcl:"export_dir" env:"EXPORT_DIR" default:"./data/export"`

	SMTPAddr     string   `hcl:"smtp_addr" env:"SMTP_ADDR"`
	SMTPUser     string   `hcl:"smtp_user" env:"SMTP_USER"`
	SMTPPassword string   `hcl:"smtp_password" env:"SMTP_PASSWORD"`
	MailFrom     string   `hcl:"mail_from" env:"MAIL_FROM"`
	MailTo       []string `hcl:"mail_to" env:"MAIL_TO"`

	IMAPAddr     string `hcl:"imap_addr" env:"IMAP_ADDR"`
	IMAPUser     string `hcl:"imap_user" env:"IMAP_USER"`
	IMAPPassword string `hcl:"imap_password" env:"IMAP_PASSWORD"`
}

// Files lists the HCL files consulted by Load, in order.
var Files = []string{"./digestd.hcl", "./digestd.local.hcl"}

// Load reads configuration from defaults, HCL files and environment variables.
func Load() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix:          EnvPrefix,
		SkipFlags:          true,
		AllowUnknownFields: true,
		AllowUnknownEnvs:   true,
		Files:              Files,
		FileDecoders: map[string]aconfig.FileDecoder{
			".hcl": aconfighcl.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}

	if c.FetchConcurrency < 1 {
		return fmt.Errorf("fetch concurrency must be positive, got %d", c.FetchConcurrency)
	}
	if c.SummarizeConcurrency < 1 {
		return fmt.Errorf("summarize concurrency must be positive, got %d", c.SummarizeConcurrency)
	}
	if c.BreakerThreshold < 1 {
		return fmt.Errorf("breaker threshold must be positive, got %d", c.BreakerThreshold)
	}
	if c.DedupCapacity < 1 {
		return fmt.Errorf("dedup capacity must be positive, got %d", c.DedupCapacity)
	}
	return nil
}

// Location returns the scheduler timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsUserAllowed checks whether a Telegram user ID is in the allow list.
// Returns true if the allow list is empty (all users permitted).
func (c *Config) IsUserAllowed(userID int64) bool {
	if len(c.AllowedUsers) == 0 {
		return true
	}
	for _, id := range c.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

// ProviderConfig describes one summarization provider in the fallback chain.
type ProviderConfig struct {
	Name      string  `yaml:"name"`
	Kind      string  `yaml:"kind"`
	Tier      string  `yaml:"tier"`
	BaseURL   string  `yaml:"base_url"`
	APIKey    string  `yaml:"api_key"`
	APIKeyEnv string  `yaml:"api_key_env"`
	Model     string  `yaml:"model"`
	RPM       float64 `yaml:"rpm"`
	MaxTokens int     `yaml:"max_tokens"`
}

// Key returns the API key, reading APIKeyEnv when set.
func (p ProviderConfig) Key() string {
	if p.APIKeyEnv != "" {
		return os.Getenv(p.APIKeyEnv)
	}
	return p.APIKey
}

type providersFile struct {
	Providers []ProviderConfig `yaml:"providers"`
}

// Providers returns the configured summarization chain. Without a providers
// file a single paid-tier OpenAI provider is derived from OpenAIKey.
func (c *Config) Providers() ([]ProviderConfig, error) {
	if c.ProvidersFile == "" {
		if c.OpenAIKey == "" {
			return nil, nil
		}
		return []ProviderConfig{{
			Name:   "openai",
			Kind:   "openai",
			Tier:   "paid",
			APIKey: c.OpenAIKey,
			Model:  c.OpenAIModel,
		}}, nil
	}

	raw, err := os.ReadFile(c.ProvidersFile)
	if err != nil {
		return nil, fmt.Errorf("read providers file: %w", err)
	}
	return ParseProviders(raw)
}

// ParseProviders decodes a YAML providers document.
func ParseProviders(raw []byte) ([]ProviderConfig, error) {
	var pf providersFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return nil, fmt.Errorf("parse providers: %w", err)
	}
	for i, p := range pf.Providers {
		if p.Name == "" {
			return nil, fmt.Errorf("provider %d: name is required", i)
		}
		if p.Kind == "" {
			return nil, fmt.Errorf("provider %s: kind is required", p.Name)
		}
	}
	return pf.Providers, nil
}
