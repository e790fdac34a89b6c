// Package app wires the storage, pipeline and front ends together from the
// loaded configuration.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"digestd/internal/breaker"
	"digestd/internal/bot"
	"digestd/internal/catalog"
	"digestd/internal/collector"
	"digestd/internal/config"
	"digestd/internal/dedup"
	"digestd/internal/fetcher"
	"digestd/internal/model"
	"digestd/internal/run"
	"digestd/internal/scheduler"
	"digestd/internal/sink"
	"digestd/internal/storage"
	"digestd/internal/summarize"
)

// App holds the long-lived components of a digestd process.
type App struct {
	Config    *config.Config
	Store     *storage.SQLite
	Runs      *run.Controller
	Catalog   *catalog.Service
	Scheduler *scheduler.Scheduler
	// Bot is nil unless a Telegram token is configured.
	Bot *bot.Bot

	log *slog.Logger
}

// New opens the database and builds every component. The caller must Close
// the returned App.
func New(cfg *config.Config, log *slog.Logger) (*App, error) {
	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	a, err := build(cfg, store, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func build(cfg *config.Config, store *storage.SQLite, log *slog.Logger) (*App, error) {
	pcs, err := cfg.Providers()
	if err != nil {
		return nil, err
	}
	if len(pcs) == 0 {
		log.Warn("no summarization providers configured, every run will fail to summarize")
	}
	entries := make([]summarize.Entry, 0, len(pcs))
	var chat fetcher.ChatClient
	var chatModel string
	for _, pc := range pcs {
		p, err := summarize.NewProvider(pc)
		if err != nil {
			return nil, err
		}
		if o, ok := p.(*summarize.OpenAI); ok && chat == nil {
			chat, chatModel = o.Client(), pc.Model
		}
		entries = append(entries, summarize.Entry{Provider: p, RPM: pc.RPM})
	}

	templates, err := summarize.LoadTemplates(cfg.TemplatesFile)
	if err != nil {
		return nil, err
	}
	coordinator := summarize.NewCoordinator(entries, templates, cfg.SummarizeTimeout, log)
	log.Info("summarization chain", "providers", coordinator.Providers())

	client := &http.Client{Timeout: cfg.FetchTimeout}
	registry := fetcher.NewRegistry()
	registry.Register(model.SourceFeed, fetcher.NewFeedFetcher(client))
	registry.Register(model.SourceVideo, fetcher.NewVideoFetcher(client))
	registry.Register(model.SourceWeb, fetcher.NewWebFetcher(client))
	if cfg.IMAPAddr != "" {
		registry.Register(model.SourceMailbox, fetcher.NewMailboxFetcher(
			fetcher.IMAPDialer(cfg.IMAPAddr, cfg.IMAPUser, cfg.IMAPPassword)))
	}
	if chat != nil {
		registry.Register(model.SourceAgent, fetcher.NewAgentFetcher(chat, chatModel))
	}
	log.Info("fetchers registered", "types", registry.Types())

	brk := breaker.New(store, cfg.BreakerThreshold, cfg.BreakerCooldown, log)
	history := dedup.New(store, cfg.DedupCapacity)
	coll := collector.New(registry, brk, history, store, cfg.FetchConcurrency, cfg.FetchTimeout, log)

	var tg *tgbotapi.BotAPI
	if cfg.TelegramBotToken != "" {
		tg, err = tgbotapi.NewBotAPI(cfg.TelegramBotToken)
		if err != nil {
			return nil, fmt.Errorf("connect telegram: %w", err)
		}
		log.Info("authorized on telegram", "username", tg.Self.UserName)
	}

	dispatcher := sink.NewDispatcher(log)
	if tg != nil && cfg.TelegramChatID != 0 {
		dispatcher.Register(model.SinkTelegram, sink.NewTelegram(tg, cfg.TelegramChatID))
	}
	if cfg.WebhookURL != "" {
		dispatcher.Register(model.SinkWebhook, sink.NewWebhook(&http.Client{Timeout: 30 * time.Second}, cfg.WebhookURL))
	}
	if cfg.SMTPAddr != "" {
		dispatcher.Register(model.SinkEmail, sink.NewEmail(cfg.SMTPAddr, cfg.SMTPUser, cfg.SMTPPassword, cfg.MailFrom, cfg.MailTo))
	}
	if cfg.ExportDir != "" {
		dispatcher.Register(model.SinkExport, sink.NewExport(cfg.ExportDir))
	}

	runs := run.NewController(run.Config{
		Store:                store,
		Collector:            coll,
		Summarizer:           coordinator,
		Breaker:              brk,
		Seen:                 history,
		Publisher:            dispatcher,
		SummarizeConcurrency: cfg.SummarizeConcurrency,
		Logger:               log,
	})

	sched := scheduler.New(store, runs, cfg.Location(), log)
	sched.SetTickInterval(cfg.TickInterval)

	a := &App{
		Config:    cfg,
		Store:     store,
		Runs:      runs,
		Catalog:   catalog.New(store, sched, history, templates, log),
		Scheduler: sched,
		log:       log,
	}
	if tg != nil {
		a.Bot = bot.New(tg, runs, a.Catalog, cfg, log)
	}
	return a, nil
}

// Recover fails runs left active by a previous process.
func (a *App) Recover(ctx context.Context) error {
	return a.Runs.Recover(ctx)
}

// Close cancels in-flight runs, waits for them and closes the database.
func (a *App) Close() error {
	a.Runs.Close()
	return a.Store.Close()
}
