// Package bot is the Telegram front end: it lists feeds and sources,
// triggers runs and reports their status.
package bot

import (
	"context"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"digestd/internal/config"
	"digestd/internal/model"
)

// API is the part of the Telegram bot API the bot uses.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Runs triggers and inspects feed runs.
type Runs interface {
	Trigger(ctx context.Context, feedID int64, by model.TriggerKind) (string, error)
	Get(ctx context.Context, runID string) (*model.FeedRun, error)
	ResetBreaker(ctx context.Context, sourceID int64) error
}

// Catalog reads and edits sources and feeds.
type Catalog interface {
	ListFeeds(ctx context.Context) ([]model.Feed, error)
	GetFeed(ctx context.Context, id int64) (*model.Feed, error)
	ListSources(ctx context.Context) ([]model.Source, error)
	GetSource(ctx context.Context, id int64) (*model.Source, error)
	UpdateSource(ctx context.Context, src *model.Source) error
}

// Bot handles Telegram commands.
type Bot struct {
	api     API
	runs    Runs
	catalog Catalog
	cfg     *config.Config
	log     *slog.Logger
}

// New creates a Bot on top of a connected Telegram API client.
func New(api API, runs Runs, catalog Catalog, cfg *config.Config, log *slog.Logger) *Bot {
	return &Bot{
		api:     api,
		runs:    runs,
		catalog: catalog,
		cfg:     cfg,
		log:     log,
	}
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.CallbackQuery != nil {
				if !b.cfg.IsUserAllowed(update.CallbackQuery.From.ID) {
					continue
				}
				b.handleCallback(ctx, update.CallbackQuery)
				continue
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if !b.cfg.IsUserAllowed(update.Message.From.ID) {
				b.reply(update.Message.Chat.ID, "Access denied.")
				continue
			}
			b.handleCommand(ctx, update.Message)
		}
	}
}

// SendMessage sends a text message to the given chat.
func (b *Bot) SendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send message", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) reply(chatID int64, text string) {
	b.SendMessage(chatID, text)
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	b.log.Debug("command", "cmd", cmd, "args", args, "chat_id", chatID)

	switch cmd {
	case "start":
		b.handleStart(chatID)
	case "help":
		b.handleHelp(chatID)
	case "feeds":
		b.handleFeeds(ctx, chatID)
	case "sources":
		b.handleSources(ctx, chatID)
	case cmdRun:
		b.handleRun(ctx, chatID, args)
	case cmdStatus:
		b.handleStatus(ctx, chatID, args)
	case cmdReset:
		b.handleReset(ctx, chatID, args)
	case "filters":
		b.handleFilters(ctx, chatID, args)
	case "include":
		b.handleAddFilter(ctx, chatID, args, model.FilterInclude, false)
	case "exclude":
		b.handleAddFilter(ctx, chatID, args, model.FilterExclude, false)
	case "include_re":
		b.handleAddFilter(ctx, chatID, args, model.FilterInclude, true)
	case "exclude_re":
		b.handleAddFilter(ctx, chatID, args, model.FilterExclude, true)
	case "rmfilter":
		b.handleRmFilter(ctx, chatID, args)
	default:
		b.reply(chatID, "Unknown command. Use /help for a list of commands.")
	}
}
