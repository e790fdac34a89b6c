package bot

import (
	"context"
	"errors"
	"fmt"
	"slices"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"digestd/internal/model"
	"digestd/internal/run"
	"digestd/internal/storage"
)

func (b *Bot) handleStart(chatID int64) {
	b.reply(chatID, `Welcome to digestd!

Feeds group sources and turn their new items into summarized digests.

Quick start:
1. /feeds to see configured feeds
2. /run <feed_id> to build a digest now
3. /status <run_id> to follow a run

Use /help for the full command reference.`)
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, `Runs:
/feeds: list feeds
/run <feed_id>: start a run now
/status <run_id>: show run progress

Sources:
/sources: list sources and circuit state
/reset <source_id>: close a source's circuit

Filters:
/filters <source_id>: show filters of a source
/include <source_id> [-s scope] <word>: whitelist word/phrase
/exclude <source_id> [-s scope] <word>: blacklist word/phrase
/include_re <source_id> [-s scope] <regex>: whitelist regex
/exclude_re <source_id> [-s scope] <regex>: blacklist regex
/rmfilter <source_id> <n>: remove filter number n

Scope flag: -s title | content | all (default: all)`)
}

func (b *Bot) sendWithKeyboard(chatID int64, text string, markup tgbotapi.InlineKeyboardMarkup) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = markup
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send message", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) handleFeeds(ctx context.Context, chatID int64) {
	feeds, err := b.catalog.ListFeeds(ctx)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	if len(feeds) == 0 {
		b.reply(chatID, FormatFeedList(feeds))
		return
	}

	var rows [][]tgbotapi.InlineKeyboardButton
	for _, f := range feeds {
		if !f.Enabled {
			continue
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("Run #%d %s", f.ID, f.Name), fmt.Sprintf("%s:%d", cmdRun, f.ID)),
		))
	}
	if len(rows) == 0 {
		b.reply(chatID, FormatFeedList(feeds))
		return
	}
	b.sendWithKeyboard(chatID, FormatFeedList(feeds), tgbotapi.NewInlineKeyboardMarkup(rows...))
}

func (b *Bot) handleSources(ctx context.Context, chatID int64) {
	sources, err := b.catalog.ListSources(ctx)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, src := range sources {
		if src.Breaker.State == "" || src.Breaker.State == model.CircuitClosed {
			continue
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("Reset #%d %s", src.ID, src.Name), fmt.Sprintf("%s:%d", cmdReset, src.ID)),
		))
	}
	if len(rows) == 0 {
		b.reply(chatID, FormatSourceList(sources))
		return
	}
	b.sendWithKeyboard(chatID, FormatSourceList(sources), tgbotapi.NewInlineKeyboardMarkup(rows...))
}

func (b *Bot) handleRun(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /run <feed_id>")
		return
	}

	feed, err := b.catalog.GetFeed(ctx, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Feed #%d not found.", id))
		return
	}

	runID, err := b.runs.Trigger(ctx, feed.ID, model.TriggeredManually)
	switch {
	case errors.Is(err, run.ErrRunActive):
		b.sendWithKeyboard(chatID,
			fmt.Sprintf("Feed #%d \"%s\" is already running.\nRun: %s", feed.ID, feed.Name, runID),
			statusKeyboard(runID))
		return
	case err != nil:
		b.reply(chatID, fmt.Sprintf("Failed to start run: %v", err))
		return
	}

	b.log.Info("run triggered from chat", "feed_id", feed.ID, "run_id", runID, "chat_id", chatID)
	b.sendWithKeyboard(chatID,
		fmt.Sprintf("Run started for #%d \"%s\".\nRun: %s", feed.ID, feed.Name, runID),
		statusKeyboard(runID))
}

func statusKeyboard(runID string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Status", cmdStatus+":"+runID),
		),
	)
}

func (b *Bot) handleStatus(ctx context.Context, chatID int64, args string) {
	if args == "" {
		b.reply(chatID, "Usage: /status <run_id>")
		return
	}

	r, err := b.runs.Get(ctx, args)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			b.reply(chatID, fmt.Sprintf("Run %s not found.", args))
			return
		}
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	if r.Status.Terminal() {
		b.reply(chatID, FormatRun(r))
		return
	}
	b.sendWithKeyboard(chatID, FormatRun(r), statusKeyboard(r.ID))
}

func (b *Bot) handleReset(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /reset <source_id>")
		return
	}

	src, err := b.catalog.GetSource(ctx, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Source #%d not found.", id))
		return
	}
	if err := b.runs.ResetBreaker(ctx, id); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Circuit of #%d \"%s\" closed.", src.ID, src.Name))
}

func (b *Bot) handleFilters(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /filters <source_id>")
		return
	}

	src, err := b.catalog.GetSource(ctx, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Source #%d not found.", id))
		return
	}
	b.reply(chatID, FormatFilterList(src))
}

func (b *Bot) handleAddFilter(ctx context.Context, chatID int64, args string, kind model.FilterKind, regex bool) {
	parsed, err := ParseFilterCommand(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}

	src, err := b.catalog.GetSource(ctx, parsed.SourceID)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Source #%d not found.", parsed.SourceID))
		return
	}

	f := model.Filter{Kind: kind, Scope: parsed.Scope, Value: parsed.Value, Regex: regex}
	src.Filters = append(src.Filters, f)
	if err := b.catalog.UpdateSource(ctx, src); err != nil {
		b.reply(chatID, fmt.Sprintf("Invalid filter: %v", err))
		return
	}

	label := string(kind)
	if regex {
		label += "_re"
	}
	b.reply(chatID, fmt.Sprintf("Filter %d added to #%d \"%s\": %s %s (%s)",
		len(src.Filters), src.ID, src.Name, label, parsed.Value, scopeLabel(parsed.Scope)))
}

func (b *Bot) handleRmFilter(ctx context.Context, chatID int64, args string) {
	id, n, err := ParseRmFilterArgs(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}

	src, err := b.catalog.GetSource(ctx, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Source #%d not found.", id))
		return
	}
	if n > len(src.Filters) {
		b.reply(chatID, fmt.Sprintf("Source #%d has no filter %d.", id, n))
		return
	}

	src.Filters = slices.Delete(src.Filters, n-1, n)
	if err := b.catalog.UpdateSource(ctx, src); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Filter %d removed from #%d \"%s\".", n, src.ID, src.Name))
}
