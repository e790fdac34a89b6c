package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"digestd/internal/api"
	"digestd/internal/app"
	"digestd/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	a, err := app.New(cfg, log)
	if err != nil {
		log.Error("start", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error("close", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.Recover(ctx); err != nil {
		log.Error("recover interrupted runs", "error", err)
		os.Exit(1)
	}

	log.Info("starting digestd", "http_addr", cfg.HTTPAddr, "timezone", cfg.Location().String())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Scheduler.Run(ctx) })
	g.Go(func() error {
		return api.NewServer(a.Runs, a.Catalog, log).Run(ctx, cfg.HTTPAddr)
	})
	if a.Bot != nil {
		g.Go(func() error {
			a.Bot.Run(ctx)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Error("digestd stopped", "error", err)
		return
	}
	log.Info("digestd stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
