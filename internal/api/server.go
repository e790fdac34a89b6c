// Package api exposes runs and the catalog over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"digestd/internal/model"
)

// Runs is the run controller surface served over HTTP.
type Runs interface {
	Trigger(ctx context.Context, feedID int64, by model.TriggerKind) (string, error)
	Get(ctx context.Context, runID string) (*model.FeedRun, error)
	History(ctx context.Context, feedID int64, limit uint64) ([]model.FeedRun, error)
	Cancel(runID string) error
	ResetBreaker(ctx context.Context, sourceID int64) error
	Digests(ctx context.Context, runID string) ([]model.Digest, error)
}

// Catalog manages sources and feeds.
type Catalog interface {
	CreateSource(ctx context.Context, src *model.Source) error
	GetSource(ctx context.Context, id int64) (*model.Source, error)
	ListSources(ctx context.Context) ([]model.Source, error)
	UpdateSource(ctx context.Context, src *model.Source) error
	DeleteSource(ctx context.Context, id int64) error
	CreateFeed(ctx context.Context, feed *model.Feed) error
	GetFeed(ctx context.Context, id int64) (*model.Feed, error)
	ListFeeds(ctx context.Context) ([]model.Feed, error)
	UpdateFeed(ctx context.Context, feed *model.Feed) error
	DeleteFeed(ctx context.Context, id int64) error
}

// Server is the HTTP API.
type Server struct {
	runs    Runs
	catalog Catalog
	log     *slog.Logger
	router  *gin.Engine
}

// NewServer creates a Server with all routes registered.
func NewServer(runs Runs, catalog Catalog, log *slog.Logger) *Server {
	router := gin.New()
	s := &Server{runs: runs, catalog: catalog, log: log, router: router}
	router.Use(gin.Recovery(), s.logRequests)

	router.POST("/feeds/:id/runs", s.handleTrigger)
	router.GET("/feeds/:id/runs", s.handleHistory)
	router.GET("/runs/:id", s.handleGetRun)
	router.POST("/runs/:id/cancel", s.handleCancel)
	router.GET("/runs/:id/digests", s.handleDigests)
	router.POST("/sources/:id/reset", s.handleResetBreaker)

	router.GET("/sources", s.handleListSources)
	router.POST("/sources", s.handleCreateSource)
	router.GET("/sources/:id", s.handleGetSource)
	router.PUT("/sources/:id", s.handleUpdateSource)
	router.DELETE("/sources/:id", s.handleDeleteSource)

	router.GET("/feeds", s.handleListFeeds)
	router.POST("/feeds", s.handleCreateFeed)
	router.GET("/feeds/:id", s.handleGetFeed)
	router.PUT("/feeds/:id", s.handleUpdateFeed)
	router.DELETE("/feeds/:id", s.handleDeleteFeed)

	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.log.Debug("http request",
		"method", c.Request.Method,
		"path", c.FullPath(),
		"status", c.Writer.Status(),
		"duration", time.Since(start),
	)
}
