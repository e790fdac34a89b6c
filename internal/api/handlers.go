package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"digestd/internal/catalog"
	"digestd/internal/model"
	"digestd/internal/run"
	"digestd/internal/storage"
)

const defaultHistoryLimit = 20

func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, catalog.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, run.ErrNotActive), errors.Is(err, storage.ErrRunTerminal):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

// Runs

func (s *Server) handleTrigger(c *gin.Context) {
	feedID, ok := idParam(c)
	if !ok {
		return
	}
	runID, err := s.runs.Trigger(c.Request.Context(), feedID, model.TriggeredManually)
	if errors.Is(err, run.ErrRunActive) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "run_id": runID})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": runID})
}

func (s *Server) handleHistory(c *gin.Context) {
	feedID, ok := idParam(c)
	if !ok {
		return
	}
	limit := uint64(defaultHistoryLimit)
	if v := c.Query("limit"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil || n == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	if _, err := s.catalog.GetFeed(c.Request.Context(), feedID); err != nil {
		s.fail(c, err)
		return
	}
	runs, err := s.runs.History(c.Request.Context(), feedID, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": nonNil(runs), "count": len(runs)})
}

func (s *Server) handleGetRun(c *gin.Context) {
	r, err := s.runs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) handleCancel(c *gin.Context) {
	if err := s.runs.Cancel(c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": c.Param("id")})
}

func (s *Server) handleDigests(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := s.runs.Get(ctx, c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	digests, err := s.runs.Digests(ctx, c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"digests": nonNil(digests), "count": len(digests)})
}

func (s *Server) handleResetBreaker(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := s.runs.ResetBreaker(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Sources

func (s *Server) handleListSources(c *gin.Context) {
	sources, err := s.catalog.ListSources(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sources": nonNil(sources), "count": len(sources)})
}

func (s *Server) handleCreateSource(c *gin.Context) {
	var src model.Source
	if err := c.ShouldBindJSON(&src); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	src.ID = 0
	if err := s.catalog.CreateSource(c.Request.Context(), &src); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, src)
}

func (s *Server) handleGetSource(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	src, err := s.catalog.GetSource(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, src)
}

func (s *Server) handleUpdateSource(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var src model.Source
	if err := c.ShouldBindJSON(&src); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	src.ID = id
	if err := s.catalog.UpdateSource(c.Request.Context(), &src); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, src)
}

func (s *Server) handleDeleteSource(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := s.catalog.DeleteSource(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Feeds

func (s *Server) handleListFeeds(c *gin.Context) {
	feeds, err := s.catalog.ListFeeds(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"feeds": nonNil(feeds), "count": len(feeds)})
}

func (s *Server) handleCreateFeed(c *gin.Context) {
	var feed model.Feed
	if err := c.ShouldBindJSON(&feed); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	feed.ID = 0
	if err := s.catalog.CreateFeed(c.Request.Context(), &feed); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, feed)
}

func (s *Server) handleGetFeed(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	feed, err := s.catalog.GetFeed(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, feed)
}

func (s *Server) handleUpdateFeed(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var feed model.Feed
	if err := c.ShouldBindJSON(&feed); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	feed.ID = id
	if err := s.catalog.UpdateFeed(c.Request.Context(), &feed); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, feed)
}

func (s *Server) handleDeleteFeed(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := s.catalog.DeleteFeed(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
