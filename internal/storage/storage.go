// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"

	"digestd/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrRunTerminal is returned when a transition is attempted on a run
	// that is no longer in the expected state.
	ErrRunTerminal = errors.New("run already terminal")
)

// RunCounters holds deltas applied atomically to a run's counters.
type RunCounters struct {
	Processed int
	Failed    int
	Items     int
	Digests   int
	TokensIn  int
	TokensOut int
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	FeedID int64
	Status []model.RunStatus
	Limit  uint64
}

// Storage is the interface for all persistence operations.
type Storage interface {
	CreateSource(ctx context.Context, src *model.Source) error
	GetSource(ctx context.Context, id int64) (*model.Source, error)
	ListSources(ctx context.Context) ([]model.Source, error)
	UpdateSource(ctx context.Context, src *model.Source) error
	DeleteSource(ctx context.Context, id int64) error
	SetSourceMarker(ctx context.Context, id int64, marker string) error
	GetBreaker(ctx context.Context, sourceID int64) (model.BreakerState, error)
	SaveBreaker(ctx context.Context, sourceID int64, st model.BreakerState) error

	CreateFeed(ctx context.Context, feed *model.Feed) error
	GetFeed(ctx context.Context, id int64) (*model.Feed, error)
	ListFeeds(ctx context.Context) ([]model.Feed, error)
	UpdateFeed(ctx context.Context, feed *model.Feed) error
	DeleteFeed(ctx context.Context, id int64) error

	CreateRun(ctx context.Context, run *model.FeedRun) error
	GetRun(ctx context.Context, id string) (*model.FeedRun, error)
	ActiveRun(ctx context.Context, feedID int64) (*model.FeedRun, error)
	ListRuns(ctx context.Context, f RunFilter) ([]model.FeedRun, error)
	StartRun(ctx context.Context, id string, sources []model.SourceStatus) error
	IncrementRun(ctx context.Context, id string, c RunCounters) error
	SetSourceStatus(ctx context.Context, runID string, st model.SourceStatus) error
	AddRunError(ctx context.Context, runID string, e model.RunError) error
	FinishRun(ctx context.Context, id string, status model.RunStatus) error

	SaveDigest(ctx context.Context, d *model.Digest) error
	ListDigests(ctx context.Context, runID string) ([]model.Digest, error)

	ListSeen(ctx context.Context, sourceID int64, limit int) ([]string, error)
	AddSeen(ctx context.Context, sourceID int64, itemIDs []string, capacity int) error

	Close() error
}
