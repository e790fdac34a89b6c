// Package catalog manages sources and feeds, keeping the scheduler in step
// with every change.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/samber/lo"

	"digestd/internal/filter"
	"digestd/internal/model"
	"digestd/internal/scheduler"
	"digestd/internal/storage"
)

// ErrInvalid wraps validation failures of catalog input.
var ErrInvalid = errors.New("invalid input")

// Scheduler is told about every feed change.
type Scheduler interface {
	Upsert(ctx context.Context, feed model.Feed) error
	Remove(ctx context.Context, feedID int64) error
}

// Forgetter drops cached state about a deleted source.
type Forgetter interface {
	Forget(sourceID int64)
}

// TemplateSet reports which prompt templates exist.
type TemplateSet interface {
	Has(name string) bool
}

// Service is the catalog of sources and feeds.
type Service struct {
	store     storage.Storage
	sched     Scheduler
	history   Forgetter
	templates TemplateSet
	log       *slog.Logger
}

// New creates a Service. sched, history and templates may be nil.
func New(store storage.Storage, sched Scheduler, history Forgetter, templates TemplateSet, log *slog.Logger) *Service {
	return &Service{store: store, sched: sched, history: history, templates: templates, log: log}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// ValidateSource checks a source's configuration.
func ValidateSource(src model.Source) error {
	if strings.TrimSpace(src.Name) == "" {
		return invalid("source name is required")
	}
	if !src.Type.Valid() {
		return invalid("unknown source type %q", src.Type)
	}
	if strings.TrimSpace(src.Endpoint) == "" {
		return invalid("source endpoint is required")
	}
	if src.MaxItems < 0 {
		return invalid("max items must not be negative")
	}
	for _, f := range src.Filters {
		if err := filter.Validate(f); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	}
	return nil
}

func (s *Service) validateFeed(ctx context.Context, feed model.Feed) error {
	if strings.TrimSpace(feed.Name) == "" {
		return invalid("feed name is required")
	}
	if feed.Mode != "" && !feed.Mode.Valid() {
		return invalid("unknown digest mode %q", feed.Mode)
	}
	if feed.Schedule != nil && *feed.Schedule != "" {
		if _, err := scheduler.Parse(*feed.Schedule); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	}
	if feed.Template != "" && s.templates != nil && !s.templates.Has(feed.Template) {
		return invalid("unknown template %q", feed.Template)
	}
	for _, k := range feed.Sinks {
		switch k {
		case model.SinkPersist, model.SinkEmail, model.SinkWebhook, model.SinkExport, model.SinkTelegram:
		default:
			return invalid("unknown sink %q", k)
		}
	}
	if len(lo.Uniq(feed.SourceIDs)) != len(feed.SourceIDs) {
		return invalid("feed lists a source more than once")
	}
	for _, id := range feed.SourceIDs {
		if _, err := s.store.GetSource(ctx, id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return invalid("source %d does not exist", id)
			}
			return err
		}
	}
	return nil
}

// CreateSource validates and stores a new source.
func (s *Service) CreateSource(ctx context.Context, src *model.Source) error {
	if err := ValidateSource(*src); err != nil {
		return err
	}
	if err := s.store.CreateSource(ctx, src); err != nil {
		return fmt.Errorf("create source: %w", err)
	}
	s.log.Info("source created", "source_id", src.ID, "type", src.Type)
	return nil
}

// GetSource returns a source by ID.
func (s *Service) GetSource(ctx context.Context, id int64) (*model.Source, error) {
	return s.store.GetSource(ctx, id)
}

// ListSources returns every source.
func (s *Service) ListSources(ctx context.Context) ([]model.Source, error) {
	return s.store.ListSources(ctx)
}

// UpdateSource validates and stores source changes.
func (s *Service) UpdateSource(ctx context.Context, src *model.Source) error {
	if err := ValidateSource(*src); err != nil {
		return err
	}
	if err := s.store.UpdateSource(ctx, src); err != nil {
		return fmt.Errorf("update source: %w", err)
	}
	return nil
}

// DeleteSource removes a source from the catalog and from every feed.
func (s *Service) DeleteSource(ctx context.Context, id int64) error {
	if err := s.store.DeleteSource(ctx, id); err != nil {
		return fmt.Errorf("delete source: %w", err)
	}
	if s.history != nil {
		s.history.Forget(id)
	}
	s.log.Info("source deleted", "source_id", id)
	return nil
}

// CreateFeed validates and stores a new feed and schedules it.
func (s *Service) CreateFeed(ctx context.Context, feed *model.Feed) error {
	if err := s.validateFeed(ctx, *feed); err != nil {
		return err
	}
	if err := s.store.CreateFeed(ctx, feed); err != nil {
		return fmt.Errorf("create feed: %w", err)
	}
	s.log.Info("feed created", "feed_id", feed.ID, "scheduled", feed.Scheduled())
	return s.schedule(ctx, *feed)
}

// GetFeed returns a feed by ID.
func (s *Service) GetFeed(ctx context.Context, id int64) (*model.Feed, error) {
	return s.store.GetFeed(ctx, id)
}

// ListFeeds returns every feed.
func (s *Service) ListFeeds(ctx context.Context) ([]model.Feed, error) {
	return s.store.ListFeeds(ctx)
}

// UpdateFeed validates and stores feed changes and reschedules it.
func (s *Service) UpdateFeed(ctx context.Context, feed *model.Feed) error {
	if err := s.validateFeed(ctx, *feed); err != nil {
		return err
	}
	if err := s.store.UpdateFeed(ctx, feed); err != nil {
		return fmt.Errorf("update feed: %w", err)
	}
	return s.schedule(ctx, *feed)
}

// DeleteFeed removes a feed and unschedules it. Its runs and digests stay.
func (s *Service) DeleteFeed(ctx context.Context, id int64) error {
	if err := s.store.DeleteFeed(ctx, id); err != nil {
		return fmt.Errorf("delete feed: %w", err)
	}
	if s.sched != nil {
		if err := s.sched.Remove(ctx, id); err != nil {
			return fmt.Errorf("unschedule feed: %w", err)
		}
	}
	s.log.Info("feed deleted", "feed_id", id)
	return nil
}

func (s *Service) schedule(ctx context.Context, feed model.Feed) error {
	if s.sched == nil {
		return nil
	}
	if err := s.sched.Upsert(ctx, feed); err != nil {
		return fmt.Errorf("schedule feed: %w", err)
	}
	return nil
}
