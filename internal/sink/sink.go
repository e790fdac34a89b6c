// Package sink delivers finished digests to their output destinations.
package sink

import (
	"context"
	"log/slog"

	"digestd/internal/model"
)

// Sink delivers the digests of one run.
type Sink interface {
	Deliver(ctx context.Context, feed model.Feed, digests []model.Digest) error
}

// Persist is the default sink. Digests are already stored when sinks run, so
// it does nothing.
type Persist struct{}

// Deliver implements Sink.
func (Persist) Deliver(context.Context, model.Feed, []model.Digest) error { return nil }

// Dispatcher routes digests to the sinks a feed asks for. Delivery errors are
// logged and never affect the run.
type Dispatcher struct {
	sinks map[model.SinkKind]Sink
	log   *slog.Logger
}

// NewDispatcher creates a Dispatcher with the persist sink registered.
func NewDispatcher(log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		sinks: map[model.SinkKind]Sink{model.SinkPersist: Persist{}},
		log:   log,
	}
}

// Register installs the sink for a kind.
func (d *Dispatcher) Register(kind model.SinkKind, s Sink) {
	d.sinks[kind] = s
}

// Publish delivers digests to each of the feed's sinks in order.
func (d *Dispatcher) Publish(ctx context.Context, feed model.Feed, run model.FeedRun, digests []model.Digest) {
	for _, kind := range feed.Sinks {
		s, ok := d.sinks[kind]
		if !ok {
			d.log.Warn("sink not configured", "sink", kind, "feed_id", feed.ID, "run_id", run.ID)
			continue
		}
		if err := s.Deliver(ctx, feed, digests); err != nil {
			d.log.Error("deliver digests", "sink", kind, "feed_id", feed.ID, "run_id", run.ID, "error", err)
			continue
		}
		d.log.Debug("digests delivered", "sink", kind, "feed_id", feed.ID, "run_id", run.ID, "count", len(digests))
	}
}
