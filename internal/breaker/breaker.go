// Package breaker implements the per-source circuit breaker that keeps
// persistently failing sources out of runs.
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"digestd/internal/model"
)

// Store persists breaker state on the source row.
type Store interface {
	GetBreaker(ctx context.Context, sourceID int64) (model.BreakerState, error)
	SaveBreaker(ctx context.Context, sourceID int64, st model.BreakerState) error
}

// Breaker decides whether a source may be attempted. All transitions of one
// source are serialized by a per-source lock.
type Breaker struct {
	store     Store
	threshold int
	cooldown  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// New creates a Breaker that opens after threshold consecutive failures and
// allows a probe once cooldown has passed since the last failure.
func New(store Store, threshold int, cooldown time.Duration, logger *slog.Logger) *Breaker {
	return &Breaker{
		store:     store,
		threshold: threshold,
		cooldown:  cooldown,
		logger:    logger,
		now:       time.Now,
		locks:     make(map[int64]*sync.Mutex),
	}
}

func (b *Breaker) lock(sourceID int64) func() {
	b.mu.Lock()
	l, ok := b.locks[sourceID]
	if !ok {
		l = &sync.Mutex{}
		b.locks[sourceID] = l
	}
	b.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Allow reports whether the source may be fetched now. An open breaker whose
// cool-down has elapsed moves to half-open and grants exactly one probe; further
// calls are refused until the probe outcome is recorded.
func (b *Breaker) Allow(ctx context.Context, sourceID int64) (bool, error) {
	unlock := b.lock(sourceID)
	defer unlock()

	st, err := b.store.GetBreaker(ctx, sourceID)
	if err != nil {
		return false, fmt.Errorf("get breaker: %w", err)
	}

	switch st.State {
	case model.CircuitOpen:
		if st.LastFailureAt != nil && b.now().Sub(*st.LastFailureAt) < b.cooldown {
			return false, nil
		}
		st.State = model.CircuitHalfOpen
		st.ProbeInFlight = true
		if err := b.store.SaveBreaker(ctx, sourceID, st); err != nil {
			return false, fmt.Errorf("save breaker: %w", err)
		}
		b.logger.Info("circuit half-open, probing", "source_id", sourceID)
		return true, nil
	case model.CircuitHalfOpen:
		if st.ProbeInFlight {
			return false, nil
		}
		st.ProbeInFlight = true
		if err := b.store.SaveBreaker(ctx, sourceID, st); err != nil {
			return false, fmt.Errorf("save breaker: %w", err)
		}
		return true, nil
	default:
		return true, nil
	}
}

// RecordSuccess closes the breaker and clears the failure count.
func (b *Breaker) RecordSuccess(ctx context.Context, sourceID int64) error {
	unlock := b.lock(sourceID)
	defer unlock()

	st, err := b.store.GetBreaker(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("get breaker: %w", err)
	}
	if st.State == model.CircuitClosed && st.Failures == 0 {
		return nil
	}
	if st.State != model.CircuitClosed {
		b.logger.Info("circuit closed", "source_id", sourceID)
	}
	return b.save(ctx, sourceID, model.BreakerState{State: model.CircuitClosed, LastFailureAt: st.LastFailureAt})
}

// RecordFailure counts a failure. A failed probe reopens the breaker, and the
// threshold-th consecutive failure of a closed breaker opens it.
func (b *Breaker) RecordFailure(ctx context.Context, sourceID int64) error {
	unlock := b.lock(sourceID)
	defer unlock()

	st, err := b.store.GetBreaker(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("get breaker: %w", err)
	}
	now := b.now().UTC()
	st.Failures++
	st.LastFailureAt = &now
	st.ProbeInFlight = false

	switch st.State {
	case model.CircuitHalfOpen:
		st.State = model.CircuitOpen
		b.logger.Warn("probe failed, circuit reopened", "source_id", sourceID, "failures", st.Failures)
	case model.CircuitClosed, "":
		if st.Failures >= b.threshold {
			st.State = model.CircuitOpen
			b.logger.Warn("circuit opened", "source_id", sourceID, "failures", st.Failures)
		} else {
			st.State = model.CircuitClosed
		}
	}
	return b.save(ctx, sourceID, st)
}

// Release hands back a probe granted by Allow whose outcome was never
// observed, such as a fetch abandoned on cancellation. The breaker stays
// half-open and the next Allow grants a new probe.
func (b *Breaker) Release(ctx context.Context, sourceID int64) error {
	unlock := b.lock(sourceID)
	defer unlock()

	st, err := b.store.GetBreaker(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("get breaker: %w", err)
	}
	if st.State != model.CircuitHalfOpen || !st.ProbeInFlight {
		return nil
	}
	st.ProbeInFlight = false
	b.logger.Info("probe released", "source_id", sourceID)
	return b.save(ctx, sourceID, st)
}

// Reset forces the breaker closed with counters zeroed.
func (b *Breaker) Reset(ctx context.Context, sourceID int64) error {
	unlock := b.lock(sourceID)
	defer unlock()

	if _, err := b.store.GetBreaker(ctx, sourceID); err != nil {
		return fmt.Errorf("get breaker: %w", err)
	}
	b.logger.Info("circuit reset", "source_id", sourceID)
	return b.save(ctx, sourceID, model.BreakerState{State: model.CircuitClosed})
}

func (b *Breaker) save(ctx context.Context, sourceID int64, st model.BreakerState) error {
	if err := b.store.SaveBreaker(ctx, sourceID, st); err != nil {
		return fmt.Errorf("save breaker: %w", err)
	}
	return nil
}
