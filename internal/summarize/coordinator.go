package summarize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"digestd/internal/model"
)

// ErrNoProviders is returned when the chain is empty.
var ErrNoProviders = errors.New("no summarization providers configured")

// Result is a successful summarization of one unit.
type Result struct {
	Title     string
	Summary   string
	Tags      []string
	Provider  string
	TokensIn  int
	TokensOut int
}

// UnitError reports a unit for which every provider failed.
type UnitError struct {
	Unit     int
	Provider string
	Err      error
}

func (e *UnitError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("unit %d: %v", e.Unit, e.Err)
	}
	return fmt.Sprintf("unit %d: last provider %s: %v", e.Unit, e.Provider, e.Err)
}

func (e *UnitError) Unwrap() error { return e.Err }

// Entry is one provider of the chain with its request budget. RPM of zero
// means unlimited.
type Entry struct {
	Provider Provider
	RPM      float64
}

type link struct {
	provider Provider
	limiter  *rate.Limiter
}

// Coordinator drives the provider fallback chain.
type Coordinator struct {
	chain     []link
	templates *Templates
	timeout   time.Duration
	logger    *slog.Logger
}

// NewCoordinator orders entries local, free, then paid, keeping the
// configured order within a tier. timeout bounds each provider call.
func NewCoordinator(entries []Entry, templates *Templates, timeout time.Duration, logger *slog.Logger) *Coordinator {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Provider.Tier().rank() < sorted[j].Provider.Tier().rank()
	})

	chain := make([]link, 0, len(sorted))
	for _, e := range sorted {
		limit := rate.Inf
		if e.RPM > 0 {
			limit = rate.Limit(e.RPM / 60)
		}
		chain = append(chain, link{provider: e.Provider, limiter: rate.NewLimiter(limit, 1)})
	}
	return &Coordinator{chain: chain, templates: templates, timeout: timeout, logger: logger}
}

// Providers returns the provider names in chain order.
func (c *Coordinator) Providers() []string {
	names := make([]string, 0, len(c.chain))
	for _, l := range c.chain {
		names = append(names, l.provider.Name())
	}
	return names
}

// Summarize renders the unit with the named template and walks the chain until
// one provider returns a well-formed reply. A *UnitError is returned when the
// chain is exhausted.
func (c *Coordinator) Summarize(ctx context.Context, unit model.Unit, templateName string) (Result, error) {
	if len(c.chain) == 0 {
		return Result{}, &UnitError{Unit: unit.Index, Err: ErrNoProviders}
	}
	prompt, err := c.templates.Render(templateName, unit)
	if err != nil {
		return Result{}, &UnitError{Unit: unit.Index, Err: err}
	}

	var last string
	var lastErr error
	for _, l := range c.chain {
		if err := ctx.Err(); err != nil {
			return Result{}, &UnitError{Unit: unit.Index, Provider: last, Err: err}
		}
		name := l.provider.Name()
		last = name

		res, err := c.call(ctx, l, prompt)
		if err == nil {
			res.Provider = name
			return res, nil
		}
		lastErr = err
		c.logger.Warn("provider failed, trying next",
			"provider", name,
			"unit", unit.Index,
			"error", err,
		)
	}
	return Result{}, &UnitError{Unit: unit.Index, Provider: last, Err: lastErr}
}

func (c *Coordinator) call(ctx context.Context, l link, prompt string) (Result, error) {
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if c.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
	}
	defer cancel()

	if err := l.limiter.Wait(callCtx); err != nil {
		return Result{}, fmt.Errorf("rate limit: %w", err)
	}
	out, err := l.provider.Complete(callCtx, prompt)
	if err != nil {
		return Result{}, err
	}
	title, summary, tags, err := parseReply(out.Text)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Title:     title,
		Summary:   summary,
		Tags:      tags,
		TokensIn:  out.TokensIn,
		TokensOut: out.TokensOut,
	}, nil
}
