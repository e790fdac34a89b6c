package bot

import (
	"fmt"
	"strings"
	"time"

	"digestd/internal/model"
)

const (
	statusEnabled  = "enabled"
	statusDisabled = "disabled"
)

func enabledLabel(on bool) string {
	if on {
		return statusEnabled
	}
	return statusDisabled
}

// FormatFeedList formats a list of feeds for display.
func FormatFeedList(feeds []model.Feed) string {
	if len(feeds) == 0 {
		return "No feeds configured yet."
	}
	var b strings.Builder
	b.WriteString("Feeds:\n")
	for _, f := range feeds {
		schedule := "manual"
		if f.Schedule != nil && *f.Schedule != "" {
			schedule = *f.Schedule
		}
		fmt.Fprintf(&b, "\n#%d %s  (%s) [%s]\n", f.ID, f.Name, schedule, enabledLabel(f.Enabled))
		fmt.Fprintf(&b, "   %d source(s), %s mode\n", len(f.SourceIDs), f.Mode)
	}
	return b.String()
}

// FormatSourceList formats a list of sources with their breaker state.
func FormatSourceList(sources []model.Source) string {
	if len(sources) == 0 {
		return "No sources configured yet."
	}
	var b strings.Builder
	b.WriteString("Sources:\n")
	for _, s := range sources {
		fmt.Fprintf(&b, "\n#%d %s  (%s) [%s]\n", s.ID, s.Name, s.Type, enabledLabel(s.Enabled))
		if s.Breaker.State != "" && s.Breaker.State != model.CircuitClosed {
			fmt.Fprintf(&b, "   circuit %s after %d failure(s)\n", s.Breaker.State, s.Breaker.Failures)
		}
	}
	return b.String()
}

// FormatRun formats a run snapshot.
func FormatRun(r *model.FeedRun) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s\n", r.ID)
	fmt.Fprintf(&b, "Feed: #%d %s (%s)\n", r.FeedID, r.FeedName, r.TriggeredBy)
	fmt.Fprintf(&b, "Status: %s\n", r.Status)
	fmt.Fprintf(&b, "Sources: %d/%d processed, %d failed\n", r.SourcesProcessed, r.SourcesTotal, r.SourcesFailed)
	fmt.Fprintf(&b, "Items: %d, digests: %d\n", r.ItemsFetched, r.DigestsCreated)
	if r.TokensIn > 0 || r.TokensOut > 0 {
		fmt.Fprintf(&b, "Tokens: %d in, %d out\n", r.TokensIn, r.TokensOut)
	}
	if r.StartedAt != nil {
		fmt.Fprintf(&b, "Started: %s\n", r.StartedAt.UTC().Format("2006-01-02 15:04 UTC"))
	}
	if r.StartedAt != nil && r.FinishedAt != nil {
		fmt.Fprintf(&b, "Took: %s\n", r.FinishedAt.Sub(*r.StartedAt).Round(time.Second))
	}
	if len(r.Errors) > 0 {
		b.WriteString("\nErrors:\n")
		for _, e := range r.Errors {
			fmt.Fprintf(&b, "  %s %s: %s\n", e.Kind, e.Ref, e.Message)
		}
	}
	return b.String()
}

// FormatFilterList formats the filter rules of a source in order.
func FormatFilterList(src *model.Source) string {
	if len(src.Filters) == 0 {
		return fmt.Sprintf("No filters for #%d \"%s\".\nUse /include, /exclude, /include_re, /exclude_re to add filters.", src.ID, src.Name)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Filters for #%d \"%s\":\n", src.ID, src.Name)
	for i, f := range src.Filters {
		kind := string(f.Kind)
		if f.Regex {
			kind += " (regex)"
		}
		fmt.Fprintf(&b, "  %d. %s: %s (%s)\n", i+1, kind, f.Value, scopeLabel(f.Scope))
	}
	return b.String()
}

func scopeLabel(s model.FilterScope) string {
	switch s {
	case model.ScopeTitle:
		return "title only"
	case model.ScopeContent:
		return "content only"
	default:
		return "title+content"
	}
}
