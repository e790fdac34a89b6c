// Package filter implements the include/exclude keyword matching engine
// applied to fetched items.
package filter

import (
	"fmt"
	"regexp"
	"strings"

	"digestd/internal/model"
)

// rule is a filter with its value prepared for matching.
type rule struct {
	scope model.FilterScope
	value string
	re    *regexp.Regexp
	regex bool
}

// Set is a compiled list of filters. Regular expressions are compiled once,
// so a Set can be matched against many items cheaply.
type Set struct {
	include []rule
	exclude []rule
}

// Compile prepares filters for matching. A regex filter with an invalid
// pattern never matches.
func Compile(filters []model.Filter) *Set {
	s := &Set{}
	for _, f := range filters {
		r := rule{scope: f.Scope, value: strings.ToLower(f.Value), regex: f.Regex}
		if f.Regex {
			r.re, _ = regexp.Compile("(?i)" + f.Value)
		}
		switch f.Kind {
		case model.FilterInclude:
			s.include = append(s.include, r)
		case model.FilterExclude:
			s.exclude = append(s.exclude, r)
		}
	}
	return s
}

// Match checks whether an item passes the set. An empty set passes every item.
// Include rules use OR logic (at least one must match) and are evaluated
// first; exclude rules use AND logic (none must match).
func (s *Set) Match(item model.Item) bool {
	if len(s.include) > 0 {
		matched := false
		for _, r := range s.include {
			if r.matches(item) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, r := range s.exclude {
		if r.matches(item) {
			return false
		}
	}
	return true
}

// Match checks whether an item passes the given set of filters.
// If no filters are provided, the item always passes.
func Match(item model.Item, filters []model.Filter) bool {
	return Compile(filters).Match(item)
}

// Apply returns the items that pass filters, preserving order.
func Apply(items []model.Item, filters []model.Filter) []model.Item {
	if len(filters) == 0 {
		return items
	}
	set := Compile(filters)
	kept := make([]model.Item, 0, len(items))
	for _, it := range items {
		if set.Match(it) {
			kept = append(kept, it)
		}
	}
	return kept
}

func (r rule) matches(item model.Item) bool {
	text := textForScope(item, r.scope)
	if !r.regex {
		return strings.Contains(text, r.value)
	}
	return r.re != nil && r.re.MatchString(text)
}

func textForScope(item model.Item, scope model.FilterScope) string {
	switch scope {
	case model.ScopeTitle:
		return strings.ToLower(item.Title)
	case model.ScopeContent:
		return strings.ToLower(item.Content)
	default:
		return strings.ToLower(item.Title + " " + item.Content)
	}
}

// Validate checks a filter for an unknown kind or scope and, for regex
// filters, an invalid pattern.
func Validate(f model.Filter) error {
	switch f.Kind {
	case model.FilterInclude, model.FilterExclude:
	default:
		return fmt.Errorf("invalid filter kind %q", f.Kind)
	}
	switch f.Scope {
	case model.ScopeTitle, model.ScopeContent, model.ScopeAll, "":
	default:
		return fmt.Errorf("invalid filter scope %q", f.Scope)
	}
	if f.Value == "" {
		return fmt.Errorf("filter value is required")
	}
	if f.Regex {
		return ValidateRegex(f.Value)
	}
	return nil
}

// ValidateRegex checks whether a pattern is a valid regular expression.
func ValidateRegex(pattern string) error {
	_, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return fmt.Errorf("invalid regex: %w", err)
	}
	return nil
}
