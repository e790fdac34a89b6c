// Package model defines the domain types used across the application.
package model

import "time"

// SourceType identifies which fetcher handles a source.
type SourceType string

// Supported source types.
const (
	SourceFeed    SourceType = "feed"
	SourceVideo   SourceType = "video"
	SourceWeb     SourceType = "web"
	SourceMailbox SourceType = "mailbox"
	SourceAgent   SourceType = "agent"
)

// Valid reports whether t is one of the supported source types.
func (t SourceType) Valid() bool {
	switch t {
	case SourceFeed, SourceVideo, SourceWeb, SourceMailbox, SourceAgent:
		return true
	}
	return false
}

// FilterKind defines whether a filter whitelists or blacklists items.
type FilterKind string

// Supported filter kinds.
const (
	FilterInclude FilterKind = "include"
	FilterExclude FilterKind = "exclude"
)

// FilterScope defines which part of an item a filter matches against.
type FilterScope string

// Supported filter scopes.
const (
	ScopeTitle   FilterScope = "title"
	ScopeContent FilterScope = "content"
	ScopeAll     FilterScope = "all"
)

// Filter is a single keyword rule attached to a source.
type Filter struct {
	Kind  FilterKind  `json:"kind"`
	Scope FilterScope `json:"scope"`
	Value string      `json:"value"`
	Regex bool        `json:"regex,omitempty"`
}

// CircuitState is the state of a source's circuit breaker.
type CircuitState string

// Circuit breaker states.
const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// BreakerState is the persisted circuit breaker state of a source.
type BreakerState struct {
	State         CircuitState `json:"state"`
	Failures      int          `json:"failures"`
	LastFailureAt *time.Time   `json:"last_failure_at,omitempty"`
	ProbeInFlight bool         `json:"probe_in_flight"`
}

// Source is a configured content origin.
type Source struct {
	ID        int64        `json:"id"`
	Name      string       `json:"name"`
	Type      SourceType   `json:"type"`
	Endpoint  string       `json:"endpoint"`
	Enabled   bool         `json:"enabled"`
	Filters   []Filter     `json:"filters"`
	MaxItems  int          `json:"max_items"`
	Marker    string       `json:"marker,omitempty"`
	Breaker   BreakerState `json:"breaker"`
	CreatedAt time.Time    `json:"created_at"`
}

// DigestMode controls how fetched items are grouped into summarization units.
type DigestMode string

// Supported digest modes.
const (
	ModeIndividual DigestMode = "individual"
	ModePerSource  DigestMode = "per_source"
	ModeAllSources DigestMode = "all_sources"
)

// Valid reports whether m is a supported digest mode.
func (m DigestMode) Valid() bool {
	switch m {
	case ModeIndividual, ModePerSource, ModeAllSources:
		return true
	}
	return false
}

// SinkKind names an output destination for digests.
type SinkKind string

// Supported sinks.
const (
	SinkPersist  SinkKind = "persist"
	SinkEmail    SinkKind = "email"
	SinkWebhook  SinkKind = "webhook"
	SinkExport   SinkKind = "export"
	SinkTelegram SinkKind = "telegram"
)

// Feed is a named grouping of sources with a schedule and digest mode.
type Feed struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	SourceIDs []int64    `json:"source_ids"`
	// Schedule is a five-field cron expression. Nil means manual runs only.
	Schedule  *string    `json:"schedule,omitempty"`
	Enabled   bool       `json:"enabled"`
	Mode      DigestMode `json:"mode"`
	Template  string     `json:"template"`
	Sinks     []SinkKind `json:"sinks"`
	CreatedAt time.Time  `json:"created_at"`
}

// Scheduled reports whether the feed should be registered with the scheduler.
func (f Feed) Scheduled() bool {
	return f.Enabled && f.Schedule != nil && *f.Schedule != ""
}

// TriggerKind records what started a run.
type TriggerKind string

// Trigger kinds.
const (
	TriggeredManually   TriggerKind = "manual"
	TriggeredBySchedule TriggerKind = "schedule"
)

// RunStatus is the lifecycle state of a feed run.
type RunStatus string

// Run statuses.
const (
	RunPending             RunStatus = "pending"
	RunRunning             RunStatus = "running"
	RunCompleted           RunStatus = "completed"
	RunCompletedWithErrors RunStatus = "completed_with_errors"
	RunFailed              RunStatus = "failed"
	RunCancelled           RunStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunCompletedWithErrors, RunFailed, RunCancelled:
		return true
	}
	return false
}

// ErrorKind is the fixed vocabulary of persisted run errors.
type ErrorKind string

// Run error kinds.
const (
	FetchError     ErrorKind = "FetchError"
	ParseError     ErrorKind = "ParseError"
	SummarizeError ErrorKind = "SummarizeError"
	SaveError      ErrorKind = "SaveError"
	TimeoutError   ErrorKind = "TimeoutError"
)

// RunError is one structured failure recorded on a run.
type RunError struct {
	Kind     ErrorKind `json:"kind"`
	Time     time.Time `json:"time"`
	Ref      string    `json:"ref"`
	Provider string    `json:"provider,omitempty"`
	Message  string    `json:"message"`
}

// SourceState is the outcome of one source within a run.
type SourceState string

// Per-source outcomes.
const (
	SourcePending SourceState = "pending"
	SourceOK      SourceState = "ok"
	SourceFailed  SourceState = "failed"
	SourceSkipped SourceState = "skipped"
)

// SourceStatus reports how a single source fared in a run.
type SourceStatus struct {
	SourceID   int64       `json:"source_id"`
	SourceName string      `json:"source_name"`
	State      SourceState `json:"state"`
	Items      int         `json:"items"`
	Error      string      `json:"error,omitempty"`
}

// FeedRun is one execution attempt of a feed.
type FeedRun struct {
	ID               string         `json:"id"`
	FeedID           int64          `json:"feed_id"`
	FeedName         string         `json:"feed_name"`
	TriggeredBy      TriggerKind    `json:"triggered_by"`
	Status           RunStatus      `json:"status"`
	SourcesTotal     int            `json:"sources_total"`
	SourcesProcessed int            `json:"sources_processed"`
	SourcesFailed    int            `json:"sources_failed"`
	ItemsFetched     int            `json:"items_fetched"`
	DigestsCreated   int            `json:"digests_created"`
	TokensIn         int            `json:"tokens_in"`
	TokensOut        int            `json:"tokens_out"`
	CreatedAt        time.Time      `json:"created_at"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	FinishedAt       *time.Time     `json:"finished_at,omitempty"`
	Errors           []RunError     `json:"errors"`
	Sources          []SourceStatus `json:"sources"`
}

// Item is a single piece of content returned by a fetcher.
type Item struct {
	ID          string
	SourceID    int64
	Title       string
	Content     string
	Link        string
	Author      string
	PublishedAt time.Time
}

// ProvenanceRef identifies a raw item that contributed to a unit.
type ProvenanceRef struct {
	SourceID int64
	ItemID   string
}

// Unit is an ephemeral group of items summarized together.
type Unit struct {
	Index      int
	Mode       DigestMode
	Items      []Item
	Provenance []ProvenanceRef
}

// Provenance links a digest to one contributing raw item.
type Provenance struct {
	SourceID int64  `json:"source_id"`
	ItemID   string `json:"item_id"`
	Title    string `json:"title"`
	Link     string `json:"link"`
}

// Digest is a persisted summarized output unit.
type Digest struct {
	ID         string       `json:"id"`
	RunID      string       `json:"run_id"`
	Title      string       `json:"title"`
	Summary    string       `json:"summary"`
	Sources    []string     `json:"sources"`
	Tags       []string     `json:"tags"`
	Provider   string       `json:"provider"`
	TokensIn   int          `json:"tokens_in"`
	TokensOut  int          `json:"tokens_out"`
	Provenance []Provenance `json:"provenance"`
	CreatedAt  time.Time    `json:"created_at"`
}
