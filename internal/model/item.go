package model

import (
	"fmt"
	"time"
)

// Status is the processing state of an Item.
type Status string

// Item status constants
const (
	StatusDiscovered       Status = "DISCOVERED"
	StatusMetadataPending  Status = "METADATA_PENDING"
	StatusLinkPending      Status = "LINK_PENDING"
	StatusAwaitingDownload Status = "AWAITING_DOWNLOAD"
	StatusProcessing       Status = "PROCESSING"
	StatusProcessed        Status = "PROCESSED"
	StatusErrorExtraction  Status = "ERROR_EXTRACTION"
	StatusErrorDownload    Status = "ERROR_DOWNLOAD"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusDiscovered,
	StatusMetadataPending,
	StatusLinkPending,
	StatusAwaitingDownload,
	StatusProcessing,
	StatusProcessed,
	StatusErrorExtraction,
	StatusErrorDownload,
}

// DefaultRetryable is the status set a batch selects when nothing else is configured.
var DefaultRetryable = []Status{
	StatusDiscovered,
	StatusMetadataPending,
	StatusLinkPending,
	StatusAwaitingDownload,
	StatusErrorExtraction,
	StatusErrorDownload,
}

var pending = []Status{StatusMetadataPending, StatusLinkPending, StatusAwaitingDownload}

// transitions is the closed table of allowed status changes.
var transitions = map[Status][]Status{
	StatusDiscovered:       {StatusMetadataPending, StatusLinkPending, StatusAwaitingDownload, StatusProcessing},
	StatusMetadataPending:  {StatusLinkPending, StatusAwaitingDownload, StatusProcessing},
	StatusLinkPending:      {StatusAwaitingDownload, StatusProcessing},
	StatusAwaitingDownload: {StatusProcessing},
	StatusProcessing:       {StatusProcessed, StatusErrorExtraction, StatusErrorDownload, StatusLinkPending, StatusAwaitingDownload},
	StatusErrorExtraction:  append([]Status{StatusProcessing}, pending...),
	StatusErrorDownload:    append([]Status{StatusProcessing}, pending...),
	StatusProcessed:        pending,
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsError reports whether s is a terminal-but-retryable error status.
func (s Status) IsError() bool {
	return s == StatusErrorExtraction || s == StatusErrorDownload
}

// ParseStatus converts a raw string into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", raw)
	}
	return s, nil
}

// CanTransition reports whether the table allows from → to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// DiscoveryMode records which channel found an Item.
type DiscoveryMode string

const (
	DiscoveryOAI     DiscoveryMode = "oai"
	DiscoveryKeyword DiscoveryMode = "keyword"
)

// Item is one repository entry tracked through the pipeline.
type Item struct {
	ID            string        `json:"id"`
	CanonicalKey  string        `json:"canonical_key"`
	OAIIdentifier *string       `json:"oai_identifier,omitempty"`
	ItemPageURL   *string       `json:"item_page_url,omitempty"`
	DiscoveryMode DiscoveryMode `json:"discovery_mode"`
	Source        string        `json:"source"`
	Status        Status        `json:"status"`
	Metadata      Metadata      `json:"metadata"`
	Resources     []Resource    `json:"resources"`
	ErrorInfo     *string       `json:"error_info,omitempty"`
	CreatedAt     string        `json:"created_at"`
	LastAttemptAt *string       `json:"last_attempt_at,omitempty"`
}

// ValidateTransition returns an error if the item may not move to next.
func (i *Item) ValidateTransition(next Status) error {
	if !next.Valid() {
		return fmt.Errorf("invalid target status %q", next)
	}
	if !CanTransition(i.Status, next) {
		return fmt.Errorf("transition %s → %s not allowed", i.Status, next)
	}
	return nil
}

// PageURL returns the item page URL or "" when unknown.
func (i *Item) PageURL() string {
	if i.ItemPageURL == nil {
		return ""
	}
	return *i.ItemPageURL
}

// PendingStatus is where a reset sends the item: download if resources are
// known, link resolution otherwise.
func (i *Item) PendingStatus() Status {
	if len(i.Resources) > 0 {
		return StatusAwaitingDownload
	}
	if i.DiscoveryMode == DiscoveryKeyword {
		return StatusMetadataPending
	}
	return StatusLinkPending
}

// ItemAttrs holds the discovery-time attributes of an Item.
type ItemAttrs struct {
	OAIIdentifier string
	ItemPageURL   string
	DiscoveryMode DiscoveryMode
	Source        string
	Metadata      Metadata
	Resources     []Resource
}

// CanonicalKey picks the unique key for an item: page URL, else OAI identifier.
func (a ItemAttrs) CanonicalKey() string {
	if a.ItemPageURL != "" {
		return a.ItemPageURL
	}
	return a.OAIIdentifier
}

// ItemWithFiles is an Item together with its file artifacts.
type ItemWithFiles struct {
	Item
	Files []FileArtifact `json:"files"`
}

// ItemFilter holds query parameters for listing items.
type ItemFilter struct {
	Statuses       []Status
	DiscoveryModes []DiscoveryMode
	Sources        []string
	Query          string

	// AttemptedBefore keeps items never attempted or last attempted before
	// this timestamp (TimeLayout).
	AttemptedBefore string

	Limit  int
	Offset int
}

// ResetMode controls what re-discovery does to an existing item's status.
type ResetMode string

const (
	ResetNone   ResetMode = "none"
	ResetFailed ResetMode = "failed"
	ResetAll    ResetMode = "all"
)

// Applies reports whether a reset should overwrite the current status.
func (m ResetMode) Applies(current Status) bool {
	switch m {
	case ResetAll:
		return current != StatusProcessing
	case ResetFailed:
		return current.IsError()
	default:
		return false
	}
}

// TimeLayout is the stored timestamp format. It is fixed-width so that
// lexical order matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// Now returns the current UTC time in the storage format.
func Now() string {
	return FormatTime(time.Now())
}

// FormatTime renders t in the storage format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}
