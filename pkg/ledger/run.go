package ledger

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a run.
type Status string

const (
	// StatusPending means the run is awaiting results.
	StatusPending Status = "pending"

	// StatusComplete means every requested platform reported, or the run
	// timed out with at least one result.
	StatusComplete Status = "complete"

	// StatusFailed means the run timed out without a single result.
	StatusFailed Status = "failed"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Run is one user-initiated analysis job spanning one or more platforms.
// It is created exactly once in the pending state and mutated exactly
// once more when it reaches a terminal status.
type Run struct {
	ID uint `gorm:"primaryKey" json:"-"`

	// RunID is the opaque identifier shared with the external workflow
	// and the remote result store.
	RunID string `gorm:"not null;uniqueIndex" json:"run_id"`

	SearchQuery string   `json:"search_query"`
	Platforms   []string `gorm:"serializer:json;type:text" json:"platforms"`

	Status Status `gorm:"not null;index" json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// DurationSeconds is the elapsed seconds from creation to the
	// terminal transition. Zero while pending.
	DurationSeconds int64 `json:"duration,omitempty"`

	// ReceivedPlatforms are the platforms observed in the result store,
	// recorded at the terminal transition.
	ReceivedPlatforms []string `gorm:"serializer:json;type:text" json:"received_platforms,omitempty"`
}

// TableName sets the gorm table name.
func (Run) TableName() string {
	return "runs"
}

// NormalizePlatforms lower-cases, trims, and de-duplicates platform
// identifiers, preserving first-seen order. The external system's casing
// is not guaranteed to match the identifiers used at run creation.
func NormalizePlatforms(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))

	for _, p := range in {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}

		if _, ok := seen[p]; ok {
			continue
		}

		seen[p] = struct{}{}

		out = append(out, p)
	}

	return out
}
