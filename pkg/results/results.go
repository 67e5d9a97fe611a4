// Package results is the read-only client for the remote result store:
// the external datastore the workflow engine writes one analysis row
// per run and platform into. The reconciliation core only needs run_id
// and platform to detect arrival; the full payload is served to the
// presentation boundary as-is.
package results

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Result is one per-platform analysis row.
type Result struct {
	ID                       string    `json:"id"`
	RunID                    string    `json:"run_id"`
	Platform                 string    `json:"platform"`
	AudienceSentimentScore   float64   `json:"audience_sentiment_score"`
	PerceivedToolValue       float64   `json:"perceived_tool_value"`
	EngagementQualityScore   float64   `json:"engagement_quality_score"`
	FrequentlyAskedQuestions []string  `json:"frequently_asked_questions"`
	BehavioralInsights       []string  `json:"behavioral_insights"`
	FeedbackThemes           []string  `json:"feedback_themes"`
	CreatedAt                time.Time `json:"created_at"`
}

// Insert is a push notification that a new result row arrived.
type Insert struct {
	RunID    string `json:"run_id"`
	Platform string `json:"platform"`
}

// Client queries the remote result store and exposes its insert feed.
// Query errors are retryable: callers must keep the affected run
// pending and try again on the next cycle.
type Client interface {
	Start(ctx context.Context) error
	Stop() error

	// PlatformsFor returns the distinct platforms that have at least one
	// result row for the run.
	PlatformsFor(ctx context.Context, runID string) ([]string, error)

	// ResultsFor returns the full analysis rows for the run.
	ResultsFor(ctx context.Context, runID string) ([]Result, error)

	// Subscribe opens a feed of insert events. The returned channel is
	// closed when the feed breaks; callers resubscribe.
	Subscribe(ctx context.Context) (<-chan Insert, error)
}

// parseInsert decodes a notification payload into an Insert event.
func parseInsert(payload []byte) (Insert, error) {
	var ins Insert
	if err := json.Unmarshal(payload, &ins); err != nil {
		return Insert{}, fmt.Errorf("parsing insert notification: %w", err)
	}

	if ins.RunID == "" {
		return Insert{}, fmt.Errorf("insert notification missing run_id")
	}

	return ins, nil
}
