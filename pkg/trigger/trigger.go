// Package trigger creates run records and fires the external workflow.
package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/socialpulse/pulsed/pkg/ledger"
)

// webhookTimeout bounds the fire-and-forget workflow invocation.
const webhookTimeout = 30 * time.Second

var (
	// ErrEmptyQuery is returned when the search query is missing.
	ErrEmptyQuery = errors.New("search query is required")

	// ErrNoPlatforms is returned when no platform was selected.
	ErrNoPlatforms = errors.New("at least one platform is required")
)

// Payload is the wire shape shared between the trigger boundary and the
// external workflow endpoint: one boolean flag per supported platform.
type Payload struct {
	SearchQuery               string `json:"search_query"`
	SessionID                 string `json:"session_id"`
	RequestInitiatedTimestamp string `json:"request_initiated_timestamp"`
	SearchTikTok              bool   `json:"search_tiktok"`
	SearchInstagram           bool   `json:"search_instagram"`
	SearchYouTube             bool   `json:"search_youtube"`
	SearchTwitter             bool   `json:"search_twitter"`
	SearchLinkedIn            bool   `json:"search_linkedin"`
	SearchFacebook            bool   `json:"search_facebook"`
}

// NewPayload builds a payload for the given platform names. Unknown
// names are ignored; the flag set is the closed vocabulary.
func NewPayload(query string, platforms []string) *Payload {
	p := &Payload{SearchQuery: query}

	for _, name := range ledger.NormalizePlatforms(platforms) {
		switch name {
		case "tiktok":
			p.SearchTikTok = true
		case "instagram":
			p.SearchInstagram = true
		case "youtube":
			p.SearchYouTube = true
		case "twitter":
			p.SearchTwitter = true
		case "linkedin":
			p.SearchLinkedIn = true
		case "facebook":
			p.SearchFacebook = true
		}
	}

	return p
}

// Platforms returns the names of the enabled platform flags.
func (p *Payload) Platforms() []string {
	var out []string

	flags := []struct {
		set  bool
		name string
	}{
		{p.SearchTikTok, "tiktok"},
		{p.SearchInstagram, "instagram"},
		{p.SearchYouTube, "youtube"},
		{p.SearchTwitter, "twitter"},
		{p.SearchLinkedIn, "linkedin"},
		{p.SearchFacebook, "facebook"},
	}

	for _, f := range flags {
		if f.set {
			out = append(out, f.name)
		}
	}

	return out
}

// requestedAt parses the request timestamp, falling back to now.
func (p *Payload) requestedAt() time.Time {
	if p.RequestInitiatedTimestamp != "" {
		if ts, err := time.Parse(
			time.RFC3339, p.RequestInitiatedTimestamp,
		); err == nil {
			return ts.UTC()
		}
	}

	return time.Now().UTC()
}

// Trigger creates pending runs in the ledger and invokes the workflow.
type Trigger struct {
	log        logrus.FieldLogger
	store      ledger.Store
	webhookURL string
	client     *http.Client
	waker      interface{ Wake() }
	inflight   sync.WaitGroup
}

// New creates a Trigger. webhookURL may be empty, in which case runs
// are recorded without firing the workflow. waker may be nil.
func New(
	log logrus.FieldLogger,
	store ledger.Store,
	webhookURL string,
	waker interface{ Wake() },
) *Trigger {
	return &Trigger{
		log:        log.WithField("component", "trigger"),
		store:      store,
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: webhookTimeout},
		waker:      waker,
	}
}

// Run validates the payload, records a pending run, and fires the
// workflow invocation without waiting for it. It returns the run ID.
//
// A ledger write failure is logged but does not abort: the workflow may
// already be running externally and the caller still needs the ID.
func (t *Trigger) Run(ctx context.Context, p *Payload) (string, error) {
	if p.SearchQuery == "" {
		return "", ErrEmptyQuery
	}

	platforms := p.Platforms()
	if len(platforms) == 0 {
		return "", ErrNoPlatforms
	}

	if p.SessionID == "" {
		p.SessionID = uuid.NewString()
	}

	createdAt := p.requestedAt()
	if p.RequestInitiatedTimestamp == "" {
		p.RequestInitiatedTimestamp = createdAt.Format(time.RFC3339)
	}

	run := &ledger.Run{
		RunID:       p.SessionID,
		SearchQuery: p.SearchQuery,
		Platforms:   platforms,
		Status:      ledger.StatusPending,
		CreatedAt:   createdAt,
	}

	if err := t.store.Create(ctx, run); err != nil {
		t.log.WithError(err).WithField("run_id", run.RunID).
			Error("Failed to record run in ledger")
	}

	if t.webhookURL != "" {
		t.inflight.Add(1)

		go func() {
			defer t.inflight.Done()

			t.dispatch(p)
		}()
	}

	if t.waker != nil {
		t.waker.Wake()
	}

	t.log.WithFields(logrus.Fields{
		"run_id":    run.RunID,
		"platforms": platforms,
	}).Info("Run triggered")

	return run.RunID, nil
}

// Wait blocks until in-flight webhook dispatches finish. Used by the
// one-shot CLI so the process does not exit mid-request.
func (t *Trigger) Wait() {
	t.inflight.Wait()
}

// dispatch posts the payload to the workflow endpoint. Fire and forget:
// failures are logged, never surfaced to the caller.
func (t *Trigger) dispatch(p *Payload) {
	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()

	body, err := json.Marshal(p)
	if err != nil {
		t.log.WithError(err).Error("Failed to encode webhook payload")

		return
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, t.webhookURL, bytes.NewReader(body),
	)
	if err != nil {
		t.log.WithError(err).Error("Failed to build webhook request")

		return
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		t.log.WithError(err).WithField("run_id", p.SessionID).
			Warn("Webhook request failed")

		return
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		t.log.WithField("status", resp.StatusCode).
			WithField("run_id", p.SessionID).
			Warn("Webhook returned error status")

		return
	}

	t.log.WithField("run_id", p.SessionID).Debug("Webhook dispatched")
}
