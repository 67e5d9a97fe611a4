package trigger_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socialpulse/pulsed/pkg/config"
	"github.com/socialpulse/pulsed/pkg/ledger"
	"github.com/socialpulse/pulsed/pkg/trigger"
)

func setupLedger(t *testing.T) ledger.Store {
	t.Helper()

	cfg := &config.LedgerConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s, err := ledger.NewStore(log, cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

type countingWaker struct {
	wakes chan struct{}
}

func (w *countingWaker) Wake() {
	select {
	case w.wakes <- struct{}{}:
	default:
	}
}

func TestNewPayload_SetsKnownPlatformFlags(t *testing.T) {
	p := trigger.NewPayload("ai note takers",
		[]string{"TikTok", "youtube", "myspace"})

	assert.True(t, p.SearchTikTok)
	assert.True(t, p.SearchYouTube)
	assert.False(t, p.SearchInstagram)

	// Unknown names are silently dropped; the flags are the vocabulary.
	assert.Equal(t, []string{"tiktok", "youtube"}, p.Platforms())
}

func TestRun_ValidatesPayload(t *testing.T) {
	store := setupLedger(t)
	trig := trigger.New(testLogger(), store, "", nil)
	ctx := context.Background()

	_, err := trig.Run(ctx, trigger.NewPayload("", []string{"tiktok"}))
	assert.ErrorIs(t, err, trigger.ErrEmptyQuery)

	_, err = trig.Run(ctx, trigger.NewPayload("desks", nil))
	assert.ErrorIs(t, err, trigger.ErrNoPlatforms)
}

func TestRun_CreatesPendingRunAndFiresWebhook(t *testing.T) {
	store := setupLedger(t)

	received := make(chan trigger.Payload, 1)

	ts := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			var p trigger.Payload
			require.NoError(t, json.NewDecoder(r.Body).Decode(&p))

			received <- p

			w.WriteHeader(http.StatusOK)
		}))
	defer ts.Close()

	waker := &countingWaker{wakes: make(chan struct{}, 1)}
	trig := trigger.New(testLogger(), store, ts.URL, waker)

	runID, err := trig.Run(context.Background(),
		trigger.NewPayload("ai note takers", []string{"tiktok", "youtube"}))
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	trig.Wait()

	run, err := store.FindByID(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, run.Status)
	assert.Equal(t, "ai note takers", run.SearchQuery)
	assert.Equal(t, []string{"tiktok", "youtube"}, run.Platforms)

	select {
	case p := <-received:
		assert.Equal(t, runID, p.SessionID)
		assert.Equal(t, "ai note takers", p.SearchQuery)
		assert.True(t, p.SearchTikTok)
		assert.True(t, p.SearchYouTube)
		assert.NotEmpty(t, p.RequestInitiatedTimestamp)
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was never invoked")
	}

	select {
	case <-waker.wakes:
	case <-time.After(time.Second):
		t.Fatal("expected a poller wake after triggering")
	}
}

func TestRun_WebhookFailureIsNotFatal(t *testing.T) {
	store := setupLedger(t)

	ts := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
	defer ts.Close()

	trig := trigger.New(testLogger(), store, ts.URL, nil)

	runID, err := trig.Run(context.Background(),
		trigger.NewPayload("desks", []string{"tiktok"}))
	require.NoError(t, err)

	trig.Wait()

	// The run exists and the poller will time it out eventually.
	run, err := store.FindByID(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, run.Status)
}

func TestRun_HonorsCallerSessionAndTimestamp(t *testing.T) {
	store := setupLedger(t)
	trig := trigger.New(testLogger(), store, "", nil)

	requestedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	p := trigger.NewPayload("desks", []string{"tiktok"})
	p.SessionID = "session-from-client"
	p.RequestInitiatedTimestamp = requestedAt.Format(time.RFC3339)

	runID, err := trig.Run(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "session-from-client", runID)

	run, err := store.FindByID(context.Background(), runID)
	require.NoError(t, err)
	assert.True(t, run.CreatedAt.Equal(requestedAt),
		"run age must be measured from the client's request time")
}
