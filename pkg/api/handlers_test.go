package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socialpulse/pulsed/pkg/config"
	"github.com/socialpulse/pulsed/pkg/ledger"
	"github.com/socialpulse/pulsed/pkg/results"
	"github.com/socialpulse/pulsed/pkg/trigger"
)

// fakeResults serves canned rows per run.
type fakeResults struct {
	mu   sync.Mutex
	rows map[string][]results.Result
	err  error
}

func (f *fakeResults) Start(_ context.Context) error { return nil }
func (f *fakeResults) Stop() error                   { return nil }

func (f *fakeResults) PlatformsFor(
	_ context.Context, runID string,
) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	var platforms []string
	for _, r := range f.rows[runID] {
		platforms = append(platforms, r.Platform)
	}

	return platforms, nil
}

func (f *fakeResults) ResultsFor(
	_ context.Context, runID string,
) ([]results.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	return f.rows[runID], nil
}

func (f *fakeResults) Subscribe(
	_ context.Context,
) (<-chan results.Insert, error) {
	return nil, errors.New("no feed in tests")
}

// setupServer builds a server around an in-memory ledger, without the
// reconcilers: the HTTP contract is what is under test here.
func setupServer(t *testing.T) (*server, ledger.Store, *fakeResults) {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	store, err := ledger.NewStore(log, &config.LedgerConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	})
	require.NoError(t, err)
	require.NoError(t, store.Start(context.Background()))

	t.Cleanup(func() { _ = store.Stop() })

	fr := &fakeResults{rows: make(map[string][]results.Result)}

	s := &server{
		log:     log,
		cfg:     &config.Config{},
		store:   store,
		results: fr,
		trigger: trigger.New(log, store, "", nil),
		done:    make(chan struct{}),
	}

	t.Cleanup(func() { close(s.done) })

	return s, store, fr
}

func doRequest(
	t *testing.T, s *server, method, path, body string,
) *httptest.ResponseRecorder {
	t.Helper()

	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()

	s.buildRouter().ServeHTTP(rec, req)

	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))

	return out
}

func TestHandleHealth(t *testing.T) {
	s, _, _ := setupServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/health", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestHandleTriggerRun(t *testing.T) {
	s, store, _ := setupServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/runs",
		`{"search_query":"ai note takers","search_tiktok":true}`)

	require.Equal(t, http.StatusAccepted, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "pending", body["status"])

	runID, _ := body["run_id"].(string)
	require.NotEmpty(t, runID)

	run, err := store.FindByID(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, []string{"tiktok"}, run.Platforms)
}

func TestHandleTriggerRun_Validation(t *testing.T) {
	s, _, _ := setupServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/runs",
		`{"search_tiktok":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/api/v1/runs",
		`{"search_query":"desks"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/api/v1/runs", `{malformed`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleListRuns(t *testing.T) {
	s, store, _ := setupServer(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Create(ctx, &ledger.Run{
			RunID:     []string{"run-a", "run-b", "run-c"}[i],
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	rec := doRequest(t, s, http.MethodGet, "/api/v1/runs?page_size=2", "")

	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, float64(3), body["total"])
	assert.Equal(t, float64(1), body["page"])

	runs, _ := body["runs"].([]any)
	require.Len(t, runs, 2)

	first, _ := runs[0].(map[string]any)
	assert.Equal(t, "run-c", first["run_id"])
}

func TestHandleListRuns_EmptyLedger(t *testing.T) {
	s, _, _ := setupServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/runs", "")

	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	runs, ok := body["runs"].([]any)
	require.True(t, ok, "runs must be an array, not null")
	assert.Empty(t, runs)
}

func TestHandleSearchRuns(t *testing.T) {
	s, store, _ := setupServer(t)

	require.NoError(t, store.Create(context.Background(), &ledger.Run{
		RunID:       "run-notes",
		SearchQuery: "AI Note Takers",
	}))

	rec := doRequest(t, s, http.MethodGet, "/api/v1/runs/search", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodGet,
		"/api/v1/runs/search?q=note+takers", "")
	require.Equal(t, http.StatusOK, rec.Code)

	runs, _ := decodeBody(t, rec)["runs"].([]any)
	require.Len(t, runs, 1)
}

func TestHandleGetRun(t *testing.T) {
	s, store, _ := setupServer(t)

	require.NoError(t, store.Create(context.Background(), &ledger.Run{
		RunID:       "run-get",
		SearchQuery: "desks",
	}))

	rec := doRequest(t, s, http.MethodGet, "/api/v1/runs/run-get", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "run-get", decodeBody(t, rec)["run_id"])

	rec = doRequest(t, s, http.MethodGet, "/api/v1/runs/run-nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleRunResults(t *testing.T) {
	s, _, fr := setupServer(t)

	fr.rows["run-r"] = []results.Result{
		{RunID: "run-r", Platform: "tiktok", AudienceSentimentScore: 0.8},
	}

	rec := doRequest(t, s, http.MethodGet, "/api/v1/runs/run-r/results", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	rows, _ := body["results"].([]any)
	require.Len(t, rows, 1)

	row, _ := rows[0].(map[string]any)
	assert.Equal(t, "tiktok", row["platform"])
}

func TestHandleRunResults_StoreUnavailable(t *testing.T) {
	s, _, fr := setupServer(t)

	fr.err = errors.New("connection refused")

	rec := doRequest(t, s, http.MethodGet, "/api/v1/runs/run-r/results", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHandleEvents_StreamsRunChanges(t *testing.T) {
	s, store, _ := setupServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest(
		http.MethodGet, "/api/v1/events", nil,
	).WithContext(ctx)
	rec := httptest.NewRecorder()

	handlerDone := make(chan struct{})

	go func() {
		defer close(handlerDone)

		s.handleEvents(rec, req)
	}()

	// Let the handler subscribe before publishing.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, store.Create(context.Background(), &ledger.Run{
		RunID: "run-sse",
	}))

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-handlerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("event handler did not exit on context cancel")
	}

	assert.Equal(t, "text/event-stream",
		rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "event: run")
	assert.Contains(t, rec.Body.String(), "run-sse")
}

func TestRateLimit_Returns429(t *testing.T) {
	s, _, _ := setupServer(t)
	s.cfg.Server.RateLimit = config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 2,
	}

	router := s.buildRouter()

	var last int

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
		req.RemoteAddr = "192.0.2.1:1234"
		rec := httptest.NewRecorder()

		router.ServeHTTP(rec, req)

		last = rec.Code
	}

	assert.Equal(t, http.StatusTooManyRequests, last)

	// Health stays reachable regardless of the limiter.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
