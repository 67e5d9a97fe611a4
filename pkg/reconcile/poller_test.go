package reconcile_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socialpulse/pulsed/pkg/config"
	"github.com/socialpulse/pulsed/pkg/ledger"
	"github.com/socialpulse/pulsed/pkg/reconcile"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func setupLedger(t *testing.T) ledger.Store {
	t.Helper()

	cfg := &config.LedgerConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	}

	s, err := ledger.NewStore(testLogger(), cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

// fakeSource is an in-memory ResultSource with per-run error injection.
type fakeSource struct {
	mu        sync.Mutex
	platforms map[string][]string
	errs      map[string]error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		platforms: make(map[string][]string),
		errs:      make(map[string]error),
	}
}

func (f *fakeSource) set(runID string, platforms ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.platforms[runID] = platforms
}

func (f *fakeSource) fail(runID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.errs[runID] = err
}

func (f *fakeSource) PlatformsFor(
	_ context.Context, runID string,
) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.errs[runID]; err != nil {
		return nil, err
	}

	return f.platforms[runID], nil
}

func createPending(
	t *testing.T, s ledger.Store, runID string, platforms ...string,
) {
	t.Helper()

	require.NoError(t, s.Create(context.Background(), &ledger.Run{
		RunID:     runID,
		Platforms: platforms,
		Status:    ledger.StatusPending,
	}))
}

func runStatus(t *testing.T, s ledger.Store, runID string) ledger.Status {
	t.Helper()

	run, err := s.FindByID(context.Background(), runID)
	require.NoError(t, err)

	return run.Status
}

func TestPoller_CompletesRunWhenAllPlatformsArrive(t *testing.T) {
	store := setupLedger(t)
	source := newFakeSource()

	createPending(t, store, "run-done", "tiktok", "youtube")
	source.set("run-done", "tiktok", "youtube")

	p := reconcile.NewPoller(
		testLogger(), store, source,
		10*time.Millisecond, reconcile.DefaultTimeout, 2,
	)

	require.NoError(t, p.Start(context.Background()))

	t.Cleanup(func() { _ = p.Stop() })

	require.Eventually(t, func() bool {
		return runStatus(t, store, "run-done") == ledger.StatusComplete
	}, 2*time.Second, 10*time.Millisecond)

	run, err := store.FindByID(context.Background(), "run-done")
	require.NoError(t, err)
	assert.ElementsMatch(t,
		[]string{"tiktok", "youtube"}, run.ReceivedPlatforms)
}

func TestPoller_QueryFailureIsIsolatedPerRun(t *testing.T) {
	store := setupLedger(t)
	source := newFakeSource()

	createPending(t, store, "run-broken", "tiktok")
	createPending(t, store, "run-ok", "tiktok")

	source.fail("run-broken", errors.New("connection refused"))
	source.set("run-ok", "tiktok")

	p := reconcile.NewPoller(
		testLogger(), store, source,
		10*time.Millisecond, reconcile.DefaultTimeout, 2,
	)

	require.NoError(t, p.Start(context.Background()))

	t.Cleanup(func() { _ = p.Stop() })

	require.Eventually(t, func() bool {
		return runStatus(t, store, "run-ok") == ledger.StatusComplete
	}, 2*time.Second, 10*time.Millisecond)

	// The failing run stays pending for the next pass to retry.
	assert.Equal(t, ledger.StatusPending, runStatus(t, store, "run-broken"))
}

func TestPoller_WakeTriggersImmediatePass(t *testing.T) {
	store := setupLedger(t)
	source := newFakeSource()

	createPending(t, store, "run-late", "tiktok")

	// The interval is far beyond the test horizon: only a wake can
	// finalize the run in time.
	p := reconcile.NewPoller(
		testLogger(), store, source,
		time.Minute, reconcile.DefaultTimeout, 2,
	)

	require.NoError(t, p.Start(context.Background()))

	t.Cleanup(func() { _ = p.Stop() })

	// Let the initial pass observe the empty result store first.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, ledger.StatusPending, runStatus(t, store, "run-late"))

	source.set("run-late", "tiktok")
	p.Wake()

	require.Eventually(t, func() bool {
		return runStatus(t, store, "run-late") == ledger.StatusComplete
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPoller_StartAndStopAreIdempotent(t *testing.T) {
	store := setupLedger(t)
	source := newFakeSource()

	p := reconcile.NewPoller(
		testLogger(), store, source,
		10*time.Millisecond, reconcile.DefaultTimeout, 2,
	)

	ctx := context.Background()

	require.NoError(t, p.Start(ctx))
	require.NoError(t, p.Start(ctx))

	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())
}
