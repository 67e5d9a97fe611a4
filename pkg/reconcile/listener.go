package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/socialpulse/pulsed/pkg/ledger"
	"github.com/socialpulse/pulsed/pkg/results"
)

// reconnectDelay is how long the listener waits before reopening a
// broken insert feed.
const reconnectDelay = 5 * time.Second

// InsertFeed is a push-based subscription to new result rows.
type InsertFeed interface {
	Subscribe(ctx context.Context) (<-chan results.Insert, error)
}

// Listener consumes the result store's insert feed and fast-paths the
// completion check without waiting for the next poll tick. It is
// opportunistic: feed failures degrade to polling, never crash.
type Listener interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Listener = (*listener)(nil)

type listener struct {
	log     logrus.FieldLogger
	store   ledger.Store
	source  ResultSource
	feed    InsertFeed
	timeout time.Duration
	waker   Waker

	mu      sync.Mutex
	running bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewListener creates a change listener. The waker, when non-nil, is
// poked after every (re)subscribe so a poll pass covers any events
// missed while the feed was down.
func NewListener(
	log logrus.FieldLogger,
	store ledger.Store,
	source ResultSource,
	feed InsertFeed,
	timeout time.Duration,
	waker Waker,
) Listener {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &listener{
		log:     log.WithField("component", "listener"),
		store:   store,
		source:  source,
		feed:    feed,
		timeout: timeout,
		waker:   waker,
		done:    make(chan struct{}),
	}
}

// Start launches the subscription loop. Calling Start on a running
// listener is a no-op.
func (l *listener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()

		return nil
	}

	l.running = true
	l.mu.Unlock()

	l.log.Info("Starting change listener")

	l.wg.Add(1)

	go func() {
		defer l.wg.Done()

		l.run(ctx)
	}()

	return nil
}

// Stop tears down the subscription and waits for the loop to exit.
func (l *listener) Stop() error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()

		return nil
	}

	l.running = false
	l.mu.Unlock()

	close(l.done)
	l.wg.Wait()

	l.log.Info("Change listener stopped")

	return nil
}

// run subscribes, consumes events until the feed closes, and retries
// with a fixed delay.
func (l *listener) run(ctx context.Context) {
	for {
		select {
		case <-l.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		ch, err := l.feed.Subscribe(ctx)
		if err != nil {
			l.log.WithError(err).Warn("Insert feed unavailable, retrying")

			if !l.sleep(ctx, reconnectDelay) {
				return
			}

			continue
		}

		// Cover whatever happened while we were not subscribed.
		if l.waker != nil {
			l.waker.Wake()
		}

		if !l.consume(ctx, ch) {
			return
		}

		l.log.Info("Insert feed closed, resubscribing")

		if !l.sleep(ctx, reconnectDelay) {
			return
		}
	}
}

// consume drains the feed channel. It returns false when the listener
// should exit entirely.
func (l *listener) consume(ctx context.Context, ch <-chan results.Insert) bool {
	for {
		select {
		case <-l.done:
			return false
		case <-ctx.Done():
			return false
		case ins, ok := <-ch:
			if !ok {
				return true
			}

			l.handleInsert(ctx, ins)
		}
	}
}

// handleInsert re-evaluates the run a new result row belongs to. One
// fresh row is not sufficient on its own: other platforms may already
// have arrived, so the full observed set is re-queried.
func (l *listener) handleInsert(ctx context.Context, ins results.Insert) {
	runLog := l.log.WithField("run_id", ins.RunID).
		WithField("platform", ins.Platform)

	run, err := l.store.FindByID(ctx, ins.RunID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			// Another session's run, or pruned; not ours to track.
			runLog.Debug("Insert for unknown run ignored")

			return
		}

		runLog.WithError(err).Warn("Ledger lookup failed")

		return
	}

	if run.Status.Terminal() {
		return
	}

	observed, err := l.source.PlatformsFor(ctx, ins.RunID)
	if err != nil {
		runLog.WithError(err).Warn("Result query failed, poller will retry")

		return
	}

	t := Evaluate(run, observed, time.Now().UTC(), l.timeout)
	if t == nil {
		return
	}

	applied, err := l.store.UpdateStatus(
		ctx, run.RunID, t.Status, t.DurationSeconds, t.Received,
	)
	if err != nil {
		runLog.WithError(err).Warn("Failed to update run status")

		return
	}

	if applied {
		runLog.WithField("status", t.Status).
			Info("Run finalized via insert feed")
	}
}

// sleep waits for d unless the listener is stopped first.
func (l *listener) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-l.done:
		return false
	case <-ctx.Done():
		return false
	}
}
