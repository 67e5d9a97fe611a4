package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/socialpulse/pulsed/pkg/ledger"
)

// DefaultInterval is the default poll interval.
const DefaultInterval = 15 * time.Second

// defaultConcurrency bounds the per-pass fan-out when none is configured.
const defaultConcurrency = 4

// ResultSource answers which platforms have produced a result for a run.
type ResultSource interface {
	PlatformsFor(ctx context.Context, runID string) ([]string, error)
}

// Waker receives pokes that request an immediate reconciliation pass.
type Waker interface {
	Wake()
}

// Poller periodically sweeps all pending runs and drives the completion
// state machine forward. It is the fallback path: push delivery is not
// assumed reliable.
type Poller interface {
	Start(ctx context.Context) error
	Stop() error
	Wake()
}

// Compile-time interface checks.
var (
	_ Poller = (*poller)(nil)
	_ Waker  = (*poller)(nil)
)

type poller struct {
	log         logrus.FieldLogger
	store       ledger.Store
	source      ResultSource
	interval    time.Duration
	timeout     time.Duration
	concurrency int

	mu      sync.Mutex
	running bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewPoller creates a poller over the given ledger and result source.
func NewPoller(
	log logrus.FieldLogger,
	store ledger.Store,
	source ResultSource,
	interval time.Duration,
	timeout time.Duration,
	concurrency int,
) Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	return &poller{
		log:         log.WithField("component", "poller"),
		store:       store,
		source:      source,
		interval:    interval,
		timeout:     timeout,
		concurrency: concurrency,
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// Start launches the polling goroutine: one immediate pass, then the
// fixed interval. Calling Start on a running poller is a no-op.
func (p *poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()

		return nil
	}

	p.running = true
	p.mu.Unlock()

	p.log.WithFields(logrus.Fields{
		"interval": p.interval.String(),
		"timeout":  p.timeout.String(),
	}).Info("Starting run poller")

	p.wg.Add(1)

	go func() {
		defer p.wg.Done()

		p.pass(ctx)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.pass(ctx)
			case <-p.wake:
				p.pass(ctx)
			case <-p.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop terminates the polling goroutine and waits for it. Transitions
// already applied are never rolled back.
func (p *poller) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()

		return nil
	}

	p.running = false
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()

	p.log.Info("Run poller stopped")

	return nil
}

// Wake requests an extra pass without waiting for the next tick. Used
// after run creation and after push-feed gaps.
func (p *poller) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// pass evaluates every pending run once. Runs are checked concurrently
// with bounded parallelism; a failure for one run never aborts the rest.
func (p *poller) pass(ctx context.Context) {
	pending, err := p.store.ListPending(ctx)
	if err != nil {
		p.log.WithError(err).Warn("Failed to list pending runs")

		return
	}

	if len(pending) == 0 {
		return
	}

	p.log.WithField("pending", len(pending)).Debug("Checking pending runs")

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for i := range pending {
		run := pending[i]

		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			case <-p.done:
				return nil
			default:
			}

			p.check(gCtx, &run)

			return nil
		})
	}

	_ = g.Wait()
}

// check evaluates a single run against the result store and applies any
// resulting transition through the ledger's pending guard.
func (p *poller) check(ctx context.Context, run *ledger.Run) {
	runLog := p.log.WithField("run_id", run.RunID)

	observed, err := p.source.PlatformsFor(ctx, run.RunID)
	if err != nil {
		// Transient: the run stays pending and is retried next pass.
		runLog.WithError(err).Warn("Result query failed, will retry")

		return
	}

	t := Evaluate(run, observed, time.Now().UTC(), p.timeout)
	if t == nil {
		runLog.WithField("received", len(observed)).
			Debug("Run still waiting for platforms")

		return
	}

	applied, err := p.store.UpdateStatus(
		ctx, run.RunID, t.Status, t.DurationSeconds, t.Received,
	)
	if err != nil {
		runLog.WithError(err).Warn("Failed to update run status")

		return
	}

	if applied {
		runLog.WithFields(logrus.Fields{
			"status":   t.Status,
			"duration": t.DurationSeconds,
			"received": t.Received,
		}).Info("Run finalized")
	}
}
