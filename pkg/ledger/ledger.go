package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/socialpulse/pulsed/pkg/config"
)

// ErrNotFound is returned when no run matches the requested identifier.
var ErrNotFound = errors.New("run not found")

// Store is the run ledger port: the single local source of truth for
// which runs exist and their last-known status. Implementations must
// make UpdateStatus an atomic check-and-set so that competing evaluators
// (poller, change listener, another process sharing the backing store)
// can apply the same transition concurrently without double-mutating a
// terminal run.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Create inserts a new run. Runs default to StatusPending and a
	// CreatedAt of now when unset.
	Create(ctx context.Context, run *Run) error

	// List returns runs ordered by created_at descending, sliced by
	// 1-based page, plus the total count.
	List(ctx context.Context, page, pageSize int) ([]Run, int64, error)

	// FindByID returns the run with the given run ID or ErrNotFound.
	FindByID(ctx context.Context, runID string) (*Run, error)

	// Search returns runs whose search query or run ID contains the
	// given text (case-insensitive), ordered by created_at descending.
	Search(ctx context.Context, text string) ([]Run, error)

	// ListPending returns all runs still awaiting reconciliation.
	ListPending(ctx context.Context) ([]Run, error)

	// UpdateStatus transitions a run to a terminal status if and only if
	// it exists and is still pending. A missing run is a no-op, not an
	// error: the run may have been created by another session sharing
	// the store. Returns whether the transition was applied.
	UpdateStatus(
		ctx context.Context,
		runID string,
		status Status,
		durationSeconds int64,
		received []string,
	) (bool, error)

	// Events exposes the run-change bus. Every successful Create and
	// applied UpdateStatus publishes an event.
	Events() *Bus
}

// NewStore creates a Store for the configured ledger driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.LedgerConfig,
) (Store, error) {
	switch cfg.Driver {
	case "file":
		return newFileStore(log, cfg.File.Path), nil
	case "sqlite", "postgres":
		return newDBStore(log, cfg), nil
	default:
		return nil, fmt.Errorf("unsupported ledger driver: %s", cfg.Driver)
	}
}
