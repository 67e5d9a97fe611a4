package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Compile-time interface check.
var _ Store = (*fileStore)(nil)

// fileStore keeps the whole run collection in one JSON document,
// newest-first, and rewrites it on every mutation. It mirrors the
// semantics of a browser-local key-value store: no locking across
// processes, whole-collection last-write-wins. Reads degrade to empty
// results when the document is unreadable; the ledger must never take
// the process down.
type fileStore struct {
	log  logrus.FieldLogger
	path string
	mu   sync.Mutex
	bus  *Bus
}

func newFileStore(log logrus.FieldLogger, path string) *fileStore {
	return &fileStore{
		log:  log.WithField("component", "ledger"),
		path: path,
		bus:  NewBus(),
	}
}

// Start ensures the parent directory exists.
func (s *fileStore) Start(_ context.Context) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating ledger directory: %w", err)
	}

	s.log.WithField("path", s.path).Info("Run ledger opened")

	return nil
}

// Stop is a no-op for the file store.
func (s *fileStore) Stop() error {
	return nil
}

// load reads the whole collection. A missing file is an empty ledger.
func (s *fileStore) load() ([]Run, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading ledger file: %w", err)
	}

	var runs []Run
	if err := json.Unmarshal(data, &runs); err != nil {
		return nil, fmt.Errorf("parsing ledger file: %w", err)
	}

	return runs, nil
}

// save rewrites the whole collection via a temp file and rename.
func (s *fileStore) save(runs []Run) error {
	data, err := json.MarshalIndent(runs, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding ledger: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing ledger file: %w", err)
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing ledger file: %w", err)
	}

	return nil
}

// Create inserts the run at the front of the collection.
func (s *fileStore) Create(_ context.Context, run *Run) error {
	if run.Status == "" {
		run.Status = StatusPending
	}

	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	run.UpdatedAt = run.CreatedAt

	s.mu.Lock()
	defer s.mu.Unlock()

	runs, err := s.load()
	if err != nil {
		return err
	}

	runs = append([]Run{*run}, runs...)

	if err := s.save(runs); err != nil {
		return err
	}

	s.bus.Publish(Event{RunID: run.RunID, Status: run.Status})

	return nil
}

// sortByCreatedDesc orders runs most-recent-first.
func sortByCreatedDesc(runs []Run) {
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
}

// List returns one page of runs plus the total count. An unreadable
// ledger yields an empty page and zero total.
func (s *fileStore) List(
	_ context.Context, page, pageSize int,
) ([]Run, int64, error) {
	if page < 1 {
		page = 1
	}

	if pageSize < 1 {
		pageSize = 10
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	runs, err := s.load()
	if err != nil {
		s.log.WithError(err).Warn("Ledger unreadable, returning empty page")

		return nil, 0, nil
	}

	sortByCreatedDesc(runs)

	total := int64(len(runs))

	start := (page - 1) * pageSize
	if start >= len(runs) {
		return nil, total, nil
	}

	end := start + pageSize
	if end > len(runs) {
		end = len(runs)
	}

	return runs[start:end], total, nil
}

// FindByID returns the run with the given run ID.
func (s *fileStore) FindByID(_ context.Context, runID string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs, err := s.load()
	if err != nil {
		s.log.WithError(err).Warn("Ledger unreadable")

		return nil, ErrNotFound
	}

	for i := range runs {
		if runs[i].RunID == runID {
			return &runs[i], nil
		}
	}

	return nil, ErrNotFound
}

// Search matches the text case-insensitively against search queries and
// run IDs.
func (s *fileStore) Search(_ context.Context, text string) ([]Run, error) {
	needle := strings.ToLower(text)

	s.mu.Lock()
	defer s.mu.Unlock()

	runs, err := s.load()
	if err != nil {
		s.log.WithError(err).Warn("Ledger unreadable, returning no matches")

		return nil, nil
	}

	matches := make([]Run, 0, len(runs))

	for _, run := range runs {
		if strings.Contains(strings.ToLower(run.SearchQuery), needle) ||
			strings.Contains(strings.ToLower(run.RunID), needle) {
			matches = append(matches, run)
		}
	}

	sortByCreatedDesc(matches)

	return matches, nil
}

// ListPending returns all runs still awaiting reconciliation.
func (s *fileStore) ListPending(_ context.Context) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs, err := s.load()
	if err != nil {
		s.log.WithError(err).Warn("Ledger unreadable, skipping pending scan")

		return nil, nil
	}

	pending := make([]Run, 0, len(runs))

	for _, run := range runs {
		if run.Status == StatusPending {
			pending = append(pending, run)
		}
	}

	return pending, nil
}

// UpdateStatus rewrites the collection with the transition applied. The
// whole read-modify-write cycle happens under the process mutex, which
// together with the pending guard keeps competing evaluators idempotent.
func (s *fileStore) UpdateStatus(
	_ context.Context,
	runID string,
	status Status,
	durationSeconds int64,
	received []string,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs, err := s.load()
	if err != nil {
		return false, err
	}

	idx := -1

	for i := range runs {
		if runs[i].RunID == runID {
			idx = i

			break
		}
	}

	if idx == -1 || runs[idx].Status != StatusPending {
		return false, nil
	}

	runs[idx].Status = status
	runs[idx].DurationSeconds = durationSeconds
	runs[idx].ReceivedPlatforms = received
	runs[idx].UpdatedAt = time.Now().UTC()

	if err := s.save(runs); err != nil {
		return false, err
	}

	s.bus.Publish(Event{RunID: runID, Status: status})

	return true, nil
}

// Events exposes the run-change bus.
func (s *fileStore) Events() *Bus {
	return s.bus
}
