package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/socialpulse/pulsed/pkg/config"
)

// Compile-time interface check.
var _ Store = (*dbStore)(nil)

// dbStore is the database-backed ledger. Unlike the file store it has
// real transactional guarantees: the pending-to-terminal transition is
// a single guarded UPDATE.
type dbStore struct {
	log logrus.FieldLogger
	cfg *config.LedgerConfig
	db  *gorm.DB
	bus *Bus
}

func newDBStore(log logrus.FieldLogger, cfg *config.LedgerConfig) *dbStore {
	return &dbStore{
		log: log.WithField("component", "ledger"),
		cfg: cfg,
		bus: NewBus(),
	}
}

// Start opens the database connection and runs migrations.
func (s *dbStore) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported ledger driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening ledger database: %w", err)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(&Run{}); err != nil {
		return fmt.Errorf("running ledger migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Run ledger connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *dbStore) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// Create inserts a new run record.
func (s *dbStore) Create(ctx context.Context, run *Run) error {
	if run.Status == "" {
		run.Status = StatusPending
	}

	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("creating run: %w", err)
	}

	s.bus.Publish(Event{RunID: run.RunID, Status: run.Status})

	return nil
}

// List returns runs ordered by created_at descending plus the total count.
func (s *dbStore) List(
	ctx context.Context, page, pageSize int,
) ([]Run, int64, error) {
	if page < 1 {
		page = 1
	}

	if pageSize < 1 {
		pageSize = 10
	}

	var total int64
	if err := s.db.WithContext(ctx).
		Model(&Run{}).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting runs: %w", err)
	}

	var runs []Run
	if err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&runs).Error; err != nil {
		return nil, 0, fmt.Errorf("listing runs: %w", err)
	}

	return runs, total, nil
}

// FindByID returns the run with the given run ID.
func (s *dbStore) FindByID(ctx context.Context, runID string) (*Run, error) {
	var run Run
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("finding run: %w", err)
	}

	return &run, nil
}

// Search matches the text case-insensitively against search queries and
// run IDs.
func (s *dbStore) Search(ctx context.Context, text string) ([]Run, error) {
	pattern := "%" + strings.ToLower(text) + "%"

	var runs []Run
	if err := s.db.WithContext(ctx).
		Where("LOWER(search_query) LIKE ? OR LOWER(run_id) LIKE ?",
			pattern, pattern).
		Order("created_at DESC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("searching runs: %w", err)
	}

	return runs, nil
}

// ListPending returns all runs still awaiting reconciliation.
func (s *dbStore) ListPending(ctx context.Context) ([]Run, error) {
	var runs []Run
	if err := s.db.WithContext(ctx).
		Where("status = ?", StatusPending).
		Order("created_at DESC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing pending runs: %w", err)
	}

	return runs, nil
}

// UpdateStatus applies the terminal transition with a guarded UPDATE so
// only the first evaluator to observe the run as pending wins.
func (s *dbStore) UpdateStatus(
	ctx context.Context,
	runID string,
	status Status,
	durationSeconds int64,
	received []string,
) (bool, error) {
	update := &Run{
		Status:            status,
		DurationSeconds:   durationSeconds,
		ReceivedPlatforms: received,
	}

	result := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("run_id = ? AND status = ?", runID, StatusPending).
		Updates(update)
	if result.Error != nil {
		return false, fmt.Errorf("updating run status: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		// Missing or already terminal; either way not ours to touch.
		return false, nil
	}

	s.bus.Publish(Event{RunID: runID, Status: status})

	return true, nil
}

// Events exposes the run-change bus.
func (s *dbStore) Events() *Bus {
	return s.bus
}
