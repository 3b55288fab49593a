package billing

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/jkaninda/ngome/internal/llmproxy"
)

// UsageRecord is one persisted usage fact, keyed by the proxy's request id
// so re-ingesting a run's audit log is idempotent.
type UsageRecord struct {
	ID               uuid.UUID `gorm:"type:text;primaryKey"`
	RunID            string    `gorm:"index"`
	BillingAccountID string    `gorm:"index"`
	RequestID        string    `gorm:"uniqueIndex"`
	Model            string
	CostUSD          float64
	DurationMs       int64
	Timestamp        time.Time
	CreatedAt        time.Time
}

// AccountUsage summarizes one billing account.
type AccountUsage struct {
	Calls   int64
	CostUSD float64
}

// Config selects the usage store backend.
// SQLite is the zero-config default; Postgres serves multi-host setups.
type Config struct {
	Driver      string `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres"
	SQLitePath  string `json:"sqlite_path,omitempty" yaml:"sqlite_path,omitempty"`
	PostgresDSN string `json:"postgres_dsn,omitempty" yaml:"postgres_dsn,omitempty"`
}

// Store persists usage records for the billing collaborator.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open creates the usage store and runs migrations.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "", "sqlite":
		if cfg.SQLitePath == "" {
			return nil, fmt.Errorf("sqlite path is required")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		dsn := cfg.SQLitePath + "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)"
		dialector = sqlite.Open(dsn)
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres dsn is required")
		}
		dialector = postgres.Open(cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown billing store driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("opening billing store: %w", err)
	}
	if err := db.AutoMigrate(&UsageRecord{}); err != nil {
		return nil, fmt.Errorf("migrating billing store: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Ingest persists a run's audit entries. Duplicate request ids are ignored
// so replaying the same audit log is safe.
func (s *Store) Ingest(ctx context.Context, runID string, entries []llmproxy.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	records := make([]UsageRecord, 0, len(entries))
	for _, e := range entries {
		records = append(records, UsageRecord{
			ID:               uuid.New(),
			RunID:            runID,
			BillingAccountID: e.BillingAccountID,
			RequestID:        e.RequestID,
			Model:            e.Model,
			CostUSD:          e.CostUSD,
			DurationMs:       e.DurationMs,
			Timestamp:        e.Timestamp,
		})
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "request_id"}}, DoNothing: true}).
		Create(&records).Error
	if err != nil {
		return fmt.Errorf("ingesting usage for run %s: %w", runID, err)
	}
	s.logger.Info("usage ingested",
		slog.String("run_id", runID),
		slog.Int("entries", len(entries)),
	)
	return nil
}

// AccountUsage sums persisted usage for one billing account.
func (s *Store) AccountUsage(ctx context.Context, accountID string) (AccountUsage, error) {
	var out struct {
		Calls   int64
		CostUSD float64
	}
	err := s.db.WithContext(ctx).
		Model(&UsageRecord{}).
		Select("COUNT(*) AS calls, COALESCE(SUM(cost_usd), 0) AS cost_usd").
		Where("billing_account_id = ?", accountID).
		Scan(&out).Error
	if err != nil {
		return AccountUsage{}, fmt.Errorf("summarizing account %s: %w", accountID, err)
	}
	return AccountUsage{Calls: out.Calls, CostUSD: out.CostUSD}, nil
}

func (s *Store) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
