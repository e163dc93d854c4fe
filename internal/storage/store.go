// Package storage persists pattern snapshots and pending-decision
// records in a local SQLite database.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/popguard/popguard/internal/decision"
	"github.com/popguard/popguard/internal/patterns"
)

// patternRow is the persisted form of a learned pattern. The aggregate
// signature is stored as JSON; a row whose JSON cannot be decoded is
// skipped on load, never fatal.
type patternRow struct {
	ID          string `gorm:"primaryKey;size:36"`
	Domain      string `gorm:"index"`
	Decision    string
	Confidence  float64
	Occurrences int
	Signature   string
	LastSeen    time.Time
	CreatedAt   time.Time
}

func (patternRow) TableName() string { return "patterns" }

// pendingRow is the crash-recovery record of an open decision request.
type pendingRow struct {
	PopupID     string `gorm:"primaryKey;size:36"`
	Domain      string
	TabRef      string
	SubmittedAt time.Time
}

func (pendingRow) TableName() string { return "pending_decisions" }

// Store is the SQLite-backed persistence adapter. It implements
// patterns.Adapter and decision.Journal.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open opens (and migrates) the database at path. Use ":memory:" for
// an ephemeral store.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: newGormLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.AutoMigrate(&patternRow{}, &pendingRow{}); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// LoadPatterns implements patterns.Adapter. Rows with undecodable
// signatures are skipped with a warning.
func (s *Store) LoadPatterns(ctx context.Context) ([]patterns.Pattern, error) {
	var rows []patternRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("loading patterns: %w", err)
	}

	out := make([]patterns.Pattern, 0, len(rows))
	for _, row := range rows {
		var sig patterns.Signature
		if err := json.Unmarshal([]byte(row.Signature), &sig); err != nil {
			s.logger.Warn("skipping pattern with undecodable signature",
				zap.String("pattern_id", row.ID),
				zap.Error(err))
			continue
		}
		out = append(out, patterns.Pattern{
			ID:          row.ID,
			Domain:      row.Domain,
			Signature:   sig,
			Decision:    patterns.Decision(row.Decision),
			Confidence:  row.Confidence,
			Occurrences: row.Occurrences,
			LastSeen:    row.LastSeen,
			CreatedAt:   row.CreatedAt,
		})
	}
	return out, nil
}

// SavePatterns implements patterns.Adapter. The persisted snapshot is
// replaced wholesale inside one transaction.
func (s *Store) SavePatterns(ctx context.Context, pats []patterns.Pattern) error {
	rows := make([]patternRow, 0, len(pats))
	for _, p := range pats {
		sig, err := json.Marshal(p.Signature)
		if err != nil {
			return fmt.Errorf("encoding signature for %s: %w", p.ID, err)
		}
		rows = append(rows, patternRow{
			ID:          p.ID,
			Domain:      p.Domain,
			Decision:    string(p.Decision),
			Confidence:  p.Confidence,
			Occurrences: p.Occurrences,
			Signature:   string(sig),
			LastSeen:    p.LastSeen,
			CreatedAt:   p.CreatedAt,
		})
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&patternRow{}).Error; err != nil {
			return fmt.Errorf("clearing snapshot: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(rows, 100).Error; err != nil {
			return fmt.Errorf("writing snapshot: %w", err)
		}
		return nil
	})
}

// RemovePatterns implements patterns.Adapter.
func (s *Store) RemovePatterns(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Delete(&patternRow{}, "id IN ?", ids).Error; err != nil {
		return fmt.Errorf("removing patterns: %w", err)
	}
	return nil
}

// SavePending implements decision.Journal.
func (s *Store) SavePending(ctx context.Context, rec decision.PendingRecord) error {
	row := pendingRow{
		PopupID:     rec.PopupID,
		Domain:      rec.Domain,
		TabRef:      rec.TabRef,
		SubmittedAt: rec.SubmittedAt,
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		return fmt.Errorf("journaling pending decision: %w", err)
	}
	return nil
}

// RemovePending implements decision.Journal.
func (s *Store) RemovePending(ctx context.Context, popupID string) error {
	if err := s.db.WithContext(ctx).Delete(&pendingRow{PopupID: popupID}).Error; err != nil {
		return fmt.Errorf("removing journaled decision: %w", err)
	}
	return nil
}

// LoadPending implements decision.Journal. Used at startup to report
// decisions orphaned by a crash; their timers are gone, so they are
// surfaced for cleanup rather than re-armed.
func (s *Store) LoadPending(ctx context.Context) ([]decision.PendingRecord, error) {
	var rows []pendingRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("loading journaled decisions: %w", err)
	}

	out := make([]decision.PendingRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, decision.PendingRecord{
			PopupID:     row.PopupID,
			Domain:      row.Domain,
			TabRef:      row.TabRef,
			SubmittedAt: row.SubmittedAt,
		})
	}
	return out, nil
}

// ClearPending removes every journaled decision. Called after startup
// recovery has inspected the orphaned records.
func (s *Store) ClearPending(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&pendingRow{}).Error; err != nil {
		return fmt.Errorf("clearing journaled decisions: %w", err)
	}
	return nil
}
