package patterns

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Bank is the facade around the learning engine: one store, one
// updater, one suggester, plus the persistence adapter and the
// maintenance scheduler that keep them healthy.
//
// Lifecycle: NewBank → Init (load snapshot, start maintenance) →
// Learn/Suggest during operation → Shutdown (stop maintenance, final
// flush).
type Bank struct {
	store     *Store
	updater   *Updater
	suggester *Suggester
	adapter   Adapter
	scheduler *MaintenanceScheduler
	logger    *zap.Logger
}

// BankConfig carries the tunable engine parameters.
type BankConfig struct {
	// MatchThreshold is the minimum similarity for reinforcing an
	// existing pattern. Zero means DefaultMatchThreshold.
	MatchThreshold float64

	// MaxPatterns caps the store size. Zero means DefaultMaxPatterns.
	MaxPatterns int

	// MaxPatternAge is the age ceiling for unmatched patterns. Zero
	// means DefaultMaxPatternAge.
	MaxPatternAge time.Duration

	// DecayHalfLife controls time-based confidence decay. Zero means
	// DefaultDecayHalfLife.
	DecayHalfLife time.Duration

	// MaintenanceInterval is how often decay/cleanup/flush runs. Zero
	// means hourly.
	MaintenanceInterval time.Duration
}

// NewBank wires a store, updater and suggester around a persistence
// adapter. The adapter is required; pass an in-memory implementation
// when persistence is not wanted.
func NewBank(adapter Adapter, cfg BankConfig, logger *zap.Logger) (*Bank, error) {
	if adapter == nil {
		return nil, ErrNilAdapter
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	storeOpts := []StoreOption{}
	if cfg.MaxPatterns > 0 {
		storeOpts = append(storeOpts, WithMaxPatterns(cfg.MaxPatterns))
	}
	if cfg.MaxPatternAge > 0 {
		storeOpts = append(storeOpts, WithMaxPatternAge(cfg.MaxPatternAge))
	}
	if cfg.DecayHalfLife > 0 {
		storeOpts = append(storeOpts, WithDecayHalfLife(cfg.DecayHalfLife))
	}
	store := NewStore(logger, storeOpts...)

	updaterOpts := []UpdaterOption{}
	if cfg.MatchThreshold > 0 {
		updaterOpts = append(updaterOpts, WithMatchThreshold(cfg.MatchThreshold))
	}
	updater, err := NewUpdater(store, logger, updaterOpts...)
	if err != nil {
		return nil, err
	}

	suggester, err := NewSuggester(store, logger)
	if err != nil {
		return nil, err
	}

	b := &Bank{
		store:     store,
		updater:   updater,
		suggester: suggester,
		adapter:   adapter,
		logger:    logger,
	}

	schedOpts := []SchedulerOption{}
	if cfg.MaintenanceInterval > 0 {
		schedOpts = append(schedOpts, WithInterval(cfg.MaintenanceInterval))
	}
	b.scheduler, err = NewMaintenanceScheduler(b, logger, schedOpts...)
	if err != nil {
		return nil, err
	}

	return b, nil
}

// Init loads the persisted snapshot and starts background maintenance.
// A failing load is logged and the bank starts empty: persistence is
// best-effort and in-memory state is authoritative.
func (b *Bank) Init(ctx context.Context) error {
	loaded, err := b.adapter.LoadPatterns(ctx)
	if err != nil {
		b.logger.Warn("loading persisted patterns failed, starting empty", zap.Error(err))
	} else {
		restored := b.store.Restore(loaded)
		if skipped := len(loaded) - restored; skipped > 0 {
			b.logger.Warn("skipped malformed persisted patterns",
				zap.Int("skipped", skipped),
				zap.Int("restored", restored))
		}
		b.logger.Info("pattern snapshot loaded", zap.Int("patterns", restored))
	}

	if err := b.scheduler.Start(); err != nil {
		return fmt.Errorf("starting maintenance scheduler: %w", err)
	}
	return nil
}

// ApplyConfig updates the runtime-tunable engine parameters. Zero
// values leave the current setting untouched. Safe to call while the
// bank is serving traffic.
func (b *Bank) ApplyConfig(cfg BankConfig) {
	b.store.SetLimits(cfg.MaxPatterns, cfg.MaxPatternAge, cfg.DecayHalfLife)
	if cfg.MatchThreshold > 0 {
		b.updater.SetMatchThreshold(cfg.MatchThreshold)
	}
	b.logger.Info("engine configuration applied",
		zap.Float64("match_threshold", cfg.MatchThreshold),
		zap.Int("max_patterns", cfg.MaxPatterns))
}

// Learn folds one resolved observation into the store.
func (b *Bank) Learn(obs *Observation) (*Pattern, error) {
	return b.updater.Learn(obs)
}

// Suggest returns an automatic recommendation, or nil.
func (b *Bank) Suggest(domain string, chars Characteristics) *Suggestion {
	return b.suggester.Suggest(domain, chars)
}

// PatternsForDomain returns copies of the patterns learned for domain.
func (b *Bank) PatternsForDomain(domain string) []Pattern {
	return b.store.PatternsForDomain(domain)
}

// PatternCount returns the number of stored patterns.
func (b *Bank) PatternCount() int {
	return b.store.Len()
}

// Flush writes the current snapshot to the persistence adapter.
func (b *Bank) Flush(ctx context.Context) error {
	snapshot := b.store.Snapshot()
	if err := b.adapter.SavePatterns(ctx, snapshot); err != nil {
		return fmt.Errorf("saving pattern snapshot: %w", err)
	}
	b.logger.Debug("pattern snapshot flushed", zap.Int("patterns", len(snapshot)))
	return nil
}

// Shutdown stops background maintenance and flushes a final snapshot.
// Flush errors are logged, not returned: shutdown must complete.
func (b *Bank) Shutdown(ctx context.Context) {
	b.scheduler.Stop()
	if err := b.Flush(ctx); err != nil {
		b.logger.Warn("final pattern flush failed", zap.Error(err))
	}
}
