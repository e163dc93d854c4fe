package patterns

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MaintenanceScheduler periodically decays and cleans up the pattern
// store and flushes a snapshot to the persistence adapter.
//
// Thread safety: Start and Stop are safe for concurrent use; the
// running state is protected by a mutex.
type MaintenanceScheduler struct {
	interval time.Duration
	bank     *Bank

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}

	logger *zap.Logger
}

// SchedulerOption configures a MaintenanceScheduler.
type SchedulerOption func(*MaintenanceScheduler)

// WithInterval sets the maintenance interval. Defaults to one hour.
func WithInterval(interval time.Duration) SchedulerOption {
	return func(s *MaintenanceScheduler) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// NewMaintenanceScheduler creates a scheduler for the given bank. The
// scheduler does not start automatically; call Start.
func NewMaintenanceScheduler(bank *Bank, logger *zap.Logger, opts ...SchedulerOption) (*MaintenanceScheduler, error) {
	if bank == nil {
		return nil, fmt.Errorf("bank cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &MaintenanceScheduler{
		interval: time.Hour,
		bank:     bank,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start begins background maintenance. Returns an error if the
// scheduler is already running.
func (s *MaintenanceScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	s.stopCh = make(chan struct{})
	s.running = true

	s.logger.Info("maintenance scheduler started", zap.Duration("interval", s.interval))
	go s.run()
	return nil
}

// Stop signals the background goroutine to stop. Stopping an already
// stopped scheduler is a no-op.
func (s *MaintenanceScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
	s.logger.Info("maintenance scheduler stopped")
}

func (s *MaintenanceScheduler) run() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("maintenance goroutine panicked",
				zap.Any("panic", r),
				zap.Stack("stack"))
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runMaintenance()
		case <-s.stopCh:
			return
		}
	}
}

// runMaintenance executes one decay/cleanup/flush cycle. Errors are
// logged but never stop the scheduler.
func (s *MaintenanceScheduler) runMaintenance() {
	removed := s.bank.store.DecayAndCleanup()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := s.bank.Flush(ctx); err != nil {
		s.logger.Warn("maintenance flush failed", zap.Error(err))
	}

	s.logger.Debug("maintenance cycle completed",
		zap.Int("removed", removed),
		zap.Int("patterns", s.bank.store.Len()))
}
