package decision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/popguard/popguard/internal/patterns"
)

const (
	// DefaultTimeout is how long a decision request stays open before
	// it times out.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxPendingAge is the safety-net ceiling for entries whose
	// timer was somehow lost (e.g. process reload). Entries older than
	// this are swept regardless of timer state.
	DefaultMaxPendingAge = 5 * time.Minute

	// DefaultSweepInterval is how often the safety-net sweep runs.
	DefaultSweepInterval = time.Minute
)

// Common errors for coordinator operations.
var (
	ErrAlreadyPending    = errors.New("a pending decision already exists for this popup")
	ErrUnknownPopup      = errors.New("no pending decision for this popup")
	ErrInvalidDecision   = errors.New("decision must be 'close', 'keep' or 'dismiss'")
	ErrCoordinatorClosed = errors.New("coordinator is shut down")
)

// Status is the lifecycle state of a pending decision. Pending is the
// only non-terminal state; exactly one terminal transition occurs per
// popup.
type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
	StatusTimedOut Status = "timedOut"
	StatusCanceled Status = "canceled"
)

// Learner consumes finalized observations. Satisfied by
// patterns.Updater and patterns.Bank.
type Learner interface {
	Learn(obs *patterns.Observation) (*patterns.Pattern, error)
}

// entry is coordinator-owned state for one open decision request.
type entry struct {
	obs         *patterns.Observation
	tab         TabRef
	submittedAt time.Time
	timer       *time.Timer
	status      Status
}

// Coordinator tracks outstanding user-decision requests, arms their
// timeouts and routes terminal outcomes into the learner.
//
// The pending table is owned exclusively by the coordinator and guarded
// by one mutex. State transitions happen inside the critical section;
// learner, notifier, telemetry and journal calls happen outside it, so
// a slow collaborator can never hold up another popup's resolution.
type Coordinator struct {
	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
	stopCh  chan struct{}

	timeout       time.Duration
	maxPendingAge time.Duration
	sweepInterval time.Duration

	learner   Learner
	notifier  Notifier
	telemetry Telemetry
	journal   Journal

	metrics *Metrics
	logger  *zap.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout sets the decision timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxPendingAge sets the safety-net age ceiling for the sweep.
func WithMaxPendingAge(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.maxPendingAge = d
		}
	}
}

// WithSweepInterval sets how often the safety-net sweep runs. Zero
// disables the background sweeper; CleanupExpired can still be called
// directly.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		c.sweepInterval = d
	}
}

// WithNotifier sets the channel that delivers finalized decisions back
// to the originating tab.
func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) {
		if n != nil {
			c.notifier = n
		}
	}
}

// WithTelemetry sets the fire-and-forget outcome channel.
func WithTelemetry(t Telemetry) Option {
	return func(c *Coordinator) {
		if t != nil {
			c.telemetry = t
		}
	}
}

// WithJournal enables best-effort crash-recovery journaling of pending
// decisions.
func WithJournal(j Journal) Option {
	return func(c *Coordinator) {
		c.journal = j
	}
}

// NewCoordinator creates a coordinator routing terminal outcomes into
// the given learner. The background safety-net sweeper starts
// immediately unless disabled; Shutdown stops it.
func NewCoordinator(learner Learner, logger *zap.Logger, opts ...Option) (*Coordinator, error) {
	if learner == nil {
		return nil, fmt.Errorf("learner cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Coordinator{
		entries:       make(map[string]*entry),
		stopCh:        make(chan struct{}),
		timeout:       DefaultTimeout,
		maxPendingAge: DefaultMaxPendingAge,
		sweepInterval: DefaultSweepInterval,
		learner:       learner,
		notifier:      LogNotifier{Logger: logger},
		telemetry:     LogTelemetry{Logger: logger},
		metrics:       NewMetrics(),
		logger:        logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.sweepInterval > 0 {
		go c.sweep()
	}
	return c, nil
}

// Open registers a pending decision for the observation and arms its
// timeout. At most one pending entry may exist per popup; a duplicate
// open is rejected with ErrAlreadyPending.
func (c *Coordinator) Open(obs *patterns.Observation, tab TabRef) error {
	if obs == nil {
		return fmt.Errorf("observation cannot be nil")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrCoordinatorClosed
	}
	if _, exists := c.entries[obs.ID]; exists {
		c.mu.Unlock()
		return ErrAlreadyPending
	}
	e := &entry{
		obs:         obs,
		tab:         tab,
		submittedAt: time.Now(),
		status:      StatusPending,
	}
	popupID := obs.ID
	e.timer = time.AfterFunc(c.timeout, func() { c.fireTimeout(popupID) })
	c.entries[popupID] = e
	c.metrics.PendingDecisions.Set(float64(len(c.entries)))
	c.mu.Unlock()

	c.journalSave(PendingRecord{
		PopupID:     popupID,
		Domain:      obs.Domain,
		TabRef:      string(tab),
		SubmittedAt: e.submittedAt,
	})
	c.logger.Debug("decision request opened",
		zap.String("popup_id", popupID),
		zap.String("domain", obs.Domain),
		zap.Duration("timeout", c.timeout))
	return nil
}

// Resolve applies the user's decision to a pending entry.
//
// Only close, keep and dismiss are accepted; anything else fails with
// ErrInvalidDecision before any state changes. Resolving a popup that
// is unknown, already resolved or already timed out returns
// ErrUnknownPopup without a second learning event.
func (c *Coordinator) Resolve(popupID string, d patterns.Decision) error {
	if d != patterns.DecisionClose && d != patterns.DecisionKeep && d != patterns.DecisionDismiss {
		return ErrInvalidDecision
	}

	e, err := c.takeEntry(popupID, StatusResolved)
	if err != nil {
		return err
	}
	e.obs.Decision = d
	c.finalize(e, StatusResolved)
	return nil
}

// Cancel removes a pending entry without learning or notification. The
// timer is always disarmed before removal.
func (c *Coordinator) Cancel(popupID string) error {
	e, err := c.takeEntry(popupID, StatusCanceled)
	if err != nil {
		return err
	}
	c.journalRemove(popupID)
	c.metrics.DecisionsTotal.WithLabelValues("canceled").Inc()
	c.telemetry.DecisionOutcome(*e.obs, StatusCanceled)
	c.logger.Debug("decision request canceled", zap.String("popup_id", popupID))
	return nil
}

// CleanupExpired removes pending entries older than maxAge that somehow
// never timed out. Timers are disarmed before removal so nothing leaks.
// Returns the number of swept entries.
func (c *Coordinator) CleanupExpired(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	c.mu.Lock()
	var swept []*entry
	for id, e := range c.entries {
		if e.submittedAt.Before(cutoff) {
			e.timer.Stop()
			e.status = StatusCanceled
			delete(c.entries, id)
			swept = append(swept, e)
		}
	}
	c.metrics.PendingDecisions.Set(float64(len(c.entries)))
	c.mu.Unlock()

	for _, e := range swept {
		c.journalRemove(e.obs.ID)
		c.metrics.DecisionsTotal.WithLabelValues("expired").Inc()
		c.telemetry.DecisionOutcome(*e.obs, StatusCanceled)
	}
	if len(swept) > 0 {
		c.logger.Warn("swept stale pending decisions", zap.Int("count", len(swept)))
	}
	return len(swept)
}

// PendingCount returns the number of open decision requests.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Shutdown cancels all outstanding timers and clears the pending table
// without invoking the learner: a clean shutdown produces no synthetic
// timeouts.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.sweepInterval > 0 {
		close(c.stopCh)
	}
	n := len(c.entries)
	for id, e := range c.entries {
		e.timer.Stop()
		delete(c.entries, id)
	}
	c.metrics.PendingDecisions.Set(0)
	c.mu.Unlock()

	c.logger.Info("decision coordinator shut down", zap.Int("canceled_pending", n))
}

// takeEntry performs the terminal transition for popupID under the
// mutex: it disarms the timer, marks the status and removes the entry.
// Whichever of resolve, timeout or cancel gets here first wins; the
// others see ErrUnknownPopup.
func (c *Coordinator) takeEntry(popupID string, status Status) (*entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrCoordinatorClosed
	}
	e, ok := c.entries[popupID]
	if !ok {
		return nil, ErrUnknownPopup
	}
	e.timer.Stop()
	e.status = status
	delete(c.entries, popupID)
	c.metrics.PendingDecisions.Set(float64(len(c.entries)))
	return e, nil
}

// fireTimeout is the timer callback. It performs the terminal
// transition if the entry is still pending; if resolve or cancel won
// the race this is a no-op.
func (c *Coordinator) fireTimeout(popupID string) {
	e, err := c.takeEntry(popupID, StatusTimedOut)
	if err != nil {
		return
	}
	e.obs.Decision = patterns.DecisionTimeout
	c.finalize(e, StatusTimedOut)
	c.logger.Debug("decision request timed out", zap.String("popup_id", popupID))
}

// finalize runs the post-transition side effects outside the mutex:
// learning, tab notification, telemetry, journal removal and metrics.
// The learner ignores timeout outcomes by policy; forwarding them
// anyway keeps the terminal flow uniform.
func (c *Coordinator) finalize(e *entry, status Status) {
	if _, err := c.learner.Learn(e.obs); err != nil {
		c.logger.Warn("learning from decision failed",
			zap.String("popup_id", e.obs.ID),
			zap.Error(err))
	}
	c.notifier.DecisionFinalized(e.tab, *e.obs)
	c.telemetry.DecisionOutcome(*e.obs, status)
	c.journalRemove(e.obs.ID)

	outcome := "resolved"
	if status == StatusTimedOut {
		outcome = "timeout"
	}
	c.metrics.DecisionsTotal.WithLabelValues(outcome).Inc()
	c.metrics.DecisionDuration.Observe(time.Since(e.submittedAt).Seconds())
}

// sweep runs the periodic safety-net cleanup until Shutdown.
func (c *Coordinator) sweep() {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.CleanupExpired(c.maxPendingAge)
		case <-c.stopCh:
			return
		}
	}
}

// journalSave persists a pending record, best-effort.
func (c *Coordinator) journalSave(rec PendingRecord) {
	if c.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.journal.SavePending(ctx, rec); err != nil {
		c.logger.Warn("journaling pending decision failed",
			zap.String("popup_id", rec.PopupID),
			zap.Error(err))
	}
}

// journalRemove deletes a pending record, best-effort.
func (c *Coordinator) journalRemove(popupID string) {
	if c.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.journal.RemovePending(ctx, popupID); err != nil {
		c.logger.Warn("removing journaled decision failed",
			zap.String("popup_id", popupID),
			zap.Error(err))
	}
}
