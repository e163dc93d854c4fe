package decision

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/popguard/popguard/internal/patterns"
)

// TabRef identifies the browser tab (or equivalent UI surface) that
// originated a decision request. Opaque to the coordinator.
type TabRef string

// Notifier delivers finalized observations back to the originating
// tab. Implementations live at the extension-messaging boundary; the
// coordinator only requires that notification never blocks resolution.
type Notifier interface {
	DecisionFinalized(tab TabRef, obs patterns.Observation)
}

// Telemetry receives fire-and-forget notifications about terminal
// decision outcomes. Failures must never affect coordinator state, so
// the interface cannot return an error.
type Telemetry interface {
	DecisionOutcome(obs patterns.Observation, status Status)
}

// PendingRecord is the crash-recovery projection of an open decision
// request.
type PendingRecord struct {
	PopupID     string
	Domain      string
	TabRef      string
	SubmittedAt time.Time
}

// Journal persists pending-decision records for crash recovery only.
// All journal calls are best-effort; the in-memory table stays
// authoritative.
type Journal interface {
	SavePending(ctx context.Context, rec PendingRecord) error
	RemovePending(ctx context.Context, popupID string) error
	LoadPending(ctx context.Context) ([]PendingRecord, error)
}

// LogNotifier logs finalized decisions instead of pushing them to a
// tab. Used when no messaging transport is wired.
type LogNotifier struct {
	Logger *zap.Logger
}

// DecisionFinalized implements Notifier.
func (n LogNotifier) DecisionFinalized(tab TabRef, obs patterns.Observation) {
	if n.Logger == nil {
		return
	}
	n.Logger.Info("decision finalized",
		zap.String("popup_id", obs.ID),
		zap.String("tab", string(tab)),
		zap.String("domain", obs.Domain),
		zap.String("decision", string(obs.Decision)))
}

// LogTelemetry logs terminal outcomes. Used when no telemetry channel
// is wired.
type LogTelemetry struct {
	Logger *zap.Logger
}

// DecisionOutcome implements Telemetry.
func (t LogTelemetry) DecisionOutcome(obs patterns.Observation, status Status) {
	if t.Logger == nil {
		return
	}
	t.Logger.Debug("decision outcome",
		zap.String("popup_id", obs.ID),
		zap.String("domain", obs.Domain),
		zap.String("status", string(status)))
}
