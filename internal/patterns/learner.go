package patterns

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Updater routes resolved observations into the pattern store.
//
// It applies the no-learn policy (pending, timeout and dismiss outcomes
// carry no signal and are silently ignored) and delegates the atomic
// match-and-mutate to the store.
type Updater struct {
	store   *Store
	metrics *Metrics
	logger  *zap.Logger

	mu             sync.RWMutex
	matchThreshold float64
}

// UpdaterOption configures an Updater.
type UpdaterOption func(*Updater)

// WithMatchThreshold sets the minimum similarity for reinforcing an
// existing pattern instead of creating a new one.
func WithMatchThreshold(t float64) UpdaterOption {
	return func(u *Updater) {
		if t > 0 && t <= 1 {
			u.matchThreshold = t
		}
	}
}

// NewUpdater creates a learning updater bound to a store.
func NewUpdater(store *Store, logger *zap.Logger, opts ...UpdaterOption) (*Updater, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	u := &Updater{
		store:          store,
		matchThreshold: DefaultMatchThreshold,
		metrics:        NewMetrics(),
		logger:         logger,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u, nil
}

// SetMatchThreshold updates the match threshold at runtime, for config
// hot reload. Out-of-range values are ignored.
func (u *Updater) SetMatchThreshold(t float64) {
	if t <= 0 || t > 1 {
		return
	}
	u.mu.Lock()
	u.matchThreshold = t
	u.mu.Unlock()
}

func (u *Updater) threshold() float64 {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.matchThreshold
}

// Learn folds one observation into the store.
//
// Observations whose decision is not close or keep are dropped without
// error: a timed-out or dismissed prompt says nothing about whether the
// popup should have been blocked. Returns the affected pattern, or nil
// when the observation was ignored.
func (u *Updater) Learn(obs *Observation) (*Pattern, error) {
	if obs == nil {
		return nil, fmt.Errorf("observation cannot be nil")
	}
	if !obs.Decision.Learnable() {
		u.metrics.ObservationsIgnored.WithLabelValues(string(obs.Decision)).Inc()
		u.logger.Debug("observation ignored",
			zap.String("observation_id", obs.ID),
			zap.String("decision", string(obs.Decision)))
		return nil, nil
	}

	p, created, err := u.store.Upsert(obs.Domain, obs.Characteristics, obs.Decision, u.threshold())
	if err != nil {
		return nil, fmt.Errorf("upserting pattern: %w", err)
	}
	u.metrics.ObservationsLearned.WithLabelValues(string(obs.Decision)).Inc()
	u.logger.Debug("observation learned",
		zap.String("observation_id", obs.ID),
		zap.String("pattern_id", p.ID),
		zap.Bool("created", created),
		zap.Float64("confidence", p.Confidence))
	return p, nil
}

// newPattern builds a fresh pattern from a single observation.
func newPattern(domain string, chars Characteristics, decision Decision, now time.Time) *Pattern {
	var sig Signature
	if chars.HasCloseButton != nil {
		sig.HasCloseButton = newBoolVote(*chars.HasCloseButton)
	}
	if chars.ContainsAds != nil {
		sig.ContainsAds = newBoolVote(*chars.ContainsAds)
	}
	if chars.HasExternalLinks != nil {
		sig.HasExternalLinks = newBoolVote(*chars.HasExternalLinks)
	}
	if chars.IsModal != nil {
		sig.IsModal = newBoolVote(*chars.IsModal)
	}
	if chars.ZIndex != nil {
		v := float64(*chars.ZIndex)
		sig.ZIndex = &v
	}
	if chars.Dimensions != nil {
		w := float64(chars.Dimensions.Width)
		h := float64(chars.Dimensions.Height)
		sig.Width = &w
		sig.Height = &h
	}
	return &Pattern{
		ID:          uuid.New().String(),
		Domain:      domain,
		Signature:   sig,
		Decision:    decision,
		Confidence:  NewPatternConfidence,
		Occurrences: 1,
		LastSeen:    now,
		CreatedAt:   now,
	}
}

// reinforce folds one agreeing or disagreeing observation into the
// pattern. Called with the store mutex held.
//
// Agreement raises confidence by reinforceStep (capped). Disagreement
// lowers it by penaltyStep (floored); when the penalized value falls
// below relabelThreshold the pattern flips to the observed decision and
// resets to relabelConfidence, so sustained disagreement re-teaches the
// pattern instead of leaving it stuck. Returns whether a flip happened.
func (p *Pattern) reinforce(decision Decision, chars Characteristics, now time.Time) bool {
	p.Occurrences++
	p.LastSeen = now
	p.mergeCharacteristics(chars)

	if decision == p.Decision {
		p.Confidence = math.Min(MaxConfidence, p.Confidence+reinforceStep)
		return false
	}

	p.Confidence = math.Max(MinConfidence, p.Confidence-penaltyStep)
	if p.Confidence >= relabelThreshold {
		return false
	}
	p.Decision = decision
	p.Confidence = relabelConfidence
	return true
}

// mergeCharacteristics updates the aggregate signature with one more
// sample: numerics as running averages avg' = avg*(n-1)/n + new/n,
// booleans as majority votes. Features absent from the observation
// leave the signature untouched; features the signature has never seen
// are adopted as-is.
func (p *Pattern) mergeCharacteristics(chars Characteristics) {
	n := float64(p.Occurrences)

	if chars.HasCloseButton != nil {
		if p.Signature.HasCloseButton == nil {
			p.Signature.HasCloseButton = newBoolVote(*chars.HasCloseButton)
		} else {
			p.Signature.HasCloseButton.record(*chars.HasCloseButton)
		}
	}
	if chars.ContainsAds != nil {
		if p.Signature.ContainsAds == nil {
			p.Signature.ContainsAds = newBoolVote(*chars.ContainsAds)
		} else {
			p.Signature.ContainsAds.record(*chars.ContainsAds)
		}
	}
	if chars.HasExternalLinks != nil {
		if p.Signature.HasExternalLinks == nil {
			p.Signature.HasExternalLinks = newBoolVote(*chars.HasExternalLinks)
		} else {
			p.Signature.HasExternalLinks.record(*chars.HasExternalLinks)
		}
	}
	if chars.IsModal != nil {
		if p.Signature.IsModal == nil {
			p.Signature.IsModal = newBoolVote(*chars.IsModal)
		} else {
			p.Signature.IsModal.record(*chars.IsModal)
		}
	}
	if chars.ZIndex != nil {
		v := float64(*chars.ZIndex)
		if p.Signature.ZIndex == nil {
			p.Signature.ZIndex = &v
		} else {
			*p.Signature.ZIndex = *p.Signature.ZIndex*(n-1)/n + v/n
		}
	}
	if chars.Dimensions != nil {
		w := float64(chars.Dimensions.Width)
		h := float64(chars.Dimensions.Height)
		if p.Signature.Width == nil || p.Signature.Height == nil {
			p.Signature.Width = &w
			p.Signature.Height = &h
		} else {
			*p.Signature.Width = *p.Signature.Width*(n-1)/n + w/n
			*p.Signature.Height = *p.Signature.Height*(n-1)/n + h/n
		}
	}
}
