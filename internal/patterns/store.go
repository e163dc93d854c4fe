package patterns

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// MinConfidence is the lower bound for stored pattern confidence.
	// Patterns decaying below it are removed, never clamped back up.
	MinConfidence = 0.1

	// MaxConfidence is the upper bound for stored pattern confidence.
	MaxConfidence = 1.0

	// NewPatternConfidence is the initial confidence for a freshly
	// learned pattern.
	NewPatternConfidence = 0.5

	// DefaultMatchThreshold is the minimum similarity for an
	// observation to reinforce an existing pattern.
	DefaultMatchThreshold = 0.7

	// DefaultMaxPatterns bounds the store size.
	DefaultMaxPatterns = 500

	// DefaultMaxPatternAge is how long an unmatched pattern survives.
	DefaultMaxPatternAge = 30 * 24 * time.Hour

	// DefaultDecayHalfLife controls time-based confidence decay:
	// confidence halves for every half-life of elapsed time.
	DefaultDecayHalfLife = 14 * 24 * time.Hour

	// reinforceStep / penaltyStep adjust confidence when an
	// observation agrees / disagrees with a matched pattern.
	reinforceStep = 0.1
	penaltyStep   = 0.2

	// relabelThreshold and relabelConfidence govern decision flips:
	// when sustained disagreement drives confidence below the
	// threshold, the pattern adopts the observed decision and resets.
	relabelThreshold  = 0.3
	relabelConfidence = 0.55

	// minBoolVotes is the minimum sample count before an aggregated
	// boolean feature may flip its signature value.
	minBoolVotes = 3
)

// Removal reasons reported in metrics.
const (
	removeReasonDecayed = "decayed"
	removeReasonExpired = "expired"
	removeReasonEvicted = "evicted"
)

// Store owns the collection of learned patterns.
//
// All mutations go through a single mutex so that concurrent decision
// resolutions cannot interleave their read-modify-write cycles and lose
// updates. Reads hand out deep copies; store-owned patterns never
// escape.
type Store struct {
	mu       sync.Mutex
	patterns map[string]*Pattern            // patternID -> pattern
	byDomain map[string]map[string]*Pattern // domain -> patternID -> pattern

	maxPatterns int
	maxAge      time.Duration
	halfLife    time.Duration
	lastDecay   time.Time

	metrics *Metrics
	logger  *zap.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithMaxPatterns caps the number of stored patterns.
func WithMaxPatterns(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.maxPatterns = n
		}
	}
}

// WithMaxPatternAge sets the age ceiling for unmatched patterns.
func WithMaxPatternAge(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.maxAge = d
		}
	}
}

// WithDecayHalfLife sets the confidence decay half-life. Zero disables
// time-based decay (cleanup still removes expired patterns).
func WithDecayHalfLife(d time.Duration) StoreOption {
	return func(s *Store) {
		s.halfLife = d
	}
}

// NewStore creates an empty pattern store.
func NewStore(logger *zap.Logger, opts ...StoreOption) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		patterns:    make(map[string]*Pattern),
		byDomain:    make(map[string]map[string]*Pattern),
		maxPatterns: DefaultMaxPatterns,
		maxAge:      DefaultMaxPatternAge,
		halfLife:    DefaultDecayHalfLife,
		lastDecay:   time.Now(),
		metrics:     NewMetrics(),
		logger:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetLimits updates the capacity and decay tunables at runtime, for
// config hot reload. A lowered capacity takes effect immediately.
func (s *Store) SetLimits(maxPatterns int, maxAge, halfLife time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if maxPatterns > 0 {
		s.maxPatterns = maxPatterns
	}
	if maxAge > 0 {
		s.maxAge = maxAge
	}
	if halfLife > 0 {
		s.halfLife = halfLife
	}
	s.evictOverCapacityLocked(time.Now())
	s.metrics.PatternCount.Set(float64(len(s.patterns)))
}

// Len returns the number of stored patterns.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.patterns)
}

// FindBestMatch returns the stored pattern for domain most similar to
// chars, provided the similarity reaches threshold. Ties break by
// higher confidence, then by most recent LastSeen. Returns nil when
// nothing qualifies. The result is a copy.
func (s *Store) FindBestMatch(domain string, chars Characteristics, threshold float64) *Pattern {
	s.mu.Lock()
	defer s.mu.Unlock()

	best, _ := s.bestMatchLocked(domain, chars, threshold)
	if best == nil {
		return nil
	}
	return best.clone()
}

// bestMatchLocked scans one domain for the best match. Caller holds mu.
func (s *Store) bestMatchLocked(domain string, chars Characteristics, threshold float64) (*Pattern, float64) {
	var (
		best      *Pattern
		bestScore float64
	)
	for _, p := range s.byDomain[domain] {
		score := Similarity(chars, p.Signature.Characteristics())
		if score < threshold {
			continue
		}
		if best == nil || score > bestScore ||
			(score == bestScore && (p.Confidence > best.Confidence ||
				(p.Confidence == best.Confidence && p.LastSeen.After(best.LastSeen)))) {
			best = p
			bestScore = score
		}
	}
	return best, bestScore
}

// Upsert folds one resolved observation into the store: reinforcing the
// best match at or above threshold, or creating a new pattern when none
// exists. The match and mutation happen inside one critical section.
//
// Returns a copy of the affected pattern and whether it was created.
func (s *Store) Upsert(domain string, chars Characteristics, decision Decision, threshold float64) (*Pattern, bool, error) {
	if domain == "" {
		return nil, false, ErrEmptyDomain
	}
	if !decision.Learnable() {
		return nil, false, ErrInvalidDecision
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if match, _ := s.bestMatchLocked(domain, chars, threshold); match != nil {
		relabeled := match.reinforce(decision, chars, now)
		if relabeled {
			s.metrics.PatternsRelabeled.Inc()
			s.logger.Debug("pattern relabeled",
				zap.String("pattern_id", match.ID),
				zap.String("domain", domain),
				zap.String("decision", string(match.Decision)))
		}
		return match.clone(), false, nil
	}

	p := newPattern(domain, chars, decision, now)
	s.insertLocked(p)
	s.evictOverCapacityLocked(now)
	s.metrics.PatternsCreated.Inc()
	s.metrics.PatternCount.Set(float64(len(s.patterns)))
	s.logger.Debug("pattern created",
		zap.String("pattern_id", p.ID),
		zap.String("domain", domain),
		zap.String("decision", string(decision)))
	return p.clone(), true, nil
}

// DecayAndCleanup applies time-based confidence decay, removes patterns
// that decayed below MinConfidence or exceeded the age ceiling, then
// evicts the lowest-scoring patterns while over capacity. Returns how
// many patterns were removed.
func (s *Store) DecayAndCleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	factor := 1.0
	if s.halfLife > 0 {
		if elapsed := now.Sub(s.lastDecay); elapsed > 0 {
			factor = math.Pow(0.5, elapsed.Seconds()/s.halfLife.Seconds())
		}
	}
	s.lastDecay = now

	removed := 0
	for id, p := range s.patterns {
		p.Confidence *= factor
		switch {
		case p.Confidence < MinConfidence:
			s.removeLocked(id, removeReasonDecayed)
			removed++
		case now.Sub(p.LastSeen) > s.maxAge:
			s.removeLocked(id, removeReasonExpired)
			removed++
		}
	}
	removed += s.evictOverCapacityLocked(now)

	s.metrics.PatternCount.Set(float64(len(s.patterns)))
	if removed > 0 {
		s.logger.Info("pattern store cleanup",
			zap.Int("removed", removed),
			zap.Int("remaining", len(s.patterns)))
	}
	return removed
}

// evictOverCapacityLocked evicts lowest-scoring patterns until the
// store fits. Caller holds mu.
func (s *Store) evictOverCapacityLocked(now time.Time) int {
	evicted := 0
	for len(s.patterns) > s.maxPatterns {
		var (
			victim   string
			minScore float64
		)
		for id, p := range s.patterns {
			score := s.evictionScore(p, now)
			if victim == "" || score < minScore {
				victim = id
				minScore = score
			}
		}
		s.removeLocked(victim, removeReasonEvicted)
		evicted++
	}
	return evicted
}

// evictionScore ranks patterns for eviction: confident, frequently seen
// and recently active patterns score high and are kept.
func (s *Store) evictionScore(p *Pattern, now time.Time) float64 {
	recency := 1 - now.Sub(p.LastSeen).Seconds()/s.maxAge.Seconds()
	if recency < 0 {
		recency = 0
	}
	return p.Confidence * math.Log(float64(p.Occurrences)+1) * recency
}

func (s *Store) insertLocked(p *Pattern) {
	s.patterns[p.ID] = p
	domain := s.byDomain[p.Domain]
	if domain == nil {
		domain = make(map[string]*Pattern)
		s.byDomain[p.Domain] = domain
	}
	domain[p.ID] = p
}

func (s *Store) removeLocked(id, reason string) {
	p, ok := s.patterns[id]
	if !ok {
		return
	}
	delete(s.patterns, id)
	if domain := s.byDomain[p.Domain]; domain != nil {
		delete(domain, id)
		if len(domain) == 0 {
			delete(s.byDomain, p.Domain)
		}
	}
	s.metrics.PatternsRemoved.WithLabelValues(reason).Inc()
}

// PatternsForDomain returns copies of all patterns for one domain.
func (s *Store) PatternsForDomain(domain string) []Pattern {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Pattern, 0, len(s.byDomain[domain]))
	for _, p := range s.byDomain[domain] {
		out = append(out, *p.clone())
	}
	return out
}

// Snapshot returns copies of every stored pattern, for persistence.
func (s *Store) Snapshot() []Pattern {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Pattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		out = append(out, *p.clone())
	}
	return out
}

// Restore loads persisted patterns into the store, skipping entries
// that fail validation. A corrupt row never aborts the load. Returns
// the number of patterns restored.
func (s *Store) Restore(loaded []Pattern) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	restored := 0
	for i := range loaded {
		p := loaded[i]
		if err := p.Validate(); err != nil {
			s.logger.Warn("skipping malformed pattern",
				zap.String("pattern_id", p.ID),
				zap.Error(err))
			continue
		}
		if _, exists := s.patterns[p.ID]; exists {
			continue
		}
		s.insertLocked(p.clone())
		restored++
	}
	s.evictOverCapacityLocked(time.Now())
	s.metrics.PatternCount.Set(float64(len(s.patterns)))
	return restored
}
