package patterns

import (
	"fmt"

	"go.uber.org/zap"
)

const (
	// SuggestMinConfidence is the minimum pattern confidence for an
	// automatic recommendation.
	SuggestMinConfidence = 0.7

	// SuggestMinSimilarity is the minimum similarity for an automatic
	// recommendation. Both bars are stricter than the match threshold
	// used for learning: acting automatically requires materially more
	// certainty than merely reinforcing an existing pattern.
	SuggestMinSimilarity = 0.8
)

// Suggestion is an automatic recommendation derived from a stored
// pattern that cleared both suggestion bars.
type Suggestion struct {
	Decision   Decision `json:"decision"`
	Confidence float64  `json:"confidence"`
	Similarity float64  `json:"similarity"`
	PatternID  string   `json:"patternId"`
}

// Suggester answers read-only "what would the user do" queries over the
// pattern store.
type Suggester struct {
	store   *Store
	metrics *Metrics
	logger  *zap.Logger
}

// NewSuggester creates a suggestion engine bound to a store.
func NewSuggester(store *Store, logger *zap.Logger) (*Suggester, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Suggester{
		store:   store,
		metrics: NewMetrics(),
		logger:  logger,
	}, nil
}

// Suggest returns an automatic recommendation for the observed popup,
// or nil when no stored pattern clears both the confidence and the
// similarity bar. An empty or unusable store always yields nil: the
// engine never blocks content without a qualified pattern behind it.
func (s *Suggester) Suggest(domain string, chars Characteristics) *Suggestion {
	sug := s.store.bestSuggestion(domain, chars)
	if sug == nil {
		s.metrics.SuggestionsTotal.WithLabelValues("miss").Inc()
		return nil
	}
	s.metrics.SuggestionsTotal.WithLabelValues("hit").Inc()
	s.logger.Debug("suggestion",
		zap.String("domain", domain),
		zap.String("pattern_id", sug.PatternID),
		zap.String("decision", string(sug.Decision)),
		zap.Float64("confidence", sug.Confidence),
		zap.Float64("similarity", sug.Similarity))
	return sug
}

// bestSuggestion scans one domain for the pattern best qualified to act
// automatically. Ties break by confidence, then similarity.
func (s *Store) bestSuggestion(domain string, chars Characteristics) *Suggestion {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *Suggestion
	for _, p := range s.byDomain[domain] {
		if p.Confidence < SuggestMinConfidence {
			continue
		}
		sim := Similarity(chars, p.Signature.Characteristics())
		if sim < SuggestMinSimilarity {
			continue
		}
		if best == nil || p.Confidence > best.Confidence ||
			(p.Confidence == best.Confidence && sim > best.Similarity) {
			best = &Suggestion{
				Decision:   p.Decision,
				Confidence: p.Confidence,
				Similarity: sim,
				PatternID:  p.ID,
			}
		}
	}
	return best
}
