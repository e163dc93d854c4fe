package patterns

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common errors for pattern operations.
var (
	ErrEmptyDomain       = errors.New("domain cannot be empty")
	ErrInvalidDecision   = errors.New("decision must be 'close' or 'keep'")
	ErrInvalidConfidence = errors.New("confidence must be between 0.1 and 1.0")
	ErrMalformedPattern  = errors.New("malformed pattern")
	ErrNilAdapter        = errors.New("persistence adapter cannot be nil")
)

// Decision is the outcome recorded for an observed popup.
type Decision string

const (
	// DecisionPending means the popup has been observed but not yet resolved.
	DecisionPending Decision = "pending"

	// DecisionClose means the user dismissed the popup as unwanted.
	DecisionClose Decision = "close"

	// DecisionKeep means the user chose to keep the popup visible.
	DecisionKeep Decision = "keep"

	// DecisionTimeout means no resolution arrived within the decision window.
	DecisionTimeout Decision = "timeout"

	// DecisionDismiss means the user dismissed the prompt without choosing.
	DecisionDismiss Decision = "dismiss"
)

// Learnable reports whether a decision may create or mutate a pattern.
// Only explicit close/keep choices carry signal; pending, timeout and
// dismiss outcomes are ignored by the learner.
func (d Decision) Learnable() bool {
	return d == DecisionClose || d == DecisionKeep
}

// Dimensions is the rendered size of a popup element in CSS pixels.
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Characteristics is the feature vector extracted from a popup element.
//
// Extraction happens in the browser and may fail partially, so every
// feature is optional. A nil field means the extractor could not
// determine that feature; similarity scoring skips it on both sides.
type Characteristics struct {
	HasCloseButton   *bool       `json:"hasCloseButton,omitempty"`
	ContainsAds      *bool       `json:"containsAds,omitempty"`
	HasExternalLinks *bool       `json:"hasExternalLinks,omitempty"`
	IsModal          *bool       `json:"isModal,omitempty"`
	ZIndex           *int        `json:"zIndex,omitempty"`
	Dimensions       *Dimensions `json:"dimensions,omitempty"`
}

// Bool returns a pointer to b, for building Characteristics literals.
func Bool(b bool) *bool { return &b }

// Int returns a pointer to n, for building Characteristics literals.
func Int(n int) *int { return &n }

// Observation records a single "popup observed" event and, once resolved,
// the user's decision about it. Characteristics are immutable after capture.
type Observation struct {
	// ID is the unique observation identifier (UUID).
	ID string `json:"id"`

	// Domain is the site the popup appeared on. Matching is always
	// scoped to a single domain.
	Domain string `json:"domain"`

	// Timestamp is when the popup was detected.
	Timestamp time.Time `json:"timestamp"`

	// Characteristics is the feature vector captured at detection time.
	Characteristics Characteristics `json:"characteristics"`

	// Decision starts as pending and is set exactly once on resolution.
	Decision Decision `json:"decision"`
}

// NewObservation creates a pending observation for a detected popup.
func NewObservation(domain string, chars Characteristics) (*Observation, error) {
	if domain == "" {
		return nil, ErrEmptyDomain
	}
	return &Observation{
		ID:              uuid.New().String(),
		Domain:          domain,
		Timestamp:       time.Now(),
		Characteristics: chars,
		Decision:        DecisionPending,
	}, nil
}

// BoolVote is an aggregated boolean feature inside a pattern signature.
//
// Value is the current signature value. Votes counts observations that
// carried the feature; TrueVotes counts those where it was true. The
// value only flips once at least three votes exist and the majority
// disagrees with it, so a single noisy sample cannot rewrite the
// signature.
type BoolVote struct {
	Value     bool `json:"value"`
	TrueVotes int  `json:"trueVotes"`
	Votes     int  `json:"votes"`
}

func newBoolVote(v bool) *BoolVote {
	bv := &BoolVote{Value: v, Votes: 1}
	if v {
		bv.TrueVotes = 1
	}
	return bv
}

// record folds one observed value into the vote and flips Value when a
// differing majority has formed over at least minBoolVotes samples.
func (bv *BoolVote) record(v bool) {
	bv.Votes++
	if v {
		bv.TrueVotes++
	}
	if bv.Votes < minBoolVotes {
		return
	}
	if bv.TrueVotes*2 > bv.Votes {
		bv.Value = true
	} else if bv.TrueVotes*2 < bv.Votes {
		bv.Value = false
	}
}

// Signature is the aggregate characteristic vector of a pattern.
// Numeric features are running averages; boolean features carry votes.
type Signature struct {
	HasCloseButton   *BoolVote `json:"hasCloseButton,omitempty"`
	ContainsAds      *BoolVote `json:"containsAds,omitempty"`
	HasExternalLinks *BoolVote `json:"hasExternalLinks,omitempty"`
	IsModal          *BoolVote `json:"isModal,omitempty"`
	ZIndex           *float64  `json:"zIndex,omitempty"`
	Width            *float64  `json:"width,omitempty"`
	Height           *float64  `json:"height,omitempty"`
}

// Characteristics projects the signature back into a comparable feature
// vector. Averages are rounded to the nearest integer.
func (s Signature) Characteristics() Characteristics {
	var c Characteristics
	if s.HasCloseButton != nil {
		c.HasCloseButton = Bool(s.HasCloseButton.Value)
	}
	if s.ContainsAds != nil {
		c.ContainsAds = Bool(s.ContainsAds.Value)
	}
	if s.HasExternalLinks != nil {
		c.HasExternalLinks = Bool(s.HasExternalLinks.Value)
	}
	if s.IsModal != nil {
		c.IsModal = Bool(s.IsModal.Value)
	}
	if s.ZIndex != nil {
		c.ZIndex = Int(int(*s.ZIndex + 0.5))
	}
	if s.Width != nil && s.Height != nil {
		c.Dimensions = &Dimensions{
			Width:  int(*s.Width + 0.5),
			Height: int(*s.Height + 0.5),
		}
	}
	return c
}

// Pattern is a learned (characteristics → decision) association for one
// domain. Confidence is a running belief in the stored decision, bounded
// to [MinConfidence, MaxConfidence] while the pattern lives in the store.
type Pattern struct {
	// ID is the unique pattern identifier (UUID).
	ID string `json:"id"`

	// Domain scopes the pattern; cross-domain matches are never returned.
	Domain string `json:"domain"`

	// Signature is the aggregate characteristic vector.
	Signature Signature `json:"signature"`

	// Decision is the learned decision. Only close or keep ever enter
	// the store.
	Decision Decision `json:"decision"`

	// Confidence is the current belief that Decision is still correct.
	Confidence float64 `json:"confidence"`

	// Occurrences counts observations folded into this pattern.
	Occurrences int `json:"occurrences"`

	// LastSeen is when the pattern last matched an observation.
	LastSeen time.Time `json:"lastSeen"`

	// CreatedAt is when the pattern was first learned.
	CreatedAt time.Time `json:"createdAt"`
}

// Validate checks structural invariants. Persisted patterns failing
// validation are skipped on load rather than aborting the whole store.
func (p *Pattern) Validate() error {
	if p.ID == "" {
		return ErrMalformedPattern
	}
	if _, err := uuid.Parse(p.ID); err != nil {
		return ErrMalformedPattern
	}
	if p.Domain == "" {
		return ErrEmptyDomain
	}
	if !p.Decision.Learnable() {
		return ErrInvalidDecision
	}
	if p.Confidence < MinConfidence || p.Confidence > MaxConfidence {
		return ErrInvalidConfidence
	}
	if p.Occurrences < 1 {
		return ErrMalformedPattern
	}
	return nil
}

// clone returns a deep copy so callers cannot mutate store-owned state.
func (p *Pattern) clone() *Pattern {
	cp := *p
	if p.Signature.HasCloseButton != nil {
		v := *p.Signature.HasCloseButton
		cp.Signature.HasCloseButton = &v
	}
	if p.Signature.ContainsAds != nil {
		v := *p.Signature.ContainsAds
		cp.Signature.ContainsAds = &v
	}
	if p.Signature.HasExternalLinks != nil {
		v := *p.Signature.HasExternalLinks
		cp.Signature.HasExternalLinks = &v
	}
	if p.Signature.IsModal != nil {
		v := *p.Signature.IsModal
		cp.Signature.IsModal = &v
	}
	if p.Signature.ZIndex != nil {
		v := *p.Signature.ZIndex
		cp.Signature.ZIndex = &v
	}
	if p.Signature.Width != nil {
		v := *p.Signature.Width
		cp.Signature.Width = &v
	}
	if p.Signature.Height != nil {
		v := *p.Signature.Height
		cp.Signature.Height = &v
	}
	return &cp
}
