// Package patterns implements the adaptive popup classification engine.
//
// The engine converts a stream of "popup observed → user decided" events
// into a self-tuning set of reusable decision patterns. Each pattern
// associates an aggregate characteristic vector (close button, ads,
// external links, modality, z-index, dimensions) with a learned decision
// (close or keep) and a confidence score.
//
// # Matching
//
// Similarity between characteristic vectors is a weighted sum over
// feature categories; features missing on either side are excluded,
// which renormalizes the remaining weights. Matching is always scoped
// to a single domain.
//
// # Confidence Model
//
// New patterns start at 0.5. Agreement with the stored decision adds
// 0.1 (capped at 1.0); disagreement subtracts 0.2 (floored at 0.1).
// When sustained disagreement pushes confidence below 0.3 the pattern
// relabels itself: it adopts the observed decision and resets to 0.55,
// so a pattern can flip rather than staying stuck. Confidence also
// decays over time with a configurable half-life; patterns decaying
// below 0.1 or unmatched beyond the age ceiling are removed, and the
// lowest-scoring patterns are evicted while the store is over capacity.
//
// # Suggestions
//
// Automatic recommendations use stricter bars than learning
// (confidence ≥ 0.7 and similarity ≥ 0.8); the engine never recommends
// an action without a qualified pattern behind it.
//
// # Concurrency
//
// The store is the only shared mutable resource. Every mutation runs
// inside one mutex-guarded critical section spanning match and update,
// so concurrent decision resolutions cannot lose learning events.
// Reads return deep copies.
package patterns
