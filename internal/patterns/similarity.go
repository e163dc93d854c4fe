package patterns

import "math"

// Feature weights for similarity scoring. They sum to 1.0; features
// missing on either side are dropped from both numerator and
// denominator, which renormalizes the remaining weights implicitly.
const (
	weightHasCloseButton   = 0.15
	weightContainsAds      = 0.25
	weightHasExternalLinks = 0.20
	weightIsModal          = 0.15
	weightZIndex           = 0.10
	weightDimensions       = 0.15

	// zIndexTolerance is the largest z-index drift still considered
	// comparable. Larger drift contributes nothing.
	zIndexTolerance = 100

	// zIndexScale converts z-index drift into a similarity penalty.
	zIndexScale = 1000.0
)

// Similarity scores two characteristic vectors in [0,1]. It is pure,
// symmetric and reflexive for vectors with at least one shared feature.
// Vectors sharing no features score 0.
func Similarity(a, b Characteristics) float64 {
	var sum, total float64

	if a.HasCloseButton != nil && b.HasCloseButton != nil {
		total += weightHasCloseButton
		if *a.HasCloseButton == *b.HasCloseButton {
			sum += weightHasCloseButton
		}
	}
	if a.ContainsAds != nil && b.ContainsAds != nil {
		total += weightContainsAds
		if *a.ContainsAds == *b.ContainsAds {
			sum += weightContainsAds
		}
	}
	if a.HasExternalLinks != nil && b.HasExternalLinks != nil {
		total += weightHasExternalLinks
		if *a.HasExternalLinks == *b.HasExternalLinks {
			sum += weightHasExternalLinks
		}
	}
	if a.IsModal != nil && b.IsModal != nil {
		total += weightIsModal
		if *a.IsModal == *b.IsModal {
			sum += weightIsModal
		}
	}
	if a.ZIndex != nil && b.ZIndex != nil {
		total += weightZIndex
		sum += weightZIndex * zIndexSimilarity(*a.ZIndex, *b.ZIndex)
	}
	if a.Dimensions != nil && b.Dimensions != nil {
		total += weightDimensions
		w := axisSimilarity(a.Dimensions.Width, b.Dimensions.Width)
		h := axisSimilarity(a.Dimensions.Height, b.Dimensions.Height)
		sum += weightDimensions * (w + h) / 2
	}

	if total == 0 {
		return 0
	}
	return sum / total
}

// zIndexSimilarity tolerates small stacking-order drift and rejects
// large drift outright.
func zIndexSimilarity(a, b int) float64 {
	delta := a - b
	if delta < 0 {
		delta = -delta
	}
	if delta > zIndexTolerance {
		return 0
	}
	return math.Max(0, 1-float64(delta)/zIndexScale)
}

// axisSimilarity compares one dimension axis relative to the larger
// value. Two zero axes are identical.
func axisSimilarity(a, b int) float64 {
	if a == b {
		return 1
	}
	delta := a - b
	if delta < 0 {
		delta = -delta
	}
	larger := a
	if b > a {
		larger = b
	}
	if larger == 0 {
		return 1
	}
	return math.Max(0, 1-float64(delta)/float64(larger))
}
