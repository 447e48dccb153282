// Package scoring runs the loaded classifier over a feature vector and
// turns the raw probability into the served risk result: an integer score,
// a tier, and a ranked explanation of the features that drove the decision.
//
// Everything here is deterministic. Identical (vector, bundle) inputs always
// produce a bit-identical result, which is what makes cached results safe to
// serve and regression tests meaningful.
package scoring

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/mbd888/cryptoguard/internal/features"
	"github.com/mbd888/cryptoguard/internal/model"
)

// Tier is the served risk category.
type Tier string

const (
	TierLow    Tier = "Low"
	TierMedium Tier = "Medium"
	TierHigh   Tier = "High"
)

// severity orders tiers for monotonicity checks.
func (t Tier) severity() int {
	switch t {
	case TierMedium:
		return 1
	case TierHigh:
		return 2
	default:
		return 0
	}
}

// LessSevere reports whether t is strictly below other in the Low < Medium <
// High ordering.
func (t Tier) LessSevere(other Tier) bool {
	return t.severity() < other.severity()
}

// Thresholds holds the two probability cut points separating the tiers.
// Configuration, not behavior: the exact values come from RISK_THRESHOLDS.
type Thresholds struct {
	Medium float64 // probability at or above which the tier is Medium
	High   float64 // probability at or above which the tier is High
}

// DefaultThresholds returns the documented default cut points.
func DefaultThresholds() Thresholds {
	return Thresholds{Medium: 0.33, High: 0.67}
}

// Validate checks that the cut points are ordered and inside (0, 1).
func (t Thresholds) Validate() error {
	if t.Medium <= 0 || t.High >= 1 || t.Medium >= t.High {
		return fmt.Errorf("risk thresholds must satisfy 0 < medium < high < 1, got %.3f/%.3f",
			t.Medium, t.High)
	}
	return nil
}

// Tier maps a probability to its risk tier.
func (t Thresholds) Tier(probability float64) Tier {
	switch {
	case probability >= t.High:
		return TierHigh
	case probability >= t.Medium:
		return TierMedium
	default:
		return TierLow
	}
}

// Factor is one entry in the result's explanation: a feature and how much it
// moved the probability, with a human-readable direction.
type Factor struct {
	Name         string  `json:"name"`
	Contribution float64 `json:"contribution"`
	Direction    string  `json:"direction"` // "increases risk" or "decreases risk"
}

// Result is the scored output for one address against one model version.
type Result struct {
	Address      string    `json:"address"`
	Probability  float64   `json:"probability"`
	Score        int       `json:"risk_score"` // round(probability × 100)
	Tier         Tier      `json:"risk_tier"`
	TopFactors   []Factor  `json:"top_factors"`
	ModelVersion string    `json:"model_version"`
	ComputedAt   time.Time `json:"computed_at"`
}

// DefaultTopFactors bounds the explanation size unless configured otherwise.
const DefaultTopFactors = 5

// Engine converts feature vectors into risk results.
type Engine struct {
	thresholds Thresholds
	topK       int
	now        func() time.Time
}

// NewEngine creates a scoring engine with the given tier cut points and
// explanation size.
func NewEngine(thresholds Thresholds, topK int) *Engine {
	if topK <= 0 {
		topK = DefaultTopFactors
	}
	return &Engine{
		thresholds: thresholds,
		topK:       topK,
		now:        time.Now,
	}
}

// WithClock overrides the timestamp source (tests).
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Thresholds returns the configured cut points.
func (e *Engine) Thresholds() Thresholds {
	return e.thresholds
}

// Score runs the bundle on the vector and assembles the full risk result.
// Returns model.ErrSchemaMismatch when the vector does not fit the bundle.
func (e *Engine) Score(address string, vec *features.Vector, bundle *model.Bundle) (*Result, error) {
	p, err := bundle.Probability(vec.Values)
	if err != nil {
		return nil, err
	}

	factors, err := e.attribute(vec.Values, bundle, p)
	if err != nil {
		return nil, err
	}

	return &Result{
		Address:      address,
		Probability:  p,
		Score:        int(math.Round(p * 100)),
		Tier:         e.thresholds.Tier(p),
		TopFactors:   factors,
		ModelVersion: bundle.Version,
		ComputedAt:   e.now().UTC(),
	}, nil
}

// attribute ranks features by local contribution: each feature is replaced
// by its training baseline in turn and the probability shift is measured.
// Only the bundle's predict function is needed, so the explanation
// contract survives a change of model algorithm.
func (e *Engine) attribute(values []float64, bundle *model.Bundle, p float64) ([]Factor, error) {
	probe := make([]float64, len(values))
	copy(probe, values)

	factors := make([]Factor, 0, len(values))
	names := bundle.FeatureNames
	for i := range values {
		if values[i] == bundle.Baselines[i] {
			continue // no deviation from baseline, no contribution
		}
		probe[i] = bundle.Baselines[i]
		pi, err := bundle.Probability(probe)
		probe[i] = values[i]
		if err != nil {
			return nil, err
		}

		contribution := roundTo(p-pi, 4)
		if contribution == 0 {
			continue
		}
		direction := "increases risk"
		if contribution < 0 {
			direction = "decreases risk"
		}
		factors = append(factors, Factor{
			Name:         names[i],
			Contribution: contribution,
			Direction:    direction,
		})
	}

	// Rank by magnitude; tie-break on name so ordering is stable.
	sort.Slice(factors, func(a, b int) bool {
		ca, cb := math.Abs(factors[a].Contribution), math.Abs(factors[b].Contribution)
		if ca != cb {
			return ca > cb
		}
		return factors[a].Name < factors[b].Name
	})

	if len(factors) > e.topK {
		factors = factors[:e.topK]
	}
	return factors, nil
}

func roundTo(v float64, places int) float64 {
	scale := math.Pow10(places)
	return math.Round(v*scale) / scale
}

// Recommendations returns the suggested caller actions for a tier.
func Recommendations(t Tier) []string {
	switch t {
	case TierHigh:
		return []string{
			"Do not interact with this address",
			"Revoke any existing token approvals",
			"Report the address to your wallet security team",
		}
	case TierMedium:
		return []string{
			"Verify transaction details carefully before proceeding",
			"Limit interaction amounts",
			"Monitor the address for further suspicious activity",
		}
	default:
		return []string{"Standard security practices recommended"}
	}
}
